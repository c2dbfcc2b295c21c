package conversation

import (
	"math/rand"
	"testing"
)

func TestSelectSpeakerNeverRepeats(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	participants := []string{"ada", "bo", "cy"}
	st := SpeakerState{TurnCounts: map[string]int{}}
	for i := 0; i < 2000; i++ {
		next := SelectSpeaker(participants, st, func(a, b string) float64 { return 0.95 }, rng)
		if st.LastSpeaker != "" && next == st.LastSpeaker {
			t.Fatalf("turn %d repeated speaker %s", i, next)
		}
		st.LastSpeaker = next
		st.TurnCounts[next]++
		st.TotalTurns++
	}
}

func TestSelectSpeakerFirstTurnReachesEveryone(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	participants := []string{"ada", "bo", "cy", "dee"}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[SelectSpeaker(participants, SpeakerState{}, nil, rng)] = true
	}
	if len(seen) != len(participants) {
		t.Fatalf("expected all participants to open at some point, saw %v", seen)
	}
}

func TestSelectSpeakerTwoParticipantsAlternate(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	got := SelectSpeaker([]string{"ada", "bo"}, SpeakerState{LastSpeaker: "ada", TotalTurns: 1, TurnCounts: map[string]int{"ada": 1}}, nil, rng)
	if got != "bo" {
		t.Fatalf("expected bo, got %s", got)
	}
}

func TestSpeakerWeight(t *testing.T) {
	cases := []struct {
		name                    string
		affinity, share, jitter float64
		want                    float64
	}{
		{name: "neutral", affinity: 0.5, share: 0, jitter: 0, want: 1.3},
		{name: "dominant speaker", affinity: 0.1, share: 1, jitter: -0.2, want: 0.46},
		{name: "floored", affinity: -10, share: 1, jitter: -0.2, want: 0.01},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SpeakerWeight(tc.affinity, tc.share, tc.jitter)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("weight = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSanitizeLine(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "  Ship it today. ", want: "Ship it today."},
		{name: "name echo", in: "Ada: we should ship", want: "we should ship"},
		{name: "name echo case insensitive", in: "ADA: fine", want: "fine"},
		{name: "wrapping quotes", in: `"Let's wait."`, want: "Let's wait."},
		{name: "name then quotes", in: `Ada: “Numbers look good”`, want: "Numbers look good"},
		{name: "newlines", in: "first\nsecond", want: "first second"},
		{name: "inner quotes kept", in: `He said "no" twice`, want: `He said "no" twice`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeLine(tc.in, "Ada"); got != tc.want {
				t.Fatalf("SanitizeLine(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
	if got := SanitizeLine(long); len([]rune(got)) > MaxLineLength {
		t.Fatalf("line not truncated: %d runes", len([]rune(got)))
	}
}
