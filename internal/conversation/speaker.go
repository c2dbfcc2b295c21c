package conversation

import (
	"math/rand"
	"strings"
	"unicode/utf8"
)

const (
	// MaxLineLength caps a single turn, in runes.
	MaxLineLength = 120

	baseWeight     = 1.0
	affinityWeight = 0.6
	shareWeight    = 0.4
	jitterSpan     = 0.2
	minWeight      = 0.01
)

// AffinityFunc returns the affinity between two agents.
type AffinityFunc func(a, b string) float64

// SpeakerState is the turn history the selector needs.
type SpeakerState struct {
	LastSpeaker string
	TurnCounts  map[string]int
	TotalTurns  int
}

// SelectSpeaker picks the next speaker. The first turn is uniform; later turns
// are a weighted draw where the previous speaker has weight zero.
func SelectSpeaker(participants []string, st SpeakerState, affinity AffinityFunc, rng *rand.Rand) string {
	if len(participants) == 0 {
		return ""
	}
	if st.LastSpeaker == "" || st.TotalTurns == 0 {
		return participants[rng.Intn(len(participants))]
	}
	weights := make([]float64, len(participants))
	var total float64
	for i, p := range participants {
		if p == st.LastSpeaker {
			continue
		}
		share := float64(st.TurnCounts[p]) / float64(st.TotalTurns)
		aff := 0.5
		if affinity != nil {
			aff = affinity(p, st.LastSpeaker)
		}
		jitter := (rng.Float64()*2 - 1) * jitterSpan
		weights[i] = SpeakerWeight(aff, share, jitter)
		total += weights[i]
	}
	if total == 0 {
		// lone participant
		return participants[0]
	}
	target := rng.Float64() * total
	var cum float64
	for i, w := range weights {
		if w == 0 {
			continue
		}
		cum += w
		if target < cum {
			return participants[i]
		}
	}
	for i := len(participants) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return participants[i]
		}
	}
	return participants[0]
}

// SpeakerWeight is the selection weight of an eligible candidate.
func SpeakerWeight(affinity, share, jitter float64) float64 {
	w := baseWeight + affinityWeight*affinity - shareWeight*share + jitter
	if w < minWeight {
		return minWeight
	}
	return w
}

// SanitizeLine trims a generated line: it drops a leading "Name:" echo and
// wrapping quotes, flattens newlines and truncates to MaxLineLength runes.
func SanitizeLine(text string, names ...string) string {
	s := strings.Join(strings.Fields(text), " ")
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prefix := name + ":"
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	s = stripQuotes(s)
	if utf8.RuneCountInString(s) > MaxLineLength {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:MaxLineLength]))
	}
	return s
}

var quotePairs = [][2]string{{`"`, `"`}, {`'`, `'`}, {"“", "”"}, {"‘", "’"}, {"`", "`"}}

func stripQuotes(s string) string {
	for {
		trimmed := false
		for _, q := range quotePairs {
			if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
				s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
				trimmed = true
			}
		}
		if !trimmed {
			return s
		}
	}
}
