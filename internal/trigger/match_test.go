package trigger

import "testing"

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, kind string
		want          bool
	}{
		{"*", "anything.at.all", true},
		{"step.*", "step.failed", true},
		{"step.*", "step", false},
		{"step.*", "steps.failed", false},
		{"system.heartbeat", "system.heartbeat", true},
		{"system.heartbeat", "system.alert", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.kind); got != tc.want {
			t.Fatalf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.kind, got, tc.want)
		}
	}
}

func TestMatchCondition(t *testing.T) {
	payload := map[string]interface{}{
		"kind":  "draft_tweet",
		"count": float64(3),
		"tags":  []interface{}{"a", "b"},
	}
	if !MatchCondition(nil, payload) {
		t.Fatalf("nil condition must match")
	}
	if !MatchCondition(map[string]interface{}{"kind": "draft_tweet", "count": 3}, payload) {
		t.Fatalf("numeric values should compare across types")
	}
	if !MatchCondition(map[string]interface{}{"tags": []string{"a", "b"}}, payload) {
		t.Fatalf("slices should compare by value")
	}
	if MatchCondition(map[string]interface{}{"kind": "research"}, payload) {
		t.Fatalf("different value must not match")
	}
	if MatchCondition(map[string]interface{}{"missing": true}, payload) {
		t.Fatalf("missing key must not match")
	}
	if MatchCondition(map[string]interface{}{"kind": "draft_tweet"}, nil) {
		t.Fatalf("condition against empty payload must not match")
	}
}
