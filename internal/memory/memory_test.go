package memory

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/store"
)

type stubStore struct {
	inserted   []ops.Memory
	superseded map[string]string
	query      store.MemoryQuery
	boost      float64
}

func (s *stubStore) QueryMemories(_ context.Context, q store.MemoryQuery) ([]ops.Memory, error) {
	s.query = q
	return nil, nil
}

func (s *stubStore) InsertMemory(_ context.Context, m ops.Memory) (ops.Memory, error) {
	m.ID = "mem-new"
	s.inserted = append(s.inserted, m)
	return m, nil
}

func (s *stubStore) SupersedeMemory(_ context.Context, oldID string, m ops.Memory) (ops.Memory, error) {
	if s.superseded == nil {
		s.superseded = map[string]string{}
	}
	m.ID = "mem-replacement"
	s.superseded[oldID] = m.ID
	return m, nil
}

func (s *stubStore) PromoteCorroboratedMemories(_ context.Context, boost float64) (int, error) {
	s.boost = boost
	return 2, nil
}

func (s *stubStore) CountMemoriesAbove(context.Context, string, float64) (int, error) {
	return 0, nil
}

func TestWriteNormalisesMemory(t *testing.T) {
	st := &stubStore{}
	svc := New(st)
	out, err := svc.Write(context.Background(), ops.Memory{
		AgentID:    " scout ",
		Type:       ops.MemoryInsight,
		Content:    "  threads outperform single posts ",
		Confidence: 1.7,
		Tags:       []string{"Social", " ", "growth"},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := ops.Memory{
		ID:         "mem-new",
		AgentID:    "scout",
		Type:       ops.MemoryInsight,
		Content:    "threads outperform single posts",
		Confidence: 1,
		Tags:       []string{"social", "growth"},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("memory mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRejectsInvalidMemory(t *testing.T) {
	svc := New(&stubStore{})
	cases := map[string]ops.Memory{
		"no agent":   {Type: ops.MemoryLesson, Content: "x"},
		"bad type":   {AgentID: "a1", Type: "gossip", Content: "x"},
		"no content": {AgentID: "a1", Type: ops.MemoryLesson, Content: "  "},
	}
	for name, m := range cases {
		_, err := svc.Write(context.Background(), m)
		var verr ops.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestSupersedeInheritsAgent(t *testing.T) {
	st := &stubStore{}
	svc := New(st)
	out, err := svc.Supersede(context.Background(), "mem-old", ops.Memory{Type: ops.MemoryStrategy, Content: "post at 9am", Confidence: 0.8})
	if err != nil {
		t.Fatalf("Supersede: %v", err)
	}
	if st.superseded["mem-old"] != out.ID {
		t.Fatalf("old memory not pointed at replacement")
	}
}

func TestQueryPassesFilter(t *testing.T) {
	st := &stubStore{}
	svc := New(st)
	_, err := svc.Query(context.Background(), "scout", Filter{Types: []ops.MemoryType{ops.MemoryPattern}, MinConfidence: 0.6, Limit: 5})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := store.MemoryQuery{AgentID: "scout", Types: []string{"pattern"}, MinConfidence: 0.6, Limit: 5}
	if diff := cmp.Diff(want, st.query); diff != "" {
		t.Fatalf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestPromoteCorroboratedUsesBoost(t *testing.T) {
	st := &stubStore{}
	n, err := New(st).PromoteCorroborated(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("PromoteCorroborated: n=%d err=%v", n, err)
	}
	if st.boost != CorroborationBoost {
		t.Fatalf("expected boost %v, got %v", CorroborationBoost, st.boost)
	}
}

func TestClampConfidence(t *testing.T) {
	for in, want := range map[float64]float64{-0.5: 0, 0.4: 0.4, 3: 1, math.NaN(): 0} {
		if got := ClampConfidence(in); got != want {
			t.Fatalf("ClampConfidence(%v) = %v, want %v", in, got, want)
		}
	}
}
