package initiative

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/llm"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/memory"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
)

type stubStore struct {
	counts   map[string]int
	latest   map[string]ops.Initiative
	inserted []string

	pending   []ops.Initiative
	lost      map[string]bool
	completed map[string]ops.Initiative
}

func (s *stubStore) CountMemoriesAbove(_ context.Context, agentID string, _ float64) (int, error) {
	return s.counts[agentID], nil
}

func (s *stubStore) LatestInitiative(_ context.Context, agentID string) (ops.Initiative, bool, error) {
	in, ok := s.latest[agentID]
	return in, ok, nil
}

func (s *stubStore) InsertInitiative(_ context.Context, agentID string) (ops.Initiative, error) {
	s.inserted = append(s.inserted, agentID)
	return ops.Initiative{ID: "i-" + agentID, AgentID: agentID, Status: ops.InitiativePending}, nil
}

func (s *stubStore) ListInitiativesByStatus(_ context.Context, status ops.InitiativeStatus, _ int) ([]ops.Initiative, error) {
	if status != ops.InitiativePending {
		return nil, nil
	}
	return s.pending, nil
}

func (s *stubStore) ClaimInitiative(_ context.Context, id string) (bool, error) {
	return !s.lost[id], nil
}

func (s *stubStore) CompleteInitiative(_ context.Context, id string, status ops.InitiativeStatus, proposalID, errMsg string) error {
	if s.completed == nil {
		s.completed = map[string]ops.Initiative{}
	}
	s.completed[id] = ops.Initiative{ID: id, Status: status, GeneratedProposalID: proposalID, Error: errMsg}
	return nil
}

func TestEligibilityCheck(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	st := &stubStore{
		counts: map[string]int{"fresh": 5, "thin": 4, "recent": 9, "rested": 9},
		latest: map[string]ops.Initiative{
			"recent": {CreatedAt: now.Add(-3 * time.Hour)},
			"rested": {CreatedAt: now.Add(-4 * time.Hour)},
		},
	}
	e := DefaultEligibility()
	cases := map[string]bool{"fresh": true, "thin": false, "recent": false, "rested": true}
	for agent, want := range cases {
		got, err := e.Check(context.Background(), st, agent, now)
		if err != nil {
			t.Fatalf("Check(%s): %v", agent, err)
		}
		if got != want {
			t.Fatalf("Check(%s) = %v, want %v", agent, got, want)
		}
	}
}

func TestQueueEligible(t *testing.T) {
	st := &stubStore{counts: map[string]int{"a1": 6, "a2": 1}}
	n, err := QueueEligible(context.Background(), st, DefaultEligibility(), []string{"a1", "a2"}, time.Now())
	if err != nil {
		t.Fatalf("QueueEligible: %v", err)
	}
	if n != 1 || len(st.inserted) != 1 || st.inserted[0] != "a1" {
		t.Fatalf("expected only a1 queued, got %d %v", n, st.inserted)
	}
}

type memReader struct{}

func (memReader) Query(context.Context, string, memory.Filter) ([]ops.Memory, error) {
	return []ops.Memory{{Type: ops.MemoryLesson, Content: "threads outperform single tweets", Confidence: 0.8}}, nil
}

type proposerStub struct {
	inputs []proposal.Input
	err    error
}

func (p *proposerStub) CreateProposal(_ context.Context, in proposal.Input) (proposal.CreateResult, error) {
	p.inputs = append(p.inputs, in)
	if p.err != nil {
		return proposal.CreateResult{}, p.err
	}
	return proposal.CreateResult{ProposalID: "prop-" + in.AgentID}, nil
}

func draftLLM(body string) llm.Client {
	return llm.ClientFunc(func(context.Context, string, llm.Options) (string, error) { return body, nil })
}

func TestProcessPendingProposes(t *testing.T) {
	st := &stubStore{
		pending: []ops.Initiative{{ID: "i1", AgentID: "a1"}, {ID: "i2", AgentID: "a2"}},
		lost:    map[string]bool{"i2": true},
	}
	prop := &proposerStub{}
	g := NewGenerator(st, memReader{}, prop, draftLLM(`{"title":"Thread experiment","steps":[{"kind":"draft_tweet","description":"write a thread"}]}`), nil, []string{"draft_tweet"}, nil)

	n, err := g.ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 proposed, got %d", n)
	}
	if got := st.completed["i1"]; got.Status != ops.InitiativeProposed || got.GeneratedProposalID != "prop-a1" {
		t.Fatalf("unexpected completion: %+v", got)
	}
	if _, touched := st.completed["i2"]; touched {
		t.Fatal("lost claim must not be completed")
	}
	in := prop.inputs[0]
	if in.Source != ops.SourceInitiative || in.SourceTraceID != "initiative:i1" {
		t.Fatalf("unexpected proposal input: %+v", in)
	}
}

func TestProcessPendingMarksFailures(t *testing.T) {
	st := &stubStore{pending: []ops.Initiative{{ID: "i1", AgentID: "a1"}, {ID: "i3", AgentID: "a3"}}}
	prop := &proposerStub{err: ops.QuotaExceeded{AgentID: "a1", Count: 5, Limit: 5}}
	g := NewGenerator(st, memReader{}, prop, draftLLM(`{"title":"x","steps":[{"kind":"draft_tweet"}]}`), nil, nil, nil)

	n, err := g.ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing proposed, got %d", n)
	}
	for _, id := range []string{"i1", "i3"} {
		got := st.completed[id]
		if got.Status != ops.InitiativeFailed || got.Error == "" {
			t.Fatalf("expected %s failed with error, got %+v", id, got)
		}
	}
}

func TestProcessPendingRejectsUnsupportedKinds(t *testing.T) {
	st := &stubStore{pending: []ops.Initiative{{ID: "i1", AgentID: "a1"}}}
	prop := &proposerStub{}
	g := NewGenerator(st, memReader{}, prop, draftLLM(`{"title":"x","steps":[{"kind":"hire_contractor"}]}`), nil, []string{"draft_tweet"}, nil)

	if _, err := g.ProcessPending(context.Background(), 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if len(prop.inputs) != 0 {
		t.Fatal("unsupported draft must not reach the proposal service")
	}
	var verr ops.ValidationError
	if st.completed["i1"].Status != ops.InitiativeFailed {
		t.Fatalf("expected failure, got %+v", st.completed["i1"])
	}
	if err := g.checkKinds([]ops.StepSpec{{Kind: "hire_contractor"}}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
