package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/policy"
)

type memStore struct {
	proposals  map[string]ops.Proposal
	missions   []ops.Mission
	steps      []ops.Step
	succeeded  map[string]int
	approveErr error
	nextID     int
}

func newMemStore() *memStore {
	return &memStore{proposals: map[string]ops.Proposal{}, succeeded: map[string]int{}}
}

func (m *memStore) InsertProposal(_ context.Context, p ops.Proposal) (ops.Proposal, error) {
	m.nextID++
	p.ID = fmt.Sprintf("prop-%d", m.nextID)
	p.Status = ops.ProposalPending
	p.CreatedAt = time.Now()
	m.proposals[p.ID] = p
	return p, nil
}

func (m *memStore) GetProposal(_ context.Context, id string) (ops.Proposal, error) {
	p, ok := m.proposals[id]
	if !ok {
		return ops.Proposal{}, ops.ErrNotFound
	}
	return p, nil
}

func (m *memStore) CountProposalsSince(_ context.Context, agentID string, _ time.Time) (int, error) {
	n := 0
	for _, p := range m.proposals {
		if p.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountSucceededStepsSince(_ context.Context, kind string, _ time.Time) (int, error) {
	return m.succeeded[kind], nil
}

func (m *memStore) ApproveProposal(_ context.Context, id, decidedBy string) (ops.Mission, []ops.Step, error) {
	if m.approveErr != nil {
		return ops.Mission{}, nil, m.approveErr
	}
	p, ok := m.proposals[id]
	if !ok {
		return ops.Mission{}, nil, ops.ErrNotFound
	}
	if p.Status != ops.ProposalPending {
		return ops.Mission{}, nil, ops.ValidationError{Field: "proposal", Reason: "already " + string(p.Status)}
	}
	p.Status = ops.ProposalAccepted
	m.proposals[id] = p
	createdBy := decidedBy
	if createdBy == "" {
		createdBy = p.AgentID
	}
	mission := ops.Mission{ID: fmt.Sprintf("mission-%d", len(m.missions)+1), ProposalID: id, Title: p.Title, Status: ops.MissionApproved, CreatedBy: createdBy}
	m.missions = append(m.missions, mission)
	var steps []ops.Step
	for i, spec := range p.Steps {
		st := ops.Step{ID: fmt.Sprintf("%s-step-%d", mission.ID, i+1), MissionID: mission.ID, StepNumber: i + 1, Kind: spec.Kind, Status: ops.StepQueued, Description: spec.Description}
		steps = append(steps, st)
	}
	m.steps = append(m.steps, steps...)
	return mission, steps, nil
}

func (m *memStore) RejectProposal(_ context.Context, id string) error {
	p := m.proposals[id]
	if p.Status != ops.ProposalPending {
		return ops.ValidationError{Field: "proposal", Reason: "is not pending"}
	}
	p.Status = ops.ProposalRejected
	m.proposals[id] = p
	return nil
}

type recordingEmitter struct {
	kinds []string
}

func (r *recordingEmitter) Emit(_ context.Context, ev ops.Event) (ops.Event, error) {
	r.kinds = append(r.kinds, ev.Kind)
	return ev, nil
}

type docsSource map[string]json.RawMessage

func (d docsSource) ListPolicies(context.Context) (map[string]json.RawMessage, error) {
	return d, nil
}

func TestCreateProposalAutoApprovesAllowedKinds(t *testing.T) {
	store := newMemStore()
	em := &recordingEmitter{}
	svc := NewService(store, docsSource{
		policy.KeyAutoApprove: json.RawMessage(`{"enabled":true,"allowed_step_kinds":["research"]}`),
	}, em)

	res, err := svc.CreateProposal(context.Background(), Input{
		AgentID: "a1",
		Steps:   []ops.StepSpec{{Kind: "research", Description: "x"}},
		Source:  ops.SourceManual,
	})
	if err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	if !res.AutoApproved {
		t.Fatalf("expected auto approval")
	}
	if len(store.missions) != 1 {
		t.Fatalf("expected one mission, got %d", len(store.missions))
	}
	if len(store.steps) != 1 || store.steps[0].Kind != "research" || store.steps[0].Status != ops.StepQueued {
		t.Fatalf("unexpected steps: %+v", store.steps)
	}
	if res.MissionID != store.missions[0].ID {
		t.Fatalf("mission id mismatch: %s vs %s", res.MissionID, store.missions[0].ID)
	}
	want := []string{"proposal.created", "proposal.accepted", "mission.created"}
	if fmt.Sprint(em.kinds) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, em.kinds)
	}
}

func TestProposeHoldsUnlistedKinds(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil, nil)
	snap := policy.Default()
	snap.AutoApprove = policy.AutoApprove{Enabled: true, AllowedStepKinds: []string{"research"}}

	res, err := svc.Propose(context.Background(), snap, Input{
		AgentID: "a1",
		Title:   "Mixed",
		Steps:   []ops.StepSpec{{Kind: "research"}, {Kind: "draft_tweet"}},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if res.AutoApproved || len(store.missions) != 0 {
		t.Fatalf("proposal with unlisted kind must stay pending")
	}
	if store.proposals[res.ProposalID].Status != ops.ProposalPending {
		t.Fatalf("expected pending proposal")
	}
}

func TestProposeCapGateBlocksLimitPlusOne(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil, nil)
	snap := policy.Default()
	snap.CapGates = map[string]policy.CapGate{"draft_tweet": {Limit: 2}}

	store.succeeded["draft_tweet"] = 1
	if _, err := svc.Propose(context.Background(), snap, Input{AgentID: "a1", Title: "t", Steps: []ops.StepSpec{{Kind: "draft_tweet"}}}); err != nil {
		t.Fatalf("below the limit should pass: %v", err)
	}

	store.succeeded["draft_tweet"] = 2
	_, err := svc.Propose(context.Background(), snap, Input{AgentID: "a1", Title: "t", Steps: []ops.StepSpec{{Kind: "research"}, {Kind: "draft_tweet"}}})
	var blocked ops.CapGateBlocked
	if !errors.As(err, &blocked) {
		t.Fatalf("expected CapGateBlocked, got %v", err)
	}
	if blocked.StepKind != "draft_tweet" || blocked.Limit != 2 {
		t.Fatalf("unexpected denial: %+v", blocked)
	}
	if !ops.IsPolicyDenial(err) {
		t.Fatalf("cap gate must be a policy denial")
	}
	if len(store.proposals) != 1 {
		t.Fatalf("a denied proposal must not be recorded, have %d", len(store.proposals))
	}
}

func TestProposeEnforcesDailyQuota(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil, nil)
	snap := policy.Default()
	snap.ProposalQuota.DailyLimit = 1

	in := Input{AgentID: "a1", Title: "t", Steps: []ops.StepSpec{{Kind: "research"}}}
	if _, err := svc.Propose(context.Background(), snap, in); err != nil {
		t.Fatalf("first proposal: %v", err)
	}
	_, err := svc.Propose(context.Background(), snap, in)
	var quota ops.QuotaExceeded
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
	if _, err := svc.Propose(context.Background(), snap, Input{AgentID: "a2", Title: "t", Steps: in.Steps}); err != nil {
		t.Fatalf("quota is per agent: %v", err)
	}
}

func TestProposeValidation(t *testing.T) {
	svc := NewService(newMemStore(), nil, nil)
	cases := map[string]Input{
		"no agent":   {Steps: []ops.StepSpec{{Kind: "research"}}},
		"no steps":   {AgentID: "a1"},
		"empty kind": {AgentID: "a1", Steps: []ops.StepSpec{{Kind: " "}}},
		"bad source": {AgentID: "a1", Steps: []ops.StepSpec{{Kind: "research"}}, Source: "rumour"},
	}
	for name, in := range cases {
		_, err := svc.Propose(context.Background(), policy.Default(), in)
		var verr ops.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestProposeDefaultsTitleFromFirstStep(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil, nil)
	res, err := svc.Propose(context.Background(), policy.Default(), Input{AgentID: "a1", Steps: []ops.StepSpec{{Kind: "research", Description: "competitors"}}})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if got := store.proposals[res.ProposalID].Title; got != "research: competitors" {
		t.Fatalf("unexpected default title %q", got)
	}
}

func TestProposeReportsAutoApproveFailure(t *testing.T) {
	store := newMemStore()
	store.approveErr = errors.New("deadlock detected")
	svc := NewService(store, nil, nil)
	snap := policy.Default()
	snap.AutoApprove = policy.AutoApprove{Enabled: true, AllowedStepKinds: []string{"research"}}

	res, err := svc.Propose(context.Background(), snap, Input{AgentID: "a1", Title: "t", Steps: []ops.StepSpec{{Kind: "research"}}})
	if err == nil {
		t.Fatalf("expected approval error")
	}
	if res.ProposalID == "" || res.AutoApproved {
		t.Fatalf("proposal should be recorded but not approved: %+v", res)
	}
}

func TestApproveAndRejectProposal(t *testing.T) {
	store := newMemStore()
	em := &recordingEmitter{}
	svc := NewService(store, nil, em)
	res, err := svc.Propose(context.Background(), policy.Default(), Input{AgentID: "a1", Title: "t", Steps: []ops.StepSpec{{Kind: "research"}, {Kind: "analyze"}}})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	approved, err := svc.ApproveProposal(context.Background(), res.ProposalID, ApproveInput{DecidedBy: "operator"})
	if err != nil {
		t.Fatalf("ApproveProposal: %v", err)
	}
	if approved.Mission.CreatedBy != "operator" || len(approved.Steps) != 2 {
		t.Fatalf("unexpected approval: %+v", approved)
	}
	for i, st := range approved.Steps {
		if st.StepNumber != i+1 {
			t.Fatalf("step numbers must start at 1: %+v", approved.Steps)
		}
	}
	if err := svc.RejectProposal(context.Background(), res.ProposalID, "changed my mind"); err == nil {
		t.Fatalf("accepted proposal cannot be rejected")
	}

	other, _ := svc.Propose(context.Background(), policy.Default(), Input{AgentID: "a1", Title: "u", Steps: []ops.StepSpec{{Kind: "research"}}})
	if err := svc.RejectProposal(context.Background(), other.ProposalID, "dup"); err != nil {
		t.Fatalf("RejectProposal: %v", err)
	}
	if store.proposals[other.ProposalID].Status != ops.ProposalRejected {
		t.Fatalf("expected rejected status")
	}
	if em.kinds[len(em.kinds)-1] != "proposal.rejected" {
		t.Fatalf("expected proposal.rejected event, got %v", em.kinds)
	}
}
