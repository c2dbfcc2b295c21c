package proposal

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/events"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/policy"
)

// StoreAPI is the persistence the proposal service depends on.
type StoreAPI interface {
	InsertProposal(ctx context.Context, p ops.Proposal) (ops.Proposal, error)
	GetProposal(ctx context.Context, id string) (ops.Proposal, error)
	CountProposalsSince(ctx context.Context, agentID string, since time.Time) (int, error)
	CountSucceededStepsSince(ctx context.Context, kind string, since time.Time) (int, error)
	ApproveProposal(ctx context.Context, proposalID, decidedBy string) (ops.Mission, []ops.Step, error)
	RejectProposal(ctx context.Context, id string) error
}

// Input describes a proposal to create.
type Input struct {
	AgentID       string             `json:"agent_id"`
	Title         string             `json:"title"`
	Description   string             `json:"description,omitempty"`
	Steps         []ops.StepSpec     `json:"steps"`
	Source        ops.ProposalSource `json:"source"`
	SourceTraceID string             `json:"source_trace_id,omitempty"`
}

// CreateResult is returned by CreateProposal. MissionID is set when the
// proposal was auto-approved.
type CreateResult struct {
	ProposalID   string `json:"proposal_id"`
	AutoApproved bool   `json:"auto_approved"`
	MissionID    string `json:"mission_id,omitempty"`
}

// ApproveInput carries optional approval metadata.
type ApproveInput struct {
	DecidedBy string `json:"decided_by,omitempty"`
}

// ApproveResult is the mission created by an approval.
type ApproveResult struct {
	Mission ops.Mission `json:"mission"`
	Steps   []ops.Step  `json:"steps"`
}

// Service validates and records proposals and turns accepted ones into missions.
type Service struct {
	store    StoreAPI
	policies policy.Source
	emitter  events.Emitter
	loc      *time.Location
	now      func() time.Time
	logger   *log.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the zone used to find local midnight for daily limits.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires a proposal service.
func NewService(store StoreAPI, policies policy.Source, emitter events.Emitter, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policies: policies,
		emitter:  emitter,
		loc:      time.Local,
		now:      time.Now,
		logger:   log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProposal loads a fresh policy snapshot and proposes in.
func (s *Service) CreateProposal(ctx context.Context, in Input) (CreateResult, error) {
	snap, err := policy.Load(ctx, s.policies)
	if err != nil {
		return CreateResult{}, err
	}
	return s.Propose(ctx, snap, in)
}

// Propose validates in, enforces the daily quota and cap gates from snap,
// records the proposal and auto-approves it when snap allows every step kind.
// A denial creates no record.
func (s *Service) Propose(ctx context.Context, snap policy.Snapshot, in Input) (CreateResult, error) {
	in, err := normalize(in)
	if err != nil {
		return CreateResult{}, err
	}
	midnight := policy.MidnightIn(s.now(), s.loc)

	if limit := snap.ProposalQuota.DailyLimit; limit > 0 {
		n, err := s.store.CountProposalsSince(ctx, in.AgentID, midnight)
		if err != nil {
			return CreateResult{}, ops.Persist("count proposals", err)
		}
		if n >= limit {
			return CreateResult{}, ops.QuotaExceeded{AgentID: in.AgentID, Count: n, Limit: limit}
		}
	}

	kinds := stepKinds(in.Steps)
	for _, kind := range kinds {
		if err := s.checkCapGate(ctx, snap, kind, midnight); err != nil {
			return CreateResult{}, err
		}
	}

	p, err := s.store.InsertProposal(ctx, ops.Proposal{
		AgentID:       in.AgentID,
		Title:         in.Title,
		Description:   in.Description,
		Steps:         in.Steps,
		Source:        in.Source,
		SourceTraceID: in.SourceTraceID,
	})
	if err != nil {
		return CreateResult{}, ops.Persist("insert proposal", err)
	}
	s.emit(ctx, ops.Event{
		AgentID: p.AgentID,
		Kind:    "proposal.created",
		Title:   p.Title,
		Payload: map[string]interface{}{
			"proposal_id":     p.ID,
			"source":          string(p.Source),
			"source_trace_id": p.SourceTraceID,
			"step_kinds":      kinds,
		},
	})

	res := CreateResult{ProposalID: p.ID}
	if !snap.AutoApprove.Allows(kinds) {
		return res, nil
	}
	approved, err := s.ApproveProposal(ctx, p.ID, ApproveInput{})
	if err != nil {
		return res, fmt.Errorf("auto-approve proposal %s: %w", p.ID, err)
	}
	res.AutoApproved = true
	res.MissionID = approved.Mission.ID
	return res, nil
}

// ApproveProposal accepts a pending proposal, creating its mission and steps atomically.
func (s *Service) ApproveProposal(ctx context.Context, id string, in ApproveInput) (ApproveResult, error) {
	if strings.TrimSpace(id) == "" {
		return ApproveResult{}, ops.ValidationError{Field: "proposal_id", Reason: "is required"}
	}
	mission, steps, err := s.store.ApproveProposal(ctx, id, in.DecidedBy)
	if err != nil {
		return ApproveResult{}, ops.Persist("approve proposal", err)
	}
	s.emit(ctx, ops.Event{
		AgentID: mission.CreatedBy,
		Kind:    "proposal.accepted",
		Title:   mission.Title,
		Payload: map[string]interface{}{"proposal_id": id, "mission_id": mission.ID},
	})
	s.emit(ctx, ops.Event{
		AgentID: mission.CreatedBy,
		Kind:    "mission.created",
		Title:   mission.Title,
		Payload: map[string]interface{}{"mission_id": mission.ID, "proposal_id": id, "steps": len(steps)},
	})
	return ApproveResult{Mission: mission, Steps: steps}, nil
}

// RejectProposal marks a pending proposal rejected.
func (s *Service) RejectProposal(ctx context.Context, id, reason string) error {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return ops.Persist("get proposal", err)
	}
	if err := s.store.RejectProposal(ctx, id); err != nil {
		return ops.Persist("reject proposal", err)
	}
	s.emit(ctx, ops.Event{
		AgentID: p.AgentID,
		Kind:    "proposal.rejected",
		Title:   p.Title,
		Summary: reason,
		Payload: map[string]interface{}{"proposal_id": id},
	})
	return nil
}

func (s *Service) checkCapGate(ctx context.Context, snap policy.Snapshot, kind string, midnight time.Time) error {
	gate, ok := snap.CapGate(kind)
	if !ok {
		return nil
	}
	n, err := s.store.CountSucceededStepsSince(ctx, kind, midnight)
	if err != nil {
		return ops.Persist("count succeeded steps", err)
	}
	if n >= gate.Limit {
		return ops.CapGateBlocked{StepKind: kind, Count: n, Limit: gate.Limit}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, ev ops.Event) {
	if s.emitter == nil {
		return
	}
	if _, err := s.emitter.Emit(ctx, ev); err != nil {
		s.logger.Printf("warn: emit %s: %v", ev.Kind, err)
	}
}

func normalize(in Input) (Input, error) {
	in.AgentID = strings.TrimSpace(in.AgentID)
	if in.AgentID == "" {
		return in, ops.ValidationError{Field: "agent_id", Reason: "is required"}
	}
	if len(in.Steps) == 0 {
		return in, ops.ValidationError{Field: "steps", Reason: "must contain at least one step"}
	}
	in.Steps = append([]ops.StepSpec(nil), in.Steps...)
	for i := range in.Steps {
		in.Steps[i].Kind = strings.TrimSpace(in.Steps[i].Kind)
		if in.Steps[i].Kind == "" {
			return in, ops.ValidationError{Field: fmt.Sprintf("steps[%d].kind", i), Reason: "is required"}
		}
	}
	if in.Source == "" {
		in.Source = ops.SourceManual
	}
	if !in.Source.Valid() {
		return in, ops.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", in.Source)}
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		in.Title = defaultTitle(in.Steps[0])
	}
	return in, nil
}

// defaultTitle names an untitled proposal after its first step.
func defaultTitle(step ops.StepSpec) string {
	title := step.Kind
	if d := strings.TrimSpace(step.Description); d != "" {
		title += ": " + d
	}
	if r := []rune(title); len(r) > 80 {
		title = string(r[:80])
	}
	return title
}

func stepKinds(steps []ops.StepSpec) []string {
	seen := make(map[string]struct{}, len(steps))
	kinds := make([]string, 0, len(steps))
	for _, st := range steps {
		if _, ok := seen[st.Kind]; ok {
			continue
		}
		seen[st.Kind] = struct{}{}
		kinds = append(kinds, st.Kind)
	}
	return kinds
}
