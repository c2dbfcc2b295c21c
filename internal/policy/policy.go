package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Document keys stored in ops_policy.
const (
	KeyAutoApprove          = "auto_approve"
	KeyCapGates             = "cap_gates"
	KeyProposalQuota        = "proposal_quota"
	KeyConversationSchedule = "conversation_schedule"
	KeyWorkerAlerts         = "worker_alerts"
)

// DefaultMaxFailures is the consecutive failure count that opens a worker's circuit.
const DefaultMaxFailures = 3

// Source provides raw policy documents keyed by name.
type Source interface {
	ListPolicies(ctx context.Context) (map[string]json.RawMessage, error)
}

// AutoApprove decides which proposals skip human review.
type AutoApprove struct {
	Enabled          bool     `json:"enabled"`
	AllowedStepKinds []string `json:"allowed_step_kinds"`
}

// Allows reports whether every kind is on the allow-list. An empty kind list is never allowed.
func (a AutoApprove) Allows(kinds []string) bool {
	if !a.Enabled || len(kinds) == 0 {
		return false
	}
	allowed := make(map[string]struct{}, len(a.AllowedStepKinds))
	for _, k := range a.AllowedStepKinds {
		allowed[k] = struct{}{}
	}
	for _, k := range kinds {
		if _, ok := allowed[k]; !ok {
			return false
		}
	}
	return true
}

// CapGate limits how many steps of one kind may succeed per local day.
type CapGate struct {
	Limit int `json:"limit"`
}

// ProposalQuota caps how many proposals one agent may create per local day. Zero means unlimited.
type ProposalQuota struct {
	DailyLimit int `json:"daily_limit"`
}

// ScheduleSlot asks for a conversation of Format during Hour with the given probability.
type ScheduleSlot struct {
	Hour        int     `json:"hour"`
	Format      string  `json:"format"`
	Probability float64 `json:"probability"`
}

// WorkerAlerts configures the worker circuit breaker.
type WorkerAlerts struct {
	MaxFailures int `json:"max_failures"`
}

// Snapshot is an immutable view of every policy document, read once and
// passed explicitly to the components that consult it.
type Snapshot struct {
	AutoApprove          AutoApprove
	CapGates             map[string]CapGate
	ProposalQuota        ProposalQuota
	ConversationSchedule []ScheduleSlot
	WorkerAlerts         WorkerAlerts
	LoadedAt             time.Time
}

// Default returns the snapshot used when no documents are stored.
func Default() Snapshot {
	return Snapshot{
		CapGates:     map[string]CapGate{},
		WorkerAlerts: WorkerAlerts{MaxFailures: DefaultMaxFailures},
	}
}

// CapGate returns the gate configured for kind, if any.
func (s Snapshot) CapGate(kind string) (CapGate, bool) {
	g, ok := s.CapGates[kind]
	return g, ok
}

// SlotForHour returns the first schedule slot for hour.
func (s Snapshot) SlotForHour(hour int) (ScheduleSlot, bool) {
	for _, slot := range s.ConversationSchedule {
		if slot.Hour == hour {
			return slot, true
		}
	}
	return ScheduleSlot{}, false
}

// Load reads every policy document from src once.
func Load(ctx context.Context, src Source) (Snapshot, error) {
	if src == nil {
		return Snapshot{}, fmt.Errorf("policy source is nil")
	}
	docs, err := src.ListPolicies(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list policies: %w", err)
	}
	snap, err := FromDocuments(docs)
	if err != nil {
		return Snapshot{}, err
	}
	snap.LoadedAt = time.Now()
	return snap, nil
}

// FromDocuments decodes raw documents over the defaults. Missing keys keep
// their default; unknown keys are ignored.
func FromDocuments(docs map[string]json.RawMessage) (Snapshot, error) {
	snap := Default()
	if raw, ok := docs[KeyAutoApprove]; ok {
		if err := decode(KeyAutoApprove, raw, &snap.AutoApprove); err != nil {
			return Snapshot{}, err
		}
	}
	if raw, ok := docs[KeyCapGates]; ok {
		gates := map[string]CapGate{}
		if err := decode(KeyCapGates, raw, &gates); err != nil {
			return Snapshot{}, err
		}
		snap.CapGates = gates
	}
	if raw, ok := docs[KeyProposalQuota]; ok {
		if err := decode(KeyProposalQuota, raw, &snap.ProposalQuota); err != nil {
			return Snapshot{}, err
		}
	}
	if raw, ok := docs[KeyConversationSchedule]; ok {
		if err := decode(KeyConversationSchedule, raw, &snap.ConversationSchedule); err != nil {
			return Snapshot{}, err
		}
		sort.SliceStable(snap.ConversationSchedule, func(i, j int) bool {
			return snap.ConversationSchedule[i].Hour < snap.ConversationSchedule[j].Hour
		})
	}
	if raw, ok := docs[KeyWorkerAlerts]; ok {
		if err := decode(KeyWorkerAlerts, raw, &snap.WorkerAlerts); err != nil {
			return Snapshot{}, err
		}
		if snap.WorkerAlerts.MaxFailures <= 0 {
			snap.WorkerAlerts.MaxFailures = DefaultMaxFailures
		}
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Validate ensures the snapshot holds sane values.
func (s Snapshot) Validate() error {
	for kind, g := range s.CapGates {
		if strings.TrimSpace(kind) == "" {
			return fmt.Errorf("cap_gates: empty step kind")
		}
		if g.Limit < 0 {
			return fmt.Errorf("cap_gates.%s: limit cannot be negative", kind)
		}
	}
	if s.ProposalQuota.DailyLimit < 0 {
		return fmt.Errorf("proposal_quota.daily_limit cannot be negative")
	}
	for i, slot := range s.ConversationSchedule {
		if slot.Hour < 0 || slot.Hour > 23 {
			return fmt.Errorf("conversation_schedule[%d].hour must be within 0-23", i)
		}
		if strings.TrimSpace(slot.Format) == "" {
			return fmt.Errorf("conversation_schedule[%d].format required", i)
		}
		if slot.Probability < 0 || slot.Probability > 1 {
			return fmt.Errorf("conversation_schedule[%d].probability must be within 0-1", i)
		}
	}
	return nil
}

// Documents renders the snapshot back into storable documents.
func (s Snapshot) Documents() (map[string]json.RawMessage, error) {
	values := map[string]interface{}{
		KeyAutoApprove:          s.AutoApprove,
		KeyCapGates:             s.CapGates,
		KeyProposalQuota:        s.ProposalQuota,
		KeyConversationSchedule: s.ConversationSchedule,
		KeyWorkerAlerts:         s.WorkerAlerts,
	}
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func decode(key string, raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode policy %s: %w", key, err)
	}
	return nil
}

// MidnightIn returns the start of t's day in loc (time.Local when nil).
func MidnightIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
