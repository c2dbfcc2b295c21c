// Package ops holds the data model shared by the operations engine: proposals,
// missions and their steps, the event log, agent memory, relationships, the
// declarative trigger/reaction rules, conversations and initiatives.
package ops

import (
	"encoding/json"
	"time"
)

// ProposalSource records where a proposal came from.
type ProposalSource string

const (
	SourceManual     ProposalSource = "manual"
	SourceTrigger    ProposalSource = "trigger"
	SourceReaction   ProposalSource = "reaction"
	SourceInitiative ProposalSource = "initiative"
)

// Valid reports whether s is a known proposal source.
func (s ProposalSource) Valid() bool {
	switch s {
	case SourceManual, SourceTrigger, SourceReaction, SourceInitiative:
		return true
	}
	return false
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

type MissionStatus string

const (
	MissionApproved  MissionStatus = "approved"
	MissionRunning   MissionStatus = "running"
	MissionSucceeded MissionStatus = "succeeded"
	MissionFailed    MissionStatus = "failed"
)

type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step can no longer change status.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
)

type MemoryType string

const (
	MemoryInsight    MemoryType = "insight"
	MemoryPattern    MemoryType = "pattern"
	MemoryStrategy   MemoryType = "strategy"
	MemoryPreference MemoryType = "preference"
	MemoryLesson     MemoryType = "lesson"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryInsight, MemoryPattern, MemoryStrategy, MemoryPreference, MemoryLesson:
		return true
	}
	return false
}

type InitiativeStatus string

const (
	InitiativePending    InitiativeStatus = "pending"
	InitiativeGenerating InitiativeStatus = "generating"
	InitiativeProposed   InitiativeStatus = "proposed"
	InitiativeFailed     InitiativeStatus = "failed"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// StepSpec is a requested step inside a proposal.
type StepSpec struct {
	Kind        string                 `json:"kind"`
	Description string                 `json:"description,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Proposal is a candidate unit of intent awaiting approval.
type Proposal struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Steps         []StepSpec     `json:"steps"`
	Source        ProposalSource `json:"source"`
	Status        ProposalStatus `json:"status"`
	SourceTraceID string         `json:"source_trace_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
}

// Mission is the executable unit of work created when a proposal is accepted.
type Mission struct {
	ID          string        `json:"id"`
	ProposalID  string        `json:"proposal_id"`
	Title       string        `json:"title"`
	Status      MissionStatus `json:"status"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Step is one independently claimable unit of execution within a mission.
// ReservedBy is set iff Status is running.
type Step struct {
	ID          string                 `json:"id"`
	MissionID   string                 `json:"mission_id"`
	StepNumber  int                    `json:"step_number"`
	Kind        string                 `json:"kind"`
	Status      StepStatus             `json:"status"`
	Description string                 `json:"description,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ReservedBy  string                 `json:"reserved_by,omitempty"`
	ReservedAt  *time.Time             `json:"reserved_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Event is an entry of the append-only event log.
type Event struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id"`
	Kind       string                 `json:"kind"`
	Title      string                 `json:"title"`
	Summary    string                 `json:"summary,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	Visibility Visibility             `json:"visibility"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Memory is a confidence-scored fact held by one agent.
type Memory struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	Type          MemoryType `json:"type"`
	Content       string     `json:"content"`
	Confidence    float64    `json:"confidence"`
	Tags          []string   `json:"tags,omitempty"`
	SourceTraceID string     `json:"source_trace_id,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DriftEntry is one recorded affinity change.
type DriftEntry struct {
	Drift  float64   `json:"drift"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Relationship is the pairwise affinity between two agents, keyed by the
// lexicographically ordered pair (AgentA < AgentB).
type Relationship struct {
	AgentA               string       `json:"agent_a"`
	AgentB               string       `json:"agent_b"`
	Affinity             float64      `json:"affinity"`
	TotalInteractions    int          `json:"total_interactions"`
	PositiveInteractions int          `json:"positive_interactions"`
	NegativeInteractions int          `json:"negative_interactions"`
	DriftLog             []DriftEntry `json:"drift_log"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Pair orders two agent ids so each unordered pair maps to one key.
func Pair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ProposalTemplate is the structured proposal a rule emits when it fires.
type ProposalTemplate struct {
	AgentID     string     `json:"agent_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Steps       []StepSpec `json:"steps"`
}

// Trigger is a system-wide rule converting matching events into proposals.
type Trigger struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	EventPattern     string                 `json:"event_pattern"`
	Condition        map[string]interface{} `json:"condition,omitempty"`
	ProposalTemplate ProposalTemplate       `json:"proposal_template"`
	CooldownMinutes  int                    `json:"cooldown_minutes"`
	IsActive         bool                   `json:"is_active"`
	LastFiredAt      *time.Time             `json:"last_fired_at,omitempty"`
	FireCount        int                    `json:"fire_count"`
}

// Reaction is the agent-scoped, probabilistic variant of a trigger.
type Reaction struct {
	ID               string                 `json:"id"`
	AgentID          string                 `json:"agent_id"`
	EventPattern     string                 `json:"event_pattern"`
	Condition        map[string]interface{} `json:"condition,omitempty"`
	ProposalTemplate ProposalTemplate       `json:"proposal_template"`
	Probability      float64                `json:"probability"`
	CooldownMinutes  int                    `json:"cooldown_minutes"`
	IsActive         bool                   `json:"is_active"`
	LastFiredAt      *time.Time             `json:"last_fired_at,omitempty"`
}

// Turn is one line of dialogue.
type Turn struct {
	Index   int       `json:"index"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// ActionItem is a follow-up extracted from a conversation.
type ActionItem struct {
	AgentID     string `json:"agent_id"`
	Title       string `json:"title"`
	StepKind    string `json:"step_kind"`
	Description string `json:"description,omitempty"`
}

// Conversation is a completed multi-agent dialogue.
type Conversation struct {
	ID                string       `json:"id"`
	Format            string       `json:"format"`
	Topic             string       `json:"topic"`
	Participants      []string     `json:"participants"`
	Turns             []Turn       `json:"turns"`
	ActionItems       []ActionItem `json:"action_items,omitempty"`
	MemoriesExtracted int          `json:"memories_extracted"`
	CreatedAt         time.Time    `json:"created_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// Initiative is a queued request for an agent to draft its own proposal.
type Initiative struct {
	ID                  string           `json:"id"`
	AgentID             string           `json:"agent_id"`
	Status              InitiativeStatus `json:"status"`
	GeneratedProposalID string           `json:"generated_proposal_id,omitempty"`
	Error               string           `json:"error,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

// ActionRun is the audit record of one orchestrated action such as a heartbeat tick.
type ActionRun struct {
	ID          string          `json:"id"`
	Action      string          `json:"action"`
	Status      RunStatus       `json:"status"`
	Details     json.RawMessage `json:"details,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Agent is a member of the simulated company.
type Agent struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	Role    string `json:"role" mapstructure:"role"`
	Persona string `json:"persona" mapstructure:"persona"`
}
