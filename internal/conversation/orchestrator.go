package conversation

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/events"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/llm"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/relationship"
)

// StoreAPI captures the store methods the orchestrator needs.
type StoreAPI interface {
	InsertConversation(ctx context.Context, c ops.Conversation) (ops.Conversation, error)
	UpdateConversationOutcome(ctx context.Context, id string, items []ops.ActionItem, memoriesExtracted int) error
}

// MemoryWriter persists distilled memories.
type MemoryWriter interface {
	Write(ctx context.Context, m ops.Memory) (ops.Memory, error)
}

// Relationships reads affinities and applies drift.
type Relationships interface {
	Matrix(ctx context.Context, agentIDs []string) (relationship.Matrix, error)
	ApplyDrift(ctx context.Context, a, b string, drift float64, reason string) (ops.Relationship, error)
}

// Proposer turns action items into proposals.
type Proposer interface {
	CreateProposal(ctx context.Context, in proposal.Input) (proposal.CreateResult, error)
}

// Options wires an Orchestrator.
type Options struct {
	Formats       *Registry
	Agents        []ops.Agent
	Store         StoreAPI
	LLM           llm.Client
	Emitter       events.Emitter
	Memory        MemoryWriter
	Relationships Relationships
	Proposer      Proposer
	Rand          *rand.Rand
	Logger        *log.Logger
	Now           func() time.Time
}

// Orchestrator runs conversations end to end.
type Orchestrator struct {
	formats  *Registry
	agents   []ops.Agent
	byID     map[string]ops.Agent
	store    StoreAPI
	llm      llm.Client
	emitter  events.Emitter
	memory   MemoryWriter
	rels     Relationships
	proposer Proposer
	logger   *log.Logger
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewOrchestrator validates opts and builds an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("conversation store required")
	}
	if opts.LLM == nil {
		return nil, fmt.Errorf("conversation llm client required")
	}
	formats := opts.Formats
	if formats == nil {
		var err error
		if formats, err = NewRegistry(nil); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	byID := make(map[string]ops.Agent, len(opts.Agents))
	for _, a := range opts.Agents {
		byID[a.ID] = a
	}
	return &Orchestrator{
		formats:  formats,
		agents:   opts.Agents,
		byID:     byID,
		store:    opts.Store,
		llm:      opts.LLM,
		emitter:  opts.Emitter,
		memory:   opts.Memory,
		rels:     opts.Relationships,
		proposer: opts.Proposer,
		logger:   logger,
		now:      now,
		rng:      rng,
	}, nil
}

// Formats exposes the format registry.
func (o *Orchestrator) Formats() *Registry { return o.formats }

// StartConversation runs a conversation of formatID and returns its id. An
// empty topic uses the format default; empty participantIDs draws a random
// subset of the roster.
func (o *Orchestrator) StartConversation(ctx context.Context, formatID, topic string, participantIDs []string) (string, error) {
	format, err := o.formats.Get(formatID)
	if err != nil {
		return "", err
	}
	rng := o.fork()

	participants, err := o.participants(format, participantIDs, rng)
	if err != nil {
		return "", err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = format.DefaultTopic
	}
	turns := format.MinTurns
	if format.MaxTurns > format.MinTurns {
		turns += rng.Intn(format.MaxTurns - format.MinTurns + 1)
	}

	matrix := relationship.Matrix{}
	if o.rels != nil {
		if m, err := o.rels.Matrix(ctx, participants); err != nil {
			o.logger.Printf("warn: load affinities failed: %v", err)
		} else {
			matrix = m
		}
	}

	dialogue, err := o.converse(ctx, format, topic, participants, turns, matrix, rng)
	if err != nil {
		return "", err
	}

	completed := o.now()
	conv, err := o.store.InsertConversation(ctx, ops.Conversation{
		Format:       format.ID,
		Topic:        topic,
		Participants: participants,
		Turns:        dialogue,
		CompletedAt:  &completed,
	})
	if err != nil {
		return "", ops.Persist("insert conversation", err)
	}
	o.logger.Printf("conversation %s (%s) finished with %d turns", conv.ID, format.ID, len(dialogue))
	o.emitTurns(ctx, conv)

	out, err := o.distill(ctx, format, conv)
	if err != nil {
		o.logger.Printf("warn: distill conversation %s failed: %v", conv.ID, err)
		return conv.ID, nil
	}
	if err := o.store.UpdateConversationOutcome(ctx, conv.ID, out.items, out.memories); err != nil {
		o.logger.Printf("warn: record conversation outcome failed: %v", err)
	}
	return conv.ID, nil
}

func (o *Orchestrator) fork() *rand.Rand {
	o.mu.Lock()
	defer o.mu.Unlock()
	return rand.New(rand.NewSource(o.rng.Int63()))
}

func (o *Orchestrator) participants(format Format, requested []string, rng *rand.Rand) ([]string, error) {
	if len(requested) > 0 {
		seen := make(map[string]bool, len(requested))
		out := make([]string, 0, len(requested))
		for _, id := range requested {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			if len(o.byID) > 0 {
				if _, ok := o.byID[id]; !ok {
					return nil, ops.ValidationError{Field: "participants", Reason: fmt.Sprintf("unknown agent %s", id)}
				}
			}
			seen[id] = true
			out = append(out, id)
		}
		if len(out) < 2 {
			return nil, ops.ValidationError{Field: "participants", Reason: "needs at least two distinct agents"}
		}
		return out, nil
	}

	if len(o.agents) < format.MinParticipants {
		return nil, ops.ValidationError{Field: "participants", Reason: fmt.Sprintf("format %s needs %d agents, roster has %d", format.ID, format.MinParticipants, len(o.agents))}
	}
	maxN := format.MaxParticipants
	if maxN > len(o.agents) {
		maxN = len(o.agents)
	}
	n := format.MinParticipants
	if maxN > n {
		n += rng.Intn(maxN - n + 1)
	}
	perm := rng.Perm(len(o.agents))
	out := make([]string, 0, n)
	for _, idx := range perm[:n] {
		out = append(out, o.agents[idx].ID)
	}
	return out, nil
}

func (o *Orchestrator) converse(ctx context.Context, format Format, topic string, participants []string, turns int, matrix relationship.Matrix, rng *rand.Rand) ([]ops.Turn, error) {
	state := SpeakerState{TurnCounts: make(map[string]int, len(participants))}
	dialogue := make([]ops.Turn, 0, turns)
	for i := 0; i < turns; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		speaker := SelectSpeaker(participants, state, matrix.Affinity, rng)
		agent := o.agent(speaker)
		text, err := o.llm.Generate(ctx, turnPrompt(format, topic, agent, participants, dialogue), llm.Options{
			Tier:        llm.TierLight,
			System:      personaPrompt(agent),
			Temperature: llm.Temperature(format.Temperature),
			MaxTokens:   80,
		})
		if err != nil {
			return nil, fmt.Errorf("generate turn %d: %w", i, err)
		}
		line := SanitizeLine(text, agent.Name, agent.ID)
		if line == "" {
			line = "..."
		}
		dialogue = append(dialogue, ops.Turn{Index: i, Speaker: speaker, Text: line, At: o.now()})
		state.LastSpeaker = speaker
		state.TurnCounts[speaker]++
		state.TotalTurns++
	}
	return dialogue, nil
}

func (o *Orchestrator) emitTurns(ctx context.Context, conv ops.Conversation) {
	if o.emitter == nil {
		return
	}
	for _, t := range conv.Turns {
		_, err := o.emitter.Emit(ctx, ops.Event{
			AgentID: t.Speaker,
			Kind:    "conversation.turn",
			Title:   t.Text,
			Payload: map[string]interface{}{
				"conversation_id": conv.ID,
				"format":          conv.Format,
				"turn":            t.Index,
			},
			Tags:       []string{"conversation", conv.Format},
			Visibility: ops.VisibilityPublic,
		})
		if err != nil {
			o.logger.Printf("warn: emit turn %d failed: %v", t.Index, err)
		}
	}
}

func (o *Orchestrator) agent(id string) ops.Agent {
	if a, ok := o.byID[id]; ok {
		return a
	}
	return ops.Agent{ID: id, Name: id}
}

func personaPrompt(a ops.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", a.Name)
	if a.Role != "" {
		fmt.Fprintf(&b, ", the %s", a.Role)
	}
	b.WriteString(" at a small startup.")
	if a.Persona != "" {
		b.WriteString(" ")
		b.WriteString(a.Persona)
	}
	b.WriteString(" Speak in one short sentence, in character. Never prefix your name.")
	return b.String()
}

func turnPrompt(format Format, topic string, speaker ops.Agent, participants []string, dialogue []ops.Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation format: %s. %s\n", format.ID, format.Description)
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	fmt.Fprintf(&b, "Participants: %s\n\n", strings.Join(participants, ", "))
	if len(dialogue) == 0 {
		b.WriteString("You open the conversation.\n")
	} else {
		b.WriteString("Transcript so far:\n")
		for _, t := range dialogue {
			fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Text)
		}
	}
	fmt.Fprintf(&b, "\nWrite %s's next line.", speaker.Name)
	return b.String()
}
