package initiative

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/llm"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/memory"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
)

//go:embed draft_schema.json
var draftSchemaJSON string

var draftSchema = llm.NewSchema("initiative_draft.json", draftSchemaJSON)

const promptMemories = 8

// GeneratorStore captures the initiative rows the generator drives.
type GeneratorStore interface {
	ListInitiativesByStatus(ctx context.Context, status ops.InitiativeStatus, limit int) ([]ops.Initiative, error)
	ClaimInitiative(ctx context.Context, id string) (bool, error)
	CompleteInitiative(ctx context.Context, id string, status ops.InitiativeStatus, proposalID, errMsg string) error
}

// MemoryReader reads an agent's memories.
type MemoryReader interface {
	Query(ctx context.Context, agentID string, f memory.Filter) ([]ops.Memory, error)
}

// Proposer records drafted proposals.
type Proposer interface {
	CreateProposal(ctx context.Context, in proposal.Input) (proposal.CreateResult, error)
}

// Draft is the proposal an agent writes for itself.
type Draft struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Steps       []ops.StepSpec `json:"steps"`
}

// Generator turns pending initiatives into proposals.
type Generator struct {
	store     GeneratorStore
	memory    MemoryReader
	proposer  Proposer
	llm       llm.Client
	agents    map[string]ops.Agent
	stepKinds []string
	logger    *log.Logger
}

// NewGenerator builds a Generator. stepKinds, when set, restricts drafted steps
// to kinds that have workers.
func NewGenerator(st GeneratorStore, mem MemoryReader, proposer Proposer, client llm.Client, agents []ops.Agent, stepKinds []string, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	byID := make(map[string]ops.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &Generator{
		store:     st,
		memory:    mem,
		proposer:  proposer,
		llm:       client,
		agents:    byID,
		stepKinds: stepKinds,
		logger:    logger,
	}
}

// ProcessPending claims up to limit pending initiatives and drafts a proposal
// for each. It returns how many reached proposed.
func (g *Generator) ProcessPending(ctx context.Context, limit int) (int, error) {
	pending, err := g.store.ListInitiativesByStatus(ctx, ops.InitiativePending, limit)
	if err != nil {
		return 0, ops.Persist("list initiatives", err)
	}
	proposed := 0
	for _, in := range pending {
		won, err := g.store.ClaimInitiative(ctx, in.ID)
		if err != nil {
			return proposed, ops.Persist("claim initiative", err)
		}
		if !won {
			continue
		}
		proposalID, genErr := g.generate(ctx, in)
		status, msg := ops.InitiativeProposed, ""
		if genErr != nil {
			status, msg = ops.InitiativeFailed, genErr.Error()
			g.logger.Printf("initiative %s for %s failed: %v", in.ID, in.AgentID, genErr)
		} else {
			proposed++
			g.logger.Printf("initiative %s for %s proposed %s", in.ID, in.AgentID, proposalID)
		}
		if err := g.store.CompleteInitiative(ctx, in.ID, status, proposalID, msg); err != nil {
			return proposed, ops.Persist("complete initiative", err)
		}
	}
	return proposed, nil
}

// Run polls for pending initiatives every interval until ctx ends.
func (g *Generator) Run(ctx context.Context, interval time.Duration, batch int) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := g.ProcessPending(ctx, batch); err != nil {
			g.logger.Printf("warn: process initiatives failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *Generator) generate(ctx context.Context, in ops.Initiative) (string, error) {
	mems, err := g.memory.Query(ctx, in.AgentID, memory.Filter{Limit: promptMemories})
	if err != nil {
		return "", err
	}
	draft, err := llm.GenerateJSON[Draft](ctx, g.llm, g.prompt(in.AgentID, mems), draftSchema, llm.Options{
		Tier:        llm.TierStandard,
		System:      g.system(in.AgentID),
		Temperature: llm.Temperature(0.7),
	})
	if err != nil {
		return "", fmt.Errorf("draft proposal: %w", err)
	}
	if err := g.checkKinds(draft.Steps); err != nil {
		return "", err
	}
	res, err := g.proposer.CreateProposal(ctx, proposal.Input{
		AgentID:       in.AgentID,
		Title:         draft.Title,
		Description:   draft.Description,
		Steps:         draft.Steps,
		Source:        ops.SourceInitiative,
		SourceTraceID: "initiative:" + in.ID,
	})
	return res.ProposalID, err
}

func (g *Generator) checkKinds(steps []ops.StepSpec) error {
	if len(g.stepKinds) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(g.stepKinds))
	for _, k := range g.stepKinds {
		allowed[k] = true
	}
	for _, s := range steps {
		if !allowed[s.Kind] {
			return ops.ValidationError{Field: "steps", Reason: fmt.Sprintf("unsupported step kind %s", s.Kind)}
		}
	}
	return nil
}

func (g *Generator) system(agentID string) string {
	a, ok := g.agents[agentID]
	if !ok {
		return "You are an agent at a small startup deciding what to work on next."
	}
	s := fmt.Sprintf("You are %s, the %s at a small startup.", a.Name, a.Role)
	if a.Persona != "" {
		s += " " + a.Persona
	}
	return s
}

func (g *Generator) prompt(agentID string, mems []ops.Memory) string {
	var b strings.Builder
	b.WriteString("Based on what you have learned, propose one concrete piece of work for yourself.\n\nWhat you know:\n")
	for _, m := range mems {
		fmt.Fprintf(&b, "- [%s %.2f] %s\n", m.Type, m.Confidence, m.Content)
	}
	if len(g.stepKinds) > 0 {
		fmt.Fprintf(&b, "\nEach step kind must be one of: %s.\n", strings.Join(g.stepKinds, ", "))
	}
	fmt.Fprintf(&b, "Agent id: %s", agentID)
	return b.String()
}
