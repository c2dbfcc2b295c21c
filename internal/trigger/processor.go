package trigger

import (
	"context"
	"io"
	"log"
	"math/rand"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/policy"
)

// ReactionStore is the persistence the Processor needs.
type ReactionStore interface {
	ListEventsSince(ctx context.Context, since time.Time, limit int) ([]ops.Event, error)
	ListActiveReactions(ctx context.Context) ([]ops.Reaction, error)
	MarkReactionFired(ctx context.Context, id string, at time.Time) error
}

// Processor runs agent-scoped, probabilistic reactions over recent events.
type Processor struct {
	store    ReactionStore
	proposer Proposer
	logger   *log.Logger
	now      func() time.Time
	roll     func() float64
}

// NewProcessor builds a Processor. rng may be nil for a time-seeded source.
func NewProcessor(store ReactionStore, proposer Proposer, rng *rand.Rand, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Processor{store: store, proposer: proposer, logger: logger, now: time.Now, roll: rng.Float64}
}

// Process evaluates every active reaction against events from the last window
// and returns how many fired. A reaction never responds to its own agent's
// events; a lost probability roll leaves the reaction untouched.
func (p *Processor) Process(ctx context.Context, snap policy.Snapshot, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	now := p.now()
	reactions, err := p.store.ListActiveReactions(ctx)
	if err != nil {
		return 0, ops.Persist("list reactions", err)
	}
	if len(reactions) == 0 {
		return 0, nil
	}
	recent, err := p.store.ListEventsSince(ctx, now.Add(-window), maxWindowEvents)
	if err != nil {
		return 0, ops.Persist("list events", err)
	}

	fired := 0
	for _, r := range reactions {
		if coolingDown(r.LastFiredAt, r.CooldownMinutes, now) {
			continue
		}
		ev, ok := newestMatch(recent, func(ev ops.Event) bool {
			return ev.AgentID != r.AgentID && MatchPattern(r.EventPattern, ev.Kind) && MatchCondition(r.Condition, ev.Payload)
		})
		if !ok {
			continue
		}
		if p.roll() >= r.Probability {
			continue
		}
		if err := p.fire(ctx, snap, r, ev, now); err != nil {
			if ops.IsPolicyDenial(err) {
				p.logger.Printf("reaction %s (%s) denied by policy: %v", r.ID, r.AgentID, err)
			} else {
				p.logger.Printf("warn: reaction %s (%s): %v", r.ID, r.AgentID, err)
			}
			continue
		}
		fired++
	}
	return fired, nil
}

func (p *Processor) fire(ctx context.Context, snap policy.Snapshot, r ops.Reaction, ev ops.Event, now time.Time) error {
	in := buildInput(r.ProposalTemplate, r.AgentID, ops.SourceReaction, traceID("reaction", r.ID, ev.ID), ev)
	res, err := p.proposer.Propose(ctx, snap, in)
	if err != nil && res.ProposalID == "" {
		return err
	}
	if err != nil {
		p.logger.Printf("warn: reaction %s created proposal %s but approval failed: %v", r.ID, res.ProposalID, err)
	}
	if err := p.store.MarkReactionFired(ctx, r.ID, now); err != nil {
		return ops.Persist("mark reaction fired", err)
	}
	p.logger.Printf("reaction %s (%s) fired on event %s -> proposal %s", r.ID, r.AgentID, ev.ID, res.ProposalID)
	return nil
}
