package trigger

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/policy"
)

// TriggerStore is the persistence the Evaluator needs.
type TriggerStore interface {
	ListEventsSince(ctx context.Context, since time.Time, limit int) ([]ops.Event, error)
	ListActiveTriggers(ctx context.Context) ([]ops.Trigger, error)
	MarkTriggerFired(ctx context.Context, id string, at time.Time) error
}

// Evaluator turns recent events into proposals using system-wide triggers.
type Evaluator struct {
	store    TriggerStore
	proposer Proposer
	logger   *log.Logger
	now      func() time.Time
}

// NewEvaluator builds an Evaluator. A nil logger discards output.
func NewEvaluator(store TriggerStore, proposer Proposer, logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Evaluator{store: store, proposer: proposer, logger: logger, now: time.Now}
}

// Evaluate checks every active trigger against events from the last window
// and returns how many fired. A rule whose proposal is denied by policy keeps
// its cooldown; any other rule error is logged and only skips that rule.
func (e *Evaluator) Evaluate(ctx context.Context, snap policy.Snapshot, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	now := e.now()
	triggers, err := e.store.ListActiveTriggers(ctx)
	if err != nil {
		return 0, ops.Persist("list triggers", err)
	}
	if len(triggers) == 0 {
		return 0, nil
	}
	recent, err := e.store.ListEventsSince(ctx, now.Add(-window), maxWindowEvents)
	if err != nil {
		return 0, ops.Persist("list events", err)
	}

	fired := 0
	for _, t := range triggers {
		if coolingDown(t.LastFiredAt, t.CooldownMinutes, now) {
			continue
		}
		ev, ok := newestMatch(recent, func(ev ops.Event) bool {
			return MatchPattern(t.EventPattern, ev.Kind) && MatchCondition(t.Condition, ev.Payload)
		})
		if !ok {
			continue
		}
		if err := e.fire(ctx, snap, t, ev, now); err != nil {
			if ops.IsPolicyDenial(err) {
				e.logger.Printf("trigger %s denied by policy: %v", t.Name, err)
			} else {
				e.logger.Printf("warn: trigger %s: %v", t.Name, err)
			}
			continue
		}
		fired++
	}
	return fired, nil
}

func (e *Evaluator) fire(ctx context.Context, snap policy.Snapshot, t ops.Trigger, ev ops.Event, now time.Time) error {
	agentID := t.ProposalTemplate.AgentID
	if agentID == "" {
		agentID = ev.AgentID
	}
	in := buildInput(t.ProposalTemplate, agentID, ops.SourceTrigger, traceID("trigger", t.ID, ev.ID), ev)
	res, err := e.proposer.Propose(ctx, snap, in)
	if err != nil && res.ProposalID == "" {
		return err
	}
	if err != nil {
		e.logger.Printf("warn: trigger %s created proposal %s but approval failed: %v", t.Name, res.ProposalID, err)
	}
	if err := e.store.MarkTriggerFired(ctx, t.ID, now); err != nil {
		return ops.Persist("mark trigger fired", err)
	}
	e.logger.Printf("trigger %s fired on event %s -> proposal %s (auto_approved=%v)", t.Name, ev.ID, res.ProposalID, res.AutoApproved)
	return nil
}
