// Package initiative lets agents draft their own proposals once they have
// accumulated enough confident memories.
package initiative

import (
	"context"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// Eligibility thresholds.
type Eligibility struct {
	MinMemories   int
	MinConfidence float64
	Cooldown      time.Duration
}

// DefaultEligibility returns the standard thresholds: 5 memories at 0.6 or
// better and 4 hours between initiatives.
func DefaultEligibility() Eligibility {
	return Eligibility{MinMemories: 5, MinConfidence: 0.6, Cooldown: 4 * time.Hour}
}

// EligibilityStore is what Check reads.
type EligibilityStore interface {
	CountMemoriesAbove(ctx context.Context, agentID string, minConfidence float64) (int, error)
	LatestInitiative(ctx context.Context, agentID string) (ops.Initiative, bool, error)
}

// QueueStore additionally inserts initiatives.
type QueueStore interface {
	EligibilityStore
	InsertInitiative(ctx context.Context, agentID string) (ops.Initiative, error)
}

// Check reports whether agentID may get a new initiative at now.
func (e Eligibility) Check(ctx context.Context, st EligibilityStore, agentID string, now time.Time) (bool, error) {
	n, err := st.CountMemoriesAbove(ctx, agentID, e.MinConfidence)
	if err != nil {
		return false, ops.Persist("count memories", err)
	}
	if n < e.MinMemories {
		return false, nil
	}
	last, ok, err := st.LatestInitiative(ctx, agentID)
	if err != nil {
		return false, ops.Persist("latest initiative", err)
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last.CreatedAt) >= e.Cooldown, nil
}

// QueueEligible inserts a pending initiative for every eligible agent and
// returns how many were queued. It stops at the first store error.
func QueueEligible(ctx context.Context, st QueueStore, e Eligibility, agentIDs []string, now time.Time) (int, error) {
	queued := 0
	for _, id := range agentIDs {
		ok, err := e.Check(ctx, st, id, now)
		if err != nil {
			return queued, err
		}
		if !ok {
			continue
		}
		if _, err := st.InsertInitiative(ctx, id); err != nil {
			return queued, ops.Persist("insert initiative", err)
		}
		queued++
	}
	return queued, nil
}
