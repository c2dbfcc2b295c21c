// Package relationship tracks bounded pairwise affinity between agents.
package relationship

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// Affinity bounds and defaults.
const (
	MinAffinity     = 0.10
	MaxAffinity     = 0.95
	DefaultAffinity = 0.5
	MaxDriftLog     = 20
)

type storeAPI interface {
	GetRelationship(ctx context.Context, a, b string) (ops.Relationship, bool, error)
	ListRelationships(ctx context.Context, agentIDs []string) ([]ops.Relationship, error)
	UpdateRelationship(ctx context.Context, a, b string, defaultAffinity float64, fn func(*ops.Relationship)) (ops.Relationship, error)
}

// Tracker reads and updates relationships.
type Tracker struct {
	store storeAPI
	now   func() time.Time
}

// NewTracker builds a Tracker over st.
func NewTracker(st storeAPI) *Tracker {
	return &Tracker{store: st, now: time.Now}
}

// Get returns the relationship between a and b. The bool is false when none exists.
func (t *Tracker) Get(ctx context.Context, a, b string) (ops.Relationship, bool, error) {
	rel, ok, err := t.store.GetRelationship(ctx, a, b)
	if err != nil {
		return ops.Relationship{}, false, ops.Persist("get relationship", err)
	}
	return rel, ok, nil
}

// Affinity returns the affinity between a and b, or DefaultAffinity when none is recorded.
func (t *Tracker) Affinity(ctx context.Context, a, b string) (float64, error) {
	rel, ok, err := t.Get(ctx, a, b)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultAffinity, nil
	}
	return rel.Affinity, nil
}

// Matrix returns the affinity of every pair among agentIDs that has a row.
func (t *Tracker) Matrix(ctx context.Context, agentIDs []string) (Matrix, error) {
	rels, err := t.store.ListRelationships(ctx, agentIDs)
	if err != nil {
		return nil, ops.Persist("list relationships", err)
	}
	m := make(Matrix, len(rels))
	for _, rel := range rels {
		m[pairKey(rel.AgentA, rel.AgentB)] = rel.Affinity
	}
	return m, nil
}

// ApplyDrift adds drift to the pair's affinity under a row lock.
func (t *Tracker) ApplyDrift(ctx context.Context, a, b string, drift float64, reason string) (ops.Relationship, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return ops.Relationship{}, ops.ValidationError{Field: "agents", Reason: "must be two distinct agent ids"}
	}
	now := t.now()
	rel, err := t.store.UpdateRelationship(ctx, a, b, DefaultAffinity, func(rel *ops.Relationship) {
		*rel = Apply(*rel, drift, reason, now)
	})
	if err != nil {
		return ops.Relationship{}, ops.Persist("update relationship", err)
	}
	return rel, nil
}

// Apply returns rel after one interaction carrying drift. Affinity is clamped
// to [MinAffinity, MaxAffinity] and the drift log keeps the newest MaxDriftLog entries.
func Apply(rel ops.Relationship, drift float64, reason string, now time.Time) ops.Relationship {
	if math.IsNaN(drift) || math.IsInf(drift, 0) {
		drift = 0
	}
	rel.Affinity = Clamp(rel.Affinity + drift)
	rel.TotalInteractions++
	switch {
	case drift > 0:
		rel.PositiveInteractions++
	case drift < 0:
		rel.NegativeInteractions++
	}
	entry := ops.DriftEntry{Drift: drift, Reason: reason, At: now}
	entries := make([]ops.DriftEntry, 0, MaxDriftLog)
	if n := len(rel.DriftLog); n >= MaxDriftLog {
		entries = append(entries, rel.DriftLog[n-MaxDriftLog+1:]...)
	} else {
		entries = append(entries, rel.DriftLog...)
	}
	rel.DriftLog = append(entries, entry)
	return rel
}

// Clamp bounds an affinity to [MinAffinity, MaxAffinity].
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultAffinity
	}
	return math.Max(MinAffinity, math.Min(MaxAffinity, v))
}

// Matrix holds affinities keyed by ordered pair.
type Matrix map[string]float64

// Affinity returns the affinity of a and b, or DefaultAffinity when unknown.
func (m Matrix) Affinity(a, b string) float64 {
	if v, ok := m[pairKey(a, b)]; ok {
		return v
	}
	return DefaultAffinity
}

func pairKey(a, b string) string {
	a, b = ops.Pair(a, b)
	return a + "\x00" + b
}
