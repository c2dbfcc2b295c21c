// Package memory stores confidence-scored facts per agent.
package memory

import (
	"context"
	"math"
	"strings"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/store"
)

// CorroborationBoost is added to a memory each time it is corroborated.
const CorroborationBoost = 0.05

type storeAPI interface {
	QueryMemories(ctx context.Context, q store.MemoryQuery) ([]ops.Memory, error)
	InsertMemory(ctx context.Context, m ops.Memory) (ops.Memory, error)
	SupersedeMemory(ctx context.Context, oldID string, replacement ops.Memory) (ops.Memory, error)
	PromoteCorroboratedMemories(ctx context.Context, boost float64) (int, error)
	CountMemoriesAbove(ctx context.Context, agentID string, minConfidence float64) (int, error)
}

// Filter narrows a memory query.
type Filter struct {
	Types         []ops.MemoryType
	MinConfidence float64
	Limit         int
}

// Service reads and writes agent memories.
type Service struct {
	store storeAPI
}

// New builds a Service over st.
func New(st storeAPI) *Service {
	return &Service{store: st}
}

// Query returns agentID's active memories, highest confidence first.
func (s *Service) Query(ctx context.Context, agentID string, f Filter) ([]ops.Memory, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, ops.ValidationError{Field: "agent_id", Reason: "is required"}
	}
	types := make([]string, 0, len(f.Types))
	for _, t := range f.Types {
		types = append(types, string(t))
	}
	out, err := s.store.QueryMemories(ctx, store.MemoryQuery{
		AgentID:       agentID,
		Types:         types,
		MinConfidence: f.MinConfidence,
		Limit:         f.Limit,
	})
	if err != nil {
		return nil, ops.Persist("query memories", err)
	}
	return out, nil
}

// Write validates m and stores it as a new active memory.
func (s *Service) Write(ctx context.Context, m ops.Memory) (ops.Memory, error) {
	m, err := prepare(m, true)
	if err != nil {
		return ops.Memory{}, err
	}
	out, err := s.store.InsertMemory(ctx, m)
	if err != nil {
		return ops.Memory{}, ops.Persist("insert memory", err)
	}
	return out, nil
}

// Supersede replaces oldID with m. The old memory disappears from every read.
func (s *Service) Supersede(ctx context.Context, oldID string, m ops.Memory) (ops.Memory, error) {
	if strings.TrimSpace(oldID) == "" {
		return ops.Memory{}, ops.ValidationError{Field: "old_id", Reason: "is required"}
	}
	m, err := prepare(m, false)
	if err != nil {
		return ops.Memory{}, err
	}
	out, err := s.store.SupersedeMemory(ctx, oldID, m)
	if err != nil {
		return ops.Memory{}, ops.Persist("supersede memory", err)
	}
	return out, nil
}

// PromoteCorroborated raises memories held more than once by CorroborationBoost.
func (s *Service) PromoteCorroborated(ctx context.Context) (int, error) {
	n, err := s.store.PromoteCorroboratedMemories(ctx, CorroborationBoost)
	if err != nil {
		return 0, ops.Persist("promote memories", err)
	}
	return n, nil
}

// CountConfident counts agentID's active memories at or above minConfidence.
func (s *Service) CountConfident(ctx context.Context, agentID string, minConfidence float64) (int, error) {
	n, err := s.store.CountMemoriesAbove(ctx, agentID, minConfidence)
	if err != nil {
		return 0, ops.Persist("count memories", err)
	}
	return n, nil
}

// prepare validates m. A replacement memory may omit its agent, which is then
// inherited from the memory it supersedes.
func prepare(m ops.Memory, requireAgent bool) (ops.Memory, error) {
	m.AgentID = strings.TrimSpace(m.AgentID)
	if requireAgent && m.AgentID == "" {
		return m, ops.ValidationError{Field: "agent_id", Reason: "is required"}
	}
	if !m.Type.Valid() {
		return m, ops.ValidationError{Field: "type", Reason: "must be one of insight, pattern, strategy, preference, lesson"}
	}
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return m, ops.ValidationError{Field: "content", Reason: "is required"}
	}
	m.Confidence = ClampConfidence(m.Confidence)
	tags := m.Tags[:0:0]
	for _, t := range m.Tags {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			tags = append(tags, t)
		}
	}
	m.Tags = tags
	return m, nil
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}
