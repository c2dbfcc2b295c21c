package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// InsertConversation persists a finished conversation with all of its turns.
func (s *Store) InsertConversation(ctx context.Context, c ops.Conversation) (ops.Conversation, error) {
	turns, err := marshalJSON(c.Turns, "[]")
	if err != nil {
		return ops.Conversation{}, fmt.Errorf("marshal turns: %w", err)
	}
	items, err := marshalJSON(c.ActionItems, "[]")
	if err != nil {
		return ops.Conversation{}, fmt.Errorf("marshal action items: %w", err)
	}
	participants := c.Participants
	if participants == nil {
		participants = []string{}
	}
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO ops_roundtable_conversations (format, topic, participants, turns, action_items, memories_extracted, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id::text, created_at
`, c.Format, c.Topic, pq.Array(participants), turns, items, c.MemoriesExtracted, c.CompletedAt).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return ops.Conversation{}, err
	}
	return c, nil
}

// UpdateConversationOutcome records what distillation extracted from a conversation.
func (s *Store) UpdateConversationOutcome(ctx context.Context, id string, items []ops.ActionItem, memoriesExtracted int) error {
	raw, err := marshalJSON(items, "[]")
	if err != nil {
		return fmt.Errorf("marshal action items: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `UPDATE ops_roundtable_conversations SET action_items=$2, memories_extracted=$3 WHERE id=$1`, id, raw, memoriesExtracted)
	return err
}

// CountConversationsSince counts conversations of format created on or after since.
func (s *Store) CountConversationsSince(ctx context.Context, format string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops_roundtable_conversations WHERE format=$1 AND created_at >= $2`, format, since).Scan(&n)
	return n, err
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (ops.Conversation, error) {
	var (
		c            ops.Conversation
		participants pq.StringArray
		turns, items []byte
		completed    sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, format, topic, participants, turns, action_items, memories_extracted, created_at, completed_at
FROM ops_roundtable_conversations WHERE id=$1
`, id).Scan(&c.ID, &c.Format, &c.Topic, &participants, &turns, &items, &c.MemoriesExtracted, &c.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return ops.Conversation{}, ops.ErrNotFound
	}
	if err != nil {
		return ops.Conversation{}, err
	}
	c.Participants = []string(participants)
	if err := json.Unmarshal(turns, &c.Turns); err != nil {
		return ops.Conversation{}, fmt.Errorf("decode turns: %w", err)
	}
	if err := json.Unmarshal(items, &c.ActionItems); err != nil {
		return ops.Conversation{}, fmt.Errorf("decode action items: %w", err)
	}
	if completed.Valid {
		ts := completed.Time
		c.CompletedAt = &ts
	}
	return c, nil
}
