package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// InsertEvent appends an event to the log and returns it with id and timestamp set.
func (s *Store) InsertEvent(ctx context.Context, ev ops.Event) (ops.Event, error) {
	if strings.TrimSpace(ev.Kind) == "" {
		return ops.Event{}, fmt.Errorf("event kind required")
	}
	if ev.AgentID == "" {
		ev.AgentID = "system"
	}
	if ev.Visibility == "" {
		ev.Visibility = ops.VisibilityInternal
	}
	payload, err := marshalJSON(ev.Payload, "{}")
	if err != nil {
		return ops.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO ops_agent_events (agent_id, kind, title, summary, payload, tags, visibility)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id::text, created_at
`, ev.AgentID, ev.Kind, ev.Title, ev.Summary, payload, pq.Array(tags), string(ev.Visibility)).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return ops.Event{}, err
	}
	return ev, nil
}

// ListEventsSince returns events created on or after since, newest first.
func (s *Store) ListEventsSince(ctx context.Context, since time.Time, limit int) ([]ops.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, agent_id, kind, title, summary, payload, tags, visibility, created_at
FROM ops_agent_events
WHERE created_at >= $1
ORDER BY created_at DESC
LIMIT $2
`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ops.Event
	for rows.Next() {
		var (
			ev         ops.Event
			payload    []byte
			tags       pq.StringArray
			visibility string
		)
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.Kind, &ev.Title, &ev.Summary, &payload, &tags, &visibility, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = unmarshalMap(payload)
		ev.Tags = []string(tags)
		ev.Visibility = ops.Visibility(visibility)
		out = append(out, ev)
	}
	return out, rows.Err()
}
