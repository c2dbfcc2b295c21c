package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// InsertTrigger stores a trigger rule.
func (s *Store) InsertTrigger(ctx context.Context, t ops.Trigger) (ops.Trigger, error) {
	cond, err := marshalJSON(t.Condition, "null")
	if err != nil {
		return ops.Trigger{}, fmt.Errorf("marshal condition: %w", err)
	}
	tmpl, err := json.Marshal(t.ProposalTemplate)
	if err != nil {
		return ops.Trigger{}, fmt.Errorf("marshal template: %w", err)
	}
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO ops_triggers (name, event_pattern, condition, proposal_template, cooldown_minutes, is_active)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id::text
`, t.Name, t.EventPattern, cond, tmpl, t.CooldownMinutes, t.IsActive).Scan(&t.ID)
	return t, err
}

// ListActiveTriggers returns every active trigger.
func (s *Store) ListActiveTriggers(ctx context.Context) ([]ops.Trigger, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, name, event_pattern, condition, proposal_template, cooldown_minutes, is_active, last_fired_at, fire_count
FROM ops_triggers
WHERE is_active
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ops.Trigger
	for rows.Next() {
		var (
			t          ops.Trigger
			cond, tmpl []byte
			lastFired  sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.EventPattern, &cond, &tmpl, &t.CooldownMinutes, &t.IsActive, &lastFired, &t.FireCount); err != nil {
			return nil, err
		}
		t.Condition = unmarshalMap(cond)
		if err := json.Unmarshal(tmpl, &t.ProposalTemplate); err != nil {
			return nil, fmt.Errorf("decode trigger %s template: %w", t.ID, err)
		}
		if lastFired.Valid {
			ts := lastFired.Time
			t.LastFiredAt = &ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTriggerFired stamps the trigger's cooldown and bumps its fire count.
func (s *Store) MarkTriggerFired(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE ops_triggers SET last_fired_at=$2, fire_count=fire_count+1 WHERE id=$1`, id, at)
	return err
}

// InsertReaction stores a reaction rule.
func (s *Store) InsertReaction(ctx context.Context, r ops.Reaction) (ops.Reaction, error) {
	cond, err := marshalJSON(r.Condition, "null")
	if err != nil {
		return ops.Reaction{}, fmt.Errorf("marshal condition: %w", err)
	}
	tmpl, err := json.Marshal(r.ProposalTemplate)
	if err != nil {
		return ops.Reaction{}, fmt.Errorf("marshal template: %w", err)
	}
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO ops_agent_reactions (agent_id, event_pattern, condition, proposal_template, probability, cooldown_minutes, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id::text
`, r.AgentID, r.EventPattern, cond, tmpl, r.Probability, r.CooldownMinutes, r.IsActive).Scan(&r.ID)
	return r, err
}

// ListActiveReactions returns every active reaction.
func (s *Store) ListActiveReactions(ctx context.Context) ([]ops.Reaction, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, agent_id, event_pattern, condition, proposal_template, probability, cooldown_minutes, is_active, last_fired_at
FROM ops_agent_reactions
WHERE is_active
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ops.Reaction
	for rows.Next() {
		var (
			r          ops.Reaction
			cond, tmpl []byte
			lastFired  sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.EventPattern, &cond, &tmpl, &r.Probability, &r.CooldownMinutes, &r.IsActive, &lastFired); err != nil {
			return nil, err
		}
		r.Condition = unmarshalMap(cond)
		if err := json.Unmarshal(tmpl, &r.ProposalTemplate); err != nil {
			return nil, fmt.Errorf("decode reaction %s template: %w", r.ID, err)
		}
		if lastFired.Valid {
			ts := lastFired.Time
			r.LastFiredAt = &ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReactionFired stamps the reaction's cooldown.
func (s *Store) MarkReactionFired(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE ops_agent_reactions SET last_fired_at=$2 WHERE id=$1`, id, at)
	return err
}
