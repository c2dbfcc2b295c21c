package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

const initiativeColumns = `id::text, agent_id, status, COALESCE(generated_proposal_id::text,''), COALESCE(error,''), created_at, completed_at`

// InsertInitiative queues a pending initiative for agentID.
func (s *Store) InsertInitiative(ctx context.Context, agentID string) (ops.Initiative, error) {
	in := ops.Initiative{AgentID: agentID, Status: ops.InitiativePending}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO ops_initiatives (agent_id, status) VALUES ($1,$2)
RETURNING id::text, created_at
`, agentID, string(in.Status)).Scan(&in.ID, &in.CreatedAt)
	if err != nil {
		return ops.Initiative{}, err
	}
	return in, nil
}

// LatestInitiative returns the agent's most recent initiative. The bool is false when it has none.
func (s *Store) LatestInitiative(ctx context.Context, agentID string) (ops.Initiative, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM ops_initiatives WHERE agent_id=$1 ORDER BY created_at DESC LIMIT 1`, agentID)
	in, err := scanInitiative(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ops.Initiative{}, false, nil
	}
	if err != nil {
		return ops.Initiative{}, false, err
	}
	return in, true, nil
}

// ListInitiativesByStatus returns initiatives in status, oldest first.
func (s *Store) ListInitiativesByStatus(ctx context.Context, status ops.InitiativeStatus, limit int) ([]ops.Initiative, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+initiativeColumns+` FROM ops_initiatives WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ops.Initiative
	for rows.Next() {
		in, err := scanInitiative(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ClaimInitiative moves a pending initiative to generating. Only one caller wins.
func (s *Store) ClaimInitiative(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE ops_initiatives SET status='generating' WHERE id=$1 AND status='pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteInitiative records the outcome of a generating initiative.
func (s *Store) CompleteInitiative(ctx context.Context, id string, status ops.InitiativeStatus, proposalID, errMsg string) error {
	if status != ops.InitiativeProposed && status != ops.InitiativeFailed {
		return fmt.Errorf("invalid initiative status: %s", status)
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE ops_initiatives
SET status=$2, generated_proposal_id=$3, error=$4, completed_at=NOW()
WHERE id=$1 AND status='generating'
`, id, string(status), nullableString(proposalID), nullableString(errMsg))
	return err
}

func scanInitiative(row rowScanner) (ops.Initiative, error) {
	var (
		in        ops.Initiative
		status    string
		completed sql.NullTime
	)
	if err := row.Scan(&in.ID, &in.AgentID, &status, &in.GeneratedProposalID, &in.Error, &in.CreatedAt, &completed); err != nil {
		return ops.Initiative{}, err
	}
	in.Status = ops.InitiativeStatus(status)
	if completed.Valid {
		ts := completed.Time
		in.CompletedAt = &ts
	}
	return in, nil
}
