package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// StartActionRun opens an audit record for action in status running.
func (s *Store) StartActionRun(ctx context.Context, action string) (string, error) {
	if strings.TrimSpace(action) == "" {
		return "", fmt.Errorf("action required")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO ops_action_runs (action, status) VALUES ($1,'running') RETURNING id::text`, action).Scan(&id)
	return id, err
}

// FinishActionRun closes an audit record with its final status and details.
func (s *Store) FinishActionRun(ctx context.Context, id string, status ops.RunStatus, details json.RawMessage, errMsg string) error {
	if status != ops.RunSucceeded && status != ops.RunFailed {
		return fmt.Errorf("invalid run status: %s", status)
	}
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE ops_action_runs SET status=$2, details=$3, error=$4, completed_at=NOW() WHERE id=$1
`, id, string(status), []byte(details), nullableString(errMsg))
	return err
}
