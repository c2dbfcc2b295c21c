package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

const relationshipColumns = `agent_a, agent_b, affinity, total_interactions, positive_interactions, negative_interactions, drift_log, updated_at`

// GetRelationship loads the relationship for an unordered pair. The bool is false when none exists.
func (s *Store) GetRelationship(ctx context.Context, a, b string) (ops.Relationship, bool, error) {
	a, b = ops.Pair(a, b)
	row := s.DB.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM ops_agent_relationships WHERE agent_a=$1 AND agent_b=$2`, a, b)
	rel, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ops.Relationship{}, false, nil
	}
	if err != nil {
		return ops.Relationship{}, false, err
	}
	return rel, true, nil
}

// ListRelationships returns every relationship between members of agentIDs.
func (s *Store) ListRelationships(ctx context.Context, agentIDs []string) ([]ops.Relationship, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+relationshipColumns+`
FROM ops_agent_relationships
WHERE agent_a = ANY($1) AND agent_b = ANY($1)
`, pq.Array(agentIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ops.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// UpdateRelationship applies fn to the pair's row under a row lock, creating
// the row with defaultAffinity first if it does not exist.
func (s *Store) UpdateRelationship(ctx context.Context, a, b string, defaultAffinity float64, fn func(*ops.Relationship)) (ops.Relationship, error) {
	a, b = ops.Pair(a, b)
	if a == b {
		return ops.Relationship{}, fmt.Errorf("relationship requires two distinct agents")
	}
	var rel ops.Relationship
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO ops_agent_relationships (agent_a, agent_b, affinity)
VALUES ($1,$2,$3)
ON CONFLICT (agent_a, agent_b) DO NOTHING
`, a, b, defaultAffinity); err != nil {
			return fmt.Errorf("ensure relationship: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM ops_agent_relationships WHERE agent_a=$1 AND agent_b=$2 FOR UPDATE`, a, b)
		var err error
		rel, err = scanRelationship(row)
		if err != nil {
			return err
		}
		fn(&rel)
		logJSON, err := marshalJSON(rel.DriftLog, "[]")
		if err != nil {
			return fmt.Errorf("marshal drift log: %w", err)
		}
		return tx.QueryRowContext(ctx, `
UPDATE ops_agent_relationships
SET affinity=$3, total_interactions=$4, positive_interactions=$5, negative_interactions=$6, drift_log=$7, updated_at=NOW()
WHERE agent_a=$1 AND agent_b=$2
RETURNING updated_at
`, a, b, rel.Affinity, rel.TotalInteractions, rel.PositiveInteractions, rel.NegativeInteractions, logJSON).Scan(&rel.UpdatedAt)
	})
	if err != nil {
		return ops.Relationship{}, err
	}
	return rel, nil
}

func scanRelationship(row rowScanner) (ops.Relationship, error) {
	var (
		rel    ops.Relationship
		rawLog []byte
	)
	if err := row.Scan(&rel.AgentA, &rel.AgentB, &rel.Affinity, &rel.TotalInteractions, &rel.PositiveInteractions, &rel.NegativeInteractions, &rawLog, &rel.UpdatedAt); err != nil {
		return ops.Relationship{}, err
	}
	if len(rawLog) > 0 {
		if err := json.Unmarshal(rawLog, &rel.DriftLog); err != nil {
			return ops.Relationship{}, fmt.Errorf("decode drift log: %w", err)
		}
	}
	return rel, nil
}
