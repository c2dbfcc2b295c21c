package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lib/pq"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

const memoryColumns = `id::text, agent_id, type, content, confidence, tags, COALESCE(source_trace_id,''), COALESCE(superseded_by::text,''), created_at, updated_at`

// MemoryQuery filters active memories of one agent.
type MemoryQuery struct {
	AgentID       string
	Types         []string
	MinConfidence float64
	Limit         int
}

// InsertMemory stores a new active memory.
func (s *Store) InsertMemory(ctx context.Context, m ops.Memory) (ops.Memory, error) {
	return insertMemory(ctx, s.DB, m)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertMemory(ctx context.Context, q queryRower, m ops.Memory) (ops.Memory, error) {
	if strings.TrimSpace(m.AgentID) == "" {
		return ops.Memory{}, fmt.Errorf("agent_id required")
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	err := q.QueryRowContext(ctx, `
INSERT INTO ops_agent_memory (agent_id, type, content, confidence, tags, source_trace_id)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id::text, created_at, updated_at
`, m.AgentID, string(m.Type), m.Content, m.Confidence, pq.Array(tags), nullableString(m.SourceTraceID)).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return ops.Memory{}, err
	}
	return m, nil
}

// QueryMemories returns an agent's active memories ordered by confidence, highest first.
// Superseded rows are never returned.
func (s *Store) QueryMemories(ctx context.Context, q MemoryQuery) ([]ops.Memory, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	types := q.Types
	if types == nil {
		types = []string{}
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM ops_agent_memory
WHERE agent_id=$1
  AND superseded_by IS NULL
  AND confidence >= $2
  AND (cardinality($3::text[]) = 0 OR type = ANY($3::text[]))
ORDER BY confidence DESC, created_at DESC
LIMIT $4
`, q.AgentID, q.MinConfidence, pq.Array(types), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ops.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMemoriesAbove counts an agent's active memories with confidence >= minConfidence.
func (s *Store) CountMemoriesAbove(ctx context.Context, agentID string, minConfidence float64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM ops_agent_memory
WHERE agent_id=$1 AND superseded_by IS NULL AND confidence >= $2
`, agentID, minConfidence).Scan(&n)
	return n, err
}

// SupersedeMemory inserts replacement and points oldID at it, in one transaction.
func (s *Store) SupersedeMemory(ctx context.Context, oldID string, replacement ops.Memory) (ops.Memory, error) {
	var inserted ops.Memory
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var agentID string
		err := tx.QueryRowContext(ctx, `SELECT agent_id FROM ops_agent_memory WHERE id=$1 AND superseded_by IS NULL FOR UPDATE`, oldID).Scan(&agentID)
		if errors.Is(err, sql.ErrNoRows) {
			return ops.ErrNotFound
		}
		if err != nil {
			return err
		}
		if replacement.AgentID == "" {
			replacement.AgentID = agentID
		}
		inserted, err = insertMemory(ctx, tx, replacement)
		if err != nil {
			return fmt.Errorf("insert replacement: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE ops_agent_memory SET superseded_by=$2, updated_at=NOW() WHERE id=$1`, oldID, inserted.ID)
		return err
	})
	if err != nil {
		return ops.Memory{}, err
	}
	return inserted, nil
}

type corroboratedRow struct {
	ID         string
	AgentID    string
	Norm       string
	Confidence float64
}

type corroboratedGroup struct {
	Keeper     corroboratedRow
	Duplicates []string
}

// groupCorroborated splits rows (ordered by agent, normalised content, then
// confidence desc) into groups whose first row is kept and promoted.
func groupCorroborated(rows []corroboratedRow) []corroboratedGroup {
	var groups []corroboratedGroup
	for _, r := range rows {
		n := len(groups)
		if n > 0 && groups[n-1].Keeper.AgentID == r.AgentID && groups[n-1].Keeper.Norm == r.Norm {
			groups[n-1].Duplicates = append(groups[n-1].Duplicates, r.ID)
			continue
		}
		groups = append(groups, corroboratedGroup{Keeper: r})
	}
	return groups
}

// PromoteCorroboratedMemories finds active memories an agent holds more than
// once from distinct sources, raises the strongest copy by boost (capped at
// 1.0) and supersedes the remaining copies with it. It returns the number of
// memories promoted.
func (s *Store) PromoteCorroboratedMemories(ctx context.Context, boost float64) (int, error) {
	promoted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id::text, agent_id, lower(btrim(content)) AS norm, confidence
FROM ops_agent_memory
WHERE superseded_by IS NULL
  AND (agent_id, lower(btrim(content))) IN (
    SELECT agent_id, lower(btrim(content))
    FROM ops_agent_memory
    WHERE superseded_by IS NULL
    GROUP BY agent_id, lower(btrim(content))
    HAVING COUNT(DISTINCT COALESCE(source_trace_id, id::text)) > 1
  )
ORDER BY agent_id, norm, confidence DESC, created_at DESC
FOR UPDATE
`)
		if err != nil {
			return err
		}
		var found []corroboratedRow
		for rows.Next() {
			var r corroboratedRow
			if err := rows.Scan(&r.ID, &r.AgentID, &r.Norm, &r.Confidence); err != nil {
				rows.Close()
				return err
			}
			found = append(found, r)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, g := range groupCorroborated(found) {
			next := math.Min(1.0, g.Keeper.Confidence+boost)
			if _, err := tx.ExecContext(ctx, `UPDATE ops_agent_memory SET confidence=$2, updated_at=NOW() WHERE id=$1`, g.Keeper.ID, next); err != nil {
				return fmt.Errorf("promote memory %s: %w", g.Keeper.ID, err)
			}
			if len(g.Duplicates) > 0 {
				if _, err := tx.ExecContext(ctx, `UPDATE ops_agent_memory SET superseded_by=$1, updated_at=NOW() WHERE id = ANY($2::uuid[])`, g.Keeper.ID, pq.Array(g.Duplicates)); err != nil {
					return fmt.Errorf("supersede duplicates of %s: %w", g.Keeper.ID, err)
				}
			}
			promoted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return promoted, nil
}

func scanMemory(row rowScanner) (ops.Memory, error) {
	var (
		m    ops.Memory
		typ  string
		tags pq.StringArray
	)
	if err := row.Scan(&m.ID, &m.AgentID, &typ, &m.Content, &m.Confidence, &tags, &m.SourceTraceID, &m.SupersededBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return ops.Memory{}, err
	}
	m.Type = ops.MemoryType(typ)
	m.Tags = []string(tags)
	return m, nil
}
