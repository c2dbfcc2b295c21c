package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

const proposalColumns = `id::text, agent_id, title, description, steps, source, status, COALESCE(source_trace_id,''), created_at, decided_at`

const stepColumns = `id::text, mission_id::text, step_number, kind, status, description, payload, output, COALESCE(error,''), COALESCE(reserved_by,''), reserved_at, created_at, completed_at`

// InsertProposal records a new pending proposal.
func (s *Store) InsertProposal(ctx context.Context, p ops.Proposal) (ops.Proposal, error) {
	if strings.TrimSpace(p.AgentID) == "" {
		return ops.Proposal{}, fmt.Errorf("agent_id required")
	}
	steps, err := marshalJSON(p.Steps, "[]")
	if err != nil {
		return ops.Proposal{}, fmt.Errorf("marshal steps: %w", err)
	}
	p.Status = ops.ProposalPending
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO ops_mission_proposals (agent_id, title, description, steps, source, status, source_trace_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id::text, created_at
`, p.AgentID, p.Title, p.Description, steps, string(p.Source), string(p.Status), nullableString(p.SourceTraceID))
	if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
		return ops.Proposal{}, err
	}
	return p, nil
}

// GetProposal loads a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (ops.Proposal, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM ops_mission_proposals WHERE id=$1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ops.Proposal{}, ops.ErrNotFound
	}
	return p, err
}

// CountProposalsSince counts proposals an agent created on or after since.
func (s *Store) CountProposalsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops_mission_proposals WHERE agent_id=$1 AND created_at >= $2`, agentID, since).Scan(&n)
	return n, err
}

// RejectProposal marks a pending proposal rejected.
func (s *Store) RejectProposal(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE ops_mission_proposals SET status='rejected', decided_at=NOW() WHERE id=$1 AND status='pending'`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ops.ValidationError{Field: "proposal", Reason: "is not pending"}
	}
	return nil
}

// ApproveProposal accepts a pending proposal and creates its mission and steps
// in one transaction. Nothing is written if any insert fails.
func (s *Store) ApproveProposal(ctx context.Context, proposalID, decidedBy string) (ops.Mission, []ops.Step, error) {
	var (
		mission ops.Mission
		steps   []ops.Step
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			agentID, title, status string
			rawSteps               []byte
		)
		err := tx.QueryRowContext(ctx, `SELECT agent_id, title, steps, status FROM ops_mission_proposals WHERE id=$1 FOR UPDATE`, proposalID).
			Scan(&agentID, &title, &rawSteps, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ops.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock proposal: %w", err)
		}
		if ops.ProposalStatus(status) != ops.ProposalPending {
			return ops.ValidationError{Field: "proposal", Reason: "already " + status}
		}
		var specs []ops.StepSpec
		if err := json.Unmarshal(rawSteps, &specs); err != nil {
			return fmt.Errorf("decode proposal steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ops_mission_proposals SET status='accepted', decided_at=NOW() WHERE id=$1`, proposalID); err != nil {
			return fmt.Errorf("accept proposal: %w", err)
		}
		createdBy := strings.TrimSpace(decidedBy)
		if createdBy == "" {
			createdBy = agentID
		}
		mission = ops.Mission{ProposalID: proposalID, Title: title, Status: ops.MissionApproved, CreatedBy: createdBy}
		if err := tx.QueryRowContext(ctx, `
INSERT INTO ops_missions (proposal_id, title, status, created_by)
VALUES ($1,$2,$3,$4)
RETURNING id::text, created_at
`, proposalID, title, string(mission.Status), createdBy).Scan(&mission.ID, &mission.CreatedAt); err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}
		steps = make([]ops.Step, 0, len(specs))
		for i, spec := range specs {
			payload, err := marshalJSON(spec.Payload, "{}")
			if err != nil {
				return fmt.Errorf("marshal step payload: %w", err)
			}
			st := ops.Step{
				MissionID:   mission.ID,
				StepNumber:  i + 1,
				Kind:        spec.Kind,
				Status:      ops.StepQueued,
				Description: spec.Description,
				Payload:     spec.Payload,
			}
			if err := tx.QueryRowContext(ctx, `
INSERT INTO ops_mission_steps (mission_id, step_number, kind, status, description, payload)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id::text, created_at
`, mission.ID, st.StepNumber, st.Kind, string(st.Status), st.Description, payload).Scan(&st.ID, &st.CreatedAt); err != nil {
				return fmt.Errorf("insert step %d: %w", st.StepNumber, err)
			}
			steps = append(steps, st)
		}
		return nil
	})
	if err != nil {
		return ops.Mission{}, nil, err
	}
	return mission, steps, nil
}

// GetMission loads a mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (ops.Mission, error) {
	var (
		m         ops.Mission
		status    string
		completed sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, proposal_id::text, title, status, created_by, created_at, completed_at
FROM ops_missions WHERE id=$1
`, id).Scan(&m.ID, &m.ProposalID, &m.Title, &status, &m.CreatedBy, &m.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return ops.Mission{}, ops.ErrNotFound
	}
	if err != nil {
		return ops.Mission{}, err
	}
	m.Status = ops.MissionStatus(status)
	if completed.Valid {
		ts := completed.Time
		m.CompletedAt = &ts
	}
	return m, nil
}

// ListSteps returns a mission's steps ordered by step number.
func (s *Store) ListSteps(ctx context.Context, missionID string) ([]ops.Step, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM ops_mission_steps WHERE mission_id=$1 ORDER BY step_number ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ops.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CountSucceededStepsSince counts steps of kind that succeeded on or after since.
func (s *Store) CountSucceededStepsSince(ctx context.Context, kind string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM ops_mission_steps
WHERE kind=$1 AND status='succeeded' AND completed_at >= $2
`, kind, since).Scan(&n)
	return n, err
}

// NextQueuedStep returns the oldest queued step of kind. The bool is false when none is waiting.
func (s *Store) NextQueuedStep(ctx context.Context, kind string) (ops.Step, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+stepColumns+`
FROM ops_mission_steps
WHERE kind=$1 AND status='queued' AND reserved_by IS NULL
ORDER BY created_at ASC, step_number ASC
LIMIT 1
`, kind)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ops.Step{}, false, nil
	}
	if err != nil {
		return ops.Step{}, false, err
	}
	return st, true, nil
}

// ClaimStep reserves a queued step for workerID with a single conditional update.
// Exactly one concurrent caller observes true for a given step. The owning
// mission moves from approved to running in the same transaction.
func (s *Store) ClaimStep(ctx context.Context, stepID, workerID string) (bool, error) {
	if strings.TrimSpace(workerID) == "" {
		return false, fmt.Errorf("worker_id required")
	}
	claimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var missionID string
		err := tx.QueryRowContext(ctx, `
UPDATE ops_mission_steps
SET status='running', reserved_by=$2, reserved_at=NOW(), updated_at=NOW()
WHERE id=$1 AND status='queued' AND reserved_by IS NULL
RETURNING mission_id::text
`, stepID, workerID).Scan(&missionID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ops_missions SET status='running' WHERE id=$1 AND status='approved'`, missionID); err != nil {
			return fmt.Errorf("start mission: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// CompleteStep records the outcome of a step still reserved by workerID and,
// once every step of the mission is terminal, finalises the mission as
// succeeded or failed. A step requeued or reclaimed by another worker returns
// ops.ErrClaimLost and leaves the row untouched.
func (s *Store) CompleteStep(ctx context.Context, stepID, workerID string, status ops.StepStatus, output map[string]interface{}, errMsg string) (string, error) {
	if !status.Terminal() {
		return "", fmt.Errorf("invalid completion status: %s", status)
	}
	if strings.TrimSpace(workerID) == "" {
		return "", fmt.Errorf("worker_id required")
	}
	out, err := marshalJSON(output, "{}")
	if err != nil {
		return "", fmt.Errorf("marshal output: %w", err)
	}
	var missionID string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
UPDATE ops_mission_steps
SET status=$2, output=$3, error=$4, reserved_by=NULL, reserved_at=NULL, completed_at=NOW(), updated_at=NOW()
WHERE id=$1 AND status='running' AND reserved_by=$5
RETURNING mission_id::text
`, stepID, string(status), out, nullableString(errMsg), workerID).Scan(&missionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("complete step %s: %w", stepID, ops.ErrClaimLost)
		}
		if err != nil {
			return err
		}
		var open, failed int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FILTER (WHERE status NOT IN ('succeeded','failed')),
       COUNT(*) FILTER (WHERE status = 'failed')
FROM ops_mission_steps
WHERE mission_id=$1
`, missionID).Scan(&open, &failed); err != nil {
			return fmt.Errorf("count mission steps: %w", err)
		}
		if open > 0 {
			_, err := tx.ExecContext(ctx, `UPDATE ops_missions SET status='running' WHERE id=$1 AND status='approved'`, missionID)
			return err
		}
		final := ops.MissionSucceeded
		if failed > 0 {
			final = ops.MissionFailed
		}
		_, err = tx.ExecContext(ctx, `UPDATE ops_missions SET status=$2, completed_at=NOW() WHERE id=$1`, missionID, string(final))
		return err
	})
	if err != nil {
		return "", err
	}
	return missionID, nil
}

// RecoverStaleSteps requeues running steps reserved before cutoff.
func (s *Store) RecoverStaleSteps(ctx context.Context, cutoff time.Time) (int, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE ops_mission_steps
SET status='queued', reserved_by=NULL, reserved_at=NULL, updated_at=NOW()
WHERE status='running' AND reserved_at < $1
`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanProposal(row rowScanner) (ops.Proposal, error) {
	var (
		p        ops.Proposal
		rawSteps []byte
		source   string
		status   string
		decided  sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.AgentID, &p.Title, &p.Description, &rawSteps, &source, &status, &p.SourceTraceID, &p.CreatedAt, &decided); err != nil {
		return ops.Proposal{}, err
	}
	if len(rawSteps) > 0 {
		if err := json.Unmarshal(rawSteps, &p.Steps); err != nil {
			return ops.Proposal{}, fmt.Errorf("decode proposal steps: %w", err)
		}
	}
	p.Source = ops.ProposalSource(source)
	p.Status = ops.ProposalStatus(status)
	if decided.Valid {
		ts := decided.Time
		p.DecidedAt = &ts
	}
	return p, nil
}

func scanStep(row rowScanner) (ops.Step, error) {
	var (
		st        ops.Step
		status    string
		payload   []byte
		output    []byte
		reserved  sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(&st.ID, &st.MissionID, &st.StepNumber, &st.Kind, &status, &st.Description, &payload, &output, &st.Error, &st.ReservedBy, &reserved, &st.CreatedAt, &completed); err != nil {
		return ops.Step{}, err
	}
	st.Status = ops.StepStatus(status)
	st.Payload = unmarshalMap(payload)
	st.Output = unmarshalMap(output)
	if reserved.Valid {
		ts := reserved.Time
		st.ReservedAt = &ts
	}
	if completed.Valid {
		ts := completed.Time
		st.CompletedAt = &ts
	}
	return st, nil
}
