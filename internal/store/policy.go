package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ListPolicies returns every policy document keyed by name.
func (s *Store) ListPolicies(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM ops_policy`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// UpsertPolicy creates or replaces a policy document.
func (s *Store) UpsertPolicy(ctx context.Context, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("policy key required")
	}
	if !json.Valid(value) {
		return fmt.Errorf("policy %s is not valid JSON", key)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ops_policy (key, value, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
`, key, []byte(value))
	return err
}
