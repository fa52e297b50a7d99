package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const actionColumns = `id, tenant_id, user_id, agent_id, action_type, event_id, correlation_id, inputs, outputs, model_used, tokens, latency_ms, error, created_at`

// RecordAction appends a provenance row.
func (s *Store) RecordAction(ctx context.Context, a AgentAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	inputs, err := encodeJSON(nonNilStrings(a.Inputs))
	if err != nil {
		return err
	}
	outputs, err := encodeJSON(nonNilStrings(a.Outputs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.UserID, a.AgentID, a.ActionType, a.EventID, a.CorrelationID,
		inputs, outputs, a.ModelUsed, a.Tokens, a.LatencyMS, a.Error, FormatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording action for %s: %w", a.AgentID, err)
	}
	return nil
}

// ListActions returns provenance rows matching f, newest first.
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]AgentAction, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + actionColumns + ` FROM agent_actions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentAction
	for rows.Next() {
		var (
			a                        AgentAction
			inputs, outputs, created string
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UserID, &a.AgentID, &a.ActionType, &a.EventID,
			&a.CorrelationID, &inputs, &outputs, &a.ModelUsed, &a.Tokens, &a.LatencyMS, &a.Error, &created); err != nil {
			return nil, err
		}
		if a.Inputs, err = decodeStrings(inputs); err != nil {
			return nil, err
		}
		if a.Outputs, err = decodeStrings(outputs); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
