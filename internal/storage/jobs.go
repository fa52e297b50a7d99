package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/kos/internal/events"
)

const jobColumns = `id, type, event_id, agent_id, tenant_id, user_id, correlation_id, priority, status, attempts, max_attempts, assigned_worker, error, created_at, started_at, completed_at`

// GetJob returns the ledger entry for agentID handling eventID.
func (s *Store) GetJob(ctx context.Context, eventID, agentID string) (*events.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE event_id = ? AND agent_id = ?`, eventID, agentID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// SaveJob upserts j keyed by (event, agent). The first saved id wins.
func (s *Store) SaveJob(ctx context.Context, j *events.Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, agent_id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			assigned_worker = excluded.assigned_worker,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		j.ID, string(j.Type), j.EventID, j.AgentID, j.TenantID, j.UserID, j.CorrelationID, j.Priority,
		string(j.Status), j.Attempts, j.MaxAttempts, j.AssignedWorker, j.Error,
		FormatTime(j.CreatedAt), FormatTime(j.StartedAt), FormatTime(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("saving job %s/%s: %w", j.EventID, j.AgentID, err)
	}
	return nil
}

// JobsForEvent lists the ledger entries of one event ordered by agent.
func (s *Store) JobsForEvent(ctx context.Context, eventID string) ([]*events.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE event_id = ? ORDER BY agent_id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*events.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(sc scanner) (*events.Job, error) {
	var (
		j                           events.Job
		typ, status                 string
		created, started, completed string
	)
	if err := sc.Scan(&j.ID, &typ, &j.EventID, &j.AgentID, &j.TenantID, &j.UserID, &j.CorrelationID,
		&j.Priority, &status, &j.Attempts, &j.MaxAttempts, &j.AssignedWorker, &j.Error,
		&created, &started, &completed); err != nil {
		return nil, err
	}
	j.Type = events.JobType(typ)
	j.Status = events.JobStatus(status)

	var err error
	if j.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if j.StartedAt, err = ParseTime(started); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = ParseTime(completed); err != nil {
		return nil, err
	}
	return &j, nil
}
