package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
)

var _ outbox.Queue = (*Outbox)(nil)

const outboxColumns = `event_id, event_type, tenant_id, user_id, correlation_id, source_agent, payload, created_at, status, attempts, max_attempts, last_error, run_after, claimed_at, updated_at`

// Outbox is the SQLite outbox backend. Claims are a single
// UPDATE ... RETURNING statement, which SQLite runs under its write lock, so
// concurrent Dequeue calls never overlap.
type Outbox struct {
	db     *sql.DB
	policy outbox.Policy
	now    func() time.Time
}

func NewOutbox(s *Store, p outbox.Policy) *Outbox {
	return &Outbox{db: s.db, policy: p, now: func() time.Time { return time.Now().UTC() }}
}

func (o *Outbox) Enqueue(ctx context.Context, ev outbox.Event) error {
	now := o.now()
	o.policy.Normalize(&ev, now)
	_, err := o.db.ExecContext(ctx, `INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.TenantID, ev.UserID, ev.CorrelationID, ev.SourceAgent, ev.Payload,
		FormatTime(ev.CreatedAt), string(ev.Status), ev.Attempts, ev.MaxAttempts, ev.Error,
		FormatTime(ev.RunAfter), "", FormatTime(ev.UpdatedAt))
	if err != nil {
		return fmt.Errorf("enqueueing event %s: %w", ev.ID, err)
	}
	return nil
}

func (o *Outbox) Dequeue(ctx context.Context, limit int, types ...events.Type) ([]outbox.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := FormatTime(o.now())

	filter := ""
	args := []any{now, now, now}
	if len(types) > 0 {
		filter = ` AND event_type IN (` + placeholders(len(types)) + `)`
		args = append(args, stringArgs(outbox.TypeStrings(types))...)
	}
	args = append(args, limit)

	rows, err := o.db.QueryContext(ctx, `UPDATE outbox_events
		SET status = 'processing', attempts = attempts + 1, claimed_at = ?, updated_at = ?
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE status = 'pending' AND run_after <= ?`+filter+`
			ORDER BY created_at, rowid
			LIMIT ?
		)
		RETURNING `+outboxColumns, args...)
	if err != nil {
		return nil, fmt.Errorf("claiming events: %w", err)
	}
	defer rows.Close()

	var claimed []outbox.Event
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not follow the subquery order.
	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

func (o *Outbox) MarkComplete(ctx context.Context, id string) error {
	res, err := o.db.ExecContext(ctx, `UPDATE outbox_events
		SET status = 'completed', last_error = '', claimed_at = '', updated_at = ?
		WHERE event_id = ? AND status IN ('processing', 'completed')`, FormatTime(o.now()), id)
	if err != nil {
		return fmt.Errorf("completing event %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	ev, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", outbox.ErrNotProcessing, id, ev.Status)
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, reason string) error {
	return o.resolveFailure(ctx, id, reason, false)
}

func (o *Outbox) MarkDead(ctx context.Context, id string, reason string) error {
	return o.resolveFailure(ctx, id, reason, true)
}

func (o *Outbox) resolveFailure(ctx context.Context, id, reason string, dead bool) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		status                string
		attempts, maxAttempts int
	)
	err = tx.QueryRowContext(ctx, `SELECT status, attempts, max_attempts FROM outbox_events WHERE event_id = ?`, id).
		Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.ErrNotFound
	}
	if err != nil {
		return err
	}
	if outbox.Status(status) != outbox.StatusProcessing {
		return fmt.Errorf("%w: %s is %s", outbox.ErrNotProcessing, id, status)
	}

	now := o.now()
	switch {
	case dead || attempts >= maxAttempts:
		_, err = tx.ExecContext(ctx, `UPDATE outbox_events
			SET status = 'failed', attempts = MAX(attempts, max_attempts), last_error = ?, claimed_at = '', updated_at = ?
			WHERE event_id = ?`, reason, FormatTime(now), id)
	default:
		runAfter := now.Add(o.policy.Delay(attempts))
		_, err = tx.ExecContext(ctx, `UPDATE outbox_events
			SET status = 'pending', last_error = ?, run_after = ?, claimed_at = '', updated_at = ?
			WHERE event_id = ?`, reason, FormatTime(runAfter), FormatTime(now), id)
	}
	if err != nil {
		return fmt.Errorf("failing event %s: %w", id, err)
	}
	return tx.Commit()
}

func (o *Outbox) FailedEvents(ctx context.Context, tenantID string, limit int) ([]outbox.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE status = 'failed'`
	args := []any{}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY updated_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	return o.query(ctx, query, args...)
}

func (o *Outbox) RetryFailed(ctx context.Context, id string) error {
	now := FormatTime(o.now())
	res, err := o.db.ExecContext(ctx, `UPDATE outbox_events
		SET status = 'pending', attempts = 0, run_after = ?, claimed_at = '', updated_at = ?
		WHERE event_id = ? AND status = 'failed'`, now, now, id)
	if err != nil {
		return fmt.Errorf("retrying event %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	if _, err := o.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", outbox.ErrNotFailed, id)
}

func (o *Outbox) ReclaimStale(ctx context.Context, lease time.Duration) (int, error) {
	now := o.now()
	res, err := o.db.ExecContext(ctx, `UPDATE outbox_events
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			last_error = 'lease expired',
			run_after = ?,
			claimed_at = '',
			updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?`,
		FormatTime(now), FormatTime(now), FormatTime(now.Add(-lease)))
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (o *Outbox) Get(ctx context.Context, id string) (outbox.Event, error) {
	row := o.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = ?`, id)
	ev, err := scanOutboxEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Event{}, outbox.ErrNotFound
	}
	return ev, err
}

func (o *Outbox) PendingCount(ctx context.Context, types ...events.Type) (int, error) {
	query := `SELECT COUNT(*) FROM outbox_events WHERE status = 'pending'`
	var args []any
	if len(types) > 0 {
		query += ` AND event_type IN (` + placeholders(len(types)) + `)`
		args = stringArgs(outbox.TypeStrings(types))
	}
	var n int
	err := o.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (o *Outbox) Counts(ctx context.Context) (map[outbox.Status]int, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int, len(outbox.Statuses))
	for _, st := range outbox.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[outbox.Status(status)] = n
	}
	return counts, rows.Err()
}

func (o *Outbox) query(ctx context.Context, query string, args ...any) ([]outbox.Event, error) {
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanOutboxEvent(sc scanner) (outbox.Event, error) {
	var (
		ev                                     outbox.Event
		typ, status                            string
		created, runAfter, claimed, updatedStr string
	)
	if err := sc.Scan(&ev.ID, &typ, &ev.TenantID, &ev.UserID, &ev.CorrelationID, &ev.SourceAgent,
		&ev.Payload, &created, &status, &ev.Attempts, &ev.MaxAttempts, &ev.Error,
		&runAfter, &claimed, &updatedStr); err != nil {
		return outbox.Event{}, err
	}
	ev.Type = events.Type(typ)
	ev.Status = outbox.Status(status)

	var err error
	if ev.CreatedAt, err = ParseTime(created); err != nil {
		return outbox.Event{}, err
	}
	if ev.RunAfter, err = ParseTime(runAfter); err != nil {
		return outbox.Event{}, err
	}
	if ev.ClaimedAt, err = ParseTime(claimed); err != nil {
		return outbox.Event{}, err
	}
	if ev.UpdatedAt, err = ParseTime(updatedStr); err != nil {
		return outbox.Event{}, err
	}
	return ev, nil
}
