package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
)

var _ outbox.Queue = (*Outbox)(nil)

const columns = `event_id, event_type, tenant_id, user_id, correlation_id, source_agent, payload, created_at, status, attempts, max_attempts, last_error, run_after, claimed_at, updated_at`

// Outbox claims with FOR UPDATE SKIP LOCKED, so any number of workers on any
// number of hosts can dequeue concurrently.
type Outbox struct {
	db     *sql.DB
	policy outbox.Policy
	now    func() time.Time
}

func NewOutbox(db *sql.DB, p outbox.Policy) *Outbox {
	return &Outbox{db: db, policy: p, now: func() time.Time { return time.Now().UTC() }}
}

func (o *Outbox) Enqueue(ctx context.Context, ev outbox.Event) error {
	o.policy.Normalize(&ev, o.now())
	_, err := o.db.ExecContext(ctx, `INSERT INTO outbox_events (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL, $14)`,
		ev.ID, string(ev.Type), ev.TenantID, ev.UserID, ev.CorrelationID, ev.SourceAgent, ev.Payload,
		ev.CreatedAt, string(ev.Status), ev.Attempts, ev.MaxAttempts, ev.Error, ev.RunAfter, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueueing event %s: %w", ev.ID, err)
	}
	return nil
}

func (o *Outbox) Dequeue(ctx context.Context, limit int, types ...events.Type) ([]outbox.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := o.now()

	filter := ""
	args := []any{now, limit}
	if len(types) > 0 {
		filter = ` AND event_type = ANY($3)`
		args = append(args, pq.Array(outbox.TypeStrings(types)))
	}

	claimed, err := o.query(ctx, `
		WITH claimable AS (
			SELECT event_id FROM outbox_events
			WHERE status = 'pending' AND run_after <= $1`+filter+`
			ORDER BY created_at, event_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = 'processing', attempts = o.attempts + 1, claimed_at = $1, updated_at = $1
		FROM claimable c
		WHERE o.event_id = c.event_id
		RETURNING `+prefixed("o.", columns), args...)
	if err != nil {
		return nil, fmt.Errorf("claiming events: %w", err)
	}
	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

func (o *Outbox) MarkComplete(ctx context.Context, id string) error {
	res, err := o.db.ExecContext(ctx, `UPDATE outbox_events
		SET status = 'completed', last_error = '', claimed_at = NULL, updated_at = $2
		WHERE event_id = $1 AND status IN ('processing', 'completed')`, id, o.now())
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
	return o.fail(ctx, id, reason, false)
}

func (o *Outbox) MarkDead(ctx context.Context, id string, reason string) error {
	return o.fail(ctx, id, reason, true)
}

func (o *Outbox) fail(ctx context.Context, id, reason string, dead bool) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		status                string
		attempts, maxAttempts int
	)
	err = tx.QueryRowContext(ctx, `SELECT status, attempts, max_attempts FROM outbox_events
		WHERE event_id = $1 FOR UPDATE`, id).Scan(&status, &attempts, &maxAttempts)
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
	if dead || attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE outbox_events
			SET status = 'failed', attempts = GREATEST(attempts, max_attempts), last_error = $2,
				claimed_at = NULL, updated_at = $3
			WHERE event_id = $1`, id, reason, now)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE outbox_events
			SET status = 'pending', last_error = $2, run_after = $3, claimed_at = NULL, updated_at = $4
			WHERE event_id = $1`, id, reason, now.Add(o.policy.Delay(attempts)), now)
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
	return o.query(ctx, `SELECT `+columns+` FROM outbox_events
		WHERE status = 'failed' AND ($1 = '' OR tenant_id = $1)
		ORDER BY updated_at DESC, event_id
		LIMIT $2`, tenantID, limit)
}

func (o *Outbox) RetryFailed(ctx context.Context, id string) error {
	now := o.now()
	res, err := o.db.ExecContext(ctx, `UPDATE outbox_events
		SET status = 'pending', attempts = 0, run_after = $2, claimed_at = NULL, updated_at = $2
		WHERE event_id = $1 AND status = 'failed'`, id, now)
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
			last_error = 'lease expired', run_after = $1, claimed_at = NULL, updated_at = $1
		WHERE status = 'processing' AND claimed_at < $2`, now, now.Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (o *Outbox) Get(ctx context.Context, id string) (outbox.Event, error) {
	evs, err := o.query(ctx, `SELECT `+columns+` FROM outbox_events WHERE event_id = $1`, id)
	if err != nil {
		return outbox.Event{}, err
	}
	if len(evs) == 0 {
		return outbox.Event{}, outbox.ErrNotFound
	}
	return evs[0], nil
}

func (o *Outbox) PendingCount(ctx context.Context, types ...events.Type) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events
		WHERE status = 'pending' AND (cardinality($1::text[]) = 0 OR event_type = ANY($1))`,
		pq.Array(outbox.TypeStrings(types))).Scan(&n)
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
		var (
			ev          outbox.Event
			typ, status string
			claimedAt   sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.TenantID, &ev.UserID, &ev.CorrelationID, &ev.SourceAgent,
			&ev.Payload, &ev.CreatedAt, &status, &ev.Attempts, &ev.MaxAttempts, &ev.Error,
			&ev.RunAfter, &claimedAt, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		ev.Type = events.Type(typ)
		ev.Status = outbox.Status(status)
		if claimedAt.Valid {
			ev.ClaimedAt = claimedAt.Time
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// prefixed qualifies every column in a comma separated list with p.
func prefixed(p, cols string) string {
	parts := strings.Split(cols, ", ")
	for i := range parts {
		parts[i] = p + parts[i]
	}
	return strings.Join(parts, ", ")
}
