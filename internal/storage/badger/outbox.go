// Package badger is an embedded, single-process outbox backed by BadgerDB.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
)

var _ outbox.Queue = (*Outbox)(nil)

// ErrDuplicate is returned by Enqueue when the event id already exists.
var ErrDuplicate = errors.New("outbox event already exists")

const (
	eventPrefix      = "ev:"
	pendingPrefix    = "pq:"
	processingPrefix = "pr:"

	maxConflictRetries = 32
)

type loggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*loggerAdapter)(nil)

func (l *loggerAdapter) Errorf(msg string, items ...any) {
	l.logger.Error(fmt.Sprintf(msg, items...))
}

func (l *loggerAdapter) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}

// Badger is chatty at info level.
func (l *loggerAdapter) Infof(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

func (l *loggerAdapter) Debugf(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

// Outbox keeps one JSON record per event plus two key-only indexes: pending
// events ordered by creation time and processing events by id. Claims are
// optimistic transactions; a conflicting commit is retried.
type Outbox struct {
	db     *badger.DB
	policy outbox.Policy
	now    func() time.Time
	logger *slog.Logger
}

// Open opens the database at dir, or an in-memory one when dir is empty.
func Open(dir string, p outbox.Policy, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger_outbox")

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating badger directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &loggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &Outbox{db: db, policy: p, now: func() time.Time { return time.Now().UTC() }, logger: logger}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

type record struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	CorrelationID string    `json:"correlation_id"`
	SourceAgent   string    `json:"source_agent"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Error         string    `json:"error"`
	RunAfter      time.Time `json:"run_after"`
	ClaimedAt     time.Time `json:"claimed_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toRecord(ev outbox.Event) record {
	return record{
		ID: ev.ID, Type: string(ev.Type), TenantID: ev.TenantID, UserID: ev.UserID,
		CorrelationID: ev.CorrelationID, SourceAgent: ev.SourceAgent, Payload: ev.Payload,
		CreatedAt: ev.CreatedAt, Status: string(ev.Status), Attempts: ev.Attempts,
		MaxAttempts: ev.MaxAttempts, Error: ev.Error, RunAfter: ev.RunAfter,
		ClaimedAt: ev.ClaimedAt, UpdatedAt: ev.UpdatedAt,
	}
}

func (r record) event() outbox.Event {
	return outbox.Event{
		ID: r.ID, Type: events.Type(r.Type), TenantID: r.TenantID, UserID: r.UserID,
		CorrelationID: r.CorrelationID, SourceAgent: r.SourceAgent, Payload: r.Payload,
		CreatedAt: r.CreatedAt, Status: outbox.Status(r.Status), Attempts: r.Attempts,
		MaxAttempts: r.MaxAttempts, Error: r.Error, RunAfter: r.RunAfter,
		ClaimedAt: r.ClaimedAt, UpdatedAt: r.UpdatedAt,
	}
}

func eventKey(id string) []byte      { return []byte(eventPrefix + id) }
func processingKey(id string) []byte { return []byte(processingPrefix + id) }

// pendingKey sorts by creation time; the id breaks ties.
func pendingKey(r record) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", pendingPrefix, r.CreatedAt.UnixNano(), r.ID))
}

// update runs fn in a read-write transaction, retrying when another claim
// committed first.
func (o *Outbox) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := o.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxConflictRetries {
			return fmt.Errorf("badger outbox: giving up after %d conflicts: %w", attempt+1, err)
		}
		o.logger.Debug("transaction conflict, retrying", "attempt", attempt+1)
	}
}

func getRecord(txn *badger.Txn, id string) (record, error) {
	item, err := txn.Get(eventKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, outbox.ErrNotFound
	}
	if err != nil {
		return record{}, err
	}
	var r record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	return r, err
}

func putRecord(txn *badger.Txn, r record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return txn.Set(eventKey(r.ID), b)
}

// move rewrites r and keeps the status indexes consistent with from -> r.Status.
func move(txn *badger.Txn, from outbox.Status, r record) error {
	switch from {
	case outbox.StatusPending:
		if err := txn.Delete(pendingKey(r)); err != nil {
			return err
		}
	case outbox.StatusProcessing:
		if err := txn.Delete(processingKey(r.ID)); err != nil {
			return err
		}
	}
	switch outbox.Status(r.Status) {
	case outbox.StatusPending:
		if err := txn.Set(pendingKey(r), nil); err != nil {
			return err
		}
	case outbox.StatusProcessing:
		if err := txn.Set(processingKey(r.ID), nil); err != nil {
			return err
		}
	}
	return putRecord(txn, r)
}

// idsWithPrefix returns the ids encoded as the final ':' segment of each key
// under prefix, in key order.
func idsWithPrefix(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		idx := bytes.LastIndexByte(key, ':')
		ids = append(ids, string(key[idx+1:]))
	}
	return ids
}

func (o *Outbox) Enqueue(ctx context.Context, ev outbox.Event) error {
	o.policy.Normalize(&ev, o.now())
	r := toRecord(ev)
	return o.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(eventKey(r.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return move(txn, "", r)
	})
}

func (o *Outbox) Dequeue(ctx context.Context, limit int, types ...events.Type) ([]outbox.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []outbox.Event
	err := o.update(ctx, func(txn *badger.Txn) error {
		claimed = claimed[:0]
		now := o.now()
		for _, id := range idsWithPrefix(txn, pendingPrefix) {
			if len(claimed) == limit {
				break
			}
			r, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			if r.RunAfter.After(now) {
				continue
			}
			if len(types) > 0 && !slices.Contains(types, events.Type(r.Type)) {
				continue
			}
			r.Status = string(outbox.StatusProcessing)
			r.Attempts++
			r.ClaimedAt = now
			r.UpdatedAt = now
			if err := move(txn, outbox.StatusPending, r); err != nil {
				return err
			}
			claimed = append(claimed, r.event())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming events: %w", err)
	}
	return claimed, nil
}

func (o *Outbox) MarkComplete(ctx context.Context, id string) error {
	return o.update(ctx, func(txn *badger.Txn) error {
		r, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		from := outbox.Status(r.Status)
		if from != outbox.StatusProcessing && from != outbox.StatusCompleted {
			return fmt.Errorf("%w: %s is %s", outbox.ErrNotProcessing, id, r.Status)
		}
		r.Status = string(outbox.StatusCompleted)
		r.Error = ""
		r.ClaimedAt = time.Time{}
		r.UpdatedAt = o.now()
		return move(txn, from, r)
	})
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, reason string) error {
	return o.fail(ctx, id, reason, false)
}

func (o *Outbox) MarkDead(ctx context.Context, id string, reason string) error {
	return o.fail(ctx, id, reason, true)
}

func (o *Outbox) fail(ctx context.Context, id, reason string, dead bool) error {
	return o.update(ctx, func(txn *badger.Txn) error {
		r, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if outbox.Status(r.Status) != outbox.StatusProcessing {
			return fmt.Errorf("%w: %s is %s", outbox.ErrNotProcessing, id, r.Status)
		}
		now := o.now()
		r.Error = reason
		r.ClaimedAt = time.Time{}
		r.UpdatedAt = now
		if dead || r.Attempts >= r.MaxAttempts {
			r.Status = string(outbox.StatusFailed)
			r.Attempts = max(r.Attempts, r.MaxAttempts)
		} else {
			r.Status = string(outbox.StatusPending)
			r.RunAfter = now.Add(o.policy.Delay(r.Attempts))
		}
		return move(txn, outbox.StatusProcessing, r)
	})
}

// scan decodes every record accepted by keep.
func (o *Outbox) scan(keep func(r record) bool) ([]record, error) {
	var out []record
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var r record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			if keep(r) {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func (o *Outbox) FailedEvents(ctx context.Context, tenantID string, limit int) ([]outbox.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	recs, err := o.scan(func(r record) bool {
		return outbox.Status(r.Status) == outbox.StatusFailed && (tenantID == "" || r.TenantID == tenantID)
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(recs, func(a, b record) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]outbox.Event, len(recs))
	for i, r := range recs {
		out[i] = r.event()
	}
	return out, nil
}

func (o *Outbox) RetryFailed(ctx context.Context, id string) error {
	return o.update(ctx, func(txn *badger.Txn) error {
		r, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if outbox.Status(r.Status) != outbox.StatusFailed {
			return fmt.Errorf("%w: %s", outbox.ErrNotFailed, id)
		}
		now := o.now()
		r.Status = string(outbox.StatusPending)
		r.Attempts = 0
		r.RunAfter = now
		r.UpdatedAt = now
		return move(txn, outbox.StatusFailed, r)
	})
}

func (o *Outbox) ReclaimStale(ctx context.Context, lease time.Duration) (int, error) {
	var n int
	err := o.update(ctx, func(txn *badger.Txn) error {
		n = 0
		now := o.now()
		cutoff := now.Add(-lease)
		for _, id := range idsWithPrefix(txn, processingPrefix) {
			r, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			if !r.ClaimedAt.Before(cutoff) {
				continue
			}
			if r.Attempts >= r.MaxAttempts {
				r.Status = string(outbox.StatusFailed)
			} else {
				r.Status = string(outbox.StatusPending)
			}
			r.Error = "lease expired"
			r.RunAfter = now
			r.ClaimedAt = time.Time{}
			r.UpdatedAt = now
			if err := move(txn, outbox.StatusProcessing, r); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (o *Outbox) Get(ctx context.Context, id string) (outbox.Event, error) {
	var ev outbox.Event
	err := o.db.View(func(txn *badger.Txn) error {
		r, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		ev = r.event()
		return nil
	})
	return ev, err
}

func (o *Outbox) PendingCount(ctx context.Context, types ...events.Type) (int, error) {
	recs, err := o.scan(func(r record) bool {
		return outbox.Status(r.Status) == outbox.StatusPending &&
			(len(types) == 0 || slices.Contains(types, events.Type(r.Type)))
	})
	return len(recs), err
}

func (o *Outbox) Counts(ctx context.Context) (map[outbox.Status]int, error) {
	counts := make(map[outbox.Status]int, len(outbox.Statuses))
	for _, st := range outbox.Statuses {
		counts[st] = 0
	}
	_, err := o.scan(func(r record) bool {
		counts[outbox.Status(r.Status)]++
		return false
	})
	return counts, err
}
