// Package outbox defines the durable event queue shared by ingestion, agents
// and workers. Backends live under internal/storage.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/kos/internal/events"
)

var (
	// ErrNotFound is returned when no event has the requested id.
	ErrNotFound = errors.New("outbox event not found")
	// ErrNotProcessing is returned by MarkFailed and MarkDead when the event
	// is not currently claimed.
	ErrNotProcessing = errors.New("outbox event is not processing")
	// ErrNotFailed is returned by RetryFailed for events that are not failed.
	ErrNotFailed = errors.New("outbox event is not failed")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Event is a persisted queue row.
//
// Invariants: Status == StatusFailed implies Attempts >= MaxAttempts, and
// Attempts only decreases through RetryFailed.
type Event struct {
	ID            string
	Type          events.Type
	TenantID      string
	UserID        string
	CorrelationID string
	SourceAgent   string
	Payload       []byte
	CreatedAt     time.Time
	Status        Status
	Attempts      int
	MaxAttempts   int
	Error         string
	RunAfter      time.Time
	ClaimedAt     time.Time
	UpdatedAt     time.Time
}

// FromEnvelope converts an in-flight envelope into a pending row.
func FromEnvelope(env events.Envelope) (Event, error) {
	if err := env.Validate(); err != nil {
		return Event{}, err
	}
	payload, err := events.EncodePayload(env.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            env.ID,
		Type:          env.Type(),
		TenantID:      env.TenantID,
		UserID:        env.UserID,
		CorrelationID: env.CorrelationID,
		SourceAgent:   env.SourceAgent,
		Payload:       payload,
		CreatedAt:     env.CreatedAt,
		Status:        StatusPending,
	}, nil
}

// Envelope decodes the row back into its typed form.
func (e Event) Envelope() (events.Envelope, error) {
	p, err := events.DecodePayload(e.Type, e.Payload)
	if err != nil {
		return events.Envelope{}, err
	}
	return events.Envelope{
		ID:            e.ID,
		TenantID:      e.TenantID,
		UserID:        e.UserID,
		Payload:       p,
		CreatedAt:     e.CreatedAt,
		CorrelationID: e.CorrelationID,
		SourceAgent:   e.SourceAgent,
	}, nil
}

// Queue is the outbox contract. Every backend must let concurrent callers of
// Dequeue claim disjoint sets of events.
type Queue interface {
	// Enqueue appends ev as pending with zero attempts.
	Enqueue(ctx context.Context, ev Event) error

	// Dequeue claims up to limit pending events that are due, optionally
	// restricted to types, oldest first. Claimed events move to processing
	// and have their attempts incremented.
	Dequeue(ctx context.Context, limit int, types ...events.Type) ([]Event, error)

	// MarkComplete resolves a claimed event. Completing an already
	// completed event is a no-op; any other status yields ErrNotProcessing.
	MarkComplete(ctx context.Context, id string) error

	// MarkFailed records reason and either schedules a retry or, once
	// attempts reach max_attempts, fails the event terminally.
	MarkFailed(ctx context.Context, id string, reason string) error

	// MarkDead fails a claimed event terminally regardless of attempts.
	MarkDead(ctx context.Context, id string, reason string) error

	// FailedEvents lists terminally failed events, newest first. An empty
	// tenantID matches every tenant.
	FailedEvents(ctx context.Context, tenantID string, limit int) ([]Event, error)

	// RetryFailed resets a failed event to pending with zero attempts.
	RetryFailed(ctx context.Context, id string) error

	// ReclaimStale releases events stuck in processing for longer than
	// lease and returns how many were released.
	ReclaimStale(ctx context.Context, lease time.Duration) (int, error)

	Get(ctx context.Context, id string) (Event, error)
	PendingCount(ctx context.Context, types ...events.Type) (int, error)
	Counts(ctx context.Context) (map[Status]int, error)
}
