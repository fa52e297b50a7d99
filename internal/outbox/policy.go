package outbox

import (
	"time"

	"github.com/kalambet/kos/internal/events"
)

// DefaultMaxAttempts applies to events enqueued without a limit.
const DefaultMaxAttempts = 3

// Policy controls retry behaviour shared by every backend.
type Policy struct {
	MaxAttempts int
	// BackoffBase is the delay after the first failure. Zero retries
	// immediately.
	BackoffBase time.Duration
	// BackoffMax caps the delay. Zero means uncapped.
	BackoffMax time.Duration
}

// DefaultPolicy matches the worker defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Delay returns how long an event that has failed attempts times waits
// before it becomes claimable again: base * 2^(attempts-1), capped at max.
func (p Policy) Delay(attempts int) time.Duration {
	if p.BackoffBase <= 0 || attempts <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
		if d <= 0 {
			// overflow
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Normalize fills zero-valued fields of ev that enqueue must set.
func (p Policy) Normalize(ev *Event, now time.Time) {
	if ev.MaxAttempts <= 0 {
		ev.MaxAttempts = p.MaxAttempts
		if ev.MaxAttempts <= 0 {
			ev.MaxAttempts = DefaultMaxAttempts
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	if ev.RunAfter.IsZero() {
		ev.RunAfter = now
	}
	ev.RunAfter = ev.RunAfter.UTC()
	ev.Status = StatusPending
	ev.Attempts = 0
	ev.Error = ""
	ev.ClaimedAt = time.Time{}
	ev.UpdatedAt = now
}

// TypeStrings converts types for use as query arguments.
func TypeStrings(types []events.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
