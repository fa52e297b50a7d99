// Package outboxtest holds the behavioural suite every outbox.Queue backend
// must pass.
package outboxtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
)

// Factory returns an empty queue configured with p. Cleanup is registered
// on t by the factory.
type Factory func(t *testing.T, p outbox.Policy) outbox.Queue

// Run executes the suite against queues produced by newQueue.
func Run(t *testing.T, newQueue Factory) {
	immediate := outbox.Policy{MaxAttempts: 3}

	t.Run("EnqueueDequeueFIFO", func(t *testing.T) {
		q := newQueue(t, immediate)
		ctx := context.Background()
		ids := enqueueN(t, q, "t1", 3, events.TypeItemUpserted)

		got, err := q.Dequeue(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[0], got[0].ID)
		assert.Equal(t, ids[1], got[1].ID)
		for _, ev := range got {
			assert.Equal(t, outbox.StatusProcessing, ev.Status)
			assert.Equal(t, 1, ev.Attempts)
			assert.False(t, ev.ClaimedAt.IsZero())
		}

		n, err := q.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("PayloadSurvivesRoundTrip", func(t *testing.T) {
		q := newQueue(t, immediate)
		ctx := context.Background()
		env := events.New("t1", "u1", "chunk_agent", events.PassagesCreated{ItemID: "i1", PassageIDs: []string{"p1", "p2"}})
		ev, err := outbox.FromEnvelope(env)
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, ev))

		got, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		back, err := got[0].Envelope()
		require.NoError(t, err)
		assert.Equal(t, env.Payload, back.Payload)
		assert.Equal(t, env.CorrelationID, back.CorrelationID)
		assert.Equal(t, "u1", back.UserID)
		assert.Equal(t, "chunk_agent", back.SourceAgent)
		assert.Equal(t, outbox.DefaultMaxAttempts, got[0].MaxAttempts)
	})

	t.Run("DuplicateEnqueueRejected", func(t *testing.T) {
		q := newQueue(t, immediate)
		ev := newEvent("t1", events.TypeItemUpserted, time.Now())
		require.NoError(t, q.Enqueue(context.Background(), ev))
		assert.Error(t, q.Enqueue(context.Background(), ev))
	})

	t.Run("TypeFilter", func(t *testing.T) {
		q := newQueue(t, immediate)
		ctx := context.Background()
		enqueueN(t, q, "t1", 2, events.TypeItemUpserted)
		want := enqueueN(t, q, "t1", 1, events.TypeEntityPageDirty)

		got, err := q.Dequeue(ctx, 10, events.TypeEntityPageDirty)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want[0], got[0].ID)

		n, err := q.PendingCount(ctx, events.TypeItemUpserted)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("RetryExhaustion", func(t *testing.T) {
		q := newQueue(t, immediate)
		ctx := context.Background()
		id := enqueueN(t, q, "t1", 1, events.TypeItemUpserted)[0]

		for i := 1; i < immediate.MaxAttempts; i++ {
			claimed, err := q.Dequeue(ctx, 1)
			require.NoError(t, err)
			require.Len(t, claimed, 1, "attempt %d", i)

			require.NoError(t, q.MarkFailed(ctx, id, fmt.Sprintf("boom %d", i)))
			ev, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, outbox.StatusPending, ev.Status)
			assert.Equal(t, i, ev.Attempts)
			assert.Equal(t, fmt.Sprintf("boom %d", i), ev.Error)
		}

		_, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, q.MarkFailed(ctx, id, "final"))

		ev, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, ev.Status)
		assert.Equal(t, immediate.MaxAttempts, ev.Attempts)
		assert.Equal(t, "final", ev.Error)

		again, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("BackoffDelaysReclaim", func(t *testing.T) {
		q := newQueue(t, outbox.Policy{MaxAttempts: 3, BackoffBase: time.Hour})
		ctx := context.Background()
		id := enqueueN(t, q, "t1", 1, events.TypeItemUpserted)[0]

		_, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, q.MarkFailed(ctx, id, "transient"))

		ev, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, ev.Status)
		assert.True(t, ev.RunAfter.After(time.Now().Add(30*time.Minute)), "run_after = %v", ev.RunAfter)

		got, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("MarkCompleteIdempotent", func(t *testing.T) {
		q := newQueue(t, immediate)
		ctx := context.Background()
		id := enqueueN(t, q, "t1", 1, events.TypeItemUpserted)[0]

		_, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, q.MarkComplete(ctx, id))
		require.NoError(t, q.MarkComplete(ctx, id))

		ev, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusCompleted, ev.Status)
		assert.Empty(t, ev.Error)

		assert.ErrorIs(t, q.MarkComplete(ctx, "missing"), outbox.ErrNotFound)
	})

	t.Run("MarkCompleteRequiresClaim", func(t *testing.T) {
		q := newQueue(t, outbox.Policy{MaxAttempts: 1})
		ctx := context.Background()
		id := enqueueN(t, q, "t1", 1, events.TypeItemUpserted)[0]

		assert.ErrorIs(t, q.MarkComplete(ctx, id), outbox.ErrNotProcessing, "pending")

		_, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, q.MarkFailed(ctx, id, "boom"))
		assert.ErrorIs(t, q.MarkComplete(ctx, id), outbox.ErrNotProcessing, "failed")

		ev, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, ev.Status)
		assert.Equal(t, "boom", ev.Error)
	})

	t.Run("MarkFailedRequiresClaim", func(t *testing.T) {
		q := newQueue(t, immediate)
		ctx := context.Background()
		id := enqueueN(t, q, "t1", 1, events.TypeItemUpserted)[0]

		assert.ErrorIs(t, q.MarkFailed(ctx, id, "x"), outbox.ErrNotProcessing)
		assert.ErrorIs(t, q.MarkFailed(ctx, "missing", "x"), outbox.ErrNotFound)
	})

	t.Run("MarkDeadKeepsInvariant", func(t *testing.T) {
		q := newQueue(t, outbox.Policy{MaxAttempts: 5})
		ctx := context.Background()
		id := enqueueN(t, q, "t1", 1, events.TypeItemUpserted)[0]

		_, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, q.MarkDead(ctx, id, "item not found"))

		ev, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, ev.Status)
		assert.GreaterOrEqual(t, ev.Attempts, ev.MaxAttempts)
		assert.Equal(t, "item not found", ev.Error)
	})

	t.Run("FailedEventsAndRetry", func(t *testing.T) {
		q := newQueue(t, outbox.Policy{MaxAttempts: 1})
		ctx := context.Background()
		a := enqueueN(t, q, "tenant-a", 1, events.TypeItemUpserted)[0]
		b := enqueueN(t, q, "tenant-b", 1, events.TypeItemUpserted)[0]

		claimed, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.NoError(t, q.MarkFailed(ctx, a, "a failed"))
		require.NoError(t, q.MarkFailed(ctx, b, "b failed"))

		all, err := q.FailedEvents(ctx, "", 10)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		onlyA, err := q.FailedEvents(ctx, "tenant-a", 10)
		require.NoError(t, err)
		require.Len(t, onlyA, 1)
		assert.Equal(t, a, onlyA[0].ID)

		require.NoError(t, q.RetryFailed(ctx, a))
		ev, err := q.Get(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, ev.Status)
		assert.Equal(t, 0, ev.Attempts)

		assert.ErrorIs(t, q.RetryFailed(ctx, a), outbox.ErrNotFailed)
		assert.ErrorIs(t, q.RetryFailed(ctx, "missing"), outbox.ErrNotFound)

		again, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, a, again[0].ID)
	})

	t.Run("ReclaimStale", func(t *testing.T) {
		q := newQueue(t, outbox.Policy{MaxAttempts: 2})
		ctx := context.Background()
		id := enqueueN(t, q, "t1", 1, events.TypeItemUpserted)[0]

		_, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)

		n, err := q.ReclaimStale(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "fresh claims are not stale")

		time.Sleep(20 * time.Millisecond)
		n, err = q.ReclaimStale(ctx, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ev, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, ev.Status)
		assert.Equal(t, 1, ev.Attempts)

		_, err = q.Dequeue(ctx, 1)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		n, err = q.ReclaimStale(ctx, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ev, err = q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, ev.Status, "exhausted leases fail terminally")
		assert.Equal(t, 2, ev.Attempts)
	})

	t.Run("ConcurrentClaimsAreDisjoint", func(t *testing.T) {
		q := newQueue(t, immediate)
		ctx := context.Background()
		const total = 40
		enqueueN(t, q, "t1", total, events.TypeItemUpserted)

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, err := q.Dequeue(ctx, 3)
					if err != nil {
						t.Errorf("dequeue: %v", err)
						return
					}
					if len(got) == 0 {
						return
					}
					mu.Lock()
					for _, ev := range got {
						seen[ev.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "event %s claimed %d times", id, n)
		}
	})

	t.Run("Counts", func(t *testing.T) {
		q := newQueue(t, outbox.Policy{MaxAttempts: 1})
		ctx := context.Background()
		ids := enqueueN(t, q, "t1", 3, events.TypeItemUpserted)

		_, err := q.Dequeue(ctx, 2)
		require.NoError(t, err)
		require.NoError(t, q.MarkComplete(ctx, ids[0]))
		require.NoError(t, q.MarkFailed(ctx, ids[1], "x"))

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[outbox.StatusPending])
		assert.Equal(t, 0, counts[outbox.StatusProcessing])
		assert.Equal(t, 1, counts[outbox.StatusCompleted])
		assert.Equal(t, 1, counts[outbox.StatusFailed])
	})
}

func newEvent(tenant string, t events.Type, createdAt time.Time) outbox.Event {
	var p events.Payload
	switch t {
	case events.TypeEntityPageDirty:
		p = events.EntityPageDirty{EntityID: "e1"}
	default:
		p = events.ItemUpserted{ItemID: "item-1"}
	}
	env := events.New(tenant, "u1", "test", p)
	env.CreatedAt = createdAt
	ev, err := outbox.FromEnvelope(env)
	if err != nil {
		panic(err)
	}
	return ev
}

// enqueueN enqueues n events with strictly increasing creation times and
// returns their ids in that order.
func enqueueN(t *testing.T, q outbox.Queue, tenant string, n int, typ events.Type) []string {
	t.Helper()
	base := time.Now().Add(-time.Minute)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ev := newEvent(tenant, typ, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, q.Enqueue(context.Background(), ev))
		ids[i] = ev.ID
	}
	return ids
}
