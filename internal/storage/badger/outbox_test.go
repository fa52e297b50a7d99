package badger

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/outbox/outboxtest"
)

func openTestOutbox(t *testing.T, p outbox.Policy) *Outbox {
	t.Helper()
	o, err := Open("", p, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func TestOutboxConformance(t *testing.T) {
	outboxtest.Run(t, func(t *testing.T, p outbox.Policy) outbox.Queue {
		return openTestOutbox(t, p)
	})
}

func TestIndexesFollowStatus(t *testing.T) {
	o := openTestOutbox(t, outbox.Policy{MaxAttempts: 2})
	ctx := context.Background()

	ev, err := outbox.FromEnvelope(events.New("t1", "u1", "test", events.ItemUpserted{ItemID: "i1"}))
	require.NoError(t, err)
	require.NoError(t, o.Enqueue(ctx, ev))
	assert.ErrorIs(t, o.Enqueue(ctx, ev), ErrDuplicate)

	countKeys := func(prefix string) int {
		var n int
		require.NoError(t, o.db.View(func(txn *badger.Txn) error {
			n = len(idsWithPrefix(txn, prefix))
			return nil
		}))
		return n
	}

	assert.Equal(t, 1, countKeys(pendingPrefix))
	assert.Equal(t, 0, countKeys(processingPrefix))

	_, err = o.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, countKeys(pendingPrefix))
	assert.Equal(t, 1, countKeys(processingPrefix))

	require.NoError(t, o.MarkComplete(ctx, ev.ID))
	assert.Equal(t, 0, countKeys(pendingPrefix))
	assert.Equal(t, 0, countKeys(processingPrefix))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	o, err := Open(dir, outbox.DefaultPolicy(), nil)
	require.NoError(t, err)
	ev, err := outbox.FromEnvelope(events.New("t1", "u1", "test", events.EntityPageDirty{EntityID: "e1"}))
	require.NoError(t, err)
	require.NoError(t, o.Enqueue(ctx, ev))
	require.NoError(t, o.Close())

	o, err = Open(dir, outbox.DefaultPolicy(), nil)
	require.NoError(t, err)
	defer o.Close()

	got, err := o.Dequeue(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	env, err := got[0].Envelope()
	require.NoError(t, err)
	assert.Equal(t, events.EntityPageDirty{EntityID: "e1"}, env.Payload)
}
