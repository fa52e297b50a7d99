package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kos/internal/agent"
	"github.com/kalambet/kos/internal/engine"
	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
)

type stubAgent struct {
	id       string
	consumes []events.Type

	mu    sync.Mutex
	calls int
	fn    func(call int, env events.Envelope) ([]events.Envelope, error)
}

func (a *stubAgent) ID() string              { return a.id }
func (a *stubAgent) Consumes() []events.Type { return a.consumes }
func (a *stubAgent) JobType() events.JobType { return events.JobType("STUB") }

func (a *stubAgent) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *stubAgent) set(fn func(int, events.Envelope) ([]events.Envelope, error)) {
	a.mu.Lock()
	a.fn = fn
	a.mu.Unlock()
}

func (a *stubAgent) Process(_ context.Context, env events.Envelope) ([]events.Envelope, error) {
	a.mu.Lock()
	a.calls++
	call, fn := a.calls, a.fn
	a.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(call, env)
}

func stub(id string, consumes ...events.Type) *stubAgent {
	return &stubAgent{id: id, consumes: consumes}
}

type fixture struct {
	store *storage.Store
	queue *storage.Outbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{
		store: s,
		queue: storage.NewOutbox(s, outbox.Policy{MaxAttempts: 3}),
	}
}

func (f *fixture) worker(t *testing.T, cfg Config, agents ...agent.Agent) *Worker {
	t.Helper()
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = -1
	}
	if cfg.Name == "" {
		cfg.Name = "test-worker"
	}
	w, err := New(f.queue, f.store, agents, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func (f *fixture) enqueue(t *testing.T, p events.Payload) events.Envelope {
	t.Helper()
	env := events.New("t1", "u1", "test", p)
	ev, err := outbox.FromEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(context.Background(), ev))
	return env
}

func (f *fixture) event(t *testing.T, id string) outbox.Event {
	t.Helper()
	ev, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func (f *fixture) job(t *testing.T, eventID, agentID string) *events.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), eventID, agentID)
	require.NoError(t, err)
	return j
}

var errFlaky = errors.New("connection reset")

func TestNewRequiresAgents(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.queue, f.store, nil, Config{}, nil)
	assert.Error(t, err)
}

func TestFanOutToEveryMatchingAgent(t *testing.T) {
	f := newFixture(t)
	a, b := stub("a", events.TypeItemUpserted), stub("b", events.TypeItemUpserted)
	other := stub("other", events.TypePassagesCreated)
	w := f.worker(t, Config{}, a, b, other)
	env := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Zero(t, other.Calls())
	assert.Equal(t, outbox.StatusCompleted, f.event(t, env.ID).Status)

	jobs, err := f.store.JobsForEvent(context.Background(), env.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, events.JobCompleted, j.Status)
		assert.Equal(t, env.CorrelationID, j.CorrelationID)
		assert.Equal(t, "test-worker", j.AssignedWorker)
	}
}

func TestEmittedEventsAreEnqueued(t *testing.T) {
	f := newFixture(t)
	a := stub("a", events.TypeItemUpserted)
	a.set(func(_ int, env events.Envelope) ([]events.Envelope, error) {
		return []events.Envelope{env.Derive("a", events.PassagesCreated{ItemID: "i1", PassageIDs: []string{"p1"}})}, nil
	})
	w := f.worker(t, Config{}, a)
	root := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	n, err := f.queue.PendingCount(context.Background(), events.TypePassagesCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := f.queue.Dequeue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, root.CorrelationID, claimed[0].CorrelationID)
	assert.Equal(t, "a", claimed[0].SourceAgent)
}

func TestTransientRetryRerunsOnlyFailedAgent(t *testing.T) {
	f := newFixture(t)
	ok := stub("ok", events.TypeItemUpserted)
	flaky := stub("flaky", events.TypeItemUpserted)
	flaky.set(func(call int, _ events.Envelope) ([]events.Envelope, error) {
		if call == 1 {
			return nil, errFlaky
		}
		return nil, nil
	})
	w := f.worker(t, Config{}, ok, flaky)
	env := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})
	ctx := context.Background()

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	ev := f.event(t, env.ID)
	assert.Equal(t, outbox.StatusPending, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Contains(t, ev.Error, "connection reset")
	assert.Equal(t, events.JobCompleted, f.job(t, env.ID, "ok").Status)
	assert.Equal(t, events.JobPending, f.job(t, env.ID, "flaky").Status)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusCompleted, f.event(t, env.ID).Status)
	assert.Equal(t, 1, ok.Calls(), "completed agent is not re-run")
	assert.Equal(t, 2, flaky.Calls())
	assert.Equal(t, 2, f.job(t, env.ID, "flaky").Attempts)
}

func TestRetryExhaustionFailsEvent(t *testing.T) {
	f := newFixture(t)
	a := stub("a", events.TypeItemUpserted)
	a.set(func(int, events.Envelope) ([]events.Envelope, error) { return nil, errFlaky })
	w := f.worker(t, Config{}, a)
	env := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})
	ctx := context.Background()

	for range 3 {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed events are not claimed again")

	ev := f.event(t, env.ID)
	assert.Equal(t, outbox.StatusFailed, ev.Status)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, 3, a.Calls())
	assert.Equal(t, events.JobFailed, f.job(t, env.ID, "a").Status)

	failed, err := f.queue.FailedEvents(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, env.ID, failed[0].ID)
}

func TestPermanentFailureMarksEventDead(t *testing.T) {
	f := newFixture(t)
	a := stub("a", events.TypeItemUpserted)
	a.set(func(int, events.Envelope) ([]events.Envelope, error) {
		return nil, agent.Permanent(errors.New("item gone"))
	})
	w := f.worker(t, Config{}, a)
	env := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	ev := f.event(t, env.ID)
	assert.Equal(t, outbox.StatusFailed, ev.Status)
	assert.Equal(t, ev.MaxAttempts, ev.Attempts)
	assert.Contains(t, ev.Error, "item gone")
	assert.Equal(t, events.JobFailed, f.job(t, env.ID, "a").Status)
}

func TestMixedFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	dead := stub("dead", events.TypeItemUpserted)
	dead.set(func(int, events.Envelope) ([]events.Envelope, error) {
		return nil, agent.Permanent(errors.New("bad payload"))
	})
	flaky := stub("flaky", events.TypeItemUpserted)
	flaky.set(func(call int, _ events.Envelope) ([]events.Envelope, error) {
		if call == 1 {
			return nil, errFlaky
		}
		return nil, nil
	})
	w := f.worker(t, Config{}, dead, flaky)
	env := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})
	ctx := context.Background()

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, f.event(t, env.ID).Status)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	ev := f.event(t, env.ID)
	assert.Equal(t, outbox.StatusFailed, ev.Status, "remaining permanent failure kills the event")
	assert.Equal(t, 1, dead.Calls(), "permanently failed agent is not re-run")
	assert.Equal(t, 2, flaky.Calls())
}

func TestOperatorRetryReopensFailedJobs(t *testing.T) {
	f := newFixture(t)
	a := stub("a", events.TypeItemUpserted)
	a.set(func(int, events.Envelope) ([]events.Envelope, error) {
		return nil, agent.Permanent(errors.New("model missing"))
	})
	w := f.worker(t, Config{}, a)
	env := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})
	ctx := context.Background()

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, f.event(t, env.ID).Status)

	a.set(nil)
	require.NoError(t, f.queue.RetryFailed(ctx, env.ID))
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, outbox.StatusCompleted, f.event(t, env.ID).Status)
	assert.Equal(t, 2, a.Calls())
	j := f.job(t, env.ID, "a")
	assert.Equal(t, events.JobCompleted, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestEventWithoutMatchingAgentCompletes(t *testing.T) {
	f := newFixture(t)
	a := stub("a", events.TypeItemUpserted)
	w := f.worker(t, Config{}, a)
	env := f.enqueue(t, events.TextIndexed{PassageIDs: []string{"p1"}})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, outbox.StatusCompleted, f.event(t, env.ID).Status)
	assert.Zero(t, a.Calls())
}

func TestFilterTypesLeavesOtherEventsPending(t *testing.T) {
	f := newFixture(t)
	a := stub("a", events.TypeItemUpserted)
	w := f.worker(t, Config{FilterTypes: true}, a)
	other := f.enqueue(t, events.TextIndexed{PassageIDs: []string{"p1"}})
	mine := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, outbox.StatusCompleted, f.event(t, mine.ID).Status)
	assert.Equal(t, outbox.StatusPending, f.event(t, other.ID).Status)
}

func TestReaperReleasesStaleClaims(t *testing.T) {
	f := newFixture(t)
	a := stub("a", events.TypeItemUpserted)
	w := f.worker(t, Config{LeaseTimeout: time.Millisecond}, a)
	env := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})
	ctx := context.Background()

	// Claim as if by a worker that crashed.
	claimed, err := f.queue.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	time.Sleep(5 * time.Millisecond)

	n, err := w.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusCompleted, f.event(t, env.ID).Status)
	assert.Equal(t, 1, a.Calls())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	a := stub("a", events.TypeItemUpserted)
	w := f.worker(t, Config{PollInterval: 5 * time.Millisecond, ReapInterval: 5 * time.Millisecond}, a)
	env := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.event(t, env.ID).Status == outbox.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type embedEngine struct {
	engine.Engine
}

func (embedEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := graph.New(f.store.DB())
	agents := []agent.Agent{
		agent.NewChunker(f.store, f.store),
		agent.NewEntityExtractor(f.store, f.store, g, f.store),
		agent.NewEmbedder(f.store, retrieval.NewEmbedder(embedEngine{}, "nomic-embed-text"), retrieval.NewSQLiteStore(f.store.DB()), f.store),
		agent.NewTextIndexer(f.store, retrieval.NewFTSIndex(f.store.DB()), f.store),
		agent.NewEntityPageScheduler(f.store),
		agent.NewEntityPageBuilder(f.store, g, f.store, f.store),
	}
	w := f.worker(t, Config{Concurrency: 2}, agents...)

	require.NoError(t, f.store.UpsertItem(ctx, storage.Item{
		ID: "i1", TenantID: "t1", UserID: "u1", Source: storage.SourceAPI, Title: "Notes",
		ContentText: "Ada Lovelace said the engine could compose music. Researchers at Stanford University published it.",
	}))
	root := f.enqueue(t, events.ItemUpserted{ItemID: "i1"})

	for i := 0; i < 20; i++ {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	counts, err := f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[outbox.StatusPending])
	assert.Zero(t, counts[outbox.StatusFailed])

	ada, err := f.store.FindEntity(ctx, "t1", "Ada Lovelace")
	require.NoError(t, err)
	page, err := f.store.GetArtifact(ctx, storage.EntityPageID(ada.ID))
	require.NoError(t, err)
	assert.Contains(t, page.Text, "# Ada Lovelace")

	actions, err := f.store.ListActions(ctx, storage.ActionFilter{CorrelationID: root.CorrelationID})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, a := range actions {
		seen[a.AgentID] = true
	}
	for _, id := range []string{
		agent.IDChunk, agent.IDEntityExtract, agent.IDEmbed,
		agent.IDIndexText, agent.IDPageScheduler, agent.IDEntityPage,
	} {
		assert.True(t, seen[id], "no action recorded for %s", id)
	}
}
