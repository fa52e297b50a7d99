// Package worker drains the outbox and dispatches events to agents.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/kos/internal/agent"
	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 10
	defaultConcurrency  = 4
	defaultLeaseTimeout = 5 * time.Minute
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	// LeaseTimeout is how long a claimed event may stay in processing
	// before the reaper hands it to another worker.
	LeaseTimeout time.Duration
	// ReapInterval of zero defaults to LeaseTimeout / 2. Negative disables
	// the reaper.
	ReapInterval time.Duration
	Name         string
	// FilterTypes restricts Dequeue to the types the configured agents
	// consume. Set when this worker runs a subset of the agents.
	FilterTypes bool
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaultLeaseTimeout
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = c.LeaseTimeout / 2
	}
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// Worker polls the outbox, claims batches of due events and runs them on a
// bounded goroutine pool.
type Worker struct {
	queue      outbox.Queue
	dispatcher *Dispatcher
	pool       *ants.Pool
	types      []events.Type
	cfg        Config
	logger     *slog.Logger
}

// New builds a worker over agents. Close releases its pool.
func New(queue outbox.Queue, ledger JobLedger, agents []agent.Agent, cfg Config, logger *slog.Logger) (*Worker, error) {
	if len(agents) == 0 {
		return nil, errors.New("worker needs at least one agent")
	}
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker", cfg.Name)

	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	w := &Worker{
		queue:      queue,
		dispatcher: NewDispatcher(agents, ledger, agent.NewEmitter(queue), cfg.Name, logger),
		pool:       pool,
		cfg:        cfg,
		logger:     logger,
	}
	if cfg.FilterTypes {
		w.types = agent.ConsumedTypes(agents)
	}
	return w, nil
}

func (w *Worker) Close() {
	w.pool.Release()
}

// Run polls until ctx is cancelled. Events already claimed when ctx ends are
// still resolved.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		"concurrency", w.cfg.Concurrency, "batch", w.cfg.BatchSize, "types", outbox.TypeStrings(w.types))

	var reaper sync.WaitGroup
	if w.cfg.ReapInterval > 0 {
		reaper.Add(1)
		go func() {
			defer reaper.Done()
			w.reap(ctx)
		}()
	}

	for {
		if ctx.Err() != nil {
			break
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}

	reaper.Wait()
	w.logger.Info("worker stopped")
}

// RunOnce claims one batch and processes it to completion. It returns the
// number of events claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	batch, err := w.queue.Dequeue(ctx, w.cfg.BatchSize, w.types...)
	if err != nil {
		return 0, fmt.Errorf("claiming events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	// Claimed events must be resolved even if the caller is shutting down.
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, ev := range batch {
		wg.Add(1)
		err := w.pool.Submit(func() {
			defer wg.Done()
			w.handle(work, ev)
		})
		if err != nil {
			wg.Done()
			w.logger.Error("submitting event", "event_id", ev.ID, "error", err)
			w.resolve(work, ev, err)
		}
	}
	wg.Wait()
	return len(batch), nil
}

func (w *Worker) handle(ctx context.Context, ev outbox.Event) {
	start := time.Now()
	err := w.dispatcher.Dispatch(ctx, ev)
	w.resolve(ctx, ev, err)
	w.logger.Debug("event handled",
		"event_id", ev.ID,
		"type", ev.Type,
		"correlation_id", ev.CorrelationID,
		"attempt", ev.Attempts,
		"duration", time.Since(start),
	)
}

func (w *Worker) resolve(ctx context.Context, ev outbox.Event, err error) {
	log := w.logger.With("event_id", ev.ID, "type", ev.Type, "correlation_id", ev.CorrelationID)

	var rerr error
	switch {
	case err == nil:
		rerr = w.queue.MarkComplete(ctx, ev.ID)
	case !agent.IsPermanent(err):
		log.Warn("event failed", "attempt", ev.Attempts, "max_attempts", ev.MaxAttempts, "error", err)
		rerr = w.queue.MarkFailed(ctx, ev.ID, err.Error())
	default:
		log.Error("event failed permanently", "error", err)
		rerr = w.queue.MarkDead(ctx, ev.ID, err.Error())
	}
	if rerr != nil {
		log.Error("resolving event", "error", rerr)
	}
}
