package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/kos/internal/agent"
	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/storage"
)

// JobLedger persists one Job per (event, agent) delivery.
type JobLedger interface {
	GetJob(ctx context.Context, eventID, agentID string) (*events.Job, error)
	SaveJob(ctx context.Context, j *events.Job) error
}

// Dispatcher delivers one event to every agent that consumes its type.
// Agents whose job for the event already completed are skipped, so a retry
// only re-drives the agents that have not succeeded yet.
type Dispatcher struct {
	agents  []agent.Agent
	ledger  JobLedger
	emitter *agent.Emitter
	worker  string
	logger  *slog.Logger
}

func NewDispatcher(agents []agent.Agent, ledger JobLedger, emitter *agent.Emitter, workerName string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{agents: agents, ledger: ledger, emitter: emitter, worker: workerName, logger: logger}
}

// Dispatch runs the matching agents for ev. It returns nil when all of them
// have succeeded. The returned error is permanent only when every failing
// agent failed permanently.
func (d *Dispatcher) Dispatch(ctx context.Context, ev outbox.Event) error {
	env, err := ev.Envelope()
	if err != nil {
		return agent.Permanent(fmt.Errorf("decoding event %s: %w", ev.ID, err))
	}

	var (
		errs      []error
		transient bool
	)
	for _, a := range d.agents {
		if !agent.Handles(a, env.Type()) {
			continue
		}
		if err := d.deliver(ctx, a, ev, env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
			if !agent.IsPermanent(err) {
				transient = true
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if transient {
		return transientError{joined}
	}
	return joined
}

// transientError hides permanent causes when a sibling agent can still be
// retried, so the event is rescheduled rather than marked dead.
type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }

func (d *Dispatcher) deliver(ctx context.Context, a agent.Agent, ev outbox.Event, env events.Envelope) error {
	job, err := d.ledger.GetJob(ctx, ev.ID, a.ID())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		job = events.NewJob(a.JobType(), a.ID(), env, ev.MaxAttempts)
	case err != nil:
		return fmt.Errorf("loading job: %w", err)
	}

	log := d.logger.With("event_id", ev.ID, "agent", a.ID(), "job_id", job.ID)
	switch job.Status {
	case events.JobCompleted:
		log.Debug("agent already completed event, skipping")
		return nil
	case events.JobFailed, events.JobCancelled:
		// A fresh claim after an operator retry starts the agent over;
		// otherwise its earlier terminal failure stands.
		if ev.Attempts > 1 {
			return agent.Permanent(fmt.Errorf("failed on an earlier attempt: %s", job.Error))
		}
		job.Reopen(ev.MaxAttempts)
	case events.JobInProgress:
		// Left behind by a worker that died mid-delivery.
		job.Reopen(ev.MaxAttempts)
	default:
		if !job.CanRetry() {
			job.Reopen(ev.MaxAttempts)
		}
	}

	if err := job.Start(d.worker); err != nil {
		return err
	}
	if err := d.ledger.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("saving job: %w", err)
	}

	out, perr := a.Process(ctx, env)
	if perr == nil {
		perr = d.emitter.Emit(ctx, out...)
	}
	if perr != nil {
		if agent.IsPermanent(perr) {
			job.Attempts = job.MaxAttempts
		}
		if err := job.Fail(perr.Error()); err != nil {
			return errors.Join(perr, err)
		}
		if err := d.ledger.SaveJob(ctx, job); err != nil {
			log.Error("saving failed job", "error", err)
		}
		return perr
	}

	if err := job.Complete(); err != nil {
		return err
	}
	if err := d.ledger.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("saving completed job: %w", err)
	}
	log.Debug("agent delivered", "emitted", len(out))
	return nil
}
