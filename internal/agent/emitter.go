package agent

import (
	"context"
	"fmt"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
)

// Emitter is the only path from an agent's output to the outbox.
type Emitter struct {
	queue outbox.Queue
}

func NewEmitter(q outbox.Queue) *Emitter {
	return &Emitter{queue: q}
}

// Emit enqueues envs in order and stops at the first failure.
func (e *Emitter) Emit(ctx context.Context, envs ...events.Envelope) error {
	for _, env := range envs {
		ev, err := outbox.FromEnvelope(env)
		if err != nil {
			return fmt.Errorf("emitting %s: %w", env.Type(), err)
		}
		if err := e.queue.Enqueue(ctx, ev); err != nil {
			return fmt.Errorf("emitting %s %s: %w", env.Type(), env.ID, err)
		}
	}
	return nil
}
