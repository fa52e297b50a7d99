package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/storage"
)

// ActionRecorder persists provenance records.
type ActionRecorder interface {
	RecordAction(ctx context.Context, a storage.AgentAction) error
}

// Base carries what every agent shares: its identity, the provenance log and
// a logger tagged with the agent id.
type Base struct {
	id      string
	actions ActionRecorder
	logger  *slog.Logger
	now     func() time.Time
}

func newBase(id string, actions ActionRecorder, o *options) Base {
	return Base{
		id:      id,
		actions: actions,
		logger:  o.logger.With("agent", id),
		now:     o.now,
	}
}

func (b *Base) ID() string { return b.id }

// invocation tracks one Process call so that exactly one AgentAction is
// written for it, whatever the outcome.
type invocation struct {
	base       *Base
	env        events.Envelope
	actionType string
	inputs     []string
	outputs    []string
	model      string
	tokens     int
	start      time.Time
}

func (b *Base) begin(env events.Envelope, actionType string) *invocation {
	return &invocation{
		base:       b,
		env:        env,
		actionType: actionType,
		start:      b.now(),
	}
}

func (inv *invocation) input(ids ...string) {
	inv.inputs = append(inv.inputs, ids...)
}

func (inv *invocation) output(ids ...string) {
	inv.outputs = append(inv.outputs, ids...)
}

func (inv *invocation) usedModel(model string, tokens int) {
	inv.model = model
	inv.tokens += tokens
}

// finish writes the action record for the invocation. It is deferred with a
// pointer to Process's named error so a failing provenance write also fails
// the invocation.
func (inv *invocation) finish(ctx context.Context, errp *error) {
	b := inv.base
	latency := b.now().Sub(inv.start)
	action := storage.AgentAction{
		ID:            uuid.New().String(),
		TenantID:      inv.env.TenantID,
		UserID:        inv.env.UserID,
		AgentID:       b.id,
		ActionType:    inv.actionType,
		EventID:       inv.env.ID,
		CorrelationID: inv.env.CorrelationID,
		Inputs:        inv.inputs,
		Outputs:       inv.outputs,
		ModelUsed:     inv.model,
		Tokens:        inv.tokens,
		LatencyMS:     latency.Milliseconds(),
		CreatedAt:     b.now().UTC(),
	}
	if *errp != nil {
		action.Error = (*errp).Error()
	}

	log := b.logger.With("event_id", inv.env.ID, "correlation_id", inv.env.CorrelationID, "action", inv.actionType)
	if recErr := b.actions.RecordAction(ctx, action); recErr != nil {
		log.Error("recording agent action", "error", recErr)
		*errp = errors.Join(*errp, recErr)
	}
	if *errp != nil {
		log.Warn("agent invocation failed", "error", *errp, "permanent", IsPermanent(*errp), "latency", latency)
		return
	}
	log.Debug("agent invocation done", "inputs", len(inv.inputs), "outputs", len(inv.outputs), "latency", latency)
}
