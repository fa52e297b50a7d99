// Package agent holds the pipeline agents. Each agent consumes a declared set
// of event types, does its work idempotently, and returns the derived events
// for the worker to emit. Agents never call each other.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/kos/internal/events"
)

// Agent IDs. They are stored on jobs and agent actions, so they must not change.
const (
	IDChunk         = "chunk_agent"
	IDEntityExtract = "entity_extract_agent"
	IDEmbed         = "embed_agent"
	IDIndexText     = "index_text_agent"
	IDPageScheduler = "entity_page_scheduler"
	IDEntityPage    = "entity_page_agent"
)

// shortNames maps the names accepted by `kos worker --agents` to agent IDs.
var shortNames = map[string]string{
	"chunk":    IDChunk,
	"extract":  IDEntityExtract,
	"entities": IDEntityExtract,
	"embed":    IDEmbed,
	"index":    IDIndexText,
	"schedule": IDPageScheduler,
	"page":     IDEntityPage,
}

// ErrPermanent marks failures that retrying cannot fix, such as a malformed
// payload or a referenced object that no longer exists.
var ErrPermanent = errors.New("permanent agent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent wraps err so that IsPermanent reports true. The worker marks
// such events dead instead of scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Agent is a pipeline stage driven by outbox events.
type Agent interface {
	ID() string
	Consumes() []events.Type
	// JobType names the ledger entry the worker keeps for this agent.
	JobType() events.JobType
	// Process handles env and returns the events to emit. It must be safe
	// to call again for an event it already handled.
	Process(ctx context.Context, env events.Envelope) ([]events.Envelope, error)
}

// Handles reports whether a consumes t.
func Handles(a Agent, t events.Type) bool {
	for _, c := range a.Consumes() {
		if c == t {
			return true
		}
	}
	return false
}

// Select returns the agents named in names, which may be agent IDs or their
// short forms. An empty names returns all.
func Select(all []Agent, names []string) ([]Agent, error) {
	if len(names) == 0 {
		return all, nil
	}
	byID := make(map[string]Agent, len(all))
	for _, a := range all {
		byID[a.ID()] = a
	}
	var (
		out  []Agent
		seen = map[string]bool{}
	)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		id := n
		if full, ok := shortNames[n]; ok {
			id = full
		}
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", n)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, a)
		}
	}
	return out, nil
}

// ConsumedTypes is the union of event types consumed by agents, in pipeline
// order.
func ConsumedTypes(agents []Agent) []events.Type {
	var out []events.Type
	for _, t := range events.AllTypes {
		for _, a := range agents {
			if Handles(a, t) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// payload asserts the envelope carries a P. A mismatch is permanent.
func payload[P events.Payload](env events.Envelope) (P, error) {
	p, ok := env.Payload.(P)
	if !ok {
		var zero P
		return zero, Permanent(fmt.Errorf("event %s: unexpected payload %T for %s", env.ID, env.Payload, env.Type()))
	}
	return p, nil
}
