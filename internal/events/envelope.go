package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a payload with routing and tracing metadata.
//
// CorrelationID ties together every event derived from the same ingestion.
// Use Derive to build follow-up events so the id is carried over unchanged.
type Envelope struct {
	ID            string
	TenantID      string
	UserID        string
	Payload       Payload
	CreatedAt     time.Time
	CorrelationID string
	SourceAgent   string
}

// New creates a root envelope. The correlation id defaults to the event id.
func New(tenantID, userID, sourceAgent string, p Payload) Envelope {
	id := uuid.New().String()
	return Envelope{
		ID:            id,
		TenantID:      tenantID,
		UserID:        userID,
		Payload:       p,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: id,
		SourceAgent:   sourceAgent,
	}
}

// Derive creates an event caused by e. Tenant, user and correlation id are
// copied from the parent.
func (e Envelope) Derive(sourceAgent string, p Payload) Envelope {
	child := New(e.TenantID, e.UserID, sourceAgent, p)
	if e.CorrelationID != "" {
		child.CorrelationID = e.CorrelationID
	}
	return child
}

// Type returns the event type of the payload, or "" if none is set.
func (e Envelope) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Validate checks the fields every persisted event must carry.
func (e Envelope) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("missing event id"))
	}
	if e.TenantID == "" {
		errs = append(errs, errors.New("missing tenant id"))
	}
	if e.Payload == nil {
		errs = append(errs, errors.New("missing payload"))
	} else if !e.Type().Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownType, e.Type()))
	}
	return errors.Join(errs...)
}

type wireEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     Type            `json:"event_type"`
	TenantID      string          `json:"tenant_id"`
	UserID        string          `json:"user_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SourceAgent   string          `json:"source_agent,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := EncodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		EventID:       e.ID,
		EventType:     e.Type(),
		TenantID:      e.TenantID,
		UserID:        e.UserID,
		Payload:       raw,
		CreatedAt:     e.CreatedAt,
		CorrelationID: e.CorrelationID,
		SourceAgent:   e.SourceAgent,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}
	*e = Envelope{
		ID:            w.EventID,
		TenantID:      w.TenantID,
		UserID:        w.UserID,
		Payload:       p,
		CreatedAt:     w.CreatedAt,
		CorrelationID: w.CorrelationID,
		SourceAgent:   w.SourceAgent,
	}
	return nil
}
