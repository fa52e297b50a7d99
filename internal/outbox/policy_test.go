package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kos/internal/events"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{BackoffBase: time.Second, BackoffMax: 10 * time.Second}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(80))
}

func TestPolicyDelayDisabled(t *testing.T) {
	p := Policy{}
	assert.Equal(t, time.Duration(0), p.Delay(3))
}

func TestPolicyNormalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := Event{ID: "e1", Attempts: 7, Status: StatusFailed, Error: "old"}

	Policy{MaxAttempts: 5}.Normalize(&ev, now)

	assert.Equal(t, 5, ev.MaxAttempts)
	assert.Equal(t, 0, ev.Attempts)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Empty(t, ev.Error)
	assert.Equal(t, now, ev.CreatedAt)
	assert.Equal(t, now, ev.RunAfter)
}

func TestEventEnvelopeConversion(t *testing.T) {
	env := events.New("t1", "u1", "chunk_agent", events.PassagesCreated{ItemID: "i1", PassageIDs: []string{"p1", "p2"}})

	ev, err := FromEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, events.TypePassagesCreated, ev.Type)
	assert.Equal(t, env.CorrelationID, ev.CorrelationID)

	back, err := ev.Envelope()
	require.NoError(t, err)
	assert.Equal(t, env.Payload, back.Payload)
	assert.Equal(t, env.ID, back.ID)
}

func TestFromEnvelopeRejectsInvalid(t *testing.T) {
	_, err := FromEnvelope(events.Envelope{ID: "x"})
	assert.Error(t, err)
}
