package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesEventIDAsCorrelation(t *testing.T) {
	env := New("t1", "u1", "api", ItemUpserted{ItemID: "item-1"})

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, env.ID, env.CorrelationID)
	assert.Equal(t, TypeItemUpserted, env.Type())
	assert.False(t, env.CreatedAt.IsZero())
}

func TestDeriveKeepsCorrelationAndScope(t *testing.T) {
	root := New("t1", "u1", "api", ItemUpserted{ItemID: "item-1"})
	child := root.Derive("chunk_agent", PassagesCreated{ItemID: "item-1", PassageIDs: []string{"p1"}})
	grandchild := child.Derive("embed_agent", VectorsCreated{PassageIDs: []string{"p1"}})

	for _, e := range []Envelope{child, grandchild} {
		assert.NotEqual(t, root.ID, e.ID)
		assert.Equal(t, root.CorrelationID, e.CorrelationID)
		assert.Equal(t, "t1", e.TenantID)
		assert.Equal(t, "u1", e.UserID)
	}
	assert.Equal(t, "embed_agent", grandchild.SourceAgent)
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	env := New("t1", "u1", "entity_extract_agent", EntitiesExtracted{
		PassageIDs: []string{"p1", "p2"},
		EntityIDs:  []string{"e1"},
	})

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"ENTITIES_EXTRACTED"`)

	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.CorrelationID, got.CorrelationID)
	assert.Equal(t, env.Payload, got.Payload)
	assert.True(t, env.CreatedAt.Equal(got.CreatedAt))
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := DecodePayload(Type("ITEM_DELETED"), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodePayloadMalformed(t *testing.T) {
	_, err := DecodePayload(TypePassagesCreated, []byte(`{"passage_ids": "not-a-list"}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownType))
}

func TestValidate(t *testing.T) {
	ok := New("t1", "", "api", EntityPageDirty{EntityID: "e1"})
	assert.NoError(t, ok.Validate())

	bad := Envelope{}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing event id")
	assert.Contains(t, err.Error(), "missing tenant id")
	assert.Contains(t, err.Error(), "missing payload")
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("TEXT_INDEXED")
	require.NoError(t, err)
	assert.Equal(t, TypeTextIndexed, typ)

	_, err = ParseType("text_indexed")
	assert.ErrorIs(t, err, ErrUnknownType)
}
