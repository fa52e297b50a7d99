package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned when decoding a payload for an event type
// outside the closed enumeration.
var ErrUnknownType = errors.New("unknown event type")

// Type identifies an event. The set is closed: every value has exactly one
// payload variant.
type Type string

const (
	TypeItemUpserted      Type = "ITEM_UPSERTED"
	TypePassagesCreated   Type = "PASSAGES_CREATED"
	TypeEntitiesExtracted Type = "ENTITIES_EXTRACTED"
	TypeVectorsCreated    Type = "VECTORS_CREATED"
	TypeTextIndexed       Type = "TEXT_INDEXED"
	TypeEntityPageDirty   Type = "ENTITY_PAGE_DIRTY"
)

// AllTypes lists every event type in pipeline order.
var AllTypes = []Type{
	TypeItemUpserted,
	TypePassagesCreated,
	TypeEntitiesExtracted,
	TypeVectorsCreated,
	TypeTextIndexed,
	TypeEntityPageDirty,
}

// Valid reports whether t belongs to the enumeration.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType converts a wire string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Payload is the per-type body of an event. Each variant reports the type
// it belongs to, so an Envelope never carries a mismatched payload.
type Payload interface {
	EventType() Type
}

type ItemUpserted struct {
	ItemID string `json:"item_id"`
}

type PassagesCreated struct {
	ItemID     string   `json:"item_id"`
	PassageIDs []string `json:"passage_ids"`
}

type EntitiesExtracted struct {
	PassageIDs []string `json:"passage_ids"`
	EntityIDs  []string `json:"entity_ids"`
}

type VectorsCreated struct {
	PassageIDs []string `json:"passage_ids"`
}

type TextIndexed struct {
	PassageIDs []string `json:"passage_ids"`
}

type EntityPageDirty struct {
	EntityID string `json:"entity_id"`
}

func (ItemUpserted) EventType() Type      { return TypeItemUpserted }
func (PassagesCreated) EventType() Type   { return TypePassagesCreated }
func (EntitiesExtracted) EventType() Type { return TypeEntitiesExtracted }
func (VectorsCreated) EventType() Type    { return TypeVectorsCreated }
func (TextIndexed) EventType() Type       { return TypeTextIndexed }
func (EntityPageDirty) EventType() Type   { return TypeEntityPageDirty }

// EncodePayload serializes a payload to its JSON wire form.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload parses raw JSON into the variant registered for t.
func DecodePayload(t Type, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeItemUpserted:
		var v ItemUpserted
		err = json.Unmarshal(raw, &v)
		p = v
	case TypePassagesCreated:
		var v PassagesCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeEntitiesExtracted:
		var v EntitiesExtracted
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeVectorsCreated:
		var v VectorsCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeTextIndexed:
		var v TextIndexed
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeEntityPageDirty:
		var v EntityPageDirty
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", t, err)
	}
	return p, nil
}
