package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Source identifies where an item came from.
type Source string

const (
	SourceFiles      Source = "files"
	SourceChat       Source = "chat"
	SourceGmail      Source = "gmail"
	SourceNotion     Source = "notion"
	SourceSlack      Source = "slack"
	SourceConfluence Source = "confluence"
	SourceJira       Source = "jira"
	SourceGitHub     Source = "github"
	SourceWeb        Source = "web"
	SourceAPI        Source = "api"
	SourceOther      Source = "other"
)

// ParseSource maps unknown values to SourceOther.
func ParseSource(s string) Source {
	switch src := Source(s); src {
	case SourceFiles, SourceChat, SourceGmail, SourceNotion, SourceSlack,
		SourceConfluence, SourceJira, SourceGitHub, SourceWeb, SourceAPI, SourceOther:
		return src
	}
	return SourceOther
}

// Item is an ingested document. Only Metadata changes after creation.
type Item struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	UserID      string         `json:"user_id"`
	Source      Source         `json:"source"`
	ExternalID  string         `json:"external_id,omitempty"`
	Title       string         `json:"title"`
	ContentText string         `json:"content_text"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Passage is a contiguous slice of an item's text. SpanStart and SpanEnd are
// rune offsets into Item.ContentText, end exclusive.
type Passage struct {
	ID               string         `json:"id"`
	ItemID           string         `json:"item_id"`
	TenantID         string         `json:"tenant_id"`
	UserID           string         `json:"user_id"`
	Text             string         `json:"text"`
	SpanStart        int            `json:"span_start"`
	SpanEnd          int            `json:"span_end"`
	Sequence         int            `json:"sequence"`
	ExtractionMethod string         `json:"extraction_method"`
	Confidence       float64        `json:"confidence"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        time.Time      `json:"created_at"`
}

type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityProject      EntityType = "project"
	EntityConcept      EntityType = "concept"
	EntityLocation     EntityType = "location"
	EntityEvent        EntityType = "event"
	EntityProduct      EntityType = "product"
	EntityTechnology   EntityType = "technology"
	EntityDate         EntityType = "date"
	EntityOther        EntityType = "other"
)

// ParseEntityType maps unknown values to EntityOther.
func ParseEntityType(s string) EntityType {
	switch t := EntityType(s); t {
	case EntityPerson, EntityOrganization, EntityProject, EntityConcept, EntityLocation,
		EntityEvent, EntityProduct, EntityTechnology, EntityDate, EntityOther:
		return t
	}
	return EntityOther
}

// Entity is unique per (TenantID, Name).
type Entity struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Type      EntityType     `json:"type"`
	Aliases   []string       `json:"aliases"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

const ArtifactEntityPage = "entity_page"

// Artifact is a derived document upserted by stable id.
type Artifact struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	SubjectID string         `json:"subject_id"`
	SourceIDs []string       `json:"source_ids"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AgentAction is an append-only provenance record for one agent invocation.
type AgentAction struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	AgentID       string    `json:"agent_id"`
	ActionType    string    `json:"action_type"`
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	Inputs        []string  `json:"inputs"`
	Outputs       []string  `json:"outputs"`
	ModelUsed     string    `json:"model_used,omitempty"`
	Tokens        int       `json:"tokens"`
	LatencyMS     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ActionFilter narrows ListActions. Zero values match everything.
type ActionFilter struct {
	TenantID      string
	AgentID       string
	CorrelationID string
	Limit         int
}
