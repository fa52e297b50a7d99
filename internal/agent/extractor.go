package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/kos/internal/engine"
	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
)

// maxLLMInput caps the passage text sent for LLM extraction, in runes.
const maxLLMInput = 2000

const extractPrompt = `Extract named entities from the following text.
Return a JSON object {"entities": [...]} whose items have "name" and "type" fields.
Types should be one of: person, organization, location, project, concept, technology, event, product, date, other.

Text:
%s

Return only valid JSON, no other text.`

// PassageReader loads passages by id.
type PassageReader interface {
	GetPassages(ctx context.Context, ids []string) ([]storage.Passage, error)
}

// EntityResolver returns the canonical entity for a tenant and name.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, e storage.Entity) (storage.Entity, bool, error)
}

// EntityGraph records entities and mentions in the graph.
type EntityGraph interface {
	UpsertEntity(ctx context.Context, e storage.Entity) error
	UpsertPassage(ctx context.Context, p storage.Passage) error
	Mention(ctx context.Context, tenantID, passageID, entityID string) error
	Relate(ctx context.Context, tenantID, srcID, dstID, predicate string) error
}

// EntityExtractor finds entities in new passages, resolves them to canonical
// rows and links them in the graph.
type EntityExtractor struct {
	Base
	passages  PassageReader
	entities  EntityResolver
	graph     EntityGraph
	llm       engine.Engine
	chatModel string
	useLLM    bool
}

func NewEntityExtractor(passages PassageReader, entities EntityResolver, g EntityGraph, actions ActionRecorder, opts ...Option) *EntityExtractor {
	o := buildOptions(opts)
	return &EntityExtractor{
		Base:      newBase(IDEntityExtract, actions, o),
		passages:  passages,
		entities:  entities,
		graph:     g,
		llm:       o.engine,
		chatModel: o.chatModel,
		useLLM:    o.useLLM,
	}
}

func (x *EntityExtractor) Consumes() []events.Type { return []events.Type{events.TypePassagesCreated} }
func (x *EntityExtractor) JobType() events.JobType { return events.JobExtractEntities }

func (x *EntityExtractor) Process(ctx context.Context, env events.Envelope) (out []events.Envelope, err error) {
	inv := x.begin(env, "extract_entities")
	defer inv.finish(ctx, &err)

	p, err := payload[events.PassagesCreated](env)
	if err != nil {
		return nil, err
	}
	inv.input(p.PassageIDs...)

	passages, err := x.passages.GetPassages(ctx, p.PassageIDs)
	if err != nil {
		return nil, fmt.Errorf("loading passages: %w", err)
	}

	var (
		entityIDs []string
		seen      = map[string]bool{}
	)
	for _, psg := range passages {
		mentions := x.extract(ctx, inv, psg.Text)
		if len(mentions) == 0 {
			continue
		}
		if err := x.graph.UpsertPassage(ctx, psg); err != nil {
			return nil, err
		}

		var inPassage []string
		for _, m := range mentions {
			ent, _, err := x.entities.ResolveEntity(ctx, storage.Entity{
				ID:       uuid.NewString(),
				TenantID: psg.TenantID,
				UserID:   psg.UserID,
				Name:     m.Name,
				Type:     m.Type,
			})
			if err != nil {
				return nil, fmt.Errorf("resolving entity %q: %w", m.Name, err)
			}
			if err := x.graph.UpsertEntity(ctx, ent); err != nil {
				return nil, err
			}
			if err := x.graph.Mention(ctx, psg.TenantID, psg.ID, ent.ID); err != nil {
				return nil, err
			}
			inPassage = append(inPassage, ent.ID)
			if !seen[ent.ID] {
				seen[ent.ID] = true
				entityIDs = append(entityIDs, ent.ID)
			}
		}

		for i := range inPassage {
			for j := i + 1; j < len(inPassage); j++ {
				if err := x.graph.Relate(ctx, psg.TenantID, inPassage[i], inPassage[j], graph.PredicateCoMentioned); err != nil {
					return nil, err
				}
			}
		}
	}
	inv.output(entityIDs...)

	if len(entityIDs) == 0 {
		return nil, nil
	}
	return []events.Envelope{env.Derive(x.id, events.EntitiesExtracted{
		PassageIDs: p.PassageIDs,
		EntityIDs:  entityIDs,
	})}, nil
}

// extract uses the LLM when enabled and falls back to the patterns on any
// LLM failure.
func (x *EntityExtractor) extract(ctx context.Context, inv *invocation, text string) []Mention {
	if !x.useLLM {
		return ExtractPatterns(text)
	}
	mentions, err := x.extractLLM(ctx, inv, text)
	if err != nil {
		x.logger.Warn("llm entity extraction failed, using patterns", "error", err)
		return ExtractPatterns(text)
	}
	return mentions
}

func (x *EntityExtractor) extractLLM(ctx context.Context, inv *invocation, text string) ([]Mention, error) {
	resp, err := x.llm.Chat(ctx, engine.ChatRequest{
		Model:       x.chatModel,
		Messages:    []engine.Message{{Role: "user", Content: fmt.Sprintf(extractPrompt, retrieval.TruncateRunes(text, maxLLMInput))}},
		Schema:      entitySchema(),
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}
	inv.usedModel(resp.Model, resp.Tokens())
	return parseMentions(resp.Content)
}

// parseMentions accepts {"entities": [...]} or a bare array, optionally
// wrapped in a markdown code fence.
func parseMentions(raw string) ([]Mention, error) {
	raw = stripCodeFence(raw)

	type item struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	var items []item
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("decoding entity list: %w", err)
		}
	} else {
		var wrapped struct {
			Entities []item `json:"entities"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("decoding entity object: %w", err)
		}
		items = wrapped.Entities
	}

	var (
		out  []Mention
		seen = map[string]bool{}
	)
	for _, it := range items {
		name := strings.TrimSpace(it.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Mention{Name: name, Type: storage.ParseEntityType(strings.ToLower(strings.TrimSpace(it.Type)))})
	}
	return out, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func entitySchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"entities": {
				Type:        "array",
				Description: "Named entities found in the text",
				Items: &engine.Schema{
					Type: "object",
					Properties: map[string]engine.SchemaProperty{
						"name": {Type: "string"},
						"type": {Type: "string", Enum: []string{
							"person", "organization", "location", "project", "concept",
							"technology", "event", "product", "date", "other",
						}},
					},
					Required: []string{"name", "type"},
				},
			},
		},
		Required: []string{"entities"},
	}
}
