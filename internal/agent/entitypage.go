package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/kos/internal/engine"
	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
)

const (
	maxPageFacts       = 10
	maxTemplateSnippet = 5
	snippetRunes       = 200
	pageTemperature    = 0.3
)

const pagePrompt = `Write a concise summary about "%s" based on the following information.

Known relationships:
%s

Evidence from documents:
%s

Write 2-3 paragraphs in an encyclopedic style. Only use information from the evidence provided.`

// EntityPageScheduler fans an ENTITIES_EXTRACTED event out into one
// ENTITY_PAGE_DIRTY event per entity.
type EntityPageScheduler struct {
	Base
}

func NewEntityPageScheduler(actions ActionRecorder, opts ...Option) *EntityPageScheduler {
	return &EntityPageScheduler{Base: newBase(IDPageScheduler, actions, buildOptions(opts))}
}

func (s *EntityPageScheduler) Consumes() []events.Type {
	return []events.Type{events.TypeEntitiesExtracted}
}
func (s *EntityPageScheduler) JobType() events.JobType { return events.JobScheduleEntityPages }

func (s *EntityPageScheduler) Process(ctx context.Context, env events.Envelope) (out []events.Envelope, err error) {
	inv := s.begin(env, "schedule_entity_pages")
	defer inv.finish(ctx, &err)

	p, err := payload[events.EntitiesExtracted](env)
	if err != nil {
		return nil, err
	}
	inv.input(p.EntityIDs...)

	for _, id := range p.EntityIDs {
		child := env.Derive(s.id, events.EntityPageDirty{EntityID: id})
		out = append(out, child)
		inv.output(child.ID)
	}
	return out, nil
}

// EntityReader loads canonical entities.
type EntityReader interface {
	GetEntity(ctx context.Context, id string) (storage.Entity, error)
}

// PageGraph aggregates an entity's facts and evidence.
type PageGraph interface {
	EntityPage(ctx context.Context, entityID string, evidenceLimit int) (graph.EntityPage, error)
}

// ArtifactWriter stores derived artifacts by stable id.
type ArtifactWriter interface {
	UpsertArtifact(ctx context.Context, a storage.Artifact) error
}

// EntityPageBuilder renders the page artifact for a dirty entity, with an LLM
// summary when available and a Markdown template otherwise.
type EntityPageBuilder struct {
	Base
	entities      EntityReader
	graph         PageGraph
	artifacts     ArtifactWriter
	llm           engine.Engine
	chatModel     string
	useLLM        bool
	evidenceLimit int
}

func NewEntityPageBuilder(entities EntityReader, g PageGraph, artifacts ArtifactWriter, actions ActionRecorder, opts ...Option) *EntityPageBuilder {
	o := buildOptions(opts)
	return &EntityPageBuilder{
		Base:          newBase(IDEntityPage, actions, o),
		entities:      entities,
		graph:         g,
		artifacts:     artifacts,
		llm:           o.engine,
		chatModel:     o.chatModel,
		useLLM:        o.useLLM,
		evidenceLimit: o.evidenceLimit,
	}
}

func (b *EntityPageBuilder) Consumes() []events.Type { return []events.Type{events.TypeEntityPageDirty} }
func (b *EntityPageBuilder) JobType() events.JobType { return events.JobBuildEntityPage }

func (b *EntityPageBuilder) Process(ctx context.Context, env events.Envelope) (out []events.Envelope, err error) {
	inv := b.begin(env, "build_entity_page")
	defer inv.finish(ctx, &err)

	p, err := payload[events.EntityPageDirty](env)
	if err != nil {
		return nil, err
	}
	inv.input(p.EntityID)

	ent, err := b.entities.GetEntity(ctx, p.EntityID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Permanent(fmt.Errorf("entity %s: %w", p.EntityID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("loading entity %s: %w", p.EntityID, err)
	}

	page, err := b.graph.EntityPage(ctx, ent.ID, b.evidenceLimit)
	if errors.Is(err, graph.ErrNotFound) {
		// Known to the store but not yet linked in the graph.
		page = graph.EntityPage{Entity: graph.Node{ID: ent.ID, Label: ent.Name, Kind: graph.KindEntity}}
	} else if err != nil {
		return nil, fmt.Errorf("loading entity page %s: %w", ent.ID, err)
	}

	text, source := "", "template"
	if b.useLLM && len(page.Evidence) > 0 {
		summary, err := b.summarize(ctx, inv, ent, page)
		if err != nil {
			b.logger.Warn("llm entity summary failed, using template", "entity_id", ent.ID, "error", err)
		} else {
			text, source = summary, "llm"
		}
	}
	if text == "" {
		text = RenderEntityPage(ent, page)
	}

	sourceIDs := make([]string, len(page.Evidence))
	for i, ev := range page.Evidence {
		sourceIDs[i] = ev.PassageID
	}
	artifact := storage.Artifact{
		ID:        storage.EntityPageID(ent.ID),
		TenantID:  ent.TenantID,
		UserID:    ent.UserID,
		Type:      storage.ArtifactEntityPage,
		SubjectID: ent.ID,
		SourceIDs: sourceIDs,
		Text:      text,
		Metadata: map[string]any{
			"entity_name":    ent.Name,
			"entity_type":    string(ent.Type),
			"fact_count":     len(page.Facts),
			"evidence_count": len(page.Evidence),
			"summary_source": source,
		},
	}
	if err := b.artifacts.UpsertArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("saving entity page %s: %w", artifact.ID, err)
	}
	inv.output(artifact.ID)
	return nil, nil
}

func (b *EntityPageBuilder) summarize(ctx context.Context, inv *invocation, ent storage.Entity, page graph.EntityPage) (string, error) {
	var facts, evidence strings.Builder
	for _, f := range page.Facts[:min(len(page.Facts), maxPageFacts)] {
		fmt.Fprintf(&facts, "- %s: %s\n", f.Predicate, f.ObjectName)
	}
	for _, ev := range page.Evidence {
		fmt.Fprintf(&evidence, "- %s\n", ev.Text)
	}
	factText := facts.String()
	if factText == "" {
		factText = "None"
	}

	resp, err := b.llm.Chat(ctx, engine.ChatRequest{
		Model:       b.chatModel,
		Messages:    []engine.Message{{Role: "user", Content: fmt.Sprintf(pagePrompt, ent.Name, factText, evidence.String())}},
		Temperature: pageTemperature,
	})
	if err != nil {
		return "", err
	}
	inv.usedModel(resp.Model, resp.Tokens())
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", errors.New("empty summary")
	}
	return summary, nil
}

// RenderEntityPage builds the Markdown page used when no LLM summary is
// available.
func RenderEntityPage(ent storage.Entity, page graph.EntityPage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\nType: %s\n", ent.Name, ent.Type)

	if len(page.Facts) > 0 {
		sb.WriteString("\n## Relationships\n")
		for _, f := range page.Facts[:min(len(page.Facts), maxPageFacts)] {
			fmt.Fprintf(&sb, "- %s: %s\n", f.Predicate, f.ObjectName)
		}
	}

	if len(page.Evidence) > 0 {
		sb.WriteString("\n## Evidence\n")
		for _, ev := range page.Evidence[:min(len(page.Evidence), maxTemplateSnippet)] {
			text := ev.Text
			if short := retrieval.TruncateRunes(text, snippetRunes); short != text {
				text = short + "..."
			}
			fmt.Fprintf(&sb, "- %s\n", text)
		}
	}
	return sb.String()
}
