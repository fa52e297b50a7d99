// Package api exposes kos over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/ingest"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
)

const defaultEvidenceLimit = 20

// Searcher is satisfied by retrieval.Retriever.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// Deps is shared by the HTTP handler and the MCP server.
type Deps struct {
	Store         *storage.Store
	Graph         *graph.Graph
	Queue         outbox.Queue
	Ingest        *ingest.Service
	Search        Searcher
	Token         string // empty disables auth
	EvidenceLimit int
	Logger        *slog.Logger
}

type IngestRequest struct {
	TenantID    string         `json:"tenant_id"`
	UserID      string         `json:"user_id"`
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type"`
	URL         string         `json:"url"`
	Metadata    map[string]any `json:"metadata"`
}

func (r IngestRequest) request() ingest.Request {
	req := ingest.Request{
		TenantID:    r.TenantID,
		UserID:      r.UserID,
		ExternalID:  r.ExternalID,
		Title:       r.Title,
		Content:     r.Content,
		ContentType: r.ContentType,
		Metadata:    r.Metadata,
	}
	if r.Source != "" {
		req.Source = storage.ParseSource(r.Source)
	}
	return req
}

type SearchRequest struct {
	TenantID string `json:"tenant_id"`
	Query    string `json:"query"`
	Mode     string `json:"mode"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

func (r SearchRequest) query() retrieval.Query {
	return retrieval.Query{
		TenantID: r.TenantID,
		Text:     r.Query,
		Mode:     retrieval.Mode(r.Mode),
		Limit:    r.Limit,
		Offset:   r.Offset,
	}
}

// EventView is the wire form of an outbox row.
type EventView struct {
	ID            string    `json:"event_id"`
	Type          string    `json:"event_type"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	SourceAgent   string    `json:"source_agent"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewEventView(ev outbox.Event) EventView {
	return EventView{
		ID:            ev.ID,
		Type:          string(ev.Type),
		TenantID:      ev.TenantID,
		CorrelationID: ev.CorrelationID,
		SourceAgent:   ev.SourceAgent,
		Status:        string(ev.Status),
		Attempts:      ev.Attempts,
		MaxAttempts:   ev.MaxAttempts,
		Error:         ev.Error,
		CreatedAt:     ev.CreatedAt,
		UpdatedAt:     ev.UpdatedAt,
	}
}

// EntityView is an entity with its graph facts and, once built, its page.
type EntityView struct {
	Entity   storage.Entity    `json:"entity"`
	Page     *storage.Artifact `json:"page"`
	Facts    []graph.Fact      `json:"facts"`
	Evidence []graph.Evidence  `json:"evidence"`
}

func NewHandler(deps Deps) http.Handler {
	if deps.EvidenceLimit <= 0 {
		deps.EvidenceLimit = defaultEvidenceLimit
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/items", handleIngest(deps))
		r.Get("/items/{id}", handleGetItem(deps))
		r.Get("/entities", handleListEntities(deps))
		r.Get("/entities/{id}", handleGetEntity(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/outbox/stats", handleOutboxStats(deps))
		r.Get("/outbox/failed", handleOutboxFailed(deps))
		r.Post("/outbox/{id}/retry", handleOutboxRetry(deps))
		r.Get("/actions", handleListActions(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content or url is required")
			return
		}

		var (
			res ingest.Result
			err error
		)
		if req.URL != "" && req.Content == "" {
			res, err = deps.Ingest.IngestURL(r.Context(), req.request(), req.URL)
		} else {
			res, err = deps.Ingest.Ingest(r.Context(), req.request())
		}
		switch {
		case errors.Is(err, ingest.ErrEmptyContent), errors.Is(err, ingest.ErrUnsupportedType), errors.Is(err, ingest.ErrTooLarge):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil && req.URL != "":
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "ingest failed: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleGetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		item, err := deps.Store.GetItem(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get item: %v", err)
			return
		}
		passages, err := deps.Store.PassagesForItem(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list passages: %v", err)
			return
		}
		if passages == nil {
			passages = []storage.Passage{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item, "passages": passages})
	}
}

func handleListEntities(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant_id")
		if tenant == "" {
			tenant = ingest.DefaultTenant
		}
		ents, err := deps.Store.ListEntities(r.Context(), tenant, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entities: %v", err)
			return
		}
		if ents == nil {
			ents = []storage.Entity{}
		}
		writeJSON(w, http.StatusOK, ents)
	}
}

func handleGetEntity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := LoadEntity(r.Context(), deps, chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "entity not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load entity: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// LoadEntity gathers an entity, its page artifact and its graph neighbourhood.
// Page is nil until the page agent has run.
func LoadEntity(ctx context.Context, deps Deps, id string) (EntityView, error) {
	ent, err := deps.Store.GetEntity(ctx, id)
	if err != nil {
		return EntityView{}, err
	}
	view := EntityView{Entity: ent, Facts: []graph.Fact{}, Evidence: []graph.Evidence{}}

	art, err := deps.Store.GetArtifact(ctx, storage.EntityPageID(id))
	switch {
	case err == nil:
		view.Page = &art
	case !errors.Is(err, storage.ErrNotFound):
		return EntityView{}, err
	}

	if deps.Graph != nil {
		limit := deps.EvidenceLimit
		if limit <= 0 {
			limit = defaultEvidenceLimit
		}
		page, err := deps.Graph.EntityPage(ctx, id, limit)
		switch {
		case err == nil:
			if page.Facts != nil {
				view.Facts = page.Facts
			}
			if page.Evidence != nil {
				view.Evidence = page.Evidence
			}
		case !errors.Is(err, graph.ErrNotFound):
			return EntityView{}, err
		}
	}
	return view, nil
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.TenantID == "" {
			req.TenantID = ingest.DefaultTenant
		}
		if req.Limit <= 0 || req.Limit > 100 {
			req.Limit = 10
		}
		if req.Offset < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "offset must not be negative")
			return
		}

		res, err := deps.Search.Search(r.Context(), req.query())
		if errors.Is(err, retrieval.ErrNoEmbedder) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, nonNilResult(res))
	}
}

func handleOutboxStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Queue.Counts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count events: %v", err)
			return
		}
		out := make(map[string]int, len(outbox.Statuses))
		for _, s := range outbox.Statuses {
			out[string(s)] = counts[s]
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleOutboxFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evs, err := deps.Queue.FailedEvents(r.Context(), r.URL.Query().Get("tenant_id"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list failed events: %v", err)
			return
		}
		views := make([]EventView, len(evs))
		for i, ev := range evs {
			views[i] = NewEventView(ev)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleOutboxRetry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Queue.RetryFailed(r.Context(), id)
		switch {
		case errors.Is(err, outbox.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "event not found")
			return
		case errors.Is(err, outbox.ErrNotFailed):
			httpError(w, http.StatusConflict, "invalid_request_error", "event %s is not failed", id)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry event: %v", err)
			return
		}
		deps.Logger.Info("failed event requeued", "event_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"event_id": id, "status": string(outbox.StatusPending)})
	}
}

func handleListActions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		actions, err := deps.Store.ListActions(r.Context(), storage.ActionFilter{
			TenantID:      q.Get("tenant_id"),
			AgentID:       q.Get("agent_id"),
			CorrelationID: q.Get("correlation_id"),
			Limit:         parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list actions: %v", err)
			return
		}
		if actions == nil {
			actions = []storage.AgentAction{}
		}
		writeJSON(w, http.StatusOK, actions)
	}
}

func nonNilResult(res retrieval.Result) retrieval.Result {
	if res.Hits == nil {
		res.Hits = []retrieval.Hit{}
	}
	if res.RelatedEntities == nil {
		res.RelatedEntities = []retrieval.RelatedEntity{}
	}
	return res
}
