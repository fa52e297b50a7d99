package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kos/internal/agent"
	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/ingest"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
)

const testToken = "test-token-12345"

type stubSearcher struct {
	hits  []retrieval.Hit
	err   error
	calls []retrieval.Query
}

func (s *stubSearcher) Search(_ context.Context, q retrieval.Query) (retrieval.Result, error) {
	s.calls = append(s.calls, q)
	return retrieval.Result{Hits: s.hits}, s.err
}

type fixture struct {
	deps   Deps
	store  *storage.Store
	queue  *storage.Outbox
	search *stubSearcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	q := storage.NewOutbox(s, outbox.Policy{MaxAttempts: 1})
	search := &stubSearcher{}
	return &fixture{
		store:  s,
		queue:  q,
		search: search,
		deps: Deps{
			Store:  s,
			Graph:  graph.New(s.DB()),
			Queue:  q,
			Ingest: ingest.NewService(s, q, nil, nil),
			Search: search,
			Token:  testToken,
		},
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	NewHandler(f.deps).ServeHTTP(rec, req)
	return rec
}

// failedEvent enqueues an event and drives it to failed.
func (f *fixture) failedEvent(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	ev, err := outbox.FromEnvelope(events.New("t1", "u1", "test", events.ItemUpserted{ItemID: "gone"}))
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, ev))
	_, err = f.queue.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkFailed(ctx, ev.ID, "item gone"))
	return ev.ID
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (msg, typ string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Message, body.Error.Type
}

func TestHealthNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	NewHandler(f.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.deps)

	for _, header := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/entities", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
		_, typ := decodeError(t, rec)
		assert.Equal(t, "authentication_error", typ)
	}

	req := httptest.NewRequest(http.MethodGet, "/entities", nil)
	req.Header.Set("Authorization", "bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "scheme is case-insensitive")

	f.deps.Token = ""
	rec = httptest.NewRecorder()
	NewHandler(f.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entities", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "empty token disables auth")
}

func TestIngestAndGetItem(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/items",
		`{"tenant_id":"t1","source":"chat","title":"Note","content":"Ada Lovelace said hello."}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res ingest.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.NotEmpty(t, res.ItemID)
	assert.NotEmpty(t, res.EventID)

	ev, err := f.queue.Get(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, events.TypeItemUpserted, ev.Type)

	rec = f.do(t, http.MethodGet, "/items/"+res.ItemID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Item     storage.Item      `json:"item"`
		Passages []storage.Passage `json:"passages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "Note", got.Item.Title)
	assert.Equal(t, storage.SourceChat, got.Item.Source)
	assert.Empty(t, got.Passages)
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"content":`},
		{"no content or url", `{"title":"x"}`},
		{"blank content", `{"content":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/items", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			_, typ := decodeError(t, rec)
			assert.Equal(t, "invalid_request_error", typ)
		})
	}
}

func TestIngestURL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("fetched body"))
	}))
	defer page.Close()

	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/items", `{"tenant_id":"t1","url":"`+page.URL+`/doc"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res ingest.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	item, err := f.store.GetItem(context.Background(), res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, "fetched body", item.ContentText)
	assert.Equal(t, storage.SourceWeb, item.Source)
}

func TestGetItemNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/items/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// seedEntity stores a chunked, extracted item so the graph knows Ada.
func seedEntity(t *testing.T, f *fixture) storage.Entity {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertItem(ctx, storage.Item{
		ID: "i1", TenantID: "t1", Source: storage.SourceAPI, Title: "Doc",
		ContentText: "Ada Lovelace said the engine could compose music.",
	}))
	root := events.New("t1", "u1", "test", events.ItemUpserted{ItemID: "i1"})
	out, err := agent.NewChunker(f.store, f.store).Process(ctx, root)
	require.NoError(t, err)
	require.Len(t, out, 1)
	_, err = agent.NewEntityExtractor(f.store, f.store, f.deps.Graph, f.store).Process(ctx, out[0])
	require.NoError(t, err)
	_, err = agent.NewTextIndexer(f.store, retrieval.NewFTSIndex(f.store.DB()), f.store).Process(ctx, out[0])
	require.NoError(t, err)

	ada, err := f.store.FindEntity(ctx, "t1", "Ada Lovelace")
	require.NoError(t, err)
	return ada
}

func TestEntities(t *testing.T) {
	f := newFixture(t)
	ada := seedEntity(t, f)

	rec := f.do(t, http.MethodGet, "/entities?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.Entity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, ada.ID, list[0].ID)

	rec = f.do(t, http.MethodGet, "/entities/"+ada.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view EntityView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "Ada Lovelace", view.Entity.Name)
	assert.Nil(t, view.Page, "page not built yet")
	require.Len(t, view.Evidence, 1)
	assert.Contains(t, view.Evidence[0].Text, "compose music")

	rec = f.do(t, http.MethodGet, "/entities/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	f.search.hits = []retrieval.Hit{{PassageID: "p1", ItemID: "i1", Text: "queue", Score: 1, Mode: retrieval.ModeText}}

	rec := f.do(t, http.MethodPost, "/search", `{"query":"queue","mode":"text","offset":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res retrieval.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, f.search.hits, res.Hits)
	assert.NotNil(t, res.RelatedEntities)
	require.Len(t, f.search.calls, 1)
	assert.Equal(t, retrieval.Query{TenantID: ingest.DefaultTenant, Text: "queue", Mode: retrieval.ModeText, Limit: 10, Offset: 3}, f.search.calls[0])

	rec = f.do(t, http.MethodPost, "/search", `{"mode":"text"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/search", `{"query":"q","offset":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.search.err = retrieval.ErrNoEmbedder
	rec = f.do(t, http.MethodPost, "/search", `{"query":"q","mode":"vector"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchRelatedEntities(t *testing.T) {
	f := newFixture(t)
	ada := seedEntity(t, f)
	db := f.store.DB()
	f.deps.Search = retrieval.NewRetriever(nil, retrieval.NewSQLiteStore(db), retrieval.NewFTSIndex(db),
		retrieval.WithEntityGraph(f.deps.Graph, 10))

	rec := f.do(t, http.MethodPost, "/search", `{"tenant_id":"t1","query":"music"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res retrieval.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res.Hits, 1)
	assert.Equal(t, []retrieval.RelatedEntity{{ID: ada.ID, Name: "Ada Lovelace", Type: string(storage.EntityPerson)}}, res.RelatedEntities)

	rec = f.do(t, http.MethodPost, "/search", `{"tenant_id":"t1","query":"music","offset":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res = retrieval.Result{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Empty(t, res.Hits)
	assert.Empty(t, res.RelatedEntities)
}

func TestOutboxEndpoints(t *testing.T) {
	f := newFixture(t)
	id := f.failedEvent(t)

	rec := f.do(t, http.MethodGet, "/outbox/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, map[string]int{"pending": 0, "processing": 0, "completed": 0, "failed": 1}, stats)

	rec = f.do(t, http.MethodGet, "/outbox/failed?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var failed []EventView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&failed))
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, "item gone", failed[0].Error)

	rec = f.do(t, http.MethodPost, "/outbox/"+id+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ev, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, ev.Status)
	assert.Zero(t, ev.Attempts)

	rec = f.do(t, http.MethodPost, "/outbox/"+id+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/outbox/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActions(t *testing.T) {
	f := newFixture(t)
	seedEntity(t, f)

	rec := f.do(t, http.MethodGet, "/actions?tenant_id=t1&agent_id="+agent.IDChunk, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []storage.AgentAction
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&actions))
	require.Len(t, actions, 1)
	assert.Equal(t, agent.IDChunk, actions[0].AgentID)
}
