package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/kos/internal/engine"
	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/storage"
)

type env struct {
	store *storage.Store
	graph *graph.Graph
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &env{store: s, graph: graph.New(s.DB())}
}

// item stores an item and returns the ITEM_UPSERTED envelope for it.
func (e *env) item(t *testing.T, id, title, text string) events.Envelope {
	t.Helper()
	require.NoError(t, e.store.UpsertItem(context.Background(), storage.Item{
		ID: id, TenantID: "t1", UserID: "u1", Source: storage.SourceAPI, Title: title, ContentText: text,
	}))
	return events.New("t1", "u1", "ingest", events.ItemUpserted{ItemID: id})
}

// chunked runs the Chunker over a fresh item and returns the
// PASSAGES_CREATED envelope it derived.
func (e *env) chunked(t *testing.T, id, text string) events.Envelope {
	t.Helper()
	root := e.item(t, id, "Doc "+id, text)
	out, err := NewChunker(e.store, e.store).Process(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func (e *env) actions(t *testing.T, agentID string) []storage.AgentAction {
	t.Helper()
	as, err := e.store.ListActions(context.Background(), storage.ActionFilter{AgentID: agentID})
	require.NoError(t, err)
	return as
}

// fakeEngine stubs the LLM calls agents make; unimplemented methods panic
// through the nil embedded interface.
type fakeEngine struct {
	engine.Engine
	chatFn  func(req engine.ChatRequest) (engine.ChatResponse, error)
	embedFn func(text string) ([]float32, error)
	chats   []engine.ChatRequest
}

func (f *fakeEngine) Chat(_ context.Context, req engine.ChatRequest) (engine.ChatResponse, error) {
	f.chats = append(f.chats, req)
	return f.chatFn(req)
}

func (f *fakeEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	return f.embedFn(text)
}

// lengthEmbedding embeds text as a 2-d vector that is deterministic per text.
func lengthEmbedding(text string) ([]float32, error) {
	return []float32{float32(len(text)), float32(strings.Count(text, " ") + 1)}, nil
}

func failingEmbedding(match string) func(string) ([]float32, error) {
	return func(text string) ([]float32, error) {
		if strings.Contains(text, match) {
			return nil, fmt.Errorf("embedding backend unavailable")
		}
		return lengthEmbedding(text)
	}
}

// passages stores texts as the passages of a new item and returns the
// PASSAGES_CREATED envelope naming them.
func (e *env) passages(t *testing.T, itemID string, texts ...string) events.Envelope {
	t.Helper()
	ctx := context.Background()
	root := e.item(t, itemID, "Doc "+itemID, strings.Join(texts, "\n\n"))
	ps := make([]storage.Passage, len(texts))
	ids := make([]string, len(texts))
	for i, text := range texts {
		ids[i] = PassageID(itemID, i)
		ps[i] = storage.Passage{
			ID: ids[i], ItemID: itemID, TenantID: "t1", UserID: "u1",
			Text: text, SpanEnd: len([]rune(text)), Sequence: i,
		}
	}
	require.NoError(t, e.store.ReplacePassages(ctx, itemID, ps))
	return root.Derive(IDChunk, events.PassagesCreated{ItemID: itemID, PassageIDs: ids})
}
