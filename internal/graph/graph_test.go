package graph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kos/internal/storage"
)

type fixture struct {
	store *storage.Store
	graph *Graph
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.graph = New(s.DB())
	f.graph.now = func() time.Time {
		f.clock = f.clock.Add(time.Millisecond)
		return f.clock
	}
	return f
}

func (f *fixture) passages(t *testing.T, itemID, title string, texts ...string) []storage.Passage {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertItem(ctx, storage.Item{
		ID: itemID, TenantID: "t1", Source: storage.SourceFiles, Title: title, ContentText: "body",
	}))
	ps := make([]storage.Passage, len(texts))
	for i, text := range texts {
		ps[i] = storage.Passage{
			ID: fmt.Sprintf("%s-p%d", itemID, i), ItemID: itemID, TenantID: "t1",
			Text: text, SpanStart: 0, SpanEnd: len(text), Sequence: i,
		}
	}
	require.NoError(t, f.store.ReplacePassages(ctx, itemID, ps))
	for _, p := range ps {
		require.NoError(t, f.graph.UpsertPassage(ctx, p))
	}
	return ps
}

func (f *fixture) entity(t *testing.T, name string, typ storage.EntityType) storage.Entity {
	t.Helper()
	e, _, err := f.store.ResolveEntity(context.Background(), storage.Entity{
		ID: "ent-" + name, TenantID: "t1", Name: name, Type: typ,
	})
	require.NoError(t, err)
	require.NoError(t, f.graph.UpsertEntity(context.Background(), e))
	return e
}

func TestEntityPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ps := f.passages(t, "item-1", "Notes", "Ada Lovelace said hello.", "Ada Lovelace met Charles Babbage.")
	ada := f.entity(t, "Ada Lovelace", storage.EntityPerson)
	babbage := f.entity(t, "Charles Babbage", storage.EntityPerson)

	require.NoError(t, f.graph.Mention(ctx, "t1", ps[0].ID, ada.ID))
	require.NoError(t, f.graph.Mention(ctx, "t1", ps[1].ID, ada.ID))
	require.NoError(t, f.graph.Mention(ctx, "t1", ps[1].ID, babbage.ID))
	require.NoError(t, f.graph.Relate(ctx, "t1", ada.ID, babbage.ID, PredicateCoMentioned))
	require.NoError(t, f.graph.Relate(ctx, "t1", babbage.ID, ada.ID, PredicateCoMentioned))

	page, err := f.graph.EntityPage(ctx, ada.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", page.Entity.Label)
	assert.Equal(t, "person", page.Entity.Type())

	require.Len(t, page.Facts, 1, "symmetric co-mention edges collapse to one fact")
	assert.Equal(t, Fact{
		Predicate: PredicateCoMentioned, ObjectID: babbage.ID, ObjectName: "Charles Babbage", ObjectType: "person",
	}, page.Facts[0])

	require.Len(t, page.Evidence, 2)
	assert.Equal(t, ps[1].ID, page.Evidence[0].PassageID, "newest mention first")
	assert.Equal(t, "Notes", page.Evidence[0].SourceTitle)
	assert.Equal(t, "item-1", page.Evidence[0].ItemID)

	limited, err := f.graph.EntityPage(ctx, ada.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited.Evidence, 1)
}

func TestEntityPageMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.graph.EntityPage(ctx, "nope", 20)
	assert.ErrorIs(t, err, ErrNotFound)

	ps := f.passages(t, "item-1", "", "text")
	_, err = f.graph.EntityPage(ctx, ps[0].ID, 20)
	assert.ErrorIs(t, err, ErrNotFound, "passage nodes are not entities")
}

func TestUpsertsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ps := f.passages(t, "item-1", "", "Grace Hopper wrote code.")
	grace := f.entity(t, "Grace Hopper", storage.EntityPerson)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.graph.UpsertEntity(ctx, grace))
		require.NoError(t, f.graph.Mention(ctx, "t1", ps[0].ID, grace.ID))
	}

	var nodes, edges int
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM graph_nodes WHERE id = ?`, grace.ID).Scan(&nodes))
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM graph_edges WHERE kind = ?`, EdgeMentions).Scan(&edges))
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 1, edges)
}

func TestRelateIgnoresSelfLoops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.entity(t, "Acme Corp.", storage.EntityOrganization)

	require.NoError(t, f.graph.Relate(ctx, "t1", e.ID, e.ID, PredicateCoMentioned))
	page, err := f.graph.EntityPage(ctx, e.ID, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Facts)
}

func TestNeighbors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ps := f.passages(t, "item-1", "", "one", "two")
	e := f.entity(t, "Kubernetes", storage.EntityTechnology)
	require.NoError(t, f.graph.Mention(ctx, "t1", ps[0].ID, e.ID))
	require.NoError(t, f.graph.Mention(ctx, "t1", ps[1].ID, e.ID))

	mentions, err := f.graph.Neighbors(ctx, e.ID, EdgeMentions, 10)
	require.NoError(t, err)
	assert.Len(t, mentions, 2)
	for _, n := range mentions {
		assert.Equal(t, KindPassage, n.Kind)
		assert.Equal(t, "item-1", n.Properties["item_id"])
	}

	all, err := f.graph.Neighbors(ctx, ps[0].ID, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1, "passage p0 links to the entity; the item has no node")
}
