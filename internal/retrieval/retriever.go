package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/kos/internal/graph"
)

// Mode selects which index answers a search.
type Mode string

const (
	ModeText   Mode = "text"
	ModeVector Mode = "vector"
)

const (
	defaultLimit     = 10
	defaultExpansion = 10
	// relatedLimit caps related entities across all expanded hits.
	relatedLimit = 20
)

// ErrNoEmbedder is returned for vector searches when no engine is configured.
var ErrNoEmbedder = errors.New("vector search requires an embedding engine")

// Hit is a passage returned by Retriever.Search.
type Hit struct {
	PassageID string  `json:"passage_id"`
	ItemID    string  `json:"item_id"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	Mode      Mode    `json:"mode"`
}

// RelatedEntity is an entity mentioned by one of the returned hits.
type RelatedEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Query describes one search. An empty Mode means ModeText.
type Query struct {
	TenantID string
	Text     string
	Mode     Mode
	Limit    int
	Offset   int
}

type Result struct {
	Hits            []Hit           `json:"hits"`
	RelatedEntities []RelatedEntity `json:"related_entities"`
}

// Reranker reorders vector hits by relevance to the query. Candidates
// reports how many hits to fetch so that limit remain after reranking.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []Hit) ([]Hit, error)
	Candidates(limit int) int
}

// EntityGraph is the part of graph.Graph used to expand hits.
type EntityGraph interface {
	Neighbors(ctx context.Context, id, kind string, limit int) ([]graph.Node, error)
}

type RetrieverOption func(*Retriever)

// WithReranker reranks vector hits with rr.
func WithReranker(rr Reranker) RetrieverOption {
	return func(r *Retriever) { r.reranker = rr }
}

// WithEntityGraph expands the first n hits to the entities their passages
// mention. n <= 0 uses the default of 10.
func WithEntityGraph(g EntityGraph, n int) RetrieverOption {
	return func(r *Retriever) {
		r.graph = g
		r.expansion = n
		if n <= 0 {
			r.expansion = defaultExpansion
		}
	}
}

// Retriever answers queries from either the text or the vector index.
type Retriever struct {
	embedder  *Embedder
	vectors   VectorIndex
	text      TextIndex
	reranker  Reranker
	graph     EntityGraph
	expansion int
}

// NewRetriever wires the indexes. embedder may be nil, which disables
// ModeVector.
func NewRetriever(embedder *Embedder, vectors VectorIndex, text TextIndex, opts ...RetrieverOption) *Retriever {
	r := &Retriever{embedder: embedder, vectors: vectors, text: text}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search runs q against the index selected by its mode and expands the hits
// to related entities when an EntityGraph is configured.
func (r *Retriever) Search(ctx context.Context, q Query) (Result, error) {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var (
		hits []Hit
		err  error
	)
	switch q.Mode {
	case "", ModeText:
		hits, err = r.searchText(ctx, q)
	case ModeVector:
		hits, err = r.searchVector(ctx, q)
	default:
		return Result{}, fmt.Errorf("unknown search mode %q", q.Mode)
	}
	if err != nil {
		return Result{}, err
	}
	hits = page(hits, q.Offset, q.Limit)

	related, err := r.expand(ctx, hits)
	if err != nil {
		return Result{}, err
	}
	return Result{Hits: hits, RelatedEntities: related}, nil
}

func page(hits []Hit, offset, limit int) []Hit {
	if offset >= len(hits) {
		return []Hit{}
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (r *Retriever) searchText(ctx context.Context, q Query) ([]Hit, error) {
	found, err := r.text.Search(ctx, q.TenantID, q.Text, q.Offset+q.Limit)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(found))
	for i, h := range found {
		hits[i] = Hit{PassageID: h.PassageID, ItemID: h.ItemID, Text: h.Snippet, Score: h.Score, Mode: ModeText}
	}
	return hits, nil
}

func (r *Retriever) searchVector(ctx context.Context, q Query) ([]Hit, error) {
	if r.embedder == nil || r.vectors == nil {
		return nil, ErrNoEmbedder
	}
	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	want := q.Offset + q.Limit
	if r.reranker != nil {
		want = r.reranker.Candidates(want)
	}
	scored, err := r.vectors.Search(ctx, q.TenantID, vec, want)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(scored))
	for i, s := range scored {
		hits[i] = Hit{PassageID: s.PassageID, ItemID: s.ItemID, Text: s.Text, Score: float64(s.Score), Mode: ModeVector}
	}

	if r.reranker == nil || len(hits) == 0 {
		return hits, nil
	}
	return r.reranker.Rerank(ctx, q.Text, hits)
}

// expand collects the entities mentioned by the first hits, in hit order and
// without duplicates.
func (r *Retriever) expand(ctx context.Context, hits []Hit) ([]RelatedEntity, error) {
	related := []RelatedEntity{}
	if r.graph == nil {
		return related, nil
	}

	seen := map[string]bool{}
	for i, h := range hits {
		if i >= r.expansion || len(related) >= relatedLimit {
			break
		}
		nodes, err := r.graph.Neighbors(ctx, h.PassageID, graph.EdgeMentions, relatedLimit)
		if err != nil {
			return nil, fmt.Errorf("expanding passage %s: %w", h.PassageID, err)
		}
		for _, n := range nodes {
			if n.Kind != graph.KindEntity || seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			related = append(related, RelatedEntity{ID: n.ID, Name: n.Label, Type: n.Type()})
			if len(related) >= relatedLimit {
				break
			}
		}
	}
	return related, nil
}
