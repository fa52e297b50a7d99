package retrieval

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/kos/internal/engine"
)

const defaultEmbedParallelism = 4

// ErrEmptyVector is returned when the engine yields a zero-length embedding.
var ErrEmptyVector = errors.New("engine returned an empty embedding")

// Embedder turns passage text into vectors with one engine model. Every
// vector it returns for a batch has the same dimension.
type Embedder struct {
	engine      engine.Engine
	model       string
	parallelism int
}

func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model, parallelism: defaultEmbedParallelism}
}

// SetParallelism bounds the concurrent engine calls of EmbedBatch.
func (e *Embedder) SetParallelism(n int) {
	if n > 0 {
		e.parallelism = n
	}
}

// Model is the embedding model name recorded with each vector.
func (e *Embedder) Model() string {
	return e.model
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", e.model, err)
	}
	if len(vec) == 0 {
		return nil, ErrEmptyVector
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently and returns vectors in input order.
// Empty input returns nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(out[0])
	for i, v := range out[1:] {
		if len(v) != dim {
			return nil, fmt.Errorf("text %d: dimension %d differs from %d", i+1, len(v), dim)
		}
	}
	return out, nil
}
