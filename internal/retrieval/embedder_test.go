package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kos/internal/engine"
)

// fakeEngine only implements Embed; other Engine methods panic.
type fakeEngine struct {
	engine.Engine
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (f *fakeEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return f.embedFn(ctx, model, text)
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func TestEmbedReturnsDimension(t *testing.T) {
	var gotModel string
	e := NewEmbedder(&fakeEngine{embedFn: func(_ context.Context, model, _ string) ([]float32, error) {
		gotModel = model
		return makeVector(384), nil
	}}, "nomic-embed-text")

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 384)
	assert.Equal(t, "nomic-embed-text", gotModel)
	assert.Equal(t, "nomic-embed-text", e.Model())
}

func TestEmbedBatchKeepsOrder(t *testing.T) {
	e := NewEmbedder(&fakeEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	}}, "m")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{1}, vecs[0])
	assert.Equal(t, []float32{2}, vecs[1])
	assert.Equal(t, []float32{3}, vecs[2])
}

func TestEmbedBatchPropagatesError(t *testing.T) {
	e := NewEmbedder(&fakeEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		if text == "b" {
			return nil, errors.New("embedding failed")
		}
		return makeVector(4), nil
	}}, "m")

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding failed")
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	var calls atomic.Int32
	e := NewEmbedder(&fakeEngine{embedFn: func(context.Context, string, string) ([]float32, error) {
		calls.Add(1)
		return nil, nil
	}}, "m")

	vecs, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Zero(t, calls.Load())
}

func TestEmbedRejectsEmptyVector(t *testing.T) {
	e := NewEmbedder(&fakeEngine{embedFn: func(context.Context, string, string) ([]float32, error) {
		return []float32{}, nil
	}}, "m")

	_, err := e.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmptyVector)
}

func TestEmbedBatchRejectsMixedDimensions(t *testing.T) {
	e := NewEmbedder(&fakeEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		return makeVector(len(text)), nil
	}}, "m")

	_, err := e.EmbedBatch(context.Background(), []string{"ab", "ab", "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension 3 differs from 2")
}

func TestEmbedBatchParallelism(t *testing.T) {
	var inFlight, peak atomic.Int32
	e := NewEmbedder(&fakeEngine{embedFn: func(context.Context, string, string) ([]float32, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		return makeVector(2), nil
	}}, "m")
	e.SetParallelism(1)

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, peak.Load())
}
