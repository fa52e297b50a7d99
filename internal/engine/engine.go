package engine

import (
	"context"
	"errors"
)

// ErrPullUnsupported is returned by engines that serve a fixed model set.
var ErrPullUnsupported = errors.New("engine does not support pulling models")

// Engine abstracts an inference backend (a local Ollama server or any
// OpenAI-compatible endpoint). Agents use it for entity extraction, entity
// page summaries and embeddings.
type Engine interface {
	// Chat sends a completion request and returns the assistant's response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
