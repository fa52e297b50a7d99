package agent

import (
	"log/slog"
	"time"

	"github.com/kalambet/kos/internal/engine"
)

// Defaults for the agent options.
const (
	DefaultChunkSize     = 500
	DefaultChunkOverlap  = 50
	DefaultBatchSize     = 32
	DefaultEvidenceLimit = 20
)

type options struct {
	logger        *slog.Logger
	now           func() time.Time
	chunkSize     int
	chunkOverlap  int
	batchSize     int
	evidenceLimit int
	engine        engine.Engine
	chatModel     string
	useLLM        bool
}

// Option configures an agent. Options an agent has no use for are ignored.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithChunking sets the Chunker's target size and overlap in runes.
func WithChunking(size, overlap int) Option {
	return func(o *options) {
		if size > 0 {
			o.chunkSize = size
		}
		if overlap >= 0 && overlap < o.chunkSize {
			o.chunkOverlap = overlap
		}
	}
}

// WithBatchSize sets how many passages the Embedder and TextIndexer write per batch.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

func WithEvidenceLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.evidenceLimit = n
		}
	}
}

// WithLLM enables the LLM path of an agent. A nil engine leaves it disabled.
func WithLLM(e engine.Engine, chatModel string) Option {
	return func(o *options) {
		o.engine = e
		o.chatModel = chatModel
		o.useLLM = e != nil
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger:        slog.Default(),
		now:           time.Now,
		chunkSize:     DefaultChunkSize,
		chunkOverlap:  DefaultChunkOverlap,
		batchSize:     DefaultBatchSize,
		evidenceLimit: DefaultEvidenceLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
