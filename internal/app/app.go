// Package app assembles the kos components from a Config. The CLI commands,
// the HTTP server and the MCP server all start from an App.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/kalambet/kos/internal/agent"
	"github.com/kalambet/kos/internal/api"
	"github.com/kalambet/kos/internal/config"
	"github.com/kalambet/kos/internal/engine"
	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/ingest"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/reranking"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
	"github.com/kalambet/kos/internal/storage/badger"
	"github.com/kalambet/kos/internal/storage/postgres"
	"github.com/kalambet/kos/internal/worker"
)

const memoryDir = ":memory:"

// App holds the opened stores and the services built on them.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Store *storage.Store
	Queue outbox.Queue
	Graph *graph.Graph

	// Engine is nil when llm.provider is "none".
	Engine engine.Engine
	// Embedder is nil without an Engine; vector search is then unavailable.
	Embedder  *retrieval.Embedder
	Vectors   retrieval.VectorIndex
	Text      retrieval.TextIndex
	Retriever *retrieval.Retriever
	Ingest    *ingest.Service

	closers []io.Closer
}

// New opens the stores selected by cfg. The caller must Close the App.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store)
	a.Graph = graph.New(store.DB())

	var pg *sql.DB
	if cfg.Storage.Backend == "postgres" || cfg.Vector.Backend == "pgvector" {
		pg, err = postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg)
		if err := postgres.Migrate(ctx, pg); err != nil {
			return err
		}
	}

	switch cfg.Storage.Backend {
	case "postgres":
		a.Queue = postgres.NewOutbox(pg, a.Policy())
	case "badger":
		dir := ""
		if cfg.Storage.DataDir != memoryDir {
			dir = filepath.Join(cfg.Storage.DataDir, "outbox")
		}
		q, err := badger.Open(dir, a.Policy(), a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, q)
		a.Queue = q
	default:
		a.Queue = storage.NewOutbox(store, a.Policy())
	}

	switch cfg.Vector.Backend {
	case "pgvector":
		a.Vectors = postgres.NewVectorIndex(pg)
	default:
		a.Vectors = retrieval.NewSQLiteStore(store.DB())
	}
	a.Text = retrieval.NewFTSIndex(store.DB())

	a.Engine, err = engine.New(engine.Config{
		Provider:  cfg.LLM.Provider,
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Timeout:   cfg.LLM.Timeout,
		RateLimit: cfg.LLM.RateLimit,
		Burst:     cfg.LLM.Burst,
	})
	if err != nil {
		return err
	}
	if a.Engine != nil {
		a.Embedder = retrieval.NewEmbedder(a.Engine, cfg.LLM.EmbedModel)
	}
	a.Retriever = retrieval.NewRetriever(a.Embedder, a.Vectors, a.Text, a.searchOptions()...)
	a.Ingest = ingest.NewService(store, a.Queue, nil, a.Logger)
	return nil
}

func (a *App) searchOptions() []retrieval.RetrieverOption {
	s := a.Config.Search
	opts := []retrieval.RetrieverOption{retrieval.WithEntityGraph(a.Graph, s.EntityExpansion)}
	if s.Rerank {
		opts = append(opts, retrieval.WithReranker(reranking.New(a.Engine, reranking.Config{
			Model:     a.Config.LLM.ChatModel,
			TopK:      s.RerankTopK,
			Threshold: s.RerankThreshold,
			Timeout:   s.RerankTimeout,
			Logger:    a.Logger.With("component", "reranker"),
		})))
	}
	return opts
}

// Close releases everything New opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Policy is the outbox retry policy from the worker settings.
func (a *App) Policy() outbox.Policy {
	w := a.Config.Worker
	return outbox.Policy{
		MaxAttempts: w.MaxAttempts,
		BackoffBase: w.BackoffBase,
		BackoffMax:  w.BackoffMax,
	}
}

// EnsureEngine checks the configured models when an Engine is present.
func (a *App) EnsureEngine(ctx context.Context, w io.Writer) error {
	if a.Engine == nil {
		return nil
	}
	models := []string{a.Config.LLM.EmbedModel}
	if a.Config.Pipeline.EntityLLM || a.Config.Pipeline.PageLLM || a.Config.Search.Rerank {
		models = append(models, a.Config.LLM.ChatModel)
	}
	return engine.EnsureReady(ctx, a.Engine, w, models...)
}

// Agents builds the pipeline agents and keeps those named (all when names is
// empty). The embed agent is left out when no Engine is configured.
func (a *App) Agents(names []string) ([]agent.Agent, error) {
	p := a.Config.Pipeline
	log := agent.WithLogger(a.Logger)

	var extractOpts, pageOpts []agent.Option
	extractOpts = append(extractOpts, log)
	pageOpts = append(pageOpts, log, agent.WithEvidenceLimit(p.EvidenceLimit))
	if p.EntityLLM {
		extractOpts = append(extractOpts, agent.WithLLM(a.Engine, a.Config.LLM.ChatModel))
	}
	if p.PageLLM {
		pageOpts = append(pageOpts, agent.WithLLM(a.Engine, a.Config.LLM.ChatModel))
	}

	all := []agent.Agent{
		agent.NewChunker(a.Store, a.Store, log, agent.WithChunking(p.ChunkSize, p.ChunkOverlap)),
		agent.NewEntityExtractor(a.Store, a.Store, a.Graph, a.Store, extractOpts...),
		agent.NewTextIndexer(a.Store, a.Text, a.Store, log, agent.WithBatchSize(p.IndexBatchSize)),
		agent.NewEntityPageScheduler(a.Store, log),
		agent.NewEntityPageBuilder(a.Store, a.Graph, a.Store, a.Store, pageOpts...),
	}
	if a.Embedder != nil {
		all = append(all, agent.NewEmbedder(a.Store, a.Embedder, a.Vectors, a.Store, log, agent.WithBatchSize(p.EmbedBatchSize)))
	} else {
		a.Logger.Warn("no llm provider configured, embed agent disabled")
	}
	return agent.Select(all, names)
}

// Worker builds a worker over the named agents. Zero fields of overrides
// fall back to the worker settings in the config.
func (a *App) Worker(names []string, overrides worker.Config) (*worker.Worker, error) {
	agents, err := a.Agents(names)
	if err != nil {
		return nil, err
	}

	w := a.Config.Worker
	cfg := worker.Config{
		PollInterval: w.PollInterval,
		BatchSize:    w.BatchSize,
		Concurrency:  w.Concurrency,
		LeaseTimeout: w.LeaseTimeout,
		ReapInterval: w.ReapInterval,
		Name:         overrides.Name,
		FilterTypes:  len(names) > 0 || overrides.FilterTypes,
	}
	if overrides.PollInterval > 0 {
		cfg.PollInterval = overrides.PollInterval
	}
	if overrides.BatchSize > 0 {
		cfg.BatchSize = overrides.BatchSize
	}
	if overrides.Concurrency > 0 {
		cfg.Concurrency = overrides.Concurrency
	}
	if overrides.LeaseTimeout > 0 {
		cfg.LeaseTimeout = overrides.LeaseTimeout
	}
	if overrides.ReapInterval != 0 {
		cfg.ReapInterval = overrides.ReapInterval
	}
	return worker.New(a.Queue, a.Store, agents, cfg, a.Logger)
}

// APIDeps wires the App into the HTTP and MCP surfaces.
func (a *App) APIDeps() api.Deps {
	return api.Deps{
		Store:         a.Store,
		Graph:         a.Graph,
		Queue:         a.Queue,
		Ingest:        a.Ingest,
		Search:        a.Retriever,
		Token:         a.Config.Server.Token,
		EvidenceLimit: a.Config.Pipeline.EvidenceLimit,
		Logger:        a.Logger,
	}
}
