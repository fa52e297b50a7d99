// Package config loads kos settings from defaults, a TOML file, a .env file
// and KOS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Worker   WorkerConfig
	Pipeline PipelineConfig
	Search   SearchConfig
	LLM      LLMConfig
	Vector   VectorConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host  string
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir     string
	Backend     string
	PostgresDSN string
}

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	LeaseTimeout time.Duration
	ReapInterval time.Duration
}

type PipelineConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
	IndexBatchSize int
	EntityLLM      bool
	PageLLM        bool
	EvidenceLimit  int
}

// SearchConfig tunes query time behaviour. Rerank only applies to vector
// searches and needs an LLM provider.
type SearchConfig struct {
	Rerank          bool
	RerankTopK      int
	RerankThreshold float64
	RerankTimeout   time.Duration
	EntityExpansion int
}

type LLMConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
	RateLimit  float64
	Burst      int
	Timeout    time.Duration
}

type VectorConfig struct {
	Backend string
}

type LogConfig struct {
	Level  string
	Format string
}

// Addr is the listen address for `kos serve`.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Default is the configuration used when no file or environment sets a key.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: "sqlite",
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			BatchSize:    10,
			Concurrency:  4,
			MaxAttempts:  3,
			BackoffBase:  2 * time.Second,
			BackoffMax:   5 * time.Minute,
			LeaseTimeout: 5 * time.Minute,
			ReapInterval: time.Minute,
		},
		Pipeline: PipelineConfig{
			ChunkSize:      500,
			ChunkOverlap:   50,
			EmbedBatchSize: 32,
			IndexBatchSize: 32,
			EvidenceLimit:  20,
		},
		Search: SearchConfig{
			RerankTimeout:   10 * time.Second,
			EntityExpansion: 10,
		},
		LLM: LLMConfig{
			Provider:   "ollama",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
			Burst:      1,
			Timeout:    60 * time.Second,
		},
		Vector: VectorConfig{
			Backend: "sqlite",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at Path(), then .env in the working directory,
// then KOS_* environment variables. Variables already set in the process
// environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	b, err := openFileBackend(Path())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := Default()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the enumerated settings and their dependencies.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "sqlite", "badger":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.backend=postgres requires KOS_STORAGE_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q (sqlite, postgres, badger)", c.Storage.Backend))
	}
	switch c.Vector.Backend {
	case "sqlite":
	case "pgvector":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("vector.backend=pgvector requires KOS_STORAGE_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("vector.backend: unknown backend %q (sqlite, pgvector)", c.Vector.Backend))
	}
	switch c.LLM.Provider {
	case "none", "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q (none, ollama, openai)", c.LLM.Provider))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q (text, json)", c.Log.Format))
	}
	if c.Pipeline.ChunkSize <= 0 {
		errs = append(errs, errors.New("pipeline.chunk_size must be positive"))
	}
	if c.Pipeline.ChunkOverlap < 0 || c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		errs = append(errs, errors.New("pipeline.chunk_overlap must be in [0, chunk_size)"))
	}
	if c.Search.RerankThreshold < 0 || c.Search.RerankThreshold > 1 {
		errs = append(errs, errors.New("search.rerank_threshold must be in [0, 1]"))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, errors.New("worker.max_attempts must be positive"))
	}
	return errors.Join(errs...)
}

// Path is $KOS_CONFIG, or config.toml under the XDG config directory.
func Path() string {
	if p := os.Getenv("KOS_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "kos", "config.toml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "kos-data"
		}
	}
	return filepath.Join(dir, "kos")
}
