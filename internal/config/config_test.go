package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string) (Config, error) {
	t.Helper()
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

// clearEnv unsets every KOS_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		if v, ok := os.LookupEnv(s.env); ok {
			os.Unsetenv(s.env)
			t.Cleanup(func() { os.Setenv(s.env, v) })
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadFromPath(t, filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:4100" {
		t.Errorf("Server.Addr() = %q, want 127.0.0.1:4100", cfg.Server.Addr())
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("Worker.MaxAttempts = %d, want 3", cfg.Worker.MaxAttempts)
	}
	if cfg.Worker.LeaseTimeout != 5*time.Minute {
		t.Errorf("Worker.LeaseTimeout = %v, want 5m", cfg.Worker.LeaseTimeout)
	}
	if cfg.Pipeline.ChunkSize != 500 || cfg.Pipeline.ChunkOverlap != 50 {
		t.Errorf("chunking = %d/%d, want 500/50", cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap)
	}
	if cfg.LLM.Provider != "ollama" || cfg.LLM.EmbedModel != "nomic-embed-text" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
}

func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
[server]
port = 9000
token = "ignored-secret"

[worker]
poll_interval = "250ms"
batch_size = 25

[pipeline]
entity_llm = true

[llm]
provider = "openai"
rate_limit = 2
`)
	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.Token != "" {
		t.Errorf("Server.Token = %q, secrets must not be read from the file", cfg.Server.Token)
	}
	if cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Errorf("Worker.PollInterval = %v, want 250ms", cfg.Worker.PollInterval)
	}
	if cfg.Worker.BatchSize != 25 {
		t.Errorf("Worker.BatchSize = %d, want 25", cfg.Worker.BatchSize)
	}
	if !cfg.Pipeline.EntityLLM {
		t.Error("Pipeline.EntityLLM = false, want true")
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.RateLimit != 2 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
}

func TestSearchSection(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
[search]
rerank = true
rerank_top_k = 4
rerank_threshold = 0.25
rerank_timeout = "3s"
`)
	t.Setenv("KOS_SEARCH_ENTITY_EXPANSION", "0")
	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := SearchConfig{Rerank: true, RerankTopK: 4, RerankThreshold: 0.25, RerankTimeout: 3 * time.Second}
	if cfg.Search != want {
		t.Errorf("Search = %+v, want %+v", cfg.Search, want)
	}
	if d := Default().Search; d.Rerank || d.EntityExpansion != 10 {
		t.Errorf("default Search = %+v", d)
	}
}

func TestTOMLTypeMismatch(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[worker]\nbatch_size = \"lots\"\n")
	_, err := loadFromPath(t, path)
	if err == nil || !strings.Contains(err.Error(), "worker.batch_size") {
		t.Fatalf("expected error naming worker.batch_size, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[worker]\nconcurrency = 2\n")
	t.Setenv("KOS_WORKER_CONCURRENCY", "8")
	t.Setenv("KOS_SERVER_TOKEN", "env-token")
	t.Setenv("KOS_WORKER_BACKOFF_BASE", "0s")

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("Worker.Concurrency = %d, want 8", cfg.Worker.Concurrency)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("Server.Token = %q, want env-token", cfg.Server.Token)
	}
	if cfg.Worker.BackoffBase != 0 {
		t.Errorf("Worker.BackoffBase = %v, want 0", cfg.Worker.BackoffBase)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("KOS_WORKER_POLL_INTERVAL", "soon")
	_, err := loadFromPath(t, filepath.Join(t.TempDir(), "none.toml"))
	if err == nil || !strings.Contains(err.Error(), "KOS_WORKER_POLL_INTERVAL") {
		t.Fatalf("expected error naming the env var, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "KOS_STORAGE_POSTGRES_DSN"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mysql" }, "storage.backend"},
		{"pgvector without dsn", func(c *Config) { c.Vector.Backend = "pgvector" }, "vector.backend"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "mlx" }, "llm.provider"},
		{"overlap too large", func(c *Config) { c.Pipeline.ChunkOverlap = 500 }, "chunk_overlap"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"rerank threshold", func(c *Config) { c.Search.RerankThreshold = 1.5 }, "search.rerank_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.Storage.Backend = "postgres"
	cfg.Vector.Backend = "pgvector"
	cfg.Storage.PostgresDSN = "postgres://localhost/kos"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "kos", "config.toml")
	b, err := openFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := setKey(b, "worker.batch_size", "42"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "worker.lease_timeout", "90s"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "pipeline.page_llm", "true"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "[worker]") {
		t.Errorf("expected nested [worker] table, got:\n%s", raw)
	}

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.BatchSize != 42 {
		t.Errorf("Worker.BatchSize = %d, want 42", cfg.Worker.BatchSize)
	}
	if cfg.Worker.LeaseTimeout != 90*time.Second {
		t.Errorf("Worker.LeaseTimeout = %v, want 1m30s", cfg.Worker.LeaseTimeout)
	}
	if !cfg.Pipeline.PageLLM {
		t.Error("Pipeline.PageLLM = false, want true")
	}
}

func TestSetKeyRejects(t *testing.T) {
	b, err := openFileBackend(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "llm.api_key", "sk-123"); err == nil || !strings.Contains(err.Error(), "KOS_LLM_API_KEY") {
		t.Errorf("setting a secret: got %v", err)
	}
	if err := setKey(b, "nope.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(b, "worker.batch_size", "ten"); err == nil {
		t.Error("expected error for non-integer value")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-live"
	for _, k := range ShowAll(cfg) {
		if k.Key == "llm.api_key" && k.Value != "********" {
			t.Errorf("llm.api_key shown as %q", k.Value)
		}
		if k.Key == "server.token" && k.Value != "" {
			t.Errorf("empty secret shown as %q", k.Value)
		}
	}
	for _, k := range ValidKeys() {
		if k == "storage.postgres_dsn" {
			t.Error("ValidKeys includes a secret")
		}
	}
}
