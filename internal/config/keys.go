package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "int"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	}
	return "string"
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "KOS_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "KOS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "KOS_SERVER_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KOS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "KOS_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "KOS_STORAGE_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "KOS_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.batch_size", typ: kInt, env: "KOS_WORKER_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Worker.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.BatchSize },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "KOS_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.max_attempts", typ: kInt, env: "KOS_WORKER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Worker.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.MaxAttempts },
	},
	{
		key: "worker.backoff_base", typ: kDuration, env: "KOS_WORKER_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Worker.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.BackoffBase },
	},
	{
		key: "worker.backoff_max", typ: kDuration, env: "KOS_WORKER_BACKOFF_MAX",
		apply:   func(cfg *Config, v any) { cfg.Worker.BackoffMax = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.BackoffMax },
	},
	{
		key: "worker.lease_timeout", typ: kDuration, env: "KOS_WORKER_LEASE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Worker.LeaseTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.LeaseTimeout },
	},
	{
		key: "worker.reap_interval", typ: kDuration, env: "KOS_WORKER_REAP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.ReapInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.ReapInterval },
	},
	{
		key: "pipeline.chunk_size", typ: kInt, env: "KOS_PIPELINE_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ChunkSize },
	},
	{
		key: "pipeline.chunk_overlap", typ: kInt, env: "KOS_PIPELINE_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ChunkOverlap },
	},
	{
		key: "pipeline.embed_batch_size", typ: kInt, env: "KOS_PIPELINE_EMBED_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.EmbedBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.EmbedBatchSize },
	},
	{
		key: "pipeline.index_batch_size", typ: kInt, env: "KOS_PIPELINE_INDEX_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.IndexBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.IndexBatchSize },
	},
	{
		key: "pipeline.entity_llm", typ: kBool, env: "KOS_PIPELINE_ENTITY_LLM",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.EntityLLM = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.EntityLLM },
	},
	{
		key: "pipeline.page_llm", typ: kBool, env: "KOS_PIPELINE_PAGE_LLM",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PageLLM = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.PageLLM },
	},
	{
		key: "pipeline.evidence_limit", typ: kInt, env: "KOS_PIPELINE_EVIDENCE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.EvidenceLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.EvidenceLimit },
	},
	{
		key: "search.rerank", typ: kBool, env: "KOS_SEARCH_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Search.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Search.Rerank },
	},
	{
		key: "search.rerank_top_k", typ: kInt, env: "KOS_SEARCH_RERANK_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Search.RerankTopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.RerankTopK },
	},
	{
		key: "search.rerank_threshold", typ: kFloat, env: "KOS_SEARCH_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Search.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.RerankThreshold },
	},
	{
		key: "search.rerank_timeout", typ: kDuration, env: "KOS_SEARCH_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Search.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.RerankTimeout },
	},
	{
		key: "search.entity_expansion", typ: kInt, env: "KOS_SEARCH_ENTITY_EXPANSION",
		apply:   func(cfg *Config, v any) { cfg.Search.EntityExpansion = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.EntityExpansion },
	},
	{
		key: "llm.provider", typ: kString, env: "KOS_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "KOS_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "KOS_LLM_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.chat_model", typ: kString, env: "KOS_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "KOS_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.rate_limit", typ: kFloat, env: "KOS_LLM_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.LLM.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.RateLimit },
	},
	{
		key: "llm.burst", typ: kInt, env: "KOS_LLM_BURST",
		apply:   func(cfg *Config, v any) { cfg.LLM.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.Burst },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "KOS_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "vector.backend", typ: kString, env: "KOS_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "log.level", typ: kString, env: "KOS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "KOS_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw string (env var or CLI argument) to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

// coerce converts a decoded TOML value to the key's type.
func (s keySpec) coerce(v any) (any, error) {
	if str, ok := v.(string); ok {
		return s.parse(str)
	}
	switch s.typ {
	case kInt:
		switch n := v.(type) {
		case int64:
			return int(n), nil
		case int:
			return n, nil
		}
	case kBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", s.typ, v)
}

// applyBackend copies file values onto cfg. Secrets are only read from the
// environment.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Get(s.key)
		if !ok {
			continue
		}
		v, err := s.coerce(raw)
		if err != nil {
			return fmt.Errorf("config key %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("env %s: %w", s.env, err)
		}
		s.apply(cfg, v)
	}
	return nil
}
