package config

import (
	"fmt"
	"log/slog"
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

type keySpec struct {
	key     string
	field   string // struct path, used in validation messages
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", field: "Server.Port", typ: kInt, env: "SHELF_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", field: "Server.MCPEnabled", typ: kBool, env: "SHELF_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "ollama.base_url", field: "Ollama.BaseURL", typ: kString, env: "SHELF_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", field: "Ollama.EmbedModel", typ: kString, env: "SHELF_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.llm_model", field: "Ollama.LLMModel", typ: kString, env: "SHELF_OLLAMA_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.LLMModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.LLMModel },
	},
	{
		key: "ollama.embed_dimension", field: "Ollama.EmbedDimension", typ: kInt, env: "SHELF_OLLAMA_EMBED_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedDimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedDimension },
	},
	{
		key: "storage.data_dir", field: "Storage.DataDir", typ: kString, env: "SHELF_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embedding.timeout", field: "Embedding.Timeout", typ: kDuration, env: "SHELF_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "embedding.max_retries", field: "Embedding.MaxRetries", typ: kInt, env: "SHELF_EMBEDDING_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Embedding.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.MaxRetries },
	},
	{
		key: "embedding.concurrency", field: "Embedding.Concurrency", typ: kInt, env: "SHELF_EMBEDDING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Concurrency },
	},
	{
		key: "embedding.backoff", field: "Embedding.Backoff", typ: kDuration, env: "SHELF_EMBEDDING_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Backoff },
	},
	{
		key: "lookup.base_url", field: "Lookup.BaseURL", typ: kString, env: "SHELF_LOOKUP_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Lookup.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Lookup.BaseURL },
	},
	{
		key: "lookup.rate_per_second", field: "Lookup.RatePerSecond", typ: kFloat, env: "SHELF_LOOKUP_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Lookup.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Lookup.RatePerSecond },
	},
	{
		key: "lookup.cache_ttl", field: "Lookup.CacheTTL", typ: kDuration, env: "SHELF_LOOKUP_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Lookup.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Lookup.CacheTTL },
	},
	{
		key: "index.backend", field: "Index.Backend", typ: kString, env: "SHELF_INDEX_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Index.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Backend },
	},
	{
		key: "index.hnsw_m", field: "Index.M", typ: kInt, env: "SHELF_INDEX_HNSW_M",
		apply:   func(cfg *Config, v any) { cfg.Index.M = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.M },
	},
	{
		key: "index.hnsw_ef_search", field: "Index.EfSearch", typ: kInt, env: "SHELF_INDEX_HNSW_EF_SEARCH",
		apply:   func(cfg *Config, v any) { cfg.Index.EfSearch = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.EfSearch },
	},
	{
		key: "index.exact_threshold", field: "Index.ExactThreshold", typ: kInt, env: "SHELF_INDEX_EXACT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Index.ExactThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.ExactThreshold },
	},
	{
		key: "recommend.top_k", field: "Recommend.TopK", typ: kInt, env: "SHELF_RECOMMEND_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Recommend.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.TopK },
	},
	{
		key: "recommend.min_similarity", field: "Recommend.MinSimilarity", typ: kFloat, env: "SHELF_RECOMMEND_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Recommend.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.MinSimilarity },
	},
	{
		key: "recommend.oversample", field: "Recommend.Oversample", typ: kInt, env: "SHELF_RECOMMEND_OVERSAMPLE",
		apply:   func(cfg *Config, v any) { cfg.Recommend.Oversample = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.Oversample },
	},
	{
		key: "recommend.feedback_weight", field: "Recommend.FeedbackWeight", typ: kFloat, env: "SHELF_RECOMMEND_FEEDBACK_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Recommend.FeedbackWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.FeedbackWeight },
	},
	{
		key: "recommend.max_feedback_bias", field: "Recommend.MaxFeedbackBias", typ: kFloat, env: "SHELF_RECOMMEND_MAX_FEEDBACK_BIAS",
		apply:   func(cfg *Config, v any) { cfg.Recommend.MaxFeedbackBias = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.MaxFeedbackBias },
	},
	{
		key: "recommend.prompt_weight", field: "Recommend.PromptWeight", typ: kFloat, env: "SHELF_RECOMMEND_PROMPT_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Recommend.PromptWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.PromptWeight },
	},
	{
		key: "recommend.exclude_disliked", field: "Recommend.ExcludeDisliked", typ: kBool, env: "SHELF_RECOMMEND_EXCLUDE_DISLIKED",
		apply:   func(cfg *Config, v any) { cfg.Recommend.ExcludeDisliked = v.(bool) },
		extract: func(cfg Config) any { return cfg.Recommend.ExcludeDisliked },
	},
	{
		key: "explain.enabled", field: "Explain.Enabled", typ: kBool, env: "SHELF_EXPLAIN_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Explain.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Explain.Enabled },
	},
	{
		key: "explain.timeout", field: "Explain.Timeout", typ: kDuration, env: "SHELF_EXPLAIN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Explain.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Explain.Timeout },
	},
	{
		key: "ingest.max_embed_attempts", field: "Ingest.MaxEmbedAttempts", typ: kInt, env: "SHELF_INGEST_MAX_EMBED_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxEmbedAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxEmbedAttempts },
	},
	{
		key: "ingest.poll_interval", field: "Ingest.PollInterval", typ: kDuration, env: "SHELF_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "log.level", field: "Log.Level", typ: kString, env: "SHELF_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string into the key's type.
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
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("could not parse config value, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("could not parse env var, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}
