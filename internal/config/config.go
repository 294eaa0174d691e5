package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Lookup    LookupConfig
	Index     IndexConfig
	Recommend RecommendConfig
	Explain   ExplainConfig
	Ingest    IngestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port       int `validate:"min=1,max=65535"`
	MCPEnabled bool
}

type OllamaConfig struct {
	BaseURL        string `validate:"required,url"`
	EmbedModel     string `validate:"required"`
	LLMModel       string
	EmbedDimension int `validate:"min=0"`
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type EmbeddingConfig struct {
	Timeout     time.Duration `validate:"gt=0"`
	MaxRetries  int           `validate:"min=0,max=10"`
	Backoff     time.Duration `validate:"gte=0"`
	Concurrency int           `validate:"min=1,max=16"`
}

type LookupConfig struct {
	BaseURL       string        `validate:"required,url"`
	RatePerSecond float64       `validate:"gte=0"`
	CacheTTL      time.Duration `validate:"gte=0"`
}

type IndexConfig struct {
	Backend  string `validate:"oneof=bruteforce hnsw"`
	M        int    `validate:"min=2,max=128"`
	EfSearch int    `validate:"min=1"`

	// ExactThreshold is the catalog size up to which HNSW scans exactly.
	ExactThreshold int `validate:"gte=-1"`
}

type RecommendConfig struct {
	TopK            int     `validate:"min=1,max=100"`
	MinSimilarity   float64 `validate:"gte=-1,lte=1"`
	Oversample      int     `validate:"min=1,max=20"`
	FeedbackWeight  float64 `validate:"gte=0"`
	MaxFeedbackBias float64 `validate:"gte=0,lte=1"`
	PromptWeight    float64 `validate:"gte=0,lte=1"`
	ExcludeDisliked bool
}

type ExplainConfig struct {
	Enabled bool
	Timeout time.Duration `validate:"gt=0"`
}

type IngestConfig struct {
	MaxEmbedAttempts int           `validate:"min=1"`
	PollInterval     time.Duration `validate:"gte=1s"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       4100,
			MCPEnabled: false,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			LLMModel:   "llama3.2",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Timeout:     30 * time.Second,
			MaxRetries:  2,
			Backoff:     500 * time.Millisecond,
			Concurrency: 4,
		},
		Lookup: LookupConfig{
			BaseURL:       "https://openlibrary.org",
			RatePerSecond: 1,
			CacheTTL:      24 * time.Hour,
		},
		Index: IndexConfig{
			Backend:        "bruteforce",
			M:              16,
			EfSearch:       64,
			ExactThreshold: 4096,
		},
		Recommend: RecommendConfig{
			TopK:            10,
			MinSimilarity:   0.2,
			Oversample:      3,
			FeedbackWeight:  0.05,
			MaxFeedbackBias: 0.1,
			PromptWeight:    0.5,
			ExcludeDisliked: true,
		},
		Explain: ExplainConfig{
			Enabled: true,
			Timeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			MaxEmbedAttempts: 5,
			PollInterval:     30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.shelf.app).
// Elsewhere it is a YAML file at $XDG_CONFIG_HOME/shelf/config.yaml.
//
// Environment variables (SHELF_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints and reports all
// violations by config key.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", keyForField(fe.StructNamespace()), fe.Tag()+paramSuffix(fe.Param()), fe.Value())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// keyForField maps "Config.Recommend.TopK" to "recommend.top_k".
func keyForField(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	for _, s := range specs {
		if s.field == ns {
			return s.key
		}
	}
	return ns
}
