// Package config loads coordinator configuration from the environment.
// Missing or invalid required settings are fatal: the process exits before
// any loop starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/dydact/omni/pkg/models"
)

// Embedding provider names.
const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
	ProviderMock    = "mock"
)

// Config is the full coordinator configuration.
type Config struct {
	// Port the HTTP API listens on. Required.
	Port int

	// DatabaseURL selects postgres (postgres:// URLs) or sqlite (a file
	// path). Defaults to a local sqlite file.
	DatabaseURL string

	// PublicURL is the externally reachable base URL of this coordinator,
	// handed to remote connectors as the callback base. Defaults to
	// http://localhost:{PORT}.
	PublicURL string

	LogLevel string

	StorageBackend models.StorageBackend
	ObjectStore    ObjectStoreConfig

	Embedding EmbeddingConfig
	Batch     BatchConfig

	// SchedulerInterval is how often scheduled incremental syncs are
	// considered.
	SchedulerInterval time.Duration

	Events EventsConfig

	// Connectors maps source types to remote connector endpoints, loaded
	// from an optional YAML registry file.
	Connectors map[string]string
}

// ObjectStoreConfig configures the S3-compatible object store.
type ObjectStoreConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	// RoleARN is the IAM role Bedrock assumes for batch jobs.
	RoleARN string
}

// BatchConfig configures the batch inference pipeline.
type BatchConfig struct {
	Enabled             bool
	MinDocuments        int
	MaxDocuments        int
	AccumulationTimeout time.Duration
	AccumulationPoll    time.Duration
	MonitorPoll         time.Duration
	// ChunkMode is the chunking strategy (fixed, sentence, semantic).
	ChunkMode string
	// ChunkMaxChars is the chunk size ceiling in characters.
	ChunkMaxChars int
}

// EventsConfig configures the optional document event relay. The relay is
// enabled only when brokers are set.
type EventsConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv loads configuration from process environment variables.
func FromEnv() (*Config, error) {
	return Load(os.Getenv)
}

// Load builds and validates a Config using the given variable lookup.
func Load(getenv func(string) string) (*Config, error) {
	env := &reader{getenv: getenv}

	cfg := &Config{
		Port:        env.integer("PORT", 0),
		DatabaseURL: env.str("DATABASE_URL", "omni.db"),
		PublicURL:   env.str("PUBLIC_URL", ""),
		LogLevel:    env.str("LOG_LEVEL", "info"),

		StorageBackend: models.StorageBackend(env.str("STORAGE_BACKEND", string(models.StorageBackendRelational))),
		ObjectStore: ObjectStoreConfig{
			Bucket:    env.str("OBJECT_STORE_BUCKET", ""),
			Region:    env.str("OBJECT_STORE_REGION", "us-east-1"),
			Endpoint:  env.str("OBJECT_STORE_ENDPOINT", ""),
			AccessKey: env.str("OBJECT_STORE_ACCESS_KEY", ""),
			SecretKey: env.str("OBJECT_STORE_SECRET_KEY", ""),
			Prefix:    env.str("OBJECT_STORE_PREFIX", ""),
		},

		Embedding: EmbeddingConfig{
			Provider:   env.str("EMBEDDING_PROVIDER", ProviderMock),
			BaseURL:    env.str("EMBEDDING_API_URL", ""),
			APIKey:     env.str("EMBEDDING_API_KEY", ""),
			Model:      env.str("EMBEDDING_MODEL", ""),
			Dimensions: env.integer("EMBEDDING_DIMENSIONS", 0),
			RoleARN:    env.str("BEDROCK_ROLE_ARN", ""),
		},

		Batch: BatchConfig{
			Enabled:             env.boolean("ENABLE_EMBEDDING_BATCH_INFERENCE", true),
			MinDocuments:        env.integer("EMBEDDING_BATCH_MIN_DOCUMENTS", 10),
			MaxDocuments:        env.integer("EMBEDDING_BATCH_MAX_DOCUMENTS", 100),
			AccumulationTimeout: env.seconds("EMBEDDING_BATCH_ACCUMULATION_TIMEOUT_SECONDS", 5*time.Minute),
			AccumulationPoll:    env.seconds("EMBEDDING_BATCH_ACCUMULATION_POLL_INTERVAL", 30*time.Second),
			MonitorPoll:         env.seconds("EMBEDDING_BATCH_MONITOR_POLL_INTERVAL", time.Minute),
			ChunkMode:           env.str("EMBEDDING_CHUNK_MODE", "sentence"),
			ChunkMaxChars:       env.integer("EMBEDDING_CHUNK_MAX_CHARS", 1000),
		},

		SchedulerInterval: env.seconds("SYNC_SCHEDULER_INTERVAL_SECONDS", time.Minute),

		Events: EventsConfig{
			Brokers: env.list("EVENT_BROKERS"),
			Topic:   env.str("EVENT_TOPIC", "omni.document-events"),
		},
	}

	if path := getenv("CONNECTOR_REGISTRY_FILE"); path != "" {
		connectors, err := LoadConnectorRegistry(afero.NewOsFs(), path)
		if err != nil {
			return nil, err
		}
		cfg.Connectors = connectors
	}

	if env.err != nil {
		return nil, env.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	return cfg, nil
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.StorageBackend, validation.In(
			models.StorageBackendRelational,
			models.StorageBackendObjectStore,
		)),
		validation.Field(&c.SchedulerInterval, validation.Min(time.Second)),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	err = validation.ValidateStruct(&c.Embedding,
		validation.Field(&c.Embedding.Provider, validation.Required,
			validation.In(ProviderBedrock, ProviderOpenAI, ProviderMock)),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.StorageBackend == models.StorageBackendObjectStore && c.ObjectStore.Bucket == "" {
		return fmt.Errorf("invalid configuration: OBJECT_STORE_BUCKET is required when STORAGE_BACKEND=object_store")
	}
	if c.Embedding.Provider == ProviderOpenAI && c.Embedding.Model == "" {
		return fmt.Errorf("invalid configuration: EMBEDDING_MODEL is required for the openai provider")
	}
	if c.Embedding.Provider == ProviderOpenAI && c.Embedding.APIKey == "" {
		return fmt.Errorf("invalid configuration: EMBEDDING_API_KEY is required for the openai provider")
	}
	if c.Batch.Enabled {
		err = validation.ValidateStruct(&c.Batch,
			validation.Field(&c.Batch.MinDocuments, validation.Min(1)),
			validation.Field(&c.Batch.MaxDocuments, validation.Min(c.Batch.MinDocuments)),
		)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return nil
}

// connectorRegistry is the YAML shape of the registry file.
type connectorRegistry struct {
	Connectors map[string]string `yaml:"connectors"`
}

// LoadConnectorRegistry reads the source-type to endpoint map from a YAML
// file.
func LoadConnectorRegistry(fs afero.Fs, path string) (map[string]string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector registry %s: %w", path, err)
	}
	var reg connectorRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("invalid connector registry %s: %w", path, err)
	}
	for sourceType, endpoint := range reg.Connectors {
		if endpoint == "" {
			return nil, fmt.Errorf("invalid connector registry %s: empty endpoint for %q", path, sourceType)
		}
	}
	return reg.Connectors, nil
}

// reader collects the first env parse error instead of failing per call.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, def string) string {
	if v := r.getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) seconds(key string, def time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return time.Duration(n) * time.Second
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) list(key string) []string {
	v := r.getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}
