package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Registry  RegistryConfig  `json:"registry"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Retry     RetryConfig     `json:"retry"`
	Embedding EmbeddingConfig `json:"embedding"`
	Chunker   ChunkerConfig   `json:"chunker"`
	Search    SearchConfig    `json:"search"`
	Ingest    IngestConfig    `json:"ingest"`
	Usage     UsageConfig     `json:"usage"`
	Blob      BlobConfig      `json:"blob"`
	Auth      AuthConfig      `json:"auth"`
}

type ServerConfig struct {
	Port        int    `json:"port"`
	LogLevel    string `json:"log_level"`
	Development bool   `json:"development"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// RegistryConfig controls the provider/model cache. Seed entries are loaded
// into the in-memory store when no database is configured.
type RegistryConfig struct {
	CacheTTL  Duration               `json:"cache_ttl"`
	CacheSize int                    `json:"cache_size"`
	Providers []ProviderSeed         `json:"providers"`
	Models    []ModelSeed            `json:"models"`
	Mappings  []ParameterMappingSeed `json:"mappings"`
}

type ProviderSeed struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	BaseURL   string         `json:"base_url"`
	SecretRef string         `json:"secret_ref"`
	Active    *bool          `json:"active,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

type ModelSeed struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ProviderID      string         `json:"provider_id"`
	Type            string         `json:"type"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	ContextWindow   int            `json:"context_window"`
	Status          string         `json:"status"`
	IsDefault       bool           `json:"is_default"`
	InputCostPer1K  float64        `json:"input_cost_per_1k"`
	OutputCostPer1K float64        `json:"output_cost_per_1k"`
	Config          map[string]any `json:"config,omitempty"`
}

type ParameterMappingSeed struct {
	ModelID       string `json:"model_id"`
	UnifiedParam  string `json:"unified_param"`
	ProviderParam string `json:"provider_param"`
	Transform     string `json:"transform,omitempty"`
}

type DispatchConfig struct {
	Timeout       Duration `json:"timeout"`
	StreamTimeout Duration `json:"stream_timeout"`
}

type RetryConfig struct {
	MaxRetries int      `json:"max_retries"`
	BaseDelay  Duration `json:"base_delay"`
	MaxDelay   Duration `json:"max_delay"`
}

type EmbeddingConfig struct {
	Model          string   `json:"model"`
	Dimension      int      `json:"dimension"`
	QueryCacheSize int      `json:"query_cache_size"`
	RedisCacheTTL  Duration `json:"redis_cache_ttl"`
}

type ChunkerConfig struct {
	MaxTokensPerChunk int     `json:"max_tokens_per_chunk"`
	OverlapTokens     int     `json:"overlap_tokens"`
	SafetyMultiplier  float64 `json:"safety_multiplier"`
}

type SearchConfig struct {
	Threshold float64 `json:"threshold"`
	TopK      int     `json:"top_k"`
}

type IngestConfig struct {
	Workers        int   `json:"workers"`
	QueueSize      int   `json:"queue_size"`
	MaxUploadBytes int64 `json:"max_upload_bytes"`
}

type UsageConfig struct {
	Buffer int `json:"buffer"`
}

type BlobConfig struct {
	Driver    string `json:"driver"`
	Dir       string `json:"dir"`
	Bucket    string `json:"bucket"`
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig      `json:"api_keys"`
	Roles   map[string][]string `json:"roles"`
}

type APIKeyConfig struct {
	ID                  string `json:"id"`
	Key                 string `json:"key"`
	UserID              string `json:"user_id"`
	Role                string `json:"role"`
	MaxTokensPerRequest int    `json:"max_tokens_per_request"`
}

// Duration accepts either a Go duration string ("30s") or a number of
// seconds in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes after env substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied, used when no file
// is present.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = "nuka-rag:registry"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "document_chunks"
	}
	if c.Registry.CacheTTL == 0 {
		c.Registry.CacheTTL = Duration(5 * time.Minute)
	}
	if c.Registry.CacheSize == 0 {
		c.Registry.CacheSize = 1024
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = Duration(30 * time.Second)
	}
	if c.Dispatch.StreamTimeout == 0 {
		c.Dispatch.StreamTimeout = Duration(60 * time.Second)
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(time.Second)
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = Duration(30 * time.Second)
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 1024
	}
	if c.Embedding.QueryCacheSize == 0 {
		c.Embedding.QueryCacheSize = 512
	}
	if c.Embedding.RedisCacheTTL == 0 {
		c.Embedding.RedisCacheTTL = Duration(24 * time.Hour)
	}
	if c.Chunker.MaxTokensPerChunk == 0 {
		c.Chunker.MaxTokensPerChunk = 1500
	}
	if c.Chunker.OverlapTokens == 0 {
		c.Chunker.OverlapTokens = 50
	}
	if c.Chunker.SafetyMultiplier == 0 {
		c.Chunker.SafetyMultiplier = 1.15
	}
	if c.Search.Threshold == 0 {
		c.Search.Threshold = 0.7
	}
	if c.Search.TopK == 0 {
		c.Search.TopK = 5
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 2
	}
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = 64
	}
	if c.Ingest.MaxUploadBytes == 0 {
		c.Ingest.MaxUploadBytes = 32 << 20
	}
	if c.Usage.Buffer == 0 {
		c.Usage.Buffer = 1024
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "local"
	}
	if c.Blob.Dir == "" {
		c.Blob.Dir = "data/uploads"
	}
	if c.Blob.Region == "" {
		c.Blob.Region = "us-east-1"
	}
	if c.Auth.Roles == nil {
		c.Auth.Roles = map[string][]string{
			"admin": {"*"},
			"user":  {"inference:use", "documents:write", "documents:read"},
		}
	}
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch {
	case c.Retry.MaxRetries < 1:
		return apperr.Configuration("retry.max_retries must be at least 1")
	case c.Retry.MaxDelay < c.Retry.BaseDelay:
		return apperr.Configuration("retry.max_delay must not be below retry.base_delay")
	case c.Embedding.Dimension < 1:
		return apperr.Configuration("embedding.dimension must be positive")
	case c.Chunker.OverlapTokens >= c.Chunker.MaxTokensPerChunk:
		return apperr.Configuration("chunker.overlap_tokens must be below max_tokens_per_chunk")
	case c.Chunker.SafetyMultiplier < 1:
		return apperr.Configuration("chunker.safety_multiplier must be at least 1")
	case c.Search.Threshold < -1 || c.Search.Threshold > 1:
		return apperr.Configuration("search.threshold must be within [-1, 1]")
	case c.Blob.Driver != "local" && c.Blob.Driver != "s3":
		return apperr.Configuration(fmt.Sprintf("blob.driver %q is not supported", c.Blob.Driver))
	case c.Blob.Driver == "s3" && c.Blob.Bucket == "":
		return apperr.Configuration("blob.bucket is required for the s3 driver")
	}
	seen := make(map[string]bool)
	for _, m := range c.Registry.Mappings {
		key := m.ModelID + "\x00" + m.UnifiedParam
		if seen[key] {
			return apperr.Configuration(fmt.Sprintf("duplicate mapping %s for model %s", m.UnifiedParam, m.ModelID))
		}
		seen[key] = true
	}
	defaults := make(map[string]string)
	for _, m := range c.Registry.Models {
		if !m.IsDefault {
			continue
		}
		if prev, ok := defaults[m.Type]; ok {
			return apperr.Configuration(fmt.Sprintf("models %s and %s are both default for type %s", prev, m.Name, m.Type))
		}
		defaults[m.Type] = m.Name
	}
	return nil
}
