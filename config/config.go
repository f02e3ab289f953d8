// Package config loads the service configuration from config/<env>.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the legal research service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds the Postgres (pgvector) connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the embedding cache connection. An empty Addr disables the cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"embedding_ttl_hours"`
}

// StorageConfig selects where result artifacts are written.
type StorageConfig struct {
	Type         string `yaml:"type"` // local, s3
	LocalPath    string `yaml:"local_path"`
	S3Bucket     string `yaml:"s3_bucket"`
	S3Region     string `yaml:"s3_region"`
	AWSAccessKey string `yaml:"aws_access_key_id"`
	AWSSecretKey string `yaml:"aws_secret_access_key"`
}

// LLMProviderConfig is one entry of the failover chain.
type LLMProviderConfig struct {
	Name    string   `yaml:"name"` // gemini, anthropic, openai
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url"`
	APIKeys []string `yaml:"api_keys"`
}

// LLMConfig holds the LLM gateway settings. Providers are tried in order.
type LLMConfig struct {
	Providers     []LLMProviderConfig `yaml:"providers"`
	Attempts      int                 `yaml:"attempts"`
	TimeoutSec    int                 `yaml:"timeout_sec"`
	BackoffMs     int                 `yaml:"backoff_ms"`
	TokenEncoding string              `yaml:"token_encoding"`
}

// EmbeddingConfig holds the query embedding model used by legal DB search.
type EmbeddingConfig struct {
	Model   string   `yaml:"model"`
	APIKeys []string `yaml:"api_keys"`
}

// WebSearchConfig holds the web search API settings.
type WebSearchConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	APIKeys       []string `yaml:"api_keys"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
}

// SearchConfig holds search gateway settings.
type SearchConfig struct {
	Web        WebSearchConfig `yaml:"web"`
	Attempts   int             `yaml:"attempts"`
	TimeoutSec int             `yaml:"timeout_sec"`
}

// PipelineConfig holds the tunable policy constants of a research run.
type PipelineConfig struct {
	TokenCeiling          int `yaml:"token_ceiling"`
	HistoryTurns          int `yaml:"history_turns"`
	RetrievalTimeoutSec   int `yaml:"retrieval_timeout_sec"`
	MinSourceContentChars int `yaml:"min_source_content_chars"`
	EnhancerMinChars      int `yaml:"enhancer_min_chars"`
	EnhancerMaxChars      int `yaml:"enhancer_max_chars"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
// A .env file, if present, is loaded into the environment first.
func Load(env string) (Config, error) {
	_ = godotenv.Load()

	configPath := findConfigPath(env)
	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse decodes YAML with ${VAR} expansion, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 15
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// a synchronous research run can take minutes
		c.HTTP.WriteTimeoutSec = 300
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Redis.TTLHours <= 0 {
		c.Redis.TTLHours = 24 * 7
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "local"
	}
	if c.Storage.LocalPath == "" {
		c.Storage.LocalPath = "./storage/files"
	}
	if c.Storage.S3Region == "" {
		c.Storage.S3Region = "us-east-1"
	}
	if c.LLM.Attempts <= 0 {
		c.LLM.Attempts = 2
	}
	if c.LLM.TimeoutSec <= 0 {
		c.LLM.TimeoutSec = 60
	}
	if c.LLM.BackoffMs < 0 {
		c.LLM.BackoffMs = 0
	}
	if c.LLM.TokenEncoding == "" {
		c.LLM.TokenEncoding = "cl100k_base"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-004"
	}
	if c.Search.Attempts <= 0 {
		c.Search.Attempts = 2
	}
	if c.Search.TimeoutSec <= 0 {
		c.Search.TimeoutSec = 20
	}
	if c.Search.Web.RatePerSecond <= 0 {
		c.Search.Web.RatePerSecond = 5
	}
	if c.Search.Web.Burst <= 0 {
		c.Search.Web.Burst = 5
	}
	if c.Pipeline.TokenCeiling <= 0 {
		c.Pipeline.TokenCeiling = 50000
	}
	if c.Pipeline.HistoryTurns <= 0 {
		c.Pipeline.HistoryTurns = 3
	}
	if c.Pipeline.RetrievalTimeoutSec <= 0 {
		c.Pipeline.RetrievalTimeoutSec = 45
	}
	if c.Pipeline.MinSourceContentChars <= 0 {
		c.Pipeline.MinSourceContentChars = 40
	}
	if c.Pipeline.EnhancerMinChars <= 0 {
		c.Pipeline.EnhancerMinChars = 8
	}
	if c.Pipeline.EnhancerMaxChars <= 0 {
		c.Pipeline.EnhancerMaxChars = 400
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "legalresearch-backend"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("storage.type must be \"local\" or \"s3\", got %q", c.Storage.Type)
	}
	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("llm.providers must list at least one provider")
	}
	for i, p := range c.LLM.Providers {
		switch p.Name {
		case "gemini", "anthropic", "openai":
		default:
			return fmt.Errorf("llm.providers[%d].name must be gemini, anthropic or openai, got %q", i, p.Name)
		}
	}
	if c.Pipeline.EnhancerMinChars >= c.Pipeline.EnhancerMaxChars {
		return fmt.Errorf("pipeline.enhancer_min_chars must be below enhancer_max_chars")
	}
	return nil
}

// LLMTimeout returns the per-call LLM timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSec) * time.Second
}

// LLMBackoff returns the fixed delay between LLM attempts.
func (c *Config) LLMBackoff() time.Duration {
	return time.Duration(c.LLM.BackoffMs) * time.Millisecond
}

// SearchTimeout returns the per-call search timeout.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSec) * time.Second
}

// RetrievalTimeout returns the join timeout of the retrieval fan-out.
func (c *Config) RetrievalTimeout() time.Duration {
	return time.Duration(c.Pipeline.RetrievalTimeoutSec) * time.Second
}

// EmbeddingTTL returns how long cached query embeddings live.
func (c *Config) EmbeddingTTL() time.Duration {
	return time.Duration(c.Redis.TTLHours) * time.Hour
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// relative to this source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(b))
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
