// Package config loads engine settings from YAML with environment
// overrides, and turns file paths into ready components.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cognicore/allergo/pkg/allergo/internalerr"
)

const (
	EnvRPM         = "LLM_RPM"
	EnvTPM         = "LLM_TPM"
	EnvConcurrency = "LLM_CONCURRENCY"
	EnvMaxRetries  = "LLM_MAX_RETRIES"
	EnvAPIKey      = "OPENAI_API_KEY"
	EnvBaseURL     = "LLM_BASE_URL"
	EnvModel       = "LLM_MODEL"
	EnvDBDriver    = "ALLERGO_DB_DRIVER"
	EnvDBDSN       = "ALLERGO_DB_DSN"
	EnvSharedOwner = "GLOBAL_LEXICON_OWNER_ID"
	EnvLogMode     = "ALLERGO_LOG_MODE"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Dictionary DictionaryConfig `yaml:"dictionary"`
	LLM        LLMConfig        `yaml:"llm"`
	Limiter    LimiterConfig    `yaml:"limiter"`
	Heuristics string           `yaml:"heuristics"`
	Stoplist   string           `yaml:"stoplist"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Log        LogConfig        `yaml:"log"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// DictionaryConfig controls lexicon resolution.
type DictionaryConfig struct {
	DefaultLang   string `yaml:"default_lang"`
	SharedOwnerID int64  `yaml:"shared_owner_id"`
	MatchSynonyms bool   `yaml:"match_synonyms"`
}

// SharedOwner returns the shared owner id, or nil when none is configured.
func (c DictionaryConfig) SharedOwner() *int64 {
	if c.SharedOwnerID <= 0 {
		return nil
	}
	id := c.SharedOwnerID
	return &id
}

// LLMConfig configures the external model and the fallback pipeline.
type LLMConfig struct {
	BaseURL         string   `yaml:"base_url"`
	APIKey          string   `yaml:"api_key"`
	Model           string   `yaml:"model"`
	Temperature     *float64 `yaml:"temperature"`
	MaxTerms        int      `yaml:"max_terms"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	Timeout         string   `yaml:"timeout"`
	GuessCodes      *bool    `yaml:"guess_codes"`
	AllowedCodes    string   `yaml:"allowed_codes"`
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c LLMConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// Enabled reports whether an external model can be called.
func (c LLMConfig) Enabled() bool {
	return c.APIKey != "" && c.BaseURL != ""
}

// LimiterConfig holds the external call budgets.
type LimiterConfig struct {
	RPM              int     `yaml:"rpm"`
	TPM              int     `yaml:"tpm"`
	Concurrency      int     `yaml:"concurrency"`
	MaxRetries       int     `yaml:"max_retries"`
	AvgTokensPerCall int     `yaml:"avg_tokens_per_call"`
	CallsPerItem     float64 `yaml:"calls_per_item"`
	P95Latency       string  `yaml:"p95_latency"`
}

// P95LatencyDuration returns P95Latency as a time.Duration.
func (c LimiterConfig) P95LatencyDuration() time.Duration {
	d, _ := time.ParseDuration(c.P95Latency)
	return d
}

// JobsConfig controls background jobs. A retention of 0 keeps finished
// jobs for the life of the process.
type JobsConfig struct {
	Retention string `yaml:"retention"`
}

// RetentionDuration returns Retention as a time.Duration.
func (c JobsConfig) RetentionDuration() time.Duration {
	d, _ := time.ParseDuration(c.Retention)
	return d
}

// LogConfig selects the logger.
type LogConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

// Load reads a YAML config file and finalizes it. An empty path uses
// defaults and environment variables only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize applies defaults, environment overrides and validation.
func (c *Config) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *Config) loadDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Dictionary.DefaultLang == "" {
		c.Dictionary.DefaultLang = "de"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1/chat/completions"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Temperature == nil {
		t := 0.2
		c.LLM.Temperature = &t
	}
	if c.LLM.MaxTerms == 0 {
		c.LLM.MaxTerms = 12
	}
	if c.LLM.MaxOutputTokens == 0 {
		c.LLM.MaxOutputTokens = 512
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = "60s"
	}
	if c.LLM.GuessCodes == nil {
		g := true
		c.LLM.GuessCodes = &g
	}
	if c.Limiter.RPM == 0 {
		c.Limiter.RPM = 60
	}
	if c.Limiter.TPM == 0 {
		c.Limiter.TPM = 300_000
	}
	if c.Limiter.Concurrency == 0 {
		c.Limiter.Concurrency = 10
	}
	if c.Limiter.MaxRetries == 0 {
		c.Limiter.MaxRetries = 6
	}
	if c.Limiter.AvgTokensPerCall == 0 {
		c.Limiter.AvgTokensPerCall = 1500
	}
	if c.Limiter.CallsPerItem == 0 {
		c.Limiter.CallsPerItem = 2
	}
	if c.Limiter.P95Latency == "" {
		c.Limiter.P95Latency = "2.5s"
	}
	if c.Jobs.Retention == "" {
		c.Jobs.Retention = "1h"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "production"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) loadEnv() {
	envInt(EnvRPM, &c.Limiter.RPM)
	envInt(EnvTPM, &c.Limiter.TPM)
	envInt(EnvConcurrency, &c.Limiter.Concurrency)
	envInt(EnvMaxRetries, &c.Limiter.MaxRetries)
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv(EnvDBDriver); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvSharedOwner); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			c.Dictionary.SharedOwnerID = id
		}
	}
	if v := os.Getenv(EnvLogMode); v != "" {
		c.Log.Mode = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}

func (c *Config) validate() error {
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return invalid("unknown store driver %q", c.Store.Driver)
	}
	c.Dictionary.DefaultLang = strings.ToLower(c.Dictionary.DefaultLang)
	if t := *c.LLM.Temperature; t < 0 || t > 2 {
		return invalid("llm.temperature out of range: %v", t)
	}
	if c.LLM.MaxTerms < 0 || c.LLM.MaxOutputTokens < 0 {
		return invalid("llm.max_terms and llm.max_output_tokens must be positive")
	}
	if d, err := time.ParseDuration(c.LLM.Timeout); err != nil || d <= 0 {
		return invalid("invalid llm.timeout %q", c.LLM.Timeout)
	}
	if c.Limiter.RPM < 0 || c.Limiter.TPM < 0 {
		return invalid("limiter budgets must not be negative")
	}
	if c.Limiter.Concurrency < 1 || c.Limiter.MaxRetries < 1 {
		return invalid("limiter.concurrency and limiter.max_retries must be at least 1")
	}
	if d, err := time.ParseDuration(c.Limiter.P95Latency); err != nil || d <= 0 {
		return invalid("invalid limiter.p95_latency %q", c.Limiter.P95Latency)
	}
	if d, err := time.ParseDuration(c.Jobs.Retention); err != nil || d < 0 {
		return invalid("invalid jobs.retention %q", c.Jobs.Retention)
	}
	switch c.Log.Mode {
	case "development", "production":
	default:
		return invalid("log.mode must be development or production, got %q", c.Log.Mode)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", internalerr.ErrInvalidConfig, fmt.Sprintf(format, args...))
}
