package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the corpus service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Synthesis  SynthesisConfig  `mapstructure:"synthesis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Storage    StorageConfig    `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address               string `mapstructure:"address"`
	ProgressStreamEnabled bool   `mapstructure:"progress_stream_enabled"`
	WebsocketEnabled      bool   `mapstructure:"websocket_enabled"`
}

// AgentsConfig bounds the agent fan-out and lists the configured agents.
type AgentsConfig struct {
	MaxParallel     int           `mapstructure:"max_parallel"`
	AgentTimeout    time.Duration `mapstructure:"agent_timeout"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
	Descriptors     []AgentConfig `mapstructure:"descriptors"`
}

// AgentConfig describes one search agent.
type AgentConfig struct {
	Name             string   `mapstructure:"name"`
	Type             string   `mapstructure:"type"` // brave, serper, newsapi
	Enabled          *bool    `mapstructure:"enabled"`
	Engine           string   `mapstructure:"engine"`
	Trust            float64  `mapstructure:"trust"`
	Categories       []string `mapstructure:"categories"`
	Language         string   `mapstructure:"language"`
	SafeSearch       int      `mapstructure:"safe_search"`
	PageSize         int      `mapstructure:"page_size"`
	RatePerSecond    float64  `mapstructure:"rate_per_second"`
	MinContentLength int      `mapstructure:"min_content_length"`
	RequiredFields   []string `mapstructure:"required_fields"`
	ExcludedTerms    []string `mapstructure:"excluded_terms"`
	StripHTML        bool     `mapstructure:"strip_html"`
	APIKey           string   `mapstructure:"api_key"`
	Endpoint         string   `mapstructure:"endpoint"`
}

// IsEnabled treats an unset flag as enabled.
func (a AgentConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// Normalize applies defaults for unset agent values.
func (c AgentsConfig) Normalize() AgentsConfig {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 15 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 5 * time.Second
	}
	for i := range c.Descriptors {
		d := &c.Descriptors[i]
		d.Name = strings.TrimSpace(d.Name)
		d.Type = strings.ToLower(strings.TrimSpace(d.Type))
		if d.Name == "" {
			d.Name = d.Type
		}
		if d.Engine == "" {
			d.Engine = d.Type
		}
		if d.Trust <= 0 || d.Trust > 1 {
			d.Trust = 0.5
		}
	}
	return c
}

// Validate rejects duplicate or untyped agents.
func (c AgentsConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Descriptors))
	for i, d := range c.Descriptors {
		if d.Type == "" {
			return fmt.Errorf("agents.descriptors[%d].type required", i)
		}
		if _, ok := seen[d.Name]; ok {
			return fmt.Errorf("agents.descriptors[%d]: duplicate agent name %q", i, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// ResilienceConfig groups circuit breaker and retry settings.
type ResilienceConfig struct {
	Breaker BreakerConfig `mapstructure:"breaker"`
	Retry   RetryConfig   `mapstructure:"retry"`
}

// BreakerConfig contains circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// RetryConfig contains retry backoff settings
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// DedupConfig contains duplicate detection thresholds
type DedupConfig struct {
	TitleThreshold    float64 `mapstructure:"title_threshold"`
	ContentThreshold  float64 `mapstructure:"content_threshold"`
	OverallFactor     float64 `mapstructure:"overall_factor"`
	MergeQualityDelta float64 `mapstructure:"merge_quality_delta"`
	KeepFirst         bool    `mapstructure:"keep_first"`
	MaxInput          int     `mapstructure:"max_input"`
}

// Validate ensures thresholds are probabilities.
func (c DedupConfig) Validate() error {
	for name, v := range map[string]float64{
		"title_threshold":     c.TitleThreshold,
		"content_threshold":   c.ContentThreshold,
		"overall_factor":      c.OverallFactor,
		"merge_quality_delta": c.MergeQualityDelta,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("dedup.%s must be between 0 and 1", name)
		}
	}
	if c.MaxInput < 0 {
		return fmt.Errorf("dedup.max_input cannot be negative")
	}
	return nil
}

// CacheConfig contains cache manager settings
type CacheConfig struct {
	Backend            string        `mapstructure:"backend"` // memory, redis, postgres
	TTL                time.Duration `mapstructure:"ttl"`
	HotCapacity        int           `mapstructure:"hot_capacity"`
	MaxEntries         int           `mapstructure:"max_entries"`
	LowAccessThreshold int           `mapstructure:"low_access_threshold"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	KeyPrefix          string        `mapstructure:"key_prefix"`
	StatsTopN          int           `mapstructure:"stats_top_n"`
}

// Validate checks the backend name.
func (c CacheConfig) Validate() error {
	switch c.Backend {
	case "", "memory", "redis", "postgres":
		return nil
	default:
		return fmt.Errorf("cache.backend %q not supported (memory, redis, postgres)", c.Backend)
	}
}

// ProgressConfig contains progress broadcaster settings
type ProgressConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	StatusCapacity int           `mapstructure:"status_capacity"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

// SynthesisConfig contains the content synthesis model settings
type SynthesisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxResults  int           `mapstructure:"max_results"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Validate requires credentials when synthesis is on.
func (s SynthesisConfig) Validate() error {
	if s.Enabled && strings.TrimSpace(s.APIKey) == "" {
		return fmt.Errorf("synthesis.api_key required when synthesis is enabled")
	}
	return nil
}

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr joins host and port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection URL, building it from parts when url is unset.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "60s")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.progress_stream_enabled", true)
	v.SetDefault("server.websocket_enabled", true)
	v.SetDefault("agents.max_parallel", 4)
	v.SetDefault("agents.agent_timeout", "15s")
	v.SetDefault("agents.batch_timeout", "45s")
	v.SetDefault("agents.finalize_timeout", "5s")
	v.SetDefault("resilience.breaker.failure_threshold", 5)
	v.SetDefault("resilience.breaker.recovery_timeout", "30s")
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.base_delay", "500ms")
	v.SetDefault("resilience.retry.multiplier", 2.0)
	v.SetDefault("resilience.retry.max_delay", "10s")
	v.SetDefault("resilience.retry.jitter", 0.5)
	v.SetDefault("dedup.title_threshold", 0.85)
	v.SetDefault("dedup.content_threshold", 0.75)
	v.SetDefault("dedup.overall_factor", 0.8)
	v.SetDefault("dedup.merge_quality_delta", 0.2)
	v.SetDefault("dedup.max_input", 300)
	v.SetDefault("scoring.preset", "general")
	v.SetDefault("scoring.max_results", 50)
	v.SetDefault("scoring.min_relevance", 0.1)
	v.SetDefault("scoring.min_confidence", 0.1)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "168h")
	v.SetDefault("cache.hot_capacity", 256)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.low_access_threshold", 2)
	v.SetDefault("cache.sweep_schedule", "*/10 * * * *")
	v.SetDefault("cache.key_prefix", "corpus:cache:")
	v.SetDefault("cache.stats_top_n", 10)
	v.SetDefault("progress.queue_size", 64)
	v.SetDefault("progress.status_capacity", 1024)
	v.SetDefault("progress.ping_interval", "20s")
	v.SetDefault("synthesis.enabled", false)
	v.SetDefault("synthesis.model", "gpt-4o-mini")
	v.SetDefault("synthesis.max_results", 10)
	v.SetDefault("synthesis.max_tokens", 800)
	v.SetDefault("synthesis.temperature", 0.3)
	v.SetDefault("synthesis.timeout", "60s")
	v.SetDefault("telemetry.service_name", "corpus")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.postgres.sslmode", "disable")
}

// Load reads configuration from path (or the usual search paths when empty),
// applies CORPUS_* environment overrides, normalises and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Agents = cfg.Agents.Normalize()
	cfg.Scoring = cfg.Scoring.Normalize()
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section, including the storage backend selected by cache.backend.
func (c *Config) Validate() error {
	if err := c.Agents.Validate(); err != nil {
		return err
	}
	if err := c.Dedup.Validate(); err != nil {
		return err
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Synthesis.Validate(); err != nil {
		return err
	}
	switch c.Cache.Backend {
	case "redis":
		return c.Storage.Redis.Validate()
	case "postgres":
		return c.Storage.Postgres.Validate()
	}
	return nil
}

// LoadConfig loads config from file and panics on failure
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
