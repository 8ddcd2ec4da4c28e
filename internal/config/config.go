package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain        ChainConfig        `yaml:"chain"`
	Provider     ProviderConfig     `yaml:"provider"`
	Cache        CacheConfig        `yaml:"cache"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Retry        RetryConfig        `yaml:"retry"`
	Batch        BatchConfig        `yaml:"batch"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ChainConfig holds blockchain connection settings. Endpoints are tried in
// order on failover.
type ChainConfig struct {
	Endpoints []string `yaml:"endpoints"`
	WSURL     string   `yaml:"ws_url"`
	ChainID   int64    `yaml:"chain_id"`
}

// ProviderConfig holds failover settings. CallTimeout bounds one network
// attempt; an endpoint that does not answer within it is failed over.
type ProviderConfig struct {
	FailoverCooldown time.Duration `yaml:"failover_cooldown"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// CacheConfig holds call cache settings. Retention bounds how long durable
// entries are kept; zero keeps them forever.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MemorySize int           `yaml:"memory_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	SQLitePath string        `yaml:"sqlite_path"`
	Retention  time.Duration `yaml:"retention"`
}

// RateLimitConfig holds the fixed window limiter settings.
type RateLimitConfig struct {
	Ceiling int           `yaml:"ceiling"`
	Window  time.Duration `yaml:"window"`
	Buffer  time.Duration `yaml:"buffer"`
}

// RetryConfig holds backoff settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// BatchConfig holds batch call settings.
type BatchConfig struct {
	Size  int           `yaml:"size"`
	Delay time.Duration `yaml:"delay"`
}

// InvalidationConfig holds the Transfer feed settings.
type InvalidationConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Contracts []string `yaml:"contracts"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	cfg.setDefaults()

	// A missing file leaves the defaults in place
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		ChainID: 1,
	}
	c.Provider = ProviderConfig{
		FailoverCooldown: 10 * time.Second,
		ProbeTimeout:     5 * time.Second,
		CallTimeout:      10 * time.Second,
	}
	c.Cache = CacheConfig{
		Enabled:    true,
		MemorySize: 10000,
		DefaultTTL: 5 * time.Minute,
		SQLitePath: "./data/callgate.db",
		Retention:  24 * time.Hour,
	}
	c.RateLimit = RateLimitConfig{
		Ceiling: 100,
		Window:  time.Minute,
		Buffer:  100 * time.Millisecond,
	}
	c.Retry = RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
	c.Batch = BatchConfig{
		Size:  10,
		Delay: 100 * time.Millisecond,
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    9090,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHAIN_RPC_URLS"); v != "" {
		c.Chain.Endpoints = splitList(v)
	}
	if v := os.Getenv("CHAIN_WS_URL"); v != "" {
		c.Chain.WSURL = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Cache.SQLitePath = v
	}

	if v := os.Getenv("RATE_LIMIT_CEILING"); v != "" {
		var ceiling int
		if _, err := fmt.Sscanf(v, "%d", &ceiling); err == nil && ceiling > 0 {
			c.RateLimit.Ceiling = ceiling
		}
	}

	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		var attempts int
		if _, err := fmt.Sscanf(v, "%d", &attempts); err == nil && attempts > 0 {
			c.Retry.MaxAttempts = attempts
		}
	}

	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if len(c.Chain.Endpoints) == 0 {
		return fmt.Errorf("chain.endpoints is required (set CHAIN_RPC_URLS env var)")
	}
	for i, u := range c.Chain.Endpoints {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("chain.endpoints[%d] is empty", i)
		}
	}
	if c.Provider.ProbeTimeout <= 0 {
		return fmt.Errorf("provider.probe_timeout must be positive")
	}
	if c.Provider.CallTimeout <= 0 {
		return fmt.Errorf("provider.call_timeout must be positive")
	}
	if c.Provider.FailoverCooldown < 0 {
		return fmt.Errorf("provider.failover_cooldown must not be negative")
	}
	if c.Cache.Enabled && c.Cache.MemorySize <= 0 {
		return fmt.Errorf("cache.memory_size must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if c.RateLimit.Ceiling <= 0 {
		return fmt.Errorf("rate_limit.ceiling must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be positive and not exceed retry.max_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive")
	}
	if c.Invalidation.Enabled {
		if c.Chain.WSURL == "" {
			return fmt.Errorf("chain.ws_url is required when invalidation is enabled (set CHAIN_WS_URL env var)")
		}
		for _, addr := range c.Invalidation.Contracts {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("invalidation.contracts: invalid address %q", addr)
			}
		}
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
