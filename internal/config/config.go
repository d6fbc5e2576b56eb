// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example ACCOUNTS_FILE becomes
// accounts_file in YAML.
//
// The only strictly required setting is ACCOUNTS_FILE — the JSON file holding
// the ordered account credential list. Redis is optional: set
// TOKEN_CACHE_MODE=memory to cache tokens in-process with no external
// dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8317.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// AccountsFile is the path to the JSON file with the ordered list of
	// account credential records. Required.
	AccountsFile string

	// Upstream holds the Code Assist endpoint and OAuth settings.
	Upstream UpstreamConfig

	// TokenCache controls the account token cache backend.
	TokenCache TokenCacheConfig

	// Redis holds the connection URL for the Redis-backed token cache and
	// rate limiter. Required only when TokenCache.Mode is "redis".
	Redis RedisConfig

	// Fallback controls model fallback on model-level rate limiting.
	Fallback FallbackConfig

	// Thinking controls locally synthesized reasoning narratives.
	Thinking ThinkingConfig

	// RateLimit controls inbound request-rate limiting.
	RateLimit RateLimitConfig

	// RequestLog controls the async request analytics logger.
	RequestLog RequestLogConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig holds the Code Assist endpoint and OAuth client settings.
// The defaults point at the production endpoints; override BaseURL and
// TokenURL to run against a mock in tests.
type UpstreamConfig struct {
	// BaseURL is the Code Assist API origin. Default:
	// "https://cloudcode-pa.googleapis.com".
	BaseURL string

	// APIVersion is the API version path segment. Default: "v1internal".
	APIVersion string

	// TokenURL is the OAuth token exchange endpoint. Default:
	// "https://oauth2.googleapis.com/token".
	TokenURL string

	// ClientID and ClientSecret identify the installed-app OAuth client the
	// refresh tokens were issued to.
	ClientID     string
	ClientSecret string

	// Timeout is the HTTP timeout for non-streaming control calls.
	// Streaming calls are bounded by the caller's context. Default: 30s.
	Timeout time.Duration
}

// TokenCacheConfig controls the token cache backend.
type TokenCacheConfig struct {
	// Mode selects the backend:
	//   "redis"  — Redis-backed (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process TTL store. No external deps.
	// Default: "memory".
	Mode string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// FallbackConfig controls model fallback.
type FallbackConfig struct {
	// Enabled turns on the single-hop model fallback when the requested
	// model is rate limited and the catalog names a fallback. Default: true.
	Enabled bool
}

// ThinkingConfig controls synthesized reasoning narratives for thinking
// models whose native thinking is disabled.
type ThinkingConfig struct {
	// Synthesize enables the canned reasoning preamble. Default: false.
	Synthesize bool

	// TagMode emits the narrative inside a <thinking> content wrapper instead
	// of discrete reasoning chunks. Default: false.
	TagMode bool

	// ChunkSize is the target character length of one narrative chunk in tag
	// mode. Splits prefer whitespace/punctuation near the target. Default: 100.
	ChunkSize int

	// ChunkDelay is the pause between narrative chunks. Default: 50ms.
	ChunkDelay time.Duration

	// Narrative overrides the built-in canned narrative when non-empty.
	Narrative string
}

// RateLimitConfig controls inbound request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// RequestLogConfig controls the async request analytics logger.
type RequestLogConfig struct {
	// Sink selects where flushed batches go: "slog" or "clickhouse".
	// Default: "slog".
	Sink string

	// ClickHouseDSN is the clickhouse:// DSN, required when Sink is
	// "clickhouse". Example: clickhouse://localhost:9000/gateway
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8317)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("CODEASSIST_BASE_URL", "https://cloudcode-pa.googleapis.com")
	v.SetDefault("CODEASSIST_API_VERSION", "v1internal")
	v.SetDefault("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token")
	v.SetDefault("OAUTH_CLIENT_ID", "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com")
	v.SetDefault("OAUTH_CLIENT_SECRET", "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")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")

	v.SetDefault("TOKEN_CACHE_MODE", "memory")

	v.SetDefault("MODEL_FALLBACK", true)

	v.SetDefault("THINKING_SYNTHESIS", false)
	v.SetDefault("THINKING_TAG_MODE", false)
	v.SetDefault("THINKING_CHUNK_SIZE", 100)
	v.SetDefault("THINKING_CHUNK_DELAY", "50ms")

	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("REQUEST_LOG_SINK", "slog")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		AccountsFile: v.GetString("ACCOUNTS_FILE"),

		Upstream: UpstreamConfig{
			BaseURL:      strings.TrimRight(v.GetString("CODEASSIST_BASE_URL"), "/"),
			APIVersion:   v.GetString("CODEASSIST_API_VERSION"),
			TokenURL:     v.GetString("OAUTH_TOKEN_URL"),
			ClientID:     v.GetString("OAUTH_CLIENT_ID"),
			ClientSecret: v.GetString("OAUTH_CLIENT_SECRET"),
			Timeout:      v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		TokenCache: TokenCacheConfig{
			Mode: strings.ToLower(v.GetString("TOKEN_CACHE_MODE")),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Fallback: FallbackConfig{
			Enabled: v.GetBool("MODEL_FALLBACK"),
		},

		Thinking: ThinkingConfig{
			Synthesize: v.GetBool("THINKING_SYNTHESIS"),
			TagMode:    v.GetBool("THINKING_TAG_MODE"),
			ChunkSize:  v.GetInt("THINKING_CHUNK_SIZE"),
			ChunkDelay: v.GetDuration("THINKING_CHUNK_DELAY"),
			Narrative:  v.GetString("THINKING_NARRATIVE"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		RequestLog: RequestLogConfig{
			Sink:          strings.ToLower(v.GetString("REQUEST_LOG_SINK")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.AccountsFile == "" {
		return fmt.Errorf(
			"config: ACCOUNTS_FILE is required — the path to the JSON file " +
				"holding the ordered account credential list",
		)
	}

	switch c.TokenCache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid TOKEN_CACHE_MODE %q; must be one of: redis, memory",
			c.TokenCache.Mode,
		)
	}

	if c.TokenCache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when TOKEN_CACHE_MODE=redis; " +
				"set TOKEN_CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.RequestLog.Sink {
	case "slog", "clickhouse":
	default:
		return fmt.Errorf(
			"config: invalid REQUEST_LOG_SINK %q; must be one of: slog, clickhouse",
			c.RequestLog.Sink,
		)
	}
	if c.RequestLog.Sink == "clickhouse" && c.RequestLog.ClickHouseDSN == "" {
		return fmt.Errorf("config: CLICKHOUSE_DSN is required when REQUEST_LOG_SINK=clickhouse")
	}

	if c.Thinking.ChunkSize < 1 {
		return fmt.Errorf("config: THINKING_CHUNK_SIZE must be ≥ 1, got %d", c.Thinking.ChunkSize)
	}

	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return fmt.Errorf("config: OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET must not be empty")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
