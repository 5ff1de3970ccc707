package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Supported CACHE_BACKEND values.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	PGDSN     string `envconfig:"PG_DSN"`

	CacheBackend          string        `envconfig:"CACHE_BACKEND" default:"memory"`
	CacheFilePath         string        `envconfig:"CACHE_FILE_PATH" default:"var/permcache.json"`
	CacheKeyPrefix        string        `envconfig:"CACHE_KEY_PREFIX" default:"staffhub:"`
	CacheDefaultTTL       time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"5m"`
	CacheBroadcast        bool          `envconfig:"CACHE_BROADCAST" default:"false"`
	CacheBroadcastChannel string        `envconfig:"CACHE_BROADCAST_CHANNEL" default:"permcache.invalidate"`

	UpstreamBaseURL string        `envconfig:"UPSTREAM_BASE_URL" required:"true"`
	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s"`

	WarmupRoles []string `envconfig:"WARMUP_ROLES"`
	WarmupCron  string   `envconfig:"WARMUP_CRON" default:"@every 4m"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config missing")
	}
	if strings.TrimSpace(c.UpstreamBaseURL) == "" {
		return errors.New("upstream base url must be provided")
	}
	if c.CacheDefaultTTL <= 0 {
		return fmt.Errorf("cache default ttl must be positive, got %s", c.CacheDefaultTTL)
	}
	switch c.CacheBackend {
	case BackendMemory, BackendRedis:
	case BackendFile:
		if strings.TrimSpace(c.CacheFilePath) == "" {
			return errors.New("cache file path must be provided for the file backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PGDSN) == "" {
			return errors.New("pg dsn must be provided for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	return nil
}

// ErrProcessLocalStore is returned when a command running outside the server
// is configured with a store only the server process can see.
var ErrProcessLocalStore = errors.New("cache backend is local to one process")

// RequireSharedStore checks that the cache store is visible across processes,
// as the worker and the operator commands must change the server's entries.
func (c *Config) RequireSharedStore() error {
	if c == nil {
		return errors.New("config missing")
	}
	if c.CacheBackend == BackendMemory {
		return fmt.Errorf("%w: set CACHE_BACKEND to file, redis or postgres", ErrProcessLocalStore)
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// NeedsRedis reports whether the configuration talks to Redis at all.
func (c *Config) NeedsRedis() bool {
	return c != nil && (c.CacheBackend == BackendRedis || c.CacheBroadcast)
}
