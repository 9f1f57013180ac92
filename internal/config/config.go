package config // package config loads application configuration from environment variables

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable; nested sections are parsed from the same
// environment without a prefix.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`   // application environment (dev/test/prod)
	Port        string `env:"APP_PORT" envDefault:"8080"` // HTTP port to listen on
	JWTSecret   string `env:"JWT_SECRET"`                 // secret used to verify access tokens
	RabbitMQURL string `env:"RABBITMQ_URL"`               // broker for conflict/contention notifications
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"` // console or json

	DB        DBConfig
	Redis     RedisConfig
	Claims    ClaimConfig
	Sync      SyncConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
}

// DBConfig selects and addresses the relational store.  DSN takes
// precedence over the MySQL parts when set.
type DBConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"mysql"` // mysql or sqlite
	DSN    string `env:"DB_DSN"`
	User   string `env:"DB_USER" envDefault:"root"`
	Pass   string `env:"DB_PASS"`
	Host   string `env:"DB_HOST" envDefault:"127.0.0.1"`
	Port   string `env:"DB_PORT" envDefault:"3306"`
	Name   string `env:"DB_NAME" envDefault:"labcore"`
}

// ClaimConfig tunes the slot claim protocol.
type ClaimConfig struct {
	DefaultTTL          time.Duration `env:"CLAIM_DEFAULT_TTL" envDefault:"5s"`
	MaxTTL              time.Duration `env:"CLAIM_MAX_TTL" envDefault:"2m"`
	SweepInterval       time.Duration `env:"CLAIM_SWEEP_INTERVAL" envDefault:"30s"`
	ContentionThreshold int           `env:"CLAIM_CONTENTION_THRESHOLD" envDefault:"5"`
	ContentionWindow    time.Duration `env:"CLAIM_CONTENTION_WINDOW" envDefault:"1m"`
	LockBackend         string        `env:"CLAIM_LOCK_BACKEND" envDefault:"local"` // local or redis
}

// SyncConfig tunes the background drain worker and enqueue limits.
type SyncConfig struct {
	DrainInterval time.Duration `env:"SYNC_DRAIN_INTERVAL" envDefault:"15s"`
	MaxBatch      int           `env:"SYNC_MAX_BATCH" envDefault:"500"`
}

// Load reads an optional .env file and then the environment.  Values
// already present in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	if c.Claims.DefaultTTL <= 0 {
		c.Claims.DefaultTTL = 5 * time.Second
	}
	if c.Claims.MaxTTL < c.Claims.DefaultTTL {
		c.Claims.MaxTTL = c.Claims.DefaultTTL
	}
	if c.Claims.ContentionThreshold < 1 {
		c.Claims.ContentionThreshold = 1
	}
	if c.Sync.MaxBatch < 1 {
		c.Sync.MaxBatch = 1
	}
	c.RateLimit.normalize()
	c.Cache.normalize()
}

// RequireServe checks the values only the HTTP server needs.
func (c Config) RequireServe() error {
	if c.JWTSecret == "" {
		return errors.New("missing required env var: JWT_SECRET")
	}
	return nil
}
