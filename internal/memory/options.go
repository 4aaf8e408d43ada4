package memory

import (
	"time"

	"github.com/dialogpipe/dialogpipe/internal/store"
)

// Opts holds configuration options for memory backends.
type Opts struct {
	// DSN is a database connection string (PostgreSQL DSN or SQLite file path).
	DSN string
	// RedisURL selects the Redis backend when set, taking precedence over DSN.
	RedisURL string
	// TTL expires idle Redis conversation states. Zero keeps them forever.
	TTL time.Duration
}

// Option configures memory backend creation.
type Option func(*Opts)

// WithDSN sets a database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL selects the Redis backend.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithTTL sets the Redis state expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// NewSaver selects a backend from the configured options: Redis when a
// Redis URL is set, otherwise PostgreSQL or SQLite by DSN, otherwise
// in-memory.
func NewSaver(opts ...Option) (Saver, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisURL != "" {
		return NewRedisSaver(cfg.RedisURL, cfg.TTL)
	}
	if cfg.DSN == "" {
		return NewInMemorySaver(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresSaver(cfg.DSN)
	}
	return NewSQLiteSaver(cfg.DSN)
}
