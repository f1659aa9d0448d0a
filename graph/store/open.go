package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Backend names a checkpoint store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendMySQL    Backend = "mysql"
)

// ParseBackend maps a configuration value to a Backend. Unknown and empty
// values select the memory backend; ok reports whether s was recognised.
func ParseBackend(s string) (b Backend, ok bool) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendMemory:
		return BackendMemory, true
	case BackendRedis:
		return BackendRedis, true
	case BackendPostgres, "postgresql":
		return BackendPostgres, true
	case BackendSQLite:
		return BackendSQLite, true
	case BackendMySQL:
		return BackendMySQL, true
	default:
		return BackendMemory, false
	}
}

// Config selects and configures a backend for Open.
type Config struct {
	Backend    string
	TTL        time.Duration
	Redis      RedisConfig
	Postgres   PostgresConfig
	SQLitePath string
	MySQLDSN   string
	Logger     *slog.Logger
}

// Open constructs the configured backend. The TTL applies to whichever
// backend is chosen.
func Open[S any](ctx context.Context, cfg Config) (Store[S], error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend, ok := ParseBackend(cfg.Backend)
	if !ok && cfg.Backend != "" {
		logger.Warn("unknown checkpoint backend, using memory", "backend", cfg.Backend)
	}

	var (
		st  Store[S]
		err error
	)
	switch backend {
	case BackendRedis:
		rc := cfg.Redis
		rc.TTL = cfg.TTL
		st, err = NewRedisStore[S](ctx, rc)
	case BackendPostgres:
		pc := cfg.Postgres
		pc.TTL = cfg.TTL
		st, err = NewPostgresStore[S](ctx, pc)
	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "docagent.db"
		}
		st, err = NewSQLiteStore[S](ctx, path, SQLOptions{TTL: cfg.TTL})
	case BackendMySQL:
		st, err = NewMySQLStore[S](ctx, cfg.MySQLDSN, SQLOptions{TTL: cfg.TTL})
	default:
		st = NewMemStore[S](WithMemTTL(cfg.TTL))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s checkpoint store: %w", backend, err)
	}

	logger.Info("checkpoint store ready", "backend", string(backend), "ttl", cfg.TTL)
	return st, nil
}
