package config

import (
	"fmt"
	"log/slog"

	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
)

const (
	EnvCheckpointer     = "DOCAGENT_CHECKPOINTER"
	EnvCheckpointTTL    = "DOCAGENT_CHECKPOINT_TTL"
	EnvRedisAddr        = "DOCAGENT_REDIS_ADDR"
	EnvRedisPassword    = "DOCAGENT_REDIS_PASSWORD"
	EnvRedisDB          = "DOCAGENT_REDIS_DB"
	EnvPostgresDSN      = "DOCAGENT_POSTGRES_DSN"
	EnvPostgresMigrate  = "DOCAGENT_POSTGRES_AUTO_MIGRATE"
	EnvSQLitePath       = "DOCAGENT_SQLITE_PATH"
	EnvMySQLDSN         = "DOCAGENT_MYSQL_DSN"
	defaultRedisAddr    = "localhost:6379"
	defaultSQLitePath   = "docagent.db"
	defaultPostgresConn = 10
)

// CheckpointConfig selects the checkpoint backend. An unknown backend falls
// back to memory with a warning when the store is opened.
type CheckpointConfig struct {
	Backend  string         `yaml:"backend"`
	TTL      string         `yaml:"ttl"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	MySQL    MySQLConfig    `yaml:"mysql"`
}

// RedisConfig holds the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds the Postgres connection.
type PostgresConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate"`
}

// SQLiteConfig holds the SQLite file path.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MySQLConfig holds the MySQL DSN.
type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

// Finalize applies defaults, environment overrides and validation.
func (c *CheckpointConfig) Finalize() error {
	if c.Backend == "" {
		c.Backend = string(store.BackendMemory)
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaultRedisAddr
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = defaultSQLitePath
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = defaultPostgresConn
	}
	if c.Postgres.ConnMaxLifetime == "" {
		c.Postgres.ConnMaxLifetime = "15m"
	}

	envString(EnvCheckpointer, &c.Backend)
	envString(EnvCheckpointTTL, &c.TTL)
	envString(EnvRedisAddr, &c.Redis.Addr)
	envString(EnvRedisPassword, &c.Redis.Password)
	envInt(EnvRedisDB, &c.Redis.DB)
	envString(EnvPostgresDSN, &c.Postgres.DSN)
	envBool(EnvPostgresMigrate, &c.Postgres.AutoMigrate)
	envString(EnvSQLitePath, &c.SQLite.Path)
	envString(EnvMySQLDSN, &c.MySQL.DSN)

	if err := validateDurations(map[string]string{"ttl": c.TTL, "postgres.conn_max_lifetime": c.Postgres.ConnMaxLifetime}); err != nil {
		return err
	}
	backend, _ := store.ParseBackend(c.Backend)
	switch {
	case backend == store.BackendPostgres && c.Postgres.DSN == "":
		return fmt.Errorf("postgres.dsn required for the postgres backend")
	case backend == store.BackendMySQL && c.MySQL.DSN == "":
		return fmt.Errorf("mysql.dsn required for the mysql backend")
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *CheckpointConfig) Merge(overlay *CheckpointConfig) {
	if overlay.Backend != "" {
		c.Backend = overlay.Backend
	}
	if overlay.TTL != "" {
		c.TTL = overlay.TTL
	}
	if overlay.Redis.Addr != "" {
		c.Redis.Addr = overlay.Redis.Addr
	}
	if overlay.Redis.Password != "" {
		c.Redis.Password = overlay.Redis.Password
	}
	if overlay.Redis.DB != 0 {
		c.Redis.DB = overlay.Redis.DB
	}
	if overlay.Postgres.DSN != "" {
		c.Postgres.DSN = overlay.Postgres.DSN
	}
	if overlay.Postgres.MaxOpenConns != 0 {
		c.Postgres.MaxOpenConns = overlay.Postgres.MaxOpenConns
	}
	if overlay.Postgres.MaxIdleConns != 0 {
		c.Postgres.MaxIdleConns = overlay.Postgres.MaxIdleConns
	}
	if overlay.Postgres.ConnMaxLifetime != "" {
		c.Postgres.ConnMaxLifetime = overlay.Postgres.ConnMaxLifetime
	}
	if overlay.Postgres.AutoMigrate {
		c.Postgres.AutoMigrate = true
	}
	if overlay.SQLite.Path != "" {
		c.SQLite.Path = overlay.SQLite.Path
	}
	if overlay.MySQL.DSN != "" {
		c.MySQL.DSN = overlay.MySQL.DSN
	}
}

// StoreConfig converts the section for store.Open.
func (c *CheckpointConfig) StoreConfig(logger *slog.Logger) store.Config {
	return store.Config{
		Backend: c.Backend,
		TTL:     mustDuration(c.TTL),
		Redis: store.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		},
		Postgres: store.PostgresConfig{
			DSN:             c.Postgres.DSN,
			MaxOpenConns:    c.Postgres.MaxOpenConns,
			MaxIdleConns:    c.Postgres.MaxIdleConns,
			ConnMaxLifetime: mustDuration(c.Postgres.ConnMaxLifetime),
			AutoMigrate:     c.Postgres.AutoMigrate,
		},
		SQLitePath: c.SQLite.Path,
		MySQLDSN:   c.MySQL.DSN,
		Logger:     logger,
	}
}
