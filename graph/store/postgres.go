package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// The schema is owned by migrations, so create is empty.
var postgresDialect = dialect{
	name:       "postgres",
	keyCol:     "key",
	dollarArgs: true,
	upsert: `INSERT INTO {table} (key, state, created_at, updated_at) VALUES (?, ?::jsonb, ?, ?)
		ON CONFLICT (key) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
	insertNew: `INSERT INTO {table} (key, state, created_at, updated_at) VALUES (?, ?::jsonb, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
}

// PostgresConfig holds connection parameters for NewPostgresStore.
type PostgresConfig struct {
	// DSN is a postgres:// URL. It is used both by the pgx driver and by
	// golang-migrate.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// AutoMigrate applies pending migrations before the store is returned.
	AutoMigrate bool

	SQLOptions
}

// PostgresMigrations returns the embedded schema migrations as a
// golang-migrate source.
func PostgresMigrations() (source.Driver, error) {
	return iofs.New(postgresMigrations, "migrations/postgres")
}

// NewPostgresMigrator builds a migrator for dsn over the embedded
// migrations. The caller closes it.
func NewPostgresMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := PostgresMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// MigratePostgres applies every pending up migration.
func MigratePostgres(dsn string) error {
	m, err := NewPostgresMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run up migrations: %w", err)
	}
	return nil
}

// NewPostgresStore opens a PostgreSQL-backed store through the pgx stdlib
// driver.
func NewPostgresStore[S any](ctx context.Context, cfg PostgresConfig) (*SQLStore[S], error) {
	if cfg.AutoMigrate {
		if err := MigratePostgres(cfg.DSN); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	st, err := newSQLStore[S](ctx, db, postgresDialect, cfg.SQLOptions)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
