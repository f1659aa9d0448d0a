package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:   "sqlite",
	keyCol: "key",
	upsert: `INSERT INTO {table} (key, state, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
	insertNew: `INSERT INTO {table} (key, state, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
	create: []string{
		`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	},
}

// NewSQLiteStore opens a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The pool is limited to one connection: SQLite has a single writer, and an
// in-memory database exists per connection. LIKE is made case sensitive so
// thread IDs differing only in case stay apart. WAL mode is enabled for file
// databases.
//
// Example:
//
//	st, err := store.NewSQLiteStore[pipeline.RunState](ctx, "./docagent.db", store.SQLOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](ctx context.Context, path string, opts SQLOptions) (*SQLStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA busy_timeout=5000", "PRAGMA case_sensitive_like=ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	st, err := newSQLStore[S](ctx, db, sqliteDialect, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
