package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// key is reserved in MySQL, hence the backticks.
var mysqlDialect = dialect{
	name:   "mysql",
	keyCol: "`key`",
	upsert: "INSERT INTO {table} (`key`, state, created_at, updated_at) VALUES (?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE state = VALUES(state), updated_at = VALUES(updated_at)",
	insertNew: "INSERT IGNORE INTO {table} (`key`, state, created_at, updated_at) VALUES (?, ?, ?, ?)",
	create: []string{
		"CREATE TABLE IF NOT EXISTS %s (" +
			"`key` VARCHAR(512) NOT NULL PRIMARY KEY, " +
			"state JSON NOT NULL, " +
			"created_at BIGINT NOT NULL, " +
			"updated_at BIGINT NOT NULL, " +
			"INDEX idx_updated_at (updated_at)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin",
	},
}

// NewMySQLStore opens a MySQL-backed store and creates its table.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example:
//
//	st, err := store.NewMySQLStore[pipeline.RunState](ctx, "user:pass@tcp(localhost:3306)/docagent", store.SQLOptions{})
//
// The binary collation keeps key ordering byte-wise, which checkpoint
// ordering relies on.
func NewMySQLStore[S any](ctx context.Context, dsn string, opts SQLOptions) (*SQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	st, err := newSQLStore[S](ctx, db, mysqlDialect, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
