package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLStore is a relational implementation of Store[S] shared by the
// PostgreSQL, SQLite and MySQL backends.
//
// Everything lives in one table:
//
//	checkpoints(key TEXT PRIMARY KEY, state JSON, created_at BIGINT, updated_at BIGINT)
//
// Checkpoint rows use the key checkpoint$<thread>$<ns>$<id>; pending writes
// use writes$<thread>$<ns>$<id>$<task>$<channel>. Because checkpoint IDs are
// fixed-width ordered clocks, ORDER BY key DESC within a namespace prefix is
// newest first. Timestamps are Unix microseconds so the same statements work
// on every dialect.
//
// Run leases live in the same table under lock$<thread>$<ns> (see Lock).
//
// Writes are upserts. When a TTL is configured rows not updated within it
// are swept after every Put.
type SQLStore[S any] struct {
	db      *sql.DB
	dialect dialect
	table   string
	ttl     time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// SQLOptions configures the relational backends.
type SQLOptions struct {
	// Table overrides the table name. Defaults to "checkpoints".
	Table string

	// TTL enables the retention sweep.
	TTL time.Duration
}

type dialect struct {
	name       string
	keyCol     string
	jsonCast   string
	dollarArgs bool
	upsert     string
	insertNew  string
	create     []string
}

func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const likeEscape = '!'

// escapeLike quotes LIKE wildcards with '!' so thread IDs containing % or _
// match literally. The statements declare ESCAPE '!'.
func escapeLike(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '%', '_', likeEscape:
			b.WriteRune(likeEscape)
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlCheckpointDoc struct {
	ThreadID     string            `json:"thread_id"`
	Namespace    string            `json:"namespace"`
	CheckpointID string            `json:"checkpoint_id"`
	ParentID     string            `json:"parent_checkpoint_id,omitempty"`
	Type         string            `json:"type"`
	State        json.RawMessage   `json:"checkpoint"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type sqlWriteDoc struct {
	TaskID   string          `json:"task_id"`
	TaskPath string          `json:"task_path,omitempty"`
	Channel  string          `json:"channel"`
	Type     string          `json:"type"`
	Value    json.RawMessage `json:"value"`
	Index    int             `json:"index"`
}

func newSQLStore[S any](ctx context.Context, db *sql.DB, d dialect, opts SQLOptions) (*SQLStore[S], error) {
	table := opts.Table
	if table == "" {
		table = "checkpoints"
	}
	s := &SQLStore[S]{
		db:      db,
		dialect: d,
		table:   table,
		ttl:     opts.TTL,
		now:     time.Now,
	}
	for _, stmt := range d.create {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(stmt, table)); err != nil {
			return nil, fmt.Errorf("failed to create %s table: %w", table, err)
		}
	}
	return s, nil
}

func (s *SQLStore[S]) q(format string) string {
	return s.dialect.rebind(strings.NewReplacer("{table}", s.table, "{key}", s.dialect.keyCol).Replace(format))
}

func (s *SQLStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Get returns the checkpoint at key or the latest in its namespace.
func (s *SQLStore[S]) Get(ctx context.Context, key Key) (*Checkpoint[S], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var row *sql.Row
	if key.CheckpointID != "" {
		row = s.db.QueryRowContext(ctx,
			s.q("SELECT state, created_at FROM {table} WHERE {key} = ?"),
			checkpointKey(key))
	} else {
		prefix := checkpointKey(key.Latest())
		row = s.db.QueryRowContext(ctx,
			s.q("SELECT state, created_at FROM {table} WHERE {key} LIKE ? ESCAPE '!' ORDER BY {key} DESC LIMIT 1"),
			escapeLike(prefix)+"%")
	}

	var raw []byte
	var created int64
	if err := row.Scan(&raw, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	cp, err := s.decode(raw, created)
	if err != nil {
		return nil, err
	}

	writes, err := s.loadWrites(ctx, cp.Key)
	if err != nil {
		return nil, err
	}
	cp.PendingWrites = writes
	return cp, nil
}

func (s *SQLStore[S]) decode(raw []byte, created int64) (*Checkpoint[S], error) {
	var doc sqlCheckpointDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	cp := &Checkpoint[S]{
		Key: Key{
			ThreadID:     doc.ThreadID,
			Namespace:    doc.Namespace,
			CheckpointID: doc.CheckpointID,
		},
		ParentID:  doc.ParentID,
		Metadata:  doc.Metadata,
		CreatedAt: time.UnixMicro(created).UTC(),
	}
	if err := json.Unmarshal(doc.State, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return cp, nil
}

func (s *SQLStore[S]) loadWrites(ctx context.Context, key Key) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT state FROM {table} WHERE {key} LIKE ? ESCAPE '!'"),
		escapeLike(writesPrefix(key))+"%")
	if err != nil {
		return nil, fmt.Errorf("load writes: %w", err)
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		var doc sqlWriteDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal write: %w", err)
		}
		out = append(out, PendingWrite{
			TaskID:   doc.TaskID,
			TaskPath: doc.TaskPath,
			Channel:  doc.Channel,
			Value:    doc.Value,
			Index:    doc.Index,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate writes: %w", err)
	}
	sortPendingWrites(out)
	return out, nil
}

// Put upserts the checkpoint row and sweeps expired rows.
func (s *SQLStore[S]) Put(ctx context.Context, key Key, cp Checkpoint[S]) (Key, error) {
	if err := s.checkOpen(); err != nil {
		return Key{}, err
	}
	if err := validateKey(key); err != nil {
		return Key{}, err
	}

	state, err := json.Marshal(cp.State)
	if err != nil {
		return Key{}, fmt.Errorf("failed to marshal state: %w", err)
	}
	if key.CheckpointID == "" {
		key.CheckpointID = NewID(cp.ParentID)
	}

	doc, err := json.Marshal(sqlCheckpointDoc{
		ThreadID:     key.ThreadID,
		Namespace:    key.Namespace,
		CheckpointID: key.CheckpointID,
		ParentID:     cp.ParentID,
		Type:         "json",
		State:        state,
		Metadata:     cp.Metadata,
	})
	if err != nil {
		return Key{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	now := s.now()
	created := cp.CreatedAt
	if created.IsZero() {
		created = now
	}

	if _, err := s.db.ExecContext(ctx, s.q(s.dialect.upsert),
		checkpointKey(key), string(doc), created.UnixMicro(), now.UnixMicro()); err != nil {
		return Key{}, fmt.Errorf("put checkpoint %s: %w", key.CheckpointID, err)
	}

	if err := s.sweep(ctx, now); err != nil {
		return Key{}, err
	}
	return key, nil
}

// PutWrites inserts one row per (task, channel). Existing rows are kept, so
// a repeated call is a no-op.
func (s *SQLStore[S]) PutWrites(ctx context.Context, key Key, writes []Write, taskID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if key.CheckpointID == "" {
		return fmt.Errorf("put writes: checkpoint ID required")
	}
	if strings.Contains(taskID, keySep) {
		return fmt.Errorf("put writes: task ID cannot contain %s", keySep)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM {table} WHERE {key} = ?"), checkpointKey(key)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("put writes: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	var next int
	err = tx.QueryRowContext(ctx,
		s.q("SELECT COUNT(*) FROM {table} WHERE {key} LIKE ? ESCAPE '!'"),
		escapeLike(writesPrefix(key)+taskID+keySep)+"%").Scan(&next)
	if err != nil {
		return fmt.Errorf("count writes: %w", err)
	}

	now := s.now().UnixMicro()
	for _, w := range dedupeWrites(writes) {
		doc, err := json.Marshal(sqlWriteDoc{
			TaskID:  taskID,
			Channel: w.Channel,
			Type:    "json",
			Value:   w.Value,
			Index:   next,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal write: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(s.dialect.insertNew),
			writesPrefix(key)+taskID+keySep+w.Channel, string(doc), now, now)
		if err != nil {
			return fmt.Errorf("put write %s/%s: %w", taskID, w.Channel, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			next++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit writes: %w", err)
	}
	return nil
}

// List returns checkpoints newest first.
func (s *SQLStore[S]) List(ctx context.Context, threadID, namespace string, opts ListOptions) ([]Checkpoint[S], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ns := Key{ThreadID: threadID, Namespace: namespace}
	query := "SELECT state, created_at FROM {table} WHERE {key} LIKE ? ESCAPE '!'"
	args := []any{escapeLike(checkpointKey(ns)) + "%"}
	if opts.Before != "" {
		query += " AND {key} < ?"
		ns.CheckpointID = opts.Before
		args = append(args, checkpointKey(ns))
	}
	query += " ORDER BY {key} DESC"
	if opts.Limit > 0 && len(opts.Filter) == 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint[S]
	for rows.Next() {
		var raw []byte
		var created int64
		if err := rows.Scan(&raw, &created); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := s.decode(raw, created)
		if err != nil {
			return nil, err
		}
		cps = append(cps, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return applyListOptions(cps, opts), nil
}

// Delete removes one checkpoint with its writes or a whole namespace.
func (s *SQLStore[S]) Delete(ctx context.Context, key Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var err error
	if key.CheckpointID != "" {
		_, err = s.db.ExecContext(ctx,
			s.q("DELETE FROM {table} WHERE {key} = ? OR {key} LIKE ? ESCAPE '!'"),
			checkpointKey(key), escapeLike(writesPrefix(key))+"%")
	} else {
		ns := key.Latest()
		_, err = s.db.ExecContext(ctx,
			s.q("DELETE FROM {table} WHERE {key} LIKE ? ESCAPE '!' OR {key} LIKE ? ESCAPE '!'"),
			escapeLike(checkpointKey(ns))+"%",
			escapeLike(strings.Join([]string{"writes", key.ThreadID, key.Namespace}, keySep)+keySep)+"%")
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", key.ThreadID, key.Namespace, err)
	}
	return nil
}

func (s *SQLStore[S]) sweep(ctx context.Context, now time.Time) error {
	if s.ttl <= 0 {
		return nil
	}
	cutoff := now.Add(-s.ttl).UnixMicro()
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM {table} WHERE updated_at < ?"), cutoff); err != nil {
		return fmt.Errorf("sweep expired checkpoints: %w", err)
	}
	return nil
}

// Lock takes the lease row lock$<thread>$<ns>. On lease rows created_at is
// the acquisition time, which identifies the holder, and updated_at is the
// expiry. An expired lease is removed before the insert so a crashed holder
// does not block the thread past ttl, and the retention sweep clears
// abandoned ones.
func (s *SQLStore[S]) Lock(ctx context.Context, threadID, namespace string, ttl time.Duration) (func(context.Context) error, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	lk := lockKey(threadID, namespace)
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM {table} WHERE {key} = ? AND updated_at < ?"), lk, now.UnixMicro()); err != nil {
		return nil, fmt.Errorf("clear expired lock %s: %w", lk, err)
	}

	acquired := now.UnixMicro()
	doc := fmt.Sprintf(`{"owner": %q}`, uuid.NewString())
	res, err := s.db.ExecContext(ctx, s.q(s.dialect.insertNew), lk, doc, acquired, now.Add(ttl).UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lk, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lk, err)
	}
	if n == 0 {
		return nil, ErrLocked
	}

	stop := keepAlive(ttl, func(ctx context.Context) (bool, error) {
		res, err := s.db.ExecContext(ctx, s.q("UPDATE {table} SET updated_at = ? WHERE {key} = ? AND created_at = ?"),
			s.now().Add(ttl).UnixMicro(), lk, acquired)
		if err != nil {
			return true, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return true, err
		}
		return n > 0, nil
	})

	return func(ctx context.Context) error {
		stop()
		if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM {table} WHERE {key} = ? AND created_at = ?"), lk, acquired); err != nil {
			return fmt.Errorf("release lock %s: %w", lk, err)
		}
		return nil
	}, nil
}

// DB exposes the connection pool, mainly for tests and migrations.
func (s *SQLStore[S]) DB() *sql.DB {
	return s.db
}

// Close closes the connection pool. Calling Close twice is safe.
func (s *SQLStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
