package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store[S].
//
// States are held as JSON so a caller mutating a slice inside a state after
// Put, or inside a checkpoint returned by Get, can never alter what is
// stored. Designed for:
//   - Testing and development
//   - Single-process deployments where losing runs on restart is acceptable
//
// MemStore is thread-safe and supports concurrent access.
//
// Type parameter S is the state type to persist.
type MemStore[S any] struct {
	mu      sync.RWMutex
	threads map[string]map[string]*memRecord // thread$ns -> checkpointID -> record
	ttl     time.Duration
	now     func() time.Time
}

type memRecord struct {
	key       Key
	parentID  string
	state     json.RawMessage
	metadata  map[string]string
	writes    map[string]PendingWrite // taskID$channel -> write
	createdAt time.Time
	updatedAt time.Time
}

// MemOption configures a MemStore.
type MemOption func(*memConfig)

type memConfig struct {
	ttl time.Duration
	now func() time.Time
}

// WithMemTTL expires checkpoints ttl after they were last written. Expired
// entries are swept on every write.
func WithMemTTL(ttl time.Duration) MemOption {
	return func(c *memConfig) { c.ttl = ttl }
}

// withMemClock replaces the clock used for TTL sweeps.
func withMemClock(now func() time.Time) MemOption {
	return func(c *memConfig) { c.now = now }
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[pipeline.RunState]()
//	engine := graph.New(pipeline.Reduce, st, emitter)
func NewMemStore[S any](opts ...MemOption) *MemStore[S] {
	cfg := memConfig{now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	return &MemStore[S]{
		threads: make(map[string]map[string]*memRecord),
		ttl:     cfg.ttl,
		now:     cfg.now,
	}
}

func threadKey(threadID, namespace string) string {
	return threadID + keySep + namespace
}

// Get returns the checkpoint at key or the latest in its namespace.
func (m *MemStore[S]) Get(ctx context.Context, key Key) (*Checkpoint[S], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.threads[threadKey(key.ThreadID, key.Namespace)]
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	var rec *memRecord
	if key.CheckpointID != "" {
		rec = records[key.CheckpointID]
	} else {
		for id, r := range records {
			if rec == nil || id > rec.key.CheckpointID {
				rec = r
			}
		}
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	cp, err := m.decode(rec, true)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Put stores cp, generating an ID when key does not pin one.
func (m *MemStore[S]) Put(ctx context.Context, key Key, cp Checkpoint[S]) (Key, error) {
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}
	if err := validateKey(key); err != nil {
		return Key{}, err
	}

	data, err := json.Marshal(cp.State)
	if err != nil {
		return Key{}, fmt.Errorf("failed to marshal state: %w", err)
	}

	if key.CheckpointID == "" {
		key.CheckpointID = NewID(cp.ParentID)
	}

	now := m.now()
	created := cp.CreatedAt
	if created.IsZero() {
		created = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tk := threadKey(key.ThreadID, key.Namespace)
	records := m.threads[tk]
	if records == nil {
		records = make(map[string]*memRecord)
		m.threads[tk] = records
	}

	rec := &memRecord{
		key:       key,
		parentID:  cp.ParentID,
		state:     data,
		metadata:  copyMetadata(cp.Metadata),
		writes:    make(map[string]PendingWrite),
		createdAt: created,
		updatedAt: now,
	}
	if prev, ok := records[key.CheckpointID]; ok {
		rec.writes = prev.writes
	}
	records[key.CheckpointID] = rec

	m.sweepLocked(now)
	return key, nil
}

// PutWrites attaches writes to an existing checkpoint. The first write for a
// (taskID, channel) pair wins.
func (m *MemStore[S]) PutWrites(ctx context.Context, key Key, writes []Write, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key.CheckpointID == "" {
		return fmt.Errorf("put writes: checkpoint ID required")
	}
	if strings.Contains(taskID, keySep) {
		return fmt.Errorf("put writes: task ID cannot contain %s", keySep)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.threads[threadKey(key.ThreadID, key.Namespace)][key.CheckpointID]
	if rec == nil {
		return ErrNotFound
	}

	next := 0
	for _, w := range rec.writes {
		if w.TaskID == taskID && w.Index >= next {
			next = w.Index + 1
		}
	}

	for _, w := range dedupeWrites(writes) {
		wk := taskID + keySep + w.Channel
		if _, exists := rec.writes[wk]; exists {
			continue
		}
		rec.writes[wk] = PendingWrite{
			TaskID:  taskID,
			Channel: w.Channel,
			Value:   append(json.RawMessage(nil), w.Value...),
			Index:   next,
		}
		next++
	}
	rec.updatedAt = m.now()
	return nil
}

// List returns checkpoints newest first.
func (m *MemStore[S]) List(ctx context.Context, threadID, namespace string, opts ListOptions) ([]Checkpoint[S], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.threads[threadKey(threadID, namespace)]
	cps := make([]Checkpoint[S], 0, len(records))
	for _, rec := range records {
		cp, err := m.decode(rec, false)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return applyListOptions(cps, opts), nil
}

// Delete removes one checkpoint or, with an empty CheckpointID, the whole
// namespace.
func (m *MemStore[S]) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tk := threadKey(key.ThreadID, key.Namespace)
	if key.CheckpointID == "" {
		delete(m.threads, tk)
		return nil
	}
	delete(m.threads[tk], key.CheckpointID)
	if len(m.threads[tk]) == 0 {
		delete(m.threads, tk)
	}
	return nil
}

// Close is a no-op.
func (m *MemStore[S]) Close() error {
	return nil
}

func (m *MemStore[S]) decode(rec *memRecord, withWrites bool) (Checkpoint[S], error) {
	var state S
	if err := json.Unmarshal(rec.state, &state); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	cp := Checkpoint[S]{
		Key:       rec.key,
		ParentID:  rec.parentID,
		State:     state,
		Metadata:  copyMetadata(rec.metadata),
		CreatedAt: rec.createdAt,
	}
	if withWrites && len(rec.writes) > 0 {
		cp.PendingWrites = make([]PendingWrite, 0, len(rec.writes))
		for _, w := range rec.writes {
			w.Value = append(json.RawMessage(nil), w.Value...)
			cp.PendingWrites = append(cp.PendingWrites, w)
		}
		sortPendingWrites(cp.PendingWrites)
	}
	return cp, nil
}

func (m *MemStore[S]) sweepLocked(now time.Time) {
	if m.ttl <= 0 {
		return
	}
	cutoff := now.Add(-m.ttl)
	for tk, records := range m.threads {
		for id, rec := range records {
			if rec.updatedAt.Before(cutoff) {
				delete(records, id)
			}
		}
		if len(records) == 0 {
			delete(m.threads, tk)
		}
	}
}
