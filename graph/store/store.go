// Package store persists workflow checkpoints keyed by
// (thread, namespace, checkpoint ID). Backends share one capability surface,
// Store, and are chosen by Open from configuration.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested thread or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Key addresses a checkpoint. An empty CheckpointID means "latest" for Get
// and "the whole namespace" for Delete.
type Key struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"namespace"`
	CheckpointID string `json:"checkpoint_id"`
}

// Latest returns the key of the newest checkpoint in the same namespace.
func (k Key) Latest() Key {
	k.CheckpointID = ""
	return k
}

// Checkpoint is an immutable snapshot of a run after one step.
type Checkpoint[S any] struct {
	Key           Key               `json:"key"`
	ParentID      string            `json:"parent_id,omitempty"`
	State         S                 `json:"state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PendingWrites []PendingWrite    `json:"pending_writes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Write is one intermediate value produced by a task before its step
// committed.
type Write struct {
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// PendingWrite is a stored Write attributed to the task that produced it.
type PendingWrite struct {
	TaskID   string          `json:"task_id"`
	TaskPath string          `json:"task_path,omitempty"`
	Channel  string          `json:"channel"`
	Value    json.RawMessage `json:"value"`
	Index    int             `json:"index"`
}

// ListOptions narrows List results.
type ListOptions struct {
	// Filter keeps checkpoints whose metadata contains every pair.
	Filter map[string]string

	// Before keeps checkpoints with IDs strictly older than this ID.
	Before string

	// Limit caps the number of results. 0 means no cap.
	Limit int
}

// Store is the capability surface every checkpoint backend provides.
//
// Implementations must be safe for concurrent use. Checkpoints are append
// only; retention is the store's concern (see the TTL options on each
// backend).
type Store[S any] interface {
	// Get returns the checkpoint at key, or the latest in the namespace
	// when key.CheckpointID is empty. Returns ErrNotFound when absent.
	Get(ctx context.Context, key Key) (*Checkpoint[S], error)

	// Put persists cp under key's thread and namespace. When
	// key.CheckpointID is empty an ID is generated with NewID(cp.ParentID).
	// A pinned ID must carry a clock (see IDAt), otherwise ErrInvalidID.
	// Returns the key the checkpoint was stored under.
	Put(ctx context.Context, key Key, cp Checkpoint[S]) (Key, error)

	// PutWrites attaches intermediate writes to the checkpoint at key.
	// Repeating a (taskID, channel) pair is a no-op.
	PutWrites(ctx context.Context, key Key, writes []Write, taskID string) error

	// List returns checkpoints for a thread and namespace, newest first.
	List(ctx context.Context, threadID, namespace string, opts ListOptions) ([]Checkpoint[S], error)

	// Delete removes the checkpoint at key with its writes, or every
	// checkpoint in the namespace when key.CheckpointID is empty.
	Delete(ctx context.Context, key Key) error

	// Close releases backend resources.
	Close() error
}

// Locker is implemented by stores that can hold a cross-process lease on a
// thread, so two workers never advance the same run at once.
type Locker interface {
	// Lock acquires the lease or returns ErrLocked. The lease expires after
	// ttl unless renewed; it is renewed in the background until the
	// returned func releases it, so only a holder that stopped running
	// loses it.
	Lock(ctx context.Context, threadID, namespace string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// ErrLocked is returned by Locker.Lock when another holder owns the lease.
var ErrLocked = errors.New("thread is locked by another worker")

func matchesFilter(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// applyListOptions sorts newest first and applies Filter, Before and Limit.
func applyListOptions[S any](cps []Checkpoint[S], opts ListOptions) []Checkpoint[S] {
	sort.Slice(cps, func(i, j int) bool {
		return cps[i].Key.CheckpointID > cps[j].Key.CheckpointID
	})

	out := make([]Checkpoint[S], 0, len(cps))
	for _, cp := range cps {
		if opts.Before != "" && cp.Key.CheckpointID >= opts.Before {
			continue
		}
		if !matchesFilter(cp.Metadata, opts.Filter) {
			continue
		}
		out = append(out, cp)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out
}

// dedupeWrites keeps the first write per channel, preserving order.
func dedupeWrites(writes []Write) []Write {
	seen := make(map[string]bool, len(writes))
	out := make([]Write, 0, len(writes))
	for _, w := range writes {
		if seen[w.Channel] {
			continue
		}
		seen[w.Channel] = true
		out = append(out, w)
	}
	return out
}

func sortPendingWrites(ws []PendingWrite) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].TaskID != ws[j].TaskID {
			return ws[i].TaskID < ws[j].TaskID
		}
		return ws[i].Index < ws[j].Index
	})
}

func validateKey(key Key) error {
	if key.ThreadID == "" {
		return errors.New("thread ID cannot be empty")
	}
	if strings.Contains(key.ThreadID, keySep) || strings.Contains(key.Namespace, keySep) ||
		strings.Contains(key.CheckpointID, keySep) {
		return errors.New("key components cannot contain " + keySep)
	}
	if key.CheckpointID != "" {
		return checkPinnedID(key.CheckpointID)
	}
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
