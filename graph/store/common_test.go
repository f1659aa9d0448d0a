package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
)

type testState struct {
	Query    string   `json:"query"`
	Docs     []string `json:"docs"`
	Attempts int      `json:"attempts"`
}

type storeFactory func(t *testing.T) store.Store[testState]

// backends returns every backend available to this test run. Memory and
// SQLite always run; the networked backends run when their environment
// variable points at a server.
func backends(t *testing.T) map[string]storeFactory {
	t.Helper()

	out := map[string]storeFactory{
		"memory": func(t *testing.T) store.Store[testState] {
			return store.NewMemStore[testState]()
		},
		"sqlite": func(t *testing.T) store.Store[testState] {
			st, err := store.NewSQLiteStore[testState](context.Background(), ":memory:", store.SQLOptions{})
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}

	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		out["redis"] = func(t *testing.T) store.Store[testState] {
			st, err := store.NewRedisStore[testState](context.Background(), store.RedisConfig{Addr: addr, TTL: time.Hour})
			if err != nil {
				t.Fatalf("NewRedisStore: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		}
	}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) store.Store[testState] {
			st, err := store.NewPostgresStore[testState](context.Background(), store.PostgresConfig{DSN: dsn, AutoMigrate: true})
			if err != nil {
				t.Fatalf("NewPostgresStore: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		}
	}
	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		out["mysql"] = func(t *testing.T) store.Store[testState] {
			st, err := store.NewMySQLStore[testState](context.Background(), dsn, store.SQLOptions{})
			if err != nil {
				t.Fatalf("NewMySQLStore: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		}
	}
	return out
}

// uniqueThread keeps runs against shared servers apart.
func uniqueThread(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestStoreContract(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get missing returns ErrNotFound", func(t *testing.T) {
				st := newStore(t)
				_, err := st.Get(context.Background(), store.Key{ThreadID: uniqueThread(t)})
				if !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("put then get round trips", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				thread := uniqueThread(t)

				parent, err := st.Put(ctx, store.Key{ThreadID: thread, Namespace: "docs"}, store.Checkpoint[testState]{
					State: testState{Query: "what is a reducer"},
				})
				if err != nil {
					t.Fatalf("Put parent: %v", err)
				}

				want := testState{Query: "what is a reducer", Docs: []string{"a", "b"}, Attempts: 2}
				meta := map[string]string{"node": "retrieve", "step": "1"}
				key, err := st.Put(ctx, store.Key{ThreadID: thread, Namespace: "docs"}, store.Checkpoint[testState]{
					ParentID: parent.CheckpointID,
					State:    want,
					Metadata: meta,
				})
				if err != nil {
					t.Fatalf("Put: %v", err)
				}
				if key.CheckpointID <= parent.CheckpointID {
					t.Errorf("child ID %q does not sort after parent %q", key.CheckpointID, parent.CheckpointID)
				}

				got, err := st.Get(ctx, key)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if diff := cmp.Diff(want, got.State); diff != "" {
					t.Errorf("state mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff(meta, got.Metadata); diff != "" {
					t.Errorf("metadata mismatch (-want +got):\n%s", diff)
				}
				if got.ParentID != parent.CheckpointID {
					t.Errorf("ParentID = %q, want %q", got.ParentID, parent.CheckpointID)
				}
				if got.Key != key {
					t.Errorf("Key = %+v, want %+v", got.Key, key)
				}
			})

			t.Run("empty checkpoint ID reads latest", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				thread := uniqueThread(t)

				var last store.Key
				parentID := ""
				for i := 1; i <= 3; i++ {
					k, err := st.Put(ctx, store.Key{ThreadID: thread}, store.Checkpoint[testState]{
						ParentID: parentID,
						State:    testState{Attempts: i},
					})
					if err != nil {
						t.Fatalf("Put %d: %v", i, err)
					}
					parentID = k.CheckpointID
					last = k
				}

				got, err := st.Get(ctx, store.Key{ThreadID: thread})
				if err != nil {
					t.Fatalf("Get latest: %v", err)
				}
				if got.Key.CheckpointID != last.CheckpointID || got.State.Attempts != 3 {
					t.Errorf("latest = %s (attempts %d), want %s (attempts 3)",
						got.Key.CheckpointID, got.State.Attempts, last.CheckpointID)
				}
			})

			t.Run("pinned checkpoint ID is honoured", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				key := store.Key{ThreadID: uniqueThread(t), CheckpointID: store.IDAt(time.Now(), "pinned-1")}

				got, err := st.Put(ctx, key, store.Checkpoint[testState]{State: testState{Query: "q"}})
				if err != nil {
					t.Fatalf("Put: %v", err)
				}
				if got != key {
					t.Errorf("Put returned %+v, want %+v", got, key)
				}
				if _, err := st.Get(ctx, key); err != nil {
					t.Errorf("Get pinned: %v", err)
				}
			})

			t.Run("pinned ID without clock is rejected", func(t *testing.T) {
				st := newStore(t)
				_, err := st.Put(context.Background(), store.Key{ThreadID: uniqueThread(t), CheckpointID: "replay-1"}, store.Checkpoint[testState]{})
				if !errors.Is(err, store.ErrInvalidID) {
					t.Fatalf("Put = %v, want ErrInvalidID", err)
				}
			})

			t.Run("child of a pinned parent is latest", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				thread := uniqueThread(t)

				pinned, err := st.Put(ctx, store.Key{ThreadID: thread, CheckpointID: store.IDAt(time.Now().Add(20*time.Millisecond), "replay-1")},
					store.Checkpoint[testState]{State: testState{Attempts: 1}})
				if err != nil {
					t.Fatalf("Put pinned: %v", err)
				}
				child, err := st.Put(ctx, store.Key{ThreadID: thread}, store.Checkpoint[testState]{ParentID: pinned.CheckpointID, State: testState{Attempts: 2}})
				if err != nil {
					t.Fatalf("Put child: %v", err)
				}

				latest, err := st.Get(ctx, store.Key{ThreadID: thread})
				if err != nil {
					t.Fatalf("Get latest: %v", err)
				}
				if latest.Key.CheckpointID != child.CheckpointID {
					t.Errorf("latest = %s, want child %s (pinned %s)", latest.Key.CheckpointID, child.CheckpointID, pinned.CheckpointID)
				}
				older, err := st.List(ctx, thread, "", store.ListOptions{Before: child.CheckpointID})
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				if len(older) != 1 || older[0].Key.CheckpointID != pinned.CheckpointID {
					t.Errorf("List before child returned %d checkpoints, want only the pinned one", len(older))
				}
			})

			t.Run("put writes is idempotent per task and channel", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				key, err := st.Put(ctx, store.Key{ThreadID: uniqueThread(t)}, store.Checkpoint[testState]{})
				if err != nil {
					t.Fatalf("Put: %v", err)
				}

				first := []store.Write{
					{Channel: "documents", Value: json.RawMessage(`["a"]`)},
					{Channel: "error", Value: json.RawMessage(`""`)},
				}
				for i := 0; i < 2; i++ {
					if err := st.PutWrites(ctx, key, first, "task-1"); err != nil {
						t.Fatalf("PutWrites #%d: %v", i, err)
					}
				}
				more := []store.Write{
					{Channel: "documents", Value: json.RawMessage(`["changed"]`)},
					{Channel: "comments", Value: json.RawMessage(`"ok"`)},
				}
				if err := st.PutWrites(ctx, key, more, "task-1"); err != nil {
					t.Fatalf("PutWrites more: %v", err)
				}

				got, err := st.Get(ctx, key)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				type flat struct {
					Task, Channel, Value string
					Index                int
				}
				var gotFlat []flat
				for _, w := range got.PendingWrites {
					gotFlat = append(gotFlat, flat{w.TaskID, w.Channel, string(w.Value), w.Index})
				}
				want := []flat{
					{"task-1", "documents", `["a"]`, 0},
					{"task-1", "error", `""`, 1},
					{"task-1", "comments", `"ok"`, 2},
				}
				if diff := cmp.Diff(want, gotFlat); diff != "" {
					t.Errorf("pending writes mismatch (-want +got):\n%s", diff)
				}
			})

			t.Run("concurrent put writes record each channel once", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				key, err := st.Put(ctx, store.Key{ThreadID: uniqueThread(t)}, store.Checkpoint[testState]{})
				if err != nil {
					t.Fatalf("Put: %v", err)
				}

				writes := []store.Write{
					{Channel: "documents", Value: json.RawMessage(`["a"]`)},
					{Channel: "error", Value: json.RawMessage(`""`)},
				}
				var wg sync.WaitGroup
				errs := make(chan error, 8)
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						errs <- st.PutWrites(ctx, key, writes, "task-1")
					}()
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					if err != nil {
						t.Fatalf("PutWrites: %v", err)
					}
				}

				got, err := st.Get(ctx, key)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				channels := map[string]int{}
				for _, w := range got.PendingWrites {
					channels[w.Channel]++
				}
				if diff := cmp.Diff(map[string]int{"documents": 1, "error": 1}, channels); diff != "" {
					t.Errorf("recorded channels mismatch (-want +got):\n%s", diff)
				}
			})

			t.Run("put writes on missing checkpoint", func(t *testing.T) {
				st := newStore(t)
				err := st.PutWrites(context.Background(),
					store.Key{ThreadID: uniqueThread(t), CheckpointID: "nope"},
					[]store.Write{{Channel: "c", Value: json.RawMessage(`1`)}}, "task")
				if !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("list newest first with options", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				thread := uniqueThread(t)

				var ids []string
				parentID := ""
				for i := 0; i < 4; i++ {
					status := "running"
					if i == 3 {
						status = "completed"
					}
					k, err := st.Put(ctx, store.Key{ThreadID: thread}, store.Checkpoint[testState]{
						ParentID: parentID,
						State:    testState{Attempts: i},
						Metadata: map[string]string{"status": status},
					})
					if err != nil {
						t.Fatalf("Put: %v", err)
					}
					parentID = k.CheckpointID
					ids = append(ids, k.CheckpointID)
				}

				all, err := st.List(ctx, thread, "", store.ListOptions{})
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				var gotIDs []string
				for _, cp := range all {
					gotIDs = append(gotIDs, cp.Key.CheckpointID)
				}
				wantIDs := []string{ids[3], ids[2], ids[1], ids[0]}
				if diff := cmp.Diff(wantIDs, gotIDs); diff != "" {
					t.Errorf("order mismatch (-want +got):\n%s", diff)
				}

				limited, err := st.List(ctx, thread, "", store.ListOptions{Limit: 2, Before: ids[3]})
				if err != nil {
					t.Fatalf("List limited: %v", err)
				}
				if len(limited) != 2 || limited[0].Key.CheckpointID != ids[2] || limited[1].Key.CheckpointID != ids[1] {
					t.Errorf("Before+Limit returned %d checkpoints, want [%s %s]", len(limited), ids[2], ids[1])
				}

				filtered, err := st.List(ctx, thread, "", store.ListOptions{Filter: map[string]string{"status": "completed"}})
				if err != nil {
					t.Fatalf("List filtered: %v", err)
				}
				if len(filtered) != 1 || filtered[0].Key.CheckpointID != ids[3] {
					t.Errorf("filter returned %d checkpoints, want only %s", len(filtered), ids[3])
				}
			})

			t.Run("namespaces are isolated and deletable", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				thread := uniqueThread(t)

				a, err := st.Put(ctx, store.Key{ThreadID: thread, Namespace: "python"}, store.Checkpoint[testState]{State: testState{Query: "py"}})
				if err != nil {
					t.Fatalf("Put a: %v", err)
				}
				b, err := st.Put(ctx, store.Key{ThreadID: thread, Namespace: "javascript"}, store.Checkpoint[testState]{State: testState{Query: "js"}})
				if err != nil {
					t.Fatalf("Put b: %v", err)
				}
				if err := st.PutWrites(ctx, a, []store.Write{{Channel: "x", Value: json.RawMessage(`1`)}}, "t"); err != nil {
					t.Fatalf("PutWrites: %v", err)
				}

				got, err := st.Get(ctx, store.Key{ThreadID: thread, Namespace: "python"})
				if err != nil || got.State.Query != "py" {
					t.Fatalf("Get python = %+v, %v", got, err)
				}

				if err := st.Delete(ctx, a); err != nil {
					t.Fatalf("Delete a: %v", err)
				}
				if _, err := st.Get(ctx, a); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("deleted checkpoint still readable: %v", err)
				}
				if _, err := st.Get(ctx, b); err != nil {
					t.Errorf("sibling namespace affected by delete: %v", err)
				}

				if err := st.Delete(ctx, store.Key{ThreadID: thread, Namespace: "javascript"}); err != nil {
					t.Fatalf("Delete namespace: %v", err)
				}
				cps, err := st.List(ctx, thread, "javascript", store.ListOptions{})
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				if len(cps) != 0 {
					t.Errorf("namespace delete left %d checkpoints", len(cps))
				}
			})

			t.Run("rejects separator in key", func(t *testing.T) {
				st := newStore(t)
				_, err := st.Put(context.Background(), store.Key{ThreadID: "a$b"}, store.Checkpoint[testState]{})
				if err == nil {
					t.Fatal("expected error for thread ID containing separator")
				}
			})
		})
	}
}

func TestLockerContract(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			locker, ok := newStore(t).(store.Locker)
			if !ok {
				t.Skip("backend has no cross-process lock")
			}

			t.Run("exclusive per thread and namespace", func(t *testing.T) {
				ctx := context.Background()
				thread := uniqueThread(t)

				unlock, err := locker.Lock(ctx, thread, "docs", time.Minute)
				if err != nil {
					t.Fatalf("Lock: %v", err)
				}
				if _, err := locker.Lock(ctx, thread, "docs", time.Minute); !errors.Is(err, store.ErrLocked) {
					t.Errorf("second Lock = %v, want ErrLocked", err)
				}
				other, err := locker.Lock(ctx, thread, "python", time.Minute)
				if err != nil {
					t.Fatalf("Lock in another namespace: %v", err)
				}
				_ = other(ctx)

				if err := unlock(ctx); err != nil {
					t.Fatalf("unlock: %v", err)
				}
				again, err := locker.Lock(ctx, thread, "docs", time.Minute)
				if err != nil {
					t.Fatalf("Lock after unlock: %v", err)
				}
				_ = again(ctx)
			})

			t.Run("held lease outlives its ttl", func(t *testing.T) {
				ctx := context.Background()
				thread := uniqueThread(t)
				ttl := 300 * time.Millisecond

				unlock, err := locker.Lock(ctx, thread, "", ttl)
				if err != nil {
					t.Fatalf("Lock: %v", err)
				}
				defer func() { _ = unlock(ctx) }()

				time.Sleep(3 * ttl)
				if _, err := locker.Lock(ctx, thread, "", ttl); !errors.Is(err, store.ErrLocked) {
					t.Errorf("Lock after %s = %v, want ErrLocked while the holder is alive", 3*ttl, err)
				}
			})
		})
	}
}
