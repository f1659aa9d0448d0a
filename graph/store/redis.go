package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisStore is a Redis implementation of Store[S].
//
// Layout:
//
//	checkpoint$<thread>$<ns>$<id>                hash {checkpoint, type, metadata, parent_checkpoint_id}
//	writes$<thread>$<ns>$<id>$<task>$<channel>   hash {channel, type, value, task_id, task_path, idx}
//	writeseq$<thread>$<ns>$<id>$<task>           counter for the next idx of a task
//	lock$<thread>$<ns>                           lease token
//
// Latest-checkpoint lookups SCAN the namespace prefix and pick the greatest
// ID, which is the newest because IDs are ordered clocks (see NewID).
// When a TTL is configured every key written is given that expiry.
//
// RedisStore also implements Locker with SET NX leases.
type RedisStore[S any] struct {
	client redis.UniversalClient
	ttl    time.Duration
	owned  bool
}

// RedisConfig holds connection parameters for NewRedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

const (
	redisTypeJSON  = "json"
	redisScanCount = 256
)

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore[S any](ctx context.Context, cfg RedisConfig) (*RedisStore[S], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	st := NewRedisStoreFromClient[S](client, cfg.TTL)
	st.owned = true
	return st, nil
}

// NewRedisStoreFromClient wraps an existing client. Close will not close it.
func NewRedisStoreFromClient[S any](client redis.UniversalClient, ttl time.Duration) *RedisStore[S] {
	return &RedisStore[S]{client: client, ttl: ttl}
}

func checkpointKey(k Key) string {
	return strings.Join([]string{"checkpoint", k.ThreadID, k.Namespace, k.CheckpointID}, keySep)
}

func writesPrefix(k Key) string {
	return strings.Join([]string{"writes", k.ThreadID, k.Namespace, k.CheckpointID}, keySep) + keySep
}

func writeKey(k Key, taskID, channel string) string {
	return writesPrefix(k) + taskID + keySep + channel
}

func writeSeqKey(k Key, taskID string) string {
	return strings.Join([]string{"writeseq", k.ThreadID, k.Namespace, k.CheckpointID, taskID}, keySep)
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (r *RedisStore[S]) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, match, redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", match, err)
	}
	return keys, nil
}

func (r *RedisStore[S]) checkpointIDs(ctx context.Context, threadID, namespace string) ([]string, error) {
	prefix := checkpointKey(Key{ThreadID: threadID, Namespace: namespace})
	keys, err := r.scan(ctx, escapeGlob(prefix)+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Get returns the checkpoint at key or the latest in its namespace.
func (r *RedisStore[S]) Get(ctx context.Context, key Key) (*Checkpoint[S], error) {
	if key.CheckpointID == "" {
		ids, err := r.checkpointIDs(ctx, key.ThreadID, key.Namespace)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, ErrNotFound
		}
		key.CheckpointID = ids[0]
	}

	cp, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}

	writes, err := r.loadWrites(ctx, key)
	if err != nil {
		return nil, err
	}
	cp.PendingWrites = writes
	return cp, nil
}

func (r *RedisStore[S]) load(ctx context.Context, key Key) (*Checkpoint[S], error) {
	fields, err := r.client.HGetAll(ctx, checkpointKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", key.CheckpointID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	cp := &Checkpoint[S]{
		Key:       key,
		ParentID:  fields["parent_checkpoint_id"],
		CreatedAt: TimeOf(key.CheckpointID),
	}
	if err := json.Unmarshal([]byte(fields["checkpoint"]), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if m := fields["metadata"]; m != "" {
		if err := json.Unmarshal([]byte(m), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return cp, nil
}

func (r *RedisStore[S]) loadWrites(ctx context.Context, key Key) ([]PendingWrite, error) {
	keys, err := r.scan(ctx, escapeGlob(writesPrefix(key))+"*")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	out := make([]PendingWrite, 0, len(keys))
	for _, k := range keys {
		fields, err := r.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("load write %s: %w", k, err)
		}
		if len(fields) == 0 {
			continue
		}
		idx, _ := strconv.Atoi(fields["idx"])
		out = append(out, PendingWrite{
			TaskID:   fields["task_id"],
			TaskPath: fields["task_path"],
			Channel:  fields["channel"],
			Value:    json.RawMessage(fields["value"]),
			Index:    idx,
		})
	}
	sortPendingWrites(out)
	return out, nil
}

// Put writes the checkpoint hash in a single MULTI/EXEC with its expiry.
func (r *RedisStore[S]) Put(ctx context.Context, key Key, cp Checkpoint[S]) (Key, error) {
	if err := validateKey(key); err != nil {
		return Key{}, err
	}

	state, err := json.Marshal(cp.State)
	if err != nil {
		return Key{}, fmt.Errorf("failed to marshal state: %w", err)
	}
	meta, err := json.Marshal(cp.Metadata)
	if err != nil {
		return Key{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if key.CheckpointID == "" {
		key.CheckpointID = NewID(cp.ParentID)
	}

	rk := checkpointKey(key)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, rk, map[string]interface{}{
		"checkpoint":           string(state),
		"type":                 redisTypeJSON,
		"metadata":             string(meta),
		"parent_checkpoint_id": cp.ParentID,
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, rk, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Key{}, fmt.Errorf("put checkpoint %s: %w", key.CheckpointID, err)
	}
	return key, nil
}

// putWriteScript records one write unless its key already exists, taking
// the task's next index from the counter in the same step.
var putWriteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
local idx = redis.call("INCR", KEYS[2]) - 1
redis.call("HSET", KEYS[1], "channel", ARGV[1], "type", ARGV[2], "value", ARGV[3], "task_id", ARGV[4], "task_path", "", "idx", idx)
if tonumber(ARGV[5]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[5])
	redis.call("PEXPIRE", KEYS[2], ARGV[5])
end
return 1
`)

// PutWrites stores each write under its (task, channel) key. The existence
// check and the write run as one script, so concurrent retries of a task
// record a channel once.
func (r *RedisStore[S]) PutWrites(ctx context.Context, key Key, writes []Write, taskID string) error {
	if key.CheckpointID == "" {
		return fmt.Errorf("put writes: checkpoint ID required")
	}
	if strings.Contains(taskID, keySep) {
		return fmt.Errorf("put writes: task ID cannot contain %s", keySep)
	}

	n, err := r.client.Exists(ctx, checkpointKey(key)).Result()
	if err != nil {
		return fmt.Errorf("put writes: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	seq := writeSeqKey(key, taskID)
	for _, w := range dedupeWrites(writes) {
		err := putWriteScript.Run(ctx, r.client, []string{writeKey(key, taskID, w.Channel), seq},
			w.Channel, redisTypeJSON, string(w.Value), taskID, r.ttl.Milliseconds()).Err()
		if err != nil {
			return fmt.Errorf("put write %s/%s: %w", taskID, w.Channel, err)
		}
	}
	return nil
}

// List returns checkpoints newest first. Checkpoints are loaded one hash at a
// time, so Limit is applied while loading when no filter is set.
func (r *RedisStore[S]) List(ctx context.Context, threadID, namespace string, opts ListOptions) ([]Checkpoint[S], error) {
	ids, err := r.checkpointIDs(ctx, threadID, namespace)
	if err != nil {
		return nil, err
	}

	var cps []Checkpoint[S]
	for _, id := range ids {
		if opts.Before != "" && id >= opts.Before {
			continue
		}
		cp, err := r.load(ctx, Key{ThreadID: threadID, Namespace: namespace, CheckpointID: id})
		if errors.Is(err, ErrNotFound) {
			// expired between SCAN and HGETALL
			continue
		}
		if err != nil {
			return nil, err
		}
		cps = append(cps, *cp)
		if len(opts.Filter) == 0 && opts.Limit > 0 && len(cps) == opts.Limit {
			break
		}
	}
	return applyListOptions(cps, opts), nil
}

// Delete removes one checkpoint with its writes or a whole namespace.
func (r *RedisStore[S]) Delete(ctx context.Context, key Key) error {
	var keys []string
	if key.CheckpointID != "" {
		keys = append(keys, checkpointKey(key))
		for _, prefix := range []string{writesPrefix(key), writeSeqKey(key, "")} {
			ws, err := r.scan(ctx, escapeGlob(prefix)+"*")
			if err != nil {
				return err
			}
			keys = append(keys, ws...)
		}
	} else {
		ns := Key{ThreadID: key.ThreadID, Namespace: key.Namespace}
		cks, err := r.scan(ctx, escapeGlob(checkpointKey(ns))+"*")
		if err != nil {
			return err
		}
		keys = cks
		for _, kind := range []string{"writes", "writeseq"} {
			ws, err := r.scan(ctx, escapeGlob(strings.Join([]string{kind, key.ThreadID, key.Namespace}, keySep)+keySep)+"*")
			if err != nil {
				return err
			}
			keys = append(keys, ws...)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %s/%s: %w", key.ThreadID, key.Namespace, err)
	}
	return nil
}

var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Lock acquires a lease on the thread with SET NX PX and keeps extending it
// while held.
func (r *RedisStore[S]) Lock(ctx context.Context, threadID, namespace string, ttl time.Duration) (func(context.Context) error, error) {
	lk := lockKey(threadID, namespace)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lk, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := keepAlive(ttl, func(ctx context.Context) (bool, error) {
		n, err := renewScript.Run(ctx, r.client, []string{lk}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			return true, err
		}
		return n == 1, nil
	})

	return func(ctx context.Context) error {
		stop()
		if err := unlockScript.Run(ctx, r.client, []string{lk}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock %s: %w", lk, err)
		}
		return nil
	}, nil
}

// Close closes the client when the store created it.
func (r *RedisStore[S]) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
