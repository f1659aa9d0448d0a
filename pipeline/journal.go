package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
)

const relevanceChannel = "relevance"

// GradeJournal records per-document verdicts as pending writes on the
// checkpoint the grading step builds on. If the process dies mid-grading,
// the recovered run re-enters the step from that same checkpoint and reuses
// the recorded verdicts.
//
// A nil *GradeJournal records nothing.
type GradeJournal struct {
	Store  store.Store[RunState]
	Logger *slog.Logger
}

func gradeTaskID(index int, doc Document) string {
	return "grade:" + strconv.Itoa(index) + ":" + doc.Source()
}

func (j *GradeJournal) key(ctx context.Context) (store.Key, bool) {
	if j == nil || j.Store == nil {
		return store.Key{}, false
	}
	info, ok := graph.RunInfoFrom(ctx)
	if !ok || info.CheckpointID == "" {
		return store.Key{}, false
	}
	return store.Key{ThreadID: info.ThreadID, Namespace: info.Namespace, CheckpointID: info.CheckpointID}, true
}

func (j *GradeJournal) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Recorded returns the verdicts already journaled for this step, by task ID.
func (j *GradeJournal) Recorded(ctx context.Context) map[string]bool {
	key, ok := j.key(ctx)
	if !ok {
		return nil
	}
	cp, err := j.Store.Get(ctx, key)
	if err != nil {
		return nil
	}
	out := make(map[string]bool)
	for _, w := range cp.PendingWrites {
		if w.Channel != relevanceChannel {
			continue
		}
		var relevant bool
		if err := json.Unmarshal(w.Value, &relevant); err == nil {
			out[w.TaskID] = relevant
		}
	}
	return out
}

// Record journals one verdict. Failures are logged and otherwise ignored.
func (j *GradeJournal) Record(ctx context.Context, index int, doc Document, relevant bool) {
	key, ok := j.key(ctx)
	if !ok {
		return
	}
	value, _ := json.Marshal(relevant)
	w := []store.Write{{Channel: relevanceChannel, Value: value}}
	if err := j.Store.PutWrites(ctx, key, w, gradeTaskID(index, doc)); err != nil {
		j.logger().Warn("grade journal write failed", "checkpoint_id", key.CheckpointID, "index", index, "error", err)
	}
}
