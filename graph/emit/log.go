package emit

import (
	"context"
	"log/slog"
)

// LogEmitter implements Emitter by writing each event as a structured slog
// record. Events carrying an "error" meta value are logged at error level,
// everything else at info (node_end at debug, since there is one per step).
//
// Usage:
//
//	emitter := emit.NewLogEmitter(logging.New("engine"))
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger means slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the event.
func (l *LogEmitter) Emit(event Event) {
	level := slog.LevelInfo
	switch {
	case event.Err() != "":
		level = slog.LevelError
	case event.Msg == MsgNodeEnd:
		level = slog.LevelDebug
	case event.Msg == MsgDegraded:
		level = slog.LevelWarn
	}

	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 3+len(event.Meta))
	attrs = append(attrs,
		slog.String("run_id", event.RunID),
		slog.Int("step", event.Step),
	)
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(ctx, level, event.Msg, attrs...)
}
