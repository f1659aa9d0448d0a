package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Component(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelDebug, "text", &buf)

	New("engine").Info("run started")

	out := buf.String()
	if !strings.Contains(out, "component=engine") || !strings.Contains(out, "run started") {
		t.Errorf("output = %q", out)
	}
}

func TestInit_JSON(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelInfo, "JSON", &buf)

	New("store").Info("checkpoint written")

	out := buf.String()
	if !strings.Contains(out, `"level":"INFO"`) || !strings.Contains(out, `"component":"store"`) {
		t.Errorf("output = %q", out)
	}
}

func TestInit_Level(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelWarn, "text", &buf)

	New("grading").Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	New("grading").Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warning not logged: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTracerProvider_LogsSpans(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelDebug, "text", &buf)

	tp := NewTracerProvider(New("traces"))
	_, span := tp.Tracer("test").Start(context.Background(), "node.generate")
	span.SetAttributes(attribute.String("node_id", "generate"))
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"node.generate", "component=traces", "node_id=generate", "trace_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}
