package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/emit"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model/anthropic"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model/google"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model/openai"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/store"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/tool"
	"github.com/huytofu/documentation-helper-agent-sub000/internal/config"
	"github.com/huytofu/documentation-helper-agent-sub000/internal/logging"
	"github.com/huytofu/documentation-helper-agent-sub000/pipeline"
)

// newChatModel builds the provider client. Tests replace it.
var newChatModel = func(cfg config.LLMConfig) (model.ChatModel, string, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		m := anthropic.NewChatModel(cfg.APIKey, cfg.Model)
		return m, nameOr(cfg.Model, anthropic.DefaultModel), nil
	case config.ProviderGoogle:
		m := google.NewChatModel(cfg.APIKey, cfg.Model)
		return m, nameOr(cfg.Model, google.DefaultModel), nil
	case config.ProviderOpenAI:
		m := openai.NewChatModel(cfg.APIKey, cfg.Model)
		return m, nameOr(cfg.Model, openai.DefaultModel), nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// app is everything one command needs. close releases it.
type app struct {
	cfg     *config.Config
	engine  *pipeline.Engine
	store   store.Store[pipeline.RunState]
	usage   *model.UsageTracker
	logger  *slog.Logger
	metrics *http.Server
	tracer  *sdktrace.TracerProvider
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logger := logging.New("docagent")

	st, err := store.Open[pipeline.RunState](ctx, cfg.Checkpoint.StoreConfig(logging.New("store")))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st, usage: model.NewUsageTracker(), logger: logger}

	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)
	addr := cfg.Metrics.Addr
	if rootFlags.metricsAddr != "" {
		addr = rootFlags.metricsAddr
	}
	if addr != "" {
		if err := a.serveMetrics(addr, registry); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	chat, modelName, err := newChatModel(cfg.LLM)
	if err != nil {
		a.close()
		return nil, err
	}
	llm := &pipeline.LLM{Model: model.Tracked(chat, modelName, a.usage), Frameworks: cfg.LLM.Frameworks}

	coordinator := &pipeline.Coordinator{
		Grader:         llm,
		PerDocTimeout:  cfg.Grading.PerDocTimeoutDuration(),
		MaxWorkers:     cfg.Grading.MaxWorkers,
		OverallTimeout: cfg.Grading.OverallTimeoutDuration(),
		Retry:          cfg.Retry.Policy(),
		Metrics:        metrics,
		Logger:         logging.New("grading"),
	}
	if cfg.Grading.JournalEnabled() {
		coordinator.Journal = &pipeline.GradeJournal{Store: st, Logger: logging.New("journal")}
	}

	w := &pipeline.Workflow{
		Detector:      llm,
		Searcher:      pipeline.WebSearcher{Tool: tool.NewWebSearch(cfg.Search.Endpoint, cfg.Search.APIKey), MaxResults: cfg.Search.MaxResults},
		Rewriter:      llm,
		Generator:     llm,
		AnswerGrader:  llm,
		Coordinator:   coordinator,
		Call:          cfg.Retry.CallPolicy(),
		MaxRetries:    cfg.Engine.MaxRetries,
		MessageWindow: cfg.Engine.MessagesWindow,
		NodeTimeout:   cfg.Engine.NodeTimeoutDuration(),
		Metrics:       metrics,
		Logger:        logging.New("pipeline"),
	}
	if cfg.Retrieval.Endpoint != "" {
		w.Retriever = &pipeline.HTTPRetriever{Endpoint: cfg.Retrieval.Endpoint, APIKey: cfg.Retrieval.APIKey, TopK: cfg.Retrieval.TopK}
	} else {
		logger.Warn("no retrieval endpoint configured, answering from web search only")
	}

	emitter := emit.MultiEmitter{emit.NewLogEmitter(logging.New("events"))}
	if cfg.Tracing.Enabled {
		a.tracer = logging.NewTracerProvider(logging.New("traces"))
		otel.SetTracerProvider(a.tracer)
		emitter = append(emitter, emit.NewOTelEmitter(otel.Tracer("docagent")))
	}
	opts := append(cfg.Engine.Options(), graph.WithMetrics(metrics), graph.WithLogger(logging.New("engine")))
	a.engine, err = w.Build(st, emitter, opts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build workflow: %w", err)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string, registry *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *app) close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("flushing traces", "error", err)
		}
		cancel()
	}
	if a.usage != nil {
		if in, out := a.usage.Tokens(); in+out > 0 {
			a.logger.Info(a.usage.String())
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing checkpoint store", "error", err)
	}
}

// runID resolves the thread and namespace flags. A run without --thread
// starts a new thread.
func (a *app) runID(requireThread bool) (graph.RunID, error) {
	ns := rootFlags.namespace
	if ns == "" {
		ns = a.cfg.Engine.Namespace
	}
	thread := rootFlags.threadID
	if thread == "" {
		if requireThread {
			return graph.RunID{}, errors.New("--thread is required")
		}
		thread = uuid.NewString()
	}
	return graph.RunID{ThreadID: thread, Namespace: ns}, nil
}
