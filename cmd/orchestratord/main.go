// Command orchestratord is the orchestrator daemon: it wires together the
// job manager, event notifier, storage adapter, atomicity and
// auto-research detectors, the RDD engine, the decomposition service, the
// execution engine, the feedback processor, and every configured
// transport, then runs until interrupted. Grounded on the teacher's
// cmd/goclaw/main.go explicit-construction wiring order (config -> logger
// -> store -> engine -> gateway -> listen) and its signal-driven graceful
// shutdown.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/vibe-orchestrator/internal/atomicity"
	"github.com/basket/vibe-orchestrator/internal/config"
	"github.com/basket/vibe-orchestrator/internal/decomposition"
	"github.com/basket/vibe-orchestrator/internal/events"
	"github.com/basket/vibe-orchestrator/internal/execution"
	"github.com/basket/vibe-orchestrator/internal/feedback"
	"github.com/basket/vibe-orchestrator/internal/jobs"
	"github.com/basket/vibe-orchestrator/internal/llm"
	"github.com/basket/vibe-orchestrator/internal/otel"
	"github.com/basket/vibe-orchestrator/internal/rdd"
	"github.com/basket/vibe-orchestrator/internal/research"
	"github.com/basket/vibe-orchestrator/internal/storage"
	"github.com/basket/vibe-orchestrator/internal/storage/jsonstore"
	"github.com/basket/vibe-orchestrator/internal/storage/sqlite"
	"github.com/basket/vibe-orchestrator/internal/telemetry"
	"github.com/basket/vibe-orchestrator/internal/transport"
)

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		fatalStartup(nil, "E_OUTPUT_DIR", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.OutputDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.OTelEnabled,
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel_shutdown_failed", "error", err)
		}
	}()

	adapter, closeAdapter, err := openStorage(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer closeAdapter()

	pathValidator := storage.NewBoundedPathValidator(cfg.OutputDir)

	notifier := events.New(logger)
	jobManager := jobs.NewManager(jobs.Config{}, notifier)

	llmClient := llm.NewGenkitClient(ctx, llm.Config{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
	})

	atomicityDetector, err := atomicity.New(llmClient)
	if err != nil {
		fatalStartup(logger, "E_ATOMICITY_INIT", err)
	}
	researchDetector := research.New(30 * time.Minute)

	rddEngine, err := rdd.New(atomicityDetector, researchDetector, llmClient)
	if err != nil {
		fatalStartup(logger, "E_RDD_INIT", err)
	}

	decompositionService := decomposition.New(rddEngine, notifier, adapter)

	executionEngine := execution.New(execution.Config{
		MaxConcurrentExecutions: cfg.MaxConcurrentTasks,
		DefaultTimeout:          cfg.MaxResponseTime,
		RequeueOnTimeout:        cfg.EnableExponentialBackoff,
		PathValidator:           pathValidator,
	}, notifier)
	defer executionEngine.Dispose()

	feedbackProcessor := feedback.New(feedback.Config{
		AutoRetryFailedTasks: cfg.EnableExponentialBackoff,
	}, executionEngine, notifier)

	handlerDeps := transport.HandlerDeps{
		Jobs:         jobManager,
		Notifier:     notifier,
		Decomposer:   decompositionService,
		Sentinel:     feedbackProcessor,
		AllowOrigins: []string{"*"},
		Logger:       logger,
	}

	transportManager := transport.New(logger, []transport.TransportConfig{
		{
			Kind:    transport.KindStdio,
			Enabled: true,
			StdioLoop: transport.StdioSentinelLoop(
				bufio.NewReader(os.Stdin), feedbackProcessor, logger,
			),
		},
		{
			Kind:          transport.KindWebSocket,
			Enabled:       true,
			PreferredPort: cfg.WebsocketPort,
			Range:         cfg.WebsocketPortRange,
			Handler:       transport.WebSocketHandler(handlerDeps),
		},
		{
			Kind:          transport.KindHTTPAgent,
			Enabled:       true,
			PreferredPort: cfg.HTTPAgentPort,
			Range:         cfg.HTTPAgentPortRange,
			Handler:       transport.HTTPAgentHandler(handlerDeps),
		},
		{
			Kind:          transport.KindSSE,
			Enabled:       true,
			PreferredPort: cfg.SSEPort,
			Range:         cfg.SSEPortRange,
			Handler:       transport.SSEHandler(handlerDeps),
		},
	})
	transportManager.StartAll(ctx)
	logger.Info("orchestrator_started", "endpoints", transportManager.ServiceEndpoints())

	sweepDone := startPeriodicSweep(ctx, sweepDeps{
		feedback:      feedbackProcessor,
		decomposition: decompositionService,
		jobs:          jobManager,
		logger:        logger,
	})

	<-ctx.Done()
	logger.Info("orchestrator_shutting_down")
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transportManager.StopAll(shutdownCtx)
	if err := jobManager.Drain(shutdownCtx); err != nil {
		logger.Warn("job_drain_incomplete", "error", err)
	}
	logger.Info("orchestrator_stopped")
}

// sweepInterval is the cadence of the periodic background sweep, grounded on
// jobs.Manager's own evictionLoop ticker idiom but run independently since it
// drives three separate collaborators rather than one.
const sweepInterval = 1 * time.Minute

// jobRetention bounds how long a terminal job stays queryable before
// PurgeTerminal reclaims it; kept equal to the session TTL so a caller's
// "results expire after a day" expectation is consistent across job and
// decomposition-session lookups.
var jobRetention = decomposition.DefaultSessionTTL()

type sweepDeps struct {
	feedback      *feedback.Processor
	decomposition *decomposition.Service
	jobs          *jobs.Manager
	logger        *slog.Logger
}

// startPeriodicSweep starts the ticker-driven background sweep that drives
// the three time-based operations nothing else in the daemon invokes on a
// schedule: blocker-escalation checks, decomposition-session TTL cleanup,
// and terminal-job purging. It stops when ctx is cancelled and closes the
// returned channel once its goroutine has exited, so callers can wait for it
// before tearing down the collaborators it calls into.
func startPeriodicSweep(ctx context.Context, deps sweepDeps) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deps.feedback.CheckBlockerEscalations(time.Now())
				if n := deps.decomposition.CleanupSessions(jobRetention); n > 0 {
					deps.logger.Info("sessions_cleaned", "count", n)
				}
				if n := deps.jobs.PurgeTerminal(jobRetention); n > 0 {
					deps.logger.Info("jobs_purged", "count", n)
				}
			}
		}
	}()
	return done
}

// openStorage picks the storage adapter: sqlite by default (durable,
// single-writer WAL per §4.10), or a JSON-file store when
// VIBE_STORAGE_BACKEND=jsonstore is set, useful for inspecting stored
// entities by hand during development.
func openStorage(cfg config.Config, logger *slog.Logger) (storage.Adapter, func(), error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VIBE_STORAGE_BACKEND")))
	if backend == "jsonstore" {
		dir := filepath.Join(cfg.OutputDir, "store")
		s, err := jsonstore.New(dir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("storage_backend_selected", "backend", "jsonstore", "dir", dir)
		return s, func() {}, nil
	}

	dbPath := filepath.Join(cfg.OutputDir, "orchestrator.db")
	s, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("storage_backend_selected", "backend", "sqlite", "path", dbPath)
	return s, func() {
		if err := s.Close(); err != nil {
			logger.Warn("storage_close_failed", "error", err)
		}
	}, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"orchestrator","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
