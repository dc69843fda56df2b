package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelgw/aistudio-gateway/internal/auth"
	"github.com/kestrelgw/aistudio-gateway/internal/cache"
	"github.com/kestrelgw/aistudio-gateway/internal/config"
	"github.com/kestrelgw/aistudio-gateway/internal/pipeline"
	"github.com/kestrelgw/aistudio-gateway/internal/quota"
	"github.com/kestrelgw/aistudio-gateway/internal/ratelimit"
	"github.com/kestrelgw/aistudio-gateway/internal/rotation"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
	"github.com/kestrelgw/aistudio-gateway/internal/server"
	"github.com/kestrelgw/aistudio-gateway/internal/storage"
	"github.com/kestrelgw/aistudio-gateway/internal/storage/sqlite"
	"github.com/kestrelgw/aistudio-gateway/internal/telemetry"
	"github.com/kestrelgw/aistudio-gateway/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting aistudio-gateway", "version", version, "addr", cfg.Server.Addr, "launch_mode", cfg.LaunchMode)

	state := runtime.New()

	// Durable usage ledger is optional; an empty DSN disables it and
	// every dependent component below degrades to JSON-file-only state.
	var ledger *sqlite.Store
	if cfg.Database.DSN != "" {
		ledger, err = sqlite.New(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer ledger.Close()
		slog.Info("usage ledger opened", "dsn", cfg.Database.DSN)
	}

	profileStore := rotation.NewFileProfileStore(cfg.ProfileConfigDir)
	roots := rotation.Roots{
		Active:    filepath.Join(cfg.ProfileConfigDir, "active"),
		Saved:     filepath.Join(cfg.ProfileConfigDir, "saved"),
		Emergency: filepath.Join(cfg.ProfileConfigDir, "emergency"),
	}
	profileDirs := []string{roots.Active, roots.Saved, roots.Emergency}

	// The headless-browser driver is an external collaborator (spec's
	// capability-interface boundary); this placeholder keeps the process
	// bootable and serving health/queue-status traffic ahead of a real
	// PageController being wired in.
	var page = unimplementedPage{}

	coordinator := rotation.New(cfg.Rotation, roots, profileStore, page, runtime.SystemClock{}, state, slog.Default())
	if ledger != nil {
		coordinator.WithUsageLedger(ledger)
	}

	var usageLedger storage.UsageLedger
	if ledger != nil {
		usageLedger = ledger
	}
	recorder := quota.NewRecorder(state, cfg.Quota, usageLedger, slog.Default())
	monitor := quota.NewMonitor(state, coordinator, slog.Default())

	processor := pipeline.NewProcessor(page, state, slog.Default(), cfg.ResponseCompletionTimeout, recorder)
	processor.MCPEndpoint = cfg.MCPHTTPEndpoint
	processor.MCPTimeout = cfg.MCPHTTPTimeout

	queue := pipeline.NewQueue()
	gate := pipeline.NewParkingGate(state)
	pipelineWorker := pipeline.NewWorker(queue, state, coordinator, processor, slog.Default(), cfg.ResponseCompletionTimeout)

	apiKeyAuth := auth.NewKeyAuth(cfg.APIKeys)
	rateLimiter := ratelimit.NewRegistry()

	modelCache, err := cache.NewMemory(1, 30*time.Second)
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, tracingErr := telemetry.SetupTracing(context.Background(), endpoint, sampleRate)
		if tracingErr != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", tracingErr)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("aistudio-gateway/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Auth:            apiKeyAuth,
		Queue:           queue,
		Gate:            gate,
		State:           state,
		Page:            page,
		ResponseTimeout: cfg.ResponseCompletionTimeout,
		Metrics:         metrics,
		MetricsHandler:  metricsHandler,
		Tracer:          tracer,
		ReadyCheck:      func(context.Context) error { return nil },
		RateLimiter:     rateLimiter,
		DefaultRPM:      cfg.RateLimits.DefaultRPM,
		ModelCache:      modelCache,
		Profiles:        profileStore,
		ProfileDirs:     profileDirs,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workers := []worker.Worker{
		worker.NewQueueWorkerAdapter(pipelineWorker),
		worker.NewQuotaMonitorAdapter(monitor),
	}
	if cfg.CookieRefreshEnabled {
		workers = append(workers, worker.NewCookieRefreshWorker(page, profileStore, state, cfg.CookieRefreshInterval, cfg.CookieRefreshOnShutdown))
	}
	runner := worker.NewRunner(workers...)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("aistudio-gateway ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	state.IsShuttingDown.Set()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("aistudio-gateway stopped")
	return nil
}
