// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/odal/internal/api"
	"github.com/starford/odal/internal/blobstore"
	"github.com/starford/odal/internal/catalog"
	"github.com/starford/odal/internal/engine"
	"github.com/starford/odal/internal/events"
	"github.com/starford/odal/internal/ledger"
	"github.com/starford/odal/internal/mcpserver"
	"github.com/starford/odal/internal/watermark"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger. In MCP mode stdout carries the
	// protocol stream, so logs move to stderr.
	logOut := io.Writer(os.Stdout)
	if app.mcpMode {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_path", cfg.Store.Path),
		slog.String("catalog_path", cfg.SQLite.CatalogPath),
		slog.String("ledger_path", cfg.SQLite.LedgerPath),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure blob store directory exists.
	if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	// Initialize content-addressed blob store.
	blobs, err := blobstore.NewFS(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	// Initialize catalog and ledger databases.
	cat, err := catalog.Open(cfg.SQLite.CatalogPath)
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	defer cat.Close()

	led, err := ledger.Open(cfg.SQLite.LedgerPath)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	defer led.Close()

	renderer := watermark.New(cfg.Watermark.Options())

	engOpts := []engine.Option{
		engine.WithLogger(logger.With(slog.String("component", "engine"))),
		engine.WithUploadLimit(cfg.Upload.MaxBytes()),
		engine.WithUploaderQuota(cfg.Upload.MaxPerUploader),
	}

	// SSE broker; stdio sessions have no event consumers.
	var broker *events.Broker
	if !app.mcpMode {
		broker = events.NewBroker()
		defer broker.Close()
		engOpts = append(engOpts, engine.WithEventSink(func(ev engine.Event) {
			broker.Publish(events.Event{Type: ev.Type, Data: ev.Entry})
		}))
	}

	eng := engine.New(blobs, cat, led, renderer, engOpts...)

	// Verify every active catalog entry still has a sound blob.
	if _, err := eng.Reconcile(ctx); err != nil {
		logger.Warn("startup reconcile failed", slog.String("error", err.Error()))
	}

	if app.mcpMode {
		logger.Info("Starting MCP server on stdio")
		return mcpserver.New(eng).ServeStdio()
	}

	// Prometheus registry and HTTP metrics.
	registry := prometheus.NewRegistry()
	metrics, err := api.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Mount API routes under /api.
	r.Mount("/api", api.NewRouter(eng, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker))

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start the blob tamper watcher.
	g.Go(func() error {
		watchLog := logger.With(slog.String("component", "blobstore"))
		return blobs.Watch(gCtx, watchLog, func(v blobstore.Violation) {
			metrics.IntegrityViolation()
			broker.Publish(events.Event{Type: "store.violation", Data: v})
		})
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
