// Command generator starts the diploma generation HTTP service.
//
// Templates and datasets are uploaded via POST /api/v1/templates and
// POST /api/v1/datasets. POST /api/v1/batches renders one document per
// dataset row into a fresh batch, and GET /api/v1/batches/{id}/archive
// streams the batch as a zip. With Kafka enabled, POST /api/v1/batches/async
// queues the batch for cmd/worker instead. Probes are served at
// GET /health/live and GET /health/ready.
//
// Usage:
//
//	go run ./cmd/generator [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cristim67/diploma-generator/internal/app"
	"github.com/cristim67/diploma-generator/internal/generation/handler"
	"github.com/cristim67/diploma-generator/pkg/config"
	"github.com/cristim67/diploma-generator/pkg/logger"
	"github.com/cristim67/diploma-generator/pkg/metrics"
	"github.com/cristim67/diploma-generator/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting generator service", "port", cfg.Server.Port, "workers", cfg.Generator.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		slog.Error("failed to initialise generator", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "diploma generator",
			metrics.Route{Path: "/health/live", Handler: a.Health.LiveHandler()},
			metrics.Route{Path: "/health/ready", Handler: a.Health.ReadyHandler()},
		)
		defer shutdownMetrics(context.Background())
	}

	deps := handler.Deps{
		Uploads:        a.Uploads,
		Runner:         a.Orchestrator,
		Archives:       a.Archives,
		History:        a.History,
		BatchTimeout:   cfg.Generator.BatchTimeout,
		MaxUploadBytes: cfg.Generator.MaxUploadBytes,
	}
	if a.Requester != nil {
		deps.Requester = a.Requester
	}
	h := handler.New(deps)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", a.Health.LiveHandler())
	mux.HandleFunc("GET /health/ready", a.Health.ReadyHandler())

	var root http.Handler = mux
	root = middleware.Timeout(cfg.Server.RequestTimeout, longRunning)(root)
	root = middleware.Metrics(a.Metrics)(root)
	root = middleware.RequestID(root)
	root = middleware.CORS(cfg.Server.AllowedOrigins)(root)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("generator service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("generator service stopped")
}

// longRunning exempts synchronous batches, which carry their own batch
// timeout, and archive builds and downloads from the request timeout.
func longRunning(r *http.Request) bool {
	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/batches" {
		return true
	}
	return strings.HasSuffix(r.URL.Path, "/archive")
}
