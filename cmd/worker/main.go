// Command worker consumes batch requests queued by the generator's async
// endpoint and runs them against the shared data directory. Every finished
// batch is published as a batch.completed event, and batches that abort
// before producing a summary as batch.failed.
//
// Usage:
//
//	go run ./cmd/worker [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cristim67/diploma-generator/internal/app"
	"github.com/cristim67/diploma-generator/internal/generation/events"
	"github.com/cristim67/diploma-generator/pkg/config"
	"github.com/cristim67/diploma-generator/pkg/kafka"
	"github.com/cristim67/diploma-generator/pkg/logger"
	"github.com/cristim67/diploma-generator/pkg/metrics"
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
	if !cfg.Kafka.Enabled {
		slog.Error("worker requires kafka.enabled")
		os.Exit(1)
	}
	slog.Info("starting batch worker", "workers", cfg.Generator.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		slog.Error("failed to initialise worker", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "diploma generator worker",
			metrics.Route{Path: "/health/live", Handler: a.Health.LiveHandler()},
			metrics.Route{Path: "/health/ready", Handler: a.Health.ReadyHandler()},
		)
		defer shutdownMetrics(context.Background())
	}

	requests := events.NewRequestHandler(a.Orchestrator, a.Uploads, a.Notifier, cfg.Generator.BatchTimeout)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.BatchRequests, requests.Handle)
	defer consumer.Close()

	slog.Info("batch worker ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.BatchRequests,
		"group", cfg.Kafka.ConsumerGroup,
	)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}
	slog.Info("batch worker stopped")
}
