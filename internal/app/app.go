// Package app wires the generation pipeline from configuration. The HTTP
// server, the Kafka worker and the CLI all start from the same App so they
// share one view of the store, the history and the optional backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/internal/generation/archive"
	"github.com/cristim67/diploma-generator/internal/generation/events"
	"github.com/cristim67/diploma-generator/internal/generation/history"
	"github.com/cristim67/diploma-generator/internal/generation/lock"
	"github.com/cristim67/diploma-generator/internal/generation/orchestrator"
	"github.com/cristim67/diploma-generator/internal/generation/store"
	"github.com/cristim67/diploma-generator/internal/upload"
	"github.com/cristim67/diploma-generator/pkg/config"
	"github.com/cristim67/diploma-generator/pkg/health"
	"github.com/cristim67/diploma-generator/pkg/kafka"
	"github.com/cristim67/diploma-generator/pkg/metrics"
	"github.com/cristim67/diploma-generator/pkg/postgres"
	"github.com/cristim67/diploma-generator/pkg/redis"
)

const archiveDir = "archives"

type App struct {
	Config       *config.Config
	Metrics      *metrics.Metrics
	Store        *store.Store
	Uploads      *upload.Storage
	Orchestrator *orchestrator.Orchestrator
	Archives     *archive.Builder
	History      history.Store
	Health       *health.Checker

	// Notifier and Requester are nil unless Kafka is enabled.
	Notifier  *events.Notifier
	Requester *events.Requester

	closers []func() error
	logger  *slog.Logger
}

// New connects the enabled backends and assembles the pipeline. Metrics are
// registered with reg; nil means the default registry. On error every
// backend opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Metrics: metrics.New(reg),
		Health:  health.NewChecker(),
		logger:  slog.Default().With("component", "app"),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	g := cfg.Generator
	a.Store = store.New(g.DataDir)
	a.Uploads = upload.New(g.UploadDir, g.MaxUploadBytes)
	a.Health.Register("data_dir", health.WritableDir(g.DataDir))
	a.Health.Register("upload_dir", health.WritableDir(g.UploadDir))

	a.History = history.NewMemory()
	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		pg := history.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating batch history: %w", err)
		}
		a.History = pg
		a.Health.Register("postgres", health.Ping(db.Ping, false))
		a.logger.Info("batch history backed by postgres", "host", cfg.Postgres.Host)
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		locker = lock.NewRedis(rc, "diplomagen:lock:", cfg.Redis.LockTTL)
		a.Health.Register("redis", health.Ping(rc.Ping, false))
		a.logger.Info("archive lock backed by redis", "addr", cfg.Redis.Addr)
	}

	var notifier generation.Notifier = events.Nop{}
	if cfg.Kafka.Enabled {
		eventsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.BatchEvents)
		a.closers = append(a.closers, eventsProducer.Close)
		requestsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.BatchRequests)
		a.closers = append(a.closers, requestsProducer.Close)

		a.Notifier = events.NewNotifier(eventsProducer, a.Metrics)
		a.Requester = events.NewRequester(requestsProducer)
		notifier = a.Notifier
		a.Health.Register("kafka", health.Ping(eventsProducer.Ping, false))
		a.logger.Info("batch events enabled", "brokers", strings.Join(cfg.Kafka.Brokers, ","))
	}

	a.Orchestrator = orchestrator.New(orchestrator.Config{
		Workers: g.Workers,
		Schema: generation.Schema{
			IDField:      g.IDField,
			SubjectField: g.SubjectField,
			Required:     g.RequiredFields,
		},
		Sheet:          g.Sheet,
		MaxValueLength: g.MaxValueLength,
	}, a.Store,
		orchestrator.WithRecorder(a.History),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithMetrics(a.Metrics),
	)
	a.Archives = archive.New(a.Store, filepath.Join(g.DataDir, archiveDir), locker,
		archive.WithNotifier(notifier),
		archive.WithMetrics(a.Metrics),
	)
	return a, nil
}

// Close releases the backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("closing backends", "error", err)
		return err
	}
	return nil
}
