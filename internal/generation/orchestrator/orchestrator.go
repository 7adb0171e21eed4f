// Package orchestrator runs a batch: load the template, extract the records,
// then validate, render and store every record on a bounded worker pool.
package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/internal/generation/extractor"
	"github.com/cristim67/diploma-generator/internal/generation/renderer"
	"github.com/cristim67/diploma-generator/internal/generation/store"
	"github.com/cristim67/diploma-generator/internal/generation/validator"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/logger"
	"github.com/cristim67/diploma-generator/pkg/metrics"
	"github.com/cristim67/diploma-generator/pkg/tracing"
)

// Recorder persists finished summaries.
type Recorder interface {
	Save(ctx context.Context, summary *generation.BatchSummary) error
}

type Config struct {
	Workers        int
	Schema         generation.Schema
	Sheet          string
	MaxValueLength int
}

type Orchestrator struct {
	workers   int
	schema    generation.Schema
	store     *store.Store
	extractor *extractor.Extractor
	validator *validator.Validator
	metrics   *metrics.Metrics
	recorder  Recorder
	notifier  generation.Notifier

	afterRecord func(index int)
}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithNotifier(n generation.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(cfg Config, st *store.Store, opts ...Option) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	o := &Orchestrator{
		workers:   cfg.Workers,
		schema:    cfg.Schema,
		store:     st,
		extractor: extractor.New(cfg.Schema, extractor.Options{Sheet: cfg.Sheet}),
		validator: validator.New(cfg.Schema, cfg.MaxValueLength),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}
	return o
}

// Submit runs a batch under a freshly minted BatchID.
func (o *Orchestrator) Submit(ctx context.Context, tmpl, dataset generation.Handle) (*generation.BatchSummary, error) {
	return o.Run(ctx, generation.NewBatchID(), tmpl, dataset)
}

type outcome struct {
	identity generation.Identity
	name     string
	err      error
}

// Run processes every record of dataset into the namespace of id and
// returns once each record has succeeded or failed. Template and dataset
// errors abort the batch before any record is touched and return no
// summary. If ctx ends mid-batch, records not yet started are reported as
// cancelled and the partial summary is returned together with the context
// error; documents already stored stay in place.
func (o *Orchestrator) Run(ctx context.Context, id generation.BatchID, tmplHandle, dataset generation.Handle) (*generation.BatchSummary, error) {
	ctx = logger.WithBatchID(ctx, id.String())
	log := logger.FromContext(ctx).With("component", "orchestrator")
	started := time.Now()
	o.metrics.ActiveBatches.Inc()
	defer o.metrics.ActiveBatches.Dec()

	ctx, span := tracing.Root(ctx, "batch", id.String())
	defer func() {
		span.End()
		span.Log(ctx, log)
	}()

	_, stage := tracing.Start(ctx, "template")
	tmpl, err := renderer.Load(tmplHandle)
	stage.End()
	if err != nil {
		o.metrics.BatchesTotal.WithLabelValues("aborted").Inc()
		log.Warn("batch aborted", "stage", "template", "error", err)
		return nil, fmt.Errorf("loading template: %w", err)
	}
	_, stage = tracing.Start(ctx, "extract")
	records, stats, err := o.extractor.Extract(ctx, dataset)
	stage.End()
	if err != nil {
		o.metrics.BatchesTotal.WithLabelValues("aborted").Inc()
		log.Warn("batch aborted", "stage", "dataset", "error", err)
		return nil, fmt.Errorf("extracting records: %w", err)
	}
	log.Info("batch started",
		"records", len(records),
		"skipped", stats.Skipped,
		"placeholders", len(tmpl.Placeholders()),
		"workers", o.workers,
	)

	_, stage = tracing.Start(ctx, "records")
	stage.Set("records", len(records), "workers", o.workers)
	outcomes := o.plan(records)
	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, rec := range records {
		if outcomes[i].err != nil {
			continue
		}
		if ctx.Err() != nil {
			outcomes[i].err = ctx.Err()
			continue
		}
		g.Go(func() error {
			o.process(ctx, id, tmpl, rec, &outcomes[i])
			if o.afterRecord != nil {
				o.afterRecord(i)
			}
			return nil
		})
	}
	_ = g.Wait()
	stage.End()

	summary := o.summarize(ctx, id, records, outcomes, stats, started)
	o.publish(ctx, summary)

	log.Info("batch finished",
		"status", summary.Status(),
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duration", summary.CompletedAt.Sub(summary.StartedAt),
	)
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("batch %s interrupted: %w", id, err)
	}
	return summary, nil
}

// plan fixes every record's document name before any work starts, so the
// names do not depend on scheduling. A row repeating an earlier row's
// identity would overwrite its document and fails instead.
func (o *Orchestrator) plan(records []generation.FieldRecord) []outcome {
	outcomes := make([]outcome, len(records))
	ids := make([]generation.Identity, len(records))
	for i, rec := range records {
		ids[i] = o.schema.IdentityOf(rec)
		outcomes[i].identity = ids[i]
	}
	names := store.Names(ids)
	firstRow := make(map[generation.Identity]int, len(records))
	for i, rec := range records {
		outcomes[i].name = names[i]
		if prev, dup := firstRow[ids[i]]; dup {
			outcomes[i].err = apperrors.Newf(apperrors.ErrInvalidRecord, 0,
				"row %d repeats the identity of row %d", rec.Row, prev)
			continue
		}
		firstRow[ids[i]] = rec.Row
	}
	return outcomes
}

func (o *Orchestrator) process(ctx context.Context, id generation.BatchID, tmpl *renderer.Template, rec generation.FieldRecord, out *outcome) {
	if err := ctx.Err(); err != nil {
		out.err = err
		return
	}
	if err := o.validator.Validate(rec); err != nil {
		out.err = err
		return
	}
	start := time.Now()
	payload, err := tmpl.Render(rec)
	if err != nil {
		out.err = err
		return
	}
	if _, err := o.store.PutNamed(ctx, id, out.name, payload); err != nil {
		out.err = err
		return
	}
	o.metrics.RenderDuration.Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) summarize(ctx context.Context, id generation.BatchID, records []generation.FieldRecord, outcomes []outcome, stats extractor.Stats, started time.Time) *generation.BatchSummary {
	summary := &generation.BatchSummary{
		BatchID:   id,
		Attempted: len(records),
		Skipped:   stats.Skipped,
		Failures:  []generation.RecordFailure{},
		Documents: []string{},
		StartedAt: started.UTC(),
	}
	for i, out := range outcomes {
		row := records[i].Row
		if out.err != nil {
			kind := generation.KindOf(out.err)
			summary.Failed++
			summary.Failures = append(summary.Failures, generation.RecordFailure{
				Row:      row,
				RecordID: out.identity.RecordID,
				Subject:  out.identity.Subject,
				Kind:     kind,
				Message:  out.err.Error(),
			})
			o.metrics.RecordFailuresTotal.WithLabelValues(string(kind)).Inc()
			continue
		}
		summary.Succeeded++
		summary.Documents = append(summary.Documents, out.name)
	}
	summary.CompletedAt = time.Now().UTC()

	o.metrics.RecordsTotal.WithLabelValues("succeeded").Add(float64(summary.Succeeded))
	o.metrics.RecordsTotal.WithLabelValues("failed").Add(float64(summary.Failed))
	o.metrics.RecordsTotal.WithLabelValues("skipped").Add(float64(summary.Skipped))
	o.metrics.BatchesTotal.WithLabelValues(summary.Status()).Inc()
	o.metrics.BatchDuration.Observe(summary.CompletedAt.Sub(started).Seconds())
	return summary
}

// publish hands the summary to the optional hooks. They run even when ctx
// has ended so an interrupted batch is still recorded.
func (o *Orchestrator) publish(ctx context.Context, summary *generation.BatchSummary) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx).With("component", "orchestrator")
	if o.recorder != nil {
		if err := o.recorder.Save(ctx, summary); err != nil {
			log.Error("failed to record batch summary", "error", err)
		}
	}
	if o.notifier != nil {
		if err := o.notifier.BatchCompleted(ctx, summary); err != nil {
			log.Warn("batch event not published", "error", err)
		}
	}
}
