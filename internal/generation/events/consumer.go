package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/pkg/kafka"
	"github.com/cristim67/diploma-generator/pkg/logger"
)

// Runner runs a batch under a given id; *orchestrator.Orchestrator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, id generation.BatchID, tmpl, dataset generation.Handle) (*generation.BatchSummary, error)
}

// Inputs resolves upload names into handles; *upload.Storage satisfies it.
type Inputs interface {
	Inputs(templateName, datasetName string) (generation.Handle, generation.Handle, error)
}

// FailureReporter is told about batches that ended without a summary.
type FailureReporter interface {
	BatchFailed(ctx context.Context, id generation.BatchID, cause error) error
}

// RequestHandler executes BatchRequested messages.
type RequestHandler struct {
	runner   Runner
	inputs   Inputs
	failures FailureReporter
	timeout  time.Duration
	logger   *slog.Logger
}

func NewRequestHandler(runner Runner, inputs Inputs, failures FailureReporter, timeout time.Duration) *RequestHandler {
	if timeout <= 0 {
		timeout = 4 * time.Minute
	}
	return &RequestHandler{
		runner:   runner,
		inputs:   inputs,
		failures: failures,
		timeout:  timeout,
		logger:   slog.Default().With("component", "batch-worker"),
	}
}

// Handle is a kafka.MessageHandler. Messages of other types are ignored.
func (h *RequestHandler) Handle(ctx context.Context, msg kafka.Message) error {
	if msg.Type != "" && msg.Type != TypeBatchRequested {
		h.logger.Debug("ignoring message", "type", msg.Type)
		return nil
	}
	req, err := kafka.DecodeJSON[BatchRequested](msg.Value)
	if err != nil {
		return err
	}
	id, err := generation.ParseBatchID(req.BatchID.String())
	if err != nil {
		return fmt.Errorf("batch request: %w", err)
	}
	if req.RequestID != "" {
		ctx = logger.WithRequestID(ctx, req.RequestID)
	}
	ctx = logger.WithBatchID(ctx, id.String())
	log := logger.FromContext(ctx).With("component", "batch-worker")

	tmpl, dataset, err := h.inputs.Inputs(req.Template, req.Data)
	if err != nil {
		h.reportFailure(ctx, id, err)
		return fmt.Errorf("loading inputs of batch %s: %w", id, err)
	}
	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	summary, err := h.runner.Run(runCtx, id, tmpl, dataset)
	if err != nil && summary == nil {
		h.reportFailure(ctx, id, err)
		return fmt.Errorf("running batch %s: %w", id, err)
	}
	if err != nil {
		log.Warn("batch interrupted", "error", err)
		return nil
	}
	log.Info("batch request handled", "status", summary.Status(), "queued_for", time.Since(req.RequestedAt))
	return nil
}

func (h *RequestHandler) reportFailure(ctx context.Context, id generation.BatchID, cause error) {
	if h.failures == nil {
		return
	}
	if err := h.failures.BatchFailed(context.WithoutCancel(ctx), id, cause); err != nil {
		h.logger.Warn("batch failure not published", "batch_id", id, "error", err)
	}
}
