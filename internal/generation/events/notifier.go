package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/cristim67/diploma-generator/internal/generation"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/kafka"
	"github.com/cristim67/diploma-generator/pkg/metrics"
	"github.com/cristim67/diploma-generator/pkg/resilience"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Notifier publishes pipeline events with retries behind a circuit
// breaker, so an unreachable broker costs one fast failure per event
// instead of a full retry cycle.
type Notifier struct {
	publisher Publisher
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryConfig
	timeout   time.Duration
	logger    *slog.Logger
}

func NewNotifier(publisher Publisher, m *metrics.Metrics) *Notifier {
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
	if m != nil {
		cbCfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &Notifier{
		publisher: publisher,
		breaker:   resilience.NewCircuitBreaker("kafka-events", cbCfg),
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		timeout: 10 * time.Second,
		logger:  slog.Default().With("component", "event-notifier"),
	}
}

func (n *Notifier) publish(ctx context.Context, event kafka.Event) error {
	return resilience.Retry(ctx, "publish "+event.Type, n.retry, func() error {
		return n.breaker.Execute(func() error {
			return resilience.WithTimeout(ctx, n.timeout, "publish", func(ctx context.Context) error {
				return n.publisher.Publish(ctx, event)
			})
		})
	})
}

func (n *Notifier) BatchCompleted(ctx context.Context, s *generation.BatchSummary) error {
	return n.publish(ctx, kafka.Event{Key: s.BatchID.String(), Type: TypeBatchCompleted, Value: completedFrom(s)})
}

func (n *Notifier) ArchiveBuilt(ctx context.Context, h *generation.ArchiveHandle) error {
	return n.publish(ctx, kafka.Event{
		Key:  h.BatchID.String(),
		Type: TypeArchiveBuilt,
		Value: ArchiveBuilt{
			BatchID: h.BatchID,
			Name:    h.Name,
			Size:    h.Size,
			Files:   len(h.Files),
			At:      h.CreatedAt,
		},
	})
}

func (n *Notifier) BatchFailed(ctx context.Context, id generation.BatchID, cause error) error {
	return n.publish(ctx, kafka.Event{
		Key:  id.String(),
		Type: TypeBatchFailed,
		Value: BatchFailed{
			BatchID: id,
			Error:   cause.Error(),
			Status:  apperrors.HTTPStatusCode(cause),
			At:      time.Now().UTC(),
		},
	})
}

// Requester publishes batch requests for the worker.
type Requester struct {
	publisher Publisher
}

func NewRequester(publisher Publisher) *Requester {
	return &Requester{publisher: publisher}
}

func (r *Requester) Request(ctx context.Context, req BatchRequested) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	if err := r.publisher.Publish(ctx, kafka.Event{Key: req.BatchID.String(), Type: TypeBatchRequested, Value: req}); err != nil {
		return apperrors.Newf(apperrors.ErrUnavailable, 0, "queueing batch %s: %v", req.BatchID, err)
	}
	return nil
}

// Nop discards every event. It is used when Kafka is disabled.
type Nop struct{}

func (Nop) BatchCompleted(context.Context, *generation.BatchSummary) error { return nil }
func (Nop) ArchiveBuilt(context.Context, *generation.ArchiveHandle) error  { return nil }

var (
	_ generation.Notifier = (*Notifier)(nil)
	_ generation.Notifier = Nop{}
)
