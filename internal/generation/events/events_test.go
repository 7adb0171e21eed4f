package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cristim67/diploma-generator/internal/generation"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/kafka"
	"github.com/cristim67/diploma-generator/pkg/metrics"
	"github.com/cristim67/diploma-generator/pkg/resilience"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []kafka.Event
}

func (p *fakePublisher) Publish(_ context.Context, e kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, e)
	return nil
}

func fastNotifier(p Publisher, m *metrics.Metrics) *Notifier {
	n := NewNotifier(p, m)
	n.retry.InitialDelay = time.Millisecond
	n.retry.MaxDelay = time.Millisecond
	return n
}

func TestNotifierRetriesTransientFailures(t *testing.T) {
	p := &fakePublisher{failures: 2}
	n := fastNotifier(p, nil)
	summary := &generation.BatchSummary{BatchID: generation.NewBatchID(), Attempted: 1, Succeeded: 1}

	require.NoError(t, n.BatchCompleted(context.Background(), summary))
	require.Len(t, p.events, 1)
	assert.Equal(t, TypeBatchCompleted, p.events[0].Type)
	assert.Equal(t, summary.BatchID.String(), p.events[0].Key)
	assert.Equal(t, "completed", p.events[0].Value.(BatchCompleted).Status)
}

func TestNotifierOpensBreaker(t *testing.T) {
	m := metrics.NewNop()
	p := &fakePublisher{failures: 1000}
	n := fastNotifier(p, m)
	h := &generation.ArchiveHandle{BatchID: generation.NewBatchID(), Name: "x.zip"}

	for i := 0; i < 3; i++ {
		_ = n.ArchiveBuilt(context.Background(), h)
	}
	assert.Equal(t, resilience.StateOpen, n.breaker.GetState())
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("kafka-events")))

	calls := p.calls
	err := n.ArchiveBuilt(context.Background(), h)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, calls, p.calls, "open breaker must not reach the broker")
}

func TestRequesterMapsFailureToUnavailable(t *testing.T) {
	r := NewRequester(&fakePublisher{failures: 1})
	err := r.Request(context.Background(), BatchRequested{BatchID: generation.NewBatchID()})
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
}

type fakeRunner struct {
	summary *generation.BatchSummary
	err     error
	gotID   generation.BatchID
}

func (r *fakeRunner) Run(_ context.Context, id generation.BatchID, _, _ generation.Handle) (*generation.BatchSummary, error) {
	r.gotID = id
	return r.summary, r.err
}

type fakeInputs struct{ err error }

func (f fakeInputs) Inputs(string, string) (generation.Handle, generation.Handle, error) {
	return generation.Handle{}, generation.Handle{}, f.err
}

func requestMessage(t *testing.T, req BatchRequested) kafka.Message {
	t.Helper()
	value, err := json.Marshal(req)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(req.BatchID), Type: TypeBatchRequested, Value: value}
}

func TestRequestHandlerRunsBatch(t *testing.T) {
	id := generation.NewBatchID()
	runner := &fakeRunner{summary: &generation.BatchSummary{BatchID: id}}
	h := NewRequestHandler(runner, fakeInputs{}, nil, time.Minute)

	require.NoError(t, h.Handle(context.Background(), requestMessage(t, BatchRequested{BatchID: id, Template: "t", Data: "d"})))
	assert.Equal(t, id, runner.gotID)
}

func TestRequestHandlerReportsFatalFailures(t *testing.T) {
	p := &fakePublisher{}
	reporter := fastNotifier(p, nil)
	id := generation.NewBatchID()
	runner := &fakeRunner{err: apperrors.New(apperrors.ErrTemplateCorrupt, 0, "bad zip")}
	h := NewRequestHandler(runner, fakeInputs{}, reporter, time.Minute)

	err := h.Handle(context.Background(), requestMessage(t, BatchRequested{BatchID: id}))
	assert.ErrorIs(t, err, apperrors.ErrTemplateCorrupt)
	require.Len(t, p.events, 1)
	failed := p.events[0].Value.(BatchFailed)
	assert.Equal(t, id, failed.BatchID)
	assert.Equal(t, 422, failed.Status)

	h = NewRequestHandler(&fakeRunner{}, fakeInputs{err: apperrors.ErrNotFound}, reporter, time.Minute)
	err = h.Handle(context.Background(), requestMessage(t, BatchRequested{BatchID: id}))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Len(t, p.events, 2)
}

func TestRequestHandlerIgnoresOtherTypes(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRequestHandler(runner, fakeInputs{}, nil, time.Minute)
	require.NoError(t, h.Handle(context.Background(), kafka.Message{Type: TypeBatchCompleted, Value: []byte("{}")}))
	assert.Empty(t, runner.gotID)

	err := h.Handle(context.Background(), kafka.Message{Type: TypeBatchRequested, Value: []byte(`{"batch_id":"nope"}`)})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
