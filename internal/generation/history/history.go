// Package history keeps finished batch summaries so they can be fetched
// after the request that ran the batch is gone.
package history

import (
	"context"
	"sort"
	"sync"

	"github.com/cristim67/diploma-generator/internal/generation"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
)

// Store is implemented by Memory and Postgres.
type Store interface {
	Save(ctx context.Context, summary *generation.BatchSummary) error
	Get(ctx context.Context, id generation.BatchID) (*generation.BatchSummary, error)
	Recent(ctx context.Context, limit int) ([]*generation.BatchSummary, error)
}

// Memory is a process-local Store used when PostgreSQL is disabled.
type Memory struct {
	mu        sync.RWMutex
	summaries map[generation.BatchID]*generation.BatchSummary
}

func NewMemory() *Memory {
	return &Memory{summaries: make(map[generation.BatchID]*generation.BatchSummary)}
}

func (m *Memory) Save(_ context.Context, summary *generation.BatchSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[summary.BatchID] = summary
	return nil
}

func (m *Memory) Get(_ context.Context, id generation.BatchID) (*generation.BatchSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "batch %s", id)
	}
	return s, nil
}

// Recent returns up to limit summaries, most recently completed first.
func (m *Memory) Recent(_ context.Context, limit int) ([]*generation.BatchSummary, error) {
	m.mu.RLock()
	out := make([]*generation.BatchSummary, 0, len(m.summaries))
	for _, s := range m.summaries {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
