package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/pkg/config"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/postgres"
)

func summaryAt(ts time.Time) *generation.BatchSummary {
	return &generation.BatchSummary{
		BatchID:     generation.NewBatchID(),
		Attempted:   2,
		Succeeded:   1,
		Failed:      1,
		Failures:    []generation.RecordFailure{{Row: 3, RecordID: "C", Kind: generation.KindMissingField, Message: `missing field "grade"`}},
		Documents:   []string{"A_Ana.docx"},
		StartedAt:   ts.Add(-time.Second),
		CompletedAt: ts,
	}
}

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	older, newer := summaryAt(base.Add(-time.Hour)), summaryAt(base)
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	got, err := s.Get(ctx, newer.BatchID)
	require.NoError(t, err)
	assert.Equal(t, newer.Failures, got.Failures)
	assert.True(t, newer.CompletedAt.Equal(got.CompletedAt))

	newer.Succeeded = 2
	require.NoError(t, s.Save(ctx, newer))
	got, err = s.Get(ctx, newer.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Succeeded)

	recent, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, newer.BatchID, recent[0].BatchID)

	_, err = s.Get(ctx, generation.NewBatchID())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())
}

func TestPostgres(t *testing.T) {
	if os.Getenv("DG_TEST_POSTGRES") == "" {
		t.Skip("DG_TEST_POSTGRES not set; skipping PostgreSQL integration test")
	}
	cfg, err := config.Load("")
	require.NoError(t, err)
	client, err := postgres.New(context.Background(), cfg.Postgres)
	require.NoError(t, err)
	defer client.Close()

	store := NewPostgres(client)
	require.NoError(t, store.Migrate(context.Background()))
	exercise(t, store)
}
