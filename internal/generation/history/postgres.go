package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cristim67/diploma-generator/internal/generation"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/postgres"
)

// Schema is applied by Migrate. The counts are columns so they can be
// queried; the full summary, failures included, lives in data.
const Schema = `
CREATE TABLE IF NOT EXISTS batch_summaries (
    batch_id     UUID PRIMARY KEY,
    attempted    INTEGER NOT NULL,
    succeeded    INTEGER NOT NULL,
    failed       INTEGER NOT NULL,
    skipped      INTEGER NOT NULL,
    data         JSONB NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS batch_summaries_completed_at_idx ON batch_summaries (completed_at DESC);
`

// Postgres persists summaries in the batch_summaries table.
type Postgres struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgres(db *postgres.Client) *Postgres {
	return &Postgres{
		db:     db,
		logger: slog.Default().With("component", "history-store"),
	}
}

// Migrate creates the table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("creating batch_summaries: %w", err)
		}
		return nil
	})
}

// Save upserts the summary; re-running a batch id replaces its row.
func (p *Postgres) Save(ctx context.Context, summary *generation.BatchSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	_, err = p.db.DB.ExecContext(ctx, `
		INSERT INTO batch_summaries (batch_id, attempted, succeeded, failed, skipped, data, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id) DO UPDATE SET
			attempted = EXCLUDED.attempted,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped,
			data = EXCLUDED.data,
			completed_at = EXCLUDED.completed_at`,
		summary.BatchID.String(), summary.Attempted, summary.Succeeded, summary.Failed, summary.Skipped,
		data, summary.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("saving batch summary %s: %w", summary.BatchID, err)
	}
	p.logger.Debug("batch summary saved", "batch_id", summary.BatchID, "status", summary.Status())
	return nil
}

func (p *Postgres) Get(ctx context.Context, id generation.BatchID) (*generation.BatchSummary, error) {
	var data []byte
	err := p.db.DB.QueryRowContext(ctx,
		`SELECT data FROM batch_summaries WHERE batch_id = $1`, id.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "batch %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying batch %s: %w", id, err)
	}
	var summary generation.BatchSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("unmarshaling batch %s: %w", id, err)
	}
	return &summary, nil
}

func (p *Postgres) Recent(ctx context.Context, limit int) ([]*generation.BatchSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.DB.QueryContext(ctx,
		`SELECT data FROM batch_summaries ORDER BY completed_at DESC, batch_id LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []*generation.BatchSummary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning batch row: %w", err)
		}
		var s generation.BatchSummary
		if err := json.Unmarshal(data, &s); err != nil {
			p.logger.Warn("skipping corrupt batch summary", "error", err)
			continue
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
