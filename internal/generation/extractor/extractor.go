// Package extractor turns an XLSX dataset into ordered FieldRecords.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/cristim67/diploma-generator/internal/generation"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/logger"
)

// Options selects what part of the workbook is read. An empty Sheet means
// the first sheet.
type Options struct {
	Sheet string
}

// Stats reports what extraction saw besides the records themselves.
type Stats struct {
	Sheet   string `json:"sheet"`
	Rows    int    `json:"rows"`
	Skipped int    `json:"skipped"`
}

type Extractor struct {
	schema    generation.Schema
	mandatory []string
	opts      Options
}

func New(schema generation.Schema, opts Options) *Extractor {
	return &Extractor{schema: schema, mandatory: schema.Mandatory(), opts: opts}
}

// Extract parses dataset and returns one record per populated data row in
// sheet order. Rows that leave a mandatory field blank are dropped and only
// counted in Stats.Skipped.
func (e *Extractor) Extract(ctx context.Context, dataset generation.Handle) ([]generation.FieldRecord, Stats, error) {
	log := logger.FromContext(ctx).With("component", "extractor", "dataset", dataset.Name)

	f, err := excelize.OpenReader(bytes.NewReader(dataset.Data))
	if err != nil {
		return nil, Stats{}, apperrors.Newf(apperrors.ErrDatasetUnreadable, 0, "%s: %v", dataset.Name, err)
	}
	defer f.Close()

	sheet, err := e.pickSheet(f.GetSheetList())
	if err != nil {
		return nil, Stats{}, err
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, Stats{}, apperrors.Newf(apperrors.ErrDatasetUnreadable, 0, "reading sheet %q: %v", sheet, err)
	}

	stats := Stats{Sheet: sheet}
	headerAt := -1
	for i, row := range rows {
		if !blankRow(row) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		log.Info("dataset has no header row", "sheet", sheet)
		return nil, stats, nil
	}
	header := e.header(rows[headerAt], log)

	var records []generation.FieldRecord
	for i := headerAt + 1; i < len(rows); i++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, fmt.Errorf("extracting %s: %w", dataset.Name, err)
		}
		row := rows[i]
		if blankRow(row) {
			continue
		}
		stats.Rows++
		rec := generation.FieldRecord{Row: i + 1, Values: make(map[string]string, len(header))}
		for col, name := range header {
			if name == "" || col >= len(row) || strings.TrimSpace(row[col]) == "" {
				continue
			}
			rec.Keys = append(rec.Keys, name)
			rec.Values[name] = row[col]
		}
		if missing := e.firstMissing(rec); missing != "" {
			stats.Skipped++
			log.Debug("row skipped", "row", rec.Row, "missing_field", missing)
			continue
		}
		records = append(records, rec)
	}
	log.Info("dataset extracted", "sheet", sheet, "rows", stats.Rows, "records", len(records), "skipped", stats.Skipped)
	return records, stats, nil
}

func (e *Extractor) pickSheet(sheets []string) (string, error) {
	if len(sheets) == 0 {
		return "", apperrors.New(apperrors.ErrNoSheetsFound, 0, "workbook contains no sheets")
	}
	if e.opts.Sheet == "" {
		return sheets[0], nil
	}
	for _, s := range sheets {
		if s == e.opts.Sheet {
			return s, nil
		}
	}
	return "", apperrors.Newf(apperrors.ErrNoSheetsFound, 0, "sheet %q not in workbook", e.opts.Sheet)
}

// header trims the header cells; a repeated name keeps its first column.
func (e *Extractor) header(row []string, log *slog.Logger) []string {
	header := make([]string, len(row))
	seen := make(map[string]bool, len(row))
	for i, cell := range row {
		name := strings.TrimSpace(cell)
		if name == "" {
			continue
		}
		if seen[name] {
			log.Warn("duplicate header ignored", "name", name, "column", i+1)
			continue
		}
		seen[name] = true
		header[i] = name
	}
	return header
}

func (e *Extractor) firstMissing(rec generation.FieldRecord) string {
	for _, f := range e.mandatory {
		if _, ok := rec.Get(f); !ok {
			return f
		}
	}
	return ""
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
