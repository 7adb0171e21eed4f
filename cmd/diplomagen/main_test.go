package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fixtures "github.com/cristim67/diploma-generator/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestGenerateAndArchive(t *testing.T) {
	t.Setenv("DG_KAFKA_ENABLED", "false")
	t.Setenv("DG_POSTGRES_ENABLED", "false")
	t.Setenv("DG_REDIS_ENABLED", "false")
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "diploma.docx")
	dataPath := filepath.Join(dir, "students.xlsx")
	doc := fixtures.DocumentXML(fixtures.Paragraph{"Diploma for {{studentName}}"})
	require.NoError(t, os.WriteFile(tmplPath, fixtures.DOCX(t, doc, nil), 0o644))
	require.NoError(t, os.WriteFile(dataPath, fixtures.XLSX(t,
		[]any{"id", "studentName"},
		[]any{1, "Ana Pop"},
		[]any{2, "Ion"},
	), 0o644))
	dataDir := filepath.Join(dir, "out")

	out, err := run(t, "generate", "--template", tmplPath, "--data", dataPath, "--out", dataDir, "--archive")
	require.NoError(t, err)
	var result struct {
		Summary struct {
			BatchID   string   `json:"batch_id"`
			Succeeded int      `json:"succeeded"`
			Documents []string `json:"documents"`
		} `json:"summary"`
		Archive struct {
			Files []string `json:"files"`
		} `json:"archive"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Summary.Succeeded)
	assert.Equal(t, []string{"1_Ana_Pop.docx", "2_Ion.docx"}, result.Summary.Documents)
	assert.Equal(t, []string{"1_Ana_Pop.docx", "2_Ion.docx"}, result.Archive.Files)

	out, err = run(t, "archive", result.Summary.BatchID, "--out", dataDir)
	require.NoError(t, err)
	var handle struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &handle))
	assert.FileExists(t, handle.Path)
}

func TestGenerateRequiresFlags(t *testing.T) {
	_, err := run(t, "generate", "--template", "only.docx")
	assert.Error(t, err)
}

func TestArchiveRejectsBadID(t *testing.T) {
	_, err := run(t, "archive", "nope")
	assert.Error(t, err)
}
