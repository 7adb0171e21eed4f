package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/internal/generation/archive"
	"github.com/cristim67/diploma-generator/internal/generation/events"
	"github.com/cristim67/diploma-generator/internal/generation/history"
	"github.com/cristim67/diploma-generator/internal/generation/orchestrator"
	"github.com/cristim67/diploma-generator/internal/generation/store"
	fixtures "github.com/cristim67/diploma-generator/internal/testutil"
	"github.com/cristim67/diploma-generator/internal/upload"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
)

type fakeRequester struct {
	mu       sync.Mutex
	requests []events.BatchRequested
	err      error
}

func (f *fakeRequester) Request(_ context.Context, req events.BatchRequested) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

type env struct {
	mux      *http.ServeMux
	history  *history.Memory
	requests *fakeRequester
}

func newEnv(t *testing.T, withRequester bool) *env {
	t.Helper()
	root := t.TempDir()
	st := store.New(filepath.Join(root, "store"))
	hist := history.NewMemory()
	orch := orchestrator.New(
		orchestrator.Config{Workers: 2, Schema: generation.DefaultSchema()},
		st,
		orchestrator.WithRecorder(hist),
	)
	deps := Deps{
		Uploads:        upload.New(filepath.Join(root, "uploads"), 1<<20),
		Runner:         orch,
		Archives:       archive.New(st, filepath.Join(root, "archives"), nil),
		History:        hist,
		MaxUploadBytes: 1 << 20,
	}
	e := &env{mux: http.NewServeMux(), history: hist, requests: &fakeRequester{}}
	if withRequester {
		deps.Requester = e.requests
	}
	New(deps).Register(e.mux)
	return e
}

func (e *env) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *env) upload(t *testing.T, path, filename string, data []byte) string {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := e.do(t, http.MethodPost, path, body.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["file_name"]
}

func (e *env) uploadInputs(t *testing.T) (string, string) {
	t.Helper()
	doc := fixtures.DocumentXML(fixtures.Paragraph{"Diploma for {{studentName}}, grade {{grade}}"})
	tmpl := e.upload(t, "/api/v1/templates", "diploma.docx", fixtures.DOCX(t, doc, nil))
	data := e.upload(t, "/api/v1/datasets", "students.xlsx", fixtures.XLSX(t,
		[]any{"id", "studentName", "grade"},
		[]any{1, "Ana Pop", 10},
		[]any{2, "Ion", nil},
	))
	return tmpl, data
}

func batchBody(t *testing.T, tmpl, data string) []byte {
	t.Helper()
	body, err := json.Marshal(BatchRequest{Template: tmpl, Data: data})
	require.NoError(t, err)
	return body
}

func TestBatchLifecycle(t *testing.T) {
	e := newEnv(t, false)
	tmpl, data := e.uploadInputs(t)
	assert.True(t, strings.HasSuffix(tmpl, "_template.docx"))
	assert.True(t, strings.HasSuffix(data, "_data.xlsx"))

	rec := e.do(t, http.MethodPost, "/api/v1/batches", batchBody(t, tmpl, data), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary generation.BatchSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"1_Ana_Pop.docx"}, summary.Documents)

	rec = e.do(t, http.MethodGet, "/api/v1/batches/"+summary.BatchID.String(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stored generation.BatchSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, summary.BatchID, stored.BatchID)

	rec = e.do(t, http.MethodGet, "/api/v1/batches", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), summary.BatchID.String())

	rec = e.do(t, http.MethodPost, "/api/v1/batches/"+summary.BatchID.String()+"/archive", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var handle generation.ArchiveHandle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &handle))
	assert.Equal(t, []string{"1_Ana_Pop.docx"}, handle.Files)

	rec = e.do(t, http.MethodGet, "/api/v1/batches/"+summary.BatchID.String()+"/archive", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), summary.BatchID.String()+".zip")
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "1_Ana_Pop.docx", zr.File[0].Name)
}

func TestDownloadBuildsArchiveOnDemand(t *testing.T) {
	e := newEnv(t, false)
	tmpl, data := e.uploadInputs(t)
	rec := e.do(t, http.MethodPost, "/api/v1/batches", batchBody(t, tmpl, data), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary generation.BatchSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))

	rec = e.do(t, http.MethodGet, "/api/v1/batches/"+summary.BatchID.String()+"/archive", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotZero(t, rec.Body.Len())
}

func TestUploadRejectsWrongExtension(t *testing.T) {
	e := newEnv(t, false)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "diploma.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF"))
	require.NoError(t, mw.Close())

	rec := e.do(t, http.MethodPost, "/api/v1/templates", body.Bytes(), mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/templates", []byte("plain"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBatchErrors(t *testing.T) {
	e := newEnv(t, false)
	tmpl, data := e.uploadInputs(t)
	corrupt := e.upload(t, "/api/v1/templates", "broken.docx", []byte("not a zip"))

	tests := []struct {
		name string
		body []byte
		want int
	}{
		{"invalid json", []byte("{"), http.StatusBadRequest},
		{"missing fields", batchBody(t, tmpl, ""), http.StatusBadRequest},
		{"bad name", batchBody(t, "../etc/passwd", data), http.StatusBadRequest},
		{"unknown upload", batchBody(t, "00000000-0000-0000-0000-000000000000_template.docx", data), http.StatusNotFound},
		{"corrupt template", batchBody(t, corrupt, data), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/v1/batches", tt.body, "application/json")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestBatchLookupErrors(t *testing.T) {
	e := newEnv(t, false)
	unknown := generation.NewBatchID().String()

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/batches/not-a-uuid", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/batches/"+unknown, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/v1/batches/"+unknown+"/archive", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/batches/"+unknown+"/archive", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/batches?limit=0", nil, "").Code)
}

func TestCreateBatchAsync(t *testing.T) {
	e := newEnv(t, true)
	tmpl, data := e.uploadInputs(t)

	rec := e.do(t, http.MethodPost, "/api/v1/batches/async", batchBody(t, tmpl, data), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "/api/v1/batches/"+resp["batch_id"], rec.Header().Get("Location"))

	require.Len(t, e.requests.requests, 1)
	assert.Equal(t, resp["batch_id"], e.requests.requests[0].BatchID.String())
	assert.Equal(t, tmpl, e.requests.requests[0].Template)

	e.requests.err = apperrors.New(apperrors.ErrUnavailable, 0, "broker down")
	rec = e.do(t, http.MethodPost, "/api/v1/batches/async", batchBody(t, tmpl, data), "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateBatchAsyncDisabled(t *testing.T) {
	e := newEnv(t, false)
	rec := e.do(t, http.MethodPost, "/api/v1/batches/async", []byte(`{}`), "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type slowRunner struct{}

func (slowRunner) Run(ctx context.Context, id generation.BatchID, _, _ generation.Handle) (*generation.BatchSummary, error) {
	<-ctx.Done()
	return &generation.BatchSummary{BatchID: id, Attempted: 3, Succeeded: 1, Failed: 2}, errors.Join(errors.New("interrupted"), ctx.Err())
}

func TestCreateBatchTimeoutReturnsPartialSummary(t *testing.T) {
	root := t.TempDir()
	uploads := upload.New(root, 0)
	tmpl, err := uploads.Save(context.Background(), upload.Template, "t.docx", strings.NewReader("x"))
	require.NoError(t, err)
	data, err := uploads.Save(context.Background(), upload.Dataset, "d.xlsx", strings.NewReader("x"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	New(Deps{Uploads: uploads, Runner: slowRunner{}, History: history.NewMemory(), BatchTimeout: 1}).Register(mux)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(batchBody(t, tmpl, data)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var resp struct {
		Error   string                  `json:"error"`
		Summary generation.BatchSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Summary.Succeeded)
}

// stalledRunner times out before any record is processed.
type stalledRunner struct{}

func (stalledRunner) Run(ctx context.Context, _ generation.BatchID, _, _ generation.Handle) (*generation.BatchSummary, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("extracting records: %w", ctx.Err())
}

func TestCreateBatchTimeoutBeforeRecords(t *testing.T) {
	root := t.TempDir()
	uploads := upload.New(root, 0)
	tmpl, err := uploads.Save(context.Background(), upload.Template, "t.docx", strings.NewReader("x"))
	require.NoError(t, err)
	data, err := uploads.Save(context.Background(), upload.Dataset, "d.xlsx", strings.NewReader("x"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	New(Deps{Uploads: uploads, Runner: stalledRunner{}, History: history.NewMemory(), BatchTimeout: 1}).Register(mux)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(batchBody(t, tmpl, data)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
}
