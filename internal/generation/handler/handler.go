// Package handler exposes the generation pipeline over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/internal/generation/events"
	"github.com/cristim67/diploma-generator/internal/generation/history"
	"github.com/cristim67/diploma-generator/internal/upload"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/logger"
)

// Runner is satisfied by *orchestrator.Orchestrator.
type Runner interface {
	Run(ctx context.Context, id generation.BatchID, tmpl, dataset generation.Handle) (*generation.BatchSummary, error)
}

// Archiver is satisfied by *archive.Builder.
type Archiver interface {
	Build(ctx context.Context, id generation.BatchID) (*generation.ArchiveHandle, error)
	Open(ctx context.Context, id generation.BatchID) (*os.File, *generation.ArchiveHandle, error)
}

// Requester queues a batch for the async worker; *events.Requester
// satisfies it.
type Requester interface {
	Request(ctx context.Context, req events.BatchRequested) error
}

type Deps struct {
	Uploads        *upload.Storage
	Runner         Runner
	Archives       Archiver
	History        history.Store
	Requester      Requester
	BatchTimeout   time.Duration
	MaxUploadBytes int64
}

type Handler struct {
	uploads        *upload.Storage
	runner         Runner
	archives       Archiver
	history        history.Store
	requester      Requester
	batchTimeout   time.Duration
	maxUploadBytes int64
	logger         *slog.Logger
}

func New(d Deps) *Handler {
	return &Handler{
		uploads:        d.Uploads,
		runner:         d.Runner,
		archives:       d.Archives,
		history:        d.History,
		requester:      d.Requester,
		batchTimeout:   d.BatchTimeout,
		maxUploadBytes: d.MaxUploadBytes,
		logger:         slog.Default().With("component", "generation-handler"),
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/templates", h.UploadTemplate)
	mux.HandleFunc("POST /api/v1/datasets", h.UploadDataset)
	mux.HandleFunc("GET /api/v1/batches", h.ListBatches)
	mux.HandleFunc("POST /api/v1/batches", h.CreateBatch)
	mux.HandleFunc("POST /api/v1/batches/async", h.CreateBatchAsync)
	mux.HandleFunc("GET /api/v1/batches/{id}", h.GetBatch)
	mux.HandleFunc("POST /api/v1/batches/{id}/archive", h.BuildArchive)
	mux.HandleFunc("GET /api/v1/batches/{id}/archive", h.DownloadArchive)
}

// BatchRequest names two previously uploaded files.
type BatchRequest struct {
	Template string `json:"template"`
	Data     string `json:"data"`
}

func (h *Handler) UploadTemplate(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, upload.Template)
}

func (h *Handler) UploadDataset(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, upload.Dataset)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request, kind upload.Kind) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+(1<<20))
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	name, err := h.uploads.Save(r.Context(), kind, header.Filename, file)
	if err != nil {
		h.fail(w, r, "upload failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"file_name": name})
}

func (h *Handler) decodeBatchRequest(w http.ResponseWriter, r *http.Request) (BatchRequest, bool) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Template == "" || req.Data == "" {
		h.writeError(w, http.StatusBadRequest, "template and data are required")
		return req, false
	}
	return req, true
}

// CreateBatch runs a batch synchronously and returns its summary. When the
// batch timeout fires, the partial summary is returned with 504; documents
// stored so far remain available.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBatchRequest(w, r)
	if !ok {
		return
	}
	tmpl, dataset, err := h.uploads.Inputs(req.Template, req.Data)
	if err != nil {
		h.fail(w, r, "loading inputs failed", err)
		return
	}

	ctx := r.Context()
	if h.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.batchTimeout)
		defer cancel()
	}
	summary, err := h.runner.Run(ctx, generation.NewBatchID(), tmpl, dataset)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, summary)
	case summary != nil:
		logger.FromContext(r.Context()).Warn("batch interrupted", "batch_id", summary.BatchID, "error", err)
		h.writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"error":   "batch did not finish in time",
			"summary": summary,
		})
	default:
		h.fail(w, r, "batch failed", err)
	}
}

func (h *Handler) CreateBatchAsync(w http.ResponseWriter, r *http.Request) {
	if h.requester == nil {
		h.writeError(w, http.StatusServiceUnavailable, "async generation is disabled")
		return
	}
	req, ok := h.decodeBatchRequest(w, r)
	if !ok {
		return
	}
	if _, _, err := h.uploads.Inputs(req.Template, req.Data); err != nil {
		h.fail(w, r, "loading inputs failed", err)
		return
	}
	id := generation.NewBatchID()
	err := h.requester.Request(r.Context(), events.BatchRequested{
		BatchID:   id,
		Template:  req.Template,
		Data:      req.Data,
		RequestID: logger.RequestID(r.Context()),
	})
	if err != nil {
		h.fail(w, r, "queueing batch failed", err)
		return
	}
	w.Header().Set("Location", "/api/v1/batches/"+id.String())
	h.writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id.String(), "status": "queued"})
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	summaries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "listing batches failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"batches": summaries})
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	summary, err := h.history.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "batch lookup failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) BuildArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	archive, err := h.archives.Build(r.Context(), id)
	if err != nil {
		h.fail(w, r, "archive build failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, archive)
}

// DownloadArchive streams the batch archive, building it first if it has
// never been built.
func (h *Handler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	f, archive, err := h.archives.Open(r.Context(), id)
	if errors.Is(err, apperrors.ErrNotFound) {
		if _, err = h.archives.Build(r.Context(), id); err == nil {
			f, archive, err = h.archives.Open(r.Context(), id)
		}
	}
	if err != nil {
		h.fail(w, r, "archive download failed", err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.Name))
	http.ServeContent(w, r, archive.Name, archive.CreatedAt, f)
}

func (h *Handler) batchID(w http.ResponseWriter, r *http.Request) (generation.BatchID, bool) {
	id, err := generation.ParseBatchID(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// fail logs err and writes it with the status its sentinel maps to. Server
// errors are reported with the generic message only.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(message, "error", err, "status_code", status)
		h.writeError(w, status, message)
		return
	}
	log.Info(message, "error", err, "status_code", status)
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
