package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/sanjaykrkundu/seedr/internal/downloader"
	"github.com/sanjaykrkundu/seedr/internal/downloader/progress"
	"github.com/sanjaykrkundu/seedr/internal/logctx"
)

const maxRequestBody = 64 * 1024

// Scheduler is the part of the downloader the HTTP surface drives.
type Scheduler interface {
	Submit(ctx context.Context, rawURL, destination string) (downloader.Outcome, error)
	QueryProgress(id string) (progress.Snapshot, bool)
	ListAll(ctx context.Context) ([]downloader.Entry, error)
}

// PoolStats reports scheduler occupancy for /health.
type PoolStats interface {
	Active() int
	Pending() int
	MaxParallel() int
}

// Pinger checks that the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type DownloadRequest struct {
	URL         string `json:"url"`
	Destination string `json:"destination,omitempty"`
}

type DownloadResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
	Outcome downloader.Outcome `json:"outcome,omitempty"`
	ID      string             `json:"id,omitempty"`
}

type ProgressResponse struct {
	progress.Snapshot

	Display string `json:"display"`
}

type DownloadEntry struct {
	URL                 string            `json:"url"`
	FilePath            string            `json:"filePath"`
	Status              string            `json:"status"`
	RequestTimestamp    time.Time         `json:"requestTimestamp"`
	DownloadTimestamp   *time.Time        `json:"downloadTimestamp,omitempty"`
	ExpirationTimestamp *time.Time        `json:"expirationTimestamp,omitempty"`
	ExpiresIn           string            `json:"expiresIn,omitempty"`
	FileAvailable       bool              `json:"fileAvailable"`
	Progress            *ProgressResponse `json:"progress,omitempty"`
}

type ListResponse struct {
	Success   bool            `json:"success"`
	Downloads []DownloadEntry `json:"downloads"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Active      int    `json:"active"`
	Pending     int    `json:"pending"`
	MaxParallel int    `json:"maxParallel"`
}

type DownloadsHandler struct {
	scheduler    Scheduler
	pool         PoolStats
	db           Pinger
	downloadsDir string
	now          func() time.Time
}

// NewDownloadsHandler creates the handler for the download API.
func NewDownloadsHandler(s Scheduler, pool PoolStats, db Pinger, downloadsDir string) *DownloadsHandler {
	return &DownloadsHandler{
		scheduler:    s,
		pool:         pool,
		db:           db,
		downloadsDir: downloadsDir,
		now:          time.Now,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/download", h.HandleDownload)
	r.Get("/downloads", h.HandleList)
	r.Get("/progress/{id}", h.HandleProgress)
	r.Get("/health", h.HandleHealth)

	return r
}

// HandleDownload submits a URL for download.
func (h *DownloadsHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Warn("failed to decode request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, DownloadResponse{Error: "invalid request body"})

		return
	}

	if req.URL == "" {
		writeJSON(w, r, http.StatusBadRequest, DownloadResponse{Error: "URL not provided"})

		return
	}

	dest, err := h.destination(req.Destination)
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, DownloadResponse{Error: err.Error()})

		return
	}

	outcome, err := h.scheduler.Submit(r.Context(), req.URL, dest)
	if err != nil {
		var rejected *downloader.RequestRejectedError
		if errors.As(err, &rejected) {
			writeJSON(w, r, http.StatusBadRequest, DownloadResponse{Error: rejected.Reason})

			return
		}

		logger.Error("failed to process download request", "url", req.URL, "err", err)
		writeJSON(w, r, http.StatusInternalServerError, DownloadResponse{Error: "Failed to process download request"})

		return
	}

	id, _ := downloader.ResourceID(req.URL)

	writeJSON(w, r, http.StatusOK, DownloadResponse{
		Success: true,
		Message: outcome.Message(),
		Outcome: outcome,
		ID:      id,
	})
}

// destination resolves an optional client subdirectory inside the downloads dir.
func (h *DownloadsHandler) destination(sub string) (string, error) {
	if sub == "" {
		return h.downloadsDir, nil
	}

	if !filepath.IsLocal(sub) {
		return "", fmt.Errorf("destination must be a relative path inside the downloads directory")
	}

	return filepath.Join(h.downloadsDir, sub), nil
}

// HandleList returns every tracked download.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	entries, err := h.scheduler.ListAll(r.Context())
	if err != nil {
		logger.Error("failed to list downloads", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, DownloadResponse{Error: "Failed to list downloads"})

		return
	}

	now := h.now()
	downloads := make([]DownloadEntry, 0, len(entries))

	for _, e := range entries {
		entry := DownloadEntry{
			URL:                 e.Record.URL,
			FilePath:            e.Record.FilePath,
			Status:              string(e.Record.Status),
			RequestTimestamp:    e.Record.RequestedAt,
			DownloadTimestamp:   e.Record.DownloadedAt,
			ExpirationTimestamp: e.Record.ExpiresAt,
			FileAvailable:       e.FileAvailable,
		}

		if e.Record.ExpiresAt != nil {
			entry.ExpiresIn = humanize.RelTime(*e.Record.ExpiresAt, now, "ago", "from now")
		}

		if e.Progress != nil {
			entry.Progress = &ProgressResponse{Snapshot: *e.Progress, Display: e.Progress.Display()}
		}

		downloads = append(downloads, entry)
	}

	writeJSON(w, r, http.StatusOK, ListResponse{Success: true, Downloads: downloads})
}

// HandleProgress returns the live snapshot for one resource identifier.
func (h *DownloadsHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, ok := h.scheduler.QueryProgress(id)
	if !ok {
		writeJSON(w, r, http.StatusNotFound, DownloadResponse{Error: fmt.Sprintf("no progress for %s", id)})

		return
	}

	writeJSON(w, r, http.StatusOK, ProgressResponse{Snapshot: snap, Display: snap.Display()})
}

func (h *DownloadsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Active:      h.pool.Active(),
		Pending:     h.pool.Pending(),
		MaxParallel: h.pool.MaxParallel(),
	}

	if err := h.db.Ping(r.Context()); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("record store ping failed", "err", err)

		resp.Status = "unavailable"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)

		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
