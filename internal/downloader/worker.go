package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sanjaykrkundu/seedr/internal/downloader/progress"
	"github.com/sanjaykrkundu/seedr/internal/filesystem"
	"github.com/sanjaykrkundu/seedr/internal/logctx"
	"github.com/sanjaykrkundu/seedr/internal/storage"
	"github.com/sanjaykrkundu/seedr/internal/telemetry"
	"github.com/sanjaykrkundu/seedr/internal/transfer"
	"golang.org/x/time/rate"
)

const (
	DefaultChunkSize = 1024
	DefaultUserAgent = "Mozilla/5.0"

	eventBuffer         = 64
	progressLogInterval = 5 * time.Second
)

// Event is published when a download attempt reaches a terminal phase.
type Event struct {
	Snapshot progress.Snapshot
	Path     string
}

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	ChunkSize         int
	UserAgent         string
	InstanceID        string
	KeepDownloadedFor time.Duration
}

// SnapshotStore is where a worker publishes progress.
type SnapshotStore interface {
	Get(id string) (progress.Snapshot, bool)
	Set(s progress.Snapshot)
}

// Worker streams one task's body to disk and is the only writer of its
// progress snapshot. Partial files are left in place on failure.
type Worker struct {
	fetcher   transfer.Fetcher
	fs        filesystem.FileSystem
	records   storage.DownloadWriteRepository
	store     SnapshotStore
	telemetry *telemetry.Telemetry
	cfg       WorkerConfig
	now       func() time.Time

	OnDownloadFinished chan Event
	OnDownloadFailed   chan Event
}

func NewWorker(
	fetcher transfer.Fetcher,
	fs filesystem.FileSystem,
	records storage.DownloadWriteRepository,
	store SnapshotStore,
	tel *telemetry.Telemetry,
	cfg WorkerConfig,
) *Worker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	return &Worker{
		fetcher:            fetcher,
		fs:                 fs,
		records:            records,
		store:              store,
		telemetry:          tel,
		cfg:                cfg,
		now:                time.Now,
		OnDownloadFinished: make(chan Event, eventBuffer),
		OnDownloadFailed:   make(chan Event, eventBuffer),
	}
}

// Close closes the event channels. Call it only after the pool has stopped.
func (w *Worker) Close() {
	close(w.OnDownloadFinished)
	close(w.OnDownloadFailed)
}

// Run executes task and records the outcome in the progress store.
func (w *Worker) Run(ctx context.Context, task Task) {
	ctx, logger := logctx.With(ctx, "id", task.ID, "url", task.URL)

	snap := progress.Snapshot{
		ID:         task.ID,
		URL:        task.URL,
		Phase:      progress.PhaseQueued,
		Attempt:    1,
		TotalBytes: transfer.UnknownSize,
	}

	if prev, ok := w.store.Get(task.ID); ok {
		snap.Attempt = prev.Attempt + 1
	}

	w.store.Set(snap)

	// terminal is set once a Succeeded or Failed phase has been written.
	terminal := false

	defer func() {
		if r := recover(); r != nil {
			logger.Error("download panic", "panic", r, "stack", string(debug.Stack()))
			w.telemetry.RecordSystemError("worker", "panic")

			if !terminal {
				w.fail(ctx, task, snap, &TransferFailedError{ID: task.ID, Stage: "download", Err: fmt.Errorf("panic: %v", r)}, &terminal)
			}
		}
	}()

	err := w.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return w.download(ctx, task, &snap)
	})
	if err != nil {
		w.fail(ctx, task, snap, err, &terminal)

		return
	}

	w.finish(ctx, task, snap, &terminal)
}

func (w *Worker) download(ctx context.Context, task Task, snap *progress.Snapshot) error {
	logger := logctx.LoggerFromContext(ctx)

	claimed, err := w.records.ClaimDownload(ctx, task.URL, w.cfg.InstanceID)
	if err != nil {
		logger.Error("failed to mark record as downloading", "err", err)
	} else if !claimed {
		logger.Warn("record was not pending when the download started")
	}

	header := http.Header{}
	header.Set("User-Agent", w.cfg.UserAgent)

	resp, err := w.fetcher.Fetch(ctx, task.URL, header)
	if err != nil {
		return &TransferFailedError{ID: task.ID, Stage: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if err := w.fs.MkdirAll(filepath.Dir(task.Path)); err != nil {
		return &TransferFailedError{ID: task.ID, Stage: "create directory", Err: err}
	}

	out, err := w.fs.Create(task.Path)
	if err != nil {
		return &TransferFailedError{ID: task.ID, Stage: "create file", Err: err}
	}

	logger.Info("downloading file", "path", task.Path, "size", sizeLabel(resp.TotalSize))

	snap.Phase = progress.PhaseInProgress
	snap.TotalBytes = resp.TotalSize
	snap.Percent = progress.Percent(0, resp.TotalSize)
	snap.UpdatedAt = time.Time{}
	w.store.Set(*snap)

	logEvery := rate.Sometimes{Interval: progressLogInterval}
	body := progress.NewReader(resp.Body, resp.TotalSize, 0, func(read, total int64) {
		logEvery.Do(func() {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", sizeLabel(total))
		})
	})

	if err := w.copyChunks(out, body, snap); err != nil {
		out.Close()

		return &TransferFailedError{ID: task.ID, Stage: err.stage, Err: err.err}
	}

	if err := out.Close(); err != nil {
		return &TransferFailedError{ID: task.ID, Stage: "close file", Err: err}
	}

	return nil
}

type copyError struct {
	stage string
	err   error
}

// copyChunks moves the body to out in ChunkSize pieces and publishes a
// snapshot after every chunk written.
func (w *Worker) copyChunks(out io.Writer, body io.Reader, snap *progress.Snapshot) *copyError {
	buf := make([]byte, w.cfg.ChunkSize)

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return &copyError{stage: "write file", err: werr}
			}

			snap.BytesWritten += int64(n)
			snap.Percent = progress.Percent(snap.BytesWritten, snap.TotalBytes)
			snap.UpdatedAt = time.Time{}
			w.store.Set(*snap)
			w.telemetry.RecordBytes(int64(n))
		}

		if errors.Is(rerr, io.EOF) {
			return nil
		}

		if rerr != nil {
			return &copyError{stage: "read body", err: rerr}
		}
	}
}

func (w *Worker) finish(ctx context.Context, task Task, snap progress.Snapshot, terminal *bool) {
	logger := logctx.LoggerFromContext(ctx)

	snap.Phase = progress.PhaseSucceeded
	snap.UpdatedAt = time.Time{}
	w.store.Set(snap)
	*terminal = true

	downloadedAt := w.now()
	if err := w.records.MarkFinished(ctx, task.URL, downloadedAt, downloadedAt.Add(w.cfg.KeepDownloadedFor)); err != nil {
		logger.Error("failed to mark record as finished", "err", err)
	}

	logger.Info("download finished", "path", task.Path, "size", humanize.Bytes(uint64(snap.BytesWritten)))

	w.publish(ctx, w.OnDownloadFinished, Event{Snapshot: snap, Path: task.Path})
}

func (w *Worker) fail(ctx context.Context, task Task, snap progress.Snapshot, err error, terminal *bool) {
	logger := logctx.LoggerFromContext(ctx)

	snap.Phase = progress.PhaseFailed
	snap.Error = err.Error()
	snap.UpdatedAt = time.Time{}
	w.store.Set(snap)
	*terminal = true

	logger.Error("download failed", "path", task.Path, "bytes_written", snap.BytesWritten, "err", err)

	w.publish(ctx, w.OnDownloadFailed, Event{Snapshot: snap, Path: task.Path})
}

func (w *Worker) publish(ctx context.Context, ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		logctx.LoggerFromContext(ctx).Warn("dropping download event, no listener keeping up", "phase", ev.Snapshot.Phase)
	}
}

func sizeLabel(total int64) string {
	if total < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(total))
}
