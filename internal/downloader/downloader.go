// Package downloader schedules URL downloads onto a bounded worker pool,
// deduplicating repeated requests and resuming finished downloads whose
// file has disappeared.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sanjaykrkundu/seedr/internal/downloader/progress"
	"github.com/sanjaykrkundu/seedr/internal/filesystem"
	"github.com/sanjaykrkundu/seedr/internal/logctx"
	"github.com/sanjaykrkundu/seedr/internal/storage"
	"github.com/sanjaykrkundu/seedr/internal/telemetry"
)

// Outcome is the caller-visible result of Submit.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomePending   Outcome = "pending"
	OutcomeAvailable Outcome = "available"
	OutcomeResumed   Outcome = "resumed"
)

// Message is the client-facing sentence for the outcome.
func (o Outcome) Message() string {
	switch o {
	case OutcomeStarted:
		return "Download started"
	case OutcomePending:
		return "Download pending"
	case OutcomeAvailable:
		return "File exists in filesystem"
	case OutcomeResumed:
		return "Download resumed"
	default:
		return string(o)
	}
}

// Entry is one row of ListAll.
type Entry struct {
	Record        storage.DownloadRecord
	FileAvailable bool
	Progress      *progress.Snapshot
}

// Options configures a Downloader.
type Options struct {
	DownloadsDir string
	MaxParallel  int
}

type Downloader struct {
	records      storage.DownloadRepository
	fs           filesystem.FileSystem
	store        *progress.Store
	telemetry    *telemetry.Telemetry
	downloadsDir string

	queue *Queue
	pool  *Pool
	locks *keyLocks

	mu sync.Mutex
	// inflight maps a resource identifier to the URL queued or running under it.
	inflight map[string]*reservation
}

// reservation counts the tasks of one URL holding an identifier. A resumed
// task can be queued while the previous one is still winding down.
type reservation struct {
	url   string
	count int
}

func NewDownloader(
	opts Options,
	records storage.DownloadRepository,
	fs filesystem.FileSystem,
	runner TaskRunner,
	store *progress.Store,
	tel *telemetry.Telemetry,
) *Downloader {
	d := &Downloader{
		records:      records,
		fs:           fs,
		store:        store,
		telemetry:    tel,
		downloadsDir: opts.DownloadsDir,
		queue:        NewQueue(),
		locks:        newKeyLocks(),
		inflight:     make(map[string]*reservation),
	}

	d.pool = NewPool(opts.MaxParallel, d.queue, runner, tel, d.release)

	return d
}

// Run dispatches queued downloads until ctx is cancelled.
func (d *Downloader) Run(ctx context.Context) error {
	return d.pool.Run(ctx)
}

// Close stops accepting new tasks; Run returns once the queue is drained.
// Submit fails with ErrQueueClosed afterwards without touching the record store.
func (d *Downloader) Close() {
	d.queue.Close()
}

// Pool exposes the scheduler's pool for status reporting.
func (d *Downloader) Pool() *Pool {
	return d.pool
}

// Submit decides what to do with a request for rawURL. destination is the
// directory the file goes to; empty means the downloads directory.
func (d *Downloader) Submit(ctx context.Context, rawURL, destination string) (Outcome, error) {
	outcome, err := d.submit(ctx, rawURL, destination)

	switch {
	case errors.Is(err, ErrRequestRejected):
		d.telemetry.RecordSubmission("rejected")
	case err != nil:
		d.telemetry.RecordSubmission("error")
	default:
		d.telemetry.RecordSubmission(string(outcome))
	}

	return outcome, err
}

func (d *Downloader) submit(ctx context.Context, rawURL, destination string) (Outcome, error) {
	id, err := ResourceID(rawURL)
	if err != nil {
		return "", err
	}

	ctx, logger := logctx.With(ctx, "id", id, "url", rawURL)

	if destination == "" {
		destination = d.downloadsDir
	}

	unlock := d.locks.Lock(rawURL)
	defer unlock()

	if d.queue.Closed() {
		return "", fmt.Errorf("downloader is shutting down: %w", ErrQueueClosed)
	}

	rec, err := d.records.FindByURL(ctx, rawURL)
	if errors.Is(err, storage.ErrNotFound) {
		if err := d.start(ctx, Task{ID: id, URL: rawURL, Path: filepath.Join(destination, id)}); err != nil {
			return "", err
		}

		logger.Info("download started")

		return OutcomeStarted, nil
	}

	if err != nil {
		return "", &StoreUnavailableError{Operation: "find_by_url", Err: err}
	}

	switch rec.Status {
	case storage.StatusPending, storage.StatusDownloading:
		logger.Debug("download already pending", "status", rec.Status)

		return OutcomePending, nil
	case storage.StatusFinished:
		exists, err := d.fs.Exists(rec.FilePath)
		if err != nil {
			return "", fmt.Errorf("failed to check %s: %w", rec.FilePath, err)
		}

		if exists {
			return OutcomeAvailable, nil
		}

		if err := d.resume(ctx, Task{ID: id, URL: rawURL, Path: rec.FilePath}); err != nil {
			return "", err
		}

		logger.Info("download resumed", "path", rec.FilePath)

		return OutcomeResumed, nil
	default:
		return "", fmt.Errorf("record for %s has unknown status %q", rawURL, rec.Status)
	}
}

// start inserts a pending record and queues the task.
func (d *Downloader) start(ctx context.Context, task Task) error {
	if err := d.reserve(task); err != nil {
		return err
	}

	if err := d.records.Insert(ctx, task.URL, task.Path); err != nil {
		d.release(task)

		return &StoreUnavailableError{Operation: "insert", Err: err}
	}

	return d.enqueue(task)
}

// resume moves a record back to pending and queues the task.
func (d *Downloader) resume(ctx context.Context, task Task) error {
	if err := d.reserve(task); err != nil {
		return err
	}

	if err := d.records.UpdateStatus(ctx, task.URL, storage.StatusPending); err != nil {
		d.release(task)

		return &StoreUnavailableError{Operation: "update_status", Err: err}
	}

	return d.enqueue(task)
}

func (d *Downloader) enqueue(task Task) error {
	if err := d.pool.Enqueue(task); err != nil {
		d.release(task)

		return err
	}

	return nil
}

// reserve claims task.ID for task.URL so two URLs sharing a file name never
// run at the same time.
func (d *Downloader) reserve(task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, ok := d.inflight[task.ID]
	if !ok {
		res = &reservation{url: task.URL}
		d.inflight[task.ID] = res
	}

	if res.url != task.URL {
		return &RequestRejectedError{
			URL:    task.URL,
			Reason: fmt.Sprintf("%s is already being downloaded from %s", task.ID, res.url),
		}
	}

	res.count++

	return nil
}

// release drops one reservation made by reserve for task.
func (d *Downloader) release(task Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, ok := d.inflight[task.ID]
	if !ok || res.url != task.URL {
		return
	}

	res.count--
	if res.count <= 0 {
		delete(d.inflight, task.ID)
	}
}

// inflightFor reports whether task's URL currently holds its identifier.
func (d *Downloader) inflightFor(task Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, ok := d.inflight[task.ID]

	return ok && res.url == task.URL
}

// QueryProgress returns the latest snapshot for a resource identifier.
func (d *Downloader) QueryProgress(id string) (progress.Snapshot, bool) {
	return d.store.Get(id)
}

// ListAll returns every record with its file presence and live progress.
func (d *Downloader) ListAll(ctx context.Context) ([]Entry, error) {
	records, err := d.records.ListAll(ctx)
	if err != nil {
		return nil, &StoreUnavailableError{Operation: "list_all", Err: err}
	}

	entries := make([]Entry, 0, len(records))

	for _, rec := range records {
		exists, err := d.fs.Exists(rec.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", rec.FilePath, err)
		}

		entry := Entry{Record: rec, FileAvailable: exists}

		id, err := ResourceID(rec.URL)
		if err != nil {
			id = filepath.Base(rec.FilePath)
		}

		if snap, ok := d.store.Get(id); ok && snap.URL == rec.URL {
			entry.Progress = &snap
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// Reconcile re-queues records left pending or downloading by a previous
// process, resetting them to pending first. It returns how many were queued.
func (d *Downloader) Reconcile(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := d.records.ListByStatus(ctx, storage.StatusPending, storage.StatusDownloading)
	if err != nil {
		return 0, &StoreUnavailableError{Operation: "list_by_status", Err: err}
	}

	queued := 0

	for _, rec := range records {
		id, err := ResourceID(rec.URL)
		if err != nil {
			logger.Warn("skipping unfinished record with unusable URL", "url", rec.URL, "err", err)

			continue
		}

		requeued, err := d.requeue(ctx, Task{ID: id, URL: rec.URL, Path: rec.FilePath})
		if err != nil {
			if errors.Is(err, ErrRequestRejected) {
				logger.Warn("skipping unfinished record", "url", rec.URL, "err", err)

				continue
			}

			return queued, err
		}

		if requeued {
			queued++
		}
	}

	d.telemetry.RecordReconciled(queued)

	if queued > 0 {
		logger.Info("re-queued unfinished downloads", "count", queued)
	}

	return queued, nil
}

// requeue resumes task unless this process already has it queued or running.
func (d *Downloader) requeue(ctx context.Context, task Task) (bool, error) {
	unlock := d.locks.Lock(task.URL)
	defer unlock()

	if d.inflightFor(task) {
		return false, nil
	}

	if err := d.resume(ctx, task); err != nil {
		return false, err
	}

	return true, nil
}

// ResourceID derives the resource identifier (the file name) from a URL and
// rejects URLs that cannot be downloaded.
func ResourceID(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", &RequestRejectedError{URL: rawURL, Reason: "URL not provided"}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &RequestRejectedError{URL: rawURL, Reason: "invalid URL"}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &RequestRejectedError{URL: rawURL, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	if u.Host == "" {
		return "", &RequestRejectedError{URL: rawURL, Reason: "URL has no host"}
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == ".." || strings.ContainsAny(name, `\`) {
		return "", &RequestRejectedError{URL: rawURL, Reason: "URL has no file name"}
	}

	return name, nil
}
