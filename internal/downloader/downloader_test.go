package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sanjaykrkundu/seedr/internal/downloader/progress"
	"github.com/sanjaykrkundu/seedr/internal/filesystem"
	"github.com/sanjaykrkundu/seedr/internal/storage"
	"github.com/sanjaykrkundu/seedr/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noopRunner = TaskRunnerFunc(func(context.Context, Task) {})

type submitFixture struct {
	repo  *memRepo
	fs    *memFS
	store *progress.Store
	d     *Downloader
}

func newSubmitFixture() *submitFixture {
	f := &submitFixture{repo: newMemRepo(), fs: newMemFS(), store: progress.NewStore()}
	f.d = NewDownloader(Options{DownloadsDir: "downloads", MaxParallel: 2}, f.repo, f.fs, noopRunner, f.store, nil)

	return f
}

func TestDownloader_SubmitStartsThenPending(t *testing.T) {
	f := newSubmitFixture()
	ctx := context.Background()

	outcome, err := f.d.Submit(ctx, "https://example.com/files/a.zip", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
	assert.Equal(t, "Download started", outcome.Message())

	rec := f.repo.get("https://example.com/files/a.zip")
	assert.Equal(t, storage.StatusPending, rec.Status)
	assert.Equal(t, filepath.Join("downloads", "a.zip"), rec.FilePath)

	outcome, err = f.d.Submit(ctx, "https://example.com/files/a.zip", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)
	assert.Equal(t, "Download pending", outcome.Message())

	assert.Equal(t, 1, f.d.Pool().Pending(), "a pending URL is not queued twice")

	task, ok := f.d.queue.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a.zip", task.ID)
	assert.False(t, task.EnqueuedAt.IsZero())
}

func TestDownloader_SubmitCustomDestination(t *testing.T) {
	f := newSubmitFixture()

	_, err := f.d.Submit(context.Background(), "http://example.com/b.iso", filepath.Join("downloads", "isos"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("downloads", "isos", "b.iso"), f.repo.get("http://example.com/b.iso").FilePath)
}

func TestDownloader_SubmitFinished(t *testing.T) {
	tests := []struct {
		name       string
		fileExists bool
		want       Outcome
		wantStatus storage.Status
		wantQueued int
	}{
		{name: "file present", fileExists: true, want: OutcomeAvailable, wantStatus: storage.StatusFinished},
		{name: "file missing", fileExists: false, want: OutcomeResumed, wantStatus: storage.StatusPending, wantQueued: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSubmitFixture()
			url := "http://example.com/c.tar"
			f.repo.put(storage.DownloadRecord{URL: url, FilePath: "old/place/c.tar", Status: storage.StatusFinished})

			if tt.fileExists {
				_, err := f.fs.Create("old/place/c.tar")
				require.NoError(t, err)
			}

			outcome, err := f.d.Submit(context.Background(), url, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, tt.wantStatus, f.repo.get(url).Status)
			assert.Equal(t, tt.wantQueued, f.d.Pool().Pending())

			if tt.wantQueued > 0 {
				task, _ := f.d.queue.TryDequeue()
				assert.Equal(t, "old/place/c.tar", task.Path, "resumed downloads reuse the recorded path")
			}
		})
	}
}

func TestDownloader_SubmitRejected(t *testing.T) {
	tests := []struct {
		url    string
		reason string
	}{
		{url: "", reason: "URL not provided"},
		{url: "   ", reason: "URL not provided"},
		{url: "ftp://example.com/a.zip", reason: "unsupported scheme"},
		{url: "http:///a.zip", reason: "URL has no host"},
		{url: "http://example.com/", reason: "URL has no file name"},
		{url: "http://example.com", reason: "URL has no file name"},
		{url: "http://exa mple.com/a", reason: "invalid URL"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			f := newSubmitFixture()

			_, err := f.d.Submit(context.Background(), tt.url, "")
			require.ErrorIs(t, err, ErrRequestRejected)
			assert.Contains(t, err.Error(), tt.reason)
			assert.Zero(t, f.repo.inserts)
		})
	}
}

func TestDownloader_SubmitStoreUnavailable(t *testing.T) {
	f := newSubmitFixture()
	f.repo.findErr = errors.New("database is locked")

	_, err := f.d.Submit(context.Background(), "http://example.com/a.zip", "")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Zero(t, f.d.Pool().Pending())
}

func TestDownloader_ConcurrentSubmitsStartOnce(t *testing.T) {
	f := newSubmitFixture()

	const callers = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[Outcome]int)
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcome, err := f.d.Submit(context.Background(), "http://example.com/same.bin", "")
			assert.NoError(t, err)

			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeStarted])
	assert.Equal(t, callers-1, outcomes[OutcomePending])
	assert.Equal(t, 1, f.repo.inserts)
	assert.Equal(t, 1, f.d.Pool().Pending())
}

func TestDownloader_SharedFileNameRejectedWhileInFlight(t *testing.T) {
	f := newSubmitFixture()
	ctx := context.Background()

	_, err := f.d.Submit(ctx, "http://mirror-a.example.com/x.zip", "")
	require.NoError(t, err)

	_, err = f.d.Submit(ctx, "http://mirror-b.example.com/x.zip", "")
	require.ErrorIs(t, err, ErrRequestRejected)
	assert.Contains(t, err.Error(), "x.zip is already being downloaded")

	task, ok := f.d.queue.TryDequeue()
	require.True(t, ok)
	f.d.release(task)

	outcome, err := f.d.Submit(ctx, "http://mirror-b.example.com/x.zip", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
}

func TestDownloader_SubmitAfterClose(t *testing.T) {
	f := newSubmitFixture()
	f.d.Close()

	_, err := f.d.Submit(context.Background(), "http://example.com/late.bin", "")
	require.ErrorIs(t, err, ErrQueueClosed)
	assert.Zero(t, f.repo.inserts, "no record is written once the downloader is closed")

	f.d.mu.Lock()
	assert.Empty(t, f.d.inflight)
	f.d.mu.Unlock()
}

func TestDownloader_ResumeWhileWorkerWindsDownKeepsIdentifier(t *testing.T) {
	repo := newMemRepo()
	fs := newMemFS()

	var (
		calls         atomic.Int32
		firstFinished = make(chan struct{})
		releaseFirst  = make(chan struct{})
		secondStarted = make(chan struct{})
		releaseSecond = make(chan struct{})
	)

	runner := TaskRunnerFunc(func(ctx context.Context, task Task) {
		if calls.Add(1) == 1 {
			now := time.Now()
			assert.NoError(t, repo.MarkFinished(ctx, task.URL, now, now.Add(time.Hour)))
			close(firstFinished)
			<-releaseFirst

			return
		}

		close(secondStarted)
		<-releaseSecond
	})

	d := NewDownloader(Options{DownloadsDir: "downloads", MaxParallel: 1}, repo, fs, runner, progress.NewStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.Run(ctx) }()

	outcome, err := d.Submit(ctx, "http://mirror-a.example.com/a.zip", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	<-firstFinished

	// The record is finished but the file is absent, so the first worker has
	// not yet returned its slot when the resume is queued.
	outcome, err = d.Submit(ctx, "http://mirror-a.example.com/a.zip", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeResumed, outcome)

	close(releaseFirst)

	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("resumed task never started")
	}

	_, err = d.Submit(ctx, "http://mirror-b.example.com/a.zip", "")
	require.ErrorIs(t, err, ErrRequestRejected, "a.zip is still being downloaded from mirror-a")

	close(releaseSecond)

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()

		return len(d.inflight) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDownloader_QueryProgress(t *testing.T) {
	f := newSubmitFixture()

	_, ok := f.d.QueryProgress("nothing.bin")
	assert.False(t, ok)

	f.store.Set(progress.Snapshot{ID: "a.zip", URL: "http://example.com/a.zip", Phase: progress.PhaseQueued})

	snap, ok := f.d.QueryProgress("a.zip")
	require.True(t, ok)
	assert.Equal(t, progress.PhaseQueued, snap.Phase)
}

func TestDownloader_ListAll(t *testing.T) {
	f := newSubmitFixture()

	f.repo.put(storage.DownloadRecord{URL: "http://a.example.com/one.bin", FilePath: "downloads/one.bin", Status: storage.StatusFinished})
	f.repo.put(storage.DownloadRecord{URL: "http://a.example.com/two.bin", FilePath: "downloads/two.bin", Status: storage.StatusDownloading})

	_, err := f.fs.Create("downloads/one.bin")
	require.NoError(t, err)

	f.store.Set(progress.Snapshot{ID: "two.bin", URL: "http://a.example.com/two.bin", Phase: progress.PhaseInProgress, BytesWritten: 10})
	f.store.Set(progress.Snapshot{ID: "one.bin", URL: "http://other.example.com/one.bin", Phase: progress.PhaseFailed})

	entries, err := f.d.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].FileAvailable)
	assert.Nil(t, entries[0].Progress, "progress of another URL with the same file name is not attached")

	assert.False(t, entries[1].FileAvailable)
	require.NotNil(t, entries[1].Progress)
	assert.Equal(t, int64(10), entries[1].Progress.BytesWritten)
}

func TestDownloader_Reconcile(t *testing.T) {
	f := newSubmitFixture()
	ctx := context.Background()

	f.repo.put(storage.DownloadRecord{URL: "http://example.com/p.bin", FilePath: "downloads/p.bin", Status: storage.StatusPending})
	f.repo.put(storage.DownloadRecord{URL: "http://example.com/d.bin", FilePath: "downloads/d.bin", Status: storage.StatusDownloading, LockedBy: "dead-host"})
	f.repo.put(storage.DownloadRecord{URL: "http://example.com/f.bin", FilePath: "downloads/f.bin", Status: storage.StatusFinished})
	f.repo.put(storage.DownloadRecord{URL: "not a url", FilePath: "downloads/bad", Status: storage.StatusPending})

	n, err := f.d.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.d.Pool().Pending())

	rec := f.repo.get("http://example.com/d.bin")
	assert.Equal(t, storage.StatusPending, rec.Status)
	assert.Empty(t, rec.LockedBy)

	n, err = f.d.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "tasks already queued are not queued again")
	assert.Equal(t, 2, f.d.Pool().Pending())
}

func TestResourceID(t *testing.T) {
	id, err := ResourceID("https://cdn.example.com/path/to/ubuntu.iso?token=abc#frag")
	require.NoError(t, err)
	assert.Equal(t, "ubuntu.iso", id)

	id, err = ResourceID("http://example.com/dir/")
	require.NoError(t, err)
	assert.Equal(t, "dir", id)
}

func TestDownloader_EndToEnd(t *testing.T) {
	payload := strings.Repeat("0123456789", 700)

	mux := http.NewServeMux()
	mux.HandleFunc("/files/data.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write([]byte(payload))
	})
	mux.HandleFunc("/files/gone.txt", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	repo := newMemRepo()
	store := progress.NewStore()
	fs := filesystem.OS{}

	worker := NewWorker(transfer.NewHTTPClient(DefaultUserAgent, 5*time.Second), fs, repo, store, nil,
		WorkerConfig{InstanceID: "test", KeepDownloadedFor: time.Hour})
	d := NewDownloader(Options{DownloadsDir: dir, MaxParallel: 2}, repo, fs, worker, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)

	go func() { runDone <- d.Run(ctx) }()

	okURL := srv.URL + "/files/data.txt"
	goneURL := srv.URL + "/files/gone.txt"

	for _, u := range []string{okURL, goneURL} {
		outcome, err := d.Submit(ctx, u, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeStarted, outcome)
	}

	waitTerminal := func(id string) progress.Snapshot {
		var snap progress.Snapshot

		require.Eventually(t, func() bool {
			var ok bool
			snap, ok = d.QueryProgress(id)

			return ok && snap.Phase.Terminal()
		}, 5*time.Second, 10*time.Millisecond)

		return snap
	}

	snap := waitTerminal("data.txt")
	assert.Equal(t, progress.PhaseSucceeded, snap.Phase)
	require.NotNil(t, snap.Percent)
	assert.InDelta(t, 100.0, *snap.Percent, 0.001)

	data, err := os.ReadFile(filepath.Join(dir, "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	failed := waitTerminal("gone.txt")
	assert.Equal(t, progress.PhaseFailed, failed.Phase)
	assert.Contains(t, failed.Error, "410")

	require.Eventually(t, func() bool {
		return repo.get(okURL).Status == storage.StatusFinished
	}, time.Second, 10*time.Millisecond)

	outcome, err := d.Submit(ctx, okURL, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAvailable, outcome)

	require.NoError(t, os.Remove(filepath.Join(dir, "data.txt")))

	outcome, err = d.Submit(ctx, okURL, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeResumed, outcome)

	require.Eventually(t, func() bool {
		snap, ok := d.QueryProgress("data.txt")

		return ok && snap.Attempt == 2 && snap.Phase == progress.PhaseSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("downloader did not stop")
	}
}
