package downloader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sanjaykrkundu/seedr/internal/storage"
	"github.com/sanjaykrkundu/seedr/internal/transfer"
)

// memRepo is an in-memory storage.DownloadRepository.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*storage.DownloadRecord
	nextID  int64
	findErr error
	inserts int
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*storage.DownloadRecord)}
}

func (m *memRepo) put(rec storage.DownloadRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	m.records[rec.URL] = &rec
}

func (m *memRepo) get(url string) storage.DownloadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[url]; ok {
		return *rec
	}

	return storage.DownloadRecord{}
}

func (m *memRepo) FindByURL(_ context.Context, url string) (*storage.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findErr != nil {
		return nil, m.findErr
	}

	rec, ok := m.records[url]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := *rec

	return &cp, nil
}

func (m *memRepo) ListAll(context.Context) ([]storage.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]storage.DownloadRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *memRepo) ListByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	all, _ := m.ListAll(ctx)

	var out []storage.DownloadRecord

	for _, rec := range all {
		for _, s := range statuses {
			if rec.Status == s {
				out = append(out, rec)
			}
		}
	}

	return out, nil
}

func (m *memRepo) ListExpired(context.Context, time.Time) ([]storage.DownloadRecord, error) {
	return nil, nil
}

func (m *memRepo) Insert(_ context.Context, url, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[url]; ok {
		return storage.ErrAlreadyExists
	}

	m.inserts++
	m.nextID++
	m.records[url] = &storage.DownloadRecord{
		ID:          m.nextID,
		URL:         url,
		FilePath:    filePath,
		Status:      storage.StatusPending,
		RequestedAt: time.Now(),
	}

	return nil
}

func (m *memRepo) UpdateStatus(_ context.Context, url string, status storage.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[url]
	if !ok {
		return storage.ErrNotFound
	}

	rec.Status = status
	if status != storage.StatusDownloading {
		rec.LockedBy = ""
	}

	return nil
}

func (m *memRepo) ClaimDownload(_ context.Context, url, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[url]
	if !ok || rec.Status != storage.StatusPending {
		return false, nil
	}

	rec.Status = storage.StatusDownloading
	rec.LockedBy = instanceID

	return true, nil
}

func (m *memRepo) MarkFinished(_ context.Context, url string, downloadedAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[url]
	if !ok {
		return storage.ErrNotFound
	}

	rec.Status = storage.StatusFinished
	rec.DownloadedAt = &downloadedAt
	rec.ExpiresAt = &expiresAt
	rec.LockedBy = ""

	return nil
}

func (m *memRepo) Ping(context.Context) error { return nil }

// memFS is an in-memory filesystem.FileSystem.
type memFS struct {
	mu        sync.Mutex
	files     map[string]*bytes.Buffer
	dirs      map[string]bool
	writes    []int
	createErr error
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string]*bytes.Buffer), dirs: make(map[string]bool)}
}

func (f *memFS) Exists(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.files[path]

	return ok || f.dirs[path], nil
}

func (f *memFS) MkdirAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirs[path] = true

	return nil
}

func (f *memFS) Create(path string) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	buf := &bytes.Buffer{}
	f.files[path] = buf

	return &memFile{fs: f, buf: buf}, nil
}

func (f *memFS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.files, path)

	return nil
}

func (f *memFS) content(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf, ok := f.files[path]
	if !ok {
		return "", false
	}

	return buf.String(), true
}

type memFile struct {
	fs  *memFS
	buf *bytes.Buffer
}

func (m *memFile) Write(p []byte) (int, error) {
	m.fs.mu.Lock()
	defer m.fs.mu.Unlock()

	m.fs.writes = append(m.fs.writes, len(p))

	return m.buf.Write(p)
}

func (m *memFile) Close() error { return nil }

// stubFetcher serves canned bodies per URL.
type stubFetcher struct {
	mu        sync.Mutex
	bodies    map[string][]byte
	sizes     map[string]int64
	failAfter map[string]int
	errs      map[string]error
	headers   []http.Header
	gate      chan struct{}
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		bodies:    make(map[string][]byte),
		sizes:     make(map[string]int64),
		failAfter: make(map[string]int),
		errs:      make(map[string]error),
	}
}

func (s *stubFetcher) serve(url string, body []byte, declareSize bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bodies[url] = body
	if declareSize {
		s.sizes[url] = int64(len(body))
	} else {
		s.sizes[url] = transfer.UnknownSize
	}
}

func (s *stubFetcher) Fetch(ctx context.Context, url string, header http.Header) (*transfer.Response, error) {
	s.mu.Lock()
	s.headers = append(s.headers, header.Clone())
	gate := s.gate
	body, ok := s.bodies[url]
	size := s.sizes[url]
	failAfter, partial := s.failAfter[url]
	fetchErr := s.errs[url]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fetchErr != nil {
		return nil, fetchErr
	}

	if !ok {
		return nil, &transfer.NetworkError{Operation: "fetch", StatusCode: http.StatusNotFound, APIMessage: "Not Found"}
	}

	var r io.Reader = bytes.NewReader(body)
	if partial {
		r = io.MultiReader(bytes.NewReader(body[:failAfter]), errReader{errors.New("connection reset by peer")})
	}

	return &transfer.Response{TotalSize: size, Body: io.NopCloser(r)}, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
