package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/sanjaykrkundu/seedr/internal/filesystem"
	"github.com/sanjaykrkundu/seedr/internal/logctx"
	"github.com/sanjaykrkundu/seedr/internal/storage"
	"github.com/sanjaykrkundu/seedr/internal/telemetry"
)

// ExpiredLister finds finished downloads whose retention has run out.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time) ([]storage.DownloadRecord, error)
}

// DeleteExpiredFiles removes the files of expired records and returns how
// many were deleted. Records are kept, so asking for the URL again resumes it.
func DeleteExpiredFiles(ctx context.Context, records ExpiredLister, fs filesystem.FileSystem, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	expired, err := records.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired downloads: %w", err)
	}

	deleted := 0

	for _, rec := range expired {
		exists, err := fs.Exists(rec.FilePath)
		if err != nil {
			logger.Error("failed to stat file", "file", rec.FilePath, "err", err)

			return deleted, err
		}

		if !exists {
			continue
		}

		if err := fs.Remove(rec.FilePath); err != nil {
			logger.Error("failed to delete expired file", "file", rec.FilePath, "err", err)

			return deleted, err
		}

		deleted++

		logger.Info("deleted expired file", "file", rec.FilePath, "url", rec.URL)
	}

	return deleted, nil
}

// Run deletes expired files every interval until ctx is cancelled.
func Run(ctx context.Context, interval time.Duration, records ExpiredLister, fs filesystem.FileSystem, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup loop shutting down")

			return nil
		case <-ticker.C:
			n, err := DeleteExpiredFiles(ctx, records, fs, time.Now())
			tel.RecordCleanup(n)

			if err != nil {
				logger.Error("failed to delete expired files", "err", err)
			}
		}
	}
}
