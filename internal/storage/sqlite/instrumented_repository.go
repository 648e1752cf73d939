package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/sanjaykrkundu/seedr/internal/storage"
	"github.com/sanjaykrkundu/seedr/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) FindByURL(ctx context.Context, url string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "find_by_url", func(ctx context.Context) error {
		var err error

		result, err = r.repo.FindByURL(ctx, url)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ListAll(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_all", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListAll(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ListByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_by_status", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListByStatus(ctx, statuses...)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ListExpired(ctx context.Context, now time.Time) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_expired", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListExpired(ctx, now)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) Insert(ctx context.Context, url, filePath string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "insert", func(ctx context.Context) error {
		return r.repo.Insert(ctx, url, filePath)
	})
}

func (r *InstrumentedDownloadRepository) UpdateStatus(ctx context.Context, url string, status storage.Status) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, url, status)
	})
}

func (r *InstrumentedDownloadRepository) ClaimDownload(ctx context.Context, url, instanceID string) (bool, error) {
	var claimed bool

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_download", func(ctx context.Context) error {
		var err error

		claimed, err = r.repo.ClaimDownload(ctx, url, instanceID)

		return err
	})

	return claimed, err
}

func (r *InstrumentedDownloadRepository) MarkFinished(ctx context.Context, url string, downloadedAt, expiresAt time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_finished", func(ctx context.Context) error {
		return r.repo.MarkFinished(ctx, url, downloadedAt, expiresAt)
	})
}

func (r *InstrumentedDownloadRepository) Ping(ctx context.Context) error {
	return r.telemetry.InstrumentDBOperation(ctx, "ping", r.repo.Ping)
}
