package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/sanjaykrkundu/seedr/internal/storage"
)

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and stores download records in SQLite.
type DownloadWriteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db, now: time.Now}
}

// Insert tracks a new URL as pending. It returns storage.ErrAlreadyExists if the URL is already tracked.
func (r *DownloadWriteRepository) Insert(ctx context.Context, url, filePath string) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (url, file_path, status, request_timestamp) VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING`,
		url, filePath, string(storage.StatusPending), formatTime(r.now()),
	)
	if err != nil {
		return err
	}

	return expectAffected(res, storage.ErrAlreadyExists)
}

// UpdateStatus sets the status for a URL. Leaving the downloading state releases the claim.
func (r *DownloadWriteRepository) UpdateStatus(ctx context.Context, url string, status storage.Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, locked_by = CASE WHEN ? = 'downloading' THEN locked_by ELSE NULL END WHERE url = ?`,
		string(status), string(status), url,
	)
	if err != nil {
		return err
	}

	return expectAffected(res, storage.ErrNotFound)
}

// ClaimDownload atomically sets status to 'downloading' and locked_by to instanceID if status is 'pending'.
func (r *DownloadWriteRepository) ClaimDownload(ctx context.Context, url, instanceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, locked_by = ? WHERE url = ? AND status = ?`,
		string(storage.StatusDownloading), instanceID, url, string(storage.StatusPending),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *DownloadWriteRepository) MarkFinished(ctx context.Context, url string, downloadedAt, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, download_timestamp = ?, expiration_timestamp = ?, locked_by = NULL WHERE url = ?`,
		string(storage.StatusFinished), formatTime(downloadedAt), formatTime(expiresAt), url,
	)
	if err != nil {
		return err
	}

	return expectAffected(res, storage.ErrNotFound)
}

func expectAffected(res sql.Result, errNone error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return errNone
	}

	return nil
}
