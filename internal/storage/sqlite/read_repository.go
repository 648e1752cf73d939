package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sanjaykrkundu/seedr/internal/storage"
)

const selectColumns = `SELECT id, url, file_path, status, request_timestamp, download_timestamp, expiration_timestamp, locked_by FROM downloads`

type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

func (r *DownloadReadRepository) FindByURL(ctx context.Context, url string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE url = ?`, url)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return record, nil
}

func (r *DownloadReadRepository) ListAll(ctx context.Context) ([]storage.DownloadRecord, error) {
	return r.query(ctx, selectColumns+` ORDER BY id`)
}

// ListByStatus returns records in any of the given statuses, oldest first.
func (r *DownloadReadRepository) ListByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")

	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}

	return r.query(ctx, selectColumns+` WHERE status IN (`+placeholders+`) ORDER BY id`, args...)
}

// ListExpired returns finished records whose expiration timestamp is at or before now.
func (r *DownloadReadRepository) ListExpired(ctx context.Context, now time.Time) ([]storage.DownloadRecord, error) {
	return r.query(ctx,
		selectColumns+` WHERE status = ? AND expiration_timestamp IS NOT NULL AND expiration_timestamp <= ? ORDER BY id`,
		string(storage.StatusFinished), formatTime(now),
	)
}

func (r *DownloadReadRepository) query(ctx context.Context, query string, args ...any) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, *record)
	}

	return downloads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.DownloadRecord, error) {
	var (
		record       storage.DownloadRecord
		status       string
		requestedAt  string
		downloadedAt sql.NullString
		expiresAt    sql.NullString
		lockedBy     sql.NullString
	)

	if err := s.Scan(&record.ID, &record.URL, &record.FilePath, &status, &requestedAt, &downloadedAt, &expiresAt, &lockedBy); err != nil {
		return nil, err
	}

	record.Status = storage.Status(status)
	record.LockedBy = lockedBy.String

	var err error

	if record.RequestedAt, err = time.Parse(time.RFC3339, requestedAt); err != nil {
		return nil, fmt.Errorf("failed to parse request timestamp %q: %w", requestedAt, err)
	}

	if record.DownloadedAt, err = parseNullTime(downloadedAt); err != nil {
		return nil, fmt.Errorf("failed to parse download timestamp: %w", err)
	}

	if record.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse expiration timestamp: %w", err)
	}

	return &record, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// formatTime stores timestamps as UTC RFC3339 so lexical order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
