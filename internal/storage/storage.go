// Package storage defines the persisted download record and the repository
// contracts the scheduler relies on.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a URL.
	ErrNotFound = errors.New("download record not found")
	// ErrAlreadyExists is returned when inserting a URL that is already tracked.
	ErrAlreadyExists = errors.New("download record already exists")
)

// Status is the persisted lifecycle stage of a URL.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusFinished    Status = "finished"
)

// Valid reports whether s is one of the known record statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusFinished:
		return true
	}

	return false
}

// DownloadRecord represents the persisted state of one requested URL.
type DownloadRecord struct {
	ID           int64
	URL          string
	FilePath     string
	Status       Status
	RequestedAt  time.Time
	DownloadedAt *time.Time
	ExpiresAt    *time.Time
	LockedBy     string
}

type DownloadReadRepository interface {
	FindByURL(ctx context.Context, url string) (*DownloadRecord, error)
	ListAll(ctx context.Context) ([]DownloadRecord, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]DownloadRecord, error)
	ListExpired(ctx context.Context, now time.Time) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	Insert(ctx context.Context, url, filePath string) error
	UpdateStatus(ctx context.Context, url string, status Status) error
	// ClaimDownload atomically moves a pending record to downloading on behalf of instanceID.
	ClaimDownload(ctx context.Context, url, instanceID string) (bool, error)
	// MarkFinished records completion and when the file may be expired.
	MarkFinished(ctx context.Context, url string, downloadedAt, expiresAt time.Time) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
	Ping(ctx context.Context) error
}
