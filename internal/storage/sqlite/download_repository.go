package sqlite

import (
	"context"
	"database/sql"
)

// DownloadRepository is the SQLite implementation of storage.DownloadRepository.
type DownloadRepository struct {
	*DownloadReadRepository
	*DownloadWriteRepository

	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{
		DownloadReadRepository:  NewDownloadReadRepository(dbConn),
		DownloadWriteRepository: NewDownloadWriteRepository(dbConn),
		db:                      dbConn,
	}
}

func (r *DownloadRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
