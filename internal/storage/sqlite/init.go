package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Register the cgo driver as "sqlite3".
	_ "github.com/mattn/go-sqlite3"
	// Register the pure Go driver as "sqlite".
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	file_path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	request_timestamp TEXT NOT NULL,
	download_timestamp TEXT,
	expiration_timestamp TEXT,
	locked_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
`

// InitDB opens the record database with the given driver ("sqlite3" or
// "sqlite") and creates the downloads table if it doesn't exist.
func InitDB(ctx context.Context, driver, path string) (*sql.DB, error) {
	dsn, err := dataSourceName(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes statements
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

func dataSourceName(driver, path string) (string, error) {
	switch driver {
	case "sqlite3":
		return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case "sqlite":
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}
