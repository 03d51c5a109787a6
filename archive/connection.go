// Package archive persists processing results to SQLite so detections
// survive restarts and can be summarized offline.
package archive

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/VIGIL/errors"
)

// ErrArchiveClosed is returned when operations are attempted on a closed
// archive. This typically occurs during graceful shutdown when the database
// is closed before the result consumer has drained.
var ErrArchiveClosed = errors.New("archive is closed")

// IsArchiveClosed checks if an error indicates the archive database is
// closed. Handles both wrapped ErrArchiveClosed and raw driver errors, whose
// message we cannot wrap at the source.
func IsArchiveClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrArchiveClosed) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "database is closed") ||
		strings.Contains(errMsg, "sql: database is closed")
}

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open archive database")
	}

	// WAL mode allows reads concurrent with the writer goroutine
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}

	if logger != nil {
		logger.Infow("Archive database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}
