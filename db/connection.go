// Package db manages the SQLite database backing the job engine: connection
// setup and embedded schema migrations.
package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/plan4better/goat-core-sub000/errors"
)

// Open opens the SQLite database at path, configured for the job engine's
// access pattern: WAL so kill requests and store polls read concurrently
// with a step's write transaction, foreign keys for the layer_projects
// cascade, and a busy timeout covering short write contention.
// logger may be nil for silent operation.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return conn, nil
}
