package db

import (
	"database/sql"
	"embed"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/plan4better/goat-core-sub000/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// Migrate applies every pending migration in filename order. Migration 000
// bootstraps the schema_migrations bookkeeping table and records itself.
// logger may be nil for silent operation.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	files, err := pendingOrder()
	if err != nil {
		return err
	}

	applied := 0
	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		done, err := alreadyApplied(db, version)
		if err != nil {
			// The bookkeeping table does not exist before migration 000.
			if version != "000" {
				return errors.Wrapf(err, "schema_migrations missing before %s", filename)
			}
		} else if done {
			continue
		}

		if err := applyMigration(db, filename, version); err != nil {
			return err
		}
		if logger != nil {
			logger.Infow("Applied migration", "migration", filename)
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete", "applied", applied, "total", len(files))
	}
	return nil
}

// pendingOrder lists the embedded migration files in lexical order; the
// numeric prefix convention makes that the application order.
func pendingOrder() ([]string, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedded migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func alreadyApplied(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version,
	).Scan(&exists)
	return exists, err
}

// applyMigration runs one migration file and records its version, both in
// a single transaction.
func applyMigration(db *sql.DB, filename, version string) error {
	script, err := migrationFS.ReadFile(migrationDir + "/" + filename)
	if err != nil {
		return errors.Wrapf(err, "failed to read migration %s", filename)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "failed to begin transaction for %s", filename)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(script)); err != nil {
		return errors.Wrapf(err, "failed to execute migration %s", filename)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return errors.Wrapf(err, "failed to record migration %s", filename)
	}

	return errors.Wrapf(tx.Commit(), "failed to commit migration %s", filename)
}
