package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/plan4better/goat-core-sub000/db"
)

// CreateTestDB creates a migrated SQLite test database and registers
// cleanup via t.Cleanup(). The database is file-backed under t.TempDir()
// rather than :memory: so every pooled connection sees the same data;
// kill requests arrive on a different connection than the step that
// observes them.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
