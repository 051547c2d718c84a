// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/Raymond9734/campaign-scheduler/internal/db"
)

// NewDB opens a migrated SQLite database in the test's temp dir
func NewDB(t testing.TB) *db.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:     db.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// Logger returns a logger that discards output
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
