package storage

import (
	"path/filepath"
	"testing"
)

func TestNewInMemory(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer store.Close()

	version, err := store.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("expected schema version %d, got %d", len(migrations), version)
	}
}

func TestNewOnDisk(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "scenesmith.db")

	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer store.Close()

	// Reopening must be idempotent: migrations already applied.
	store2, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	store2.Close()
}

func TestTablesExist(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer store.Close()

	for _, table := range []string{"tasks", "task_history", "artifacts", "schema_migrations"} {
		var name string
		err := store.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestSQLiteFilePathFromDSN(t *testing.T) {
	tests := []struct {
		dsn    string
		path   string
		onDisk bool
	}{
		{":memory:", "", false},
		{"", "", false},
		{"/tmp/x.db", "/tmp/x.db", true},
		{"file:/tmp/y.db?mode=rwc", "/tmp/y.db", true},
		{"file::memory:?cache=shared", "", false},
		{"postgres://host/db", "", false},
	}

	for _, tt := range tests {
		path, onDisk := sqliteFilePathFromDSN(tt.dsn)
		if path != tt.path || onDisk != tt.onDisk {
			t.Errorf("sqliteFilePathFromDSN(%q) = (%q, %v), want (%q, %v)",
				tt.dsn, path, onDisk, tt.path, tt.onDisk)
		}
	}
}
