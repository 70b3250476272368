// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"m/V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"m/V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"m/V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"m/V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"m/README.md":             {Data: []byte("ignored")},
		"m/Vx__bad.up.sql":        {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n); err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return n == 1
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations(), "m")

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil || version != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0", version, err)
	}

	// CHECK constraint rejects a short checksum
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (1, 1, 'x', 'abc')")
	if err == nil {
		t.Error("short checksum should violate CHECK constraint")
	}
}

// TestUp verifies ordered application and idempotence.
func TestUp(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations(), "m")

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "a") || !tableExists(t, db, "b") {
		t.Fatal("Up() did not create tables")
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Version != 1 || applied[0].Description != "create_a" {
		t.Errorf("first migration = %+v", applied[0])
	}
	if len(applied[1].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[1].Checksum))
	}

	// Second run is a no-op
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}
}

// TestUp_modifiedMigration verifies an edited applied migration is refused.
func TestUp_modifiedMigration(t *testing.T) {
	db := openRaw(t)
	fsys := testMigrations()
	if err := NewMigrator(db, fsys, "m").Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["m/V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT);")}
	err := NewMigrator(db, fsys, "m").Up()
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Up() error = %v, want modified-migration error", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken file leaves no trace.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"m/V1__broken.up.sql": {Data: []byte("CREATE TABLE ok (id INTEGER); CREATE TABLE;")},
	}
	m := NewMigrator(db, fsys, "m")

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}
	if version, _ := m.CurrentVersion(); version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations(), "m")
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "b") {
		t.Error("Down() should drop table b")
	}
	if version, _ := m.CurrentVersion(); version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("second Down() failed: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() with nothing applied should fail")
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := openRaw(t)
	m := NewEmbeddedMigrator(db)
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil || version != 2 {
		t.Errorf("CurrentVersion() = %d, %v; want 2", version, err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "resolution_preferences") {
		t.Error("Down() should drop resolution_preferences")
	}
}
