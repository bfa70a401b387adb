// Package db tests for database migration management.
package db

import (
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/dinovending/dino/backend/internal/db/migrations"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.DB
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
	m := NewMigrator(db, nil)

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations table not found")
	}

	version, err := m.CurrentVersion()
	if err != nil || version != 0 {
		t.Errorf("CurrentVersion() = %d, %v, want 0", version, err)
	}
}

// TestMigrate_embedded verifies the embedded migrations build the full schema.
func TestMigrate_embedded(t *testing.T) {
	db := openRaw(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	for _, table := range []string{"locations", "machines", "routes", "route_stops", "collections", "reports", "sync_queue"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing", table)
		}
	}

	m := NewMigrator(db, nil)
	version, _ := m.CurrentVersion()
	if version != 3 {
		t.Errorf("CurrentVersion() = %d, want 3", version)
	}
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if applied[1].Description != "locations" || len(applied[1].Checksum) != 64 {
		t.Errorf("V2 record = %+v", applied[1])
	}

	// Running again is a no-op
	if err := Migrate(db); err != nil {
		t.Errorf("second Migrate() failed: %v", err)
	}
	pending, err := m.Pending()
	if err != nil || len(pending) != 0 {
		t.Errorf("Pending() = %v, %v, want none", pending, err)
	}
}

// TestMigrate_preservesData verifies a version bump keeps existing rows.
func TestMigrate_preservesData(t *testing.T) {
	db := openRaw(t)
	v1 := fstest.MapFS{}
	for _, name := range []string{"V1__initial_schema.up.sql", "V1__initial_schema.down.sql"} {
		content, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		v1[name] = &fstest.MapFile{Data: content}
	}

	m1 := NewMigrator(db, v1)
	if err := m1.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m1.Up(); err != nil {
		t.Fatalf("Up() V1 failed: %v", err)
	}
	if tableExists(t, db, "locations") {
		t.Fatal("locations should not exist at V1")
	}
	if _, err := db.Exec(`INSERT INTO machines (id, location_name, data) VALUES ('m1', 'Plaza', '{"id":"m1","location_id":"l1","refill_frequency":7}')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() to latest failed: %v", err)
	}

	var locationID string
	var freq int
	if err := db.QueryRow("SELECT location_id, refill_frequency FROM machines WHERE id = 'm1'").Scan(&locationID, &freq); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if locationID != "l1" || freq != 7 {
		t.Errorf("backfill = %q/%d, want l1/7", locationID, freq)
	}
}

// TestDown verifies the last migration can be rolled back and reapplied.
func TestDown(t *testing.T) {
	db := openRaw(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	m := NewMigrator(db, nil)

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if v, _ := m.CurrentVersion(); v != 2 {
		t.Errorf("CurrentVersion() after Down = %d, want 2", v)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("second Down() failed: %v", err)
	}
	if tableExists(t, db, "locations") {
		t.Error("locations should be dropped by V2 rollback")
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() after Down failed: %v", err)
	}
	if v, _ := m.CurrentVersion(); v != 3 {
		t.Errorf("CurrentVersion() = %d, want 3", v)
	}
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	err := m.Down()
	if err == nil || !strings.Contains(err.Error(), "no migrations") {
		t.Errorf("Down() error = %v, want no migrations", err)
	}
}

// TestVerify_checksumMismatch verifies edited migrations are detected.
func TestVerify_checksumMismatch(t *testing.T) {
	db := openRaw(t)
	src := fstest.MapFS{
		"V1__things.up.sql": {Data: []byte("CREATE TABLE things (id TEXT);")},
	}
	m := NewMigrator(db, src)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Verify(); err != nil {
		t.Errorf("Verify() = %v, want nil", err)
	}

	src["V1__things.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE things (id TEXT, extra TEXT);")}
	if err := m.Verify(); err == nil {
		t.Error("Verify() should fail after the file changed")
	}
}

// TestUp_ignoresUnrelatedFiles verifies only versioned up files are applied.
func TestUp_ignoresUnrelatedFiles(t *testing.T) {
	db := openRaw(t)
	src := fstest.MapFS{
		"README.md":         {Data: []byte("notes")},
		"V1__a.up.sql":      {Data: []byte("CREATE TABLE a (id TEXT);")},
		"V1__a.down.sql":    {Data: []byte("DROP TABLE a;")},
		"Vx__broken.up.sql": {Data: []byte("garbage")},
		"V2_missing.up.sql": {Data: []byte("garbage")},
		"V2__b.up.sql":      {Data: []byte("CREATE TABLE b (id TEXT);")},
	}
	m := NewMigrator(db, src)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "a") || !tableExists(t, db, "b") {
		t.Error("versioned migrations were not applied")
	}
}
