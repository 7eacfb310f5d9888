package migrate_test

import (
	"strings"
	"testing"

	"shipline/internal/db"
	"shipline/internal/migrate"
)

func TestMigrateIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version < 1 {
		t.Fatalf("schema version = %d, want at least 1", version)
	}
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`UPDATE schema_version SET version=99`); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	err = migrate.Migrate(conn)
	if err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("err = %v, want newer-schema refusal", err)
	}
}
