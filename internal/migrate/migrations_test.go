package migrate_test

import (
	"testing"

	"flowdesk/internal/db"
	"flowdesk/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run must skip applied migrations: %v", err)
	}

	var n int
	if err := conn.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='tasks'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("tasks table present = %d, err %v", n, err)
	}
	if err := conn.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("recorded migrations = %d, want one row per file", n)
	}
}
