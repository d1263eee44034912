package migrate_test

import (
	"testing"

	"flowboard/internal/db"
	"flowboard/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if v, err := migrate.Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v; want 0", v, err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == 0 {
		t.Fatalf("no embedded migrations")
	}
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != latest {
		t.Fatalf("version = %d, want %d", v, latest)
	}
	history, err := migrate.History(conn)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != latest || history[0].Version != 1 || history[0].AppliedAt == "" {
		t.Fatalf("unexpected history %+v", history)
	}
}
