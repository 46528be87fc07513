package sqlitemigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func TestExtractUpMigration(t *testing.T) {
	t.Parallel()

	content := "-- +migrate Up\nCREATE TABLE a (id TEXT);\n-- +migrate Down\nDROP TABLE a;\n"
	got := ExtractUpMigration(content)
	if got != "\nCREATE TABLE a (id TEXT);\n" {
		t.Fatalf("up = %q", got)
	}
	if ExtractUpMigration("SELECT 1;") != "SELECT 1;" {
		t.Fatal("content without markers should pass through")
	}
}

func TestApplyMigrationsRunsOnce(t *testing.T) {
	t.Parallel()

	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	migrations := fstest.MapFS{
		"001_items.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE items (name TEXT PRIMARY KEY);\n")},
		"002_seed.sql":  {Data: []byte("INSERT INTO items (name) VALUES ('seed');")},
		"README.md":     {Data: []byte("not a migration")},
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := ApplyMigrations(ctx, sqlDB, migrations, "."); err != nil {
			t.Fatalf("apply #%d: %v", i+1, err)
		}
	}

	var count int
	if err := sqlDB.QueryRowContext(ctx, "SELECT COUNT(1) FROM items").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("items = %d, want 1 (seed applied once)", count)
	}
}

func TestApplyMigrationsRequiresDB(t *testing.T) {
	t.Parallel()

	if err := ApplyMigrations(context.Background(), nil, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected error")
	}
}
