package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pesio-ai/be-group-carts/internal/platform/database"
	"github.com/pesio-ai/be-group-carts/internal/repository"
	"github.com/pesio-ai/be-group-carts/internal/repository/storetest"
)

// Set CARTS_TEST_DATABASE_URL to a disposable database to run these tests.
const testDatabaseEnv = "CARTS_TEST_DATABASE_URL"

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv(testDatabaseEnv)
	if url == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, database.Config{URL: url, MaxConns: 8})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func truncate(t *testing.T, db *database.DB) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		TRUNCATE carts, cart_parts, approvers, approval_workflows, approvals, cart_approval_audit_log
	`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

func TestStoreContract(t *testing.T) {
	db := openTestDB(t)
	t.Cleanup(db.Close)

	storetest.Run(t, func(t *testing.T) repository.Store {
		truncate(t, db)
		return NewStore(db)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	t.Cleanup(db.Close)

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	db := openTestDB(t)
	t.Cleanup(db.Close)
	truncate(t, db)

	ctx := context.Background()
	store := NewStore(db)
	entry := &repository.ApprovalAuditEntry{Cart: "lab1", Action: repository.AuditCleared, PerformedBy: "U-alice"}
	if err := store.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	if _, err := db.Exec(ctx, `DELETE FROM cart_approval_audit_log WHERE id = $1::uuid`, entry.ID); err == nil {
		t.Fatal("delete from audit log succeeded, want trigger error")
	}
}
