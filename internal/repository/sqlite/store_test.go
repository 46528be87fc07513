package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pesio-ai/be-group-carts/internal/repository"
	"github.com/pesio-ai/be-group-carts/internal/repository/storetest"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "carts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.Store {
		return openTempStore(t)
	})
}

func TestReopenKeepsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "carts.db")
	alice := repository.User{ID: "U-alice", Name: "alice"}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if ok, err := store.CreateCart(ctx, "lab1"); err != nil || !ok {
		t.Fatalf("create cart = %v, %v", ok, err)
	}
	if ok, err := store.AddPart(ctx, "lab1", "resistor", 3, alice); err != nil || !ok {
		t.Fatalf("add part = %v, %v", ok, err)
	}
	if ok, err := store.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: alice, MessageRef: "m-1"}); err != nil || !ok {
		t.Fatalf("create workflow = %v, %v", ok, err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	cart, err := reopened.ListCart(ctx, "lab1")
	if err != nil || cart == nil {
		t.Fatalf("list cart = %+v, %v", cart, err)
	}
	if len(cart.Parts) != 1 || cart.Parts[0].Quantity != 3 || cart.Parts[0].LastUser != alice {
		t.Fatalf("parts = %+v", cart.Parts)
	}
	wf, err := reopened.GetWorkflowByMessage(ctx, "m-1")
	if err != nil || wf == nil || wf.Cart != "lab1" {
		t.Fatalf("workflow = %+v, %v", wf, err)
	}
}
