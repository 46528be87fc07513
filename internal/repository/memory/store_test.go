package memory

import (
	"context"
	"testing"

	"github.com/pesio-ai/be-group-carts/internal/repository"
	"github.com/pesio-ai/be-group-carts/internal/repository/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.Store {
		return New()
	})
}

func TestListCartReturnsSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	if ok, _ := s.CreateCart(ctx, "lab1"); !ok {
		t.Fatal("create failed")
	}
	if ok, _ := s.AddPart(ctx, "lab1", "resistor", 2, repository.User{ID: "U1"}); !ok {
		t.Fatal("add failed")
	}

	c, _ := s.ListCart(ctx, "lab1")
	c.Parts[0].Quantity = 99

	again, _ := s.ListCart(ctx, "lab1")
	if again.Parts[0].Quantity != 2 {
		t.Fatalf("quantity = %d, caller mutation leaked into store", again.Parts[0].Quantity)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().CreateCart(ctx, "lab1"); err == nil {
		t.Fatal("expected context error")
	}
}
