// Package storetest holds the behaviour every repository.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pesio-ai/be-group-carts/internal/repository"
)

// Factory returns a fresh, empty store. The factory owns cleanup.
type Factory func(t *testing.T) repository.Store

var (
	alice = repository.User{ID: "U-alice", Name: "alice"}
	bob   = repository.User{ID: "U-bob", Name: "bob"}
	carol = repository.User{ID: "U-carol", Name: "carol"}
)

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateCartIsUnique", func(t *testing.T) { testCreateCartIsUnique(t, newStore(t)) })
	t.Run("ListCartDistinguishesMissingFromEmpty", func(t *testing.T) { testListMissingVsEmpty(t, newStore(t)) })
	t.Run("AddPartAccumulates", func(t *testing.T) { testAddPartAccumulates(t, newStore(t)) })
	t.Run("AddPartRejectsMissingCartAndNegativeQty", func(t *testing.T) { testAddPartRejects(t, newStore(t)) })
	t.Run("AddPartRejectsQuantityOverflow", func(t *testing.T) { testAddPartOverflow(t, newStore(t)) })
	t.Run("RemovePart", func(t *testing.T) { testRemovePart(t, newStore(t)) })
	t.Run("ClearCartKeepsIdentity", func(t *testing.T) { testClearCart(t, newStore(t)) })
	t.Run("DeleteCartCascades", func(t *testing.T) { testDeleteCart(t, newStore(t)) })
	t.Run("ApproverSetSemantics", func(t *testing.T) { testApproverSet(t, newStore(t)) })
	t.Run("WorkflowLifecycle", func(t *testing.T) { testWorkflowLifecycle(t, newStore(t)) })
	t.Run("ApprovalsAreUniquePerUser", func(t *testing.T) { testApprovalUniqueness(t, newStore(t)) })
	t.Run("FinalizeIsAtomic", func(t *testing.T) { testFinalize(t, newStore(t)) })
	t.Run("FinalizeWithMissingCartKeepsWorkflow", func(t *testing.T) { testFinalizeCartMissing(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("ConcurrentAddPartLosesNothing", func(t *testing.T) { testConcurrentAddPart(t, newStore(t)) })
	t.Run("ConcurrentCreateCartSingleWinner", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("ConcurrentApprovalsCountDistinctly", func(t *testing.T) { testConcurrentApprovals(t, newStore(t)) })
}

func mustTrue(t *testing.T, what string, ok bool, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
	if !ok {
		t.Fatalf("%s = false, want true", what)
	}
}

func mustFalse(t *testing.T, what string, ok bool, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
	if ok {
		t.Fatalf("%s = true, want false", what)
	}
}

func mustCount(t *testing.T, what string, got int, err error, want int) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
	if got != want {
		t.Fatalf("%s = %d, want %d", what, got, want)
	}
}

func quantities(t *testing.T, s repository.Store, cart string) map[string]int {
	t.Helper()
	c, err := s.ListCart(context.Background(), cart)
	if err != nil {
		t.Fatalf("list cart %s: %v", cart, err)
	}
	if c == nil {
		t.Fatalf("cart %s does not exist", cart)
	}
	out := make(map[string]int, len(c.Parts))
	for _, p := range c.Parts {
		out[p.Name] = p.Quantity
	}
	return out
}

func testCreateCartIsUnique(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.CreateCart(ctx, "lab1")
	mustTrue(t, "first create", ok, err)
	ok, err = s.CreateCart(ctx, "lab1")
	mustFalse(t, "duplicate create", ok, err)
	ok, err = s.CreateCart(ctx, "Lab1")
	mustTrue(t, "create differently-cased name", ok, err)
}

func testListMissingVsEmpty(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ghost, err := s.ListCart(ctx, "ghost")
	if err != nil {
		t.Fatalf("list ghost: %v", err)
	}
	if ghost != nil {
		t.Fatalf("ghost cart = %+v, want nil", ghost)
	}

	ok, err := s.CreateCart(ctx, "created-empty")
	mustTrue(t, "create", ok, err)
	empty, err := s.ListCart(ctx, "created-empty")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if empty == nil {
		t.Fatal("created cart listed as missing")
	}
	if empty.Parts == nil || len(empty.Parts) != 0 {
		t.Fatalf("parts = %#v, want empty non-nil slice", empty.Parts)
	}
}

func testAddPartAccumulates(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.CreateCart(ctx, "lab1")
	mustTrue(t, "create", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "resistor", 5, alice)
	mustTrue(t, "add 5", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "resistor", 3, bob)
	mustTrue(t, "add 3", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "Resistor", 1, alice)
	mustTrue(t, "add differently-cased part", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "capacitor", 0, alice)
	mustTrue(t, "add zero", ok, err)

	c, err := s.ListCart(ctx, "lab1")
	if err != nil || c == nil {
		t.Fatalf("list: %v %v", c, err)
	}
	want := []struct {
		name string
		qty  int
		user string
	}{
		{"Resistor", 1, alice.ID},
		{"capacitor", 0, alice.ID},
		{"resistor", 8, bob.ID},
	}
	if len(c.Parts) != len(want) {
		t.Fatalf("parts = %+v", c.Parts)
	}
	for i, w := range want {
		p := c.Parts[i]
		if p.Name != w.name || p.Quantity != w.qty || p.LastUser.ID != w.user {
			t.Fatalf("part[%d] = %+v, want %s x%d by %s", i, p, w.name, w.qty, w.user)
		}
	}
}

func testAddPartRejects(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.AddPart(ctx, "ghost", "resistor", 1, alice)
	mustFalse(t, "add to missing cart", ok, err)

	ok, err = s.CreateCart(ctx, "lab1")
	mustTrue(t, "create", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "resistor", -1, alice)
	mustFalse(t, "add negative", ok, err)
	if got := quantities(t, s, "lab1"); len(got) != 0 {
		t.Fatalf("parts = %v, want none", got)
	}
}

func testAddPartOverflow(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.CreateCart(ctx, "lab1")
	mustTrue(t, "create", ok, err)

	ok, err = s.AddPart(ctx, "lab1", "resistor", repository.MaxPartQuantity, alice)
	mustTrue(t, "add max", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "resistor", 1, bob)
	mustFalse(t, "add one past max", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "resistor", repository.MaxPartQuantity, bob)
	mustFalse(t, "add max twice", ok, err)

	c, err := s.ListCart(ctx, "lab1")
	if err != nil || c == nil || len(c.Parts) != 1 {
		t.Fatalf("cart = %+v, %v", c, err)
	}
	if p := c.Parts[0]; p.Quantity != repository.MaxPartQuantity || p.LastUser.ID != alice.ID {
		t.Fatalf("part = %+v, want untouched max quantity by alice", p)
	}

	ok, err = s.AddPart(ctx, "lab1", "led", 0, alice)
	mustTrue(t, "add zero", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "led", repository.MaxPartQuantity+1, alice)
	mustFalse(t, "add above max to a fresh line", ok, err)
	if got := quantities(t, s, "lab1")["led"]; got != 0 {
		t.Fatalf("led = %d, want 0", got)
	}
}

func testRemovePart(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.RemovePart(ctx, "ghost", "resistor", alice)
	mustFalse(t, "remove from missing cart", ok, err)

	ok, err = s.CreateCart(ctx, "lab1")
	mustTrue(t, "create", ok, err)
	ok, err = s.RemovePart(ctx, "lab1", "resistor", alice)
	mustFalse(t, "remove absent part", ok, err)

	ok, err = s.AddPart(ctx, "lab1", "resistor", 4, alice)
	mustTrue(t, "add", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "led", 2, alice)
	mustTrue(t, "add", ok, err)
	ok, err = s.RemovePart(ctx, "lab1", "resistor", bob)
	mustTrue(t, "remove", ok, err)

	got := quantities(t, s, "lab1")
	if _, present := got["resistor"]; present || got["led"] != 2 {
		t.Fatalf("parts = %v", got)
	}
}

func testClearCart(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.ClearCart(ctx, "ghost", alice)
	mustFalse(t, "clear missing", ok, err)

	ok, err = s.CreateCart(ctx, "lab1")
	mustTrue(t, "create", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "resistor", 4, alice)
	mustTrue(t, "add", ok, err)
	ok, err = s.ClearCart(ctx, "lab1", alice)
	mustTrue(t, "clear", ok, err)
	if got := quantities(t, s, "lab1"); len(got) != 0 {
		t.Fatalf("parts after clear = %v", got)
	}
	ok, err = s.CreateCart(ctx, "lab1")
	mustFalse(t, "cleared cart still exists", ok, err)
}

func testDeleteCart(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.DeleteCart(ctx, "ghost")
	mustFalse(t, "delete missing", ok, err)

	ok, err = s.CreateCart(ctx, "lab1")
	mustTrue(t, "create", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "resistor", 4, alice)
	mustTrue(t, "add", ok, err)
	ok, err = s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: alice})
	mustTrue(t, "open workflow", ok, err)

	ok, err = s.DeleteCart(ctx, "lab1")
	mustTrue(t, "delete", ok, err)
	c, err := s.ListCart(ctx, "lab1")
	if err != nil || c != nil {
		t.Fatalf("list after delete = %+v, %v", c, err)
	}
	wf, err := s.GetWorkflow(ctx, "lab1")
	if err != nil || wf != nil {
		t.Fatalf("workflow after delete = %+v, %v", wf, err)
	}

	ok, err = s.CreateCart(ctx, "lab1")
	mustTrue(t, "recreate", ok, err)
	if got := quantities(t, s, "lab1"); len(got) != 0 {
		t.Fatalf("recreated cart parts = %v", got)
	}
}

func testApproverSet(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.AddApprover(ctx, bob)
	mustTrue(t, "add bob", ok, err)
	ok, err = s.AddApprover(ctx, repository.User{ID: bob.ID, Name: "robert"})
	mustFalse(t, "add bob again", ok, err)
	ok, err = s.AddApprover(ctx, carol)
	mustTrue(t, "add carol", ok, err)

	ok, err = s.IsApprover(ctx, bob.ID)
	mustTrue(t, "bob is approver", ok, err)
	ok, err = s.IsApprover(ctx, alice.ID)
	mustFalse(t, "alice is approver", ok, err)

	users, err := s.ListApprovers(ctx)
	if err != nil {
		t.Fatalf("list approvers: %v", err)
	}
	if len(users) != 2 || users[0].ID != bob.ID || users[0].Name != "bob" || users[1].ID != carol.ID {
		t.Fatalf("approvers = %+v", users)
	}

	ok, err = s.RemoveApprover(ctx, alice)
	mustFalse(t, "remove non-member", ok, err)
	ok, err = s.RemoveApprover(ctx, bob)
	mustTrue(t, "remove bob", ok, err)
	ok, err = s.IsApprover(ctx, bob.ID)
	mustFalse(t, "bob after removal", ok, err)
}

func testWorkflowLifecycle(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.CreateCart(ctx, "lab1")
	mustTrue(t, "create cart", ok, err)

	wf, err := s.GetWorkflow(ctx, "lab1")
	if err != nil || wf != nil {
		t.Fatalf("initial workflow = %+v, %v", wf, err)
	}
	ok, err = s.BindMessage(ctx, "lab1", "m-1")
	mustFalse(t, "bind without workflow", ok, err)

	opened := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	ok, err = s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: alice, OpenedAt: opened})
	mustTrue(t, "open", ok, err)
	ok, err = s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: bob})
	mustFalse(t, "open twice", ok, err)

	ok, err = s.BindMessage(ctx, "lab1", "m-1")
	mustTrue(t, "bind", ok, err)
	wf, err = s.GetWorkflowByMessage(ctx, "m-1")
	if err != nil || wf == nil {
		t.Fatalf("by message = %+v, %v", wf, err)
	}
	if wf.Cart != "lab1" || wf.ID == "" || wf.RequestedBy.ID != alice.ID || !wf.OpenedAt.Equal(opened) {
		t.Fatalf("workflow = %+v", wf)
	}
	other, err := s.GetWorkflowByMessage(ctx, "m-unknown")
	if err != nil || other != nil {
		t.Fatalf("unknown message = %+v, %v", other, err)
	}

	ok, err = s.DeleteWorkflow(ctx, "lab1")
	mustTrue(t, "delete workflow", ok, err)
	ok, err = s.DeleteWorkflow(ctx, "lab1")
	mustFalse(t, "delete workflow twice", ok, err)
	ok, err = s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: bob})
	mustTrue(t, "reopen", ok, err)
}

func testApprovalUniqueness(t *testing.T, s repository.Store) {
	ctx := context.Background()
	t1 := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	n, err := s.AppendApproval(ctx, "lab1", repository.Approval{Approver: bob, EventTimestamp: t1})
	mustCount(t, "approve without workflow", n, err, 0)

	ok, err := s.CreateCart(ctx, "lab1")
	mustTrue(t, "create cart", ok, err)
	ok, err = s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: alice})
	mustTrue(t, "open", ok, err)

	n, err = s.AppendApproval(ctx, "lab1", repository.Approval{Approver: carol, EventTimestamp: t1.Add(time.Minute)})
	mustCount(t, "carol approves", n, err, 1)
	n, err = s.AppendApproval(ctx, "lab1", repository.Approval{Approver: bob, EventTimestamp: t1})
	mustCount(t, "bob approves", n, err, 2)
	n, err = s.AppendApproval(ctx, "lab1", repository.Approval{Approver: bob, EventTimestamp: t1.Add(time.Hour)})
	mustCount(t, "bob approves twice", n, err, 0)

	wf, err := s.GetWorkflow(ctx, "lab1")
	if err != nil || wf == nil {
		t.Fatalf("workflow = %+v, %v", wf, err)
	}
	if len(wf.Approvals) != 2 || wf.Approvals[0].Approver.ID != bob.ID || wf.Approvals[1].Approver.ID != carol.ID {
		t.Fatalf("approvals = %+v, want bob then carol", wf.Approvals)
	}
	if !wf.Approvals[0].EventTimestamp.Equal(t1) {
		t.Fatalf("bob timestamp = %v, want %v", wf.Approvals[0].EventTimestamp, t1)
	}

	ok, err = s.DeleteApproval(ctx, "lab1", alice.ID)
	mustFalse(t, "retract absent approval", ok, err)
	ok, err = s.DeleteApproval(ctx, "lab1", bob.ID)
	mustTrue(t, "retract bob", ok, err)
	n, err = s.AppendApproval(ctx, "lab1", repository.Approval{Approver: bob, EventTimestamp: t1.Add(2 * time.Hour)})
	mustCount(t, "bob approves again after retraction", n, err, 2)
}

func testFinalize(t *testing.T, s repository.Store) {
	ctx := context.Background()
	out, parts, err := s.FinalizeWorkflow(ctx, "lab1", bob)
	if err != nil || out != repository.FinalizeNoWorkflow || len(parts) != 0 {
		t.Fatalf("finalize without workflow = %v, %v, %v", out, parts, err)
	}

	ok, err := s.CreateCart(ctx, "lab1")
	mustTrue(t, "create cart", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "resistor", 8, alice)
	mustTrue(t, "add", ok, err)
	ok, err = s.AddPart(ctx, "lab1", "led", 2, bob)
	mustTrue(t, "add", ok, err)
	ok, err = s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: alice})
	mustTrue(t, "open", ok, err)
	n, err := s.AppendApproval(ctx, "lab1", repository.Approval{Approver: bob, EventTimestamp: time.Now()})
	mustCount(t, "approve", n, err, 1)

	out, parts, err = s.FinalizeWorkflow(ctx, "lab1", bob)
	if err != nil || out != repository.Finalized {
		t.Fatalf("finalize = %v, %v", out, err)
	}
	if len(parts) != 2 || parts[0].Name != "led" || parts[0].Quantity != 2 || parts[0].LastUser.ID != bob.ID ||
		parts[1].Name != "resistor" || parts[1].Quantity != 8 {
		t.Fatalf("purchased parts = %+v, want led x2 then resistor x8", parts)
	}
	if got := quantities(t, s, "lab1"); len(got) != 0 {
		t.Fatalf("parts after finalize = %v", got)
	}
	wf, err := s.GetWorkflow(ctx, "lab1")
	if err != nil || wf != nil {
		t.Fatalf("workflow after finalize = %+v, %v", wf, err)
	}

	out, parts, err = s.FinalizeWorkflow(ctx, "lab1", bob)
	if err != nil || out != repository.FinalizeNoWorkflow || len(parts) != 0 {
		t.Fatalf("second finalize = %v, %v, %v", out, parts, err)
	}

	// A fresh workflow starts with no approvals carried over.
	ok, err = s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: alice})
	mustTrue(t, "reopen", ok, err)
	wf, err = s.GetWorkflow(ctx, "lab1")
	if err != nil || wf == nil || len(wf.Approvals) != 0 {
		t.Fatalf("reopened workflow = %+v, %v", wf, err)
	}
}

func testFinalizeCartMissing(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "orphan", RequestedBy: alice})
	mustTrue(t, "open workflow for a cart that does not exist", ok, err)

	out, _, err := s.FinalizeWorkflow(ctx, "orphan", bob)
	if err != nil || out != repository.FinalizeCartMissing {
		t.Fatalf("finalize = %v, %v", out, err)
	}
	wf, err := s.GetWorkflow(ctx, "orphan")
	if err != nil || wf == nil {
		t.Fatalf("workflow should remain open, got %+v, %v", wf, err)
	}
}

func testAudit(t *testing.T, s repository.Store) {
	ctx := context.Background()
	wfID := "wf-1"
	first := &repository.ApprovalAuditEntry{
		Cart:        "lab1",
		WorkflowID:  &wfID,
		Action:      repository.AuditRequested,
		PerformedBy: alice.ID,
		PerformedAt: time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
		Metadata:    map[string]any{"threshold": 2},
	}
	second := &repository.ApprovalAuditEntry{
		Cart:        "lab1",
		WorkflowID:  &wfID,
		Action:      repository.AuditApproved,
		PerformedBy: bob.ID,
		PerformedAt: time.Date(2026, time.March, 1, 10, 5, 0, 0, time.UTC),
	}
	other := &repository.ApprovalAuditEntry{Cart: "lab2", Action: repository.AuditCleared, PerformedBy: alice.ID}
	for _, e := range []*repository.ApprovalAuditEntry{first, second, other} {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("append audit: %v", err)
		}
		if e.ID == "" {
			t.Fatal("audit entry id not assigned")
		}
	}

	entries, err := s.ListAudit(ctx, "lab1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Action != repository.AuditRequested || entries[1].Action != repository.AuditApproved {
		t.Fatalf("actions = %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].WorkflowID == nil || *entries[0].WorkflowID != wfID {
		t.Fatalf("workflow id = %v", entries[0].WorkflowID)
	}
	if fmt.Sprint(entries[0].Metadata["threshold"]) != "2" {
		t.Fatalf("metadata = %v", entries[0].Metadata)
	}
}

func testConcurrentAddPart(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.CreateCart(ctx, "lab1")
	mustTrue(t, "create", ok, err)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AddPart(ctx, "lab1", "resistor", 1, alice)
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- fmt.Errorf("add part reported failure")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent add: %v", err)
	}
	if got := quantities(t, s, "lab1")["resistor"]; got != workers {
		t.Fatalf("resistor = %d, want %d", got, workers)
	}
}

func testConcurrentCreate(t *testing.T, s repository.Store) {
	ctx := context.Background()
	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		failed  error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CreateCart(ctx, "race")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = err
			}
			if ok {
				winners++
			}
		}()
	}
	wg.Wait()
	if failed != nil {
		t.Fatalf("concurrent create: %v", failed)
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func testConcurrentApprovals(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ok, err := s.CreateCart(ctx, "lab1")
	mustTrue(t, "create", ok, err)
	ok, err = s.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "lab1", RequestedBy: alice})
	mustTrue(t, "open", ok, err)

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		seen   = make(map[int]bool)
		failed error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			approver := repository.User{ID: fmt.Sprintf("U-%d", i), Name: fmt.Sprintf("approver%d", i)}
			n, err := s.AppendApproval(ctx, "lab1", repository.Approval{Approver: approver, EventTimestamp: time.Now()})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = err
			}
			seen[n] = true
		}(i)
	}
	wg.Wait()
	if failed != nil {
		t.Fatalf("concurrent approve: %v", failed)
	}
	// Appends serialize, so each count from 1 to workers is reported once.
	for want := 1; want <= workers; want++ {
		if !seen[want] {
			t.Fatalf("counts = %v, missing %d", seen, want)
		}
	}
}
