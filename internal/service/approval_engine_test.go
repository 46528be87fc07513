package service

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/platform/logger"
	"github.com/pesio-ai/be-group-carts/internal/platform/metrics"
	"github.com/pesio-ai/be-group-carts/internal/repository"
	"github.com/pesio-ai/be-group-carts/internal/repository/memory"
)

var (
	alice = repository.User{ID: "U-alice", Name: "alice"}
	bob   = repository.User{ID: "U-bob", Name: "bob"}
	carol = repository.User{ID: "U-carol", Name: "carol"}
	dave  = repository.User{ID: "U-dave", Name: "dave"}
)

type recordedEvent struct {
	eventType string
	cart      string
	actorID   string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) PublishCartEvent(_ context.Context, eventType, cart, actorID string, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{eventType: eventType, cart: cart, actorID: actorID})
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) AlertOperator(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
	return nil
}

type engineFixture struct {
	store   *memory.Store
	engine  *ApprovalEngine
	events  *recordingPublisher
	alerts  *recordingAlerter
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, threshold int, approverSet ...repository.User) *engineFixture {
	t.Helper()
	store := memory.New()
	return newFixtureWithStore(t, store, store, threshold, approverSet...)
}

func newFixtureWithStore(t *testing.T, mem *memory.Store, store EngineStore, threshold int, approverSet ...repository.User) *engineFixture {
	t.Helper()
	ctx := context.Background()
	for _, u := range approverSet {
		if _, err := mem.AddApprover(ctx, u); err != nil {
			t.Fatalf("add approver %s: %v", u.ID, err)
		}
	}
	f := &engineFixture{
		store:   mem,
		events:  &recordingPublisher{},
		alerts:  &recordingAlerter{},
		metrics: metrics.New(),
	}
	f.engine = NewApprovalEngine(store, NewCartLocks(), threshold, f.events, f.alerts, f.metrics, logger.Nop())
	return f
}

func (f *engineFixture) cartWith(t *testing.T, cart string, parts map[string]int) {
	t.Helper()
	ctx := context.Background()
	if ok, err := f.store.CreateCart(ctx, cart); err != nil || !ok {
		t.Fatalf("create cart %s = %v, %v", cart, ok, err)
	}
	for name, qty := range parts {
		if ok, err := f.store.AddPart(ctx, cart, name, qty, alice); err != nil || !ok {
			t.Fatalf("add part %s = %v, %v", name, ok, err)
		}
	}
}

func (f *engineFixture) begin(t *testing.T, cart string) *repository.ApprovalWorkflow {
	t.Helper()
	res, wf, err := f.engine.BeginApproval(context.Background(), cart, alice)
	if err != nil {
		t.Fatalf("begin approval: %v", err)
	}
	if res != BeginStarted || wf == nil {
		t.Fatalf("begin = %v, %v, want started", res, wf)
	}
	return wf
}

func (f *engineFixture) state(t *testing.T, cart string) *WorkflowStatus {
	t.Helper()
	st, err := f.engine.WorkflowStatus(context.Background(), cart)
	if err != nil {
		t.Fatalf("workflow status: %v", err)
	}
	return st
}

func (f *engineFixture) quantities(t *testing.T, cart string) map[string]int {
	t.Helper()
	c, err := f.store.ListCart(context.Background(), cart)
	if err != nil || c == nil {
		t.Fatalf("list cart %s = %+v, %v", cart, c, err)
	}
	out := make(map[string]int, len(c.Parts))
	for _, p := range c.Parts {
		out[p.Name] = p.Quantity
	}
	return out
}

// ── Begin ─────────────────────────────────────────────────────────────────────

func TestBeginApproval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 1, bob)

	res, wf, err := f.engine.BeginApproval(ctx, "ghost", alice)
	if err != nil || res != BeginCartMissing || wf != nil {
		t.Fatalf("begin on missing cart = %v, %v, %v", res, wf, err)
	}

	f.cartWith(t, "lab1", nil)
	wf = f.begin(t, "lab1")
	if wf.ID == "" || wf.Cart != "lab1" || wf.RequestedBy != alice {
		t.Fatalf("workflow = %+v", wf)
	}

	res, _, err = f.engine.BeginApproval(ctx, "lab1", bob)
	if err != nil || res != BeginAlreadyOpen {
		t.Fatalf("second begin = %v, %v, want already_open", res, err)
	}

	st := f.state(t, "lab1")
	if st.State != StatePending || len(st.Workflow.Approvals) != 0 || st.Threshold != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestBindRequestMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 1, bob)
	f.cartWith(t, "lab1", nil)

	if ok, err := f.engine.BindRequestMessage(ctx, "lab1", "m-1"); err != nil || ok {
		t.Fatalf("bind without workflow = %v, %v, want false", ok, err)
	}
	if _, err := f.engine.BindRequestMessage(ctx, "lab1", " "); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("bind blank message err = %v, want invalid input", err)
	}

	f.begin(t, "lab1")
	if ok, err := f.engine.BindRequestMessage(ctx, "lab1", "m-1"); err != nil || !ok {
		t.Fatalf("bind = %v, %v", ok, err)
	}
	cart, ok, err := f.engine.CartForMessage(ctx, "m-1")
	if err != nil || !ok || cart != "lab1" {
		t.Fatalf("cart for message = %q, %v, %v", cart, ok, err)
	}
	if _, ok, _ := f.engine.CartForMessage(ctx, "m-2"); ok {
		t.Fatal("unknown message resolved to a cart")
	}
}

// ── Approve ───────────────────────────────────────────────────────────────────

func TestRecordApprovalIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 3, bob, carol)
	f.cartWith(t, "lab1", map[string]int{"resistor": 4})
	f.begin(t, "lab1")

	t1 := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	out, err := f.engine.RecordApproval(ctx, "lab1", bob, t1)
	if err != nil || out.Result != ApprovalAccepted || out.Approvals != 1 {
		t.Fatalf("first approval = %+v, %v", out, err)
	}
	out, err = f.engine.RecordApproval(ctx, "lab1", bob, t1.Add(time.Second))
	if err != nil || out.Result != ApprovalDuplicate {
		t.Fatalf("second approval = %+v, %v, want duplicate", out, err)
	}
	if got := len(f.state(t, "lab1").Workflow.Approvals); got != 1 {
		t.Fatalf("approvals = %d, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.ApprovalResults.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("duplicate metric = %v, want 1", got)
	}
}

func TestRecordApprovalRejectsNonApprover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 1, bob)
	f.cartWith(t, "lab1", map[string]int{"resistor": 4})

	out, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if err != nil || out.Result != ApprovalNotOpen {
		t.Fatalf("approval without workflow = %+v, %v, want not_open", out, err)
	}

	f.begin(t, "lab1")
	out, err = f.engine.RecordApproval(ctx, "lab1", carol, time.Now())
	if err != nil || out.Result != ApprovalNotApprover {
		t.Fatalf("non-approver = %+v, %v, want not_approver", out, err)
	}
	if got := len(f.state(t, "lab1").Workflow.Approvals); got != 0 {
		t.Fatalf("approvals = %d, want 0", got)
	}
	if got := f.quantities(t, "lab1")["resistor"]; got != 4 {
		t.Fatalf("resistor = %d, want 4", got)
	}
}

func TestApproverSetChangesApplyImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 2, bob)
	f.cartWith(t, "lab1", map[string]int{"resistor": 1})
	f.begin(t, "lab1")

	if _, err := f.store.AddApprover(ctx, carol); err != nil {
		t.Fatalf("add approver: %v", err)
	}
	out, err := f.engine.RecordApproval(ctx, "lab1", carol, time.Now())
	if err != nil || out.Result != ApprovalAccepted {
		t.Fatalf("approver added mid-workflow = %+v, %v", out, err)
	}

	if _, err := f.store.RemoveApprover(ctx, bob); err != nil {
		t.Fatalf("remove approver: %v", err)
	}
	out, err = f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if err != nil || out.Result != ApprovalNotApprover {
		t.Fatalf("approver removed mid-workflow = %+v, %v", out, err)
	}
}

func TestThresholdExactness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 2, bob, carol)
	f.cartWith(t, "lab1", map[string]int{"resistor": 8, "led": 2})
	f.begin(t, "lab1")

	out, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if err != nil || out.Result != ApprovalAccepted || out.Finalized {
		t.Fatalf("first approval = %+v, %v", out, err)
	}
	if got := f.quantities(t, "lab1"); got["resistor"] != 8 || got["led"] != 2 {
		t.Fatalf("cart after one approval = %v", got)
	}
	if st := f.state(t, "lab1"); st.State != StatePending {
		t.Fatalf("state after one approval = %s, want PENDING", st.State)
	}

	out, err = f.engine.RecordApproval(ctx, "lab1", carol, time.Now())
	if err != nil || out.Result != ApprovalAccepted || !out.Finalized {
		t.Fatalf("second approval = %+v, %v", out, err)
	}
	if len(out.Purchased) != 2 || len(out.Approvers) != 2 {
		t.Fatalf("purchased = %+v, approvers = %+v", out.Purchased, out.Approvers)
	}

	c, err := f.store.ListCart(ctx, "lab1")
	if err != nil || c == nil || len(c.Parts) != 0 {
		t.Fatalf("cart after finalize = %+v, %v, want empty", c, err)
	}
	if st := f.state(t, "lab1"); st.State != StateNone {
		t.Fatalf("state after finalize = %s, want NONE", st.State)
	}
	if got := testutil.ToFloat64(f.metrics.Finalizations); got != 1 {
		t.Fatalf("finalizations = %v, want 1", got)
	}
}

func TestScenarioSingleApproverFinalizes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	f := newFixtureWithStore(t, store, store, 1, bob)
	carts := NewCartService(store, NewCartLocks(), logger.Nop())

	if ok, err := carts.CreateCart(ctx, "lab1", alice); err != nil || !ok {
		t.Fatalf("create = %v, %v", ok, err)
	}
	if ok, err := carts.AddPart(ctx, "lab1", "resistor", 5, alice); err != nil || !ok {
		t.Fatalf("add 5 = %v, %v", ok, err)
	}
	if ok, err := carts.AddPart(ctx, "lab1", "resistor", 3, alice); err != nil || !ok {
		t.Fatalf("add 3 = %v, %v", ok, err)
	}
	if got := f.quantities(t, "lab1")["resistor"]; got != 8 {
		t.Fatalf("resistor = %d, want 8", got)
	}

	f.begin(t, "lab1")
	out, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if err != nil || out.Result != ApprovalAccepted || !out.Finalized {
		t.Fatalf("approval = %+v, %v", out, err)
	}

	c, err := carts.ListCart(ctx, "lab1")
	if err != nil || c == nil || len(c.Parts) != 0 {
		t.Fatalf("cart = %+v, %v, want existing and empty", c, err)
	}
	if st := f.state(t, "lab1"); st.State != StateNone {
		t.Fatalf("state = %s, want NONE", st.State)
	}

	want := []string{EventApprovalRequested, EventApprovalRecorded, EventCartFinalized}
	if got := f.events.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}

	entries, err := store.ListAudit(ctx, "lab1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	wantActions := []string{repository.AuditRequested, repository.AuditApproved, repository.AuditFinalized}
	if strings.Join(actions, ",") != strings.Join(wantActions, ",") {
		t.Fatalf("audit actions = %v, want %v", actions, wantActions)
	}
}

func TestConcurrentFinalApprovalsFinalizeOnce(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		ctx := context.Background()
		store := memory.New()
		counting := &countingStore{EngineStore: store, Finalizer: store}
		f := newFixtureWithStore(t, store, counting, 2, bob, carol, dave)
		f.cartWith(t, "lab1", map[string]int{"resistor": 3})
		f.begin(t, "lab1")

		if out, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now()); err != nil || out.Result != ApprovalAccepted {
			t.Fatalf("first approval = %+v, %v", out, err)
		}

		start := make(chan struct{})
		results := make([]ApprovalOutcome, 2)
		var g errgroup.Group
		for idx, u := range []repository.User{carol, dave} {
			idx, u := idx, u
			g.Go(func() error {
				<-start
				out, err := f.engine.RecordApproval(ctx, "lab1", u, time.Now())
				results[idx] = out
				return err
			})
		}
		close(start)
		if err := g.Wait(); err != nil {
			t.Fatalf("concurrent approvals: %v", err)
		}

		finalized := 0
		for _, r := range results {
			if r.Finalized {
				finalized++
			}
		}
		if finalized != 1 {
			t.Fatalf("finalized = %d, want exactly 1 (results %+v)", finalized, results)
		}
		if got := counting.finalizeCalls(); got != 1 {
			t.Fatalf("store finalize calls = %d, want 1", got)
		}
		if got := testutil.ToFloat64(f.metrics.Finalizations); got != 1 {
			t.Fatalf("finalizations = %v, want 1", got)
		}
	}
}

func TestApprovalsFromTwoProcessesFinalizeOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	shared := &barrierStore{Store: store}
	// Separate CartLocks stand in for two service replicas on one database.
	a := newFixtureWithStore(t, store, shared, 2, bob, carol)
	b := NewApprovalEngine(shared, NewCartLocks(), 2, &recordingPublisher{}, &recordingAlerter{}, metrics.New(), logger.Nop())
	a.cartWith(t, "lab1", map[string]int{"resistor": 3})
	a.begin(t, "lab1")
	shared.arm(2)

	results := make([]ApprovalOutcome, 2)
	var g errgroup.Group
	for idx, run := range []func() (ApprovalOutcome, error){
		func() (ApprovalOutcome, error) { return a.engine.RecordApproval(ctx, "lab1", bob, time.Now()) },
		func() (ApprovalOutcome, error) { return b.RecordApproval(ctx, "lab1", carol, time.Now()) },
	} {
		idx, run := idx, run
		g.Go(func() error {
			out, err := run()
			results[idx] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("approvals: %v", err)
	}

	finalized := 0
	counts := map[int]bool{}
	for _, r := range results {
		if r.Result != ApprovalAccepted {
			t.Fatalf("results = %+v, want both accepted", results)
		}
		counts[r.Approvals] = true
		if r.Finalized {
			finalized++
		}
	}
	if finalized != 1 || !counts[1] || !counts[2] {
		t.Fatalf("results = %+v, want counts 1 and 2 with one finalize", results)
	}
	if got := a.quantities(t, "lab1"); len(got) != 0 {
		t.Fatalf("cart = %v, want empty", got)
	}
	if wf, err := store.GetWorkflow(ctx, "lab1"); err != nil || wf != nil {
		t.Fatalf("workflow = %+v, %v, want none", wf, err)
	}
}

func TestFinalizeReportsPartsClearedByStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	late := &lateAddStore{Store: store, part: "capacitor", qty: 5}
	f := newFixtureWithStore(t, store, late, 1, bob)
	f.cartWith(t, "lab1", map[string]int{"resistor": 3})
	f.begin(t, "lab1")

	out, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if err != nil || !out.Finalized {
		t.Fatalf("approval = %+v, %v", out, err)
	}
	if len(out.Purchased) != 2 || out.Purchased[0].Name != "capacitor" || out.Purchased[0].Quantity != 5 ||
		out.Purchased[1].Name != "resistor" {
		t.Fatalf("purchased = %+v, want capacitor x5 and resistor", out.Purchased)
	}
	if got := f.quantities(t, "lab1"); len(got) != 0 {
		t.Fatalf("cart = %v, want empty", got)
	}
}

// ── Retract / Cancel ──────────────────────────────────────────────────────────

func TestRetractApproval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 3, bob, carol)
	f.cartWith(t, "lab1", map[string]int{"resistor": 1})

	out, err := f.engine.RetractApproval(ctx, "lab1", bob)
	if err != nil || out.Result != RetractNotOpen {
		t.Fatalf("retract without workflow = %+v, %v", out, err)
	}

	f.begin(t, "lab1")
	out, err = f.engine.RetractApproval(ctx, "lab1", bob)
	if err != nil || out.Result != RetractNotFound {
		t.Fatalf("retract without approval = %+v, %v, want not_found", out, err)
	}

	for _, u := range []repository.User{bob, carol} {
		if res, err := f.engine.RecordApproval(ctx, "lab1", u, time.Now()); err != nil || res.Result != ApprovalAccepted {
			t.Fatalf("approve %s = %+v, %v", u.ID, res, err)
		}
	}
	out, err = f.engine.RetractApproval(ctx, "lab1", bob)
	if err != nil || out.Result != RetractRetracted || out.Approvals != 1 {
		t.Fatalf("retract = %+v, %v", out, err)
	}
	st := f.state(t, "lab1")
	if st.State != StatePending || len(st.Workflow.Approvals) != 1 || st.Workflow.Approvals[0].Approver != carol {
		t.Fatalf("status after retract = %+v", st.Workflow)
	}

	// Retracting down to zero leaves the request open.
	if out, err = f.engine.RetractApproval(ctx, "lab1", carol); err != nil || out.Approvals != 0 {
		t.Fatalf("retract carol = %+v, %v", out, err)
	}
	if st := f.state(t, "lab1"); st.State != StatePending {
		t.Fatalf("state at zero approvals = %s, want PENDING", st.State)
	}

	res, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if err != nil || res.Result != ApprovalAccepted || res.Approvals != 1 {
		t.Fatalf("re-approve after retract = %+v, %v", res, err)
	}
}

func TestCancelApproval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 2, bob)
	f.cartWith(t, "lab1", map[string]int{"resistor": 2})

	if res, err := f.engine.CancelApproval(ctx, "lab1", alice); err != nil || res != CancelNotOpen {
		t.Fatalf("cancel without workflow = %v, %v", res, err)
	}

	f.begin(t, "lab1")
	if _, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res, err := f.engine.CancelApproval(ctx, "lab1", alice); err != nil || res != CancelCancelled {
		t.Fatalf("cancel = %v, %v", res, err)
	}
	if st := f.state(t, "lab1"); st.State != StateNone {
		t.Fatalf("state after cancel = %s", st.State)
	}
	if got := f.quantities(t, "lab1")["resistor"]; got != 2 {
		t.Fatalf("cancel touched the cart: resistor = %d", got)
	}

	// A new request starts from zero approvals.
	f.begin(t, "lab1")
	out, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if err != nil || out.Result != ApprovalAccepted || out.Approvals != 1 || out.Finalized {
		t.Fatalf("approval on new request = %+v, %v", out, err)
	}
}

// ── Finalize failures ─────────────────────────────────────────────────────────

func TestFinalizeWithMissingCartLeavesWorkflowPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 1, bob)
	if ok, err := f.store.CreateWorkflow(ctx, &repository.ApprovalWorkflow{Cart: "ghost", RequestedBy: alice}); err != nil || !ok {
		t.Fatalf("open orphan workflow = %v, %v", ok, err)
	}

	out, err := f.engine.RecordApproval(ctx, "ghost", bob, time.Now())
	if !errors.HasCode(err, errors.ErrCodeFinalizeFailed) {
		t.Fatalf("err = %v, want finalize failed", err)
	}
	if out.Result != ApprovalAccepted || out.Finalized {
		t.Fatalf("outcome = %+v", out)
	}
	if st := f.state(t, "ghost"); st.State != StatePending {
		t.Fatalf("state = %s, want PENDING", st.State)
	}
}

func TestTransactionalFinalizeFailureLeavesWorkflowPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	failing := &countingStore{EngineStore: store, Finalizer: failingFinalizer{}}
	f := newFixtureWithStore(t, store, failing, 1, bob)
	f.cartWith(t, "lab1", map[string]int{"resistor": 2})
	f.begin(t, "lab1")

	_, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if !errors.HasCode(err, errors.ErrCodeFinalizeFailed) {
		t.Fatalf("err = %v, want finalize failed", err)
	}
	if st := f.state(t, "lab1"); st.State != StatePending {
		t.Fatalf("state = %s, want PENDING", st.State)
	}
	if got := f.quantities(t, "lab1")["resistor"]; got != 2 {
		t.Fatalf("resistor = %d, want 2", got)
	}
}

func TestNonTransactionalFinalize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	f := newFixtureWithStore(t, store, nonTxStore{store}, 1, bob)
	f.cartWith(t, "lab1", map[string]int{"resistor": 2})
	f.begin(t, "lab1")

	out, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if err != nil || !out.Finalized {
		t.Fatalf("approval = %+v, %v", out, err)
	}
	if got := f.quantities(t, "lab1"); len(got) != 0 {
		t.Fatalf("cart = %v, want empty", got)
	}
	if st := f.state(t, "lab1"); st.State != StateNone {
		t.Fatalf("state = %s, want NONE", st.State)
	}
}

func TestDiscardFailureRestoresCart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	faulty := &faultyStore{EngineStore: store, discardErr: stderrors.New("discard unavailable")}
	f := newFixtureWithStore(t, store, faulty, 1, bob)
	f.cartWith(t, "lab1", map[string]int{"resistor": 8, "led": 0})
	f.begin(t, "lab1")

	out, err := f.engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if !errors.HasCode(err, errors.ErrCodeFinalizeFailed) {
		t.Fatalf("err = %v, want finalize failed", err)
	}
	if out.Finalized {
		t.Fatal("outcome reported finalized")
	}
	got := f.quantities(t, "lab1")
	if got["resistor"] != 8 || len(got) != 2 {
		t.Fatalf("restored cart = %v, want resistor:8 led:0", got)
	}
	if st := f.state(t, "lab1"); st.State != StatePending {
		t.Fatalf("state = %s, want PENDING", st.State)
	}
	if len(f.alerts.alerts) != 0 {
		t.Fatalf("operator alerted for a recovered failure: %v", f.alerts.alerts)
	}
}

func TestDiscardAndRestoreFailureIsInconsistency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	faulty := &faultyStore{
		EngineStore: store,
		discardErr:  stderrors.New("discard unavailable"),
		addErr:      stderrors.New("store offline"),
	}

	var logs bytes.Buffer
	log := logger.New(logger.Config{Level: "info", Environment: "test", ServiceName: "carts", Output: &logs})
	if _, err := store.AddApprover(ctx, bob); err != nil {
		t.Fatalf("add approver: %v", err)
	}
	alerts := &recordingAlerter{}
	events := &recordingPublisher{}
	m := metrics.New()
	engine := NewApprovalEngine(faulty, NewCartLocks(), 1, events, alerts, m, log)

	if ok, _ := store.CreateCart(ctx, "lab1"); !ok {
		t.Fatal("create cart failed")
	}
	if ok, _ := store.AddPart(ctx, "lab1", "resistor", 8, alice); !ok {
		t.Fatal("add part failed")
	}
	if res, _, err := engine.BeginApproval(ctx, "lab1", alice); err != nil || res != BeginStarted {
		t.Fatalf("begin = %v, %v", res, err)
	}

	_, err := engine.RecordApproval(ctx, "lab1", bob, time.Now())
	if !errors.HasCode(err, errors.ErrCodeInconsistent) {
		t.Fatalf("err = %v, want inconsistent state", err)
	}
	if len(alerts.alerts) != 1 || !strings.Contains(alerts.alerts[0], "lab1") {
		t.Fatalf("alerts = %v, want one mentioning lab1", alerts.alerts)
	}
	if got := testutil.ToFloat64(m.InconsistencyFaults); got != 1 {
		t.Fatalf("inconsistency faults = %v, want 1", got)
	}
	if !strings.Contains(logs.String(), `"level":"fatal"`) {
		t.Fatalf("logs do not contain a fatal entry:\n%s", logs.String())
	}
	if types := events.types(); types[len(types)-1] != EventInconsistency {
		t.Fatalf("last event = %v, want %s", types, EventInconsistency)
	}
}

// ── fakes ─────────────────────────────────────────────────────────────────────

// nonTxStore hides the memory store's Finalizer.
type nonTxStore struct {
	EngineStore
}

// countingStore exposes an explicit Finalizer and counts its calls.
type countingStore struct {
	EngineStore
	repository.Finalizer

	mu    sync.Mutex
	calls int
}

func (s *countingStore) FinalizeWorkflow(ctx context.Context, cart string, by repository.User) (repository.FinalizeOutcome, []repository.Part, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Finalizer.FinalizeWorkflow(ctx, cart, by)
}

func (s *countingStore) finalizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type failingFinalizer struct{}

func (failingFinalizer) FinalizeWorkflow(context.Context, string, repository.User) (repository.FinalizeOutcome, []repository.Part, error) {
	return repository.FinalizeNoWorkflow, nil, stderrors.New("connection reset")
}

// faultyStore has no Finalizer and fails DeleteWorkflow and, optionally, AddPart.
type faultyStore struct {
	EngineStore
	discardErr error
	addErr     error
}

func (s *faultyStore) DeleteWorkflow(context.Context, string) (bool, error) {
	return false, s.discardErr
}

func (s *faultyStore) AddPart(ctx context.Context, cart, part string, qty int, user repository.User) (bool, error) {
	if s.addErr != nil {
		return false, s.addErr
	}
	return s.EngineStore.AddPart(ctx, cart, part, qty, user)
}

// barrierStore holds the first n GetWorkflow callers until all of them have
// read, so each sees the workflow before anyone appends.
type barrierStore struct {
	*memory.Store

	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func (s *barrierStore) arm(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = n
	s.release = make(chan struct{})
}

func (s *barrierStore) GetWorkflow(ctx context.Context, cart string) (*repository.ApprovalWorkflow, error) {
	wf, err := s.Store.GetWorkflow(ctx, cart)

	s.mu.Lock()
	if s.waiting == 0 {
		s.mu.Unlock()
		return wf, err
	}
	s.waiting--
	release := s.release
	if s.waiting == 0 {
		close(release)
	}
	s.mu.Unlock()

	<-release
	return wf, err
}

// lateAddStore adds a part inside FinalizeWorkflow, after the engine last
// looked at the cart.
type lateAddStore struct {
	*memory.Store
	part string
	qty  int
}

func (s *lateAddStore) FinalizeWorkflow(ctx context.Context, cart string, by repository.User) (repository.FinalizeOutcome, []repository.Part, error) {
	if _, err := s.Store.AddPart(ctx, cart, s.part, s.qty, dave); err != nil {
		return repository.FinalizeNoWorkflow, nil, err
	}
	return s.Store.FinalizeWorkflow(ctx, cart, by)
}
