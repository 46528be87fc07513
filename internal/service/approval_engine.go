package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/platform/logger"
	"github.com/pesio-ai/be-group-carts/internal/platform/metrics"
	"github.com/pesio-ai/be-group-carts/internal/repository"
)

const tracerName = "github.com/pesio-ai/be-group-carts/internal/service"

// Event types published after each workflow transition.
const (
	EventApprovalRequested = "approval_requested"
	EventApprovalRecorded  = "approval_recorded"
	EventApprovalRetracted = "approval_retracted"
	EventApprovalCancelled = "approval_cancelled"
	EventCartFinalized     = "cart_finalized"
	EventInconsistency     = "inconsistency"
)

// EventPublisher fans workflow events out to other services. Implementations
// must not fail the caller; delivery problems are theirs to log.
type EventPublisher interface {
	PublishCartEvent(ctx context.Context, eventType, cart, actorID string, payload map[string]any)
}

// OperatorAlerter delivers messages to the operator channel, separate from
// normal user responses.
type OperatorAlerter interface {
	AlertOperator(ctx context.Context, text string) error
}

// EngineStore is the slice of repository.Store the approval engine needs.
// When the value also implements repository.Finalizer, finalize runs as one
// store transaction; otherwise the engine clears, discards and compensates.
type EngineStore interface {
	repository.CartStore
	repository.ApproverStore
	repository.WorkflowStore
	repository.AuditStore
}

// ── Results ───────────────────────────────────────────────────────────────────

// BeginResult is the expected outcome of BeginApproval.
type BeginResult int

const (
	BeginStarted BeginResult = iota
	BeginAlreadyOpen
	BeginCartMissing
)

func (r BeginResult) String() string {
	switch r {
	case BeginStarted:
		return "started"
	case BeginAlreadyOpen:
		return "already_open"
	case BeginCartMissing:
		return "cart_missing"
	default:
		return "unknown"
	}
}

// ApprovalResult is the expected outcome of RecordApproval.
type ApprovalResult int

const (
	ApprovalAccepted ApprovalResult = iota
	ApprovalNotOpen
	ApprovalNotApprover
	ApprovalDuplicate
)

func (r ApprovalResult) String() string {
	switch r {
	case ApprovalAccepted:
		return "accepted"
	case ApprovalNotOpen:
		return "not_open"
	case ApprovalNotApprover:
		return "not_approver"
	case ApprovalDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// RetractResult is the expected outcome of RetractApproval.
type RetractResult int

const (
	RetractRetracted RetractResult = iota
	RetractNotFound
	RetractNotOpen
)

func (r RetractResult) String() string {
	switch r {
	case RetractRetracted:
		return "retracted"
	case RetractNotFound:
		return "not_found"
	case RetractNotOpen:
		return "not_open"
	default:
		return "unknown"
	}
}

// CancelResult is the expected outcome of CancelApproval.
type CancelResult int

const (
	CancelCancelled CancelResult = iota
	CancelNotOpen
)

func (r CancelResult) String() string {
	if r == CancelCancelled {
		return "cancelled"
	}
	return "not_open"
}

// WorkflowState is the per-cart approval state. FINALIZED is never stored.
type WorkflowState string

const (
	StateNone    WorkflowState = "NONE"
	StatePending WorkflowState = "PENDING"
)

// ApprovalOutcome carries the result of RecordApproval and, on finalize, the
// parts that were purchased.
type ApprovalOutcome struct {
	Result    ApprovalResult
	Approvals int
	Threshold int
	Finalized bool
	Purchased []repository.Part
	Approvers []repository.User
}

// RetractOutcome carries the result of RetractApproval.
type RetractOutcome struct {
	Result    RetractResult
	Approvals int
	Threshold int
}

// WorkflowStatus is a read-only view of a cart's approval state.
type WorkflowStatus struct {
	Cart      string
	State     WorkflowState
	Threshold int
	Workflow  *repository.ApprovalWorkflow
}

// ── Engine ────────────────────────────────────────────────────────────────────

// ApprovalEngine runs the per-cart purchase approval state machine:
// NONE -> PENDING on BeginApproval, PENDING -> NONE on finalize or cancel.
type ApprovalEngine struct {
	store     EngineStore
	locks     *CartLocks
	threshold int
	events    EventPublisher
	alerts    OperatorAlerter
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	log       *logger.Logger
	now       func() time.Time
}

// NewApprovalEngine creates a new ApprovalEngine. events, alerts and m may be nil.
func NewApprovalEngine(
	store EngineStore,
	locks *CartLocks,
	threshold int,
	events EventPublisher,
	alerts OperatorAlerter,
	m *metrics.Metrics,
	log *logger.Logger,
) *ApprovalEngine {
	if threshold < 1 {
		threshold = 1
	}
	return &ApprovalEngine{
		store:     store,
		locks:     locks,
		threshold: threshold,
		events:    events,
		alerts:    alerts,
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Threshold returns the number of distinct approvals needed to finalize.
func (e *ApprovalEngine) Threshold() int {
	return e.threshold
}

func (e *ApprovalEngine) startSpan(ctx context.Context, name, cart string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "ApprovalEngine."+name, trace.WithAttributes(attribute.String("cart", cart)))
}

func endSpan(span trace.Span, result string, err error) {
	if result != "" {
		span.SetAttributes(attribute.String("result", result))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ── Begin ─────────────────────────────────────────────────────────────────────

// BeginApproval opens a purchase request for cart. The returned workflow is
// non-nil only for BeginStarted.
func (e *ApprovalEngine) BeginApproval(ctx context.Context, cart string, requestedBy repository.User) (result BeginResult, wf *repository.ApprovalWorkflow, err error) {
	ctx, span := e.startSpan(ctx, "BeginApproval", cart)
	defer func() { endSpan(span, result.String(), err) }()

	unlock := e.locks.Lock(cart)
	defer unlock()

	c, err := e.store.ListCart(ctx, cart)
	if err != nil {
		return BeginCartMissing, nil, err
	}
	if c == nil {
		return BeginCartMissing, nil, nil
	}

	wf = &repository.ApprovalWorkflow{
		Cart:        cart,
		RequestedBy: requestedBy,
		OpenedAt:    e.now(),
	}
	created, err := e.store.CreateWorkflow(ctx, wf)
	if err != nil {
		return BeginAlreadyOpen, nil, err
	}
	if !created {
		return BeginAlreadyOpen, nil, nil
	}

	e.audit(ctx, wf.Cart, &wf.ID, repository.AuditRequested, requestedBy.ID, map[string]any{
		"threshold": e.threshold,
		"parts":     len(c.Parts),
	})
	e.publish(ctx, EventApprovalRequested, cart, requestedBy.ID, map[string]any{
		"workflow_id": wf.ID,
		"threshold":   e.threshold,
	})
	e.log.Info().
		Str("cart", cart).
		Str("workflow_id", wf.ID).
		Str("requested_by", requestedBy.ID).
		Int("threshold", e.threshold).
		Msg("Approval workflow opened")

	return BeginStarted, wf, nil
}

// BindRequestMessage records the chat message the purchase request was posted
// as, so reactions on it can be routed back to the cart.
func (e *ApprovalEngine) BindRequestMessage(ctx context.Context, cart, messageRef string) (bool, error) {
	if strings.TrimSpace(messageRef) == "" {
		return false, errors.InvalidInput("message_id", "must not be empty")
	}
	unlock := e.locks.Lock(cart)
	defer unlock()

	return e.store.BindMessage(ctx, cart, messageRef)
}

// CartForMessage resolves a request message to the cart it belongs to.
func (e *ApprovalEngine) CartForMessage(ctx context.Context, messageRef string) (string, bool, error) {
	wf, err := e.store.GetWorkflowByMessage(ctx, messageRef)
	if err != nil || wf == nil {
		return "", false, err
	}
	return wf.Cart, true, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// RecordApproval records user's approval of the open request for cart. When
// the count of distinct approvals reaches the threshold the cart is finalized
// before RecordApproval returns.
//
// A non-nil error with Result == ApprovalAccepted means the approval was
// recorded but finalize failed; the workflow is still PENDING unless the error
// carries ErrCodeInconsistent.
func (e *ApprovalEngine) RecordApproval(ctx context.Context, cart string, user repository.User, eventTS time.Time) (out ApprovalOutcome, err error) {
	ctx, span := e.startSpan(ctx, "RecordApproval", cart)
	defer func() { endSpan(span, out.Result.String(), err) }()

	unlock := e.locks.Lock(cart)
	defer unlock()

	out.Threshold = e.threshold
	defer func() { e.countResult(out.Result.String()) }()

	wf, err := e.store.GetWorkflow(ctx, cart)
	if err != nil {
		return ApprovalOutcome{Result: ApprovalNotOpen, Threshold: e.threshold}, err
	}
	if wf == nil {
		out.Result = ApprovalNotOpen
		return out, nil
	}
	out.Approvals = len(wf.Approvals)

	isApprover, err := e.store.IsApprover(ctx, user.ID)
	if err != nil {
		out.Result = ApprovalNotApprover
		return out, err
	}
	if !isApprover {
		out.Result = ApprovalNotApprover
		return out, nil
	}
	if wf.HasApprovalFrom(user.ID) {
		out.Result = ApprovalDuplicate
		return out, nil
	}

	if eventTS.IsZero() {
		eventTS = e.now()
	}
	approval := repository.Approval{Approver: user, EventTimestamp: eventTS}
	count, err := e.store.AppendApproval(ctx, cart, approval)
	if err != nil {
		out.Result = ApprovalNotOpen
		return out, err
	}
	if count == 0 {
		out.Result = ApprovalDuplicate
		return out, nil
	}

	// The count comes from the store, so approvals recorded by another
	// process since GetWorkflow are included.
	out.Result = ApprovalAccepted
	out.Approvals = count
	wf.Approvals = append(wf.Approvals, approval)
	if count != len(wf.Approvals) {
		if fresh, ferr := e.store.GetWorkflow(ctx, cart); ferr == nil && fresh != nil {
			wf = fresh
		}
	}
	out.Approvers = approvers(wf)

	e.audit(ctx, cart, &wf.ID, repository.AuditApproved, user.ID, map[string]any{
		"approvals": out.Approvals,
		"threshold": e.threshold,
	})
	e.publish(ctx, EventApprovalRecorded, cart, user.ID, map[string]any{
		"workflow_id": wf.ID,
		"approvals":   out.Approvals,
		"threshold":   e.threshold,
	})
	e.log.Info().
		Str("cart", cart).
		Str("workflow_id", wf.ID).
		Str("approver_id", user.ID).
		Int("approvals", out.Approvals).
		Int("threshold", e.threshold).
		Msg("Approval recorded")

	if out.Approvals < e.threshold {
		return out, nil
	}

	purchased, finalized, err := e.finalize(ctx, wf, user)
	if err != nil {
		return out, err
	}
	out.Finalized = finalized
	out.Purchased = purchased
	return out, nil
}

// ── Finalize ──────────────────────────────────────────────────────────────────

// finalize clears the cart and discards the workflow. Callers hold the cart lock.
func (e *ApprovalEngine) finalize(ctx context.Context, wf *repository.ApprovalWorkflow, by repository.User) ([]repository.Part, bool, error) {
	ctx, span := e.startSpan(ctx, "finalize", wf.Cart)
	var err error
	defer func() { endSpan(span, "", err) }()

	var purchased []repository.Part
	if f, ok := e.store.(repository.Finalizer); ok {
		var outcome repository.FinalizeOutcome
		outcome, purchased, err = f.FinalizeWorkflow(ctx, wf.Cart, by)
		if err != nil {
			err = errors.Wrap(err, errors.ErrCodeFinalizeFailed, "failed to finalize cart")
			return nil, false, err
		}
		switch outcome {
		case repository.FinalizeCartMissing:
			err = e.finalizeCartMissing(wf)
			return nil, false, err
		case repository.FinalizeNoWorkflow:
			// Another process finalized or cancelled between our read and the
			// transaction; nothing left to do here.
			e.log.Warn().Str("cart", wf.Cart).Str("workflow_id", wf.ID).Msg("Workflow closed before finalize")
			return nil, false, nil
		}
	} else {
		var snapshot *repository.Cart
		snapshot, err = e.store.ListCart(ctx, wf.Cart)
		if err != nil {
			err = errors.Wrap(err, errors.ErrCodeFinalizeFailed, "failed to read cart before finalize")
			return nil, false, err
		}
		if snapshot == nil {
			err = e.finalizeCartMissing(wf)
			return nil, false, err
		}
		if err = e.clearAndDiscard(ctx, wf, snapshot, by); err != nil {
			return nil, false, err
		}
		purchased = snapshot.Parts
	}

	e.recordFinalized(ctx, wf, purchased, by)
	return purchased, true, nil
}

func (e *ApprovalEngine) finalizeCartMissing(wf *repository.ApprovalWorkflow) error {
	e.log.Error().
		Str("cart", wf.Cart).
		Str("workflow_id", wf.ID).
		Msg("Finalize failed: cart no longer exists; workflow left pending")
	return errors.New(errors.ErrCodeFinalizeFailed, fmt.Sprintf("cart %s no longer exists", wf.Cart)).
		WithMetadata("cart", wf.Cart)
}

// clearAndDiscard is the non-transactional finalize: clear, then discard, and
// restore the cart from snapshot if the discard fails.
func (e *ApprovalEngine) clearAndDiscard(ctx context.Context, wf *repository.ApprovalWorkflow, snapshot *repository.Cart, by repository.User) error {
	cleared, err := e.store.ClearCart(ctx, wf.Cart, by)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFinalizeFailed, "failed to clear cart")
	}
	if !cleared {
		return e.finalizeCartMissing(wf)
	}

	discarded, discardErr := e.store.DeleteWorkflow(ctx, wf.Cart)
	if discardErr == nil && discarded {
		return nil
	}
	if discardErr == nil {
		discardErr = fmt.Errorf("workflow %s was not found", wf.ID)
	}

	e.log.Error().Err(discardErr).
		Str("cart", wf.Cart).
		Str("workflow_id", wf.ID).
		Msg("Workflow discard failed after cart clear; restoring cart")

	if restoreErr := e.restoreCart(ctx, snapshot); restoreErr != nil {
		return e.inconsistency(ctx, wf, discardErr, restoreErr)
	}
	return errors.Wrap(discardErr, errors.ErrCodeFinalizeFailed, "failed to discard workflow; cart restored").
		WithMetadata("cart", wf.Cart)
}

func (e *ApprovalEngine) restoreCart(ctx context.Context, snapshot *repository.Cart) error {
	for _, p := range snapshot.Parts {
		ok, err := e.store.AddPart(ctx, snapshot.Name, p.Name, p.Quantity, p.LastUser)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cart %s disappeared while restoring part %s", snapshot.Name, p.Name)
		}
	}
	return nil
}

// inconsistency reports a cleared cart whose workflow is still open. It is
// logged at fatal severity without exiting and sent to the operator channel.
func (e *ApprovalEngine) inconsistency(ctx context.Context, wf *repository.ApprovalWorkflow, discardErr, restoreErr error) error {
	e.log.Critical().
		AnErr("discard_error", discardErr).
		AnErr("restore_error", restoreErr).
		Str("cart", wf.Cart).
		Str("workflow_id", wf.ID).
		Msg("Inconsistent state: cart cleared but approval workflow still open")

	if e.metrics != nil {
		e.metrics.InconsistencyFaults.Inc()
	}
	e.publish(ctx, EventInconsistency, wf.Cart, "", map[string]any{
		"workflow_id":   wf.ID,
		"discard_error": discardErr.Error(),
		"restore_error": restoreErr.Error(),
	})
	if e.alerts != nil {
		text := fmt.Sprintf(
			"Inconsistent state for cart %s: the cart was cleared but approval workflow %s could not be discarded (%v) and the cart could not be restored (%v).",
			wf.Cart, wf.ID, discardErr, restoreErr,
		)
		if err := e.alerts.AlertOperator(ctx, text); err != nil {
			e.log.Error().Err(err).Str("cart", wf.Cart).Msg("Failed to alert operator")
		}
	}

	return errors.Wrap(discardErr, errors.ErrCodeInconsistent, "cart cleared but workflow could not be discarded").
		WithMetadata("cart", wf.Cart).
		WithMetadata("workflow_id", wf.ID)
}

func (e *ApprovalEngine) recordFinalized(ctx context.Context, wf *repository.ApprovalWorkflow, purchased []repository.Part, by repository.User) {
	ids := make([]string, 0, len(wf.Approvals))
	for _, a := range wf.Approvals {
		ids = append(ids, a.Approver.ID)
	}
	e.audit(ctx, wf.Cart, &wf.ID, repository.AuditFinalized, by.ID, map[string]any{
		"approvers": ids,
		"parts":     len(purchased),
	})
	e.publish(ctx, EventCartFinalized, wf.Cart, by.ID, map[string]any{
		"workflow_id": wf.ID,
		"approvers":   ids,
		"parts":       partsPayload(purchased),
	})
	if e.metrics != nil {
		e.metrics.Finalizations.Inc()
	}
	e.log.Info().
		Str("cart", wf.Cart).
		Str("workflow_id", wf.ID).
		Strs("approvers", ids).
		Int("parts", len(purchased)).
		Msg("Purchase finalized; cart cleared")
}

// ── Retract / Cancel ──────────────────────────────────────────────────────────

// RetractApproval withdraws user's approval from the open workflow. The
// workflow stays PENDING even when no approvals remain.
func (e *ApprovalEngine) RetractApproval(ctx context.Context, cart string, user repository.User) (out RetractOutcome, err error) {
	ctx, span := e.startSpan(ctx, "RetractApproval", cart)
	defer func() { endSpan(span, out.Result.String(), err) }()

	unlock := e.locks.Lock(cart)
	defer unlock()

	out.Threshold = e.threshold
	defer func() { e.countResult(out.Result.String()) }()

	wf, err := e.store.GetWorkflow(ctx, cart)
	if err != nil {
		out.Result = RetractNotOpen
		return out, err
	}
	if wf == nil {
		out.Result = RetractNotOpen
		return out, nil
	}
	out.Approvals = len(wf.Approvals)

	removed, err := e.store.DeleteApproval(ctx, cart, user.ID)
	if err != nil {
		out.Result = RetractNotFound
		return out, err
	}
	if !removed {
		out.Result = RetractNotFound
		return out, nil
	}

	out.Result = RetractRetracted
	out.Approvals--
	e.audit(ctx, cart, &wf.ID, repository.AuditRetracted, user.ID, map[string]any{
		"approvals": out.Approvals,
	})
	e.publish(ctx, EventApprovalRetracted, cart, user.ID, map[string]any{
		"workflow_id": wf.ID,
		"approvals":   out.Approvals,
	})
	e.log.Info().
		Str("cart", cart).
		Str("workflow_id", wf.ID).
		Str("approver_id", user.ID).
		Int("approvals", out.Approvals).
		Msg("Approval retracted")
	return out, nil
}

// CancelApproval discards the open workflow and all of its approvals without
// touching the cart.
func (e *ApprovalEngine) CancelApproval(ctx context.Context, cart string, by repository.User) (result CancelResult, err error) {
	ctx, span := e.startSpan(ctx, "CancelApproval", cart)
	defer func() { endSpan(span, result.String(), err) }()

	unlock := e.locks.Lock(cart)
	defer unlock()

	wf, err := e.store.GetWorkflow(ctx, cart)
	if err != nil {
		return CancelNotOpen, err
	}
	if wf == nil {
		return CancelNotOpen, nil
	}
	deleted, err := e.store.DeleteWorkflow(ctx, cart)
	if err != nil {
		return CancelNotOpen, err
	}
	if !deleted {
		return CancelNotOpen, nil
	}

	e.countResult(CancelCancelled.String())
	e.audit(ctx, cart, &wf.ID, repository.AuditCancelled, by.ID, map[string]any{
		"approvals": len(wf.Approvals),
	})
	e.publish(ctx, EventApprovalCancelled, cart, by.ID, map[string]any{"workflow_id": wf.ID})
	e.log.Info().
		Str("cart", cart).
		Str("workflow_id", wf.ID).
		Str("cancelled_by", by.ID).
		Msg("Approval workflow cancelled")
	return CancelCancelled, nil
}

// ── Status ────────────────────────────────────────────────────────────────────

// WorkflowStatus reports the approval state of cart.
func (e *ApprovalEngine) WorkflowStatus(ctx context.Context, cart string) (*WorkflowStatus, error) {
	wf, err := e.store.GetWorkflow(ctx, cart)
	if err != nil {
		return nil, err
	}
	status := &WorkflowStatus{Cart: cart, State: StateNone, Threshold: e.threshold}
	if wf != nil {
		status.State = StatePending
		status.Workflow = wf
	}
	return status, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (e *ApprovalEngine) audit(ctx context.Context, cart string, workflowID *string, action, performedBy string, metadata map[string]any) {
	appendAudit(ctx, e.store, e.log, &repository.ApprovalAuditEntry{
		Cart:        cart,
		WorkflowID:  workflowID,
		Action:      action,
		PerformedBy: performedBy,
		PerformedAt: e.now(),
		Metadata:    metadata,
	})
}

func (e *ApprovalEngine) publish(ctx context.Context, eventType, cart, actorID string, payload map[string]any) {
	if e.events == nil {
		return
	}
	e.events.PublishCartEvent(ctx, eventType, cart, actorID, payload)
}

func (e *ApprovalEngine) countResult(result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.ApprovalResults.WithLabelValues(result).Inc()
}

func approvers(wf *repository.ApprovalWorkflow) []repository.User {
	users := make([]repository.User, 0, len(wf.Approvals))
	for _, a := range wf.Approvals {
		users = append(users, a.Approver)
	}
	return users
}

func partsPayload(parts []repository.Part) []map[string]any {
	out := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, map[string]any{"name": p.Name, "quantity": p.Quantity})
	}
	return out
}
