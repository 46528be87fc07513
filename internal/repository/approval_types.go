package repository

import "time"

// ── Entity types ──────────────────────────────────────────────────────────────

// User is a chat identity. Equality is by ID only.
type User struct {
	ID   string
	Name string
}

// Same reports whether u and o are the same identity.
func (u User) Same(o User) bool {
	return u.ID == o.ID
}

// Part is one line item of a cart.
type Part struct {
	Name     string
	Quantity int
	LastUser User
}

// Cart is a named collection of parts. A nil *Cart from a store means the
// cart does not exist; an empty Parts slice means it exists with no parts.
type Cart struct {
	Name      string
	Parts     []Part
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ── Workflow types ────────────────────────────────────────────────────────────

// ApprovalWorkflow is the open purchase request for a cart. At most one
// exists per cart; its absence means the cart is in the NONE state.
type ApprovalWorkflow struct {
	ID          string
	Cart        string
	MessageRef  string // chat message the request was posted as; empty until bound
	RequestedBy User
	OpenedAt    time.Time
	Approvals   []Approval // ordered by EventTimestamp
}

// HasApprovalFrom reports whether userID already approved this workflow.
func (w *ApprovalWorkflow) HasApprovalFrom(userID string) bool {
	for _, a := range w.Approvals {
		if a.Approver.ID == userID {
			return true
		}
	}
	return false
}

// Approval is one approver's ratification of an open workflow.
type Approval struct {
	Approver       User
	EventTimestamp time.Time
}

// FinalizeOutcome is the result of an atomic finalize.
type FinalizeOutcome int

const (
	// Finalized means the cart was cleared and the workflow discarded together.
	Finalized FinalizeOutcome = iota
	// FinalizeNoWorkflow means no workflow was open; nothing changed.
	FinalizeNoWorkflow
	// FinalizeCartMissing means the cart no longer exists; nothing changed and
	// the workflow is still open.
	FinalizeCartMissing
)

func (o FinalizeOutcome) String() string {
	switch o {
	case Finalized:
		return "finalized"
	case FinalizeNoWorkflow:
		return "no_workflow"
	case FinalizeCartMissing:
		return "cart_missing"
	default:
		return "unknown"
	}
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// Audit actions.
const (
	AuditRequested = "requested"
	AuditApproved  = "approved"
	AuditRetracted = "retracted"
	AuditCancelled = "cancelled"
	AuditFinalized = "finalized"
	AuditCleared   = "cleared"
)

// ApprovalAuditEntry is one immutable record in the audit log.
type ApprovalAuditEntry struct {
	ID          string
	Cart        string
	WorkflowID  *string
	Action      string
	PerformedBy string
	PerformedAt time.Time
	Metadata    map[string]any // arbitrary JSON context
}
