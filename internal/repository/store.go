package repository

import (
	"context"
	"math"
)

// MaxPartQuantity is the largest quantity a single part line may hold. It
// matches the 32-bit INTEGER columns of the SQL backends.
const MaxPartQuantity = math.MaxInt32

// Every store method reports expected outcomes (duplicate, missing, absent)
// through its bool/outcome/nil return. The error return is reserved for
// backend faults.

// CartStore owns carts and their parts.
type CartStore interface {
	// CreateCart returns false when a cart with that name already exists.
	CreateCart(ctx context.Context, name string) (bool, error)
	// DeleteCart removes the cart with its parts and any open workflow.
	DeleteCart(ctx context.Context, name string) (bool, error)
	// AddPart accumulates qty onto an existing part or creates it. It returns
	// false, leaving the part untouched, when the sum would exceed
	// MaxPartQuantity.
	AddPart(ctx context.Context, cart, part string, qty int, user User) (bool, error)
	// RemovePart removes the whole part.
	RemovePart(ctx context.Context, cart, part string, user User) (bool, error)
	// ListCart returns nil when the cart does not exist. Parts are sorted by name.
	ListCart(ctx context.Context, cart string) (*Cart, error)
	// ClearCart empties an existing cart.
	ClearCart(ctx context.Context, cart string, user User) (bool, error)
}

// ApproverStore owns the approver set.
type ApproverStore interface {
	AddApprover(ctx context.Context, user User) (bool, error)
	RemoveApprover(ctx context.Context, user User) (bool, error)
	ListApprovers(ctx context.Context) ([]User, error)
	IsApprover(ctx context.Context, userID string) (bool, error)
}

// WorkflowStore owns approval workflows and their approvals.
type WorkflowStore interface {
	// GetWorkflow returns nil when no workflow is open for the cart.
	GetWorkflow(ctx context.Context, cart string) (*ApprovalWorkflow, error)
	// GetWorkflowByMessage returns nil when no open workflow is bound to messageRef.
	GetWorkflowByMessage(ctx context.Context, messageRef string) (*ApprovalWorkflow, error)
	// CreateWorkflow returns false when a workflow is already open for wf.Cart.
	CreateWorkflow(ctx context.Context, wf *ApprovalWorkflow) (bool, error)
	// BindMessage returns false when no workflow is open for the cart.
	BindMessage(ctx context.Context, cart, messageRef string) (bool, error)
	// AppendApproval returns the number of approvals on the workflow after the
	// append, counted in the same atomic step. It returns 0 when no workflow is
	// open or the approver already approved it.
	AppendApproval(ctx context.Context, cart string, approval Approval) (int, error)
	// DeleteApproval returns false when there is nothing to remove.
	DeleteApproval(ctx context.Context, cart, userID string) (bool, error)
	// DeleteWorkflow discards the workflow and its approvals together.
	DeleteWorkflow(ctx context.Context, cart string) (bool, error)
}

// Finalizer clears a cart and discards its workflow as one atomic unit. On
// Finalized it returns the parts that were in the cart when it was cleared.
type Finalizer interface {
	FinalizeWorkflow(ctx context.Context, cart string, by User) (FinalizeOutcome, []Part, error)
}

// AuditStore is the append-only approval audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *ApprovalAuditEntry) error
	ListAudit(ctx context.Context, cart string) ([]*ApprovalAuditEntry, error)
}

// Store is the full persistence surface a backend provides.
type Store interface {
	CartStore
	ApproverStore
	WorkflowStore
	Finalizer
	AuditStore
	Close() error
}
