package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-group-carts/internal/platform/database"
	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/repository"
)

// ApprovalWorkflowRepository manages open workflows and their approvals.
type ApprovalWorkflowRepository struct {
	db *database.DB
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db *database.DB) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db}
}

const workflowColumns = `cart_name, id, COALESCE(message_ref, ''), requested_by_id, requested_by_name, opened_at`

// GetWorkflow returns nil when no workflow is open for the cart.
func (r *ApprovalWorkflowRepository) GetWorkflow(ctx context.Context, cart string) (*repository.ApprovalWorkflow, error) {
	return r.load(ctx, `cart_name = $1`, cart)
}

// GetWorkflowByMessage resolves a chat message to its open workflow.
func (r *ApprovalWorkflowRepository) GetWorkflowByMessage(ctx context.Context, messageRef string) (*repository.ApprovalWorkflow, error) {
	if messageRef == "" {
		return nil, nil
	}
	return r.load(ctx, `message_ref = $1`, messageRef)
}

func (r *ApprovalWorkflowRepository) load(ctx context.Context, where string, arg any) (*repository.ApprovalWorkflow, error) {
	var wf *repository.ApprovalWorkflow
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + workflowColumns + ` FROM approval_workflows WHERE ` + where + ` LIMIT 1`
		found, err := scanWorkflow(tx.QueryRow(ctx, query, arg))
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval workflow")
		}

		rows, err := tx.Query(ctx, `
			SELECT approver_id, approver_name, event_ts
			FROM approvals
			WHERE cart_name = $1
			ORDER BY event_ts ASC, seq ASC
		`, found.Cart)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals")
		}
		defer rows.Close()
		for rows.Next() {
			var a repository.Approval
			if err := rows.Scan(&a.Approver.ID, &a.Approver.Name, &a.EventTimestamp); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
			}
			found.Approvals = append(found.Approvals, a)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals")
		}
		wf = found
		return nil
	})
	return wf, err
}

// CreateWorkflow opens a workflow. It returns false when one is already open.
func (r *ApprovalWorkflowRepository) CreateWorkflow(ctx context.Context, wf *repository.ApprovalWorkflow) (bool, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	var openedAt any
	if !wf.OpenedAt.IsZero() {
		openedAt = wf.OpenedAt
	}
	var messageRef any
	if wf.MessageRef != "" {
		messageRef = wf.MessageRef
	}

	query := `
		INSERT INTO approval_workflows
		    (cart_name, id, message_ref, requested_by_id, requested_by_name, opened_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, NOW()))
		ON CONFLICT (cart_name) DO NOTHING
		RETURNING opened_at
	`
	err := r.db.QueryRow(ctx, query,
		wf.Cart,
		wf.ID,
		messageRef,
		wf.RequestedBy.ID,
		wf.RequestedBy.Name,
		openedAt,
	).Scan(&wf.OpenedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
	}
	return true, nil
}

// BindMessage records the chat message the request was posted as.
func (r *ApprovalWorkflowRepository) BindMessage(ctx context.Context, cart, messageRef string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE approval_workflows SET message_ref = $2 WHERE cart_name = $1`, cart, messageRef)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to bind message")
	}
	return tag.RowsAffected() == 1, nil
}

// AppendApproval inserts the approval only when a workflow is open and the
// approver has not approved it yet. The workflow row is locked first so
// concurrent appends count one after the other.
func (r *ApprovalWorkflowRepository) AppendApproval(ctx context.Context, cart string, approval repository.Approval) (int, error) {
	var count int
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx,
			`SELECT id FROM approval_workflows WHERE cart_name = $1 FOR UPDATE`, cart,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval workflow")
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO approvals (cart_name, approver_id, approver_name, event_ts)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (cart_name, approver_id) DO NOTHING
		`, cart, approval.Approver.ID, approval.Approver.Name, approval.EventTimestamp)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM approvals WHERE cart_name = $1`, cart,
		).Scan(&count); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count approvals")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *ApprovalWorkflowRepository) DeleteApproval(ctx context.Context, cart, userID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM approvals WHERE cart_name = $1 AND approver_id = $2`, cart, userID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to retract approval")
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteWorkflow discards the workflow. Approvals cascade.
func (r *ApprovalWorkflowRepository) DeleteWorkflow(ctx context.Context, cart string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_workflows WHERE cart_name = $1`, cart)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to discard approval workflow")
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeWorkflow clears the cart and discards the workflow in one
// transaction. Both rows are locked first, workflow then cart.
func (r *ApprovalWorkflowRepository) FinalizeWorkflow(ctx context.Context, cart string, _ repository.User) (repository.FinalizeOutcome, []repository.Part, error) {
	outcome := repository.FinalizeNoWorkflow
	var purchased []repository.Part
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx,
			`SELECT id FROM approval_workflows WHERE cart_name = $1 FOR UPDATE`, cart,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval workflow")
		}

		parts, cleared, err := clearCartTx(ctx, tx, cart)
		if err != nil {
			return err
		}
		if !cleared {
			outcome = repository.FinalizeCartMissing
			return nil
		}

		tag, err := tx.Exec(ctx, `DELETE FROM approval_workflows WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to discard approval workflow")
		}
		if tag.RowsAffected() != 1 {
			return errors.New(errors.ErrCodeInternal, fmt.Sprintf("approval workflow %s vanished during finalize", id))
		}
		outcome = repository.Finalized
		purchased = parts
		return nil
	})
	if err != nil {
		return repository.FinalizeNoWorkflow, nil, err
	}
	return outcome, purchased, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

func scanWorkflow(row rowScanner) (*repository.ApprovalWorkflow, error) {
	wf := &repository.ApprovalWorkflow{Approvals: []repository.Approval{}}
	err := row.Scan(
		&wf.Cart,
		&wf.ID,
		&wf.MessageRef,
		&wf.RequestedBy.ID,
		&wf.RequestedBy.Name,
		&wf.OpenedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}
