package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-group-carts/internal/repository"
)

// ── Workflows ─────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*repository.ApprovalWorkflow, error) {
	var (
		wf         repository.ApprovalWorkflow
		messageRef sql.NullString
		openedAt   int64
	)
	if err := row.Scan(&wf.Cart, &wf.ID, &messageRef, &wf.RequestedBy.ID, &wf.RequestedBy.Name, &openedAt); err != nil {
		return nil, err
	}
	wf.MessageRef = messageRef.String
	wf.OpenedAt = fromMillis(openedAt)
	wf.Approvals = []repository.Approval{}
	return &wf, nil
}

const workflowColumns = `cart_name, id, message_ref, requested_by_id, requested_by_name, opened_at`

func (s *Store) loadWorkflow(ctx context.Context, tx *sql.Tx, where string, arg any) (*repository.ApprovalWorkflow, error) {
	wf, err := scanWorkflow(tx.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM approval_workflows WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT approver_id, approver_name, event_ts
		 FROM approvals
		 WHERE cart_name = ?
		 ORDER BY event_ts ASC, rowid ASC`, wf.Cart)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a  repository.Approval
			ts int64
		)
		if err := rows.Scan(&a.Approver.ID, &a.Approver.Name, &ts); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.EventTimestamp = fromMillis(ts)
		wf.Approvals = append(wf.Approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return wf, nil
}

func (s *Store) GetWorkflow(ctx context.Context, cart string) (*repository.ApprovalWorkflow, error) {
	var wf *repository.ApprovalWorkflow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wf, err = s.loadWorkflow(ctx, tx, "cart_name = ?", cart)
		return err
	})
	return wf, err
}

func (s *Store) GetWorkflowByMessage(ctx context.Context, messageRef string) (*repository.ApprovalWorkflow, error) {
	if messageRef == "" {
		return nil, ctx.Err()
	}
	var wf *repository.ApprovalWorkflow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wf, err = s.loadWorkflow(ctx, tx, "message_ref = ?", messageRef)
		return err
	})
	return wf, err
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *repository.ApprovalWorkflow) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.OpenedAt.IsZero() {
		wf.OpenedAt = s.now()
	}
	var messageRef any
	if wf.MessageRef != "" {
		messageRef = wf.MessageRef
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO approval_workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cart_name) DO NOTHING`,
		wf.Cart, wf.ID, messageRef, wf.RequestedBy.ID, wf.RequestedBy.Name, toMillis(wf.OpenedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create workflow: %w", err)
	}
	return n == 1, nil
}

func (s *Store) BindMessage(ctx context.Context, cart, messageRef string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE approval_workflows SET message_ref = ? WHERE cart_name = ?`, messageRef, cart)
	if err != nil {
		return false, fmt.Errorf("bind message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bind message: %w", err)
	}
	return n == 1, nil
}

func (s *Store) AppendApproval(ctx context.Context, cart string, approval repository.Approval) (int, error) {
	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// The workflow must exist; the primary key rejects a second approval.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO approvals (cart_name, approver_id, approver_name, event_ts)
			 SELECT cart_name, ?, ?, ? FROM approval_workflows WHERE cart_name = ?
			 ON CONFLICT (cart_name, approver_id) DO NOTHING`,
			approval.Approver.ID, approval.Approver.Name, toMillis(approval.EventTimestamp), cart,
		)
		if err != nil {
			return fmt.Errorf("append approval: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("append approval: %w", err)
		}
		if n == 0 {
			return nil
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM approvals WHERE cart_name = ?`, cart,
		).Scan(&count); err != nil {
			return fmt.Errorf("count approvals: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) DeleteApproval(ctx context.Context, cart, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM approvals WHERE cart_name = ? AND approver_id = ?`, cart, userID)
	if err != nil {
		return false, fmt.Errorf("delete approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete approval: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, cart string) (bool, error) {
	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := deleteWorkflowTx(ctx, tx, cart)
		deleted = ok
		return err
	})
	return deleted, err
}

func deleteWorkflowTx(ctx context.Context, tx *sql.Tx, cart string) (bool, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE cart_name = ?`, cart); err != nil {
		return false, fmt.Errorf("delete approvals: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM approval_workflows WHERE cart_name = ?`, cart)
	if err != nil {
		return false, fmt.Errorf("delete workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete workflow: %w", err)
	}
	return n == 1, nil
}

// FinalizeWorkflow clears the cart and discards the workflow in one transaction.
func (s *Store) FinalizeWorkflow(ctx context.Context, cart string, _ repository.User) (repository.FinalizeOutcome, []repository.Part, error) {
	outcome := repository.FinalizeNoWorkflow
	var purchased []repository.Part
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM approval_workflows WHERE cart_name = ?`, cart).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get workflow: %w", err)
		}

		parts, err := listPartsTx(ctx, tx, cart)
		if err != nil {
			return err
		}
		cleared, err := clearCartTx(ctx, tx, cart, s.now())
		if err != nil {
			return err
		}
		if !cleared {
			outcome = repository.FinalizeCartMissing
			return nil
		}
		deleted, err := deleteWorkflowTx(ctx, tx, cart)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("workflow for %s vanished during finalize", cart)
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

// ── Audit ─────────────────────────────────────────────────────────────────────

func (s *Store) AppendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = s.now()
	}

	var metadata any
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		metadata = string(raw)
	}
	var workflowID any
	if entry.WorkflowID != nil {
		workflowID = *entry.WorkflowID
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO approval_audit_log (id, cart_name, workflow_id, action, performed_by, performed_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Cart, workflowID, entry.Action, entry.PerformedBy, toMillis(entry.PerformedAt), metadata,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, cart string) ([]*repository.ApprovalAuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, cart_name, workflow_id, action, performed_by, performed_at, metadata
		 FROM approval_audit_log
		 WHERE cart_name = ?
		 ORDER BY performed_at ASC, rowid ASC`, cart)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []*repository.ApprovalAuditEntry
	for rows.Next() {
		var (
			e           repository.ApprovalAuditEntry
			workflowID  sql.NullString
			metadata    sql.NullString
			performedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Cart, &workflowID, &e.Action, &e.PerformedBy, &performedAt, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if workflowID.Valid {
			id := workflowID.String
			e.WorkflowID = &id
		}
		e.PerformedAt = fromMillis(performedAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
