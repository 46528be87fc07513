package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-group-carts/internal/platform/database"
	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/repository"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// AppendAudit inserts one audit entry. The table has an update/delete trigger
// so this is the only mutation exposed. The id is always assigned here.
func (r *ApprovalAuditRepository) AppendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}
	var performedAt any
	if !entry.PerformedAt.IsZero() {
		performedAt = entry.PerformedAt
	}

	query := `
		INSERT INTO cart_approval_audit_log
		    (cart_name, workflow_id, action, performed_by, performed_at, metadata)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, NOW()), $6)
		RETURNING id::text, performed_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.Cart,
		entry.WorkflowID,
		entry.Action,
		entry.PerformedBy,
		performedAt,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListAudit returns the audit trail for a cart ordered oldest-first.
func (r *ApprovalAuditRepository) ListAudit(ctx context.Context, cart string) ([]*repository.ApprovalAuditEntry, error) {
	query := `
		SELECT id::text, cart_name, workflow_id, action,
		       performed_by, performed_at, metadata
		FROM cart_approval_audit_log
		WHERE cart_name = $1
		ORDER BY performed_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, cart)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]*repository.ApprovalAuditEntry, error) {
	var entries []*repository.ApprovalAuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit log")
	}
	return entries, nil
}

func scanAuditEntry(sc rowScanner) (*repository.ApprovalAuditEntry, error) {
	entry := &repository.ApprovalAuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.Cart,
		&entry.WorkflowID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
