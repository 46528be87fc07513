// Package postgres implements repository.Store on Postgres via pgx.
package postgres

import (
	"context"
	_ "embed"

	"github.com/pesio-ai/be-group-carts/internal/platform/database"
	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}

// Store aggregates the per-table repositories into one repository.Store.
type Store struct {
	*CartRepository
	*ApproverRepository
	*ApprovalWorkflowRepository
	*ApprovalAuditRepository

	db *database.DB
}

// NewStore builds a Store over db. The caller owns migrations.
func NewStore(db *database.DB) *Store {
	return &Store{
		CartRepository:             NewCartRepository(db),
		ApproverRepository:         NewApproverRepository(db),
		ApprovalWorkflowRepository: NewApprovalWorkflowRepository(db),
		ApprovalAuditRepository:    NewApprovalAuditRepository(db),
		db:                         db,
	}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

var _ repository.Store = (*Store)(nil)
