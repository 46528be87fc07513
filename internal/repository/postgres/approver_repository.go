package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-group-carts/internal/platform/database"
	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/repository"
)

// ApproverRepository manages the approver set.
type ApproverRepository struct {
	db *database.DB
}

// NewApproverRepository creates a new ApproverRepository.
func NewApproverRepository(db *database.DB) *ApproverRepository {
	return &ApproverRepository{db: db}
}

// AddApprover returns false when the user is already a member. The existing
// display name is kept.
func (r *ApproverRepository) AddApprover(ctx context.Context, user repository.User) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO approvers (user_id, display_name) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, user.ID, user.Name)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to add approver")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ApproverRepository) RemoveApprover(ctx context.Context, user repository.User) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM approvers WHERE user_id = $1`, user.ID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to remove approver")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ApproverRepository) ListApprovers(ctx context.Context) ([]repository.User, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, display_name
		FROM approvers
		ORDER BY user_id COLLATE "C" ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvers")
	}
	defer rows.Close()

	users := []repository.User{}
	for rows.Next() {
		var u repository.User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvers")
	}
	return users, nil
}

func (r *ApproverRepository) IsApprover(ctx context.Context, userID string) (bool, error) {
	var id string
	err := r.db.QueryRow(ctx, `SELECT user_id FROM approvers WHERE user_id = $1`, userID).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check approver")
	}
	return true, nil
}
