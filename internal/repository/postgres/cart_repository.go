package postgres

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-group-carts/internal/platform/database"
	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/repository"
)

// CartRepository handles carts and their parts.
type CartRepository struct {
	db *database.DB
}

// NewCartRepository creates a new CartRepository.
func NewCartRepository(db *database.DB) *CartRepository {
	return &CartRepository{db: db}
}

// CreateCart inserts an empty cart. Names are compared byte-for-byte.
func (r *CartRepository) CreateCart(ctx context.Context, name string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO carts (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create cart")
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteCart removes the cart. Parts cascade; the workflow is removed
// explicitly because it has no foreign key to carts.
func (r *CartRepository) DeleteCart(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Same lock order as FinalizeWorkflow: workflow row, then cart row.
		if _, err := tx.Exec(ctx, `SELECT 1 FROM approval_workflows WHERE cart_name = $1 FOR UPDATE`, name); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock cart workflow")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM carts WHERE name = $1`, name)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete cart")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM approval_workflows WHERE cart_name = $1`, name); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete cart workflow")
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// AddPart accumulates qty onto the part. The conflict WHERE leaves the row
// alone when the sum would exceed repository.MaxPartQuantity, and the cart is
// only touched when a part row was written.
func (r *CartRepository) AddPart(ctx context.Context, cart, part string, qty int, user repository.User) (bool, error) {
	if qty < 0 || qty > repository.MaxPartQuantity {
		return false, ctx.Err()
	}
	query := `
		WITH upserted AS (
		    INSERT INTO cart_parts (cart_name, part_name, quantity, last_user_id, last_user_name)
		    SELECT name, $2, $3, $4, $5 FROM carts WHERE name = $1
		    ON CONFLICT (cart_name, part_name) DO UPDATE
		    SET quantity       = cart_parts.quantity + EXCLUDED.quantity,
		        last_user_id   = EXCLUDED.last_user_id,
		        last_user_name = EXCLUDED.last_user_name,
		        updated_at     = NOW()
		    WHERE cart_parts.quantity <= $6 - EXCLUDED.quantity
		    RETURNING cart_name
		)
		UPDATE carts SET updated_at = NOW()
		FROM upserted
		WHERE carts.name = upserted.cart_name
	`
	tag, err := r.db.Exec(ctx, query, cart, part, qty, user.ID, user.Name, repository.MaxPartQuantity)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to add part")
	}
	return tag.RowsAffected() == 1, nil
}

// RemovePart deletes the whole part line.
func (r *CartRepository) RemovePart(ctx context.Context, cart, part string, _ repository.User) (bool, error) {
	var removed bool
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM cart_parts WHERE cart_name = $1 AND part_name = $2`, cart, part)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to remove part")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE carts SET updated_at = NOW() WHERE name = $1`, cart); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to touch cart")
		}
		removed = true
		return nil
	})
	return removed, err
}

// ListCart returns nil when the cart does not exist.
func (r *CartRepository) ListCart(ctx context.Context, cart string) (*repository.Cart, error) {
	var out *repository.Cart
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		c := &repository.Cart{Name: cart, Parts: []repository.Part{}}
		err := tx.QueryRow(ctx,
			`SELECT created_at, updated_at FROM carts WHERE name = $1`, cart,
		).Scan(&c.CreatedAt, &c.UpdatedAt)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to get cart")
		}

		rows, err := tx.Query(ctx, `
			SELECT part_name, quantity, last_user_id, last_user_name
			FROM cart_parts
			WHERE cart_name = $1
			ORDER BY part_name COLLATE "C" ASC
		`, cart)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to list parts")
		}
		if c.Parts, err = collectParts(rows); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// ClearCart removes every part while keeping the cart.
func (r *CartRepository) ClearCart(ctx context.Context, cart string, _ repository.User) (bool, error) {
	var cleared bool
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		_, cleared, err = clearCartTx(ctx, tx, cart)
		return err
	})
	return cleared, err
}

// clearCartTx locks the cart row and empties it, returning the removed parts
// sorted by name. It reports false when the cart does not exist.
func clearCartTx(ctx context.Context, tx pgx.Tx, cart string) ([]repository.Part, bool, error) {
	var name string
	err := tx.QueryRow(ctx, `SELECT name FROM carts WHERE name = $1 FOR UPDATE`, cart).Scan(&name)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock cart")
	}
	rows, err := tx.Query(ctx, `
		DELETE FROM cart_parts WHERE cart_name = $1
		RETURNING part_name, quantity, last_user_id, last_user_name
	`, cart)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to clear cart")
	}
	removed, err := collectParts(rows)
	if err != nil {
		return nil, false, err
	}
	// Byte order, matching ListCart's COLLATE "C".
	sort.Slice(removed, func(i, j int) bool { return removed[i].Name < removed[j].Name })

	if _, err := tx.Exec(ctx, `UPDATE carts SET updated_at = NOW() WHERE name = $1`, cart); err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to touch cart")
	}
	return removed, true, nil
}

func collectParts(rows pgx.Rows) ([]repository.Part, error) {
	defer rows.Close()
	parts := []repository.Part{}
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list parts")
	}
	return parts, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPart(row rowScanner) (repository.Part, error) {
	var p repository.Part
	err := row.Scan(&p.Name, &p.Quantity, &p.LastUser.ID, &p.LastUser.Name)
	if err != nil {
		return p, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan part")
	}
	return p, nil
}
