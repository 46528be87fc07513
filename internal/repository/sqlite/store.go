// Package sqlite provides a SQLite-backed cart store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pesio-ai/be-group-carts/internal/platform/storage/sqlitemigrate"
	"github.com/pesio-ai/be-group-carts/internal/repository"
	"github.com/pesio-ai/be-group-carts/internal/repository/sqlite/migrations"
)

// Store persists carts, approvers and approval workflows in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway and a single
	// connection keeps read-modify-write transactions linearizable.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func cartExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM carts WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check cart %s: %w", name, err)
	}
	return true, nil
}

func touchCart(ctx context.Context, tx *sql.Tx, name string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_at = ? WHERE name = ?`, toMillis(at), name); err != nil {
		return fmt.Errorf("touch cart %s: %w", name, err)
	}
	return nil
}

// ── Carts ─────────────────────────────────────────────────────────────────────

func (s *Store) CreateCart(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := toMillis(s.now())
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO carts (name, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		name, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("create cart: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create cart: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteCart(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM approvals WHERE cart_name = ?`,
			`DELETE FROM approval_workflows WHERE cart_name = ?`,
			`DELETE FROM cart_parts WHERE cart_name = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
				return fmt.Errorf("delete cart %s: %w", name, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM carts WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete cart %s: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Leave any orphaned workflow untouched when there was no cart.
			return errNoChange
		}
		deleted = true
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return deleted, err
}

// errNoChange rolls back a transaction whose precondition did not hold.
var errNoChange = errors.New("no change")

func (s *Store) AddPart(ctx context.Context, cart, part string, qty int, user repository.User) (bool, error) {
	if qty < 0 || qty > repository.MaxPartQuantity {
		return false, ctx.Err()
	}
	var added bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		exists, err := cartExists(ctx, tx, cart)
		if err != nil || !exists {
			return err
		}
		now := s.now()
		// The conflict WHERE skips the update when the sum would overflow.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO cart_parts (cart_name, part_name, quantity, last_user_id, last_user_name, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (cart_name, part_name) DO UPDATE SET
			     quantity = cart_parts.quantity + excluded.quantity,
			     last_user_id = excluded.last_user_id,
			     last_user_name = excluded.last_user_name,
			     updated_at = excluded.updated_at
			 WHERE cart_parts.quantity <= ? - excluded.quantity`,
			cart, part, qty, user.ID, user.Name, toMillis(now), repository.MaxPartQuantity,
		)
		if err != nil {
			return fmt.Errorf("add part: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("add part: %w", err)
		}
		if n == 0 {
			return nil
		}
		if err := touchCart(ctx, tx, cart, now); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

func (s *Store) RemovePart(ctx context.Context, cart, part string, _ repository.User) (bool, error) {
	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM cart_parts WHERE cart_name = ? AND part_name = ?`, cart, part)
		if err != nil {
			return fmt.Errorf("remove part: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		removed = true
		return touchCart(ctx, tx, cart, s.now())
	})
	return removed, err
}

func (s *Store) ListCart(ctx context.Context, cart string) (*repository.Cart, error) {
	var out *repository.Cart
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c := &repository.Cart{Name: cart, Parts: []repository.Part{}}
		var createdAt, updatedAt int64
		err := tx.QueryRowContext(ctx,
			`SELECT created_at, updated_at FROM carts WHERE name = ?`, cart,
		).Scan(&createdAt, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get cart: %w", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)

		if c.Parts, err = listPartsTx(ctx, tx, cart); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func listPartsTx(ctx context.Context, tx *sql.Tx, cart string) ([]repository.Part, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT part_name, quantity, last_user_id, last_user_name
		 FROM cart_parts
		 WHERE cart_name = ?
		 ORDER BY part_name ASC`, cart)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()
	parts := []repository.Part{}
	for rows.Next() {
		var p repository.Part
		if err := rows.Scan(&p.Name, &p.Quantity, &p.LastUser.ID, &p.LastUser.Name); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	return parts, nil
}

func (s *Store) ClearCart(ctx context.Context, cart string, _ repository.User) (bool, error) {
	var cleared bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := clearCartTx(ctx, tx, cart, s.now())
		cleared = ok
		return err
	})
	return cleared, err
}

func clearCartTx(ctx context.Context, tx *sql.Tx, cart string, at time.Time) (bool, error) {
	exists, err := cartExists(ctx, tx, cart)
	if err != nil || !exists {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_parts WHERE cart_name = ?`, cart); err != nil {
		return false, fmt.Errorf("clear cart: %w", err)
	}
	if err := touchCart(ctx, tx, cart, at); err != nil {
		return false, err
	}
	return true, nil
}

// ── Approvers ─────────────────────────────────────────────────────────────────

func (s *Store) AddApprover(ctx context.Context, user repository.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO approvers (user_id, display_name, added_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		user.ID, user.Name, toMillis(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("add approver: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add approver: %w", err)
	}
	return n == 1, nil
}

func (s *Store) RemoveApprover(ctx context.Context, user repository.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM approvers WHERE user_id = ?`, user.ID)
	if err != nil {
		return false, fmt.Errorf("remove approver: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove approver: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListApprovers(ctx context.Context) ([]repository.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, display_name FROM approvers ORDER BY user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	defer rows.Close()

	users := []repository.User{}
	for rows.Next() {
		var u repository.User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan approver: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) IsApprover(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM approvers WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check approver: %w", err)
	}
	return true, nil
}

var _ repository.Store = (*Store)(nil)
