package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/platform/logger"
	"github.com/pesio-ai/be-group-carts/internal/repository"
)

// CartStore is the slice of repository.Store the cart service needs.
type CartStore interface {
	repository.CartStore
	repository.ApproverStore
	repository.AuditStore
}

// CartService handles cart and approver-set operations. Expected outcomes
// (duplicate cart, missing part, ...) are reported through the bool return;
// errors are faults.
type CartService struct {
	store CartStore
	locks *CartLocks
	log   *logger.Logger
}

// NewCartService creates a new cart service. locks must be the same table the
// approval engine uses so cart mutations and workflow transitions never
// interleave.
func NewCartService(store CartStore, locks *CartLocks, log *logger.Logger) *CartService {
	return &CartService{
		store: store,
		locks: locks,
		log:   log,
	}
}

func requireName(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.InvalidInput(field, "must not be empty")
	}
	return nil
}

// ── Carts ─────────────────────────────────────────────────────────────────────

// CreateCart returns false when a cart with that name already exists.
func (s *CartService) CreateCart(ctx context.Context, name string, by repository.User) (bool, error) {
	if err := requireName("cart", name); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	ok, err := s.store.CreateCart(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info().Str("cart", name).Str("user_id", by.ID).Msg("Cart created")
	}
	return ok, nil
}

// DeleteCart removes a cart together with any open workflow.
func (s *CartService) DeleteCart(ctx context.Context, name string, by repository.User) (bool, error) {
	if err := requireName("cart", name); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	ok, err := s.store.DeleteCart(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info().Str("cart", name).Str("user_id", by.ID).Msg("Cart deleted")
	}
	return ok, nil
}

// AddPart accumulates qty of part into cart. Negative quantities, and additions
// that would take the part past repository.MaxPartQuantity, are rejected as an
// expected outcome.
func (s *CartService) AddPart(ctx context.Context, cart, part string, qty int, by repository.User) (bool, error) {
	if err := requireName("cart", cart); err != nil {
		return false, err
	}
	if err := requireName("part", part); err != nil {
		return false, err
	}
	if qty < 0 || qty > repository.MaxPartQuantity {
		return false, nil
	}
	unlock := s.locks.Lock(cart)
	defer unlock()

	ok, err := s.store.AddPart(ctx, cart, part, qty, by)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Debug().
			Str("cart", cart).
			Str("part", part).
			Int("quantity", qty).
			Str("user_id", by.ID).
			Msg("Part added")
	}
	return ok, nil
}

// RemovePart removes the whole part line.
func (s *CartService) RemovePart(ctx context.Context, cart, part string, by repository.User) (bool, error) {
	if err := requireName("cart", cart); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(cart)
	defer unlock()

	ok, err := s.store.RemovePart(ctx, cart, part, by)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Debug().Str("cart", cart).Str("part", part).Str("user_id", by.ID).Msg("Part removed")
	}
	return ok, nil
}

// ListCart returns nil when the cart does not exist.
func (s *CartService) ListCart(ctx context.Context, cart string) (*repository.Cart, error) {
	unlock := s.locks.Lock(cart)
	defer unlock()

	return s.store.ListCart(ctx, cart)
}

// ClearCart empties an existing cart and records it in the audit log.
func (s *CartService) ClearCart(ctx context.Context, cart string, by repository.User) (bool, error) {
	if err := requireName("cart", cart); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(cart)
	defer unlock()

	ok, err := s.store.ClearCart(ctx, cart, by)
	if err != nil || !ok {
		return false, err
	}

	appendAudit(ctx, s.store, s.log, &repository.ApprovalAuditEntry{
		Cart:        cart,
		Action:      repository.AuditCleared,
		PerformedBy: by.ID,
	})
	s.log.Info().Str("cart", cart).Str("user_id", by.ID).Msg("Cart cleared")
	return true, nil
}

// AuditTrail returns the cart's audit log oldest-first.
func (s *CartService) AuditTrail(ctx context.Context, cart string) ([]*repository.ApprovalAuditEntry, error) {
	return s.store.ListAudit(ctx, cart)
}

// ── Approvers ─────────────────────────────────────────────────────────────────

// AddApprover returns false when user is already an approver.
func (s *CartService) AddApprover(ctx context.Context, user, requestedBy repository.User) (bool, error) {
	if err := requireName("user_id", user.ID); err != nil {
		return false, err
	}
	ok, err := s.store.AddApprover(ctx, user)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info().
			Str("approver_id", user.ID).
			Str("requested_by", requestedBy.ID).
			Msg("Approver added")
	}
	return ok, nil
}

// RemoveApprover returns false when user is not an approver. Approvals the
// user already recorded on open workflows stay in place.
func (s *CartService) RemoveApprover(ctx context.Context, user, requestedBy repository.User) (bool, error) {
	ok, err := s.store.RemoveApprover(ctx, user)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info().
			Str("approver_id", user.ID).
			Str("requested_by", requestedBy.ID).
			Msg("Approver removed")
	}
	return ok, nil
}

// ListApprovers returns the approver set ordered by user id.
func (s *CartService) ListApprovers(ctx context.Context) ([]repository.User, error) {
	return s.store.ListApprovers(ctx)
}

// ── Audit helper ──────────────────────────────────────────────────────────────

// appendAudit writes an audit entry. Failures are logged and never returned:
// the audit trail must not block a committed transition.
func appendAudit(ctx context.Context, store repository.AuditStore, log *logger.Logger, entry *repository.ApprovalAuditEntry) {
	if err := store.AppendAudit(ctx, entry); err != nil {
		log.Warn().Err(err).
			Str("cart", entry.Cart).
			Str("action", entry.Action).
			Msg("Failed to append audit entry")
	}
}
