// Package memory provides a process-local Store. All state lives behind one
// mutex, so every operation (including finalize) is a single critical section.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-group-carts/internal/repository"
)

type cartRecord struct {
	parts     map[string]repository.Part
	createdAt time.Time
	updatedAt time.Time
}

// Store is an in-memory repository.Store. The zero value is not usable; call New.
type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	carts     map[string]*cartRecord
	approvers map[string]repository.User
	workflows map[string]*repository.ApprovalWorkflow
	audit     []*repository.ApprovalAuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		carts:     make(map[string]*cartRecord),
		approvers: make(map[string]repository.User),
		workflows: make(map[string]*repository.ApprovalWorkflow),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ── Carts ─────────────────────────────────────────────────────────────────────

func (s *Store) CreateCart(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.carts[name]; ok {
		return false, nil
	}
	now := s.now()
	s.carts[name] = &cartRecord{parts: make(map[string]repository.Part), createdAt: now, updatedAt: now}
	return true, nil
}

func (s *Store) DeleteCart(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.carts[name]; !ok {
		return false, nil
	}
	delete(s.carts, name)
	delete(s.workflows, name)
	return true, nil
}

func (s *Store) AddPart(ctx context.Context, cart, part string, qty int, user repository.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if qty < 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.carts[cart]
	if !ok {
		return false, nil
	}
	p := rec.parts[part]
	if qty > repository.MaxPartQuantity-p.Quantity {
		return false, nil
	}
	p.Name = part
	p.Quantity += qty
	p.LastUser = user
	rec.parts[part] = p
	rec.updatedAt = s.now()
	return true, nil
}

func (s *Store) RemovePart(ctx context.Context, cart, part string, _ repository.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.carts[cart]
	if !ok {
		return false, nil
	}
	if _, ok := rec.parts[part]; !ok {
		return false, nil
	}
	delete(rec.parts, part)
	rec.updatedAt = s.now()
	return true, nil
}

func (s *Store) ListCart(ctx context.Context, cart string) (*repository.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.carts[cart]
	if !ok {
		return nil, nil
	}
	return snapshotCart(cart, rec), nil
}

func (s *Store) ClearCart(ctx context.Context, cart string, _ repository.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clearLocked(cart), nil
}

func (s *Store) clearLocked(cart string) bool {
	rec, ok := s.carts[cart]
	if !ok {
		return false
	}
	rec.parts = make(map[string]repository.Part)
	rec.updatedAt = s.now()
	return true
}

func snapshotCart(name string, rec *cartRecord) *repository.Cart {
	parts := make([]repository.Part, 0, len(rec.parts))
	for _, p := range rec.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Name < parts[j].Name })
	return &repository.Cart{Name: name, Parts: parts, CreatedAt: rec.createdAt, UpdatedAt: rec.updatedAt}
}

// ── Approvers ─────────────────────────────────────────────────────────────────

func (s *Store) AddApprover(ctx context.Context, user repository.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.approvers[user.ID]; ok {
		return false, nil
	}
	s.approvers[user.ID] = user
	return true, nil
}

func (s *Store) RemoveApprover(ctx context.Context, user repository.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.approvers[user.ID]; !ok {
		return false, nil
	}
	delete(s.approvers, user.ID)
	return true, nil
}

func (s *Store) ListApprovers(ctx context.Context) ([]repository.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]repository.User, 0, len(s.approvers))
	for _, u := range s.approvers {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) IsApprover(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.approvers[userID]
	return ok, nil
}

// ── Workflows ─────────────────────────────────────────────────────────────────

func (s *Store) GetWorkflow(ctx context.Context, cart string) (*repository.ApprovalWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[cart]
	if !ok {
		return nil, nil
	}
	return copyWorkflow(wf), nil
}

func (s *Store) GetWorkflowByMessage(ctx context.Context, messageRef string) (*repository.ApprovalWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if messageRef == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wf := range s.workflows {
		if wf.MessageRef == messageRef {
			return copyWorkflow(wf), nil
		}
	}
	return nil, nil
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *repository.ApprovalWorkflow) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.Cart]; ok {
		return false, nil
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.OpenedAt.IsZero() {
		wf.OpenedAt = s.now()
	}
	s.workflows[wf.Cart] = copyWorkflow(wf)
	return true, nil
}

func (s *Store) BindMessage(ctx context.Context, cart, messageRef string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[cart]
	if !ok {
		return false, nil
	}
	wf.MessageRef = messageRef
	return true, nil
}

func (s *Store) AppendApproval(ctx context.Context, cart string, approval repository.Approval) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[cart]
	if !ok || wf.HasApprovalFrom(approval.Approver.ID) {
		return 0, nil
	}
	wf.Approvals = append(wf.Approvals, approval)
	sort.SliceStable(wf.Approvals, func(i, j int) bool {
		return wf.Approvals[i].EventTimestamp.Before(wf.Approvals[j].EventTimestamp)
	})
	return len(wf.Approvals), nil
}

func (s *Store) DeleteApproval(ctx context.Context, cart, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[cart]
	if !ok {
		return false, nil
	}
	for i, a := range wf.Approvals {
		if a.Approver.ID == userID {
			wf.Approvals = append(wf.Approvals[:i], wf.Approvals[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, cart string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[cart]; !ok {
		return false, nil
	}
	delete(s.workflows, cart)
	return true, nil
}

// FinalizeWorkflow clears the cart and drops the workflow in one critical section.
func (s *Store) FinalizeWorkflow(ctx context.Context, cart string, _ repository.User) (repository.FinalizeOutcome, []repository.Part, error) {
	if err := ctx.Err(); err != nil {
		return repository.FinalizeNoWorkflow, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[cart]; !ok {
		return repository.FinalizeNoWorkflow, nil, nil
	}
	rec, ok := s.carts[cart]
	if !ok {
		return repository.FinalizeCartMissing, nil, nil
	}
	purchased := snapshotCart(cart, rec).Parts
	s.clearLocked(cart)
	delete(s.workflows, cart)
	return repository.Finalized, purchased, nil
}

func copyWorkflow(wf *repository.ApprovalWorkflow) *repository.ApprovalWorkflow {
	cp := *wf
	cp.Approvals = append([]repository.Approval(nil), wf.Approvals...)
	return &cp
}

// ── Audit ─────────────────────────────────────────────────────────────────────

func (s *Store) AppendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = s.now()
	}
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, cart string) ([]*repository.ApprovalAuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*repository.ApprovalAuditEntry
	for _, e := range s.audit {
		if e.Cart == cart {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	return entries, nil
}

var _ repository.Store = (*Store)(nil)
