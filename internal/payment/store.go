package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agripay/internal/common/database"
)

// Store persists payments.
type Store interface {
	// Create inserts a new payment. A taken transaction reference yields
	// database.ErrAlreadyExists.
	Create(ctx context.Context, p *Payment) error
	GetByRef(ctx context.Context, transactionRef string) (*Payment, error)
	GetByID(ctx context.Context, id string) (*Payment, error)
	// Update writes p if the stored version equals p.Version, then bumps
	// p.Version. A stale version yields database.ErrConflict.
	Update(ctx context.Context, p *Payment) error
	ListByCustomer(ctx context.Context, customerID string) ([]*Payment, error)
	// ListStuck returns Processing payments that entered Processing before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)
	// ListRetryable returns Failed payments with retries left that failed before cutoff.
	ListRetryable(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)
}

// MemoryStore is a Store backed by maps, for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Payment
	byRef map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Payment),
		byRef: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRef[p.TransactionRef]; ok {
		return fmt.Errorf("payment %s: %w", p.TransactionRef, database.ErrAlreadyExists)
	}
	p.Version = 1
	s.byID[p.ID] = p.Clone()
	s.byRef[p.TransactionRef] = p.ID
	return nil
}

func (s *MemoryStore) GetByRef(_ context.Context, ref string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[ref]
	if !ok {
		return nil, database.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[p.ID]
	if !ok {
		return database.ErrNotFound
	}
	if cur.Version != p.Version {
		return fmt.Errorf("payment %s version %d: %w", p.TransactionRef, p.Version, database.ErrConflict)
	}
	p.Version++
	s.byID[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) ListByCustomer(_ context.Context, customerID string) ([]*Payment, error) {
	return s.filter(func(p *Payment) bool { return p.CustomerID == customerID }, 0, func(a, b *Payment) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

func (s *MemoryStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	return s.filter(func(p *Payment) bool {
		return p.Status == StatusProcessing && p.ProcessingAt != nil && p.ProcessingAt.Before(cutoff)
	}, limit, func(a, b *Payment) bool { return a.ProcessingAt.Before(*b.ProcessingAt) }), nil
}

func (s *MemoryStore) ListRetryable(_ context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	return s.filter(func(p *Payment) bool {
		return p.CanRetry() && p.FailedAt != nil && p.FailedAt.Before(cutoff)
	}, limit, func(a, b *Payment) bool { return a.FailedAt.Before(*b.FailedAt) }), nil
}

// Count returns the number of stored payments, deleted ones included.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *MemoryStore) filter(keep func(*Payment) bool, limit int, less func(a, b *Payment) bool) []*Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payment
	for _, p := range s.byID {
		if !p.Deleted && keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
