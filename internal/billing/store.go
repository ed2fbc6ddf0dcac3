package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agripay/internal/common/database"
)

// Store persists billings.
type Store interface {
	Create(ctx context.Context, b *Billing) error
	Get(ctx context.Context, id string) (*Billing, error)
	// Update is version-guarded like payment.Store.Update.
	Update(ctx context.Context, b *Billing) error
	// ListDue returns Active billings whose next date is before cutoff.
	ListDue(ctx context.Context, cutoff time.Time) ([]*Billing, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*Billing, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	billings map[string]*Billing
	refs     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		billings: make(map[string]*Billing),
		refs:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) Create(_ context.Context, b *Billing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refs[b.BillingRef]; ok {
		return fmt.Errorf("billing %s: %w", b.BillingRef, database.ErrAlreadyExists)
	}
	b.Version = 1
	s.billings[b.ID] = b.Clone()
	s.refs[b.BillingRef] = struct{}{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Billing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.billings[id]
	if !ok || b.Deleted {
		return nil, database.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, b *Billing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.billings[b.ID]
	if !ok {
		return database.ErrNotFound
	}
	if cur.Version != b.Version {
		return fmt.Errorf("billing %s version %d: %w", b.BillingRef, b.Version, database.ErrConflict)
	}
	b.Version++
	s.billings[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, cutoff time.Time) ([]*Billing, error) {
	out := s.filter(func(b *Billing) bool {
		return b.Status == StatusActive && b.NextBillingDate.Before(cutoff)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextBillingDate.Before(out[j].NextBillingDate) })
	return out, nil
}

func (s *MemoryStore) ListByCustomer(_ context.Context, customerID string) ([]*Billing, error) {
	out := s.filter(func(b *Billing) bool { return b.CustomerID == customerID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) filter(keep func(*Billing) bool) []*Billing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Billing
	for _, b := range s.billings {
		if !b.Deleted && keep(b) {
			out = append(out, b.Clone())
		}
	}
	return out
}
