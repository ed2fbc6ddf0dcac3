package commission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agripay/internal/common/database"
)

// Store persists commissions.
type Store interface {
	// Create returns database.ErrAlreadyExists when the payment already
	// has a commission.
	Create(ctx context.Context, c *Commission) error
	Get(ctx context.Context, id string) (*Commission, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Commission, error)
	// Update is version-guarded.
	Update(ctx context.Context, c *Commission) error
	// ListDue returns Calculated commissions due at or before now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Commission, error)
	ListByAgent(ctx context.Context, agentID string) ([]*Commission, error)
	// QueueBatch moves the given Calculated commissions into one payout
	// batch atomically and returns the ones it moved. Commissions that are
	// no longer Calculated are left out.
	QueueBatch(ctx context.Context, ids []string, batchID string, now time.Time) ([]*Commission, error)
}

type MemoryStore struct {
	mu          sync.RWMutex
	commissions map[string]*Commission
	byPayment   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commissions: make(map[string]*Commission),
		byPayment:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, c *Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPayment[c.PaymentID]; ok {
		return fmt.Errorf("commission for payment %s: %w", c.PaymentID, database.ErrAlreadyExists)
	}
	c.Version = 1
	s.commissions[c.ID] = c.Clone()
	s.byPayment[c.PaymentID] = c.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commissions[id]
	if !ok || c.Deleted {
		return nil, database.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) GetByPaymentID(ctx context.Context, paymentID string) (*Commission, error) {
	s.mu.RLock()
	id, ok := s.byPayment[paymentID]
	s.mu.RUnlock()
	if !ok {
		return nil, database.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Update(_ context.Context, c *Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(c)
}

func (s *MemoryStore) update(c *Commission) error {
	cur, ok := s.commissions[c.ID]
	if !ok {
		return database.ErrNotFound
	}
	if cur.Version != c.Version {
		return fmt.Errorf("commission %s version %d: %w", c.ID, c.Version, database.ErrConflict)
	}
	c.Version++
	s.commissions[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Commission, error) {
	out := s.filter(func(c *Commission) bool { return c.IsDue(now) })
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]*Commission, error) {
	out := s.filter(func(c *Commission) bool { return c.AgentID == agentID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) QueueBatch(_ context.Context, ids []string, batchID string, now time.Time) ([]*Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*Commission
	for _, id := range ids {
		cur, ok := s.commissions[id]
		if !ok || cur.Deleted || cur.Status != StatusCalculated {
			continue
		}
		c := cur.Clone()
		if err := c.QueueForPayout(batchID, now); err != nil {
			return nil, err
		}
		if err := s.update(c); err != nil {
			return nil, err
		}
		queued = append(queued, c)
	}
	return queued, nil
}

func (s *MemoryStore) filter(keep func(*Commission) bool) []*Commission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Commission
	for _, c := range s.commissions {
		if !c.Deleted && keep(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}
