package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"agripay/internal/common/database"
	"agripay/internal/ledger/domain"
)

// Store provides ledger data access
type Store interface {
	// EnsureAccounts creates the accounts that do not exist yet.
	EnsureAccounts(ctx context.Context, accounts []*domain.Account) error
	ListAccounts(ctx context.Context) ([]*domain.Account, error)
	GetAccount(ctx context.Context, code string) (*domain.Account, error)
	// PostBatch writes the batch and its entries atomically, moving account
	// balances and stamping each entry's BalanceAfter. It returns
	// database.ErrAlreadyExists when the batch's source is already booked.
	PostBatch(ctx context.Context, batch *domain.Batch) error
	// ReverseBatch marks the original reversed and posts its reversal in
	// one transaction.
	ReverseBatch(ctx context.Context, originalID string, reversal *domain.Batch, actor, reason string, now time.Time) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	GetBatchBySource(ctx context.Context, sourceType domain.SourceType, sourceID string) (*domain.Batch, error)
	// GetAccountEntries returns the newest entries first with the total count.
	GetAccountEntries(ctx context.Context, code string, limit, offset int) ([]*domain.Entry, int64, error)
}

type sourceKey struct {
	typ domain.SourceType
	id  string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
	batches  map[string]*domain.Batch
	sources  map[sourceKey]string
	entries  map[string][]*domain.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*domain.Account),
		batches:  make(map[string]*domain.Batch),
		sources:  make(map[sourceKey]string),
		entries:  make(map[string][]*domain.Entry),
	}
}

func (s *MemoryStore) EnsureAccounts(_ context.Context, accounts []*domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		if _, ok := s.accounts[a.Code]; ok {
			continue
		}
		cp := *a
		s.accounts[a.Code] = &cp
	}
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, code string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[code]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) PostBatch(_ context.Context, batch *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.post(batch)
}

func (s *MemoryStore) post(batch *domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	key := sourceKey{batch.SourceType, batch.SourceID}
	if _, ok := s.sources[key]; ok {
		return fmt.Errorf("%s batch for %s: %w", batch.SourceType, batch.SourceID, database.ErrAlreadyExists)
	}

	balances := make(map[string]decimal.Decimal)
	for _, e := range batch.Entries {
		a, ok := s.accounts[e.AccountCode]
		if !ok {
			return fmt.Errorf("account %s: %w", e.AccountCode, database.ErrNotFound)
		}
		bal, seen := balances[e.AccountCode]
		if !seen {
			bal = a.Balance
		}
		bal = domain.ApplyEntry(a.NormalBalance, bal, e)
		balances[e.AccountCode] = bal
		after := bal
		e.BalanceAfter = &after
	}

	for code, bal := range balances {
		s.accounts[code].Balance = bal
		s.accounts[code].UpdatedAt = batch.PostedAt
	}
	s.batches[batch.ID] = cloneBatch(batch)
	s.sources[key] = batch.ID
	for _, e := range batch.Entries {
		cp := *e
		s.entries[e.AccountCode] = append(s.entries[e.AccountCode], &cp)
	}
	return nil
}

func (s *MemoryStore) ReverseBatch(_ context.Context, originalID string, reversal *domain.Batch, actor, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.batches[originalID]
	if !ok {
		return database.ErrNotFound
	}
	updated := cloneBatch(orig)
	if err := updated.Reverse(actor, reason, now); err != nil {
		return err
	}
	if err := s.post(reversal); err != nil {
		return err
	}
	s.batches[originalID] = updated
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) GetBatchBySource(ctx context.Context, sourceType domain.SourceType, sourceID string) (*domain.Batch, error) {
	s.mu.RLock()
	id, ok := s.sources[sourceKey{sourceType, sourceID}]
	s.mu.RUnlock()
	if !ok {
		return nil, database.ErrNotFound
	}
	return s.GetBatch(ctx, id)
}

func (s *MemoryStore) GetAccountEntries(_ context.Context, code string, limit, offset int) ([]*domain.Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[code]
	total := int64(len(all))
	var out []*domain.Entry
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, total, nil
}

func cloneBatch(b *domain.Batch) *domain.Batch {
	cp := *b
	cp.Metadata = make(map[string]string, len(b.Metadata))
	for k, v := range b.Metadata {
		cp.Metadata[k] = v
	}
	cp.Entries = make([]*domain.Entry, len(b.Entries))
	for i, e := range b.Entries {
		ec := *e
		cp.Entries[i] = &ec
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
