// Package ledger keeps double-entry books of the money the platform moves.
// Every completed payment is booked once as a balanced batch against the
// chart of accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"agripay/internal/common/clock"
	"agripay/internal/common/database"
	"agripay/internal/common/events"
	"agripay/internal/common/money"
	"agripay/internal/ledger/domain"
	"agripay/internal/ledger/store"
	"agripay/internal/payment"
)

// Config holds ledger configuration.
type Config struct {
	Currency string `envconfig:"LEDGER_CURRENCY" default:"TZS"`
}

// Service provides ledger operations
type Service struct {
	store     store.Store
	clock     clock.Clock
	publisher events.EventPublisher
	currency  money.Currency
	logger    *slog.Logger
}

// NewService creates a new ledger service
func NewService(st store.Store, clk clock.Clock, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Service {
	currency := money.Currency(cfg.Currency)
	if currency == "" {
		currency = money.TZS
	}
	return &Service{
		store:     st,
		clock:     clk,
		publisher: publisher,
		currency:  currency,
		logger:    logger.With("component", "ledger"),
	}
}

// InitializeAccounts creates the chart of accounts. Existing accounts are
// left untouched.
func (s *Service) InitializeAccounts(ctx context.Context) error {
	now := s.clock.Now()
	chart := domain.ChartOfAccounts()
	accounts := make([]*domain.Account, 0, len(chart))
	for _, sa := range chart {
		a, err := domain.NewAccount(sa.Code, sa.Name, sa.AccountType, s.currency, now)
		if err != nil {
			return fmt.Errorf("account %s: %w", sa.Code, err)
		}
		a.IsSystem = true
		accounts = append(accounts, a)
	}

	if err := s.store.EnsureAccounts(ctx, accounts); err != nil {
		return fmt.Errorf("initializing accounts: %w", err)
	}

	s.logger.Info("chart of accounts initialized", "accounts", len(accounts), "currency", s.currency)
	return nil
}

// ListAccounts returns every account with its balance.
func (s *Service) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	return s.store.ListAccounts(ctx)
}

// GetAccount retrieves an account by code
func (s *Service) GetAccount(ctx context.Context, code string) (*domain.Account, error) {
	return s.store.GetAccount(ctx, code)
}

// GetAccountEntries retrieves entries for an account, newest first
func (s *Service) GetAccountEntries(ctx context.Context, code string, limit, offset int) ([]*domain.Entry, int64, error) {
	if _, err := s.store.GetAccount(ctx, code); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.GetAccountEntries(ctx, code, limit, offset)
}

// GetBatch retrieves a batch with its entries
func (s *Service) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	return s.store.GetBatch(ctx, id)
}

// GetPaymentBatch retrieves the batch that booked a payment.
func (s *Service) GetPaymentBatch(ctx context.Context, paymentID string) (*domain.Batch, error) {
	return s.store.GetBatchBySource(ctx, domain.SourceTypePayment, paymentID)
}

// RecordPayment books a completed payment. A payment already booked
// returns the existing batch.
func (s *Service) RecordPayment(ctx context.Context, p *payment.Payment) (*domain.Batch, error) {
	if p.Status != payment.StatusCompleted {
		return nil, fmt.Errorf("payment %s is %s, not completed", p.TransactionRef, p.Status)
	}
	if p.Amount.Currency != s.currency {
		return nil, fmt.Errorf("payment %s currency %s is not the ledger currency %s",
			p.TransactionRef, p.Amount.Currency, s.currency)
	}

	now := s.clock.Now()
	builder := domain.NewBatchBuilder(ulid.Make().String(), domain.SourceTypePayment, p.ID, s.currency, now, newID).
		WithReference(p.TransactionRef).
		WithDescription(fmt.Sprintf("%s %s via %s", p.Direction, p.Category, p.Provider)).
		WithMetadata("category", string(p.Category)).
		WithMetadata("customer_id", p.CustomerID).
		WithMetadata("recorded_by", p.RecordedBy).
		WithMetadata("external_transaction_id", p.ExternalTransactionID)
	if err := paymentEntries(builder, p); err != nil {
		return nil, err
	}

	batch, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building batch: %w", err)
	}

	if err := s.store.PostBatch(ctx, batch); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			s.logger.Info("payment already booked", "transaction_ref", p.TransactionRef)
			return s.store.GetBatchBySource(ctx, domain.SourceTypePayment, p.ID)
		}
		return nil, fmt.Errorf("posting batch: %w", err)
	}

	s.logger.Info("batch posted",
		"batch_id", batch.ID,
		"transaction_ref", p.TransactionRef,
		"entry_count", batch.EntryCount,
		"total", batch.Total.StringFixed(),
		"currency", batch.Total.Currency,
	)
	s.publish(ctx, events.EventLedgerBatchPosted, batch)
	return batch, nil
}

// ReverseBatch posts the mirror image of a batch and marks the original
// reversed. A batch can be reversed once; reversals cannot be reversed.
func (s *Service) ReverseBatch(ctx context.Context, id, actor, reason string) (*domain.Batch, error) {
	orig, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.SourceType == domain.SourceTypeReversal {
		return nil, fmt.Errorf("batch %s is itself a reversal: %w", id, domain.ErrAlreadyReversed)
	}

	now := s.clock.Now()
	builder := domain.NewBatchBuilder(ulid.Make().String(), domain.SourceTypeReversal, orig.ID, orig.Total.Currency, now, newID).
		WithReference(orig.Reference).
		WithDescription("Reversal: " + reason).
		WithPostedBy(actor)
	for _, e := range orig.Entries {
		if e.EntryType == domain.EntryTypeDebit {
			builder.Credit(e.AccountCode, e.Amount, "Reversal of "+e.ID)
		} else {
			builder.Debit(e.AccountCode, e.Amount, "Reversal of "+e.ID)
		}
	}
	reversal, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building reversal: %w", err)
	}

	if err := s.store.ReverseBatch(ctx, orig.ID, reversal, actor, reason, now); err != nil {
		return nil, err
	}

	s.logger.Info("batch reversed",
		"batch_id", orig.ID,
		"reversal_id", reversal.ID,
		"actor", actor,
		"reason", reason,
	)
	s.publish(ctx, events.EventLedgerBatchReversed, reversal)
	return reversal, nil
}

// TrialBalance sums debit-normal and credit-normal account balances.
type TrialBalance struct {
	Currency money.Currency    `json:"currency"`
	Debits   decimal.Decimal   `json:"debits"`
	Credits  decimal.Decimal   `json:"credits"`
	Balanced bool              `json:"balanced"`
	Accounts []*domain.Account `json:"accounts"`
}

// GetTrialBalance reports whether the books balance.
func (s *Service) GetTrialBalance(ctx context.Context) (*TrialBalance, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	tb := &TrialBalance{Currency: s.currency, Debits: decimal.Zero, Credits: decimal.Zero, Accounts: accounts}
	for _, a := range accounts {
		if a.NormalBalance == domain.NormalBalanceDebit {
			tb.Debits = tb.Debits.Add(a.Balance)
		} else {
			tb.Credits = tb.Credits.Add(a.Balance)
		}
	}
	tb.Balanced = tb.Debits.Equal(tb.Credits)
	return tb, nil
}

// PaymentCompleted books the payment.
func (s *Service) PaymentCompleted(ctx context.Context, p *payment.Payment) error {
	_, err := s.RecordPayment(ctx, p)
	return err
}

// PaymentFailed is a no-op; failed payments move no money.
func (s *Service) PaymentFailed(context.Context, *payment.Payment) error {
	return nil
}

var _ payment.Observer = (*Service)(nil)

func (s *Service) publish(ctx context.Context, eventType string, b *domain.Batch) {
	evt, err := events.NewEvent(eventType, events.AggregateLedger, b.ID, s.clock.Now(), events.LedgerBatchData{
		BatchID:    b.ID,
		SourceType: string(b.SourceType),
		SourceID:   b.SourceID,
		Reference:  b.Reference,
		EntryCount: b.EntryCount,
		Total:      b.Total.StringFixed(),
		Currency:   string(b.Total.Currency),
	})
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.logger.Error("failed to publish ledger event",
			"type", eventType,
			"batch_id", b.ID,
			"error", err,
		)
	}
}

func newID() string { return ulid.Make().String() }
