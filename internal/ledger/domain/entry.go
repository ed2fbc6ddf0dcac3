package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"agripay/internal/common/money"
)

// ErrAlreadyReversed is returned when reversing a batch twice.
var ErrAlreadyReversed = errors.New("batch already reversed")

// EntryType represents the type of ledger entry
type EntryType string

const (
	EntryTypeDebit  EntryType = "debit"
	EntryTypeCredit EntryType = "credit"
)

// BatchStatus represents the status of a ledger batch
type BatchStatus string

const (
	BatchStatusPosted   BatchStatus = "posted"
	BatchStatusReversed BatchStatus = "reversed"
)

// SourceType represents the source of a ledger batch
type SourceType string

const (
	SourceTypePayment  SourceType = "payment"
	SourceTypeReversal SourceType = "reversal"
)

// Entry represents a single ledger entry
type Entry struct {
	ID           string           `json:"id"`
	BatchID      string           `json:"batch_id"`
	AccountCode  string           `json:"account_code"`
	EntryType    EntryType        `json:"entry_type"`
	Amount       money.Money      `json:"amount"`
	BalanceAfter *decimal.Decimal `json:"balance_after,omitempty"`
	Description  string           `json:"description,omitempty"`
	Sequence     int              `json:"sequence"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Batch is a group of balanced entries posted together. A source
// (payment id, reversed batch id) is booked at most once.
type Batch struct {
	ID             string            `json:"id"`
	Reference      string            `json:"reference,omitempty"`
	Description    string            `json:"description,omitempty"`
	SourceType     SourceType        `json:"source_type"`
	SourceID       string            `json:"source_id"`
	Total          money.Money       `json:"total"`
	EntryCount     int               `json:"entry_count"`
	Status         BatchStatus       `json:"status"`
	PostedAt       time.Time         `json:"posted_at"`
	PostedBy       string            `json:"posted_by,omitempty"`
	ReversedAt     *time.Time        `json:"reversed_at,omitempty"`
	ReversedBy     string            `json:"reversed_by,omitempty"`
	ReversalReason string            `json:"reversal_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Entries        []*Entry          `json:"entries,omitempty"`
}

// BatchBuilder helps construct valid ledger batches
type BatchBuilder struct {
	batch   *Batch
	entries []*Entry
	debits  decimal.Decimal
	credits decimal.Decimal
	newID   func() string
	err     error
}

// NewBatchBuilder creates a new batch builder. newID supplies entry ids.
func NewBatchBuilder(id string, sourceType SourceType, sourceID string, currency money.Currency, now time.Time, newID func() string) *BatchBuilder {
	if id == "" || sourceID == "" {
		return &BatchBuilder{err: errors.New("id and source_id are required")}
	}

	return &BatchBuilder{
		batch: &Batch{
			ID:         id,
			SourceType: sourceType,
			SourceID:   sourceID,
			Total:      money.Zero(currency),
			Status:     BatchStatusPosted,
			PostedAt:   now,
			Metadata:   make(map[string]string),
			CreatedAt:  now,
		},
		debits:  decimal.Zero,
		credits: decimal.Zero,
		newID:   newID,
	}
}

// WithReference sets the external reference
func (b *BatchBuilder) WithReference(reference string) *BatchBuilder {
	if b.err != nil {
		return b
	}
	b.batch.Reference = reference
	return b
}

// WithDescription sets the description
func (b *BatchBuilder) WithDescription(description string) *BatchBuilder {
	if b.err != nil {
		return b
	}
	b.batch.Description = description
	return b
}

// WithPostedBy records who posted the batch.
func (b *BatchBuilder) WithPostedBy(actor string) *BatchBuilder {
	if b.err != nil {
		return b
	}
	b.batch.PostedBy = actor
	return b
}

// WithMetadata adds metadata
func (b *BatchBuilder) WithMetadata(key, value string) *BatchBuilder {
	if b.err != nil || value == "" {
		return b
	}
	b.batch.Metadata[key] = value
	return b
}

// Debit adds a debit entry. Zero amounts are skipped.
func (b *BatchBuilder) Debit(accountCode string, amount money.Money, description string) *BatchBuilder {
	return b.add(EntryTypeDebit, accountCode, amount, description)
}

// Credit adds a credit entry. Zero amounts are skipped.
func (b *BatchBuilder) Credit(accountCode string, amount money.Money, description string) *BatchBuilder {
	return b.add(EntryTypeCredit, accountCode, amount, description)
}

func (b *BatchBuilder) add(entryType EntryType, accountCode string, amount money.Money, description string) *BatchBuilder {
	if b.err != nil {
		return b
	}
	if amount.IsZero() {
		return b
	}
	if amount.Currency != b.batch.Total.Currency {
		b.err = fmt.Errorf("entry currency %s does not match batch currency %s", amount.Currency, b.batch.Total.Currency)
		return b
	}
	if amount.IsNegative() {
		b.err = errors.New("entry amount must be positive")
		return b
	}
	if accountCode == "" {
		b.err = errors.New("account code is required")
		return b
	}

	b.entries = append(b.entries, &Entry{
		ID:          b.newID(),
		BatchID:     b.batch.ID,
		AccountCode: accountCode,
		EntryType:   entryType,
		Amount:      amount,
		Description: description,
		Sequence:    len(b.entries) + 1,
		CreatedAt:   b.batch.CreatedAt,
	})
	if entryType == EntryTypeDebit {
		b.debits = b.debits.Add(amount.Amount)
	} else {
		b.credits = b.credits.Add(amount.Amount)
	}
	return b
}

// Build validates and returns the batch
func (b *BatchBuilder) Build() (*Batch, error) {
	if b.err != nil {
		return nil, b.err
	}

	if len(b.entries) < 2 {
		return nil, errors.New("batch must have at least two entries")
	}

	if !b.debits.Equal(b.credits) {
		return nil, fmt.Errorf("batch must be balanced: debits %s, credits %s", b.debits, b.credits)
	}

	b.batch.Total.Amount = b.debits
	b.batch.EntryCount = len(b.entries)
	b.batch.Entries = b.entries

	return b.batch, nil
}

// Validate validates a batch is balanced
func (batch *Batch) Validate() error {
	if len(batch.Entries) != batch.EntryCount {
		return errors.New("entry count mismatch")
	}

	debits, credits := decimal.Zero, decimal.Zero
	for _, entry := range batch.Entries {
		if entry.Amount.Currency != batch.Total.Currency {
			return errors.New("entry currency does not match batch currency")
		}
		if entry.EntryType == EntryTypeDebit {
			debits = debits.Add(entry.Amount.Amount)
		} else {
			credits = credits.Add(entry.Amount.Amount)
		}
	}

	if !debits.Equal(credits) {
		return errors.New("batch is not balanced")
	}
	if !debits.Equal(batch.Total.Amount) {
		return errors.New("entry totals do not match batch total")
	}

	return nil
}

// Reverse marks the batch as reversed
func (batch *Batch) Reverse(actor, reason string, now time.Time) error {
	if batch.Status != BatchStatusPosted {
		return ErrAlreadyReversed
	}

	batch.Status = BatchStatusReversed
	batch.ReversedAt = &now
	batch.ReversedBy = actor
	batch.ReversalReason = reason
	return nil
}

// ApplyEntry moves an account balance by one entry according to the
// account's normal side.
func ApplyEntry(normal NormalBalance, balance decimal.Decimal, entry *Entry) decimal.Decimal {
	sameSide := (normal == NormalBalanceDebit) == (entry.EntryType == EntryTypeDebit)
	if sameSide {
		return balance.Add(entry.Amount.Amount)
	}
	return balance.Sub(entry.Amount.Amount)
}

// CalculateBalance returns the balance for an account given entries
func CalculateBalance(account *Account, entries []*Entry) decimal.Decimal {
	balance := decimal.Zero
	for _, entry := range entries {
		if entry.AccountCode != account.Code {
			continue
		}
		balance = ApplyEntry(account.NormalBalance, balance, entry)
	}
	return balance
}
