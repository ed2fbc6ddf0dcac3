// Package commission derives agent earnings from completed payments and
// pays them out in weekly batches.
package commission

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"agripay/internal/common/money"
	"agripay/internal/payment"
)

// Status of a commission.
type Status string

const (
	StatusCalculated       Status = "CALCULATED"
	StatusQueuedForPayout  Status = "QUEUED_FOR_PAYOUT"
	StatusProcessingPayout Status = "PROCESSING_PAYOUT"
	StatusPaid             Status = "PAID"
	StatusPayoutFailed     Status = "PAYOUT_FAILED"
	StatusCancelled        Status = "CANCELLED"
)

func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

var ErrInvalidTransition = errors.New("invalid commission transition")

// Commission is an agent's share of one completed payment.
type Commission struct {
	ID              string           `json:"id"`
	AgentID         string           `json:"agent_id"`
	PaymentID       string           `json:"payment_id"`
	TransactionRef  string           `json:"transaction_ref"`
	PaymentCategory payment.Category `json:"payment_category"`

	BaseAmount money.Money     `json:"base_amount"`
	Rate       decimal.Decimal `json:"rate"`
	Amount     money.Money     `json:"amount"`

	Status  Status    `json:"status"`
	DueDate time.Time `json:"due_date"`

	PayoutBatchID   string `json:"payout_batch_id,omitempty"`
	PayoutRef       string `json:"payout_ref,omitempty"`
	PayoutPaymentID string `json:"payout_payment_id,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	StatusChangedBy string `json:"status_changed_by,omitempty"`

	CalculatedAt time.Time  `json:"calculated_at"`
	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`

	Deleted   bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"-"`
}

func (c *Commission) invalid(to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
}

// IsDue reports whether a calculated commission has reached its payout date.
func (c *Commission) IsDue(now time.Time) bool {
	return c.Status == StatusCalculated && !c.DueDate.After(now)
}

// QueueForPayout assigns the commission to a payout batch.
func (c *Commission) QueueForPayout(batchID string, now time.Time) error {
	if c.Status != StatusCalculated {
		return c.invalid(StatusQueuedForPayout)
	}
	c.Status = StatusQueuedForPayout
	c.PayoutBatchID = batchID
	c.QueuedAt = &now
	c.UpdatedAt = now
	return nil
}

// StartPayout records the payout payment that is now in flight.
func (c *Commission) StartPayout(payoutRef string, now time.Time) error {
	if c.Status != StatusQueuedForPayout {
		return c.invalid(StatusProcessingPayout)
	}
	c.Status = StatusProcessingPayout
	c.PayoutRef = payoutRef
	c.UpdatedAt = now
	return nil
}

// MarkPaid is terminal. payoutPaymentID identifies the payout transaction.
func (c *Commission) MarkPaid(payoutPaymentID, payoutRef, actor string, now time.Time) error {
	if c.Status.IsTerminal() {
		return c.invalid(StatusPaid)
	}
	c.Status = StatusPaid
	c.PayoutPaymentID = payoutPaymentID
	if payoutRef != "" {
		c.PayoutRef = payoutRef
	}
	c.FailureReason = ""
	c.StatusChangedBy = actor
	c.PaidAt = &now
	c.UpdatedAt = now
	return nil
}

func (c *Commission) MarkPayoutFailed(reason string, now time.Time) error {
	if c.Status != StatusQueuedForPayout && c.Status != StatusProcessingPayout {
		return c.invalid(StatusPayoutFailed)
	}
	c.Status = StatusPayoutFailed
	c.FailureReason = reason
	c.UpdatedAt = now
	return nil
}

// Requeue returns a failed payout to Calculated so the next payout sweep
// picks it up again.
func (c *Commission) Requeue(actor string, now time.Time) error {
	if c.Status != StatusPayoutFailed {
		return c.invalid(StatusCalculated)
	}
	c.Status = StatusCalculated
	c.PayoutBatchID = ""
	c.PayoutRef = ""
	c.QueuedAt = nil
	c.StatusChangedBy = actor
	c.UpdatedAt = now
	return nil
}

// Cancel voids a commission that has not been paid or sent.
func (c *Commission) Cancel(actor, reason string, now time.Time) error {
	switch c.Status {
	case StatusCalculated, StatusQueuedForPayout, StatusPayoutFailed:
	default:
		return c.invalid(StatusCancelled)
	}
	c.Status = StatusCancelled
	c.FailureReason = reason
	c.StatusChangedBy = actor
	c.UpdatedAt = now
	return nil
}

func (c *Commission) Clone() *Commission {
	cp := *c
	if c.QueuedAt != nil {
		t := *c.QueuedAt
		cp.QueuedAt = &t
	}
	if c.PaidAt != nil {
		t := *c.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}

// NextPayoutCutoff returns the next weekday at hour:00 in now's location.
// A time before the cutoff on the payout day itself returns that day's
// cutoff.
func NextPayoutCutoff(now time.Time, weekday time.Weekday, hour int) time.Time {
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	y, m, d := now.Date()
	cutoff := time.Date(y, m, d+days, hour, 0, 0, 0, now.Location())
	if !cutoff.After(now) {
		cutoff = cutoff.AddDate(0, 0, 7)
	}
	return cutoff
}
