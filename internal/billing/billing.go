// Package billing schedules recurring service fees and turns each due cycle
// into a payment through the orchestrator.
package billing

import (
	"errors"
	"fmt"
	"time"

	"agripay/internal/common/money"
)

// Status of a billing.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// IsTerminal reports whether the billing can no longer charge.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// ServiceType is the kind of advisory service being billed.
type ServiceType string

const (
	ServiceWeeklyConsultation ServiceType = "WEEKLY_CONSULTATION"
	ServiceMonthlyTips        ServiceType = "MONTHLY_TIPS"
	ServiceSeasonalAdvisory   ServiceType = "SEASONAL_ADVISORY"
	ServiceEquipmentRental    ServiceType = "EQUIPMENT_RENTAL"
	ServiceMarketUpdates      ServiceType = "MARKET_UPDATES"
	ServiceWeatherAlerts      ServiceType = "WEATHER_ALERTS"
	ServiceCustom             ServiceType = "CUSTOM_SERVICE"
)

var (
	ErrInvalidTransition = errors.New("invalid billing transition")
	ErrInvalidBilling    = errors.New("invalid billing")
)

// Billing is a recurring obligation. Calendar dates are UTC midnights.
type Billing struct {
	ID                 string      `json:"id"`
	BillingRef         string      `json:"billing_ref"`
	CustomerID         string      `json:"customer_id"`
	CustomerName       string      `json:"customer_name,omitempty"`
	CustomerPhone      string      `json:"customer_phone"`
	AgentID            string      `json:"agent_id,omitempty"`
	ServiceType        ServiceType `json:"service_type"`
	ServiceName        string      `json:"service_name"`
	ServiceDescription string      `json:"service_description,omitempty"`

	Frequency       Frequency   `json:"frequency"`
	Amount          money.Money `json:"amount"`
	BillingDay      int         `json:"billing_day"`
	StartDate       time.Time   `json:"start_date"`
	EndDate         *time.Time  `json:"end_date,omitempty"`
	NextBillingDate time.Time   `json:"next_billing_date"`
	LastBillingDate *time.Time  `json:"last_billing_date,omitempty"`

	Status     Status `json:"status"`
	StatusNote string `json:"status_note,omitempty"`

	TotalPayments      int         `json:"total_payments"`
	TotalCollected     money.Money `json:"total_collected"`
	FailedPaymentCount int         `json:"failed_payment_count"`
	MaxFailures        int         `json:"max_failures"`
	GracePeriodDays    int         `json:"grace_period_days"`
	AutoSuspend        bool        `json:"auto_suspend"`

	// The most recent payment started for this billing.
	LastPaymentRef string `json:"last_payment_ref,omitempty"`
	// The most recent payment that completed a cycle.
	LastPaymentID string `json:"last_payment_id,omitempty"`

	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`

	Deleted   bool       `json:"-"`
	DeletedAt *time.Time `json:"-"`
	DeletedBy string     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"-"`
}

// IsDue reports whether the billing should charge on today.
func (b *Billing) IsDue(today time.Time) bool {
	return b.Status == StatusActive && !b.NextBillingDate.After(today)
}

// IsOverdue reports whether a due cycle is past its grace period.
func (b *Billing) IsOverdue(today time.Time) bool {
	return b.IsDue(today) && today.After(b.NextBillingDate.AddDate(0, 0, b.GracePeriodDays))
}

// HasEnded reports whether the next cycle falls after the end date.
func (b *Billing) HasEnded() bool {
	return b.EndDate != nil && b.NextBillingDate.After(*b.EndDate)
}

// RecordSuccessfulPayment closes the current cycle. The cycle's due date
// becomes the last billing date and the next date is derived from it, so
// late collection never shifts the schedule.
func (b *Billing) RecordSuccessfulPayment(paymentID string, amount money.Money, now time.Time) error {
	total, err := b.TotalCollected.Add(amount)
	if err != nil {
		return fmt.Errorf("billing %s: %w", b.BillingRef, err)
	}

	cycle := b.NextBillingDate
	b.LastBillingDate = &cycle
	b.NextBillingDate = NextBillingDate(cycle, b.Frequency, b.BillingDay)
	b.LastPaymentID = paymentID
	b.TotalPayments++
	b.TotalCollected = total
	b.FailedPaymentCount = 0
	if b.Status == StatusSuspended {
		b.Status = StatusActive
		b.SuspendedAt = nil
		b.note("Reactivated: payment received")
	}
	b.UpdatedAt = now
	return nil
}

// RecordFailedPayment counts a failed attempt and reports whether the
// billing was suspended because of it.
func (b *Billing) RecordFailedPayment(now time.Time) bool {
	b.FailedPaymentCount++
	b.UpdatedAt = now
	if b.AutoSuspend && b.Status == StatusActive && b.FailedPaymentCount >= b.MaxFailures {
		b.Status = StatusSuspended
		b.SuspendedAt = &now
		b.note("Suspended: max payment failures reached")
		return true
	}
	return false
}

func (b *Billing) Suspend(reason string, now time.Time) error {
	if b.Status != StatusActive && b.Status != StatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusSuspended)
	}
	b.Status = StatusSuspended
	b.SuspendedAt = &now
	b.note("Suspended: " + reason)
	b.UpdatedAt = now
	return nil
}

func (b *Billing) Pause(reason string, now time.Time) error {
	if b.Status != StatusActive {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusPaused)
	}
	b.Status = StatusPaused
	b.note("Paused: " + reason)
	b.UpdatedAt = now
	return nil
}

// Reactivate resumes a suspended or paused billing and clears its failures.
func (b *Billing) Reactivate(now time.Time) error {
	if b.Status != StatusSuspended && b.Status != StatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusActive)
	}
	b.Status = StatusActive
	b.SuspendedAt = nil
	b.FailedPaymentCount = 0
	b.note("Reactivated")
	b.UpdatedAt = now
	return nil
}

func (b *Billing) Cancel(reason string, now time.Time) error {
	if b.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusCancelled)
	}
	b.Status = StatusCancelled
	b.CancelledAt = &now
	b.note("Cancelled: " + reason)
	b.UpdatedAt = now
	return nil
}

// Expire ends a billing whose end date has passed.
func (b *Billing) Expire(now time.Time) error {
	if b.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusExpired)
	}
	b.Status = StatusExpired
	b.note("Expired: end date reached")
	b.UpdatedAt = now
	return nil
}

func (b *Billing) SoftDelete(actor, reason string, now time.Time) error {
	if b.Deleted {
		return fmt.Errorf("%w: already deleted", ErrInvalidTransition)
	}
	b.Deleted = true
	b.DeletedAt = &now
	b.DeletedBy = actor
	b.note("Deleted: " + reason)
	b.UpdatedAt = now
	return nil
}

func (b *Billing) note(s string) {
	if b.StatusNote == "" {
		b.StatusNote = s
		return
	}
	b.StatusNote += "; " + s
}

// Clone returns a copy that shares no pointers with b.
func (b *Billing) Clone() *Billing {
	c := *b
	c.EndDate = copyTime(b.EndDate)
	c.LastBillingDate = copyTime(b.LastBillingDate)
	c.SuspendedAt = copyTime(b.SuspendedAt)
	c.CancelledAt = copyTime(b.CancelledAt)
	c.DeletedAt = copyTime(b.DeletedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
