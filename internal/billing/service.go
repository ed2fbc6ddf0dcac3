package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"agripay/internal/common/clock"
	"agripay/internal/common/database"
	"agripay/internal/common/events"
	"agripay/internal/common/lock"
	"agripay/internal/common/money"
	"agripay/internal/payment"
)

// Config holds billing defaults.
type Config struct {
	Frequency   string        `envconfig:"BILLING_FREQUENCY" default:"WEEKLY"`
	BillingDay  int           `envconfig:"BILLING_DAY" default:"5"`
	Currency    string        `envconfig:"BILLING_CURRENCY" default:"TZS"`
	MaxFailures int           `envconfig:"BILLING_MAX_FAILURES" default:"3"`
	GraceDays   int           `envconfig:"BILLING_GRACE_DAYS" default:"7"`
	AutoSuspend bool          `envconfig:"BILLING_AUTO_SUSPEND" default:"true"`
	LockTimeout time.Duration `envconfig:"BILLING_LOCK_TIMEOUT" default:"30s"`
}

func DefaultConfig() Config {
	return Config{
		Frequency:   string(FrequencyWeekly),
		BillingDay:  5,
		Currency:    string(money.TZS),
		MaxFailures: 3,
		GraceDays:   7,
		AutoSuspend: true,
		LockTimeout: 30 * time.Second,
	}
}

// Payments is the part of the orchestrator billing drives.
type Payments interface {
	InitiatePayment(ctx context.Context, req payment.InitiateRequest) (*payment.Result, error)
	GetPaymentByTransactionRef(ctx context.Context, transactionRef string) (*payment.Payment, error)
}

// Metadata keys set on billing payments.
const (
	MetaBillingID    = "billing_id"
	MetaBillingRef   = "billing_ref"
	MetaBillingCycle = "billing_cycle"
)

// How many times an observer update re-reads after losing a version race.
const maxUpdateAttempts = 3

// Service is the billing engine.
type Service struct {
	store     Store
	payments  Payments
	locker    lock.Locker
	clock     clock.Clock
	publisher events.EventPublisher
	cfg       Config
	logger    *slog.Logger
}

func NewService(store Store, payments Payments, locker lock.Locker, clk clock.Clock, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{
		store:     store,
		payments:  payments,
		locker:    locker,
		clock:     clk,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateRequest describes a new billing. Zero values take the configured
// defaults.
type CreateRequest struct {
	CustomerID         string
	CustomerName       string
	CustomerPhone      string
	AgentID            string
	ServiceType        ServiceType
	ServiceName        string
	ServiceDescription string
	Frequency          Frequency
	Amount             decimal.Decimal
	Currency           money.Currency
	BillingDay         int
	StartDate          *time.Time
	EndDate            *time.Time
	CreatedBy          string
}

// CreateBilling starts an Active billing whose first charge falls on the
// next occurrence of the billing day.
func (s *Service) CreateBilling(ctx context.Context, req CreateRequest) (*Billing, error) {
	if req.CustomerID == "" || req.ServiceName == "" {
		return nil, fmt.Errorf("%w: customer and service name are required", ErrInvalidBilling)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidBilling)
	}
	if req.Frequency == "" {
		req.Frequency = Frequency(s.cfg.Frequency)
	}
	if !req.Frequency.Valid() {
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrInvalidBilling, req.Frequency)
	}
	if req.BillingDay == 0 {
		req.BillingDay = s.cfg.BillingDay
	}
	if err := ValidateBillingDay(req.Frequency, req.BillingDay); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBilling, err)
	}
	if req.Currency == "" {
		req.Currency = money.Currency(s.cfg.Currency)
	}
	if err := money.CheckPrecision(req.Amount, req.Currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBilling, err)
	}
	if req.ServiceType == "" {
		req.ServiceType = ServiceCustom
	}
	phone := payment.NormalizePhone(req.CustomerPhone)
	if !payment.ValidPhone(phone) {
		return nil, fmt.Errorf("%w: invalid phone number format", ErrInvalidBilling)
	}

	now := s.clock.Now()
	today := clock.Date(now)
	start := today
	if req.StartDate != nil && clock.Date(*req.StartDate).After(today) {
		start = clock.Date(*req.StartDate)
	}
	var end *time.Time
	if req.EndDate != nil {
		d := clock.Date(*req.EndDate)
		if d.Before(start) {
			return nil, fmt.Errorf("%w: end date before start date", ErrInvalidBilling)
		}
		end = &d
	}

	// The first charge is on or after the start date and strictly after today.
	first := FirstBillingDate(start.AddDate(0, 0, -1), req.Frequency, req.BillingDay)
	if !first.After(today) {
		first = FirstBillingDate(today, req.Frequency, req.BillingDay)
	}

	b := &Billing{
		ID:                 ulid.Make().String(),
		BillingRef:         "BILL_" + ulid.Make().String(),
		CustomerID:         req.CustomerID,
		CustomerName:       req.CustomerName,
		CustomerPhone:      phone,
		AgentID:            req.AgentID,
		ServiceType:        req.ServiceType,
		ServiceName:        req.ServiceName,
		ServiceDescription: req.ServiceDescription,
		Frequency:          req.Frequency,
		Amount:             money.New(req.Amount, req.Currency),
		BillingDay:         req.BillingDay,
		StartDate:          start,
		EndDate:            end,
		NextBillingDate:    first,
		Status:             StatusActive,
		TotalCollected:     money.Zero(req.Currency),
		MaxFailures:        s.cfg.MaxFailures,
		GracePeriodDays:    s.cfg.GraceDays,
		AutoSuspend:        s.cfg.AutoSuspend,
		CreatedBy:          req.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create billing: %w", err)
	}

	s.logger.Info("billing created",
		"billing_ref", b.BillingRef,
		"customer_id", b.CustomerID,
		"frequency", b.Frequency,
		"amount", b.Amount.String(),
		"next_billing_date", b.NextBillingDate.Format(time.DateOnly),
	)
	s.publish(ctx, events.EventBillingCreated, b)
	return b, nil
}

// Get returns database.ErrNotFound for unknown or deleted billings.
func (s *Service) Get(ctx context.Context, id string) (*Billing, error) {
	return s.store.Get(ctx, id)
}

// GetCustomerBillings lists a customer's billings, newest first.
func (s *Service) GetCustomerBillings(ctx context.Context, customerID string) ([]*Billing, error) {
	return s.store.ListByCustomer(ctx, customerID)
}

// GetDueBillings returns Active billings due today or earlier.
func (s *Service) GetDueBillings(ctx context.Context) ([]*Billing, error) {
	cutoff := clock.Date(s.clock.Now()).AddDate(0, 0, 1)
	return s.store.ListDue(ctx, cutoff)
}

// Outcome of ProcessDueBilling.
type Outcome string

const (
	OutcomeCharged   Outcome = "CHARGED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeSuspended Outcome = "SUSPENDED"
	OutcomeSkipped   Outcome = "SKIPPED"
	OutcomeExpired   Outcome = "EXPIRED"
)

// ProcessResult reports what ProcessDueBilling did.
type ProcessResult struct {
	Outcome        Outcome `json:"outcome"`
	TransactionRef string  `json:"transaction_ref,omitempty"`
	Message        string  `json:"message"`
}

// ProcessDueBilling starts a SERVICE_FEE payment for a due billing. It does
// nothing when the billing is not due, or when the previous payment is
// still in flight or waiting for a retry. A refused payment counts as a
// failure and may suspend the billing.
func (s *Service) ProcessDueBilling(ctx context.Context, id string) (*ProcessResult, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	unlock, err := s.locker.Lock(lockCtx, "billing:"+id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("lock billing %s: %w", id, err)
	}
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load billing %s: %w", id, err)
	}

	today := clock.Date(s.clock.Now())
	if b.Status == StatusActive && b.HasEnded() {
		if err := s.update(ctx, id, func(b *Billing, now time.Time) error { return b.Expire(now) }); err != nil {
			return nil, err
		}
		s.logger.Info("billing expired", "billing_ref", b.BillingRef)
		return &ProcessResult{Outcome: OutcomeExpired, Message: "Billing end date reached"}, nil
	}
	if !b.IsDue(today) {
		s.logger.Warn("billing not due yet",
			"billing_ref", b.BillingRef,
			"status", b.Status,
			"next_billing_date", b.NextBillingDate.Format(time.DateOnly),
		)
		return &ProcessResult{Outcome: OutcomeSkipped, Message: "Billing is not due"}, nil
	}

	if b.LastPaymentRef != "" {
		last, err := s.payments.GetPaymentByTransactionRef(ctx, b.LastPaymentRef)
		if err != nil && !database.IsNotFound(err) {
			return nil, fmt.Errorf("load last payment: %w", err)
		}
		if last != nil && inFlight(last) {
			s.logger.Info("billing payment still open",
				"billing_ref", b.BillingRef,
				"transaction_ref", last.TransactionRef,
				"status", last.Status,
			)
			return &ProcessResult{
				Outcome:        OutcomeSkipped,
				TransactionRef: last.TransactionRef,
				Message:        "Previous payment is still open",
			}, nil
		}
	}

	// The ref is stored before dispatch so a failure callback that beats
	// InitiatePayment back still finds the billing's current payment.
	ref := payment.NewTransactionRef(payment.CategoryServiceFee)
	prevRef := b.LastPaymentRef
	if err := s.update(ctx, id, func(b *Billing, now time.Time) error {
		b.LastPaymentRef = ref
		b.UpdatedAt = now
		return nil
	}); err != nil {
		return nil, err
	}

	res, err := s.payments.InitiatePayment(ctx, payment.InitiateRequest{
		TransactionRef: ref,
		CustomerID:     b.CustomerID,
		RecordedBy:     b.AgentID,
		Category:       payment.CategoryServiceFee,
		Method:         payment.MethodUSSDPush,
		Amount:         b.Amount.Amount,
		Currency:       b.Amount.Currency,
		PhoneNumber:    b.CustomerPhone,
		RecipientName:  b.CustomerName,
		Description:    "Billing for " + b.ServiceName,
		Metadata: map[string]string{
			MetaBillingID:    b.ID,
			MetaBillingRef:   b.BillingRef,
			MetaBillingCycle: b.NextBillingDate.Format(time.DateOnly),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initiate billing payment: %w", err)
	}

	if res.Success {
		s.logger.Info("billing payment initiated",
			"billing_ref", b.BillingRef,
			"transaction_ref", ref,
			"status", res.Status,
		)
		return &ProcessResult{Outcome: OutcomeCharged, TransactionRef: ref, Message: res.Message}, nil
	}

	var suspended bool
	if err := s.update(ctx, id, func(b *Billing, now time.Time) error {
		if res.Payment == nil {
			b.LastPaymentRef = prevRef
		}
		suspended = b.RecordFailedPayment(now)
		return nil
	}); err != nil {
		return nil, err
	}
	s.logger.Error("billing payment failed",
		"billing_ref", b.BillingRef,
		"transaction_ref", ref,
		"reason", res.Message,
		"suspended", suspended,
	)
	if suspended {
		return &ProcessResult{Outcome: OutcomeSuspended, TransactionRef: ref, Message: res.Message}, nil
	}
	return &ProcessResult{Outcome: OutcomeFailed, TransactionRef: ref, Message: res.Message}, nil
}

// inFlight reports whether a billing payment may still settle on its own.
func inFlight(p *payment.Payment) bool {
	switch p.Status {
	case payment.StatusPending, payment.StatusProcessing:
		return true
	case payment.StatusFailed:
		return p.CanRetry()
	}
	return false
}

// Suspend stops charging until the billing is reactivated.
func (s *Service) Suspend(ctx context.Context, id, actor, reason string) (*Billing, error) {
	return s.transition(ctx, id, actor, events.EventBillingSuspended, func(b *Billing, now time.Time) error {
		return b.Suspend(reason, now)
	})
}

// Pause stops charging without counting as a failure.
func (s *Service) Pause(ctx context.Context, id, actor, reason string) (*Billing, error) {
	return s.transition(ctx, id, actor, "", func(b *Billing, now time.Time) error {
		return b.Pause(reason, now)
	})
}

// Reactivate resumes a suspended or paused billing and resets its failures.
func (s *Service) Reactivate(ctx context.Context, id, actor string) (*Billing, error) {
	return s.transition(ctx, id, actor, events.EventBillingReactivated, func(b *Billing, now time.Time) error {
		return b.Reactivate(now)
	})
}

func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*Billing, error) {
	return s.transition(ctx, id, actor, events.EventBillingCancelled, func(b *Billing, now time.Time) error {
		return b.Cancel(reason, now)
	})
}

// Delete soft-deletes a billing. Its payments are kept.
func (s *Service) Delete(ctx context.Context, id, actor, reason string) error {
	_, err := s.transition(ctx, id, actor, "", func(b *Billing, now time.Time) error {
		return b.SoftDelete(actor, reason, now)
	})
	return err
}

func (s *Service) transition(ctx context.Context, id, actor, eventType string, fn func(*Billing, time.Time) error) (*Billing, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	unlock, err := s.locker.Lock(lockCtx, "billing:"+id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("lock billing %s: %w", id, err)
	}
	defer unlock()

	var updated *Billing
	err = s.update(ctx, id, func(b *Billing, now time.Time) error {
		if err := fn(b, now); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("billing updated",
		"billing_ref", updated.BillingRef,
		"status", updated.Status,
		"actor", actor,
	)
	if eventType != "" {
		s.publish(ctx, eventType, updated)
	}
	return updated, nil
}

// update applies fn to a fresh copy and saves it, re-reading when another
// writer got there first.
func (s *Service) update(ctx context.Context, id string, fn func(*Billing, time.Time) error) error {
	for attempt := 1; ; attempt++ {
		b, err := s.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load billing %s: %w", id, err)
		}
		if err := fn(b, s.clock.Now()); err != nil {
			return err
		}
		err = s.store.Update(ctx, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrConflict) || attempt == maxUpdateAttempts {
			return fmt.Errorf("update billing %s: %w", id, err)
		}
	}
}

// PaymentCompleted closes the billing cycle a completed payment belongs to.
func (s *Service) PaymentCompleted(ctx context.Context, p *payment.Payment) error {
	id := p.Metadata[MetaBillingID]
	if id == "" {
		return nil
	}

	var (
		b         *Billing
		recorded  bool
		overpaid  bool
		wasActive bool
	)
	err := s.update(ctx, id, func(cur *Billing, now time.Time) error {
		b, recorded, overpaid = cur, false, false
		if cur.LastPaymentID == p.ID {
			return nil
		}
		// Only a payment for the open cycle closes it. A late settlement of
		// an earlier attempt for a cycle already paid must not skip ahead.
		if p.Metadata[MetaBillingCycle] != cur.NextBillingDate.Format(time.DateOnly) {
			overpaid = true
			return nil
		}
		wasActive = cur.Status == StatusActive
		if err := cur.RecordSuccessfulPayment(p.ID, p.Amount, now); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return err
	}
	if overpaid {
		s.logger.Warn("billing overpaid",
			"billing_ref", b.BillingRef,
			"transaction_ref", p.TransactionRef,
			"billing_cycle", p.Metadata[MetaBillingCycle],
			"next_billing_date", b.NextBillingDate.Format(time.DateOnly),
			"amount", p.Amount.String(),
		)
		s.publishRef(ctx, events.EventBillingOverpaid, b, p.TransactionRef)
		return nil
	}
	if !recorded {
		return nil
	}

	s.logger.Info("billing cycle paid",
		"billing_ref", b.BillingRef,
		"transaction_ref", p.TransactionRef,
		"last_billing_date", b.LastBillingDate.Format(time.DateOnly),
		"next_billing_date", b.NextBillingDate.Format(time.DateOnly),
	)
	s.publish(ctx, events.EventBillingCharged, b)
	if !wasActive && b.Status == StatusActive {
		s.publish(ctx, events.EventBillingReactivated, b)
	}
	return nil
}

// PaymentFailed counts an asynchronous failure of the billing's current
// payment.
func (s *Service) PaymentFailed(ctx context.Context, p *payment.Payment) error {
	id := p.Metadata[MetaBillingID]
	if id == "" {
		return nil
	}

	var (
		b         *Billing
		counted   bool
		suspended bool
	)
	err := s.update(ctx, id, func(cur *Billing, now time.Time) error {
		b, counted, suspended = cur, false, false
		if cur.LastPaymentRef != p.TransactionRef || cur.Status.IsTerminal() {
			return nil
		}
		suspended = cur.RecordFailedPayment(now)
		counted = true
		return nil
	})
	if err != nil {
		return err
	}
	if !counted {
		return nil
	}

	s.logger.Warn("billing payment failed",
		"billing_ref", b.BillingRef,
		"transaction_ref", p.TransactionRef,
		"failed_payment_count", b.FailedPaymentCount,
		"suspended", suspended,
	)
	if suspended {
		s.publish(ctx, events.EventBillingSuspended, b)
	}
	return nil
}

var _ payment.Observer = (*Service)(nil)

func (s *Service) publish(ctx context.Context, eventType string, b *Billing) {
	s.publishRef(ctx, eventType, b, "")
}

func (s *Service) publishRef(ctx context.Context, eventType string, b *Billing, transactionRef string) {
	evt, err := events.NewEvent(eventType, events.AggregateBilling, b.ID, s.clock.Now(), events.BillingData{
		BillingID:       b.ID,
		BillingRef:      b.BillingRef,
		CustomerID:      b.CustomerID,
		Status:          string(b.Status),
		NextBillingDate: b.NextBillingDate.Format(time.DateOnly),
		Note:            b.StatusNote,
		TransactionRef:  transactionRef,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.logger.Error("failed to publish billing event",
			"type", eventType,
			"billing_ref", b.BillingRef,
			"error", err,
		)
	}
}
