package commission

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
	"agripay/internal/payment"
)

// Config holds the commission policy.
type Config struct {
	Rates         RateTable       `envconfig:"COMMISSION_RATES" default:"FARMER_REGISTRATION:0.10,PRODUCT_PURCHASE:0.05,SERVICE_FEE:0.08"`
	DefaultRate   decimal.Decimal `envconfig:"COMMISSION_DEFAULT_RATE" default:"0.05"`
	Eligible      []string        `envconfig:"COMMISSION_ELIGIBLE" default:"FARMER_REGISTRATION,PRODUCT_PURCHASE,SERVICE_FEE"`
	PayoutWeekday time.Weekday    `envconfig:"COMMISSION_PAYOUT_WEEKDAY" default:"5"`
	PayoutHour    int             `envconfig:"COMMISSION_PAYOUT_HOUR" default:"9"`
	BatchLimit    int             `envconfig:"COMMISSION_BATCH_LIMIT" default:"500"`
	LockTimeout   time.Duration   `envconfig:"COMMISSION_LOCK_TIMEOUT" default:"30s"`
}

func DefaultConfig() Config {
	return Config{
		Rates:         DefaultRates(),
		DefaultRate:   decimal.RequireFromString("0.05"),
		Eligible:      []string{"FARMER_REGISTRATION", "PRODUCT_PURCHASE", "SERVICE_FEE"},
		PayoutWeekday: time.Friday,
		PayoutHour:    9,
		BatchLimit:    500,
		LockTimeout:   30 * time.Second,
	}
}

// Payments is the part of the orchestrator payouts go through.
type Payments interface {
	InitiatePayment(ctx context.Context, req payment.InitiateRequest) (*payment.Result, error)
}

// Metadata keys set on payout payments.
const (
	MetaCommissionID = "commission_id"
	MetaPayoutBatch  = "payout_batch_id"
)

// Actor recorded for transitions made by the engine itself.
const systemActor = "system"

const maxUpdateAttempts = 3

// Service is the commission engine.
type Service struct {
	store     Store
	payments  Payments
	directory AgentDirectory
	locker    lock.Locker
	clock     clock.Clock
	publisher events.EventPublisher
	cfg       Config
	eligible  map[payment.Category]bool
	logger    *slog.Logger
}

func NewService(store Store, payments Payments, directory AgentDirectory, locker lock.Locker, clk clock.Clock, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	eligible := make(map[payment.Category]bool, len(cfg.Eligible))
	for _, c := range cfg.Eligible {
		eligible[payment.Category(c)] = true
	}
	return &Service{
		store:     store,
		payments:  payments,
		directory: directory,
		locker:    locker,
		clock:     clk,
		publisher: publisher,
		cfg:       cfg,
		eligible:  eligible,
		logger:    logger,
	}
}

// Eligible reports whether payments of category c earn commission.
func (s *Service) Eligible(c payment.Category) bool { return s.eligible[c] }

// CalculateCommission records the agent's share of a completed payment.
// It returns nil without error when the payment earns nothing or already
// has a commission.
func (s *Service) CalculateCommission(ctx context.Context, p *payment.Payment) (*Commission, error) {
	if p.Status != payment.StatusCompleted || p.RecordedBy == "" || !s.eligible[p.Category] {
		s.logger.Info("no commission applicable",
			"transaction_ref", p.TransactionRef,
			"category", p.Category,
			"status", p.Status,
		)
		return nil, nil
	}

	if _, err := s.store.GetByPaymentID(ctx, p.ID); err == nil {
		s.logger.Warn("commission already exists", "transaction_ref", p.TransactionRef)
		return nil, nil
	} else if !database.IsNotFound(err) {
		return nil, fmt.Errorf("check commission: %w", err)
	}

	now := s.clock.Now()
	rate := s.cfg.Rates.Rate(p.Category, s.cfg.DefaultRate)
	c := &Commission{
		ID:              ulid.Make().String(),
		AgentID:         p.RecordedBy,
		PaymentID:       p.ID,
		TransactionRef:  p.TransactionRef,
		PaymentCategory: p.Category,
		BaseAmount:      p.Amount,
		Rate:            rate,
		Amount:          p.Amount.MulRate(rate, p.Amount.Currency.MinorUnits()),
		Status:          StatusCalculated,
		DueDate:         NextPayoutCutoff(now, s.cfg.PayoutWeekday, s.cfg.PayoutHour),
		CalculatedAt:    now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, c); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			s.logger.Warn("commission already exists", "transaction_ref", p.TransactionRef)
			return nil, nil
		}
		return nil, fmt.Errorf("create commission: %w", err)
	}

	s.logger.Info("commission calculated",
		"commission_id", c.ID,
		"agent_id", c.AgentID,
		"transaction_ref", c.TransactionRef,
		"rate", c.Rate.String(),
		"amount", c.Amount.String(),
		"due_date", c.DueDate,
	)
	s.publish(ctx, events.EventCommissionCalculated, c)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Commission, error) {
	return s.store.Get(ctx, id)
}

// GetDueCommissions returns Calculated commissions whose due date has passed.
func (s *Service) GetDueCommissions(ctx context.Context) ([]*Commission, error) {
	return s.store.ListDue(ctx, s.clock.Now(), s.cfg.BatchLimit)
}

func (s *Service) GetAgentCommissions(ctx context.Context, agentID string) ([]*Commission, error) {
	return s.store.ListByAgent(ctx, agentID)
}

// MarkCommissionAsPaid records a payout made outside the payout sweep.
func (s *Service) MarkCommissionAsPaid(ctx context.Context, id, payoutTransactionID, actor string) (*Commission, error) {
	c, err := s.transition(ctx, id, func(c *Commission, now time.Time) error {
		return c.MarkPaid(payoutTransactionID, "PAYOUT_"+ulid.Make().String(), actor, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("commission marked as paid", "commission_id", id, "actor", actor)
	s.publish(ctx, events.EventCommissionPaid, c)
	return c, nil
}

func (s *Service) CancelCommission(ctx context.Context, id, actor, reason string) (*Commission, error) {
	c, err := s.transition(ctx, id, func(c *Commission, now time.Time) error {
		return c.Cancel(actor, reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("commission cancelled", "commission_id", id, "actor", actor, "reason", reason)
	return c, nil
}

// RequeueCommission makes a failed payout eligible for the next sweep.
func (s *Service) RequeueCommission(ctx context.Context, id, actor string) (*Commission, error) {
	c, err := s.transition(ctx, id, func(c *Commission, now time.Time) error {
		return c.Requeue(actor, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("commission requeued", "commission_id", id, "actor", actor)
	return c, nil
}

// SavePayoutAccount registers where an agent's payouts are sent.
func (s *Service) SavePayoutAccount(ctx context.Context, agentID, phone, fullName string) (*PayoutAccount, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidAccount)
	}
	normalized := payment.NormalizePhone(phone)
	if !payment.ValidPhone(normalized) {
		return nil, fmt.Errorf("%w: invalid phone number format", ErrInvalidAccount)
	}
	a := &PayoutAccount{
		AgentID:     agentID,
		PhoneNumber: normalized,
		FullName:    fullName,
		UpdatedAt:   s.clock.Now(),
	}
	if err := s.directory.SavePayoutAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// PayoutSummary reports one payout sweep.
type PayoutSummary struct {
	BatchID   string   `json:"batch_id"`
	Due       int      `json:"due"`
	Queued    int      `json:"queued"`
	Initiated int      `json:"initiated"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// ProcessPayouts queues every due commission into one batch and starts an
// outbound payout payment for each. Per-commission failures are recorded
// and the batch continues.
func (s *Service) ProcessPayouts(ctx context.Context) (*PayoutSummary, error) {
	due, err := s.GetDueCommissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list due commissions: %w", err)
	}

	summary := &PayoutSummary{BatchID: "BATCH_" + ulid.Make().String(), Due: len(due)}
	if len(due) == 0 {
		return summary, nil
	}

	ids := make([]string, len(due))
	for i, c := range due {
		ids[i] = c.ID
	}
	queued, err := s.store.QueueBatch(ctx, ids, summary.BatchID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	summary.Queued = len(queued)

	for _, c := range queued {
		s.publish(ctx, events.EventCommissionPayoutQueued, c)
		started, err := s.payout(ctx, c.ID, summary.BatchID)
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", c.ID, err))
			s.logger.Error("commission payout failed",
				"commission_id", c.ID,
				"batch_id", summary.BatchID,
				"error", err,
			)
		case started:
			summary.Initiated++
		default:
			summary.Failed++
		}
	}

	s.logger.Info("commission payout batch processed",
		"batch_id", summary.BatchID,
		"due", summary.Due,
		"queued", summary.Queued,
		"initiated", summary.Initiated,
		"failed", summary.Failed,
	)
	return summary, nil
}

// payout sends one queued commission. It reports whether a payout payment
// is now in flight.
func (s *Service) payout(ctx context.Context, id, batchID string) (bool, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != StatusQueuedForPayout {
		return false, nil
	}

	account, err := s.directory.PayoutAccount(ctx, c.AgentID)
	if err != nil {
		if !database.IsNotFound(err) {
			return false, fmt.Errorf("resolve payout account: %w", err)
		}
		return false, s.failPayout(ctx, c, "Agent has no payout account")
	}

	ref := payment.NewTransactionRef(payment.CategoryCommissionPayout)
	res, err := s.payments.InitiatePayment(ctx, payment.InitiateRequest{
		TransactionRef: ref,
		CustomerID:     c.AgentID,
		Category:       payment.CategoryCommissionPayout,
		Method:         payment.MethodMobileMoney,
		Amount:         c.Amount.Amount,
		Currency:       c.Amount.Currency,
		PhoneNumber:    account.PhoneNumber,
		RecipientName:  account.FullName,
		Description:    "Commission payout " + c.TransactionRef,
		Metadata: map[string]string{
			MetaCommissionID: c.ID,
			MetaPayoutBatch:  batchID,
		},
	})
	if err != nil {
		return false, fmt.Errorf("initiate payout: %w", err)
	}

	// A failed payout that still has retries left stays in flight; the
	// retry sweep or a callback settles it.
	inFlight := res.Success || (res.Payment != nil && res.Payment.CanRetry())
	if !inFlight {
		s.logger.Warn("commission payout refused",
			"commission_id", c.ID,
			"payout_ref", ref,
			"reason", res.Message,
		)
		return false, s.failPayout(ctx, c, res.Message)
	}

	err = s.update(ctx, c.ID, func(c *Commission, now time.Time) error {
		// The payout may already have completed while it was being initiated.
		if c.Status != StatusQueuedForPayout {
			return nil
		}
		return c.StartPayout(ref, now)
	})
	if err != nil {
		return false, err
	}
	s.logger.Info("commission payout initiated",
		"commission_id", c.ID,
		"agent_id", c.AgentID,
		"payout_ref", ref,
		"amount", c.Amount.String(),
	)
	return true, nil
}

func (s *Service) failPayout(ctx context.Context, c *Commission, reason string) error {
	var failed *Commission
	err := s.update(ctx, c.ID, func(cur *Commission, now time.Time) error {
		failed = cur
		return cur.MarkPayoutFailed(reason, now)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.EventCommissionPayoutFailed, failed)
	return nil
}

// PaymentCompleted settles a payout or calculates the commission earned by
// a completed payment.
func (s *Service) PaymentCompleted(ctx context.Context, p *payment.Payment) error {
	id := p.Metadata[MetaCommissionID]
	if id == "" {
		_, err := s.CalculateCommission(ctx, p)
		return err
	}

	var (
		c    *Commission
		paid bool
	)
	err := s.update(ctx, id, func(cur *Commission, now time.Time) error {
		c, paid = cur, false
		if cur.Status == StatusPaid {
			return nil
		}
		if err := cur.MarkPaid(p.ID, p.TransactionRef, systemActor, now); err != nil {
			return err
		}
		paid = true
		return nil
	})
	if err != nil {
		return err
	}
	if paid {
		s.logger.Info("commission paid",
			"commission_id", c.ID,
			"agent_id", c.AgentID,
			"payout_ref", p.TransactionRef,
		)
		s.publish(ctx, events.EventCommissionPaid, c)
	}
	return nil
}

// PaymentFailed marks the commission's payout failed once the payout
// payment has no retries left.
func (s *Service) PaymentFailed(ctx context.Context, p *payment.Payment) error {
	id := p.Metadata[MetaCommissionID]
	if id == "" || p.CanRetry() {
		return nil
	}

	var (
		c      *Commission
		failed bool
	)
	err := s.update(ctx, id, func(cur *Commission, now time.Time) error {
		c, failed = cur, false
		if cur.PayoutRef != p.TransactionRef || cur.Status != StatusProcessingPayout {
			return nil
		}
		if err := cur.MarkPayoutFailed(p.FailureReason, now); err != nil {
			return err
		}
		failed = true
		return nil
	})
	if err != nil {
		return err
	}
	if failed {
		s.logger.Warn("commission payout failed",
			"commission_id", c.ID,
			"payout_ref", p.TransactionRef,
			"reason", p.FailureReason,
		)
		s.publish(ctx, events.EventCommissionPayoutFailed, c)
	}
	return nil
}

var _ payment.Observer = (*Service)(nil)

func (s *Service) lock(ctx context.Context, id string) (lock.Unlock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(lockCtx, "commission:"+id)
	if err != nil {
		return nil, fmt.Errorf("lock commission %s: %w", id, err)
	}
	return unlock, nil
}

func (s *Service) transition(ctx context.Context, id string, fn func(*Commission, time.Time) error) (*Commission, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var updated *Commission
	err = s.update(ctx, id, func(c *Commission, now time.Time) error {
		updated = c
		return fn(c, now)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// update applies fn to a fresh copy and saves it, re-reading when another
// writer got there first.
func (s *Service) update(ctx context.Context, id string, fn func(*Commission, time.Time) error) error {
	for attempt := 1; ; attempt++ {
		c, err := s.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load commission %s: %w", id, err)
		}
		if err := fn(c, s.clock.Now()); err != nil {
			return err
		}
		err = s.store.Update(ctx, c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrConflict) || attempt == maxUpdateAttempts {
			return fmt.Errorf("update commission %s: %w", id, err)
		}
	}
}

func (s *Service) publish(ctx context.Context, eventType string, c *Commission) {
	evt, err := events.NewEvent(eventType, events.AggregateCommission, c.ID, s.clock.Now(), events.CommissionData{
		CommissionID: c.ID,
		AgentID:      c.AgentID,
		PaymentID:    c.PaymentID,
		Status:       string(c.Status),
		Amount:       c.Amount.StringFixed(),
		Currency:     string(c.Amount.Currency),
		PayoutRef:    c.PayoutRef,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.logger.Error("failed to publish commission event",
			"type", eventType,
			"commission_id", c.ID,
			"error", err,
		)
	}
}
