package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agripay/internal/billing"
	"agripay/internal/commission"
	"agripay/internal/common/clock"
	"agripay/internal/payment"
)

// Job names, used in logs and summaries.
const (
	JobBilling    = "billing"
	JobCommission = "commission"
	JobReconcile  = "reconcile"
	JobRetry      = "retry"
)

// Billings is the part of the billing engine the billing sweep drives.
type Billings interface {
	GetDueBillings(ctx context.Context) ([]*billing.Billing, error)
	ProcessDueBilling(ctx context.Context, id string) (*billing.ProcessResult, error)
}

// Commissions is the part of the commission engine the payout sweep drives.
type Commissions interface {
	ProcessPayouts(ctx context.Context) (*commission.PayoutSummary, error)
}

// Payments is the part of the orchestrator the reconcile and retry sweeps drive.
type Payments interface {
	ListStuckPayments(ctx context.Context, age time.Duration, limit int) ([]*payment.Payment, error)
	ListRetryablePayments(ctx context.Context, age time.Duration, limit int) ([]*payment.Payment, error)
	ReconcileStuckPayment(ctx context.Context, transactionRef string) (*payment.Result, error)
	RetryFailedPayment(ctx context.Context, transactionRef string) (*payment.Result, error)
}

// Summary reports one sweep run.
type Summary struct {
	Job        string        `json:"job"`
	Candidates int           `json:"candidates"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`

	started time.Time
}

// Sweeps holds the sweep implementations. Every sweep processes its
// candidates one at a time; an error on one candidate is logged and the
// sweep moves on.
type Sweeps struct {
	billings    Billings
	commissions Commissions
	payments    Payments
	clock       clock.Clock
	cfg         Config
	logger      *slog.Logger
}

// NewSweeps creates the sweep runner.
func NewSweeps(billings Billings, commissions Commissions, payments Payments, clk clock.Clock, cfg Config, logger *slog.Logger) *Sweeps {
	return &Sweeps{
		billings:    billings,
		commissions: commissions,
		payments:    payments,
		clock:       clk,
		cfg:         cfg,
		logger:      logger.With("component", "jobs"),
	}
}

// Run executes the named sweep.
func (s *Sweeps) Run(ctx context.Context, job string) (*Summary, error) {
	switch job {
	case JobBilling:
		return s.ProcessDueBillings(ctx)
	case JobCommission:
		return s.ProcessDuePayouts(ctx)
	case JobReconcile:
		return s.ReconcileStuckPayments(ctx)
	case JobRetry:
		return s.RetryFailedPayments(ctx)
	}
	return nil, fmt.Errorf("unknown job %q", job)
}

// ProcessDueBillings charges every billing that has come due.
func (s *Sweeps) ProcessDueBillings(ctx context.Context) (*Summary, error) {
	sum := s.start(JobBilling)

	due, err := s.billings.GetDueBillings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list due billings: %w", err)
	}
	sum.Candidates = len(due)

	for _, b := range due {
		if ctx.Err() != nil {
			break
		}
		res, err := s.billings.ProcessDueBilling(ctx, b.ID)
		if err != nil {
			sum.Errors++
			s.logger.Error("billing sweep item failed", "billing_id", b.ID, "error", err)
			continue
		}
		switch res.Outcome {
		case billing.OutcomeCharged:
			sum.Succeeded++
		case billing.OutcomeFailed, billing.OutcomeSuspended:
			sum.Failed++
			s.logger.Warn("billing charge failed",
				"billing_id", b.ID,
				"outcome", res.Outcome,
				"message", res.Message,
			)
		default:
			sum.Skipped++
		}
	}

	return s.finish(sum), nil
}

// ProcessDuePayouts starts payouts for every due commission.
func (s *Sweeps) ProcessDuePayouts(ctx context.Context) (*Summary, error) {
	sum := s.start(JobCommission)

	payout, err := s.commissions.ProcessPayouts(ctx)
	if err != nil {
		return nil, fmt.Errorf("process payouts: %w", err)
	}
	sum.Candidates = payout.Due
	sum.Succeeded = payout.Initiated
	sum.Failed = payout.Failed
	sum.Skipped = payout.Due - payout.Queued
	sum.Errors = len(payout.Errors)
	for _, msg := range payout.Errors {
		s.logger.Error("payout sweep item failed", "batch_id", payout.BatchID, "error", msg)
	}

	return s.finish(sum), nil
}

// ReconcileStuckPayments polls payments stuck in Processing and expires
// the ones that have outlived their expiry.
func (s *Sweeps) ReconcileStuckPayments(ctx context.Context) (*Summary, error) {
	sum := s.start(JobReconcile)

	stuck, err := s.payments.ListStuckPayments(ctx, s.cfg.StuckAfter, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stuck payments: %w", err)
	}
	sum.Candidates = len(stuck)

	for _, p := range stuck {
		if ctx.Err() != nil {
			break
		}
		res, err := s.payments.ReconcileStuckPayment(ctx, p.TransactionRef)
		if err != nil {
			sum.Errors++
			s.logger.Error("reconcile sweep item failed", "transaction_ref", p.TransactionRef, "error", err)
			continue
		}
		switch {
		case !res.Success || res.Status == payment.StatusFailed:
			sum.Failed++
		case res.Status == payment.StatusCompleted:
			sum.Succeeded++
		default:
			sum.Skipped++
		}
	}

	return s.finish(sum), nil
}

// RetryFailedPayments re-dispatches failed payments that still have
// attempts left.
func (s *Sweeps) RetryFailedPayments(ctx context.Context) (*Summary, error) {
	sum := s.start(JobRetry)

	failed, err := s.payments.ListRetryablePayments(ctx, s.cfg.RetryAfter, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list retryable payments: %w", err)
	}
	sum.Candidates = len(failed)

	for _, p := range failed {
		if ctx.Err() != nil {
			break
		}
		res, err := s.payments.RetryFailedPayment(ctx, p.TransactionRef)
		if err != nil {
			sum.Errors++
			s.logger.Error("retry sweep item failed", "transaction_ref", p.TransactionRef, "error", err)
			continue
		}
		if res.Success {
			sum.Succeeded++
		} else {
			sum.Failed++
			s.logger.Info("payment retry refused",
				"transaction_ref", p.TransactionRef,
				"code", res.Code,
				"message", res.Message,
			)
		}
	}

	return s.finish(sum), nil
}

func (s *Sweeps) start(job string) *Summary {
	s.logger.Info("starting sweep", "job", job)
	return &Summary{Job: job, started: s.clock.Now()}
}

func (s *Sweeps) finish(sum *Summary) *Summary {
	sum.Duration = s.clock.Now().Sub(sum.started)
	s.logger.Info("sweep finished",
		"job", sum.Job,
		"candidates", sum.Candidates,
		"succeeded", sum.Succeeded,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"errors", sum.Errors,
		"duration", sum.Duration,
	)
	return sum
}
