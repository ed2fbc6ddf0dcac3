package payment

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
)

// Config holds orchestrator configuration.
type Config struct {
	MaxRetryAttempts int             `envconfig:"PAYMENT_MAX_RETRIES" default:"3"`
	Expiry           time.Duration   `envconfig:"PAYMENT_EXPIRY" default:"24h"`
	DefaultCurrency  string          `envconfig:"PAYMENT_DEFAULT_CURRENCY" default:"TZS"`
	FeeRate          decimal.Decimal `envconfig:"PAYMENT_FEE_RATE" default:"0"`
	EnforceLimits    bool            `envconfig:"PAYMENT_ENFORCE_LIMITS" default:"true"`
	LockTimeout      time.Duration   `envconfig:"PAYMENT_LOCK_TIMEOUT" default:"30s"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts: 3,
		Expiry:           24 * time.Hour,
		DefaultCurrency:  string(money.TZS),
		FeeRate:          decimal.Zero,
		EnforceLimits:    true,
		LockTimeout:      30 * time.Second,
	}
}

// Inbound amount limits per category, in major units.
var amountLimits = map[Category][2]decimal.Decimal{
	CategoryFarmerRegistration: {decimal.NewFromInt(5_000), decimal.NewFromInt(50_000)},
	CategoryProductPurchase:    {decimal.NewFromInt(1_000), decimal.NewFromInt(1_000_000)},
}

var defaultAmountLimit = [2]decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(5_000_000)}

// ResultCode classifies a Result.
type ResultCode string

const (
	CodeOK                  ResultCode = "OK"
	CodeNotFound            ResultCode = "NOT_FOUND"
	CodeValidation          ResultCode = "VALIDATION_FAILED"
	CodeDuplicateReference  ResultCode = "DUPLICATE_REFERENCE"
	CodeNotRetryable        ResultCode = "NOT_RETRYABLE"
	CodeProviderRejected    ResultCode = "PROVIDER_REJECTED"
	CodeProviderUnavailable ResultCode = "PROVIDER_UNAVAILABLE"
	CodeInvalidState        ResultCode = "INVALID_STATE"
)

// Result is what orchestrator operations report for expected outcomes,
// including refusals. Errors are reserved for infrastructure failures.
type Result struct {
	Success               bool           `json:"success"`
	Code                  ResultCode     `json:"code"`
	Message               string         `json:"message"`
	TransactionRef        string         `json:"transaction_ref,omitempty"`
	Status                Status         `json:"status,omitempty"`
	ExternalTransactionID string         `json:"external_transaction_id,omitempty"`
	Payment               *Payment       `json:"payment,omitempty"`
	Data                  map[string]any `json:"data,omitempty"`
}

func okResult(p *Payment, message string) *Result {
	return &Result{
		Success:               true,
		Code:                  CodeOK,
		Message:               message,
		TransactionRef:        p.TransactionRef,
		Status:                p.Status,
		ExternalTransactionID: p.ExternalTransactionID,
		Payment:               p,
	}
}

func failResult(code ResultCode, ref, message string, p *Payment) *Result {
	r := &Result{Code: code, Message: message, TransactionRef: ref}
	if p != nil {
		r.Status = p.Status
		r.ExternalTransactionID = p.ExternalTransactionID
		r.Payment = p
	}
	return r
}

// Service is the payment orchestrator.
type Service struct {
	store     Store
	providers map[ProviderName]Provider
	locker    lock.Locker
	clock     clock.Clock
	publisher events.EventPublisher
	observers []Observer
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a new orchestrator.
func NewService(store Store, locker lock.Locker, clk clock.Clock, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{
		store:     store,
		providers: make(map[ProviderName]Provider),
		locker:    locker,
		clock:     clk,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// RegisterProvider makes an adapter available for its payment methods.
func (s *Service) RegisterProvider(p Provider) { s.providers[p.Name()] = p }

// Subscribe adds an observer for completed and failed payments.
func (s *Service) Subscribe(o Observer) { s.observers = append(s.observers, o) }

// MaxRetryAttempts returns the configured retry bound.
func (s *Service) MaxRetryAttempts() int { return s.cfg.MaxRetryAttempts }

// InitiateRequest describes a payment to start. RecordedBy is the agent or
// operator acting; it is attributed to the payment and drives commission.
type InitiateRequest struct {
	TransactionRef string
	CustomerID     string
	RecordedBy     string
	Category       Category
	Method         Method
	Amount         decimal.Decimal
	Currency       money.Currency
	PhoneNumber    string
	RecipientName  string
	Description    string
	Metadata       map[string]string
}

// InitiatePayment validates the request, records a Pending payment and
// dispatches it. A reference that already exists is refused and the
// existing payment is left untouched.
func (s *Service) InitiatePayment(ctx context.Context, req InitiateRequest) (*Result, error) {
	if res := s.validate(&req); res != nil {
		s.logger.Warn("payment request rejected",
			"transaction_ref", req.TransactionRef,
			"reason", res.Message,
		)
		return res, nil
	}

	return s.withLock(ctx, req.TransactionRef, func() (*Result, error) {
		existing, err := s.store.GetByRef(ctx, req.TransactionRef)
		if err == nil {
			return s.duplicate(existing), nil
		}
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("check transaction ref: %w", err)
		}

		providerName, _ := ProviderFor(req.Method)
		amount := money.New(req.Amount, req.Currency)
		now := s.clock.Now()

		p, err := NewPayment(NewPaymentParams{
			ID:               ulid.Make().String(),
			TransactionRef:   req.TransactionRef,
			CustomerID:       req.CustomerID,
			RecordedBy:       req.RecordedBy,
			Category:         req.Category,
			Method:           req.Method,
			Provider:         providerName,
			PhoneNumber:      req.PhoneNumber,
			RecipientName:    req.RecipientName,
			Description:      req.Description,
			Amount:           amount,
			Fees:             amount.MulRate(s.cfg.FeeRate, amount.Currency.MinorUnits()),
			MaxRetryAttempts: s.cfg.MaxRetryAttempts,
			Expiry:           s.cfg.Expiry,
			Metadata:         req.Metadata,
		}, now)
		if err != nil {
			return failResult(CodeValidation, req.TransactionRef, err.Error(), nil), nil
		}

		if err := s.store.Create(ctx, p); err != nil {
			if errors.Is(err, database.ErrAlreadyExists) {
				if existing, gerr := s.store.GetByRef(ctx, req.TransactionRef); gerr == nil {
					return s.duplicate(existing), nil
				}
				return failResult(CodeDuplicateReference, req.TransactionRef, "Transaction reference already exists", nil), nil
			}
			return nil, fmt.Errorf("create payment: %w", err)
		}

		s.logger.Info("payment created",
			"transaction_ref", p.TransactionRef,
			"category", p.Category,
			"method", p.Method,
			"amount", p.Amount.String(),
			"phone", MaskPhone(p.PhoneNumber),
			"recorded_by", p.RecordedBy,
		)

		outcome := s.dispatch(ctx, p)
		if err := applyDispatch(p, outcome, s.clock.Now()); err != nil {
			return nil, fmt.Errorf("apply dispatch outcome: %w", err)
		}
		if err := s.store.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("update payment %s: %w", p.TransactionRef, err)
		}

		switch p.Status {
		case StatusFailed:
			s.publish(ctx, events.EventPaymentFailed, p)
			return failResult(dispatchFailureCode(p), p.TransactionRef, p.FailureReason, p), nil
		case StatusCompleted:
			s.completed(ctx, p)
			return okResult(p, "Payment completed"), nil
		default:
			s.publish(ctx, events.EventPaymentInitiated, p)
			return okResult(p, "Payment initiated successfully"), nil
		}
	})
}

func (s *Service) validate(req *InitiateRequest) *Result {
	reject := func(msg string) *Result {
		return failResult(CodeValidation, req.TransactionRef, msg, nil)
	}

	if !req.Category.Valid() {
		return reject(fmt.Sprintf("unknown payment category %q", req.Category))
	}
	if _, ok := ProviderFor(req.Method); !ok {
		return reject(fmt.Sprintf("unknown payment method %q", req.Method))
	}
	if !req.Amount.IsPositive() {
		return reject("Amount must be greater than zero")
	}
	if req.Currency == "" {
		req.Currency = money.Currency(s.cfg.DefaultCurrency)
	}
	if err := money.CheckPrecision(req.Amount, req.Currency); err != nil {
		return reject(err.Error())
	}
	if s.cfg.EnforceLimits && req.Category.Direction() == DirectionInbound {
		limits, ok := amountLimits[req.Category]
		if !ok {
			limits = defaultAmountLimit
		}
		if !money.New(req.Amount, req.Currency).Between(limits[0], limits[1]) {
			return reject(fmt.Sprintf("Amount for %s must be between %s and %s",
				req.Category, limits[0].String(), limits[1].String()))
		}
	}

	req.PhoneNumber = NormalizePhone(req.PhoneNumber)
	if !ValidPhone(req.PhoneNumber) {
		return reject("Invalid phone number format")
	}

	if req.TransactionRef == "" {
		req.TransactionRef = NewTransactionRef(req.Category)
	}
	return nil
}

func (s *Service) duplicate(existing *Payment) *Result {
	s.logger.Warn("duplicate transaction reference refused",
		"transaction_ref", existing.TransactionRef,
		"status", existing.Status,
	)
	return failResult(CodeDuplicateReference, existing.TransactionRef, "Transaction reference already exists", existing)
}

func (s *Service) dispatch(ctx context.Context, p *Payment) Outcome {
	prov, ok := s.providers[p.Provider]
	if !ok || !prov.IsAvailable() {
		return Outcome{
			ErrorCode: FailureProviderUnavailable,
			Message:   fmt.Sprintf("Payment provider %s is not available", p.Provider),
		}
	}

	return prov.ProcessPayment(ctx, Intent{
		TransactionRef: p.TransactionRef,
		PhoneNumber:    p.PhoneNumber,
		RecipientName:  p.RecipientName,
		Amount:         p.Total,
		Narration:      narration(p),
		Direction:      p.Direction,
		Category:       p.Category,
	})
}

func narration(p *Payment) string {
	if p.Description != "" {
		return p.Description
	}
	return fmt.Sprintf("%s %s", p.Category, p.TransactionRef)
}

// applyDispatch folds a dispatch outcome into the payment.
func applyDispatch(p *Payment, o Outcome, now time.Time) error {
	if !o.Success || o.Status == StatusFailed {
		code := FailureProviderRejected
		switch {
		case o.TimedOut:
			code = FailureProviderTimeout
		case o.ErrorCode == FailureProviderUnavailable:
			code = FailureProviderUnavailable
		}
		reason := o.Message
		if reason == "" {
			reason = "Payment was rejected by the provider"
		}
		if o.ErrorCode != "" && o.ErrorCode != code {
			p.ProviderMessage = o.ErrorCode
		}
		return p.MarkFailed(code, reason, now)
	}

	if err := p.MarkProcessing(o.ExternalID, o.Message, now); err != nil {
		return err
	}
	if o.Status == StatusCompleted {
		return p.MarkCompleted(o.ExternalID, now)
	}
	return nil
}

func dispatchFailureCode(p *Payment) ResultCode {
	if p.FailureCode == FailureProviderUnavailable {
		return CodeProviderUnavailable
	}
	return CodeProviderRejected
}

// ProcessCallback applies a provider callback. Callbacks only ever update
// an existing payment. Bookkeeping is recorded even when the payment is
// already terminal, but a terminal status never changes.
func (s *Service) ProcessCallback(ctx context.Context, transactionRef string, raw []byte) (*Result, error) {
	return s.withLock(ctx, transactionRef, func() (*Result, error) {
		p, err := s.store.GetByRef(ctx, transactionRef)
		if err != nil {
			if database.IsNotFound(err) {
				s.logger.Warn("callback for unknown payment", "transaction_ref", transactionRef)
				return failResult(CodeNotFound, transactionRef, "Payment not found", nil), nil
			}
			return nil, fmt.Errorf("load payment: %w", err)
		}

		now := s.clock.Now()
		before := p.Status
		p.RecordCallback(string(raw), now)

		payload, perr := ParseCallback(raw)
		if perr != nil {
			if err := s.store.Update(ctx, p); err != nil {
				return nil, fmt.Errorf("record callback: %w", err)
			}
			return failResult(CodeValidation, transactionRef, "Malformed callback payload", p), nil
		}

		token := payload.StatusToken()
		if p.Status.IsTerminal() {
			if err := s.store.Update(ctx, p); err != nil {
				return nil, fmt.Errorf("record callback: %w", err)
			}
			s.logger.Info("callback recorded for terminal payment",
				"transaction_ref", transactionRef,
				"status", p.Status,
				"callback_status", token,
				"callback_count", p.CallbackCount,
			)
			return okResult(p, "Payment already "+string(p.Status)), nil
		}

		switch MapProviderStatus(token) {
		case StatusCompleted:
			if p.Status == StatusPending {
				err = p.MarkProcessing("", "", now)
			}
			if err == nil {
				err = p.MarkCompleted(payload.String("transactionId"), now)
			}
		case StatusFailed:
			if p.Status == StatusPending || p.Status == StatusProcessing {
				err = p.MarkFailed(FailureCallback, payload.FailureReason(), now)
			}
		default:
			// Pending and Processing tokens never move a payment backwards.
		}
		if err != nil {
			return nil, fmt.Errorf("apply callback: %w", err)
		}

		if err := s.store.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("update payment %s: %w", transactionRef, err)
		}

		s.logger.Info("callback processed",
			"transaction_ref", transactionRef,
			"callback_status", token,
			"from", before,
			"to", p.Status,
		)
		s.transitioned(ctx, p, before)
		return okResult(p, "Callback processed"), nil
	})
}

// RetryFailedPayment re-dispatches a Failed payment with the same
// reference and amount, while retries remain.
func (s *Service) RetryFailedPayment(ctx context.Context, transactionRef string) (*Result, error) {
	return s.withLock(ctx, transactionRef, func() (*Result, error) {
		p, err := s.store.GetByRef(ctx, transactionRef)
		if err != nil {
			if database.IsNotFound(err) {
				return failResult(CodeNotFound, transactionRef, "Payment not found", nil), nil
			}
			return nil, fmt.Errorf("load payment: %w", err)
		}

		if !p.CanRetry() {
			s.logger.Warn("payment cannot be retried",
				"transaction_ref", transactionRef,
				"status", p.Status,
				"retry_count", p.RetryCount,
				"max_retry_attempts", p.MaxRetryAttempts,
			)
			return failResult(CodeNotRetryable, transactionRef, "Payment cannot be retried", p), nil
		}

		// A timed-out or expired attempt may still go through. Ask before
		// charging again.
		if needsPoll(p) {
			res, settled, err := s.poll(ctx, p)
			if err != nil {
				return nil, err
			}
			if settled {
				return res, nil
			}
			if !res.Success {
				s.logger.Warn("retry deferred, provider status unknown", "transaction_ref", transactionRef)
				return res, nil
			}
		}

		before := p.Status
		now := s.clock.Now()
		if err := p.BeginRetry(now, s.cfg.Expiry); err != nil {
			return nil, err
		}

		outcome := s.dispatch(ctx, p)
		if err := applyDispatch(p, outcome, s.clock.Now()); err != nil {
			return nil, fmt.Errorf("apply retry outcome: %w", err)
		}
		if err := s.store.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("update payment %s: %w", transactionRef, err)
		}

		s.logger.Info("payment retried",
			"transaction_ref", transactionRef,
			"retry_count", p.RetryCount,
			"status", p.Status,
		)

		if p.Status == StatusFailed {
			s.failed(ctx, p)
			return failResult(dispatchFailureCode(p), transactionRef, p.FailureReason, p), nil
		}
		s.transitioned(ctx, p, before)
		return okResult(p, "Payment retry initiated"), nil
	})
}

// CheckPaymentStatus polls the provider for payments that are still open
// and returns the stored status for everything else.
func (s *Service) CheckPaymentStatus(ctx context.Context, transactionRef string) (*Result, error) {
	return s.withLock(ctx, transactionRef, func() (*Result, error) {
		p, err := s.store.GetByRef(ctx, transactionRef)
		if err != nil {
			if database.IsNotFound(err) {
				return failResult(CodeNotFound, transactionRef, "Payment not found", nil), nil
			}
			return nil, fmt.Errorf("load payment: %w", err)
		}
		res, _, err := s.poll(ctx, p)
		return res, err
	})
}

// ReconcileStuckPayment polls a long-running payment and fails it once it
// has outlived its expiry without a provider answer.
func (s *Service) ReconcileStuckPayment(ctx context.Context, transactionRef string) (*Result, error) {
	return s.withLock(ctx, transactionRef, func() (*Result, error) {
		p, err := s.store.GetByRef(ctx, transactionRef)
		if err != nil {
			if database.IsNotFound(err) {
				return failResult(CodeNotFound, transactionRef, "Payment not found", nil), nil
			}
			return nil, fmt.Errorf("load payment: %w", err)
		}

		res, _, err := s.poll(ctx, p)
		if err != nil {
			return nil, err
		}

		now := s.clock.Now()
		if p.Status != StatusProcessing || !p.IsExpired(now) {
			return res, nil
		}

		if err := p.MarkFailed(FailureExpired, "Payment expired without provider confirmation", now); err != nil {
			return nil, err
		}
		if err := s.store.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("update payment %s: %w", transactionRef, err)
		}
		s.logger.Warn("payment expired", "transaction_ref", transactionRef, "expires_at", p.ExpiresAt)
		s.failed(ctx, p)
		return failResult(CodeInvalidState, transactionRef, p.FailureReason, p), nil
	})
}

// needsPoll reports whether the stored status may be stale.
func needsPoll(p *Payment) bool {
	switch p.Status {
	case StatusPending, StatusProcessing:
		return true
	case StatusFailed:
		return p.FailureCode == FailureProviderTimeout || p.FailureCode == FailureExpired
	}
	return false
}

// poll asks the provider for the payment's status and applies it. settled
// is true when the provider reported the payment completed or in flight.
// Callers hold the payment lock.
func (s *Service) poll(ctx context.Context, p *Payment) (res *Result, settled bool, err error) {
	if !needsPoll(p) {
		return okResult(p, "Payment status retrieved"), false, nil
	}

	prov, ok := s.providers[p.Provider]
	if !ok || !prov.IsAvailable() {
		return failResult(CodeProviderUnavailable, p.TransactionRef,
			fmt.Sprintf("Payment provider %s is not available", p.Provider), p), false, nil
	}

	o := prov.CheckStatus(ctx, p.TransactionRef)
	if !o.Success {
		s.logger.Warn("status check failed",
			"transaction_ref", p.TransactionRef,
			"message", o.Message,
			"timed_out", o.TimedOut,
		)
		return failResult(CodeProviderUnavailable, p.TransactionRef, o.Message, p), false, nil
	}

	now := s.clock.Now()
	before := p.Status
	changed := false
	switch o.Status {
	case StatusCompleted:
		if p.Status == StatusPending {
			err = p.MarkProcessing(o.ExternalID, o.Message, now)
		}
		if err == nil {
			err = p.MarkCompleted(o.ExternalID, now)
		}
		changed, settled = true, true
	case StatusFailed:
		// Also settles an unknown timeout outcome into a definite failure.
		err = p.MarkFailed(FailureStatusPoll, messageOr(o.Message, "Provider reported the payment failed"), now)
		changed = true
	case StatusProcessing:
		if p.Status == StatusFailed {
			// Back in flight; without a new window the next reconcile
			// would expire it again straight away.
			p.ExtendExpiry(now, s.cfg.Expiry)
		}
		if p.Status == StatusFailed || p.Status == StatusPending {
			err = p.MarkProcessing(o.ExternalID, o.Message, now)
			changed = true
		}
		settled = true
	}
	if err != nil {
		return nil, false, fmt.Errorf("apply status poll: %w", err)
	}

	if !changed {
		return okResult(p, "Payment status retrieved"), settled, nil
	}

	if err := s.store.Update(ctx, p); err != nil {
		return nil, false, fmt.Errorf("update payment %s: %w", p.TransactionRef, err)
	}
	s.logger.Info("payment status reconciled",
		"transaction_ref", p.TransactionRef,
		"from", before,
		"to", p.Status,
	)
	s.transitioned(ctx, p, before)
	return okResult(p, "Payment status updated"), settled, nil
}

// GetPaymentByTransactionRef returns database.ErrNotFound for unknown refs.
func (s *Service) GetPaymentByTransactionRef(ctx context.Context, transactionRef string) (*Payment, error) {
	return s.store.GetByRef(ctx, transactionRef)
}

// GetPaymentByID returns database.ErrNotFound for unknown ids.
func (s *Service) GetPaymentByID(ctx context.Context, id string) (*Payment, error) {
	return s.store.GetByID(ctx, id)
}

// GetPaymentsByCustomer lists a customer's payments, newest first.
func (s *Service) GetPaymentsByCustomer(ctx context.Context, customerID string) ([]*Payment, error) {
	return s.store.ListByCustomer(ctx, customerID)
}

// ListStuckPayments returns payments Processing for longer than age.
func (s *Service) ListStuckPayments(ctx context.Context, age time.Duration, limit int) ([]*Payment, error) {
	return s.store.ListStuck(ctx, s.clock.Now().Add(-age), limit)
}

// ListRetryablePayments returns failed payments older than age with retries left.
func (s *Service) ListRetryablePayments(ctx context.Context, age time.Duration, limit int) ([]*Payment, error) {
	return s.store.ListRetryable(ctx, s.clock.Now().Add(-age), limit)
}

// CancelPayment stops a Pending or Failed payment. actor is recorded in the log.
func (s *Service) CancelPayment(ctx context.Context, transactionRef, actor, reason string) (*Result, error) {
	return s.mutate(ctx, transactionRef, func(p *Payment, now time.Time) error {
		if err := p.Cancel(reason, now); err != nil {
			return err
		}
		s.logger.Info("payment cancelled", "transaction_ref", transactionRef, "actor", actor, "reason", reason)
		return nil
	}, "Payment cancelled")
}

// DeletePayment soft-deletes a payment for audit purposes.
func (s *Service) DeletePayment(ctx context.Context, transactionRef, actor, reason string) (*Result, error) {
	return s.mutate(ctx, transactionRef, func(p *Payment, now time.Time) error {
		if err := p.SoftDelete(actor, reason, now); err != nil {
			return err
		}
		s.logger.Info("payment deleted", "transaction_ref", transactionRef, "actor", actor, "reason", reason)
		return nil
	}, "Payment deleted")
}

func (s *Service) mutate(ctx context.Context, transactionRef string, fn func(*Payment, time.Time) error, message string) (*Result, error) {
	return s.withLock(ctx, transactionRef, func() (*Result, error) {
		p, err := s.store.GetByRef(ctx, transactionRef)
		if err != nil {
			if database.IsNotFound(err) {
				return failResult(CodeNotFound, transactionRef, "Payment not found", nil), nil
			}
			return nil, fmt.Errorf("load payment: %w", err)
		}
		before := p.Status
		if err := fn(p, s.clock.Now()); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return failResult(CodeInvalidState, transactionRef, err.Error(), p), nil
			}
			return nil, err
		}
		if err := s.store.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("update payment %s: %w", transactionRef, err)
		}
		s.transitioned(ctx, p, before)
		return okResult(p, message), nil
	})
}

func (s *Service) withLock(ctx context.Context, transactionRef string, fn func() (*Result, error)) (*Result, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	unlock, err := s.locker.Lock(lockCtx, "payment:"+transactionRef)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("lock payment %s: %w", transactionRef, err)
	}
	defer unlock()
	return fn()
}

// transitioned fans out the side effects of a persisted status change.
func (s *Service) transitioned(ctx context.Context, p *Payment, before Status) {
	if p.Status == before {
		return
	}
	switch p.Status {
	case StatusCompleted:
		s.completed(ctx, p)
	case StatusFailed:
		s.failed(ctx, p)
	case StatusCancelled:
		s.publish(ctx, events.EventPaymentCancelled, p)
	}
}

func (s *Service) completed(ctx context.Context, p *Payment) {
	s.publish(ctx, events.EventPaymentCompleted, p)
	for _, o := range s.observers {
		if err := o.PaymentCompleted(ctx, p); err != nil {
			s.logger.Error("payment completion handler failed",
				"transaction_ref", p.TransactionRef,
				"error", err,
			)
		}
	}
}

func (s *Service) failed(ctx context.Context, p *Payment) {
	s.publish(ctx, events.EventPaymentFailed, p)
	for _, o := range s.observers {
		if err := o.PaymentFailed(ctx, p); err != nil {
			s.logger.Error("payment failure handler failed",
				"transaction_ref", p.TransactionRef,
				"error", err,
			)
		}
	}
}

func (s *Service) publish(ctx context.Context, eventType string, p *Payment) {
	evt, err := events.NewEvent(eventType, events.AggregatePayment, p.ID, s.clock.Now(), events.PaymentData{
		PaymentID:      p.ID,
		TransactionRef: p.TransactionRef,
		CustomerID:     p.CustomerID,
		Category:       string(p.Category),
		Status:         string(p.Status),
		Amount:         p.Amount.StringFixed(),
		Currency:       string(p.Amount.Currency),
		Reason:         p.FailureReason,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.logger.Error("failed to publish payment event",
			"type", eventType,
			"transaction_ref", p.TransactionRef,
			"error", err,
		)
	}
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}
