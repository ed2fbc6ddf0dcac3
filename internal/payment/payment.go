// Package payment owns the Payment entity, its state machine and the
// orchestrator that drives payments through external providers.
package payment

import (
	"errors"
	"fmt"
	"time"

	"agripay/internal/common/money"
)

// Category classifies what a payment is for.
type Category string

const (
	CategoryFarmerRegistration Category = "FARMER_REGISTRATION"
	CategoryProductPurchase    Category = "PRODUCT_PURCHASE"
	CategoryServiceFee         Category = "SERVICE_FEE"
	CategorySubscriptionFee    Category = "SUBSCRIPTION_FEE"
	CategoryCommissionPayout   Category = "COMMISSION_PAYOUT"
	CategoryAgentWithdrawal    Category = "AGENT_WITHDRAWAL"
	CategoryRefund             Category = "REFUND"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryFarmerRegistration, CategoryProductPurchase, CategoryServiceFee,
		CategorySubscriptionFee, CategoryCommissionPayout, CategoryAgentWithdrawal, CategoryRefund:
		return true
	}
	return false
}

// Direction returns the natural money direction for the category.
func (c Category) Direction() Direction {
	switch c {
	case CategoryCommissionPayout, CategoryAgentWithdrawal, CategoryRefund:
		return DirectionOutbound
	default:
		return DirectionInbound
	}
}

// Method is how the customer pays.
type Method string

const (
	MethodUSSDPush     Method = "USSD_PUSH"
	MethodMobileMoney  Method = "MOBILE_MONEY"
	MethodCash         Method = "CASH"
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodCard         Method = "CARD"
)

// Direction of the money movement relative to the platform.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// ProviderName identifies a provider adapter.
type ProviderName string

const (
	ProviderTembo         ProviderName = "TEMBO"
	ProviderCash          ProviderName = "CASH"
	ProviderBank          ProviderName = "BANK"
	ProviderCardProcessor ProviderName = "CARD_PROCESSOR"
)

// ProviderFor maps a payment method to the provider that serves it.
func ProviderFor(m Method) (ProviderName, bool) {
	switch m {
	case MethodUSSDPush, MethodMobileMoney:
		return ProviderTembo, true
	case MethodCash:
		return ProviderCash, true
	case MethodBankTransfer:
		return ProviderBank, true
	case MethodCard:
		return ProviderCardProcessor, true
	}
	return "", false
}

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

// Failure codes recorded on failed payments.
const (
	FailureValidation          = "VALIDATION_FAILED"
	FailureProviderUnavailable = "PROVIDER_UNAVAILABLE"
	FailureProviderRejected    = "PROVIDER_REJECTED"
	// The provider call timed out; the provider may still have accepted it.
	FailureProviderTimeout = "PROVIDER_TIMEOUT"
	FailureCallback        = "CALLBACK_FAILED"
	FailureStatusPoll      = "STATUS_POLL_FAILED"
	FailureExpired         = "EXPIRED"
)

// ErrInvalidTransition is returned when a state change is not allowed from
// the payment's current status.
var ErrInvalidTransition = errors.New("invalid payment transition")

// Payment is one attempted money movement.
type Payment struct {
	ID                    string       `json:"id"`
	TransactionRef        string       `json:"transaction_ref"`
	ExternalTransactionID string       `json:"external_transaction_id,omitempty"`
	CustomerID            string       `json:"customer_id,omitempty"`
	RecordedBy            string       `json:"recorded_by,omitempty"`
	Category              Category     `json:"category"`
	Method                Method       `json:"method"`
	Direction             Direction    `json:"direction"`
	Provider              ProviderName `json:"provider"`
	PhoneNumber           string       `json:"phone_number"`
	RecipientName         string       `json:"recipient_name,omitempty"`
	Description           string       `json:"description,omitempty"`

	Amount money.Money `json:"amount"`
	Fees   money.Money `json:"fees"`
	Total  money.Money `json:"total"`

	Status           Status `json:"status"`
	RetryCount       int    `json:"retry_count"`
	MaxRetryAttempts int    `json:"max_retry_attempts"`
	FailureCode      string `json:"failure_code,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	ProviderMessage  string `json:"provider_message,omitempty"`

	// Back-references set by the component that created the payment,
	// e.g. billing_id or commission_id.
	Metadata map[string]string `json:"metadata,omitempty"`

	CallbackReceived    bool       `json:"callback_received"`
	CallbackCount       int        `json:"callback_count"`
	LastCallbackPayload string     `json:"last_callback_payload,omitempty"`
	CallbackProcessedAt *time.Time `json:"callback_processed_at,omitempty"`

	InitiatedAt  time.Time  `json:"initiated_at"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	Deleted      bool       `json:"-"`
	DeletedAt    *time.Time `json:"-"`
	DeletedBy    string     `json:"-"`
	DeleteReason string     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version guards concurrent writers; stores only apply an update when
	// the stored version still matches.
	Version int64 `json:"-"`
}

// NewPaymentParams carries the validated fields for a new payment.
type NewPaymentParams struct {
	ID               string
	TransactionRef   string
	CustomerID       string
	RecordedBy       string
	Category         Category
	Method           Method
	Provider         ProviderName
	PhoneNumber      string
	RecipientName    string
	Description      string
	Amount           money.Money
	Fees             money.Money
	MaxRetryAttempts int
	Expiry           time.Duration
	Metadata         map[string]string
}

// NewPayment creates a Pending payment.
func NewPayment(p NewPaymentParams, now time.Time) (*Payment, error) {
	if p.ID == "" || p.TransactionRef == "" {
		return nil, errors.New("id and transaction_ref are required")
	}
	if !p.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	fees := p.Fees
	if fees.Currency == "" {
		fees = money.Zero(p.Amount.Currency)
	}
	total, err := p.Amount.Add(fees)
	if err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}

	pay := &Payment{
		ID:               p.ID,
		TransactionRef:   p.TransactionRef,
		CustomerID:       p.CustomerID,
		RecordedBy:       p.RecordedBy,
		Category:         p.Category,
		Method:           p.Method,
		Direction:        p.Category.Direction(),
		Provider:         p.Provider,
		PhoneNumber:      p.PhoneNumber,
		RecipientName:    p.RecipientName,
		Description:      p.Description,
		Amount:           p.Amount,
		Fees:             fees,
		Total:            total,
		Status:           StatusPending,
		MaxRetryAttempts: p.MaxRetryAttempts,
		Metadata:         p.Metadata,
		InitiatedAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if pay.Metadata == nil {
		pay.Metadata = map[string]string{}
	}
	if p.Expiry > 0 {
		exp := now.Add(p.Expiry)
		pay.ExpiresAt = &exp
	}
	return pay, nil
}

// MarkProcessing records that the provider accepted the request.
// Allowed from Pending, and from Failed when a retry or reconciliation
// finds the payment in flight.
func (p *Payment) MarkProcessing(externalID, message string, now time.Time) error {
	if p.Status != StatusPending && p.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusProcessing)
	}
	p.Status = StatusProcessing
	if externalID != "" {
		p.ExternalTransactionID = externalID
	}
	p.ProviderMessage = message
	p.FailureCode = ""
	p.FailureReason = ""
	p.FailedAt = nil
	p.ProcessingAt = &now
	p.UpdatedAt = now
	return nil
}

// MarkCompleted records provider-confirmed success. A Failed payment may
// complete when the provider later reports that the money did move.
func (p *Payment) MarkCompleted(externalID string, now time.Time) error {
	if p.Status != StatusProcessing && p.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusCompleted)
	}
	p.Status = StatusCompleted
	if externalID != "" && p.ExternalTransactionID == "" {
		p.ExternalTransactionID = externalID
	}
	p.FailureCode = ""
	p.FailureReason = ""
	p.FailedAt = nil
	p.CompletedAt = &now
	p.UpdatedAt = now
	return nil
}

// MarkFailed records a failed attempt. Failing an already Failed payment
// refreshes the reason, which is what a rejected retry does.
func (p *Payment) MarkFailed(code, reason string, now time.Time) error {
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusFailed)
	}
	p.Status = StatusFailed
	p.FailureCode = code
	p.FailureReason = reason
	p.FailedAt = &now
	p.UpdatedAt = now
	return nil
}

// CanRetry reports whether a retry is allowed.
func (p *Payment) CanRetry() bool {
	return p.Status == StatusFailed && p.RetryCount < p.MaxRetryAttempts && !p.Deleted
}

// BeginRetry consumes one retry attempt and gives the new attempt a fresh
// expiry window.
func (p *Payment) BeginRetry(now time.Time, expiry time.Duration) error {
	if !p.CanRetry() {
		return fmt.Errorf("%w: retry %d of %d from %s", ErrInvalidTransition, p.RetryCount+1, p.MaxRetryAttempts, p.Status)
	}
	p.RetryCount++
	p.ExtendExpiry(now, expiry)
	p.UpdatedAt = now
	return nil
}

// ExtendExpiry restarts the expiry window at now. A zero expiry leaves it
// unchanged.
func (p *Payment) ExtendExpiry(now time.Time, expiry time.Duration) {
	if expiry <= 0 {
		return
	}
	exp := now.Add(expiry)
	p.ExpiresAt = &exp
}

// Cancel stops a payment that has not completed.
func (p *Payment) Cancel(reason string, now time.Time) error {
	if p.Status != StatusPending && p.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusCancelled)
	}
	p.Status = StatusCancelled
	p.FailureReason = reason
	p.UpdatedAt = now
	return nil
}

// RecordCallback keeps audit bookkeeping for a provider callback. It never
// changes status.
func (p *Payment) RecordCallback(raw string, now time.Time) {
	p.CallbackReceived = true
	p.CallbackCount++
	p.LastCallbackPayload = raw
	p.CallbackProcessedAt = &now
	p.UpdatedAt = now
}

// SoftDelete hides the payment from listings. Payments are never removed.
func (p *Payment) SoftDelete(actor, reason string, now time.Time) error {
	if p.Deleted {
		return fmt.Errorf("%w: already deleted", ErrInvalidTransition)
	}
	p.Deleted = true
	p.DeletedAt = &now
	p.DeletedBy = actor
	p.DeleteReason = reason
	p.UpdatedAt = now
	return nil
}

// IsExpired reports whether the payment has outlived its expiry.
func (p *Payment) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
