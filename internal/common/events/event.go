package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, occurredAt time.Time, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    occurredAt.UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation id
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Discard drops every event. Used when no broker is configured.
type Discard struct{}

func (Discard) Publish(context.Context, *Event) error { return nil }

// Recorder keeps published events in memory for assertions.
type Recorder struct {
	mu     sync.Mutex
	Events []*Event
}

func (r *Recorder) Publish(_ context.Context, e *Event) error {
	r.mu.Lock()
	r.Events = append(r.Events, e)
	r.mu.Unlock()
	return nil
}

// Types returns the type of every recorded event in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}

// Event types
const (
	AggregatePayment    = "payment"
	AggregateBilling    = "billing"
	AggregateCommission = "commission"
	AggregateLedger     = "ledger_batch"

	EventPaymentInitiated = "payment.initiated"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"

	EventBillingCreated     = "billing.created"
	EventBillingCharged     = "billing.charged"
	EventBillingSuspended   = "billing.suspended"
	EventBillingReactivated = "billing.reactivated"
	EventBillingCancelled   = "billing.cancelled"
	EventBillingOverpaid    = "billing.overpaid"

	EventCommissionCalculated   = "commission.calculated"
	EventCommissionPayoutQueued = "commission.payout_queued"
	EventCommissionPaid         = "commission.paid"
	EventCommissionPayoutFailed = "commission.payout_failed"

	EventLedgerBatchPosted   = "ledger.batch_posted"
	EventLedgerBatchReversed = "ledger.batch_reversed"
)

// PaymentData is the data for payment.* events
type PaymentData struct {
	PaymentID      string `json:"payment_id"`
	TransactionRef string `json:"transaction_ref"`
	CustomerID     string `json:"customer_id,omitempty"`
	Category       string `json:"category"`
	Status         string `json:"status"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason,omitempty"`
}

// BillingData is the data for billing.* events
type BillingData struct {
	BillingID       string `json:"billing_id"`
	BillingRef      string `json:"billing_ref"`
	CustomerID      string `json:"customer_id"`
	Status          string `json:"status"`
	NextBillingDate string `json:"next_billing_date"`
	Note            string `json:"note,omitempty"`
	TransactionRef  string `json:"transaction_ref,omitempty"`
}

// CommissionData is the data for commission.* events
type CommissionData struct {
	CommissionID string `json:"commission_id"`
	AgentID      string `json:"agent_id"`
	PaymentID    string `json:"payment_id"`
	Status       string `json:"status"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	PayoutRef    string `json:"payout_ref,omitempty"`
}

// LedgerBatchData is the data for ledger.* events
type LedgerBatchData struct {
	BatchID    string `json:"batch_id"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Reference  string `json:"reference,omitempty"`
	EntryCount int    `json:"entry_count"`
	Total      string `json:"total"`
	Currency   string `json:"currency"`
}
