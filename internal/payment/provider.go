package payment

import (
	"context"

	"agripay/internal/common/money"
)

// Intent is the provider-neutral description of one dispatch.
type Intent struct {
	TransactionRef string
	PhoneNumber    string
	RecipientName  string
	Amount         money.Money
	Narration      string
	Direction      Direction
	Category       Category
}

// Outcome is a provider's answer normalized to payment statuses.
type Outcome struct {
	Success    bool
	ExternalID string
	Status     Status
	Message    string
	ErrorCode  string
	// TimedOut marks a call that got no answer. The provider may still
	// have acted on it.
	TimedOut bool
	Raw      map[string]any
}

// Provider dispatches payments to one external rail. Implementations never
// retry internally and never touch Payment state.
type Provider interface {
	Name() ProviderName
	ProcessPayment(ctx context.Context, intent Intent) Outcome
	CheckStatus(ctx context.Context, transactionRef string) Outcome
	IsAvailable() bool
}

// Observer is told about payments reaching an outcome after the change is
// persisted. Observers run while the payment's lock is held, so they must
// not call back into the orchestrator for the same reference.
type Observer interface {
	PaymentCompleted(ctx context.Context, p *Payment) error
	PaymentFailed(ctx context.Context, p *Payment) error
}
