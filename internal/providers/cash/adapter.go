// Package cash records payments collected in person by a field agent. The
// agent has already received the money, so every request settles at once.
package cash

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"agripay/internal/payment"
)

type Adapter struct {
	logger *slog.Logger
}

var _ payment.Provider = (*Adapter)(nil)

func NewAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

func (a *Adapter) Name() payment.ProviderName { return payment.ProviderCash }

func (a *Adapter) IsAvailable() bool { return true }

// ProcessPayment completes immediately with a locally generated receipt id.
func (a *Adapter) ProcessPayment(_ context.Context, intent payment.Intent) payment.Outcome {
	receipt := "CASH-" + ulid.Make().String()
	a.logger.Info("cash payment recorded",
		"transaction_ref", intent.TransactionRef,
		"receipt", receipt,
		"amount", intent.Amount.String(),
	)
	return payment.Outcome{
		Success:    true,
		ExternalID: receipt,
		Status:     payment.StatusCompleted,
		Message:    "Cash payment recorded",
	}
}

// CheckStatus reports completion; cash payments have no remote state.
func (a *Adapter) CheckStatus(_ context.Context, _ string) payment.Outcome {
	return payment.Outcome{Success: true, Status: payment.StatusCompleted, Message: "Cash payment recorded"}
}
