// Package tembo provides the Tembo mobile money adapter. It sends USSD push
// collections for inbound payments and wallet-to-mobile transfers for
// payouts.
package tembo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"agripay/internal/common/clock"
	"agripay/internal/payment"
)

// Config holds Tembo adapter configuration.
type Config struct {
	BaseURL     string        `envconfig:"TEMBO_BASE_URL"`
	AccountID   string        `envconfig:"TEMBO_ACCOUNT_ID"`
	Secret      string        `envconfig:"TEMBO_SECRET"`
	CallbackURL string        `envconfig:"TEMBO_CALLBACK_URL"`
	Wallet      string        `envconfig:"TEMBO_WALLET"`
	Timeout     time.Duration `envconfig:"TEMBO_TIMEOUT" default:"30s"`
}

const (
	timestampLayout = "2006-01-02 15:04:05"
	dateLayout      = "2006-01-02"
)

// Adapter implements payment.Provider against the Tembo API.
type Adapter struct {
	config     Config
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

var _ payment.Provider = (*Adapter)(nil)

// NewAdapter creates a new Tembo adapter.
func NewAdapter(cfg Config, clk clock.Clock, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		clock:  clk,
		logger: logger,
	}
}

func (a *Adapter) Name() payment.ProviderName { return payment.ProviderTembo }

// IsAvailable reports whether credentials are configured.
func (a *Adapter) IsAvailable() bool {
	return a.config.BaseURL != "" && a.config.AccountID != "" && a.config.Secret != ""
}

// ProcessPayment sends a collection or a payout depending on direction.
func (a *Adapter) ProcessPayment(ctx context.Context, intent payment.Intent) payment.Outcome {
	if intent.Direction == payment.DirectionOutbound {
		return a.payout(ctx, intent)
	}
	return a.collect(ctx, intent)
}

func (a *Adapter) collect(ctx context.Context, intent payment.Intent) payment.Outcome {
	phone := payment.NormalizePhone(intent.PhoneNumber)
	carrier := payment.DetectCarrier(phone)
	if carrier == payment.CarrierUnknown {
		return payment.Outcome{
			Status:    payment.StatusFailed,
			ErrorCode: "UNSUPPORTED_NETWORK",
			Message:   "Unsupported mobile network for " + payment.MaskPhone(phone),
		}
	}

	req := CollectionRequest{
		Channel:         CollectionChannel(carrier),
		MSISDN:          phone,
		Amount:          json.Number(intent.Amount.StringFixed()),
		TransactionRef:  intent.TransactionRef,
		Narration:       intent.Narration,
		TransactionDate: a.clock.Now().Format(timestampLayout),
		CallbackURL:     a.config.CallbackURL,
	}

	a.logger.Info("sending tembo USSD push",
		"transaction_ref", intent.TransactionRef,
		"channel", req.Channel,
		"phone", payment.MaskPhone(phone),
		"amount", intent.Amount.String(),
	)

	var resp Response
	if err := a.doPost(ctx, "/collection", req, &resp); err != nil {
		return a.errorOutcome(intent.TransactionRef, err, &resp)
	}
	if !resp.Success {
		return rejected(&resp, "Collection rejected by provider")
	}

	out := payment.Outcome{
		Success:    true,
		ExternalID: resp.TransactionID,
		Status:     payment.MapProviderStatus(resp.Status),
		Message:    "USSD push sent successfully",
		Raw:        map[string]any{"channel": req.Channel, "providerMessage": resp.Message},
	}
	a.logger.Info("tembo USSD push accepted",
		"transaction_ref", intent.TransactionRef,
		"transaction_id", resp.TransactionID,
		"status", resp.Status,
	)
	return out
}

func (a *Adapter) payout(ctx context.Context, intent payment.Intent) payment.Outcome {
	phone := payment.NormalizePhone(intent.PhoneNumber)
	carrier := payment.DetectCarrier(phone)
	if carrier == payment.CarrierUnknown {
		return payment.Outcome{
			Status:    payment.StatusFailed,
			ErrorCode: "UNSUPPORTED_NETWORK",
			Message:   "Unsupported mobile network for " + payment.MaskPhone(phone),
		}
	}

	req := PayoutRequest{
		CountryCode:     "TZ",
		AccountNo:       a.config.Wallet,
		ServiceCode:     PayoutServiceCode(carrier),
		Amount:          json.Number(intent.Amount.StringFixed()),
		MSISDN:          phone,
		Narration:       intent.Narration,
		CurrencyCode:    string(intent.Amount.Currency),
		RecipientNames:  intent.RecipientName,
		TransactionRef:  intent.TransactionRef,
		TransactionDate: a.clock.Now().Format(timestampLayout),
		CallbackURL:     a.config.CallbackURL,
	}

	a.logger.Info("sending tembo payout",
		"transaction_ref", intent.TransactionRef,
		"service_code", req.ServiceCode,
		"phone", payment.MaskPhone(phone),
		"amount", intent.Amount.String(),
	)

	var resp Response
	if err := a.doPost(ctx, "/payment/wallet-to-mobile", req, &resp); err != nil {
		return a.errorOutcome(intent.TransactionRef, err, &resp)
	}
	if !resp.Success {
		return rejected(&resp, "Payout rejected by provider")
	}

	return payment.Outcome{
		Success:    true,
		ExternalID: resp.TransactionID,
		Status:     payment.MapProviderStatus(resp.Status),
		Message:    "Payout initiated successfully",
		Raw:        map[string]any{"serviceCode": req.ServiceCode, "providerMessage": resp.Message},
	}
}

// CheckStatus queries the collection status endpoint. paymentStatus is
// preferred over status when both are present.
func (a *Adapter) CheckStatus(ctx context.Context, transactionRef string) payment.Outcome {
	var resp Response
	if err := a.doPost(ctx, "/collection/status", StatusRequest{TransactionRef: transactionRef}, &resp); err != nil {
		return a.errorOutcome(transactionRef, err, &resp)
	}
	if !resp.Success {
		return rejected(&resp, "Status check failed")
	}

	raw := resp.PaymentStatus
	if raw == "" {
		raw = resp.Status
	}
	return payment.Outcome{
		Success:    true,
		ExternalID: resp.TransactionID,
		Status:     payment.MapProviderStatus(raw),
		Message:    resp.Message,
		Raw:        map[string]any{"paymentStatus": raw},
	}
}

// Balance returns the configured wallet's balance.
func (a *Adapter) Balance(ctx context.Context) (*BalanceResponse, error) {
	if !a.IsAvailable() {
		return nil, ErrNotConfigured
	}
	var resp BalanceResponse
	if err := a.doPost(ctx, "/wallet/balance", BalanceRequest{AccountNo: a.config.Wallet}, &resp); err != nil {
		return nil, fmt.Errorf("tembo balance: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("tembo balance: %s", resp.Message)
	}
	return &resp, nil
}

// Statement returns wallet transactions between two calendar dates, inclusive.
func (a *Adapter) Statement(ctx context.Context, from, to time.Time) (*StatementResponse, error) {
	if !a.IsAvailable() {
		return nil, ErrNotConfigured
	}
	if to.Before(from) {
		return nil, fmt.Errorf("tembo statement: end date %s before start date %s", to.Format(dateLayout), from.Format(dateLayout))
	}
	req := StatementRequest{
		AccountNo: a.config.Wallet,
		StartDate: from.Format(dateLayout),
		EndDate:   to.Format(dateLayout),
	}
	var resp StatementResponse
	if err := a.doPost(ctx, "/wallet/statement", req, &resp); err != nil {
		return nil, fmt.Errorf("tembo statement: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("tembo statement: %s", resp.Message)
	}
	return &resp, nil
}

// ErrNotConfigured is returned by wallet queries when credentials are missing.
var ErrNotConfigured = errors.New("tembo provider is not configured")

// apiError is a non-2xx answer from Tembo.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("tembo api error: status=%d body=%s", e.StatusCode, e.Body)
}

// doPost sends body as JSON and decodes the answer into out. out is filled
// on error responses too when the body is JSON, so callers can read the
// provider's message.
func (a *Adapter) doPost(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-account-id", a.config.AccountID)
	httpReq.Header.Set("x-secret-key", a.config.Secret)
	httpReq.Header.Set("x-request-id", uuid.NewString())

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		_ = json.Unmarshal(respBody, out)
		return &apiError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (a *Adapter) errorOutcome(transactionRef string, err error, resp *Response) payment.Outcome {
	timedOut := isTimeout(err)
	a.logger.Error("tembo request failed",
		"transaction_ref", transactionRef,
		"timed_out", timedOut,
		"error", err,
	)

	if timedOut {
		return payment.Outcome{
			TimedOut:  true,
			ErrorCode: "TIMEOUT",
			Message:   "Payment provider did not respond in time",
		}
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		out := rejected(resp, fmt.Sprintf("Payment provider returned HTTP %d", apiErr.StatusCode))
		if out.ErrorCode == "" {
			out.ErrorCode = fmt.Sprintf("HTTP_%d", apiErr.StatusCode)
		}
		return out
	}

	return payment.Outcome{
		ErrorCode: "NETWORK_ERROR",
		Message:   "Payment provider request failed: " + err.Error(),
	}
}

func rejected(resp *Response, fallback string) payment.Outcome {
	msg := resp.ErrorMessage
	if msg == "" {
		msg = resp.Message
	}
	if msg == "" {
		msg = fallback
	}
	return payment.Outcome{
		Status:    payment.StatusFailed,
		ErrorCode: resp.ErrorCode,
		Message:   msg,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
