package payment

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agripay/internal/common/clock"
	"agripay/internal/common/events"
	"agripay/internal/common/lock"
	"agripay/internal/common/money"
)

// fakeProvider answers with scripted outcomes.
type fakeProvider struct {
	name ProviderName

	mu        sync.Mutex
	dispatch  Outcome
	status    Outcome
	available bool
	intents   []Intent
	polls     int
}

func newFakeProvider(name ProviderName) *fakeProvider {
	return &fakeProvider{
		name:      name,
		available: true,
		dispatch:  Outcome{Success: true, ExternalID: "EXT-1", Status: StatusProcessing, Message: "accepted"},
		status:    Outcome{Success: true, Status: StatusProcessing},
	}
}

func (f *fakeProvider) Name() ProviderName { return f.name }

func (f *fakeProvider) IsAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeProvider) ProcessPayment(_ context.Context, intent Intent) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	return f.dispatch
}

func (f *fakeProvider) CheckStatus(_ context.Context, _ string) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.status
}

func (f *fakeProvider) setDispatch(o Outcome) {
	f.mu.Lock()
	f.dispatch = o
	f.mu.Unlock()
}

func (f *fakeProvider) setStatus(o Outcome) {
	f.mu.Lock()
	f.status = o
	f.mu.Unlock()
}

func (f *fakeProvider) dispatched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

type recordingObserver struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (o *recordingObserver) PaymentCompleted(_ context.Context, p *Payment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, p.TransactionRef)
	return nil
}

func (o *recordingObserver) PaymentFailed(_ context.Context, p *Payment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, p.TransactionRef)
	return nil
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	tembo    *fakeProvider
	cash     *fakeProvider
	clock    *clock.Fixed
	observer *recordingObserver
	events   *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Expiry = time.Hour

	h := &harness{
		store:    NewMemoryStore(),
		tembo:    newFakeProvider(ProviderTembo),
		cash:     newFakeProvider(ProviderCash),
		clock:    clock.NewFixed(t0),
		observer: &recordingObserver{},
		events:   &events.Recorder{},
	}
	h.cash.dispatch = Outcome{Success: true, ExternalID: "CASH-1", Status: StatusCompleted}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewService(h.store, lock.NewKeyedMutex(), h.clock, h.events, cfg, logger)
	h.svc.RegisterProvider(h.tembo)
	h.svc.RegisterProvider(h.cash)
	h.svc.Subscribe(h.observer)
	return h
}

func registration(ref string) InitiateRequest {
	return InitiateRequest{
		TransactionRef: ref,
		CustomerID:     "farmer-1",
		RecordedBy:     "agent-7",
		Category:       CategoryFarmerRegistration,
		Method:         MethodUSSDPush,
		Amount:         decimal.NewFromInt(5000),
		PhoneNumber:    "+255745000111",
	}
}

func TestRegistrationCompletesOnCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.InitiatePayment(ctx, registration("REG_A"))
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, "EXT-1", res.ExternalTransactionID)
	assert.Equal(t, "255745000111", h.tembo.intents[0].PhoneNumber)

	res, err = h.svc.ProcessCallback(ctx, "REG_A", []byte(`{"status":"SUCCESS","transactionId":"EXT-1"}`))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)

	p, err := h.svc.GetPaymentByTransactionRef(ctx, "REG_A")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, "agent-7", p.RecordedBy)
	assert.Equal(t, 1, p.CallbackCount)
	assert.Equal(t, []string{"REG_A"}, h.observer.completed)
	assert.Equal(t, []string{events.EventPaymentInitiated, events.EventPaymentCompleted}, h.events.Types())
}

func TestDuplicateReferenceRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.InitiatePayment(ctx, registration("REG_B"))
	require.NoError(t, err)

	res, err := h.svc.InitiatePayment(ctx, registration("REG_B"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeDuplicateReference, res.Code)
	assert.Equal(t, "Transaction reference already exists", res.Message)
	assert.Equal(t, 1, h.store.Count())
	assert.Equal(t, 1, h.tembo.dispatched())
}

func TestConcurrentDuplicateInitiation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.InitiatePayment(ctx, registration("REG_RACE"))
			if !assert.NoError(t, err) {
				return
			}
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, h.store.Count())
	assert.Equal(t, 1, h.tembo.dispatched())
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tembo.setDispatch(Outcome{Status: StatusFailed, ErrorCode: "INSUFFICIENT_FUNDS", Message: "Insufficient balance"})

	res, err := h.svc.InitiatePayment(ctx, registration("REG_D"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeProviderRejected, res.Code)
	assert.Equal(t, StatusFailed, res.Status)

	for i := 1; i <= 3; i++ {
		res, err = h.svc.RetryFailedPayment(ctx, "REG_D")
		require.NoError(t, err)
		assert.Equal(t, CodeProviderRejected, res.Code, "retry %d", i)
		assert.Equal(t, i, res.Payment.RetryCount)
	}

	res, err = h.svc.RetryFailedPayment(ctx, "REG_D")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeNotRetryable, res.Code)
	assert.Equal(t, "Payment cannot be retried", res.Message)
	assert.Equal(t, 4, h.tembo.dispatched())

	// Initiation failures go back to the caller; only retries notify.
	assert.Len(t, h.observer.failed, 3)
}

func TestRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tembo.setDispatch(Outcome{Status: StatusFailed, Message: "busy"})

	_, err := h.svc.InitiatePayment(ctx, registration("REG_R"))
	require.NoError(t, err)

	h.tembo.setDispatch(Outcome{Success: true, ExternalID: "EXT-9", Status: StatusProcessing})
	res, err := h.svc.RetryFailedPayment(ctx, "REG_R")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, "REG_R", h.tembo.intents[1].TransactionRef)
	assert.Empty(t, res.Payment.FailureReason)
}

func TestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *InitiateRequest)
	}{
		{"below registration minimum", func(r *InitiateRequest) { r.Amount = decimal.NewFromInt(4999) }},
		{"above registration maximum", func(r *InitiateRequest) { r.Amount = decimal.NewFromInt(50001) }},
		{"zero amount", func(r *InitiateRequest) { r.Amount = decimal.Zero }},
		{"bad phone", func(r *InitiateRequest) { r.PhoneNumber = "12345" }},
		{"unknown method", func(r *InitiateRequest) { r.Method = "CHEQUE" }},
		{"unknown category", func(r *InitiateRequest) { r.Category = "LOTTERY" }},
		{"too many decimals", func(r *InitiateRequest) { r.Amount = decimal.RequireFromString("5000.555") }},
		{"fractional shillings", func(r *InitiateRequest) {
			r.Currency = money.UGX
			r.Amount = decimal.RequireFromString("10000.4")
		}},
		{"unsupported currency", func(r *InitiateRequest) { r.Currency = "XYZ" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := registration("REG_V")
			tt.mutate(&req)
			res, err := h.svc.InitiatePayment(ctx, req)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, CodeValidation, res.Code)
		})
	}
	assert.Equal(t, 0, h.store.Count())
	assert.Equal(t, 0, h.tembo.dispatched())
}

func TestOutboundSkipsAmountLimits(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.InitiatePayment(context.Background(), InitiateRequest{
		Category:      CategoryCommissionPayout,
		Method:        MethodMobileMoney,
		Amount:        decimal.NewFromInt(50),
		PhoneNumber:   "0655123456",
		RecipientName: "Asha",
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.TransactionRef, "COM_")
	assert.Equal(t, DirectionOutbound, h.tembo.intents[0].Direction)
}

func TestCashCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	req := registration("REG_CASH")
	req.Method = MethodCash

	res, err := h.svc.InitiatePayment(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"REG_CASH"}, h.observer.completed)
}

func TestUnavailableProvider(t *testing.T) {
	h := newHarness(t)
	req := registration("REG_BANK")
	req.Method = MethodBankTransfer

	res, err := h.svc.InitiatePayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CodeProviderUnavailable, res.Code)
	assert.Equal(t, FailureProviderUnavailable, res.Payment.FailureCode)
	assert.Empty(t, h.observer.failed)
}

func TestTerminalPaymentIgnoresCallbackStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := registration("REG_T")
	req.Method = MethodCash
	_, err := h.svc.InitiatePayment(ctx, req)
	require.NoError(t, err)

	res, err := h.svc.ProcessCallback(ctx, "REG_T", []byte(`{"status":"FAILED"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)

	p, err := h.svc.GetPaymentByTransactionRef(ctx, "REG_T")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 1, p.CallbackCount)
	assert.Equal(t, `{"status":"FAILED"}`, p.LastCallbackPayload)
	assert.Empty(t, h.observer.failed)
}

func TestCallbackForUnknownPayment(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.ProcessCallback(context.Background(), "NOPE", []byte(`{"status":"SUCCESS"}`))
	require.NoError(t, err)
	assert.Equal(t, CodeNotFound, res.Code)
	assert.Equal(t, 0, h.store.Count())
}

func TestMalformedCallbackIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_M"))
	require.NoError(t, err)

	res, err := h.svc.ProcessCallback(ctx, "REG_M", []byte(`{broken`))
	require.NoError(t, err)
	assert.Equal(t, CodeValidation, res.Code)

	p, err := h.svc.GetPaymentByTransactionRef(ctx, "REG_M")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, 1, p.CallbackCount)
	assert.Equal(t, `{broken`, p.LastCallbackPayload)
}

func TestCallbackNeverDowngrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_N"))
	require.NoError(t, err)

	for _, body := range []string{`{"status":"PENDING"}`, `{"status":"whatever"}`, `{}`} {
		res, err := h.svc.ProcessCallback(ctx, "REG_N", []byte(body))
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, res.Status, body)
	}
}

func TestCallbackFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_F"))
	require.NoError(t, err)

	res, err := h.svc.ProcessCallback(ctx, "REG_F", []byte(`{"transactionStatus":"FAILED","message":"User cancelled"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureCallback, res.Payment.FailureCode)
	assert.Equal(t, "User cancelled", res.Payment.FailureReason)
	assert.Equal(t, []string{"REG_F"}, h.observer.failed)
}

func TestConcurrentCallbacksCompleteOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_CC"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.ProcessCallback(ctx, "REG_CC", []byte(`{"status":"SUCCESS"}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := h.svc.GetPaymentByTransactionRef(ctx, "REG_CC")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 8, p.CallbackCount)
	assert.Equal(t, []string{"REG_CC"}, h.observer.completed)
}

func TestTimedOutRetryPollsBeforeCharging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tembo.setDispatch(Outcome{TimedOut: true, Message: "timeout"})

	res, err := h.svc.InitiatePayment(ctx, registration("REG_TO"))
	require.NoError(t, err)
	assert.Equal(t, FailureProviderTimeout, res.Payment.FailureCode)

	h.tembo.setStatus(Outcome{Success: true, Status: StatusCompleted, ExternalID: "EXT-LATE"})
	res, err = h.svc.RetryFailedPayment(ctx, "REG_TO")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, h.tembo.dispatched())
	assert.Equal(t, 0, res.Payment.RetryCount)
	assert.Equal(t, []string{"REG_TO"}, h.observer.completed)
}

func TestExpiredRetryPollsBeforeCharging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_EX"))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	res, err := h.svc.ReconcileStuckPayment(ctx, "REG_EX")
	require.NoError(t, err)
	require.Equal(t, FailureExpired, res.Payment.FailureCode)
	require.Equal(t, 1, h.tembo.polls)

	// The provider still has the push in flight.
	res, err = h.svc.RetryFailedPayment(ctx, "REG_EX")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, 1, h.tembo.dispatched())
	assert.Equal(t, 2, h.tembo.polls)
	assert.Equal(t, 0, res.Payment.RetryCount)

	h.clock.Advance(11 * time.Minute)
	res, err = h.svc.ReconcileStuckPayment(ctx, "REG_EX")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
}

func TestExpiredRetryRechargesWithFreshExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_EX2"))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = h.svc.ReconcileStuckPayment(ctx, "REG_EX2")
	require.NoError(t, err)

	h.tembo.setStatus(Outcome{Success: true, Status: StatusFailed, Message: "Timed out at carrier"})
	res, err := h.svc.RetryFailedPayment(ctx, "REG_EX2")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, 2, h.tembo.dispatched())
	assert.Equal(t, 1, res.Payment.RetryCount)
	require.NotNil(t, res.Payment.ExpiresAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *res.Payment.ExpiresAt)

	h.tembo.setStatus(Outcome{Success: true, Status: StatusProcessing})
	h.clock.Advance(11 * time.Minute)
	res, err = h.svc.ReconcileStuckPayment(ctx, "REG_EX2")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
}

func TestRetryWaitsWhenStatusUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tembo.setDispatch(Outcome{TimedOut: true, Message: "timeout"})
	_, err := h.svc.InitiatePayment(ctx, registration("REG_UN"))
	require.NoError(t, err)

	h.tembo.setStatus(Outcome{Success: false, TimedOut: true, Message: "status timeout"})
	res, err := h.svc.RetryFailedPayment(ctx, "REG_UN")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeProviderUnavailable, res.Code)
	assert.Equal(t, 1, h.tembo.dispatched())

	p, err := h.svc.GetPaymentByTransactionRef(ctx, "REG_UN")
	require.NoError(t, err)
	assert.Equal(t, 0, p.RetryCount)
}

func TestStatusPollFailsPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_P"))
	require.NoError(t, err)

	h.tembo.setStatus(Outcome{Success: true, Status: StatusFailed, Message: "Declined"})
	res, err := h.svc.CheckPaymentStatus(ctx, "REG_P")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureStatusPoll, res.Payment.FailureCode)
	assert.Equal(t, []string{"REG_P"}, h.observer.failed)
}

func TestStatusPollOnTerminalSkipsProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := registration("REG_S")
	req.Method = MethodCash
	_, err := h.svc.InitiatePayment(ctx, req)
	require.NoError(t, err)

	res, err := h.svc.CheckPaymentStatus(ctx, "REG_S")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 0, h.cash.polls)
}

func TestReconcileExpiresStuckPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_X"))
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	stuck, err := h.svc.ListStuckPayments(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	res, err := h.svc.ReconcileStuckPayment(ctx, "REG_X")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)

	h.clock.Advance(time.Hour)
	res, err = h.svc.ReconcileStuckPayment(ctx, "REG_X")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureExpired, res.Payment.FailureCode)
	assert.Equal(t, []string{"REG_X"}, h.observer.failed)
}

func TestCancelAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiatePayment(ctx, registration("REG_C1"))
	require.NoError(t, err)

	res, err := h.svc.CancelPayment(ctx, "REG_C1", "admin-1", "customer changed mind")
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidState, res.Code)

	h.tembo.setDispatch(Outcome{Status: StatusFailed, Message: "no"})
	_, err = h.svc.InitiatePayment(ctx, registration("REG_C2"))
	require.NoError(t, err)
	res, err = h.svc.CancelPayment(ctx, "REG_C2", "admin-1", "customer changed mind")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StatusCancelled, res.Status)

	res, err = h.svc.DeletePayment(ctx, "REG_C2", "admin-1", "test data")
	require.NoError(t, err)
	require.True(t, res.Success)

	list, err := h.svc.GetPaymentsByCustomer(ctx, "farmer-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "REG_C1", list[0].TransactionRef)
}

func TestRetryableListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tembo.setDispatch(Outcome{Status: StatusFailed, Message: "no"})
	_, err := h.svc.InitiatePayment(ctx, registration("REG_L"))
	require.NoError(t, err)

	list, err := h.svc.ListRetryablePayments(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	h.clock.Advance(2 * time.Hour)
	list, err = h.svc.ListRetryablePayments(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
