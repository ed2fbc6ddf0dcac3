package billing

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
	"agripay/internal/common/database"
	"agripay/internal/common/events"
	"agripay/internal/common/lock"
	"agripay/internal/common/money"
	"agripay/internal/payment"
)

// Friday 2024-01-05 08:00 UTC.
var t0 = time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)

type stubProvider struct {
	mu         sync.Mutex
	outcome    payment.Outcome
	status     *payment.Outcome
	dispatch   int
	onDispatch func(payment.Intent)
}

func (p *stubProvider) Name() payment.ProviderName { return payment.ProviderTembo }
func (p *stubProvider) IsAvailable() bool          { return true }

func (p *stubProvider) ProcessPayment(_ context.Context, in payment.Intent) payment.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatch++
	if p.onDispatch != nil {
		p.onDispatch(in)
	}
	return p.outcome
}

func (p *stubProvider) CheckStatus(context.Context, string) payment.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != nil {
		return *p.status
	}
	return payment.Outcome{Success: true, Status: payment.StatusProcessing}
}

func (p *stubProvider) set(o payment.Outcome) {
	p.mu.Lock()
	p.outcome = o
	p.mu.Unlock()
}

func (p *stubProvider) setStatus(o payment.Outcome) {
	p.mu.Lock()
	p.status = &o
	p.mu.Unlock()
}

func (p *stubProvider) reject() {
	p.mu.Lock()
	p.outcome = payment.Outcome{Status: payment.StatusFailed, ErrorCode: "INSUFFICIENT_FUNDS", Message: "Insufficient funds"}
	p.mu.Unlock()
}

type harness struct {
	svc      *Service
	payments *payment.Service
	provider *stubProvider
	clock    *clock.Fixed
	events   *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locker := lock.NewKeyedMutex()

	h := &harness{
		provider: &stubProvider{outcome: payment.Outcome{Success: true, ExternalID: "EXT-1", Status: payment.StatusProcessing}},
		clock:    clock.NewFixed(t0),
		events:   &events.Recorder{},
	}

	pcfg := payment.DefaultConfig()
	pcfg.MaxRetryAttempts = 0
	h.payments = payment.NewService(payment.NewMemoryStore(), locker, h.clock, events.Discard{}, pcfg, logger)
	h.payments.RegisterProvider(h.provider)

	h.svc = NewService(NewMemoryStore(), h.payments, locker, h.clock, h.events, DefaultConfig(), logger)
	h.payments.Subscribe(h.svc)
	return h
}

func (h *harness) create(t *testing.T) *Billing {
	t.Helper()
	b, err := h.svc.CreateBilling(context.Background(), CreateRequest{
		CustomerID:    "farmer-1",
		CustomerName:  "Asha",
		CustomerPhone: "0745000111",
		AgentID:       "agent-7",
		ServiceType:   ServiceWeeklyConsultation,
		ServiceName:   "Weekly consultation",
		Amount:        decimal.NewFromInt(2000),
	})
	require.NoError(t, err)
	return b
}

// advanceTo moves the clock to 08:00 on d.
func (h *harness) advanceTo(d time.Time) {
	h.clock.Set(d.Add(8 * time.Hour))
}

func TestCreateBillingDefaults(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	assert.Equal(t, StatusActive, b.Status)
	assert.Equal(t, FrequencyWeekly, b.Frequency)
	assert.Equal(t, 5, b.BillingDay)
	assert.Equal(t, "255745000111", b.CustomerPhone)
	assert.Equal(t, date(2024, 1, 12), b.NextBillingDate)
	assert.Equal(t, 3, b.MaxFailures)
	assert.Contains(t, b.BillingRef, "BILL_")
	assert.Equal(t, []string{events.EventBillingCreated}, h.events.Types())
}

func TestCreateBillingWithFutureStart(t *testing.T) {
	h := newHarness(t)
	start := date(2024, 2, 1)

	b, err := h.svc.CreateBilling(context.Background(), CreateRequest{
		CustomerID:    "farmer-1",
		CustomerPhone: "0745000111",
		ServiceName:   "Market updates",
		Frequency:     FrequencyMonthly,
		BillingDay:    1,
		Amount:        decimal.NewFromInt(1500),
		StartDate:     &start,
	})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 2, 1), b.NextBillingDate)
	assert.Equal(t, start, b.StartDate)
}

func TestCreateBillingValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := date(2023, 12, 1)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing service", CreateRequest{CustomerID: "c", CustomerPhone: "0745000111", Amount: decimal.NewFromInt(1)}},
		{"zero amount", CreateRequest{CustomerID: "c", CustomerPhone: "0745000111", ServiceName: "s"}},
		{"bad phone", CreateRequest{CustomerID: "c", CustomerPhone: "12", ServiceName: "s", Amount: decimal.NewFromInt(1)}},
		{"bad frequency", CreateRequest{CustomerID: "c", CustomerPhone: "0745000111", ServiceName: "s", Amount: decimal.NewFromInt(1), Frequency: "HOURLY"}},
		{"bad weekday", CreateRequest{CustomerID: "c", CustomerPhone: "0745000111", ServiceName: "s", Amount: decimal.NewFromInt(1), BillingDay: 9}},
		{"end before start", CreateRequest{CustomerID: "c", CustomerPhone: "0745000111", ServiceName: "s", Amount: decimal.NewFromInt(1), EndDate: &end}},
		{"too many decimals", CreateRequest{CustomerID: "c", CustomerPhone: "0745000111", ServiceName: "s", Amount: decimal.RequireFromString("5000.555")}},
		{"fractional shillings", CreateRequest{CustomerID: "c", CustomerPhone: "0745000111", ServiceName: "s", Amount: decimal.RequireFromString("10000.4"), Currency: money.UGX}},
		{"unsupported currency", CreateRequest{CustomerID: "c", CustomerPhone: "0745000111", ServiceName: "s", Amount: decimal.NewFromInt(1), Currency: "XYZ"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateBilling(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidBilling)
		})
	}
}

func TestWeeklyCycleChargesAndAdvances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	due, err := h.svc.GetDueBillings(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	h.advanceTo(date(2024, 1, 12))
	due, err = h.svc.GetDueBillings(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	res, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCharged, res.Outcome)

	p, err := h.payments.GetPaymentByTransactionRef(ctx, res.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, payment.CategoryServiceFee, p.Category)
	assert.Equal(t, "agent-7", p.RecordedBy)
	assert.Equal(t, b.ID, p.Metadata[MetaBillingID])
	assert.Equal(t, "2024-01-12", p.Metadata[MetaBillingCycle])
	assert.Equal(t, "Billing for Weekly consultation", p.Description)

	_, err = h.payments.ProcessCallback(ctx, res.TransactionRef, []byte(`{"status":"SUCCESS"}`))
	require.NoError(t, err)

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastBillingDate)
	assert.Equal(t, date(2024, 1, 12), *got.LastBillingDate)
	assert.Equal(t, date(2024, 1, 19), got.NextBillingDate)
	assert.Equal(t, 1, got.TotalPayments)
	assert.Equal(t, "2000.00", got.TotalCollected.StringFixed())
	assert.Equal(t, p.ID, got.LastPaymentID)
	assert.Equal(t, res.TransactionRef, got.LastPaymentRef)
	assert.Equal(t, []string{events.EventBillingCreated, events.EventBillingCharged}, h.events.Types())

	// A duplicate completion notice must not close a second cycle.
	done, err := h.payments.GetPaymentByTransactionRef(ctx, res.TransactionRef)
	require.NoError(t, err)
	require.NoError(t, h.svc.PaymentCompleted(ctx, done))
	got, err = h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalPayments)
}

func TestLateSettlementDoesNotCloseNextCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)
	h.advanceTo(date(2024, 1, 12))

	h.provider.set(payment.Outcome{TimedOut: true, Message: "timeout"})
	first, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, first.Outcome)

	h.provider.set(payment.Outcome{Success: true, ExternalID: "EXT-2", Status: payment.StatusProcessing})
	second, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeCharged, second.Outcome)
	_, err = h.payments.ProcessCallback(ctx, second.TransactionRef, []byte(`{"status":"SUCCESS"}`))
	require.NoError(t, err)

	// The timed-out attempt for 2024-01-12 went through after all.
	h.provider.setStatus(payment.Outcome{Success: true, Status: payment.StatusCompleted, ExternalID: "EXT-1"})
	res, err := h.payments.CheckPaymentStatus(ctx, first.TransactionRef)
	require.NoError(t, err)
	require.Equal(t, payment.StatusCompleted, res.Status)

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, date(2024, 1, 19), got.NextBillingDate)
	assert.Equal(t, 1, got.TotalPayments)
	assert.Equal(t, "2000.00", got.TotalCollected.StringFixed())
	assert.Equal(t, second.TransactionRef, got.LastPaymentRef)
	assert.Equal(t, []string{
		events.EventBillingCreated,
		events.EventBillingCharged,
		events.EventBillingOverpaid,
	}, h.events.Types())
}

func TestPaymentRefStoredBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)
	h.advanceTo(date(2024, 1, 12))

	var during string
	h.provider.onDispatch = func(in payment.Intent) {
		cur, err := h.svc.Get(ctx, b.ID)
		if err == nil {
			during = cur.LastPaymentRef
		}
		assert.Equal(t, in.TransactionRef, during)
	}

	res, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeCharged, res.Outcome)
	assert.Equal(t, res.TransactionRef, during)
}

func TestEarlyFailureCallbackIsCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)
	h.advanceTo(date(2024, 1, 12))

	// The failure notice lands while InitiatePayment is still dispatching.
	h.provider.onDispatch = func(in payment.Intent) {
		failed := &payment.Payment{
			ID:             "early",
			TransactionRef: in.TransactionRef,
			Status:         payment.StatusFailed,
			Metadata:       map[string]string{MetaBillingID: b.ID},
		}
		assert.NoError(t, h.svc.PaymentFailed(ctx, failed))
	}

	_, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedPaymentCount)
}

func TestRefusedPaymentKeepsPreviousRef(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)
	h.advanceTo(date(2024, 1, 12))

	first, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	_, err = h.payments.ProcessCallback(ctx, first.TransactionRef, []byte(`{"status":"SUCCESS"}`))
	require.NoError(t, err)

	// Written directly, bypassing CreateBilling's checks.
	require.NoError(t, h.svc.update(ctx, b.ID, func(b *Billing, _ time.Time) error {
		b.Amount = money.MustParse("2000.555", money.TZS)
		return nil
	}))

	h.advanceTo(date(2024, 1, 19))
	res, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, h.provider.dispatch)

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionRef, got.LastPaymentRef)
	assert.Equal(t, 1, got.FailedPaymentCount)
}

func TestNotDueIsSkipped(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	res, err := h.svc.ProcessDueBilling(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, h.provider.dispatch)
}

func TestOpenPaymentBlocksSecondCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)
	h.advanceTo(date(2024, 1, 12))

	first, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeCharged, first.Outcome)

	second, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Equal(t, first.TransactionRef, second.TransactionRef)
	assert.Equal(t, 1, h.provider.dispatch)
}

func TestRepeatedFailuresSuspend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)
	h.advanceTo(date(2024, 1, 12))
	h.provider.reject()

	var last *ProcessResult
	for i := 0; i < 3; i++ {
		res, err := h.svc.ProcessDueBilling(ctx, b.ID)
		require.NoError(t, err)
		last = res
	}
	assert.Equal(t, OutcomeSuspended, last.Outcome)

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
	assert.Equal(t, 3, got.FailedPaymentCount)
	assert.Equal(t, date(2024, 1, 12), got.NextBillingDate)

	res, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 3, h.provider.dispatch)

	got, err = h.svc.Reactivate(ctx, b.ID, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Zero(t, got.FailedPaymentCount)
}

func TestCallbackFailureCountsAgainstBilling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)
	h.advanceTo(date(2024, 1, 12))

	res, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)

	_, err = h.payments.ProcessCallback(ctx, res.TransactionRef, []byte(`{"status":"FAILED","failureReason":"Cancelled by user"}`))
	require.NoError(t, err)

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedPaymentCount)
	assert.Equal(t, StatusActive, got.Status)

	// The failed payment has no retries left, so the next sweep charges again.
	res, err = h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCharged, res.Outcome)
	assert.Equal(t, 2, h.provider.dispatch)
}

func TestEndedBillingExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := date(2024, 1, 10)

	b, err := h.svc.CreateBilling(ctx, CreateRequest{
		CustomerID:    "farmer-1",
		CustomerPhone: "0745000111",
		ServiceName:   "Weather alerts",
		Amount:        decimal.NewFromInt(500),
		EndDate:       &end,
	})
	require.NoError(t, err)

	h.advanceTo(date(2024, 1, 12))
	res, err := h.svc.ProcessDueBilling(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, res.Outcome)

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Zero(t, h.provider.dispatch)
}

func TestLifecycleOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	got, err := h.svc.Pause(ctx, b.ID, "agent-7", "harvest season")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	_, err = h.svc.Pause(ctx, b.ID, "agent-7", "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = h.svc.Suspend(ctx, b.ID, "agent-7", "arrears")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)

	got, err = h.svc.Cancel(ctx, b.ID, "agent-7", "moved")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)

	list, err := h.svc.GetCustomerBillings(ctx, "farmer-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, h.svc.Delete(ctx, b.ID, "agent-7", "duplicate"))
	_, err = h.svc.Get(ctx, b.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	list, err = h.svc.GetCustomerBillings(ctx, "farmer-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.Equal(t, []string{
		events.EventBillingCreated,
		events.EventBillingSuspended,
		events.EventBillingCancelled,
	}, h.events.Types())
}

func TestPaymentsWithoutBillingAreIgnored(t *testing.T) {
	h := newHarness(t)
	p := &payment.Payment{ID: "p-1", TransactionRef: "REG_1", Metadata: map[string]string{}}

	assert.NoError(t, h.svc.PaymentCompleted(context.Background(), p))
	assert.NoError(t, h.svc.PaymentFailed(context.Background(), p))
}
