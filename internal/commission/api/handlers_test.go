package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agripay/internal/commission"
	"agripay/internal/common/clock"
	"agripay/internal/common/events"
	"agripay/internal/common/lock"
	"agripay/internal/common/middleware"
	"agripay/internal/payment"
)

type cashProvider struct{}

func (cashProvider) Name() payment.ProviderName { return payment.ProviderCash }
func (cashProvider) IsAvailable() bool          { return true }

func (cashProvider) ProcessPayment(context.Context, payment.Intent) payment.Outcome {
	return payment.Outcome{Success: true, ExternalID: "CASH-1", Status: payment.StatusCompleted}
}

func (cashProvider) CheckStatus(context.Context, string) payment.Outcome {
	return payment.Outcome{Success: true, Status: payment.StatusCompleted}
}

type testEnv struct {
	srv      *httptest.Server
	payments *payment.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFixed(time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC))
	locker := lock.NewKeyedMutex()

	payments := payment.NewService(payment.NewMemoryStore(), locker, clk, events.Discard{}, payment.DefaultConfig(), logger)
	payments.RegisterProvider(cashProvider{})
	svc := commission.NewService(commission.NewMemoryStore(), payments, commission.NewMemoryDirectory(),
		locker, clk, events.Discard{}, commission.DefaultConfig(), logger)
	payments.Subscribe(svc)

	r := chi.NewRouter()
	r.Use(middleware.CallerIdentity)
	r.Mount("/commissions", NewHandler(svc).Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, payments: payments}
}

func (e *testEnv) cashRegistration(t *testing.T, ref string) {
	t.Helper()
	res, err := e.payments.InitiatePayment(context.Background(), payment.InitiateRequest{
		TransactionRef: ref,
		RecordedBy:     "agent-7",
		Category:       payment.CategoryFarmerRegistration,
		Method:         payment.MethodCash,
		Amount:         decimal.NewFromInt(5000),
		PhoneNumber:    "0745000111",
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
}

func do(t *testing.T, method, url, body string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.CallerIDHeader, "ops-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = json.Unmarshal(raw, out)
	}
	return resp
}

type listEnvelope struct {
	Data []commission.Commission `json:"data"`
}

type oneEnvelope struct {
	Data commission.Commission `json:"data"`
}

func TestListAndMarkPaid(t *testing.T) {
	env := newTestEnv(t)
	env.cashRegistration(t, "REG_1")

	var list listEnvelope
	resp := do(t, http.MethodGet, env.srv.URL+"/commissions/agent/agent-7", "", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "500.00", list.Data[0].Amount.StringFixed())

	id := list.Data[0].ID
	var paid oneEnvelope
	resp = do(t, http.MethodPost, env.srv.URL+"/commissions/"+id+"/paid", `{"payout_transaction_id":"ext-1"}`, &paid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, commission.StatusPaid, paid.Data.Status)
	assert.Equal(t, "ops-1", paid.Data.StatusChangedBy)

	resp = do(t, http.MethodPost, env.srv.URL+"/commissions/"+id+"/cancel", `{"reason":"late"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodGet, env.srv.URL+"/commissions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPayoutAccountValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := do(t, http.MethodPut, env.srv.URL+"/commissions/agent/agent-7/payout-account", `{"phone_number":"123","full_name":"Juma"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = do(t, http.MethodPut, env.srv.URL+"/commissions/agent/agent-7/payout-account", `{"phone_number":"0652000111","full_name":"Juma"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProcessPayoutsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var summary struct {
		Data commission.PayoutSummary `json:"data"`
	}
	resp := do(t, http.MethodPost, env.srv.URL+"/commissions/payouts", "", &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, summary.Data.Due)
	assert.NotEmpty(t, summary.Data.BatchID)
}
