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

	"agripay/internal/common/clock"
	"agripay/internal/common/events"
	"agripay/internal/common/lock"
	"agripay/internal/common/middleware"
	"agripay/internal/ledger"
	"agripay/internal/ledger/domain"
	"agripay/internal/ledger/store"
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

func newServer(t *testing.T) (*httptest.Server, *payment.Payment) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFixed(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	payments := payment.NewService(payment.NewMemoryStore(), lock.NewKeyedMutex(), clk, events.Discard{}, payment.DefaultConfig(), logger)
	payments.RegisterProvider(cashProvider{})
	svc := ledger.NewService(store.NewMemoryStore(), clk, events.Discard{}, ledger.Config{Currency: "TZS"}, logger)
	require.NoError(t, svc.InitializeAccounts(ctx))
	payments.Subscribe(svc)

	res, err := payments.InitiatePayment(ctx, payment.InitiateRequest{
		TransactionRef: "REG_1",
		RecordedBy:     "agent-7",
		Category:       payment.CategoryFarmerRegistration,
		Method:         payment.MethodCash,
		Amount:         decimal.NewFromInt(5000),
		PhoneNumber:    "0745000111",
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	r := chi.NewRouter()
	r.Use(middleware.CallerIdentity)
	r.Mount("/ledger", NewHandler(svc).Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, res.Payment
}

func do(t *testing.T, method, url, body, caller string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(middleware.CallerIDHeader, caller)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return resp
}

type envelope[T any] struct {
	Data T `json:"data"`
}

func TestAccounts(t *testing.T) {
	srv, _ := newServer(t)

	var accounts envelope[[]domain.Account]
	resp := do(t, http.MethodGet, srv.URL+"/ledger/accounts", "", "", &accounts)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, accounts.Data, len(domain.ChartOfAccounts()))

	var cash envelope[domain.Account]
	resp = do(t, http.MethodGet, srv.URL+"/ledger/accounts/"+domain.AccountAgentCash, "", "", &cash)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5000", cash.Data.Balance.String())

	var entries envelope[[]domain.Entry]
	resp = do(t, http.MethodGet, srv.URL+"/ledger/accounts/"+domain.AccountAgentCash+"/entries?limit=10", "", "", &entries)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, entries.Data, 1)

	resp = do(t, http.MethodGet, srv.URL+"/ledger/accounts/9999", "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/ledger/accounts/9999/entries", "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrialBalanceEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	var tb envelope[ledger.TrialBalance]
	resp := do(t, http.MethodGet, srv.URL+"/ledger/trial-balance", "", "", &tb)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, tb.Data.Balanced)
	assert.Equal(t, "5000", tb.Data.Debits.String())
}

func TestPaymentBatchAndReverse(t *testing.T) {
	srv, p := newServer(t)

	var batch envelope[domain.Batch]
	resp := do(t, http.MethodGet, srv.URL+"/ledger/payments/"+p.ID, "", "", &batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REG_1", batch.Data.Reference)
	id := batch.Data.ID

	resp = do(t, http.MethodGet, srv.URL+"/ledger/batches/"+id, "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/ledger/batches/"+id+"/reverse", `{"reason":"wrong farmer"}`, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/ledger/batches/"+id+"/reverse", `{}`, "ops-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var reversal envelope[domain.Batch]
	resp = do(t, http.MethodPost, srv.URL+"/ledger/batches/"+id+"/reverse", `{"reason":"wrong farmer"}`, "ops-1", &reversal)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, domain.SourceTypeReversal, reversal.Data.SourceType)

	resp = do(t, http.MethodPost, srv.URL+"/ledger/batches/"+id+"/reverse", `{"reason":"again"}`, "ops-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/ledger/batches/missing/reverse", `{"reason":"x"}`, "ops-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/ledger/payments/missing", "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
