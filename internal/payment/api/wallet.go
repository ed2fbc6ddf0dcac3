package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agripay/internal/common/api"
	"agripay/internal/providers/tembo"
)

// Wallet exposes the mobile money float account.
type Wallet interface {
	Balance(ctx context.Context) (*tembo.BalanceResponse, error)
	Statement(ctx context.Context, from, to time.Time) (*tembo.StatementResponse, error)
}

// WalletHandler serves wallet balance and statement queries.
type WalletHandler struct {
	wallet Wallet
	now    func() time.Time
}

func NewWalletHandler(wallet Wallet, now func() time.Time) *WalletHandler {
	return &WalletHandler{wallet: wallet, now: now}
}

func (h *WalletHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/balance", h.Balance)
	r.Get("/statement", h.Statement)
	return r
}

// Balance handles GET /balance
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.wallet.Balance(r.Context())
	if err != nil {
		if errors.Is(err, tembo.ErrNotConfigured) {
			api.ServiceUnavailable(w, "wallet provider is not configured")
			return
		}
		api.InternalError(w, "failed to get wallet balance")
		return
	}

	api.WriteData(w, http.StatusOK, bal)
}

// Statement handles GET /statement?from=2024-01-01&to=2024-01-31. Both
// dates default to the current month.
func (h *WalletHandler) Statement(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			api.BadRequest(w, "from must be a date in format 2006-01-02")
			return
		}
		from = d
	}
	if v := r.URL.Query().Get("to"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			api.BadRequest(w, "to must be a date in format 2006-01-02")
			return
		}
		to = d
	}
	if to.Before(from) {
		api.BadRequest(w, "to must not be before from")
		return
	}

	stmt, err := h.wallet.Statement(r.Context(), from, to)
	if err != nil {
		if errors.Is(err, tembo.ErrNotConfigured) {
			api.ServiceUnavailable(w, "wallet provider is not configured")
			return
		}
		api.InternalError(w, "failed to get wallet statement")
		return
	}

	api.WriteData(w, http.StatusOK, stmt)
}
