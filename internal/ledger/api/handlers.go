package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agripay/internal/common/api"
	"agripay/internal/common/database"
	"agripay/internal/common/middleware"
	"agripay/internal/ledger"
	"agripay/internal/ledger/domain"
)

// Handler handles ledger HTTP requests
type Handler struct {
	service *ledger.Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the ledger routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Account routes
	r.Get("/accounts", h.ListAccounts)
	r.Get("/accounts/{code}", h.GetAccount)
	r.Get("/accounts/{code}/entries", h.GetAccountEntries)
	r.Get("/trial-balance", h.GetTrialBalance)

	// Batch routes
	r.Get("/batches/{id}", h.GetBatch)
	r.Post("/batches/{id}/reverse", h.ReverseBatch)
	r.Get("/payments/{paymentID}", h.GetPaymentBatch)

	return r
}

// ListAccounts handles GET /accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		api.InternalError(w, "failed to list accounts")
		return
	}

	api.WriteData(w, http.StatusOK, accounts)
}

// GetAccount handles GET /accounts/{code}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "account not found")
			return
		}
		api.InternalError(w, "failed to get account")
		return
	}

	api.WriteData(w, http.StatusOK, account)
}

// GetAccountEntries handles GET /accounts/{code}/entries
func (h *Handler) GetAccountEntries(w http.ResponseWriter, r *http.Request) {
	p := api.GetPaginationParams(r, 50, 100)

	entries, total, err := h.service.GetAccountEntries(r.Context(), chi.URLParam(r, "code"), p.Limit, p.Offset)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "account not found")
			return
		}
		api.InternalError(w, "failed to get entries")
		return
	}

	api.WritePaginated(w, entries, &api.Pagination{
		Limit:   p.Limit,
		Offset:  p.Offset,
		Total:   total,
		HasMore: int64(p.Offset+len(entries)) < total,
	})
}

// GetTrialBalance handles GET /trial-balance
func (h *Handler) GetTrialBalance(w http.ResponseWriter, r *http.Request) {
	tb, err := h.service.GetTrialBalance(r.Context())
	if err != nil {
		api.InternalError(w, "failed to compute trial balance")
		return
	}

	api.WriteData(w, http.StatusOK, tb)
}

// GetBatch handles GET /batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "batch not found")
			return
		}
		api.InternalError(w, "failed to get batch")
		return
	}

	api.WriteData(w, http.StatusOK, batch)
}

// GetPaymentBatch handles GET /payments/{paymentID}
func (h *Handler) GetPaymentBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.GetPaymentBatch(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not booked")
			return
		}
		api.InternalError(w, "failed to get batch")
		return
	}

	api.WriteData(w, http.StatusOK, batch)
}

// ReverseRequest carries the reason for reversing a batch.
type ReverseRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ReverseBatch handles POST /batches/{id}/reverse
func (h *Handler) ReverseBatch(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetCallerID(r.Context())
	if actor == "" {
		api.BadRequest(w, "caller ID required")
		return
	}

	var req ReverseRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	reversal, err := h.service.ReverseBatch(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "batch not found")
		case errors.Is(err, domain.ErrAlreadyReversed):
			api.Conflict(w, err.Error())
		default:
			api.InternalError(w, "failed to reverse batch")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, reversal)
}
