package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agripay/internal/commission"
	"agripay/internal/common/api"
	"agripay/internal/common/database"
	"agripay/internal/common/middleware"
)

// Handler handles commission HTTP requests
type Handler struct {
	service *commission.Service
}

// NewHandler creates a new commission handler
func NewHandler(service *commission.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the commission routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/due", h.ListDue)
	r.Post("/payouts", h.ProcessPayouts)
	r.Get("/agent/{agentID}", h.ListByAgent)
	r.Put("/agent/{agentID}/payout-account", h.SavePayoutAccount)

	r.Get("/{id}", h.Get)
	r.Post("/{id}/paid", h.MarkPaid)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/requeue", h.Requeue)

	return r
}

// Get handles GET /{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to get commission")
		return
	}

	api.WriteData(w, http.StatusOK, c)
}

// ListByAgent handles GET /agent/{agentID}
func (h *Handler) ListByAgent(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetAgentCommissions(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		api.InternalError(w, "failed to list commissions")
		return
	}

	api.Paginate(w, list, api.GetPaginationParams(r, 50, 200))
}

// ListDue handles GET /due
func (h *Handler) ListDue(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetDueCommissions(r.Context())
	if err != nil {
		api.InternalError(w, "failed to list due commissions")
		return
	}

	api.Paginate(w, list, api.GetPaginationParams(r, 50, 500))
}

// ProcessPayouts handles POST /payouts
func (h *Handler) ProcessPayouts(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ProcessPayouts(r.Context())
	if err != nil {
		api.InternalError(w, "failed to process payouts")
		return
	}

	api.WriteData(w, http.StatusOK, summary)
}

// PayoutAccountRequest registers an agent's payout destination.
type PayoutAccountRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,max=20"`
	FullName    string `json:"full_name" validate:"required,max=255"`
}

// SavePayoutAccount handles PUT /agent/{agentID}/payout-account
func (h *Handler) SavePayoutAccount(w http.ResponseWriter, r *http.Request) {
	var req PayoutAccountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	account, err := h.service.SavePayoutAccount(r.Context(), chi.URLParam(r, "agentID"), req.PhoneNumber, req.FullName)
	if err != nil {
		if errors.Is(err, commission.ErrInvalidAccount) {
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
			return
		}
		api.InternalError(w, "failed to save payout account")
		return
	}

	api.WriteData(w, http.StatusOK, account)
}

// MarkPaidRequest records a payout made outside the payout sweep.
type MarkPaidRequest struct {
	PayoutTransactionID string `json:"payout_transaction_id" validate:"required,max=64"`
}

// MarkPaid handles POST /{id}/paid
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetCallerID(r.Context())
	if actor == "" {
		api.BadRequest(w, "caller ID required")
		return
	}

	var req MarkPaidRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	c, err := h.service.MarkCommissionAsPaid(r.Context(), chi.URLParam(r, "id"), req.PayoutTransactionID, actor)
	if err != nil {
		writeError(w, err, "failed to mark commission as paid")
		return
	}

	api.WriteData(w, http.StatusOK, c)
}

// CancelRequest carries the reason for voiding a commission.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Cancel handles POST /{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetCallerID(r.Context())
	if actor == "" {
		api.BadRequest(w, "caller ID required")
		return
	}

	var req CancelRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	c, err := h.service.CancelCommission(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		writeError(w, err, "failed to cancel commission")
		return
	}

	api.WriteData(w, http.StatusOK, c)
}

// Requeue handles POST /{id}/requeue
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetCallerID(r.Context())
	if actor == "" {
		api.BadRequest(w, "caller ID required")
		return
	}

	c, err := h.service.RequeueCommission(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, err, "failed to requeue commission")
		return
	}

	api.WriteData(w, http.StatusOK, c)
}

func writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "commission not found")
	case errors.Is(err, commission.ErrInvalidTransition):
		api.Conflict(w, err.Error())
	case errors.Is(err, database.ErrConflict):
		api.Conflict(w, "commission was modified concurrently")
	default:
		api.InternalError(w, fallback)
	}
}
