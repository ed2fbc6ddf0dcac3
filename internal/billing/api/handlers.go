package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"agripay/internal/billing"
	"agripay/internal/common/api"
	"agripay/internal/common/database"
	"agripay/internal/common/middleware"
	"agripay/internal/common/money"
)

// Handler handles billing HTTP requests
type Handler struct {
	service *billing.Service
}

// NewHandler creates a new billing handler
func NewHandler(service *billing.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the billing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/due", h.ListDue)
	r.Get("/customer/{customerID}", h.ListByCustomer)

	r.Get("/{id}", h.Get)
	r.Post("/{id}/process", h.Process)
	r.Post("/{id}/suspend", h.Suspend)
	r.Post("/{id}/pause", h.Pause)
	r.Post("/{id}/reactivate", h.Reactivate)
	r.Post("/{id}/cancel", h.Cancel)
	r.Delete("/{id}", h.Delete)

	return r
}

// CreateRequest is the API request for creating a billing
type CreateRequest struct {
	CustomerID         string          `json:"customer_id" validate:"required,max=64"`
	CustomerName       string          `json:"customer_name" validate:"max=255"`
	CustomerPhone      string          `json:"customer_phone" validate:"required,max=20"`
	ServiceType        string          `json:"service_type" validate:"omitempty,oneof=WEEKLY_CONSULTATION MONTHLY_TIPS SEASONAL_ADVISORY EQUIPMENT_RENTAL MARKET_UPDATES WEATHER_ALERTS CUSTOM_SERVICE"`
	ServiceName        string          `json:"service_name" validate:"required,max=255"`
	ServiceDescription string          `json:"service_description" validate:"max=500"`
	Frequency          string          `json:"frequency" validate:"omitempty,oneof=DAILY WEEKLY MONTHLY QUARTERLY YEARLY"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency" validate:"omitempty,len=3"`
	BillingDay         int             `json:"billing_day" validate:"gte=0,lte=31"`
	StartDate          string          `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate            string          `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

// Create handles POST /
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	caller := middleware.GetCallerID(r.Context())
	b, err := h.service.CreateBilling(r.Context(), billing.CreateRequest{
		CustomerID:         req.CustomerID,
		CustomerName:       req.CustomerName,
		CustomerPhone:      req.CustomerPhone,
		AgentID:            caller,
		ServiceType:        billing.ServiceType(req.ServiceType),
		ServiceName:        req.ServiceName,
		ServiceDescription: req.ServiceDescription,
		Frequency:          billing.Frequency(req.Frequency),
		Amount:             req.Amount,
		Currency:           money.Currency(req.Currency),
		BillingDay:         req.BillingDay,
		StartDate:          parseDate(req.StartDate),
		EndDate:            parseDate(req.EndDate),
		CreatedBy:          caller,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidBilling) {
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
			return
		}
		api.InternalError(w, "failed to create billing")
		return
	}

	api.WriteData(w, http.StatusCreated, b)
}

// parseDate reads a date that already passed validation.
func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil
	}
	return &d
}

// Get handles GET /{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to get billing")
		return
	}

	api.WriteData(w, http.StatusOK, b)
}

// ListByCustomer handles GET /customer/{customerID}
func (h *Handler) ListByCustomer(w http.ResponseWriter, r *http.Request) {
	billings, err := h.service.GetCustomerBillings(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		api.InternalError(w, "failed to list billings")
		return
	}

	api.Paginate(w, billings, api.GetPaginationParams(r, 50, 200))
}

// ListDue handles GET /due
func (h *Handler) ListDue(w http.ResponseWriter, r *http.Request) {
	billings, err := h.service.GetDueBillings(r.Context())
	if err != nil {
		api.InternalError(w, "failed to list due billings")
		return
	}

	api.Paginate(w, billings, api.GetPaginationParams(r, 50, 500))
}

// Process handles POST /{id}/process
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ProcessDueBilling(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to process billing")
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// ReasonRequest carries an operator's reason for a status change.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Suspend handles POST /{id}/suspend
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.service.Suspend)
}

// Pause handles POST /{id}/pause
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.service.Pause)
}

// Cancel handles POST /{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.service.Cancel)
}

// Reactivate handles POST /{id}/reactivate
func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetCallerID(r.Context())
	if actor == "" {
		api.BadRequest(w, "caller ID required")
		return
	}

	b, err := h.service.Reactivate(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, err, "failed to reactivate billing")
		return
	}

	api.WriteData(w, http.StatusOK, b)
}

type reasonFunc func(ctx context.Context, id, actor, reason string) (*billing.Billing, error)

func (h *Handler) withReason(w http.ResponseWriter, r *http.Request, fn reasonFunc) {
	actor := middleware.GetCallerID(r.Context())
	if actor == "" {
		api.BadRequest(w, "caller ID required")
		return
	}

	var req ReasonRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	b, err := fn(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		writeError(w, err, "failed to update billing")
		return
	}

	api.WriteData(w, http.StatusOK, b)
}

// Delete handles DELETE /{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetCallerID(r.Context())
	if actor == "" {
		api.BadRequest(w, "caller ID required")
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		api.BadRequest(w, "reason required")
		return
	}

	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), actor, reason); err != nil {
		writeError(w, err, "failed to delete billing")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "billing not found")
	case errors.Is(err, billing.ErrInvalidTransition):
		api.Conflict(w, err.Error())
	case errors.Is(err, database.ErrConflict):
		api.Conflict(w, "billing was modified concurrently")
	default:
		api.InternalError(w, fallback)
	}
}
