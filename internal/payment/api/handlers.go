package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"agripay/internal/common/api"
	"agripay/internal/common/database"
	"agripay/internal/common/middleware"
	"agripay/internal/common/money"
	"agripay/internal/payment"
)

// Callback bodies larger than this are refused.
const maxCallbackBytes = 64 << 10

// Handler handles payment HTTP requests
type Handler struct {
	service *payment.Service
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/initiate", h.Initiate)
	r.Post("/callback/{transactionRef}", h.Callback)

	r.Get("/customer/{customerID}", h.ListByCustomer)
	r.Get("/id/{id}", h.GetByID)
	r.Get("/stuck", h.ListStuck)

	r.Get("/{transactionRef}", h.Get)
	r.Get("/{transactionRef}/status", h.CheckStatus)
	r.Post("/{transactionRef}/retry", h.Retry)
	r.Post("/{transactionRef}/cancel", h.Cancel)
	r.Delete("/{transactionRef}", h.Delete)

	return r
}

// InitiateRequest is the API request for starting a payment
type InitiateRequest struct {
	TransactionRef string            `json:"transaction_ref" validate:"omitempty,max=64"`
	CustomerID     string            `json:"customer_id" validate:"max=64"`
	Category       string            `json:"category" validate:"required"`
	Method         string            `json:"method" validate:"required"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency" validate:"omitempty,len=3"`
	PhoneNumber    string            `json:"phone_number" validate:"required,max=20"`
	RecipientName  string            `json:"recipient_name" validate:"max=255"`
	Description    string            `json:"description" validate:"max=500"`
	Metadata       map[string]string `json:"metadata"`
}

// Initiate handles POST /initiate
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.service.InitiatePayment(r.Context(), payment.InitiateRequest{
		TransactionRef: req.TransactionRef,
		CustomerID:     req.CustomerID,
		RecordedBy:     middleware.GetCallerID(r.Context()),
		Category:       payment.Category(req.Category),
		Method:         payment.Method(req.Method),
		Amount:         req.Amount,
		Currency:       money.Currency(req.Currency),
		PhoneNumber:    req.PhoneNumber,
		RecipientName:  req.RecipientName,
		Description:    req.Description,
		Metadata:       req.Metadata,
	})
	if err != nil {
		api.InternalError(w, "failed to initiate payment")
		return
	}

	writeResult(w, http.StatusCreated, res)
}

// Callback handles POST /callback/{transactionRef}
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "transactionRef")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		api.BadRequest(w, "failed to read callback body")
		return
	}

	res, err := h.service.ProcessCallback(r.Context(), ref, body)
	if err != nil {
		api.InternalError(w, "failed to process callback")
		return
	}

	writeResult(w, http.StatusOK, res)
}

// Get handles GET /{transactionRef}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPaymentByTransactionRef(r.Context(), chi.URLParam(r, "transactionRef"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// GetByID handles GET /id/{id}
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPaymentByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// ListByCustomer handles GET /customer/{customerID}
func (h *Handler) ListByCustomer(w http.ResponseWriter, r *http.Request) {
	payments, err := h.service.GetPaymentsByCustomer(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		api.InternalError(w, "failed to list payments")
		return
	}

	api.Paginate(w, payments, api.GetPaginationParams(r, 50, 200))
}

// ListStuck handles GET /stuck?older_than=10m
func (h *Handler) ListStuck(w http.ResponseWriter, r *http.Request) {
	age := 10 * time.Minute
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			api.BadRequest(w, "older_than must be a positive duration such as 10m")
			return
		}
		age = d
	}

	p := api.GetPaginationParams(r, 50, 200)
	payments, err := h.service.ListStuckPayments(r.Context(), age, p.Offset+p.Limit)
	if err != nil {
		api.InternalError(w, "failed to list stuck payments")
		return
	}

	api.Paginate(w, payments, p)
}

// CheckStatus handles GET /{transactionRef}/status
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.CheckPaymentStatus(r.Context(), chi.URLParam(r, "transactionRef"))
	if err != nil {
		api.InternalError(w, "failed to check payment status")
		return
	}

	writeResult(w, http.StatusOK, res)
}

// Retry handles POST /{transactionRef}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RetryFailedPayment(r.Context(), chi.URLParam(r, "transactionRef"))
	if err != nil {
		api.InternalError(w, "failed to retry payment")
		return
	}

	writeResult(w, http.StatusOK, res)
}

// ReasonRequest carries an operator's reason for cancel and delete.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Cancel handles POST /{transactionRef}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
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

	res, err := h.service.CancelPayment(r.Context(), chi.URLParam(r, "transactionRef"), actor, req.Reason)
	if err != nil {
		api.InternalError(w, "failed to cancel payment")
		return
	}

	writeResult(w, http.StatusOK, res)
}

// Delete handles DELETE /{transactionRef}
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

	res, err := h.service.DeletePayment(r.Context(), chi.URLParam(r, "transactionRef"), actor, reason)
	if err != nil {
		api.InternalError(w, "failed to delete payment")
		return
	}

	writeResult(w, http.StatusOK, res)
}

var resultStatus = map[payment.ResultCode]int{
	payment.CodeNotFound:            http.StatusNotFound,
	payment.CodeValidation:          http.StatusUnprocessableEntity,
	payment.CodeDuplicateReference:  http.StatusConflict,
	payment.CodeNotRetryable:        http.StatusConflict,
	payment.CodeInvalidState:        http.StatusConflict,
	payment.CodeProviderRejected:    http.StatusPaymentRequired,
	payment.CodeProviderUnavailable: http.StatusServiceUnavailable,
}

// writeResult writes a Result, carrying refusals in the error field while
// still returning the payment state.
func writeResult(w http.ResponseWriter, okStatus int, res *payment.Result) {
	if res.Success {
		api.WriteData(w, okStatus, res)
		return
	}

	status, ok := resultStatus[res.Code]
	if !ok {
		status = http.StatusBadRequest
	}
	api.WriteJSON(w, status, api.Response[*payment.Result]{
		Data:  res,
		Error: &api.Error{Code: string(res.Code), Message: res.Message},
	})
}
