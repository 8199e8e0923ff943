package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tripfund/internal/common/api"
	"tripfund/internal/common/middleware"
	"tripfund/internal/fund"
	"tripfund/internal/vnpay"
)

// Handler handles fund and payment HTTP requests
type Handler struct {
	service *fund.Service
	logger  *slog.Logger
}

// NewHandler creates a new fund handler
func NewHandler(service *fund.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the fund routes. They are mounted under
// /itineraries/{itineraryID}/fund.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.GetSummary)
	r.Get("/invoices", h.ListInvoices)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)

		r.Post("/checkout", h.CheckoutTopUp)
		r.Post("/invoices", h.CreateInvoice)
		r.Post("/invoices/{invoiceID}/pay-from-fund", h.PayFromFund)
		r.Post("/invoices/{invoiceID}/checkout", h.CheckoutInvoice)
		r.Post("/invoices/{invoiceID}/cancel", h.CancelInvoice)
	})

	return r
}

// PaymentRoutes returns the gateway callback routes
func (h *Handler) PaymentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/vnpay/return", h.VNPayReturn)
	r.Get("/vnpay/ipn", h.VNPayIPN)
	return r
}

// GetSummary handles GET /
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetSummary(r.Context(), chi.URLParam(r, "itineraryID"))
	if err != nil {
		h.writeError(w, err, "failed to get fund")
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// CheckoutRequest is the API request for a top-up payment
type CheckoutRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// CheckoutTopUp handles POST /checkout
func (h *Handler) CheckoutTopUp(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	checkout, err := h.service.CheckoutTopUp(r.Context(), fund.TopUpRequest{
		ItineraryID: chi.URLParam(r, "itineraryID"),
		UserID:      middleware.GetUserID(r.Context()),
		Amount:      req.Amount,
		ClientIP:    middleware.GetClientIP(r.Context()),
	})
	if err != nil {
		h.writeError(w, err, "failed to create checkout")
		return
	}
	api.WriteData(w, http.StatusCreated, checkout)
}

// CreateInvoiceRequest is the API request for creating an invoice
type CreateInvoiceRequest struct {
	Title  string `json:"title" validate:"max=255"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
}

// CreateInvoice handles POST /invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), fund.InvoiceRequest{
		ItineraryID: chi.URLParam(r, "itineraryID"),
		UserID:      middleware.GetUserID(r.Context()),
		Title:       req.Title,
		Amount:      req.Amount,
	})
	if err != nil {
		h.writeError(w, err, "failed to create invoice")
		return
	}
	api.WriteData(w, http.StatusCreated, inv)
}

// ListInvoices handles GET /invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, 50, 200)

	invoices, total, err := h.service.ListInvoices(r.Context(), chi.URLParam(r, "itineraryID"), page.Limit, page.Offset)
	if err != nil {
		h.writeError(w, err, "failed to list invoices")
		return
	}

	api.WritePaginated(w, invoices, &api.Pagination{
		Limit:   page.Limit,
		Offset:  page.Offset,
		Total:   total,
		HasMore: int64(page.Offset+len(invoices)) < total,
	})
}

// PayFromFund handles POST /invoices/{invoiceID}/pay-from-fund
func (h *Handler) PayFromFund(w http.ResponseWriter, r *http.Request) {
	settlement, err := h.service.PayInvoiceFromFund(r.Context(),
		chi.URLParam(r, "itineraryID"),
		chi.URLParam(r, "invoiceID"),
		middleware.GetUserID(r.Context()),
	)
	if err != nil {
		h.writeError(w, err, "failed to pay invoice")
		return
	}
	api.WriteData(w, http.StatusOK, settlement)
}

// InvoiceCheckoutRequest is the API request for paying an invoice through
// the gateway. The body is optional.
type InvoiceCheckoutRequest struct {
	Full bool `json:"full"`
}

// CheckoutInvoice handles POST /invoices/{invoiceID}/checkout
func (h *Handler) CheckoutInvoice(w http.ResponseWriter, r *http.Request) {
	var req InvoiceCheckoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil && !errors.Is(err, io.EOF) {
		api.ValidationError(w, err)
		return
	}
	if full, err := strconv.ParseBool(r.URL.Query().Get("full")); err == nil {
		req.Full = req.Full || full
	}

	checkout, err := h.service.CheckoutInvoice(r.Context(), fund.InvoiceCheckoutRequest{
		ItineraryID: chi.URLParam(r, "itineraryID"),
		InvoiceID:   chi.URLParam(r, "invoiceID"),
		UserID:      middleware.GetUserID(r.Context()),
		Full:        req.Full,
		ClientIP:    middleware.GetClientIP(r.Context()),
	})
	if err != nil {
		h.writeError(w, err, "failed to create checkout")
		return
	}
	api.WriteData(w, http.StatusCreated, checkout)
}

// CancelInvoice handles POST /invoices/{invoiceID}/cancel
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.CancelInvoice(r.Context(), chi.URLParam(r, "itineraryID"), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.writeError(w, err, "failed to cancel invoice")
		return
	}
	api.WriteData(w, http.StatusOK, inv)
}

// ReturnResponse is shown to the payer after the gateway redirect
type ReturnResponse struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	Purpose   fund.Purpose `json:"purpose,omitempty"`
	InvoiceID string       `json:"invoice_id,omitempty"`
}

// VNPayReturn handles GET /vnpay/return
func (h *Handler) VNPayReturn(w http.ResponseWriter, r *http.Request) {
	settlement, err := h.service.HandleReturn(r.Context(), vnpay.Flatten(r.URL.Query()))

	var resp ReturnResponse
	if settlement != nil && settlement.Contribution != nil {
		resp.Purpose = settlement.Contribution.Purpose
		if settlement.Contribution.InvoiceID != nil {
			resp.InvoiceID = *settlement.Contribution.InvoiceID
		}
	}

	switch {
	case err == nil:
		resp.Success = true
		resp.Message = "Thanh toán thành công"
		api.WriteJSON(w, http.StatusOK, resp)
	case errors.Is(err, fund.ErrPaymentDeclined):
		resp.Message = "Thanh toán thất bại"
		api.WriteJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, fund.ErrMissingReference):
		resp.Message = "Thiếu mã giao dịch"
		api.WriteJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, fund.ErrInvalidSignature):
		resp.Message = "Chữ ký không hợp lệ"
		api.WriteJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, fund.ErrAmountMismatch):
		resp.Message = "Số tiền không khớp"
		api.WriteJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, fund.ErrNotFound):
		resp.Message = "Không tìm thấy giao dịch"
		api.WriteJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, fund.ErrInvalidTransition):
		resp.Message = "Giao dịch đã được xử lý"
		api.WriteJSON(w, http.StatusConflict, resp)
	default:
		h.logger.Error("gateway return failed", "error", err)
		resp.Message = "Lỗi hệ thống"
		api.WriteJSON(w, http.StatusInternalServerError, resp)
	}
}

// VNPayIPN handles GET /vnpay/ipn. The gateway expects HTTP 200 with its
// own response code in the body.
func (h *Handler) VNPayIPN(w http.ResponseWriter, r *http.Request) {
	resp := h.service.HandleIPN(r.Context(), vnpay.Flatten(r.URL.Query()))
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string) {
	var insufficient *fund.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		api.WriteErrorWithDetails(w, http.StatusConflict, api.ErrCodeInsufficientFunds, "insufficient fund balance", map[string]string{
			"balance":   strconv.FormatInt(insufficient.Balance, 10),
			"required":  strconv.FormatInt(insufficient.Required, 10),
			"shortfall": strconv.FormatInt(insufficient.Shortfall, 10),
		})
	case errors.Is(err, fund.ErrNotFound):
		api.NotFound(w, err.Error())
	case errors.Is(err, fund.ErrAlreadySettled):
		api.WriteError(w, http.StatusConflict, api.ErrCodeAlreadySettled, err.Error())
	case errors.Is(err, fund.ErrInvalidTransition):
		api.Conflict(w, err.Error())
	case errors.Is(err, fund.ErrInvalidAmount), errors.Is(err, fund.ErrNoGap):
		api.ValidationError(w, err)
	case errors.Is(err, fund.ErrPaymentUnavailable):
		api.ServiceUnavailable(w, "payment gateway unavailable")
	default:
		h.logger.Error(fallback, "error", err)
		api.InternalError(w, fallback)
	}
}
