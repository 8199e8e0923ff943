package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripfund/internal/common/api"
	"tripfund/internal/common/middleware"
	"tripfund/internal/fund"
	"tripfund/internal/itinerary"
	"tripfund/internal/vnpay"
)

type totals map[string]int64

func (m totals) TotalCost(_ context.Context, id string) (int64, error) {
	if v, ok := m[id]; ok {
		return v, nil
	}
	return 0, itinerary.ErrNotFound
}

type envelope[T any] struct {
	Data  T          `json:"data"`
	Error *api.Error `json:"error"`
}

type server struct {
	router http.Handler
	signer *vnpay.Signer
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer := vnpay.NewSigner(vnpay.Config{
		TmnCode:    "TESTTMN1",
		HashSecret: "SECRETKEY",
		PaymentURL: "https://sandbox.example/pay",
		ReturnURL:  "https://app.example/return",
		Version:    "2.1.0",
		Locale:     "vn",
		Expire:     15 * time.Minute,
	})
	svc := fund.NewService(fund.NewMemoryStore(), totals{"it1": 100000}, signer, nil, logger)
	h := NewHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(middleware.UserExtractor)
	r.Use(middleware.ClientIP)
	r.Mount("/api/v1/itineraries/{itineraryID}/fund", h.Routes())
	r.Mount("/api/v1/payments", h.PaymentRoutes())
	return &server{router: r, signer: signer}
}

func (s *server) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) callback(t *testing.T, path, txnRef string, wireAmount int64, status string) *httptest.ResponseRecorder {
	t.Helper()
	params := map[string]string{
		vnpay.ParamTmnCode:           "TESTTMN1",
		vnpay.ParamTxnRef:            txnRef,
		vnpay.ParamAmount:            strconv.FormatInt(wireAmount, 10),
		vnpay.ParamResponseCode:      status,
		vnpay.ParamTransactionStatus: status,
		vnpay.ParamBankCode:          "NCB",
		vnpay.ParamPayDate:           "20250601101500",
	}
	params[vnpay.ParamSecureHash] = s.signer.Sign(params)

	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	return s.do(t, http.MethodGet, path+"?"+q.Encode(), "", nil)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

const fundPath = "/api/v1/itineraries/it1/fund"

func (s *server) topUp(t *testing.T, amount int64) fund.Checkout {
	t.Helper()
	rec := s.do(t, http.MethodPost, fundPath+"/checkout", "u1", CheckoutRequest{Amount: amount})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[fund.Checkout](t, rec).Data
}

func TestGetSummary(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, fundPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[fund.Summary](t, rec).Data
	assert.Equal(t, int64(100000), summary.Target)
	assert.Equal(t, int64(100000), summary.RemainingGoal)
	assert.Equal(t, fund.StatusOpen, summary.Status)

	rec = s.do(t, http.MethodGet, "/api/v1/itineraries/missing/fund", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, api.ErrCodeNotFound, decode[any](t, rec).Error.Code)
}

func TestCheckoutTopUp(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, fundPath+"/checkout", "", CheckoutRequest{Amount: 1000})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, fundPath+"/checkout", "u1", CheckoutRequest{Amount: 0})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, fundPath+"/checkout", "u1", CheckoutRequest{Amount: 100001})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, api.ErrCodeValidation, decode[any](t, rec).Error.Code)

	checkout := s.topUp(t, 40000)
	assert.Regexp(t, `^TOP-[0-9A-F]{16}$`, checkout.TxnRef)
	assert.Equal(t, int64(40000), checkout.Amount)
	u, err := url.Parse(checkout.PayURL)
	require.NoError(t, err)
	assert.Equal(t, "4000000", u.Query().Get(vnpay.ParamAmount))
	assert.NotEmpty(t, u.Query().Get(vnpay.ParamSecureHash))
}

func TestIPNAlwaysAnswers200(t *testing.T) {
	s := newServer(t)
	checkout := s.topUp(t, 40000)

	tests := []struct {
		name   string
		ref    string
		amount int64
		status string
		code   string
		msg    string
	}{
		{"unknown reference", "TOP-0000000000000000", 4000000, "00", vnpay.RspOrderNotFound, "Order not found"},
		{"wrong amount", checkout.TxnRef, 40000, "00", vnpay.RspInvalidAmount, "Invalid amount"},
		{"success", checkout.TxnRef, 4000000, "00", vnpay.RspSuccess, "Confirm Success"},
		{"replay", checkout.TxnRef, 4000000, "00", vnpay.RspSuccess, "Confirm Success"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.callback(t, "/api/v1/payments/vnpay/ipn", tt.ref, tt.amount, tt.status)
			require.Equal(t, http.StatusOK, rec.Code)
			var resp vnpay.IPNResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.RspCode)
			assert.Equal(t, tt.msg, resp.Message)
		})
	}

	rec := s.do(t, http.MethodGet, "/api/v1/payments/vnpay/ipn?vnp_TxnRef="+checkout.TxnRef+"&vnp_SecureHash=abc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"RspCode":"97"`)

	summary := decode[fund.Summary](t, s.do(t, http.MethodGet, fundPath, "", nil)).Data
	assert.Equal(t, int64(40000), summary.Contributed)
}

func TestVNPayReturn(t *testing.T) {
	s := newServer(t)
	checkout := s.topUp(t, 40000)
	const path = "/api/v1/payments/vnpay/return"

	rec := s.callback(t, path, checkout.TxnRef, 4000000, "24")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ReturnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, fund.PurposeTopUp, resp.Purpose)

	rec = s.callback(t, path, "", 4000000, "00")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.callback(t, path, "TOP-FFFFFFFFFFFFFFFF", 4000000, "00")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.callback(t, path, checkout.TxnRef, 4000000, "00")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, fund.PurposeTopUp, resp.Purpose)
	assert.Empty(t, resp.InvoiceID)
}

func TestInvoiceLifecycle(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, fundPath+"/invoices", "u1", CreateInvoiceRequest{Title: "Vé tham quan", Amount: 30000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decode[fund.Invoice](t, rec).Data
	assert.Equal(t, fund.InvoiceUnpaid, inv.Status)

	rec = s.do(t, http.MethodPost, fundPath+"/invoices/"+inv.ID+"/pay-from-fund", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decode[any](t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, api.ErrCodeInsufficientFunds, env.Error.Code)
	assert.Equal(t, "30000", env.Error.Details["shortfall"])

	checkout := s.topUp(t, 50000)
	rec = s.callback(t, "/api/v1/payments/vnpay/ipn", checkout.TxnRef, 5000000, "00")
	require.Contains(t, rec.Body.String(), "Confirm Success")

	rec = s.do(t, http.MethodPost, fundPath+"/invoices/"+inv.ID+"/checkout", "u1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "balance already covers the invoice")

	rec = s.do(t, http.MethodPost, fundPath+"/invoices/"+inv.ID+"/pay-from-fund", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settlement := decode[fund.Settlement](t, rec).Data
	assert.Equal(t, fund.InvoicePaid, settlement.Invoice.Status)
	assert.Equal(t, fund.PaySourceLedger, settlement.Invoice.PaySource)
	assert.Equal(t, int64(20000), settlement.Fund.Balance())

	rec = s.do(t, http.MethodPost, fundPath+"/invoices/"+inv.ID+"/pay-from-fund", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, api.ErrCodeAlreadySettled, decode[any](t, rec).Error.Code)

	rec = s.do(t, http.MethodPost, fundPath+"/invoices/"+inv.ID+"/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, fundPath+"/invoices", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]fund.Invoice](t, rec).Data, 1)
}

type invoicePage struct {
	Data       []fund.Invoice  `json:"data"`
	Pagination *api.Pagination `json:"pagination"`
}

func TestListInvoicesPaginated(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, fundPath+"/invoices", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty invoicePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.NotNil(t, empty.Data)
	assert.Empty(t, empty.Data)
	require.NotNil(t, empty.Pagination)
	assert.Equal(t, 50, empty.Pagination.Limit)
	assert.Zero(t, empty.Pagination.Total)

	for _, amount := range []int64{1000, 2000, 3000} {
		rec = s.do(t, http.MethodPost, fundPath+"/invoices", "u1", CreateInvoiceRequest{Title: "Vé", Amount: amount})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, fundPath+"/invoices?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var first invoicePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Len(t, first.Data, 2)
	assert.Equal(t, api.Pagination{Limit: 2, Offset: 0, Total: 3, HasMore: true}, *first.Pagination)

	rec = s.do(t, http.MethodGet, fundPath+"/invoices?limit=2&offset=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var second invoicePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Len(t, second.Data, 1)
	assert.Equal(t, api.Pagination{Limit: 2, Offset: 2, Total: 3, HasMore: false}, *second.Pagination)
	assert.NotContains(t, []string{first.Data[0].ID, first.Data[1].ID}, second.Data[0].ID)
}

func TestWriteErrorStatusCodes(t *testing.T) {
	h := NewHandler(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"insufficient balance", &fund.InsufficientBalanceError{Balance: 10, Required: 30, Shortfall: 20}, http.StatusConflict, api.ErrCodeInsufficientFunds},
		{"not found", fmt.Errorf("invoice x: %w", fund.ErrNotFound), http.StatusNotFound, api.ErrCodeNotFound},
		{"already settled", fund.ErrAlreadySettled, http.StatusConflict, api.ErrCodeAlreadySettled},
		{"invalid transition", fmt.Errorf("%w: contribution TOP-1 is FAILED", fund.ErrInvalidTransition), http.StatusConflict, api.ErrCodeConflict},
		{"invalid amount", fund.ErrInvalidAmount, http.StatusUnprocessableEntity, api.ErrCodeValidation},
		{"gateway unavailable", fmt.Errorf("%w: missing credentials", fund.ErrPaymentUnavailable), http.StatusServiceUnavailable, api.ErrCodeServiceUnavail},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, api.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeError(rec, tt.err, "failed")
			assert.Equal(t, tt.status, rec.Code)
			env := decode[any](t, rec)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestInvoiceCheckoutThroughGateway(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, fundPath+"/invoices", "u1", CreateInvoiceRequest{Amount: 45000})
	require.Equal(t, http.StatusCreated, rec.Code)
	inv := decode[fund.Invoice](t, rec).Data
	assert.Equal(t, "Chi phí", inv.Title)

	rec = s.do(t, http.MethodPost, fundPath+"/invoices/"+inv.ID+"/checkout", "u1", InvoiceCheckoutRequest{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	checkout := decode[fund.Checkout](t, rec).Data
	assert.Equal(t, int64(45000), checkout.Amount)
	assert.Equal(t, inv.ID, checkout.InvoiceID)

	rec = s.callback(t, "/api/v1/payments/vnpay/return", checkout.TxnRef, 4500000, "00")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ReturnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, fund.PurposeInvoice, resp.Purpose)
	assert.Equal(t, inv.ID, resp.InvoiceID)

	summary := decode[fund.Summary](t, s.do(t, http.MethodGet, fundPath, "", nil)).Data
	assert.Equal(t, int64(45000), summary.Contributed)
	assert.Equal(t, int64(45000), summary.Spent)
	assert.Zero(t, summary.Balance)
}
