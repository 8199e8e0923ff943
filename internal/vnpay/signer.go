package vnpay

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"tripfund/internal/common/money"
)

// Wire parameter names.
const (
	ParamVersion           = "vnp_Version"
	ParamCommand           = "vnp_Command"
	ParamTmnCode           = "vnp_TmnCode"
	ParamAmount            = "vnp_Amount"
	ParamCurrCode          = "vnp_CurrCode"
	ParamTxnRef            = "vnp_TxnRef"
	ParamOrderInfo         = "vnp_OrderInfo"
	ParamOrderType         = "vnp_OrderType"
	ParamLocale            = "vnp_Locale"
	ParamIPAddr            = "vnp_IpAddr"
	ParamCreateDate        = "vnp_CreateDate"
	ParamExpireDate        = "vnp_ExpireDate"
	ParamReturnURL         = "vnp_ReturnUrl"
	ParamSecureHashType    = "vnp_SecureHashType"
	ParamSecureHash        = "vnp_SecureHash"
	ParamResponseCode      = "vnp_ResponseCode"
	ParamTransactionStatus = "vnp_TransactionStatus"
	ParamBankCode          = "vnp_BankCode"
	ParamTransactionNo     = "vnp_TransactionNo"
	ParamPayDate           = "vnp_PayDate"
)

const (
	hashType     = "HmacSHA512"
	timeLayout   = "20060102150405"
	maxTxnRef    = 34
	maxOrderInfo = 240
	defaultIP    = "127.0.0.1"

	OrderTypeTopUp       = "topup"
	OrderTypeBillPayment = "billpayment"
)

// Verification reasons.
const (
	ReasonOK               = "OK"
	ReasonMissingSignature = "MISSING_SIGNATURE"
	ReasonInvalidSignature = "INVALID_SIGNATURE"
)

var (
	ErrNotConfigured = errors.New("vnpay merchant credentials are not configured")
	ErrInvalidAmount = errors.New("payment amount must be positive")
)

// Signer builds signed payment URLs and verifies callbacks.
type Signer struct {
	cfg Config
	loc *time.Location
	now func() time.Time
}

// NewSigner creates a signer. Timestamps are rendered in cfg.Timezone.
func NewSigner(cfg Config) *Signer {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.FixedZone("ICT", 7*60*60)
	}
	if cfg.Expire <= 0 {
		cfg.Expire = 15 * time.Minute
	}
	return &Signer{cfg: cfg, loc: loc, now: time.Now}
}

// Configured reports whether outbound URLs can be built.
func (s *Signer) Configured() bool {
	return s.cfg.Configured()
}

// PaymentRequest describes one outbound payment.
type PaymentRequest struct {
	Amount    int64 // VND
	TxnRef    string
	OrderInfo string
	OrderType string
	IPAddr    string
}

// BuildPaymentURL returns the redirect URL for req. The signature is
// computed before the hash type field is added.
func (s *Signer) BuildPaymentURL(req PaymentRequest) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	if req.Amount <= 0 {
		return "", ErrInvalidAmount
	}

	now := s.now().In(s.loc)
	orderType := req.OrderType
	if orderType == "" {
		orderType = OrderTypeBillPayment
	}
	ip := req.IPAddr
	if ip == "" {
		ip = defaultIP
	}

	params := map[string]string{
		ParamVersion:    s.cfg.Version,
		ParamCommand:    "pay",
		ParamTmnCode:    s.cfg.TmnCode,
		ParamAmount:     strconv.FormatInt(money.Dong(req.Amount).ToGateway(), 10),
		ParamCurrCode:   string(money.VND),
		ParamTxnRef:     truncate(req.TxnRef, maxTxnRef),
		ParamOrderInfo:  truncate(req.OrderInfo, maxOrderInfo),
		ParamOrderType:  orderType,
		ParamLocale:     s.cfg.Locale,
		ParamIPAddr:     ip,
		ParamCreateDate: now.Format(timeLayout),
		ParamExpireDate: now.Add(s.cfg.Expire).Format(timeLayout),
		ParamReturnURL:  s.cfg.ReturnURL,
	}

	signature := s.Sign(params)
	params[ParamSecureHashType] = hashType
	params[ParamSecureHash] = signature

	return s.cfg.PaymentURL + "?" + Canonical(params), nil
}

// Sign returns the lowercase hex HMAC-SHA512 of the canonical form of
// params, ignoring the hash fields.
func (s *Signer) Sign(params map[string]string) string {
	data := make(map[string]string, len(params))
	for k, v := range params {
		if k == ParamSecureHash || k == ParamSecureHashType {
			continue
		}
		data[k] = v
	}
	mac := hmac.New(sha512.New, []byte(s.cfg.HashSecret))
	mac.Write([]byte(Canonical(data)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature carried by callback params.
func (s *Signer) Verify(params map[string]string) (bool, string) {
	received := strings.TrimSpace(params[ParamSecureHash])
	if received == "" {
		return false, ReasonMissingSignature
	}
	expected := s.Sign(params)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(received))) {
		return false, ReasonInvalidSignature
	}
	return true, ReasonOK
}

// Canonical sorts keys, drops empty values and joins form-encoded pairs.
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Flatten keeps the first value of every query parameter.
func Flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Callback is the parsed content of a return redirect or IPN.
type Callback struct {
	TxnRef            string
	Amount            int64 // dong
	ResponseCode      string
	TransactionStatus string
	BankCode          string
	TransactionNo     string
	PayDate           string
	SecureHash        string
	Raw               map[string]string
}

// ParseCallback extracts the fields used for reconciliation.
func ParseCallback(params map[string]string) (Callback, error) {
	cb := Callback{
		TxnRef:            strings.TrimSpace(params[ParamTxnRef]),
		ResponseCode:      params[ParamResponseCode],
		TransactionStatus: params[ParamTransactionStatus],
		BankCode:          params[ParamBankCode],
		TransactionNo:     params[ParamTransactionNo],
		PayDate:           params[ParamPayDate],
		SecureHash:        params[ParamSecureHash],
		Raw:               params,
	}
	raw := strings.TrimSpace(params[ParamAmount])
	if raw == "" {
		return cb, nil
	}
	amount, err := money.ParseGateway(raw)
	if err != nil {
		return cb, fmt.Errorf("%s: %w", ParamAmount, err)
	}
	cb.Amount = amount.Amount
	return cb, nil
}

// Succeeded reports the gateway outcome. An IPN is judged by its
// transaction status alone; a return redirect accepts either code.
func (c Callback) Succeeded(ipn bool) bool {
	if ipn {
		return c.TransactionStatus == "00"
	}
	return c.ResponseCode == "00" || c.TransactionStatus == "00"
}

// IPN response codes expected by VNPay.
const (
	RspSuccess          = "00"
	RspOrderNotFound    = "01"
	RspAlreadyConfirmed = "02"
	RspInvalidAmount    = "04"
	RspInvalidSignature = "97"
	RspUnknownError     = "99"
)

// IPNResponse is the machine-readable acknowledgement body.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}
