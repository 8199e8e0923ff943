package vnpay

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripfund/internal/common/money"
)

func testSigner() *Signer {
	s := NewSigner(Config{
		TmnCode:    "TESTTMN1",
		HashSecret: "SECRETKEY",
		PaymentURL: "https://sandbox.example/pay",
		ReturnURL:  "https://app.example/return",
		Version:    "2.1.0",
		Locale:     "vn",
		Expire:     15 * time.Minute,
		Timezone:   "Asia/Ho_Chi_Minh",
	})
	s.now = func() time.Time { return time.Date(2025, 6, 1, 3, 4, 5, 0, time.UTC) }
	return s
}

func TestCanonical(t *testing.T) {
	got := Canonical(map[string]string{
		"vnp_OrderInfo": "Gop quy TOPUP itin#1",
		"vnp_Amount":    "1000000",
		"vnp_Empty":     "",
		"vnp_ReturnUrl": "https://a.b/c?d=e",
	})
	assert.Equal(t, "vnp_Amount=1000000&vnp_OrderInfo=Gop+quy+TOPUP+itin%231&vnp_ReturnUrl=https%3A%2F%2Fa.b%2Fc%3Fd%3De", got)
}

func TestBuildPaymentURL(t *testing.T) {
	s := testSigner()
	raw, err := s.BuildPaymentURL(PaymentRequest{
		Amount:    50000,
		TxnRef:    strings.Repeat("R", 40),
		OrderInfo: "Gop quy TOPUP itin#1",
		OrderType: OrderTypeTopUp,
		IPAddr:    "10.0.0.1",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "https://sandbox.example/pay?"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "5000000", q.Get(ParamAmount))
	assert.Equal(t, "VND", q.Get(ParamCurrCode))
	assert.Equal(t, "pay", q.Get(ParamCommand))
	assert.Len(t, q.Get(ParamTxnRef), 34)
	assert.Equal(t, "20250601100405", q.Get(ParamCreateDate))
	assert.Equal(t, "20250601101905", q.Get(ParamExpireDate))
	assert.Equal(t, "HmacSHA512", q.Get(ParamSecureHashType))
	assert.Len(t, q.Get(ParamSecureHash), 128)

	ok, reason := s.Verify(Flatten(q))
	assert.True(t, ok)
	assert.Equal(t, ReasonOK, reason)
}

func TestSignIgnoresHashFields(t *testing.T) {
	s := testSigner()
	params := map[string]string{ParamTxnRef: "TOP-1", ParamAmount: "100"}
	base := s.Sign(params)

	params[ParamSecureHashType] = hashType
	params[ParamSecureHash] = "whatever"
	assert.Equal(t, base, s.Sign(params))
}

func TestVerify(t *testing.T) {
	s := testSigner()
	params := map[string]string{
		ParamTxnRef:            "TOP-ABCDEF0123456789",
		ParamAmount:            "10000000",
		ParamResponseCode:      "00",
		ParamTransactionStatus: "00",
		ParamBankCode:          "NCB",
	}
	sig := s.Sign(params)

	signed := func(hash string) map[string]string {
		out := map[string]string{ParamSecureHash: hash, ParamSecureHashType: hashType}
		for k, v := range params {
			out[k] = v
		}
		return out
	}

	t.Run("valid", func(t *testing.T) {
		ok, _ := s.Verify(signed(sig))
		assert.True(t, ok)
	})

	t.Run("uppercase signature", func(t *testing.T) {
		ok, _ := s.Verify(signed(strings.ToUpper(sig)))
		assert.True(t, ok)
	})

	t.Run("missing signature", func(t *testing.T) {
		ok, reason := s.Verify(params)
		assert.False(t, ok)
		assert.Equal(t, ReasonMissingSignature, reason)
	})

	t.Run("any flipped character", func(t *testing.T) {
		for i := range sig {
			b := []byte(sig)
			if b[i] == '0' {
				b[i] = '1'
			} else {
				b[i] = '0'
			}
			ok, reason := s.Verify(signed(string(b)))
			require.False(t, ok, "position %d", i)
			assert.Equal(t, ReasonInvalidSignature, reason)
		}
	})

	t.Run("tampered amount", func(t *testing.T) {
		p := signed(sig)
		p[ParamAmount] = "10000100"
		ok, _ := s.Verify(p)
		assert.False(t, ok)
	})

	t.Run("other secret", func(t *testing.T) {
		other := NewSigner(Config{TmnCode: "X", HashSecret: "OTHER"})
		ok, _ := other.Verify(signed(sig))
		assert.False(t, ok)
	})
}

func TestBuildPaymentURLRequiresCredentials(t *testing.T) {
	s := NewSigner(Config{})
	_, err := s.BuildPaymentURL(PaymentRequest{Amount: 1000, TxnRef: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = testSigner().BuildPaymentURL(PaymentRequest{Amount: 0, TxnRef: "x"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestParseCallback(t *testing.T) {
	cb, err := ParseCallback(map[string]string{
		ParamTxnRef:            " TOP-1 ",
		ParamAmount:            "5000000",
		ParamResponseCode:      "00",
		ParamTransactionStatus: "02",
	})
	require.NoError(t, err)
	assert.Equal(t, "TOP-1", cb.TxnRef)
	assert.Equal(t, int64(50000), cb.Amount)
	assert.True(t, cb.Succeeded(false))
	assert.False(t, cb.Succeeded(true))

	_, err = ParseCallback(map[string]string{ParamAmount: "12a"})
	assert.Error(t, err)

	cb, err = ParseCallback(map[string]string{ParamTxnRef: "TOP-2", ParamAmount: "5000050"})
	assert.ErrorIs(t, err, money.ErrGatewayAmount)
	assert.Equal(t, "TOP-2", cb.TxnRef)
	assert.Zero(t, cb.Amount)
}
