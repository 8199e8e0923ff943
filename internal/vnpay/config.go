// Package vnpay signs outbound VNPay payment URLs and verifies callbacks.
package vnpay

import "time"

// Config holds the merchant settings issued by VNPay.
type Config struct {
	TmnCode    string        `envconfig:"VNPAY_TMN_CODE"`
	HashSecret string        `envconfig:"VNPAY_HASH_SECRET"`
	PaymentURL string        `envconfig:"VNPAY_PAYMENT_URL" default:"https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"`
	ReturnURL  string        `envconfig:"VNPAY_RETURN_URL" default:"http://localhost:8080/api/v1/payments/vnpay/return"`
	Version    string        `envconfig:"VNPAY_VERSION" default:"2.1.0"`
	Locale     string        `envconfig:"VNPAY_LOCALE" default:"vn"`
	Expire     time.Duration `envconfig:"VNPAY_EXPIRE" default:"15m"`
	Timezone   string        `envconfig:"VNPAY_TIMEZONE" default:"Asia/Ho_Chi_Minh"`
}

// Configured reports whether the merchant credentials are present.
func (c Config) Configured() bool {
	return c.TmnCode != "" && c.HashSecret != ""
}
