// Package money holds VND amounts and the conversions payment gateways need.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	VND Currency = "VND"
)

// GatewayScale is the factor payment gateways apply to VND amounts on the wire.
const GatewayScale = 100

// ErrGatewayAmount is returned when a gateway amount is not a whole number of dong.
var ErrGatewayAmount = errors.New("gateway amount is not a multiple of the gateway scale")

// Money is an amount in whole currency units. VND has no minor unit.
type Money struct {
	Amount   int64    `json:"amount"`
	Currency Currency `json:"currency"`
}

// Dong creates a VND amount
func Dong(amount int64) Money {
	return Money{Amount: amount, Currency: VND}
}

// FromGateway converts a gateway wire amount (×100) back to dong.
func FromGateway(wire int64) (Money, error) {
	if wire%GatewayScale != 0 {
		return Money{}, fmt.Errorf("%w: %d", ErrGatewayAmount, wire)
	}
	return Dong(wire / GatewayScale), nil
}

// ParseGateway parses the textual gateway amount found in callback parameters.
func ParseGateway(raw string) (Money, error) {
	wire, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("parse gateway amount %q: %w", raw, err)
	}
	return FromGateway(wire)
}

// ToGateway returns the wire amount expected by the gateway.
func (m Money) ToGateway() int64 {
	return m.Amount * GatewayScale
}

// Percent returns part/whole as a percentage rounded to two decimals and capped at 100.
// A zero whole is treated as one.
func Percent(part, whole int64) float64 {
	if whole < 1 {
		whole = 1
	}
	pct := decimal.NewFromInt(part).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(whole)).
		Round(2)
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		return 100
	}
	return pct.InexactFloat64()
}
