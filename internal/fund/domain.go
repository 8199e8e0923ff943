// Package fund keeps the shared trip fund ledger and reconciles gateway
// payments against it.
package fund

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient fund balance")
	ErrAlreadySettled      = errors.New("invoice already settled")
	ErrInvariantViolated   = errors.New("fund invariant violated")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAmountMismatch      = errors.New("callback amount does not match contribution")
	ErrInvalidSignature    = errors.New("invalid callback signature")
	ErrMissingReference    = errors.New("callback has no transaction reference")
	ErrNoGap               = errors.New("fund balance already covers the invoice")
	ErrPaymentUnavailable  = errors.New("payment gateway unavailable")
)

// InsufficientBalanceError carries the missing amount.
type InsufficientBalanceError struct {
	Balance   int64
	Required  int64
	Shortfall int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient fund balance: have %d, need %d, short %d", e.Balance, e.Required, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Status of a fund.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Fund is the shared pool attached to one itinerary. Amounts are VND.
type Fund struct {
	ID          string    `json:"id"`
	ItineraryID string    `json:"itinerary_id"`
	Target      int64     `json:"target"`
	Contributed int64     `json:"contributed"`
	Spent       int64     `json:"spent"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewFund creates an open fund.
func NewFund(itineraryID string, target int64) (*Fund, error) {
	if itineraryID == "" {
		return nil, errors.New("itinerary_id is required")
	}
	if target < 0 {
		target = 0
	}
	now := time.Now().UTC()
	return &Fund{
		ID:          ulid.Make().String(),
		ItineraryID: itineraryID,
		Target:      target,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Balance is the money currently held by the fund.
func (f *Fund) Balance() int64 {
	return f.Contributed - f.Spent
}

// RemainingGoal is how much is still missing to reach the target.
func (f *Fund) RemainingGoal() int64 {
	if r := f.Target - f.Contributed; r > 0 {
		return r
	}
	return 0
}

// Check verifies the counter invariants.
func (f *Fund) Check() error {
	if f.Target < 0 || f.Contributed < 0 || f.Spent < 0 {
		return fmt.Errorf("%w: negative counter on fund %s", ErrInvariantViolated, f.ID)
	}
	if f.Contributed < f.Spent {
		return fmt.Errorf("%w: spent %d exceeds contributed %d on fund %s", ErrInvariantViolated, f.Spent, f.Contributed, f.ID)
	}
	return nil
}

// Credit adds money to the fund and closes it once the target is reached.
// The fund is unchanged when an error is returned.
func (f *Fund) Credit(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	next := *f
	next.Contributed += amount
	if next.Contributed < f.Contributed {
		return fmt.Errorf("%w: contributed overflow", ErrInvariantViolated)
	}
	if next.Contributed >= next.Target {
		next.Status = StatusClosed
	}
	if err := next.Check(); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	*f = next
	return nil
}

// Debit spends money from the balance.
// The fund is unchanged when an error is returned.
func (f *Fund) Debit(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit must be positive", ErrInvalidAmount)
	}
	if bal := f.Balance(); bal < amount {
		return &InsufficientBalanceError{Balance: bal, Required: amount, Shortfall: amount - bal}
	}
	next := *f
	next.Spent += amount
	if err := next.Check(); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	*f = next
	return nil
}

// InvoiceStatus of an invoice.
type InvoiceStatus string

const (
	InvoiceUnpaid   InvoiceStatus = "UNPAID"
	InvoicePaid     InvoiceStatus = "PAID"
	InvoiceCanceled InvoiceStatus = "CANCELED"
)

// PaySource records which path settled an invoice.
type PaySource string

const (
	PaySourceNone    PaySource = "NONE"
	PaySourceLedger  PaySource = "LEDGER"
	PaySourceGateway PaySource = "GATEWAY"
)

const defaultInvoiceTitle = "Chi phí"

// Invoice is an amount owed by the fund.
type Invoice struct {
	ID        string        `json:"id"`
	FundID    string        `json:"fund_id"`
	Title     string        `json:"title"`
	Amount    int64         `json:"amount"`
	Status    InvoiceStatus `json:"status"`
	PaySource PaySource     `json:"pay_source"`
	CreatedBy string        `json:"created_by,omitempty"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewInvoice creates an unpaid invoice.
func NewInvoice(fundID, title string, amount int64, createdBy string) (*Invoice, error) {
	if fundID == "" {
		return nil, errors.New("fund_id is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: invoice amount must be positive", ErrInvalidAmount)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultInvoiceTitle
	}
	return &Invoice{
		ID:        ulid.Make().String(),
		FundID:    fundID,
		Title:     title,
		Amount:    amount,
		Status:    InvoiceUnpaid,
		PaySource: PaySourceNone,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Settle marks the invoice paid through source.
func (i *Invoice) Settle(source PaySource, at time.Time) error {
	if i.Status != InvoiceUnpaid {
		return fmt.Errorf("%w: invoice %s is %s", ErrAlreadySettled, i.ID, i.Status)
	}
	if source != PaySourceLedger && source != PaySourceGateway {
		return fmt.Errorf("%w: pay source %q", ErrInvalidTransition, source)
	}
	i.Status = InvoicePaid
	i.PaySource = source
	i.PaidAt = &at
	return nil
}

// Cancel withdraws an unpaid invoice.
func (i *Invoice) Cancel() error {
	if i.Status != InvoiceUnpaid {
		return fmt.Errorf("%w: invoice %s is %s", ErrAlreadySettled, i.ID, i.Status)
	}
	i.Status = InvoiceCanceled
	return nil
}

// Payout records balance leaving the fund to close an invoice.
type Payout struct {
	ID        string    `json:"id"`
	FundID    string    `json:"fund_id"`
	InvoiceID string    `json:"invoice_id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPayout creates the payout for a full invoice amount.
func NewPayout(inv *Invoice, userID string) *Payout {
	return &Payout{
		ID:        ulid.Make().String(),
		FundID:    inv.FundID,
		InvoiceID: inv.ID,
		UserID:    userID,
		Amount:    inv.Amount,
		CreatedAt: time.Now().UTC(),
	}
}

// Purpose of a contribution.
type Purpose string

const (
	PurposeTopUp   Purpose = "TOPUP"
	PurposeInvoice Purpose = "INVOICE"
)

// ContributionStatus of a payment attempt.
type ContributionStatus string

const (
	ContributionPending  ContributionStatus = "PENDING"
	ContributionPaid     ContributionStatus = "PAID"
	ContributionFailed   ContributionStatus = "FAILED"
	ContributionCanceled ContributionStatus = "CANCELED"
)

// GatewayMeta is captured verbatim from the gateway callback.
type GatewayMeta struct {
	BankCode      string            `json:"bank_code,omitempty"`
	TransactionNo string            `json:"transaction_no,omitempty"`
	PayDate       string            `json:"pay_date,omitempty"`
	ResponseCode  string            `json:"response_code,omitempty"`
	SecureHash    string            `json:"secure_hash,omitempty"`
	Raw           map[string]string `json:"raw,omitempty"`
}

// Contribution is one payment attempt against a fund.
type Contribution struct {
	ID        string             `json:"id"`
	FundID    string             `json:"fund_id"`
	UserID    string             `json:"user_id"`
	Amount    int64              `json:"amount"`
	Purpose   Purpose            `json:"purpose"`
	InvoiceID *string            `json:"invoice_id,omitempty"`
	Status    ContributionStatus `json:"status"`
	TxnRef    string             `json:"txn_ref"`
	Gateway   GatewayMeta        `json:"gateway"`
	PaidAt    *time.Time         `json:"paid_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// NewContribution creates a pending contribution with a fresh reference.
// An invoice is required iff the purpose is INVOICE.
func NewContribution(fundID, userID string, amount int64, purpose Purpose, invoiceID string) (*Contribution, error) {
	if fundID == "" {
		return nil, errors.New("fund_id is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: contribution amount must be positive", ErrInvalidAmount)
	}

	c := &Contribution{
		ID:      ulid.Make().String(),
		FundID:  fundID,
		UserID:  userID,
		Amount:  amount,
		Purpose: purpose,
		Status:  ContributionPending,
	}
	switch purpose {
	case PurposeTopUp:
		if invoiceID != "" {
			return nil, errors.New("top-up contributions cannot reference an invoice")
		}
	case PurposeInvoice:
		if invoiceID == "" {
			return nil, errors.New("invoice_id is required for invoice contributions")
		}
		c.InvoiceID = &invoiceID
	default:
		return nil, fmt.Errorf("unknown purpose %q", purpose)
	}
	c.TxnRef = NewTxnRef(purpose, invoiceID)

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}

// NewTxnRef returns a gateway reference: TOP-<16 hex> for top-ups and
// INV-<invoice suffix>-<8 hex> for invoices, within the 34 character limit.
func NewTxnRef(purpose Purpose, invoiceID string) string {
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	if purpose == PurposeInvoice {
		if len(invoiceID) > 16 {
			invoiceID = invoiceID[len(invoiceID)-16:]
		}
		return "INV-" + invoiceID + "-" + random[:8]
	}
	return "TOP-" + random[:16]
}

// MarkPaid moves a pending contribution to PAID. It reports false without
// error when the contribution is already PAID.
func (c *Contribution) MarkPaid(meta GatewayMeta, at time.Time) (bool, error) {
	switch c.Status {
	case ContributionPaid:
		return false, nil
	case ContributionPending:
	default:
		return false, fmt.Errorf("%w: contribution %s is %s", ErrInvalidTransition, c.TxnRef, c.Status)
	}
	c.Status = ContributionPaid
	c.Gateway = meta
	c.PaidAt = &at
	c.UpdatedAt = at
	return true, nil
}

// MarkFailed records a gateway failure. It never touches money and reports
// false without error when the contribution already FAILED.
func (c *Contribution) MarkFailed(meta GatewayMeta) (bool, error) {
	switch c.Status {
	case ContributionFailed:
		return false, nil
	case ContributionPending:
	default:
		return false, fmt.Errorf("%w: contribution %s is %s", ErrInvalidTransition, c.TxnRef, c.Status)
	}
	c.Status = ContributionFailed
	c.Gateway = meta
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Cancel abandons a pending contribution.
func (c *Contribution) Cancel() error {
	if c.Status != ContributionPending {
		return fmt.Errorf("%w: contribution %s is %s", ErrInvalidTransition, c.TxnRef, c.Status)
	}
	c.Status = ContributionCanceled
	c.UpdatedAt = time.Now().UTC()
	return nil
}
