package fund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tripfund/internal/common/events"
	"tripfund/internal/common/money"
	"tripfund/internal/itinerary"
	"tripfund/internal/vnpay"
)

// ItineraryReader supplies the computed itinerary total that seeds a fund target.
type ItineraryReader interface {
	TotalCost(ctx context.Context, itineraryID string) (int64, error)
}

// PaymentSigner builds gateway redirects and verifies callbacks.
type PaymentSigner interface {
	BuildPaymentURL(req vnpay.PaymentRequest) (string, error)
	Verify(params map[string]string) (bool, string)
}

// Service runs fund operations. All balance changes go through
// Store.WithFundLock.
type Service struct {
	store       Store
	itineraries ItineraryReader
	signer      PaymentSigner
	publisher   events.Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new fund service.
func NewService(store Store, itineraries ItineraryReader, signer PaymentSigner, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:       store,
		itineraries: itineraries,
		signer:      signer,
		publisher:   publisher,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Summary is the presentation view of a fund.
type Summary struct {
	FundID        string  `json:"fund_id"`
	ItineraryID   string  `json:"itinerary_id"`
	Target        int64   `json:"target"`
	Contributed   int64   `json:"contributed"`
	Spent         int64   `json:"spent"`
	Balance       int64   `json:"balance"`
	RemainingGoal int64   `json:"remaining_goal"`
	Status        Status  `json:"status"`
	Percent       float64 `json:"percent"`
}

// NewSummary derives the summary of f.
func NewSummary(f *Fund) *Summary {
	return &Summary{
		FundID:        f.ID,
		ItineraryID:   f.ItineraryID,
		Target:        f.Target,
		Contributed:   f.Contributed,
		Spent:         f.Spent,
		Balance:       f.Balance(),
		RemainingGoal: f.RemainingGoal(),
		Status:        f.Status,
		Percent:       money.Percent(f.Contributed, f.Target),
	}
}

// Checkout is a created gateway payment.
type Checkout struct {
	ContributionID string `json:"contribution_id"`
	TxnRef         string `json:"txn_ref"`
	PayURL         string `json:"pay_url"`
	Amount         int64  `json:"amount"`
	InvoiceID      string `json:"invoice_id,omitempty"`
}

// Settlement describes the outcome of a ledger operation.
type Settlement struct {
	Contribution *Contribution `json:"contribution,omitempty"`
	Fund         *Fund         `json:"fund,omitempty"`
	Invoice      *Invoice      `json:"invoice,omitempty"`
	Payout       *Payout       `json:"payout,omitempty"`
	Duplicate    bool          `json:"duplicate"`
}

// GetOrCreateFund returns the itinerary's fund, creating it with the
// itinerary total as target on first use.
func (s *Service) GetOrCreateFund(ctx context.Context, itineraryID string) (*Fund, error) {
	f, err := s.store.GetFundByItinerary(ctx, itineraryID)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	target, err := s.itineraries.TotalCost(ctx, itineraryID)
	if errors.Is(err, itinerary.ErrNotFound) {
		return nil, fmt.Errorf("itinerary %s: %w", itineraryID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading itinerary total: %w", err)
	}

	f, created, err := s.store.GetOrCreateFund(ctx, itineraryID, target)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("fund created", "fund_id", f.ID, "itinerary_id", itineraryID, "target", target)
		var o outbox
		o.add(events.EventFundCreated, events.AggregateFund, f.ID, movementData(f, 0, ""))
		s.flush(ctx, &o)
	}
	return f, nil
}

// GetSummary returns the fund summary of an itinerary.
func (s *Service) GetSummary(ctx context.Context, itineraryID string) (*Summary, error) {
	f, err := s.GetOrCreateFund(ctx, itineraryID)
	if err != nil {
		return nil, err
	}
	return NewSummary(f), nil
}

// TopUpRequest asks for a gateway payment into the fund.
type TopUpRequest struct {
	ItineraryID string
	UserID      string
	Amount      int64
	ClientIP    string
}

// CheckoutTopUp creates a pending top-up and its signed payment URL. The
// amount may not exceed what remains to reach the target.
func (s *Service) CheckoutTopUp(ctx context.Context, req TopUpRequest) (*Checkout, error) {
	f, err := s.GetOrCreateFund(ctx, req.ItineraryID)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if remaining := f.RemainingGoal(); req.Amount > remaining {
		return nil, fmt.Errorf("%w: at most %d remains to reach the target", ErrInvalidAmount, remaining)
	}

	c, err := NewContribution(f.ID, req.UserID, req.Amount, PurposeTopUp, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return s.checkout(ctx, c, vnpay.PaymentRequest{
		Amount:    c.Amount,
		TxnRef:    c.TxnRef,
		OrderInfo: fmt.Sprintf("Gop quy TOPUP itin#%s", req.ItineraryID),
		OrderType: vnpay.OrderTypeTopUp,
		IPAddr:    req.ClientIP,
	})
}

// InvoiceRequest creates an invoice on the fund.
type InvoiceRequest struct {
	ItineraryID string
	UserID      string
	Title       string
	Amount      int64
}

// CreateInvoice records an amount owed by the fund.
func (s *Service) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	f, err := s.GetOrCreateFund(ctx, req.ItineraryID)
	if err != nil {
		return nil, err
	}
	inv, err := NewInvoice(f.ID, req.Title, req.Amount, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	s.logger.Info("invoice created", "invoice_id", inv.ID, "fund_id", f.ID, "amount", inv.Amount)
	var o outbox
	o.invoice(events.EventInvoiceCreated, inv, "")
	s.flush(ctx, &o)
	return inv, nil
}

// ListInvoices returns one page of an itinerary's invoices, newest first,
// along with the total number of invoices.
func (s *Service) ListInvoices(ctx context.Context, itineraryID string, limit, offset int) ([]*Invoice, int64, error) {
	f, err := s.GetOrCreateFund(ctx, itineraryID)
	if err != nil {
		return nil, 0, err
	}
	return s.store.ListInvoices(ctx, f.ID, limit, offset)
}

// PayInvoiceFromFund settles an invoice from the fund balance.
func (s *Service) PayInvoiceFromFund(ctx context.Context, itineraryID, invoiceID, userID string) (*Settlement, error) {
	f, _, err := s.invoiceOf(ctx, itineraryID, invoiceID)
	if err != nil {
		return nil, err
	}

	var out *Settlement
	var o outbox
	err = s.store.WithFundLock(ctx, f.ID, func(tx Tx) error {
		o.reset()
		locked := tx.Fund()
		inv, err := tx.Invoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.FundID != locked.ID {
			return fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
		}
		if inv.Status != InvoiceUnpaid {
			return fmt.Errorf("%w: invoice %s is %s", ErrAlreadySettled, inv.ID, inv.Status)
		}
		if bal := locked.Balance(); bal < inv.Amount {
			return &InsufficientBalanceError{Balance: bal, Required: inv.Amount, Shortfall: inv.Amount - bal}
		}

		payout, err := s.settleInvoice(ctx, tx, inv, userID, PaySourceLedger, &o)
		if err != nil {
			return err
		}
		if err := tx.SaveFund(ctx); err != nil {
			return err
		}
		snapshot := *locked
		out = &Settlement{Fund: &snapshot, Invoice: inv, Payout: payout}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("invoice paid from fund",
		"invoice_id", invoiceID,
		"fund_id", f.ID,
		"amount", out.Invoice.Amount,
		"balance", out.Fund.Balance(),
	)
	s.flush(ctx, &o)
	return out, nil
}

// CancelInvoice withdraws an unpaid invoice.
func (s *Service) CancelInvoice(ctx context.Context, itineraryID, invoiceID string) (*Invoice, error) {
	f, _, err := s.invoiceOf(ctx, itineraryID, invoiceID)
	if err != nil {
		return nil, err
	}

	var inv *Invoice
	err = s.store.WithFundLock(ctx, f.ID, func(tx Tx) error {
		var err error
		inv, err = tx.Invoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := inv.Cancel(); err != nil {
			return err
		}
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("invoice canceled", "invoice_id", invoiceID, "fund_id", f.ID)
	return inv, nil
}

// InvoiceCheckoutRequest asks for a gateway payment towards an invoice.
type InvoiceCheckoutRequest struct {
	ItineraryID string
	InvoiceID   string
	UserID      string
	// Full pays the whole invoice instead of the gap over the balance.
	Full     bool
	ClientIP string
}

// CheckoutInvoice creates a pending invoice contribution for the gap
// between the invoice and the balance, or for the full amount.
func (s *Service) CheckoutInvoice(ctx context.Context, req InvoiceCheckoutRequest) (*Checkout, error) {
	f, inv, err := s.invoiceOf(ctx, req.ItineraryID, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoiceUnpaid {
		return nil, fmt.Errorf("%w: invoice %s is %s", ErrAlreadySettled, inv.ID, inv.Status)
	}

	var amount int64
	if gap := inv.Amount - f.Balance(); gap > 0 {
		amount = gap
	}
	if req.Full {
		amount = inv.Amount
	}
	if amount <= 0 {
		return nil, ErrNoGap
	}

	c, err := NewContribution(f.ID, req.UserID, amount, PurposeInvoice, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	checkout, err := s.checkout(ctx, c, vnpay.PaymentRequest{
		Amount:    c.Amount,
		TxnRef:    c.TxnRef,
		OrderInfo: fmt.Sprintf("Thanh toan INVOICE#%s itin#%s", inv.ID, req.ItineraryID),
		OrderType: vnpay.OrderTypeBillPayment,
		IPAddr:    req.ClientIP,
	})
	if err != nil {
		return nil, err
	}
	checkout.InvoiceID = inv.ID
	return checkout, nil
}

// ListStalePending returns contributions still PENDING after olderThan.
// Expiring them is left to housekeeping.
func (s *Service) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*Contribution, error) {
	return s.store.ListStalePending(ctx, s.now().Add(-olderThan), limit)
}

// checkout signs the payment URL before persisting the contribution, so a
// gateway failure leaves nothing behind.
func (s *Service) checkout(ctx context.Context, c *Contribution, req vnpay.PaymentRequest) (*Checkout, error) {
	payURL, err := s.signer.BuildPaymentURL(req)
	if err != nil {
		s.logger.Error("failed to build payment url", "txn_ref", c.TxnRef, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	if err := s.store.CreateContribution(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("checkout created",
		"contribution_id", c.ID,
		"txn_ref", c.TxnRef,
		"purpose", c.Purpose,
		"amount", c.Amount,
	)
	var o outbox
	o.contribution(events.EventContributionCreated, c)
	s.flush(ctx, &o)

	return &Checkout{
		ContributionID: c.ID,
		TxnRef:         c.TxnRef,
		PayURL:         payURL,
		Amount:         c.Amount,
	}, nil
}

// invoiceOf loads an invoice and checks that it belongs to the itinerary's fund.
func (s *Service) invoiceOf(ctx context.Context, itineraryID, invoiceID string) (*Fund, *Invoice, error) {
	f, err := s.store.GetFundByItinerary(ctx, itineraryID)
	if err != nil {
		return nil, nil, err
	}
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if inv.FundID != f.ID {
		return nil, nil, fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
	}
	return f, inv, nil
}

// settleInvoice debits the full invoice amount, records the payout and
// marks the invoice paid. It must run inside WithFundLock; the caller saves
// the fund.
func (s *Service) settleInvoice(ctx context.Context, tx Tx, inv *Invoice, userID string, source PaySource, o *outbox) (*Payout, error) {
	f := tx.Fund()
	if err := f.Debit(inv.Amount); err != nil {
		return nil, err
	}
	if err := inv.Settle(source, s.now()); err != nil {
		return nil, err
	}
	payout := NewPayout(inv, userID)
	if err := tx.CreatePayout(ctx, payout); err != nil {
		return nil, err
	}
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	o.debited(f, inv.Amount, inv.ID)
	o.invoice(events.EventInvoiceSettled, inv, payout.ID)
	return payout, nil
}
