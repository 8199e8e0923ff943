package fund

import (
	"context"
	"errors"
	"fmt"

	"tripfund/internal/common/events"
	"tripfund/internal/common/money"
	"tripfund/internal/vnpay"
)

// ErrPaymentDeclined is returned by HandleReturn when the gateway reports
// a failed payment. The contribution stays PENDING.
var ErrPaymentDeclined = errors.New("payment declined by gateway")

// MarkPaid moves a contribution to PAID and credits its fund exactly once.
// An INVOICE contribution then settles its invoice through the gateway
// path when the invoice is still unpaid. Repeated calls return the current
// state with Duplicate set.
func (s *Service) MarkPaid(ctx context.Context, txnRef string, meta GatewayMeta) (*Settlement, error) {
	found, err := s.store.GetContributionByTxnRef(ctx, txnRef)
	if err != nil {
		return nil, err
	}

	var out *Settlement
	var o outbox
	err = s.store.WithFundLock(ctx, found.FundID, func(tx Tx) error {
		o.reset()
		f := tx.Fund()

		// Status is re-read under the lock; two callbacks for the same
		// reference serialize here.
		c, err := tx.Contribution(ctx, txnRef)
		if err != nil {
			return err
		}
		if c.FundID != f.ID {
			return fmt.Errorf("%w: contribution %s moved funds", ErrInvariantViolated, txnRef)
		}

		changed, err := c.MarkPaid(meta, s.now())
		if err != nil {
			return err
		}
		if !changed {
			snapshot := *f
			out = &Settlement{Contribution: c, Fund: &snapshot, Duplicate: true}
			return nil
		}

		wasOpen := f.Status == StatusOpen
		if err := f.Credit(c.Amount); err != nil {
			return err
		}
		if err := tx.UpdateContribution(ctx, c); err != nil {
			return err
		}
		o.contribution(events.EventContributionPaid, c)
		o.credited(f, c.Amount, c.TxnRef, wasOpen)
		out = &Settlement{Contribution: c}

		if c.Purpose == PurposeInvoice && c.InvoiceID != nil {
			inv, err := tx.Invoice(ctx, *c.InvoiceID)
			if err != nil {
				return err
			}
			out.Invoice = inv
			switch {
			case inv.Status != InvoiceUnpaid:
				s.logger.Info("invoice already closed, contribution kept as balance",
					"invoice_id", inv.ID, "status", inv.Status, "txn_ref", c.TxnRef)
			case f.Balance() < inv.Amount:
				// The credit stands; the invoice waits for more balance.
				s.logger.Warn("invoice left unpaid after gateway payment",
					"invoice_id", inv.ID, "balance", f.Balance(), "amount", inv.Amount, "txn_ref", c.TxnRef)
			default:
				payout, err := s.settleInvoice(ctx, tx, inv, c.UserID, PaySourceGateway, &o)
				if err != nil {
					return err
				}
				out.Payout = payout
			}
		}

		if err := tx.SaveFund(ctx); err != nil {
			return err
		}
		snapshot := *f
		out.Fund = &snapshot
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.Duplicate {
		s.logger.Info("contribution paid",
			"txn_ref", txnRef,
			"fund_id", out.Fund.ID,
			"amount", out.Contribution.Amount,
			"contributed", out.Fund.Contributed,
			"balance", out.Fund.Balance(),
			"fund_status", out.Fund.Status,
		)
	}
	s.flush(ctx, &o)
	return out, nil
}

// MarkFailed records a gateway failure. The ledger is not touched.
func (s *Service) MarkFailed(ctx context.Context, txnRef string, meta GatewayMeta) (*Settlement, error) {
	found, err := s.store.GetContributionByTxnRef(ctx, txnRef)
	if err != nil {
		return nil, err
	}

	var out *Settlement
	var o outbox
	err = s.store.WithFundLock(ctx, found.FundID, func(tx Tx) error {
		o.reset()
		c, err := tx.Contribution(ctx, txnRef)
		if err != nil {
			return err
		}
		changed, err := c.MarkFailed(meta)
		if err != nil {
			return err
		}
		out = &Settlement{Contribution: c, Duplicate: !changed}
		if !changed {
			return nil
		}
		o.contribution(events.EventContributionFailed, c)
		return tx.UpdateContribution(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	if !out.Duplicate {
		s.logger.Info("contribution failed", "txn_ref", txnRef, "response_code", meta.ResponseCode)
	}
	s.flush(ctx, &o)
	return out, nil
}

// HandleReturn reconciles the user-facing return redirect. Only a verified,
// matching, successful callback changes state.
func (s *Service) HandleReturn(ctx context.Context, params map[string]string) (*Settlement, error) {
	c, cb, err := s.authenticate(ctx, params)
	if err != nil {
		return nil, err
	}
	if !cb.Succeeded(false) {
		s.logger.Info("gateway return reported failure", "txn_ref", cb.TxnRef, "response_code", cb.ResponseCode)
		return &Settlement{Contribution: c}, ErrPaymentDeclined
	}
	return s.MarkPaid(ctx, c.TxnRef, metaFrom(cb))
}

// HandleIPN reconciles the server-to-server notification and returns the
// acknowledgement expected by the gateway.
func (s *Service) HandleIPN(ctx context.Context, params map[string]string) vnpay.IPNResponse {
	c, cb, err := s.authenticate(ctx, params)
	switch {
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMissingReference):
		return vnpay.IPNResponse{RspCode: vnpay.RspInvalidSignature, Message: "Invalid signature or TxnRef"}
	case errors.Is(err, ErrNotFound):
		return vnpay.IPNResponse{RspCode: vnpay.RspOrderNotFound, Message: "Order not found"}
	case errors.Is(err, ErrAmountMismatch):
		return vnpay.IPNResponse{RspCode: vnpay.RspInvalidAmount, Message: "Invalid amount"}
	case err != nil:
		s.logger.Error("ipn authentication failed", "error", err)
		return vnpay.IPNResponse{RspCode: vnpay.RspUnknownError, Message: "Unknown error"}
	}

	if cb.Succeeded(true) {
		_, err = s.MarkPaid(ctx, c.TxnRef, metaFrom(cb))
		if err == nil {
			return vnpay.IPNResponse{RspCode: vnpay.RspSuccess, Message: "Confirm Success"}
		}
	} else {
		_, err = s.MarkFailed(ctx, c.TxnRef, metaFrom(cb))
		if err == nil {
			return vnpay.IPNResponse{RspCode: vnpay.RspSuccess, Message: "Confirm Failed"}
		}
	}

	if errors.Is(err, ErrInvalidTransition) {
		s.logger.Warn("ipn conflicts with settled contribution", "txn_ref", c.TxnRef, "error", err)
		return vnpay.IPNResponse{RspCode: vnpay.RspAlreadyConfirmed, Message: "Order already confirmed"}
	}
	s.logger.Error("ipn processing failed", "txn_ref", c.TxnRef, "error", err)
	return vnpay.IPNResponse{RspCode: vnpay.RspUnknownError, Message: "Unknown error"}
}

// authenticate verifies the signature, resolves the contribution and checks
// the amount, in that order.
func (s *Service) authenticate(ctx context.Context, params map[string]string) (*Contribution, vnpay.Callback, error) {
	valid, reason := s.signer.Verify(params)
	cb, parseErr := vnpay.ParseCallback(params)

	if !valid {
		s.logger.Warn("callback signature rejected", "txn_ref", cb.TxnRef, "reason", reason)
		s.publishMismatch(ctx, cb.TxnRef, "", MismatchSignature, 0, 0)
		return nil, cb, fmt.Errorf("%w: %s", ErrInvalidSignature, reason)
	}
	if cb.TxnRef == "" {
		return nil, cb, ErrMissingReference
	}

	c, err := s.store.GetContributionByTxnRef(ctx, cb.TxnRef)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("callback for unknown reference", "txn_ref", cb.TxnRef)
		s.publishMismatch(ctx, cb.TxnRef, "", MismatchUnknown, 0, 0)
		return nil, cb, err
	}
	if err != nil {
		return nil, cb, err
	}

	if parseErr != nil || cb.Amount != c.Amount {
		expected := money.Dong(c.Amount).ToGateway()
		wire := params[vnpay.ParamAmount]
		s.logger.Warn("callback amount mismatch",
			"txn_ref", cb.TxnRef,
			"expected", expected,
			"actual", wire,
			"parse_error", parseErr,
		)
		s.publishMismatch(ctx, cb.TxnRef, c.ID, MismatchAmount, expected, money.Dong(cb.Amount).ToGateway())
		return c, cb, fmt.Errorf("%w: expected %d, got %q", ErrAmountMismatch, expected, wire)
	}
	return c, cb, nil
}

func metaFrom(cb vnpay.Callback) GatewayMeta {
	raw := make(map[string]string, len(cb.Raw))
	for k, v := range cb.Raw {
		raw[k] = v
	}
	code := cb.ResponseCode
	if code == "" {
		code = cb.TransactionStatus
	}
	return GatewayMeta{
		BankCode:      cb.BankCode,
		TransactionNo: cb.TransactionNo,
		PayDate:       cb.PayDate,
		ResponseCode:  code,
		SecureHash:    cb.SecureHash,
		Raw:           raw,
	}
}
