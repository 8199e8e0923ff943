package fund

import (
	"context"
	"time"

	"tripfund/internal/common/events"
	"tripfund/internal/common/middleware"
)

// Mismatch types reported on recon.mismatch events.
const (
	MismatchSignature = "signature"
	MismatchAmount    = "amount"
	MismatchUnknown   = "unknown_reference"
)

type pendingEvent struct {
	eventType     string
	aggregateType string
	aggregateID   string
	data          any
}

// outbox collects events inside a fund lock. They are published only
// after the lock's transaction commits.
type outbox struct {
	events []pendingEvent
}

func (o *outbox) add(eventType, aggregateType, aggregateID string, data any) {
	o.events = append(o.events, pendingEvent{eventType, aggregateType, aggregateID, data})
}

func (o *outbox) reset() {
	o.events = o.events[:0]
}

func (o *outbox) credited(f *Fund, amount int64, ref string, wasOpen bool) {
	o.add(events.EventFundCredited, events.AggregateFund, f.ID, movementData(f, amount, ref))
	if wasOpen && f.Status == StatusClosed {
		o.add(events.EventFundClosed, events.AggregateFund, f.ID, movementData(f, 0, ref))
	}
}

func (o *outbox) debited(f *Fund, amount int64, ref string) {
	o.add(events.EventFundDebited, events.AggregateFund, f.ID, movementData(f, amount, ref))
}

func (o *outbox) contribution(eventType string, c *Contribution) {
	o.add(eventType, events.AggregateContribution, c.ID, contributionData(c))
}

func (o *outbox) invoice(eventType string, inv *Invoice, payoutID string) {
	o.add(eventType, events.AggregateInvoice, inv.ID, invoiceData(inv, payoutID))
}

func (s *Service) flush(ctx context.Context, o *outbox) {
	correlationID := middleware.GetCorrelationID(ctx)
	for _, p := range o.events {
		evt, err := events.NewEvent(p.eventType, p.aggregateType, p.aggregateID, p.data)
		if err != nil {
			s.logger.Error("failed to build event", "type", p.eventType, "error", err)
			continue
		}
		evt.WithCorrelation(correlationID)
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Warn("failed to publish event", "type", evt.Type, "aggregate_id", evt.AggregateID, "error", err)
		}
	}
	o.reset()
}

func (s *Service) publishMismatch(ctx context.Context, txnRef, contributionID, kind string, expected, actual int64) {
	var o outbox
	o.add(events.EventReconMismatch, events.AggregateContribution, txnRef, events.ReconMismatchData{
		TxnRef:         txnRef,
		ContributionID: contributionID,
		MismatchType:   kind,
		ExpectedAmount: expected,
		ActualAmount:   actual,
		DetectedAt:     time.Now().UTC(),
	})
	s.flush(ctx, &o)
}

func movementData(f *Fund, amount int64, ref string) events.FundMovementData {
	return events.FundMovementData{
		FundID:      f.ID,
		ItineraryID: f.ItineraryID,
		Amount:      amount,
		Contributed: f.Contributed,
		Spent:       f.Spent,
		Balance:     f.Balance(),
		Status:      string(f.Status),
		Reference:   ref,
	}
}

func contributionData(c *Contribution) events.ContributionData {
	d := events.ContributionData{
		ContributionID: c.ID,
		FundID:         c.FundID,
		Purpose:        string(c.Purpose),
		Amount:         c.Amount,
		Status:         string(c.Status),
		TxnRef:         c.TxnRef,
		ResponseCode:   c.Gateway.ResponseCode,
	}
	if c.InvoiceID != nil {
		d.InvoiceID = *c.InvoiceID
	}
	return d
}

func invoiceData(inv *Invoice, payoutID string) events.InvoiceData {
	return events.InvoiceData{
		InvoiceID: inv.ID,
		FundID:    inv.FundID,
		Title:     inv.Title,
		Amount:    inv.Amount,
		Status:    string(inv.Status),
		PaySource: string(inv.PaySource),
		PayoutID:  payoutID,
	}
}
