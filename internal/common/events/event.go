package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }

// Event types
const (
	EventItineraryCreated = "itinerary.created"

	EventFundCreated  = "fund.created"
	EventFundCredited = "fund.credited"
	EventFundDebited  = "fund.debited"
	EventFundClosed   = "fund.closed"

	EventContributionCreated = "contribution.created"
	EventContributionPaid    = "contribution.paid"
	EventContributionFailed  = "contribution.failed"

	EventInvoiceCreated = "invoice.created"
	EventInvoiceSettled = "invoice.settled"

	EventReconMismatch = "recon.mismatch"
)

// Aggregate types
const (
	AggregateItinerary    = "itinerary"
	AggregateFund         = "fund"
	AggregateContribution = "contribution"
	AggregateInvoice      = "invoice"
)

// ItineraryCreatedData is the data for itinerary.created events
type ItineraryCreatedData struct {
	ItineraryID    string `json:"itinerary_id"`
	OwnerID        string `json:"owner_id"`
	TotalCost      int64  `json:"total_cost"`
	TotalDurationS int64  `json:"total_duration_s"`
	ItemCount      int    `json:"item_count"`
}

// FundMovementData is the data for fund.credited and fund.debited events
type FundMovementData struct {
	FundID      string `json:"fund_id"`
	ItineraryID string `json:"itinerary_id"`
	Amount      int64  `json:"amount"`
	Contributed int64  `json:"contributed"`
	Spent       int64  `json:"spent"`
	Balance     int64  `json:"balance"`
	Status      string `json:"status"`
	Reference   string `json:"reference,omitempty"`
}

// ContributionData is the data for contribution.* events
type ContributionData struct {
	ContributionID string `json:"contribution_id"`
	FundID         string `json:"fund_id"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	Purpose        string `json:"purpose"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
	TxnRef         string `json:"txn_ref"`
	ResponseCode   string `json:"response_code,omitempty"`
}

// InvoiceData is the data for invoice.* events
type InvoiceData struct {
	InvoiceID string `json:"invoice_id"`
	FundID    string `json:"fund_id"`
	Title     string `json:"title"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	PaySource string `json:"pay_source,omitempty"`
	PayoutID  string `json:"payout_id,omitempty"`
}

// ReconMismatchData is published when a callback disagrees with the stored contribution.
type ReconMismatchData struct {
	TxnRef         string    `json:"txn_ref"`
	ContributionID string    `json:"contribution_id,omitempty"`
	MismatchType   string    `json:"mismatch_type"`
	ExpectedAmount int64     `json:"expected_amount,omitempty"`
	ActualAmount   int64     `json:"actual_amount,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
}
