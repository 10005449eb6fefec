// Package domain provides the core models of the ledgerwatch pipeline:
// webhook events, metric buckets, anomalies and reconciliation jobs.
//
// Stores and HTTP handlers exchange these types; nothing in here touches
// the database or the network.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventState is the processing state of a webhook event.
type EventState string

const (
	EventStateQueued     EventState = "queued"
	EventStateProcessing EventState = "processing"
	EventStateCompleted  EventState = "completed"
	// EventStateFailed is reported for a failed attempt but never persisted as
	// a resting state: the event moves on to queued or dead in the same write.
	EventStateFailed EventState = "failed"
	EventStateDead   EventState = "dead"
)

// AllEventStates lists every state in transition order.
var AllEventStates = []EventState{
	EventStateQueued,
	EventStateProcessing,
	EventStateCompleted,
	EventStateFailed,
	EventStateDead,
}

var eventTransitions = map[EventState][]EventState{
	EventStateQueued:     {EventStateProcessing},
	EventStateProcessing: {EventStateCompleted, EventStateQueued, EventStateFailed, EventStateDead},
	EventStateFailed:     {EventStateQueued, EventStateDead},
}

// CanTransition reports whether an event may move from one state to another.
// Completed and dead are terminal.
func CanTransition(from, to EventState) bool {
	for _, next := range eventTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s EventState) IsTerminal() bool {
	return s == EventStateCompleted || s == EventStateDead
}

// Valid reports whether s is a known state.
func (s EventState) Valid() bool {
	for _, st := range AllEventStates {
		if st == s {
			return true
		}
	}
	return false
}

// EventType is the processor-assigned event type, e.g. "transfer.paid".
type EventType string

const (
	EventTransferCreated  EventType = "transfer.created"
	EventTransferPaid     EventType = "transfer.paid"
	EventTransferFailed   EventType = "transfer.failed"
	EventTransferReversed EventType = "transfer.reversed"

	EventPayoutPaid   EventType = "payout.paid"
	EventPayoutFailed EventType = "payout.failed"

	EventChargeSucceeded EventType = "charge.succeeded"
	EventChargeFailed    EventType = "charge.failed"
	EventChargeRefunded  EventType = "charge.refunded"

	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
)

// ResourcePrefix returns the part of the type before the first dot.
func (t EventType) ResourcePrefix() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return s
}

// WebhookEvent is a durably queued inbound event.
type WebhookEvent struct {
	ID              string          `json:"id"`
	ExternalEventID string          `json:"externalEventId"`
	EventType       EventType       `json:"eventType"`
	ResourceType    string          `json:"resourceType"`
	ResourceID      string          `json:"resourceId"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	State           EventState      `json:"processingState"`
	AttemptCount    int             `json:"attemptCount"`
	LastError       string          `json:"lastError,omitempty"`
	AvailableAt     time.Time       `json:"availableAt"`
	ClaimedAt       *time.Time      `json:"claimedAt,omitempty"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	DurationMs      *int64          `json:"durationMs,omitempty"`
}

// Amount is a money value as sent by the payment processor.
type Amount struct {
	Value    json.Number `json:"value"`
	Currency string      `json:"currency"`
}

// TransferObject is the data.object of transfer and payout events.
type TransferObject struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Amount        Amount `json:"amount"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlationId"`
	CustomerID    string `json:"customerId"`
	Direction     string `json:"direction,omitempty"`
	FailureCode   string `json:"failureCode,omitempty"`
}

// Validate checks the fields every transfer handler relies on.
func (o TransferObject) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("transfer object: id is required")
	}
	if o.Amount.Value == "" {
		return fmt.Errorf("transfer %s: amount.value is required", o.ID)
	}
	if _, err := o.Amount.Value.Float64(); err != nil {
		return fmt.Errorf("transfer %s: amount.value %q is not numeric", o.ID, o.Amount.Value)
	}
	if o.Amount.Currency == "" {
		return fmt.Errorf("transfer %s: amount.currency is required", o.ID)
	}
	return nil
}

// InvoiceObject is the data.object of invoice events.
type InvoiceObject struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	CustomerID    string `json:"customerId"`
	AmountDue     Amount `json:"amountDue"`
	BillingPeriod string `json:"billingPeriod"`
}

// Validate checks the fields invoice handlers rely on.
func (o InvoiceObject) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("invoice object: id is required")
	}
	if o.CustomerID == "" {
		return fmt.Errorf("invoice %s: customerId is required", o.ID)
	}
	return nil
}

// Envelope is the outer shape of every inbound webhook.
type Envelope struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	Created  int64     `json:"created,omitempty"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
	Resource *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"resource,omitempty"`
}

// DecodeObject unmarshals data.object of an event payload into v.
func DecodeObject(payload json.RawMessage, v any) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data.Object) == 0 {
		return fmt.Errorf("event %s: data.object is missing", env.ID)
	}
	if err := json.Unmarshal(env.Data.Object, v); err != nil {
		return fmt.Errorf("decode data.object: %w", err)
	}
	return nil
}

// QueueHealth summarizes the event table for the analytics snapshot.
type QueueHealth struct {
	Counts          map[EventState]int64 `json:"counts"`
	AvgDurationMs   float64              `json:"avgDurationMs"`
	OldestQueuedAge float64              `json:"oldestQueuedAgeSeconds"`
}
