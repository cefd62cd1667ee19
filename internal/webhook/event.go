// Package webhook validates, deduplicates and routes inbound payment
// network notifications.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stephenbessey/BAIS-sub002/internal/mandate"
)

// EventType is the closed set of notifications the payment network
// delivers. Adding a type means extending this enum and the dispatch
// switch; there is no open-ended routing.
type EventType string

const (
	PaymentAuthorized EventType = "payment_authorized"
	PaymentCompleted  EventType = "payment_completed"
	PaymentFailed     EventType = "payment_failed"
	PaymentDeclined   EventType = "payment_declined"
	MandateRevoked    EventType = "mandate_revoked"
	MandateExpired    EventType = "mandate_expired"
)

// PaymentEvent reports whether t concerns a payment rather than a
// mandate.
func (t EventType) PaymentEvent() bool {
	switch t {
	case PaymentAuthorized, PaymentCompleted, PaymentFailed, PaymentDeclined:
		return true
	}
	return false
}

func (t EventType) known() bool {
	switch t {
	case PaymentAuthorized, PaymentCompleted, PaymentFailed, PaymentDeclined, MandateRevoked, MandateExpired:
		return true
	}
	return false
}

// Event is a validated inbound notification. Which fields are populated
// depends on the type: payment events carry payment_id, amount and
// currency; mandate events carry mandate_id.
type Event struct {
	Type       EventType      `json:"event_type"`
	PaymentID  string         `json:"payment_id,omitempty"`
	MandateID  string         `json:"mandate_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	BusinessID string         `json:"business_id"`
	Status     string         `json:"status"`
	Amount     float64        `json:"amount,omitempty"`
	Currency   string         `json:"currency,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type rawEvent struct {
	EventType  string         `json:"event_type"`
	PaymentID  string         `json:"payment_id"`
	MandateID  string         `json:"mandate_id"`
	Timestamp  string         `json:"timestamp"`
	BusinessID string         `json:"business_id"`
	Status     string         `json:"status"`
	Amount     *float64       `json:"amount"`
	Currency   string         `json:"currency"`
	Metadata   map[string]any `json:"metadata"`
}

// ParseEvent decodes and validates a webhook body. All failures are
// ValidationErrors suitable for a 400 response.
func ParseEvent(body []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &mandate.ValidationError{Msg: "invalid JSON body"}
	}

	t := EventType(raw.EventType)
	if !t.known() {
		return nil, &mandate.ValidationError{Field: "event_type", Msg: fmt.Sprintf("unknown event type %q", raw.EventType)}
	}

	if raw.Timestamp == "" {
		return nil, &mandate.ValidationError{Field: "timestamp", Msg: "must not be empty"}
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return nil, &mandate.ValidationError{Field: "timestamp", Msg: "must be an ISO-8601 timestamp"}
	}

	ev := &Event{
		Type:       t,
		PaymentID:  raw.PaymentID,
		MandateID:  raw.MandateID,
		Timestamp:  ts.UTC(),
		BusinessID: raw.BusinessID,
		Status:     raw.Status,
		Currency:   raw.Currency,
		Metadata:   raw.Metadata,
	}

	if t.PaymentEvent() {
		switch {
		case raw.PaymentID == "":
			return nil, &mandate.ValidationError{Field: "payment_id", Msg: "required for payment events"}
		case raw.Amount == nil:
			return nil, &mandate.ValidationError{Field: "amount", Msg: "required for payment events"}
		case *raw.Amount < 0:
			return nil, &mandate.ValidationError{Field: "amount", Msg: "must not be negative"}
		case raw.Currency == "":
			return nil, &mandate.ValidationError{Field: "currency", Msg: "required for payment events"}
		}
		ev.Amount = *raw.Amount
	} else if raw.MandateID == "" {
		return nil, &mandate.ValidationError{Field: "mandate_id", Msg: "required for mandate events"}
	}

	return ev, nil
}

// EntityID returns the id the 200 response echoes: payment id for
// payment events, mandate id otherwise.
func (e *Event) EntityID() string {
	if e.Type.PaymentEvent() {
		return e.PaymentID
	}
	return e.MandateID
}

// Reason extracts a human-readable failure reason from the metadata, if
// the network supplied one.
func (e *Event) Reason() string {
	if e.Metadata == nil {
		return ""
	}
	if r, ok := e.Metadata["reason"].(string); ok {
		return r
	}
	return ""
}
