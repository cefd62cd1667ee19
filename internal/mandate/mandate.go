// Package mandate owns the lifecycle of intent and cart mandates: the
// scoped authorizations an agent holds while pursuing a purchase on a
// user's behalf.
package mandate

import (
	"time"
)

// Status is the lifecycle state of a mandate. Revoked, expired and
// consumed are terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
	StatusConsumed Status = "consumed"
)

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked || s == StatusConsumed
}

// Kind distinguishes the two mandate variants in generic lookups.
type Kind string

const (
	KindIntent Kind = "intent"
	KindCart   Kind = "cart"
)

// Constraints bound what an intent mandate authorizes.
type Constraints struct {
	MaxAmount float64 `json:"max_amount"`
	Currency  string  `json:"currency"`
}

// IntentMandate is a time-bounded authorization for an agent to act
// within constraints. It is never physically deleted; revocation and
// expiry are soft-state transitions.
type IntentMandate struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	BusinessID        string      `json:"business_id"`
	IntentDescription string      `json:"intent_description"`
	Constraints       Constraints `json:"constraints"`
	Status            Status      `json:"status"`
	StatusReason      string      `json:"status_reason,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

// ExpiredAt reports whether the mandate's expiry deadline has passed at t.
func (m *IntentMandate) ExpiredAt(t time.Time) bool {
	return !t.Before(m.ExpiresAt)
}

// CartItem is one priced line of a cart mandate.
type CartItem struct {
	ServiceID string  `json:"service_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
	Currency  string  `json:"currency"`
}

// CartMandate is a priced, itemized refinement of an intent mandate.
// It references its intent; the intent outlives any holder of the
// reference. A cart transitions to consumed exactly once, when a
// transaction built from it completes.
type CartMandate struct {
	ID               string     `json:"id"`
	IntentMandateID  string     `json:"intent_mandate_id"`
	CartItems        []CartItem `json:"cart_items"`
	PricingValidated bool       `json:"pricing_validated"`
	Status           Status     `json:"status"`
	StatusReason     string     `json:"status_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Total is the cart's item total: sum of unit_price * quantity.
func (m *CartMandate) Total() float64 {
	var total float64
	for _, item := range m.CartItems {
		total += item.UnitPrice * float64(item.Quantity)
	}
	return total
}

// Currency returns the currency shared by the cart's items, empty for an
// empty cart. Mixed-currency carts are rejected at creation.
func (m *CartMandate) Currency() string {
	if len(m.CartItems) == 0 {
		return ""
	}
	return m.CartItems[0].Currency
}
