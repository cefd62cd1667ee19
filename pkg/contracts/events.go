// Package contracts defines the JSON events this engine publishes for
// downstream subscribers.
package contracts

import "time"

// Routing keys / event type names.
const (
	WorkflowStatusChanged = "workflows.status_changed"
	MandateRevoked        = "mandates.revoked"
)

// WorkflowStatusEvent is emitted when a workflow reaches a terminal
// state.
type WorkflowStatusEvent struct {
	EventID      string    `json:"event_id"`
	WorkflowID   string    `json:"workflow_id"`
	UserID       string    `json:"user_id"`
	BusinessID   string    `json:"business_id"`
	Status       string    `json:"status"`
	CurrentStep  string    `json:"current_step"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// MandateRevokedEvent is emitted when a mandate is revoked, whether by
// API call or by network webhook.
type MandateRevokedEvent struct {
	EventID    string    `json:"event_id"`
	MandateID  string    `json:"mandate_id"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
