// Package workflow coordinates one purchase attempt end to end: intent
// mandate, cart mandate, transaction execution against the external
// payment network, and the asynchronous webhook-driven transitions that
// follow.
package workflow

import (
	"context"
	"errors"
	"time"
)

// Status is the aggregate state of a payment workflow. Completed, failed
// and cancelled are terminal.
type Status string

const (
	StatusPending       Status = "pending"
	StatusIntentCreated Status = "intent_created"
	StatusCartCreated   Status = "cart_created"
	StatusExecuting     Status = "executing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further workflow mutation is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TransactionStatus is the state of the executed payment. Completed,
// failed and declined are terminal; transitions are monotonic.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxAuthorized TransactionStatus = "authorized"
	TxCompleted  TransactionStatus = "completed"
	TxFailed     TransactionStatus = "failed"
	TxDeclined   TransactionStatus = "declined"
)

// Terminal reports whether the transaction reached a final state.
func (s TransactionStatus) Terminal() bool {
	return s == TxCompleted || s == TxFailed || s == TxDeclined
}

// PaymentMethod carries the type and an opaque provider reference, never
// raw credentials.
type PaymentMethod struct {
	Type      string `json:"type"`
	Reference string `json:"reference"`
}

// Transaction is the executed payment against a cart mandate. Its id
// doubles as the payment_id echoed by the external network's webhooks.
type Transaction struct {
	ID            string            `json:"id"`
	CartMandateID string            `json:"cart_mandate_id"`
	PaymentMethod PaymentMethod     `json:"payment_method"`
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   time.Time         `json:"completed_at,omitzero"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// PaymentWorkflow tracks one purchase attempt across mandate creation
// and transaction execution.
type PaymentWorkflow struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	BusinessID      string    `json:"business_id"`
	AgentID         string    `json:"agent_id"`
	Status          Status    `json:"status"`
	CurrentStep     string    `json:"current_step"`
	IntentMandateID string    `json:"intent_mandate_id,omitempty"`
	CartMandateID   string    `json:"cart_mandate_id,omitempty"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// ErrWorkflowNotFound is returned when no workflow exists for an id.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrTransactionNotFound is returned when no transaction exists for an id.
var ErrTransactionNotFound = errors.New("transaction not found")

// Store is the persistence abstraction for workflows and transactions.
type Store interface {
	CreateWorkflow(ctx context.Context, w *PaymentWorkflow) error
	GetWorkflow(ctx context.Context, id string) (*PaymentWorkflow, error)
	UpdateWorkflow(ctx context.Context, w *PaymentWorkflow) error
	GetWorkflowByTransaction(ctx context.Context, txID string) (*PaymentWorkflow, error)
	ListWorkflowsByIntentMandate(ctx context.Context, mandateID string) ([]*PaymentWorkflow, error)

	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error
}

// ExecutionRequest is the outbound instruction to the external payment
// network to run a transaction.
type ExecutionRequest struct {
	PaymentID       string  `json:"payment_id"`
	CartMandateID   string  `json:"cart_mandate_id"`
	BusinessID      string  `json:"business_id"`
	PaymentMethodID string  `json:"payment_method_id"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
}

// ExecutionResult is the network's synchronous acknowledgement; the
// authoritative outcome arrives later by webhook.
type ExecutionResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// Executor starts a transaction on the external payment network.
type Executor interface {
	ExecuteTransaction(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// EventSink receives serialized domain events for downstream
// subscribers. Implementations: RabbitMQ publisher, Postgres outbox,
// no-op.
type EventSink interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// StatusBroadcaster pushes live workflow status updates to attached
// streaming clients.
type StatusBroadcaster interface {
	BroadcastWorkflowUpdate(workflowID, status string)
}

// NopBroadcaster discards updates.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastWorkflowUpdate(string, string) {}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, string, []byte) error { return nil }
