package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stephenbessey/BAIS-sub002/internal/mandate"
	"github.com/stephenbessey/BAIS-sub002/internal/metrics"
	"github.com/stephenbessey/BAIS-sub002/pkg/contracts"
)

// InitiateRequest is the caller's purchase intent for one workflow.
type InitiateRequest struct {
	UserID             string              `json:"user_id"`
	BusinessID         string              `json:"business_id"`
	AgentID            string              `json:"agent_id"`
	IntentDescription  string              `json:"intent_description"`
	CartItems          []mandate.CartItem  `json:"cart_items"`
	PaymentConstraints mandate.Constraints `json:"payment_constraints"`
	PaymentMethodID    string              `json:"payment_method_id"`
	ExpiryHours        int                 `json:"expiry_hours,omitempty"`
	PricingValidation  bool                `json:"pricing_validation,omitempty"`
}

// Coordinator orchestrates mandate creation and transaction execution
// for payment workflows, and applies webhook-driven transitions.
// Mutations are serialized per workflow id; distinct workflows proceed
// in parallel.
type Coordinator struct {
	mandates    *mandate.Service
	store       Store
	executor    Executor
	sink        EventSink
	broadcaster StatusBroadcaster
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator wires a coordinator. sink and broadcaster may be nil.
func NewCoordinator(mandates *mandate.Service, store Store, executor Executor, sink EventSink, broadcaster StatusBroadcaster, logger *slog.Logger) *Coordinator {
	if sink == nil {
		sink = NopSink{}
	}
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &Coordinator{
		mandates:    mandates,
		store:       store,
		executor:    executor,
		sink:        sink,
		broadcaster: broadcaster,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) lock(workflowID string) func() {
	c.mu.Lock()
	l, ok := c.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[workflowID] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Initiate runs synchronously through intent mandate, cart mandate and
// transaction execution. Any step failure marks the workflow failed with
// a message naming the step; mandates already created are not rolled
// back and remain valid artifacts. The workflow is returned alongside
// the causal error so callers can surface both.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (*PaymentWorkflow, error) {
	switch {
	case req.UserID == "":
		return nil, &mandate.ValidationError{Field: "user_id", Msg: "must not be empty"}
	case req.BusinessID == "":
		return nil, &mandate.ValidationError{Field: "business_id", Msg: "must not be empty"}
	case req.AgentID == "":
		return nil, &mandate.ValidationError{Field: "agent_id", Msg: "must not be empty"}
	case req.PaymentMethodID == "":
		return nil, &mandate.ValidationError{Field: "payment_method_id", Msg: "must not be empty"}
	case len(req.CartItems) == 0:
		return nil, &mandate.ValidationError{Field: "cart_items", Msg: "must not be empty"}
	}

	now := time.Now().UTC()
	wf := &PaymentWorkflow{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		BusinessID:  req.BusinessID,
		AgentID:     req.AgentID,
		Status:      StatusPending,
		CurrentStep: "initiate",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	metrics.WorkflowsInitiated.Inc()

	unlock := c.lock(wf.ID)
	defer unlock()

	intent, err := c.mandates.CreateIntentMandate(ctx, req.UserID, req.BusinessID, req.IntentDescription, req.PaymentConstraints, req.ExpiryHours)
	if err != nil {
		c.fail(ctx, wf, "intent_mandate_creation", err)
		return wf, err
	}
	wf.IntentMandateID = intent.ID
	c.advance(ctx, wf, StatusIntentCreated, "intent_created")

	cart, err := c.mandates.CreateCartMandate(ctx, intent.ID, req.CartItems, req.PricingValidation)
	if err != nil {
		c.fail(ctx, wf, "cart_mandate_creation", err)
		return wf, err
	}
	wf.CartMandateID = cart.ID
	c.advance(ctx, wf, StatusCartCreated, "cart_created")

	tx := &Transaction{
		ID:            uuid.New().String(),
		CartMandateID: cart.ID,
		PaymentMethod: PaymentMethod{Type: "ap2_token", Reference: req.PaymentMethodID},
		Amount:        cart.Total(),
		Currency:      cart.Currency(),
		Status:        TxPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.CreateTransaction(ctx, tx); err != nil {
		c.fail(ctx, wf, "transaction_creation", err)
		return wf, err
	}
	wf.TransactionID = tx.ID

	result, err := c.executor.ExecuteTransaction(ctx, ExecutionRequest{
		PaymentID:       tx.ID,
		CartMandateID:   cart.ID,
		BusinessID:      req.BusinessID,
		PaymentMethodID: req.PaymentMethodID,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
	})
	if err != nil {
		tx.Status = TxFailed
		tx.ErrorMessage = err.Error()
		if uerr := c.store.UpdateTransaction(ctx, tx); uerr != nil {
			c.logger.Error("record failed transaction", "transaction_id", tx.ID, "err", uerr)
		}
		c.fail(ctx, wf, "transaction_execution", err)
		return wf, err
	}

	if result.Status == "authorized" {
		tx.Status = TxAuthorized
		if err := c.store.UpdateTransaction(ctx, tx); err != nil {
			c.logger.Error("record authorized transaction", "transaction_id", tx.ID, "err", err)
		}
	}
	c.advance(ctx, wf, StatusExecuting, "executing")

	c.logger.Info("workflow executing",
		"workflow_id", wf.ID, "transaction_id", tx.ID,
		"amount", tx.Amount, "currency", tx.Currency)
	return wf, nil
}

// GetStatus returns the workflow with the given id.
func (c *Coordinator) GetStatus(ctx context.Context, workflowID string) (*PaymentWorkflow, error) {
	return c.store.GetWorkflow(ctx, workflowID)
}

// GetTransaction returns the transaction with the given id.
func (c *Coordinator) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	return c.store.GetTransaction(ctx, txID)
}

// RevokeMandate revokes a mandate via the explicit API path and cancels
// any non-terminal workflows referencing it.
func (c *Coordinator) RevokeMandate(ctx context.Context, mandateID, reason string) (bool, error) {
	existed, err := c.mandates.Revoke(ctx, mandateID, reason)
	if err != nil || !existed {
		return existed, err
	}
	if err := c.cancelWorkflowsForMandate(ctx, mandateID, StatusCancelled, fmt.Sprintf("intent mandate revoked: %s", reason)); err != nil {
		return true, err
	}
	c.publishMandateRevoked(ctx, mandateID, reason)
	return true, nil
}

// OnPaymentAuthorized records the network's authorization for a pending
// transaction.
func (c *Coordinator) OnPaymentAuthorized(ctx context.Context, paymentID string) error {
	wf, unlock, err := c.lockWorkflowByPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	defer unlock()

	if wf.Status.Terminal() {
		c.logger.Info("ignoring authorization for terminal workflow", "workflow_id", wf.ID, "status", wf.Status)
		return nil
	}

	tx, err := c.store.GetTransaction(ctx, paymentID)
	if err != nil {
		return err
	}
	if tx.Status.Terminal() || tx.Status == TxAuthorized {
		return nil
	}
	tx.Status = TxAuthorized
	if err := c.store.UpdateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("authorize transaction: %w", err)
	}
	return nil
}

// OnPaymentCompleted applies the terminal success transition: the
// transaction completes, the cart mandate is consumed, and the workflow
// completes, in that order. Duplicate delivery is a no-op success. A
// failure partway is logged as a reconciliation discrepancy; this engine
// does not retry internally.
func (c *Coordinator) OnPaymentCompleted(ctx context.Context, paymentID string) error {
	wf, unlock, err := c.lockWorkflowByPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	defer unlock()

	if wf.Status.Terminal() {
		c.logger.Info("ignoring duplicate completion", "workflow_id", wf.ID, "status", wf.Status)
		return nil
	}

	now := time.Now().UTC()

	tx, err := c.store.GetTransaction(ctx, paymentID)
	if err != nil {
		return err
	}
	if !tx.Status.Terminal() {
		tx.Status = TxCompleted
		tx.CompletedAt = now
		if err := c.store.UpdateTransaction(ctx, tx); err != nil {
			c.logger.Error("completion discrepancy: transaction not recorded",
				"workflow_id", wf.ID, "transaction_id", tx.ID, "err", err)
			return fmt.Errorf("complete transaction: %w", err)
		}
	}

	if err := c.mandates.ConsumeCart(ctx, wf.CartMandateID); err != nil {
		c.logger.Error("completion discrepancy: cart mandate not consumed",
			"workflow_id", wf.ID, "cart_mandate_id", wf.CartMandateID, "err", err)
		return fmt.Errorf("consume cart mandate: %w", err)
	}

	wf.Status = StatusCompleted
	wf.CurrentStep = "completed"
	wf.CompletedAt = now
	wf.UpdatedAt = now
	if err := c.store.UpdateWorkflow(ctx, wf); err != nil {
		c.logger.Error("completion discrepancy: workflow not recorded",
			"workflow_id", wf.ID, "err", err)
		return fmt.Errorf("complete workflow: %w", err)
	}

	metrics.WorkflowsCompleted.Inc()
	c.broadcaster.BroadcastWorkflowUpdate(wf.ID, string(wf.Status))
	c.publishWorkflowStatus(ctx, wf)
	c.logger.Info("workflow completed", "workflow_id", wf.ID, "transaction_id", paymentID)
	return nil
}

// OnPaymentFailed records a terminal network failure for the payment.
func (c *Coordinator) OnPaymentFailed(ctx context.Context, paymentID, reason string) error {
	return c.finishPayment(ctx, paymentID, TxFailed, reason, "payment failed")
}

// OnPaymentDeclined records an explicit decline by the network.
func (c *Coordinator) OnPaymentDeclined(ctx context.Context, paymentID, reason string) error {
	return c.finishPayment(ctx, paymentID, TxDeclined, reason, "payment declined")
}

func (c *Coordinator) finishPayment(ctx context.Context, paymentID string, status TransactionStatus, reason, label string) error {
	wf, unlock, err := c.lockWorkflowByPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	defer unlock()

	if wf.Status.Terminal() {
		c.logger.Info("ignoring terminal payment event for terminal workflow", "workflow_id", wf.ID, "status", wf.Status)
		return nil
	}

	tx, err := c.store.GetTransaction(ctx, paymentID)
	if err != nil {
		return err
	}
	if !tx.Status.Terminal() {
		tx.Status = status
		tx.ErrorMessage = reason
		if err := c.store.UpdateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("record transaction %s: %w", status, err)
		}
	}

	msg := label
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", label, reason)
	}
	c.terminate(ctx, wf, StatusFailed, msg)
	return nil
}

// OnMandateRevoked applies a network-delivered mandate revocation:
// the mandate is revoked and non-terminal workflows referencing it are
// cancelled.
func (c *Coordinator) OnMandateRevoked(ctx context.Context, mandateID, reason string) error {
	existed, err := c.mandates.Revoke(ctx, mandateID, reason)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("revoke: %w", mandate.ErrMandateNotFound)
	}
	if err := c.cancelWorkflowsForMandate(ctx, mandateID, StatusCancelled, fmt.Sprintf("intent mandate revoked: %s", reason)); err != nil {
		return err
	}
	c.publishMandateRevoked(ctx, mandateID, reason)
	return nil
}

// OnMandateExpired applies a network-delivered mandate expiry: the
// mandate expires and non-terminal workflows referencing it fail.
func (c *Coordinator) OnMandateExpired(ctx context.Context, mandateID string) error {
	existed, err := c.mandates.ExpireIntent(ctx, mandateID)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("expire: %w", mandate.ErrMandateNotFound)
	}
	return c.cancelWorkflowsForMandate(ctx, mandateID, StatusFailed, "intent mandate expired")
}

func (c *Coordinator) cancelWorkflowsForMandate(ctx context.Context, mandateID string, status Status, msg string) error {
	workflows, err := c.store.ListWorkflowsByIntentMandate(ctx, mandateID)
	if err != nil {
		return fmt.Errorf("list workflows for mandate: %w", err)
	}
	for _, wf := range workflows {
		unlock := c.lock(wf.ID)
		current, err := c.store.GetWorkflow(ctx, wf.ID)
		if err != nil {
			unlock()
			return err
		}
		if !current.Status.Terminal() {
			c.terminate(ctx, current, status, msg)
		}
		unlock()
	}
	return nil
}

func (c *Coordinator) advance(ctx context.Context, wf *PaymentWorkflow, status Status, step string) {
	wf.Status = status
	wf.CurrentStep = step
	wf.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateWorkflow(ctx, wf); err != nil {
		c.logger.Error("persist workflow step", "workflow_id", wf.ID, "step", step, "err", err)
	}
	c.broadcaster.BroadcastWorkflowUpdate(wf.ID, string(status))
}

// fail marks the workflow failed while keeping current_step at the
// furthest object that exists and is non-terminal.
func (c *Coordinator) fail(ctx context.Context, wf *PaymentWorkflow, step string, cause error) {
	wf.ErrorMessage = fmt.Sprintf("%s failed: %v", step, cause)
	c.terminate(ctx, wf, StatusFailed, wf.ErrorMessage)
	metrics.WorkflowStepFailures.WithLabelValues(step).Inc()
}

func (c *Coordinator) terminate(ctx context.Context, wf *PaymentWorkflow, status Status, msg string) {
	now := time.Now().UTC()
	wf.Status = status
	wf.ErrorMessage = msg
	wf.UpdatedAt = now
	wf.CompletedAt = now
	if err := c.store.UpdateWorkflow(ctx, wf); err != nil {
		c.logger.Error("persist terminal workflow", "workflow_id", wf.ID, "status", status, "err", err)
	}
	if status == StatusFailed {
		metrics.WorkflowsFailed.Inc()
	}
	c.broadcaster.BroadcastWorkflowUpdate(wf.ID, string(status))
	c.publishWorkflowStatus(ctx, wf)
	c.logger.Warn("workflow terminated", "workflow_id", wf.ID, "status", status, "reason", msg)
}

func (c *Coordinator) lockWorkflowByPayment(ctx context.Context, paymentID string) (*PaymentWorkflow, func(), error) {
	wf, err := c.store.GetWorkflowByTransaction(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	unlock := c.lock(wf.ID)

	// Reload under the lock so concurrent webhook deliveries for the
	// same workflow observe each other's transitions.
	wf, err = c.store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return wf, unlock, nil
}

func (c *Coordinator) publishWorkflowStatus(ctx context.Context, wf *PaymentWorkflow) {
	evt := contracts.WorkflowStatusEvent{
		EventID:      uuid.New().String(),
		WorkflowID:   wf.ID,
		UserID:       wf.UserID,
		BusinessID:   wf.BusinessID,
		Status:       string(wf.Status),
		CurrentStep:  wf.CurrentStep,
		ErrorMessage: wf.ErrorMessage,
		OccurredAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		c.logger.Error("marshal workflow event", "workflow_id", wf.ID, "err", err)
		return
	}
	if err := c.sink.Publish(ctx, contracts.WorkflowStatusChanged, payload); err != nil {
		c.logger.Warn("publish workflow event", "workflow_id", wf.ID, "err", err)
	}
}

func (c *Coordinator) publishMandateRevoked(ctx context.Context, mandateID, reason string) {
	evt := contracts.MandateRevokedEvent{
		EventID:    uuid.New().String(),
		MandateID:  mandateID,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		c.logger.Error("marshal mandate event", "mandate_id", mandateID, "err", err)
		return
	}
	if err := c.sink.Publish(ctx, contracts.MandateRevoked, payload); err != nil {
		c.logger.Warn("publish mandate event", "mandate_id", mandateID, "err", err)
	}
}
