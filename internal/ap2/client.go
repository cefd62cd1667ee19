// Package ap2 is the HTTP client for the external AP2 payment network.
// Every outbound call runs behind a named circuit breaker and a bounded
// timeout; these are the only points where the engine blocks on I/O.
package ap2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stephenbessey/BAIS-sub002/internal/metrics"
	"github.com/stephenbessey/BAIS-sub002/internal/workflow"
	"github.com/stephenbessey/BAIS-sub002/pkg/circuitbreaker"
)

// Breaker names, one per AP2 dependency surface.
const (
	BreakerPaymentExecution  = "ap2_payment_execution"
	BreakerMandateOperations = "ap2_mandate_operations"
)

// IntegrationError wraps an unexpected failure talking to the network.
// Its message is logged in full; callers surface a generic message.
type IntegrationError struct {
	Op  string
	Err error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("ap2 %s: %v", e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// Client talks to the AP2 network.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breakers   *circuitbreaker.Registry
	logger     *slog.Logger
}

// NewClient creates a client with the given per-call timeout.
func NewClient(baseURL string, timeout time.Duration, breakers *circuitbreaker.Registry, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		breakers:   breakers,
		logger:     logger,
	}
}

// ExecuteTransaction asks the network to run a payment. The synchronous
// response only acknowledges acceptance; the authoritative outcome
// arrives later by webhook.
func (c *Client) ExecuteTransaction(ctx context.Context, req workflow.ExecutionRequest) (*workflow.ExecutionResult, error) {
	var result workflow.ExecutionResult

	err := c.breakers.Get(BreakerPaymentExecution).Execute(func() error {
		start := time.Now()
		defer func() {
			metrics.ExternalCallDuration.WithLabelValues("execute_transaction").Observe(time.Since(start).Seconds())
		}()
		return c.post(ctx, "/v1/payments/execute", req, &result)
	})
	if err != nil {
		return nil, err
	}

	if result.PaymentID == "" {
		result.PaymentID = req.PaymentID
	}
	return &result, nil
}

// RevokeMandate propagates a local revocation to the network, best
// effort from the caller's perspective.
func (c *Client) RevokeMandate(ctx context.Context, mandateID, reason string) error {
	body := map[string]string{"mandate_id": mandateID, "reason": reason}

	return c.breakers.Get(BreakerMandateOperations).Execute(func() error {
		start := time.Now()
		defer func() {
			metrics.ExternalCallDuration.WithLabelValues("revoke_mandate").Observe(time.Since(start).Seconds())
		}()
		return c.post(ctx, "/v1/mandates/revoke", body, nil)
	})
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &IntegrationError{Op: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return &IntegrationError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &IntegrationError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &IntegrationError{Op: path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("ap2 call failed",
			"path", path, "status", resp.StatusCode, "body", string(respBody))
		return &IntegrationError{Op: path, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &IntegrationError{Op: path, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
