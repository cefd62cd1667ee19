package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephenbessey/BAIS-sub002/pkg/circuitbreaker"
)

const (
	testSecret = "topsecret"
	testHeader = "X-Webhook-Signature"
)

type stubHandler struct {
	calls []string
	err   error
}

func (h *stubHandler) record(call string) error {
	h.calls = append(h.calls, call)
	return h.err
}

func (h *stubHandler) OnPaymentAuthorized(_ context.Context, paymentID string) error {
	return h.record("authorized:" + paymentID)
}

func (h *stubHandler) OnPaymentCompleted(_ context.Context, paymentID string) error {
	return h.record("completed:" + paymentID)
}

func (h *stubHandler) OnPaymentFailed(_ context.Context, paymentID, reason string) error {
	return h.record(fmt.Sprintf("failed:%s:%s", paymentID, reason))
}

func (h *stubHandler) OnPaymentDeclined(_ context.Context, paymentID, reason string) error {
	return h.record(fmt.Sprintf("declined:%s:%s", paymentID, reason))
}

func (h *stubHandler) OnMandateRevoked(_ context.Context, mandateID, reason string) error {
	return h.record(fmt.Sprintf("revoked:%s:%s", mandateID, reason))
}

func (h *stubHandler) OnMandateExpired(_ context.Context, mandateID string) error {
	return h.record("expired:" + mandateID)
}

func newTestDispatcher(t *testing.T, handler WorkflowHandler) *Dispatcher {
	t.Helper()
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)
	guard := NewReplayGuard(5*time.Minute, 1000)
	logger := slog.New(slog.DiscardHandler)
	return NewDispatcher(v, guard, handler, testHeader, logger)
}

func paymentEventBody(t *testing.T, eventType, paymentID string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"event_type":  eventType,
		"payment_id":  paymentID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"business_id": "hotel_123",
		"status":      eventType,
		"amount":      299.0,
		"currency":    "USD",
	})
	require.NoError(t, err)
	return b
}

func deliver(d *Dispatcher, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(testHeader, signature)
	}
	rec := httptest.NewRecorder()
	d.HandleWebhook(rec, req)
	return rec
}

func TestHandleWebhookProcessesValidEvent(t *testing.T) {
	h := &stubHandler{}
	d := newTestDispatcher(t, h)

	body := paymentEventBody(t, "payment_completed", "pay_1")
	rec := deliver(d, body, sign(testSecret, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"completed:pay_1"}, h.calls)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "processed", resp["status"])
	assert.Equal(t, "pay_1", resp["event_id"])
}

func TestHandleWebhookRejectsMissingSignature(t *testing.T) {
	h := &stubHandler{}
	d := newTestDispatcher(t, h)

	rec := deliver(d, paymentEventBody(t, "payment_completed", "pay_1"), "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.calls)
}

func TestHandleWebhookRejectsInvalidSignature(t *testing.T) {
	h := &stubHandler{}
	d := newTestDispatcher(t, h)

	body := paymentEventBody(t, "payment_completed", "pay_1")
	tampered := paymentEventBody(t, "payment_completed", "pay_other")
	rec := deliver(d, body, sign(testSecret, tampered))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.calls)
}

func TestHandleWebhookRejectsReplay(t *testing.T) {
	h := &stubHandler{}
	d := newTestDispatcher(t, h)

	body := paymentEventBody(t, "payment_completed", "pay_1")
	sig := sign(testSecret, body)

	require.Equal(t, http.StatusOK, deliver(d, body, sig).Code)
	rec := deliver(d, body, sig)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, h.calls, 1, "duplicate must not reach the handler")
}

func TestHandleWebhookRejectsUnknownEventType(t *testing.T) {
	h := &stubHandler{}
	d := newTestDispatcher(t, h)

	body := []byte(`{"event_type":"payment_exploded","payment_id":"pay_1","timestamp":"2026-08-28T10:00:00Z","amount":1,"currency":"USD"}`)
	rec := deliver(d, body, sign(testSecret, body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.calls)
}

func TestHandleWebhookRejectsMissingFields(t *testing.T) {
	h := &stubHandler{}
	d := newTestDispatcher(t, h)

	cases := map[string]map[string]any{
		"payment without payment_id": {
			"event_type": "payment_completed",
			"timestamp":  "2026-08-28T10:00:00Z",
			"amount":     10.0,
			"currency":   "USD",
		},
		"payment without amount": {
			"event_type": "payment_completed",
			"payment_id": "pay_1",
			"timestamp":  "2026-08-28T10:00:00Z",
			"currency":   "USD",
		},
		"mandate without mandate_id": {
			"event_type": "mandate_revoked",
			"timestamp":  "2026-08-28T10:00:00Z",
		},
		"bad timestamp": {
			"event_type": "payment_completed",
			"payment_id": "pay_1",
			"timestamp":  "yesterday",
			"amount":     10.0,
			"currency":   "USD",
		},
	}

	for name, payload := range cases {
		body, err := json.Marshal(payload)
		require.NoError(t, err)
		rec := deliver(d, body, sign(testSecret, body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Empty(t, h.calls)
}

func TestHandleWebhookHandlerFailure(t *testing.T) {
	h := &stubHandler{err: errors.New("storage down")}
	d := newTestDispatcher(t, h)

	body := paymentEventBody(t, "payment_completed", "pay_1")
	sig := sign(testSecret, body)
	rec := deliver(d, body, sig)

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// The reservation was released, so the sender's retry is accepted.
	h.err = nil
	assert.Equal(t, http.StatusOK, deliver(d, body, sig).Code)
}

func TestHandleWebhookCircuitOpen(t *testing.T) {
	h := &stubHandler{err: &circuitbreaker.OpenError{Name: "ap2_payment_execution", RetryAfter: 42 * time.Second}}
	d := newTestDispatcher(t, h)

	body := paymentEventBody(t, "payment_completed", "pay_1")
	rec := deliver(d, body, sign(testSecret, body))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "43", rec.Header().Get("Retry-After"))
}

func TestHandleWebhookMandateEvents(t *testing.T) {
	h := &stubHandler{}
	d := newTestDispatcher(t, h)

	body, err := json.Marshal(map[string]any{
		"event_type": "mandate_revoked",
		"mandate_id": "mandate_1",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"metadata":   map[string]any{"reason": "user request"},
	})
	require.NoError(t, err)

	rec := deliver(d, body, sign(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"revoked:mandate_1:user request"}, h.calls)
}
