package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stephenbessey/BAIS-sub002/internal/metrics"
	"github.com/stephenbessey/BAIS-sub002/pkg/circuitbreaker"
)

// WorkflowHandler is the coordinator surface the dispatcher routes
// events to.
type WorkflowHandler interface {
	OnPaymentAuthorized(ctx context.Context, paymentID string) error
	OnPaymentCompleted(ctx context.Context, paymentID string) error
	OnPaymentFailed(ctx context.Context, paymentID, reason string) error
	OnPaymentDeclined(ctx context.Context, paymentID, reason string) error
	OnMandateRevoked(ctx context.Context, mandateID, reason string) error
	OnMandateExpired(ctx context.Context, mandateID string) error
}

// maxBodyBytes caps inbound webhook bodies.
const maxBodyBytes = 1 << 20

// Dispatcher is the inbound webhook pipeline: signature check, replay
// check, schema validation, then dispatch by event type.
type Dispatcher struct {
	verifier        *Verifier
	guard           *ReplayGuard
	handler         WorkflowHandler
	signatureHeader string
	logger          *slog.Logger
}

// NewDispatcher wires the pipeline. signatureHeader names the HTTP
// header carrying the hex HMAC.
func NewDispatcher(verifier *Verifier, guard *ReplayGuard, handler WorkflowHandler, signatureHeader string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		verifier:        verifier,
		guard:           guard,
		handler:         handler,
		signatureHeader: signatureHeader,
		logger:          logger,
	}
}

// HandleWebhook processes one delivery.
//
//	401 missing/invalid signature
//	409 replay detected
//	400 schema violation
//	503 payment dependency circuit open
//	500 handler fault after the delivery was accepted
//	200 processed
func (d *Dispatcher) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhookEventsRejected.WithLabelValues("body_read").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read request body"})
		return
	}

	signature := r.Header.Get(d.signatureHeader)
	if !d.verifier.Verify(body, signature) {
		metrics.WebhookEventsRejected.WithLabelValues("invalid_signature").Inc()
		d.logger.Warn("webhook rejected: signature verification failed", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		metrics.WebhookEventsRejected.WithLabelValues("validation").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	key := DedupKey(ev.PaymentID, ev.Type, ev.Timestamp, signature)
	if !d.guard.Reserve(key) {
		metrics.WebhookEventsRejected.WithLabelValues("replay").Inc()
		d.logger.Warn("webhook rejected: replay detected", "event_type", ev.Type, "entity_id", ev.EntityID())
		writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate delivery"})
		return
	}

	metrics.WebhookEventsReceived.WithLabelValues(string(ev.Type)).Inc()

	if err := d.dispatch(r.Context(), ev); err != nil {
		// The reservation is dropped so the network's retry is not
		// mistaken for a replay.
		d.guard.Release(key)
		metrics.WebhookHandlerErrors.WithLabelValues(string(ev.Type)).Inc()

		var openErr *circuitbreaker.OpenError
		if errors.As(err, &openErr) {
			metrics.CircuitBreakerRejections.WithLabelValues(openErr.Name).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "payment dependency unavailable"})
			return
		}

		d.logger.Error("webhook processing failed",
			"event_type", ev.Type, "entity_id", ev.EntityID(), "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "processed",
		"event_id":  ev.EntityID(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case PaymentAuthorized:
		return d.handler.OnPaymentAuthorized(ctx, ev.PaymentID)
	case PaymentCompleted:
		return d.handler.OnPaymentCompleted(ctx, ev.PaymentID)
	case PaymentFailed:
		return d.handler.OnPaymentFailed(ctx, ev.PaymentID, ev.Reason())
	case PaymentDeclined:
		return d.handler.OnPaymentDeclined(ctx, ev.PaymentID, ev.Reason())
	case MandateRevoked:
		return d.handler.OnMandateRevoked(ctx, ev.MandateID, ev.Reason())
	case MandateExpired:
		return d.handler.OnMandateExpired(ctx, ev.MandateID)
	}
	// Unreachable: ParseEvent admits only the types above.
	return errors.New("unhandled event type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
