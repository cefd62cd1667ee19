// Package httpapi exposes the engine's REST surface: mandate and
// workflow operations, the inbound webhook endpoint and circuit breaker
// administration.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stephenbessey/BAIS-sub002/internal/ap2"
	"github.com/stephenbessey/BAIS-sub002/internal/mandate"
	"github.com/stephenbessey/BAIS-sub002/internal/metrics"
	"github.com/stephenbessey/BAIS-sub002/internal/webhook"
	"github.com/stephenbessey/BAIS-sub002/internal/workflow"
	"github.com/stephenbessey/BAIS-sub002/pkg/circuitbreaker"
)

// NetworkRevoker propagates mandate revocations to the external
// network, best effort.
type NetworkRevoker interface {
	RevokeMandate(ctx context.Context, mandateID, reason string) error
}

// Server is the HTTP boundary. Domain errors are translated to status
// codes here; security and integration failures are logged in full and
// returned as generic messages.
type Server struct {
	mandates    *mandate.Service
	coordinator *workflow.Coordinator
	dispatcher  *webhook.Dispatcher
	breakers    *circuitbreaker.Registry
	network     NetworkRevoker
	logger      *slog.Logger
	mux         *http.ServeMux
}

// NewServer wires routes. network may be nil when no AP2 propagation is
// configured.
func NewServer(mandates *mandate.Service, coordinator *workflow.Coordinator, dispatcher *webhook.Dispatcher, breakers *circuitbreaker.Registry, network NetworkRevoker, logger *slog.Logger) *Server {
	s := &Server{
		mandates:    mandates,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		breakers:    breakers,
		network:     network,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /mandates/intent", s.createIntentMandate)
	s.mux.HandleFunc("POST /mandates/cart", s.createCartMandate)
	s.mux.HandleFunc("GET /mandates", s.listMandates)
	s.mux.HandleFunc("GET /mandates/{id}", s.getMandate)
	s.mux.HandleFunc("POST /mandates/{id}/revoke", s.revokeMandate)

	s.mux.HandleFunc("POST /transactions/workflows", s.initiateWorkflow)
	s.mux.HandleFunc("GET /transactions/workflows/{id}", s.getWorkflow)

	s.mux.HandleFunc("POST /webhooks/payment", s.dispatcher.HandleWebhook)

	s.mux.HandleFunc("GET /monitoring/circuit-breakers", s.listBreakers)
	s.mux.HandleFunc("POST /monitoring/circuit-breakers/reset-all", s.resetAllBreakers)
	s.mux.HandleFunc("POST /monitoring/circuit-breakers/{name}/reset", s.resetBreaker)

	s.mux.HandleFunc("GET /healthz", s.health)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HandleFunc registers an extra route, e.g. the websocket stream wired
// by the composition root.
func (s *Server) HandleFunc(pattern string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, fn)
}

func (s *Server) createIntentMandate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID            string              `json:"user_id"`
		BusinessID        string              `json:"business_id"`
		IntentDescription string              `json:"intent_description"`
		Constraints       mandate.Constraints `json:"constraints"`
		ExpiryHours       int                 `json:"expiry_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m, err := s.mandates.CreateIntentMandate(r.Context(), req.UserID, req.BusinessID, req.IntentDescription, req.Constraints, req.ExpiryHours)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	metrics.MandatesCreated.WithLabelValues(string(mandate.KindIntent)).Inc()
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) createCartMandate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntentMandateID   string             `json:"intent_mandate_id"`
		CartItems         []mandate.CartItem `json:"cart_items"`
		PricingValidation bool               `json:"pricing_validation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m, err := s.mandates.CreateCartMandate(r.Context(), req.IntentMandateID, req.CartItems, req.PricingValidation)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	metrics.MandatesCreated.WithLabelValues(string(mandate.KindCart)).Inc()
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listMandates(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id query parameter")
		return
	}

	mandates, err := s.mandates.ListIntentsByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("list mandates", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mandates": mandates})
}

func (s *Server) getMandate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m, kind, err := s.mandates.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, mandate.ErrMandateNotFound) {
			writeError(w, http.StatusNotFound, "mandate not found")
			return
		}
		s.logger.Error("get mandate", "mandate_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "mandate": m})
}

func (s *Server) revokeMandate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	existed, err := s.coordinator.RevokeMandate(r.Context(), id, req.Reason)
	if err != nil {
		s.logger.Error("revoke mandate", "mandate_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "mandate not found")
		return
	}

	if s.network != nil {
		if err := s.network.RevokeMandate(r.Context(), id, req.Reason); err != nil {
			// Local revocation already holds; network propagation is
			// best effort and reconciled out of band.
			s.logger.Warn("mandate revocation not propagated", "mandate_id", id, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true, "mandate_id": id})
}

func (s *Server) initiateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	wf, err := s.coordinator.Initiate(r.Context(), req)
	if err != nil {
		// A failed workflow is still a created artifact; return it so
		// callers can inspect which step failed.
		s.writeWorkflowError(w, wf, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wf, err := s.coordinator.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.logger.Error("get workflow", "workflow_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"circuit_breakers": s.breakers.Snapshots()})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "unknown circuit breaker")
		return
	}
	s.logger.Info("circuit breaker reset", "breaker", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "name": name})
}

func (s *Server) resetAllBreakers(w http.ResponseWriter, r *http.Request) {
	s.breakers.ResetAll()
	s.logger.Info("all circuit breakers reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps the error taxonomy to response codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		valErr     *mandate.ValidationError
		mandateErr *mandate.MandateValidationError
		openErr    *circuitbreaker.OpenError
		integErr   *ap2.IntegrationError
	)
	switch {
	case errors.As(err, &valErr):
		writeError(w, http.StatusBadRequest, valErr.Error())
	case errors.As(err, &mandateErr):
		writeError(w, http.StatusBadRequest, mandateErr.Error())
	case errors.As(err, &openErr):
		metrics.CircuitBreakerRejections.WithLabelValues(openErr.Name).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
		writeError(w, http.StatusServiceUnavailable, openErr.Error())
	case errors.As(err, &integErr):
		s.logger.Error("payment network failure", "err", err)
		writeError(w, http.StatusServiceUnavailable, "payment network unavailable")
	case errors.Is(err, mandate.ErrMandateNotFound):
		writeError(w, http.StatusNotFound, "mandate not found")
	default:
		s.logger.Error("unhandled error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeWorkflowError is writeDomainError with the failed workflow
// attached, for initiation failures that left artifacts behind.
func (s *Server) writeWorkflowError(w http.ResponseWriter, wf *workflow.PaymentWorkflow, err error) {
	var (
		valErr     *mandate.ValidationError
		mandateErr *mandate.MandateValidationError
		openErr    *circuitbreaker.OpenError
		integErr   *ap2.IntegrationError
	)

	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.As(err, &valErr):
		status, msg = http.StatusBadRequest, valErr.Error()
	case errors.As(err, &mandateErr):
		status, msg = http.StatusBadRequest, mandateErr.Error()
	case errors.As(err, &openErr):
		metrics.CircuitBreakerRejections.WithLabelValues(openErr.Name).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
		status, msg = http.StatusServiceUnavailable, openErr.Error()
	case errors.As(err, &integErr):
		s.logger.Error("payment network failure", "err", err)
		status, msg = http.StatusServiceUnavailable, "payment network unavailable"
	default:
		s.logger.Error("initiate workflow", "err", err)
	}

	body := map[string]any{"error": msg}
	if wf != nil {
		body["workflow"] = wf
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
