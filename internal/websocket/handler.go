package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gw "github.com/gorilla/websocket"

	"github.com/stephenbessey/BAIS-sub002/internal/workflow"
)

// Conn aliases the gorilla connection type.
type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WorkflowReader is the lookup the handler needs before attaching a
// subscriber.
type WorkflowReader interface {
	GetStatus(ctx context.Context, workflowID string) (*workflow.PaymentWorkflow, error)
}

// Handler upgrades status-stream requests and attaches them to the hub.
type Handler struct {
	hub         *Hub
	workflows   WorkflowReader
	maxDuration time.Duration
	logger      *slog.Logger
}

// NewHandler creates a streaming handler. maxDuration caps how long one
// stream may stay open.
func NewHandler(hub *Hub, workflows WorkflowReader, maxDuration time.Duration, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, workflows: workflows, maxDuration: maxDuration, logger: logger}
}

// ServeWS handles GET /transactions/workflows/{workflowID}/ws.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")

	wf, err := h.workflows.GetStatus(r.Context(), workflowID)
	if err != nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:        h.hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		workflowID: workflowID,
	}

	client.hub.register <- client
	go client.writePump(h.maxDuration)
	go client.readPump()

	// Seed the stream with the current status so subscribers never
	// start blind.
	upd := WorkflowUpdate{WorkflowID: workflowID, Status: string(wf.Status)}
	if b, err := json.Marshal(upd); err == nil {
		select {
		case client.send <- b:
		case <-time.After(1 * time.Second):
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(maxDuration time.Duration) {
	deadline := time.NewTimer(maxDuration)
	defer deadline.Stop()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
				return
			}
		case <-deadline.C:
			_ = c.conn.WriteControl(gw.CloseMessage,
				gw.FormatCloseMessage(gw.CloseNormalClosure, "stream duration limit reached"),
				time.Now().Add(time.Second))
			return
		}
	}
}
