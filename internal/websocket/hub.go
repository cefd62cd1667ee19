// Package websocket streams live workflow status updates to attached
// clients, one subscription set per workflow id.
package websocket

import (
	"context"
	"encoding/json"
)

// WorkflowUpdate is the message pushed to subscribers on every status
// change.
type WorkflowUpdate struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// Client is one attached websocket subscriber.
type Client struct {
	hub        *Hub
	conn       *Conn
	send       chan []byte
	workflowID string
}

// Hub routes workflow updates to the clients subscribed to each
// workflow. All bookkeeping happens on the Run goroutine.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan WorkflowUpdate
	clients    map[string]map[*Client]bool
}

// NewHub creates an idle hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan WorkflowUpdate),
		clients:    make(map[string]map[*Client]bool),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.workflowID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.workflowID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			if set, ok := h.clients[c.workflowID]; ok {
				if _, exists := set[c]; exists {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.workflowID)
				}
			}
		case upd := <-h.broadcast:
			msg, _ := json.Marshal(upd)
			if set, ok := h.clients[upd.WorkflowID]; ok {
				for c := range set {
					select {
					case c.send <- msg:
					default:
						delete(set, c)
						close(c.send)
					}
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			return
		}
	}
}

// BroadcastWorkflowUpdate implements workflow.StatusBroadcaster. The
// send is decoupled from the caller so a coordinator transition never
// blocks on slow subscribers.
func (h *Hub) BroadcastWorkflowUpdate(workflowID, status string) {
	go func() {
		h.broadcast <- WorkflowUpdate{WorkflowID: workflowID, Status: status}
	}()
}
