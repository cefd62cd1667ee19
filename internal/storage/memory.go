// Package storage provides the injectable persistence implementations
// for mandates, workflows and transactions: an in-memory store (the
// default) and a PostgreSQL store.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/stephenbessey/BAIS-sub002/internal/mandate"
	"github.com/stephenbessey/BAIS-sub002/internal/workflow"
)

// Memory is a mutex-guarded in-process store. Values are copied on the
// way in and out so callers never share mutable state with the store.
type Memory struct {
	mu        sync.RWMutex
	intents   map[string]*mandate.IntentMandate
	carts     map[string]*mandate.CartMandate
	workflows map[string]*workflow.PaymentWorkflow
	txs       map[string]*workflow.Transaction
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		intents:   make(map[string]*mandate.IntentMandate),
		carts:     make(map[string]*mandate.CartMandate),
		workflows: make(map[string]*workflow.PaymentWorkflow),
		txs:       make(map[string]*workflow.Transaction),
	}
}

func copyIntent(m *mandate.IntentMandate) *mandate.IntentMandate {
	out := *m
	return &out
}

func copyCart(m *mandate.CartMandate) *mandate.CartMandate {
	out := *m
	out.CartItems = append([]mandate.CartItem(nil), m.CartItems...)
	return &out
}

func copyWorkflow(w *workflow.PaymentWorkflow) *workflow.PaymentWorkflow {
	out := *w
	return &out
}

func copyTx(t *workflow.Transaction) *workflow.Transaction {
	out := *t
	return &out
}

func (s *Memory) CreateIntent(_ context.Context, m *mandate.IntentMandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[m.ID] = copyIntent(m)
	return nil
}

func (s *Memory) GetIntent(_ context.Context, id string) (*mandate.IntentMandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.intents[id]
	if !ok {
		return nil, mandate.ErrMandateNotFound
	}
	return copyIntent(m), nil
}

func (s *Memory) UpdateIntent(_ context.Context, m *mandate.IntentMandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[m.ID]; !ok {
		return mandate.ErrMandateNotFound
	}
	s.intents[m.ID] = copyIntent(m)
	return nil
}

func (s *Memory) ListIntentsByUser(_ context.Context, userID string) ([]*mandate.IntentMandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*mandate.IntentMandate
	for _, m := range s.intents {
		if m.UserID == userID {
			out = append(out, copyIntent(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) CreateCart(_ context.Context, m *mandate.CartMandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[m.ID] = copyCart(m)
	return nil
}

func (s *Memory) GetCart(_ context.Context, id string) (*mandate.CartMandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.carts[id]
	if !ok {
		return nil, mandate.ErrMandateNotFound
	}
	return copyCart(m), nil
}

func (s *Memory) UpdateCart(_ context.Context, m *mandate.CartMandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.carts[m.ID]; !ok {
		return mandate.ErrMandateNotFound
	}
	s.carts[m.ID] = copyCart(m)
	return nil
}

func (s *Memory) CreateWorkflow(_ context.Context, w *workflow.PaymentWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (s *Memory) GetWorkflow(_ context.Context, id string) (*workflow.PaymentWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}
	return copyWorkflow(w), nil
}

func (s *Memory) UpdateWorkflow(_ context.Context, w *workflow.PaymentWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return workflow.ErrWorkflowNotFound
	}
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (s *Memory) GetWorkflowByTransaction(_ context.Context, txID string) (*workflow.PaymentWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workflows {
		if w.TransactionID == txID {
			return copyWorkflow(w), nil
		}
	}
	return nil, workflow.ErrWorkflowNotFound
}

func (s *Memory) ListWorkflowsByIntentMandate(_ context.Context, mandateID string) ([]*workflow.PaymentWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.PaymentWorkflow
	for _, w := range s.workflows {
		if w.IntentMandateID == mandateID {
			out = append(out, copyWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) CreateTransaction(_ context.Context, t *workflow.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[t.ID] = copyTx(t)
	return nil
}

func (s *Memory) GetTransaction(_ context.Context, id string) (*workflow.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, workflow.ErrTransactionNotFound
	}
	return copyTx(t), nil
}

func (s *Memory) UpdateTransaction(_ context.Context, t *workflow.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[t.ID]; !ok {
		return workflow.ErrTransactionNotFound
	}
	s.txs[t.ID] = copyTx(t)
	return nil
}
