package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stephenbessey/BAIS-sub002/internal/mandate"
	"github.com/stephenbessey/BAIS-sub002/internal/workflow"
)

// Postgres is the durable store. It also serves as the event sink for
// the transactional outbox: events land in workflow_outbox and are
// drained by the messaging dispatcher.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, runs migrations and returns the store.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying connection pool for the outbox dispatcher.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Publish implements workflow.EventSink by appending to the outbox
// table inside the store's database.
func (s *Postgres) Publish(ctx context.Context, eventType string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_outbox (event_type, payload)
		VALUES ($1, $2)`,
		eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (s *Postgres) CreateIntent(ctx context.Context, m *mandate.IntentMandate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO intent_mandates
			(id, user_id, business_id, intent_description, max_amount, currency, status, status_reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.UserID, m.BusinessID, m.IntentDescription,
		m.Constraints.MaxAmount, m.Constraints.Currency,
		m.Status, m.StatusReason, m.CreatedAt, m.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert intent mandate: %w", err)
	}
	return nil
}

func (s *Postgres) GetIntent(ctx context.Context, id string) (*mandate.IntentMandate, error) {
	var m mandate.IntentMandate
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, business_id, intent_description, max_amount, currency, status, status_reason, created_at, expires_at
		FROM intent_mandates
		WHERE id = $1`, id,
	).Scan(&m.ID, &m.UserID, &m.BusinessID, &m.IntentDescription,
		&m.Constraints.MaxAmount, &m.Constraints.Currency,
		&m.Status, &m.StatusReason, &m.CreatedAt, &m.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mandate.ErrMandateNotFound
		}
		return nil, fmt.Errorf("select intent mandate: %w", err)
	}
	return &m, nil
}

func (s *Postgres) UpdateIntent(ctx context.Context, m *mandate.IntentMandate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE intent_mandates
		SET status = $2, status_reason = $3, expires_at = $4
		WHERE id = $1`,
		m.ID, m.Status, m.StatusReason, m.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("update intent mandate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mandate.ErrMandateNotFound
	}
	return nil
}

func (s *Postgres) ListIntentsByUser(ctx context.Context, userID string) ([]*mandate.IntentMandate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, business_id, intent_description, max_amount, currency, status, status_reason, created_at, expires_at
		FROM intent_mandates
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query intent mandates: %w", err)
	}
	defer rows.Close()

	var out []*mandate.IntentMandate
	for rows.Next() {
		var m mandate.IntentMandate
		if err := rows.Scan(&m.ID, &m.UserID, &m.BusinessID, &m.IntentDescription,
			&m.Constraints.MaxAmount, &m.Constraints.Currency,
			&m.Status, &m.StatusReason, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateCart(ctx context.Context, m *mandate.CartMandate) error {
	items, err := json.Marshal(m.CartItems)
	if err != nil {
		return fmt.Errorf("marshal cart items: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cart_mandates
			(id, intent_mandate_id, cart_items, pricing_validated, status, status_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.IntentMandateID, items, m.PricingValidated, m.Status, m.StatusReason, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cart mandate: %w", err)
	}
	return nil
}

func (s *Postgres) GetCart(ctx context.Context, id string) (*mandate.CartMandate, error) {
	var (
		m     mandate.CartMandate
		items []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, intent_mandate_id, cart_items, pricing_validated, status, status_reason, created_at
		FROM cart_mandates
		WHERE id = $1`, id,
	).Scan(&m.ID, &m.IntentMandateID, &items, &m.PricingValidated, &m.Status, &m.StatusReason, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mandate.ErrMandateNotFound
		}
		return nil, fmt.Errorf("select cart mandate: %w", err)
	}
	if err := json.Unmarshal(items, &m.CartItems); err != nil {
		return nil, fmt.Errorf("unmarshal cart items: %w", err)
	}
	return &m, nil
}

func (s *Postgres) UpdateCart(ctx context.Context, m *mandate.CartMandate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cart_mandates
		SET status = $2, status_reason = $3
		WHERE id = $1`,
		m.ID, m.Status, m.StatusReason,
	)
	if err != nil {
		return fmt.Errorf("update cart mandate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mandate.ErrMandateNotFound
	}
	return nil
}

func (s *Postgres) CreateWorkflow(ctx context.Context, w *workflow.PaymentWorkflow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_workflows
			(id, user_id, business_id, agent_id, status, current_step, intent_mandate_id, cart_mandate_id, transaction_id, created_at, updated_at, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.UserID, w.BusinessID, w.AgentID, w.Status, w.CurrentStep,
		nullable(w.IntentMandateID), nullable(w.CartMandateID), nullable(w.TransactionID),
		w.CreatedAt, w.UpdatedAt, nullableTime(w.CompletedAt), w.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*workflow.PaymentWorkflow, error) {
	return s.scanWorkflow(s.pool.QueryRow(ctx, `
		SELECT id, user_id, business_id, agent_id, status, current_step, intent_mandate_id, cart_mandate_id, transaction_id, created_at, updated_at, completed_at, error_message
		FROM payment_workflows
		WHERE id = $1`, id))
}

func (s *Postgres) GetWorkflowByTransaction(ctx context.Context, txID string) (*workflow.PaymentWorkflow, error) {
	return s.scanWorkflow(s.pool.QueryRow(ctx, `
		SELECT id, user_id, business_id, agent_id, status, current_step, intent_mandate_id, cart_mandate_id, transaction_id, created_at, updated_at, completed_at, error_message
		FROM payment_workflows
		WHERE transaction_id = $1`, txID))
}

func (s *Postgres) scanWorkflow(row pgx.Row) (*workflow.PaymentWorkflow, error) {
	var (
		w                      workflow.PaymentWorkflow
		intentID, cartID, txID *string
		completedAt            *time.Time
	)
	err := row.Scan(&w.ID, &w.UserID, &w.BusinessID, &w.AgentID, &w.Status, &w.CurrentStep,
		&intentID, &cartID, &txID, &w.CreatedAt, &w.UpdatedAt, &completedAt, &w.ErrorMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("select workflow: %w", err)
	}
	if intentID != nil {
		w.IntentMandateID = *intentID
	}
	if cartID != nil {
		w.CartMandateID = *cartID
	}
	if txID != nil {
		w.TransactionID = *txID
	}
	if completedAt != nil {
		w.CompletedAt = *completedAt
	}
	return &w, nil
}

func (s *Postgres) UpdateWorkflow(ctx context.Context, w *workflow.PaymentWorkflow) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_workflows
		SET status = $2, current_step = $3, intent_mandate_id = $4, cart_mandate_id = $5,
		    transaction_id = $6, updated_at = $7, completed_at = $8, error_message = $9
		WHERE id = $1`,
		w.ID, w.Status, w.CurrentStep,
		nullable(w.IntentMandateID), nullable(w.CartMandateID), nullable(w.TransactionID),
		w.UpdatedAt, nullableTime(w.CompletedAt), w.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrWorkflowNotFound
	}
	return nil
}

func (s *Postgres) ListWorkflowsByIntentMandate(ctx context.Context, mandateID string) ([]*workflow.PaymentWorkflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, business_id, agent_id, status, current_step, intent_mandate_id, cart_mandate_id, transaction_id, created_at, updated_at, completed_at, error_message
		FROM payment_workflows
		WHERE intent_mandate_id = $1
		ORDER BY created_at`, mandateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.PaymentWorkflow
	for rows.Next() {
		w, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateTransaction(ctx context.Context, t *workflow.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions
			(id, cart_mandate_id, payment_method_type, payment_method_ref, amount, currency, status, created_at, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.CartMandateID, t.PaymentMethod.Type, t.PaymentMethod.Reference,
		t.Amount, t.Currency, t.Status, t.CreatedAt, nullableTime(t.CompletedAt), t.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id string) (*workflow.Transaction, error) {
	var (
		t           workflow.Transaction
		completedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, cart_mandate_id, payment_method_type, payment_method_ref, amount, currency, status, created_at, completed_at, error_message
		FROM transactions
		WHERE id = $1`, id,
	).Scan(&t.ID, &t.CartMandateID, &t.PaymentMethod.Type, &t.PaymentMethod.Reference,
		&t.Amount, &t.Currency, &t.Status, &t.CreatedAt, &completedAt, &t.ErrorMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	if completedAt != nil {
		t.CompletedAt = *completedAt
	}
	return &t, nil
}

func (s *Postgres) UpdateTransaction(ctx context.Context, t *workflow.Transaction) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET status = $2, completed_at = $3, error_message = $4
		WHERE id = $1`,
		t.ID, t.Status, nullableTime(t.CompletedAt), t.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrTransactionNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
