package mandate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// amountEpsilon absorbs binary-representation noise when comparing
// decimal currency amounts held as float64.
const amountEpsilon = 1e-6

// Store is the persistence abstraction for mandates. Implementations
// must be safe for concurrent use; the service serializes mutations per
// mandate id on top of it.
type Store interface {
	CreateIntent(ctx context.Context, m *IntentMandate) error
	GetIntent(ctx context.Context, id string) (*IntentMandate, error)
	UpdateIntent(ctx context.Context, m *IntentMandate) error
	ListIntentsByUser(ctx context.Context, userID string) ([]*IntentMandate, error)

	CreateCart(ctx context.Context, m *CartMandate) error
	GetCart(ctx context.Context, id string) (*CartMandate, error)
	UpdateCart(ctx context.Context, m *CartMandate) error
}

// PricingOracle confirms cart line prices against an external source of
// truth before a cart mandate is accepted.
type PricingOracle interface {
	ValidatePricing(ctx context.Context, businessID string, items []CartItem) error
}

// AcceptAllPricing is the default oracle: every cart passes.
type AcceptAllPricing struct{}

func (AcceptAllPricing) ValidatePricing(context.Context, string, []CartItem) error { return nil }

// Service implements mandate creation, lookup and revocation.
type Service struct {
	store         Store
	oracle        PricingOracle
	defaultExpiry time.Duration
	logger        *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a mandate service. defaultExpiry applies when a
// caller does not supply an expiry window.
func NewService(store Store, oracle PricingOracle, defaultExpiry time.Duration, logger *slog.Logger) *Service {
	if oracle == nil {
		oracle = AcceptAllPricing{}
	}
	return &Service{
		store:         store,
		oracle:        oracle,
		defaultExpiry: defaultExpiry,
		logger:        logger,
		locks:         make(map[string]*sync.Mutex),
	}
}

// lock serializes mutations touching the given mandate id.
func (s *Service) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateIntentMandate validates constraints and stores a new active
// intent mandate. It never contacts the external network.
func (s *Service) CreateIntentMandate(ctx context.Context, userID, businessID, description string, c Constraints, expiryHours int) (*IntentMandate, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return nil, &ValidationError{Field: "user_id", Msg: "must not be empty"}
	case strings.TrimSpace(businessID) == "":
		return nil, &ValidationError{Field: "business_id", Msg: "must not be empty"}
	case strings.TrimSpace(description) == "":
		return nil, &ValidationError{Field: "intent_description", Msg: "must not be empty"}
	case c.MaxAmount <= 0:
		return nil, &ValidationError{Field: "constraints.max_amount", Msg: "must be positive"}
	case len(c.Currency) != 3:
		return nil, &ValidationError{Field: "constraints.currency", Msg: "must be a 3-letter code"}
	case expiryHours < 0:
		return nil, &ValidationError{Field: "expiry_hours", Msg: "must not be negative"}
	}

	expiry := s.defaultExpiry
	if expiryHours > 0 {
		expiry = time.Duration(expiryHours) * time.Hour
	}

	now := time.Now().UTC()
	m := &IntentMandate{
		ID:                uuid.New().String(),
		UserID:            userID,
		BusinessID:        businessID,
		IntentDescription: description,
		Constraints: Constraints{
			MaxAmount: c.MaxAmount,
			Currency:  strings.ToUpper(c.Currency),
		},
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
	}

	if err := s.store.CreateIntent(ctx, m); err != nil {
		return nil, fmt.Errorf("create intent mandate: %w", err)
	}

	s.logger.Info("intent mandate created",
		"mandate_id", m.ID, "user_id", userID, "business_id", businessID,
		"max_amount", c.MaxAmount, "currency", m.Constraints.Currency)
	return m, nil
}

// CreateCartMandate derives a priced cart from an active intent mandate.
// The cart total must not exceed the intent's max_amount in the same
// currency; violations fail with a MandateValidationError and nothing is
// persisted.
func (s *Service) CreateCartMandate(ctx context.Context, intentMandateID string, items []CartItem, validatePricing bool) (*CartMandate, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Field: "cart_items", Msg: "must not be empty"}
	}

	unlock := s.lock(intentMandateID)
	defer unlock()

	intent, err := s.store.GetIntent(ctx, intentMandateID)
	if err != nil {
		if errors.Is(err, ErrMandateNotFound) {
			return nil, &MandateValidationError{MandateID: intentMandateID, Msg: "intent mandate not found"}
		}
		return nil, fmt.Errorf("load intent mandate: %w", err)
	}

	if intent.Status == StatusActive && intent.ExpiredAt(time.Now().UTC()) {
		intent.Status = StatusExpired
		if err := s.store.UpdateIntent(ctx, intent); err != nil {
			return nil, fmt.Errorf("expire intent mandate: %w", err)
		}
	}
	if intent.Status != StatusActive {
		return nil, &MandateValidationError{MandateID: intentMandateID, Msg: fmt.Sprintf("intent mandate is %s", intent.Status)}
	}

	var total float64
	for i, item := range items {
		switch {
		case item.Quantity <= 0:
			return nil, &ValidationError{Field: fmt.Sprintf("cart_items[%d].quantity", i), Msg: "must be positive"}
		case item.UnitPrice < 0:
			return nil, &ValidationError{Field: fmt.Sprintf("cart_items[%d].unit_price", i), Msg: "must not be negative"}
		case strings.ToUpper(item.Currency) != intent.Constraints.Currency:
			return nil, &MandateValidationError{
				MandateID: intentMandateID,
				Msg:       fmt.Sprintf("item currency %s does not match intent currency %s", item.Currency, intent.Constraints.Currency),
			}
		}
		total += item.UnitPrice * float64(item.Quantity)
	}

	if total > intent.Constraints.MaxAmount+amountEpsilon {
		return nil, &MandateValidationError{
			MandateID: intentMandateID,
			Msg:       fmt.Sprintf("cart total %.2f exceeds intent max amount %.2f %s", total, intent.Constraints.MaxAmount, intent.Constraints.Currency),
		}
	}

	if validatePricing {
		if err := s.oracle.ValidatePricing(ctx, intent.BusinessID, items); err != nil {
			return nil, &MandateValidationError{MandateID: intentMandateID, Msg: fmt.Sprintf("pricing validation failed: %v", err)}
		}
	}

	m := &CartMandate{
		ID:               uuid.New().String(),
		IntentMandateID:  intentMandateID,
		CartItems:        items,
		PricingValidated: validatePricing,
		Status:           StatusActive,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.store.CreateCart(ctx, m); err != nil {
		return nil, fmt.Errorf("create cart mandate: %w", err)
	}

	s.logger.Info("cart mandate created",
		"mandate_id", m.ID, "intent_mandate_id", intentMandateID,
		"total", total, "items", len(items))
	return m, nil
}

// Revoke transitions a mandate of either kind to revoked. It is
// idempotent: revoking an already-terminal mandate is a no-op success.
// It reports whether the mandate exists at all.
func (s *Service) Revoke(ctx context.Context, mandateID, reason string) (bool, error) {
	unlock := s.lock(mandateID)
	defer unlock()

	intent, err := s.store.GetIntent(ctx, mandateID)
	switch {
	case err == nil:
		if intent.Status.Terminal() {
			return true, nil
		}
		intent.Status = StatusRevoked
		intent.StatusReason = reason
		if err := s.store.UpdateIntent(ctx, intent); err != nil {
			return false, fmt.Errorf("revoke intent mandate: %w", err)
		}
		s.logger.Info("intent mandate revoked", "mandate_id", mandateID, "reason", reason)
		return true, nil
	case !errors.Is(err, ErrMandateNotFound):
		return false, fmt.Errorf("load intent mandate: %w", err)
	}

	cart, err := s.store.GetCart(ctx, mandateID)
	switch {
	case err == nil:
		if cart.Status.Terminal() {
			return true, nil
		}
		cart.Status = StatusRevoked
		cart.StatusReason = reason
		if err := s.store.UpdateCart(ctx, cart); err != nil {
			return false, fmt.Errorf("revoke cart mandate: %w", err)
		}
		s.logger.Info("cart mandate revoked", "mandate_id", mandateID, "reason", reason)
		return true, nil
	case !errors.Is(err, ErrMandateNotFound):
		return false, fmt.Errorf("load cart mandate: %w", err)
	}

	return false, nil
}

// ExpireIntent transitions an intent mandate to expired. Idempotent on
// terminal mandates.
func (s *Service) ExpireIntent(ctx context.Context, mandateID string) (bool, error) {
	unlock := s.lock(mandateID)
	defer unlock()

	intent, err := s.store.GetIntent(ctx, mandateID)
	if err != nil {
		if errors.Is(err, ErrMandateNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load intent mandate: %w", err)
	}
	if intent.Status.Terminal() {
		return true, nil
	}

	intent.Status = StatusExpired
	if err := s.store.UpdateIntent(ctx, intent); err != nil {
		return false, fmt.Errorf("expire intent mandate: %w", err)
	}
	s.logger.Info("intent mandate expired", "mandate_id", mandateID)
	return true, nil
}

// ConsumeCart marks a cart mandate consumed after the transaction built
// from it completed. Consuming an already-consumed cart is a no-op.
func (s *Service) ConsumeCart(ctx context.Context, cartMandateID string) error {
	unlock := s.lock(cartMandateID)
	defer unlock()

	cart, err := s.store.GetCart(ctx, cartMandateID)
	if err != nil {
		return fmt.Errorf("load cart mandate: %w", err)
	}
	if cart.Status == StatusConsumed {
		return nil
	}
	if cart.Status.Terminal() {
		return &MandateValidationError{MandateID: cartMandateID, Msg: fmt.Sprintf("cannot consume %s cart mandate", cart.Status)}
	}

	cart.Status = StatusConsumed
	if err := s.store.UpdateCart(ctx, cart); err != nil {
		return fmt.Errorf("consume cart mandate: %w", err)
	}
	return nil
}

// GetIntent returns the intent mandate with the given id.
func (s *Service) GetIntent(ctx context.Context, id string) (*IntentMandate, error) {
	return s.store.GetIntent(ctx, id)
}

// GetCart returns the cart mandate with the given id.
func (s *Service) GetCart(ctx context.Context, id string) (*CartMandate, error) {
	return s.store.GetCart(ctx, id)
}

// Get looks a mandate up by id across both kinds. The second return
// value names the kind found.
func (s *Service) Get(ctx context.Context, id string) (any, Kind, error) {
	intent, err := s.store.GetIntent(ctx, id)
	if err == nil {
		return intent, KindIntent, nil
	}
	if !errors.Is(err, ErrMandateNotFound) {
		return nil, "", err
	}

	cart, err := s.store.GetCart(ctx, id)
	if err == nil {
		return cart, KindCart, nil
	}
	return nil, "", err
}

// ListIntentsByUser returns all intent mandates a user has granted.
func (s *Service) ListIntentsByUser(ctx context.Context, userID string) ([]*IntentMandate, error) {
	return s.store.ListIntentsByUser(ctx, userID)
}
