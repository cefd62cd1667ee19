package mandate_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephenbessey/BAIS-sub002/internal/mandate"
	"github.com/stephenbessey/BAIS-sub002/internal/storage"
)

func newService(t *testing.T) (*mandate.Service, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	svc := mandate.NewService(store, nil, 24*time.Hour, slog.New(slog.DiscardHandler))
	return svc, store
}

func hotelConstraints() mandate.Constraints {
	return mandate.Constraints{MaxAmount: 500, Currency: "USD"}
}

func createHotelIntent(t *testing.T, svc *mandate.Service) *mandate.IntentMandate {
	t.Helper()
	m, err := svc.CreateIntentMandate(context.Background(),
		"user_1", "hotel_123", "book a room for the weekend", hotelConstraints(), 0)
	require.NoError(t, err)
	return m
}

func TestCreateIntentMandate(t *testing.T) {
	svc, _ := newService(t)

	m, err := svc.CreateIntentMandate(context.Background(),
		"user_1", "hotel_123", "book a room", mandate.Constraints{MaxAmount: 500, Currency: "usd"}, 48)
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, mandate.StatusActive, m.Status)
	assert.Equal(t, "USD", m.Constraints.Currency, "currency is normalized to upper case")
	assert.WithinDuration(t, time.Now().UTC().Add(48*time.Hour), m.ExpiresAt, time.Minute)
}

func TestCreateIntentMandateDefaultExpiry(t *testing.T) {
	svc, _ := newService(t)

	m := createHotelIntent(t, svc)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), m.ExpiresAt, time.Minute)
}

func TestCreateIntentMandateValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name        string
		userID      string
		businessID  string
		description string
		constraints mandate.Constraints
		expiryHours int
	}{
		{"empty user", "", "hotel_123", "book", hotelConstraints(), 0},
		{"empty business", "user_1", "", "book", hotelConstraints(), 0},
		{"empty description", "user_1", "hotel_123", "  ", hotelConstraints(), 0},
		{"zero max amount", "user_1", "hotel_123", "book", mandate.Constraints{MaxAmount: 0, Currency: "USD"}, 0},
		{"negative max amount", "user_1", "hotel_123", "book", mandate.Constraints{MaxAmount: -5, Currency: "USD"}, 0},
		{"bad currency", "user_1", "hotel_123", "book", mandate.Constraints{MaxAmount: 10, Currency: "DOLLARS"}, 0},
		{"negative expiry", "user_1", "hotel_123", "book", hotelConstraints(), -1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateIntentMandate(ctx, tc.userID, tc.businessID, tc.description, tc.constraints, tc.expiryHours)
			var valErr *mandate.ValidationError
			assert.ErrorAs(t, err, &valErr)
		})
	}
}

func TestCreateCartMandateWithinCap(t *testing.T) {
	svc, _ := newService(t)
	intent := createHotelIntent(t, svc)

	cart, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room_deluxe", Name: "Deluxe Room", UnitPrice: 299, Quantity: 1, Currency: "USD"},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, intent.ID, cart.IntentMandateID)
	assert.Equal(t, mandate.StatusActive, cart.Status)
	assert.True(t, cart.PricingValidated)
	assert.InDelta(t, 299, cart.Total(), 1e-9)
}

func TestCreateCartMandateExceedsCap(t *testing.T) {
	svc, store := newService(t)
	intent := createHotelIntent(t, svc)

	_, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "suite", Name: "Presidential Suite", UnitPrice: 600, Quantity: 1, Currency: "USD"},
	}, false)

	var mvErr *mandate.MandateValidationError
	require.ErrorAs(t, err, &mvErr)
	assert.Equal(t, intent.ID, mvErr.MandateID)

	// Nothing was persisted and the intent is untouched.
	got, err := store.GetIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusActive, got.Status)
}

func TestCreateCartMandateExactCapAllowed(t *testing.T) {
	svc, _ := newService(t)
	intent := createHotelIntent(t, svc)

	_, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 250, Quantity: 2, Currency: "USD"},
	}, false)
	assert.NoError(t, err, "total equal to max_amount is allowed")
}

func TestCreateCartMandateCurrencyMismatch(t *testing.T) {
	svc, _ := newService(t)
	intent := createHotelIntent(t, svc)

	_, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 100, Quantity: 1, Currency: "EUR"},
	}, false)

	var mvErr *mandate.MandateValidationError
	assert.ErrorAs(t, err, &mvErr)
}

func TestCreateCartMandateUnknownIntent(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.CreateCartMandate(context.Background(), "missing", []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 100, Quantity: 1, Currency: "USD"},
	}, false)

	var mvErr *mandate.MandateValidationError
	assert.ErrorAs(t, err, &mvErr)
}

func TestCreateCartMandateRevokedIntent(t *testing.T) {
	svc, _ := newService(t)
	intent := createHotelIntent(t, svc)

	existed, err := svc.Revoke(context.Background(), intent.ID, "user changed their mind")
	require.NoError(t, err)
	require.True(t, existed)

	_, err = svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 100, Quantity: 1, Currency: "USD"},
	}, false)

	var mvErr *mandate.MandateValidationError
	require.ErrorAs(t, err, &mvErr)
	assert.Contains(t, mvErr.Error(), "revoked")
}

func TestCreateCartMandateExpiredIntent(t *testing.T) {
	svc, store := newService(t)
	intent := createHotelIntent(t, svc)

	// Push the expiry into the past directly in the store.
	intent.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.UpdateIntent(context.Background(), intent))

	_, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 100, Quantity: 1, Currency: "USD"},
	}, false)

	var mvErr *mandate.MandateValidationError
	require.ErrorAs(t, err, &mvErr)

	// The lazy expiry flip was persisted.
	got, err := store.GetIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusExpired, got.Status)
}

type rejectPricing struct{}

func (rejectPricing) ValidatePricing(context.Context, string, []mandate.CartItem) error {
	return errors.New("price drift on room_deluxe")
}

func TestCreateCartMandatePricingRejected(t *testing.T) {
	store := storage.NewMemory()
	svc := mandate.NewService(store, rejectPricing{}, 24*time.Hour, slog.New(slog.DiscardHandler))
	intent, err := svc.CreateIntentMandate(context.Background(),
		"user_1", "hotel_123", "book a room", hotelConstraints(), 0)
	require.NoError(t, err)

	items := []mandate.CartItem{{ServiceID: "room_deluxe", Name: "Deluxe", UnitPrice: 299, Quantity: 1, Currency: "USD"}}

	_, err = svc.CreateCartMandate(context.Background(), intent.ID, items, true)
	var mvErr *mandate.MandateValidationError
	assert.ErrorAs(t, err, &mvErr)

	// With validation off, the oracle is not consulted.
	_, err = svc.CreateCartMandate(context.Background(), intent.ID, items, false)
	assert.NoError(t, err)
}

func TestRevokeIdempotent(t *testing.T) {
	svc, store := newService(t)
	intent := createHotelIntent(t, svc)

	existed, err := svc.Revoke(context.Background(), intent.ID, "first")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = svc.Revoke(context.Background(), intent.ID, "second")
	require.NoError(t, err)
	assert.True(t, existed)

	got, err := store.GetIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusRevoked, got.Status)
	assert.Equal(t, "first", got.StatusReason, "second revoke must not overwrite the reason")
}

func TestRevokeUnknownMandate(t *testing.T) {
	svc, _ := newService(t)

	existed, err := svc.Revoke(context.Background(), "missing", "whatever")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRevokeCartMandate(t *testing.T) {
	svc, _ := newService(t)
	intent := createHotelIntent(t, svc)
	cart, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 100, Quantity: 1, Currency: "USD"},
	}, false)
	require.NoError(t, err)

	existed, err := svc.Revoke(context.Background(), cart.ID, "cancelled")
	require.NoError(t, err)
	assert.True(t, existed)

	got, err := svc.GetCart(context.Background(), cart.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusRevoked, got.Status)
}

func TestConsumeCart(t *testing.T) {
	svc, _ := newService(t)
	intent := createHotelIntent(t, svc)
	cart, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 100, Quantity: 1, Currency: "USD"},
	}, false)
	require.NoError(t, err)

	require.NoError(t, svc.ConsumeCart(context.Background(), cart.ID))
	require.NoError(t, svc.ConsumeCart(context.Background(), cart.ID), "consuming twice is a no-op")

	got, err := svc.GetCart(context.Background(), cart.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusConsumed, got.Status)
}

func TestConsumeRevokedCartFails(t *testing.T) {
	svc, _ := newService(t)
	intent := createHotelIntent(t, svc)
	cart, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 100, Quantity: 1, Currency: "USD"},
	}, false)
	require.NoError(t, err)

	_, err = svc.Revoke(context.Background(), cart.ID, "cancelled")
	require.NoError(t, err)

	err = svc.ConsumeCart(context.Background(), cart.ID)
	var mvErr *mandate.MandateValidationError
	assert.ErrorAs(t, err, &mvErr)
}

func TestGetAcrossKinds(t *testing.T) {
	svc, _ := newService(t)
	intent := createHotelIntent(t, svc)
	cart, err := svc.CreateCartMandate(context.Background(), intent.ID, []mandate.CartItem{
		{ServiceID: "room", Name: "Room", UnitPrice: 100, Quantity: 1, Currency: "USD"},
	}, false)
	require.NoError(t, err)

	got, kind, err := svc.Get(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.KindIntent, kind)
	assert.Equal(t, intent.ID, got.(*mandate.IntentMandate).ID)

	got, kind, err = svc.Get(context.Background(), cart.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.KindCart, kind)
	assert.Equal(t, cart.ID, got.(*mandate.CartMandate).ID)

	_, _, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, mandate.ErrMandateNotFound)
}

func TestListIntentsByUser(t *testing.T) {
	svc, _ := newService(t)
	createHotelIntent(t, svc)
	createHotelIntent(t, svc)

	other, err := svc.CreateIntentMandate(context.Background(),
		"user_2", "hotel_123", "another booking", hotelConstraints(), 0)
	require.NoError(t, err)

	list, err := svc.ListIntentsByUser(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, m := range list {
		assert.NotEqual(t, other.ID, m.ID)
	}
}
