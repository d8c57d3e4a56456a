package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealweek/billing-engine/internal/events"
	"github.com/mealweek/billing-engine/internal/logger"
	"github.com/mealweek/billing-engine/internal/models"
)

type mockStore struct {
	orders       map[string]*models.Order
	users        map[string]*models.User
	usersBySub   map[string]*models.User
	linkedTokens map[string]string
	linkResult   bool
	linkErr      error
	orderUpdates int
	userUpdates  int
}

func newMockStore() *mockStore {
	return &mockStore{
		orders:       make(map[string]*models.Order),
		users:        make(map[string]*models.User),
		usersBySub:   make(map[string]*models.User),
		linkedTokens: make(map[string]string),
		linkResult:   true,
	}
}

func (m *mockStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	copy := *o
	return &copy, nil
}

func (m *mockStore) UpdateOrder(ctx context.Context, id string, fields map[string]interface{}) error {
	o, ok := m.orders[id]
	if !ok {
		return errors.New("order not found")
	}
	m.orderUpdates++
	for k, v := range fields {
		switch k {
		case "payment_status":
			o.PaymentStatus = v.(string)
		case "subscription_billing_status":
			o.SubscriptionBillingStatus = v.(string)
		case "subscription_billing_error":
			o.SubscriptionBillingError = v.(string)
		case "paymob_transaction_id":
			o.PaymobTransactionID = v.(string)
		}
	}
	return nil
}

func (m *mockStore) GetUserByPaymobSubscriptionID(ctx context.Context, subscriptionID string) (*models.User, error) {
	u, ok := m.usersBySub[subscriptionID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (m *mockStore) UpdateUser(ctx context.Context, id string, fields map[string]interface{}) error {
	u, ok := m.users[id]
	if !ok {
		return errors.New("user not found")
	}
	m.userUpdates++
	if status, ok := fields["subscription_status"].(string); ok {
		u.SubscriptionStatus = status
	}
	return nil
}

func (m *mockStore) LinkCardToken(ctx context.Context, email, token, maskedPan string) (bool, error) {
	if m.linkErr != nil {
		return false, m.linkErr
	}
	if m.linkResult {
		m.linkedTokens[email] = token
	}
	return m.linkResult, nil
}

type mockDedup struct {
	seen map[string]bool
	err  error
}

func newMockDedup() *mockDedup {
	return &mockDedup{seen: make(map[string]bool)}
}

func (m *mockDedup) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *mockDedup) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.seen, key)
	}
	return nil
}

func newTestHandler(store *mockStore, dedup Deduper) *Handler {
	return NewHandler(store, dedup, events.NewPublisher("", nil), logger.New("test"))
}

func unpaidOrder(id string) *models.Order {
	return &models.Order{
		ID:            id,
		UserID:        "user-1",
		OrderType:     models.OrderTypeSubscription,
		PaymentStatus: models.PaymentStatusUnpaid,
	}
}

func TestHandleTransactionSuccess(t *testing.T) {
	store := newMockStore()
	store.orders["order-1"] = unpaidOrder("order-1")
	h := newTestHandler(store, newMockDedup())

	err := h.HandleTransaction(context.Background(), &TransactionEvent{
		TransactionID: "txn-1",
		OrderID:       "order-1",
		Success:       true,
		AmountCents:   19900,
	})
	require.NoError(t, err)

	order := store.orders["order-1"]
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, models.BillingStatusSuccess, order.SubscriptionBillingStatus)
	assert.Equal(t, "txn-1", order.PaymobTransactionID)
}

func TestHandleTransactionDuplicateDeliveryIsDropped(t *testing.T) {
	store := newMockStore()
	store.orders["order-1"] = unpaidOrder("order-1")
	h := newTestHandler(store, newMockDedup())

	event := &TransactionEvent{TransactionID: "txn-1", OrderID: "order-1", Success: true}

	require.NoError(t, h.HandleTransaction(context.Background(), event))
	require.NoError(t, h.HandleTransaction(context.Background(), event))

	assert.Equal(t, 1, store.orderUpdates)
}

func TestHandleTransactionReplayWithoutDedupShortCircuits(t *testing.T) {
	store := newMockStore()
	store.orders["order-1"] = unpaidOrder("order-1")
	h := newTestHandler(store, nil)

	event := &TransactionEvent{TransactionID: "txn-1", OrderID: "order-1", Success: true}

	require.NoError(t, h.HandleTransaction(context.Background(), event))
	// Same delivery again; the order is already paid with this transaction
	require.NoError(t, h.HandleTransaction(context.Background(), event))

	assert.Equal(t, 1, store.orderUpdates)
}

func TestHandleTransactionFailureRecordsDetail(t *testing.T) {
	store := newMockStore()
	store.orders["order-1"] = unpaidOrder("order-1")
	h := newTestHandler(store, nil)

	err := h.HandleTransaction(context.Background(), &TransactionEvent{
		TransactionID: "txn-2",
		OrderID:       "order-1",
		Success:       false,
		ErrorMessage:  "insufficient funds",
	})
	require.NoError(t, err)

	order := store.orders["order-1"]
	assert.Equal(t, models.PaymentStatusUnpaid, order.PaymentStatus)
	assert.Equal(t, models.BillingStatusFailed, order.SubscriptionBillingStatus)
	assert.Equal(t, "insufficient funds", order.SubscriptionBillingError)
}

func TestHandleTransactionFailureNeverDowngradesPaidOrder(t *testing.T) {
	store := newMockStore()
	order := unpaidOrder("order-1")
	order.PaymentStatus = models.PaymentStatusPaid
	order.PaymobTransactionID = "txn-1"
	store.orders["order-1"] = order
	h := newTestHandler(store, nil)

	err := h.HandleTransaction(context.Background(), &TransactionEvent{
		TransactionID: "txn-stale",
		OrderID:       "order-1",
		Success:       false,
		ErrorMessage:  "timeout",
	})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusPaid, store.orders["order-1"].PaymentStatus)
	assert.Equal(t, 0, store.orderUpdates)
}

func TestHandleTransactionUnknownOrderIsAnError(t *testing.T) {
	h := newTestHandler(newMockStore(), nil)

	err := h.HandleTransaction(context.Background(), &TransactionEvent{
		TransactionID: "txn-1",
		OrderID:       "missing",
		Success:       true,
	})
	assert.Error(t, err)
}

func TestHandleTransactionReleasesDedupClaimOnError(t *testing.T) {
	store := newMockStore()
	dedup := newMockDedup()
	h := newTestHandler(store, dedup)

	event := &TransactionEvent{TransactionID: "txn-1", OrderID: "order-1", Success: true}

	// First delivery fails because the order row is not visible yet
	require.Error(t, h.HandleTransaction(context.Background(), event))

	// Redelivery after the order appears must not be treated as a duplicate
	store.orders["order-1"] = unpaidOrder("order-1")
	require.NoError(t, h.HandleTransaction(context.Background(), event))

	assert.Equal(t, models.PaymentStatusPaid, store.orders["order-1"].PaymentStatus)
}

func TestHandleTransactionPendingIsInformational(t *testing.T) {
	store := newMockStore()
	store.orders["order-1"] = unpaidOrder("order-1")
	h := newTestHandler(store, nil)

	err := h.HandleTransaction(context.Background(), &TransactionEvent{
		TransactionID: "txn-1",
		OrderID:       "order-1",
		Success:       false,
		Pending:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, store.orderUpdates)
}

func TestHandleTransactionDedupFailsOpen(t *testing.T) {
	store := newMockStore()
	store.orders["order-1"] = unpaidOrder("order-1")
	dedup := newMockDedup()
	dedup.err = errors.New("redis down")
	h := newTestHandler(store, dedup)

	err := h.HandleTransaction(context.Background(), &TransactionEvent{
		TransactionID: "txn-1",
		OrderID:       "order-1",
		Success:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, store.orders["order-1"].PaymentStatus)
}

func TestHandleCardToken(t *testing.T) {
	store := newMockStore()
	h := newTestHandler(store, nil)

	err := h.HandleCardToken(context.Background(), &CardTokenEvent{
		Email:     "dina@example.com",
		Token:     "tok_new",
		MaskedPan: "xxxx-2346",
	})
	require.NoError(t, err)
	assert.Equal(t, "tok_new", store.linkedTokens["dina@example.com"])
}

func TestHandleCardTokenBeforePaymentMethodExists(t *testing.T) {
	store := newMockStore()
	store.linkResult = false
	h := newTestHandler(store, nil)

	// The callback may arrive before checkout persisted the payment method;
	// it is acknowledged, not retried forever.
	err := h.HandleCardToken(context.Background(), &CardTokenEvent{
		Email: "dina@example.com",
		Token: "tok_new",
	})
	assert.NoError(t, err)
}

func TestHandleCardTokenStorageError(t *testing.T) {
	store := newMockStore()
	store.linkErr = errors.New("connection reset")
	h := newTestHandler(store, nil)

	err := h.HandleCardToken(context.Background(), &CardTokenEvent{Email: "dina@example.com"})
	assert.Error(t, err)
}

func TestHandleSubscriptionLifecycle(t *testing.T) {
	tests := []struct {
		trigger    string
		wantStatus string
	}{
		{"suspended", models.SubscriptionPaused},
		{"resumed", models.SubscriptionActive},
		{"cancelled", models.SubscriptionCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.trigger, func(t *testing.T) {
			store := newMockStore()
			user := &models.User{ID: "user-1", SubscriptionStatus: "initial"}
			store.users["user-1"] = user
			store.usersBySub["1264"] = user
			h := newTestHandler(store, nil)

			err := h.HandleSubscriptionLifecycle(context.Background(), &LifecycleEvent{
				TriggerType:    tt.trigger,
				SubscriptionID: "1264",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, user.SubscriptionStatus)
		})
	}
}

func TestHandleSubscriptionRenewedIsInformational(t *testing.T) {
	store := newMockStore()
	user := &models.User{ID: "user-1", SubscriptionStatus: models.SubscriptionActive}
	store.users["user-1"] = user
	store.usersBySub["1264"] = user
	h := newTestHandler(store, nil)

	err := h.HandleSubscriptionLifecycle(context.Background(), &LifecycleEvent{
		TriggerType:    "renewed",
		SubscriptionID: "1264",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, store.userUpdates)
}

func TestHandleSubscriptionUnknownSubscriptionIsAcknowledged(t *testing.T) {
	h := newTestHandler(newMockStore(), nil)

	err := h.HandleSubscriptionLifecycle(context.Background(), &LifecycleEvent{
		TriggerType:    "suspended",
		SubscriptionID: "9999",
	})
	assert.NoError(t, err)
}

func TestHandleSubscriptionIdempotentReplay(t *testing.T) {
	store := newMockStore()
	user := &models.User{ID: "user-1", SubscriptionStatus: models.SubscriptionActive}
	store.users["user-1"] = user
	store.usersBySub["1264"] = user
	h := newTestHandler(store, nil)

	event := &LifecycleEvent{TriggerType: "suspended", SubscriptionID: "1264"}

	require.NoError(t, h.HandleSubscriptionLifecycle(context.Background(), event))
	require.NoError(t, h.HandleSubscriptionLifecycle(context.Background(), event))

	assert.Equal(t, models.SubscriptionPaused, user.SubscriptionStatus)
	assert.Equal(t, 1, store.userUpdates)
}
