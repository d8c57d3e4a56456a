package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealweek/billing-engine/internal/events"
	"github.com/mealweek/billing-engine/internal/logger"
	"github.com/mealweek/billing-engine/internal/models"
	"github.com/mealweek/billing-engine/internal/reconcile"
	"github.com/mealweek/billing-engine/internal/signature"
	"github.com/mealweek/billing-engine/internal/websocket"
)

const testSecret = "webhook-secret"

// stubStore backs the reconciler in webhook tests
type stubStore struct {
	orders map[string]*models.Order
	users  map[string]*models.User
	linked map[string]string
}

func newStubStore() *stubStore {
	return &stubStore{
		orders: make(map[string]*models.Order),
		users:  make(map[string]*models.User),
		linked: make(map[string]string),
	}
}

func (s *stubStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	return o, nil
}

func (s *stubStore) UpdateOrder(ctx context.Context, id string, fields map[string]interface{}) error {
	o, ok := s.orders[id]
	if !ok {
		return errors.New("order not found")
	}
	if v, ok := fields["payment_status"].(string); ok {
		o.PaymentStatus = v
	}
	if v, ok := fields["paymob_transaction_id"].(string); ok {
		o.PaymobTransactionID = v
	}
	if v, ok := fields["subscription_billing_status"].(string); ok {
		o.SubscriptionBillingStatus = v
	}
	if v, ok := fields["subscription_billing_error"].(string); ok {
		o.SubscriptionBillingError = v
	}
	return nil
}

func (s *stubStore) GetUserByPaymobSubscriptionID(ctx context.Context, subscriptionID string) (*models.User, error) {
	u, ok := s.users[subscriptionID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (s *stubStore) UpdateUser(ctx context.Context, id string, fields map[string]interface{}) error {
	for _, u := range s.users {
		if u.ID == id {
			if v, ok := fields["subscription_status"].(string); ok {
				u.SubscriptionStatus = v
			}
			return nil
		}
	}
	return errors.New("user not found")
}

func (s *stubStore) LinkCardToken(ctx context.Context, email, token, maskedPan string) (bool, error) {
	s.linked[email] = token
	return true, nil
}

func newTestServer(store *stubStore) *Server {
	log := logger.New("test")
	publisher := events.NewPublisher("", nil)
	reconciler := reconcile.NewHandler(store, nil, publisher, log)
	return NewServer(nil, nil, nil, reconciler, signature.NewVerifier(testSecret), publisher, websocket.NewHub(nil), log)
}

// minimal transaction callback body; absent canonical fields resolve to ""
func transactionBody(orderID string, success bool) (string, string) {
	successStr := "false"
	if success {
		successStr = "true"
	}
	body := `{
		"obj": {
			"amount_cents": 19900,
			"created_at": "2026-03-02T14:00:05",
			"currency": "EGP",
			"error_occured": false,
			"has_parent_transaction": false,
			"id": 184729441,
			"integration_id": 4411902,
			"is_3d_secure": false,
			"is_auth": false,
			"is_capture": false,
			"is_refunded": false,
			"is_standalone_payment": true,
			"is_voided": false,
			"order": {"id": 92837465, "merchant_order_id": "` + orderID + `"},
			"owner": 311208,
			"pending": false,
			"source_data": {"pan": "2346", "sub_type": "MasterCard", "type": "card"},
			"success": ` + successStr + `
		}
	}`

	canonical := "19900" + "2026-03-02T14:00:05" + "EGP" + "false" + "false" +
		"184729441" + "4411902" + "false" + "false" + "false" + "false" +
		"true" + "false" + "92837465" + "311208" + "false" +
		"2346" + "MasterCard" + "card" + successStr

	return body, signature.Compute(canonical, testSecret)
}

func TestTransactionWebhookAppliesVerifiedCallback(t *testing.T) {
	store := newStubStore()
	store.orders["order-1"] = &models.Order{ID: "order-1", PaymentStatus: models.PaymentStatusUnpaid}
	server := newTestServer(store)

	body, hmac := transactionBody("order-1", true)
	req := httptest.NewRequest("POST", "/webhooks/paymob/transaction?hmac="+hmac, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PaymentStatusPaid, store.orders["order-1"].PaymentStatus)
	assert.Equal(t, "184729441", store.orders["order-1"].PaymobTransactionID)
}

func TestTransactionWebhookRejectsBadSignature(t *testing.T) {
	store := newStubStore()
	store.orders["order-1"] = &models.Order{ID: "order-1", PaymentStatus: models.PaymentStatusUnpaid}
	server := newTestServer(store)

	body, _ := transactionBody("order-1", true)
	req := httptest.NewRequest("POST", "/webhooks/paymob/transaction?hmac=deadbeef", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	// No state mutated on rejection
	assert.Equal(t, models.PaymentStatusUnpaid, store.orders["order-1"].PaymentStatus)
}

func TestTransactionWebhookRejectsMissingSignature(t *testing.T) {
	server := newTestServer(newStubStore())

	body, _ := transactionBody("order-1", true)
	req := httptest.NewRequest("POST", "/webhooks/paymob/transaction", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTransactionWebhookRejectsInvalidJSON(t *testing.T) {
	server := newTestServer(newStubStore())

	req := httptest.NewRequest("POST", "/webhooks/paymob/transaction", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransactionWebhookUnknownOrderIsServerError(t *testing.T) {
	server := newTestServer(newStubStore())

	body, hmac := transactionBody("missing-order", true)
	req := httptest.NewRequest("POST", "/webhooks/paymob/transaction?hmac="+hmac, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTransactionWebhookHMACInBody(t *testing.T) {
	store := newStubStore()
	store.orders["order-1"] = &models.Order{ID: "order-1", PaymentStatus: models.PaymentStatusUnpaid}
	server := newTestServer(store)

	body, hmac := transactionBody("order-1", true)
	withHMAC := `{"hmac": "` + hmac + `",` + body[1:]

	req := httptest.NewRequest("POST", "/webhooks/paymob/transaction", strings.NewReader(withHMAC))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PaymentStatusPaid, store.orders["order-1"].PaymentStatus)
}

func TestCardTokenWebhook(t *testing.T) {
	store := newStubStore()
	server := newTestServer(store)

	body := `{
		"obj": {
			"created_at": "2026-03-02T13:58:11",
			"email": "dina@example.com",
			"id": 55102,
			"merchant_id": 7781,
			"order_id": 92837465,
			"token": "tok_c4f9a2",
			"masked_pan": "xxxx-2346"
		}
	}`
	canonical := "2026-03-02T13:58:11" + "dina@example.com" + "55102" + "7781" + "92837465" + "tok_c4f9a2"
	hmac := signature.Compute(canonical, testSecret)

	req := httptest.NewRequest("POST", "/webhooks/paymob/card-token?hmac="+hmac, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok_c4f9a2", store.linked["dina@example.com"])
}

func TestSubscriptionWebhook(t *testing.T) {
	store := newStubStore()
	user := &models.User{ID: "user-1", SubscriptionStatus: models.SubscriptionActive}
	store.users["1264"] = user
	server := newTestServer(store)

	body := `{"trigger_type": "suspended", "subscription_data": {"id": 1264}}`
	hmac := signature.Compute("suspendedfor1264", testSecret)

	req := httptest.NewRequest("POST", "/webhooks/paymob/subscription?hmac="+hmac, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SubscriptionPaused, user.SubscriptionStatus)
}

func TestSubscriptionWebhookRejectsMismatchedTrigger(t *testing.T) {
	store := newStubStore()
	user := &models.User{ID: "user-1", SubscriptionStatus: models.SubscriptionActive}
	store.users["1264"] = user
	server := newTestServer(store)

	// Signature computed for "resumed" does not authorize "suspended"
	body := `{"trigger_type": "suspended", "subscription_data": {"id": 1264}}`
	hmac := signature.Compute("resumedfor1264", testSecret)

	req := httptest.NewRequest("POST", "/webhooks/paymob/subscription?hmac="+hmac, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.SubscriptionActive, user.SubscriptionStatus)
}
