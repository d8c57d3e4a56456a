// Package reconcile applies verified processor callbacks to local state:
// transaction outcomes onto orders, freshly issued card tokens onto payment
// methods, and subscription lifecycle changes onto users. Every operation is
// idempotent; the processor redelivers callbacks freely.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/mealweek/billing-engine/internal/events"
	"github.com/mealweek/billing-engine/internal/logger"
	"github.com/mealweek/billing-engine/internal/models"
)

// dedupTTL bounds how long a processed transaction ID is remembered. The
// database status remains the authority; the cache only short-circuits
// rapid redeliveries.
const dedupTTL = 24 * time.Hour

// Store is the persistence surface the reconciler consumes
type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, id string, fields map[string]interface{}) error
	GetUserByPaymobSubscriptionID(ctx context.Context, subscriptionID string) (*models.User, error)
	UpdateUser(ctx context.Context, id string, fields map[string]interface{}) error
	LinkCardToken(ctx context.Context, email, token, maskedPan string) (bool, error)
}

// Deduper marks a key as seen, returning false when it already was. Delete
// releases a claim when processing fails so the redelivery is not dropped.
type Deduper interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// TransactionEvent is a verified transaction callback reduced to the fields
// reconciliation acts on. OrderID carries the merchant order reference set
// when the charge was created.
type TransactionEvent struct {
	TransactionID string
	OrderID       string
	Success       bool
	Pending       bool
	AmountCents   int64
	Currency      string
	ErrorMessage  string
}

// CardTokenEvent is a verified card token callback
type CardTokenEvent struct {
	Email     string
	Token     string
	MaskedPan string
	OrderID   string
}

// LifecycleEvent is a verified subscription lifecycle callback
type LifecycleEvent struct {
	TriggerType    string
	SubscriptionID string
}

// Handler applies verified callbacks to local state
type Handler struct {
	store  Store
	dedup  Deduper
	events *events.Publisher
	logger *logger.Logger
}

// NewHandler creates a reconciliation handler. dedup may be nil, in which
// case replay suppression falls back to order status checks alone.
func NewHandler(store Store, dedup Deduper, publisher *events.Publisher, log *logger.Logger) *Handler {
	return &Handler{
		store:  store,
		dedup:  dedup,
		events: publisher,
		logger: log,
	}
}

// HandleTransaction reconciles a transaction outcome onto its order.
// Unknown order references and storage failures surface as errors; duplicate
// deliveries are acknowledged without re-applying.
func (h *Handler) HandleTransaction(ctx context.Context, event *TransactionEvent) (err error) {
	key := "paymob:txn:" + event.TransactionID
	if h.seenBefore(ctx, key) {
		h.logger.Debug("Duplicate transaction callback dropped", "transaction_id", event.TransactionID)
		return nil
	}
	defer func() {
		if err != nil {
			h.release(ctx, key)
		}
	}()

	if event.Pending {
		h.logger.Info("Pending transaction callback, waiting for final state",
			"transaction_id", event.TransactionID, "order_id", event.OrderID)
		return nil
	}

	order, err := h.store.GetOrder(ctx, event.OrderID)
	if err != nil {
		h.logger.Warn("Transaction callback for unknown order",
			"order_id", event.OrderID, "transaction_id", event.TransactionID, "error", err)
		return fmt.Errorf("correlate transaction %s: %w", event.TransactionID, err)
	}

	if event.Success {
		return h.applySuccess(ctx, order, event)
	}
	return h.applyFailure(ctx, order, event)
}

func (h *Handler) applySuccess(ctx context.Context, order *models.Order, event *TransactionEvent) error {
	if order.PaymentStatus == models.PaymentStatusPaid && order.PaymobTransactionID == event.TransactionID {
		h.logger.Debug("Order already reconciled", "order_id", order.ID, "transaction_id", event.TransactionID)
		return nil
	}

	err := h.store.UpdateOrder(ctx, order.ID, map[string]interface{}{
		"payment_status":              models.PaymentStatusPaid,
		"subscription_billing_status": models.BillingStatusSuccess,
		"subscription_billing_error":  "",
		"paymob_transaction_id":       event.TransactionID,
	})
	if err != nil {
		h.logger.Error("Failed to reconcile successful transaction",
			"order_id", order.ID, "transaction_id", event.TransactionID, "error", err)
		return err
	}

	h.logger.Info("Transaction reconciled",
		"order_id", order.ID,
		"transaction_id", event.TransactionID,
		"amount_cents", event.AmountCents)

	h.events.PublishCallbackApplied(events.WebhookTransactionReconciled, events.CallbackEventData{
		Kind:      "transaction",
		Reference: order.ID,
		Detail:    event.TransactionID,
	})
	return nil
}

func (h *Handler) applyFailure(ctx context.Context, order *models.Order, event *TransactionEvent) error {
	// A failure callback never downgrades an order that has already been
	// paid; it is either stale or refers to a superseded attempt.
	if order.PaymentStatus == models.PaymentStatusPaid {
		h.logger.Debug("Failure callback for paid order ignored",
			"order_id", order.ID, "transaction_id", event.TransactionID)
		return nil
	}

	reason := event.ErrorMessage
	if reason == "" {
		reason = "charge declined"
	}

	err := h.store.UpdateOrder(ctx, order.ID, map[string]interface{}{
		"subscription_billing_status": models.BillingStatusFailed,
		"subscription_billing_error":  reason,
	})
	if err != nil {
		h.logger.Error("Failed to record transaction failure",
			"order_id", order.ID, "transaction_id", event.TransactionID, "error", err)
		return err
	}

	h.logger.Info("Failed transaction reconciled",
		"order_id", order.ID, "transaction_id", event.TransactionID, "reason", reason)

	h.events.PublishCallbackApplied(events.WebhookTransactionReconciled, events.CallbackEventData{
		Kind:      "transaction",
		Reference: order.ID,
		Detail:    reason,
	})
	return nil
}

// HandleCardToken links a freshly issued card token to the payment method of
// the user identified by email. Linking is keyed on the token itself so
// redeliveries are no-ops, and a callback arriving before the payment method
// record exists is acknowledged and left for the next token refresh.
func (h *Handler) HandleCardToken(ctx context.Context, event *CardTokenEvent) error {
	linked, err := h.store.LinkCardToken(ctx, event.Email, event.Token, event.MaskedPan)
	if err != nil {
		h.logger.Error("Failed to link card token", "email", event.Email, "error", err)
		return err
	}

	if !linked {
		h.logger.Warn("Card token callback matched no payment method", "email", event.Email)
		return nil
	}

	h.logger.Info("Card token linked", "email", event.Email, "masked_pan", event.MaskedPan)

	h.events.PublishCallbackApplied(events.WebhookCardTokenLinked, events.CallbackEventData{
		Kind:      "card_token",
		Reference: event.Email,
		Detail:    event.MaskedPan,
	})
	return nil
}

// lifecycleStatus maps processor trigger types to local subscription
// statuses. Triggers without a mapping (renewals in particular) are
// informational and leave the user untouched.
var lifecycleStatus = map[string]string{
	"suspended": models.SubscriptionPaused,
	"resumed":   models.SubscriptionActive,
	"cancelled": models.SubscriptionCancelled,
}

// HandleSubscriptionLifecycle applies a subscription state change to the
// owning user
func (h *Handler) HandleSubscriptionLifecycle(ctx context.Context, event *LifecycleEvent) error {
	status, ok := lifecycleStatus[event.TriggerType]
	if !ok {
		h.logger.Info("Informational lifecycle callback",
			"trigger", event.TriggerType, "subscription_id", event.SubscriptionID)
		return nil
	}

	user, err := h.store.GetUserByPaymobSubscriptionID(ctx, event.SubscriptionID)
	if err != nil {
		h.logger.Warn("Lifecycle callback for unknown subscription",
			"subscription_id", event.SubscriptionID, "trigger", event.TriggerType, "error", err)
		return nil
	}

	if user.SubscriptionStatus == status {
		h.logger.Debug("Subscription already in target state",
			"user_id", user.ID, "status", status)
		return nil
	}

	err = h.store.UpdateUser(ctx, user.ID, map[string]interface{}{
		"subscription_status": status,
	})
	if err != nil {
		h.logger.Error("Failed to apply lifecycle change",
			"user_id", user.ID, "status", status, "error", err)
		return err
	}

	h.logger.Info("Subscription lifecycle applied",
		"user_id", user.ID, "trigger", event.TriggerType, "status", status)

	h.events.PublishCallbackApplied(events.WebhookLifecycleApplied, events.CallbackEventData{
		Kind:      "subscription",
		Reference: event.SubscriptionID,
		Detail:    status,
	})
	return nil
}

// seenBefore marks key as processed, reporting true when a previous delivery
// already claimed it. Cache errors fail open; the order status checks keep
// the operation idempotent regardless.
func (h *Handler) seenBefore(ctx context.Context, key string) bool {
	if h.dedup == nil {
		return false
	}
	fresh, err := h.dedup.SetNX(ctx, key, "1", dedupTTL)
	if err != nil {
		h.logger.Warn("Dedup cache unavailable", "key", key, "error", err)
		return false
	}
	return !fresh
}

// release frees a dedup claim after a failed apply so the processor's
// redelivery gets another attempt
func (h *Handler) release(ctx context.Context, key string) {
	if h.dedup == nil {
		return
	}
	if err := h.dedup.Delete(ctx, key); err != nil {
		h.logger.Warn("Failed to release dedup claim", "key", key, "error", err)
	}
}
