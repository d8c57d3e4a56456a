package scheduler

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/mealweek/billing-engine/internal/events"
	"github.com/mealweek/billing-engine/internal/models"
	"github.com/mealweek/billing-engine/internal/paymob"
)

// Skip/failure reasons written to subscription_billing_error
const (
	reasonPaused          = "Subscription paused"
	reasonCancelled       = "Subscription cancelled"
	reasonNoPaymentMethod = "No active payment method"
)

// billWeek bills every eligible subscription order of one week. Orders are
// processed sequentially; a failure on one order never stops the rest.
func (s *Scheduler) billWeek(ctx context.Context, weekID string, result *PassResult) {
	orders, err := s.store.GetOrdersByWeek(ctx, weekID)
	if err != nil {
		s.logger.Error("Failed to load orders for week", "week_id", weekID, "error", err)
		return
	}

	eligible := 0
	for _, order := range orders {
		if !eligibleForBilling(order) {
			continue
		}
		eligible++
		result.add(s.billOrder(ctx, weekID, order.ID))
	}

	s.logger.Info("Week billed", "week_id", weekID, "orders", len(orders), "eligible", eligible)
}

// eligibleForBilling decides whether an order should be charged this pass.
// The filter re-reads nothing; it works on the row as loaded, and billOrder
// re-fetches the order before acting on it.
func eligibleForBilling(o models.Order) bool {
	if o.OrderType != models.OrderTypeSubscription {
		return false
	}
	if o.Status == models.OrderStatusSkipped {
		return false
	}
	if o.PaymentStatus == models.PaymentStatusPaid {
		return false
	}
	// Empty means never billed; pending means a previous attempt stamped
	// intent but never concluded, so it is retried.
	if o.SubscriptionBillingStatus != "" && o.SubscriptionBillingStatus != models.BillingStatusPending {
		return false
	}
	if o.PaymentMethodID == "" {
		return false
	}
	return true
}

// billOrder runs the charge workflow for a single order. It never returns
// an error; every outcome is folded into the OrderResult so callers can
// keep iterating.
func (s *Scheduler) billOrder(ctx context.Context, weekID, orderID string) *OrderResult {
	res := &OrderResult{OrderID: orderID, WeekID: weekID}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return s.abortOrder(res, "load order", err)
	}

	user, err := s.store.GetUser(ctx, order.UserID)
	if err != nil {
		return s.abortOrder(res, "load user", err)
	}

	switch user.SubscriptionStatus {
	case models.SubscriptionPaused:
		return s.skipOrder(ctx, res, order, reasonPaused)
	case models.SubscriptionCancelled:
		return s.skipOrder(ctx, res, order, reasonCancelled)
	}

	method, err := s.store.GetPaymentMethod(ctx, order.PaymentMethodID)
	if err != nil || !method.IsActive || method.PaymobCardToken == "" {
		if err != nil {
			s.logger.Warn("Payment method lookup failed", "order_id", orderID, "error", err)
		}
		return s.failOrder(ctx, res, order, reasonNoPaymentMethod, true)
	}

	amountCents := chargeAmountCents(order.Total + s.deliveryFee(ctx))
	res.AmountCents = amountCents

	// Record intent before the external call. If the process dies between
	// this write and the gateway response, the pending status makes the
	// order a candidate for reconciliation rather than a silent double
	// charge on the next pass.
	now := time.Now()
	err = s.store.UpdateOrder(ctx, orderID, map[string]interface{}{
		"subscription_billing_status":       models.BillingStatusPending,
		"subscription_billing_attempted_at": now,
	})
	if err != nil {
		return s.abortOrder(res, "stamp attempt", err)
	}

	charge, err := s.gateway.ChargeStoredCard(ctx, &paymob.TokenChargeRequest{
		CardToken:       method.PaymobCardToken,
		AmountCents:     amountCents,
		Currency:        s.config.Currency,
		BillingData:     billingDataFor(order, user),
		Customer:        customerFor(user),
		MerchantOrderID: order.ID,
	})
	if err != nil {
		return s.failOrder(ctx, res, order, err.Error(), false)
	}
	if !charge.Success {
		return s.failOrder(ctx, res, order, charge.ErrorMessage, false)
	}

	res.Outcome = OutcomeSuccess
	res.TransactionID = charge.TransactionID

	err = s.store.UpdateOrder(ctx, orderID, map[string]interface{}{
		"subscription_billing_status": models.BillingStatusSuccess,
		"payment_status":              models.PaymentStatusPaid,
		"paymob_transaction_id":       charge.TransactionID,
	})
	if err != nil {
		// The charge went through; only the local record is stale. The
		// transaction callback from the processor repairs this.
		s.logger.Error("Charge succeeded but status write failed",
			"order_id", orderID, "transaction_id", charge.TransactionID, "error", err)
		res.Error = "status write failed: " + err.Error()
	}

	s.logger.Info("Order charged",
		"order_id", orderID,
		"user_id", order.UserID,
		"amount_cents", amountCents,
		"transaction_id", charge.TransactionID)

	s.events.PublishOrderCharged(events.OrderEventData{
		OrderID:       orderID,
		WeekID:        weekID,
		UserID:        order.UserID,
		AmountCents:   amountCents,
		Currency:      s.config.Currency,
		TransactionID: charge.TransactionID,
	})

	return res
}

// skipOrder marks an order skipped for this cycle (paused or cancelled user)
func (s *Scheduler) skipOrder(ctx context.Context, res *OrderResult, order *models.Order, reason string) *OrderResult {
	err := s.store.UpdateOrder(ctx, order.ID, map[string]interface{}{
		"subscription_billing_status":       models.BillingStatusSkipped,
		"subscription_billing_attempted_at": time.Now(),
		"subscription_billing_error":        reason,
	})
	if err != nil {
		return s.abortOrder(res, "record skip", err)
	}

	res.Outcome = OutcomeSkipped
	res.Error = reason
	s.logger.Info("Order skipped", "order_id", order.ID, "reason", reason)

	s.events.PublishOrderSkipped(events.OrderEventData{
		OrderID: order.ID,
		WeekID:  res.WeekID,
		UserID:  order.UserID,
		Error:   reason,
	})
	return res
}

// failOrder records a billing failure. stampAttempt is set when the failure
// happened before the pre-charge stamp wrote the attempt time.
func (s *Scheduler) failOrder(ctx context.Context, res *OrderResult, order *models.Order, reason string, stampAttempt bool) *OrderResult {
	fields := map[string]interface{}{
		"subscription_billing_status": models.BillingStatusFailed,
		"subscription_billing_error":  reason,
	}
	if stampAttempt {
		fields["subscription_billing_attempted_at"] = time.Now()
	}
	if err := s.store.UpdateOrder(ctx, order.ID, fields); err != nil {
		s.logger.Error("Failed to record billing failure", "order_id", order.ID, "error", err)
	}

	res.Outcome = OutcomeFailed
	res.Error = reason
	s.logger.Warn("Order billing failed", "order_id", order.ID, "reason", reason)

	s.events.PublishOrderFailed(events.OrderEventData{
		OrderID: order.ID,
		WeekID:  res.WeekID,
		UserID:  order.UserID,
		Error:   reason,
	})
	return res
}

// abortOrder records an outcome where no charge was attempted
func (s *Scheduler) abortOrder(res *OrderResult, step string, err error) *OrderResult {
	res.Outcome = OutcomeAborted
	res.Error = step + ": " + err.Error()
	s.logger.Error("Order billing aborted", "order_id", res.OrderID, "step", step, "error", err)
	return res
}

// chargeAmountCents converts a decimal total to minor units, rounding
// half-up so 10.005 becomes 1001.
func chargeAmountCents(total float64) int64 {
	return int64(math.Round(total * 100))
}

// deliveryFee reads the flat delivery fee from pricing config. A missing or
// malformed entry falls back to zero rather than blocking billing.
func (s *Scheduler) deliveryFee(ctx context.Context) float64 {
	raw, err := s.store.GetPricingConfig(ctx, "fees", "delivery_fee")
	if err != nil {
		s.logger.Debug("No delivery fee configured", "error", err)
		return 0
	}
	fee, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.logger.Warn("Malformed delivery fee, using zero", "value", raw)
		return 0
	}
	return fee
}

// deliveryAddress mirrors the JSON stored on the order row
type deliveryAddress struct {
	Street     string `json:"street"`
	Building   string `json:"building"`
	Floor      string `json:"floor"`
	Apartment  string `json:"apartment"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

// billingDataFor builds the processor billing block from the order's stored
// delivery address and the user profile. The processor rejects empty
// strings, so absent fields are sent as "NA".
func billingDataFor(order *models.Order, user *models.User) paymob.BillingData {
	var addr deliveryAddress
	if order.DeliveryAddress != "" {
		if err := json.Unmarshal([]byte(order.DeliveryAddress), &addr); err != nil {
			addr = deliveryAddress{}
		}
	}

	return paymob.BillingData{
		FirstName:   orNA(user.FirstName),
		LastName:    orNA(user.LastName),
		Email:       user.Email,
		PhoneNumber: orNA(user.Phone),
		Street:      orNA(addr.Street),
		Building:    orNA(addr.Building),
		Floor:       orNA(addr.Floor),
		Apartment:   orNA(addr.Apartment),
		City:        orNA(addr.City),
		State:       orNA(addr.State),
		Country:     orNA(addr.Country),
		PostalCode:  orNA(addr.PostalCode),
	}
}

func customerFor(user *models.User) paymob.Customer {
	return paymob.Customer{
		FirstName: orNA(user.FirstName),
		LastName:  orNA(user.LastName),
		Email:     user.Email,
		Phone:     user.Phone,
	}
}

func orNA(v string) string {
	if v == "" {
		return "NA"
	}
	return v
}
