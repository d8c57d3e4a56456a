// internal/models/models.go
package models

import (
	"time"
)

// Week represents a menu week; billing for its subscription orders is due
// a fixed offset after the order deadline.
type Week struct {
	ID            string    `json:"id" db:"id"`
	Label         string    `json:"label" db:"label"`
	StartDate     time.Time `json:"start_date" db:"start_date"`
	OrderDeadline time.Time `json:"order_deadline" db:"order_deadline"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// BillingInstant returns the point in time at which the week's subscription
// orders become due for charging.
func (w Week) BillingInstant(offset time.Duration) time.Time {
	return w.OrderDeadline.Add(offset)
}

// Order holds the billing-relevant subset of an order record. Orders are
// created by the checkout flow; this engine only reads and updates the
// billing fields.
type Order struct {
	ID                             string     `json:"id" db:"id"`
	UserID                         string     `json:"user_id" db:"user_id"`
	WeekID                         string     `json:"week_id" db:"week_id"`
	OrderType                      string     `json:"order_type" db:"order_type"`
	Status                         string     `json:"status" db:"status"`
	PaymentMethodID                string     `json:"payment_method_id,omitempty" db:"payment_method_id"`
	PaymentStatus                  string     `json:"payment_status" db:"payment_status"`
	SubscriptionBillingStatus      string     `json:"subscription_billing_status,omitempty" db:"subscription_billing_status"`
	SubscriptionBillingAttemptedAt *time.Time `json:"subscription_billing_attempted_at,omitempty" db:"subscription_billing_attempted_at"`
	SubscriptionBillingError       string     `json:"subscription_billing_error,omitempty" db:"subscription_billing_error"`
	Total                          float64    `json:"total" db:"total"`
	DeliveryAddress                string     `json:"delivery_address,omitempty" db:"delivery_address"`
	PaymobTransactionID            string     `json:"paymob_transaction_id,omitempty" db:"paymob_transaction_id"`
	CreatedAt                      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt                      time.Time  `json:"updated_at" db:"updated_at"`
}

// User holds the billing-relevant subset of a user record.
type User struct {
	ID                   string    `json:"id" db:"id"`
	Email                string    `json:"email" db:"email"`
	FirstName            string    `json:"first_name" db:"first_name"`
	LastName             string    `json:"last_name" db:"last_name"`
	Phone                string    `json:"phone,omitempty" db:"phone"`
	SubscriptionStatus   string    `json:"subscription_status" db:"subscription_status"`
	PaymobSubscriptionID string    `json:"paymob_subscription_id,omitempty" db:"paymob_subscription_id"`
	PaymobPlanID         string    `json:"paymob_plan_id,omitempty" db:"paymob_plan_id"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// PaymentMethod represents a tokenized card stored with the processor.
// Records are created by the checkout/tokenization flow; the engine reads
// them for charging and links freshly issued tokens via callbacks.
type PaymentMethod struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	PaymobCardToken string    `json:"paymob_card_token,omitempty" db:"paymob_card_token"`
	MaskedPan       string    `json:"masked_pan,omitempty" db:"masked_pan"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// PricingConfig is a typed key/value pricing entry (delivery fees etc.).
type PricingConfig struct {
	Type      string    `json:"type" db:"config_type"`
	Key       string    `json:"key" db:"config_key"`
	Value     string    `json:"value" db:"config_value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Constants for model values
const (
	// Order types
	OrderTypeTrial        = "trial"
	OrderTypeSubscription = "subscription"

	// Order statuses
	OrderStatusNotSelected = "not_selected"
	OrderStatusSelected    = "selected"
	OrderStatusSkipped     = "skipped"
	OrderStatusCancelled   = "cancelled"
	OrderStatusConfirmed   = "confirmed"

	// Payment statuses
	PaymentStatusUnpaid = "unpaid"
	PaymentStatusPaid   = "paid"

	// Subscription billing statuses. An empty value means the order has
	// never entered the billing workflow for its cycle.
	BillingStatusPending = "pending"
	BillingStatusSuccess = "success"
	BillingStatusFailed  = "failed"
	BillingStatusSkipped = "skipped"

	// User subscription statuses
	SubscriptionActive    = "active"
	SubscriptionPaused    = "paused"
	SubscriptionCancelled = "cancelled"
)
