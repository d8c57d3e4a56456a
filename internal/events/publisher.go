// Package events fans billing outcomes out to observers: the admin
// websocket feed and, when configured, the platform's notification service
// (which drives the dunning flow for failed charges). Publishing is
// fire-and-forget; billing never blocks on an observer.
package events

import (
	"context"
	"time"

	"github.com/mealweek/billing-engine/internal/httpclient"
)

// Broadcaster pushes an event to connected dashboard clients
type Broadcaster interface {
	BroadcastEvent(msgType, event string, data interface{}) error
}

// Publisher sends engine events to the configured sinks
type Publisher struct {
	notifyClient *httpclient.Client
	hub          Broadcaster
}

// NewPublisher creates a publisher. notificationURL may be empty (no
// notification sink) and hub may be nil (no websocket feed).
func NewPublisher(notificationURL string, hub Broadcaster) *Publisher {
	p := &Publisher{hub: hub}
	if notificationURL != "" {
		p.notifyClient = httpclient.NewClient(notificationURL, 5*time.Second)
	}
	return p
}

// Event represents an event to publish
type Event struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Event type constants
const (
	TypeBilling = "billing"
	TypeWebhook = "webhook"
)

// Billing event constants
const (
	BillingOrderCharged  = "order_charged"
	BillingOrderFailed   = "order_failed"
	BillingOrderSkipped  = "order_skipped"
	BillingPassCompleted = "pass_completed"
)

// Webhook event constants
const (
	WebhookTransactionReconciled = "transaction_reconciled"
	WebhookCardTokenLinked       = "card_token_linked"
	WebhookLifecycleApplied      = "lifecycle_applied"
	WebhookRejected              = "rejected"
)

// OrderEventData is the payload of per-order billing events
type OrderEventData struct {
	OrderID       string `json:"order_id"`
	WeekID        string `json:"week_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	Currency      string `json:"currency,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PassEventData summarizes a completed billing pass
type PassEventData struct {
	WeeksSelected int    `json:"weeks_selected"`
	Processed     int    `json:"processed"`
	Successful    int    `json:"successful"`
	Failed        int    `json:"failed"`
	Skipped       int    `json:"skipped"`
	Duration      string `json:"duration"`
}

// CallbackEventData describes a reconciled or rejected inbound callback
type CallbackEventData struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// PublishAsync sends an event to all configured sinks without blocking the
// caller. Notification delivery errors are ignored.
func (p *Publisher) PublishAsync(eventType, eventName string, data interface{}) {
	if p == nil {
		return
	}

	if p.hub != nil {
		p.hub.BroadcastEvent(eventType, eventName, data)
	}

	if p.notifyClient != nil {
		event := Event{Type: eventType, Event: eventName, Data: data}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p.notifyClient.Post(ctx, "/internal/billing-events", event, nil)
		}()
	}
}

// PublishOrderCharged publishes a successful recurring charge
func (p *Publisher) PublishOrderCharged(data OrderEventData) {
	p.PublishAsync(TypeBilling, BillingOrderCharged, data)
}

// PublishOrderFailed publishes a failed recurring charge
func (p *Publisher) PublishOrderFailed(data OrderEventData) {
	p.PublishAsync(TypeBilling, BillingOrderFailed, data)
}

// PublishOrderSkipped publishes a skipped order (paused/cancelled user)
func (p *Publisher) PublishOrderSkipped(data OrderEventData) {
	p.PublishAsync(TypeBilling, BillingOrderSkipped, data)
}

// PublishPassCompleted publishes a billing pass summary
func (p *Publisher) PublishPassCompleted(data PassEventData) {
	p.PublishAsync(TypeBilling, BillingPassCompleted, data)
}

// PublishCallbackApplied publishes a reconciled inbound callback
func (p *Publisher) PublishCallbackApplied(eventName string, data CallbackEventData) {
	p.PublishAsync(TypeWebhook, eventName, data)
}

// PublishCallbackRejected publishes a rejected inbound callback
func (p *Publisher) PublishCallbackRejected(data CallbackEventData) {
	p.PublishAsync(TypeWebhook, WebhookRejected, data)
}
