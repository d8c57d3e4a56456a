package scheduler

import "time"

// Per-order billing outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	// Aborted means no charge was attempted because a precondition read or
	// the pre-charge status write failed. Safe to retry on a later pass.
	OutcomeAborted = "aborted"
)

// OrderResult captures the outcome of one order billing attempt
type OrderResult struct {
	OrderID       string `json:"order_id"`
	WeekID        string `json:"week_id"`
	Outcome       string `json:"outcome"`
	TransactionID string `json:"transaction_id,omitempty"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PassResult aggregates per-order outcomes across a billing pass
type PassResult struct {
	StartedAt     time.Time      `json:"started_at"`
	WeeksSelected int            `json:"weeks_selected"`
	Processed     int            `json:"processed"`
	Successful    int            `json:"successful"`
	Failed        int            `json:"failed"`
	Skipped       int            `json:"skipped"`
	Aborted       int            `json:"aborted"`
	Orders        []*OrderResult `json:"orders,omitempty"`
	Duration      time.Duration  `json:"duration_ns"`
}

func (r *PassResult) add(order *OrderResult) {
	r.Processed++
	r.Orders = append(r.Orders, order)
	switch order.Outcome {
	case OutcomeSuccess:
		r.Successful++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeAborted:
		r.Aborted++
	}
}

// Status is the scheduler state exposed over the admin API
type Status struct {
	Running        bool        `json:"running"`
	PassInProgress bool        `json:"pass_in_progress"`
	Enabled        bool        `json:"enabled"`
	LastRun        *time.Time  `json:"last_run,omitempty"`
	NextRun        *time.Time  `json:"next_run,omitempty"`
	BillingOffset  string      `json:"billing_offset"`
	LookbackWindow string      `json:"lookback_window"`
	LastResult     *PassResult `json:"last_result,omitempty"`
}
