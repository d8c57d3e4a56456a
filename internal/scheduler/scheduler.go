// Package scheduler owns the process-wide recurring billing cadence. A
// single pass runs at most once at a time; duplicate-charge prevention
// comes from the per-order eligibility filter evaluated fresh from storage
// on every pass, not from locks.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mealweek/billing-engine/internal/events"
	"github.com/mealweek/billing-engine/internal/logger"
	"github.com/mealweek/billing-engine/internal/models"
	"github.com/mealweek/billing-engine/internal/paymob"
)

// ErrPassInProgress is returned when a billing pass is requested while one
// is already running. The second request is dropped, not queued.
var ErrPassInProgress = errors.New("billing pass already in progress")

// Store is the persistence surface the scheduler consumes
type Store interface {
	GetWeeks(ctx context.Context) ([]models.Week, error)
	GetOrdersByWeek(ctx context.Context, weekID string) ([]models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, id string, fields map[string]interface{}) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetPaymentMethod(ctx context.Context, id string) (*models.PaymentMethod, error)
	GetPricingConfig(ctx context.Context, configType, key string) (string, error)
}

// Gateway is the payment-processor surface the scheduler consumes
type Gateway interface {
	ChargeStoredCard(ctx context.Context, req *paymob.TokenChargeRequest) (*paymob.TokenChargeResponse, error)
}

// Config holds scheduler tunables
type Config struct {
	// Offset after a week's order deadline at which it becomes due
	BillingOffset time.Duration
	// Bounded lookback from "now" absorbing cron jitter and cold starts
	LookbackWindow time.Duration
	// Delay before the warm-up pass fired right after Start
	WarmupDelay time.Duration
	Currency    string
	Enabled     bool
}

// passTimeout bounds a whole billing pass
const passTimeout = 15 * time.Minute

// Scheduler drives recurring subscription billing
type Scheduler struct {
	store   Store
	gateway Gateway
	events  *events.Publisher
	config  *Config
	logger  *logger.Logger

	mu             sync.Mutex
	running        bool
	passInProgress bool
	stopCh         chan struct{}
	wg             sync.WaitGroup
	lastRun        *time.Time
	nextRun        *time.Time
	lastResult     *PassResult
}

// New creates a scheduler instance
func New(store Store, gateway Gateway, publisher *events.Publisher, config *Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		gateway: gateway,
		events:  publisher,
		config:  config,
		logger:  log,
		stopCh:  make(chan struct{}),
	}
}

// Start registers the recurring hourly execution, firing at the top of each
// hour, plus one warm-up run shortly after start to cover deployments that
// come up between hourly ticks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting billing scheduler",
		"billing_offset", s.config.BillingOffset,
		"lookback_window", s.config.LookbackWindow,
		"enabled", s.config.Enabled)

	s.wg.Add(1)
	go s.run()
}

// Stop unregisters the timer. A running pass is allowed to finish; its
// per-order updates are idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping billing scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Billing scheduler stopped")
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	warmup := time.NewTimer(s.config.WarmupDelay)
	defer warmup.Stop()

	for {
		next := nextTopOfHour(time.Now())
		s.mu.Lock()
		s.nextRun = &next
		s.mu.Unlock()

		tick := time.NewTimer(time.Until(next))

		select {
		case <-s.stopCh:
			tick.Stop()
			return
		case <-warmup.C:
			tick.Stop()
			s.firePass("warm-up")
		case <-tick.C:
			s.firePass("hourly")
		}
	}
}

// firePass runs one billing pass with a bounded context
func (s *Scheduler) firePass(trigger string) {
	if !s.config.Enabled {
		s.logger.Debug("Billing disabled, skipping pass", "trigger", trigger)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	if _, err := s.ProcessWeeklyBilling(ctx); err != nil {
		if err == ErrPassInProgress {
			s.logger.Warn("Billing pass still running, skipping", "trigger", trigger)
			return
		}
		s.logger.Error("Billing pass failed", "trigger", trigger, "error", err)
	}
}

// ProcessWeeklyBilling executes one billing pass: select weeks whose billing
// instant falls inside the lookback window ending now, then bill each week
// sequentially. Returns ErrPassInProgress when a pass is already running.
func (s *Scheduler) ProcessWeeklyBilling(ctx context.Context) (*PassResult, error) {
	if !s.beginPass() {
		return nil, ErrPassInProgress
	}
	defer s.endPass()

	now := time.Now()
	lookbackStart := now.Add(-s.config.LookbackWindow)
	result := &PassResult{StartedAt: now}

	s.logger.Info("Billing pass started",
		"window_start", lookbackStart.Format(time.RFC3339),
		"window_end", now.Format(time.RFC3339))

	weeks, err := s.store.GetWeeks(ctx)
	if err != nil {
		return nil, err
	}

	for _, week := range weeks {
		instant := week.BillingInstant(s.config.BillingOffset)
		if instant.Before(lookbackStart) || instant.After(now) {
			continue
		}
		result.WeeksSelected++
		s.billWeek(ctx, week.ID, result)
	}

	result.Duration = time.Since(now)
	s.recordResult(result)

	s.logger.Info("Billing pass completed",
		"weeks", result.WeeksSelected,
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration", result.Duration)

	s.events.PublishPassCompleted(events.PassEventData{
		WeeksSelected: result.WeeksSelected,
		Processed:     result.Processed,
		Successful:    result.Successful,
		Failed:        result.Failed,
		Skipped:       result.Skipped,
		Duration:      result.Duration.String(),
	})

	return result, nil
}

// ManualBillWeek processes a single week regardless of the time window,
// for operator-triggered reprocessing. The per-order eligibility filter
// still applies.
func (s *Scheduler) ManualBillWeek(ctx context.Context, weekID string) (*PassResult, error) {
	if !s.beginPass() {
		return nil, ErrPassInProgress
	}
	defer s.endPass()

	now := time.Now()
	s.logger.Info("Manual billing requested", "week_id", weekID)

	result := &PassResult{StartedAt: now, WeeksSelected: 1}
	s.billWeek(ctx, weekID, result)
	result.Duration = time.Since(now)
	s.recordResult(result)

	return result, nil
}

// beginPass acquires the reentrancy guard
func (s *Scheduler) beginPass() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passInProgress {
		return false
	}
	s.passInProgress = true
	return true
}

// endPass clears the reentrancy guard. Called via defer so the guard is
// released even when a pass unwinds early.
func (s *Scheduler) endPass() {
	s.mu.Lock()
	s.passInProgress = false
	s.mu.Unlock()
}

func (s *Scheduler) recordResult(result *PassResult) {
	now := time.Now()
	s.mu.Lock()
	s.lastRun = &now
	s.lastResult = result
	s.mu.Unlock()
}

// Status returns the current scheduler status
func (s *Scheduler) Status() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &Status{
		Running:        s.running,
		PassInProgress: s.passInProgress,
		Enabled:        s.config.Enabled,
		LastRun:        s.lastRun,
		NextRun:        s.nextRun,
		BillingOffset:  s.config.BillingOffset.String(),
		LookbackWindow: s.config.LookbackWindow.String(),
		LastResult:     s.lastResult,
	}
}

// IsRunning returns whether the scheduler loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// nextTopOfHour returns the next whole hour after t
func nextTopOfHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}
