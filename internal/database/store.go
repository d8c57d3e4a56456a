package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mealweek/billing-engine/internal/models"
)

// Store exposes the persistence operations the billing engine consumes.
// All Update* calls are partial-field merges, not full-record replacement.
type Store struct {
	conn *sql.DB
}

// Sentinel errors for missing records
var (
	ErrWeekNotFound          = errors.New("week not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	ErrPricingConfigNotFound = errors.New("pricing config not found")
)

const orderColumns = `id, user_id, week_id, order_type, status,
	   COALESCE(payment_method_id::text, ''), payment_status,
	   COALESCE(subscription_billing_status, ''), subscription_billing_attempted_at,
	   COALESCE(subscription_billing_error, ''), total,
	   COALESCE(delivery_address, ''), COALESCE(paymob_transaction_id, ''),
	   created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.WeekID, &o.OrderType, &o.Status,
		&o.PaymentMethodID, &o.PaymentStatus,
		&o.SubscriptionBillingStatus, &o.SubscriptionBillingAttemptedAt,
		&o.SubscriptionBillingError, &o.Total,
		&o.DeliveryAddress, &o.PaymobTransactionID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetWeeks retrieves all weeks
func (s *Store) GetWeeks(ctx context.Context) ([]models.Week, error) {
	query := `
		SELECT id, label, start_date, order_deadline, created_at
		FROM weeks
		ORDER BY order_deadline ASC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get weeks: %w", err)
	}
	defer rows.Close()

	var weeks []models.Week
	for rows.Next() {
		var w models.Week
		if err := rows.Scan(&w.ID, &w.Label, &w.StartDate, &w.OrderDeadline, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan week: %w", err)
		}
		weeks = append(weeks, w)
	}

	return weeks, rows.Err()
}

// GetOrdersByWeek retrieves all orders belonging to a week
func (s *Store) GetOrdersByWeek(ctx context.Context, weekID string) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE week_id = $1 ORDER BY created_at ASC`

	rows, err := s.conn.QueryContext(ctx, query, weekID)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders for week %s: %w", weekID, err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	return orders, rows.Err()
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(s.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return o, nil
}

// UpdateOrder applies a partial-field merge to an order
func (s *Store) UpdateOrder(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.partialUpdate(ctx, "orders", id, fields, true)
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id = $1", id)
}

// GetUserByPaymobSubscriptionID retrieves the user enrolled in a
// processor-side subscription
func (s *Store) GetUserByPaymobSubscriptionID(ctx context.Context, subscriptionID string) (*models.User, error) {
	return s.getUser(ctx, "paymob_subscription_id = $1", subscriptionID)
}

func (s *Store) getUser(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	query := `
		SELECT id, email, first_name, last_name, COALESCE(phone, ''),
			   subscription_status, COALESCE(paymob_subscription_id, ''),
			   COALESCE(paymob_plan_id, ''), created_at
		FROM users WHERE ` + where

	var u models.User
	err := s.conn.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Phone,
		&u.SubscriptionStatus, &u.PaymobSubscriptionID,
		&u.PaymobPlanID, &u.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &u, nil
}

// UpdateUser applies a partial-field merge to a user
func (s *Store) UpdateUser(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.partialUpdate(ctx, "users", id, fields, false)
}

// GetPaymentMethod retrieves a payment method by ID
func (s *Store) GetPaymentMethod(ctx context.Context, id string) (*models.PaymentMethod, error) {
	query := `
		SELECT id, user_id, COALESCE(paymob_card_token, ''),
			   COALESCE(masked_pan, ''), is_active, created_at
		FROM payment_methods WHERE id = $1`

	var pm models.PaymentMethod
	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&pm.ID, &pm.UserID, &pm.PaymobCardToken,
		&pm.MaskedPan, &pm.IsActive, &pm.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentMethodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}

	return &pm, nil
}

// UpdatePaymentMethod applies a partial-field merge to a payment method
func (s *Store) UpdatePaymentMethod(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.partialUpdate(ctx, "payment_methods", id, fields, false)
}

// LinkCardToken associates a processor-issued card token with the active
// payment method of the user identified by email. Returns false when no
// matching record exists yet; token callbacks may arrive before the
// checkout flow has created one.
func (s *Store) LinkCardToken(ctx context.Context, email, token, maskedPan string) (bool, error) {
	query := `
		UPDATE payment_methods pm
		SET paymob_card_token = $1, masked_pan = $2
		FROM users u
		WHERE pm.user_id = u.id
		  AND u.email = $3
		  AND pm.is_active = true
		  AND (pm.paymob_card_token = '' OR pm.paymob_card_token IS NULL OR pm.paymob_card_token = $1)`

	res, err := s.conn.ExecContext(ctx, query, token, maskedPan, email)
	if err != nil {
		return false, fmt.Errorf("failed to link card token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetPricingConfig retrieves a pricing entry value by type and key
func (s *Store) GetPricingConfig(ctx context.Context, configType, key string) (string, error) {
	query := `SELECT config_value FROM pricing_config WHERE config_type = $1 AND config_key = $2`

	var value string
	err := s.conn.QueryRowContext(ctx, query, configType, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrPricingConfigNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get pricing config: %w", err)
	}

	return value, nil
}

// partialUpdate builds a SET clause from a field map. Keys are column names
// supplied by engine code, never by request input. Keys are sorted so the
// generated SQL is deterministic.
func (s *Store) partialUpdate(ctx context.Context, table, id string, fields map[string]interface{}, stampUpdatedAt bool) error {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]interface{}, 0, len(keys)+2)
	for i, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", k, i+1))
		args = append(args, fields[k])
	}
	if stampUpdatedAt {
		sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)+1))
		args = append(args, time.Now())
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(args))

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", table, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no %s row with id %s", table, id)
	}

	return nil
}

// EnsureSchema creates the billing tables if they don't exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS weeks (
			id UUID PRIMARY KEY,
			label VARCHAR(100) NOT NULL DEFAULT '',
			start_date TIMESTAMP NOT NULL,
			order_deadline TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			first_name VARCHAR(100) NOT NULL DEFAULT '',
			last_name VARCHAR(100) NOT NULL DEFAULT '',
			phone VARCHAR(50),
			subscription_status VARCHAR(50) NOT NULL DEFAULT 'active',
			paymob_subscription_id VARCHAR(100),
			paymob_plan_id VARCHAR(100),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT valid_subscription_status CHECK (subscription_status IN ('active', 'paused', 'cancelled'))
		);

		CREATE TABLE IF NOT EXISTS payment_methods (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			paymob_card_token VARCHAR(255),
			masked_pan VARCHAR(50),
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			week_id UUID NOT NULL REFERENCES weeks(id),
			order_type VARCHAR(50) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'not_selected',
			payment_method_id UUID REFERENCES payment_methods(id),
			payment_status VARCHAR(50) NOT NULL DEFAULT 'unpaid',
			subscription_billing_status VARCHAR(50),
			subscription_billing_attempted_at TIMESTAMP,
			subscription_billing_error TEXT,
			total NUMERIC(10,2) NOT NULL DEFAULT 0,
			delivery_address TEXT,
			paymob_transaction_id VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT valid_order_type CHECK (order_type IN ('trial', 'subscription')),
			CONSTRAINT valid_billing_status CHECK (subscription_billing_status IN ('pending', 'success', 'failed', 'skipped'))
		);

		CREATE TABLE IF NOT EXISTS pricing_config (
			config_type VARCHAR(100) NOT NULL,
			config_key VARCHAR(100) NOT NULL,
			config_value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (config_type, config_key)
		);

		CREATE INDEX IF NOT EXISTS idx_orders_week ON orders(week_id);
		CREATE INDEX IF NOT EXISTS idx_orders_billing_status ON orders(subscription_billing_status);
		CREATE INDEX IF NOT EXISTS idx_payment_methods_user ON payment_methods(user_id);
	`

	_, err := s.conn.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create billing tables: %w", err)
	}

	return nil
}
