// Package paymob wraps the payment processor's HTTP API behind typed
// operations so the rest of the engine never touches raw HTTP.
package paymob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a new gateway client. No operation retries internally;
// retries are a scheduler-level, cross-cycle concern.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GatewayError represents a failure talking to the processor
type GatewayError struct {
	Code        string
	Message     string
	StatusCode  int
	IsRetryable bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("paymob (%s): %s", e.Code, e.Message)
}

// BillingData is the address block the processor requires on every charge.
// All fields must be non-empty strings.
type BillingData struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	Street      string `json:"street"`
	Building    string `json:"building"`
	Floor       string `json:"floor"`
	Apartment   string `json:"apartment"`
	City        string `json:"city"`
	State       string `json:"state"`
	Country     string `json:"country"`
	PostalCode  string `json:"postal_code"`
}

// Customer identifies the paying customer on intention and subscription
// requests.
type Customer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

type IntentionRequest struct {
	AmountCents     int64       `json:"amount"`
	Currency        string      `json:"currency"`
	BillingData     BillingData `json:"billing_data"`
	Customer        Customer    `json:"customer"`
	SaveToken       bool        `json:"save_token,omitempty"`
	MerchantOrderID string      `json:"special_reference,omitempty"`
}

type Intention struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Status       string `json:"status,omitempty"`
}

// TokenChargeRequest describes a recurring charge against a stored card
// token. AmountCents is always integer minor units; the caller converts.
type TokenChargeRequest struct {
	CardToken       string
	AmountCents     int64
	Currency        string
	BillingData     BillingData
	Customer        Customer
	MerchantOrderID string
}

// TokenChargeResponse is the outcome of a token charge. A declined charge
// comes back with Success=false and no error from the transport.
type TokenChargeResponse struct {
	Success       bool
	TransactionID string
	ErrorMessage  string
}

type PlanRequest struct {
	FrequencyDays int    `json:"frequency"`
	Name          string `json:"name"`
	AmountCents   int64  `json:"amount_cents"`
	WebhookURL    string `json:"webhook_url"`
}

type Plan struct {
	ID string `json:"id"`
}

type SubscriptionRequest struct {
	PlanID      string      `json:"plan"`
	CardToken   string      `json:"token"`
	StartDate   string      `json:"starts_at,omitempty"`
	BillingData BillingData `json:"billing_data"`
	Customer    Customer    `json:"customer"`
}

type Subscription struct {
	ID     string `json:"id"`
	Status string `json:"state,omitempty"`
}

// CreateChargeIntention creates a payment intention for the initial
// (non-recurring) checkout flow.
func (c *Client) CreateChargeIntention(ctx context.Context, req *IntentionRequest) (*Intention, error) {
	var response Intention
	if err := c.makeRequest(ctx, "POST", "/v1/intention/", req, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// tokenChargePayload is the wire shape of a token charge
type tokenChargePayload struct {
	Source          tokenSource `json:"source"`
	AmountCents     int64       `json:"amount_cents"`
	Currency        string      `json:"currency"`
	BillingData     BillingData `json:"billing_data"`
	MerchantOrderID string      `json:"merchant_order_id"`
}

type tokenSource struct {
	Identifier string `json:"identifier"`
	Subtype    string `json:"subtype"`
}

// transactionPayload is the wire shape of the processor's transaction object
type transactionPayload struct {
	ID      int64 `json:"id"`
	Success bool  `json:"success"`
	Pending bool  `json:"pending"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

// ChargeStoredCard charges a stored card token. This is the operation the
// recurring scheduler calls. A transport or HTTP failure returns a
// GatewayError; a processor decline returns Success=false.
func (c *Client) ChargeStoredCard(ctx context.Context, req *TokenChargeRequest) (*TokenChargeResponse, error) {
	payload := tokenChargePayload{
		Source: tokenSource{
			Identifier: req.CardToken,
			Subtype:    "TOKEN",
		},
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		BillingData:     req.BillingData,
		MerchantOrderID: req.MerchantOrderID,
	}

	var txn transactionPayload
	if err := c.makeRequest(ctx, "POST", "/api/acceptance/payments/pay", payload, &txn); err != nil {
		return nil, err
	}

	resp := &TokenChargeResponse{
		Success:       txn.Success && !txn.Pending,
		TransactionID: strconv.FormatInt(txn.ID, 10),
	}
	if !resp.Success {
		resp.ErrorMessage = txn.Data.Message
		if resp.ErrorMessage == "" {
			resp.ErrorMessage = "charge declined"
		}
	}

	return resp, nil
}

// CreateSubscriptionPlan creates a processor-side recurring plan
func (c *Client) CreateSubscriptionPlan(ctx context.Context, req *PlanRequest) (*Plan, error) {
	var response Plan
	if err := c.makeRequest(ctx, "POST", "/api/acceptance/subscription-plans", req, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CreateSubscription enrolls a stored card token in a plan
func (c *Client) CreateSubscription(ctx context.Context, req *SubscriptionRequest) (*Subscription, error) {
	var response Subscription
	if err := c.makeRequest(ctx, "POST", "/api/acceptance/subscriptions", req, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// SuspendSubscription suspends a processor-side subscription. Safe to call
// on an already-suspended subscription.
func (c *Client) SuspendSubscription(ctx context.Context, id string) error {
	return c.makeRequest(ctx, "POST", "/api/acceptance/subscriptions/"+id+"/suspend", nil, nil)
}

// ResumeSubscription resumes a suspended subscription
func (c *Client) ResumeSubscription(ctx context.Context, id string) error {
	return c.makeRequest(ctx, "POST", "/api/acceptance/subscriptions/"+id+"/resume", nil, nil)
}

// CancelSubscription cancels a processor-side subscription
func (c *Client) CancelSubscription(ctx context.Context, id string) error {
	return c.makeRequest(ctx, "POST", "/api/acceptance/subscriptions/"+id+"/cancel", nil, nil)
}

// GetTransactionDetails retrieves the full transaction record, for manual
// reconciliation and debugging.
func (c *Client) GetTransactionDetails(ctx context.Context, transactionID string) (map[string]interface{}, error) {
	var response map[string]interface{}
	if err := c.makeRequest(ctx, "GET", "/api/acceptance/transactions/"+transactionID, nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}

// makeRequest is a helper method for making HTTP requests
func (c *Client) makeRequest(ctx context.Context, method, path string, body interface{}, response interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Token "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &GatewayError{
			Code:        "NETWORK_ERROR",
			Message:     fmt.Sprintf("network error: %v", err),
			IsRetryable: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &GatewayError{
			Code:        errorCodeFromStatus(resp.StatusCode),
			Message:     errorMessageFromBody(respBody),
			StatusCode:  resp.StatusCode,
			IsRetryable: isRetryableStatusCode(resp.StatusCode),
		}
	}

	if response != nil {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// errorMessageFromBody extracts the processor's error message when available
func errorMessageFromBody(body []byte) string {
	var parsed struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Detail != "" {
			return parsed.Detail
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return string(body)
}

// isRetryableStatusCode determines if an HTTP status code indicates a retryable condition
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// errorCodeFromStatus maps HTTP status codes to error codes
func errorCodeFromStatus(statusCode int) string {
	switch statusCode {
	case 400:
		return "BAD_REQUEST"
	case 401:
		return "UNAUTHORIZED"
	case 402:
		return "PAYMENT_REQUIRED"
	case 404:
		return "NOT_FOUND"
	case 408:
		return "TIMEOUT"
	case 422:
		return "UNPROCESSABLE_ENTITY"
	case 429:
		return "RATE_LIMITED"
	case 500:
		return "INTERNAL_SERVER_ERROR"
	case 502:
		return "BAD_GATEWAY"
	case 503:
		return "SERVICE_UNAVAILABLE"
	case 504:
		return "GATEWAY_TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}
