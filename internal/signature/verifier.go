// Package signature validates inbound callback authenticity. The processor
// uses three incompatible canonicalization orders, one per callback kind;
// each is a fixed, order-sensitive field concatenation followed by
// HMAC-SHA512 over the shared secret. The field lists are a contract with
// the processor: changing their content or order silently accepts forged
// callbacks, so they must never be reconstructed ad hoc.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CallbackKind discriminates the three inbound callback shapes. The route
// layer dispatches on endpoint path, never by trial-and-error verification.
type CallbackKind string

const (
	KindTransaction  CallbackKind = "transaction"
	KindCardToken    CallbackKind = "card_token"
	KindSubscription CallbackKind = "subscription"
)

// transactionFields is the canonical field order for transaction callbacks.
// Nested fields use dotted paths; missing values canonicalize to "".
var transactionFields = []string{
	"amount_cents",
	"created_at",
	"currency",
	"error_occured",
	"has_parent_transaction",
	"id",
	"integration_id",
	"is_3d_secure",
	"is_auth",
	"is_capture",
	"is_refunded",
	"is_standalone_payment",
	"is_voided",
	"order.id",
	"owner",
	"pending",
	"source_data.pan",
	"source_data.sub_type",
	"source_data.type",
	"success",
}

// cardTokenFields is the canonical field order for card-token callbacks.
var cardTokenFields = []string{
	"created_at",
	"email",
	"id",
	"merchant_id",
	"order_id",
	"token",
}

// Verifier checks received signatures against a shared secret. It performs
// no I/O and has no side effects.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// VerifyTransaction validates a transaction callback signature
func (v *Verifier) VerifyTransaction(payload map[string]interface{}, received string) bool {
	return verify(canonicalize(payload, transactionFields), v.secret, received)
}

// VerifyCardToken validates a card-token callback signature
func (v *Verifier) VerifyCardToken(payload map[string]interface{}, received string) bool {
	return verify(canonicalize(payload, cardTokenFields), v.secret, received)
}

// VerifySubscription validates a subscription-lifecycle callback signature.
// The canonical string is "{triggerType}for{subscriptionId}", e.g.
// "suspendedfor1264".
func (v *Verifier) VerifySubscription(triggerType, subscriptionID, received string) bool {
	return verify(triggerType+"for"+subscriptionID, v.secret, received)
}

// DecodeObject parses a JSON callback body preserving numeric fields as
// json.Number so canonicalization renders them exactly as received, without
// float formatting artifacts.
func DecodeObject(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode callback body: %w", err)
	}
	return payload, nil
}

// Lookup resolves a dotted path ("order.id", "source_data.pan") in a decoded
// payload and coerces the value to its canonical string form. Missing or
// null fields resolve to the empty string.
func Lookup(payload map[string]interface{}, path string) string {
	parts := strings.Split(path, ".")
	var current interface{} = payload

	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current, ok = obj[part]
		if !ok {
			return ""
		}
	}

	return stringify(current)
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// canonicalize concatenates the listed fields, in order, with no delimiter
func canonicalize(payload map[string]interface{}, fields []string) string {
	var b strings.Builder
	for _, field := range fields {
		b.WriteString(Lookup(payload, field))
	}
	return b.String()
}

// verify computes the HMAC-SHA512 hex digest of message and compares it to
// the received signature. The comparison is exact and case-sensitive.
func verify(message, secret, received string) bool {
	if received == "" {
		return false
	}
	return hmac.Equal([]byte(Compute(message, secret)), []byte(received))
}

// Compute returns the lowercase hex HMAC-SHA512 digest of message
func Compute(message, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
