package payment

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MapProviderStatus normalizes a provider status string. Anything it does
// not recognise, including an empty string, maps to Pending so that an
// unknown answer never completes or fails a payment.
func MapProviderStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS", "SUCCESSFUL", "COMPLETED":
		return StatusCompleted
	case "FAILED", "FAILURE":
		return StatusFailed
	case "PENDING", "PROCESSING":
		return StatusProcessing
	default:
		return StatusPending
	}
}

// Callback field names checked for a status token, in priority order.
var callbackStatusFields = []string{"status", "paymentStatus", "transactionStatus"}

// CallbackPayload is the decoded body of a provider callback.
type CallbackPayload map[string]any

// ParseCallback decodes a raw callback body.
func ParseCallback(raw []byte) (CallbackPayload, error) {
	var payload CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("decode callback: empty payload")
	}
	return payload, nil
}

// StatusToken returns the first present status field.
func (c CallbackPayload) StatusToken() string {
	for _, field := range callbackStatusFields {
		if v := c.String(field); v != "" {
			return v
		}
	}
	return ""
}

// String returns a field rendered as a string, or "" when absent.
func (c CallbackPayload) String(field string) string {
	v, ok := c[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// FailureReason returns the provider's failure reason or a default.
func (c CallbackPayload) FailureReason() string {
	if r := c.String("failureReason"); r != "" {
		return r
	}
	if r := c.String("message"); r != "" {
		return r
	}
	return "Payment failed"
}
