package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapProviderStatus(t *testing.T) {
	tests := map[string]Status{
		"SUCCESS":    StatusCompleted,
		"successful": StatusCompleted,
		"COMPLETED":  StatusCompleted,
		"FAILED":     StatusFailed,
		"failure":    StatusFailed,
		"PENDING":    StatusProcessing,
		"PROCESSING": StatusProcessing,
		"":           StatusPending,
		"REVERSED":   StatusPending,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapProviderStatus(in), in)
	}
}

func TestCallbackPayload(t *testing.T) {
	p, err := ParseCallback([]byte(`{"paymentStatus":"SUCCESS","transactionStatus":"FAILED","amount":5000}`))
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", p.StatusToken())
	assert.Equal(t, "5000", p.String("amount"))
	assert.Equal(t, "Payment failed", p.FailureReason())

	p, err = ParseCallback([]byte(`{"status":"FAILED","message":"Insufficient balance"}`))
	require.NoError(t, err)
	assert.Equal(t, "FAILED", p.StatusToken())
	assert.Equal(t, "Insufficient balance", p.FailureReason())

	p, err = ParseCallback([]byte(`{"status":"FAILED","failureReason":"User cancelled","message":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "User cancelled", p.FailureReason())

	_, err = ParseCallback([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseCallback([]byte(`null`))
	assert.Error(t, err)
}
