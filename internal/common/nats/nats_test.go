package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agripay/internal/common/events"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "events.payment.completed", Subject(events.EventPaymentCompleted))
	assert.Equal(t, "events.billing.suspended", Subject(events.EventBillingSuspended))
}
