package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextBillingDate(t *testing.T) {
	tests := []struct {
		name string
		from time.Time
		freq Frequency
		day  int
		want time.Time
	}{
		{"weekly", date(2024, 1, 5), FrequencyWeekly, 5, date(2024, 1, 12)},
		{"weekly across year", date(2024, 12, 27), FrequencyWeekly, 5, date(2025, 1, 3)},
		{"daily", date(2024, 2, 28), FrequencyDaily, 0, date(2024, 2, 29)},
		{"monthly", date(2024, 1, 5), FrequencyMonthly, 5, date(2024, 2, 5)},
		{"monthly clamps to leap february", date(2024, 1, 31), FrequencyMonthly, 31, date(2024, 2, 29)},
		{"monthly returns to anchor day", date(2024, 2, 29), FrequencyMonthly, 31, date(2024, 3, 31)},
		{"quarterly", date(2024, 11, 30), FrequencyQuarterly, 30, date(2025, 2, 28)},
		{"yearly from leap day", date(2024, 2, 29), FrequencyYearly, 29, date(2025, 2, 28)},
		{"no anchor uses from day", date(2024, 3, 15), FrequencyMonthly, 0, date(2024, 4, 15)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextBillingDate(tt.from, tt.freq, tt.day))
		})
	}
}

func TestFirstBillingDate(t *testing.T) {
	tests := []struct {
		name  string
		today time.Time
		freq  Frequency
		day   int
		want  time.Time
	}{
		{"weekly on the billing day moves a week", date(2024, 1, 5), FrequencyWeekly, 5, date(2024, 1, 12)},
		{"weekly later this week", date(2024, 1, 3), FrequencyWeekly, 5, date(2024, 1, 5)},
		{"weekly sunday", date(2024, 1, 5), FrequencyWeekly, 7, date(2024, 1, 7)},
		{"monthly on the billing day moves a month", date(2024, 1, 5), FrequencyMonthly, 5, date(2024, 2, 5)},
		{"monthly later this month", date(2024, 1, 4), FrequencyMonthly, 5, date(2024, 1, 5)},
		{"monthly clamps", date(2024, 2, 10), FrequencyMonthly, 31, date(2024, 2, 29)},
		{"daily", date(2024, 1, 5), FrequencyDaily, 0, date(2024, 1, 6)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstBillingDate(tt.today, tt.freq, tt.day)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.today))
		})
	}
}

func TestScheduleIsStrictlyIncreasing(t *testing.T) {
	for _, f := range []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly} {
		d := date(2024, 1, 31)
		for i := 0; i < 40; i++ {
			next := NextBillingDate(d, f, 31)
			require.True(t, next.After(d), "%s: %s -> %s", f, d, next)
			d = next
		}
	}
}

func TestValidateBillingDay(t *testing.T) {
	assert.NoError(t, ValidateBillingDay(FrequencyWeekly, 5))
	assert.Error(t, ValidateBillingDay(FrequencyWeekly, 0))
	assert.Error(t, ValidateBillingDay(FrequencyWeekly, 8))
	assert.NoError(t, ValidateBillingDay(FrequencyMonthly, 31))
	assert.Error(t, ValidateBillingDay(FrequencyQuarterly, 32))
	assert.NoError(t, ValidateBillingDay(FrequencyDaily, 0))
}
