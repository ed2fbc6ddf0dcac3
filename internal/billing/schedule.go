package billing

import (
	"fmt"
	"time"
)

// Frequency is how often a billing charges.
type Frequency string

const (
	FrequencyDaily     Frequency = "DAILY"
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
	FrequencyYearly    Frequency = "YEARLY"
)

func (f Frequency) months() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencyYearly:
		return 12
	}
	return 0
}

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// ValidateBillingDay checks day against the frequency: an ISO weekday
// (1 Monday .. 7 Sunday) for weekly billing, a day of month (1..31) for
// month-based billing. Daily billing ignores it.
func ValidateBillingDay(f Frequency, day int) error {
	switch {
	case f == FrequencyWeekly && (day < 1 || day > 7):
		return fmt.Errorf("billing day %d: weekly billing needs a weekday between 1 and 7", day)
	case f.months() > 0 && (day < 1 || day > 31):
		return fmt.Errorf("billing day %d: must be a day of month between 1 and 31", day)
	}
	return nil
}

// FirstBillingDate returns the first occurrence of the billing day strictly
// after today. Dates are UTC midnights.
func FirstBillingDate(today time.Time, f Frequency, day int) time.Time {
	switch f {
	case FrequencyDaily:
		return today.AddDate(0, 0, 1)
	case FrequencyWeekly:
		days := (day - isoWeekday(today) + 7) % 7
		if days == 0 {
			days = 7
		}
		return today.AddDate(0, 0, days)
	}

	candidate := dayInMonth(today.Year(), today.Month(), day)
	if !candidate.After(today) {
		candidate = addMonths(today, 1, day)
	}
	return candidate
}

// NextBillingDate advances one period from the last charged cycle date.
// Month-based frequencies land on the billing day, clamped to the end of
// shorter months, so Jan 31 is followed by Feb 29 and then Mar 31.
// The result is always after from.
func NextBillingDate(from time.Time, f Frequency, day int) time.Time {
	switch f {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	}
	if day < 1 {
		day = from.Day()
	}
	return addMonths(from, f.months(), day)
}

func addMonths(d time.Time, n, day int) time.Time {
	first := time.Date(d.Year(), d.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return dayInMonth(first.Year(), first.Month(), day)
}

func dayInMonth(year int, month time.Month, day int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
