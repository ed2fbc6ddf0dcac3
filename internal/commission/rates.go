package commission

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"agripay/internal/payment"
)

// RateTable maps payment categories to commission rates. It decodes from
// "CATEGORY:RATE,CATEGORY:RATE" so it can be set from the environment.
type RateTable map[payment.Category]decimal.Decimal

// DefaultRates is used when COMMISSION_RATES is unset.
func DefaultRates() RateTable {
	return RateTable{
		payment.CategoryFarmerRegistration: decimal.RequireFromString("0.10"),
		payment.CategoryProductPurchase:    decimal.RequireFromString("0.05"),
		payment.CategoryServiceFee:         decimal.RequireFromString("0.08"),
	}
}

// Decode implements envconfig.Decoder.
func (t *RateTable) Decode(value string) error {
	table := RateTable{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		category, raw, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("commission rate %q: want CATEGORY:RATE", pair)
		}
		c := payment.Category(strings.ToUpper(strings.TrimSpace(category)))
		if !c.Valid() {
			return fmt.Errorf("commission rate %q: unknown category", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("commission rate %q: %w", pair, err)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("commission rate %q: must be between 0 and 1", pair)
		}
		table[c] = rate
	}
	*t = table
	return nil
}

// String renders the table in its decodable form, sorted by category.
func (t RateTable) String() string {
	parts := make([]string, 0, len(t))
	for c, r := range t {
		parts = append(parts, string(c)+":"+r.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Rate returns the rate for c, or fallback when c has no entry.
func (t RateTable) Rate(c payment.Category, fallback decimal.Decimal) decimal.Decimal {
	if r, ok := t[c]; ok {
		return r
	}
	return fallback
}
