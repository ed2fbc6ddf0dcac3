package money

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	TZS Currency = "TZS"
	KES Currency = "KES"
	UGX Currency = "UGX"
	USD Currency = "USD"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int32 // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	TZS: {Code: TZS, MinorUnits: 2, Symbol: "TSh ", SymbolFirst: true},
	KES: {Code: KES, MinorUnits: 2, Symbol: "KSh ", SymbolFirst: true},
	UGX: {Code: UGX, MinorUnits: 0, Symbol: "USh ", SymbolFirst: true},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// CheckPrecision returns an error when c is not a supported currency or
// amount carries more decimal places than c allows.
func CheckPrecision(amount decimal.Decimal, c Currency) error {
	info, ok := currencies[c]
	if !ok {
		return fmt.Errorf("unsupported currency %q", c)
	}
	if !amount.Equal(amount.Truncate(info.MinorUnits)) {
		return fmt.Errorf("%s amounts allow at most %d decimal places", c, info.MinorUnits)
	}
	return nil
}

// Money represents an exact monetary amount in major units.
// Amounts are fixed-point decimals and never pass through float64.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// New creates a new Money value
func New(amount decimal.Decimal, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// Parse creates Money from a decimal string such as "5000.00"
func Parse(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustParse is Parse that panics on malformed input. Intended for constants and tests.
func MustParse(amount string, currency Currency) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// MustAdd adds two money values, panics on currency mismatch
func (m Money) MustAdd(other Money) Money {
	result, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// MulRate multiplies by a rate and rounds half away from zero to the given
// number of decimal places. For non-negative amounts this is half-up rounding.
func (m Money) MulRate(rate decimal.Decimal, places int32) Money {
	return Money{Amount: m.Amount.Mul(rate).Round(places), Currency: m.Currency}
}

// Round rounds to the currency's minor units
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(m.Currency.MinorUnits()), Currency: m.Currency}
}

// MinorUnits returns the currency's decimal places, 2 when unknown.
func (c Currency) MinorUnits() int32 {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return 2
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Equal checks equality regardless of trailing zeros (5000 == 5000.00)
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// Between reports whether min <= m <= max, ignoring currency.
func (m Money) Between(min, max decimal.Decimal) bool {
	return m.Amount.GreaterThanOrEqual(min) && m.Amount.LessThanOrEqual(max)
}

// StringFixed renders the amount with the currency's minor units, no symbol
func (m Money) StringFixed() string {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	return m.Amount.StringFixed(info.MinorUnits)
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%s %s", m.Amount.String(), m.Currency)
	}
	if info.SymbolFirst {
		return info.Symbol + m.StringFixed()
	}
	return m.StringFixed() + info.Symbol
}

// MarshalJSON renders the amount as a decimal string so no precision is lost
// in JavaScript clients.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.StringFixed(),
		Currency: string(m.Currency),
	})
}

// UnmarshalJSON accepts the amount as either a JSON string or number
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.Amount = v.Amount
	m.Currency = Currency(v.Currency)
	return nil
}

// Sum adds up multiple money values
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}

	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
