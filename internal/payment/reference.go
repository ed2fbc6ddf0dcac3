package payment

import (
	"github.com/oklog/ulid/v2"
)

var referencePrefixes = map[Category]string{
	CategoryFarmerRegistration: "REG",
	CategoryProductPurchase:    "PUR",
	CategoryServiceFee:         "SVC",
	CategoryCommissionPayout:   "COM",
	CategoryAgentWithdrawal:    "WTH",
	CategoryRefund:             "REF",
}

// NewTransactionRef generates a fresh, unique transaction reference such as
// REG_01HMZ3K4Q8T7V5X2N9B6C1D0EF. Every logical attempt needs its own.
func NewTransactionRef(c Category) string {
	prefix, ok := referencePrefixes[c]
	if !ok {
		prefix = "PAY"
	}
	return prefix + "_" + ulid.Make().String()
}
