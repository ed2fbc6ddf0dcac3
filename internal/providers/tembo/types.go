package tembo

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"agripay/internal/payment"
)

// CollectionChannel returns the C2B channel code for a carrier.
func CollectionChannel(c payment.Carrier) string {
	return "TZ-" + string(c) + "-C2B"
}

// PayoutServiceCode returns the B2C service code for a carrier.
func PayoutServiceCode(c payment.Carrier) string {
	return "TZ-" + string(c) + "-B2C"
}

// CollectionRequest is the body of a USSD push collection.
type CollectionRequest struct {
	Channel         string      `json:"channel"`
	MSISDN          string      `json:"msisdn"`
	Amount          json.Number `json:"amount"`
	TransactionRef  string      `json:"transactionRef"`
	Narration       string      `json:"narration,omitempty"`
	TransactionDate string      `json:"transactionDate"`
	CallbackURL     string      `json:"callbackUrl,omitempty"`
}

// PayoutRequest is the body of a wallet-to-mobile transfer.
type PayoutRequest struct {
	CountryCode     string      `json:"countryCode"`
	AccountNo       string      `json:"accountNo"`
	ServiceCode     string      `json:"serviceCode"`
	Amount          json.Number `json:"amount"`
	MSISDN          string      `json:"msisdn"`
	Narration       string      `json:"narration,omitempty"`
	CurrencyCode    string      `json:"currencyCode"`
	RecipientNames  string      `json:"recipientNames,omitempty"`
	TransactionRef  string      `json:"transactionRef"`
	TransactionDate string      `json:"transactionDate"`
	CallbackURL     string      `json:"callbackUrl,omitempty"`
}

// StatusRequest queries one transaction.
type StatusRequest struct {
	TransactionRef string `json:"transactionRef,omitempty"`
	TransactionID  string `json:"transactionId,omitempty"`
}

// Response is the common envelope of collection, payout and status answers.
type Response struct {
	Success        bool   `json:"success"`
	Message        string `json:"message,omitempty"`
	TransactionID  string `json:"transactionId,omitempty"`
	TransactionRef string `json:"transactionRef,omitempty"`
	Status         string `json:"status,omitempty"`
	PaymentStatus  string `json:"paymentStatus,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

type BalanceRequest struct {
	AccountNo string `json:"accountNo"`
}

// BalanceResponse is the wallet balance answer.
type BalanceResponse struct {
	Success          bool            `json:"success"`
	Message          string          `json:"message,omitempty"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	Currency         string          `json:"currency"`
	AccountNo        string          `json:"accountNo,omitempty"`
}

type StatementRequest struct {
	AccountNo string `json:"accountNo"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// Transaction is one wallet statement line.
type Transaction struct {
	TransactionID   string          `json:"transactionId"`
	TransactionRef  string          `json:"transactionRef,omitempty"`
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	Narration       string          `json:"narration,omitempty"`
	TransactionDate string          `json:"transactionDate,omitempty"`
	CounterParty    string          `json:"counterParty,omitempty"`
}

// StatementResponse is the wallet statement answer.
type StatementResponse struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message,omitempty"`
	Transactions []Transaction   `json:"transactions"`
	TotalCount   int             `json:"totalCount"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	Currency     string          `json:"currency,omitempty"`
}
