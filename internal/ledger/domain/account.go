package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"agripay/internal/common/money"
)

// AccountType represents the type of ledger account
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// NormalBalance represents the normal balance side of an account
type NormalBalance string

const (
	NormalBalanceDebit  NormalBalance = "debit"
	NormalBalanceCredit NormalBalance = "credit"
)

// Account codes of the chart of accounts.
const (
	AccountAgentCash       = "1000"
	AccountMobileFloat     = "1100"
	AccountBankClearing    = "1200"
	AccountAgentPayables   = "2200"
	AccountRegistrations   = "4000"
	AccountProductSales    = "4100"
	AccountServiceFees     = "4200"
	AccountSubscriptions   = "4300"
	AccountTransactionFees = "4400"
	AccountRefunds         = "4900"
	AccountProcessingCosts = "5100"
	AccountAgentCommission = "5200"
)

// Account is a ledger account, keyed by its code. Balance is the running
// balance on the account's normal side.
type Account struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	AccountType   AccountType     `json:"account_type"`
	NormalBalance NormalBalance   `json:"normal_balance"`
	Currency      money.Currency  `json:"currency"`
	IsSystem      bool            `json:"is_system"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewAccount creates a new account
func NewAccount(code, name string, accountType AccountType, currency money.Currency, now time.Time) (*Account, error) {
	if code == "" {
		return nil, errors.New("code is required")
	}
	if name == "" {
		return nil, errors.New("name is required")
	}
	if currency == "" {
		return nil, errors.New("currency is required")
	}

	return &Account{
		Code:          code,
		Name:          name,
		AccountType:   accountType,
		NormalBalance: GetNormalBalance(accountType),
		Currency:      currency,
		Balance:       decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// GetNormalBalance returns the normal balance for an account type
func GetNormalBalance(accountType AccountType) NormalBalance {
	switch accountType {
	case AccountTypeAsset, AccountTypeExpense:
		return NormalBalanceDebit
	case AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue:
		return NormalBalanceCredit
	default:
		return NormalBalanceDebit
	}
}

// ChartOfAccounts returns the system accounts every deployment carries.
func ChartOfAccounts() []struct {
	Code        string
	Name        string
	AccountType AccountType
} {
	return []struct {
		Code        string
		Name        string
		AccountType AccountType
	}{
		// Assets
		{AccountAgentCash, "Agent Cash Held", AccountTypeAsset},
		{AccountMobileFloat, "Mobile Money Float", AccountTypeAsset},
		{AccountBankClearing, "Bank Clearing", AccountTypeAsset},

		// Liabilities
		{AccountAgentPayables, "Agent Payables", AccountTypeLiability},

		// Revenue
		{AccountRegistrations, "Farmer Registration Fees", AccountTypeRevenue},
		{AccountProductSales, "Product Sales", AccountTypeRevenue},
		{AccountServiceFees, "Advisory Service Fees", AccountTypeRevenue},
		{AccountSubscriptions, "Subscription Fees", AccountTypeRevenue},
		{AccountTransactionFees, "Transaction Fees", AccountTypeRevenue},
		{AccountRefunds, "Refunds Issued", AccountTypeRevenue},

		// Expenses
		{AccountProcessingCosts, "Payment Processing Costs", AccountTypeExpense},
		{AccountAgentCommission, "Agent Commissions", AccountTypeExpense},
	}
}
