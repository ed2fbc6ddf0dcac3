package ledger

import (
	"fmt"

	"agripay/internal/ledger/domain"
	"agripay/internal/payment"
)

// assetAccount is where money collected or paid through a provider sits.
func assetAccount(p payment.ProviderName) string {
	switch p {
	case payment.ProviderCash:
		return domain.AccountAgentCash
	case payment.ProviderBank, payment.ProviderCardProcessor:
		return domain.AccountBankClearing
	default:
		return domain.AccountMobileFloat
	}
}

var revenueAccounts = map[payment.Category]string{
	payment.CategoryFarmerRegistration: domain.AccountRegistrations,
	payment.CategoryProductPurchase:    domain.AccountProductSales,
	payment.CategoryServiceFee:         domain.AccountServiceFees,
	payment.CategorySubscriptionFee:    domain.AccountSubscriptions,
}

var outboundAccounts = map[payment.Category]string{
	payment.CategoryCommissionPayout: domain.AccountAgentCommission,
	payment.CategoryAgentWithdrawal:  domain.AccountAgentPayables,
	payment.CategoryRefund:           domain.AccountRefunds,
}

// paymentEntries adds the entries that book a completed payment.
//
// Inbound: the provider's asset is debited the total; revenue is credited
// the amount and transaction fees the fee.
// Outbound: the category's expense, liability or contra-revenue account is
// debited the amount and processing costs the fee; the provider's asset is
// credited the total.
func paymentEntries(b *domain.BatchBuilder, p *payment.Payment) error {
	asset := assetAccount(p.Provider)

	if p.Direction == payment.DirectionInbound {
		revenue, ok := revenueAccounts[p.Category]
		if !ok {
			return fmt.Errorf("no revenue account for category %s", p.Category)
		}
		b.Debit(asset, p.Total, "Collected "+p.TransactionRef).
			Credit(revenue, p.Amount, string(p.Category)).
			Credit(domain.AccountTransactionFees, p.Fees, "Fee on "+p.TransactionRef)
		return nil
	}

	account, ok := outboundAccounts[p.Category]
	if !ok {
		return fmt.Errorf("no outbound account for category %s", p.Category)
	}
	b.Debit(account, p.Amount, string(p.Category)).
		Debit(domain.AccountProcessingCosts, p.Fees, "Fee on "+p.TransactionRef).
		Credit(asset, p.Total, "Paid out "+p.TransactionRef)
	return nil
}
