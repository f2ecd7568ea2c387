package state

import "PerpVAMM/internal/ledger"

// CanCoverDeficit reports whether the fund balance covers deficit.
func CanCoverDeficit(fundBalance int64, deficit int64) bool {
	return fundBalance >= deficit
}

// ComputeCoverage splits a debit into the part the fund covers and the
// shortfall. The shortfall belongs to the capital layer; the engine books
// the debit regardless.
func ComputeCoverage(fundBalance int64, debit int64) (covered int64, shortfall int64) {
	if fundBalance < 0 {
		fundBalance = 0
	}
	if fundBalance >= debit {
		return debit, 0
	}
	return fundBalance, debit - fundBalance
}

// InsuranceFundDebit is the net amount the transfers take out of the
// market's insurance fund. It is zero when the fund gains.
func InsuranceFundDebit(accounts ledger.MarketAccounts, transfers []ledger.Transfer) int64 {
	var net int64
	for _, t := range transfers {
		amount := t.Amount
		from, to := t.From, t.To
		if amount < 0 {
			from, to, amount = to, from, -amount
		}
		if from == accounts.InsuranceFund {
			net += amount
		}
		if to == accounts.InsuranceFund {
			net -= amount
		}
	}
	if net < 0 {
		return 0
	}
	return net
}
