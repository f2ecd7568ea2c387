package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateClearingHouseNonNegative checks a market's clearing house >= 0.
// A negative clearing house means payouts ran ahead of margin and coverage.
func (v *InvariantValidator) ValidateClearingHouseNonNegative(accounts MarketAccounts) error {
	return v.tracker.ValidateNonNegative(accounts.ClearingHouse)
}

// ValidateInsuranceFundNonNegative checks a market's insurance fund >= 0.
// A negative fund is unabsorbed bad debt owed by the capital layer.
func (v *InvariantValidator) ValidateInsuranceFundNonNegative(accounts MarketAccounts) error {
	return v.tracker.ValidateNonNegative(accounts.InsuranceFund)
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
