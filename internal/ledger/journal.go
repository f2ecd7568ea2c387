package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMarginDeposit JournalType = iota
	JournalTypeMarginWithdrawal
	JournalTypeTradeFee
	JournalTypeFundingSettle
	JournalTypeBadDebtCoverage
	JournalTypeLiquidationFee
	JournalTypeLiquidationPenalty
	JournalTypeLiquidationRemainder
	JournalTypeInsuranceDeposit
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeMarginDeposit:
		return "margin_deposit"
	case JournalTypeMarginWithdrawal:
		return "margin_withdrawal"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeFundingSettle:
		return "funding_settle"
	case JournalTypeBadDebtCoverage:
		return "bad_debt_coverage"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeLiquidationPenalty:
		return "liquidation_penalty"
	case JournalTypeLiquidationRemainder:
		return "liquidation_remainder"
	case JournalTypeInsuranceDeposit:
		return "insurance_deposit"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Block of the source command
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount from its credit account to its debit account, so every entry is
// balanced on its own. An empty batch is valid: state-only commands such as
// a market init still get an envelope.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// Transfer is one pool movement computed by the engine: Amount moves out of
// From and into To.
type Transfer struct {
	From   AccountKey
	To     AccountKey
	Amount int64
	Type   JournalType
}
