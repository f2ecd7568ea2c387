package state

import (
	"fmt"

	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
)

// FundingRecord is one committed funding settlement of a market
type FundingRecord struct {
	MarketID                  string `json:"market_id"`
	Block                     int64  `json:"block"`
	AMMTwapPrice              int64  `json:"amm_twap_price"`
	OracleTwapPrice           int64  `json:"oracle_twap_price"`
	PremiumFraction           int64  `json:"premium_fraction"`
	CumulativePremiumFraction int64  `json:"cumulative_premium_fraction"`
	TotalPositionSize         int64  `json:"total_position_size"`
	AMMFundingProfit          int64  `json:"amm_funding_profit"` // > 0: insurance fund gains
	NextFundingBlock          int64  `json:"next_funding_block"`
}

// FundingManager keeps the most recent funding records of one market,
// oldest first.
type FundingManager struct {
	capacity int
	records  []FundingRecord
}

func NewFundingManager(capacity int) *FundingManager {
	if capacity <= 0 {
		capacity = 1
	}
	return &FundingManager{
		capacity: capacity,
		records:  make([]FundingRecord, 0, capacity),
	}
}

// Record appends a settlement, evicting the oldest when full
func (fm *FundingManager) Record(r FundingRecord) {
	if len(fm.records) == fm.capacity {
		copy(fm.records, fm.records[1:])
		fm.records = fm.records[:len(fm.records)-1]
	}
	fm.records = append(fm.records, r)
}

// Latest returns the last settlement
func (fm *FundingManager) Latest() (FundingRecord, bool) {
	if len(fm.records) == 0 {
		return FundingRecord{}, false
	}
	return fm.records[len(fm.records)-1], true
}

// History returns up to limit of the newest records, oldest first.
// limit <= 0 returns everything retained.
func (fm *FundingManager) History(limit int) []FundingRecord {
	from := 0
	if limit > 0 && limit < len(fm.records) {
		from = len(fm.records) - limit
	}
	out := make([]FundingRecord, len(fm.records)-from)
	copy(out, fm.records[from:])
	return out
}

// Restore replaces retained records (used for snapshot restore)
func (fm *FundingManager) Restore(records []FundingRecord) {
	fm.records = fm.records[:0]
	for _, r := range records {
		fm.Record(r)
	}
}

// NextFundingBlock schedules the settlement after one at block. The
// schedule keeps its phase, but a late settlement pushes the next one at
// least half a period out.
func NextFundingBlock(prevNext, block, period int64) int64 {
	next := prevNext + period
	if minNext := block + period/2; next < minNext {
		next = minNext
	}
	return next
}

// PayFunding prepares a funding settlement at block. oracleTwap is the
// oracle's TWAP over the funding period, supplied with the command.
func (m *Market) PayFunding(block, oracleTwap int64) (*Change, error) {
	fp := m.Params.Decimals
	amm := m.AMM

	if block < amm.NextFundingBlock {
		return nil, fmt.Errorf("%w: block %d < next funding block %d", ErrFundingNotDue, block, amm.NextFundingBlock)
	}
	if oracleTwap <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOraclePrice, oracleTwap)
	}

	ammTwap, err := m.AMMPrices.Twap(block, amm.FundingPeriod)
	if err != nil {
		return nil, fmt.Errorf("amm twap for %s: %w", m.Params.MarketID, err)
	}

	premiumFraction := fpmath.ComputePremiumFraction(fp, ammTwap, oracleTwap, amm.FundingPeriod)
	profit := fpmath.ComputeAMMFundingProfit(fp, premiumFraction, amm.TotalPositionSize)

	next := amm
	next.BaseAssetDeltaThisFundingPeriod = 0
	next.CumulativePremiumFraction = fp.Add(amm.CumulativePremiumFraction, premiumFraction)
	next.NextFundingBlock = NextFundingBlock(amm.NextFundingBlock, block, amm.FundingPeriod)

	record := &FundingRecord{
		MarketID:                  m.Params.MarketID,
		Block:                     block,
		AMMTwapPrice:              ammTwap,
		OracleTwapPrice:           oracleTwap,
		PremiumFraction:           premiumFraction,
		CumulativePremiumFraction: next.CumulativePremiumFraction,
		TotalPositionSize:         amm.TotalPositionSize,
		AMMFundingProfit:          profit,
		NextFundingBlock:          next.NextFundingBlock,
	}

	return &Change{
		Kind:     ChangeFunding,
		MarketID: m.Params.MarketID,
		Block:    block,
		AMM:      next,
		Funding:  record,
		// A negative profit is booked insurance fund -> clearing house.
		Transfers: []ledger.Transfer{
			{From: m.Accounts.ClearingHouse, To: m.Accounts.InsuranceFund, Amount: profit, Type: ledger.JournalTypeFundingSettle},
		},
	}, nil
}
