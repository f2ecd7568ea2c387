package state

import (
	"errors"

	"PerpVAMM/internal/ledger"

	"github.com/google/uuid"
)

// LiquidationMode tells whether a liquidation left the position open
type LiquidationMode int32

const (
	LiquidationModePartial LiquidationMode = iota
	LiquidationModeFull
)

func (lm LiquidationMode) String() string {
	switch lm {
	case LiquidationModePartial:
		return "Partial"
	case LiquidationModeFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// LiquidationRecord describes one committed liquidation
type LiquidationRecord struct {
	LiquidationID         uuid.UUID       `json:"liquidation_id"`
	MarketID              string          `json:"market_id"`
	Trader                uuid.UUID       `json:"trader"`
	Liquidator            uuid.UUID       `json:"liquidator"`
	Mode                  LiquidationMode `json:"mode"`
	Block                 int64           `json:"block"`
	MarginRatioBefore     int64           `json:"margin_ratio_before"`
	ExchangedPositionSize int64           `json:"exchanged_position_size"`
	ExchangedQuoteAmount  int64           `json:"exchanged_quote_amount"`
	FeeToLiquidator       int64           `json:"fee_to_liquidator"`
	FeeToInsuranceFund    int64           `json:"fee_to_insurance_fund"`
	BadDebt               int64           `json:"bad_debt"` // position shortfall plus any uncovered liquidator fee
}

// LiquidationManager keeps the most recent liquidations of one market
type LiquidationManager struct {
	capacity int
	records  []LiquidationRecord
}

func NewLiquidationManager(capacity int) *LiquidationManager {
	if capacity <= 0 {
		capacity = 1
	}
	return &LiquidationManager{
		capacity: capacity,
		records:  make([]LiquidationRecord, 0, capacity),
	}
}

// Record appends a liquidation, evicting the oldest when full
func (lm *LiquidationManager) Record(r LiquidationRecord) {
	if len(lm.records) == lm.capacity {
		copy(lm.records, lm.records[1:])
		lm.records = lm.records[:len(lm.records)-1]
	}
	lm.records = append(lm.records, r)
}

// Recent returns up to limit of the newest records, oldest first
func (lm *LiquidationManager) Recent(limit int) []LiquidationRecord {
	from := 0
	if limit > 0 && limit < len(lm.records) {
		from = len(lm.records) - limit
	}
	out := make([]LiquidationRecord, len(lm.records)-from)
	copy(out, lm.records[from:])
	return out
}

// Restore replaces retained records (used for snapshot restore)
func (lm *LiquidationManager) Restore(records []LiquidationRecord) {
	lm.records = lm.records[:0]
	for _, r := range records {
		lm.Record(r)
	}
}

// Liquidate prepares the liquidation of trader by liquidator. A partial
// liquidation is tried first when the market enables it and the position
// still covers its penalty; otherwise the position is closed in full.
// The caller assigns the record's LiquidationID.
func (m *Market) Liquidate(liquidator, trader uuid.UUID, block int64) (*Change, error) {
	fp := m.Params.Decimals

	pos, ok := m.Positions.GetPosition(trader, m.Params.MarketID)
	if !ok {
		return nil, ErrEmptyPosition
	}

	ratio, err := MarginRatio(fp, m.AMM, pos)
	if err != nil {
		return nil, err
	}
	if err := RequireMoreMarginRatio(ratio, m.Params.MaintenanceMarginRatio, false); err != nil {
		return nil, err
	}

	partial := m.Params.PartialLiquidationRatio
	if partial > 0 && partial < fp.One() && ratio > m.Params.LiquidationFeeRatio {
		ch, err := m.partialLiquidation(liquidator, pos, ratio, block)
		if err != nil {
			return nil, err
		}
		if ch != nil {
			return ch, nil
		}
	}

	return m.fullLiquidation(liquidator, pos, ratio, block)
}

// partialLiquidation returns nil without error when the position has to be
// closed in full instead.
func (m *Market) partialLiquidation(liquidator uuid.UUID, pos *Position, ratio, block int64) (*Change, error) {
	fp := m.Params.Decimals

	notional, pnl, err := PositionNotionalAndUnrealizedPnl(fp, m.AMM, pos)
	if err != nil {
		return nil, err
	}

	leg, err := m.reduceLeg(pos, notional, pnl, fp.Mul(notional, m.Params.PartialLiquidationRatio), block)
	if errors.Is(err, ErrInvalidReduction) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if leg.settlement.BadDebt > 0 {
		return nil, nil
	}

	penalty := fp.Mul(leg.exchangedQuote, m.Params.LiquidationFeeRatio)
	if leg.position.Margin < penalty {
		return nil, nil
	}
	toLiquidator := fp.Div(penalty, fp.FromInt(2))
	toInsurance := fp.Sub(penalty, toLiquidator)

	next := leg.position
	next.Margin = fp.Sub(next.Margin, penalty)

	after, err := MarginRatio(fp, leg.amm, next)
	if err != nil {
		return nil, err
	}
	if after < ratio {
		return nil, nil
	}

	return &Change{
		Kind:                  ChangePartialLiquidation,
		MarketID:              m.Params.MarketID,
		Trader:                pos.Trader,
		Block:                 block,
		AMM:                   leg.amm,
		Position:              next,
		ExchangedPositionSize: leg.exchangedSize,
		ExchangedQuoteAmount:  leg.exchangedQuote,
		RealizedPnl:           leg.realizedPnl,
		FundingPayment:        leg.settlement.FundingPayment,
		Fee:                   penalty,
		TouchesReserves:       true,
		Liquidation: &LiquidationRecord{
			MarketID:              m.Params.MarketID,
			Trader:                pos.Trader,
			Liquidator:            liquidator,
			Mode:                  LiquidationModePartial,
			Block:                 block,
			MarginRatioBefore:     ratio,
			ExchangedPositionSize: leg.exchangedSize,
			ExchangedQuoteAmount:  leg.exchangedQuote,
			FeeToLiquidator:       toLiquidator,
			FeeToInsuranceFund:    toInsurance,
		},
		Transfers: []ledger.Transfer{
			{From: m.Accounts.ClearingHouse, To: m.Accounts.LiquidatorCredit(liquidator), Amount: toLiquidator, Type: ledger.JournalTypeLiquidationFee},
			{From: m.Accounts.ClearingHouse, To: m.Accounts.InsuranceFund, Amount: toInsurance, Type: ledger.JournalTypeLiquidationPenalty},
		},
	}, nil
}

func (m *Market) fullLiquidation(liquidator uuid.UUID, pos *Position, ratio, block int64) (*Change, error) {
	fp := m.Params.Decimals

	leg, err := m.closeLeg(pos, block)
	if err != nil {
		return nil, err
	}

	remain := leg.settlement.RemainMargin
	badDebt := leg.settlement.BadDebt
	fee := fp.Div(fp.Mul(leg.exchangedQuote, m.Params.LiquidationFeeRatio), fp.FromInt(2))

	var toInsurance int64
	if fee > remain {
		badDebt = fp.Add(badDebt, fp.Sub(fee, remain))
	} else {
		toInsurance = fp.Sub(remain, fee)
	}

	return &Change{
		Kind:                  ChangeLiquidation,
		MarketID:              m.Params.MarketID,
		Trader:                pos.Trader,
		Block:                 block,
		AMM:                   leg.amm,
		RemovePosition:        true,
		ExchangedPositionSize: leg.exchangedSize,
		ExchangedQuoteAmount:  leg.exchangedQuote,
		RealizedPnl:           leg.realizedPnl,
		FundingPayment:        leg.settlement.FundingPayment,
		BadDebt:               badDebt,
		Fee:                   fee,
		MarginToVault:         -remain,
		TouchesReserves:       true,
		Liquidation: &LiquidationRecord{
			MarketID:              m.Params.MarketID,
			Trader:                pos.Trader,
			Liquidator:            liquidator,
			Mode:                  LiquidationModeFull,
			Block:                 block,
			MarginRatioBefore:     ratio,
			ExchangedPositionSize: leg.exchangedSize,
			ExchangedQuoteAmount:  leg.exchangedQuote,
			FeeToLiquidator:       fee,
			FeeToInsuranceFund:    toInsurance,
			BadDebt:               badDebt,
		},
		Transfers: []ledger.Transfer{
			{From: m.Accounts.InsuranceFund, To: m.Accounts.ClearingHouse, Amount: badDebt, Type: ledger.JournalTypeBadDebtCoverage},
			{From: m.Accounts.ClearingHouse, To: m.Accounts.LiquidatorCredit(liquidator), Amount: fee, Type: ledger.JournalTypeLiquidationFee},
			{From: m.Accounts.ClearingHouse, To: m.Accounts.InsuranceFund, Amount: toInsurance, Type: ledger.JournalTypeLiquidationRemainder},
		},
	}, nil
}
