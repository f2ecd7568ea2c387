package state

import (
	"fmt"

	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"

	"github.com/google/uuid"
)

// ChangeKind classifies a computed state transition
type ChangeKind int32

const (
	ChangeOpen ChangeKind = iota
	ChangeIncrease
	ChangeReduce
	ChangeClose
	ChangeAddMargin
	ChangeRemoveMargin
	ChangePartialLiquidation
	ChangeLiquidation
	ChangeFunding
	ChangeInsuranceDeposit
	ChangeRiskParams
	ChangeInitMarket
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeOpen:
		return "open"
	case ChangeIncrease:
		return "increase"
	case ChangeReduce:
		return "reduce"
	case ChangeClose:
		return "close"
	case ChangeAddMargin:
		return "add_margin"
	case ChangeRemoveMargin:
		return "remove_margin"
	case ChangePartialLiquidation:
		return "partial_liquidation"
	case ChangeLiquidation:
		return "liquidation"
	case ChangeFunding:
		return "funding"
	case ChangeInsuranceDeposit:
		return "insurance_deposit"
	case ChangeRiskParams:
		return "risk_params"
	case ChangeInitMarket:
		return "init_market"
	default:
		return "unknown"
	}
}

// Change is a fully computed, not yet committed, transition of one market.
// Computing a Change never mutates the Market; Apply commits it.
type Change struct {
	Kind     ChangeKind
	MarketID string
	Trader   uuid.UUID
	Block    int64

	AMM            AMM       // AMM after the change
	Position       *Position // position after the change; nil when untouched or removed
	RemovePosition bool

	ExchangedPositionSize int64 // signed, trader's perspective
	ExchangedQuoteAmount  int64
	RealizedPnl           int64
	FundingPayment        int64
	BadDebt               int64
	Fee                   int64
	MarginToVault         int64 // signed: > 0 trader pays in, < 0 trader is paid out

	Funding     *FundingRecord
	Liquidation *LiquidationRecord
	Params      *MarketParams

	TouchesReserves bool
	Transfers       []ledger.Transfer
}

// Market bundles one market's parameters and mutable state.
type Market struct {
	Params       *MarketParams
	AMM          AMM
	Positions    *PositionManager
	Accounts     ledger.MarketAccounts
	AMMPrices    *oracle.PriceHistory
	Funding      *FundingManager
	Liquidations *LiquidationManager
	LastBlock    int64
}

// NewMarket creates a market from validated params and initial reserves.
func NewMarket(params *MarketParams, quoteReserve, baseReserve, block int64) (*Market, error) {
	if err := ValidateMarketParams(params); err != nil {
		return nil, err
	}
	assetID, ok := ledger.GetAssetID(params.QuoteAsset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown quote asset %q", ErrInvalidMarketParams, params.QuoteAsset)
	}

	amm, err := NewAMM(quoteReserve, baseReserve, params.FundingPeriod, block)
	if err != nil {
		return nil, err
	}

	m := &Market{
		Params:       params.Clone(),
		AMM:          amm,
		Positions:    NewPositionManager(),
		Accounts:     ledger.NewMarketAccounts(params.MarketID, assetID),
		AMMPrices:    oracle.NewPriceHistory(params.TwapHistory),
		Funding:      NewFundingManager(256),
		Liquidations: NewLiquidationManager(256),
		LastBlock:    block,
	}
	if err := m.AMMPrices.Observe(block, amm.Price(params.Decimals)); err != nil {
		return nil, err
	}
	return m, nil
}

// RestoreMarket rebuilds a market around snapshotted params and curve.
// Positions and histories are restored by the caller.
func RestoreMarket(params *MarketParams, amm AMM, lastBlock int64) (*Market, error) {
	if err := ValidateMarketParams(params); err != nil {
		return nil, err
	}
	assetID, ok := ledger.GetAssetID(params.QuoteAsset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown quote asset %q", ErrInvalidMarketParams, params.QuoteAsset)
	}
	if amm.QuoteReserve <= 0 || amm.BaseReserve <= 0 {
		return nil, fmt.Errorf("%w: quote=%d base=%d", ErrInvalidReserves, amm.QuoteReserve, amm.BaseReserve)
	}
	return &Market{
		Params:       params.Clone(),
		AMM:          amm,
		Positions:    NewPositionManager(),
		Accounts:     ledger.NewMarketAccounts(params.MarketID, assetID),
		AMMPrices:    oracle.NewPriceHistory(params.TwapHistory),
		Funding:      NewFundingManager(256),
		Liquidations: NewLiquidationManager(256),
		LastBlock:    lastBlock,
	}, nil
}

// Decimals returns the market's fixed-point config
func (m *Market) Decimals() fpmath.DecimalConfig {
	return m.Params.Decimals
}

// CheckBlock rejects commands stamped before the last committed block.
func (m *Market) CheckBlock(block int64) error {
	if block < m.LastBlock {
		return fmt.Errorf("%w: %d < %d", ErrStaleBlock, block, m.LastBlock)
	}
	return nil
}

// Apply commits a change computed against this market.
func (m *Market) Apply(ch *Change) error {
	if ch.MarketID != m.Params.MarketID {
		return fmt.Errorf("change for %s applied to %s", ch.MarketID, m.Params.MarketID)
	}

	m.AMM = ch.AMM

	switch {
	case ch.RemovePosition:
		m.Positions.DeletePosition(ch.Trader, ch.MarketID)
	case ch.Position != nil:
		m.Positions.SetPosition(ch.Position)
	}

	if ch.TouchesReserves {
		if err := m.AMMPrices.Observe(ch.Block, m.AMM.Price(m.Params.Decimals)); err != nil {
			return fmt.Errorf("record amm price: %w", err)
		}
	}
	if ch.Funding != nil {
		m.Funding.Record(*ch.Funding)
	}
	if ch.Liquidation != nil {
		m.Liquidations.Record(*ch.Liquidation)
	}
	if ch.Params != nil {
		m.Params = ch.Params.Clone()
	}
	if ch.Block > m.LastBlock {
		m.LastBlock = ch.Block
	}
	return nil
}

// InitChange is the change recorded for the market's creation.
func (m *Market) InitChange() *Change {
	return &Change{
		Kind:     ChangeInitMarket,
		MarketID: m.Params.MarketID,
		Block:    m.LastBlock,
		AMM:      m.AMM,
		Params:   m.Params.Clone(),
	}
}

// DepositInsurance prepares a transfer from the external capital account
// into the market's insurance fund.
func (m *Market) DepositInsurance(amount, block int64) (*Change, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return &Change{
		Kind:     ChangeInsuranceDeposit,
		MarketID: m.Params.MarketID,
		Block:    block,
		AMM:      m.AMM,
		Transfers: []ledger.Transfer{{
			From:   m.Accounts.InsuranceCapital,
			To:     m.Accounts.InsuranceFund,
			Amount: amount,
			Type:   ledger.JournalTypeInsuranceDeposit,
		}},
	}, nil
}

// MarginRatio returns the current margin ratio of trader.
func (m *Market) MarginRatio(trader uuid.UUID) (int64, error) {
	pos, ok := m.Positions.GetPosition(trader, m.Params.MarketID)
	if !ok {
		return 0, ErrEmptyPosition
	}
	return MarginRatio(m.Params.Decimals, m.AMM, pos)
}

// PositionNotionalAndUnrealizedPnl values trader's position at current reserves.
func (m *Market) PositionNotionalAndUnrealizedPnl(trader uuid.UUID) (int64, int64, error) {
	pos, ok := m.Positions.GetPosition(trader, m.Params.MarketID)
	if !ok {
		return 0, 0, ErrEmptyPosition
	}
	return PositionNotionalAndUnrealizedPnl(m.Params.Decimals, m.AMM, pos)
}

// PersonalPositionWithFundingPayment returns the funding-settled view of
// trader's position without committing it.
func (m *Market) PersonalPositionWithFundingPayment(trader uuid.UUID) (*Position, error) {
	pos, ok := m.Positions.GetPosition(trader, m.Params.MarketID)
	if !ok {
		return nil, ErrEmptyPosition
	}
	return PersonalPositionWithFundingPayment(m.Params.Decimals, m.AMM, pos), nil
}
