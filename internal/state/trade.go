package state

import (
	"fmt"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
)

// OpenRequest opens a position or increases one in the same direction.
type OpenRequest struct {
	Trader        uuid.UUID
	Side          event.Side
	QuoteAmount   int64 // margin posted, quote
	Leverage      int64
	MinBaseAmount int64 // 0 = no floor
	Block         int64
}

// CloseRequest reduces a position by a quote amount, or closes it in full.
type CloseRequest struct {
	Trader         uuid.UUID
	QuoteAmount    int64
	Full           bool
	MinQuoteAmount int64 // full close. long: minimum proceeds; short: maximum cost. 0 = no limit
	// Partial reduce, where the quote is fixed. long: maximum base sold;
	// short: minimum base bought back. 0 = no limit
	BaseAmountLimit int64
	Block           int64
}

// tradeLeg is the curve and margin outcome of one position change.
type tradeLeg struct {
	amm            AMM
	position       *Position // nil when the position was closed
	exchangedSize  int64
	exchangedQuote int64
	realizedPnl    int64
	settlement     MarginSettlement
}

// OpenOrIncrease prepares an open or same-direction increase.
func (m *Market) OpenOrIncrease(req OpenRequest) (*Change, error) {
	fp := m.Params.Decimals

	if req.QuoteAmount <= 0 {
		return nil, fmt.Errorf("%w: quote amount %d", ErrInvalidAmount, req.QuoteAmount)
	}
	if req.Leverage <= 0 {
		return nil, fmt.Errorf("%w: leverage %d", ErrInvalidLeverage, req.Leverage)
	}
	if req.Side != event.SideLong && req.Side != event.SideShort {
		return nil, fmt.Errorf("%w: side %s", ErrInvalidDirection, req.Side)
	}
	isLong := req.Side == event.SideLong

	old, exists := m.Positions.GetPosition(req.Trader, m.Params.MarketID)
	if exists && old.IsShort() == isLong {
		return nil, fmt.Errorf("%w: holding %s, requested %s", ErrInvalidDirection, old.Side(), req.Side)
	}

	notional := fp.Mul(req.QuoteAmount, req.Leverage)
	openNotionalDelta := fp.Div(notional, fp.Add(fp.One(), m.Params.FeeRatio))
	marginRequirement := fp.Div(openNotionalDelta, req.Leverage)
	fee := fp.Sub(req.QuoteAmount, marginRequirement)
	if fee < 0 {
		fee = 0
	}

	swap, err := m.AMM.SwapInput(fp, isLong, openNotionalDelta)
	if err != nil {
		return nil, err
	}
	if swap.BaseAmount < req.MinBaseAmount {
		return nil, fmt.Errorf("%w: base %s < min %s", ErrSlippageExceeded,
			fp.Format(swap.BaseAmount), fp.Format(req.MinBaseAmount))
	}

	baseDelta := swap.BaseAmount
	if !isLong {
		baseDelta = -baseDelta
	}

	var oldSize, oldMargin, oldOpenNotional, checkpoint, version int64
	if exists {
		oldSize, oldMargin, oldOpenNotional = old.Size, old.Margin, old.OpenNotional
		checkpoint, version = old.LastUpdatedCumulativePremiumFraction, old.Version
	}

	s := CalcRemainMarginWithFundingPayment(fp, m.AMM.CumulativePremiumFraction,
		oldSize, oldMargin, checkpoint, marginRequirement)
	if s.BadDebt > 0 {
		return nil, fmt.Errorf("%w: increase leaves bad debt %s", ErrInsufficientMargin, fp.Format(s.BadDebt))
	}

	next := &Position{
		Trader:                               req.Trader,
		MarketID:                             m.Params.MarketID,
		Size:                                 fp.Add(oldSize, baseDelta),
		Margin:                               s.RemainMargin,
		OpenNotional:                         fp.Add(oldOpenNotional, openNotionalDelta),
		LastUpdatedCumulativePremiumFraction: s.LatestCumulativePremiumFraction,
		BlockNumber:                          req.Block,
		Version:                              version,
	}
	nextAMM := m.AMM.withTrade(fp, swap, baseDelta, isLong).withOpenInterestDelta(openNotionalDelta)

	ratio, err := MarginRatio(fp, nextAMM, next)
	if err != nil {
		return nil, err
	}
	if err := RequireMoreMarginRatio(ratio, m.Params.InitMarginRatio, true); err != nil {
		return nil, err
	}

	kind := ChangeOpen
	if exists {
		kind = ChangeIncrease
	}

	return &Change{
		Kind:                  kind,
		MarketID:              m.Params.MarketID,
		Trader:                req.Trader,
		Block:                 req.Block,
		AMM:                   nextAMM,
		Position:              next,
		ExchangedPositionSize: baseDelta,
		ExchangedQuoteAmount:  openNotionalDelta,
		FundingPayment:        s.FundingPayment,
		Fee:                   fee,
		MarginToVault:         marginRequirement,
		TouchesReserves:       true,
		Transfers: []ledger.Transfer{
			{From: m.Accounts.TraderFunds, To: m.Accounts.ClearingHouse, Amount: marginRequirement, Type: ledger.JournalTypeMarginDeposit},
			{From: m.Accounts.TraderFunds, To: m.Accounts.InsuranceFund, Amount: fee, Type: ledger.JournalTypeTradeFee},
		},
	}, nil
}

// ReduceOrClose prepares a reduction by req.QuoteAmount of notional, or a
// full close. Reducing by exactly the current notional closes.
func (m *Market) ReduceOrClose(req CloseRequest) (*Change, error) {
	fp := m.Params.Decimals

	pos, ok := m.Positions.GetPosition(req.Trader, m.Params.MarketID)
	if !ok {
		return nil, ErrEmptyPosition
	}
	if !req.Full && req.QuoteAmount <= 0 {
		return nil, fmt.Errorf("%w: quote amount %d", ErrInvalidAmount, req.QuoteAmount)
	}

	notional, pnl, err := PositionNotionalAndUnrealizedPnl(fp, m.AMM, pos)
	if err != nil {
		return nil, err
	}

	if req.Full || req.QuoteAmount == notional {
		leg, err := m.closeLeg(pos, req.Block)
		if err != nil {
			return nil, err
		}
		if err := checkQuoteLimit(fp, pos, leg.exchangedQuote, req.MinQuoteAmount); err != nil {
			return nil, err
		}
		return m.closeChange(ChangeClose, req.Trader, req.Block, leg), nil
	}

	if req.QuoteAmount > notional {
		return nil, fmt.Errorf("%w: reduce %s > notional %s", ErrInvalidReduction,
			fp.Format(req.QuoteAmount), fp.Format(notional))
	}

	leg, err := m.reduceLeg(pos, notional, pnl, req.QuoteAmount, req.Block)
	if err != nil {
		return nil, err
	}
	if err := checkBaseLimit(fp, pos, fpmath.Abs(leg.exchangedSize), req.BaseAmountLimit); err != nil {
		return nil, err
	}

	return &Change{
		Kind:                  ChangeReduce,
		MarketID:              m.Params.MarketID,
		Trader:                req.Trader,
		Block:                 req.Block,
		AMM:                   leg.amm,
		Position:              leg.position,
		ExchangedPositionSize: leg.exchangedSize,
		ExchangedQuoteAmount:  leg.exchangedQuote,
		RealizedPnl:           leg.realizedPnl,
		FundingPayment:        leg.settlement.FundingPayment,
		BadDebt:               leg.settlement.BadDebt,
		TouchesReserves:       true,
		Transfers: []ledger.Transfer{
			{From: m.Accounts.InsuranceFund, To: m.Accounts.ClearingHouse, Amount: leg.settlement.BadDebt, Type: ledger.JournalTypeBadDebtCoverage},
		},
	}, nil
}

// AddMargin posts more margin. Pending funding is left unsettled.
func (m *Market) AddMargin(trader uuid.UUID, amount, block int64) (*Change, error) {
	fp := m.Params.Decimals
	if amount <= 0 {
		return nil, fmt.Errorf("%w: margin %d", ErrInvalidAmount, amount)
	}
	pos, ok := m.Positions.GetPosition(trader, m.Params.MarketID)
	if !ok {
		return nil, ErrEmptyPosition
	}

	pos.Margin = fp.Add(pos.Margin, amount)
	pos.BlockNumber = block

	return &Change{
		Kind:          ChangeAddMargin,
		MarketID:      m.Params.MarketID,
		Trader:        trader,
		Block:         block,
		AMM:           m.AMM,
		Position:      pos,
		MarginToVault: amount,
		Transfers: []ledger.Transfer{
			{From: m.Accounts.TraderFunds, To: m.Accounts.ClearingHouse, Amount: amount, Type: ledger.JournalTypeMarginDeposit},
		},
	}, nil
}

// RemoveMargin withdraws margin after settling pending funding. The
// withdrawal may neither create bad debt nor breach the initial ratio.
func (m *Market) RemoveMargin(trader uuid.UUID, amount, block int64) (*Change, error) {
	fp := m.Params.Decimals
	if amount <= 0 {
		return nil, fmt.Errorf("%w: margin %d", ErrInvalidAmount, amount)
	}
	pos, ok := m.Positions.GetPosition(trader, m.Params.MarketID)
	if !ok {
		return nil, ErrEmptyPosition
	}

	s := CalcRemainMarginWithFundingPayment(fp, m.AMM.CumulativePremiumFraction,
		pos.Size, pos.Margin, pos.LastUpdatedCumulativePremiumFraction, -amount)
	if s.BadDebt > 0 {
		return nil, fmt.Errorf("%w: short by %s", ErrWithdrawalWouldCreateBadDebt, fp.Format(s.BadDebt))
	}

	pos.Margin = s.RemainMargin
	pos.LastUpdatedCumulativePremiumFraction = s.LatestCumulativePremiumFraction
	pos.BlockNumber = block

	ratio, err := MarginRatio(fp, m.AMM, pos)
	if err != nil {
		return nil, err
	}
	if err := RequireMoreMarginRatio(ratio, m.Params.InitMarginRatio, true); err != nil {
		return nil, err
	}

	return &Change{
		Kind:           ChangeRemoveMargin,
		MarketID:       m.Params.MarketID,
		Trader:         trader,
		Block:          block,
		AMM:            m.AMM,
		Position:       pos,
		FundingPayment: s.FundingPayment,
		MarginToVault:  -amount,
		Transfers: []ledger.Transfer{
			{From: m.Accounts.ClearingHouse, To: m.Accounts.TraderFunds, Amount: amount, Type: ledger.JournalTypeMarginWithdrawal},
		},
	}, nil
}

// closeLeg swaps the whole position back into the curve.
func (m *Market) closeLeg(pos *Position, block int64) (tradeLeg, error) {
	fp := m.Params.Decimals

	// Closing a short buys base back.
	isBuyBase := pos.IsShort()
	swap, err := m.AMM.SwapOutput(fp, isBuyBase, fpmath.Abs(pos.Size))
	if err != nil {
		return tradeLeg{}, err
	}

	pnl := unrealizedPnl(pos, swap.QuoteAmount)
	s := CalcRemainMarginWithFundingPayment(fp, m.AMM.CumulativePremiumFraction,
		pos.Size, pos.Margin, pos.LastUpdatedCumulativePremiumFraction, pnl)

	exchangedSize := -pos.Size
	return tradeLeg{
		amm:            m.AMM.withTrade(fp, swap, exchangedSize, isBuyBase).withOpenInterestDelta(-pos.OpenNotional),
		exchangedSize:  exchangedSize,
		exchangedQuote: swap.QuoteAmount,
		realizedPnl:    pnl,
		settlement:     s,
	}, nil
}

// reduceLeg swaps quoteAmount of notional and realizes the matching slice
// of unrealized PnL.
func (m *Market) reduceLeg(pos *Position, notional, pnl, quoteAmount, block int64) (tradeLeg, error) {
	fp := m.Params.Decimals

	// Reducing a short buys base back.
	isBuyBase := pos.IsShort()
	swap, err := m.AMM.SwapInput(fp, isBuyBase, quoteAmount)
	if err != nil {
		return tradeLeg{}, err
	}

	exchangedSize := swap.BaseAmount
	if !isBuyBase {
		exchangedSize = -exchangedSize
	}
	if swap.BaseAmount >= fpmath.Abs(pos.Size) {
		return tradeLeg{}, fmt.Errorf("%w: exchanged %s of %s", ErrInvalidReduction,
			fp.Format(swap.BaseAmount), fp.Format(fpmath.Abs(pos.Size)))
	}

	realized := fp.MulDiv(pnl, swap.BaseAmount, fpmath.Abs(pos.Size))
	s := CalcRemainMarginWithFundingPayment(fp, m.AMM.CumulativePremiumFraction,
		pos.Size, pos.Margin, pos.LastUpdatedCumulativePremiumFraction, realized)

	pnlAfter := fp.Sub(pnl, realized)
	var remainOpenNotional int64
	if pos.IsShort() {
		remainOpenNotional = fp.Sub(fp.Add(pnlAfter, notional), swap.QuoteAmount)
	} else {
		remainOpenNotional = fp.Sub(fp.Sub(notional, swap.QuoteAmount), pnlAfter)
	}
	if remainOpenNotional <= 0 {
		return tradeLeg{}, fmt.Errorf("%w: remaining open notional %s", ErrInvalidReduction, fp.Format(remainOpenNotional))
	}

	next := pos.Clone()
	next.Size = fp.Add(pos.Size, exchangedSize)
	next.Margin = s.RemainMargin
	next.OpenNotional = remainOpenNotional
	next.LastUpdatedCumulativePremiumFraction = s.LatestCumulativePremiumFraction
	next.BlockNumber = block

	openInterestDelta := fp.Sub(remainOpenNotional, pos.OpenNotional)
	return tradeLeg{
		amm:            m.AMM.withTrade(fp, swap, exchangedSize, isBuyBase).withOpenInterestDelta(openInterestDelta),
		position:       next,
		exchangedSize:  exchangedSize,
		exchangedQuote: swap.QuoteAmount,
		realizedPnl:    realized,
		settlement:     s,
	}, nil
}

// closeChange builds the committed form of a voluntary full close.
func (m *Market) closeChange(kind ChangeKind, trader uuid.UUID, block int64, leg tradeLeg) *Change {
	s := leg.settlement
	return &Change{
		Kind:                  kind,
		MarketID:              m.Params.MarketID,
		Trader:                trader,
		Block:                 block,
		AMM:                   leg.amm,
		RemovePosition:        true,
		ExchangedPositionSize: leg.exchangedSize,
		ExchangedQuoteAmount:  leg.exchangedQuote,
		RealizedPnl:           leg.realizedPnl,
		FundingPayment:        s.FundingPayment,
		BadDebt:               s.BadDebt,
		MarginToVault:         -s.RemainMargin,
		TouchesReserves:       true,
		Transfers: []ledger.Transfer{
			{From: m.Accounts.InsuranceFund, To: m.Accounts.ClearingHouse, Amount: s.BadDebt, Type: ledger.JournalTypeBadDebtCoverage},
			{From: m.Accounts.ClearingHouse, To: m.Accounts.TraderFunds, Amount: s.RemainMargin, Type: ledger.JournalTypeMarginWithdrawal},
		},
	}
}

func checkBaseLimit(fp fpmath.DecimalConfig, pos *Position, exchangedBase, limit int64) error {
	if limit == 0 {
		return nil
	}
	if pos.IsShort() {
		if exchangedBase < limit {
			return fmt.Errorf("%w: bought %s < min %s", ErrSlippageExceeded, fp.Format(exchangedBase), fp.Format(limit))
		}
		return nil
	}
	if exchangedBase > limit {
		return fmt.Errorf("%w: sold %s > max %s", ErrSlippageExceeded, fp.Format(exchangedBase), fp.Format(limit))
	}
	return nil
}

func checkQuoteLimit(fp fpmath.DecimalConfig, pos *Position, exchangedQuote, limit int64) error {
	if limit == 0 {
		return nil
	}
	if pos.IsShort() {
		if exchangedQuote > limit {
			return fmt.Errorf("%w: cost %s > max %s", ErrSlippageExceeded, fp.Format(exchangedQuote), fp.Format(limit))
		}
		return nil
	}
	if exchangedQuote < limit {
		return fmt.Errorf("%w: proceeds %s < min %s", ErrSlippageExceeded, fp.Format(exchangedQuote), fp.Format(limit))
	}
	return nil
}
