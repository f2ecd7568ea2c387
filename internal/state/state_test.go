package state_test

import (
	"testing"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice      = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob        = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	liquidator = uuid.MustParse("00000000-0000-0000-0000-0000000000ff")
)

func newMarket(t *testing.T, quote, base string, period int64, mutate func(*state.MarketParams)) *state.Market {
	t.Helper()
	p := state.DefaultMarketParams("ETH-PERP")
	p.FundingPeriod = period
	if mutate != nil {
		mutate(p)
	}
	m, err := state.NewMarket(p, p.Decimals.MustParse(quote), p.Decimals.MustParse(base), 0)
	require.NoError(t, err)
	return m
}

func commit(t *testing.T, m *state.Market, ch *state.Change, err error) *state.Change {
	t.Helper()
	require.NoError(t, err)
	require.NoError(t, m.Apply(ch))
	return ch
}

func open(t *testing.T, m *state.Market, trader uuid.UUID, side event.Side, quote, lev string) *state.Change {
	t.Helper()
	fp := m.Decimals()
	ch, err := m.OpenOrIncrease(state.OpenRequest{
		Trader:      trader,
		Side:        side,
		QuoteAmount: fp.MustParse(quote),
		Leverage:    fp.MustParse(lev),
	})
	return commit(t, m, ch, err)
}

func position(t *testing.T, m *state.Market, trader uuid.UUID) *state.Position {
	t.Helper()
	pos, ok := m.Positions.GetPosition(trader, m.Params.MarketID)
	require.True(t, ok, "expected open position")
	return pos
}

// reserves (1000, 100), 2x long of 300
func TestOpen_LongScenario(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)

	ch := open(t, m, alice, event.SideLong, "300", "2")
	assert.Equal(t, state.ChangeOpen, ch.Kind)
	assert.Equal(t, int64(37_500_000), ch.ExchangedPositionSize)
	assert.Equal(t, int64(300_000_000), ch.MarginToVault)
	assert.Zero(t, ch.Fee)

	pos := position(t, m, alice)
	assert.Equal(t, int64(37_500_000), pos.Size)
	assert.Equal(t, int64(300_000_000), pos.Margin)
	assert.Equal(t, int64(600_000_000), pos.OpenNotional)

	assert.Equal(t, int64(1_600_000_000), m.AMM.QuoteReserve)
	assert.Equal(t, int64(62_500_000), m.AMM.BaseReserve)
	assert.Equal(t, int64(37_500_000), m.AMM.TotalPositionSize)
	assert.Equal(t, int64(37_500_000), m.AMM.BaseAssetDeltaThisFundingPeriod)
	assert.Equal(t, int64(600_000_000), m.AMM.OpenInterestNotional)

	ratio, err := m.MarginRatio(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), ratio)
}

func TestFunding_SettlesLazily(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	open(t, m, alice, event.SideLong, "300", "2")
	fp := m.Decimals()

	// AMM sits at 25.6 for the whole period; the oracle at 25.59.
	ch, err := m.PayFunding(86_400, fp.MustParse("25.59"))
	commit(t, m, ch, err)

	require.NotNil(t, ch.Funding)
	assert.Equal(t, int64(25_600_000), ch.Funding.AMMTwapPrice)
	assert.Equal(t, int64(10_000), ch.Funding.PremiumFraction)
	assert.Equal(t, int64(375_000), ch.Funding.AMMFundingProfit)
	assert.Equal(t, fp.Mul(ch.Funding.PremiumFraction, ch.Funding.TotalPositionSize), ch.Funding.AMMFundingProfit)
	require.Len(t, ch.Transfers, 1)
	assert.Equal(t, m.Accounts.ClearingHouse, ch.Transfers[0].From)
	assert.Equal(t, m.Accounts.InsuranceFund, ch.Transfers[0].To)

	assert.Equal(t, int64(10_000), m.AMM.CumulativePremiumFraction)
	assert.Zero(t, m.AMM.BaseAssetDeltaThisFundingPeriod)
	assert.Equal(t, int64(172_800), m.AMM.NextFundingBlock)

	// The stored position is untouched until something settles it.
	assert.Equal(t, int64(300_000_000), position(t, m, alice).Margin)

	view, err := m.PersonalPositionWithFundingPayment(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(299_625_000), view.Margin)
	assert.Equal(t, int64(10_000), view.LastUpdatedCumulativePremiumFraction)
	assert.Equal(t, int64(300_000_000), position(t, m, alice).Margin)

	ratio, err := m.MarginRatio(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(499_375), ratio)

	hist := m.Funding.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(86_400), hist[0].Block)
}

func TestFunding_NotDue(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)

	_, err := m.PayFunding(86_399, 10_000_000)
	assert.ErrorIs(t, err, state.ErrFundingNotDue)

	_, err = m.PayFunding(86_400, 0)
	assert.ErrorIs(t, err, state.ErrInvalidOraclePrice)
}

func TestFunding_OppositePositionsAreSymmetric(t *testing.T) {
	fp := fpmath.QuoteConfig
	size := int64(37_500_000)
	cpf := int64(10_000)

	long := state.CalcRemainMarginWithFundingPayment(fp, cpf, size, 300_000_000, 0, 0)
	short := state.CalcRemainMarginWithFundingPayment(fp, cpf, -size, 300_000_000, 0, 0)

	assert.Equal(t, int64(375_000), long.FundingPayment)
	assert.Equal(t, -long.FundingPayment, short.FundingPayment)
	assert.Equal(t, int64(299_625_000), long.RemainMargin)
	assert.Equal(t, int64(300_375_000), short.RemainMargin)
	assert.Zero(t, fpmath.ComputeAMMFundingProfit(fp, cpf, size-size))
}

func TestNextFundingBlock(t *testing.T) {
	assert.Equal(t, int64(7_200), state.NextFundingBlock(3_600, 3_600, 3_600))
	assert.Equal(t, int64(7_200), state.NextFundingBlock(3_600, 4_000, 3_600))
	// settled late: at least half a period out
	assert.Equal(t, int64(11_800), state.NextFundingBlock(3_600, 10_000, 3_600))
}

// reserves (100000, 1818.181818), price 55, 3x long of 10 with a 0.36% toll
func TestOpen_WithFeeScenario(t *testing.T) {
	m := newMarket(t, "100000", "1818.181818", 3_600, func(p *state.MarketParams) {
		p.FeeRatio = p.Decimals.MustParse("0.0036")
	})

	ch, err := m.OpenOrIncrease(state.OpenRequest{
		Trader:        alice,
		Side:          event.SideLong,
		QuoteAmount:   10_000_000,
		Leverage:      3_000_000,
		MinBaseAmount: 150_000,
	})
	commit(t, m, ch, err)

	pos := position(t, m, alice)
	assert.Equal(t, int64(543_336), pos.Size)
	assert.Equal(t, int64(9_964_129), pos.Margin)
	assert.Equal(t, int64(29_892_387), pos.OpenNotional)
	assert.Equal(t, int64(35_871), ch.Fee)
	assert.Equal(t, int64(100_029_892_387), m.AMM.QuoteReserve)
	assert.Equal(t, int64(1_817_638_482), m.AMM.BaseReserve)

	ratio, err := m.MarginRatio(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(333_334), ratio)

	require.Len(t, ch.Transfers, 2)
	assert.Equal(t, m.Accounts.InsuranceFund, ch.Transfers[1].To)
	assert.Equal(t, int64(35_871), ch.Transfers[1].Amount)
}

func TestOpen_Rejections(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	fp := m.Decimals()
	before := m.AMM

	tests := []struct {
		name string
		req  state.OpenRequest
		want error
	}{
		{"zero amount", state.OpenRequest{Trader: alice, Side: event.SideLong, Leverage: fp.One()}, state.ErrInvalidAmount},
		{"zero leverage", state.OpenRequest{Trader: alice, Side: event.SideLong, QuoteAmount: fp.One()}, state.ErrInvalidLeverage},
		{"no side", state.OpenRequest{Trader: alice, QuoteAmount: fp.One(), Leverage: fp.One()}, state.ErrInvalidDirection},
		{"slippage", state.OpenRequest{Trader: alice, Side: event.SideLong, QuoteAmount: fp.MustParse("300"),
			Leverage: fp.MustParse("2"), MinBaseAmount: fp.MustParse("37.500001")}, state.ErrSlippageExceeded},
		{"over leverage", state.OpenRequest{Trader: alice, Side: event.SideLong, QuoteAmount: fp.MustParse("10"),
			Leverage: fp.MustParse("20")}, state.ErrInsufficientMargin},
		{"drains curve", state.OpenRequest{Trader: alice, Side: event.SideShort, QuoteAmount: fp.MustParse("1000"),
			Leverage: fp.MustParse("1")}, state.ErrInsufficientLiquidity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.OpenOrIncrease(tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, m.AMM)
			assert.Zero(t, m.Positions.Count())
		})
	}
}

func TestOpen_OppositeDirectionRejected(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	open(t, m, alice, event.SideLong, "300", "2")

	_, err := m.OpenOrIncrease(state.OpenRequest{
		Trader: alice, Side: event.SideShort, QuoteAmount: 1_000_000, Leverage: 1_000_000,
	})
	assert.ErrorIs(t, err, state.ErrInvalidDirection)
}

func TestOpen_IncreaseAccumulates(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	open(t, m, alice, event.SideLong, "100", "2")
	ch := open(t, m, alice, event.SideLong, "100", "2")

	assert.Equal(t, state.ChangeIncrease, ch.Kind)
	pos := position(t, m, alice)
	assert.Equal(t, int64(200_000_000), pos.Margin)
	assert.Equal(t, int64(400_000_000), pos.OpenNotional)
	assert.Equal(t, m.AMM.TotalPositionSize, pos.Size)
	assert.Equal(t, int64(2), pos.Version)
}

func TestRoundTrip_RestoresReserves(t *testing.T) {
	tests := []struct {
		name       string
		side       event.Side
		quote, lev string
		margin     int64
		size       int64
	}{
		{"long", event.SideLong, "300", "2", 300_000_000, 37_500_000},
		{"short", event.SideShort, "100", "2", 100_000_000, -25_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarket(t, "1000", "100", 86_400, nil)
			k := m.AMM.InvariantK(m.Decimals())

			open(t, m, alice, tt.side, tt.quote, tt.lev)
			assert.Equal(t, tt.size, position(t, m, alice).Size)
			assert.Equal(t, k, m.AMM.InvariantK(m.Decimals()))

			ch, err := m.ReduceOrClose(state.CloseRequest{Trader: alice, Full: true})
			commit(t, m, ch, err)

			assert.Equal(t, state.ChangeClose, ch.Kind)
			assert.True(t, ch.RemovePosition)
			assert.Equal(t, -tt.margin, ch.MarginToVault)
			assert.Zero(t, ch.BadDebt)
			assert.Zero(t, ch.RealizedPnl)
			assert.Equal(t, int64(1_000_000_000), m.AMM.QuoteReserve)
			assert.Equal(t, int64(100_000_000), m.AMM.BaseReserve)
			assert.Zero(t, m.AMM.TotalPositionSize)
			assert.Zero(t, m.AMM.OpenInterestNotional)
			assert.Zero(t, m.Positions.Count())

			_, err = m.MarginRatio(alice)
			assert.ErrorIs(t, err, state.ErrEmptyPosition)
		})
	}
}

func TestReduce_RealizesProportionalPnl(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	open(t, m, alice, event.SideLong, "300", "2")
	open(t, m, bob, event.SideLong, "100", "1")

	notional, pnl, err := m.PositionNotionalAndUnrealizedPnl(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(661_832_064), notional)
	assert.Equal(t, int64(61_832_064), pnl)

	ch, err := m.ReduceOrClose(state.CloseRequest{Trader: alice, QuoteAmount: 150_000_000})
	commit(t, m, ch, err)

	assert.Equal(t, state.ChangeReduce, ch.Kind)
	pos := position(t, m, alice)
	assert.Equal(t, int64(31_807_400), pos.Size)
	assert.Equal(t, int64(309_386_272), pos.Margin)
	assert.Equal(t, int64(459_386_272), pos.OpenNotional)
	assert.Equal(t, int64(9_386_272), ch.RealizedPnl)
	assert.Equal(t, int64(1_550_000_000), m.AMM.QuoteReserve)
	assert.Equal(t, int64(64_516_129), m.AMM.BaseReserve)
	assert.Equal(t, pos.Size+position(t, m, bob).Size, m.AMM.TotalPositionSize)
}

func TestReduce_Rejections(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)

	_, err := m.ReduceOrClose(state.CloseRequest{Trader: alice, Full: true})
	assert.ErrorIs(t, err, state.ErrEmptyPosition)

	open(t, m, alice, event.SideLong, "300", "2")

	_, err = m.ReduceOrClose(state.CloseRequest{Trader: alice, QuoteAmount: 600_000_001})
	assert.ErrorIs(t, err, state.ErrInvalidReduction)

	_, err = m.ReduceOrClose(state.CloseRequest{Trader: alice, Full: true, MinQuoteAmount: 600_000_001})
	assert.ErrorIs(t, err, state.ErrSlippageExceeded)

	// exactly the notional is a close
	ch, err := m.ReduceOrClose(state.CloseRequest{Trader: alice, QuoteAmount: 600_000_000})
	require.NoError(t, err)
	assert.Equal(t, state.ChangeClose, ch.Kind)
}

// reserves (1000, 100): a 2x short of 100, then Bob shorts 50 and Alice
// takes her profit on 50 of notional.
func TestReduce_ShortRealizesProportionalPnl(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	open(t, m, alice, event.SideShort, "100", "2")
	open(t, m, bob, event.SideShort, "50", "1")

	notional, pnl, err := m.PositionNotionalAndUnrealizedPnl(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(173_076_924), notional)
	assert.Equal(t, int64(26_923_076), pnl)

	ch, err := m.ReduceOrClose(state.CloseRequest{Trader: alice, QuoteAmount: 50_000_000})
	commit(t, m, ch, err)

	assert.Equal(t, state.ChangeReduce, ch.Kind)
	assert.Equal(t, int64(8_333_333), ch.ExchangedPositionSize)
	assert.Equal(t, int64(8_974_358), ch.RealizedPnl)
	assert.Zero(t, ch.BadDebt)

	// remaining open notional = pnlAfter + notional - exchanged
	pos := position(t, m, alice)
	assert.Equal(t, int64(-16_666_667), pos.Size)
	assert.Equal(t, int64(108_974_358), pos.Margin)
	assert.Equal(t, int64(141_025_642), pos.OpenNotional)

	assert.Equal(t, int64(800_000_000), m.AMM.QuoteReserve)
	assert.Equal(t, int64(125_000_000), m.AMM.BaseReserve)
	assert.Equal(t, pos.Size+position(t, m, bob).Size, m.AMM.TotalPositionSize)

	ratio, err := m.MarginRatio(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1_031_250), ratio)
}

func TestReduce_BaseLimit(t *testing.T) {
	tests := []struct {
		name         string
		side         event.Side
		quote, other string
		reduce       int64
		limit        int64
		wantErr      bool
	}{
		// long sells 5.6926 base for 150
		{"long within max", event.SideLong, "300", "100", 150_000_000, 5_692_600, false},
		{"long over max", event.SideLong, "300", "100", 150_000_000, 5_692_599, true},
		// short buys 8.333333 base back for 50
		{"short meets min", event.SideShort, "100", "50", 50_000_000, 8_333_333, false},
		{"short under min", event.SideShort, "100", "50", 50_000_000, 8_333_334, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarket(t, "1000", "100", 86_400, nil)
			open(t, m, alice, tt.side, tt.quote, "2")
			open(t, m, bob, tt.side, tt.other, "1")
			before := m.AMM

			ch, err := m.ReduceOrClose(state.CloseRequest{Trader: alice, QuoteAmount: tt.reduce, BaseAmountLimit: tt.limit})
			if tt.wantErr {
				assert.ErrorIs(t, err, state.ErrSlippageExceeded)
				assert.Nil(t, ch)
				assert.Equal(t, before, m.AMM)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, state.ChangeReduce, ch.Kind)
			assert.Equal(t, tt.limit, fpmath.Abs(ch.ExchangedPositionSize))
		})
	}
}

// After the price falls, reducing 50 of a long sells 15.15 base instead of
// the 3.62 it would have before the move.
func TestReduce_BaseLimitAfterAdverseMove(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	open(t, m, alice, event.SideLong, "100", "2")

	quote := fpmath.QuoteConfig.MustParse("50")
	quoted, err := m.ReduceOrClose(state.CloseRequest{Trader: alice, QuoteAmount: quote})
	require.NoError(t, err)
	assert.Equal(t, int64(-3_623_188), quoted.ExchangedPositionSize)

	open(t, m, bob, event.SideShort, "300", "2")

	_, err = m.ReduceOrClose(state.CloseRequest{Trader: alice, QuoteAmount: quote, BaseAmountLimit: 3_623_188})
	assert.ErrorIs(t, err, state.ErrSlippageExceeded)

	ch, err := m.ReduceOrClose(state.CloseRequest{Trader: alice, QuoteAmount: quote})
	require.NoError(t, err)
	assert.Equal(t, int64(-15_151_515), ch.ExchangedPositionSize)
}

func TestMargin_AddAndRemove(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)

	_, err := m.AddMargin(alice, 1_000_000, 0)
	assert.ErrorIs(t, err, state.ErrEmptyPosition)

	open(t, m, alice, event.SideLong, "300", "2")

	ch, err := m.AddMargin(alice, 50_000_000, 1)
	commit(t, m, ch, err)
	assert.Equal(t, int64(350_000_000), position(t, m, alice).Margin)
	assert.Equal(t, m.Accounts.TraderFunds, ch.Transfers[0].From)

	_, err = m.RemoveMargin(alice, 300_000_000, 2)
	assert.ErrorIs(t, err, state.ErrInsufficientMargin)

	ch, err = m.RemoveMargin(alice, 250_000_000, 2)
	commit(t, m, ch, err)
	assert.Equal(t, int64(100_000_000), position(t, m, alice).Margin)
	assert.Equal(t, int64(-250_000_000), ch.MarginToVault)
}

func TestRemoveMargin_BadDebtRejected(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	open(t, m, alice, event.SideLong, "300", "2")

	// 10 per unit of funding owed on 37.5 units exceeds the margin
	m.AMM.CumulativePremiumFraction = 10_000_000

	_, err := m.RemoveMargin(alice, 1_000_000, 1)
	assert.ErrorIs(t, err, state.ErrWithdrawalWouldCreateBadDebt)
}

func TestLiquidate_PartialImprovesRatio(t *testing.T) {
	m := newMarket(t, "1000", "100", 3_600, nil)
	open(t, m, alice, event.SideLong, "100", "10")
	open(t, m, bob, event.SideShort, "6", "10")

	before, err := m.MarginRatio(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(57_817), before)

	_, err = m.Liquidate(liquidator, bob, 1)
	assert.ErrorIs(t, err, state.ErrNotLiquidatable)

	ch, err := m.Liquidate(liquidator, alice, 1)
	commit(t, m, ch, err)

	assert.Equal(t, state.ChangePartialLiquidation, ch.Kind)
	require.NotNil(t, ch.Liquidation)
	assert.Equal(t, state.LiquidationModePartial, ch.Liquidation.Mode)
	assert.Equal(t, int64(238_807_106), ch.ExchangedQuoteAmount)
	assert.Equal(t, int64(2_985_089), ch.Liquidation.FeeToLiquidator)
	assert.Equal(t, int64(2_985_089), ch.Liquidation.FeeToInsuranceFund)

	pos := position(t, m, alice)
	assert.Equal(t, int64(42_764_110), pos.Size)
	assert.Equal(t, int64(87_550_578), pos.Margin)
	assert.Equal(t, int64(754_713_650), pos.OpenNotional)

	after, err := m.MarginRatio(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(68_756), after)
	assert.GreaterOrEqual(t, after, before)

	require.Len(t, m.Liquidations.Recent(0), 1)
}

// 8-decimal market, a long closed at 112.044818 against an open notional
// of 122.95518214 with 10 of margin.
func TestLiquidate_FullWithBadDebt(t *testing.T) {
	fp := fpmath.RateConfig
	m := newMarket(t, "224.089636", "100", 3_600, func(p *state.MarketParams) {
		p.Decimals = fp
		p.InitMarginRatio = fp.MustParse("0.1")
		p.MaintenanceMarginRatio = fp.MustParse("0.0625")
		p.LiquidationFeeRatio = fp.MustParse("0.05")
		p.PartialLiquidationRatio = 0
	})
	m.AMM.TotalPositionSize = fp.MustParse("100")
	m.Positions.RestorePosition(&state.Position{
		Trader:       alice,
		MarketID:     m.Params.MarketID,
		Size:         fp.MustParse("100"),
		Margin:       fp.MustParse("10"),
		OpenNotional: fp.MustParse("122.95518214"),
		Version:      1,
	})

	tracker := ledger.NewBalanceTracker()
	tracker.SetBalance(m.Accounts.InsuranceFund, fp.MustParse("5000"))
	tracker.SetBalance(m.Accounts.InsuranceCapital, -fp.MustParse("5000"))

	ch, err := m.Liquidate(liquidator, alice, 1)
	commit(t, m, ch, err)

	assert.Equal(t, state.ChangeLiquidation, ch.Kind)
	assert.Equal(t, fp.MustParse("112.044818"), ch.ExchangedQuoteAmount)
	assert.Equal(t, fp.MustParse("2.80112045"), ch.Liquidation.FeeToLiquidator)
	assert.Equal(t, fp.MustParse("3.71148459"), ch.BadDebt)
	assert.Zero(t, m.Positions.Count())
	assert.Zero(t, m.AMM.TotalPositionSize)

	gen := ledger.NewJournalGenerator(1)
	batch, err := gen.GenerateBatch("liq-1", 1, 1, ch.Transfers)
	require.NoError(t, err)
	require.NoError(t, tracker.ApplyBatch(batch))

	assert.Equal(t, fp.MustParse("4996.28851541"), tracker.GetBalance(m.Accounts.InsuranceFund))
	assert.Equal(t, fp.MustParse("2.80112045"), tracker.GetLiquidatorCredit(liquidator, m.Accounts.AssetID))
	assert.Equal(t, fp.MustParse("0.91036414"), tracker.GetBalance(m.Accounts.ClearingHouse))
	for _, total := range tracker.ComputeGlobalBalance() {
		assert.Zero(t, total)
	}

	pools := m.PoolBalancesOf(tracker)
	assert.Equal(t, "USDT", pools.Asset)
	assert.Equal(t, fp.MustParse("4996.28851541"), pools.InsuranceFund)

	debit := state.InsuranceFundDebit(m.Accounts, ch.Transfers)
	assert.Equal(t, fp.MustParse("3.71148459"), debit)
	covered, shortfall := state.ComputeCoverage(fp.MustParse("5000"), debit)
	assert.Equal(t, debit, covered)
	assert.Zero(t, shortfall)
}

// reserves (1000, 100): a 10x short of 10 pushed under maintenance by a
// 10x long of 2.
func TestLiquidate_Short(t *testing.T) {
	setup := func(t *testing.T, partial int64) *state.Market {
		m := newMarket(t, "1000", "100", 3_600, func(p *state.MarketParams) {
			p.PartialLiquidationRatio = partial
		})
		open(t, m, alice, event.SideShort, "10", "10")
		open(t, m, bob, event.SideLong, "2", "10")

		ratio, err := m.MarginRatio(alice)
		require.NoError(t, err)
		assert.Equal(t, int64(50_095), ratio)
		return m
	}

	t.Run("full", func(t *testing.T) {
		m := setup(t, 0)
		ch, err := m.Liquidate(liquidator, alice, 1)
		commit(t, m, ch, err)

		assert.Equal(t, state.ChangeLiquidation, ch.Kind)
		assert.Equal(t, int64(11_111_111), ch.ExchangedPositionSize)
		assert.Equal(t, int64(104_752_474), ch.ExchangedQuoteAmount)
		assert.Equal(t, int64(-4_752_474), ch.RealizedPnl)
		assert.Zero(t, ch.BadDebt)
		assert.Equal(t, int64(1_309_406), ch.Liquidation.FeeToLiquidator)
		assert.Equal(t, int64(3_938_120), ch.Liquidation.FeeToInsuranceFund)
		assert.Equal(t, int64(-5_247_526), ch.MarginToVault)

		assert.Equal(t, 1, m.Positions.Count())
		assert.Equal(t, position(t, m, bob).Size, m.AMM.TotalPositionSize)
		assert.Equal(t, int64(1_024_752_474), m.AMM.QuoteReserve)
		assert.Equal(t, int64(97_584_541), m.AMM.BaseReserve)
		assert.Equal(t, int64(20_000_000), m.AMM.OpenInterestNotional)
	})

	t.Run("partial", func(t *testing.T) {
		m := setup(t, fpmath.QuoteConfig.MustParse("0.25"))
		ch, err := m.Liquidate(liquidator, alice, 1)
		commit(t, m, ch, err)

		assert.Equal(t, state.ChangePartialLiquidation, ch.Kind)
		assert.Equal(t, int64(26_188_119), ch.ExchangedQuoteAmount)
		assert.Equal(t, int64(3_008_424), ch.ExchangedPositionSize)
		assert.Equal(t, int64(-1_286_771), ch.RealizedPnl)
		assert.Equal(t, int64(327_352), ch.Liquidation.FeeToLiquidator)
		assert.Equal(t, int64(327_351), ch.Liquidation.FeeToInsuranceFund)

		pos := position(t, m, alice)
		assert.Equal(t, int64(-8_102_687), pos.Size)
		assert.Equal(t, int64(8_058_526), pos.Margin)
		assert.Equal(t, int64(75_098_652), pos.OpenNotional)

		after, err := m.MarginRatio(alice)
		require.NoError(t, err)
		assert.Equal(t, int64(58_459), after)
	})
}

// k is fixed per swap; rounding moves it by a bounded amount per operation.
func TestAMM_InvariantDriftBounded(t *testing.T) {
	m := newMarket(t, "1000", "100", 86_400, nil)
	fp := m.Decimals()
	q0, b0 := m.AMM.QuoteReserve, m.AMM.BaseReserve
	k0 := m.AMM.InvariantK(fp)

	quotes := []int64{13_700_000, 3_333_333, 50_000_000, 123_457, 99_990_000, 7_000_000}
	levs := []int64{1_000_000, 2_000_000, 3_000_000, 1_500_000}

	ops := int64(0)
	check := func() {
		t.Helper()
		bound := ops * (q0 + b0) / fp.Scale
		drift := fpmath.Abs(m.AMM.InvariantK(fp) - k0)
		require.LessOrEqual(t, drift, bound, "k drift after %d operations", ops)
	}

	for i := 0; i < 200; i++ {
		side := event.SideLong
		if i%2 == 1 {
			side = event.SideShort
		}
		ch, err := m.OpenOrIncrease(state.OpenRequest{
			Trader: alice, Side: side, QuoteAmount: quotes[i%6], Leverage: levs[i%4],
		})
		commit(t, m, ch, err)
		ops++
		check()

		ch, err = m.ReduceOrClose(state.CloseRequest{Trader: alice, Full: true})
		commit(t, m, ch, err)
		ops++
		check()

		// base is fixed on a close, so only quote carries the rounding
		require.Equal(t, b0, m.AMM.BaseReserve)
		require.LessOrEqual(t, fpmath.Abs(m.AMM.QuoteReserve-q0), ops*(q0/b0+1))
	}
	assert.Zero(t, m.AMM.TotalPositionSize)
	assert.Zero(t, m.AMM.OpenInterestNotional)
}

func TestLiquidate_EmptyPosition(t *testing.T) {
	m := newMarket(t, "1000", "100", 3_600, nil)

	_, err := m.Liquidate(liquidator, alice, 0)
	assert.ErrorIs(t, err, state.ErrEmptyPosition)
}

func TestUpdateRiskParams(t *testing.T) {
	m := newMarket(t, "1000", "100", 3_600, nil)
	fp := m.Decimals()

	next := m.Params.Clone()
	next.InitMarginRatio = fp.MustParse("0.2")
	next.FundingPeriod = 60 // ignored

	ch, err := m.UpdateRiskParams(next, 5)
	commit(t, m, ch, err)
	assert.Equal(t, fp.MustParse("0.2"), m.Params.InitMarginRatio)
	assert.Equal(t, int64(3_600), m.Params.FundingPeriod)

	bad := m.Params.Clone()
	bad.MaintenanceMarginRatio = bad.InitMarginRatio
	_, err = m.UpdateRiskParams(bad, 6)
	assert.ErrorIs(t, err, state.ErrInvalidMarketParams)
}

func TestMarket_StaleBlock(t *testing.T) {
	m := newMarket(t, "1000", "100", 3_600, nil)
	ch, err := m.AddMargin(alice, 1, 10)
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, state.ErrEmptyPosition)

	ch, err = m.DepositInsurance(1_000_000, 10)
	commit(t, m, ch, err)
	assert.Equal(t, int64(10), m.LastBlock)
	assert.ErrorIs(t, m.CheckBlock(9), state.ErrStaleBlock)
	assert.NoError(t, m.CheckBlock(10))
}

func TestClassifyMargin(t *testing.T) {
	p := state.DefaultMarketParams("ETH-PERP")
	assert.Equal(t, state.MarginStatusHealthy, state.ClassifyMargin(p.InitMarginRatio, p))
	assert.Equal(t, state.MarginStatusAtRisk, state.ClassifyMargin(p.InitMarginRatio-1, p))
	assert.Equal(t, state.MarginStatusLiquidatable, state.ClassifyMargin(p.MaintenanceMarginRatio-1, p))
}
