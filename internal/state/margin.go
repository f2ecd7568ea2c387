package state

import (
	"fmt"

	fpmath "PerpVAMM/internal/math"
)

// MarginStatus represents the margin health of a position
type MarginStatus int32

const (
	MarginStatusHealthy      MarginStatus = iota // ratio >= initial
	MarginStatusAtRisk                           // maintenance <= ratio < initial
	MarginStatusLiquidatable                     // ratio < maintenance
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// MarginSettlement is the result of settling pending funding into margin.
type MarginSettlement struct {
	RemainMargin                    int64 // never negative
	BadDebt                         int64 // shortfall beyond posted margin
	FundingPayment                  int64 // positive = position paid
	LatestCumulativePremiumFraction int64 // new checkpoint
}

// CalcRemainMarginWithFundingPayment applies marginDelta and all funding
// accrued since checkpoint to oldMargin.
func CalcRemainMarginWithFundingPayment(
	fp fpmath.DecimalConfig,
	cumulativePremiumFraction int64,
	oldSize, oldMargin, checkpoint, marginDelta int64,
) MarginSettlement {
	fundingPayment := fpmath.ComputeFundingPayment(fp, cumulativePremiumFraction, checkpoint, oldSize)

	signedMargin := fp.Add(fp.Sub(marginDelta, fundingPayment), oldMargin)

	s := MarginSettlement{
		FundingPayment:                  fundingPayment,
		LatestCumulativePremiumFraction: cumulativePremiumFraction,
	}
	if signedMargin < 0 {
		s.BadDebt = -signedMargin
	} else {
		s.RemainMargin = signedMargin
	}
	return s
}

// PositionNotionalAndUnrealizedPnl values pos by closing |size| against the
// current reserves.
func PositionNotionalAndUnrealizedPnl(fp fpmath.DecimalConfig, amm AMM, pos *Position) (int64, int64, error) {
	if pos.IsFlat() {
		return 0, 0, nil
	}

	swap, err := amm.SwapOutput(fp, pos.IsShort(), fpmath.Abs(pos.Size))
	if err != nil {
		return 0, 0, fmt.Errorf("value position: %w", err)
	}

	return swap.QuoteAmount, unrealizedPnl(pos, swap.QuoteAmount), nil
}

func unrealizedPnl(pos *Position, notional int64) int64 {
	if pos.IsShort() {
		return pos.OpenNotional - notional
	}
	return notional - pos.OpenNotional
}

// MarginRatio returns (remainMargin - badDebt) / positionNotional, with
// unrealized PnL and pending funding folded in.
func MarginRatio(fp fpmath.DecimalConfig, amm AMM, pos *Position) (int64, error) {
	if pos.IsFlat() {
		return 0, ErrEmptyPosition
	}

	notional, pnl, err := PositionNotionalAndUnrealizedPnl(fp, amm, pos)
	if err != nil {
		return 0, err
	}
	if notional == 0 {
		return 0, nil
	}

	s := CalcRemainMarginWithFundingPayment(fp, amm.CumulativePremiumFraction,
		pos.Size, pos.Margin, pos.LastUpdatedCumulativePremiumFraction, pnl)

	return fp.Div(s.RemainMargin-s.BadDebt, notional), nil
}

// RequireMoreMarginRatio gates on a margin ratio. With largerThanOrEqualTo
// the ratio must reach base (opens, withdrawals); without it the ratio must
// be strictly below base (liquidation).
func RequireMoreMarginRatio(ratio, base int64, largerThanOrEqualTo bool) error {
	if largerThanOrEqualTo {
		if ratio < base {
			return fmt.Errorf("%w: ratio %d < required %d", ErrInsufficientMargin, ratio, base)
		}
		return nil
	}
	if ratio >= base {
		return fmt.Errorf("%w: ratio %d >= maintenance %d", ErrNotLiquidatable, ratio, base)
	}
	return nil
}

// PersonalPositionWithFundingPayment returns a copy of pos with pending
// funding settled into margin. Nothing is committed.
func PersonalPositionWithFundingPayment(fp fpmath.DecimalConfig, amm AMM, pos *Position) *Position {
	if pos.IsFlat() {
		return nil
	}
	s := CalcRemainMarginWithFundingPayment(fp, amm.CumulativePremiumFraction,
		pos.Size, pos.Margin, pos.LastUpdatedCumulativePremiumFraction, 0)

	view := pos.Clone()
	view.Margin = s.RemainMargin
	view.LastUpdatedCumulativePremiumFraction = s.LatestCumulativePremiumFraction
	return view
}

// ClassifyMargin buckets a margin ratio against the market's thresholds.
func ClassifyMargin(ratio int64, params *MarketParams) MarginStatus {
	switch {
	case ratio < params.MaintenanceMarginRatio:
		return MarginStatusLiquidatable
	case ratio < params.InitMarginRatio:
		return MarginStatusAtRisk
	default:
		return MarginStatusHealthy
	}
}
