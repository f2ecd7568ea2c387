package core

import (
	"errors"

	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
)

// Engine-level error kinds
var (
	ErrUnknownMarket      = errors.New("unknown market")
	ErrMarketExists       = errors.New("market already exists")
	ErrDuplicateCommand   = errors.New("duplicate command")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrUnknownCommand     = errors.New("unknown command type")
	ErrStateHashMismatch  = errors.New("state hash mismatch")
)

// Error kinds of the state machine, re-exported for callers of the core
var (
	ErrInsufficientMargin           = state.ErrInsufficientMargin
	ErrWithdrawalWouldCreateBadDebt = state.ErrWithdrawalWouldCreateBadDebt
	ErrSlippageExceeded             = state.ErrSlippageExceeded
	ErrInvalidReduction             = state.ErrInvalidReduction
	ErrInvalidDirection             = state.ErrInvalidDirection
	ErrInvalidAmount                = state.ErrInvalidAmount
	ErrInvalidLeverage              = state.ErrInvalidLeverage
	ErrInsufficientLiquidity        = state.ErrInsufficientLiquidity
	ErrEmptyPosition                = state.ErrEmptyPosition
	ErrNotLiquidatable              = state.ErrNotLiquidatable
	ErrFundingNotDue                = state.ErrFundingNotDue
	ErrInvalidOraclePrice           = state.ErrInvalidOraclePrice
	ErrInvalidMarketParams          = state.ErrInvalidMarketParams
	ErrInvalidReserves              = state.ErrInvalidReserves
	ErrStaleBlock                   = state.ErrStaleBlock
)

// RejectReason maps an error to a short metric label
func RejectReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate"
	case errors.Is(err, ErrSequenceGap):
		return "sequence_gap"
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, ErrMarketExists):
		return "market_exists"
	case errors.Is(err, ErrArithmeticOverflow), errors.Is(err, fpmath.ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, ErrWithdrawalWouldCreateBadDebt):
		return "bad_debt"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, ErrInvalidReduction):
		return "invalid_reduction"
	case errors.Is(err, ErrInvalidDirection):
		return "invalid_direction"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidLeverage):
		return "invalid_argument"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrEmptyPosition):
		return "empty_position"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrFundingNotDue):
		return "funding_not_due"
	case errors.Is(err, ErrStaleBlock):
		return "stale_block"
	default:
		return "other"
	}
}
