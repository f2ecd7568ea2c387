package state

import "errors"

// Engine error kinds. Every one of them is returned before any state is
// committed; callers match with errors.Is.
var (
	// Margin
	ErrInsufficientMargin           = errors.New("insufficient margin")
	ErrWithdrawalWouldCreateBadDebt = errors.New("withdrawal would create bad debt")

	// Trading
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrInvalidReduction      = errors.New("invalid reduction: close position instead")
	ErrInvalidDirection      = errors.New("opposite direction: reduce or close position first")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidLeverage       = errors.New("leverage must be positive")
	ErrInsufficientLiquidity = errors.New("insufficient amm liquidity")

	// Position
	ErrEmptyPosition = errors.New("empty position")

	// Liquidation
	ErrNotLiquidatable = errors.New("margin ratio at or above maintenance")

	// Funding
	ErrFundingNotDue       = errors.New("funding not due")
	ErrInvalidOraclePrice  = errors.New("oracle price must be positive")
	ErrInvalidMarketParams = errors.New("invalid market params")

	// Market
	ErrInvalidReserves = errors.New("reserves must be positive")
	ErrStaleBlock      = errors.New("block precedes last committed block")
)
