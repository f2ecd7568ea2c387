package state

import (
	"fmt"

	fpmath "PerpVAMM/internal/math"
)

// AMM is the constant-product curve and funding accumulator of one market.
// It is a value type: operations compute a new AMM and the market commits it.
type AMM struct {
	QuoteReserve                    int64 `json:"quote_reserve"`
	BaseReserve                     int64 `json:"base_reserve"`
	BaseAssetDeltaThisFundingPeriod int64 `json:"base_asset_delta_this_funding_period"`
	TotalPositionSize               int64 `json:"total_position_size"`
	CumulativeNotional              int64 `json:"cumulative_notional"`
	OpenInterestNotional            int64 `json:"open_interest_notional"`
	CumulativePremiumFraction       int64 `json:"cumulative_premium_fraction"`
	NextFundingBlock                int64 `json:"next_funding_block"`
	FundingPeriod                   int64 `json:"funding_period"`
}

// NewAMM establishes k from the initial reserves. The first funding is due
// one period after startBlock.
func NewAMM(quoteReserve, baseReserve, fundingPeriod, startBlock int64) (AMM, error) {
	if quoteReserve <= 0 || baseReserve <= 0 {
		return AMM{}, fmt.Errorf("%w: quote=%d base=%d", ErrInvalidReserves, quoteReserve, baseReserve)
	}
	if fundingPeriod <= 0 {
		return AMM{}, fmt.Errorf("%w: funding period must be > 0, got %d", ErrInvalidMarketParams, fundingPeriod)
	}
	return AMM{
		QuoteReserve:     quoteReserve,
		BaseReserve:      baseReserve,
		FundingPeriod:    fundingPeriod,
		NextFundingBlock: startBlock + fundingPeriod,
	}, nil
}

// SwapResult is the outcome of a curve computation. Amounts are absolute.
type SwapResult struct {
	BaseAmount      int64
	QuoteAmount     int64
	NewQuoteReserve int64
	NewBaseReserve  int64
}

// SwapInput fixes the quote amount and solves for base. isBuyBase adds quote
// to the pool (long open, short reduce); otherwise quote is removed.
func (a AMM) SwapInput(fp fpmath.DecimalConfig, isBuyBase bool, quoteAmount int64) (SwapResult, error) {
	if quoteAmount == 0 {
		return a.noop(), nil
	}

	k := fp.Mul(a.QuoteReserve, a.BaseReserve)

	var newQuote int64
	if isBuyBase {
		newQuote = fp.Add(a.QuoteReserve, quoteAmount)
	} else {
		newQuote = fp.Sub(a.QuoteReserve, quoteAmount)
	}
	if newQuote <= 0 {
		return SwapResult{}, fmt.Errorf("%w: quote reserve %d, requested %d",
			ErrInsufficientLiquidity, a.QuoteReserve, quoteAmount)
	}

	newBase := fp.Div(k, newQuote)
	if newBase <= 0 {
		return SwapResult{}, fmt.Errorf("%w: base reserve would be %d", ErrInsufficientLiquidity, newBase)
	}

	return SwapResult{
		BaseAmount:      fpmath.Abs(newBase - a.BaseReserve),
		QuoteAmount:     quoteAmount,
		NewQuoteReserve: newQuote,
		NewBaseReserve:  newBase,
	}, nil
}

// SwapOutput fixes the base amount and solves for quote (quoteForBase).
// isBuyBase removes base from the pool (short close); otherwise base is added.
func (a AMM) SwapOutput(fp fpmath.DecimalConfig, isBuyBase bool, baseAmount int64) (SwapResult, error) {
	if baseAmount == 0 {
		return a.noop(), nil
	}

	k := fp.Mul(a.QuoteReserve, a.BaseReserve)

	var newBase int64
	if isBuyBase {
		newBase = fp.Sub(a.BaseReserve, baseAmount)
	} else {
		newBase = fp.Add(a.BaseReserve, baseAmount)
	}
	if newBase <= 0 {
		return SwapResult{}, fmt.Errorf("%w: base reserve %d, requested %d",
			ErrInsufficientLiquidity, a.BaseReserve, baseAmount)
	}

	newQuote := fp.Div(k, newBase)
	if newQuote <= 0 {
		return SwapResult{}, fmt.Errorf("%w: quote reserve would be %d", ErrInsufficientLiquidity, newQuote)
	}

	return SwapResult{
		BaseAmount:      baseAmount,
		QuoteAmount:     fpmath.Abs(newQuote - a.QuoteReserve),
		NewQuoteReserve: newQuote,
		NewBaseReserve:  newBase,
	}, nil
}

func (a AMM) noop() SwapResult {
	return SwapResult{
		NewQuoteReserve: a.QuoteReserve,
		NewBaseReserve:  a.BaseReserve,
	}
}

// Price is the spot quote price of one base unit.
func (a AMM) Price(fp fpmath.DecimalConfig) int64 {
	return fp.Div(a.QuoteReserve, a.BaseReserve)
}

// InvariantK returns quoteReserve * baseReserve.
func (a AMM) InvariantK(fp fpmath.DecimalConfig) int64 {
	return fp.Mul(a.QuoteReserve, a.BaseReserve)
}

// withTrade returns the AMM after a trader moved baseDelta (signed, trader's
// perspective) against quote. isBuyBase tells which way quote flowed.
func (a AMM) withTrade(fp fpmath.DecimalConfig, swap SwapResult, baseDelta int64, isBuyBase bool) AMM {
	next := a
	next.QuoteReserve = swap.NewQuoteReserve
	next.BaseReserve = swap.NewBaseReserve
	next.TotalPositionSize = fp.Add(next.TotalPositionSize, baseDelta)
	next.BaseAssetDeltaThisFundingPeriod = fp.Add(next.BaseAssetDeltaThisFundingPeriod, baseDelta)
	if isBuyBase {
		next.CumulativeNotional = fp.Add(next.CumulativeNotional, swap.QuoteAmount)
	} else {
		next.CumulativeNotional = fp.Sub(next.CumulativeNotional, swap.QuoteAmount)
	}
	return next
}

func (a AMM) withOpenInterestDelta(delta int64) AMM {
	next := a
	next.OpenInterestNotional += delta
	if next.OpenInterestNotional < 0 {
		next.OpenInterestNotional = 0
	}
	return next
}

// CanonicalBytes returns deterministic serialization for hashing
func (a AMM) CanonicalBytes() []byte {
	buf := make([]byte, 0, 72)
	buf = appendInt64LE(buf, a.QuoteReserve)
	buf = appendInt64LE(buf, a.BaseReserve)
	buf = appendInt64LE(buf, a.BaseAssetDeltaThisFundingPeriod)
	buf = appendInt64LE(buf, a.TotalPositionSize)
	buf = appendInt64LE(buf, a.CumulativeNotional)
	buf = appendInt64LE(buf, a.OpenInterestNotional)
	buf = appendInt64LE(buf, a.CumulativePremiumFraction)
	buf = appendInt64LE(buf, a.NextFundingBlock)
	buf = appendInt64LE(buf, a.FundingPeriod)
	return buf
}
