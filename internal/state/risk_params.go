package state

import (
	"fmt"

	fpmath "PerpVAMM/internal/math"
)

// MarketParams defines the risk and fee parameters of one market. Ratios use
// the market's own fixed-point scale (Decimals).
type MarketParams struct {
	MarketID                string               `json:"market_id"`
	QuoteAsset              string               `json:"quote_asset"`
	Decimals                fpmath.DecimalConfig `json:"decimals"`
	InitMarginRatio         int64                `json:"init_margin_ratio"`
	MaintenanceMarginRatio  int64                `json:"maintenance_margin_ratio"`
	LiquidationFeeRatio     int64                `json:"liquidation_fee_ratio"`
	PartialLiquidationRatio int64                `json:"partial_liquidation_ratio"` // 0 disables partial liquidation
	FeeRatio                int64                `json:"fee_ratio"`                 // toll on opened notional, to insurance fund
	FundingPeriod           int64                `json:"funding_period"`            // clock units (seconds)
	TwapHistory             int                  `json:"twap_history"`              // retained AMM price observations
}

// DefaultMarketParams returns the defaults at 6-decimal precision:
// 10x max leverage, 6.25% maintenance, 2.5% liquidation fee, 25% partial
// liquidation, hourly funding.
func DefaultMarketParams(marketID string) *MarketParams {
	fp := fpmath.QuoteConfig
	return &MarketParams{
		MarketID:                marketID,
		QuoteAsset:              "USDT",
		Decimals:                fp,
		InitMarginRatio:         fp.MustParse("0.1"),
		MaintenanceMarginRatio:  fp.MustParse("0.0625"),
		LiquidationFeeRatio:     fp.MustParse("0.025"),
		PartialLiquidationRatio: fp.MustParse("0.25"),
		FeeRatio:                0,
		FundingPeriod:           3_600,
		TwapHistory:             1_024,
	}
}

// Clone returns an independent copy
func (p *MarketParams) Clone() *MarketParams {
	c := *p
	return &c
}

// ValidateMarketParams checks that parameters are within valid ranges:
// 0 < mm < im <= 1, 0 <= lf < 1, 0 <= partial <= 1, 0 <= fee < 1, period > 0.
func ValidateMarketParams(p *MarketParams) error {
	one := p.Decimals.Scale
	if p.Decimals.Scale <= 0 {
		return fmt.Errorf("%w: decimals scale must be > 0", ErrInvalidMarketParams)
	}
	if p.MarketID == "" {
		return fmt.Errorf("%w: market_id is required", ErrInvalidMarketParams)
	}
	if p.MaintenanceMarginRatio <= 0 {
		return fmt.Errorf("%w: maintenance_margin_ratio must be > 0, got %d", ErrInvalidMarketParams, p.MaintenanceMarginRatio)
	}
	if p.InitMarginRatio <= p.MaintenanceMarginRatio {
		return fmt.Errorf("%w: init_margin_ratio (%d) must be > maintenance_margin_ratio (%d)",
			ErrInvalidMarketParams, p.InitMarginRatio, p.MaintenanceMarginRatio)
	}
	if p.InitMarginRatio > one {
		return fmt.Errorf("%w: init_margin_ratio must be <= %d, got %d", ErrInvalidMarketParams, one, p.InitMarginRatio)
	}
	if p.LiquidationFeeRatio < 0 || p.LiquidationFeeRatio >= one {
		return fmt.Errorf("%w: liquidation_fee_ratio out of range: %d", ErrInvalidMarketParams, p.LiquidationFeeRatio)
	}
	if p.PartialLiquidationRatio < 0 || p.PartialLiquidationRatio > one {
		return fmt.Errorf("%w: partial_liquidation_ratio out of range: %d", ErrInvalidMarketParams, p.PartialLiquidationRatio)
	}
	if p.FeeRatio < 0 || p.FeeRatio >= one {
		return fmt.Errorf("%w: fee_ratio out of range: %d", ErrInvalidMarketParams, p.FeeRatio)
	}
	if p.FundingPeriod <= 0 {
		return fmt.Errorf("%w: funding_period must be > 0, got %d", ErrInvalidMarketParams, p.FundingPeriod)
	}
	return nil
}

// UpdateRiskParams prepares a change replacing the ratio parameters of a
// market. Precision, quote asset and funding period are fixed at init.
func (m *Market) UpdateRiskParams(next *MarketParams, block int64) (*Change, error) {
	merged := m.Params.Clone()
	merged.InitMarginRatio = next.InitMarginRatio
	merged.MaintenanceMarginRatio = next.MaintenanceMarginRatio
	merged.LiquidationFeeRatio = next.LiquidationFeeRatio
	merged.PartialLiquidationRatio = next.PartialLiquidationRatio
	merged.FeeRatio = next.FeeRatio

	if err := ValidateMarketParams(merged); err != nil {
		return nil, fmt.Errorf("invalid risk params for %s: %w", m.Params.MarketID, err)
	}

	return &Change{
		Kind:     ChangeRiskParams,
		MarketID: m.Params.MarketID,
		Block:    block,
		AMM:      m.AMM,
		Params:   merged,
	}, nil
}
