package event

import (
	"fmt"
)

// RiskParamUpdate replaces the ratio parameters of a market. Ratios use the
// market's decimals. Existing positions are re-evaluated lazily: the new
// maintenance ratio applies to the next liquidation attempt.
type RiskParamUpdate struct {
	Market                  string `json:"market"`
	InitMarginRatio         int64  `json:"init_margin_ratio"`
	MaintenanceMarginRatio  int64  `json:"maintenance_margin_ratio"`
	LiquidationFeeRatio     int64  `json:"liquidation_fee_ratio"`
	PartialLiquidationRatio int64  `json:"partial_liquidation_ratio"`
	FeeRatio                int64  `json:"fee_ratio"`
	Version                 int64  `json:"version"` // Monotonic per market, part of the dedup key
	Sequence                int64  `json:"sequence"`
	Block                   int64  `json:"block"`
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("risk_param:%s:%d", r.Market, r.Version)
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) MarketID() *string {
	s := r.Market
	return &s
}

func (r *RiskParamUpdate) SourceSequence() int64 {
	return r.Sequence
}

func (r *RiskParamUpdate) BlockNumber() int64 {
	return r.Block
}
