package event

import "fmt"

// InitMarket creates a market and establishes its curve.
// Idempotency key: "init:{market}".
type InitMarket struct {
	Market                  string `json:"market"`
	QuoteAsset              string `json:"quote_asset"`
	Decimals                int    `json:"decimals"`
	QuoteReserve            int64  `json:"quote_reserve"`
	BaseReserve             int64  `json:"base_reserve"`
	FundingPeriod           int64  `json:"funding_period"`
	InitMarginRatio         int64  `json:"init_margin_ratio"`
	MaintenanceMarginRatio  int64  `json:"maintenance_margin_ratio"`
	LiquidationFeeRatio     int64  `json:"liquidation_fee_ratio"`
	PartialLiquidationRatio int64  `json:"partial_liquidation_ratio"`
	FeeRatio                int64  `json:"fee_ratio"`
	Sequence                int64  `json:"sequence"`
	Block                   int64  `json:"block"`
}

func (i *InitMarket) IdempotencyKey() string {
	return fmt.Sprintf("init:%s", i.Market)
}

func (i *InitMarket) EventType() EventType {
	return EventTypeInitMarket
}

func (i *InitMarket) MarketID() *string {
	s := i.Market
	return &s
}

func (i *InitMarket) SourceSequence() int64 {
	return i.Sequence
}

func (i *InitMarket) BlockNumber() int64 {
	return i.Block
}
