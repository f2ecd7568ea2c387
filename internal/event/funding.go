package event

import (
	"fmt"
)

// PayFunding settles a market's funding period.
// Idempotency key: "{market}:funding:{next_funding_block}", so a second
// settlement of the same period is a duplicate.
type PayFunding struct {
	Market           string `json:"market"`
	NextFundingBlock int64  `json:"next_funding_block"` // period being settled
	OracleTwapPrice  int64  `json:"oracle_twap_price"`  // stamped by ingestion from the oracle store
	Sequence         int64  `json:"sequence"`
	Block            int64  `json:"block"`
}

func (f *PayFunding) IdempotencyKey() string {
	return fmt.Sprintf("%s:funding:%d", f.Market, f.NextFundingBlock)
}

func (f *PayFunding) EventType() EventType {
	return EventTypePayFunding
}

func (f *PayFunding) MarketID() *string {
	s := f.Market
	return &s
}

func (f *PayFunding) SourceSequence() int64 {
	return f.Sequence
}

func (f *PayFunding) BlockNumber() int64 {
	return f.Block
}
