// internal/event/oracle_price.go
package event

import "fmt"

// OraclePriceUpdate is an index price observation from the oracle feed.
// It feeds the oracle store and never reaches the core.
type OraclePriceUpdate struct {
	Market        string `json:"market"`
	Price         int64  `json:"price"`          // Fixed-point: market decimals
	PriceSequence int64  `json:"price_sequence"` // Monotonic per market, gaps tolerated
	Block         int64  `json:"block"`
}

func (m *OraclePriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", m.Market, m.PriceSequence)
}

func (m *OraclePriceUpdate) EventType() EventType {
	return EventTypeOraclePriceUpdate
}

func (m *OraclePriceUpdate) MarketID() *string {
	s := m.Market
	return &s
}

func (m *OraclePriceUpdate) SourceSequence() int64 {
	return m.PriceSequence
}

func (m *OraclePriceUpdate) BlockNumber() int64 {
	return m.Block
}
