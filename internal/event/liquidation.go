// internal/event/liquidation.go
package event

import (
	"github.com/google/uuid"
)

// Liquidate asks the engine to liquidate Trader on behalf of Liquidator
type Liquidate struct {
	RequestID  uuid.UUID `json:"request_id"`
	Liquidator uuid.UUID `json:"liquidator"`
	Trader     uuid.UUID `json:"trader"`
	Market     string    `json:"market"`
	Sequence   int64     `json:"sequence"`
	Block      int64     `json:"block"`
}

func (l *Liquidate) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *Liquidate) EventType() EventType {
	return EventTypeLiquidate
}

func (l *Liquidate) MarketID() *string {
	return &l.Market
}

func (l *Liquidate) SourceSequence() int64 {
	return l.Sequence
}

func (l *Liquidate) BlockNumber() int64 {
	return l.Block
}
