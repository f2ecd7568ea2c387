// internal/state/position.go
package state

import (
	"PerpVAMM/internal/event"

	"github.com/google/uuid"
)

// Position is a trader's open exposure in one market. A flat position is
// never stored: absence means flat.
type Position struct {
	Trader                               uuid.UUID `json:"trader"`
	MarketID                             string    `json:"market_id"`
	Size                                 int64     `json:"size"`          // signed base amount: long > 0, short < 0
	Margin                               int64     `json:"margin"`        // quote
	OpenNotional                         int64     `json:"open_notional"` // quote
	LastUpdatedCumulativePremiumFraction int64     `json:"last_updated_cumulative_premium_fraction"`
	BlockNumber                          int64     `json:"block_number"` // block of the last update
	Version                              int64     `json:"version"`
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p == nil || p.Size == 0
}

// Side returns the direction of the exposure
func (p *Position) Side() event.Side {
	switch {
	case p.IsFlat():
		return event.SideFlat
	case p.Size > 0:
		return event.SideLong
	default:
		return event.SideShort
	}
}

// IsShort reports a negative size
func (p *Position) IsShort() bool {
	return p != nil && p.Size < 0
}

// Clone returns an independent copy
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// trader (16 bytes UUID binary)
	buf = append(buf, p.Trader[:]...)

	// market_id (length-prefixed)
	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, []byte(p.MarketID)...)

	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.OpenNotional)
	buf = appendInt64LE(buf, p.LastUpdatedCumulativePremiumFraction)
	buf = appendInt64LE(buf, p.BlockNumber)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
