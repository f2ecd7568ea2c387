package event

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Side represents trade direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// ParseSide accepts "LONG"/"SHORT" in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "LONG":
		return SideLong, nil
	case "SHORT":
		return SideShort, nil
	default:
		return SideFlat, fmt.Errorf("invalid side %q", s)
	}
}

// OpenPosition opens or increases a position.
// Idempotency key: command_id.
type OpenPosition struct {
	CommandID     uuid.UUID `json:"command_id"`
	Trader        uuid.UUID `json:"trader"`
	Market        string    `json:"market"`
	TradeSide     Side      `json:"side"`
	QuoteAmount   int64     `json:"quote_amount"` // Fixed-point: market decimals
	Leverage      int64     `json:"leverage"`     // Fixed-point: market decimals
	MinBaseAmount int64     `json:"min_base_amount"`
	Sequence      int64     `json:"sequence"`
	Block         int64     `json:"block"`
}

func (o *OpenPosition) IdempotencyKey() string {
	return o.CommandID.String()
}

func (o *OpenPosition) EventType() EventType {
	return EventTypeOpenPosition
}

func (o *OpenPosition) MarketID() *string {
	m := o.Market
	return &m
}

func (o *OpenPosition) SourceSequence() int64 {
	return o.Sequence
}

func (o *OpenPosition) BlockNumber() int64 {
	return o.Block
}

// ClosePosition reduces a position by QuoteAmount of notional, or closes
// it when Full is set.
type ClosePosition struct {
	CommandID       uuid.UUID `json:"command_id"`
	Trader          uuid.UUID `json:"trader"`
	Market          string    `json:"market"`
	QuoteAmount     int64     `json:"quote_amount"`
	Full            bool      `json:"full"`
	MinQuoteAmount  int64     `json:"min_quote_amount"`
	BaseAmountLimit int64     `json:"base_amount_limit"`
	Sequence        int64     `json:"sequence"`
	Block           int64     `json:"block"`
}

func (c *ClosePosition) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ClosePosition) EventType() EventType {
	return EventTypeClosePosition
}

func (c *ClosePosition) MarketID() *string {
	m := c.Market
	return &m
}

func (c *ClosePosition) SourceSequence() int64 {
	return c.Sequence
}

func (c *ClosePosition) BlockNumber() int64 {
	return c.Block
}
