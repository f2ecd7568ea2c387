// internal/event/margin.go
package event

import "github.com/google/uuid"

// AddMargin posts margin to an open position
type AddMargin struct {
	CommandID uuid.UUID `json:"command_id"`
	Trader    uuid.UUID `json:"trader"`
	Market    string    `json:"market"`
	Amount    int64     `json:"amount"` // Fixed-point
	Sequence  int64     `json:"sequence"`
	Block     int64     `json:"block"`
}

func (d *AddMargin) IdempotencyKey() string {
	return d.CommandID.String()
}

func (d *AddMargin) EventType() EventType {
	return EventTypeAddMargin
}

func (d *AddMargin) MarketID() *string {
	m := d.Market
	return &m
}

func (d *AddMargin) SourceSequence() int64 {
	return d.Sequence
}

func (d *AddMargin) BlockNumber() int64 {
	return d.Block
}

// FundInsurance moves external capital into a market's insurance fund
type FundInsurance struct {
	CommandID uuid.UUID `json:"command_id"`
	Market    string    `json:"market"`
	Amount    int64     `json:"amount"`
	Sequence  int64     `json:"sequence"`
	Block     int64     `json:"block"`
}

func (d *FundInsurance) IdempotencyKey() string {
	return d.CommandID.String()
}

func (d *FundInsurance) EventType() EventType {
	return EventTypeFundInsurance
}

func (d *FundInsurance) MarketID() *string {
	m := d.Market
	return &m
}

func (d *FundInsurance) SourceSequence() int64 {
	return d.Sequence
}

func (d *FundInsurance) BlockNumber() int64 {
	return d.Block
}
