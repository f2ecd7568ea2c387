package event

import "github.com/google/uuid"

// RemoveMargin withdraws margin from an open position
type RemoveMargin struct {
	CommandID uuid.UUID `json:"command_id"`
	Trader    uuid.UUID `json:"trader"`
	Market    string    `json:"market"`
	Amount    int64     `json:"amount"` // Fixed-point
	Sequence  int64     `json:"sequence"`
	Block     int64     `json:"block"`
}

func (w *RemoveMargin) IdempotencyKey() string {
	return w.CommandID.String()
}

func (w *RemoveMargin) EventType() EventType {
	return EventTypeRemoveMargin
}

func (w *RemoveMargin) MarketID() *string {
	m := w.Market
	return &m
}

func (w *RemoveMargin) SourceSequence() int64 {
	return w.Sequence
}

func (w *RemoveMargin) BlockNumber() int64 {
	return w.Block
}
