package core

import (
	"github.com/google/uuid"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/state"
)

// Outcome is the result of one committed command
type Outcome struct {
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      event.EventType `json:"event_type"`
	Kind           string          `json:"kind"`
	MarketID       string          `json:"market_id"`
	Trader         uuid.UUID       `json:"trader"`
	Block          int64           `json:"block"`

	ExchangedPositionSize int64 `json:"exchanged_position_size"`
	ExchangedQuoteAmount  int64 `json:"exchanged_quote_amount"`
	RealizedPnl           int64 `json:"realized_pnl"`
	FundingPayment        int64 `json:"funding_payment"`
	BadDebt               int64 `json:"bad_debt"`
	Fee                   int64 `json:"fee"`
	MarginToVault         int64 `json:"margin_to_vault"`

	Position     *state.Position          `json:"position,omitempty"` // nil once closed
	AMM          state.AMM                `json:"amm"`
	Funding      *state.FundingRecord     `json:"funding,omitempty"`
	Liquidation  *state.LiquidationRecord `json:"liquidation,omitempty"`
	Params       *state.MarketParams      `json:"params,omitempty"`
	PoolBalances state.PoolBalances       `json:"pool_balances"`

	StateHash [32]byte `json:"state_hash"`
}

// CoreOutput is what the core hands to persistence and projections
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Outcome  *Outcome
}

func newOutcome(env *event.EventEnvelope, ch *state.Change, pools state.PoolBalances) *Outcome {
	return &Outcome{
		Sequence:              env.Sequence,
		IdempotencyKey:        env.IdempotencyKey,
		EventType:             env.EventType,
		Kind:                  ch.Kind.String(),
		MarketID:              ch.MarketID,
		Trader:                ch.Trader,
		Block:                 ch.Block,
		ExchangedPositionSize: ch.ExchangedPositionSize,
		ExchangedQuoteAmount:  ch.ExchangedQuoteAmount,
		RealizedPnl:           ch.RealizedPnl,
		FundingPayment:        ch.FundingPayment,
		BadDebt:               ch.BadDebt,
		Fee:                   ch.Fee,
		MarginToVault:         ch.MarginToVault,
		Position:              ch.Position.Clone(),
		AMM:                   ch.AMM,
		Funding:               ch.Funding,
		Liquidation:           ch.Liquidation,
		Params:                ch.Params,
		PoolBalances:          pools,
		StateHash:             env.StateHash,
	}
}
