package core

import (
	"fmt"
	"sort"

	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/state"
)

// MarketSnapshot is the serializable state of one market
type MarketSnapshot struct {
	Params       *state.MarketParams       `json:"params"`
	AMM          state.AMM                 `json:"amm"`
	Positions    []*state.Position         `json:"positions"`
	AMMPrices    []oracle.Observation      `json:"amm_prices"`
	Funding      []state.FundingRecord     `json:"funding"`
	Liquidations []state.LiquidationRecord `json:"liquidations"`
	LastBlock    int64                     `json:"last_block"`
}

// SnapshotState holds the serializable in-memory state for restore.
// persistence.SnapshotData is its storage form.
type SnapshotState struct {
	Sequence        int64 // last committed sequence, -1 before the first
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Markets         map[string]*MarketSnapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	markets := make(map[string]*MarketSnapshot, len(c.markets))
	for id, m := range c.markets {
		markets[id] = &MarketSnapshot{
			Params:       m.Params.Clone(),
			AMM:          m.AMM,
			Positions:    m.Positions.GetAllPositions(),
			AMMPrices:    m.AMMPrices.Observations(),
			Funding:      m.Funding.History(0),
			Liquidations: m.Liquidations.Recent(0),
			LastBlock:    m.LastBlock,
		}
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Markets:         markets,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the core's in-memory state with snap. It
// must run before any command is processed.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(snap.Markets))
	for id := range snap.Markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	markets := make(map[string]*state.Market, len(ids))
	for _, id := range ids {
		ms := snap.Markets[id]
		m, err := state.RestoreMarket(ms.Params, ms.AMM, ms.LastBlock)
		if err != nil {
			return fmt.Errorf("restore market %s: %w", id, err)
		}
		for _, pos := range ms.Positions {
			if pos.MarketID != id {
				return fmt.Errorf("restore market %s: position of %s belongs to %s", id, pos.Trader, pos.MarketID)
			}
			m.Positions.RestorePosition(pos)
		}
		m.AMMPrices.Restore(ms.AMMPrices)
		m.Funding.Restore(ms.Funding)
		m.Liquidations.Restore(ms.Liquidations)
		markets[id] = m
	}

	c.markets = markets
	c.sequence = snap.Sequence + 1
	c.journalGen.SetSequence(c.sequence)
	c.hasher.SetPrevHash(snap.StateHash)

	c.balanceTracker = ledger.NewBalanceTracker()
	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	c.validator = ledger.NewInvariantValidator(c.balanceTracker)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(markets)).
		Int("balances", len(snap.Balances)).
		Msg("state restored from snapshot")
	return nil
}

// WarmLRU loads recently committed composite keys into the dedup cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.Warm(keys)
}

// GetSequence returns the next global sequence to be assigned.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}
