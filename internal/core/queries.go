package core

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"PerpVAMM/internal/state"
)

// Read-only views. Each takes the lock and commits nothing.

// MarketView is the public state of one market
type MarketView struct {
	Params        *state.MarketParams `json:"params"`
	AMM           state.AMM           `json:"amm"`
	SpotPrice     int64               `json:"spot_price"`
	PositionCount int                 `json:"position_count"`
	LastBlock     int64               `json:"last_block"`
}

// FundingDue names a market whose funding period has elapsed
type FundingDue struct {
	MarketID         string
	NextFundingBlock int64
	FundingPeriod    int64
}

func (c *DeterministicCore) market(marketID string) (*state.Market, error) {
	m, ok := c.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return m, nil
}

func viewOf(m *state.Market) MarketView {
	return MarketView{
		Params:        m.Params.Clone(),
		AMM:           m.AMM,
		SpotPrice:     m.AMM.Price(m.Decimals()),
		PositionCount: m.Positions.Count(),
		LastBlock:     m.LastBlock,
	}
}

// Market returns the curve and params of a market
func (c *DeterministicCore) Market(marketID string) (MarketView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.market(marketID)
	if err != nil {
		return MarketView{}, err
	}
	return viewOf(m), nil
}

// Markets lists every market ordered by ID
func (c *DeterministicCore) Markets() []MarketView {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.markets))
	for id := range c.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]MarketView, 0, len(ids))
	for _, id := range ids {
		out = append(out, viewOf(c.markets[id]))
	}
	return out
}

// Position returns the stored position of trader
func (c *DeterministicCore) Position(marketID string, trader uuid.UUID) (*state.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.market(marketID)
	if err != nil {
		return nil, err
	}
	pos, ok := m.Positions.GetPosition(trader, marketID)
	if !ok {
		return nil, ErrEmptyPosition
	}
	return pos, nil
}

// MarginRatio returns trader's margin ratio at current reserves
func (c *DeterministicCore) MarginRatio(marketID string, trader uuid.UUID) (ratio int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recoverOverflow(&err)

	m, err := c.market(marketID)
	if err != nil {
		return 0, err
	}
	return m.MarginRatio(trader)
}

// PositionNotionalAndUnrealizedPnl values trader's position at current reserves
func (c *DeterministicCore) PositionNotionalAndUnrealizedPnl(marketID string, trader uuid.UUID) (notional, pnl int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recoverOverflow(&err)

	m, err := c.market(marketID)
	if err != nil {
		return 0, 0, err
	}
	return m.PositionNotionalAndUnrealizedPnl(trader)
}

// PersonalPositionWithFundingPayment returns trader's position with
// pending funding settled into its margin, without committing it
func (c *DeterministicCore) PersonalPositionWithFundingPayment(marketID string, trader uuid.UUID) (pos *state.Position, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recoverOverflow(&err)

	m, err := c.market(marketID)
	if err != nil {
		return nil, err
	}
	return m.PersonalPositionWithFundingPayment(trader)
}

// PoolBalances returns the clearing house and insurance fund of a market
func (c *DeterministicCore) PoolBalances(marketID string) (state.PoolBalances, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.market(marketID)
	if err != nil {
		return state.PoolBalances{}, err
	}
	return m.PoolBalancesOf(c.balanceTracker), nil
}

// LiquidatorCredit returns the fees a liquidator has earned in the
// market's quote asset
func (c *DeterministicCore) LiquidatorCredit(marketID string, liquidator uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.market(marketID)
	if err != nil {
		return 0, err
	}
	return c.balanceTracker.GetBalance(m.Accounts.LiquidatorCredit(liquidator)), nil
}

// FundingHistory returns up to limit of the newest settlements, oldest first
func (c *DeterministicCore) FundingHistory(marketID string, limit int) ([]state.FundingRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.market(marketID)
	if err != nil {
		return nil, err
	}
	return m.Funding.History(limit), nil
}

// Liquidations returns up to limit of the newest liquidations, oldest first
func (c *DeterministicCore) Liquidations(marketID string, limit int) ([]state.LiquidationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.market(marketID)
	if err != nil {
		return nil, err
	}
	return m.Liquidations.Recent(limit), nil
}

// DueFunding lists markets whose next funding block is at or before block
func (c *DeterministicCore) DueFunding(block int64) []FundingDue {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []FundingDue
	for id, m := range c.markets {
		if block >= m.AMM.NextFundingBlock {
			due = append(due, FundingDue{
				MarketID:         id,
				NextFundingBlock: m.AMM.NextFundingBlock,
				FundingPeriod:    m.AMM.FundingPeriod,
			})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].MarketID < due[j].MarketID })
	return due
}
