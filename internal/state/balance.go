// internal/state/balance.go
package state

import "PerpVAMM/internal/ledger"

// PoolBalances is the read view of a market's settlement pools
type PoolBalances struct {
	MarketID      string `json:"market_id"`
	Asset         string `json:"asset"`
	ClearingHouse int64  `json:"clearing_house"`
	InsuranceFund int64  `json:"insurance_fund"`
}

// PoolBalancesOf reads the market's pools from the tracker
func (m *Market) PoolBalancesOf(tracker *ledger.BalanceTracker) PoolBalances {
	return PoolBalances{
		MarketID:      m.Params.MarketID,
		Asset:         m.Params.QuoteAsset,
		ClearingHouse: tracker.GetBalance(m.Accounts.ClearingHouse),
		InsuranceFund: tracker.GetBalance(m.Accounts.InsuranceFund),
	}
}

// CanonicalBytes for deterministic hashing
func (b PoolBalances) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)

	// market_id (length-prefixed)
	buf = append(buf, byte(len(b.MarketID)))
	buf = append(buf, []byte(b.MarketID)...)

	buf = appendInt64LE(buf, b.ClearingHouse)
	buf = appendInt64LE(buf, b.InsuranceFund)

	return buf
}
