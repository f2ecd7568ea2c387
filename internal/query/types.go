package query

import (
	"encoding/json"

	"github.com/google/uuid"
)

// MarketResponse is the projected state of one market
type MarketResponse struct {
	MarketID                  string          `db:"market_id" json:"market_id"`
	QuoteAsset                string          `db:"quote_asset" json:"quote_asset"`
	Decimals                  int             `db:"decimals" json:"decimals"`
	QuoteReserve              int64           `db:"quote_reserve" json:"quote_reserve"`
	BaseReserve               int64           `db:"base_reserve" json:"base_reserve"`
	TotalPositionSize         int64           `db:"total_position_size" json:"total_position_size"`
	OpenInterestNotional      int64           `db:"open_interest_notional" json:"open_interest_notional"`
	CumulativePremiumFraction int64           `db:"cumulative_premium_fraction" json:"cumulative_premium_fraction"`
	NextFundingBlock          int64           `db:"next_funding_block" json:"next_funding_block"`
	FundingPeriod             int64           `db:"funding_period" json:"funding_period"`
	ClearingHouse             int64           `db:"clearing_house" json:"clearing_house"`
	InsuranceFund             int64           `db:"insurance_fund" json:"insurance_fund"`
	Params                    json.RawMessage `db:"params" json:"params"`
	LastBlock                 int64           `db:"last_block" json:"last_block"`
	LastSequence              int64           `db:"last_sequence" json:"last_sequence"`
	AsOfSequence              int64           `db:"-" json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	MarketID                             string    `db:"market_id" json:"market_id"`
	Trader                               uuid.UUID `db:"trader" json:"trader"`
	Size                                 int64     `db:"size" json:"size"`
	Margin                               int64     `db:"margin" json:"margin"`
	OpenNotional                         int64     `db:"open_notional" json:"open_notional"`
	LastUpdatedCumulativePremiumFraction int64     `db:"last_updated_cumulative_premium_fraction" json:"last_updated_cumulative_premium_fraction"`
	BlockNumber                          int64     `db:"block_number" json:"block_number"`
	Version                              int64     `db:"version" json:"version"`
	AsOfSequence                         int64     `db:"-" json:"as_of_sequence"`
}

// FundingHistoryResponse is one settled funding period
type FundingHistoryResponse struct {
	MarketID                  string `db:"market_id" json:"market_id"`
	Block                     int64  `db:"block" json:"block"`
	AMMTwapPrice              int64  `db:"amm_twap_price" json:"amm_twap_price"`
	OracleTwapPrice           int64  `db:"oracle_twap_price" json:"oracle_twap_price"`
	PremiumFraction           int64  `db:"premium_fraction" json:"premium_fraction"`
	CumulativePremiumFraction int64  `db:"cumulative_premium_fraction" json:"cumulative_premium_fraction"`
	TotalPositionSize         int64  `db:"total_position_size" json:"total_position_size"`
	AMMFundingProfit          int64  `db:"amm_funding_profit" json:"amm_funding_profit"`
	NextFundingBlock          int64  `db:"next_funding_block" json:"next_funding_block"`
	Sequence                  int64  `db:"sequence" json:"sequence"`
}

// LiquidationResponse is one committed liquidation
type LiquidationResponse struct {
	LiquidationID         uuid.UUID `db:"liquidation_id" json:"liquidation_id"`
	MarketID              string    `db:"market_id" json:"market_id"`
	Trader                uuid.UUID `db:"trader" json:"trader"`
	Liquidator            uuid.UUID `db:"liquidator" json:"liquidator"`
	Mode                  int32     `db:"mode" json:"mode"`
	Block                 int64     `db:"block" json:"block"`
	MarginRatioBefore     int64     `db:"margin_ratio_before" json:"margin_ratio_before"`
	ExchangedPositionSize int64     `db:"exchanged_position_size" json:"exchanged_position_size"`
	ExchangedQuoteAmount  int64     `db:"exchanged_quote_amount" json:"exchanged_quote_amount"`
	FeeToLiquidator       int64     `db:"fee_to_liquidator" json:"fee_to_liquidator"`
	FeeToInsuranceFund    int64     `db:"fee_to_insurance_fund" json:"fee_to_insurance_fund"`
	BadDebt               int64     `db:"bad_debt" json:"bad_debt"`
	Sequence              int64     `db:"sequence" json:"sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `db:"journal_id" json:"journal_id"`
	BatchID       string `db:"batch_id" json:"batch_id"`
	EventRef      string `db:"event_ref" json:"event_ref"`
	Sequence      int64  `db:"sequence" json:"sequence"`
	DebitAccount  string `db:"debit_account" json:"debit_account"`
	CreditAccount string `db:"credit_account" json:"credit_account"`
	AssetID       uint16 `db:"asset_id" json:"asset_id"`
	Amount        int64  `db:"amount" json:"amount"`
	JournalType   int32  `db:"journal_type" json:"journal_type"`
	Block         int64  `db:"block" json:"block"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `db:"asset_id" json:"asset_id"`
	Imbalance int64  `db:"imbalance" json:"imbalance"`
}
