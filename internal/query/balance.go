package query

// BalanceResponse is the projected balance of one ledger account
type BalanceResponse struct {
	AccountPath  string `db:"account_path" json:"account_path"`
	AssetID      uint16 `db:"asset_id" json:"asset_id"`
	Balance      int64  `db:"balance" json:"balance"`
	LastSequence int64  `db:"last_sequence" json:"last_sequence"`
	AsOfSequence int64  `db:"-" json:"as_of_sequence"`
}

// PoolsResponse groups a market's two pools as projected
type PoolsResponse struct {
	MarketID      string `json:"market_id"`
	ClearingHouse int64  `json:"clearing_house"`
	InsuranceFund int64  `json:"insurance_fund"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}
