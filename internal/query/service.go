package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound means the projection has no row for the request
var ErrNotFound = errors.New("not found")

const maxPageSize = 500

// Service provides read-only access to the projection tables. Every
// response carries as_of_sequence, the last sequence the projection worker
// applied, so callers can tell how fresh it is.
type Service struct {
	db *sqlx.DB
}

func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

// GetMarket returns the projected state of one market
func (s *Service) GetMarket(ctx context.Context, marketID string) (*MarketResponse, error) {
	asOf, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var m MarketResponse
	err = s.db.GetContext(ctx, &m, `
		SELECT market_id, quote_asset, decimals, quote_reserve, base_reserve, total_position_size,
		       open_interest_notional, cumulative_premium_fraction, next_funding_block, funding_period,
		       clearing_house, insurance_fund, params, last_block, last_sequence
		FROM projections.markets
		WHERE market_id = $1
	`, marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.AsOfSequence = asOf
	return &m, nil
}

// ListMarkets returns every projected market ordered by ID
func (s *Service) ListMarkets(ctx context.Context) ([]MarketResponse, error) {
	asOf, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var markets []MarketResponse
	if err := s.db.SelectContext(ctx, &markets, `
		SELECT market_id, quote_asset, decimals, quote_reserve, base_reserve, total_position_size,
		       open_interest_notional, cumulative_premium_fraction, next_funding_block, funding_period,
		       clearing_house, insurance_fund, params, last_block, last_sequence
		FROM projections.markets
		ORDER BY market_id
	`); err != nil {
		return nil, err
	}
	for i := range markets {
		markets[i].AsOfSequence = asOf
	}
	return markets, nil
}

// GetPositions returns all open positions of a trader
func (s *Service) GetPositions(ctx context.Context, trader uuid.UUID) ([]PositionResponse, error) {
	asOf, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var positions []PositionResponse
	if err := s.db.SelectContext(ctx, &positions, `
		SELECT market_id, trader, size, margin, open_notional,
		       last_updated_cumulative_premium_fraction, block_number, version
		FROM projections.positions
		WHERE trader = $1
		ORDER BY market_id
	`, trader); err != nil {
		return nil, err
	}
	for i := range positions {
		positions[i].AsOfSequence = asOf
	}
	return positions, nil
}

// GetFundingHistory returns settlements of a market, newest first.
// beforeBlock pages backwards.
func (s *Service) GetFundingHistory(ctx context.Context, marketID string, limit int, beforeBlock *int64) ([]FundingHistoryResponse, error) {
	query := `
		SELECT market_id, block, amm_twap_price, oracle_twap_price, premium_fraction,
		       cumulative_premium_fraction, total_position_size, amm_funding_profit,
		       next_funding_block, sequence
		FROM projections.funding_history
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	argIdx := 2

	if beforeBlock != nil {
		query += fmt.Sprintf(" AND block < $%d", argIdx)
		args = append(args, *beforeBlock)
		argIdx++
	}

	query += " ORDER BY block DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	var history []FundingHistoryResponse
	if err := s.db.SelectContext(ctx, &history, query, args...); err != nil {
		return nil, err
	}
	return history, nil
}

// GetLiquidations returns liquidations, newest first. Either filter may be
// empty.
func (s *Service) GetLiquidations(ctx context.Context, marketID string, trader uuid.UUID, limit int) ([]LiquidationResponse, error) {
	query := `
		SELECT liquidation_id, market_id, trader, liquidator, mode, block, margin_ratio_before,
		       exchanged_position_size, exchanged_quote_amount, fee_to_liquidator,
		       fee_to_insurance_fund, bad_debt, sequence
		FROM projections.liquidation_history
		WHERE TRUE
	`
	var args []interface{}
	argIdx := 1

	if marketID != "" {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, marketID)
		argIdx++
	}
	if trader != uuid.Nil {
		query += fmt.Sprintf(" AND trader = $%d", argIdx)
		args = append(args, trader)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	var results []LiquidationResponse
	if err := s.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, err
	}
	return results, nil
}

// GetPools returns a market's projected clearing house and insurance fund
func (s *Service) GetPools(ctx context.Context, marketID string) (*PoolsResponse, error) {
	asOf, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	p := PoolsResponse{MarketID: marketID, AsOfSequence: asOf}
	err = s.db.QueryRowxContext(ctx, `
		SELECT clearing_house, insurance_fund FROM projections.markets WHERE market_id = $1
	`, marketID).Scan(&p.ClearingHouse, &p.InsuranceFund)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetBalance returns the projected balance of one ledger account
func (s *Service) GetBalance(ctx context.Context, accountPath string) (*BalanceResponse, error) {
	asOf, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var b BalanceResponse
	err = s.db.GetContext(ctx, &b, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM projections.balances
		WHERE account_path = $1
	`, accountPath)
	if errors.Is(err, sql.ErrNoRows) {
		return &BalanceResponse{AccountPath: accountPath, AsOfSequence: asOf}, nil
	}
	if err != nil {
		return nil, err
	}
	b.AsOfSequence = asOf
	return &b, nil
}

// GetJournalHistory returns journal entries touching accounts with the
// given path prefix, newest first. afterSequence pages backwards.
func (s *Service) GetJournalHistory(ctx context.Context, accountPrefix string, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, block
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix + "%"}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	var entries []JournalHistoryEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and the
// zero-sum of the projected balances.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := s.db.SelectContext(ctx, &report.HashChainBreaks, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`); err != nil {
		return nil, fmt.Errorf("hash chain check: %w", err)
	}

	if err := s.db.SelectContext(ctx, &report.UnbalancedAssets, `
		SELECT asset_id, SUM(balance) AS imbalance
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`); err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// Ping reports whether the read model is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return seq, nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
