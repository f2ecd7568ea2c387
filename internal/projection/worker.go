package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/state"
)

// workerID keys the watermark row of the main projection worker
const workerID = "main"

// execer is the subset of *sql.Tx the projection writes need
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker updates the read-model tables from committed outputs.
// The projection channel drops when full, so the tables may lag or miss
// commands; RebuildBalances and a replay restore them from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent: keep going, a rebuild catches up
				pw.logger.Warn().Err(err).Int64("seq", output.Envelope.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("projection").Inc()
				}
				continue
			}
			if gap := output.Envelope.Sequence - pw.lastSeq; pw.lastSeq >= 0 && gap > 1 {
				pw.logger.Warn().Int64("missed", gap-1).Int64("seq", output.Envelope.Sequence).Msg("projection skipped dropped outputs")
			}
			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence returns the last sequence this worker projected, -1 if none
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := Apply(ctx, tx, output); err != nil {
		return err
	}
	return tx.Commit()
}

// Apply writes every projection row one output affects, then the watermark.
func Apply(ctx context.Context, ex execer, output core.CoreOutput) error {
	out := output.Outcome
	seq := output.Envelope.Sequence

	if err := applyMarket(ctx, ex, out, seq); err != nil {
		return fmt.Errorf("market projection: %w", err)
	}
	if err := applyPosition(ctx, ex, out, seq); err != nil {
		return fmt.Errorf("position projection: %w", err)
	}
	if out.Funding != nil {
		if err := applyFunding(ctx, ex, out.Funding, seq); err != nil {
			return fmt.Errorf("funding projection: %w", err)
		}
	}
	if out.Liquidation != nil {
		if err := applyLiquidation(ctx, ex, out.Liquidation, seq); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			// Debit raises the balance, credit lowers it
			if err := applyBalance(ctx, ex, j.DebitAccount.AccountPath(), uint16(j.AssetID), j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := applyBalance(ctx, ex, j.CreditAccount.AccountPath(), uint16(j.AssetID), -j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

func applyMarket(ctx context.Context, ex execer, out *core.Outcome, seq int64) error {
	amm := out.AMM
	if out.Params != nil {
		params, err := json.Marshal(out.Params)
		if err != nil {
			return err
		}
		_, err = ex.ExecContext(ctx, `
			INSERT INTO projections.markets
				(market_id, quote_asset, decimals, quote_reserve, base_reserve, total_position_size,
				 open_interest_notional, cumulative_premium_fraction, next_funding_block, funding_period,
				 clearing_house, insurance_fund, params, last_block, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (market_id) DO UPDATE SET
				quote_asset = EXCLUDED.quote_asset, decimals = EXCLUDED.decimals,
				quote_reserve = EXCLUDED.quote_reserve, base_reserve = EXCLUDED.base_reserve,
				total_position_size = EXCLUDED.total_position_size,
				open_interest_notional = EXCLUDED.open_interest_notional,
				cumulative_premium_fraction = EXCLUDED.cumulative_premium_fraction,
				next_funding_block = EXCLUDED.next_funding_block, funding_period = EXCLUDED.funding_period,
				clearing_house = EXCLUDED.clearing_house, insurance_fund = EXCLUDED.insurance_fund,
				params = EXCLUDED.params, last_block = EXCLUDED.last_block,
				last_sequence = EXCLUDED.last_sequence
		`, out.MarketID, out.Params.QuoteAsset, out.Params.Decimals.DecimalPrecision,
			amm.QuoteReserve, amm.BaseReserve, amm.TotalPositionSize,
			amm.OpenInterestNotional, amm.CumulativePremiumFraction, amm.NextFundingBlock, amm.FundingPeriod,
			out.PoolBalances.ClearingHouse, out.PoolBalances.InsuranceFund, string(params), out.Block, seq)
		return err
	}

	_, err := ex.ExecContext(ctx, `
		UPDATE projections.markets SET
			quote_reserve = $2, base_reserve = $3, total_position_size = $4,
			open_interest_notional = $5, cumulative_premium_fraction = $6,
			next_funding_block = $7, clearing_house = $8, insurance_fund = $9,
			last_block = $10, last_sequence = $11
		WHERE market_id = $1
	`, out.MarketID, amm.QuoteReserve, amm.BaseReserve, amm.TotalPositionSize,
		amm.OpenInterestNotional, amm.CumulativePremiumFraction, amm.NextFundingBlock,
		out.PoolBalances.ClearingHouse, out.PoolBalances.InsuranceFund, out.Block, seq)
	return err
}

func applyPosition(ctx context.Context, ex execer, out *core.Outcome, seq int64) error {
	if out.Trader == uuid.Nil {
		return nil
	}
	if out.Position == nil {
		_, err := ex.ExecContext(ctx, `
			DELETE FROM projections.positions WHERE market_id = $1 AND trader = $2
		`, out.MarketID, out.Trader)
		return err
	}

	p := out.Position
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.positions
			(market_id, trader, size, margin, open_notional,
			 last_updated_cumulative_premium_fraction, block_number, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (market_id, trader) DO UPDATE SET
			size = EXCLUDED.size, margin = EXCLUDED.margin, open_notional = EXCLUDED.open_notional,
			last_updated_cumulative_premium_fraction = EXCLUDED.last_updated_cumulative_premium_fraction,
			block_number = EXCLUDED.block_number, version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
	`, p.MarketID, p.Trader, p.Size, p.Margin, p.OpenNotional,
		p.LastUpdatedCumulativePremiumFraction, p.BlockNumber, p.Version, seq)
	return err
}

func applyFunding(ctx context.Context, ex execer, f *state.FundingRecord, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.funding_history
			(market_id, block, amm_twap_price, oracle_twap_price, premium_fraction,
			 cumulative_premium_fraction, total_position_size, amm_funding_profit,
			 next_funding_block, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (market_id, block) DO NOTHING
	`, f.MarketID, f.Block, f.AMMTwapPrice, f.OracleTwapPrice, f.PremiumFraction,
		f.CumulativePremiumFraction, f.TotalPositionSize, f.AMMFundingProfit,
		f.NextFundingBlock, seq)
	return err
}

func applyLiquidation(ctx context.Context, ex execer, l *state.LiquidationRecord, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(liquidation_id, market_id, trader, liquidator, mode, block, margin_ratio_before,
			 exchanged_position_size, exchanged_quote_amount, fee_to_liquidator,
			 fee_to_insurance_fund, bad_debt, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (liquidation_id) DO NOTHING
	`, l.LiquidationID, l.MarketID, l.Trader, l.Liquidator, int32(l.Mode), l.Block,
		l.MarginRatioBefore, l.ExchangedPositionSize, l.ExchangedQuoteAmount,
		l.FeeToLiquidator, l.FeeToInsuranceFund, l.BadDebt, seq)
	return err
}

func applyBalance(ctx context.Context, ex execer, accountPath string, assetID uint16, delta, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
		              last_sequence = EXCLUDED.last_sequence
	`, accountPath, int32(assetID), delta, seq)
	return err
}

// RebuildBalances recomputes projections.balances from event_log.journal
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	// Debits add, credits subtract
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence
			FROM event_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	return tx.Commit()
}
