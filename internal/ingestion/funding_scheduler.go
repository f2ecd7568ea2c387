package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
)

// DueFundingSource lists markets whose funding period has elapsed
type DueFundingSource interface {
	DueFunding(block int64) []core.FundingDue
}

// FundingScheduler issues PayFunding for every market whose period is due.
// A period that was already settled arrives as a duplicate and is ignored,
// so two schedulers racing is harmless.
type FundingScheduler struct {
	source     DueFundingSource
	dispatcher *Dispatcher
	interval   time.Duration
	logger     zerolog.Logger
}

func NewFundingScheduler(source DueFundingSource, dispatcher *Dispatcher, interval time.Duration, logger zerolog.Logger) *FundingScheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &FundingScheduler{
		source:     source,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger,
	}
}

// Run checks for due funding on every tick until ctx is cancelled
func (fs *FundingScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fs.Tick()
		}
	}
}

// Tick settles every due market at the dispatcher's current block and
// returns how many settled.
func (fs *FundingScheduler) Tick() int {
	block := fs.dispatcher.Now()
	settled := 0

	for _, due := range fs.source.DueFunding(block) {
		outcome, err := fs.dispatcher.SettleFunding(due.MarketID, due.NextFundingBlock)
		switch {
		case err == nil:
			settled++
			ev := fs.logger.Info().
				Str("market", due.MarketID).
				Int64("block", block).
				Int64("next_funding_block", outcome.AMM.NextFundingBlock)
			if outcome.Funding != nil {
				ev = ev.Int64("premium_fraction", outcome.Funding.PremiumFraction)
			}
			ev.Msg("funding settled")
		case errors.Is(err, core.ErrDuplicateCommand), errors.Is(err, core.ErrFundingNotDue):
		case errors.Is(err, core.ErrInvalidOraclePrice):
			fs.logger.Warn().Err(err).Str("market", due.MarketID).Msg("funding skipped: no oracle TWAP")
		default:
			fs.logger.Error().Err(err).Str("market", due.MarketID).Msg("funding settlement failed")
		}
	}
	return settled
}
