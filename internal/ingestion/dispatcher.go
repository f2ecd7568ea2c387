package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/oracle"
)

// Clock returns the current block. The engine measures blocks in unix
// seconds, so funding periods are plain durations.
type Clock func() int64

// UnixClock is the production clock
func UnixClock() int64 { return time.Now().Unix() }

// Processor is the slice of the deterministic core the ingestion shell
// drives.
type Processor interface {
	ProcessEvent(evt event.Event) (*core.Outcome, error)
	Market(marketID string) (core.MarketView, error)
}

// Dispatcher is the shell between the transports and the core: it parses
// raw commands, stamps the block and the oracle TWAP, feeds oracle prices
// into the store and hands everything else to the core.
//
// Stamping and applying happen under one lock, so commands reach the core
// in block order whichever transport delivered them.
type Dispatcher struct {
	proc    Processor
	oracle  *oracle.Store
	clock   Clock
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	lastBlock int64 // highest block stamped; guarded by mu
}

func NewDispatcher(
	proc Processor,
	store *oracle.Store,
	clock Clock,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	if clock == nil {
		clock = UnixClock
	}
	return &Dispatcher{
		proc:    proc,
		oracle:  store,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Submit parses and applies one command. Oracle prices return a nil
// outcome.
func (d *Dispatcher) Submit(eventType string, data []byte) (*core.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	evt, err := ParseCommand(eventType, data, d.stampLocked(), d.decimals)
	if err != nil {
		return nil, err
	}
	return d.applyLocked(evt)
}

// Apply routes an already typed command
func (d *Dispatcher) Apply(evt event.Event) (*core.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(evt)
}

// stampLocked returns the block for the next command. It never goes
// backwards, even if the clock does.
func (d *Dispatcher) stampLocked() int64 {
	if now := d.clock(); now > d.lastBlock {
		d.lastBlock = now
	}
	return d.lastBlock
}

func (d *Dispatcher) applyLocked(evt event.Event) (*core.Outcome, error) {
	switch e := evt.(type) {
	case *event.OraclePriceUpdate:
		return nil, d.observePrice(e)
	case *event.PayFunding:
		if err := d.stampFunding(e); err != nil {
			return nil, err
		}
	}
	return d.proc.ProcessEvent(evt)
}

// SettleFunding builds and applies the PayFunding of a due period
func (d *Dispatcher) SettleFunding(marketID string, nextFundingBlock int64) (*core.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.applyLocked(&event.PayFunding{
		Market:           marketID,
		NextFundingBlock: nextFundingBlock,
		Block:            d.stampLocked(),
	})
}

// Now returns the current block of the dispatcher's clock
func (d *Dispatcher) Now() int64 {
	return d.clock()
}

// Run consumes raw messages from the transports until ctx is cancelled.
// Each message is acked once the core has decided on it; rejections are
// final, so only a shutdown mid-message naks.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		if err := ctx.Err(); err != nil {
			d.nakPending(in)
			return err
		}
		select {
		case <-ctx.Done():
			d.nakPending(in)
			return ctx.Err()

		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.handleRaw(raw)
		}
	}
}

// nakPending returns buffered but undecided messages for redelivery
func (d *Dispatcher) nakPending(in <-chan RawEvent) {
	for {
		select {
		case raw, ok := <-in:
			if !ok {
				return
			}
			raw.nak()
		default:
			return
		}
	}
}

func (d *Dispatcher) handleRaw(raw RawEvent) {
	eventType, err := EventTypeFromSubject(raw.Subject)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping message")
		raw.term()
		return
	}

	outcome, err := d.Submit(eventType, raw.Data)
	switch {
	case errors.Is(err, ErrMalformedCommand), errors.Is(err, ErrUnknownEventType):
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed command")
		raw.term()
	case errors.Is(err, core.ErrStaleBlock):
		// restamped on redelivery
		d.logger.Debug().Err(err).Str("subject", raw.Subject).Msg("stale block, redelivering")
		raw.nak()
	case err != nil:
		d.logger.Debug().Err(err).Str("subject", raw.Subject).Msg("command rejected")
		raw.ack()
	default:
		if outcome != nil {
			d.logger.Debug().Int64("seq", outcome.Sequence).Str("kind", outcome.Kind).Msg("command applied")
		}
		raw.ack()
	}
}

func (d *Dispatcher) observePrice(e *event.OraclePriceUpdate) error {
	if d.oracle == nil {
		return errors.New("no oracle store configured")
	}
	if err := d.oracle.Update(e.Market, e.Block, e.Price); err != nil {
		return fmt.Errorf("oracle update: %w", err)
	}
	if d.metrics != nil {
		d.metrics.OraclePriceUpdates.WithLabelValues(e.Market).Inc()
	}
	return nil
}

// stampFunding fills the settled period and the oracle TWAP over it
func (d *Dispatcher) stampFunding(e *event.PayFunding) error {
	view, err := d.proc.Market(e.Market)
	if err != nil {
		return err
	}
	if e.NextFundingBlock == 0 {
		e.NextFundingBlock = view.AMM.NextFundingBlock
	}
	if e.OracleTwapPrice != 0 {
		return nil
	}
	if d.oracle == nil {
		return fmt.Errorf("%w: no oracle store", core.ErrInvalidOraclePrice)
	}

	twap, err := d.oracle.TwapPrice(e.Market, e.Block, view.AMM.FundingPeriod)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidOraclePrice, err)
	}
	e.OracleTwapPrice = twap
	return nil
}

func (d *Dispatcher) decimals(market string) (fpmath.DecimalConfig, error) {
	view, err := d.proc.Market(market)
	if err != nil {
		return fpmath.DecimalConfig{}, err
	}
	return view.Params.Decimals, nil
}
