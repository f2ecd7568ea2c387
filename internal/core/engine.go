package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/state"
)

const (
	// DefaultDedupCapacity is the size of the in-memory dedup tier
	DefaultDedupCapacity = 1_000_000

	// globalCheckInterval is how often (in sequences) the zero-sum invariant
	// over every account is verified
	globalCheckInterval = 1000
)

// liquidationNamespace derives liquidation IDs from request keys, so a
// replayed liquidation gets the same ID.
var liquidationNamespace = uuid.MustParse("6f1c2a9e-3b7d-4d5e-9a40-8c21f0e7b513")

// DeterministicCore applies commands to the markets one at a time. Every
// command is computed against current state first and committed only when
// it fully succeeds.
type DeterministicCore struct {
	mu sync.Mutex

	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	markets           map[string]*state.Market
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// pending is a dispatched command waiting to be committed
type pending struct {
	market    *state.Market
	change    *state.Change
	newMarket bool
}

func NewDeterministicCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(startSequence),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		markets:           make(map[string]*state.Market),
		idempotency:       NewIdempotencyChecker(DefaultDedupCapacity, dbChecker, metrics, logger),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent runs one command through the pipeline and returns its
// outcome. A rejected command changes nothing but its source partition.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.process(evt, nil)
}

// ReplayEvent re-applies a command read back from the event log and
// checks the resulting hash against the logged one. Nothing is emitted.
// A mismatch leaves the core diverged; the caller must stop.
func (c *DeterministicCore) ReplayEvent(evt event.Event, expectedHash [32]byte) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.process(evt, &expectedHash)
}

func (c *DeterministicCore) process(evt event.Event, replayHash *[32]byte) (*Outcome, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	replay := replayHash != nil

	// Step 1: Idempotency check (two-tier; the log itself during replay)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey, !replay)

	// Step 2: Sequence validation
	partition := partitionOf(evt)
	if replay {
		c.sequenceValidator.Observe(partition, evt.SourceSequence())
	} else if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		return nil, c.reject(eventType, fmt.Errorf("sequence validation failed: %w", err))
	}

	if isDuplicate {
		return nil, c.reject(eventType, fmt.Errorf("%w: %s", ErrDuplicateCommand, idempotencyKey))
	}

	// Step 3: Dispatch to the state machine (pure, nothing committed)
	p, err := c.dispatch(evt)
	if err != nil {
		return nil, c.reject(eventType, err)
	}
	m, ch := p.market, p.change
	seq := c.sequence

	// Step 4: Journal batch
	batch, err := c.journalGen.GenerateBatch(idempotencyKey, seq, ch.Block, ch.Transfers)
	if err != nil {
		return nil, c.reject(eventType, fmt.Errorf("generate journals: %w", err))
	}
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}

	c.checkInsuranceCoverage(m, ch)

	// Step 5: Commit. Nothing below may fail.
	if err := c.balanceTracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: apply validated batch: %v", err))
	}
	if p.newMarket {
		c.markets[ch.MarketID] = m
	}
	if err := m.Apply(ch); err != nil {
		panic(fmt.Sprintf("FATAL: commit %s on %s: %v", ch.Kind, ch.MarketID, err))
	}

	// Step 6: State digest and hash chain
	digest := c.computeStateDigest(m, ch, batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, digest)
	if replay && stateHash != *replayHash {
		return nil, fmt.Errorf("%w at sequence %d: log %x, computed %x",
			ErrStateHashMismatch, seq, *replayHash, stateHash)
	}
	c.hasher.Advance(stateHash)
	c.sequence++

	payload, err := event.EncodePayload(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", eventType, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Block:          evt.BlockNumber(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	pools := m.PoolBalancesOf(c.balanceTracker)
	outcome := newOutcome(envelope, ch, pools)

	// Step 7: Post-checks
	if err := c.postCheckInvariants(m); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 8: Emit outputs. Persist blocks (backpressure),
	// projections drop when full and rebuild from the log.
	if !replay {
		c.emit(CoreOutput{Envelope: envelope, Batch: batch, Outcome: outcome})
	}

	// Step 9: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordCommit(eventType, m, ch, batch, pools, start)

	c.logger.Debug().
		Int64("seq", seq).
		Str("event_type", eventType).
		Str("market", ch.MarketID).
		Str("kind", ch.Kind.String()).
		Int("journals", len(batch.Journals)).
		Bool("replay", replay).
		Msg("committed")

	return outcome, nil
}

func (c *DeterministicCore) reject(eventType string, err error) error {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, RejectReason(err)).Inc()
	}
	c.logger.Debug().Err(err).Str("event_type", eventType).Msg("command rejected")
	return err
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}
}

// partitionOf determines the partition key for sequence validation
func partitionOf(evt event.Event) string {
	if marketID := evt.MarketID(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

// recoverOverflow turns a fixed-point overflow panic into
// ErrArithmeticOverflow. It must be deferred directly.
func (c *DeterministicCore) recoverOverflow(err *error) {
	r := recover()
	if r == nil {
		return
	}
	oe, ok := r.(*fpmath.OverflowError)
	if !ok {
		panic(r)
	}
	if c.metrics != nil {
		c.metrics.ArithmeticOverflow.Inc()
	}
	*err = fmt.Errorf("%w: %v", ErrArithmeticOverflow, oe)
}

// dispatch computes the change a command would make. Fixed-point overflow
// anywhere in the computation aborts the command.
func (c *DeterministicCore) dispatch(evt event.Event) (p *pending, err error) {
	defer c.recoverOverflow(&err)

	if e, ok := evt.(*event.InitMarket); ok {
		return c.handleInitMarket(e)
	}

	marketID := evt.MarketID()
	if marketID == nil {
		return nil, fmt.Errorf("%w: command carries no market", ErrUnknownMarket)
	}
	m, ok := c.markets[*marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, *marketID)
	}
	if err := m.CheckBlock(evt.BlockNumber()); err != nil {
		return nil, err
	}

	var ch *state.Change
	switch e := evt.(type) {
	case *event.OpenPosition:
		ch, err = m.OpenOrIncrease(state.OpenRequest{
			Trader:        e.Trader,
			Side:          e.TradeSide,
			QuoteAmount:   e.QuoteAmount,
			Leverage:      e.Leverage,
			MinBaseAmount: e.MinBaseAmount,
			Block:         e.Block,
		})
	case *event.ClosePosition:
		ch, err = m.ReduceOrClose(state.CloseRequest{
			Trader:          e.Trader,
			QuoteAmount:     e.QuoteAmount,
			Full:            e.Full,
			MinQuoteAmount:  e.MinQuoteAmount,
			BaseAmountLimit: e.BaseAmountLimit,
			Block:           e.Block,
		})
	case *event.AddMargin:
		ch, err = m.AddMargin(e.Trader, e.Amount, e.Block)
	case *event.RemoveMargin:
		ch, err = m.RemoveMargin(e.Trader, e.Amount, e.Block)
	case *event.Liquidate:
		ch, err = c.handleLiquidate(m, e)
	case *event.PayFunding:
		ch, err = c.handlePayFunding(m, e)
	case *event.FundInsurance:
		ch, err = m.DepositInsurance(e.Amount, e.Block)
	case *event.RiskParamUpdate:
		ch, err = m.UpdateRiskParams(riskParamsFrom(m.Params, e), e.Block)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, evt)
	}
	if err != nil {
		return nil, err
	}
	return &pending{market: m, change: ch}, nil
}

func (c *DeterministicCore) handleInitMarket(e *event.InitMarket) (*pending, error) {
	if _, exists := c.markets[e.Market]; exists {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, e.Market)
	}

	params, err := paramsFromInit(e)
	if err != nil {
		return nil, err
	}
	m, err := state.NewMarket(params, e.QuoteReserve, e.BaseReserve, e.Block)
	if err != nil {
		return nil, fmt.Errorf("init market %s: %w", e.Market, err)
	}
	return &pending{market: m, change: m.InitChange(), newMarket: true}, nil
}

func (c *DeterministicCore) handleLiquidate(m *state.Market, e *event.Liquidate) (*state.Change, error) {
	ch, err := m.Liquidate(e.Liquidator, e.Trader, e.Block)
	if err != nil {
		return nil, err
	}
	ch.Liquidation.LiquidationID = uuid.NewSHA1(liquidationNamespace, []byte(e.IdempotencyKey()))
	return ch, nil
}

func (c *DeterministicCore) handlePayFunding(m *state.Market, e *event.PayFunding) (*state.Change, error) {
	if e.NextFundingBlock != 0 && e.NextFundingBlock != m.AMM.NextFundingBlock {
		return nil, fmt.Errorf("%w: command settles period %d, market %s is at %d",
			ErrFundingNotDue, e.NextFundingBlock, m.Params.MarketID, m.AMM.NextFundingBlock)
	}
	return m.PayFunding(e.Block, e.OracleTwapPrice)
}

func paramsFromInit(e *event.InitMarket) (*state.MarketParams, error) {
	params := state.DefaultMarketParams(e.Market)
	if e.QuoteAsset != "" {
		params.QuoteAsset = e.QuoteAsset
	}
	if e.Decimals != 0 {
		dc, err := fpmath.ConfigForPrecision(e.Decimals)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMarketParams, err)
		}
		params.Decimals = dc
	}
	params.FundingPeriod = e.FundingPeriod
	params.InitMarginRatio = e.InitMarginRatio
	params.MaintenanceMarginRatio = e.MaintenanceMarginRatio
	params.LiquidationFeeRatio = e.LiquidationFeeRatio
	params.PartialLiquidationRatio = e.PartialLiquidationRatio
	params.FeeRatio = e.FeeRatio
	return params, nil
}

func riskParamsFrom(current *state.MarketParams, e *event.RiskParamUpdate) *state.MarketParams {
	next := current.Clone()
	next.InitMarginRatio = e.InitMarginRatio
	next.MaintenanceMarginRatio = e.MaintenanceMarginRatio
	next.LiquidationFeeRatio = e.LiquidationFeeRatio
	next.PartialLiquidationRatio = e.PartialLiquidationRatio
	next.FeeRatio = e.FeeRatio
	return next
}

// checkInsuranceCoverage reports debits the insurance fund cannot cover.
// The debit is booked anyway; the shortfall belongs to the capital layer.
func (c *DeterministicCore) checkInsuranceCoverage(m *state.Market, ch *state.Change) {
	debit := state.InsuranceFundDebit(m.Accounts, ch.Transfers)
	if debit == 0 {
		return
	}
	balance := c.balanceTracker.GetBalance(m.Accounts.InsuranceFund)
	covered, shortfall := state.ComputeCoverage(balance, debit)
	if shortfall == 0 {
		return
	}

	c.logger.Warn().
		Str("market", ch.MarketID).
		Str("kind", ch.Kind.String()).
		Str("debit", m.Decimals().Format(debit)).
		Str("covered", m.Decimals().Format(covered)).
		Str("shortfall", m.Decimals().Format(shortfall)).
		Msg("insurance fund cannot cover debit")
	if c.metrics != nil {
		c.metrics.InsuranceFundShortfalls.WithLabelValues(ch.MarketID).Add(float64(shortfall))
	}
}

// computeStateDigest creates canonical bytes for the state hash: balances
// of every account the batch touched, then the market's curve, then the
// trader's position (or a removal marker) and the params when they changed.
func (c *DeterministicCore) computeStateDigest(m *state.Market, ch *state.Change, batch *ledger.Batch) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affectedAccounts[j.DebitAccount] = true
		affectedAccounts[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+256)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	digest = append(digest, byte(len(ch.MarketID)))
	digest = append(digest, []byte(ch.MarketID)...)
	digest = append(digest, m.AMM.CanonicalBytes()...)

	if ch.Trader != uuid.Nil {
		if pos, ok := m.Positions.GetPosition(ch.Trader, ch.MarketID); ok {
			digest = append(digest, 1)
			digest = append(digest, pos.CanonicalBytes()...)
		} else {
			digest = append(digest, 0)
			digest = append(digest, ch.Trader[:]...)
		}
	}

	if ch.Params != nil {
		digest = appendParams(digest, ch.Params)
	}

	return digest
}

func appendParams(buf []byte, p *state.MarketParams) []byte {
	buf = appendInt64LE(buf, p.InitMarginRatio)
	buf = appendInt64LE(buf, p.MaintenanceMarginRatio)
	buf = appendInt64LE(buf, p.LiquidationFeeRatio)
	buf = appendInt64LE(buf, p.PartialLiquidationRatio)
	buf = appendInt64LE(buf, p.FeeRatio)
	buf = appendInt64LE(buf, p.FundingPeriod)
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after a commit. A negative
// clearing house is reported, not fatal; a broken zero-sum ledger is.
func (c *DeterministicCore) postCheckInvariants(m *state.Market) error {
	if err := c.validator.ValidateClearingHouseNonNegative(m.Accounts); err != nil {
		c.logger.Warn().Err(err).Str("market", m.Params.MarketID).Msg("clearing house below zero")
		if c.metrics != nil {
			c.metrics.NegativeClearings.WithLabelValues(m.Params.MarketID).Inc()
		}
	}

	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *DeterministicCore) recordCommit(
	eventType string,
	m *state.Market,
	ch *state.Change,
	batch *ledger.Batch,
	pools state.PoolBalances,
	start time.Time,
) {
	if c.metrics == nil {
		return
	}
	mk := ch.MarketID

	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	c.metrics.AMMPrice.WithLabelValues(mk).Set(float64(m.AMM.Price(m.Decimals())))
	c.metrics.OpenInterestNotional.WithLabelValues(mk).Set(float64(m.AMM.OpenInterestNotional))
	c.metrics.InsuranceFundBalance.WithLabelValues(mk).Set(float64(pools.InsuranceFund))
	c.metrics.ClearingHouseBalance.WithLabelValues(mk).Set(float64(pools.ClearingHouse))

	if f := ch.Funding; f != nil {
		c.metrics.FundingSettled.WithLabelValues(mk).Inc()
		c.metrics.FundingPremiumFraction.WithLabelValues(mk).Set(float64(f.PremiumFraction))
		direction := "gain"
		if f.AMMFundingProfit < 0 {
			direction = "loss"
		}
		c.metrics.FundingInsuranceProfit.WithLabelValues(mk, direction).Add(float64(fpmath.Abs(f.AMMFundingProfit)))
	}
	if l := ch.Liquidation; l != nil {
		c.metrics.Liquidations.WithLabelValues(mk, l.Mode.String()).Inc()
		c.metrics.LiquidationFees.WithLabelValues(mk).Add(float64(l.FeeToLiquidator))
	}
	if ch.BadDebt > 0 {
		c.metrics.BadDebtAbsorbed.WithLabelValues(mk).Add(float64(ch.BadDebt))
	}
}
