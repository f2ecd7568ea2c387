package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/oracle"
)

type testClock struct{ block int64 }

func (c *testClock) now() int64 { return c.block }

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, *core.DeterministicCore, *oracle.Store, *testClock) {
	t.Helper()
	c := core.NewDeterministicCore(0, nil, nil, nil, nil, zerolog.Nop())
	store := oracle.NewStore(64)
	clock := &testClock{}
	d := ingestion.NewDispatcher(c, store, clock.now, nil, zerolog.Nop())

	_, err := d.Submit("InitMarket", mustJSON(t, map[string]interface{}{
		"market":                   "ETH-PERP",
		"quote_asset":              "USDT",
		"decimals":                 6,
		"quote_reserve":            "1000",
		"base_reserve":             "100",
		"funding_period":           3600,
		"init_margin_ratio":        "0.1",
		"maintenance_margin_ratio": "0.0625",
		"liquidation_fee_ratio":    "0.0125",
	}))
	if err != nil {
		t.Fatalf("init market: %v", err)
	}
	return d, c, store, clock
}

func submitPrice(t *testing.T, d *ingestion.Dispatcher, price string) {
	t.Helper()
	out, err := d.Submit("OraclePriceUpdate", mustJSON(t, map[string]interface{}{
		"market": "ETH-PERP", "price": price,
	}))
	if err != nil {
		t.Fatalf("oracle price: %v", err)
	}
	if out != nil {
		t.Fatal("oracle prices must not produce an outcome")
	}
}

func TestDispatcher_OraclePriceSkipsCore(t *testing.T) {
	d, c, store, _ := newDispatcher(t)
	seq := c.GetSequence()

	submitPrice(t, d, "10.5")

	if c.GetSequence() != seq {
		t.Error("oracle price must not consume a sequence")
	}
	obs, ok := store.LatestPrice("ETH-PERP")
	if !ok || obs.Price != 10_500_000 {
		t.Errorf("expected stored price 10.5, got %+v", obs)
	}
}

func TestDispatcher_StampsBlockAndDecimals(t *testing.T) {
	d, _, _, clock := newDispatcher(t)
	clock.block = 77

	out, err := d.Submit("OpenPosition", mustJSON(t, map[string]interface{}{
		"command_id": testCommand, "trader": testTrader, "market": "ETH-PERP",
		"side": "short", "quote_amount": "100", "leverage": "4",
	}))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out.Block != 77 {
		t.Errorf("block: got %d, want 77", out.Block)
	}
	if out.Position == nil || out.Position.Margin != 25_000_000 {
		t.Errorf("expected margin 25, got %+v", out.Position)
	}
}

func TestDispatcher_UnknownMarket(t *testing.T) {
	d, _, _, _ := newDispatcher(t)

	_, err := d.Submit("AddMargin", mustJSON(t, map[string]interface{}{
		"command_id": testCommand, "trader": testTrader, "market": "BTC-PERP", "amount": "1",
	}))
	if !errors.Is(err, core.ErrUnknownMarket) {
		t.Errorf("got %v, want ErrUnknownMarket", err)
	}
}

func TestFundingScheduler_SettlesWithOracleTwap(t *testing.T) {
	d, c, _, clock := newDispatcher(t)

	clock.block = 0
	submitPrice(t, d, "10")
	clock.block = 1800
	submitPrice(t, d, "12")

	sched := ingestion.NewFundingScheduler(c, d, 0, zerolog.Nop())

	clock.block = 3599
	if n := sched.Tick(); n != 0 {
		t.Fatalf("funding settled %d markets before the period ended", n)
	}

	clock.block = 3600
	if n := sched.Tick(); n != 1 {
		t.Fatalf("expected one settlement, got %d", n)
	}

	history, err := c.FundingHistory("ETH-PERP", 10)
	if err != nil {
		t.Fatalf("funding history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one funding record, got %d", len(history))
	}
	// [0,1800) at 10 and [1800,3600] at 12
	if history[0].OracleTwapPrice != 11_000_000 {
		t.Errorf("oracle twap: got %d, want 11_000_000", history[0].OracleTwapPrice)
	}
	if history[0].NextFundingBlock != 7200 {
		t.Errorf("next funding block: got %d, want 7200", history[0].NextFundingBlock)
	}

	if n := sched.Tick(); n != 0 {
		t.Errorf("second tick in the same period settled %d", n)
	}
}

func TestFundingScheduler_NoOraclePrice(t *testing.T) {
	d, c, _, clock := newDispatcher(t)
	clock.block = 3600

	_, err := d.SettleFunding("ETH-PERP", 0)
	if !errors.Is(err, core.ErrInvalidOraclePrice) {
		t.Fatalf("got %v, want ErrInvalidOraclePrice", err)
	}
	if n := ingestion.NewFundingScheduler(c, d, 0, zerolog.Nop()).Tick(); n != 0 {
		t.Errorf("expected no settlement without a TWAP, got %d", n)
	}
}

func TestDispatcher_RunAcksAndTerminates(t *testing.T) {
	d, _, _, _ := newDispatcher(t)

	var acked, termed int
	in := make(chan ingestion.RawEvent, 3)
	in <- ingestion.RawEvent{
		Subject:  "oracle.price.ETH-PERP",
		Data:     mustJSON(t, map[string]interface{}{"market": "ETH-PERP", "price": "10"}),
		AckFunc:  func() { acked++ },
		TermFunc: func() { termed++ },
	}
	in <- ingestion.RawEvent{
		Subject:  "vamm.commands.ClosePosition",
		Data:     []byte(`{not json`),
		AckFunc:  func() { acked++ },
		TermFunc: func() { termed++ },
	}
	// well-formed but rejected by the engine: acked, not redelivered
	in <- ingestion.RawEvent{
		Subject: "vamm.commands.ClosePosition",
		Data: mustJSON(t, map[string]interface{}{
			"command_id": testCommand, "trader": testTrader, "market": "ETH-PERP", "full": true,
		}),
		AckFunc:  func() { acked++ },
		TermFunc: func() { termed++ },
	}
	close(in)

	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if acked != 2 || termed != 1 {
		t.Errorf("acked=%d termed=%d, want 2 and 1", acked, termed)
	}
}

func TestDispatcher_RunNaksOnShutdown(t *testing.T) {
	d, _, store, _ := newDispatcher(t)

	var acked, naked int
	in := make(chan ingestion.RawEvent, 2)
	for i := 0; i < 2; i++ {
		in <- ingestion.RawEvent{
			Subject: "oracle.price.ETH-PERP",
			Data:    mustJSON(t, map[string]interface{}{"market": "ETH-PERP", "price": "10"}),
			AckFunc: func() { acked++ },
			NakFunc: func() { naked++ },
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx, in); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: got %v, want context.Canceled", err)
	}
	if acked != 0 || naked != 2 {
		t.Errorf("acked=%d naked=%d, want 0 and 2", acked, naked)
	}
	if _, ok := store.LatestPrice("ETH-PERP"); ok {
		t.Error("no price should be observed after shutdown")
	}
}

func fundInsurance(t *testing.T, i int) []byte {
	t.Helper()
	return mustJSON(t, map[string]interface{}{
		"command_id": fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
		"market":     "ETH-PERP",
		"amount":     "1",
	})
}

func TestDispatcher_ConcurrentSubmitsStayInBlockOrder(t *testing.T) {
	d, c, _, _ := newDispatcher(t)

	// every read of the clock is a new block
	var tick atomic.Int64
	d = ingestion.NewDispatcher(c, oracle.NewStore(64), func() int64 { return tick.Add(1) }, nil, zerolog.Nop())

	const n = 64
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = fundInsurance(t, i+1)
	}

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for _, data := range payloads {
		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			_, err := d.Submit("FundInsurance", data)
			errs <- err
		}(data)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("submit: %v", err)
		}
	}
	view, err := c.Market("ETH-PERP")
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if view.LastBlock != tick.Load() {
		t.Errorf("last block %d, want %d", view.LastBlock, tick.Load())
	}
}

func TestDispatcher_StampNeverGoesBackwards(t *testing.T) {
	d, c, _, clock := newDispatcher(t)

	clock.block = 10
	if _, err := d.Submit("FundInsurance", fundInsurance(t, 1)); err != nil {
		t.Fatalf("first: %v", err)
	}
	clock.block = 5
	if _, err := d.Submit("FundInsurance", fundInsurance(t, 2)); err != nil {
		t.Fatalf("after clock step back: %v", err)
	}
	view, _ := c.Market("ETH-PERP")
	if view.LastBlock != 10 {
		t.Errorf("last block %d, want 10", view.LastBlock)
	}
}

func TestDispatcher_RunNaksStaleBlock(t *testing.T) {
	d, c, _, clock := newDispatcher(t)
	clock.block = 100
	if _, err := d.Submit("FundInsurance", fundInsurance(t, 1)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	// a second shell over the same core whose clock lags the market
	lagging := ingestion.NewDispatcher(c, oracle.NewStore(64), func() int64 { return 50 }, nil, zerolog.Nop())

	var acked, naked int
	in := make(chan ingestion.RawEvent, 1)
	in <- ingestion.RawEvent{
		Subject: "vamm.commands.FundInsurance",
		Data:    fundInsurance(t, 2),
		AckFunc: func() { acked++ },
		NakFunc: func() { naked++ },
	}
	close(in)

	if err := lagging.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if acked != 0 || naked != 1 {
		t.Errorf("acked=%d naked=%d, want 0 and 1", acked, naked)
	}
}

func TestGRPCIngestService_InjectOraclePrice(t *testing.T) {
	d, _, store, clock := newDispatcher(t)
	clock.block = 5
	svc := ingestion.NewGRPCIngestService(d)

	if err := svc.InjectOraclePrice(context.Background(), "ETH-PERP", "9.75"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	obs, ok := store.LatestPrice("ETH-PERP")
	if !ok || obs.Price != 9_750_000 || obs.Block != 5 {
		t.Errorf("unexpected observation %+v", obs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Submit(ctx, event.EventTypeOpenPosition.String(), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled submit: got %v", err)
	}
}
