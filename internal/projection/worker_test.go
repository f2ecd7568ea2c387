package projection

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/state"
)

const market = "ETH-PERP"

var alice = uuid.MustParse("00000000-0000-0000-0000-00000000000a")

type execCall struct {
	query string
	args  []interface{}
}

// recorder captures statements instead of running them
type recorder struct {
	calls []execCall
}

func (r *recorder) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	r.calls = append(r.calls, execCall{query: query, args: args})
	return nil, nil
}

func (r *recorder) count(fragment string) int {
	n := 0
	for _, c := range r.calls {
		if strings.Contains(c.query, fragment) {
			n++
		}
	}
	return n
}

func (r *recorder) find(fragment string) (execCall, bool) {
	for _, c := range r.calls {
		if strings.Contains(c.query, fragment) {
			return c, true
		}
	}
	return execCall{}, false
}

func outputsOf(t *testing.T, cmds ...event.Event) []core.CoreOutput {
	t.Helper()
	ch := make(chan core.CoreOutput, len(cmds))
	c := core.NewDeterministicCore(0, ch, nil, nil, nil, zerolog.Nop())
	for _, cmd := range cmds {
		if _, err := c.ProcessEvent(cmd); err != nil {
			t.Fatalf("%s: %v", cmd.EventType(), err)
		}
	}
	out := make([]core.CoreOutput, 0, len(cmds))
	for len(ch) > 0 {
		out = append(out, <-ch)
	}
	return out
}

func initMarket() *event.InitMarket {
	p := state.DefaultMarketParams(market)
	return &event.InitMarket{
		Market: market, QuoteAsset: "USDT", Decimals: 6,
		QuoteReserve: 1_000_000_000, BaseReserve: 100_000_000, FundingPeriod: 3_600,
		InitMarginRatio: p.InitMarginRatio, MaintenanceMarginRatio: p.MaintenanceMarginRatio,
		LiquidationFeeRatio: p.LiquidationFeeRatio, PartialLiquidationRatio: p.PartialLiquidationRatio,
	}
}

func TestApply_InitMarketUpsertsMarket(t *testing.T) {
	outputs := outputsOf(t, initMarket())

	rec := &recorder{}
	if err := Apply(context.Background(), rec, outputs[0]); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if rec.count("INSERT INTO projections.markets") != 1 {
		t.Error("expected market upsert")
	}
	if rec.count("projections.positions") != 0 {
		t.Error("init must not touch positions")
	}
	if rec.count("projections.balances") != 0 {
		t.Error("init moves no funds")
	}
	wm, ok := rec.find("projections.watermark")
	if !ok || wm.args[1] != int64(0) {
		t.Errorf("expected watermark at 0, got %+v", wm.args)
	}
}

func TestApply_OpenThenCloseTracksPosition(t *testing.T) {
	outputs := outputsOf(t,
		initMarket(),
		&event.OpenPosition{CommandID: uuid.New(), Trader: alice, Market: market,
			TradeSide: event.SideLong, QuoteAmount: 300_000_000, Leverage: 2_000_000},
		&event.ClosePosition{CommandID: uuid.New(), Trader: alice, Market: market, Full: true, Block: 1},
	)

	open := &recorder{}
	if err := Apply(context.Background(), open, outputs[1]); err != nil {
		t.Fatalf("Apply open: %v", err)
	}
	if open.count("UPDATE projections.markets") != 1 {
		t.Error("expected market update")
	}
	ins, ok := open.find("INSERT INTO projections.positions")
	if !ok {
		t.Fatal("expected position upsert")
	}
	if ins.args[2] != int64(37_500_000) {
		t.Errorf("expected size 37.5, got %v", ins.args[2])
	}

	// one journal, two balance legs that cancel out
	var sum int64
	for _, c := range open.calls {
		if strings.Contains(c.query, "projections.balances") {
			sum += c.args[2].(int64)
		}
	}
	if open.count("projections.balances") != 2*len(outputs[1].Batch.Journals) {
		t.Errorf("expected two legs per journal")
	}
	if sum != 0 {
		t.Errorf("balance legs must net to zero, got %d", sum)
	}

	closed := &recorder{}
	if err := Apply(context.Background(), closed, outputs[2]); err != nil {
		t.Fatalf("Apply close: %v", err)
	}
	if closed.count("DELETE FROM projections.positions") != 1 {
		t.Error("closed position must be deleted")
	}
}

func TestApply_FundingRecorded(t *testing.T) {
	outputs := outputsOf(t,
		initMarket(),
		&event.OpenPosition{CommandID: uuid.New(), Trader: alice, Market: market,
			TradeSide: event.SideLong, QuoteAmount: 300_000_000, Leverage: 2_000_000},
		&event.PayFunding{Market: market, NextFundingBlock: 3_600, OracleTwapPrice: 20_000_000, Block: 3_600},
	)

	rec := &recorder{}
	if err := Apply(context.Background(), rec, outputs[2]); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.count("projections.funding_history") != 1 {
		t.Error("expected funding history row")
	}
	if rec.count("projections.positions") != 0 {
		t.Error("funding settles lazily and must not touch positions")
	}
}
