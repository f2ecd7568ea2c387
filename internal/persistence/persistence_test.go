package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/state"
)

const market = "ETH-PERP"

var alice = uuid.MustParse("00000000-0000-0000-0000-00000000000a")

// --- Test helpers ---

// sliceSource serves event rows from memory
type sliceSource struct {
	rows []EventRow
}

func (s *sliceSource) LoadEventsFrom(_ context.Context, from int64, limit int) ([]EventRow, error) {
	var out []EventRow
	for _, r := range s.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

// runCommands processes a small session and returns the core and its outputs
func runCommands(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	persistCh := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(0, persistCh, nil, nil, nil, zerolog.Nop())

	p := state.DefaultMarketParams(market)
	cmds := []event.Event{
		&event.InitMarket{
			Market: market, QuoteAsset: "USDT", Decimals: 6,
			QuoteReserve: 1_000_000_000, BaseReserve: 100_000_000, FundingPeriod: 3_600,
			InitMarginRatio: p.InitMarginRatio, MaintenanceMarginRatio: p.MaintenanceMarginRatio,
			LiquidationFeeRatio: p.LiquidationFeeRatio, PartialLiquidationRatio: p.PartialLiquidationRatio,
		},
		&event.FundInsurance{CommandID: uuid.New(), Market: market, Amount: 50_000_000},
		&event.OpenPosition{CommandID: uuid.New(), Trader: alice, Market: market,
			TradeSide: event.SideLong, QuoteAmount: 300_000_000, Leverage: 2_000_000, Block: 10},
		&event.AddMargin{CommandID: uuid.New(), Trader: alice, Market: market, Amount: 10_000_000, Block: 20},
	}
	for _, cmd := range cmds {
		if _, err := c.ProcessEvent(cmd); err != nil {
			t.Fatalf("%s: %v", cmd.EventType(), err)
		}
	}

	var outputs []core.CoreOutput
	for len(persistCh) > 0 {
		outputs = append(outputs, <-persistCh)
	}
	return c, outputs
}

func rowsOf(outputs []core.CoreOutput) []EventRow {
	rows := make([]EventRow, 0, len(outputs))
	for _, o := range outputs {
		rows = append(rows, EventRowFromOutput(o))
	}
	return rows
}

func freshCore() *core.DeterministicCore {
	return core.NewDeterministicCore(0, nil, nil, nil, nil, zerolog.Nop())
}

// ============================================================================
// Test: Replay
// ============================================================================

func TestReplayFrom_ReproducesState(t *testing.T) {
	original, outputs := runCommands(t)

	replica := freshCore()
	n, err := ReplayFrom(context.Background(), &sliceSource{rows: rowsOf(outputs)}, replica, 0, 3, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	if n != int64(len(outputs)) {
		t.Errorf("expected %d replayed, got %d", len(outputs), n)
	}
	if replica.GetStateHash() != original.GetStateHash() {
		t.Error("replica diverged from the original")
	}

	want, _ := original.PoolBalances(market)
	got, _ := replica.PoolBalances(market)
	if got != want {
		t.Errorf("pool balances %+v, want %+v", got, want)
	}
}

func TestReplayFrom_DetectsTamperedHash(t *testing.T) {
	_, outputs := runCommands(t)
	rows := rowsOf(outputs)
	rows[2].StateHash = make([]byte, 32)

	_, err := ReplayFrom(context.Background(), &sliceSource{rows: rows}, freshCore(), 0, 10, nil, zerolog.Nop())
	if !errors.Is(err, core.ErrStateHashMismatch) {
		t.Fatalf("expected ErrStateHashMismatch, got %v", err)
	}
}

func TestReplayFrom_DetectsGap(t *testing.T) {
	_, outputs := runCommands(t)
	rows := rowsOf(outputs)
	rows = append(rows[:1], rows[2:]...)

	if _, err := ReplayFrom(context.Background(), &sliceSource{rows: rows}, freshCore(), 0, 10, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected gap error")
	}
}

// ============================================================================
// Test: Rows & snapshots
// ============================================================================

func TestJournalRowsFromBatch_UsesAccountPaths(t *testing.T) {
	_, outputs := runCommands(t)

	open := outputs[2]
	rows := JournalRowsFromBatch(open.Batch)
	if len(rows) != len(open.Batch.Journals) {
		t.Fatalf("expected %d rows, got %d", len(open.Batch.Journals), len(rows))
	}
	for _, r := range rows {
		if r.Sequence != open.Envelope.Sequence {
			t.Errorf("journal sequence %d, want %d", r.Sequence, open.Envelope.Sequence)
		}
		if r.DebitAccount == "" || r.CreditAccount == "" || r.Amount <= 0 {
			t.Errorf("malformed journal row %+v", r)
		}
		if r.Block != 10 {
			t.Errorf("expected block 10, got %d", r.Block)
		}
	}

	if JournalRowsFromBatch(nil) != nil {
		t.Error("nil batch should produce no rows")
	}
}

func TestSnapshotData_RoundTripThroughJSON(t *testing.T) {
	original, _ := runCommands(t)

	data := SnapshotDataFrom(original.CreateSnapshotState(), time.Unix(0, 0).UTC())
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded SnapshotData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	st, err := decoded.CoreState()
	if err != nil {
		t.Fatalf("CoreState: %v", err)
	}

	restored := freshCore()
	if err := restored.RestoreFromSnapshot(st); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	if restored.GetStateHash() != original.GetStateHash() {
		t.Error("restored hash differs")
	}
	if restored.GetSequence() != original.GetSequence() {
		t.Errorf("restored sequence %d, want %d", restored.GetSequence(), original.GetSequence())
	}

	want, _ := original.Position(market, alice)
	got, err := restored.Position(market, alice)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if *got != *want {
		t.Errorf("position %+v, want %+v", got, want)
	}

	wantPools, _ := original.PoolBalances(market)
	gotPools, _ := restored.PoolBalances(market)
	if gotPools != wantPools {
		t.Errorf("pools %+v, want %+v", gotPools, wantPools)
	}
}

func TestSnapshotData_RejectsBadHash(t *testing.T) {
	d := &SnapshotData{StateHash: "abcd"}
	if _, err := d.CoreState(); err == nil {
		t.Error("expected error for truncated hash")
	}
}

// ============================================================================
// Test: Migrator file handling
// ============================================================================

func TestMigrator_ListsFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_projections.up.sql", "000001_event_log.up.sql",
		"000001_event_log.down.sql", "README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := NewMigrator(nil, dir, zerolog.Nop())
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("listMigrationFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "000001_event_log.up.sql" || files[1] != "000002_projections.up.sql" {
		t.Errorf("unexpected files %v", files)
	}
	if v := extractVersion(files[1]); v != "000002" {
		t.Errorf("expected version 000002, got %s", v)
	}
}
