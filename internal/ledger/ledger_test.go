package ledger_test

import (
	"testing"

	"PerpVAMM/internal/ledger"

	"github.com/google/uuid"
)

func usdt(t *testing.T) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID("USDT")
	if !ok {
		t.Fatal("USDT should be a known asset")
	}
	return id
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeLiquidatorCredit, usdt(t))

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:liquidator_credit:USDT"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey("ETH-USDT", ledger.SubTypeSystemInsuranceFund, usdt(t))

	path := key.AccountPath()
	if path != "system:ETH-USDT:insurance_fund:USDT" {
		t.Errorf("got %q, want %q", path, "system:ETH-USDT:insurance_fund:USDT")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalTraderFunds, usdt(t))

	path := key.AccountPath()
	if path != "external:trader_funds:USDT" {
		t.Errorf("got %q, want %q", path, "external:trader_funds:USDT")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	accounts := ledger.NewMarketAccounts("ETH-PERP", usdt(t))
	keys := []ledger.AccountKey{
		accounts.ClearingHouse,
		accounts.InsuranceFund,
		accounts.TraderFunds,
		accounts.InsuranceCapital,
		accounts.LiquidatorCredit(uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")),
	}

	for _, key := range keys {
		parsed, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("ParseAccountPath(%s): %v", key.AccountPath(), err)
		}
		if parsed != key {
			t.Errorf("round trip of %s produced %s", key.AccountPath(), parsed.AccountPath())
		}
	}

	for _, bad := range []string{"", "user:not-a-uuid:liquidator_credit:USDT", "system:ETH-PERP:vault:USDT", "external:trader_funds:DOGE"} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestMarketAccounts_Distinct(t *testing.T) {
	a := ledger.NewMarketAccounts("ETH-USDT", usdt(t))
	b := ledger.NewMarketAccounts("BTC-USDT", usdt(t))

	if a.ClearingHouse == a.InsuranceFund {
		t.Error("clearing house and insurance fund must be different accounts")
	}
	if a.ClearingHouse == b.ClearingHouse {
		t.Error("markets must not share a clearing house")
	}
	if a.TraderFunds != b.TraderFunds {
		t.Error("trader funds boundary account is shared across markets")
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	accounts := ledger.NewMarketAccounts("ETH-USDT", usdt(t))

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  accounts.ClearingHouse,
		CreditAccount: accounts.TraderFunds,
		AssetID:       accounts.AssetID,
		Amount:        1_000_000,
	})

	if got := bt.GetBalance(accounts.ClearingHouse); got != 1_000_000 {
		t.Errorf("clearing house: got %d, want 1_000_000", got)
	}
	if got := bt.GetBalance(accounts.TraderFunds); got != -1_000_000 {
		t.Errorf("trader funds: got %d, want -1_000_000", got)
	}
}

func TestBalanceTracker_ApplyBatchRejectsInvalid(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	accounts := ledger.NewMarketAccounts("ETH-USDT", usdt(t))
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  accounts.ClearingHouse,
				CreditAccount: accounts.TraderFunds,
				AssetID:       accounts.AssetID,
				Amount:        500_000,
			},
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  accounts.InsuranceFund,
				CreditAccount: accounts.ClearingHouse,
				AssetID:       accounts.AssetID,
				Amount:        0,
			},
		},
	}

	if err := bt.ApplyBatch(batch); err == nil {
		t.Fatal("expected error for zero-amount journal")
	}
	if bt.GetBalance(accounts.ClearingHouse) != 0 {
		t.Error("no journal of an invalid batch may be applied")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	liquidator := uuid.New()
	accounts := ledger.NewMarketAccounts("ETH-USDT", usdt(t))

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  accounts.LiquidatorCredit(liquidator),
		CreditAccount: accounts.ClearingHouse,
		AssetID:       accounts.AssetID,
		Amount:        999,
	})

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	for k := range snap {
		snap[k] = 0
	}

	if bt.GetLiquidatorCredit(liquidator, accounts.AssetID) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_NormalizesTransfers(t *testing.T) {
	accounts := ledger.NewMarketAccounts("ETH-USDT", usdt(t))
	jg := ledger.NewJournalGenerator(7)

	batch, err := jg.GenerateBatch("cmd-1", 7, 100, []ledger.Transfer{
		{From: accounts.TraderFunds, To: accounts.ClearingHouse, Amount: 300, Type: ledger.JournalTypeMarginDeposit},
		{From: accounts.ClearingHouse, To: accounts.InsuranceFund, Amount: 0, Type: ledger.JournalTypeFundingSettle},
		{From: accounts.ClearingHouse, To: accounts.InsuranceFund, Amount: -40, Type: ledger.JournalTypeFundingSettle},
	})
	if err != nil {
		t.Fatalf("GenerateBatch failed: %v", err)
	}

	if len(batch.Journals) != 2 {
		t.Fatalf("journals: got %d, want 2 (zero transfer dropped)", len(batch.Journals))
	}

	reversed := batch.Journals[1]
	if reversed.DebitAccount != accounts.ClearingHouse || reversed.CreditAccount != accounts.InsuranceFund {
		t.Error("negative transfer must be booked insurance fund -> clearing house")
	}
	if reversed.Amount != 40 {
		t.Errorf("amount: got %d, want 40", reversed.Amount)
	}
	if batch.Sequence != 7 || reversed.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", batch.Sequence)
	}
	if jg.NextSequence() != 8 {
		t.Errorf("next sequence: got %d, want 8", jg.NextSequence())
	}
	if err := batch.Validate(); err != nil {
		t.Errorf("generated batch should validate: %v", err)
	}
}

func TestJournalGenerator_RejectsCrossAsset(t *testing.T) {
	usdc, _ := ledger.GetAssetID("USDC")
	a := ledger.NewMarketAccounts("ETH-USDT", usdt(t))
	b := ledger.NewMarketAccounts("ETH-USDC", usdc)
	jg := ledger.NewJournalGenerator(0)

	_, err := jg.GenerateBatch("cmd-x", 0, 0, []ledger.Transfer{
		{From: a.ClearingHouse, To: b.ClearingHouse, Amount: 1, Type: ledger.JournalTypeMarginDeposit},
	})
	if err == nil {
		t.Error("expected error for cross-asset transfer")
	}
}

// ============================================================================
// Test: Batch Validation & Invariants
// ============================================================================

func TestBatch_ValidateEmptyIsAllowed(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err != nil {
		t.Errorf("empty batch should validate: %v", err)
	}
}

func TestBatch_ValidateSelfTransfer(t *testing.T) {
	accounts := ledger.NewMarketAccounts("ETH-USDT", usdt(t))
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  accounts.ClearingHouse,
			CreditAccount: accounts.ClearingHouse,
			AssetID:       accounts.AssetID,
			Amount:        1,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for self-transfer")
	}
}

func TestInvariantValidator_GlobalBalanceAndPools(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	accounts := ledger.NewMarketAccounts("ETH-USDT", usdt(t))
	jg := ledger.NewJournalGenerator(0)

	batch, err := jg.GenerateBatch("cmd-1", 0, 0, []ledger.Transfer{
		{From: accounts.InsuranceCapital, To: accounts.InsuranceFund, Amount: 5_000, Type: ledger.JournalTypeInsuranceDeposit},
		{From: accounts.InsuranceFund, To: accounts.ClearingHouse, Amount: 6_000, Type: ledger.JournalTypeBadDebtCoverage},
	})
	if err != nil {
		t.Fatalf("GenerateBatch failed: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger must stay zero-sum: %v", err)
	}
	if err := v.ValidateClearingHouseNonNegative(accounts); err != nil {
		t.Errorf("clearing house is positive: %v", err)
	}
	if err := v.ValidateInsuranceFundNonNegative(accounts); err == nil {
		t.Error("expected error for exhausted insurance fund")
	}
}
