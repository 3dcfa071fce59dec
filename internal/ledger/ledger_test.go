package ledger_test

import (
	"testing"
	"time"

	"LotLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func ref(seq int64) ledger.EventRef {
	return ledger.EventRef{Key: "test", Sequence: seq, Timestamp: time.Unix(1_700_000_000, 0)}
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_LotEscrowPath(t *testing.T) {
	key := ledger.LotEscrowKey(7, usdc)

	path := key.AccountPath()
	expected := "system:lot:7:escrow:" + usdc.Hex()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_FeesPath(t *testing.T) {
	path := ledger.ProtocolFeesKey(usdc).AccountPath()
	if path != "system:fees:"+usdc.Hex() {
		t.Errorf("got %q", path)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.ExternalKey(alice, ledger.SubTypeExternalDeposits, usdc)

	path := key.AccountPath()
	if path != "external:deposits:"+alice.Hex()+":"+usdc.Hex() {
		t.Errorf("got %q", path)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if !bt.LotEscrow(1, usdc).IsZero() {
		t.Errorf("initial escrow should be 0")
	}
}

func TestBalanceTracker_SignedExternalBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	batch, err := jg.GenerateDeposit(ref(1), 1, usdc, alice, u(1_000))
	if err != nil {
		t.Fatalf("GenerateDeposit: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if got := bt.LotEscrow(1, usdc); got.Uint64() != 1_000 {
		t.Errorf("escrow: got %s, want 1000", got.Dec())
	}

	ext := bt.GetBalance(ledger.ExternalKey(alice, ledger.SubTypeExternalDeposits, usdc))
	if ext.Sign() >= 0 {
		t.Fatalf("external deposits should be negative, got sign %d", ext.Sign())
	}
	if new(uint256.Int).Neg(ext).Uint64() != 1_000 {
		t.Errorf("external deposits magnitude: got %s", new(uint256.Int).Neg(ext).Dec())
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	apply := func(b *ledger.Batch, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if err := bt.ApplyBatch(b); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	apply(jg.GenerateDeposit(ref(1), 1, usdc, alice, u(100)))
	apply(jg.GenerateDeposit(ref(2), 1, usdc, bob, u(100)))
	apply(jg.GenerateFeeAccrual(ref(3), 1, usdc, u(10)))
	apply(jg.GeneratePayout(ref(4), ledger.JournalTypeClaim, 1, usdc, alice, u(190)))

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if err := v.ValidateLotEscrow(1, usdc); err != nil {
		t.Errorf("escrow: %v", err)
	}
	if !bt.LotEscrow(1, usdc).IsZero() {
		t.Errorf("escrow should be drained, got %s", bt.LotEscrow(1, usdc).Dec())
	}
	if bt.AccruedFees(usdc).Uint64() != 10 {
		t.Errorf("fees: got %s, want 10", bt.AccruedFees(usdc).Dec())
	}
}

func TestBalanceTracker_RevertBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	dep, _ := jg.GenerateDeposit(ref(1), 1, usdc, alice, u(50))
	_ = bt.ApplyBatch(dep)
	pay, err := jg.GeneratePayout(ref(2), ledger.JournalTypeRefund, 1, usdc, alice, u(20))
	if err != nil {
		t.Fatalf("GeneratePayout: %v", err)
	}
	_ = bt.ApplyBatch(pay)

	bt.RevertBatch(pay)

	if bt.LotEscrow(1, usdc).Uint64() != 50 {
		t.Errorf("escrow after revert: got %s, want 50", bt.LotEscrow(1, usdc).Dec())
	}
	if !bt.GetBalance(ledger.ExternalKey(alice, ledger.SubTypeExternalPayouts, usdc)).IsZero() {
		t.Error("payout account should be zero after revert")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)
	dep, _ := jg.GenerateDeposit(ref(1), 3, usdc, alice, u(999))
	_ = bt.ApplyBatch(dep)

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot entries: got %d, want 2", len(snap))
	}

	// Mutating snapshot should not affect tracker
	for _, e := range snap {
		e.Balance.SetUint64(0)
	}
	if bt.LotEscrow(3, usdc).Uint64() != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	if restored.LotEscrow(3, usdc).Uint64() != 999 {
		t.Errorf("restored escrow: got %s", restored.LotEscrow(3, usdc).Dec())
	}
}

// ============================================================================
// Test: Generator pre-checks
// ============================================================================

func TestGeneratePayout_RejectsOverdraw(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)
	dep, _ := jg.GenerateDeposit(ref(1), 1, usdc, alice, u(10))
	_ = bt.ApplyBatch(dep)

	if _, err := jg.GeneratePayout(ref(2), ledger.JournalTypeClaim, 1, usdc, alice, u(11)); err == nil {
		t.Error("expected pre-check failure for payout above escrow")
	}
	if _, err := jg.GeneratePayout(ref(2), ledger.JournalTypeDeposit, 1, usdc, alice, u(1)); err == nil {
		t.Error("expected failure for non-payout journal type")
	}
}

func TestGenerateFeeWithdrawal_DrainsFees(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	batch, amount, err := jg.GenerateFeeWithdrawal(ref(1), usdc, bob)
	if err != nil || batch != nil || !amount.IsZero() {
		t.Fatalf("empty fee withdrawal: batch=%v amount=%s err=%v", batch, amount.Dec(), err)
	}

	dep, _ := jg.GenerateDeposit(ref(2), 1, usdc, alice, u(100))
	_ = bt.ApplyBatch(dep)
	fee, _ := jg.GenerateFeeAccrual(ref(3), 1, usdc, u(4))
	_ = bt.ApplyBatch(fee)

	batch, amount, err = jg.GenerateFeeWithdrawal(ref(4), usdc, bob)
	if err != nil {
		t.Fatalf("GenerateFeeWithdrawal: %v", err)
	}
	if amount.Uint64() != 4 {
		t.Errorf("amount: got %s, want 4", amount.Dec())
	}
	_ = bt.ApplyBatch(batch)
	if !bt.AccruedFees(usdc).IsZero() {
		t.Error("fees should be zero after withdrawal")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatch_Validate(t *testing.T) {
	batchID := uuid.New()
	good := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.LotEscrowKey(1, usdc),
		CreditAccount: ledger.ExternalKey(alice, ledger.SubTypeExternalDeposits, usdc),
		Asset:         usdc,
		Amount:        u(1),
	}

	tests := []struct {
		name    string
		mutate  func(j *ledger.Journal)
		wantErr bool
	}{
		{"valid", func(j *ledger.Journal) {}, false},
		{"zero amount", func(j *ledger.Journal) { j.Amount = u(0) }, true},
		{"nil amount", func(j *ledger.Journal) { j.Amount = nil }, true},
		{"self transfer", func(j *ledger.Journal) { j.CreditAccount = j.DebitAccount }, true},
		{"wrong batch", func(j *ledger.Journal) { j.BatchID = uuid.New() }, true},
		{"mixed assets", func(j *ledger.Journal) { j.Asset = bob }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := good
			tt.mutate(&j)
			b := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
			if err := b.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}

	if err := (&ledger.Batch{BatchID: batchID}).Validate(); err == nil {
		t.Error("empty batch should fail")
	}
}
