package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are signed
// and stored in two's complement; external accounts may go negative.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

func (bt *BalanceTracker) slot(key AccountKey) *uint256.Int {
	v, ok := bt.balances[key]
	if !ok {
		v = new(uint256.Int)
		bt.balances[key] = v
	}
	return v
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.slot(j.DebitAccount)
	debit.Add(debit, j.Amount)
	credit := bt.slot(j.CreditAccount)
	credit.Sub(credit, j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// RevertBatch undoes a previously applied batch.
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		debit := bt.slot(j.DebitAccount)
		debit.Sub(debit, j.Amount)
		credit := bt.slot(j.CreditAccount)
		credit.Add(credit, j.Amount)
	}
}

// GetBalance returns the current balance for an account. Interpret the sign
// with Sign().
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// LotEscrow returns the undistributed funds of a lot.
func (bt *BalanceTracker) LotEscrow(lotID uint64, asset common.Address) *uint256.Int {
	return bt.GetBalance(LotEscrowKey(lotID, asset))
}

// AccruedFees returns the fee balance withdrawable for asset.
func (bt *BalanceTracker) AccruedFees(asset common.Address) *uint256.Int {
	return bt.GetBalance(ProtocolFeesKey(asset))
}

// === Invariant Checks ===

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: -%s",
			key.AccountPath(), new(uint256.Int).Neg(balance).Dec())
	}
	return nil
}

// ValidateSufficient checks key holds at least required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *uint256.Int) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 || balance.Lt(required) {
		return fmt.Errorf("insufficient balance in %s: need=%s", key.AccountPath(), required.Dec())
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(uint256.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// BalanceEntry is one account balance in a snapshot.
type BalanceEntry struct {
	Key     AccountKey   `json:"key"`
	Balance *uint256.Int `json:"balance"`
}

// Snapshot returns every non-zero balance ordered by account path, so the
// output is deterministic.
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v.IsZero() {
			continue
		}
		out = append(out, BalanceEntry{Key: k, Balance: v.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

// Restore replaces all balances from a snapshot.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]*uint256.Int, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = e.Balance.Clone()
	}
}
