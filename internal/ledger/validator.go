package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateLotEscrow checks a lot never pays out more than it took in.
func (v *InvariantValidator) ValidateLotEscrow(lotID uint64, asset common.Address) error {
	return v.tracker.ValidateNonNegative(LotEscrowKey(lotID, asset))
}

// ValidateFees checks the fee account never goes negative.
func (v *InvariantValidator) ValidateFees(asset common.Address) error {
	return v.tracker.ValidateNonNegative(ProtocolFeesKey(asset))
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset.Hex(), total.Dec())
		}
	}

	return nil
}

// ValidateBatch runs the per-account checks for every account a batch
// touched.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == AccountScopeSystem {
				if err := v.tracker.ValidateNonNegative(key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
