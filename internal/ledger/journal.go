package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeRefund
	JournalTypeClaim
	JournalTypeFeeAccrual
	JournalTypeFeeWithdrawal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeRefund:
		return "refund"
	case JournalTypeClaim:
		return "claim"
	case JournalTypeFeeAccrual:
		return "fee_accrual"
	case JournalTypeFeeWithdrawal:
		return "fee_withdrawal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups balanced entries
	EventRef      string         // Idempotency key of source event
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Asset         common.Address // Asset being transferred
	Amount        *uint256.Int   // Base units, always positive
	JournalType   JournalType    // Entry type
	Timestamp     int64          // Epoch microseconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit account to its debit account, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
