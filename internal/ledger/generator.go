package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventRef ties generated journals to the event that caused them.
type EventRef struct {
	Key       string
	Sequence  int64
	Timestamp time.Time
}

// JournalGenerator creates balanced journal batches for lot value movements.
type JournalGenerator struct {
	balanceTracker *BalanceTracker // for pre-checks
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

func (jg *JournalGenerator) single(ref EventRef, debit, credit AccountKey, asset common.Address, amount *uint256.Int, typ JournalType) *Batch {
	batchID := uuid.New()
	ts := ref.Timestamp.UnixMicro()

	return &Batch{
		BatchID:   batchID,
		EventRef:  ref.Key,
		Sequence:  ref.Sequence,
		Timestamp: ts,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref.Key,
			Sequence:      ref.Sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			Asset:         asset,
			Amount:        amount.Clone(),
			JournalType:   typ,
			Timestamp:     ts,
		}},
	}
}

// GenerateDeposit records funds received into a lot.
// Moves funds: external:deposits(from) → system:lot:escrow
func (jg *JournalGenerator) GenerateDeposit(ref EventRef, lotID uint64, asset, from common.Address, amount *uint256.Int) (*Batch, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("deposit into lot %d: zero amount", lotID)
	}
	return jg.single(ref,
		LotEscrowKey(lotID, asset),
		ExternalKey(from, SubTypeExternalDeposits, asset),
		asset, amount, JournalTypeDeposit), nil
}

// GeneratePayout records a refund or claim leaving a lot.
// Moves funds: system:lot:escrow → external:payouts(to)
// Pre-check: the lot escrow covers the amount.
func (jg *JournalGenerator) GeneratePayout(ref EventRef, typ JournalType, lotID uint64, asset, to common.Address, amount *uint256.Int) (*Batch, error) {
	if typ != JournalTypeRefund && typ != JournalTypeClaim {
		return nil, fmt.Errorf("payout journal type %s", typ)
	}
	escrow := LotEscrowKey(lotID, asset)
	if err := jg.balanceTracker.ValidateSufficient(escrow, amount); err != nil {
		return nil, fmt.Errorf("%s pre-check failed: %w", typ, err)
	}
	return jg.single(ref,
		ExternalKey(to, SubTypeExternalPayouts, asset),
		escrow,
		asset, amount, typ), nil
}

// GenerateFeeAccrual moves the resolution fee out of the lot.
// Moves funds: system:lot:escrow → system:fees
func (jg *JournalGenerator) GenerateFeeAccrual(ref EventRef, lotID uint64, asset common.Address, amount *uint256.Int) (*Batch, error) {
	escrow := LotEscrowKey(lotID, asset)
	if err := jg.balanceTracker.ValidateSufficient(escrow, amount); err != nil {
		return nil, fmt.Errorf("fee accrual pre-check failed: %w", err)
	}
	return jg.single(ref,
		ProtocolFeesKey(asset),
		escrow,
		asset, amount, JournalTypeFeeAccrual), nil
}

// GenerateFeeWithdrawal pays out the whole fee balance of an asset.
// Moves funds: system:fees → external:payouts(to)
func (jg *JournalGenerator) GenerateFeeWithdrawal(ref EventRef, asset, to common.Address) (*Batch, *uint256.Int, error) {
	amount := jg.balanceTracker.AccruedFees(asset)
	if amount.Sign() <= 0 {
		return nil, new(uint256.Int), nil
	}
	return jg.single(ref,
		ExternalKey(to, SubTypeExternalPayouts, asset),
		ProtocolFeesKey(asset),
		asset, amount, JournalTypeFeeWithdrawal), amount, nil
}
