package state

import (
	"fmt"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountingLedger owns per-participant deposit, refund and claim
// bookkeeping for lots. It never moves funds; callers pair every mutation
// with a custody transfer.
type AccountingLedger struct{}

func NewAccountingLedger() *AccountingLedger {
	return &AccountingLedger{}
}

// CheckJoin validates a join and returns the side it lands on.
func (a *AccountingLedger) CheckJoin(lot *Lot, caller common.Address, instrument string, size *uint256.Int, now time.Time) (Side, error) {
	if !now.Before(lot.StartTime) {
		return SideNone, fmt.Errorf("lot %d: %w", lot.ID, ErrTooLateToJoin)
	}
	if lot.Private && !lot.Invited[caller] {
		return SideNone, fmt.Errorf("lot %d: %w", lot.ID, ErrInvalidLotID)
	}
	if size == nil || size.IsZero() {
		return SideNone, ErrSizeMustBePositive
	}

	held := lot.SideOf(caller)

	if instrument == lot.Primary {
		if held == SideB {
			return SideNone, ErrCannotJoinOnBothSides
		}
		if lot.Challenge {
			return SideNone, ErrCannotJoinLotAInChallenge
		}
		if _, err := fpmath.AddAmount(lot.TotalA, size); err != nil {
			return SideNone, fmt.Errorf("lot %d side A: %w", lot.ID, ErrAmountOverflow)
		}
		return SideA, nil
	}

	if lot.Counter == "" {
		if !lot.Basket && !lot.IsAllowedChoice(instrument) {
			return SideNone, fmt.Errorf("instrument %q: %w", instrument, ErrInvalidTokenID)
		}
		if instrument == "" {
			return SideNone, ErrInvalidTokenID
		}
	} else if instrument != lot.Counter {
		return SideNone, fmt.Errorf("instrument %q, counter is %q: %w", instrument, lot.Counter, ErrInvalidTokenID)
	}
	if held == SideA {
		return SideNone, ErrCannotJoinOnBothSides
	}
	if lot.Challenge {
		if lot.SideBCount() > 0 {
			return SideNone, ErrMultipleUsersNotAllowedInChallenge
		}
		if !size.Eq(lot.TotalA) {
			return SideNone, ErrLotSizeMustBeEqual
		}
	}
	if _, err := fpmath.AddAmount(lot.TotalB, size); err != nil {
		return SideNone, fmt.Errorf("lot %d side B: %w", lot.ID, ErrAmountOverflow)
	}
	return SideB, nil
}

// ApplyDeposit credits the amount custody actually received. For side B it
// also fixes the counter instrument on the first join.
func (a *AccountingLedger) ApplyDeposit(lot *Lot, caller common.Address, side Side, instrument string, received *uint256.Int) error {
	var deposits map[common.Address]*uint256.Int
	var total **uint256.Int

	switch side {
	case SideA:
		deposits, total = lot.DepositsA, &lot.TotalA
	case SideB:
		deposits, total = lot.DepositsB, &lot.TotalB
		if lot.Counter == "" {
			lot.Counter = instrument
		}
	default:
		return fmt.Errorf("apply deposit: no side")
	}

	newTotal, err := fpmath.AddAmount(*total, received)
	if err != nil {
		return fmt.Errorf("lot %d: %w", lot.ID, ErrAmountOverflow)
	}
	prev := deposits[caller]
	if prev == nil {
		prev = fpmath.Zero()
	}
	deposits[caller] = new(uint256.Int).Add(prev, received)
	*total = newTotal
	lot.Version++
	return nil
}

// RefundAmount is the caller's share of the unmatched excess. Only the
// larger side has an excess; depositors on the other side get zero.
func (a *AccountingLedger) RefundAmount(lot *Lot, caller common.Address) *uint256.Int {
	matched := lot.Matched()
	if lot.TotalA.Gt(matched) {
		return fpmath.ExcessShare(lot.Deposit(SideA, caller), lot.TotalA, matched)
	} else if lot.TotalB.Gt(matched) {
		return fpmath.ExcessShare(lot.Deposit(SideB, caller), lot.TotalB, matched)
	}
	return fpmath.Zero()
}

// Refund marks the caller refunded and returns the amount owed, which may be
// zero.
func (a *AccountingLedger) Refund(lot *Lot, caller common.Address, now time.Time) (*uint256.Int, error) {
	if now.Before(lot.StartTime) {
		return nil, fmt.Errorf("lot %d refund: %w", lot.ID, ErrTooEarly)
	}
	if lot.SideOf(caller) == SideNone {
		return nil, fmt.Errorf("lot %d: %w", lot.ID, ErrNotPartOfLot)
	}
	if lot.Refunded[caller] {
		return nil, fmt.Errorf("lot %d refund: %w", lot.ID, ErrAlreadyWithdrawn)
	}

	amount := a.RefundAmount(lot, caller)
	lot.Refunded[caller] = true
	lot.Version++
	return amount, nil
}

// CheckClaim validates a claim before any lazy resolution runs.
func (a *AccountingLedger) CheckClaim(lot *Lot, caller common.Address) error {
	if lot.Claimed[caller] {
		return fmt.Errorf("lot %d claim: %w", lot.ID, ErrAlreadyWithdrawn)
	}
	if lot.SideOf(caller) == SideNone {
		return fmt.Errorf("lot %d: %w", lot.ID, ErrNotPartOfLot)
	}
	return nil
}

// ClaimAmount is pool(side) * deposit(side) / total(side) on a resolved lot.
func (a *AccountingLedger) ClaimAmount(lot *Lot, caller common.Address) *uint256.Int {
	switch lot.SideOf(caller) {
	case SideA:
		return fpmath.ProRata(lot.ClaimPoolA, lot.Deposit(SideA, caller), lot.TotalA)
	case SideB:
		return fpmath.ProRata(lot.ClaimPoolB, lot.Deposit(SideB, caller), lot.TotalB)
	}
	return fpmath.Zero()
}

// Claim marks the caller claimed and returns the payout. The lot must
// already be resolved.
func (a *AccountingLedger) Claim(lot *Lot, caller common.Address) (*uint256.Int, error) {
	if err := a.CheckClaim(lot, caller); err != nil {
		return nil, err
	}
	if !lot.Resolved {
		return nil, fmt.Errorf("lot %d claim before resolution", lot.ID)
	}

	amount := a.ClaimAmount(lot, caller)
	lot.Claimed[caller] = true
	lot.Version++
	return amount, nil
}
