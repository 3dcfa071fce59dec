package core

import (
	"context"
	"fmt"

	"LotLedger/internal/ledger"
	"LotLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ParticipantView is one address's standing in a lot.
type ParticipantView struct {
	Side     string       `json:"side"`
	DepositA *uint256.Int `json:"deposit_a"`
	DepositB *uint256.Int `json:"deposit_b"`
	Invited  bool         `json:"invited"`
	Refunded bool         `json:"refunded"`
	Claimed  bool         `json:"claimed"`
}

// AdminView is the administrative state.
type AdminView struct {
	Owner          common.Address   `json:"owner"`
	Oracle         common.Address   `json:"oracle"`
	FeePercentage  uint8            `json:"fee_percentage"`
	Paused         bool             `json:"paused"`
	AcceptedAssets []common.Address `json:"accepted_assets"`
}

// read runs fn under the engine mutex. Queries skip the pause gate but are
// still refused from inside an adapter callback.
func (e *Engine) read(ctx context.Context, fn func() error) error {
	if isInCall(ctx) {
		return fmt.Errorf("query: %w", state.ErrReentrantCall)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// Lot returns a copy of the lot.
func (e *Engine) Lot(ctx context.Context, lotID uint64) (*state.Lot, error) {
	var out *state.Lot
	err := e.read(ctx, func() error {
		l, err := e.registry.Get(lotID)
		if err != nil {
			return err
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// Lots returns copies of lots with ids in [from, from+limit).
func (e *Engine) Lots(ctx context.Context, from uint64, limit int) ([]*state.Lot, error) {
	var out []*state.Lot
	err := e.read(ctx, func() error {
		if from == 0 {
			from = 1
		}
		for id := from; e.registry.Exists(id) && len(out) < limit; id++ {
			l, _ := e.registry.Get(id)
			out = append(out, l.Clone())
		}
		return nil
	})
	return out, err
}

// LastLotID is the id of the newest lot, 0 when none exist.
func (e *Engine) LastLotID(ctx context.Context) (uint64, error) {
	var id uint64
	err := e.read(ctx, func() error {
		id = e.registry.LastID()
		return nil
	})
	return id, err
}

// Exists reports whether lotID names a lot.
func (e *Engine) Exists(ctx context.Context, lotID uint64) (bool, error) {
	var ok bool
	err := e.read(ctx, func() error {
		ok = e.registry.Exists(lotID)
		return nil
	})
	return ok, err
}

// IsAllowedChoice reports whether instrument is in the lot's configured
// counter choices.
func (e *Engine) IsAllowedChoice(ctx context.Context, lotID uint64, instrument string) (bool, error) {
	var ok bool
	err := e.read(ctx, func() error {
		l, err := e.registry.Get(lotID)
		if err != nil {
			return err
		}
		ok = l.IsAllowedChoice(instrument)
		return nil
	})
	return ok, err
}

func (e *Engine) Participant(ctx context.Context, lotID uint64, addr common.Address) (ParticipantView, error) {
	var v ParticipantView
	err := e.read(ctx, func() error {
		l, err := e.registry.Get(lotID)
		if err != nil {
			return err
		}
		v = ParticipantView{
			Side:     l.SideOf(addr).String(),
			DepositA: l.Deposit(state.SideA, addr),
			DepositB: l.Deposit(state.SideB, addr),
			Invited:  l.Invited[addr],
			Refunded: l.Refunded[addr],
			Claimed:  l.Claimed[addr],
		}
		return nil
	})
	return v, err
}

// AccruedFees is the withdrawable fee balance of asset.
func (e *Engine) AccruedFees(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	var fees *uint256.Int
	err := e.read(ctx, func() error {
		fees = e.balances.AccruedFees(asset)
		return nil
	})
	return fees, err
}

// LotEscrow is the part of a lot's deposits not yet paid out or taken as
// fee.
func (e *Engine) LotEscrow(ctx context.Context, lotID uint64) (*uint256.Int, error) {
	var bal *uint256.Int
	err := e.read(ctx, func() error {
		l, err := e.registry.Get(lotID)
		if err != nil {
			return err
		}
		bal = e.balances.LotEscrow(l.ID, l.Asset)
		return nil
	})
	return bal, err
}

func (e *Engine) Admin(ctx context.Context) (AdminView, error) {
	var v AdminView
	err := e.read(ctx, func() error {
		v = AdminView{
			Owner:          e.owner,
			Oracle:         e.oracleAddr,
			FeePercentage:  e.feePct,
			Paused:         e.paused,
			AcceptedAssets: sortedAssets(e.accepted),
		}
		return nil
	})
	return v, err
}

func (e *Engine) FeePercentage(ctx context.Context) (uint8, error) {
	v, err := e.Admin(ctx)
	return v.FeePercentage, err
}

func (e *Engine) Paused(ctx context.Context) (bool, error) {
	v, err := e.Admin(ctx)
	return v.Paused, err
}

func (e *Engine) Owner(ctx context.Context) (common.Address, error) {
	v, err := e.Admin(ctx)
	return v.Owner, err
}

// GetSequence returns the last assigned event sequence.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// CheckInvariants verifies every asset nets to zero across all accounts and
// no lot escrow is negative.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	for _, l := range e.registry.All() {
		if err := e.validator.ValidateLotEscrow(l.ID, l.Asset); err != nil {
			return err
		}
		if err := l.CheckConsistency(); err != nil {
			return err
		}
	}
	return nil
}

// Held is what custody must hold per asset: every lot escrow plus accrued
// fees.
func (e *Engine) Held() map[common.Address]*uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	held := make(map[common.Address]*uint256.Int)
	for _, b := range e.balances.Snapshot() {
		if b.Key.Scope != ledger.AccountScopeSystem {
			continue
		}
		sum, ok := held[b.Key.Asset]
		if !ok {
			sum = new(uint256.Int)
			held[b.Key.Asset] = sum
		}
		sum.Add(sum, b.Balance)
	}
	return held
}
