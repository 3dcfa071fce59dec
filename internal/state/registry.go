package state

import (
	"fmt"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CreateParams are the caller-supplied fields of a new lot.
type CreateParams struct {
	Primary        string
	CounterChoices []string
	Size           *uint256.Int
	Asset          common.Address
	StartTime      time.Time
	Duration       time.Duration
	Private        bool
	Challenge      bool
}

// LotRegistry owns every lot. Ids are allocated 1..N and never reused.
type LotRegistry struct {
	lots []*Lot
}

func NewLotRegistry() *LotRegistry {
	return &LotRegistry{
		lots: make([]*Lot, 0, 64),
	}
}

// LastID is the id of the most recently created lot, 0 when empty.
func (r *LotRegistry) LastID() uint64 {
	return uint64(len(r.lots))
}

// Exists reports 1 <= id <= LastID.
func (r *LotRegistry) Exists(id uint64) bool {
	return id >= 1 && id <= r.LastID()
}

// Get returns the live lot record.
func (r *LotRegistry) Get(id uint64) (*Lot, error) {
	if !r.Exists(id) {
		return nil, fmt.Errorf("lot %d: %w", id, ErrInvalidLotID)
	}
	return r.lots[id-1], nil
}

// ValidateCreate checks creation parameters against the current time and the
// accepted-asset set.
func (r *LotRegistry) ValidateCreate(p CreateParams, now time.Time, accepted func(common.Address) bool) error {
	if p.Size == nil || p.Size.IsZero() {
		return ErrSizeMustBePositive
	}
	if !fpmath.FitsAmount(p.Size) {
		return ErrAmountOverflow
	}
	if !p.StartTime.After(now) {
		return ErrStartTimeInPast
	}
	if p.Duration <= 0 || p.Duration >= MaxDuration {
		return ErrInvalidDuration
	}
	if !accepted(p.Asset) {
		return fmt.Errorf("asset %s: %w", p.Asset.Hex(), ErrAssetNotAccepted)
	}
	if p.Primary == "" {
		return ErrEmptyInstrument
	}
	seen := make(map[string]struct{}, len(p.CounterChoices))
	for _, c := range p.CounterChoices {
		if c == "" {
			return ErrEmptyInstrument
		}
		if c == p.Primary {
			return fmt.Errorf("counter choice %q equals primary: %w", c, ErrDuplicateInstrument)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("counter choice %q repeated: %w", c, ErrDuplicateInstrument)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// NewLot builds the record for the next id without registering it. The
// creator's deposit is applied by the caller once custody confirms it.
func (r *LotRegistry) NewLot(p CreateParams, creator common.Address) *Lot {
	lot := newLot()
	lot.ID = r.LastID() + 1
	lot.Primary = p.Primary
	lot.CounterChoices = append([]string(nil), p.CounterChoices...)
	lot.Asset = p.Asset
	lot.StartTime = p.StartTime
	lot.Duration = p.Duration
	lot.Creator = creator
	lot.Private = p.Private
	lot.Challenge = p.Challenge
	lot.Basket = len(p.CounterChoices) == 0

	if len(p.CounterChoices) == 1 {
		lot.Counter = p.CounterChoices[0]
	}
	if p.Private {
		lot.Invited[creator] = true
	}
	return lot
}

// Insert registers a lot built by NewLot. Its id must be the next one.
func (r *LotRegistry) Insert(lot *Lot) error {
	if lot.ID != r.LastID()+1 {
		return fmt.Errorf("insert lot %d: next id is %d", lot.ID, r.LastID()+1)
	}
	r.lots = append(r.lots, lot)
	return nil
}

// Replace swaps the record for an existing id, used to commit staged copies
// and to roll them back.
func (r *LotRegistry) Replace(lot *Lot) {
	r.lots[lot.ID-1] = lot
}

// Truncate drops lots above lastID. Used to undo an insert whose payout
// side effects failed.
func (r *LotRegistry) Truncate(lastID uint64) {
	if lastID < r.LastID() {
		r.lots = r.lots[:lastID]
	}
}

// All returns the live records in id order.
func (r *LotRegistry) All() []*Lot {
	return r.lots
}

// Restore replaces the registry content, e.g. from a snapshot. Lots must be
// dense and ordered by id.
func (r *LotRegistry) Restore(lots []*Lot) error {
	for i, l := range lots {
		if l.ID != uint64(i+1) {
			return fmt.Errorf("restore: lot at position %d has id %d", i, l.ID)
		}
	}
	r.lots = lots
	return nil
}

// CheckInvite validates an invitation request by caller.
func (r *LotRegistry) CheckInvite(lot *Lot, caller common.Address, addrs []common.Address) error {
	if !lot.Private {
		return fmt.Errorf("lot %d: %w", lot.ID, ErrLotNotPrivate)
	}
	if !lot.Invited[caller] {
		return fmt.Errorf("lot %d: %w", lot.ID, ErrNotInvited)
	}
	if len(addrs) == 0 {
		return ErrEmptyInviteList
	}
	return nil
}

// AddInvites marks every address invited. Re-inviting is a no-op on state
// but is still reported so each request is echoed as an event.
func (r *LotRegistry) AddInvites(lot *Lot, addrs []common.Address) {
	for _, a := range addrs {
		lot.Invited[a] = true
	}
	lot.Version++
}
