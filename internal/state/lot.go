package state

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxDuration is the exclusive upper bound on a lot's wagering window.
const MaxDuration = 365 * 24 * time.Hour

// Side of a lot. Side A backs the primary instrument, side B the counter.
type Side uint8

const (
	SideNone Side = iota
	SideA
	SideB
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return "none"
	}
}

// Resolution records how a lot was settled.
type Resolution struct {
	Outcome     fpmath.Outcome `json:"outcome"`
	Winner      string         `json:"winner"` // empty on a tie
	StartPriceA *uint256.Int   `json:"start_price_a"`
	EndPriceA   *uint256.Int   `json:"end_price_a"`
	StartPriceB *uint256.Int   `json:"start_price_b"`
	EndPriceB   *uint256.Int   `json:"end_price_b"`
	Matched     *uint256.Int   `json:"matched"`
	FeePerSide  *uint256.Int   `json:"fee_per_side"`
	ResolvedAt  time.Time      `json:"resolved_at"`
}

// FeeAccrued is the protocol fee taken from both sides.
func (r *Resolution) FeeAccrued() *uint256.Int {
	return new(uint256.Int).Lsh(r.FeePerSide, 1)
}

// Lot is one two-sided pool. Immutable fields are set at creation; the rest
// changes through joins, resolution and withdrawals.
type Lot struct {
	ID             uint64         `json:"id"`
	Primary        string         `json:"primary"`
	CounterChoices []string       `json:"counter_choices"`
	Asset          common.Address `json:"asset"`
	StartTime      time.Time      `json:"start_time"`
	Duration       time.Duration  `json:"duration"`
	Creator        common.Address `json:"creator"`
	Private        bool           `json:"private"`
	Challenge      bool           `json:"challenge"`
	Basket         bool           `json:"basket"`

	Counter    string                          `json:"counter"`
	DepositsA  map[common.Address]*uint256.Int `json:"deposits_a"`
	DepositsB  map[common.Address]*uint256.Int `json:"deposits_b"`
	TotalA     *uint256.Int                    `json:"total_a"`
	TotalB     *uint256.Int                    `json:"total_b"`
	Invited    map[common.Address]bool         `json:"invited"`
	Refunded   map[common.Address]bool         `json:"refunded"`
	Claimed    map[common.Address]bool         `json:"claimed"`
	Resolved   bool                            `json:"resolved"`
	ClaimPoolA *uint256.Int                    `json:"claim_pool_a"`
	ClaimPoolB *uint256.Int                    `json:"claim_pool_b"`
	Resolution *Resolution                     `json:"resolution,omitempty"`

	Version int64 `json:"version"`
}

func newLot() *Lot {
	return &Lot{
		DepositsA:  make(map[common.Address]*uint256.Int),
		DepositsB:  make(map[common.Address]*uint256.Int),
		TotalA:     fpmath.Zero(),
		TotalB:     fpmath.Zero(),
		Invited:    make(map[common.Address]bool),
		Refunded:   make(map[common.Address]bool),
		Claimed:    make(map[common.Address]bool),
		ClaimPoolA: fpmath.Zero(),
		ClaimPoolB: fpmath.Zero(),
	}
}

// EndTime is the close of the wagering window.
func (l *Lot) EndTime() time.Time {
	return l.StartTime.Add(l.Duration)
}

// Matched is the stake both sides can cover: min(totalA, totalB).
func (l *Lot) Matched() *uint256.Int {
	return fpmath.Min(l.TotalA, l.TotalB)
}

// IsAllowedChoice reports whether instrument is in the lot's configured
// counter-choice set. Basket lots have an empty set.
func (l *Lot) IsAllowedChoice(instrument string) bool {
	return slices.Contains(l.CounterChoices, instrument)
}

// Deposit returns the caller's deposit on a side, never nil.
func (l *Lot) Deposit(side Side, addr common.Address) *uint256.Int {
	var m map[common.Address]*uint256.Int
	switch side {
	case SideA:
		m = l.DepositsA
	case SideB:
		m = l.DepositsB
	default:
		return fpmath.Zero()
	}
	if v, ok := m[addr]; ok {
		return v.Clone()
	}
	return fpmath.Zero()
}

// SideOf returns the side addr holds a nonzero deposit on.
func (l *Lot) SideOf(addr common.Address) Side {
	if v, ok := l.DepositsA[addr]; ok && !v.IsZero() {
		return SideA
	}
	if v, ok := l.DepositsB[addr]; ok && !v.IsZero() {
		return SideB
	}
	return SideNone
}

// SideBCount is the number of distinct side-B depositors.
func (l *Lot) SideBCount() int {
	n := 0
	for _, v := range l.DepositsB {
		if !v.IsZero() {
			n++
		}
	}
	return n
}

// Clone deep-copies the lot so a batch can stage changes and discard them.
func (l *Lot) Clone() *Lot {
	c := *l
	c.CounterChoices = slices.Clone(l.CounterChoices)
	c.DepositsA = cloneAmounts(l.DepositsA)
	c.DepositsB = cloneAmounts(l.DepositsB)
	c.TotalA = l.TotalA.Clone()
	c.TotalB = l.TotalB.Clone()
	c.Invited = cloneFlags(l.Invited)
	c.Refunded = cloneFlags(l.Refunded)
	c.Claimed = cloneFlags(l.Claimed)
	c.ClaimPoolA = l.ClaimPoolA.Clone()
	c.ClaimPoolB = l.ClaimPoolB.Clone()
	if l.Resolution != nil {
		r := *l.Resolution
		c.Resolution = &r
	}
	return &c
}

// CheckConsistency verifies the side totals equal the sum of deposits and no
// participant holds both sides.
func (l *Lot) CheckConsistency() error {
	sumA, sumB := fpmath.Zero(), fpmath.Zero()
	for _, v := range l.DepositsA {
		sumA.Add(sumA, v)
	}
	for addr, v := range l.DepositsB {
		sumB.Add(sumB, v)
		if !v.IsZero() {
			if a, ok := l.DepositsA[addr]; ok && !a.IsZero() {
				return fmt.Errorf("lot %d: %s holds both sides", l.ID, addr.Hex())
			}
		}
	}
	if !sumA.Eq(l.TotalA) {
		return fmt.Errorf("lot %d: side A total %s != deposits %s", l.ID, l.TotalA.Dec(), sumA.Dec())
	}
	if !sumB.Eq(l.TotalB) {
		return fmt.Errorf("lot %d: side B total %s != deposits %s", l.ID, l.TotalB.Dec(), sumB.Dec())
	}
	return nil
}

func cloneAmounts(m map[common.Address]*uint256.Int) map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

func cloneFlags(m map[common.Address]bool) map[common.Address]bool {
	out := make(map[common.Address]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CanonicalBytes is the deterministic encoding of the lot's mutable state
// used for the state hash chain.
func (l *Lot) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = binary.BigEndian.AppendUint64(buf, l.ID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(l.Version))

	buf = append(buf, byte(len(l.Counter)))
	buf = append(buf, l.Counter...)

	for _, v := range []*uint256.Int{l.TotalA, l.TotalB, l.ClaimPoolA, l.ClaimPoolB} {
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}

	var flags byte
	if l.Resolved {
		flags |= 1
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(l.Refunded)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(l.Claimed)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(l.Invited)))
	return buf
}
