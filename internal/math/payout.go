package math

import (
	"github.com/holiman/uint256"
)

// Outcome is the result of comparing how the two instruments of a lot moved
// over its window.
type Outcome uint8

const (
	OutcomeTie Outcome = iota
	OutcomePrimary
	OutcomeCounter
)

func (o Outcome) String() string {
	switch o {
	case OutcomePrimary:
		return "primary"
	case OutcomeCounter:
		return "counter"
	default:
		return "tie"
	}
}

var hundred = uint256.NewInt(100)

// FeePerSide returns matched * pct / 100, truncated.
func FeePerSide(matched *uint256.Int, pct uint8) *uint256.Int {
	fee := new(uint256.Int).Mul(matched, uint256.NewInt(uint64(pct)))
	return fee.Div(fee, hundred)
}

// CompareReturns cross-multiplies the relative moves endA/startA and
// endB/startB. A zero start price on the primary hands the lot to the counter
// side; a zero start price on the counter hands it to the primary.
func CompareReturns(startA, endA, startB, endB *uint256.Int) Outcome {
	d1 := new(uint256.Int).Mul(endA, startB)
	d2 := new(uint256.Int).Mul(endB, startA)

	if startA.IsZero() || d2.Gt(d1) {
		return OutcomeCounter
	}
	if startB.IsZero() || d1.Gt(d2) {
		return OutcomePrimary
	}
	return OutcomeTie
}

// ClaimPools splits the matched stakes net of fees between the two sides.
// The winner takes both net stakes; a tie returns each side its own.
func ClaimPools(matched, feePerSide *uint256.Int, outcome Outcome) (poolA, poolB *uint256.Int) {
	net := new(uint256.Int).Sub(matched, feePerSide)
	both := new(uint256.Int).Lsh(net, 1)

	switch outcome {
	case OutcomePrimary:
		return both, Zero()
	case OutcomeCounter:
		return Zero(), both
	default:
		return net, net.Clone()
	}
}

// ProRata returns pool * share / total, truncated. Zero when pool or total
// is zero.
func ProRata(pool, share, total *uint256.Int) *uint256.Int {
	if pool.IsZero() || total.IsZero() {
		return Zero()
	}
	out := new(uint256.Int).Mul(pool, share)
	return out.Div(out, total)
}

// ExcessShare is the part of a deposit that was not matched. Only a side
// whose total exceeds matched has an excess; it is returned pro-rata to that
// side's depositors.
func ExcessShare(deposit, sideTotal, matched *uint256.Int) *uint256.Int {
	if !sideTotal.Gt(matched) {
		return Zero()
	}
	excess := new(uint256.Int).Sub(sideTotal, matched)
	return ProRata(excess, deposit, sideTotal)
}
