package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AmountBits bounds deposits, side totals, claim pools and oracle prices.
// The product of two bounded values always fits the 256-bit accumulator.
const AmountBits = 128

// PriceDecimals is the fixed-point precision of oracle prices.
const PriceDecimals int32 = 8

var (
	ErrAmountOverflow = errors.New("amount exceeds 128-bit bound")
	ErrNegativeAmount = errors.New("amount is negative")
	ErrUnderflow      = errors.New("amount underflow")
)

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// FitsAmount reports whether v is inside the amount range.
func FitsAmount(v *uint256.Int) bool {
	return v.BitLen() <= AmountBits
}

// AddAmount returns a + b, failing when either input or the sum leaves the
// amount range.
func AddAmount(a, b *uint256.Int) (*uint256.Int, error) {
	if !FitsAmount(a) || !FitsAmount(b) {
		return nil, ErrAmountOverflow
	}
	sum := new(uint256.Int).Add(a, b)
	if !FitsAmount(sum) {
		return nil, ErrAmountOverflow
	}
	return sum, nil
}

// SubAmount returns a - b and fails instead of wrapping.
func SubAmount(a, b *uint256.Int) (*uint256.Int, error) {
	if a.Lt(b) {
		return nil, fmt.Errorf("%w: %s - %s", ErrUnderflow, a.Dec(), b.Dec())
	}
	return new(uint256.Int).Sub(a, b), nil
}

// Min returns a copy of the smaller value.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// ParseAmount parses a base-10 integer amount in base units.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !FitsAmount(v) {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrAmountOverflow)
	}
	return v, nil
}

// ToFixed scales a decimal into a fixed-point integer with the given number
// of decimals. Digits beyond that precision are truncated.
func ToFixed(d decimal.Decimal, decimals int32) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	scaled := d.Shift(decimals).Truncate(0)
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow || !FitsAmount(v) {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// ParseFixed parses a decimal string such as "1834.25" into fixed point.
func ParseFixed(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return ToFixed(d, decimals)
}

// FormatFixed renders a fixed-point integer as a decimal string.
func FormatFixed(v *uint256.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -decimals).String()
}
