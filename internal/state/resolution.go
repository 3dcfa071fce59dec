package state

import (
	"context"
	"fmt"
	"time"

	fpmath "LotLedger/internal/math"
	"LotLedger/internal/oracle"

	"github.com/holiman/uint256"
)

// ResolutionEngine settles a lot exactly once from oracle prices.
type ResolutionEngine struct {
	oracle oracle.Client
}

func NewResolutionEngine(client oracle.Client) *ResolutionEngine {
	return &ResolutionEngine{oracle: client}
}

// SetOracle swaps the price source for future resolutions.
func (e *ResolutionEngine) SetOracle(client oracle.Client) {
	e.oracle = client
}

// Resolve computes the outcome and claim pools of lot and marks it resolved.
// On error the lot is left untouched.
func (e *ResolutionEngine) Resolve(ctx context.Context, lot *Lot, feePct uint8, now time.Time) (*Resolution, error) {
	if lot.Resolved {
		return nil, fmt.Errorf("lot %d: %w", lot.ID, ErrAlreadyResolved)
	}
	if now.Before(lot.EndTime()) {
		return nil, fmt.Errorf("lot %d resolves at %s: %w", lot.ID, lot.EndTime().Format(time.RFC3339), ErrTooEarly)
	}
	if e.oracle == nil {
		return nil, fmt.Errorf("lot %d: %w", lot.ID, ErrOracleCannotBeZero)
	}

	startA, endA, err := e.pricesFor(ctx, lot.Primary, lot.StartTime, lot.EndTime())
	if err != nil {
		return nil, fmt.Errorf("lot %d primary %q: %w", lot.ID, lot.Primary, err)
	}
	startB, endB, err := e.pricesFor(ctx, lot.Counter, lot.StartTime, lot.EndTime())
	if err != nil {
		return nil, fmt.Errorf("lot %d counter %q: %w", lot.ID, lot.Counter, err)
	}

	matched := lot.Matched()
	fee := fpmath.FeePerSide(matched, feePct)
	outcome := fpmath.CompareReturns(startA, endA, startB, endB)
	poolA, poolB := fpmath.ClaimPools(matched, fee, outcome)

	res := &Resolution{
		Outcome:     outcome,
		StartPriceA: startA,
		EndPriceA:   endA,
		StartPriceB: startB,
		EndPriceB:   endB,
		Matched:     matched,
		FeePerSide:  fee,
		ResolvedAt:  now,
	}
	switch outcome {
	case fpmath.OutcomePrimary:
		res.Winner = lot.Primary
	case fpmath.OutcomeCounter:
		res.Winner = lot.Counter
	}

	e.apply(lot, res, poolA, poolB)
	return res, nil
}

// Apply records an already computed resolution, used when replaying the
// event log.
func (e *ResolutionEngine) Apply(lot *Lot, res *Resolution) error {
	if lot.Resolved {
		return fmt.Errorf("lot %d: %w", lot.ID, ErrAlreadyResolved)
	}
	poolA, poolB := fpmath.ClaimPools(res.Matched, res.FeePerSide, res.Outcome)
	e.apply(lot, res, poolA, poolB)
	return nil
}

func (e *ResolutionEngine) apply(lot *Lot, res *Resolution, poolA, poolB *uint256.Int) {
	lot.ClaimPoolA = poolA
	lot.ClaimPoolB = poolB
	lot.Resolution = res
	lot.Resolved = true
	lot.Version++
}

// pricesFor reads the start and end prices of one instrument. An instrument
// the oracle flags invalid, or a basket lot nobody countered, prices at zero.
func (e *ResolutionEngine) pricesFor(ctx context.Context, instrument string, start, end time.Time) (*uint256.Int, *uint256.Int, error) {
	if instrument == "" {
		return fpmath.Zero(), fpmath.Zero(), nil
	}
	invalid, err := e.oracle.IsInvalid(ctx, instrument)
	if err != nil {
		return nil, nil, err
	}
	if invalid {
		return fpmath.Zero(), fpmath.Zero(), nil
	}
	startPrice, err := e.oracle.HistoricalPrice(ctx, instrument, start)
	if err != nil {
		return nil, nil, fmt.Errorf("price at start: %w", err)
	}
	endPrice, err := e.oracle.HistoricalPrice(ctx, instrument, end)
	if err != nil {
		return nil, nil, fmt.Errorf("price at end: %w", err)
	}
	if !fpmath.FitsAmount(startPrice) || !fpmath.FitsAmount(endPrice) {
		return nil, nil, fmt.Errorf("oracle price out of range: %w", fpmath.ErrAmountOverflow)
	}
	return startPrice, endPrice, nil
}
