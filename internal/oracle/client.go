// Package oracle provides the price source used to resolve lots.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/holiman/uint256"
)

// ErrPriceUnavailable is returned when no price is known at or before the
// requested time.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Client is the read side of a price oracle. Prices are fixed point with
// math.PriceDecimals decimals.
type Client interface {
	HistoricalPrice(ctx context.Context, instrument string, at time.Time) (*uint256.Int, error)
	CurrentPrice(ctx context.Context, instrument string) (*uint256.Int, error)
	IsInvalid(ctx context.Context, instrument string) (bool, error)
}

// Sink is the write side fed by the price ingestion pipeline. Apply reports
// false for updates dropped as stale.
type Sink interface {
	Apply(ctx context.Context, u PriceUpdate) (bool, error)
}

// PriceUpdate is one observation from the price feed.
type PriceUpdate struct {
	Instrument string
	Price      *uint256.Int
	Timestamp  time.Time
	Sequence   int64
	Invalid    bool
}
