package oracle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/holiman/uint256"
)

type pricePoint struct {
	at    time.Time
	price *uint256.Int
}

// FeedStore keeps the full price history of every instrument in memory.
// It is both the Client used by resolution and the Sink fed by ingestion.
type FeedStore struct {
	mu        sync.RWMutex
	history   map[string][]pricePoint // ascending by time
	invalid   map[string]bool
	sequences *SequenceValidator
}

func NewFeedStore() *FeedStore {
	return &FeedStore{
		history:   make(map[string][]pricePoint),
		invalid:   make(map[string]bool),
		sequences: NewSequenceValidator(),
	}
}

// Apply records an update. A stale sequence is dropped and reported as not
// applied. An update with a nil price only changes the invalid flag.
func (s *FeedStore) Apply(_ context.Context, u PriceUpdate) (bool, error) {
	if u.Instrument == "" {
		return false, fmt.Errorf("price update without instrument")
	}
	if u.Price != nil && !fpmath.FitsAmount(u.Price) {
		return false, fmt.Errorf("price update %s: %w", u.Instrument, fpmath.ErrAmountOverflow)
	}
	if !s.sequences.Accept(u.Instrument, u.Sequence) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalid[u.Instrument] = u.Invalid
	if u.Price == nil {
		return true, nil
	}

	points := s.history[u.Instrument]
	i := sort.Search(len(points), func(i int) bool { return points[i].at.After(u.Timestamp) })
	p := pricePoint{at: u.Timestamp, price: u.Price.Clone()}
	if i > 0 && points[i-1].at.Equal(u.Timestamp) {
		points[i-1] = p
	} else {
		points = append(points, pricePoint{})
		copy(points[i+1:], points[i:])
		points[i] = p
	}
	s.history[u.Instrument] = points
	return true, nil
}

// HistoricalPrice returns the last price observed at or before at.
func (s *FeedStore) HistoricalPrice(_ context.Context, instrument string, at time.Time) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.history[instrument]
	i := sort.Search(len(points), func(i int) bool { return points[i].at.After(at) })
	if i == 0 {
		return nil, fmt.Errorf("%s at %s: %w", instrument, at.Format(time.RFC3339), ErrPriceUnavailable)
	}
	return points[i-1].price.Clone(), nil
}

// CurrentPrice returns the most recent price.
func (s *FeedStore) CurrentPrice(_ context.Context, instrument string) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.history[instrument]
	if len(points) == 0 {
		return nil, fmt.Errorf("%s: %w", instrument, ErrPriceUnavailable)
	}
	return points[len(points)-1].price.Clone(), nil
}

func (s *FeedStore) IsInvalid(_ context.Context, instrument string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalid[instrument], nil
}

// Sequences exposes gap and stale counters for metrics.
func (s *FeedStore) Sequences() *SequenceValidator {
	return s.sequences
}

var (
	_ Client = (*FeedStore)(nil)
	_ Sink   = (*FeedStore)(nil)
)
