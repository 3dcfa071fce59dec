package oracle_test

import (
	"context"
	"testing"
	"time"

	"LotLedger/internal/oracle"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func update(instr string, seq int64, at time.Time, price uint64) oracle.PriceUpdate {
	return oracle.PriceUpdate{Instrument: instr, Sequence: seq, Timestamp: at, Price: uint256.NewInt(price)}
}

func TestFeedStore_HistoricalPriceIsLastAtOrBefore(t *testing.T) {
	ctx := context.Background()
	s := oracle.NewFeedStore()

	for i, p := range []uint64{100, 105, 110} {
		ok, err := s.Apply(ctx, update("ETH", int64(i+1), t0.Add(time.Duration(i)*time.Minute), p))
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := s.HistoricalPrice(ctx, "ETH", t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(105), got.Uint64())

	got, err = s.HistoricalPrice(ctx, "ETH", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(110), got.Uint64())

	_, err = s.HistoricalPrice(ctx, "ETH", t0.Add(-time.Second))
	require.ErrorIs(t, err, oracle.ErrPriceUnavailable)

	cur, err := s.CurrentPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(110), cur.Uint64())
}

func TestFeedStore_OutOfOrderTimestampsStaySorted(t *testing.T) {
	ctx := context.Background()
	s := oracle.NewFeedStore()

	_, _ = s.Apply(ctx, update("BTC", 1, t0.Add(time.Minute), 200))
	_, _ = s.Apply(ctx, update("BTC", 2, t0, 100))

	got, err := s.HistoricalPrice(ctx, "BTC", t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.Uint64())
}

func TestFeedStore_StaleSequenceDropped(t *testing.T) {
	ctx := context.Background()
	s := oracle.NewFeedStore()

	ok, err := s.Apply(ctx, update("SOL", 5, t0, 10))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Apply(ctx, update("SOL", 5, t0.Add(time.Minute), 99))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Apply(ctx, update("SOL", 9, t0.Add(time.Minute), 12))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(1), s.Sequences().Stale("SOL"))
	assert.Equal(t, int64(1), s.Sequences().Gaps("SOL"))

	cur, _ := s.CurrentPrice(ctx, "SOL")
	assert.Equal(t, uint64(12), cur.Uint64())
}

func TestFeedStore_InvalidFlag(t *testing.T) {
	ctx := context.Background()
	s := oracle.NewFeedStore()

	invalid, err := s.IsInvalid(ctx, "DOGE")
	require.NoError(t, err)
	assert.False(t, invalid)

	_, err = s.Apply(ctx, oracle.PriceUpdate{Instrument: "DOGE", Sequence: 1, Timestamp: t0, Invalid: true})
	require.NoError(t, err)

	invalid, _ = s.IsInvalid(ctx, "DOGE")
	assert.True(t, invalid)
}

func TestParseUpdate(t *testing.T) {
	u, err := oracle.ParseUpdate([]byte(`{"instrument":"ETH","price":"3012.5","timestamp_us":1772366400000000,"sequence":7}`))
	require.NoError(t, err)
	assert.Equal(t, "ETH", u.Instrument)
	assert.Equal(t, "301250000000", u.Price.Dec())
	assert.Equal(t, int64(7), u.Sequence)
	assert.Equal(t, time.UnixMicro(1772366400000000).UTC(), u.Timestamp)

	u, err = oracle.ParseUpdate([]byte(`{"instrument":"LUNA","timestamp_us":1,"sequence":1,"invalid":true}`))
	require.NoError(t, err)
	assert.Nil(t, u.Price)
	assert.True(t, u.Invalid)

	_, err = oracle.ParseUpdate([]byte(`{"instrument":"ETH","timestamp_us":1,"sequence":1}`))
	require.Error(t, err)

	_, err = oracle.ParseUpdate([]byte(`{"price":"1","timestamp_us":1}`))
	require.Error(t, err)
}
