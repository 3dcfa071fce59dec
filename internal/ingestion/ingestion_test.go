package ingestion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/event"
	"LotLedger/internal/observability"
	"LotLedger/internal/oracle"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSubscriber(t *testing.T) (*PriceSubscriber, *oracle.FeedStore, *observability.Metrics) {
	t.Helper()
	store := oracle.NewFeedStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewPriceSubscriber(nil, store, metrics), store, metrics
}

func TestPriceSubscriber_AppliesUpdates(t *testing.T) {
	ctx := context.Background()
	ps, store, metrics := newSubscriber(t)

	msg := `{"instrument":"ETH","price":"2500.5","timestamp_us":1772366400000000,"sequence":1}`
	assert.Equal(t, actionAck, ps.handle(ctx, "lot.prices.ETH", []byte(msg)))

	price, err := store.CurrentPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "250050000000", price.Dec())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.PriceUpdates.WithLabelValues("applied")))
}

func TestPriceSubscriber_StaleUpdatesAreAcked(t *testing.T) {
	ctx := context.Background()
	ps, store, metrics := newSubscriber(t)

	first := `{"instrument":"BTC","price":"100","timestamp_us":1772366400000000,"sequence":5}`
	older := `{"instrument":"BTC","price":"90","timestamp_us":1772366460000000,"sequence":4}`
	require.Equal(t, actionAck, ps.handle(ctx, "lot.prices.BTC", []byte(first)))
	assert.Equal(t, actionAck, ps.handle(ctx, "lot.prices.BTC", []byte(older)))

	price, err := store.CurrentPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "10000000000", price.Dec())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.PriceUpdates.WithLabelValues("stale")))
}

func TestPriceSubscriber_InvalidationFlag(t *testing.T) {
	ctx := context.Background()
	ps, store, metrics := newSubscriber(t)

	msg := `{"instrument":"DOGE","timestamp_us":1772366400000000,"sequence":1,"invalid":true}`
	assert.Equal(t, actionAck, ps.handle(ctx, "lot.prices.DOGE", []byte(msg)))

	invalid, err := store.IsInvalid(ctx, "DOGE")
	require.NoError(t, err)
	assert.True(t, invalid)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.PriceUpdates.WithLabelValues("invalidated")))
}

func TestPriceSubscriber_MalformedIsTerminated(t *testing.T) {
	ctx := context.Background()
	ps, _, metrics := newSubscriber(t)

	for _, msg := range []string{
		`not json`,
		`{"price":"1","timestamp_us":1,"sequence":1}`,
		`{"instrument":"ETH","timestamp_us":1,"sequence":1}`,
		`{"instrument":"ETH","price":"abc","timestamp_us":1,"sequence":1}`,
	} {
		assert.Equal(t, actionTerm, ps.handle(ctx, "lot.prices.ETH", []byte(msg)), msg)
	}
	assert.Equal(t, 4.0, promtest.ToFloat64(metrics.PriceUpdates.WithLabelValues("malformed")))
}

func sampleOutput(seq int64) core.CoreOutput {
	return core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: "LotJoined:7",
		Operation:      "join_lot",
		RequestID:      "req-1",
		EventType:      event.EventTypeLotJoined,
		LotID:          3,
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:        []byte(`{"lot_id":3}`),
		StateHash:      [32]byte{0xab},
	}}
}

func TestPublishableEvent(t *testing.T) {
	evt := NewPublishableEvent(sampleOutput(7).Envelope)
	assert.Equal(t, "lot.events.lotjoined", Subject(evt.EventType))

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "LotJoined", decoded["event_type"])
	assert.Equal(t, "req-1", decoded["request_id"])
	assert.Equal(t, map[string]any{"lot_id": 3.0}, decoded["payload"])
	assert.Len(t, decoded["state_hash"], 64)
}

func TestTee_DropsWhenOutputFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan core.CoreOutput, 4)
	roomy := make(chan core.CoreOutput, 4)
	tight := make(chan core.CoreOutput, 1)

	for i := int64(1); i <= 3; i++ {
		in <- sampleOutput(i)
	}
	close(in)

	require.NoError(t, Tee(context.Background(), in, metrics, roomy, tight))

	var seqs []int64
	for out := range roomy {
		seqs = append(seqs, out.Envelope.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.Len(t, tight, 1)
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.PublishDrops))
}
