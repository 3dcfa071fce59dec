package ingestion

import (
	"context"
	"fmt"
	"time"

	"LotLedger/internal/observability"
	"LotLedger/internal/oracle"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream and subject layout. Price updates arrive on lot.prices.<instrument>;
// committed events leave on lot.events.<event_type>.
const (
	PriceStream     = "LOT_PRICES"
	PriceSubjects   = "lot.prices.>"
	PriceConsumer   = "lotledger-prices"
	EventStream     = "LOT_EVENTS"
	EventSubjects   = "lot.events.>"
	streamMaxAge    = 72 * time.Hour
	priceAckWait    = 30 * time.Second
	priceMaxDeliver = 5
)

// action is what happens to a feed message after handling.
type action int

const (
	actionAck  action = iota
	actionNak         // transient failure, redeliver
	actionTerm        // malformed, never redeliver
)

// PriceSubscriber consumes oracle price updates from JetStream and applies
// them to a price store.
type PriceSubscriber struct {
	js       jetstream.JetStream
	sink     oracle.Sink
	metrics  *observability.Metrics
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, sink oracle.Sink, metrics *observability.Metrics) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		sink:    sink,
		metrics: metrics,
		log:     observability.NewLogger("prices"),
	}
}

// Subscribe creates the durable consumer and starts delivery. Consumers use
// explicit ACK with bounded redelivery.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       PriceConsumer,
		FilterSubject: PriceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       priceAckWait,
		MaxDeliver:    priceMaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", PriceConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		switch ps.handle(ctx, msg.Subject(), msg.Data()) {
		case actionAck:
			_ = msg.Ack()
		case actionNak:
			_ = msg.Nak()
		case actionTerm:
			_ = msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", PriceConsumer, err)
	}

	ps.consumer = cc
	ps.log.Info().Str("subject", PriceSubjects).Str("consumer", PriceConsumer).Msg("subscribed")
	return nil
}

// handle applies one message. Stale and duplicate updates are acknowledged;
// the store has already seen something at least as new.
func (ps *PriceSubscriber) handle(ctx context.Context, subject string, data []byte) action {
	u, err := oracle.ParseUpdate(data)
	if err != nil {
		ps.log.Warn().Err(err).Str("subject", subject).Msg("dropping malformed price update")
		ps.count("malformed")
		return actionTerm
	}

	applied, err := ps.sink.Apply(ctx, u)
	if err != nil {
		ps.log.Error().Err(err).Str("instrument", u.Instrument).Msg("price store write failed")
		ps.count("error")
		return actionNak
	}
	switch {
	case !applied:
		ps.count("stale")
	case u.Invalid:
		ps.count("invalidated")
	default:
		ps.count("applied")
	}
	return actionAck
}

func (ps *PriceSubscriber) count(result string) {
	if ps.metrics != nil {
		ps.metrics.PriceUpdates.WithLabelValues(result).Inc()
	}
}

// Stop gracefully stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.log.Info().Msg("price subscriber stopped")
}

// EnsureStreams creates the JetStream streams if they don't exist. Streams
// use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	log := observability.NewLogger("nats")
	streams := []jetstream.StreamConfig{
		{
			Name:      PriceStream,
			Subjects:  []string{PriceSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjects},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     streamMaxAge,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("lotledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
