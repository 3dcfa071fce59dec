package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/event"
	"LotLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed events to NATS for downstream
// consumers on lot.events.<event_type>. Publishing is best effort;
// consumers that miss a message can read the event log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishableEvent is the outbound wire form of one event.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Operation      string          `json:"operation"`
	RequestID      string          `json:"request_id,omitempty"`
	LotID          uint64          `json:"lot_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("publisher"),
	}
}

// NewPublishableEvent converts an envelope to its outbound form.
func NewPublishableEvent(env *event.EventEnvelope) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Operation:      env.Operation,
		RequestID:      env.RequestID,
		LotID:          env.LotID,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// Subject is where an event is published.
func Subject(eventType string) string {
	return "lot.events." + strings.ToLower(eventType)
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, NewPublishableEvent(out.Envelope)); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The idempotency key doubles as the JetStream message id, so a
	// republish after restart is deduplicated by the server.
	_, err = op.js.Publish(ctx, Subject(evt.EventType), data, jetstream.WithMsgID(evt.IdempotencyKey))
	return err
}

// Tee copies every output from in to each of outs without blocking. A full
// output drops the item and counts it.
func Tee(ctx context.Context, in <-chan core.CoreOutput, metrics *observability.Metrics, outs ...chan<- core.CoreOutput) error {
	defer func() {
		for _, o := range outs {
			close(o)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				return nil
			}
			for _, o := range outs {
				select {
				case o <- out:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}
