package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with a blocking send, so if this
// worker falls behind the engine stalls and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the channel
// closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*2)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(eventBatch) > 0 {
				if err := pw.flush(context.Background(), eventBatch, journalBatch); err != nil {
					pw.log.Error().Err(err).Int("events", len(eventBatch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(eventBatch) > 0 {
					if err := pw.flush(context.Background(), eventBatch, journalBatch); err != nil {
						pw.log.Error().Err(err).Int("events", len(eventBatch)).Msg("final flush failed")
					}
				}
				return nil
			}

			row, journals := Rows(output)
			eventBatch = append(eventBatch, row)
			journalBatch = append(journalBatch, journals...)

			if len(eventBatch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 {
				if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
			}
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. The worker never drops events.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				// Shutting down: one last attempt so the batch is not lost.
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
