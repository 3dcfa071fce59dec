package persistence

import (
	"context"
	"fmt"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/event"
	"LotLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Replayer is the part of the engine recovery drives.
type Replayer interface {
	RestoreFromSnapshot(snap *core.SnapshotState) error
	Replay(env *event.EventEnvelope) error
	WarmLRU(keys []string)
}

// RecoveryStats describes one recovery.
type RecoveryStats struct {
	SnapshotSequence int64
	Replayed         int
	LastSequence     int64
	WarmedKeys       int
	Duration         time.Duration
}

// Recover brings a fresh engine up to the tail of the event log: newest
// verified snapshot first, then every later event, then the dedup cache.
func Recover(ctx context.Context, eng Replayer, snaps *SnapshotManager, idem *PostgresIdempotencyChecker, batchSize, warmKeys int, metrics *observability.Metrics) (RecoveryStats, error) {
	log := observability.NewLogger("recovery")
	began := time.Now()
	var stats RecoveryStats

	snap, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		return stats, err
	}
	if snap != nil {
		if err := eng.RestoreFromSnapshot(snap); err != nil {
			return stats, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		stats.SnapshotSequence = snap.Sequence
		stats.LastSequence = snap.Sequence
		log.Info().Int64("sequence", snap.Sequence).Int("lots", len(snap.Lots)).Msg("restored snapshot")
	} else {
		log.Info().Msg("no snapshot, replaying from genesis")
	}

	for {
		rows, err := snaps.LoadEventsFrom(ctx, stats.LastSequence+1, batchSize)
		if err != nil {
			return stats, fmt.Errorf("load events from %d: %w", stats.LastSequence+1, err)
		}
		for _, row := range rows {
			if err := eng.Replay(row.Envelope()); err != nil {
				return stats, err
			}
			stats.LastSequence = row.Sequence
			stats.Replayed++
		}
		if len(rows) < batchSize {
			break
		}
	}

	if idem != nil && warmKeys > 0 {
		keys, err := idem.RecentRequestKeys(ctx, warmKeys)
		if err != nil {
			return stats, fmt.Errorf("load request keys: %w", err)
		}
		eng.WarmLRU(keys)
		stats.WarmedKeys = len(keys)
	}

	stats.Duration = time.Since(began)
	if metrics != nil {
		metrics.ReplayDuration.Set(stats.Duration.Seconds())
	}
	log.Info().
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int("replayed", stats.Replayed).
		Int64("last_sequence", stats.LastSequence).
		Int("warmed_keys", stats.WarmedKeys).
		Dur("duration", stats.Duration).
		Msg("recovery complete")
	return stats, nil
}

// SnapshotSource produces the state to snapshot.
type SnapshotSource interface {
	CreateSnapshotState() *core.SnapshotState
}

// Snapshotter takes periodic snapshots. A snapshot is saved unverified and
// marked verified once the event at its sequence is persisted with the same
// state hash.
type Snapshotter struct {
	source  SnapshotSource
	mgr     *SnapshotManager
	archive *SnapshotArchive // optional
	metrics *observability.Metrics
	log     zerolog.Logger
	lastSeq int64
	now     func() time.Time
}

func NewSnapshotter(source SnapshotSource, mgr *SnapshotManager, archive *SnapshotArchive, metrics *observability.Metrics) *Snapshotter {
	return &Snapshotter{
		source:  source,
		mgr:     mgr,
		archive: archive,
		metrics: metrics,
		log:     observability.NewLogger("snapshot"),
		now:     time.Now,
	}
}

// TakeSnapshot saves the current state. It returns nil, nil when nothing has
// happened since the previous snapshot.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	began := time.Now()
	snap := s.source.CreateSnapshotState()
	if snap.Sequence == 0 || snap.Sequence == s.lastSeq {
		return nil, nil
	}

	rec, err := s.mgr.SaveSnapshot(ctx, snap, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(began).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(rec.SizeBytes))
		s.metrics.SnapshotLastSeq.Set(float64(rec.Sequence))
	}
	s.log.Info().Int64("sequence", rec.Sequence).Int("bytes", rec.SizeBytes).Msg("snapshot saved")

	if s.archive != nil {
		s.archiveRecord(ctx, rec)
	}
	return rec, nil
}

func (s *Snapshotter) archiveRecord(ctx context.Context, rec *SnapshotRecord) {
	result := "ok"
	key, err := s.archive.Put(ctx, rec.Sequence, rec.Raw)
	if err == nil {
		err = s.mgr.MarkArchived(ctx, rec.Sequence, key)
	}
	if err != nil {
		result = "error"
		s.log.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("snapshot archive failed")
	}
	if s.metrics != nil {
		s.metrics.SnapshotArchived.WithLabelValues(result).Inc()
	}
}

// VerifyPending marks every snapshot whose hash matches the persisted event
// at its sequence as verified. It returns how many were marked.
func (s *Snapshotter) VerifyPending(ctx context.Context) (int64, error) {
	res, err := s.mgr.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.events e
		WHERE s.verified = FALSE
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Run snapshots every interval until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.VerifyPending(ctx); err != nil {
				s.log.Warn().Err(err).Msg("snapshot verification failed")
			} else if n > 0 {
				s.log.Info().Int64("count", n).Msg("snapshots verified")
			}
			if _, err := s.TakeSnapshot(ctx); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}
