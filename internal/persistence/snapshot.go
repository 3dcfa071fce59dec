package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LotLedger/internal/core"

	"github.com/google/uuid"
)

// snapshotFormatVersion is bumped whenever core.SnapshotState changes shape.
const snapshotFormatVersion = 1

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery. Warm restart loads the newest verified snapshot and replays
// events from its sequence forward; cold restart replays everything.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotRecord is one stored snapshot.
type SnapshotRecord struct {
	ID        uuid.UUID
	Sequence  int64
	StateHash []byte
	SizeBytes int
	Verified  bool
	CreatedAt time.Time
	State     *core.SnapshotState
	Raw       []byte
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot renders a snapshot in its stored form.
func EncodeSnapshot(snap *core.SnapshotState) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// SaveSnapshot persists a snapshot as unverified. A snapshot for an existing
// sequence overwrites the earlier one.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (*SnapshotRecord, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}

	rec := &SnapshotRecord{
		ID:        uuid.New(),
		Sequence:  snap.Sequence,
		StateHash: snap.StateHash[:],
		SizeBytes: len(data),
		CreatedAt: createdAt,
		State:     snap,
		Raw:       data,
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, rec.ID, rec.Sequence, data, rec.StateHash, snapshotFormatVersion, rec.SizeBytes, createdAt)
	if err != nil {
		return nil, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return rec, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil, nil when none exists.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format %d not supported", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// MarkArchived records the object key a snapshot was uploaded under.
func (sm *SnapshotManager) MarkArchived(ctx context.Context, sequence int64, key string) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET archive_key = $2 WHERE sequence = $1
	`, sequence, key)
	return err
}

// LoadEventsFrom loads up to limit events with sequence >= fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, operation, request_id, lot_id,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Operation, &e.RequestID, &e.LotID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
