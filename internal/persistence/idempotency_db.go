package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the tier-2 dedup lookup against the event
// log. A request id is stored on every event its call emitted.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether operation already committed requestID.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, operation, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE operation = $1 AND request_id = $2
		LIMIT 1
	`, operation, requestID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentRequestKeys returns up to limit "<operation>:<request_id>" keys,
// oldest first, for warming the in-memory LRU after a restart.
func (pic *PostgresIdempotencyChecker) RecentRequestKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT key FROM (
			SELECT operation || ':' || request_id AS key, MAX(sequence) AS seq
			FROM event_log.events
			WHERE request_id IS NOT NULL
			GROUP BY operation, request_id
			ORDER BY seq DESC
			LIMIT $1
		) recent
		ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
