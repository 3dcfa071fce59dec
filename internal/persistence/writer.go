package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Operation      string
	RequestID      sql.NullString
	LotID          sql.NullInt64
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal. Amount is a base-10
// string stored in a NUMERIC(78,0) column.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// Rows flattens one engine output into table rows.
func Rows(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Operation:      env.Operation,
		RequestID:      sql.NullString{String: env.RequestID, Valid: env.RequestID != ""},
		LotID:          sql.NullInt64{Int64: int64(env.LotID), Valid: env.LotID != 0},
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}

	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.Asset.Hex(),
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals
}

// Envelope rebuilds the engine envelope from a stored row, for replay.
func (r EventRow) Envelope() *event.EventEnvelope {
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		Operation:      r.Operation,
		RequestID:      r.RequestID.String,
		EventType:      event.ParseEventType(r.EventType),
		LotID:          uint64(r.LotID.Int64),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, operation, request_id, lot_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Operation, e.RequestID,
			e.LotID, e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
