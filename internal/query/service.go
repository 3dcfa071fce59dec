package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultLimit and MaxLimit bound paginated queries.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// QueryService provides read-only access to the projection tables and the
// event log. Responses carry as_of_sequence, the projection watermark, so
// callers can tell how fresh the data is.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

const lotColumns = `lot_id, creator, primary_choice, counter_choice, asset, start_time, end_time,
	private, challenge, total_a, total_b, resolved, outcome, winner, fee_accrued, last_sequence`

func scanLot(row interface{ Scan(...any) error }, l *LotSummary) error {
	return row.Scan(
		&l.LotID, &l.Creator, &l.Primary, &l.Counter, &l.Asset, &l.StartTime, &l.EndTime,
		&l.Private, &l.Challenge, &l.TotalA, &l.TotalB, &l.Resolved, &l.Outcome, &l.Winner,
		&l.FeeAccrued, &l.LastSequence,
	)
}

// GetLot returns one lot from the read model, or nil if it is not projected.
func (qs *QueryService) GetLot(ctx context.Context, lotID uint64) (*LotSummary, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	var l LotSummary
	err = scanLot(qs.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM projections.lots WHERE lot_id = $1`, lotID), &l)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.AsOfSequence = asOfSeq
	return &l, nil
}

// ListLots pages through lots in id order.
func (qs *QueryService) ListLots(ctx context.Context, f LotFilter) ([]LotSummary, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	add("lot_id > $%d", f.AfterID)
	if f.Creator != "" {
		add("creator = $%d", common.HexToAddress(f.Creator).Hex())
	}
	if f.Resolved != nil {
		add("resolved = $%d", *f.Resolved)
	}
	args = append(args, clampLimit(f.Limit))

	query := `SELECT ` + lotColumns + ` FROM projections.lots WHERE ` +
		strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY lot_id ASC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []LotSummary
	for rows.Next() {
		var l LotSummary
		if err := scanLot(rows, &l); err != nil {
			return nil, err
		}
		l.AsOfSequence = asOfSeq
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// GetParticipations lists every lot an address takes part in.
func (qs *QueryService) GetParticipations(ctx context.Context, addr common.Address, limit int) ([]Participation, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT lot_id, address, side, deposit_a, deposit_b, invited, refunded, claimed
		FROM projections.participants
		WHERE address = $1
		ORDER BY lot_id DESC
		LIMIT $2
	`, addr.Hex(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participation
	for rows.Next() {
		var p Participation
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.LotID, &p.Address, &p.Side, &p.DepositA, &p.DepositB,
			&p.Invited, &p.Refunded, &p.Claimed,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries touching an address, newest
// first. afterSequence pages backwards.
func (qs *QueryService) GetJournalHistory(ctx context.Context, addr common.Address, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	accountPattern := fmt.Sprintf("external:%%:%s:%%", addr.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPattern}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetLotEvents returns the events of one lot in sequence order.
func (qs *QueryService) GetLotEvents(ctx context.Context, lotID uint64, limit int) ([]EventSummary, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, operation, COALESCE(request_id, ''), payload, timestamp
		FROM event_log.events
		WHERE lot_id = $1
		ORDER BY sequence ASC
		LIMIT $2
	`, lotID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventSummary
	for rows.Next() {
		e := EventSummary{LotID: lotID}
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.Operation, &e.RequestID, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain linkage in the log and that projected
// balances net to zero per asset with no negative lot escrow.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	escrowRows, err := qs.db.QueryContext(ctx, `
		SELECT account_path FROM projections.balances
		WHERE account_path LIKE 'system:%' AND balance < 0
	`)
	if err != nil {
		return nil, err
	}
	defer escrowRows.Close()

	for escrowRows.Next() {
		var path string
		if err := escrowRows.Scan(&path); err != nil {
			return nil, err
		}
		report.NegativeEscrows = append(report.NegativeEscrows, path)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		len(report.NegativeEscrows) == 0
	return report, escrowRows.Err()
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

