package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/event"
	"LotLedger/internal/observability"
	"LotLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const watermarkID = "main"

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ProjectionWorker updates the read models from committed events. The engine
// feeds it through a non-blocking send, so it can miss events under load;
// projections are eventually consistent and can be rebuilt.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// LastSequence is the sequence of the last event handled.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if err := pw.processOutput(ctx, output); err != nil {
				pw.log.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			if pw.lastSeq != 0 && seq > pw.lastSeq+1 {
				pw.log.Warn().Int64("from", pw.lastSeq+1).Int64("to", seq-1).Msg("projection gap, rebuild required")
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	env := output.Envelope

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := updateBalance(ctx, tx, j.DebitAccount.AccountPath(), j.Asset, j.Amount, false, env.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := updateBalance(ctx, tx, j.CreditAccount.AccountPath(), j.Asset, j.Amount, true, env.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if lot := output.Lot; lot != nil {
		if err := upsertLot(ctx, tx, lot, env.Sequence, env.Timestamp); err != nil {
			return fmt.Errorf("lot projection: %w", err)
		}
		if addr, ok := participantOf(env); ok {
			if err := upsertParticipant(ctx, tx, lot, addr, env.Sequence); err != nil {
				return fmt.Errorf("participant projection: %w", err)
			}
		}
	}

	if err := setWatermark(ctx, tx, env.Sequence); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(env.EventType.String()).Observe(time.Since(start).Seconds())
	}
	return nil
}

// participantOf names the address whose row an event changes.
func participantOf(env *event.EventEnvelope) (common.Address, bool) {
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return common.Address{}, false
	}
	switch ev := evt.(type) {
	case *event.LotCreated:
		return ev.Creator, true
	case *event.ParticipantInvited:
		return ev.Invitee, true
	case *event.LotJoined:
		return ev.Participant, true
	case *event.ClaimWithdrawn:
		return ev.Participant, true
	case *event.RefundWithdrawn:
		return ev.Participant, true
	}
	return common.Address{}, false
}

func updateBalance(ctx context.Context, ex execer, path string, asset common.Address, amount *uint256.Int, credit bool, seq int64) error {
	sign := ""
	if credit {
		sign = "-"
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, `+sign+`$3::NUMERIC, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + `+sign+`$3::NUMERIC, last_sequence = $4
	`, path, asset.Hex(), amount.Dec(), seq)
	return err
}

func upsertLot(ctx context.Context, ex execer, lot *state.Lot, seq int64, at time.Time) error {
	var (
		outcome, winner string
		fee             = "0"
	)
	if r := lot.Resolution; r != nil {
		outcome = r.Outcome.String()
		winner = r.Winner
		fee = r.FeeAccrued().Dec()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.lots
			(lot_id, creator, primary_choice, counter_choice, asset, start_time, end_time,
			 private, challenge, total_a, total_b, resolved, outcome, winner, fee_accrued,
			 last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (lot_id) DO UPDATE SET
			counter_choice = $4, total_a = $10, total_b = $11, resolved = $12,
			outcome = $13, winner = $14, fee_accrued = $15, last_sequence = $16, updated_at = $17
	`, lot.ID, lot.Creator.Hex(), lot.Primary, lot.Counter, lot.Asset.Hex(), lot.StartTime, lot.EndTime(),
		lot.Private, lot.Challenge, lot.TotalA.Dec(), lot.TotalB.Dec(), lot.Resolved, outcome, winner, fee,
		seq, at)
	return err
}

func upsertParticipant(ctx context.Context, ex execer, lot *state.Lot, addr common.Address, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.participants
			(lot_id, address, side, deposit_a, deposit_b, invited, refunded, claimed, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (lot_id, address) DO UPDATE SET
			side = $3, deposit_a = $4, deposit_b = $5, invited = $6, refunded = $7, claimed = $8, last_sequence = $9
	`, lot.ID, addr.Hex(), lot.SideOf(addr).String(),
		lot.Deposit(state.SideA, addr).Dec(), lot.Deposit(state.SideB, addr).Dec(),
		lot.Invited[addr], lot.Refunded[addr], lot.Claimed[addr], seq)
	return err
}

func setWatermark(ctx context.Context, ex execer, seq int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// participants lists every address a lot knows about.
func participants(lot *state.Lot) []common.Address {
	seen := map[common.Address]bool{lot.Creator: true}
	out := []common.Address{lot.Creator}
	add := func(a common.Address) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for a := range lot.DepositsA {
		add(a)
	}
	for a := range lot.DepositsB {
		add(a)
	}
	for a := range lot.Invited {
		add(a)
	}
	return out
}

// RebuildProjections truncates every read model and rebuilds it. Balances are
// summed from the journal; lots and participants come from the engine's
// current lots, which must reflect the log up to sequence.
func RebuildProjections(ctx context.Context, db *sql.DB, lots []*state.Lot, sequence int64, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.lots`,
		`TRUNCATE projections.participants`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits add, credits subtract.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	for _, lot := range lots {
		if err := upsertLot(ctx, tx, lot, sequence, at); err != nil {
			return fmt.Errorf("rebuild lot %d: %w", lot.ID, err)
		}
		for _, addr := range participants(lot) {
			if err := upsertParticipant(ctx, tx, lot, addr, sequence); err != nil {
				return fmt.Errorf("rebuild lot %d participant: %w", lot.ID, err)
			}
		}
	}

	if err := setWatermark(ctx, tx, sequence); err != nil {
		return err
	}
	return tx.Commit()
}
