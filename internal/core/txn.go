package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
	"LotLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type inCallKey struct{}

// markInCall tags the context handed to custody and oracle adapters. Any
// entry point reached with such a context is a re-entrant call.
func markInCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, inCallKey{}, true)
}

func isInCall(ctx context.Context) bool {
	v, _ := ctx.Value(inCallKey{}).(bool)
	return v
}

type pendingEvent struct {
	seq    int64
	evt    event.Event
	data   []byte
	batch  *ledger.Batch
	lot    *state.Lot
	digest []byte
}

type payout struct {
	keep   int // events committed if this transfer fails
	kind   string
	asset  common.Address
	to     common.Address
	amount *uint256.Int
}

// txn stages one facade call. Lots are mutated on clones and journal batches
// are applied to the tracker as they are generated, so later checks in the
// same call see earlier effects. Nothing becomes visible until commit.
type txn struct {
	e    *Engine
	ctx  context.Context
	op   string
	call Call
	now  time.Time

	originals map[uint64]*state.Lot
	staged    map[uint64]*state.Lot
	created   []*state.Lot
	lastID    uint64

	applied   []*ledger.Batch
	events    []pendingEvent
	payouts   []payout
	pulled    []payout
	onCommit  []hook
	itemStart int
}

type hook struct {
	event int
	fn    func()
}

func (e *Engine) begin(ctx context.Context, op string, call Call) *txn {
	return &txn{
		e:         e,
		ctx:       markInCall(ctx),
		op:        op,
		call:      call,
		now:       e.clock.Now(),
		originals: make(map[uint64]*state.Lot),
		staged:    make(map[uint64]*state.Lot),
		lastID:    e.registry.LastID(),
	}
}

// lot returns the staged copy of an existing or newly created lot.
func (t *txn) lot(id uint64) (*state.Lot, error) {
	if l, ok := t.staged[id]; ok {
		return l, nil
	}
	for _, l := range t.created {
		if l.ID == id {
			return l, nil
		}
	}
	orig, err := t.e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	clone := orig.Clone()
	t.originals[id] = orig
	t.staged[id] = clone
	return clone, nil
}

func (t *txn) create(p state.CreateParams) (*state.Lot, error) {
	if len(t.created) > 0 {
		return nil, fmt.Errorf("one lot per call")
	}
	l := t.e.registry.NewLot(p, t.call.Caller)
	t.created = append(t.created, l)
	return l, nil
}

// nextRef is the journal reference of the event about to be emitted.
func (t *txn) nextRef(et event.EventType) ledger.EventRef {
	seq := t.e.sequence + int64(len(t.events)) + 1
	return ledger.EventRef{
		Key:       eventKey(et, seq),
		Sequence:  seq,
		Timestamp: t.now,
	}
}

func eventKey(et event.EventType, seq int64) string {
	return fmt.Sprintf("%s:%d", et, seq)
}

// apply books a batch immediately and checks the system accounts it touched.
func (t *txn) apply(batch *ledger.Batch) error {
	if err := t.e.balances.ApplyBatch(batch); err != nil {
		return err
	}
	if err := t.e.validator.ValidateBatch(batch); err != nil {
		t.e.balances.RevertBatch(batch)
		return fmt.Errorf("ledger invariant: %w", err)
	}
	t.applied = append(t.applied, batch)
	if t.e.metrics != nil {
		for _, j := range batch.Journals {
			t.e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	return nil
}

// emit appends an event. The digest is taken now, so replaying the log
// event by event reproduces the same hash chain.
func (t *txn) emit(evt event.Event, batch *ledger.Batch, lot *state.Lot) error {
	data, err := event.Encode(evt)
	if err != nil {
		return err
	}
	pe := pendingEvent{
		seq:   t.e.sequence + int64(len(t.events)) + 1,
		evt:   evt,
		data:  data,
		batch: batch,
	}
	if lot != nil {
		pe.lot = lot.Clone()
	}
	pe.digest = t.e.stateDigest(batch, pe.lot, data)
	t.events = append(t.events, pe)
	return nil
}

// item marks the start of the next lot in a batch call. A failed transfer
// keeps every item before the one that scheduled it.
func (t *txn) item() {
	t.itemStart = len(t.events)
}

// after runs fn once the event about to be emitted is committed.
func (t *txn) after(fn func()) {
	t.onCommit = append(t.onCommit, hook{event: len(t.events), fn: fn})
}

func (t *txn) pay(kind string, asset, to common.Address, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	t.payouts = append(t.payouts, payout{keep: t.itemStart, kind: kind, asset: asset, to: to, amount: amount.Clone()})
}

// rollback reverts booked batches newest first. Staged lots are simply
// dropped.
func (t *txn) rollback() {
	for i := len(t.applied) - 1; i >= 0; i-- {
		t.e.balances.RevertBatch(t.applied[i])
	}
	t.applied = nil
}

// commit publishes staged lots, runs payouts and finally appends the events.
// It returns the number of events appended. Completed transfers are never
// undone: when a payout fails, the items before the one that scheduled it
// stay committed and everything from that item on is put back.
func (t *txn) commit() (int, error) {
	reg := t.e.registry
	for id, l := range t.staged {
		if err := l.CheckConsistency(); err != nil {
			t.rollback()
			t.returnDeposits()
			return 0, fmt.Errorf("lot %d: %w", id, err)
		}
	}
	for _, l := range t.staged {
		reg.Replace(l)
	}
	for _, l := range t.created {
		if err := reg.Insert(l); err != nil {
			t.restore()
			return 0, err
		}
	}

	for i, p := range t.payouts {
		if err := t.e.escrow.TransferOut(t.ctx, p.asset, p.to, p.amount); err != nil {
			if t.e.metrics != nil {
				t.e.metrics.PayoutFailures.WithLabelValues(p.kind).Inc()
			}
			t.restoreFrom(p.keep)
			if p.keep > 0 {
				t.e.log.Warn().
					Str("operation", t.op).
					Int("completed_transfers", i).
					Int("committed_events", p.keep).
					Msg("payout failed; earlier items committed")
			}
			t.finish(p.keep)
			return p.keep, fmt.Errorf("%s of %s to %s after %d completed transfers: %w: %v",
				p.kind, p.amount.Dec(), p.to.Hex(), i, state.ErrTransferError, err)
		}
		if t.e.metrics != nil {
			t.e.metrics.Payouts.WithLabelValues(p.kind).Inc()
		}
	}

	t.finish(len(t.events))
	return len(t.events), nil
}

// finish runs the hooks of the first n events and appends them.
func (t *txn) finish(n int) {
	if n == 0 {
		return
	}
	for _, h := range t.onCommit {
		if h.event < n {
			h.fn()
		}
	}
	t.e.append(t, t.events[:n])
}

func (t *txn) restore() {
	for id := range t.staged {
		t.e.registry.Replace(t.originals[id])
	}
	t.e.registry.Truncate(t.lastID)
	t.rollback()
	t.returnDeposits()
}

// returnDeposits sends funds pulled in by this call back to their owners.
func (t *txn) returnDeposits() {
	for _, p := range t.pulled {
		if err := t.e.escrow.TransferOut(t.ctx, p.asset, p.to, p.amount); err != nil {
			if t.e.metrics != nil {
				t.e.metrics.PayoutFailures.WithLabelValues(p.kind).Inc()
			}
			t.e.log.Error().Err(err).
				Str("operation", t.op).
				Str("to", p.to.Hex()).
				Str("amount", p.amount.Dec()).
				Msg("could not return deposit")
			continue
		}
		if t.e.metrics != nil {
			t.e.metrics.Payouts.WithLabelValues(p.kind).Inc()
		}
	}
	t.pulled = nil
}

// restoreFrom undoes events[n:]. Each touched lot goes back to its state as
// of the last kept event, or to where it was before the call.
func (t *txn) restoreFrom(n int) {
	if n == 0 {
		t.restore()
		return
	}
	for i := len(t.events) - 1; i >= n; i-- {
		if b := t.events[i].batch; b != nil {
			t.e.balances.RevertBatch(b)
		}
	}
	t.applied = nil

	kept := make(map[uint64]*state.Lot)
	for _, pe := range t.events[:n] {
		if pe.lot != nil {
			kept[pe.lot.ID] = pe.lot
		}
	}
	for id := range t.staged {
		if l, ok := kept[id]; ok {
			t.e.registry.Replace(l.Clone())
		} else {
			t.e.registry.Replace(t.originals[id])
		}
	}
	for _, l := range t.created {
		if _, ok := kept[l.ID]; !ok {
			t.e.registry.Truncate(l.ID - 1)
			break
		}
	}
}

// stateDigest is the canonical input to the hash chain for one event:
// balances of the accounts the batch touched, the lot's state and the
// payload.
func (e *Engine) stateDigest(batch *ledger.Batch, lot *state.Lot, payload []byte) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*80+len(payload)+256)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		bal := e.balances.GetBalance(key).Bytes32()
		digest = append(digest, bal[:]...)
	}
	if lot != nil {
		digest = append(digest, lot.CanonicalBytes()...)
	}
	return append(digest, payload...)
}
