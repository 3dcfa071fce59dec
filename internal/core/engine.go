package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"LotLedger/internal/custody"
	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
	"LotLedger/internal/observability"
	"LotLedger/internal/oracle"
	"LotLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// MaxFeePercentage caps the protocol fee taken from each side.
const MaxFeePercentage = 20

// Operation names, used for metrics, logs and request dedup.
const (
	OpCreateLot         = "create_lot"
	OpInvite            = "invite"
	OpJoinLot           = "join_lot"
	OpResolve           = "resolve"
	OpWithdrawClaim     = "withdraw_claim"
	OpWithdrawRefund    = "withdraw_refund"
	OpSetAcceptedAssets = "set_accepted_assets"
	OpSetOracle         = "set_oracle"
	OpSetFeePercentage  = "set_fee_percentage"
	OpWithdrawFees      = "withdraw_fees"
	OpPause             = "pause"
	OpUnpause           = "unpause"
	OpTransferOwnership = "transfer_ownership"
	OpRenounceOwnership = "renounce_ownership"
)

// Call identifies who is calling and, optionally, the client's request id.
// A request id is accepted once per operation.
type Call struct {
	Caller    common.Address
	RequestID string
}

// CoreOutput is one appended event with its journal batch and, for lot
// events, the lot as it stood right after the event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Lot      *state.Lot
}

// Config is the initial administrative state of an engine.
type Config struct {
	Owner          common.Address
	FeePercentage  uint8
	AcceptedAssets []common.Address
	OracleAddress  common.Address
	DedupCapacity  int
}

// Deps are the collaborators of an engine. Escrow is required.
type Deps struct {
	Clock          Clock
	Escrow         custody.EscrowAdapter
	Oracle         oracle.Client
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

// Engine is the settlement facade. Every entry point runs as one atomic unit
// under the engine mutex; mutating user operations are gated by the pause
// flag, administrative ones by ownership.
type Engine struct {
	mu      sync.Mutex
	clock   Clock
	log     zerolog.Logger
	metrics *observability.Metrics

	registry   *state.LotRegistry
	accounting *state.AccountingLedger
	resolver   *state.ResolutionEngine
	escrow     custody.EscrowAdapter

	balances  *ledger.BalanceTracker
	journals  *ledger.JournalGenerator
	validator *ledger.InvariantValidator

	owner      common.Address
	oracleAddr common.Address
	feePct     uint8
	accepted   map[common.Address]bool
	paused     bool

	sequence    int64 // last assigned
	hasher      *StateHasher
	idempotency *IdempotencyChecker

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Escrow == nil {
		return nil, fmt.Errorf("engine: escrow adapter is required")
	}
	if cfg.FeePercentage > MaxFeePercentage {
		return nil, fmt.Errorf("engine: fee %d%%: %w", cfg.FeePercentage, state.ErrInvalidFeePercentage)
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 100_000
	}

	balances := ledger.NewBalanceTracker()
	e := &Engine{
		clock:          deps.Clock,
		log:            observability.NewLogger("core"),
		metrics:        deps.Metrics,
		registry:       state.NewLotRegistry(),
		accounting:     state.NewAccountingLedger(),
		resolver:       state.NewResolutionEngine(deps.Oracle),
		escrow:         deps.Escrow,
		balances:       balances,
		journals:       ledger.NewJournalGenerator(balances),
		validator:      ledger.NewInvariantValidator(balances),
		owner:          cfg.Owner,
		oracleAddr:     cfg.OracleAddress,
		feePct:         cfg.FeePercentage,
		accepted:       make(map[common.Address]bool, len(cfg.AcceptedAssets)),
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(cfg.DedupCapacity, deps.DBChecker, deps.Metrics),
		persistChan:    deps.PersistChan,
		projectionChan: deps.ProjectionChan,
	}
	for _, a := range cfg.AcceptedAssets {
		e.accepted[a] = true
	}
	return e, nil
}

// mutate is the single gate in front of every state-changing entry point.
func (e *Engine) mutate(ctx context.Context, call Call, op string, admin bool, fn func(t *txn) error) error {
	if isInCall(ctx) {
		return fmt.Errorf("%s: %w", op, state.ErrReentrantCall)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	err := e.run(ctx, call, op, admin, fn)
	if e.metrics != nil {
		e.metrics.CoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreRejections.WithLabelValues(op, state.KindOf(err).String()).Inc()
		}
		e.log.Debug().Err(err).Str("operation", op).Str("caller", call.Caller.Hex()).Msg("operation rejected")
		return err
	}
	if e.metrics != nil {
		e.metrics.CoreOperations.WithLabelValues(op).Inc()
	}
	return nil
}

func (e *Engine) run(ctx context.Context, call Call, op string, admin bool, fn func(t *txn) error) error {
	if admin {
		if call.Caller != e.owner {
			return fmt.Errorf("%s by %s: %w", op, call.Caller.Hex(), state.ErrUnauthorized)
		}
	} else if e.paused {
		return fmt.Errorf("%s: %w", op, state.ErrPaused)
	}

	if call.RequestID != "" && e.idempotency.IsDuplicate(ctx, op, call.RequestID) {
		return fmt.Errorf("%s request %s: %w", op, call.RequestID, state.ErrDuplicateRequest)
	}

	t := e.begin(ctx, op, call)
	if err := fn(t); err != nil {
		t.rollback()
		t.returnDeposits()
		return err
	}
	// A partly committed call has logged events under its request id, so
	// it is marked as processed too.
	n, err := t.commit()
	if call.RequestID != "" && (err == nil || n > 0) {
		e.idempotency.MarkProcessed(op, call.RequestID)
	}
	return err
}

// append assigns sequence numbers and hashes to a committed call's events
// and hands them to the persistence and projection workers.
func (e *Engine) append(t *txn, events []pendingEvent) {
	for _, pe := range events {
		prev := e.hasher.GetPrevHash()
		hash := e.hasher.ComputeHash(pe.seq, pe.digest)
		e.sequence = pe.seq

		env := &event.EventEnvelope{
			Sequence:       pe.seq,
			IdempotencyKey: eventKey(pe.evt.EventType(), pe.seq),
			Operation:      t.op,
			RequestID:      t.call.RequestID,
			EventType:      pe.evt.EventType(),
			LotID:          pe.evt.LotID(),
			Timestamp:      t.now,
			Payload:        pe.data,
			StateHash:      hash,
			PrevHash:       prev,
		}
		out := CoreOutput{Envelope: env, Batch: pe.batch, Lot: pe.lot}

		if e.persistChan != nil {
			// Blocking: backpressure from persistence stalls the engine
			// rather than losing an event.
			e.persistChan <- out
		}
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- out:
			default:
				// Projections rebuild from the event log when they fall behind.
				if e.metrics != nil {
					e.metrics.ProjectionDrops.Inc()
				}
			}
		}
		if e.metrics != nil {
			e.metrics.CoreEvents.WithLabelValues(env.EventType.String()).Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
}

func (e *Engine) isAccepted(asset common.Address) bool {
	return e.accepted[asset]
}

// deposit pulls size from the caller and returns what custody actually
// received, measured as the change in the custody balance. Once funds have
// moved they are recorded so a failed call can send them back.
func (t *txn) deposit(asset, from common.Address, size *uint256.Int) (*uint256.Int, error) {
	before, err := t.e.escrow.CustodyBalance(t.ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("custody balance: %w: %v", state.ErrTransferError, err)
	}
	if err := t.e.escrow.TransferIn(t.ctx, asset, from, size); err != nil {
		return nil, fmt.Errorf("transfer in %s from %s: %w: %v", size.Dec(), from.Hex(), state.ErrTransferError, err)
	}
	after, err := t.e.escrow.CustodyBalance(t.ctx, asset)
	if err != nil {
		t.e.log.Error().Err(err).Str("from", from.Hex()).Str("amount", size.Dec()).
			Msg("custody balance unreadable after transfer in; deposit not returned")
		return nil, fmt.Errorf("custody balance: %w: %v", state.ErrTransferError, err)
	}
	if !after.Gt(before) {
		return nil, fmt.Errorf("transfer in from %s: nothing received: %w", from.Hex(), state.ErrTransferError)
	}
	received := new(uint256.Int).Sub(after, before)
	if received.Gt(size) {
		t.pulled = append(t.pulled, payout{kind: "deposit_return", asset: asset, to: from, amount: size.Clone()})
		return nil, fmt.Errorf("transfer in from %s: received %s for %s: %w", from.Hex(), received.Dec(), size.Dec(), state.ErrTransferError)
	}
	t.pulled = append(t.pulled, payout{kind: "deposit_return", asset: asset, to: from, amount: received.Clone()})
	return received, nil
}

// ---------------------------------------------------------------------------
// Lot operations
// ---------------------------------------------------------------------------

// CreateLot registers a lot and deposits the creator's stake on side A.
func (e *Engine) CreateLot(ctx context.Context, call Call, p state.CreateParams) (uint64, error) {
	var id uint64
	err := e.mutate(ctx, call, OpCreateLot, false, func(t *txn) error {
		if err := e.registry.ValidateCreate(p, t.now, e.isAccepted); err != nil {
			return err
		}
		lot, err := t.create(p)
		if err != nil {
			return err
		}
		received, err := t.deposit(lot.Asset, call.Caller, p.Size)
		if err != nil {
			return err
		}
		if err := e.accounting.ApplyDeposit(lot, call.Caller, state.SideA, lot.Primary, received); err != nil {
			return err
		}

		ref := t.nextRef(event.EventTypeLotCreated)
		batch, err := e.journals.GenerateDeposit(ref, lot.ID, lot.Asset, call.Caller, received)
		if err != nil {
			return err
		}
		if err := t.apply(batch); err != nil {
			return err
		}

		id = lot.ID
		if e.metrics != nil {
			t.after(e.metrics.LotsCreated.Inc)
		}
		return t.emit(&event.LotCreated{
			Lot:            lot.ID,
			Creator:        call.Caller,
			Primary:        lot.Primary,
			CounterChoices: lot.CounterChoices,
			Asset:          lot.Asset,
			Size:           p.Size.Clone(),
			Received:       received,
			StartTime:      lot.StartTime,
			Duration:       lot.Duration,
			Private:        lot.Private,
			Challenge:      lot.Challenge,
			Basket:         lot.Basket,
		}, batch, lot)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Invite adds addresses to a private lot. The caller must be invited.
func (e *Engine) Invite(ctx context.Context, call Call, lotID uint64, addrs []common.Address) error {
	return e.mutate(ctx, call, OpInvite, false, func(t *txn) error {
		lot, err := t.lot(lotID)
		if err != nil {
			return err
		}
		if err := e.registry.CheckInvite(lot, call.Caller, addrs); err != nil {
			return err
		}
		for _, a := range addrs {
			e.registry.AddInvites(lot, []common.Address{a})
			if err := t.emit(&event.ParticipantInvited{Lot: lot.ID, Inviter: call.Caller, Invitee: a}, nil, lot); err != nil {
				return err
			}
		}
		return nil
	})
}

// JoinLot deposits size on the side instrument selects.
func (e *Engine) JoinLot(ctx context.Context, call Call, lotID uint64, instrument string, size *uint256.Int) error {
	return e.mutate(ctx, call, OpJoinLot, false, func(t *txn) error {
		lot, err := t.lot(lotID)
		if err != nil {
			return err
		}
		side, err := e.accounting.CheckJoin(lot, call.Caller, instrument, size, t.now)
		if err != nil {
			return err
		}
		received, err := t.deposit(lot.Asset, call.Caller, size)
		if err != nil {
			return err
		}
		if err := e.accounting.ApplyDeposit(lot, call.Caller, side, instrument, received); err != nil {
			return err
		}

		ref := t.nextRef(event.EventTypeLotJoined)
		batch, err := e.journals.GenerateDeposit(ref, lot.ID, lot.Asset, call.Caller, received)
		if err != nil {
			return err
		}
		if err := t.apply(batch); err != nil {
			return err
		}
		return t.emit(&event.LotJoined{
			Lot:         lot.ID,
			Participant: call.Caller,
			Instrument:  instrument,
			Side:        side.String(),
			Asset:       lot.Asset,
			Requested:   size.Clone(),
			Received:    received,
		}, batch, lot)
	})
}

// Resolve settles a lot from oracle prices once its window has closed.
func (e *Engine) Resolve(ctx context.Context, call Call, lotID uint64) error {
	return e.mutate(ctx, call, OpResolve, false, func(t *txn) error {
		lot, err := t.lot(lotID)
		if err != nil {
			return err
		}
		return t.resolve(lot)
	})
}

// resolve is shared by Resolve and the lazy path of WithdrawClaim.
func (t *txn) resolve(lot *state.Lot) error {
	e := t.e
	res, err := e.resolver.Resolve(t.ctx, lot, e.feePct, t.now)
	if err != nil {
		return err
	}

	ref := t.nextRef(event.EventTypeLotResolved)
	fee := res.FeeAccrued()
	var batch *ledger.Batch
	if !fee.IsZero() {
		batch, err = e.journals.GenerateFeeAccrual(ref, lot.ID, lot.Asset, fee)
		if err != nil {
			return err
		}
		if err := t.apply(batch); err != nil {
			return err
		}
	}

	if e.metrics != nil {
		outcome := res.Outcome.String()
		t.after(func() { e.metrics.LotsResolved.WithLabelValues(outcome).Inc() })
	}
	return t.emit(&event.LotResolved{
		Lot:         lot.ID,
		Asset:       lot.Asset,
		Outcome:     res.Outcome,
		Winner:      res.Winner,
		StartPriceA: res.StartPriceA,
		EndPriceA:   res.EndPriceA,
		StartPriceB: res.StartPriceB,
		EndPriceB:   res.EndPriceB,
		Matched:     res.Matched,
		FeePerSide:  res.FeePerSide,
		FeeAccrued:  fee,
		ClaimPoolA:  lot.ClaimPoolA.Clone(),
		ClaimPoolB:  lot.ClaimPoolB.Clone(),
		ResolvedAt:  res.ResolvedAt,
	}, batch, lot)
}

// WithdrawClaim pays the caller's share of the claim pool on each lot,
// resolving lots that have not been resolved yet. Either every lot passes
// validation or none is touched; a failed transfer keeps the lots paid
// before it. It returns the amount paid per lot.
func (e *Engine) WithdrawClaim(ctx context.Context, call Call, lotIDs []uint64) ([]*uint256.Int, error) {
	amounts := make([]*uint256.Int, 0, len(lotIDs))
	err := e.mutate(ctx, call, OpWithdrawClaim, false, func(t *txn) error {
		for _, id := range lotIDs {
			t.item()
			lot, err := t.lot(id)
			if err != nil {
				return err
			}
			if err := e.accounting.CheckClaim(lot, call.Caller); err != nil {
				return err
			}
			if !lot.Resolved {
				if err := t.resolve(lot); err != nil {
					return err
				}
			}
			amount, err := e.accounting.Claim(lot, call.Caller)
			if err != nil {
				return err
			}
			batch, err := t.payoutBatch(event.EventTypeClaimWithdrawn, ledger.JournalTypeClaim, lot, amount)
			if err != nil {
				return err
			}
			if err := t.emit(&event.ClaimWithdrawn{
				Lot:         lot.ID,
				Participant: call.Caller,
				Asset:       lot.Asset,
				Amount:      amount,
			}, batch, lot); err != nil {
				return err
			}
			amounts = append(amounts, amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amounts, nil
}

// WithdrawRefund returns the caller's share of the unmatched excess on each
// lot. Participants on the smaller side are marked refunded with zero.
func (e *Engine) WithdrawRefund(ctx context.Context, call Call, lotIDs []uint64) ([]*uint256.Int, error) {
	amounts := make([]*uint256.Int, 0, len(lotIDs))
	err := e.mutate(ctx, call, OpWithdrawRefund, false, func(t *txn) error {
		for _, id := range lotIDs {
			t.item()
			lot, err := t.lot(id)
			if err != nil {
				return err
			}
			amount, err := e.accounting.Refund(lot, call.Caller, t.now)
			if err != nil {
				return err
			}
			batch, err := t.payoutBatch(event.EventTypeRefundWithdrawn, ledger.JournalTypeRefund, lot, amount)
			if err != nil {
				return err
			}
			if err := t.emit(&event.RefundWithdrawn{
				Lot:         lot.ID,
				Participant: call.Caller,
				Asset:       lot.Asset,
				Amount:      amount,
			}, batch, lot); err != nil {
				return err
			}
			amounts = append(amounts, amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amounts, nil
}

// payoutBatch books and schedules a transfer out of a lot. Zero amounts
// book nothing.
func (t *txn) payoutBatch(et event.EventType, jt ledger.JournalType, lot *state.Lot, amount *uint256.Int) (*ledger.Batch, error) {
	if amount.IsZero() {
		return nil, nil
	}
	batch, err := t.e.journals.GeneratePayout(t.nextRef(et), jt, lot.ID, lot.Asset, t.call.Caller, amount)
	if err != nil {
		return nil, err
	}
	if err := t.apply(batch); err != nil {
		return nil, err
	}
	t.pay(jt.String(), lot.Asset, t.call.Caller, amount)
	return batch, nil
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// SetAcceptedAssets replaces the set of assets new lots may use.
func (e *Engine) SetAcceptedAssets(ctx context.Context, call Call, assets []common.Address) error {
	return e.mutate(ctx, call, OpSetAcceptedAssets, true, func(t *txn) error {
		set := make(map[common.Address]bool, len(assets))
		for _, a := range assets {
			set[a] = true
		}
		t.after(func() { e.accepted = set })
		return t.emit(&event.AssetsUpdated{Assets: sortedAssets(set)}, nil, nil)
	})
}

// SetOracle points resolution at a new price source.
func (e *Engine) SetOracle(ctx context.Context, call Call, addr common.Address, client oracle.Client) error {
	return e.mutate(ctx, call, OpSetOracle, true, func(t *txn) error {
		if addr == (common.Address{}) || client == nil {
			return state.ErrOracleCannotBeZero
		}
		t.after(func() {
			e.oracleAddr = addr
			e.resolver.SetOracle(client)
		})
		return t.emit(&event.OracleUpdated{Oracle: addr}, nil, nil)
	})
}

// SetFeePercentage sets the fee for lots resolved from now on.
func (e *Engine) SetFeePercentage(ctx context.Context, call Call, pct uint8) error {
	return e.mutate(ctx, call, OpSetFeePercentage, true, func(t *txn) error {
		if pct > MaxFeePercentage {
			return fmt.Errorf("fee %d%%: %w", pct, state.ErrInvalidFeePercentage)
		}
		t.after(func() { e.feePct = pct })
		return t.emit(&event.FeeUpdated{Percentage: pct}, nil, nil)
	})
}

// WithdrawFees zeroes the fee balance of asset and transfers it to the
// owner.
func (e *Engine) WithdrawFees(ctx context.Context, call Call, asset common.Address) (*uint256.Int, error) {
	var withdrawn *uint256.Int
	err := e.mutate(ctx, call, OpWithdrawFees, true, func(t *txn) error {
		batch, amount, err := e.journals.GenerateFeeWithdrawal(t.nextRef(event.EventTypeFeeWithdrawn), asset, call.Caller)
		if err != nil {
			return err
		}
		if batch != nil {
			if err := t.apply(batch); err != nil {
				return err
			}
			t.pay(ledger.JournalTypeFeeWithdrawal.String(), asset, call.Caller, amount)
		}
		withdrawn = amount
		return t.emit(&event.FeeWithdrawn{Asset: asset, To: call.Caller, Amount: amount}, batch, nil)
	})
	if err != nil {
		return nil, err
	}
	return withdrawn, nil
}

// Pause stops every mutating user operation. Queries and administration
// keep working.
func (e *Engine) Pause(ctx context.Context, call Call) error {
	return e.mutate(ctx, call, OpPause, true, func(t *txn) error {
		t.after(func() { e.paused = true })
		return t.emit(&event.Paused{By: call.Caller}, nil, nil)
	})
}

func (e *Engine) Unpause(ctx context.Context, call Call) error {
	return e.mutate(ctx, call, OpUnpause, true, func(t *txn) error {
		t.after(func() { e.paused = false })
		return t.emit(&event.Unpaused{By: call.Caller}, nil, nil)
	})
}

// TransferOwnership hands administration to newOwner. Transferring to the
// zero address would renounce ownership and is refused.
func (e *Engine) TransferOwnership(ctx context.Context, call Call, newOwner common.Address) error {
	return e.mutate(ctx, call, OpTransferOwnership, true, func(t *txn) error {
		if newOwner == (common.Address{}) {
			return state.ErrRenounceDisabled
		}
		t.after(func() { e.owner = newOwner })
		return t.emit(&event.OwnershipTransferred{Previous: e.owner, New: newOwner}, nil, nil)
	})
}

// RenounceOwnership always fails.
func (e *Engine) RenounceOwnership(ctx context.Context, call Call) error {
	return e.mutate(ctx, call, OpRenounceOwnership, true, func(t *txn) error {
		return state.ErrRenounceDisabled
	})
}

func sortedAssets(set map[common.Address]bool) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
