package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/custody"
	"LotLedger/internal/event"
	"LotLedger/internal/observability"
	"LotLedger/internal/oracle"
	"LotLedger/internal/state"
	"LotLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start = t0.Add(time.Hour)
	end   = start.Add(24 * time.Hour)

	owner      = testutil.Addr(0xA0)
	usdc       = testutil.Addr(0xC0)
	oracleAddr = testutil.Addr(0x0A)
	alice      = testutil.Addr(1)
	bob        = testutil.Addr(2)
	carol      = testutil.Addr(3)
	dave       = testutil.Addr(4)

	ctx = context.Background()
	amt = testutil.Amount
)

// --- Test helpers ---

type harness struct {
	eng     *core.Engine
	vault   *custody.Vault
	feed    *oracle.FeedStore
	clock   *testutil.ManualClock
	persist chan core.CoreOutput
	seq     map[string]int64
}

func newHarness(t *testing.T, feePct uint8) *harness {
	t.Helper()

	vault := custody.NewVault()
	for _, a := range []common.Address{alice, bob, carol, dave} {
		vault.Credit(usdc, a, amt(1_000_000))
	}
	h := &harness{
		vault:   vault,
		feed:    oracle.NewFeedStore(),
		clock:   testutil.NewManualClock(t0),
		persist: make(chan core.CoreOutput, 1024),
		seq:     make(map[string]int64),
	}
	h.eng = h.newEngine(t, feePct)
	return h
}

func (h *harness) newEngine(t *testing.T, feePct uint8) *core.Engine {
	t.Helper()
	eng, err := core.NewEngine(core.Config{
		Owner:          owner,
		FeePercentage:  feePct,
		AcceptedAssets: []common.Address{usdc},
		OracleAddress:  oracleAddr,
	}, core.Deps{
		Clock:       h.clock,
		Escrow:      h.vault,
		Oracle:      h.feed,
		Metrics:     observability.NewMetrics(prometheus.NewRegistry()),
		PersistChan: h.persist,
	})
	require.NoError(t, err)
	return eng
}

func (h *harness) price(t *testing.T, instr string, at time.Time, p uint64) {
	t.Helper()
	h.seq[instr]++
	ok, err := h.feed.Apply(ctx, oracle.PriceUpdate{Instrument: instr, Price: amt(p), Timestamp: at, Sequence: h.seq[instr]})
	require.NoError(t, err)
	require.True(t, ok)
}

// prices records start and end prices for the ETH/BTC pair.
func (h *harness) prices(t *testing.T, ethStart, ethEnd, btcStart, btcEnd uint64) {
	t.Helper()
	h.price(t, "ETH", start, ethStart)
	h.price(t, "BTC", start, btcStart)
	h.price(t, "ETH", end, ethEnd)
	h.price(t, "BTC", end, btcEnd)
}

func (h *harness) drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func as(who common.Address) core.Call { return core.Call{Caller: who} }

func lotParams(size uint64) state.CreateParams {
	return state.CreateParams{
		Primary:        "ETH",
		CounterChoices: []string{"BTC"},
		Size:           amt(size),
		Asset:          usdc,
		StartTime:      start,
		Duration:       24 * time.Hour,
	}
}

func (h *harness) create(t *testing.T, who common.Address, p state.CreateParams) uint64 {
	t.Helper()
	id, err := h.eng.CreateLot(ctx, as(who), p)
	require.NoError(t, err)
	return id
}

func (h *harness) join(t *testing.T, who common.Address, id uint64, instr string, size uint64) {
	t.Helper()
	require.NoError(t, h.eng.JoinLot(ctx, as(who), id, instr, amt(size)))
}

func balance(h *harness, who common.Address) uint64 {
	return h.vault.BalanceOf(usdc, who).Uint64()
}

// ============================================================================
// Test: creation and joins
// ============================================================================

func TestEngine_CreateAndJoin(t *testing.T) {
	h := newHarness(t, 5)

	id := h.create(t, alice, lotParams(10))
	assert.Equal(t, uint64(1), id)
	h.join(t, bob, id, "BTC", 4)

	lot, err := h.eng.Lot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), lot.TotalA.Uint64())
	assert.Equal(t, uint64(4), lot.TotalB.Uint64())
	assert.Equal(t, "BTC", lot.Counter)

	pv, err := h.eng.Participant(ctx, id, bob)
	require.NoError(t, err)
	assert.Equal(t, "B", pv.Side)
	assert.Equal(t, uint64(4), pv.DepositB.Uint64())

	escrow, err := h.eng.LotEscrow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(14), escrow.Uint64())
	assert.Equal(t, uint64(999_990), balance(h, alice))

	outs := h.drain()
	require.Len(t, outs, 2)
	assert.Equal(t, event.EventTypeLotCreated, outs[0].Envelope.EventType)
	assert.Equal(t, event.EventTypeLotJoined, outs[1].Envelope.EventType)
	assert.Equal(t, int64(1), outs[0].Envelope.Sequence)
	assert.Equal(t, "LotJoined:2", outs[1].Envelope.IdempotencyKey)
	assert.Equal(t, core.GenesisHash(), outs[0].Envelope.PrevHash)
	assert.Equal(t, outs[0].Envelope.StateHash, outs[1].Envelope.PrevHash)
	assert.Equal(t, outs[1].Envelope.StateHash, h.eng.GetStateHash())
	require.NotNil(t, outs[1].Batch)
	assert.Equal(t, int64(2), outs[1].Lot.Version)

	require.NoError(t, h.eng.CheckInvariants())
}

func TestEngine_CreateValidation(t *testing.T) {
	h := newHarness(t, 5)

	p := lotParams(10)
	p.Asset = testutil.Addr(0xDEAD)
	_, err := h.eng.CreateLot(ctx, as(alice), p)
	require.ErrorIs(t, err, state.ErrAssetNotAccepted)

	p = lotParams(10)
	p.StartTime = t0
	_, err = h.eng.CreateLot(ctx, as(alice), p)
	require.ErrorIs(t, err, state.ErrStartTimeInPast)

	p = lotParams(0)
	_, err = h.eng.CreateLot(ctx, as(alice), p)
	require.ErrorIs(t, err, state.ErrSizeMustBePositive)
	assert.Equal(t, state.KindValidation, state.KindOf(err))

	last, err := h.eng.LastLotID(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
	assert.Empty(t, h.drain())
	assert.Equal(t, uint64(1_000_000), balance(h, alice))
}

func TestEngine_PrivateLotInvites(t *testing.T) {
	h := newHarness(t, 5)
	p := lotParams(10)
	p.Private = true
	id := h.create(t, alice, p)

	err := h.eng.JoinLot(ctx, as(bob), id, "BTC", amt(10))
	require.ErrorIs(t, err, state.ErrInvalidLotID)

	require.ErrorIs(t, h.eng.Invite(ctx, as(carol), id, []common.Address{dave}), state.ErrNotInvited)
	require.ErrorIs(t, h.eng.Invite(ctx, as(alice), id, nil), state.ErrEmptyInviteList)
	require.NoError(t, h.eng.Invite(ctx, as(alice), id, []common.Address{bob, carol}))
	h.join(t, bob, id, "BTC", 10)

	pv, err := h.eng.Participant(ctx, id, carol)
	require.NoError(t, err)
	assert.True(t, pv.Invited)

	public := h.create(t, alice, lotParams(10))
	require.ErrorIs(t, h.eng.Invite(ctx, as(alice), public, []common.Address{bob}), state.ErrLotNotPrivate)
}

func TestEngine_ChallengeRules(t *testing.T) {
	h := newHarness(t, 5)
	p := lotParams(10)
	p.Challenge = true
	id := h.create(t, alice, p)

	require.ErrorIs(t, h.eng.JoinLot(ctx, as(carol), id, "ETH", amt(10)), state.ErrCannotJoinLotAInChallenge)
	require.ErrorIs(t, h.eng.JoinLot(ctx, as(bob), id, "BTC", amt(5)), state.ErrLotSizeMustBeEqual)
	h.join(t, bob, id, "BTC", 10)
	require.ErrorIs(t, h.eng.JoinLot(ctx, as(dave), id, "BTC", amt(10)), state.ErrMultipleUsersNotAllowedInChallenge)
}

func TestEngine_JoinAfterStart(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(10))
	h.clock.Set(start)
	require.ErrorIs(t, h.eng.JoinLot(ctx, as(bob), id, "BTC", amt(4)), state.ErrTooLateToJoin)
	require.ErrorIs(t, h.eng.JoinLot(ctx, as(bob), 99, "BTC", amt(4)), state.ErrInvalidLotID)
}

// ============================================================================
// Test: refunds
// ============================================================================

func TestEngine_RefundExcessSide(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(10))
	h.join(t, bob, id, "BTC", 4)

	_, err := h.eng.WithdrawRefund(ctx, as(alice), []uint64{id})
	require.ErrorIs(t, err, state.ErrTooEarly)

	h.clock.Set(start)
	got, err := h.eng.WithdrawRefund(ctx, as(alice), []uint64{id})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got[0].Uint64())
	assert.Equal(t, uint64(999_996), balance(h, alice))

	got, err = h.eng.WithdrawRefund(ctx, as(bob), []uint64{id})
	require.NoError(t, err)
	assert.True(t, got[0].IsZero())

	_, err = h.eng.WithdrawRefund(ctx, as(alice), []uint64{id})
	require.ErrorIs(t, err, state.ErrAlreadyWithdrawn)

	_, err = h.eng.WithdrawRefund(ctx, as(carol), []uint64{id})
	require.ErrorIs(t, err, state.ErrNotPartOfLot)

	escrow, err := h.eng.LotEscrow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), escrow.Uint64())
}

func TestEngine_BatchIsAllOrNothing(t *testing.T) {
	h := newHarness(t, 5)
	one := h.create(t, alice, lotParams(10))
	h.join(t, bob, one, "BTC", 4)
	two := h.create(t, carol, lotParams(10))
	h.clock.Set(start)
	h.drain()

	_, err := h.eng.WithdrawRefund(ctx, as(alice), []uint64{one, two})
	require.ErrorIs(t, err, state.ErrNotPartOfLot)

	pv, err := h.eng.Participant(ctx, one, alice)
	require.NoError(t, err)
	assert.False(t, pv.Refunded)
	assert.Equal(t, uint64(999_990), balance(h, alice))
	assert.Empty(t, h.drain())

	_, err = h.eng.WithdrawRefund(ctx, as(alice), []uint64{one, one})
	require.ErrorIs(t, err, state.ErrAlreadyWithdrawn)
	assert.Equal(t, uint64(999_990), balance(h, alice))
}

// ============================================================================
// Test: resolution and claims
// ============================================================================

func TestEngine_PrimaryWinsWithFee(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(100))
	h.join(t, bob, id, "BTC", 100)
	h.prices(t, 100, 110, 50, 50)

	require.ErrorIs(t, h.eng.Resolve(ctx, as(carol), id), state.ErrTooEarly)

	h.clock.Set(end)
	require.NoError(t, h.eng.Resolve(ctx, as(carol), id))
	require.ErrorIs(t, h.eng.Resolve(ctx, as(carol), id), state.ErrAlreadyResolved)

	lot, err := h.eng.Lot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ETH", lot.Resolution.Winner)
	assert.Equal(t, uint64(190), lot.ClaimPoolA.Uint64())
	assert.True(t, lot.ClaimPoolB.IsZero())

	fees, err := h.eng.AccruedFees(ctx, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), fees.Uint64())
	assert.Equal(t, uint64(200), h.eng.Held()[usdc].Uint64())

	got, err := h.eng.WithdrawClaim(ctx, as(alice), []uint64{id})
	require.NoError(t, err)
	assert.Equal(t, uint64(190), got[0].Uint64())
	assert.Equal(t, uint64(1_000_090), balance(h, alice))

	got, err = h.eng.WithdrawClaim(ctx, as(bob), []uint64{id})
	require.NoError(t, err)
	assert.True(t, got[0].IsZero())

	_, err = h.eng.WithdrawClaim(ctx, as(alice), []uint64{id})
	require.ErrorIs(t, err, state.ErrAlreadyWithdrawn)

	_, err = h.eng.WithdrawFees(ctx, as(alice), usdc)
	require.ErrorIs(t, err, state.ErrUnauthorized)
	withdrawn, err := h.eng.WithdrawFees(ctx, as(owner), usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), withdrawn.Uint64())
	assert.Equal(t, uint64(10), balance(h, owner))

	fees, err = h.eng.AccruedFees(ctx, usdc)
	require.NoError(t, err)
	assert.True(t, fees.IsZero())

	escrow, err := h.eng.LotEscrow(ctx, id)
	require.NoError(t, err)
	assert.True(t, escrow.IsZero())
	require.NoError(t, h.eng.CheckInvariants())
}

func TestEngine_TieSplitsPools(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create(t, alice, lotParams(100))
	h.join(t, bob, id, "BTC", 60)
	h.join(t, carol, id, "BTC", 40)
	h.prices(t, 100, 120, 50, 60)
	h.clock.Set(end)

	got, err := h.eng.WithdrawClaim(ctx, as(bob), []uint64{id})
	require.NoError(t, err)
	assert.Equal(t, uint64(60), got[0].Uint64())

	got, err = h.eng.WithdrawClaim(ctx, as(alice), []uint64{id})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got[0].Uint64())

	lot, err := h.eng.Lot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "", lot.Resolution.Winner)
}

func TestEngine_FeeTruncation(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(2))
	h.join(t, bob, id, "BTC", 2)
	h.prices(t, 100, 90, 100, 100)
	h.clock.Set(end)

	require.NoError(t, h.eng.Resolve(ctx, as(bob), id))
	fees, err := h.eng.AccruedFees(ctx, usdc)
	require.NoError(t, err)
	assert.True(t, fees.IsZero())

	got, err := h.eng.WithdrawClaim(ctx, as(bob), []uint64{id})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got[0].Uint64())
}

func TestEngine_ClaimResolvesLazily(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(100))
	h.join(t, bob, id, "BTC", 100)
	h.prices(t, 100, 100, 100, 150)

	_, err := h.eng.WithdrawClaim(ctx, as(bob), []uint64{id})
	require.ErrorIs(t, err, state.ErrTooEarly)
	pv, err := h.eng.Participant(ctx, id, bob)
	require.NoError(t, err)
	assert.False(t, pv.Claimed)

	h.clock.Set(end)
	h.drain()
	got, err := h.eng.WithdrawClaim(ctx, as(bob), []uint64{id})
	require.NoError(t, err)
	assert.Equal(t, uint64(190), got[0].Uint64())

	outs := h.drain()
	require.Len(t, outs, 2)
	assert.Equal(t, event.EventTypeLotResolved, outs[0].Envelope.EventType)
	assert.Equal(t, event.EventTypeClaimWithdrawn, outs[1].Envelope.EventType)
	assert.Equal(t, core.OpWithdrawClaim, outs[0].Envelope.Operation)

	require.ErrorIs(t, h.eng.Resolve(ctx, as(bob), id), state.ErrAlreadyResolved)
	_, err = h.eng.WithdrawClaim(ctx, as(carol), []uint64{id})
	require.ErrorIs(t, err, state.ErrNotPartOfLot)
}

func TestEngine_InvalidCounterLosesToPrimary(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create(t, alice, lotParams(50))
	h.join(t, bob, id, "BTC", 50)
	h.prices(t, 100, 90, 100, 200)
	_, err := h.feed.Apply(ctx, oracle.PriceUpdate{Instrument: "BTC", Timestamp: end, Sequence: 99, Invalid: true})
	require.NoError(t, err)
	h.clock.Set(end)

	got, err := h.eng.WithdrawClaim(ctx, as(alice), []uint64{id})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got[0].Uint64())
}

// ============================================================================
// Test: administration and gates
// ============================================================================

func TestEngine_PauseGatesUserOperations(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(10))

	require.ErrorIs(t, h.eng.Pause(ctx, as(alice)), state.ErrUnauthorized)
	require.NoError(t, h.eng.Pause(ctx, as(owner)))

	err := h.eng.JoinLot(ctx, as(bob), id, "BTC", amt(4))
	require.ErrorIs(t, err, state.ErrPaused)
	_, err = h.eng.CreateLot(ctx, as(bob), lotParams(1))
	require.ErrorIs(t, err, state.ErrPaused)

	paused, err := h.eng.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
	_, err = h.eng.Lot(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.eng.SetFeePercentage(ctx, as(owner), 7))
	require.NoError(t, h.eng.Unpause(ctx, as(owner)))
	h.join(t, bob, id, "BTC", 4)
}

func TestEngine_AdminOperations(t *testing.T) {
	h := newHarness(t, 5)

	require.ErrorIs(t, h.eng.SetFeePercentage(ctx, as(owner), 21), state.ErrInvalidFeePercentage)
	require.NoError(t, h.eng.SetFeePercentage(ctx, as(owner), 20))
	fee, err := h.eng.FeePercentage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(20), fee)

	require.ErrorIs(t, h.eng.SetOracle(ctx, as(owner), common.Address{}, h.feed), state.ErrOracleCannotBeZero)
	require.ErrorIs(t, h.eng.SetOracle(ctx, as(owner), oracleAddr, nil), state.ErrOracleCannotBeZero)
	require.NoError(t, h.eng.SetOracle(ctx, as(owner), testutil.Addr(0x0B), h.feed))

	other := testutil.Addr(0xC1)
	require.NoError(t, h.eng.SetAcceptedAssets(ctx, as(owner), []common.Address{other}))
	_, err = h.eng.CreateLot(ctx, as(alice), lotParams(10))
	require.ErrorIs(t, err, state.ErrAssetNotAccepted)

	require.ErrorIs(t, h.eng.RenounceOwnership(ctx, as(owner)), state.ErrRenounceDisabled)
	require.ErrorIs(t, h.eng.TransferOwnership(ctx, as(owner), common.Address{}), state.ErrRenounceDisabled)
	require.NoError(t, h.eng.TransferOwnership(ctx, as(owner), carol))
	require.ErrorIs(t, h.eng.Pause(ctx, as(owner)), state.ErrUnauthorized)

	admin, err := h.eng.Admin(ctx)
	require.NoError(t, err)
	assert.Equal(t, carol, admin.Owner)
	assert.Equal(t, testutil.Addr(0x0B), admin.Oracle)
	assert.Equal(t, []common.Address{other}, admin.AcceptedAssets)
}

func TestEngine_ReentrantCallsAreRefused(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(10))

	var joinErr, queryErr error
	h.vault.SetTransferHook(func(hctx context.Context, _, _ common.Address, _ *uint256.Int) error {
		joinErr = h.eng.JoinLot(hctx, as(carol), id, "BTC", amt(4))
		_, queryErr = h.eng.Lot(hctx, id)
		return nil
	})

	h.join(t, bob, id, "BTC", 4)
	require.ErrorIs(t, joinErr, state.ErrReentrantCall)
	require.ErrorIs(t, queryErr, state.ErrReentrantCall)

	pv, err := h.eng.Participant(ctx, id, carol)
	require.NoError(t, err)
	assert.Equal(t, "none", pv.Side)
}

func TestEngine_DuplicateRequestID(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(10))

	call := core.Call{Caller: bob, RequestID: "req-1"}
	require.NoError(t, h.eng.JoinLot(ctx, call, id, "BTC", amt(4)))
	err := h.eng.JoinLot(ctx, call, id, "BTC", amt(4))
	require.ErrorIs(t, err, state.ErrDuplicateRequest)

	lot, err := h.eng.Lot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), lot.TotalB.Uint64())

	// Request ids are scoped per operation.
	h.clock.Set(start)
	_, err = h.eng.WithdrawRefund(ctx, call, []uint64{id})
	require.NoError(t, err)
}

func TestEngine_FailedPayoutRollsBack(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(100))
	h.join(t, bob, id, "BTC", 100)
	h.prices(t, 100, 110, 50, 50)
	h.clock.Set(end)
	h.drain()

	boom := errors.New("custody offline")
	h.vault.SetTransferHook(func(_ context.Context, _, to common.Address, _ *uint256.Int) error {
		if to == alice {
			return boom
		}
		return nil
	})

	_, err := h.eng.WithdrawClaim(ctx, as(alice), []uint64{id})
	require.ErrorIs(t, err, state.ErrTransferError)
	assert.Equal(t, state.KindTransfer, state.KindOf(err))

	lot, err := h.eng.Lot(ctx, id)
	require.NoError(t, err)
	assert.False(t, lot.Resolved)
	assert.False(t, lot.Claimed[alice])
	escrow, err := h.eng.LotEscrow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), escrow.Uint64())
	assert.Empty(t, h.drain())
	assert.Equal(t, int64(2), h.eng.GetSequence())

	h.vault.SetTransferHook(nil)
	got, err := h.eng.WithdrawClaim(ctx, as(alice), []uint64{id})
	require.NoError(t, err)
	assert.Equal(t, uint64(190), got[0].Uint64())
	require.NoError(t, h.eng.CheckInvariants())
}

func TestEngine_FailedPayoutKeepsEarlierLotsPaid(t *testing.T) {
	h := newHarness(t, 5)
	first := h.create(t, alice, lotParams(100))
	h.join(t, bob, first, "BTC", 100)
	second := h.create(t, alice, lotParams(100))
	h.join(t, bob, second, "BTC", 100)
	h.prices(t, 100, 110, 50, 50)
	h.clock.Set(end)
	h.drain()
	before := balance(h, alice)

	boom := errors.New("custody offline")
	transfers := 0
	h.vault.SetTransferHook(func(_ context.Context, _, to common.Address, _ *uint256.Int) error {
		if to != alice {
			return nil
		}
		transfers++
		if transfers == 2 {
			return boom
		}
		return nil
	})

	_, err := h.eng.WithdrawClaim(ctx, as(alice), []uint64{first, second})
	require.ErrorIs(t, err, state.ErrTransferError)
	assert.Equal(t, before+190, balance(h, alice))

	paid, err := h.eng.Lot(ctx, first)
	require.NoError(t, err)
	assert.True(t, paid.Resolved)
	assert.True(t, paid.Claimed[alice])
	unpaid, err := h.eng.Lot(ctx, second)
	require.NoError(t, err)
	assert.False(t, unpaid.Resolved)
	assert.False(t, unpaid.Claimed[alice])

	outs := h.drain()
	require.Len(t, outs, 2)
	assert.Equal(t, event.EventTypeLotResolved, outs[0].Envelope.EventType)
	assert.Equal(t, event.EventTypeClaimWithdrawn, outs[1].Envelope.EventType)
	assert.Equal(t, first, outs[1].Envelope.LotID)
	require.NoError(t, h.eng.CheckInvariants())

	h.vault.SetTransferHook(nil)
	_, err = h.eng.WithdrawClaim(ctx, as(alice), []uint64{first})
	require.ErrorIs(t, err, state.ErrAlreadyWithdrawn)

	got, err := h.eng.WithdrawClaim(ctx, as(alice), []uint64{second})
	require.NoError(t, err)
	assert.Equal(t, uint64(190), got[0].Uint64())
	assert.Equal(t, before+380, balance(h, alice))

	// Custody holds exactly what the ledger says it should.
	pool, err := h.vault.CustodyBalance(ctx, usdc)
	require.NoError(t, err)
	assert.Equal(t, h.eng.Held()[usdc].Uint64(), pool.Uint64())
	require.NoError(t, h.eng.CheckInvariants())
}

func TestEngine_FeeOnTransferCreditsReceived(t *testing.T) {
	h := newHarness(t, 5)
	h.vault.SetTransferFee(usdc, 100)

	id := h.create(t, alice, lotParams(1000))
	lot, err := h.eng.Lot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(990), lot.TotalA.Uint64())

	outs := h.drain()
	require.Len(t, outs, 1)
	created, err := event.Decode(outs[0].Envelope.EventType, outs[0].Envelope.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(990), created.(*event.LotCreated).Received.Uint64())

	h.vault.SetTransferFee(usdc, 10_000)
	err = h.eng.JoinLot(ctx, as(bob), id, "BTC", amt(100))
	require.ErrorIs(t, err, state.ErrTransferError)
}

// inflowCustody reports one extra unit in the pool after every deposit, as
// custody that also counts an unrelated inflow would.
type inflowCustody struct {
	*custody.Vault
	extra uint64
}

func (c *inflowCustody) TransferIn(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	if err := c.Vault.TransferIn(ctx, asset, from, amount); err != nil {
		return err
	}
	c.extra++
	return nil
}

func (c *inflowCustody) CustodyBalance(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	b, err := c.Vault.CustodyBalance(ctx, asset)
	if err != nil {
		return nil, err
	}
	return b.AddUint64(b, c.extra), nil
}

func TestEngine_FailedDepositIsReturned(t *testing.T) {
	h := newHarness(t, 5)
	eng, err := core.NewEngine(core.Config{
		Owner:          owner,
		FeePercentage:  5,
		AcceptedAssets: []common.Address{usdc},
		OracleAddress:  oracleAddr,
	}, core.Deps{
		Clock:  h.clock,
		Escrow: &inflowCustody{Vault: h.vault},
		Oracle: h.feed,
	})
	require.NoError(t, err)

	_, err = eng.CreateLot(ctx, as(alice), lotParams(100))
	require.ErrorIs(t, err, state.ErrTransferError)

	assert.Equal(t, uint64(1_000_000), balance(h, alice))
	pool, err := h.vault.CustodyBalance(ctx, usdc)
	require.NoError(t, err)
	assert.True(t, pool.IsZero(), pool.Dec())
	exists, err := eng.Exists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(0), eng.GetSequence())
}

// ============================================================================
// Test: recovery
// ============================================================================

func TestEngine_ReplayReproducesState(t *testing.T) {
	h := newHarness(t, 5)
	one := h.create(t, alice, lotParams(100))
	h.join(t, bob, one, "BTC", 40)
	p := lotParams(30)
	p.Private = true
	two := h.create(t, carol, p)
	require.NoError(t, h.eng.Invite(ctx, as(carol), two, []common.Address{dave}))
	h.join(t, dave, two, "BTC", 30)
	h.prices(t, 100, 110, 50, 50)

	live := h.drain()
	snap := h.eng.CreateSnapshotState()

	h.clock.Set(end)
	_, err := h.eng.WithdrawRefund(ctx, core.Call{Caller: alice, RequestID: "r-1"}, []uint64{one})
	require.NoError(t, err)
	_, err = h.eng.WithdrawClaim(ctx, as(bob), []uint64{one})
	require.NoError(t, err)
	_, err = h.eng.WithdrawClaim(ctx, as(dave), []uint64{two})
	require.NoError(t, err)
	require.NoError(t, h.eng.SetFeePercentage(ctx, as(owner), 3))
	_, err = h.eng.WithdrawFees(ctx, as(owner), usdc)
	require.NoError(t, err)
	tail := h.drain()

	// Full replay from genesis.
	fresh := h.newEngine(t, 5)
	for _, o := range append(live, tail...) {
		require.NoError(t, fresh.Replay(o.Envelope))
	}
	assert.Equal(t, h.eng.GetStateHash(), fresh.GetStateHash())
	assert.Equal(t, h.eng.GetSequence(), fresh.GetSequence())
	require.NoError(t, fresh.CheckInvariants())

	// Snapshot through JSON, then replay the tail.
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded core.SnapshotState
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored := h.newEngine(t, 5)
	require.NoError(t, restored.RestoreFromSnapshot(&decoded))
	for _, o := range tail {
		require.NoError(t, restored.Replay(o.Envelope))
	}
	assert.Equal(t, h.eng.GetStateHash(), restored.GetStateHash())

	fee, err := restored.FeePercentage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), fee)
	lot, err := restored.Lot(ctx, one)
	require.NoError(t, err)
	assert.True(t, lot.Claimed[bob])
	assert.True(t, lot.Refunded[alice])

	_, err = restored.WithdrawRefund(ctx, core.Call{Caller: alice, RequestID: "r-1"}, []uint64{one})
	require.ErrorIs(t, err, state.ErrDuplicateRequest)
}

func TestEngine_ReplayRejectsTamperedEvent(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, alice, lotParams(10))
	h.join(t, bob, id, "BTC", 4)
	outs := h.drain()

	fresh := h.newEngine(t, 5)
	require.NoError(t, fresh.Replay(outs[0].Envelope))

	tampered := *outs[1].Envelope
	tampered.StateHash[0] ^= 0xFF
	require.Error(t, fresh.Replay(&tampered))

	skipped := h.newEngine(t, 5)
	require.Error(t, skipped.Replay(outs[1].Envelope))
}
