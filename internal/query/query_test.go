package query_test

import (
	"context"
	"testing"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/custody"
	"LotLedger/internal/oracle"
	"LotLedger/internal/persistence"
	"LotLedger/internal/projection"
	"LotLedger/internal/query"
	"LotLedger/internal/state"
	"LotLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start = t0.Add(time.Hour)
	end   = start.Add(24 * time.Hour)

	owner = testutil.Addr(0xA0)
	usdc  = testutil.Addr(0xC0)
	alice = testutil.Addr(1)
	bob   = testutil.Addr(2)
)

// settledOutputs runs one 100/100 lot to a primary win with a 5% fee and
// alice's claim, returning the engine outputs.
func settledOutputs(t *testing.T) []core.CoreOutput {
	t.Helper()
	ctx := context.Background()
	out := make(chan core.CoreOutput, 64)
	vault := custody.NewVault()
	vault.Credit(usdc, alice, testutil.Amount(1_000))
	vault.Credit(usdc, bob, testutil.Amount(1_000))
	feed := oracle.NewFeedStore()
	clock := testutil.NewManualClock(t0)

	eng, err := core.NewEngine(core.Config{
		Owner:          owner,
		FeePercentage:  5,
		AcceptedAssets: []common.Address{usdc},
		OracleAddress:  testutil.Addr(0x0A),
	}, core.Deps{Clock: clock, Escrow: vault, Oracle: feed, PersistChan: out})
	require.NoError(t, err)

	id, err := eng.CreateLot(ctx, core.Call{Caller: alice, RequestID: "create-1"}, state.CreateParams{
		Primary:        "ETH",
		CounterChoices: []string{"BTC"},
		Size:           testutil.Amount(100),
		Asset:          usdc,
		StartTime:      start,
		Duration:       24 * time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, eng.JoinLot(ctx, core.Call{Caller: bob, RequestID: "join-1"}, id, "BTC", testutil.Amount(100)))

	for i, p := range []struct {
		instr string
		at    time.Time
		price uint64
	}{{"ETH", start, 100}, {"BTC", start, 50}, {"ETH", end, 110}, {"BTC", end, 50}} {
		_, err := feed.Apply(ctx, oracle.PriceUpdate{Instrument: p.instr, Price: testutil.Amount(p.price), Timestamp: p.at, Sequence: int64(i + 1)})
		require.NoError(t, err)
	}
	clock.Set(end)
	_, err = eng.WithdrawClaim(ctx, core.Call{Caller: alice, RequestID: "claim-1"}, []uint64{id})
	require.NoError(t, err)

	close(out)
	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return outputs
}

func TestQueryService_ReadModels(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	outputs := settledOutputs(t)
	require.Len(t, outputs, 4)

	var events []persistence.EventRow
	var journals []persistence.JournalRow
	for _, o := range outputs {
		row, js := persistence.Rows(o)
		events = append(events, row)
		journals = append(journals, js...)
	}
	w := persistence.NewEventLogWriter(db)
	require.NoError(t, w.WriteEventBatch(ctx, db, events))
	require.NoError(t, w.WriteJournalBatch(ctx, db, journals))

	ch := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		ch <- o
	}
	close(ch)
	worker := projection.NewProjectionWorker(db, ch, nil)
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, int64(4), worker.LastSequence())

	qs := query.NewQueryService(db)

	t.Run("lot", func(t *testing.T) {
		lot, err := qs.GetLot(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, lot)
		assert.True(t, lot.Resolved)
		assert.Equal(t, "ETH", lot.Winner)
		assert.True(t, decimal.NewFromInt(10).Equal(lot.FeeAccrued))
		assert.Equal(t, int64(4), lot.AsOfSequence)

		missing, err := qs.GetLot(ctx, 2)
		require.NoError(t, err)
		assert.Nil(t, missing)

		resolved := true
		lots, err := qs.ListLots(ctx, query.LotFilter{Creator: alice.Hex(), Resolved: &resolved})
		require.NoError(t, err)
		assert.Len(t, lots, 1)
	})

	t.Run("balances", func(t *testing.T) {
		bal, err := qs.GetBalance(ctx, alice, usdc)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(100).Equal(bal.Deposited), bal.Deposited.String())
		assert.True(t, decimal.NewFromInt(190).Equal(bal.Received), bal.Received.String())
		assert.True(t, decimal.NewFromInt(90).Equal(bal.Net))

		sys, err := qs.GetSystemBalances(ctx, usdc)
		require.NoError(t, err)
		assert.True(t, sys.Escrowed.IsZero(), sys.Escrowed.String())
		assert.True(t, decimal.NewFromInt(10).Equal(sys.AccruedFees))
	})

	t.Run("participations and journals", func(t *testing.T) {
		ps, err := qs.GetParticipations(ctx, alice, 0)
		require.NoError(t, err)
		require.Len(t, ps, 1)
		assert.Equal(t, "A", ps[0].Side)
		assert.True(t, ps[0].Claimed)

		entries, err := qs.GetJournalHistory(ctx, alice, 10, nil)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "claim", entries[0].JournalType)

		after := entries[0].Sequence
		older, err := qs.GetJournalHistory(ctx, alice, 10, &after)
		require.NoError(t, err)
		assert.Len(t, older, 1)

		evts, err := qs.GetLotEvents(ctx, 1, 0)
		require.NoError(t, err)
		assert.Len(t, evts, 4)
	})

	t.Run("integrity", func(t *testing.T) {
		report, err := qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsHealthy, "%+v", report)
	})
}
