package state_test

import (
	"testing"
	"time"

	"LotLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now     = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice   = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol   = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	dave    = common.HexToAddress("0x000000000000000000000000000000000000da7e")
	acceptU = func(a common.Address) bool { return a == usdc }
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func params() state.CreateParams {
	return state.CreateParams{
		Primary:        "ETH",
		CounterChoices: []string{"BTC"},
		Size:           amt(10),
		Asset:          usdc,
		StartTime:      now.Add(time.Hour),
		Duration:       24 * time.Hour,
	}
}

// ============================================================================
// Test: creation validation
// ============================================================================

func TestValidateCreate(t *testing.T) {
	r := state.NewLotRegistry()

	tests := []struct {
		name   string
		mutate func(p *state.CreateParams)
		want   error
	}{
		{"zero size", func(p *state.CreateParams) { p.Size = amt(0) }, state.ErrSizeMustBePositive},
		{"start now", func(p *state.CreateParams) { p.StartTime = now }, state.ErrStartTimeInPast},
		{"zero duration", func(p *state.CreateParams) { p.Duration = 0 }, state.ErrInvalidDuration},
		{"max duration", func(p *state.CreateParams) { p.Duration = state.MaxDuration }, state.ErrInvalidDuration},
		{"unknown asset", func(p *state.CreateParams) { p.Asset = bob }, state.ErrAssetNotAccepted},
		{"empty primary", func(p *state.CreateParams) { p.Primary = "" }, state.ErrEmptyInstrument},
		{"empty choice", func(p *state.CreateParams) { p.CounterChoices = []string{""} }, state.ErrEmptyInstrument},
		{"choice equals primary", func(p *state.CreateParams) { p.CounterChoices = []string{"ETH"} }, state.ErrDuplicateInstrument},
		{"repeated choice", func(p *state.CreateParams) { p.CounterChoices = []string{"BTC", "BTC"} }, state.ErrDuplicateInstrument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params()
			tt.mutate(&p)
			err := r.ValidateCreate(p, now, acceptU)
			require.ErrorIs(t, err, tt.want)
		})
	}

	require.NoError(t, r.ValidateCreate(params(), now, acceptU))
}

func TestNewLot_DerivedFields(t *testing.T) {
	r := state.NewLotRegistry()

	single := r.NewLot(params(), alice)
	assert.Equal(t, uint64(1), single.ID)
	assert.Equal(t, "BTC", single.Counter)
	assert.False(t, single.Basket)
	require.NoError(t, r.Insert(single))

	p := params()
	p.CounterChoices = nil
	p.Private = true
	basket := r.NewLot(p, alice)
	assert.Equal(t, uint64(2), basket.ID)
	assert.True(t, basket.Basket)
	assert.Empty(t, basket.Counter)
	assert.True(t, basket.Invited[alice])
	require.NoError(t, r.Insert(basket))

	p = params()
	p.CounterChoices = []string{"BTC", "SOL"}
	multi := r.NewLot(p, alice)
	assert.Empty(t, multi.Counter)
	assert.True(t, multi.IsAllowedChoice("SOL"))
	assert.False(t, multi.IsAllowedChoice("DOGE"))
}

// ============================================================================
// Test: existence and invitations
// ============================================================================

func TestExistsAndGet(t *testing.T) {
	r := state.NewLotRegistry()
	assert.False(t, r.Exists(0))
	assert.False(t, r.Exists(1))

	require.NoError(t, r.Insert(r.NewLot(params(), alice)))
	assert.True(t, r.Exists(1))
	assert.False(t, r.Exists(2))

	_, err := r.Get(2)
	require.ErrorIs(t, err, state.ErrInvalidLotID)
	assert.Equal(t, state.KindState, state.KindOf(err))
}

func TestInsert_RejectsWrongID(t *testing.T) {
	r := state.NewLotRegistry()
	lot := r.NewLot(params(), alice)
	lot.ID = 5
	require.Error(t, r.Insert(lot))
}

func TestCheckInvite(t *testing.T) {
	r := state.NewLotRegistry()

	public := r.NewLot(params(), alice)
	require.ErrorIs(t, r.CheckInvite(public, alice, []common.Address{bob}), state.ErrLotNotPrivate)

	p := params()
	p.Private = true
	private := r.NewLot(p, alice)
	require.ErrorIs(t, r.CheckInvite(private, bob, []common.Address{carol}), state.ErrNotInvited)
	require.ErrorIs(t, r.CheckInvite(private, alice, nil), state.ErrEmptyInviteList)
	require.NoError(t, r.CheckInvite(private, alice, []common.Address{bob}))

	r.AddInvites(private, []common.Address{bob})
	require.NoError(t, r.CheckInvite(private, bob, []common.Address{carol}))
}

func TestRestore_RequiresDenseIDs(t *testing.T) {
	r := state.NewLotRegistry()
	lot := r.NewLot(params(), alice)
	lot.ID = 2
	require.Error(t, r.Restore([]*state.Lot{lot}))
}
