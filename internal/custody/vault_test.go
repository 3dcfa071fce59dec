package custody_test

import (
	"context"
	"errors"
	"testing"

	"LotLedger/internal/custody"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

func TestVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	v := custody.NewVault()
	v.Credit(usdc, alice, uint256.NewInt(100))

	require.NoError(t, v.TransferIn(ctx, usdc, alice, uint256.NewInt(60)))
	bal, _ := v.CustodyBalance(ctx, usdc)
	assert.Equal(t, uint64(60), bal.Uint64())
	assert.Equal(t, uint64(40), v.BalanceOf(usdc, alice).Uint64())

	require.NoError(t, v.TransferOut(ctx, usdc, alice, uint256.NewInt(60)))
	assert.Equal(t, uint64(100), v.BalanceOf(usdc, alice).Uint64())

	err := v.TransferOut(ctx, usdc, alice, uint256.NewInt(1))
	require.ErrorIs(t, err, custody.ErrInsufficientFunds)
}

func TestVault_InsufficientHolderFunds(t *testing.T) {
	v := custody.NewVault()
	err := v.TransferIn(context.Background(), usdc, alice, uint256.NewInt(1))
	require.ErrorIs(t, err, custody.ErrInsufficientFunds)
}

func TestVault_TransferFeeReducesReceived(t *testing.T) {
	ctx := context.Background()
	v := custody.NewVault()
	v.SetTransferFee(usdc, 100) // 1%
	v.Credit(usdc, alice, uint256.NewInt(1_000))

	require.NoError(t, v.TransferIn(ctx, usdc, alice, uint256.NewInt(1_000)))
	bal, _ := v.CustodyBalance(ctx, usdc)
	assert.Equal(t, uint64(990), bal.Uint64())
}

func TestVault_HookAborts(t *testing.T) {
	v := custody.NewVault()
	v.Credit(usdc, alice, uint256.NewInt(5))
	boom := errors.New("boom")
	v.SetTransferHook(func(context.Context, common.Address, common.Address, *uint256.Int) error { return boom })

	require.ErrorIs(t, v.TransferIn(context.Background(), usdc, alice, uint256.NewInt(5)), boom)
	assert.Equal(t, uint64(5), v.BalanceOf(usdc, alice).Uint64())
}

func TestVault_SeedFundsPayouts(t *testing.T) {
	ctx := context.Background()
	v := custody.NewVault()
	v.Seed(usdc, uint256.NewInt(40))

	require.NoError(t, v.TransferOut(ctx, usdc, alice, uint256.NewInt(25)))
	bal, _ := v.CustodyBalance(ctx, usdc)
	assert.Equal(t, uint64(15), bal.Uint64())
	assert.Equal(t, uint64(25), v.BalanceOf(usdc, alice).Uint64())
}
