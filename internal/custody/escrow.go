// Package custody moves lot funds between participants and the engine.
package custody

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EscrowAdapter is the custody mechanism behind the engine. The engine reads
// CustodyBalance around TransferIn and credits only the observed delta, so
// assets that charge a fee on transfer are accounted correctly.
type EscrowAdapter interface {
	CustodyBalance(ctx context.Context, asset common.Address) (*uint256.Int, error)
	TransferIn(ctx context.Context, asset, from common.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, asset, to common.Address, amount *uint256.Int) error
}
