package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientFunds = errors.New("custody: insufficient funds")

// TransferHook runs before every transfer with the caller's context. A
// non-nil error aborts the transfer.
type TransferHook func(ctx context.Context, asset, counterparty common.Address, amount *uint256.Int) error

// Vault is an in-memory custody ledger: holder balances per asset plus the
// engine's custody pool. Assets may be configured with a transfer fee that
// is burned on the way in.
type Vault struct {
	mu      sync.Mutex
	holders map[common.Address]map[common.Address]*uint256.Int
	custody map[common.Address]*uint256.Int
	feeBps  map[common.Address]uint64
	hook    TransferHook
}

func NewVault() *Vault {
	return &Vault{
		holders: make(map[common.Address]map[common.Address]*uint256.Int),
		custody: make(map[common.Address]*uint256.Int),
		feeBps:  make(map[common.Address]uint64),
	}
}

// SetTransferFee configures a fee-on-transfer in basis points for asset.
func (v *Vault) SetTransferFee(asset common.Address, bps uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feeBps[asset] = bps
}

// SetTransferHook installs a hook called before each transfer.
func (v *Vault) SetTransferHook(h TransferHook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hook = h
}

// Credit mints amount of asset to owner.
func (v *Vault) Credit(asset, owner common.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.holder(asset, owner)
	b.Add(b, amount)
}

// Seed sets the custody pool of asset, for a vault rebuilt next to a
// recovered ledger.
func (v *Vault) Seed(asset common.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pool(asset).Set(amount)
}

// BalanceOf returns owner's holding of asset.
func (v *Vault) BalanceOf(asset, owner common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.holder(asset, owner).Clone()
}

func (v *Vault) holder(asset, owner common.Address) *uint256.Int {
	m, ok := v.holders[asset]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		v.holders[asset] = m
	}
	b, ok := m[owner]
	if !ok {
		b = new(uint256.Int)
		m[owner] = b
	}
	return b
}

func (v *Vault) pool(asset common.Address) *uint256.Int {
	p, ok := v.custody[asset]
	if !ok {
		p = new(uint256.Int)
		v.custody[asset] = p
	}
	return p
}

func (v *Vault) CustodyBalance(_ context.Context, asset common.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pool(asset).Clone(), nil
}

func (v *Vault) runHook(ctx context.Context, asset, who common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	h := v.hook
	v.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, asset, who, amount)
}

func (v *Vault) TransferIn(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	if err := v.runHook(ctx, asset, from, amount); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	b := v.holder(asset, from)
	if b.Lt(amount) {
		return fmt.Errorf("transfer in %s from %s: %w", amount.Dec(), from.Hex(), ErrInsufficientFunds)
	}
	b.Sub(b, amount)

	received := amount.Clone()
	if bps := v.feeBps[asset]; bps > 0 {
		fee := new(uint256.Int).Mul(amount, uint256.NewInt(bps))
		fee.Div(fee, uint256.NewInt(10_000))
		received.Sub(received, fee)
	}
	p := v.pool(asset)
	p.Add(p, received)
	return nil
}

func (v *Vault) TransferOut(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	if err := v.runHook(ctx, asset, to, amount); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	p := v.pool(asset)
	if p.Lt(amount) {
		return fmt.Errorf("transfer out %s to %s: %w", amount.Dec(), to.Hex(), ErrInsufficientFunds)
	}
	p.Sub(p, amount)
	b := v.holder(asset, to)
	b.Add(b, amount)
	return nil
}

var _ EscrowAdapter = (*Vault)(nil)
