package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSystem AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// System sub-types
	SubTypeLotEscrow AccountSubType = iota
	SubTypeProtocolFees

	// External sub-types, one per counterparty address
	SubTypeExternalDeposits
	SubTypeExternalPayouts
)

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope   AccountScope   `json:"scope"`
	Owner   common.Address `json:"owner"`
	LotID   uint64         `json:"lot_id"`
	SubType AccountSubType `json:"sub_type"`
	Asset   common.Address `json:"asset"`
}

// LotEscrowKey holds everything deposited into one lot and not yet paid out.
func LotEscrowKey(lotID uint64, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		LotID:   lotID,
		SubType: SubTypeLotEscrow,
		Asset:   asset,
	}
}

// ProtocolFeesKey accrues resolution fees per asset.
func ProtocolFeesKey(asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypeProtocolFees,
		Asset:   asset,
	}
}

// ExternalKey is the boundary account of one counterparty. Its balance is
// negative by what the counterparty paid in and positive by what it received.
func ExternalKey(owner common.Address, subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		Owner:   owner,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeSystem:
		if k.SubType == SubTypeLotEscrow {
			return fmt.Sprintf("system:lot:%d:%s:%s", k.LotID, k.subTypeName(), k.Asset.Hex())
		}
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s:%s", k.subTypeName(), k.Owner.Hex(), k.Asset.Hex())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeLotEscrow:
		return "escrow"
	case SubTypeProtocolFees:
		return "fees"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalPayouts:
		return "payouts"
	default:
		return "unknown"
	}
}
