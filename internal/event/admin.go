package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type FeeWithdrawn struct {
	Asset  common.Address `json:"asset"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *FeeWithdrawn) EventType() EventType { return EventTypeFeeWithdrawn }
func (e *FeeWithdrawn) LotID() uint64        { return 0 }

type AssetsUpdated struct {
	Assets []common.Address `json:"assets"`
}

func (e *AssetsUpdated) EventType() EventType { return EventTypeAssetsUpdated }
func (e *AssetsUpdated) LotID() uint64        { return 0 }

type OracleUpdated struct {
	Oracle common.Address `json:"oracle"`
}

func (e *OracleUpdated) EventType() EventType { return EventTypeOracleUpdated }
func (e *OracleUpdated) LotID() uint64        { return 0 }

type FeeUpdated struct {
	Percentage uint8 `json:"percentage"`
}

func (e *FeeUpdated) EventType() EventType { return EventTypeFeeUpdated }
func (e *FeeUpdated) LotID() uint64        { return 0 }

type Paused struct {
	By common.Address `json:"by"`
}

func (e *Paused) EventType() EventType { return EventTypePaused }
func (e *Paused) LotID() uint64        { return 0 }

type Unpaused struct {
	By common.Address `json:"by"`
}

func (e *Unpaused) EventType() EventType { return EventTypeUnpaused }
func (e *Unpaused) LotID() uint64        { return 0 }

type OwnershipTransferred struct {
	Previous common.Address `json:"previous"`
	New      common.Address `json:"new"`
}

func (e *OwnershipTransferred) EventType() EventType { return EventTypeOwnershipTransferred }
func (e *OwnershipTransferred) LotID() uint64        { return 0 }
