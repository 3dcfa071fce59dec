package event

import (
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type LotCreated struct {
	Lot            uint64         `json:"lot_id"`
	Creator        common.Address `json:"creator"`
	Primary        string         `json:"primary"`
	CounterChoices []string       `json:"counter_choices"`
	Asset          common.Address `json:"asset"`
	Size           *uint256.Int   `json:"size"`
	Received       *uint256.Int   `json:"received"`
	StartTime      time.Time      `json:"start_time"`
	Duration       time.Duration  `json:"duration"`
	Private        bool           `json:"private"`
	Challenge      bool           `json:"challenge"`
	Basket         bool           `json:"basket"`
}

func (e *LotCreated) EventType() EventType { return EventTypeLotCreated }
func (e *LotCreated) LotID() uint64        { return e.Lot }

type ParticipantInvited struct {
	Lot     uint64         `json:"lot_id"`
	Inviter common.Address `json:"inviter"`
	Invitee common.Address `json:"invitee"`
}

func (e *ParticipantInvited) EventType() EventType { return EventTypeParticipantInvited }
func (e *ParticipantInvited) LotID() uint64        { return e.Lot }

// LotJoined records a deposit. Received may be lower than Requested for
// assets with a transfer fee.
type LotJoined struct {
	Lot         uint64         `json:"lot_id"`
	Participant common.Address `json:"participant"`
	Instrument  string         `json:"instrument"`
	Side        string         `json:"side"`
	Asset       common.Address `json:"asset"`
	Requested   *uint256.Int   `json:"requested"`
	Received    *uint256.Int   `json:"received"`
}

func (e *LotJoined) EventType() EventType { return EventTypeLotJoined }
func (e *LotJoined) LotID() uint64        { return e.Lot }

type LotResolved struct {
	Lot         uint64         `json:"lot_id"`
	Asset       common.Address `json:"asset"`
	Outcome     fpmath.Outcome `json:"outcome"`
	Winner      string         `json:"winner"`
	StartPriceA *uint256.Int   `json:"start_price_a"`
	EndPriceA   *uint256.Int   `json:"end_price_a"`
	StartPriceB *uint256.Int   `json:"start_price_b"`
	EndPriceB   *uint256.Int   `json:"end_price_b"`
	Matched     *uint256.Int   `json:"matched"`
	FeePerSide  *uint256.Int   `json:"fee_per_side"`
	FeeAccrued  *uint256.Int   `json:"fee_accrued"`
	ClaimPoolA  *uint256.Int   `json:"claim_pool_a"`
	ClaimPoolB  *uint256.Int   `json:"claim_pool_b"`
	ResolvedAt  time.Time      `json:"resolved_at"`
}

func (e *LotResolved) EventType() EventType { return EventTypeLotResolved }
func (e *LotResolved) LotID() uint64        { return e.Lot }

type ClaimWithdrawn struct {
	Lot         uint64         `json:"lot_id"`
	Participant common.Address `json:"participant"`
	Asset       common.Address `json:"asset"`
	Amount      *uint256.Int   `json:"amount"`
}

func (e *ClaimWithdrawn) EventType() EventType { return EventTypeClaimWithdrawn }
func (e *ClaimWithdrawn) LotID() uint64        { return e.Lot }

type RefundWithdrawn struct {
	Lot         uint64         `json:"lot_id"`
	Participant common.Address `json:"participant"`
	Asset       common.Address `json:"asset"`
	Amount      *uint256.Int   `json:"amount"`
}

func (e *RefundWithdrawn) EventType() EventType { return EventTypeRefundWithdrawn }
func (e *RefundWithdrawn) LotID() uint64        { return e.Lot }
