package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLotCreated
	EventTypeParticipantInvited
	EventTypeLotJoined
	EventTypeLotResolved
	EventTypeClaimWithdrawn
	EventTypeRefundWithdrawn
	EventTypeFeeWithdrawn
	EventTypeAssetsUpdated
	EventTypeOracleUpdated
	EventTypeFeeUpdated
	EventTypePaused
	EventTypeUnpaused
	EventTypeOwnershipTransferred
)

var eventTypeNames = map[EventType]string{
	EventTypeLotCreated:           "LotCreated",
	EventTypeParticipantInvited:   "ParticipantInvited",
	EventTypeLotJoined:            "LotJoined",
	EventTypeLotResolved:          "LotResolved",
	EventTypeClaimWithdrawn:       "ClaimWithdrawn",
	EventTypeRefundWithdrawn:      "RefundWithdrawn",
	EventTypeFeeWithdrawn:         "FeeWithdrawn",
	EventTypeAssetsUpdated:        "AssetsUpdated",
	EventTypeOracleUpdated:        "OracleUpdated",
	EventTypeFeeUpdated:           "FeeUpdated",
	EventTypePaused:               "Paused",
	EventTypeUnpaused:             "Unpaused",
	EventTypeOwnershipTransferred: "OwnershipTransferred",
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Unique per event: "<EventType>:<Sequence>"
	IdempotencyKey string

	// Facade operation that produced the event, and the caller's request id
	// (empty when none was supplied)
	Operation string
	RequestID string

	// Event type discriminator
	EventType EventType

	// Lot context (0 for global events)
	LotID uint64

	// Engine clock at emission (NOT wall-clock in tests)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// LotID returns the lot context (0 for global events)
	LotID() uint64
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a stored name back to its discriminator.
func ParseEventType(name string) EventType {
	for t, n := range eventTypeNames {
		if n == name {
			return t
		}
	}
	return EventTypeUnknown
}
