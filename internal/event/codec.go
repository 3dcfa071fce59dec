package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event payload for the envelope.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode rebuilds a typed event from a stored payload.
func Decode(t EventType, payload []byte) (Event, error) {
	var evt Event
	switch t {
	case EventTypeLotCreated:
		evt = &LotCreated{}
	case EventTypeParticipantInvited:
		evt = &ParticipantInvited{}
	case EventTypeLotJoined:
		evt = &LotJoined{}
	case EventTypeLotResolved:
		evt = &LotResolved{}
	case EventTypeClaimWithdrawn:
		evt = &ClaimWithdrawn{}
	case EventTypeRefundWithdrawn:
		evt = &RefundWithdrawn{}
	case EventTypeFeeWithdrawn:
		evt = &FeeWithdrawn{}
	case EventTypeAssetsUpdated:
		evt = &AssetsUpdated{}
	case EventTypeOracleUpdated:
		evt = &OracleUpdated{}
	case EventTypeFeeUpdated:
		evt = &FeeUpdated{}
	case EventTypePaused:
		evt = &Paused{}
	case EventTypeUnpaused:
		evt = &Unpaused{}
	case EventTypeOwnershipTransferred:
		evt = &OwnershipTransferred{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return evt, nil
}
