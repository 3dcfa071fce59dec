package oracle

import (
	"encoding/json"
	"fmt"
	"time"

	fpmath "LotLedger/internal/math"
)

// FeedMessage is the wire form of a price update on the feed. Prices are
// decimal strings, timestamps epoch microseconds.
type FeedMessage struct {
	Instrument  string `json:"instrument"`
	Price       string `json:"price,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
	Sequence    int64  `json:"sequence"`
	Invalid     bool   `json:"invalid,omitempty"`
}

// ParseUpdate decodes a feed message into a PriceUpdate.
func ParseUpdate(data []byte) (PriceUpdate, error) {
	var msg FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return PriceUpdate{}, fmt.Errorf("unmarshal price update: %w", err)
	}
	if msg.Instrument == "" {
		return PriceUpdate{}, fmt.Errorf("price update: missing instrument")
	}
	if msg.TimestampUs <= 0 {
		return PriceUpdate{}, fmt.Errorf("price update %s: missing timestamp", msg.Instrument)
	}

	u := PriceUpdate{
		Instrument: msg.Instrument,
		Timestamp:  time.UnixMicro(msg.TimestampUs).UTC(),
		Sequence:   msg.Sequence,
		Invalid:    msg.Invalid,
	}
	if msg.Price != "" {
		price, err := fpmath.ParseFixed(msg.Price, fpmath.PriceDecimals)
		if err != nil {
			return PriceUpdate{}, fmt.Errorf("price update %s: %w", msg.Instrument, err)
		}
		u.Price = price
	} else if !msg.Invalid {
		return PriceUpdate{}, fmt.Errorf("price update %s: missing price", msg.Instrument)
	}
	return u, nil
}
