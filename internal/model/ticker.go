package model

import (
	"encoding/json"
	"time"
)

// Ticker is a point-in-time quote for one symbol, produced by the broadcast
// mini-ticker feed. A Ticker is immutable once constructed; a later message
// for the same symbol supersedes it rather than mutating it.
type Ticker struct {
	Symbol      string    `json:"symbol"`
	Last        float64   `json:"last"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	BaseVolume  float64   `json:"base_volume"`
	QuoteVolume float64   `json:"quote_volume"`
	EventTime   time.Time `json:"event_time"` // exchange event time (UTC)
}

// ChangePct returns the session change as a fraction of the open price.
// Returns 0 when the open price is unknown.
func (t *Ticker) ChangePct() float64 {
	if t.Open == 0 {
		return 0
	}
	return (t.Last - t.Open) / t.Open
}

// JSON returns the JSON-encoded ticker (ignoring errors for hot-path usage).
func (t *Ticker) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
