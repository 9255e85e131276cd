package model

import (
	"encoding/json"
	"time"
)

// Side is the direction of a synthetic trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is an immutable record of one synthetic execution emitted by the
// ledger scheduler. PnL is stored as int64 cents to avoid float drift on
// balance arithmetic.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	PnLCents  int64     `json:"pnl_cents"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the JSON-encoded trade.
func (t *Trade) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
