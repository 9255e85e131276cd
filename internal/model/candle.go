package model

import (
	"encoding/json"
	"time"
)

// Candle represents one OHLCV bar for a symbol/interval pair.
// Historical candles are final; the single in-progress candle for the live
// kline feed has Final=false until the exchange closes the bucket.
type Candle struct {
	OpenTime time.Time `json:"open_time"` // bucket start time (UTC)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Symbol   string    `json:"symbol"`
	Final    bool      `json:"final"`
}

// JSON returns the JSON-encoded candle.
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
