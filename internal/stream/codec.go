package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"streamdesk/internal/model"
)

// Wire structures for the provider's JSON stream messages. Prices arrive as
// decimal strings and are parsed to float64 for the display feed.

type miniTickerMsg struct {
	Event       string `json:"e"` // "24hrMiniTicker"
	EventTime   int64  `json:"E"` // epoch millis
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	BaseVolume  string `json:"v"`
	QuoteVolume string `json:"q"`
}

type klineEventMsg struct {
	Event     string `json:"e"` // "kline"
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"` // epoch millis
		Symbol   string `json:"s"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Final    bool   `json:"x"`
	} `json:"k"`
}

// ParseMiniTickers decodes one broadcast frame: a JSON array of per-symbol
// mini-ticker records.
func ParseMiniTickers(raw []byte) ([]model.Ticker, error) {
	var msgs []miniTickerMsg
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("mini-ticker frame: %w", err)
	}
	out := make([]model.Ticker, 0, len(msgs))
	for _, m := range msgs {
		if m.Symbol == "" {
			continue
		}
		out = append(out, model.Ticker{
			Symbol:      m.Symbol,
			Last:        parseDecimal(m.Close),
			Open:        parseDecimal(m.Open),
			High:        parseDecimal(m.High),
			Low:         parseDecimal(m.Low),
			BaseVolume:  parseDecimal(m.BaseVolume),
			QuoteVolume: parseDecimal(m.QuoteVolume),
			EventTime:   time.Unix(0, m.EventTime*int64(time.Millisecond)).UTC(),
		})
	}
	return out, nil
}

// ParseKlineEvent decodes one kline frame into a Candle. Returns false for
// frames that are not kline events (the feed may interleave control frames).
func ParseKlineEvent(raw []byte) (model.Candle, bool, error) {
	var msg klineEventMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Candle{}, false, fmt.Errorf("kline frame: %w", err)
	}
	if msg.Event != "kline" {
		return model.Candle{}, false, nil
	}
	k := msg.Kline
	return model.Candle{
		OpenTime: time.Unix(0, k.OpenTime*int64(time.Millisecond)).UTC(),
		Open:     parseDecimal(k.Open),
		High:     parseDecimal(k.High),
		Low:      parseDecimal(k.Low),
		Close:    parseDecimal(k.Close),
		Volume:   parseDecimal(k.Volume),
		Symbol:   msg.Symbol,
		Final:    k.Final,
	}, true, nil
}

// TickerStreamPath is the websocket path for the broadcast mini-ticker feed.
func TickerStreamPath() string {
	return "/ws/!miniTicker@arr"
}

// KlineStreamPath returns the websocket path for one symbol/interval kline feed.
func KlineStreamPath(symbol, interval string) string {
	return "/ws/" + strings.ToLower(symbol) + "@kline_" + interval
}

func parseDecimal(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
