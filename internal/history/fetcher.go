// Package history loads past candles for a symbol/interval over the
// provider's REST endpoint. Fetches are generation-tokened: a new request
// for a different symbol or interval cancels the in-flight one, and a
// completion whose generation is no longer current is discarded before it
// can touch the exposed buffer.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"streamdesk/internal/endpoint"
	"streamdesk/internal/model"
)

const (
	// DefaultLimit is the number of bars requested per fetch.
	DefaultLimit = 500

	fetchTimeout = 10 * time.Second
)

// Fetcher fetches historical candles and owns the exposed buffer.
// Only the most-recently-requested symbol/interval's data is ever written
// to the buffer, even under rapid successive switches.
type Fetcher struct {
	resolver *endpoint.Resolver
	client   *http.Client
	limit    int

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	candles  []model.Candle
	symbol   string
	interval string

	// Metrics hooks (optional).
	OnRetry     func() // cross-region retry issued
	OnCancelled func() // fetch cancelled or completion discarded as stale
}

// NewFetcher creates a Fetcher against the resolver's endpoints.
func NewFetcher(resolver *endpoint.Resolver) *Fetcher {
	return &Fetcher{
		resolver: resolver,
		client:   &http.Client{Timeout: fetchTimeout},
		limit:    DefaultLimit,
	}
}

// Request starts an asynchronous fetch for symbol/interval, cancelling any
// prior in-flight fetch. The returned channel closes when the attempt
// concludes (committed, failed, or discarded).
func (f *Fetcher) Request(ctx context.Context, symbol, interval string) <-chan struct{} {
	f.mu.Lock()
	f.gen++
	myGen := f.gen
	if f.cancel != nil {
		f.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		f.fetch(fetchCtx, myGen, symbol, interval)
	}()
	return done
}

// CancelAll cancels any in-flight fetch without starting a new one.
func (f *Fetcher) CancelAll() {
	f.mu.Lock()
	f.gen++ // any late completion is now stale
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.mu.Unlock()
}

// Clear drops the exposed buffer. Called on symbol/interval change; fetch
// failures never clear it, so consumers keep last-known-good data.
func (f *Fetcher) Clear() {
	f.mu.Lock()
	f.candles = nil
	f.symbol = ""
	f.interval = ""
	f.mu.Unlock()
}

// Candles returns a copy of the exposed buffer and the symbol/interval it
// belongs to.
func (f *Fetcher) Candles() ([]model.Candle, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Candle, len(f.candles))
	copy(out, f.candles)
	return out, f.symbol, f.interval
}

func (f *Fetcher) fetch(ctx context.Context, gen uint64, symbol, interval string) {
	region := f.resolver.Current()

	candles, err := f.fetchOnce(ctx, region, symbol, interval)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is expected; stay silent.
			if f.OnCancelled != nil {
				f.OnCancelled()
			}
			return
		}
		// One per-call retry against the other region, independent of the
		// connection manager's failover budget.
		if f.OnRetry != nil {
			f.OnRetry()
		}
		candles, err = f.fetchOnce(ctx, region.Other(), symbol, interval)
		if err != nil {
			if ctx.Err() != nil {
				if f.OnCancelled != nil {
					f.OnCancelled()
				}
				return
			}
			log.Printf("[history] WARNING: fetch %s/%s failed on both endpoints: %v (keeping prior data)", symbol, interval, err)
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		// A newer request superseded this one while it was in flight.
		if f.OnCancelled != nil {
			f.OnCancelled()
		}
		return
	}
	f.candles = candles
	f.symbol = symbol
	f.interval = interval
}

func (f *Fetcher) fetchOnce(ctx context.Context, region endpoint.Region, symbol, interval string) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(f.limit))
	reqURL := f.resolver.Endpoints().REST(region) + "/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("klines %s: status %d", region, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseKlines(body, symbol)
}

// parseKlines decodes the fixed-width tuple response:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, tradeCount, ...]
// where prices and volumes are decimal strings and times are epoch millis.
func parseKlines(body []byte, symbol string) ([]model.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("klines body: %w", err)
	}
	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("klines row: want >=6 fields, got %d", len(row))
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("klines open time: %w", err)
		}
		fields := make([]float64, 5)
		for i := 0; i < 5; i++ {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("klines field %d: %w", i+1, err)
			}
			fields[i], _ = strconv.ParseFloat(s, 64)
		}
		candles = append(candles, model.Candle{
			OpenTime: time.Unix(0, openTime*int64(time.Millisecond)).UTC(),
			Open:     fields[0],
			High:     fields[1],
			Low:      fields[2],
			Close:    fields[3],
			Volume:   fields[4],
			Symbol:   symbol,
			Final:    true,
		})
	}
	return candles, nil
}
