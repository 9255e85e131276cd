// Package coalesce bounds the rate at which inbound ticker messages reach
// subscribers. Messages are staged in a symbol-keyed scratch map
// (last-write-wins within a flush window) and merged into the visible table
// at a fixed cadence, so the observed update rate is capped by the flush
// interval regardless of the inbound message rate.
package coalesce

import (
	"sync"
	"time"

	"streamdesk/internal/model"
)

// DefaultFlushInterval approximates a display refresh tick.
const DefaultFlushInterval = 16 * time.Millisecond

// Coalescer buffers tickers and flushes the merged map at a bounded rate.
type Coalescer struct {
	mu         sync.Mutex
	pending    map[string]model.Ticker
	table      map[string]model.Ticker
	timerArmed bool
	interval   time.Duration
	subs       []chan struct{}

	// Metrics hooks (optional).
	OnFlush func(batchSize int)
	OnDrop  func() // subscriber channel full
}

// New creates a Coalescer with the default flush interval.
func New() *Coalescer {
	return NewWithInterval(DefaultFlushInterval)
}

// NewWithInterval creates a Coalescer flushing at the given cadence.
func NewWithInterval(interval time.Duration) *Coalescer {
	return &Coalescer{
		pending:  make(map[string]model.Ticker),
		table:    make(map[string]model.Ticker),
		interval: interval,
	}
}

// Ingest stages a ticker, overwriting any pending value for the same symbol.
// If no flush is scheduled, one is armed for the next cadence tick.
func (c *Coalescer) Ingest(t model.Ticker) {
	c.mu.Lock()
	c.pending[t.Symbol] = t
	if !c.timerArmed {
		c.timerArmed = true
		time.AfterFunc(c.interval, c.Flush)
	}
	c.mu.Unlock()
}

// Flush merges the scratch map into the visible table (union merge: symbols
// absent from this window are retained), clears the scratch map, and
// notifies subscribers once. Normally driven by the armed timer; exported so
// tests can force a flush boundary.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	batch := len(c.pending)
	for sym, t := range c.pending {
		c.table[sym] = t
	}
	if batch > 0 {
		c.pending = make(map[string]model.Ticker)
	}
	c.timerArmed = false
	subs := make([]chan struct{}, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	if batch == 0 {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
			if c.OnDrop != nil {
				c.OnDrop()
			}
		}
	}
	if c.OnFlush != nil {
		c.OnFlush(batch)
	}
}

// Subscribe returns a channel that receives one signal per flush.
// Slow subscribers miss signals rather than blocking the flush.
func (c *Coalescer) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Get returns the flushed ticker for one symbol.
func (c *Coalescer) Get(symbol string) (model.Ticker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.table[symbol]
	return t, ok
}

// Snapshot returns a copy of the visible ticker table.
func (c *Coalescer) Snapshot() map[string]model.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.Ticker, len(c.table))
	for sym, t := range c.table {
		out[sym] = t
	}
	return out
}

// Reset drops both the scratch map and the visible table.
func (c *Coalescer) Reset() {
	c.mu.Lock()
	c.pending = make(map[string]model.Ticker)
	c.table = make(map[string]model.Ticker)
	c.mu.Unlock()
}
