// Package sink is the ledger scheduler's external store: emitted trades and
// log lines are appended with a cap, and wallet/pool balances are read and
// written through the same store the trade loop mutates.
package sink

import (
	"context"
	"sync"

	"streamdesk/internal/model"
)

// Balances is the persisted wallet/pool pair, in cents.
type Balances struct {
	WalletCents int64 `json:"wallet_cents"`
	PoolCents   int64 `json:"pool_cents"`
}

// Sink receives the scheduler's output. Append operations retain the most
// recent N entries only.
type Sink interface {
	AppendTrade(ctx context.Context, t model.Trade) error
	AppendLog(ctx context.Context, line string) error
	SaveBalances(ctx context.Context, b Balances) error
	LoadBalances(ctx context.Context) (Balances, bool, error)
}

// MemSink is an in-memory Sink for tests and Redis-less runs.
type MemSink struct {
	mu       sync.Mutex
	cap      int
	trades   []model.Trade
	logs     []string
	balances Balances
	hasBal   bool
}

// NewMemSink creates a MemSink retaining at most cap entries per stream.
func NewMemSink(cap int) *MemSink {
	if cap <= 0 {
		cap = 200
	}
	return &MemSink{cap: cap}
}

func (s *MemSink) AppendTrade(ctx context.Context, t model.Trade) error {
	s.mu.Lock()
	s.trades = append(s.trades, t)
	if len(s.trades) > s.cap {
		s.trades = s.trades[len(s.trades)-s.cap:]
	}
	s.mu.Unlock()
	return nil
}

func (s *MemSink) AppendLog(ctx context.Context, line string) error {
	s.mu.Lock()
	s.logs = append(s.logs, line)
	if len(s.logs) > s.cap {
		s.logs = s.logs[len(s.logs)-s.cap:]
	}
	s.mu.Unlock()
	return nil
}

func (s *MemSink) SaveBalances(ctx context.Context, b Balances) error {
	s.mu.Lock()
	s.balances = b
	s.hasBal = true
	s.mu.Unlock()
	return nil
}

func (s *MemSink) LoadBalances(ctx context.Context) (Balances, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances, s.hasBal, nil
}

// Trades returns a copy of the retained trades, oldest first.
func (s *MemSink) Trades() []model.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// Logs returns a copy of the retained log lines, oldest first.
func (s *MemSink) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.logs))
	copy(out, s.logs)
	return out
}
