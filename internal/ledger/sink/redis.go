package sink

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"streamdesk/internal/model"
)

const (
	tradeStreamKey = "ledger:trades"
	logStreamKey   = "ledger:log"
	balancesKey    = "ledger:balances"

	// Stream trimming: append-with-cap, most recent entries retained.
	tradeStreamMaxLen = 500
	logStreamMaxLen   = 1000
)

// RedisSink appends trades and log lines to capped Redis streams and keeps
// balances in a hash.
type RedisSink struct {
	rdb *goredis.Client
}

// NewRedisSink creates a RedisSink and pings the server.
func NewRedisSink(rdb *goredis.Client) (*RedisSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb}, nil
}

func (s *RedisSink) AppendTrade(ctx context.Context, t model.Trade) error {
	err := s.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: tradeStreamKey,
		MaxLen: tradeStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"trade": string(t.JSON())},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd trade: %w", err)
	}
	return nil
}

func (s *RedisSink) AppendLog(ctx context.Context, line string) error {
	err := s.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: logStreamKey,
		MaxLen: logStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"line": line},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd log: %w", err)
	}
	return nil
}

func (s *RedisSink) SaveBalances(ctx context.Context, b Balances) error {
	err := s.rdb.HSet(ctx, balancesKey,
		"wallet_cents", b.WalletCents,
		"pool_cents", b.PoolCents,
	).Err()
	if err != nil {
		return fmt.Errorf("hset balances: %w", err)
	}
	return nil
}

func (s *RedisSink) LoadBalances(ctx context.Context) (Balances, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, balancesKey).Result()
	if err != nil {
		return Balances{}, false, fmt.Errorf("hgetall balances: %w", err)
	}
	if len(vals) == 0 {
		return Balances{}, false, nil
	}
	var b Balances
	b.WalletCents, _ = strconv.ParseInt(vals["wallet_cents"], 10, 64)
	b.PoolCents, _ = strconv.ParseInt(vals["pool_cents"], 10, 64)
	return b, true, nil
}

// LoggingSink decorates a Sink, mirroring appended lines to the process log
// when enabled. Matches the dashboard's "logging enabled" toggle.
type LoggingSink struct {
	Inner   Sink
	Enabled bool
}

func (s *LoggingSink) AppendTrade(ctx context.Context, t model.Trade) error {
	if s.Enabled {
		log.Printf("[ledger] trade %s %s qty=%.6f price=%.2f pnl=%dc", t.Side, t.Symbol, t.Qty, t.Price, t.PnLCents)
	}
	return s.Inner.AppendTrade(ctx, t)
}

func (s *LoggingSink) AppendLog(ctx context.Context, line string) error {
	if s.Enabled {
		log.Printf("[ledger] %s", line)
	}
	return s.Inner.AppendLog(ctx, line)
}

func (s *LoggingSink) SaveBalances(ctx context.Context, b Balances) error {
	return s.Inner.SaveBalances(ctx, b)
}

func (s *LoggingSink) LoadBalances(ctx context.Context) (Balances, bool, error) {
	return s.Inner.LoadBalances(ctx)
}
