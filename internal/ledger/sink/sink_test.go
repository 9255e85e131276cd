package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"streamdesk/internal/model"
)

func TestMemSink_AppendWithCap(t *testing.T) {
	s := NewMemSink(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.AppendTrade(ctx, model.Trade{
			Symbol: "BTCUSDT", Side: model.SideBuy, PnLCents: int64(i), Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("append trade: %v", err)
		}
		if err := s.AppendLog(ctx, fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	trades := s.Trades()
	if len(trades) != 3 {
		t.Fatalf("expected 3 retained trades, got %d", len(trades))
	}
	// Most recent survive, oldest evicted.
	if trades[0].PnLCents != 2 || trades[2].PnLCents != 4 {
		t.Fatalf("unexpected retained window: %+v", trades)
	}

	logs := s.Logs()
	if len(logs) != 3 || logs[0] != "line 2" || logs[2] != "line 4" {
		t.Fatalf("unexpected retained logs: %v", logs)
	}
}

func TestMemSink_Balances(t *testing.T) {
	s := NewMemSink(10)
	ctx := context.Background()

	if _, ok, err := s.LoadBalances(ctx); ok || err != nil {
		t.Fatalf("expected no balances before save, ok=%v err=%v", ok, err)
	}

	want := Balances{WalletCents: 1258800, PoolCents: 2433300}
	if err := s.SaveBalances(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.LoadBalances(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestLoggingSink_DelegatesToInner(t *testing.T) {
	inner := NewMemSink(10)
	s := &LoggingSink{Inner: inner, Enabled: false}
	ctx := context.Background()

	if err := s.AppendTrade(ctx, model.Trade{Symbol: "ETHUSDT", Side: model.SideSell, PnLCents: -42}); err != nil {
		t.Fatalf("append trade: %v", err)
	}
	if err := s.AppendLog(ctx, "hello"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if err := s.SaveBalances(ctx, Balances{WalletCents: 1, PoolCents: 2}); err != nil {
		t.Fatalf("save balances: %v", err)
	}

	if got := inner.Trades(); len(got) != 1 || got[0].PnLCents != -42 {
		t.Fatalf("inner did not receive trade: %+v", got)
	}
	if got := inner.Logs(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("inner did not receive log: %v", got)
	}
	bal, ok, err := s.LoadBalances(ctx)
	if err != nil || !ok || bal.WalletCents != 1 {
		t.Fatalf("load through decorator: %+v ok=%v err=%v", bal, ok, err)
	}
}
