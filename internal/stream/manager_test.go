package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamdesk/internal/coalesce"
	"streamdesk/internal/endpoint"
	"streamdesk/internal/history"
)

// fakeProvider serves /ping, /klines, and both websocket feeds from one
// httptest server, so the manager can run an end-to-end cycle against it.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ping":
			w.WriteHeader(http.StatusOK)

		case r.URL.Path == "/klines":
			fmt.Fprint(w, `[[1700000000000,"100","101","99","100.5","10"]]`)

		case strings.HasPrefix(r.URL.Path, "/ws/"):
			conn, err := testUpgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			payload := frameForPath(r.URL.Path)
			for {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}

		default:
			http.NotFound(w, r)
		}
	}))
}

// frameForPath builds the stream frame matching a subscription path.
func frameForPath(path string) string {
	if strings.Contains(path, "miniTicker") {
		return `[{"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"42000","o":"41000","h":"42500","l":"40800","v":"10","q":"420000"},
			{"e":"24hrMiniTicker","E":1700000000000,"s":"ETHUSDT","c":"2250","o":"2200","h":"2300","l":"2180","v":"20","q":"45000"}]`
	}
	name := strings.TrimPrefix(path, "/ws/")
	parts := strings.SplitN(name, "@kline_", 2)
	symbol, interval := strings.ToUpper(parts[0]), parts[1]
	return fmt.Sprintf(`{"e":"kline","E":1700000060000,"s":%q,"k":{"t":1700000000000,"s":%q,"i":%q,"o":"100","c":"101","h":"102","l":"99","v":"5","x":false}}`,
		symbol, symbol, interval)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_EndToEnd(t *testing.T) {
	srv := fakeProvider(t)
	defer srv.Close()

	res := endpoint.NewResolver(endpoint.Endpoints{
		PrimaryREST:   srv.URL,
		SecondaryREST: srv.URL,
		PrimaryWS:     wsURL(srv),
		SecondaryWS:   wsURL(srv),
	}, &endpoint.MemStore{})

	coal := coalesce.New()
	fetcher := history.NewFetcher(res)
	mgr := NewManager(res, coal, fetcher, Config{}, "BTCUSDT", "1m")

	if st := mgr.Status(); st.Running {
		t.Fatal("manager must start stopped")
	}

	mgr.Start(context.Background())
	defer mgr.Stop()

	waitFor(t, "ticker data in coalescer", func() bool {
		_, ok := coal.Get("BTCUSDT")
		return ok
	})
	waitFor(t, "in-progress candle", func() bool {
		c, ok := mgr.Current()
		return ok && c.Symbol == "BTCUSDT"
	})
	waitFor(t, "historical fetch", func() bool {
		candles, symbol, _ := fetcher.Candles()
		return symbol == "BTCUSDT" && len(candles) == 1
	})

	st := mgr.Status()
	if !st.Running || st.Symbol != "BTCUSDT" || st.Interval != "1m" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.TickerState != "open" || st.KlineState != "open" {
		t.Fatalf("expected both sockets open, got %+v", st)
	}
}

func TestManager_SymbolSwitchRebuildsKlineOnly(t *testing.T) {
	srv := fakeProvider(t)
	defer srv.Close()

	res := endpoint.NewResolver(endpoint.Endpoints{
		PrimaryREST:   srv.URL,
		SecondaryREST: srv.URL,
		PrimaryWS:     wsURL(srv),
		SecondaryWS:   wsURL(srv),
	}, &endpoint.MemStore{})

	coal := coalesce.New()
	fetcher := history.NewFetcher(res)
	mgr := NewManager(res, coal, fetcher, Config{}, "BTCUSDT", "1m")

	mgr.Start(context.Background())
	defer mgr.Stop()

	waitFor(t, "initial candle", func() bool {
		c, ok := mgr.Current()
		return ok && c.Symbol == "BTCUSDT"
	})

	mgr.SetSymbol("ETHUSDT")

	waitFor(t, "candle for new symbol", func() bool {
		c, ok := mgr.Current()
		return ok && c.Symbol == "ETHUSDT"
	})
	waitFor(t, "refetched history", func() bool {
		_, symbol, _ := fetcher.Candles()
		return symbol == "ETHUSDT"
	})

	// The broadcast feed rides through the switch untouched.
	if _, ok := coal.Get("BTCUSDT"); !ok {
		t.Fatal("ticker table should survive a symbol switch")
	}

	mgr.SetInterval("5m")
	waitFor(t, "refetched interval", func() bool {
		_, _, interval := fetcher.Candles()
		return interval == "5m"
	})
	if st := mgr.Status(); st.Symbol != "ETHUSDT" || st.Interval != "5m" {
		t.Fatalf("unexpected status after switches: %+v", st)
	}
}

func TestManager_ConcurrentSwitchesLeaveOneKlineSocket(t *testing.T) {
	// Count kline connections the provider sees, so a rebuild that loses
	// track of a still-running socket shows up as a second live connection.
	var klineConns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ping":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/klines":
			fmt.Fprint(w, `[[1700000000000,"100","101","99","100.5","10"]]`)
		case strings.HasPrefix(r.URL.Path, "/ws/"):
			conn, err := testUpgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			if strings.Contains(r.URL.Path, "@kline_") {
				klineConns.Add(1)
				defer klineConns.Add(-1)
			}
			payload := frameForPath(r.URL.Path)
			for {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res := endpoint.NewResolver(endpoint.Endpoints{
		PrimaryREST:   srv.URL,
		SecondaryREST: srv.URL,
		PrimaryWS:     wsURL(srv),
		SecondaryWS:   wsURL(srv),
	}, &endpoint.MemStore{})

	coal := coalesce.New()
	fetcher := history.NewFetcher(res)
	mgr := NewManager(res, coal, fetcher, Config{}, "BTCUSDT", "1m")

	mgr.Start(context.Background())
	defer mgr.Stop()

	waitFor(t, "initial candle", func() bool {
		c, ok := mgr.Current()
		return ok && c.Symbol == "BTCUSDT"
	})

	// Hammer the two switch entry points from separate goroutines, the way
	// two control-API requests land on separate HTTP handler goroutines.
	symbols := []string{"ETHUSDT", "SOLUSDT", "BNBUSDT", "BTCUSDT"}
	intervals := []string{"5m", "15m", "1h", "1m"}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			mgr.SetSymbol(symbols[i%len(symbols)])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			mgr.SetInterval(intervals[i%len(intervals)])
		}
	}()
	wg.Wait()

	waitFor(t, "exactly one live kline connection", func() bool {
		return klineConns.Load() == 1
	})

	// The surviving subscription must match the manager's settled view.
	st := mgr.Status()
	waitFor(t, "candle for the settled symbol", func() bool {
		c, ok := mgr.Current()
		return ok && c.Symbol == st.Symbol
	})
	waitFor(t, "history for the settled subscription", func() bool {
		_, symbol, interval := fetcher.Candles()
		return symbol == st.Symbol && interval == st.Interval
	})
}

func TestManager_EndpointToggleKeepsBaseContext(t *testing.T) {
	srv := fakeProvider(t)
	defer srv.Close()

	res := endpoint.NewResolver(endpoint.Endpoints{
		PrimaryREST:   srv.URL,
		SecondaryREST: srv.URL,
		PrimaryWS:     wsURL(srv),
		SecondaryWS:   wsURL(srv),
	}, &endpoint.MemStore{})

	coal := coalesce.New()
	fetcher := history.NewFetcher(res)
	mgr := NewManager(res, coal, fetcher, Config{}, "BTCUSDT", "1m")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	waitFor(t, "initial open", func() bool {
		return mgr.Status().TickerState == "open"
	})

	mgr.SetUseSecondary(true)
	waitFor(t, "reopen on secondary", func() bool {
		st := mgr.Status()
		return st.Running && st.Region == "secondary" && st.TickerState == "open"
	})

	// Cancelling the original base context must still tear down the sockets
	// rebuilt by the endpoint toggle.
	cancel()
	waitFor(t, "sockets idle after base cancel", func() bool {
		st := mgr.Status()
		return st.TickerState == "idle" && st.KlineState == "idle"
	})
}

func TestManager_StopClearsBuffers(t *testing.T) {
	srv := fakeProvider(t)
	defer srv.Close()

	res := endpoint.NewResolver(endpoint.Endpoints{
		PrimaryREST:   srv.URL,
		SecondaryREST: srv.URL,
		PrimaryWS:     wsURL(srv),
		SecondaryWS:   wsURL(srv),
	}, &endpoint.MemStore{})

	coal := coalesce.New()
	fetcher := history.NewFetcher(res)
	mgr := NewManager(res, coal, fetcher, Config{}, "BTCUSDT", "1m")

	mgr.Start(context.Background())
	waitFor(t, "ticker data", func() bool {
		_, ok := coal.Get("BTCUSDT")
		return ok
	})

	mgr.Stop()
	mgr.Stop() // idempotent

	st := mgr.Status()
	if st.Running {
		t.Fatal("expected stopped")
	}
	if st.TickerState != "idle" || st.KlineState != "idle" {
		t.Fatalf("expected idle sockets after stop, got %+v", st)
	}
	if len(coal.Snapshot()) != 0 {
		t.Fatal("expected coalescer cleared on stop")
	}
	if candles, _, _ := fetcher.Candles(); len(candles) != 0 {
		t.Fatal("expected historical buffer cleared on stop")
	}
	if _, ok := mgr.Current(); ok {
		t.Fatal("expected no in-progress candle after stop")
	}
}
