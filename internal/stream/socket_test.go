package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamdesk/internal/endpoint"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer upgrades every request and pushes each payload queued on send.
func wsServer(t *testing.T, send <-chan string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func socketResolver(primaryWS, secondaryWS string) *endpoint.Resolver {
	r := endpoint.NewResolver(endpoint.Endpoints{
		PrimaryWS:   primaryWS,
		SecondaryWS: secondaryWS,
	}, &endpoint.MemStore{})
	r.Confirm(endpoint.Primary)
	return r
}

func TestSocket_ConnectAndReceive(t *testing.T) {
	send := make(chan string, 1)
	srv := wsServer(t, send)
	defer srv.Close()
	defer close(send)

	res := socketResolver(wsURL(srv), wsURL(srv))
	sock := NewSocket("test", "/ws/!miniTicker@arr", res)

	opened := make(chan endpoint.Region, 1)
	received := make(chan []byte, 1)
	sock.OnOpen = func(r endpoint.Region) { opened <- r }
	sock.OnMessage = func(raw []byte) {
		select {
		case received <- raw:
		default:
		}
	}

	sock.Start(context.Background())
	defer sock.Stop()

	select {
	case region := <-opened:
		if region != endpoint.Primary {
			t.Fatalf("expected connect via primary, got %s", region)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("socket did not open")
	}
	if got := sock.State(); got != StateOpen {
		t.Fatalf("expected open state, got %s", got)
	}

	send <- `[{"s":"BTCUSDT","c":"100"}]`
	select {
	case raw := <-received:
		if !strings.Contains(string(raw), "BTCUSDT") {
			t.Fatalf("unexpected payload: %s", raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSocket_FailoverOnConnectFailure(t *testing.T) {
	send := make(chan string)
	srv := wsServer(t, send)
	defer srv.Close()
	defer close(send)

	// Primary points at a dead port; only secondary is reachable.
	res := socketResolver("ws://127.0.0.1:1", wsURL(srv))
	sock := NewSocket("test", "/ws/btcusdt@kline_1m", res)

	var failovers atomic.Int64
	opened := make(chan endpoint.Region, 1)
	sock.OnFailover = func(endpoint.Region) { failovers.Add(1) }
	sock.OnOpen = func(r endpoint.Region) { opened <- r }

	sock.Start(context.Background())
	defer sock.Stop()

	select {
	case region := <-opened:
		if region != endpoint.Secondary {
			t.Fatalf("expected connect via secondary after failover, got %s", region)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("socket did not fail over and open")
	}
	if got := failovers.Load(); got != 1 {
		t.Fatalf("expected exactly one failover, got %d", got)
	}
	if got := res.Current(); got != endpoint.Secondary {
		t.Fatalf("expected resolver confirmed on secondary, got %s", got)
	}
}

func TestSocket_SingleFailoverBudgetPerStart(t *testing.T) {
	// Both endpoints dead: after the one allowed failover the socket must sit
	// in the retry loop instead of flapping between endpoints.
	res := socketResolver("ws://127.0.0.1:1", "ws://127.0.0.1:1")
	sock := NewSocket("test", "/ws/btcusdt@kline_1m", res)

	var failovers atomic.Int64
	sock.OnFailover = func(endpoint.Region) { failovers.Add(1) }

	sock.Start(context.Background())
	time.Sleep(500 * time.Millisecond)
	sock.Stop()

	if got := failovers.Load(); got != 1 {
		t.Fatalf("expected exactly one failover attempt, got %d", got)
	}
	if got := sock.State(); got != StateIdle {
		t.Fatalf("expected idle after stop, got %s", got)
	}
}

func TestSocket_FailoverDoesNotPersistUnconfirmedRegion(t *testing.T) {
	// Both endpoints dead: the failover flips the in-process choice, but the
	// store must keep the last confirmed region until a connection actually
	// reaches OPEN against the new one.
	store := &endpoint.MemStore{}
	res := endpoint.NewResolver(endpoint.Endpoints{
		PrimaryWS:   "ws://127.0.0.1:1",
		SecondaryWS: "ws://127.0.0.1:1",
	}, store)
	res.Confirm(endpoint.Primary)

	sock := NewSocket("test", "/ws/btcusdt@kline_1m", res)
	sock.Start(context.Background())
	time.Sleep(500 * time.Millisecond)
	sock.Stop()

	if got := res.Current(); got != endpoint.Secondary {
		t.Fatalf("expected in-process choice flipped to secondary, got %s", got)
	}
	persisted, ok := store.Load(context.Background())
	if !ok || persisted != endpoint.Primary {
		t.Fatalf("unconfirmed failover must not overwrite the stored preference, got %s ok=%v", persisted, ok)
	}
}

func TestSocket_ReconnectAfterDrop(t *testing.T) {
	var drops atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if !drops.Swap(true) {
			// First connection: drop it immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	res := socketResolver(wsURL(srv), wsURL(srv))
	sock := NewSocket("test", "/ws/btcusdt@kline_1m", res)

	reconnects := make(chan struct{}, 4)
	opened := make(chan endpoint.Region, 4)
	sock.OnReconnect = func() { reconnects <- struct{}{} }
	sock.OnOpen = func(r endpoint.Region) { opened <- r }

	sock.Start(context.Background())
	defer sock.Stop()

	<-opened
	select {
	case <-reconnects:
	case <-time.After(5 * time.Second):
		t.Fatal("drop not reported")
	}
	// Second connect happens after the fixed reconnect delay.
	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("socket did not reconnect after drop")
	}
}

func TestSocket_StopIdempotent(t *testing.T) {
	send := make(chan string)
	srv := wsServer(t, send)
	defer srv.Close()
	defer close(send)

	res := socketResolver(wsURL(srv), wsURL(srv))
	sock := NewSocket("test", "/ws/!miniTicker@arr", res)

	opened := make(chan endpoint.Region, 1)
	sock.OnOpen = func(r endpoint.Region) { opened <- r }

	sock.Stop() // before start: no-op

	sock.Start(context.Background())
	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("socket did not open")
	}

	sock.Stop()
	sock.Stop() // second stop must not block or panic
	if got := sock.State(); got != StateIdle {
		t.Fatalf("expected idle after stop, got %s", got)
	}
}
