// Package stream maintains the two long-lived subscriptions against the
// market-data provider: the broadcast mini-ticker feed and the per-symbol
// kline feed. Each socket has its own reconnect loop and a one-shot endpoint
// failover per start; both always observe the same endpoint choice.
package stream

import (
	"context"
	"log"
	"sync"

	"streamdesk/internal/coalesce"
	"streamdesk/internal/endpoint"
	"streamdesk/internal/history"
	"streamdesk/internal/model"
)

// Config is the runtime stream configuration.
type Config struct {
	UseSecondary   bool
	LoggingEnabled bool
	WatchedSymbols []string // symbols worth a log line on flush
}

// Status is a snapshot of the manager for the control API.
type Status struct {
	Running     bool   `json:"running"`
	Region      string `json:"region"`
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`
	TickerState string `json:"ticker_state"`
	KlineState  string `json:"kline_state"`
}

// Manager owns the ticker and kline socket lifecycles, feeds the coalescer,
// and keeps the historical fetcher aligned with the subscribed symbol.
// Callers hold the instance; Start and Stop are its lifecycle.
type Manager struct {
	resolver *endpoint.Resolver
	coal     *coalesce.Coalescer
	fetcher  *history.Fetcher

	// Metrics hooks (optional, set before Start).
	OnReconnect func(socket string)
	OnFailover  func(socket string, to endpoint.Region)
	OnMessage   func(socket string)
	OnCandle    func(model.Candle)

	// rebuildMu serializes kline rebuilds end to end (cancel, stop old,
	// assign new, start). Without it two concurrent switches can both stop
	// the same old socket and leave one of their replacements running
	// unreferenced.
	rebuildMu sync.Mutex

	mu         sync.Mutex
	cfg        Config
	symbol     string
	interval   string
	tickerSock *Socket
	klineSock  *Socket
	running    bool
	baseCtx    context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	current    model.Candle
	hasCurrent bool
}

// NewManager creates a Manager. symbol/interval are the initial kline
// subscription.
func NewManager(resolver *endpoint.Resolver, coal *coalesce.Coalescer, fetcher *history.Fetcher, cfg Config, symbol, interval string) *Manager {
	return &Manager{
		resolver: resolver,
		coal:     coal,
		fetcher:  fetcher,
		cfg:      cfg,
		symbol:   symbol,
		interval: interval,
	}
}

// Start resolves the endpoint, opens both sockets, and issues the initial
// historical fetch. No-op if already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.baseCtx = ctx
	m.ctx, m.cancel = context.WithCancel(ctx)
	cfg := m.cfg
	symbol, interval := m.symbol, m.interval
	runCtx := m.ctx
	m.mu.Unlock()

	region := m.resolver.Resolve(runCtx)
	if cfg.UseSecondary && region != endpoint.Secondary {
		region = endpoint.Secondary
		m.resolver.Confirm(region)
	}
	log.Printf("[stream] starting against %s endpoint", region)

	m.mu.Lock()
	m.tickerSock = m.buildTickerSocket()
	m.klineSock = m.buildKlineSocket(symbol, interval)
	tickerSock, klineSock := m.tickerSock, m.klineSock
	m.mu.Unlock()

	tickerSock.Start(runCtx)
	klineSock.Start(runCtx)
	m.fetcher.Request(runCtx, symbol, interval)
}

// Stop closes both sockets, cancels any in-flight fetch, and clears all
// buffers. Safe to call multiple times and from any state.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	tickerSock, klineSock := m.tickerSock, m.klineSock
	m.tickerSock, m.klineSock = nil, nil
	m.hasCurrent = false
	m.current = model.Candle{}
	m.mu.Unlock()

	m.fetcher.CancelAll()
	if tickerSock != nil {
		tickerSock.Stop()
	}
	if klineSock != nil {
		klineSock.Stop()
	}
	if cancel != nil {
		cancel()
	}
	m.fetcher.Clear()
	m.coal.Reset()
	log.Println("[stream] stopped")
}

// SetSymbol switches the kline subscription to a new symbol. Idempotent for
// an unchanged symbol. The ticker socket is unaffected; only the kline
// socket is rebuilt, and the historical buffer is cleared and refetched.
func (m *Manager) SetSymbol(symbol string) {
	m.mu.Lock()
	if symbol == m.symbol {
		m.mu.Unlock()
		return
	}
	m.symbol = symbol
	running := m.running
	m.mu.Unlock()

	if running {
		m.rebuildKline()
	}
}

// SetInterval switches the kline subscription to a new interval; symmetric
// to SetSymbol along the interval axis.
func (m *Manager) SetInterval(interval string) {
	m.mu.Lock()
	if interval == m.interval {
		m.mu.Unlock()
		return
	}
	m.interval = interval
	running := m.running
	m.mu.Unlock()

	if running {
		m.rebuildKline()
	}
}

// SetUseSecondary flips the forced-endpoint flag. A change while running
// triggers a full stop/reconnect cycle so both sockets observe the same
// endpoint choice.
func (m *Manager) SetUseSecondary(useSecondary bool) {
	m.mu.Lock()
	if m.cfg.UseSecondary == useSecondary {
		m.mu.Unlock()
		return
	}
	m.cfg.UseSecondary = useSecondary
	running := m.running
	base := m.baseCtx
	m.mu.Unlock()

	if !running {
		return
	}
	if base == nil {
		base = context.Background()
	}
	log.Printf("[stream] endpoint preference changed (useSecondary=%v), restarting", useSecondary)
	m.Stop()
	if useSecondary {
		m.resolver.Confirm(endpoint.Secondary)
	} else {
		m.resolver.Confirm(endpoint.Primary)
	}
	// Restart on the caller's original base context so cancelling it still
	// tears the rebuilt sockets down.
	m.Start(base)
}

// Current returns the in-progress kline candle, if any.
func (m *Manager) Current() (model.Candle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.hasCurrent
}

// Status returns a control-API snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Running:  m.running,
		Region:   m.resolver.Current().String(),
		Symbol:   m.symbol,
		Interval: m.interval,
	}
	st.TickerState = StateIdle.String()
	st.KlineState = StateIdle.String()
	if m.tickerSock != nil {
		st.TickerState = m.tickerSock.State().String()
	}
	if m.klineSock != nil {
		st.KlineState = m.klineSock.State().String()
	}
	return st
}

// rebuildKline tears down the kline socket and rebuilds it against the
// manager's current symbol/interval, which are re-read inside the rebuild so
// overlapping switches always converge on the latest subscription.
func (m *Manager) rebuildKline() {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	// Cancel before the new fetch is issued so a stale completion can never
	// land after the buffer is cleared.
	m.fetcher.CancelAll()
	m.fetcher.Clear()

	m.mu.Lock()
	old := m.klineSock
	m.klineSock = nil
	m.hasCurrent = false
	m.current = model.Candle{}
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	symbol, interval := m.symbol, m.interval
	sock := m.buildKlineSocket(symbol, interval)
	m.klineSock = sock
	ctx := m.ctx
	m.mu.Unlock()

	sock.Start(ctx)
	m.fetcher.Request(ctx, symbol, interval)
}

func (m *Manager) buildTickerSocket() *Socket {
	sock := NewSocket("ticker-ws", TickerStreamPath(), m.resolver)
	sock.OnMessage = m.handleTickerFrame
	sock.OnReconnect = func() {
		if m.OnReconnect != nil {
			m.OnReconnect("ticker")
		}
	}
	sock.OnFailover = func(to endpoint.Region) {
		if m.OnFailover != nil {
			m.OnFailover("ticker", to)
		}
	}
	return sock
}

func (m *Manager) buildKlineSocket(symbol, interval string) *Socket {
	sock := NewSocket("kline-ws", KlineStreamPath(symbol, interval), m.resolver)
	sock.OnMessage = m.handleKlineFrame
	sock.OnReconnect = func() {
		if m.OnReconnect != nil {
			m.OnReconnect("kline")
		}
	}
	sock.OnFailover = func(to endpoint.Region) {
		if m.OnFailover != nil {
			m.OnFailover("kline", to)
		}
	}
	return sock
}

func (m *Manager) handleTickerFrame(raw []byte) {
	tickers, err := ParseMiniTickers(raw)
	if err != nil {
		log.Printf("[ticker-ws] parse error: %v", err)
		return
	}
	if m.OnMessage != nil {
		m.OnMessage("ticker")
	}
	m.mu.Lock()
	logging := m.cfg.LoggingEnabled
	watched := m.cfg.WatchedSymbols
	m.mu.Unlock()
	for _, t := range tickers {
		m.coal.Ingest(t)
		if logging && contains(watched, t.Symbol) {
			log.Printf("[ticker-ws] %s last=%.8g vol=%.8g", t.Symbol, t.Last, t.BaseVolume)
		}
	}
}

func (m *Manager) handleKlineFrame(raw []byte) {
	candle, ok, err := ParseKlineEvent(raw)
	if err != nil {
		log.Printf("[kline-ws] parse error: %v", err)
		return
	}
	if !ok {
		return
	}
	if m.OnMessage != nil {
		m.OnMessage("kline")
	}
	m.mu.Lock()
	m.current = candle
	m.hasCurrent = true
	m.mu.Unlock()
	if m.OnCandle != nil {
		m.OnCandle(candle)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
