// Package ledger runs the synthetic ledger scheduler: three independently
// timed loops (payout, activity, trade) sharing one LedgerState. The trade
// loop steers cumulative session PnL toward a configured daily-return band
// and applies guard rules so the emitted stream never shows implausible
// all-win streaks.
package ledger

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"streamdesk/internal/ledger/sink"
	"streamdesk/internal/model"
	"streamdesk/internal/ringbuf"
)

const secondsPerDay = 86400

// Phase is the trade loop's position in its tick cycle.
type Phase string

const (
	PhaseScheduled  Phase = "scheduled"
	PhaseEvaluating Phase = "evaluating"
	PhaseGuarded    Phase = "guarded"
	PhaseCommitted  Phase = "committed"
)

// PriceSource provides a read-only snapshot of current market prices.
type PriceSource interface {
	Snapshot() map[string]model.Ticker
}

// Config holds the scheduler's tuning parameters. The scaling constants are
// deliberately configuration, not structure.
type Config struct {
	Symbols []string // symbols trades are attributed to

	// Daily-return band, as fractions of start-of-day wallet (e.g. 0.012, 0.035).
	DailyMin float64
	DailyMax float64

	WinProbBehind  float64 // win probability when behind target
	LossRatioFloor float64 // guard floor over the trailing outcome window

	TradeMinDelay    time.Duration
	TradeMaxDelay    time.Duration
	PayoutMinDelay   time.Duration
	PayoutMaxDelay   time.Duration
	ActivityMinDelay time.Duration
	ActivityMaxDelay time.Duration

	// Draw magnitudes, as fractions of current wallet balance.
	WinFracMin  float64
	WinFracMax  float64
	LossFracMin float64
	LossFracMax float64

	// Payout transfer scaling.
	PayoutFrac       float64
	PayoutFloorCents int64

	// Initial balances (cents) when the sink holds none.
	InitialWalletCents int64
	InitialPoolCents   int64

	TradeCap      int           // retained in-memory trade records
	VolatilityTTL time.Duration // cache TTL for the derived volatility signal
}

// DefaultConfig returns the tuning used by the dashboard.
func DefaultConfig() Config {
	return Config{
		Symbols:            []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"},
		DailyMin:           0.012,
		DailyMax:           0.035,
		WinProbBehind:      0.80,
		LossRatioFloor:     0.35,
		TradeMinDelay:      5 * time.Second,
		TradeMaxDelay:      13 * time.Second,
		PayoutMinDelay:     800 * time.Millisecond,
		PayoutMaxDelay:     2500 * time.Millisecond,
		ActivityMinDelay:   100 * time.Millisecond,
		ActivityMaxDelay:   700 * time.Millisecond,
		WinFracMin:         0.0008,
		WinFracMax:         0.0040,
		LossFracMin:        0.0004,
		LossFracMax:        0.0020,
		PayoutFrac:         0.0002,
		PayoutFloorCents:   5,
		InitialWalletCents: 1258800,
		InitialPoolCents:   2433300,
		TradeCap:           200,
		VolatilityTTL:      5 * time.Second,
	}
}

// emission is one unit of scheduler output handed to the drain goroutine,
// keeping sink and journal I/O off the tick path.
type emission struct {
	trade    *model.Trade
	line     string
	balances *sink.Balances
}

// Scheduler owns the three loops. Callers construct and hold the instance;
// Start and Stop are its lifecycle.
type Scheduler struct {
	cfg    Config
	prices PriceSource
	sink   sink.Sink
	out    *ringbuf.Ring[emission]

	// Metrics hooks (optional, set before Start).
	OnTrade     func(pnlCents int64)
	OnGuardFlip func()
	OnPayout    func()
	OnActivity  func()

	// Durable-store hook, run on the drain goroutine. See SetRecorder.
	record func(model.Trade)

	mu         sync.Mutex
	st         model.LedgerState
	trades     []model.Trade
	phase      Phase
	dayOffset  int64 // randomized per-process day-cycle offset, seconds
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	volCached  float64
	volAt      time.Time
	tradeRng   *rand.Rand
	payoutRng  *rand.Rand
	activityRng *rand.Rand
	nowFn      func() time.Time
}

// NewScheduler creates a Scheduler over the given price source and sink.
func NewScheduler(cfg Config, prices PriceSource, snk sink.Sink) *Scheduler {
	seed := time.Now().UnixNano()
	s := &Scheduler{
		cfg:         cfg,
		prices:      prices,
		sink:        snk,
		out:         ringbuf.New[emission](1024),
		phase:       PhaseScheduled,
		tradeRng:    rand.New(rand.NewSource(seed)),
		payoutRng:   rand.New(rand.NewSource(seed + 1)),
		activityRng: rand.New(rand.NewSource(seed + 2)),
		nowFn:       time.Now,
	}
	s.dayOffset = s.tradeRng.Int63n(secondsPerDay)
	return s
}

// SetRecorder installs a durable-store hook (the SQLite journal) invoked for
// each emitted trade on the drain goroutine. Set before Start.
func (s *Scheduler) SetRecorder(record func(model.Trade)) {
	s.record = record
}

// Start restores balances from the sink and launches the three loops plus
// the drain goroutine. No-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	bal, ok, err := s.sink.LoadBalances(runCtx)
	if err != nil || !ok {
		bal = sink.Balances{WalletCents: s.cfg.InitialWalletCents, PoolCents: s.cfg.InitialPoolCents}
	}
	now := s.nowFn()
	s.st = model.LedgerState{
		WalletCents:           bal.WalletCents,
		PoolCents:             bal.PoolCents,
		StartOfDayWalletCents: bal.WalletCents,
		DayIndex:              s.dayIndexAt(now),
	}
	s.mu.Unlock()

	s.wg.Add(4)
	go s.loop(runCtx, s.nextTradeDelay, s.tradeTick)
	go s.loop(runCtx, s.nextPayoutDelay, s.payoutTick)
	go s.loop(runCtx, s.nextActivityDelay, s.activityTick)
	go s.drainLoop(runCtx)
}

// Stop cancels all three loops' timers. Ticks are synchronous and short, so
// no in-flight work is awaited beyond goroutine exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// SetBalances is the administrative balance entry point. Values are dollars;
// invalid numeric input is rejected with a descriptive error and state is
// left unchanged.
func (s *Scheduler) SetBalances(wallet, pool float64) error {
	if math.IsNaN(wallet) || math.IsInf(wallet, 0) || math.IsNaN(pool) || math.IsInf(pool, 0) {
		return fmt.Errorf("set balances: wallet=%v pool=%v: not a finite number", wallet, pool)
	}
	if wallet < 0 || pool < 0 {
		return fmt.Errorf("set balances: wallet=%v pool=%v: must be non-negative", wallet, pool)
	}
	s.mu.Lock()
	s.st.WalletCents = toCents(wallet)
	s.st.PoolCents = toCents(pool)
	s.st.StartOfDayWalletCents = s.st.WalletCents
	s.st.SessionPnLCents = 0
	s.st.RecentOutcomes.Reset()
	bal := sink.Balances{WalletCents: s.st.WalletCents, PoolCents: s.st.PoolCents}
	s.mu.Unlock()

	s.pushEmission(emission{balances: &bal, line: fmt.Sprintf("balances reset: wallet %.2f pool %.2f", wallet, pool)})
	return nil
}

// EmitOverflow reports emissions dropped because the hand-off ring was full.
func (s *Scheduler) EmitOverflow() uint64 {
	return s.out.Overflow()
}

// pushEmission serializes the three loops onto the single-producer ring.
// The drain goroutine is the only consumer.
func (s *Scheduler) pushEmission(em emission) {
	s.mu.Lock()
	s.out.Push(em)
	s.mu.Unlock()
}

// Snapshot is a read-only view of the scheduler for the control API.
type Snapshot struct {
	Wallet           float64       `json:"wallet"`
	Pool             float64       `json:"pool"`
	SessionPnL       float64       `json:"session_pnl"`
	StartOfDayWallet float64       `json:"start_of_day_wallet"`
	DayIndex         int           `json:"day_index"`
	DayProgress      float64       `json:"day_progress"`
	LossRatio        float64       `json:"loss_ratio"`
	Phase            Phase         `json:"phase"`
	Trades           []model.Trade `json:"trades"`
}

// State returns a snapshot of the current ledger state and retained trades.
func (s *Scheduler) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	trades := make([]model.Trade, len(s.trades))
	copy(trades, s.trades)
	return Snapshot{
		Wallet:           fromCents(s.st.WalletCents),
		Pool:             fromCents(s.st.PoolCents),
		SessionPnL:       fromCents(s.st.SessionPnLCents),
		StartOfDayWallet: fromCents(s.st.StartOfDayWalletCents),
		DayIndex:         s.st.DayIndex,
		DayProgress:      s.dayProgressAt(s.nowFn()),
		LossRatio:        s.st.RecentOutcomes.LossRatio(),
		Phase:            s.phase,
		Trades:           trades,
	}
}

// loop runs tick on randomized delays until ctx is cancelled.
func (s *Scheduler) loop(ctx context.Context, next func() time.Duration, tick func()) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(next()):
			tick()
		}
	}
}

func (s *Scheduler) nextTradeDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return randDelay(s.tradeRng, s.cfg.TradeMinDelay, s.cfg.TradeMaxDelay)
}

func (s *Scheduler) nextPayoutDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return randDelay(s.payoutRng, s.cfg.PayoutMinDelay, s.cfg.PayoutMaxDelay)
}

// nextActivityDelay shortens the activity cadence when the derived market
// volatility signal is high.
func (s *Scheduler) nextActivityDelay() time.Duration {
	vol := s.volatility(s.nowFn())
	s.mu.Lock()
	defer s.mu.Unlock()
	base := randDelay(s.activityRng, s.cfg.ActivityMinDelay, s.cfg.ActivityMaxDelay)
	scale := 1.0 / (1.0 + vol*40)
	if scale < 0.4 {
		scale = 0.4
	}
	return time.Duration(float64(base) * scale)
}

func (s *Scheduler) tradeTick() {
	s.tradeTickAt(s.nowFn())
}

// tradeTickAt runs one SCHEDULED -> EVALUATING -> GUARDED -> COMMITTED cycle.
func (s *Scheduler) tradeTickAt(now time.Time) {
	s.mu.Lock()

	s.phase = PhaseEvaluating

	// Day-boundary reset.
	dayIdx := s.dayIndexAt(now)
	if dayIdx != s.st.DayIndex {
		s.st.DayIndex = dayIdx
		s.st.SessionPnLCents = 0
		s.st.StartOfDayWalletCents = s.st.WalletCents
		s.st.RecentOutcomes.Reset()
	}

	progress := s.dayProgressAt(now)
	target := s.cfg.DailyMin * progress
	base := s.st.StartOfDayWalletCents
	if base == 0 {
		base = s.st.WalletCents
	}
	actual := 0.0
	if base != 0 {
		actual = float64(s.st.SessionPnLCents) / float64(base)
	}
	behind := actual < target
	farAhead := actual > s.cfg.DailyMax

	symbol, price, trend := s.pickSymbolLocked()
	lossRatioBefore := s.st.RecentOutcomes.LossRatio()

	// Draw a candidate PnL.
	var pnl int64
	switch {
	case behind:
		if s.tradeRng.Float64() < s.cfg.WinProbBehind {
			pnl = s.boundedWin()
		} else {
			pnl = s.boundedLoss()
		}
	case farAhead:
		pnl = s.boundedLoss()
	default:
		// Wider, slightly-negative-biased symmetric draw, nudged by the
		// symbol's current trend.
		winProb := 0.47 + clamp(trend*2, -0.15, 0.15)
		if s.tradeRng.Float64() < winProb {
			pnl = 3 * s.boundedWin() / 2
		} else {
			pnl = 3 * s.boundedLoss() / 2
		}
	}

	// Guard rules. The loss-ratio floor is applied last so it is decisive:
	// a window already short on losses never commits another win.
	s.phase = PhaseGuarded
	guarded := false
	if behind && pnl < 0 {
		pnl = s.boundedWin()
		guarded = true
	}
	if lossRatioBefore < s.cfg.LossRatioFloor && pnl > 0 {
		pnl = s.boundedLoss()
		guarded = true
	}

	// Commit: zero-sum transfer between wallet and pool.
	s.st.RecentOutcomes.Append(pnl)
	s.st.WalletCents += pnl
	s.st.PoolCents -= pnl
	s.st.SessionPnLCents += pnl

	side := model.SideBuy
	if s.tradeRng.Float64() < 0.5 {
		side = model.SideSell
	}
	qty := 0.0
	if price > 0 {
		qty = math.Abs(fromCents(pnl)) * 40 / price
	}
	trade := model.Trade{
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Qty:       qty,
		PnLCents:  pnl,
		Timestamp: now,
	}
	s.trades = append(s.trades, trade)
	if len(s.trades) > s.cfg.TradeCap {
		s.trades = s.trades[len(s.trades)-s.cfg.TradeCap:]
	}
	bal := sink.Balances{WalletCents: s.st.WalletCents, PoolCents: s.st.PoolCents}
	line := fmt.Sprintf("executed %s %s qty=%.6f @ %.2f pnl=%.2f session=%.2f",
		side, symbol, qty, price, fromCents(pnl), fromCents(s.st.SessionPnLCents))
	s.phase = PhaseCommitted
	s.mu.Unlock()

	s.pushEmission(emission{trade: &trade, line: line, balances: &bal})
	if guarded && s.OnGuardFlip != nil {
		s.OnGuardFlip()
	}
	if s.OnTrade != nil {
		s.OnTrade(pnl)
	}

	s.mu.Lock()
	s.phase = PhaseScheduled
	s.mu.Unlock()
}

// payoutTick transfers a small amount from pool to wallet. Purely a liveness
// signal; it never touches SessionPnL and preserves wallet+pool.
func (s *Scheduler) payoutTick() {
	s.mu.Lock()
	amt := int64(float64(s.st.WalletCents) * s.cfg.PayoutFrac)
	if amt < s.cfg.PayoutFloorCents {
		amt = s.cfg.PayoutFloorCents
	}
	if s.st.PoolCents < amt {
		s.mu.Unlock()
		return
	}
	s.st.PoolCents -= amt
	s.st.WalletCents += amt
	bal := sink.Balances{WalletCents: s.st.WalletCents, PoolCents: s.st.PoolCents}
	line := fmt.Sprintf("payout %.2f credited to wallet", fromCents(amt))
	s.mu.Unlock()

	s.pushEmission(emission{line: line, balances: &bal})
	if s.OnPayout != nil {
		s.OnPayout()
	}
}

var activityTemplates = []string{
	"scanning %s order book depth",
	"momentum check %s %+.2f%%",
	"rebalancing exposure on %s",
	"volatility sweep %s %+.2f%%",
	"tracking spread on %s",
}

// activityTick emits a human-readable status line; balances are untouched.
func (s *Scheduler) activityTick() {
	symbol, _, trend := s.pickSymbol()
	s.mu.Lock()
	tpl := activityTemplates[s.activityRng.Intn(len(activityTemplates))]
	s.mu.Unlock()

	var line string
	if countVerbs(tpl) == 2 {
		line = fmt.Sprintf(tpl, symbol, trend*100)
	} else {
		line = fmt.Sprintf(tpl, symbol)
	}
	s.pushEmission(emission{line: line})
	if s.OnActivity != nil {
		s.OnActivity()
	}
}

// drainLoop pops emissions off the ring and writes them to the sink (and
// journal, when wired) off the tick path.
func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.drainOnce(context.Background())
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

func (s *Scheduler) drainOnce(ctx context.Context) {
	for {
		em, ok := s.out.Pop()
		if !ok {
			return
		}
		if em.trade != nil {
			if err := s.sink.AppendTrade(ctx, *em.trade); err != nil {
				// Sink failures degrade to log-and-continue.
				continueLog("append trade", err)
			}
			if s.record != nil {
				s.record(*em.trade)
			}
		}
		if em.line != "" {
			if err := s.sink.AppendLog(ctx, em.line); err != nil {
				continueLog("append log", err)
			}
		}
		if em.balances != nil {
			if err := s.sink.SaveBalances(ctx, *em.balances); err != nil {
				continueLog("save balances", err)
			}
		}
	}
}

// volatility derives a market-volatility signal from recent price-change
// magnitudes across the watched symbols, cached for a TTL.
func (s *Scheduler) volatility(now time.Time) float64 {
	s.mu.Lock()
	if now.Sub(s.volAt) < s.cfg.VolatilityTTL {
		v := s.volCached
		s.mu.Unlock()
		return v
	}
	symbols := s.cfg.Symbols
	s.mu.Unlock()

	snap := s.prices.Snapshot()
	sum, n := 0.0, 0
	for _, sym := range symbols {
		if t, ok := snap[sym]; ok {
			sum += math.Abs(t.ChangePct())
			n++
		}
	}
	v := 0.0
	if n > 0 {
		v = sum / float64(n)
	}
	s.mu.Lock()
	s.volCached = v
	s.volAt = now
	s.mu.Unlock()
	return v
}

// pickSymbol chooses a symbol and returns its last price and trend
// (signed session change fraction). Symbols missing from the price table
// get a zero price and flat trend.
func (s *Scheduler) pickSymbol() (string, float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickSymbolLocked()
}

// pickSymbolLocked requires s.mu held.
func (s *Scheduler) pickSymbolLocked() (string, float64, float64) {
	symbol := s.cfg.Symbols[s.tradeRng.Intn(len(s.cfg.Symbols))]
	snap := s.prices.Snapshot()
	if t, ok := snap[symbol]; ok {
		return symbol, t.Last, t.ChangePct()
	}
	return symbol, 0, 0
}

func (s *Scheduler) dayIndexAt(now time.Time) int {
	return int((now.Unix() + s.dayOffset) / secondsPerDay)
}

func (s *Scheduler) dayProgressAt(now time.Time) float64 {
	return float64((now.Unix()+s.dayOffset)%secondsPerDay) / secondsPerDay
}

func (s *Scheduler) boundedWin() int64 {
	frac := s.cfg.WinFracMin + s.tradeRng.Float64()*(s.cfg.WinFracMax-s.cfg.WinFracMin)
	c := int64(float64(s.st.WalletCents) * frac)
	if c < 1 {
		c = 1
	}
	return c
}

func (s *Scheduler) boundedLoss() int64 {
	frac := s.cfg.LossFracMin + s.tradeRng.Float64()*(s.cfg.LossFracMax-s.cfg.LossFracMin)
	c := int64(float64(s.st.WalletCents) * frac)
	if c < 1 {
		c = 1
	}
	return -c
}

func randDelay(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

func fromCents(c int64) float64 {
	return float64(c) / 100
}

func continueLog(op string, err error) {
	log.Printf("[ledger] WARNING: %s: %v (continuing)", op, err)
}

func countVerbs(tpl string) int {
	n := 0
	for i := 0; i+1 < len(tpl); i++ {
		if tpl[i] == '%' && tpl[i+1] != '%' {
			n++
		}
	}
	return n
}
