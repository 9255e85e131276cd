package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the stream and ledger subsystems.
type Metrics struct {
	// Stream side
	WSMessages       *prometheus.CounterVec // labels: socket
	WSReconnects     *prometheus.CounterVec // labels: socket
	WSFailovers      *prometheus.CounterVec // labels: socket
	CoalescerFlushes prometheus.Counter
	CoalescedBatch   prometheus.Histogram
	SubscriberDrops  prometheus.Counter
	FetchRetries     prometheus.Counter
	FetchCancels     prometheus.Counter

	// Ledger side
	TradesEmitted prometheus.Counter
	GuardFlips    prometheus.Counter
	PayoutTicks   prometheus.Counter
	ActivityTicks prometheus.Counter
	SessionPnL    prometheus.Gauge
	DayProgress   prometheus.Gauge
	EmitOverflow  prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdesk_ws_messages_total",
			Help: "Websocket frames received per socket",
		}, []string{"socket"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdesk_ws_reconnects_total",
			Help: "Websocket reconnect attempts per socket",
		}, []string{"socket"}),
		WSFailovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdesk_ws_failovers_total",
			Help: "Endpoint failovers triggered per socket",
		}, []string{"socket"}),
		CoalescerFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_coalescer_flushes_total",
			Help: "Coalescer flush boundaries emitted",
		}),
		CoalescedBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamdesk_coalescer_batch_size",
			Help:    "Symbols merged per flush",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_subscriber_drops_total",
			Help: "Flush notifications dropped for slow subscribers",
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_fetch_retries_total",
			Help: "Historical fetches retried against the other endpoint",
		}),
		FetchCancels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_fetch_cancels_total",
			Help: "Historical fetches cancelled or discarded as stale",
		}),
		TradesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_trades_emitted_total",
			Help: "Synthetic trades committed by the ledger scheduler",
		}),
		GuardFlips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_guard_flips_total",
			Help: "Trade draws flipped by a guard rule",
		}),
		PayoutTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_payout_ticks_total",
			Help: "Payout loop ticks that transferred a payout",
		}),
		ActivityTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_activity_ticks_total",
			Help: "Activity loop status lines emitted",
		}),
		SessionPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamdesk_session_pnl",
			Help: "Current session PnL in account currency",
		}),
		DayProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamdesk_day_progress",
			Help: "Fraction of the scheduler's 24h cycle elapsed",
		}),
		EmitOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_emit_overflow_total",
			Help: "Scheduler emissions dropped due to full hand-off ring",
		}),
	}

	prometheus.MustRegister(
		m.WSMessages,
		m.WSReconnects,
		m.WSFailovers,
		m.CoalescerFlushes,
		m.CoalescedBatch,
		m.SubscriberDrops,
		m.FetchRetries,
		m.FetchCancels,
		m.TradesEmitted,
		m.GuardFlips,
		m.PayoutTicks,
		m.ActivityTicks,
		m.SessionPnL,
		m.DayProgress,
		m.EmitOverflow,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	TickerConnected bool      `json:"ticker_connected"`
	KlineConnected  bool      `json:"kline_connected"`
	LastMessageTime time.Time `json:"last_message_time"`
	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	Region          string    `json:"region"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetTickerConnected(v bool) {
	h.mu.Lock()
	h.TickerConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetKlineConnected(v bool) {
	h.mu.Lock()
	h.KlineConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastMessageTime(t time.Time) {
	h.mu.Lock()
	h.LastMessageTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRegion(region string) {
	h.mu.Lock()
	h.Region = region
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.TickerConnected || !h.KlineConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	msgAge := ""
	if !h.LastMessageTime.IsZero() {
		msgAge = time.Since(h.LastMessageTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		TickerConnected bool    `json:"ticker_connected"`
		KlineConnected  bool    `json:"kline_connected"`
		LastMessageTime string  `json:"last_message_time"`
		MessageAge      string  `json:"message_age"`
		Region          string  `json:"region"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		TickerConnected: h.TickerConnected,
		KlineConnected:  h.KlineConnected,
		LastMessageTime: h.LastMessageTime.Format(time.RFC3339),
		MessageAge:      msgAge,
		Region:          h.Region,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the server in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] serving /metrics and /healthz on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
