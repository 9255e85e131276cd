package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"streamdesk/config"
	"streamdesk/internal/admin"
	"streamdesk/internal/coalesce"
	"streamdesk/internal/endpoint"
	"streamdesk/internal/history"
	"streamdesk/internal/journal"
	"streamdesk/internal/ledger"
	"streamdesk/internal/ledger/sink"
	"streamdesk/internal/logger"
	"streamdesk/internal/metrics"
	"streamdesk/internal/model"
	"streamdesk/internal/stream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	logger.Init("streamdesk", logger.ParseLevel(cfg.LogLevel))
	slog.Info("starting", "symbol", cfg.Symbol, "interval", cfg.Interval)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Redis (optional: endpoint preference + ledger sink) ----
	var rdb *goredis.Client
	{
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			slog.Warn("redis unavailable, continuing without it", "addr", cfg.RedisAddr, "err", err)
			client.Close()
			health.SetRedisConnected(false)
		} else {
			rdb = client
			health.SetRedisConnected(true)
			slog.Info("redis connected", "addr", cfg.RedisAddr)
		}
	}

	// ---- Endpoint resolver ----
	var prefStore endpoint.Store
	if rdb != nil {
		prefStore = endpoint.NewRedisStore(rdb)
	} else {
		prefStore = &endpoint.MemStore{}
	}
	resolver := endpoint.NewResolver(endpoint.Endpoints{
		PrimaryREST:   cfg.PrimaryREST,
		SecondaryREST: cfg.SecondaryREST,
		PrimaryWS:     cfg.PrimaryWS,
		SecondaryWS:   cfg.SecondaryWS,
	}, prefStore)

	// ---- Coalescer + historical fetcher + connection manager ----
	coal := coalesce.New()
	coal.OnFlush = func(batch int) {
		prom.CoalescerFlushes.Inc()
		prom.CoalescedBatch.Observe(float64(batch))
	}
	coal.OnDrop = func() { prom.SubscriberDrops.Inc() }

	fetcher := history.NewFetcher(resolver)
	fetcher.OnRetry = func() { prom.FetchRetries.Inc() }
	fetcher.OnCancelled = func() { prom.FetchCancels.Inc() }

	mgr := stream.NewManager(resolver, coal, fetcher, stream.Config{
		UseSecondary:   cfg.UseSecondary,
		LoggingEnabled: cfg.LoggingEnabled,
		WatchedSymbols: cfg.ParseWatchedSymbols(),
	}, cfg.Symbol, cfg.Interval)
	mgr.OnReconnect = func(socket string) { prom.WSReconnects.WithLabelValues(socket).Inc() }
	mgr.OnFailover = func(socket string, to endpoint.Region) { prom.WSFailovers.WithLabelValues(socket).Inc() }
	mgr.OnMessage = func(socket string) {
		prom.WSMessages.WithLabelValues(socket).Inc()
		health.SetLastMessageTime(time.Now())
	}

	// ---- SQLite trade journal ----
	jnl, err := journal.New(cfg.SQLitePath)
	if err != nil {
		slog.Error("journal init failed", "path", cfg.SQLitePath, "err", err)
		os.Exit(1)
	}
	defer jnl.Close()
	health.SetSQLiteOK(true)

	// ---- Ledger sink ----
	var ledgerSink sink.Sink
	if rdb != nil {
		rs, err := sink.NewRedisSink(rdb)
		if err != nil {
			slog.Warn("redis sink init failed, using in-memory sink", "err", err)
			ledgerSink = sink.NewMemSink(500)
		} else {
			ledgerSink = rs
		}
	} else {
		ledgerSink = sink.NewMemSink(500)
	}
	ledgerSink = &sink.LoggingSink{Inner: ledgerSink, Enabled: cfg.LoggingEnabled}

	// ---- Ledger scheduler ----
	ledCfg := ledger.DefaultConfig()
	ledCfg.Symbols = cfg.ParseWatchedSymbols()
	ledCfg.DailyMin = cfg.DailyMin
	ledCfg.DailyMax = cfg.DailyMax
	sched := ledger.NewScheduler(ledCfg, coal, ledgerSink)
	sched.SetRecorder(func(t model.Trade) {
		if err := jnl.Record(t); err != nil {
			slog.Warn("journal write failed", "err", err)
		}
	})
	sched.OnTrade = func(pnlCents int64) { prom.TradesEmitted.Inc() }
	sched.OnGuardFlip = func() { prom.GuardFlips.Inc() }
	sched.OnPayout = func() { prom.PayoutTicks.Inc() }
	sched.OnActivity = func() { prom.ActivityTicks.Inc() }

	// ---- Liveness checks ----
	health.StartLivenessChecker(ctx, rdb, jnl.DB(), 10*time.Second)

	// ---- Start everything ----
	mgr.Start(ctx)
	sched.Start(ctx)

	adminSrv := admin.NewServer(cfg.AdminAddr, mgr, sched, jnl)
	adminSrv.Start()

	// ---- Periodic gauge / health refresh ----
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var lastOverflow uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := sched.State()
				prom.SessionPnL.Set(st.SessionPnL)
				prom.DayProgress.Set(st.DayProgress)
				if n := sched.EmitOverflow(); n > lastOverflow {
					prom.EmitOverflow.Add(float64(n - lastOverflow))
					lastOverflow = n
				}
				ms := mgr.Status()
				health.SetTickerConnected(ms.TickerState == "open")
				health.SetKlineConnected(ms.KlineState == "open")
				health.SetRegion(ms.Region)
			}
		}
	}()

	slog.Info("running", "metrics", cfg.MetricsAddr, "admin", cfg.AdminAddr)
	<-sigCh
	slog.Info("shutting down")

	sched.Stop()
	mgr.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	if rdb != nil {
		rdb.Close()
	}
	slog.Info("bye")
}
