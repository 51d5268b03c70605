package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"marketdata-corev1/config"
	"marketdata-corev1/internal/candles"
	"marketdata-corev1/internal/greeks"
	"marketdata-corev1/internal/logger"
	"marketdata-corev1/internal/metrics"
	"marketdata-corev1/internal/model"
	"marketdata-corev1/internal/session"
	"marketdata-corev1/internal/snapshotcache"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("mdcore", logger.LevelFromEnv())
	log.Println("[mdcore] starting...")

	cfg := config.Load()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Session (vendor login, contract master, feeds) ----
	os.MkdirAll(filepath.Dir(cfg.MasterDBPath), 0o755)
	sess, err := session.New(cfg, prom, health)
	if err != nil {
		log.Fatalf("[mdcore] session init failed: %v", err)
	}
	defer sess.Close()

	// ---- Redis snapshot cache (off hot path) ----
	cache, err := snapshotcache.New(snapshotcache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		OnFlush:  func(d time.Duration) { prom.CacheFlushDur.Observe(d.Seconds()) },
	})
	if err != nil {
		log.Printf("[mdcore] WARNING: redis init failed: %v (continuing without cache)", err)
	} else {
		cache.Attach(sess.Hub())
		go cache.Run(ctx)
		defer cache.Close()
		log.Println("[mdcore] snapshot cache ready")
	}

	// ---- 1s candle aggregation (off hot path) ----
	os.MkdirAll(filepath.Dir(cfg.CandleDBPath), 0o755)
	candleWriter, err := candles.OpenWriter(cfg.CandleDBPath)
	if err != nil {
		log.Fatalf("[mdcore] candle db init failed: %v", err)
	}
	defer candleWriter.Close()

	agg := candles.New()
	agg.Attach(sess.Hub())
	barCh := make(chan candles.Candle, 4096)
	go agg.Run(ctx, barCh)
	go func() {
		prev := uint64(0)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bars := agg.Stats().Bars
				prom.BarsTotal.Add(float64(bars - prev))
				prev = bars
			}
		}
	}()
	go candleWriter.Run(ctx, barCh)

	// ---- Dependency liveness checks ----
	if cache != nil {
		health.StartLivenessChecker(ctx, cache.Client(), candleWriter.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, candleWriter.DB(), 10*time.Second)
	}

	// ---- Greeks trigger ----
	// The pricing engine consumes trigger callbacks out of process for now;
	// the hook logs at debug so trigger cadence is observable.
	if err := sess.AttachGreeks(greeks.RecalcFunc(func(rec model.PriceRecord) {
		slog.Debug("greeks recalc", slog.String("instrument", rec.ID.Key()), slog.Int64("ltp", rec.LTP))
	})); err != nil {
		log.Fatalf("[mdcore] greeks trigger init failed: %v", err)
	}

	// ---- Run the session lifecycle ----
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	select {
	case <-sigCh:
		log.Println("[mdcore] shutdown signal received, cleaning up...")
	case err := <-runErr:
		if err != nil {
			log.Printf("[mdcore] session ended: %v", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[mdcore] shutdown complete.")
}
