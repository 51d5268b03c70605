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

// Metrics holds all Prometheus metrics for the distribution core.
type Metrics struct {
	PacketsTotal    *prometheus.CounterVec // labels: source
	PublishesTotal  *prometheus.CounterVec // labels: source
	UnknownTokens   *prometheus.CounterVec // labels: source
	MalformedTotal  *prometheus.CounterVec // labels: source
	ReconnectsTotal *prometheus.CounterVec // labels: source

	StaleFields   prometheus.Counter
	StoreApplies  prometheus.Counter
	HubDeliveries prometheus.Counter
	HubPanics     prometheus.Counter

	GreeksTriggers   prometheus.Counter
	GreeksSuppressed prometheus.Counter

	BarsTotal     prometheus.Counter
	CacheFlushDur prometheus.Histogram

	FeedState *prometheus.GaugeVec // labels: source; 0=down, 1=up
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcore_packets_total",
			Help: "Datagrams/frames received per source",
		}, []string{"source"}),
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcore_publishes_total",
			Help: "Post-merge snapshots published to the hub per source",
		}, []string{"source"}),
		UnknownTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcore_unknown_tokens_total",
			Help: "Ticks dropped because the token is not in the instrument index",
		}, []string{"source"}),
		MalformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcore_malformed_packets_total",
			Help: "Packets dropped or truncated during parsing",
		}, []string{"source"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcore_reconnects_total",
			Help: "Source reconnection attempts",
		}, []string{"source"}),

		StaleFields: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcore_stale_fields_total",
			Help: "Volume/OI fields rejected because they would regress",
		}),
		StoreApplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcore_store_applies_total",
			Help: "Updates that merged at least one field into the price store",
		}),
		HubDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcore_hub_deliveries_total",
			Help: "Subscriber callback invocations",
		}),
		HubPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcore_hub_panics_total",
			Help: "Subscriber callbacks recovered from panic",
		}),

		GreeksTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcore_greeks_triggers_total",
			Help: "Option pricing passes triggered",
		}),
		GreeksSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcore_greeks_suppressed_total",
			Help: "Pricing passes absorbed by the throttle window",
		}),

		BarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcore_bars_total",
			Help: "1s OHLC bars emitted",
		}),
		CacheFlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdcore_cache_flush_duration_seconds",
			Help:    "Redis snapshot cache flush latency",
			Buckets: prometheus.DefBuckets,
		}),

		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdcore_feed_state",
			Help: "Feed connection state per source (0=down, 1=up)",
		}, []string{"source"}),
	}

	prometheus.MustRegister(
		m.PacketsTotal,
		m.PublishesTotal,
		m.UnknownTokens,
		m.MalformedTotal,
		m.ReconnectsTotal,
		m.StaleFields,
		m.StoreApplies,
		m.HubDeliveries,
		m.HubPanics,
		m.GreeksTriggers,
		m.GreeksSuppressed,
		m.BarsTotal,
		m.CacheFlushDur,
		m.FeedState,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedsConnected int       `json:"feeds_connected"`
	FeedsTotal     int       `json:"feeds_total"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Instruments    int       `json:"instruments"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeeds(connected, total int) {
	h.mu.Lock()
	h.FeedsConnected = connected
	h.FeedsTotal = total
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetInstruments(n int) {
	h.mu.Lock()
	h.Instruments = n
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

	if h.FeedsConnected < h.FeedsTotal || !h.RedisConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.FeedsConnected == 0 && h.FeedsTotal > 0 {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedsConnected  int     `json:"feeds_connected"`
		FeedsTotal      int     `json:"feeds_total"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		Instruments     int     `json:"instruments"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedsConnected:  h.FeedsConnected,
		FeedsTotal:      h.FeedsTotal,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		Instruments:     h.Instruments,
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

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
