// Package snapshotcache mirrors the live price records into Redis so that
// out-of-process consumers (dashboards, other services) can read the latest
// state and follow updates over pub/sub without speaking the exchange feeds.
package snapshotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	owner            = "snapshot-cache"
	defaultFlushGap  = 100 * time.Millisecond
	defaultLatestTTL = 30 * time.Minute
)

// Config configures the cache writer.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	FlushInterval time.Duration // default 100ms
	LatestTTL     time.Duration // default 30m

	// OnFlush, if set, observes the duration of each non-empty flush.
	OnFlush func(d time.Duration)
}

// Writer coalesces hub updates per instrument and flushes them to Redis in
// one pipeline per interval: SET of the latest record plus a PUBLISH for
// streaming subscribers. Coalescing keeps a fast instrument from turning
// every tick into a network roundtrip.
type Writer struct {
	client    *goredis.Client
	flushGap  time.Duration
	latestTTL time.Duration
	onFlush   func(d time.Duration)

	mu      sync.Mutex
	pending map[model.InstrumentID]model.PriceRecord

	writes    atomic.Uint64
	writeErrs atomic.Uint64
	coalesced atomic.Uint64
}

// New connects to Redis and pings it.
func New(cfg Config) (*Writer, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushGap
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("snapshotcache: redis ping: %w", err)
	}

	log.Printf("[snapshotcache] connected to %s", cfg.Addr)
	return &Writer{
		client:    client,
		flushGap:  cfg.FlushInterval,
		latestTTL: cfg.LatestTTL,
		onFlush:   cfg.OnFlush,
		pending:   make(map[model.InstrumentID]model.PriceRecord),
	}, nil
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// Attach subscribes the writer to every update kind on the hub.
func (w *Writer) Attach(h *hub.Hub) {
	for _, kind := range []model.UpdateKind{
		model.KindTouchline, model.KindDepth, model.KindTradeTick, model.KindFullSnapshot,
	} {
		h.SubscribeKind(kind, owner, w.onTick)
	}
}

// Detach removes the writer's subscriptions.
func (w *Writer) Detach(h *hub.Hub) {
	h.UnsubscribeAll(owner)
}

func (w *Writer) onTick(rec model.PriceRecord, _ model.UpdateKind) {
	w.mu.Lock()
	if _, dup := w.pending[rec.ID]; dup {
		w.coalesced.Add(1)
	}
	w.pending[rec.ID] = rec
	w.mu.Unlock()
}

// Run flushes pending records until ctx is cancelled, then does a final flush.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[model.InstrumentID]model.PriceRecord, len(batch))
	w.mu.Unlock()

	start := time.Now()
	pipe := w.client.Pipeline()
	for id, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		key := id.Key()
		pipe.Set(ctx, "md:latest:"+key, data, w.latestTTL)
		pipe.Publish(ctx, "pub:md:"+key, data)
	}

	_, err := pipe.Exec(ctx)
	if w.onFlush != nil {
		w.onFlush(time.Since(start))
	}
	if err != nil {
		w.writeErrs.Add(1)
		log.Printf("[snapshotcache] pipeline error (%d records): %v", len(batch), err)
		return
	}
	w.writes.Add(uint64(len(batch)))
}

// Stats are cumulative since construction.
type Stats struct {
	Writes    uint64 // records flushed to Redis
	WriteErrs uint64 // failed pipeline executions
	Coalesced uint64 // updates absorbed by a newer one before flush
}

// Stats returns writer counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Writes:    w.writes.Load(),
		WriteErrs: w.writeErrs.Load(),
		Coalesced: w.coalesced.Load(),
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
