// Package candles builds 1-second OHLC bars from the live tick flow and
// persists them, giving late-joining consumers a short price history next to
// the latest-value snapshot.
package candles

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/model"
)

const owner = "candle-agg"

// Candle is one finalized 1-second bar. Prices are paise.
type Candle struct {
	ID     model.InstrumentID `json:"id"`
	TS     time.Time          `json:"ts"`
	Open   int64              `json:"open"`
	High   int64              `json:"high"`
	Low    int64              `json:"low"`
	Close  int64              `json:"close"`
	Volume int64              `json:"volume"` // quantity traded within the second
	Ticks  int                `json:"ticks"`
}

type barState struct {
	bucket int64 // unix second
	bar    Candle
}

// Aggregator folds price updates into per-instrument second buckets and emits
// a bar when its second rolls over. Only trade-bearing kinds feed it; depth
// churn carries no price.
type Aggregator struct {
	mu     sync.Mutex
	states map[model.InstrumentID]*barState

	ticks chan model.PriceRecord

	flushInterval time.Duration
	now           func() time.Time

	bars    atomic.Uint64
	late    atomic.Uint64
	dropped atomic.Uint64
}

// New creates an aggregator.
func New() *Aggregator {
	return &Aggregator{
		states:        make(map[model.InstrumentID]*barState),
		ticks:         make(chan model.PriceRecord, 8192),
		flushInterval: 100 * time.Millisecond,
		now:           time.Now,
	}
}

// Attach subscribes the aggregator to the trade-bearing update kinds.
func (a *Aggregator) Attach(h *hub.Hub) {
	for _, kind := range []model.UpdateKind{
		model.KindTouchline, model.KindTradeTick, model.KindFullSnapshot,
	} {
		h.SubscribeKind(kind, owner, a.onTick)
	}
}

// Detach removes the aggregator's subscriptions.
func (a *Aggregator) Detach(h *hub.Hub) {
	h.UnsubscribeAll(owner)
}

func (a *Aggregator) onTick(rec model.PriceRecord, _ model.UpdateKind) {
	if !rec.Fields.Has(model.FieldLTP) || rec.LTP == 0 {
		return
	}
	select {
	case a.ticks <- rec:
	default:
		a.dropped.Add(1)
	}
}

// Run consumes ticks and sends finalized bars to barCh until ctx is
// cancelled, flushing open bars on the way out.
func (a *Aggregator) Run(ctx context.Context, barCh chan<- Candle) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(barCh)
			return
		case rec := <-a.ticks:
			a.fold(rec, barCh)
		case <-ticker.C:
			a.flushOld(barCh)
		}
	}
}

func (a *Aggregator) fold(rec model.PriceRecord, barCh chan<- Candle) {
	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = a.now()
	}
	bucket := ts.Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	state, exists := a.states[rec.ID]
	if exists && bucket < state.bucket {
		a.late.Add(1)
		return
	}
	if exists && bucket > state.bucket {
		a.emit(state, barCh)
		delete(a.states, rec.ID)
		exists = false
	}

	if !exists {
		a.states[rec.ID] = &barState{
			bucket: bucket,
			bar: Candle{
				ID:     rec.ID,
				TS:     time.Unix(bucket, 0).UTC(),
				Open:   rec.LTP,
				High:   rec.LTP,
				Low:    rec.LTP,
				Close:  rec.LTP,
				Volume: rec.LTQ,
				Ticks:  1,
			},
		}
		return
	}

	bar := &state.bar
	if rec.LTP > bar.High {
		bar.High = rec.LTP
	}
	if rec.LTP < bar.Low {
		bar.Low = rec.LTP
	}
	bar.Close = rec.LTP
	bar.Volume += rec.LTQ
	bar.Ticks++
}

func (a *Aggregator) flushOld(barCh chan<- Candle) {
	now := a.now().Unix()

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, state := range a.states {
		if state.bucket < now {
			a.emit(state, barCh)
			delete(a.states, id)
		}
	}
}

func (a *Aggregator) flushAll(barCh chan<- Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, state := range a.states {
		a.emit(state, barCh)
		delete(a.states, id)
	}
}

// emit is non-blocking; a full channel drops the bar rather than stalling
// tick processing.
func (a *Aggregator) emit(state *barState, barCh chan<- Candle) {
	a.bars.Add(1)
	select {
	case barCh <- state.bar:
	default:
		log.Printf("[candles] bar channel full, dropping %s ts=%v", state.bar.ID.Key(), state.bar.TS)
	}
}

// Stats are cumulative since construction.
type Stats struct {
	Bars    uint64 // finalized bars emitted
	Late    uint64 // ticks for already-finalized buckets
	Dropped uint64 // ticks lost to a full intake queue
}

// Stats returns aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{Bars: a.bars.Load(), Late: a.late.Load(), Dropped: a.dropped.Load()}
}
