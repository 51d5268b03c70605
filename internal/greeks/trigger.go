// Package greeks owns the recalculation trigger: it decides when an option
// pricing pass is warranted from the live tick flow. The computation itself
// is behind the Recalculator interface; this package only wires it to the
// right update kinds.
package greeks

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/model"
)

const owner = "greeks-trigger"

// Recalculator performs one pricing pass for an instrument. Implementations
// must be fast or hand off internally; the trigger calls it from the
// publishing goroutine.
type Recalculator interface {
	Recalculate(rec model.PriceRecord)
}

// RecalcFunc adapts a function to Recalculator.
type RecalcFunc func(rec model.PriceRecord)

func (f RecalcFunc) Recalculate(rec model.PriceRecord) { f(rec) }

// Policy selects how aggressively ticks become recalculations.
type Policy int

const (
	// PolicyPerFeed recalculates on every qualifying tick.
	PolicyPerFeed Policy = iota
	// PolicyThrottle recalculates at most once per interval per instrument.
	PolicyThrottle
)

// ParsePolicy parses the configuration value ("perfeed" or "throttle").
func ParsePolicy(v string) (Policy, error) {
	switch v {
	case "", "perfeed":
		return PolicyPerFeed, nil
	case "throttle":
		return PolicyThrottle, nil
	default:
		return 0, fmt.Errorf("greeks: unknown trigger policy %q", v)
	}
}

// Trigger subscribes to price-moving update kinds and drives the
// recalculator. Depth churn never triggers: a book reshuffle without a trade
// does not move the inputs a pricing pass reads.
type Trigger struct {
	hub      *hub.Hub
	recalc   Recalculator
	policy   Policy
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[model.InstrumentID]time.Time

	triggered  atomic.Uint64
	suppressed atomic.Uint64
}

// Stats are cumulative since Start.
type Stats struct {
	Triggered  uint64
	Suppressed uint64 // ticks absorbed by the throttle window
}

// NewTrigger creates a trigger. interval is only used under PolicyThrottle.
func NewTrigger(h *hub.Hub, recalc Recalculator, policy Policy, interval time.Duration) *Trigger {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Trigger{
		hub:      h,
		recalc:   recalc,
		policy:   policy,
		interval: interval,
		now:      time.Now,
		last:     make(map[model.InstrumentID]time.Time),
	}
}

// Start registers the kind subscriptions. Touchline and trade ticks move the
// underlying price or open interest; those are the only kinds that matter.
func (t *Trigger) Start() {
	t.hub.SubscribeKind(model.KindTouchline, owner, t.onTick)
	t.hub.SubscribeKind(model.KindTradeTick, owner, t.onTick)
	t.hub.SubscribeKind(model.KindFullSnapshot, owner, t.onTick)
}

// Stop removes every subscription the trigger holds.
func (t *Trigger) Stop() {
	t.hub.UnsubscribeAll(owner)
}

func (t *Trigger) onTick(rec model.PriceRecord, _ model.UpdateKind) {
	if !rec.ID.Segment.IsDerivative() {
		return
	}

	if t.policy == PolicyThrottle {
		now := t.now()
		t.mu.Lock()
		if last, ok := t.last[rec.ID]; ok && now.Sub(last) < t.interval {
			t.mu.Unlock()
			t.suppressed.Add(1)
			return
		}
		t.last[rec.ID] = now
		t.mu.Unlock()
	}

	t.triggered.Add(1)
	t.recalc.Recalculate(rec)
}

// Stats returns trigger counters.
func (t *Trigger) Stats() Stats {
	return Stats{Triggered: t.triggered.Load(), Suppressed: t.suppressed.Load()}
}
