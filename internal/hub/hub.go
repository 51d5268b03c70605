// Package hub is the in-process pub/sub registry between the ingestion
// pipelines and everything that consumes ticks: windows, the greeks trigger,
// the gateway, the snapshot cache.
//
// Delivery is a synchronous direct call from the publishing goroutine into
// each matching callback, over a copy of the subscriber list taken under the
// read lock, so a subscriber added or removed mid-publish never corrupts the
// iteration. Callbacks must be fast and must not block.
package hub

import (
	"log"
	"sync"
	"sync/atomic"

	"marketdata-corev1/internal/model"
)

// Callback receives the post-update snapshot for an instrument.
type Callback func(rec model.PriceRecord, kind model.UpdateKind)

// Handle identifies one subscription for Unsubscribe. The zero Handle is
// never issued.
type Handle struct {
	id uint64
}

type subscription struct {
	handle uint64
	owner  string
	fn     Callback

	// byKind selects which routing table holds the subscription.
	byKind bool
	id     model.InstrumentID
	kind   model.UpdateKind
}

// Hub routes published snapshots to instrument subscribers and to
// kind-partitioned broadcast subscribers.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	byID     map[model.InstrumentID][]*subscription
	byKind   map[model.UpdateKind][]*subscription
	byHandle map[uint64]*subscription
	byOwner  map[string][]uint64

	delivered atomic.Uint64
	panics    atomic.Uint64
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		byID:     make(map[model.InstrumentID][]*subscription),
		byKind:   make(map[model.UpdateKind][]*subscription),
		byHandle: make(map[uint64]*subscription),
		byOwner:  make(map[string][]uint64),
	}
}

// Subscribe registers fn for every update of one instrument. The owner string
// scopes the subscription's lifetime: UnsubscribeAll(owner) removes it even if
// the caller lost the handle.
func (h *Hub) Subscribe(id model.InstrumentID, owner string, fn Callback) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := h.newSubLocked(owner, fn)
	sub.id = id
	h.byID[id] = append(h.byID[id], sub)
	return Handle{id: sub.handle}
}

// SubscribeKind registers fn for every update of one kind across all
// instruments, so a consumer that wants "all depth updates" does not have to
// filter every tick itself.
func (h *Hub) SubscribeKind(kind model.UpdateKind, owner string, fn Callback) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := h.newSubLocked(owner, fn)
	sub.byKind = true
	sub.kind = kind
	h.byKind[kind] = append(h.byKind[kind], sub)
	return Handle{id: sub.handle}
}

func (h *Hub) newSubLocked(owner string, fn Callback) *subscription {
	h.nextID++
	sub := &subscription{handle: h.nextID, owner: owner, fn: fn}
	h.byHandle[sub.handle] = sub
	h.byOwner[owner] = append(h.byOwner[owner], sub.handle)
	return sub
}

// Unsubscribe removes one subscription. Unknown or already-removed handles
// are a no-op.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(handle.id)
}

// UnsubscribeAll removes every subscription registered under owner.
func (h *Hub) UnsubscribeAll(owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range h.byOwner[owner] {
		h.removeLocked(id)
	}
	delete(h.byOwner, owner)
}

func (h *Hub) removeLocked(handleID uint64) {
	sub, ok := h.byHandle[handleID]
	if !ok {
		return
	}
	delete(h.byHandle, handleID)

	if sub.byKind {
		h.byKind[sub.kind] = dropSub(h.byKind[sub.kind], sub)
		if len(h.byKind[sub.kind]) == 0 {
			delete(h.byKind, sub.kind)
		}
	} else {
		h.byID[sub.id] = dropSub(h.byID[sub.id], sub)
		if len(h.byID[sub.id]) == 0 {
			delete(h.byID, sub.id)
		}
	}

	owned := h.byOwner[sub.owner]
	for i, id := range owned {
		if id == handleID {
			h.byOwner[sub.owner] = append(owned[:i], owned[i+1:]...)
			break
		}
	}
}

func dropSub(subs []*subscription, target *subscription) []*subscription {
	for i, s := range subs {
		if s == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish delivers a post-update snapshot to every instrument subscriber of
// id and every broadcast subscriber of kind. A panicking callback is caught
// and logged; remaining subscribers still get the tick.
func (h *Hub) Publish(id model.InstrumentID, rec model.PriceRecord, kind model.UpdateKind) {
	h.mu.RLock()
	matched := make([]*subscription, 0, len(h.byID[id])+len(h.byKind[kind]))
	matched = append(matched, h.byID[id]...)
	matched = append(matched, h.byKind[kind]...)
	h.mu.RUnlock()

	for _, sub := range matched {
		h.deliver(sub, rec, kind)
	}
}

func (h *Hub) deliver(sub *subscription, rec model.PriceRecord, kind model.UpdateKind) {
	defer func() {
		if r := recover(); r != nil {
			h.panics.Add(1)
			log.Printf("[hub] subscriber panic owner=%s instrument=%s: %v", sub.owner, rec.ID.Key(), r)
		}
	}()
	sub.fn(rec, kind)
	h.delivered.Add(1)
}

// Stats are cumulative since construction.
type Stats struct {
	Delivered uint64
	Panics    uint64
}

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{Delivered: h.delivered.Load(), Panics: h.panics.Load()}
}

// SubscriberCount returns the number of live subscriptions, for diagnostics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byHandle)
}
