// Package store holds the live consolidated price state: one fixed-capacity
// slot array per exchange segment, written by the ingestion pipelines and read
// by everyone else through copy-out snapshots.
//
// Writers and readers synchronize on a per-slot mutex held only for the
// duration of the field merge or copy. Readers never see a record
// mid-mutation, and pipelines on different segments never contend.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"marketdata-corev1/internal/model"
)

type slot struct {
	mu  sync.Mutex
	rec model.PriceRecord
}

// PriceStore is sized once from the instrument index capacities and never
// grows. A contract-master reload builds a new store alongside a new index.
type PriceStore struct {
	segs map[model.Segment][]slot

	applied     atomic.Uint64
	staleFields atomic.Uint64
}

// Stats are cumulative since construction.
type Stats struct {
	Applied     uint64 // updates that merged at least one field
	StaleFields uint64 // volume/OI fields ignored because they would regress
}

// New creates a store with the given per-segment slot capacities.
func New(capacities map[model.Segment]int) *PriceStore {
	segs := make(map[model.Segment][]slot, len(capacities))
	for seg, n := range capacities {
		if n > 0 {
			segs[seg] = make([]slot, n)
		}
	}
	return &PriceStore{segs: segs}
}

// Apply merges a raw update into the slot's record under the rules for kind
// and returns the post-merge snapshot. The bool is false when nothing was
// merged (unknown slot, or no carried field is valid for the kind) and the
// caller should not publish.
//
// Only the intersection of the kind's allowed fields and the fields the
// message actually carried is merged. Volume and open interest never move
// backward except under a full snapshot, which reseeds state after a
// subscription gap; day high/low only ever extend.
func (s *PriceStore) Apply(seg model.Segment, slotIdx int, kind model.UpdateKind, raw *model.RawTick) (model.PriceRecord, bool) {
	slots, ok := s.segs[seg]
	if !ok || slotIdx < 0 || slotIdx >= len(slots) {
		return model.PriceRecord{}, false
	}

	eff := kind.ValidFields() & raw.Fields
	if eff == 0 {
		return model.PriceRecord{}, false
	}

	seed := kind == model.KindFullSnapshot

	sl := &slots[slotIdx]
	sl.mu.Lock()
	rec := &sl.rec
	rec.ID = raw.ID

	accepted := eff

	if eff.Has(model.FieldLTP) {
		rec.LTP = raw.LTP
		rec.LTQ = raw.LTQ
		if raw.LastTradeTime != 0 {
			rec.LastTradeTime = raw.LastTradeTime
		}
	}

	if eff.Has(model.FieldVolume) {
		if seed || !rec.Fields.Has(model.FieldVolume) || raw.Volume >= rec.Volume {
			rec.Volume = raw.Volume
			if raw.TotalTrades != 0 {
				rec.TotalTrades = raw.TotalTrades
			}
		} else {
			accepted &^= model.FieldVolume
			s.staleFields.Add(1)
		}
	}

	if eff.Has(model.FieldOHLC) {
		rec.Open = raw.Open
		if seed || !rec.Fields.Has(model.FieldOHLC) {
			rec.High = raw.High
			rec.Low = raw.Low
		} else {
			if raw.High > rec.High {
				rec.High = raw.High
			}
			if raw.Low < rec.Low && raw.Low > 0 {
				rec.Low = raw.Low
			}
		}
	}

	if eff.Has(model.FieldPrevClose) {
		rec.PrevClose = raw.PrevClose
	}
	if eff.Has(model.FieldATP) {
		rec.ATP = raw.ATP
	}

	switch {
	case eff.Has(model.FieldDepth):
		rec.Bids = raw.Bids
		rec.Asks = raw.Asks
		rec.TotalBuyQty = raw.TotalBuyQty
		rec.TotalSellQty = raw.TotalSellQty
		rec.Fields |= model.FieldTopOfBook
	case eff.Has(model.FieldTopOfBook):
		rec.Bids[0] = raw.Bids[0]
		rec.Asks[0] = raw.Asks[0]
	}

	if eff.Has(model.FieldOI) {
		if seed || !rec.Fields.Has(model.FieldOI) || raw.OpenInterest >= rec.OpenInterest {
			rec.OpenInterest = raw.OpenInterest
			if raw.OIDayHigh > rec.OIDayHigh {
				rec.OIDayHigh = raw.OIDayHigh
			}
			if raw.OIDayLow != 0 && (rec.OIDayLow == 0 || raw.OIDayLow < rec.OIDayLow) {
				rec.OIDayLow = raw.OIDayLow
			}
		} else {
			accepted &^= model.FieldOI
			s.staleFields.Add(1)
		}
	}

	rec.Fields |= accepted
	if raw.ReceivedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	} else {
		rec.UpdatedAt = raw.ReceivedAt
	}

	out := *rec
	sl.mu.Unlock()

	if accepted == 0 {
		return out, false
	}
	s.applied.Add(1)
	return out, true
}

// Snapshot returns a copy of the slot's record. It always succeeds: an
// unpopulated or out-of-range slot comes back as a zero record with an empty
// field mask.
func (s *PriceStore) Snapshot(seg model.Segment, slotIdx int) model.PriceRecord {
	slots, ok := s.segs[seg]
	if !ok || slotIdx < 0 || slotIdx >= len(slots) {
		return model.PriceRecord{}
	}
	sl := &slots[slotIdx]
	sl.mu.Lock()
	out := sl.rec
	sl.mu.Unlock()
	return out
}

// ResetDay clears the day-scoped state (volume, trades, OHLC, open interest)
// at trading-day rollover so the monotonic counter rules start fresh. Prices
// and depth carry over as the previous session's last values.
func (s *PriceStore) ResetDay() {
	for _, slots := range s.segs {
		for i := range slots {
			sl := &slots[i]
			sl.mu.Lock()
			rec := &sl.rec
			rec.Volume = 0
			rec.TotalTrades = 0
			rec.Open = 0
			rec.High = 0
			rec.Low = 0
			rec.OpenInterest = 0
			rec.OIDayHigh = 0
			rec.OIDayLow = 0
			rec.Fields &^= model.FieldVolume | model.FieldOHLC | model.FieldOI
			sl.mu.Unlock()
		}
	}
}

// Capacity returns the slot count for a segment.
func (s *PriceStore) Capacity(seg model.Segment) int {
	return len(s.segs[seg])
}

// Stats returns cumulative apply statistics.
func (s *PriceStore) Stats() Stats {
	return Stats{
		Applied:     s.applied.Load(),
		StaleFields: s.staleFields.Load(),
	}
}
