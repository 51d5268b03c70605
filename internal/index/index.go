// Package index provides the static instrument index: the token→slot mapping
// plus symbol and series secondary indexes, built once per session from the
// contract master. The index is read-only after Build; a contract-master
// reload builds a fresh Index and the session swaps the pointer.
package index

import (
	"fmt"
	"sort"
	"sync"

	"marketdata-corev1/internal/model"
)

// Index resolves instrument identities to per-segment array slots and serves
// filtered enumeration for the presentation layer.
type Index struct {
	segs map[model.Segment]*segmentIndex

	// UniqueSymbols cache, keyed by (segment, series filter). The underlying
	// data never changes between reloads, so entries are computed once.
	symMu   sync.RWMutex
	symbols map[symbolsKey][]string
}

type symbolsKey struct {
	seg    model.Segment
	series string
}

type segmentIndex struct {
	instruments []model.Instrument // slot -> instrument
	byToken     map[uint32]int
	bySymbol    map[string][]int
	bySeries    map[string][]int
}

// Build constructs the index in a single pass over the contract master rows.
// Slots are assigned in input order per segment and never reassigned. An empty
// input is an error: a session with no instruments cannot serve anything
// downstream and must not start.
func Build(instruments []model.Instrument) (*Index, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("index: empty contract master")
	}

	x := &Index{
		segs:    make(map[model.Segment]*segmentIndex),
		symbols: make(map[symbolsKey][]string),
	}

	for _, ins := range instruments {
		if ins.ID.Segment == model.SegUnknown {
			return nil, fmt.Errorf("index: instrument %q has unknown segment", ins.TradingSymbol)
		}
		si, ok := x.segs[ins.ID.Segment]
		if !ok {
			si = &segmentIndex{
				byToken:  make(map[uint32]int),
				bySymbol: make(map[string][]int),
				bySeries: make(map[string][]int),
			}
			x.segs[ins.ID.Segment] = si
		}
		if _, dup := si.byToken[ins.ID.Token]; dup {
			return nil, fmt.Errorf("index: duplicate token %d on %s", ins.ID.Token, ins.ID.Segment)
		}
		slot := len(si.instruments)
		si.instruments = append(si.instruments, ins)
		si.byToken[ins.ID.Token] = slot
		si.bySymbol[ins.Name] = append(si.bySymbol[ins.Name], slot)
		si.bySeries[ins.Series] = append(si.bySeries[ins.Series], slot)
	}

	// Secondary indexes are sorted wholesale at build time so enumeration
	// comes back in (expiry, strike, option type) order with no further sort
	// needed by callers.
	for _, si := range x.segs {
		for _, slots := range si.bySymbol {
			si.sortSlots(slots)
		}
		for _, slots := range si.bySeries {
			si.sortSlots(slots)
		}
	}

	return x, nil
}

func (si *segmentIndex) sortSlots(slots []int) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := &si.instruments[slots[i]], &si.instruments[slots[j]]
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.OptionType < b.OptionType
	})
}

// Resolve returns the slot for an instrument identity.
func (x *Index) Resolve(seg model.Segment, token uint32) (int, bool) {
	si, ok := x.segs[seg]
	if !ok {
		return 0, false
	}
	slot, ok := si.byToken[token]
	return slot, ok
}

// Instrument returns the contract metadata stored at a slot.
func (x *Index) Instrument(seg model.Segment, slot int) (model.Instrument, bool) {
	si, ok := x.segs[seg]
	if !ok || slot < 0 || slot >= len(si.instruments) {
		return model.Instrument{}, false
	}
	return si.instruments[slot], true
}

// SlotsForSymbol returns every slot whose instrument has the given underlying
// name, sorted by (expiry, strike, option type). The returned slice is shared;
// callers must not modify it.
func (x *Index) SlotsForSymbol(seg model.Segment, symbol string) []int {
	if si, ok := x.segs[seg]; ok {
		return si.bySymbol[symbol]
	}
	return nil
}

// SlotsForSeries returns every slot in a series, in the same deterministic
// order as SlotsForSymbol.
func (x *Index) SlotsForSeries(seg model.Segment, series string) []int {
	if si, ok := x.segs[seg]; ok {
		return si.bySeries[series]
	}
	return nil
}

// Capacity returns the number of slots assigned for a segment.
func (x *Index) Capacity(seg model.Segment) int {
	if si, ok := x.segs[seg]; ok {
		return len(si.instruments)
	}
	return 0
}

// Capacities returns per-segment slot counts, used to size the price store.
func (x *Index) Capacities() map[model.Segment]int {
	caps := make(map[model.Segment]int, len(x.segs))
	for seg, si := range x.segs {
		caps[seg] = len(si.instruments)
	}
	return caps
}

// UniqueSymbols returns the distinct underlying names on a segment, optionally
// restricted to one series (empty filter means all). Results are sorted and
// cached per (segment, filter) pair.
func (x *Index) UniqueSymbols(seg model.Segment, seriesFilter string) []string {
	key := symbolsKey{seg: seg, series: seriesFilter}

	x.symMu.RLock()
	cached, ok := x.symbols[key]
	x.symMu.RUnlock()
	if ok {
		return cached
	}

	si, segOK := x.segs[seg]
	if !segOK {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	if seriesFilter == "" {
		for name := range si.bySymbol {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	} else {
		for _, slot := range si.bySeries[seriesFilter] {
			name := si.instruments[slot].Name
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)

	x.symMu.Lock()
	x.symbols[key] = out
	x.symMu.Unlock()
	return out
}
