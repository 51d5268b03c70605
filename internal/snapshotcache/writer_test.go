package snapshotcache

import (
	"testing"
	"time"

	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/model"
)

func newTestWriter() *Writer {
	// No Redis in unit tests; flush is exercised against a live server only.
	return &Writer{
		flushGap:  defaultFlushGap,
		latestTTL: defaultLatestTTL,
		pending:   make(map[model.InstrumentID]model.PriceRecord),
	}
}

func TestAttach_CoalescesPerInstrument(t *testing.T) {
	w := newTestWriter()
	h := hub.New()
	w.Attach(h)

	id := model.InstrumentID{Segment: model.SegNSEFO, Token: 49543}
	other := model.InstrumentID{Segment: model.SegNSECM, Token: 2885}

	h.Publish(id, model.PriceRecord{ID: id, LTP: 100, Fields: model.FieldLTP}, model.KindTouchline)
	h.Publish(id, model.PriceRecord{ID: id, LTP: 101, Fields: model.FieldLTP}, model.KindTradeTick)
	h.Publish(other, model.PriceRecord{ID: other, LTP: 50, Fields: model.FieldLTP}, model.KindTouchline)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(w.pending))
	}
	if w.pending[id].LTP != 101 {
		t.Fatalf("older record survived coalescing: ltp=%d", w.pending[id].LTP)
	}
	if w.coalesced.Load() != 1 {
		t.Fatalf("coalesced = %d, want 1", w.coalesced.Load())
	}
}

func TestAttach_CoversEveryKind(t *testing.T) {
	w := newTestWriter()
	h := hub.New()
	w.Attach(h)

	id := model.InstrumentID{Segment: model.SegNSEFO, Token: 1}
	kinds := []model.UpdateKind{
		model.KindTouchline, model.KindDepth, model.KindTradeTick, model.KindFullSnapshot,
	}
	for i, kind := range kinds {
		h.Publish(id, model.PriceRecord{
			ID: id, LTP: int64(i), Fields: model.FieldLTP,
			UpdatedAt: time.Unix(int64(i), 0),
		}, kind)
	}

	w.mu.Lock()
	rec := w.pending[id]
	w.mu.Unlock()
	if rec.LTP != int64(len(kinds)-1) {
		t.Fatalf("last kind not cached: %+v", rec)
	}

	w.Detach(h)
	if h.SubscriberCount() != 0 {
		t.Fatalf("leaked subscriptions: %d", h.SubscriberCount())
	}
}
