package candles

import (
	"context"
	"testing"
	"time"

	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/model"
)

var fut = model.InstrumentID{Segment: model.SegNSEFO, Token: 49543}

func tick(ltp, ltq int64, at time.Time) model.PriceRecord {
	return model.PriceRecord{
		ID: fut, LTP: ltp, LTQ: ltq,
		Fields:    model.FieldLTP,
		UpdatedAt: at,
	}
}

func TestFold_BuildsOHLC(t *testing.T) {
	a := New()
	base := time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	barCh := make(chan Candle, 4)

	// Four trades in one second, then one in the next to close the bucket.
	a.fold(tick(10000, 10, base), barCh)
	a.fold(tick(10050, 5, base.Add(200*time.Millisecond)), barCh)
	a.fold(tick(9980, 20, base.Add(500*time.Millisecond)), barCh)
	a.fold(tick(10020, 5, base.Add(900*time.Millisecond)), barCh)
	a.fold(tick(10030, 1, base.Add(time.Second)), barCh)

	select {
	case bar := <-barCh:
		if bar.Open != 10000 || bar.High != 10050 || bar.Low != 9980 || bar.Close != 10020 {
			t.Fatalf("ohlc = %d/%d/%d/%d", bar.Open, bar.High, bar.Low, bar.Close)
		}
		if bar.Volume != 40 || bar.Ticks != 4 {
			t.Fatalf("volume=%d ticks=%d", bar.Volume, bar.Ticks)
		}
		if !bar.TS.Equal(base) {
			t.Fatalf("ts = %v, want %v", bar.TS, base)
		}
	default:
		t.Fatal("no bar emitted on bucket rollover")
	}
}

func TestFold_LateTickDropped(t *testing.T) {
	a := New()
	base := time.Date(2026, 2, 10, 10, 0, 5, 0, time.UTC)
	barCh := make(chan Candle, 4)

	a.fold(tick(10000, 10, base), barCh)
	a.fold(tick(10100, 10, base.Add(time.Second)), barCh) // rolls the bucket
	a.fold(tick(1, 1, base.Add(-time.Second)), barCh)     // stale

	if st := a.Stats(); st.Late != 1 {
		t.Fatalf("late = %d, want 1", st.Late)
	}

	a.mu.Lock()
	bar := a.states[fut].bar
	a.mu.Unlock()
	if bar.Low == 1 {
		t.Fatal("late tick leaked into the open bar")
	}
}

func TestRun_AttachedToHub(t *testing.T) {
	a := New()
	h := hub.New()
	a.Attach(h)
	defer a.Detach(h)

	barCh := make(chan Candle, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, barCh)
		close(done)
	}()

	at := time.Now().Add(-2 * time.Second) // already-closed bucket flushes fast
	h.Publish(fut, tick(10000, 10, at), model.KindTouchline)
	h.Publish(fut, tick(10010, 5, at.Add(100*time.Millisecond)), model.KindTradeTick)

	// Depth updates carry no trade and must not open a bar.
	depth := model.PriceRecord{ID: fut, Fields: model.FieldDepth, UpdatedAt: at}
	h.Publish(fut, depth, model.KindDepth)

	select {
	case bar := <-barCh:
		if bar.Open != 10000 || bar.Close != 10010 || bar.Ticks != 2 {
			t.Fatalf("bar = %+v", bar)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bar emitted")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not stop")
	}
}
