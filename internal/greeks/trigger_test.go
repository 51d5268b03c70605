package greeks

import (
	"testing"
	"time"

	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/model"
)

var option = model.InstrumentID{Segment: model.SegNSEFO, Token: 67125}

func optionRec(ltp int64) model.PriceRecord {
	return model.PriceRecord{ID: option, LTP: ltp, Fields: model.FieldLTP}
}

func TestTrigger_PriceKindsOnly(t *testing.T) {
	h := hub.New()

	var calls int
	tr := NewTrigger(h, RecalcFunc(func(model.PriceRecord) { calls++ }), PolicyPerFeed, 0)
	tr.Start()
	defer tr.Stop()

	h.Publish(option, optionRec(100), model.KindTouchline)
	h.Publish(option, optionRec(101), model.KindTradeTick)
	h.Publish(option, optionRec(102), model.KindFullSnapshot)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	// Book churn without a trade must never trigger a pricing pass.
	h.Publish(option, optionRec(102), model.KindDepth)
	if calls != 3 {
		t.Fatalf("depth update triggered recalculation: calls = %d", calls)
	}
}

func TestTrigger_IgnoresCashInstruments(t *testing.T) {
	h := hub.New()

	var calls int
	tr := NewTrigger(h, RecalcFunc(func(model.PriceRecord) { calls++ }), PolicyPerFeed, 0)
	tr.Start()
	defer tr.Stop()

	cash := model.InstrumentID{Segment: model.SegNSECM, Token: 2885}
	h.Publish(cash, model.PriceRecord{ID: cash, LTP: 100, Fields: model.FieldLTP}, model.KindTouchline)
	if calls != 0 {
		t.Fatalf("cash tick triggered recalculation: calls = %d", calls)
	}
}

func TestTrigger_Throttle(t *testing.T) {
	h := hub.New()

	var calls int
	tr := NewTrigger(h, RecalcFunc(func(model.PriceRecord) { calls++ }), PolicyThrottle, 100*time.Millisecond)

	clock := time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	tr.Start()
	defer tr.Stop()

	// Burst within one window: only the first tick recalculates.
	for i := 0; i < 5; i++ {
		h.Publish(option, optionRec(100+int64(i)), model.KindTouchline)
		clock = clock.Add(10 * time.Millisecond)
	}
	if calls != 1 {
		t.Fatalf("calls in window = %d, want 1", calls)
	}
	if st := tr.Stats(); st.Suppressed != 4 {
		t.Fatalf("suppressed = %d, want 4", st.Suppressed)
	}

	// Past the window the next tick goes through.
	clock = clock.Add(200 * time.Millisecond)
	h.Publish(option, optionRec(200), model.KindTouchline)
	if calls != 2 {
		t.Fatalf("calls after window = %d, want 2", calls)
	}
}

func TestTrigger_ThrottleIsPerInstrument(t *testing.T) {
	h := hub.New()

	var calls int
	tr := NewTrigger(h, RecalcFunc(func(model.PriceRecord) { calls++ }), PolicyThrottle, time.Minute)
	tr.Start()
	defer tr.Stop()

	other := model.InstrumentID{Segment: model.SegNSEFO, Token: 67126}
	h.Publish(option, optionRec(100), model.KindTouchline)
	h.Publish(other, model.PriceRecord{ID: other, LTP: 50, Fields: model.FieldLTP}, model.KindTouchline)
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (throttle must not couple instruments)", calls)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyPerFeed {
		t.Fatalf("default policy = %v, %v", p, err)
	}
	if p, err := ParsePolicy("throttle"); err != nil || p != PolicyThrottle {
		t.Fatalf("throttle policy = %v, %v", p, err)
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatal("bad policy must error")
	}
}
