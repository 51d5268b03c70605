package session

import (
	"context"
	"path/filepath"
	"testing"

	"marketdata-corev1/config"
	"marketdata-corev1/internal/classify"
	"marketdata-corev1/internal/master"
	"marketdata-corev1/internal/metrics"
	"marketdata-corev1/internal/model"
)

// One shared registry: NewMetrics registers into the default Prometheus
// registry and must run once per process.
var testProm = metrics.NewMetrics()

func seedMaster(t *testing.T, path string) {
	t.Helper()
	st, err := master.Open(path)
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	defer st.Close()

	rows := []model.Instrument{
		{
			ID:            model.InstrumentID{Segment: model.SegNSECM, Token: 2885},
			TradingSymbol: "RELIANCE-EQ", Name: "RELIANCE", Series: "EQ",
		},
		{
			ID:            model.InstrumentID{Segment: model.SegNSECM, Token: 11536},
			TradingSymbol: "TCS-EQ", Name: "TCS", Series: "EQ",
		},
	}
	if err := st.Replace(context.Background(), model.SegNSECM, rows); err != nil {
		t.Fatalf("replace: %v", err)
	}
}

func TestNew_LoadsStoredMaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.db")
	seedMaster(t, path)

	cfg := &config.Config{
		MasterDBPath: path,
		Segments:     "NSECM",
		GreeksPolicy: "perfeed",
	}
	s, err := New(cfg, testProm, metrics.NewHealthStatus())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if s.idx == nil {
		t.Fatal("stored master did not seed the universe")
	}
	if _, ok := s.idx.Resolve(model.SegNSECM, 2885); !ok {
		t.Fatal("seeded token not resolvable")
	}
	if s.store.Capacity(model.SegNSECM) != 2 {
		t.Fatalf("store capacity = %d, want 2", s.store.Capacity(model.SegNSECM))
	}
}

func TestNew_EmptyMasterStartsWithoutUniverse(t *testing.T) {
	cfg := &config.Config{
		MasterDBPath: filepath.Join(t.TempDir(), "master.db"),
		Segments:     "NSECM",
	}
	s, err := New(cfg, testProm, metrics.NewHealthStatus())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if s.idx != nil {
		t.Fatal("expected no universe from an empty master DB")
	}
}

func TestDeltaTracker_SeedsFromCurrentValue(t *testing.T) {
	// A consumer counter that accumulated across earlier feed runs must not
	// be re-counted when a new poll starts against it.
	d := newDelta(5000)
	if got := d.next(5000); got != 0 {
		t.Fatalf("first poll added %v, want 0", got)
	}
	if got := d.next(5025); got != 25 {
		t.Fatalf("delta = %v, want 25", got)
	}

	// A second tracker over the same counter starts fresh again.
	d2 := newDelta(5025)
	if got := d2.next(5030); got != 5 {
		t.Fatalf("restarted delta = %v, want 5", got)
	}
}

func TestWSSubscriptions_CoverAllMessageCodes(t *testing.T) {
	ids := []model.InstrumentID{
		{Segment: model.SegNSECM, Token: 2885},
		{Segment: model.SegNSEFO, Token: 49543},
	}
	subs := wsSubscriptions(ids)

	for _, code := range []int{classify.WSTouchline, classify.WSMarketDepth, classify.WSLTP} {
		if len(subs[code]) != 2 {
			t.Fatalf("code %d has %d instruments, want 2", code, len(subs[code]))
		}
	}
	oi := subs[classify.WSOpenInterest]
	if len(oi) != 1 || oi[0].ExchangeInstrumentID != 49543 {
		t.Fatalf("open interest subs = %+v, want the derivative only", oi)
	}
}

func TestAttachGreeks_BadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.db")
	seedMaster(t, path)

	cfg := &config.Config{
		MasterDBPath: path,
		GreeksPolicy: "sometimes",
	}
	s, err := New(cfg, testProm, metrics.NewHealthStatus())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.AttachGreeks(nil); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
