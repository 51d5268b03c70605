package ingest

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"marketdata-corev1/internal/classify"
	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/index"
	"marketdata-corev1/internal/model"
	"marketdata-corev1/internal/store"
)

var knownID = model.InstrumentID{Segment: model.SegNSEFO, Token: 100}

func newFixtures(t *testing.T) (*index.Index, *store.PriceStore, *hub.Hub) {
	t.Helper()
	idx, err := index.Build([]model.Instrument{
		{ID: knownID, TradingSymbol: "NIFTY26FEBFUT", Name: "NIFTY", Series: "FUTIDX"},
	})
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	return idx, store.New(idx.Capacities()), hub.New()
}

// stubParser returns canned ticks regardless of packet content.
type stubParser struct {
	ticks []model.RawTick
	err   error
}

func (s *stubParser) Parse([]byte, time.Time) ([]model.RawTick, error) {
	return s.ticks, s.err
}

// fakeSource serves packets from a channel and honors Close like a socket.
type fakeSource struct {
	packets chan []byte

	mu       sync.Mutex
	closed   bool
	recvErrs []error // popped before reading the channel
}

func newFakeSource() *fakeSource {
	return &fakeSource{packets: make(chan []byte, 16)}
}

func (f *fakeSource) Name() string                  { return "fake" }
func (f *fakeSource) Connect(context.Context) error { return nil }

func (f *fakeSource) Receive() ([]byte, error) {
	f.mu.Lock()
	if len(f.recvErrs) > 0 {
		err := f.recvErrs[0]
		f.recvErrs = f.recvErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	pkt, ok := <-f.packets
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.packets)
	}
	return nil
}

func touchlineTick(id model.InstrumentID, ltp int64) model.RawTick {
	return model.RawTick{
		ID:        id,
		Protocol:  model.ProtoVendorWS,
		Transcode: classify.WSTouchline,
		Fields:    model.FieldLTP | model.FieldVolume,
		LTP:       ltp,
		Volume:    1000,
	}
}

func TestProcess_UnknownTokenDropped(t *testing.T) {
	idx, st, h := newFixtures(t)

	unknown := model.InstrumentID{Segment: model.SegNSEFO, Token: 999}
	parser := &stubParser{ticks: []model.RawTick{
		touchlineTick(knownID, 10000),
		touchlineTick(unknown, 5),
	}}
	p := New(Config{
		Source: newFakeSource(), Parser: parser,
		Index: idx, Store: st, Hub: h, Classifier: classify.NewDefault(),
	})

	var delivered int
	h.Subscribe(knownID, "t", func(model.PriceRecord, model.UpdateKind) { delivered++ })

	p.Process(nil, time.Now())

	stats := p.Stats()
	if stats.UnknownToken != 1 {
		t.Fatalf("unknown token drops = %d, want 1", stats.UnknownToken)
	}
	if stats.Published != 1 || delivered != 1 {
		t.Fatalf("published=%d delivered=%d, want 1/1", stats.Published, delivered)
	}
	if got := st.Snapshot(model.SegNSEFO, 0).LTP; got != 10000 {
		t.Fatalf("known tick not applied: ltp=%d", got)
	}
}

func TestProcess_CombinedTranscodePublishesPerKind(t *testing.T) {
	idx, st, h := newFixtures(t)

	raw := touchlineTick(knownID, 10000)
	raw.Protocol = model.ProtoNSEBcast
	raw.Transcode = classify.NSEBcastMBOMBPUpdate
	raw.Fields |= model.FieldDepth | model.FieldTopOfBook
	raw.Bids[0] = model.DepthLevel{Price: 9995, Qty: 50}

	p := New(Config{
		Source: newFakeSource(), Parser: &stubParser{ticks: []model.RawTick{raw}},
		Index: idx, Store: st, Hub: h, Classifier: classify.NewDefault(),
	})

	var kinds []model.UpdateKind
	h.Subscribe(knownID, "t", func(_ model.PriceRecord, k model.UpdateKind) {
		kinds = append(kinds, k)
	})

	p.Process(nil, time.Now())

	if len(kinds) != 2 || kinds[0] != model.KindTouchline || kinds[1] != model.KindDepth {
		t.Fatalf("kinds = %v, want [TOUCHLINE DEPTH]", kinds)
	}
	rec := st.Snapshot(model.SegNSEFO, 0)
	if rec.LTP != 10000 || rec.Bids[0].Price != 9995 {
		t.Fatalf("merged record = %+v", rec)
	}
}

func TestProcess_MalformedPacketRoutesLeadingTicks(t *testing.T) {
	idx, st, h := newFixtures(t)

	parser := &stubParser{
		ticks: []model.RawTick{touchlineTick(knownID, 10000)},
		err:   errors.New("truncated"),
	}
	p := New(Config{
		Source: newFakeSource(), Parser: parser,
		Index: idx, Store: st, Hub: h, Classifier: classify.NewDefault(),
	})

	p.Process(nil, time.Now())

	stats := p.Stats()
	if stats.Malformed != 1 {
		t.Fatalf("malformed = %d, want 1", stats.Malformed)
	}
	if stats.Published != 1 {
		t.Fatalf("published = %d, want 1 (leading tick must survive)", stats.Published)
	}
}

func TestRun_StopsPromptlyOnCancel(t *testing.T) {
	idx, st, h := newFixtures(t)
	src := newFakeSource()

	p := New(Config{
		Source: src, Parser: &stubParser{},
		Index: idx, Store: st, Hub: h, Classifier: classify.NewDefault(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// Run is blocked in Receive with nothing queued; cancel must unblock it
	// through Source.Close.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}
}

func TestRun_ReconnectsAfterSourceError(t *testing.T) {
	idx, st, h := newFixtures(t)
	src := newFakeSource()
	src.recvErrs = []error{errors.New("conn reset")}

	reconnected := make(chan struct{}, 1)
	p := New(Config{
		Source: src, Parser: &stubParser{},
		Index: idx, Store: st, Hub: h, Classifier: classify.NewDefault(),
		InitialBackoff: time.Millisecond,
		OnReconnect: func() {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after source error")
	}
	if p.Stats().Reconnects == 0 {
		t.Fatal("reconnect counter not incremented")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
