// Package session owns the daily lifecycle of the distribution core: vendor
// login, contract-master refresh, index/store construction, feed pipelines,
// and the market-hours gating that starts and stops them. Downstream
// consumers (gateway, snapshot cache, candle aggregator, greeks trigger) are
// attached once and survive day rollovers; the index, store and pipelines are
// rebuilt per trading day.
package session

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"marketdata-corev1/config"
	"marketdata-corev1/internal/classify"
	"marketdata-corev1/internal/gateway"
	"marketdata-corev1/internal/greeks"
	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/index"
	"marketdata-corev1/internal/ingest"
	"marketdata-corev1/internal/ingest/udp"
	"marketdata-corev1/internal/ingest/ws"
	"marketdata-corev1/internal/logger"
	"marketdata-corev1/internal/markethours"
	"marketdata-corev1/internal/master"
	"marketdata-corev1/internal/metrics"
	"marketdata-corev1/internal/model"
	"marketdata-corev1/internal/store"
	"marketdata-corev1/pkg/xtsconnect"
)

// retryDelay is the pause after a failed login or master download before the
// bootstrap tries again.
const retryDelay = 30 * time.Second

// Session wires the whole core together.
type Session struct {
	cfg    *config.Config
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	xts      *xtsconnect.Client
	masterDB *master.Store
	hub      *hub.Hub
	cls      *classify.Classifier

	gw     *gateway.Gateway
	greeks *greeks.Trigger

	// Rebuilt each trading day.
	idx   *index.Index
	store *store.PriceStore
}

// New opens the durable pieces (master DB, vendor client, hub) and builds the
// initial index from whatever the master DB holds. A completely empty master
// DB is fine at this point; Run refreshes it before the first feed starts.
func New(cfg *config.Config, prom *metrics.Metrics, health *metrics.HealthStatus) (*Session, error) {
	masterDB, err := master.Open(cfg.MasterDBPath)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		prom:   prom,
		health: health,
		xts: xtsconnect.New(xtsconnect.Config{
			AppKey:    cfg.XTSAppKey,
			SecretKey: cfg.XTSSecretKey,
			BaseURL:   cfg.XTSBaseURL,
		}),
		masterDB: masterDB,
		hub:      hub.New(),
		cls:      classify.NewDefault(),
	}

	if instruments, err := masterDB.LoadAll(context.Background()); err == nil && len(instruments) > 0 {
		if idx, err := index.Build(instruments); err == nil {
			s.setUniverse(idx)
			log.Printf("[session] loaded %d instruments from %s", len(instruments), cfg.MasterDBPath)
		}
	}
	return s, nil
}

// Hub exposes the update hub for attaching consumers.
func (s *Session) Hub() *hub.Hub { return s.hub }

// MasterDB exposes the contract-master store for health checks.
func (s *Session) MasterDB() *master.Store { return s.masterDB }

func (s *Session) setUniverse(idx *index.Index) {
	s.idx = idx
	s.store = store.New(idx.Capacities())
	if s.gw != nil {
		s.gw.Swap(s.store, s.idx)
	}
	total := 0
	for _, n := range idx.Capacities() {
		total += n
	}
	s.health.SetInstruments(total)
}

// AttachGreeks installs the option-pricing trigger.
func (s *Session) AttachGreeks(recalc greeks.Recalculator) error {
	policy, err := greeks.ParsePolicy(s.cfg.GreeksPolicy)
	if err != nil {
		return err
	}
	s.greeks = greeks.NewTrigger(s.hub, recalc, policy,
		time.Duration(s.cfg.GreeksThrottleMs)*time.Millisecond)
	s.greeks.Start()
	return nil
}

// Run drives the daily cycle until ctx is cancelled. With AlwaysOn set the
// feeds start immediately and run until shutdown; otherwise each trading day
// is: wait for pre-open, refresh the master, rebuild index and store, run the
// feeds until close, tear down, repeat.
func (s *Session) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	s.gw = gateway.New(s.cfg.GatewayAddr, s.hub, s.store, s.idx)
	s.gw.Start()

	if s.cfg.AlwaysOn {
		log.Printf("[session] always-on mode, market-hours gating disabled")
		s.runFeeds(ctx)
		return nil
	}

	for {
		now := time.Now()
		if !markethours.IsMarketOpen(now) {
			preOpen := markethours.NextPreOpen(now)
			log.Printf("[session] %s", markethours.StatusString(now))
			log.Printf("[session] sleeping %v until pre-open %s",
				time.Until(preOpen).Truncate(time.Second),
				preOpen.In(markethours.IST).Format("Mon 15:04"))
			s.health.SetFeeds(0, 0)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Until(preOpen)):
			}

			// New trading day: refresh the master and rebuild the universe.
			// On failure yesterday's index keeps serving with session fields
			// cleared.
			if err := s.refreshUniverse(ctx); err != nil {
				log.Printf("[session] master refresh failed, reusing previous universe: %v", err)
				s.store.ResetDay()
			}
		}

		dayCtx, cancel := context.WithDeadline(ctx, markethours.TodayClose(time.Now()))
		s.runFeeds(dayCtx)
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[session] market close, feeds stopped")
	}
}

// Close releases the durable resources.
func (s *Session) Close() {
	if s.greeks != nil {
		s.greeks.Stop()
	}
	if s.gw != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.gw.Stop(shutCtx)
		cancel()
	}
	s.masterDB.Close()
}

// bootstrap guarantees a usable universe before anything serves. If the
// master DB seeded one at New time this is a no-op unless a refresh succeeds;
// with no universe at all it retries until one is downloadable.
func (s *Session) bootstrap(ctx context.Context) error {
	for {
		err := s.refreshUniverse(ctx)
		if err == nil {
			return nil
		}
		if s.idx != nil {
			log.Printf("[session] master refresh failed, starting on stored master: %v", err)
			return nil
		}
		log.Printf("[session] no usable contract master yet: %v (retrying in %v)", err, retryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// refreshUniverse logs in, downloads the contract master for the configured
// segments, persists it, and swaps in a fresh index and price store.
func (s *Session) refreshUniverse(ctx context.Context) error {
	trace := logger.GenerateTraceID("refresh", time.Now())
	lctx := logger.WithTraceID(ctx, trace)

	if err := s.xts.Login(lctx); err != nil {
		return fmt.Errorf("session: login: %w", err)
	}
	slog.Info("vendor login ok", logger.LogWithTrace(lctx)...)

	segs := s.cfg.ParseSegments()
	if len(segs) == 0 {
		return fmt.Errorf("session: no segments configured")
	}
	names := make([]string, len(segs))
	for i, seg := range segs {
		names[i] = seg.String()
	}

	text, err := s.xts.Master(lctx, names)
	if err != nil {
		return fmt.Errorf("session: master download: %w", err)
	}
	instruments, skipped, err := master.Parse(text)
	if err != nil {
		return fmt.Errorf("session: master parse: %w", err)
	}
	if skipped > 0 {
		log.Printf("[session] master parse skipped %d rows", skipped)
	}

	bySeg := make(map[model.Segment][]model.Instrument)
	for _, ins := range instruments {
		bySeg[ins.ID.Segment] = append(bySeg[ins.ID.Segment], ins)
	}
	for seg, rows := range bySeg {
		if err := s.masterDB.Replace(ctx, seg, rows); err != nil {
			log.Printf("[session] master persist failed for %s: %v", seg, err)
		}
	}

	idx, err := index.Build(instruments)
	if err != nil {
		return fmt.Errorf("session: index build: %w", err)
	}
	s.setUniverse(idx)
	slog.Info("universe refreshed",
		append(logger.LogWithTrace(lctx), slog.Int("instruments", len(instruments)))...)
	return nil
}

// runFeeds starts one pipeline per configured source against the current
// index and store, then blocks until ctx is done.
func (s *Session) runFeeds(ctx context.Context) {
	groups, err := s.cfg.ParseMulticastGroups()
	if err != nil {
		log.Printf("[session] %v", err)
		return
	}
	wsIDs, err := s.cfg.ParseWSSubscribe()
	if err != nil {
		log.Printf("[session] %v", err)
		return
	}

	var pipelines []*ingest.Pipeline
	var names []string

	for _, g := range groups {
		name := "bcast-" + strings.ToLower(g.Segment.String())
		src := udp.NewReceiver(name, g.Addr, s.cfg.MulticastIface)
		var parser ingest.Parser
		if g.Segment.IsBSE() {
			parser = udp.NewBSEParser(g.Segment)
		} else {
			parser = udp.NewParser(g.Segment)
		}
		pipelines = append(pipelines, s.newPipeline(name, src, parser))
		names = append(names, name)
	}

	if len(wsIDs) > 0 {
		feed := xtsconnect.NewFeed(xtsconnect.FeedConfig{
			BaseURL: s.xts.BaseURL(),
			Token:   s.xts.Token(),
			UserID:  s.xts.UserID(),
		})
		src := ws.NewSource("vendor-ws", feed, wsSubscriptions(wsIDs))
		pipelines = append(pipelines, s.newPipeline("vendor-ws", src, ws.NewParser()))
		names = append(names, "vendor-ws")
	}

	if len(pipelines) == 0 {
		log.Printf("[session] no feeds configured, nothing to run")
		<-ctx.Done()
		return
	}

	s.health.SetFeeds(len(pipelines), len(pipelines))
	for _, name := range names {
		s.prom.FeedState.WithLabelValues(name).Set(1)
	}

	done := make(chan struct{}, len(pipelines))
	for _, p := range pipelines {
		p := p
		go func() {
			p.Run(ctx)
			done <- struct{}{}
		}()
	}

	s.pollStats(ctx, pipelines, names)

	for range pipelines {
		<-done
	}
	for _, name := range names {
		s.prom.FeedState.WithLabelValues(name).Set(0)
	}
	s.health.SetFeeds(0, len(pipelines))
}

// wsSubscriptions groups the watchlist under every vendor message code the
// classifier consumes: touchline, depth, and LTP trade ticks for everything,
// open interest only for derivative segments.
func wsSubscriptions(ids []model.InstrumentID) map[int][]xtsconnect.Quote {
	subs := make(map[int][]xtsconnect.Quote)
	for _, id := range ids {
		q := xtsconnect.Quote{
			ExchangeSegment:      int(id.Segment),
			ExchangeInstrumentID: id.Token,
		}
		for _, code := range []int{classify.WSTouchline, classify.WSMarketDepth, classify.WSLTP} {
			subs[code] = append(subs[code], q)
		}
		if id.Segment.IsDerivative() {
			subs[classify.WSOpenInterest] = append(subs[classify.WSOpenInterest], q)
		}
	}
	return subs
}

func (s *Session) newPipeline(name string, src ingest.Source, parser ingest.Parser) *ingest.Pipeline {
	return ingest.New(ingest.Config{
		Source:     src,
		Parser:     parser,
		Index:      s.idx,
		Store:      s.store,
		Hub:        s.hub,
		Classifier: s.cls,

		OnReconnect:    func() { s.prom.ReconnectsTotal.WithLabelValues(name).Inc() },
		OnUnknownToken: func() { s.prom.UnknownTokens.WithLabelValues(name).Inc() },
		OnMalformed:    func() { s.prom.MalformedTotal.WithLabelValues(name).Inc() },
		OnPublish: func() {
			s.prom.PublishesTotal.WithLabelValues(name).Inc()
			s.health.SetLastTickTime(time.Now())
		},
	})
}

// deltaTracker turns a cumulative counter into per-poll increments. It must
// be seeded with the counter's current value: the hub, store and greeks
// counters outlive a single feed run, and a tracker starting at zero would
// re-add their whole history every trading day.
type deltaTracker struct {
	prev uint64
}

func newDelta(cur uint64) deltaTracker {
	return deltaTracker{prev: cur}
}

func (d *deltaTracker) next(cur uint64) float64 {
	inc := cur - d.prev
	d.prev = cur
	return float64(inc)
}

// pollStats bridges the cumulative pipeline, store and hub counters into
// Prometheus as deltas every few seconds. Packet counts have no per-event
// hook on the hot path; the poller keeps them cheap.
func (s *Session) pollStats(ctx context.Context, pipelines []*ingest.Pipeline, names []string) {
	recv := make([]deltaTracker, len(pipelines))
	for i, p := range pipelines {
		recv[i] = newDelta(p.Stats().Received)
	}
	st := s.store.Stats()
	stale, applied := newDelta(st.StaleFields), newDelta(st.Applied)
	hs := s.hub.Stats()
	deliveries, panics := newDelta(hs.Delivered), newDelta(hs.Panics)
	var triggered, suppressed deltaTracker
	if s.greeks != nil {
		gs := s.greeks.Stats()
		triggered, suppressed = newDelta(gs.Triggered), newDelta(gs.Suppressed)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, p := range pipelines {
					s.prom.PacketsTotal.WithLabelValues(names[i]).Add(recv[i].next(p.Stats().Received))
				}
				st := s.store.Stats()
				s.prom.StaleFields.Add(stale.next(st.StaleFields))
				s.prom.StoreApplies.Add(applied.next(st.Applied))

				hs := s.hub.Stats()
				s.prom.HubDeliveries.Add(deliveries.next(hs.Delivered))
				s.prom.HubPanics.Add(panics.next(hs.Panics))

				if s.greeks != nil {
					gs := s.greeks.Stats()
					s.prom.GreeksTriggers.Add(triggered.next(gs.Triggered))
					s.prom.GreeksSuppressed.Add(suppressed.next(gs.Suppressed))
				}
			}
		}
	}()
}
