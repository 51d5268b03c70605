// Package ingest runs one pipeline per network source: receive raw bytes,
// parse them into raw ticks, resolve each instrument against the index,
// merge into the price store, and publish the result through the hub.
package ingest

import (
	"context"
	"errors"
	"log"
	"net"
	"sync/atomic"
	"time"

	"marketdata-corev1/internal/classify"
	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/index"
	"marketdata-corev1/internal/model"
	"marketdata-corev1/internal/store"
)

// Source is a connected network feed. Receive blocks; Close must unblock a
// pending Receive and is safe to call from another goroutine, which is how a
// pipeline's cooperative stop reaches a blocked socket read.
type Source interface {
	Name() string
	Connect(ctx context.Context) error
	Receive() ([]byte, error)
	Close() error
}

// Parser turns one raw datagram or frame into zero or more raw ticks. The
// input slice is only valid for the duration of the call.
type Parser interface {
	Parse(pkt []byte, recvTime time.Time) ([]model.RawTick, error)
}

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// Config wires one pipeline instance.
type Config struct {
	Source     Source
	Parser     Parser
	Index      *index.Index
	Store      *store.PriceStore
	Hub        *hub.Hub
	Classifier *classify.Classifier

	InitialBackoff time.Duration // default 500ms
	MaxBackoff     time.Duration // default 30s

	// Optional metrics hooks, called off the lock.
	OnReconnect    func()
	OnUnknownToken func()
	OnMalformed    func()
	OnPublish      func()
}

// Pipeline is one ingestion loop. Pipelines are independent: a parse or
// socket error on one source never affects another.
type Pipeline struct {
	cfg Config

	received     atomic.Uint64
	published    atomic.Uint64
	unknownToken atomic.Uint64
	malformed    atomic.Uint64
	ignored      atomic.Uint64
	reconnects   atomic.Uint64
}

// Stats are cumulative per pipeline.
type Stats struct {
	Received     uint64 // datagrams/frames received
	Published    uint64 // hub publishes
	UnknownToken uint64 // ticks dropped: token not in index
	Malformed    uint64 // packets dropped or truncated mid-parse
	Ignored      uint64 // ticks with unregistered transcodes
	Reconnects   uint64
}

// New creates a pipeline. All of Source, Parser, Index, Store, Hub and
// Classifier are required.
func New(cfg Config) *Pipeline {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Pipeline{cfg: cfg}
}

// Run connects the source and processes messages until ctx is cancelled.
// Source errors trigger reconnect with capped exponential backoff; repeated
// failure keeps retrying and is visible through Stats, never fatal.
func (p *Pipeline) Run(ctx context.Context) {
	// Closing the source is what makes a blocked Receive return promptly on
	// shutdown.
	go func() {
		<-ctx.Done()
		p.cfg.Source.Close()
	}()

	backoff := p.cfg.InitialBackoff
	for {
		if err := p.cfg.Source.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[ingest] %s: connect failed: %v (retrying in %s)", p.cfg.Source.Name(), err, backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, p.cfg.MaxBackoff)
			continue
		}
		backoff = p.cfg.InitialBackoff

		err := p.readLoop()
		if ctx.Err() != nil {
			return
		}
		p.reconnects.Add(1)
		if p.cfg.OnReconnect != nil {
			p.cfg.OnReconnect()
		}
		log.Printf("[ingest] %s: source error: %v (reconnecting in %s)", p.cfg.Source.Name(), err, backoff)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, p.cfg.MaxBackoff)
	}
}

func (p *Pipeline) readLoop() error {
	for {
		pkt, err := p.cfg.Source.Receive()
		if err != nil {
			return err
		}
		p.received.Add(1)
		p.Process(pkt, time.Now())
	}
}

// Process parses one packet and routes its ticks. Exposed for the pipeline
// tests and the replay tooling; Run calls it for every received packet.
func (p *Pipeline) Process(pkt []byte, recvTime time.Time) {
	ticks, err := p.cfg.Parser.Parse(pkt, recvTime)
	if err != nil {
		p.malformed.Add(1)
		if p.cfg.OnMalformed != nil {
			p.cfg.OnMalformed()
		}
		// A truncated packet may still have yielded leading ticks; route them.
	}

	for i := range ticks {
		raw := &ticks[i]

		slot, ok := p.cfg.Index.Resolve(raw.ID.Segment, raw.ID.Token)
		if !ok {
			p.unknownToken.Add(1)
			if p.cfg.OnUnknownToken != nil {
				p.cfg.OnUnknownToken()
			}
			continue
		}

		kinds := p.cfg.Classifier.Kinds(raw.Protocol, raw.Transcode)
		if len(kinds) == 0 {
			p.ignored.Add(1)
			continue
		}

		for _, kind := range kinds {
			rec, applied := p.cfg.Store.Apply(raw.ID.Segment, slot, kind, raw)
			if !applied {
				continue
			}
			p.cfg.Hub.Publish(raw.ID, rec, kind)
			p.published.Add(1)
			if p.cfg.OnPublish != nil {
				p.cfg.OnPublish()
			}
		}
	}
}

// Stats returns this pipeline's cumulative counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:     p.received.Load(),
		Published:    p.published.Load(),
		UnknownToken: p.unknownToken.Load(),
		Malformed:    p.malformed.Load(),
		Ignored:      p.ignored.Load(),
		Reconnects:   p.reconnects.Load(),
	}
}

// IsClosedErr reports whether err is the normal result of a socket closed by
// shutdown rather than a feed failure.
func IsClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
