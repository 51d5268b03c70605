// Package ws adapts the vendor WebSocket feed to the ingestion pipeline:
// a Source that buffers frames off the feed's callback, and a Parser for the
// JSON market data events.
package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"marketdata-corev1/pkg/xtsconnect"
)

// errFeedLost is what Receive returns when the feed has exhausted its own
// reconnect attempts. It is distinct from net.ErrClosed so the pipeline treats
// it as a source failure and redials instead of shutting down.
var errFeedLost = errors.New("ws: vendor feed connection lost")

// Source bridges the callback-style feed to the pipeline's blocking Receive.
// Frames queue in a buffered channel; if the pipeline falls behind, the
// newest frames are dropped and counted rather than blocking the feed's read
// goroutine.
type Source struct {
	name string
	feed *xtsconnect.Feed
	subs map[int][]xtsconnect.Quote // messageCode -> instruments

	msgs chan []byte
	done chan struct{}
	once sync.Once

	// dead is closed when the feed gives up reconnecting; Connect re-arms it.
	mu   sync.Mutex
	dead chan struct{}

	dropped atomic.Uint64
}

// NewSource wires a source over a feed. subs is sent after every successful
// connect; the feed itself resubscribes on reconnect.
func NewSource(name string, feed *xtsconnect.Feed, subs map[int][]xtsconnect.Quote) *Source {
	s := &Source{
		name: name,
		feed: feed,
		subs: subs,
		msgs: make(chan []byte, 4096),
		done: make(chan struct{}),
		dead: make(chan struct{}),
	}
	feed.OnMessage = s.enqueue
	feed.OnClose = s.feedLost
	return s
}

func (s *Source) Name() string { return s.name }

func (s *Source) enqueue(data []byte) {
	select {
	case s.msgs <- data:
	case <-s.done:
	default:
		s.dropped.Add(1)
	}
}

// feedLost marks the current connection generation dead, unblocking Receive.
func (s *Source) feedLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.dead:
	default:
		close(s.dead)
	}
}

// Connect dials the feed and pushes the configured subscriptions.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.dead = make(chan struct{})
	s.mu.Unlock()

	if err := s.feed.Connect(ctx); err != nil {
		return err
	}
	for code, instruments := range s.subs {
		if err := s.feed.Subscribe(code, instruments); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks for the next feed frame. It returns errFeedLost once the
// feed's own reconnect attempts are exhausted, so the pipeline's backoff loop
// takes over redialing.
func (s *Source) Receive() ([]byte, error) {
	s.mu.Lock()
	dead := s.dead
	s.mu.Unlock()

	select {
	case data := <-s.msgs:
		return data, nil
	case <-s.done:
		return nil, net.ErrClosed
	case <-dead:
		// Drain anything the feed delivered before it died.
		select {
		case data := <-s.msgs:
			return data, nil
		default:
		}
		return nil, errFeedLost
	}
}

// Close stops the feed and unblocks a pending Receive.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.feed.Close()
	})
	return err
}

// Dropped returns the number of frames discarded because the pipeline lagged.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }
