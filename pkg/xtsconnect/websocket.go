package xtsconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 15 * time.Second
	writeTimeout      = 5 * time.Second
)

// FeedConfig configures the streaming connection. Token and UserID come from
// a successful Client.Login.
type FeedConfig struct {
	BaseURL string // same host as the REST API, ws scheme derived
	Token   string
	UserID  string

	MaxRetries int           // reconnect attempts before giving up, default 10
	RetryDelay time.Duration // initial backoff, doubled per attempt, default 2s
}

// Feed is the streaming market data connection. Messages arrive on the
// OnMessage callback from the feed's read goroutine; subscriptions survive a
// reconnect.
type Feed struct {
	cfg FeedConfig

	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func()
	OnError   func(err error)

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	subs    map[int][]Quote // messageCode -> instruments, for resubscribe
	retries int

	done chan struct{}
}

// NewFeed creates a feed in the disconnected state.
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Feed{
		cfg:  cfg,
		subs: make(map[int][]Quote),
		done: make(chan struct{}),
	}
}

func (f *Feed) feedURL() (string, error) {
	u, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/apimarketdata/socket.io"
	q := u.Query()
	q.Set("token", f.cfg.Token)
	q.Set("userID", f.cfg.UserID)
	q.Set("publishFormat", "JSON")
	q.Set("broadcastMode", "Full")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the feed and starts the read and heartbeat goroutines. On a
// later read failure the feed reconnects and resubscribes on its own; Connect
// only returns the first dial's error.
func (f *Feed) Connect(ctx context.Context) error {
	wsURL, err := f.feedURL()
	if err != nil {
		return fmt.Errorf("xtsconnect: feed url: %w", err)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("xtsconnect: dial feed: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("xtsconnect: dial feed: %w", err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return errors.New("xtsconnect: feed closed")
	}
	f.conn = conn
	f.retries = 0
	f.mu.Unlock()

	go f.readLoop(conn)
	go f.heartbeatLoop(conn)

	if f.OnOpen != nil {
		f.OnOpen()
	}
	return nil
}

// Subscribe registers instruments under one message code and remembers them
// for automatic resubscription after a reconnect.
func (f *Feed) Subscribe(messageCode int, instruments []Quote) error {
	f.mu.Lock()
	f.subs[messageCode] = append(f.subs[messageCode], instruments...)
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return errors.New("xtsconnect: feed not connected")
	}
	return f.writeSubscribe(conn, messageCode, instruments)
}

func (f *Feed) writeSubscribe(conn *websocket.Conn, messageCode int, instruments []Quote) error {
	req := map[string]any{
		"instruments":    instruments,
		"xtsMessageCode": messageCode,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Close shuts the feed down for good; no reconnect follows.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.conn = nil
	close(f.done)
	f.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		return conn.Close()
	}
	return nil
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.handleDisconnect(conn, err)
			return
		}
		if f.OnMessage != nil {
			f.OnMessage(data)
		}
	}
}

func (f *Feed) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				// Read side will observe the broken connection and reconnect.
				return
			}
		}
	}
}

func (f *Feed) handleDisconnect(conn *websocket.Conn, cause error) {
	conn.Close()

	f.mu.Lock()
	if f.closed || f.conn != conn {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	f.mu.Unlock()

	if f.OnError != nil {
		f.OnError(cause)
	}
	log.Printf("[xtsconnect] feed disconnected: %v", cause)

	delay := f.cfg.RetryDelay
	for {
		f.mu.Lock()
		if f.closed || f.retries >= f.cfg.MaxRetries {
			exhausted := !f.closed
			f.mu.Unlock()
			if exhausted {
				log.Printf("[xtsconnect] feed reconnect attempts exhausted")
			}
			if f.OnClose != nil {
				f.OnClose()
			}
			return
		}
		f.retries++
		attempt := f.retries
		f.mu.Unlock()

		select {
		case <-f.done:
			if f.OnClose != nil {
				f.OnClose()
			}
			return
		case <-time.After(delay):
		}
		delay *= 2

		if err := f.reconnect(); err != nil {
			log.Printf("[xtsconnect] feed reconnect %d failed: %v", attempt, err)
			continue
		}
		return
	}
}

func (f *Feed) reconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := f.Connect(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	conn := f.conn
	subs := make(map[int][]Quote, len(f.subs))
	for code, instruments := range f.subs {
		subs[code] = instruments
	}
	f.mu.Unlock()

	if conn == nil {
		return errors.New("xtsconnect: reconnected but no connection")
	}
	for code, instruments := range subs {
		if err := f.writeSubscribe(conn, code, instruments); err != nil {
			return fmt.Errorf("resubscribe code %d: %w", code, err)
		}
	}
	log.Printf("[xtsconnect] feed reconnected, %d subscription groups restored", len(subs))
	return nil
}
