package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/model"
)

// inboundMsg is a client request.
type inboundMsg struct {
	Type    string `json:"type"`    // SUBSCRIBE, UNSUBSCRIBE, PING
	Segment string `json:"segment"` // "NSEFO"
	Token   uint32 `json:"token"`
	ReqID   string `json:"reqId,omitempty"`
}

// outboundMsg is a gateway response or a pushed update.
type outboundMsg struct {
	Type  string             `json:"type"` // TICK, SNAPSHOT, SUBSCRIBED, UNSUBSCRIBED, PONG, ERROR
	Kind  string             `json:"kind,omitempty"`
	ReqID string             `json:"reqId,omitempty"`
	Error string             `json:"error,omitempty"`
	Data  *model.PriceRecord `json:"data,omitempty"`
}

// Client is one WebSocket connection. Hub callbacks run on feed goroutines,
// so they only do a non-blocking enqueue into the send channel; a slow client
// loses updates rather than stalling the feed.
type Client struct {
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	gw    *Gateway
	owner string

	mu      sync.Mutex
	handles map[model.InstrumentID]hub.Handle

	dropped atomic.Uint64
}

// Dropped returns how many updates were discarded because the client's send
// buffer was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) close() {
	c.conn.Close()
}

// enqueue never closes or blocks on the send channel: hub deliveries can race
// with teardown, so shutdown is signalled through done instead of a close.
func (c *Client) enqueue(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.dropped.Add(1)
	}
}

func (c *Client) reply(msg outboundMsg) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *Client) readPump() {
	defer func() {
		c.gw.removeClient(c)
		close(c.done)
		c.conn.Close()
		log.Printf("[gateway] client disconnected owner=%s dropped=%d", c.owner, c.dropped.Load())
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[gateway] read error owner=%s: %v", c.owner, err)
			}
			return
		}

		var msg inboundMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(outboundMsg{Type: "ERROR", Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case "SUBSCRIBE":
			c.handleSubscribe(msg)
		case "UNSUBSCRIBE":
			c.handleUnsubscribe(msg)
		case "PING":
			c.reply(outboundMsg{Type: "PONG", ReqID: msg.ReqID})
		default:
			c.reply(outboundMsg{Type: "ERROR", ReqID: msg.ReqID, Error: "unknown message type: " + msg.Type})
		}
	}
}

func (c *Client) handleSubscribe(msg inboundMsg) {
	seg := model.ParseSegment(msg.Segment)
	if seg == model.SegUnknown {
		c.reply(outboundMsg{Type: "ERROR", ReqID: msg.ReqID, Error: "unknown segment: " + msg.Segment})
		return
	}
	id := model.InstrumentID{Segment: seg, Token: msg.Token}

	st, idx := c.gw.snapshotDeps()
	slot, ok := idx.Resolve(seg, msg.Token)
	if !ok {
		c.reply(outboundMsg{Type: "ERROR", ReqID: msg.ReqID, Error: "unknown instrument: " + id.Key()})
		return
	}

	c.mu.Lock()
	_, already := c.handles[id]
	if !already {
		c.handles[id] = c.gw.hub.Subscribe(id, c.owner, func(rec model.PriceRecord, kind model.UpdateKind) {
			c.reply(outboundMsg{Type: "TICK", Kind: kind.String(), Data: &rec})
		})
	}
	c.mu.Unlock()

	c.reply(outboundMsg{Type: "SUBSCRIBED", ReqID: msg.ReqID})

	// Seed the stream with the current state so the client does not wait for
	// the next tick to render.
	snap := st.Snapshot(seg, slot)
	if snap.Fields != 0 {
		c.reply(outboundMsg{Type: "SNAPSHOT", ReqID: msg.ReqID, Data: &snap})
	}
}

func (c *Client) handleUnsubscribe(msg inboundMsg) {
	seg := model.ParseSegment(msg.Segment)
	if seg == model.SegUnknown {
		c.reply(outboundMsg{Type: "ERROR", ReqID: msg.ReqID, Error: "unknown segment: " + msg.Segment})
		return
	}
	id := model.InstrumentID{Segment: seg, Token: msg.Token}

	c.mu.Lock()
	h, ok := c.handles[id]
	if ok {
		delete(c.handles, id)
	}
	c.mu.Unlock()

	if ok {
		c.gw.hub.Unsubscribe(h)
	}
	c.reply(outboundMsg{Type: "UNSUBSCRIBED", ReqID: msg.ReqID})
}

// writePump drains the send channel onto the wire. Queued messages are
// coalesced into a single frame, newline-separated, to cut syscall overhead
// during bursts.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)
			for i := 0; i < len(c.send); i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
