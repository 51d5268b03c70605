// Package gateway exposes the live price state over WebSocket: clients
// subscribe per instrument and receive the post-update snapshot for every
// tick, seeded with the current record at subscribe time.
package gateway

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"marketdata-corev1/internal/hub"
	"marketdata-corev1/internal/index"
	"marketdata-corev1/internal/model"
	"marketdata-corev1/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway serves the /ws endpoint and owns the client set. Every client's
// hub subscriptions are scoped to a per-connection owner string, so a dropped
// connection tears down all of them in one call.
type Gateway struct {
	hub   *hub.Hub
	store *store.PriceStore
	idx   *index.Index

	mu      sync.Mutex
	clients map[*Client]bool
	nextID  atomic.Uint64

	srv *http.Server
}

// New creates a gateway. The index pointer is read per request; Swap replaces
// it after a contract-master reload.
func New(addr string, h *hub.Hub, st *store.PriceStore, idx *index.Index) *Gateway {
	g := &Gateway{
		hub:     h,
		store:   st,
		idx:     idx,
		clients: make(map[*Client]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWS)
	g.srv = &http.Server{Addr: addr, Handler: mux}
	return g
}

// Swap replaces the store and index after a reload. Existing instrument
// subscriptions keep working: identities survive a reload even though slots
// do not.
func (g *Gateway) Swap(st *store.PriceStore, idx *index.Index) {
	g.mu.Lock()
	g.store = st
	g.idx = idx
	g.mu.Unlock()
}

func (g *Gateway) snapshotDeps() (*store.PriceStore, *index.Index) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store, g.idx
}

// Start launches the HTTP server in a goroutine.
func (g *Gateway) Start() {
	go func() {
		log.Printf("[gateway] listening on %s", g.srv.Addr)
		if err := g.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[gateway] server error: %v", err)
		}
	}()
}

// Stop closes every client and shuts the server down.
func (g *Gateway) Stop(ctx context.Context) {
	g.mu.Lock()
	for c := range g.clients {
		c.close()
	}
	g.clients = make(map[*Client]bool)
	g.mu.Unlock()

	g.srv.Shutdown(ctx)
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	c := &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		gw:      g,
		owner:   "ws-" + strconv.FormatUint(g.nextID.Add(1), 10),
		handles: make(map[model.InstrumentID]hub.Handle),
	}

	g.mu.Lock()
	g.clients[c] = true
	g.mu.Unlock()

	log.Printf("[gateway] client connected owner=%s remote=%s", c.owner, conn.RemoteAddr())
	go c.writePump()
	go c.readPump()
}

func (g *Gateway) removeClient(c *Client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()

	// One call covers every subscription the connection ever made.
	g.hub.UnsubscribeAll(c.owner)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)
