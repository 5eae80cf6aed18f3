package api

import (
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink-network/peerlink/internal/infra/metrics"
	"github.com/peerlink-network/peerlink/internal/infra/transport"
)

// ─── Relay Hub ──────────────────────────────────────────────────────────────
// The hub behind the "web" transport. Peers attach over a websocket with
// ?address=<relay address>&name=<display name>; deliver frames are routed to
// the attached peer named in To with From stamped by the hub, and the sender
// gets an ack. Every attach and detach broadcasts a presence frame.

const relayWriteTimeout = 10 * time.Second

type relayClient struct {
	address string
	name    string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *relayClient) send(f transport.RelayFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return c.conn.WriteJSON(f)
}

// RelayHub routes payloads between attached peers.
type RelayHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*relayClient
	closed  bool
}

// NewRelayHub creates an empty hub.
func NewRelayHub() *RelayHub {
	return &RelayHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*relayClient),
	}
}

// ServeHTTP upgrades the request and serves one attached peer until it leaves.
func (h *RelayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address query parameter is required")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade %s: %v", address, err)
		return
	}
	c := &relayClient{address: address, name: r.URL.Query().Get("name"), conn: conn}

	if !h.attach(c) {
		conn.Close()
		return
	}
	defer h.detach(c)

	for {
		var f transport.RelayFrame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[relay] %s: read: %v", address, err)
			}
			return
		}
		if f.Type != transport.FrameDeliver {
			continue
		}
		ack := h.route(c, f)
		if err := c.send(ack); err != nil {
			log.Printf("[relay] %s: ack: %v", address, err)
			return
		}
	}
}

func (h *RelayHub) attach(c *relayClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	old := h.clients[c.address]
	h.clients[c.address] = c
	metrics.RelayConnections.Set(float64(len(h.clients)))
	h.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}
	log.Printf("[relay] %s attached", c.address)
	h.broadcastPresence()
	return true
}

func (h *RelayHub) detach(c *relayClient) {
	c.conn.Close()
	h.mu.Lock()
	// A reconnect under the same address may already have replaced c.
	if h.clients[c.address] == c {
		delete(h.clients, c.address)
	}
	metrics.RelayConnections.Set(float64(len(h.clients)))
	h.mu.Unlock()

	log.Printf("[relay] %s detached", c.address)
	h.broadcastPresence()
}

// route forwards a deliver frame and returns the ack for its sender.
func (h *RelayHub) route(from *relayClient, f transport.RelayFrame) transport.RelayFrame {
	ack := transport.RelayFrame{Type: transport.FrameAck, ID: f.ID}
	h.mu.RLock()
	dst := h.clients[f.To]
	h.mu.RUnlock()
	if dst == nil {
		ack.Error = fmt.Sprintf("%s is not attached", f.To)
		return ack
	}
	f.From = from.address
	if err := dst.send(f); err != nil {
		ack.Error = fmt.Sprintf("forward to %s: %v", f.To, err)
		return ack
	}
	ack.Delivered = true
	return ack
}

func (h *RelayHub) broadcastPresence() {
	h.mu.RLock()
	peers := make([]transport.RelayPeer, 0, len(h.clients))
	clients := make([]*relayClient, 0, len(h.clients))
	for _, c := range h.clients {
		peers = append(peers, transport.RelayPeer{Address: c.address, DisplayName: c.name})
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })

	frame := transport.RelayFrame{Type: transport.FramePresence, Peers: peers}
	for _, c := range clients {
		if err := c.send(frame); err != nil {
			log.Printf("[relay] presence to %s: %v", c.address, err)
		}
	}
}

// Addresses lists the attached peers.
func (h *RelayHub) Addresses() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for a := range h.clients {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every peer and refuses new ones.
func (h *RelayHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*relayClient)
	metrics.RelayConnections.Set(0)
	h.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}
