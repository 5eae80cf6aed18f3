package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerlink-network/peerlink/internal/domain"
)

// ─── Relay Wire Format ──────────────────────────────────────────────────────
// Relay frames are JSON text messages shared by RelayTransport and the
// relay hub served by the API.

// Relay frame types.
const (
	FramePresence = "presence" // hub -> client: full list of attached peers
	FrameDeliver  = "deliver"  // client -> hub -> client: carry a payload
	FrameAck      = "ack"      // hub -> client: outcome of a deliver
)

// RelayPeer is one entry of a presence frame.
type RelayPeer struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

// RelayFrame is the single frame shape on the relay socket.
type RelayFrame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Payload   *domain.Payload `json:"payload,omitempty"`
	Peers     []RelayPeer     `json:"peers,omitempty"`
	Delivered bool            `json:"delivered,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ─── Relay Transport ────────────────────────────────────────────────────────

// DefaultRelayAckTimeout bounds how long Send waits for the hub's ack.
const DefaultRelayAckTimeout = 10 * time.Second

// RelayTransport is the "web" channel: a websocket client attached to a
// relay hub that forwards payloads between attached peers by address.
//
// Config keys: "url" (ws:// or wss:// hub endpoint, required), "address"
// (this node's relay address, required), "display_name", "ack_timeout"
// (duration string).
type RelayTransport struct {
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	address    string
	ackTimeout time.Duration
	pending    map[string]chan RelayFrame
	presence   map[string]RelayPeer
	sessions   map[string]string
	handler    func(ctx context.Context, p domain.Payload)
	ready      bool
	lastRTT    time.Duration
	done       chan struct{}
}

// NewRelayTransport returns an uninitialized relay client.
func NewRelayTransport() *RelayTransport {
	return &RelayTransport{
		dialer:     websocket.DefaultDialer,
		ackTimeout: DefaultRelayAckTimeout,
		pending:    make(map[string]chan RelayFrame),
		presence:   make(map[string]RelayPeer),
		sessions:   make(map[string]string),
	}
}

func (t *RelayTransport) Type() domain.TransportType { return domain.TransportWeb }

// OnReceive implements Receiver.
func (t *RelayTransport) OnReceive(h func(ctx context.Context, p domain.Payload)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Initialize dials the hub and starts the read loop.
func (t *RelayTransport) Initialize(ctx context.Context, cfg map[string]any) error {
	rawURL, _ := cfg["url"].(string)
	address, _ := cfg["address"].(string)
	if rawURL == "" || address == "" {
		return errors.New("relay: url and address are required")
	}
	if s, ok := cfg["ack_timeout"].(string); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("relay: ack_timeout: %w", err)
		}
		t.ackTimeout = d
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("relay: parse url: %w", err)
	}
	q := u.Query()
	q.Set("address", address)
	if name, _ := cfg["display_name"].(string); name != "" {
		q.Set("name", name)
	}
	u.RawQuery = q.Encode()

	dialCtx, cancel := timeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := t.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", rawURL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.address = address
	t.ready = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.readLoop(conn, done)
	log.Printf("[relay] attached to %s as %s", rawURL, address)
	return nil
}

func (t *RelayTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var f RelayFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.detach(err)
			return
		}
		switch f.Type {
		case FramePresence:
			t.mu.Lock()
			t.presence = make(map[string]RelayPeer, len(f.Peers))
			for _, p := range f.Peers {
				if p.Address != t.address {
					t.presence[p.Address] = p
				}
			}
			t.mu.Unlock()
		case FrameAck:
			t.mu.Lock()
			ch, ok := t.pending[f.ID]
			delete(t.pending, f.ID)
			t.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameDeliver:
			t.mu.Lock()
			h := t.handler
			t.mu.Unlock()
			if h != nil && f.Payload != nil {
				p := *f.Payload
				p.From = f.From // hub-stamped sender address
				h(context.Background(), p)
			}
		default:
			log.Printf("[relay] ignoring frame type %q", f.Type)
		}
	}
}

// detach marks the transport not ready and fails every pending send.
func (t *RelayTransport) detach(err error) {
	t.mu.Lock()
	wasReady := t.ready
	t.ready = false
	pending := t.pending
	t.pending = make(map[string]chan RelayFrame)
	t.mu.Unlock()

	for id, ch := range pending {
		ch <- RelayFrame{Type: FrameAck, ID: id, Error: "relay connection closed"}
	}
	if wasReady && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		log.Printf("[relay] connection lost: %v", err)
	}
}

func (t *RelayTransport) write(f RelayFrame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("relay: not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (t *RelayTransport) Status() domain.TransportHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.TransportHealth{
		Ready:       t.ready,
		Connections: len(t.presence),
		Metrics: domain.TransportMetrics{
			LatencyMS: float64(t.lastRTT.Microseconds()) / 1000,
			QueueOut:  len(t.pending),
		},
	}
}

// Send forwards p to p.Address through the hub and waits for its ack.
func (t *RelayTransport) Send(ctx context.Context, p domain.Payload) (domain.SendReceipt, error) {
	id := uuid.NewString()
	ch := make(chan RelayFrame, 1)

	t.mu.Lock()
	if !t.ready {
		t.mu.Unlock()
		return domain.SendReceipt{}, errors.New("relay: not connected")
	}
	t.pending[id] = ch
	from := t.address
	ackTimeout := t.ackTimeout
	t.mu.Unlock()

	start := time.Now()
	if err := t.write(RelayFrame{Type: FrameDeliver, ID: id, From: from, To: p.Address, Payload: &p}); err != nil {
		t.forget(id)
		return domain.SendReceipt{}, fmt.Errorf("relay: write: %w", err)
	}

	ackCtx, cancel := timeout(ctx, ackTimeout)
	defer cancel()
	select {
	case ack := <-ch:
		t.mu.Lock()
		t.lastRTT = time.Since(start)
		t.mu.Unlock()
		if ack.Error != "" {
			return domain.SendReceipt{}, fmt.Errorf("relay: %s", ack.Error)
		}
		return domain.SendReceipt{Delivered: ack.Delivered, At: time.Now(), RemoteID: id}, nil
	case <-ackCtx.Done():
		t.forget(id)
		return domain.SendReceipt{}, fmt.Errorf("relay: waiting for ack: %w", ackCtx.Err())
	}
}

func (t *RelayTransport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// DiscoverPeers lists the peers currently attached to the hub.
func (t *RelayTransport) DiscoverPeers(ctx context.Context, q domain.DiscoverQuery) ([]domain.Peer, error) {
	t.mu.Lock()
	entries := make([]RelayPeer, 0, len(t.presence))
	for _, p := range t.presence {
		entries = append(entries, p)
	}
	t.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })

	var out []domain.Peer
	for _, e := range entries {
		p := domain.Peer{
			ID:          e.Address,
			DisplayName: e.DisplayName,
			Identifiers: map[domain.TransportType]string{domain.TransportWeb: e.Address},
			Status:      domain.PeerOnline,
		}
		if p.Matches(q.Query) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Connect succeeds when the address is attached to the hub.
func (t *RelayTransport) Connect(ctx context.Context, peerID, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return errors.New("relay: not connected")
	}
	if _, ok := t.presence[address]; !ok {
		return fmt.Errorf("relay: %s is not attached", address)
	}
	t.sessions[peerID] = address
	return nil
}

func (t *RelayTransport) Disconnect(ctx context.Context, peerID string) error {
	t.mu.Lock()
	delete(t.sessions, peerID)
	t.mu.Unlock()
	return nil
}

// Shutdown closes the socket and waits for the read loop to exit.
func (t *RelayTransport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn = nil
	t.ready = false
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	err := conn.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
