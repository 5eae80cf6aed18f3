package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/peerlink-network/peerlink/internal/domain"
)

// MemoryNetwork connects MemoryTransports by address inside one process.
// It stands in for any channel: each transport can be given any type.
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

func (n *MemoryNetwork) attach(t *MemoryTransport) {
	n.mu.Lock()
	n.nodes[t.address] = t
	n.mu.Unlock()
}

func (n *MemoryNetwork) detach(t *MemoryTransport) {
	n.mu.Lock()
	if n.nodes[t.address] == t {
		delete(n.nodes, t.address)
	}
	n.mu.Unlock()
}

func (n *MemoryNetwork) lookup(addr string) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[addr]
}

// MemoryTransport is an in-process transport. Sends to an address attached
// to the same network are delivered to that transport's receive handler,
// with From rewritten to the sender's address.
// Failures can be injected for every primitive.
type MemoryTransport struct {
	typ     domain.TransportType
	network *MemoryNetwork
	address string

	mu        sync.Mutex
	ready     bool
	handler   func(ctx context.Context, p domain.Payload)
	sessions  map[string]string
	peers     []domain.Peer
	sent      []domain.Payload
	sendDelay time.Duration
	failFor   map[string]error

	// Injected failures.
	InitErr       error
	SendErr       error
	ConnectErr    error
	DisconnectErr error
	DiscoverErr   error
	ShutdownErr   error
}

// NewMemoryTransport creates a transport of type typ reachable at address.
// A nil network gives a transport that accepts every send without delivering.
func NewMemoryTransport(typ domain.TransportType, network *MemoryNetwork, address string) *MemoryTransport {
	if typ == "" {
		typ = domain.TransportMemory
	}
	return &MemoryTransport{
		typ:      typ,
		network:  network,
		address:  address,
		sessions: make(map[string]string),
	}
}

func (t *MemoryTransport) Type() domain.TransportType { return t.typ }

// Initialize attaches the transport to its network. cfg may carry "address".
func (t *MemoryTransport) Initialize(ctx context.Context, cfg map[string]any) error {
	if t.InitErr != nil {
		return t.InitErr
	}
	if addr, ok := cfg["address"].(string); ok && addr != "" {
		t.address = addr
	}
	if t.network != nil && t.address != "" {
		t.network.attach(t)
	}
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Status() domain.TransportHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.TransportHealth{
		Ready:       t.ready,
		Connections: len(t.sessions),
	}
}

// OnReceive implements Receiver.
func (t *MemoryTransport) OnReceive(h func(ctx context.Context, p domain.Payload)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Send delivers p to the transport attached at p.Address, if any.
func (t *MemoryTransport) Send(ctx context.Context, p domain.Payload) (domain.SendReceipt, error) {
	t.mu.Lock()
	ready, delay, sendErr := t.ready, t.sendDelay, t.SendErr
	if err, ok := t.failFor[p.Address]; ok {
		sendErr = err
	}
	t.mu.Unlock()
	if !ready {
		return domain.SendReceipt{}, errors.New("memory transport not ready")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.SendReceipt{}, ctx.Err()
		}
	}
	if sendErr != nil {
		return domain.SendReceipt{}, sendErr
	}

	t.mu.Lock()
	t.sent = append(t.sent, p)
	t.mu.Unlock()

	if t.network == nil {
		return domain.SendReceipt{At: time.Now()}, nil
	}
	dst := t.network.lookup(p.Address)
	if dst == nil {
		return domain.SendReceipt{}, fmt.Errorf("no endpoint at %q", p.Address)
	}
	dst.mu.Lock()
	h := dst.handler
	dst.mu.Unlock()
	if h != nil {
		in := p
		in.From = t.address
		h(ctx, in)
	}
	return domain.SendReceipt{Delivered: true, At: time.Now(), RemoteID: p.ID}, nil
}

// DiscoverPeers returns the peers set with SetPeers, filtered by query.
func (t *MemoryTransport) DiscoverPeers(ctx context.Context, q domain.DiscoverQuery) ([]domain.Peer, error) {
	if t.DiscoverErr != nil {
		return nil, t.DiscoverErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Peer
	for _, p := range t.peers {
		if !p.Matches(q.Query) {
			continue
		}
		if q.OnlineOnly && !p.IsReachable() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *MemoryTransport) Connect(ctx context.Context, peerID, address string) error {
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.mu.Lock()
	t.sessions[peerID] = address
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Disconnect(ctx context.Context, peerID string) error {
	if t.DisconnectErr != nil {
		return t.DisconnectErr
	}
	t.mu.Lock()
	delete(t.sessions, peerID)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Shutdown(ctx context.Context) error {
	if t.network != nil {
		t.network.detach(t)
	}
	t.mu.Lock()
	t.ready = false
	t.sessions = make(map[string]string)
	t.mu.Unlock()
	return t.ShutdownErr
}

// ─── Test Helpers ───────────────────────────────────────────────────────────

// SetPeers sets what DiscoverPeers returns.
func (t *MemoryTransport) SetPeers(peers ...domain.Peer) {
	t.mu.Lock()
	t.peers = slices.Clone(peers)
	t.mu.Unlock()
}

// FailSendsTo makes every send to address fail with err.
func (t *MemoryTransport) FailSendsTo(address string, err error) {
	t.mu.Lock()
	if t.failFor == nil {
		t.failFor = make(map[string]error)
	}
	t.failFor[address] = err
	t.mu.Unlock()
}

// SetReady flips the self-reported readiness.
func (t *MemoryTransport) SetReady(ready bool) {
	t.mu.Lock()
	t.ready = ready
	t.mu.Unlock()
}

// SetSendDelay makes every Send wait d before completing.
func (t *MemoryTransport) SetSendDelay(d time.Duration) {
	t.mu.Lock()
	t.sendDelay = d
	t.mu.Unlock()
}

// Sent returns a copy of every payload accepted so far.
func (t *MemoryTransport) Sent() []domain.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sent)
}

// Connected reports whether a session with peerID is open.
func (t *MemoryTransport) Connected(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[peerID]
	return ok
}
