// Package transport owns the lifecycle of every communication channel.
//
// The Registry starts transports concurrently, keeps one status record per
// transport, picks the best active transport for a peer, and tears
// everything down once on shutdown.
package transport

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/infra/metrics"
)

// Factory builds a fresh, uninitialized transport.
type Factory func() domain.Transport

// InboundHandler receives payloads a transport picked up from the outside.
type InboundHandler func(ctx context.Context, from domain.TransportType, p domain.Payload)

// Receiver is implemented by transports that can deliver inbound payloads.
type Receiver interface {
	OnReceive(h func(ctx context.Context, p domain.Payload))
}

// InitResult is the outcome of Initialize.
type InitResult struct {
	Initialized bool                                             `json:"initialized"`
	Transports  map[domain.TransportType]domain.TransportStatus `json:"transports"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	factories  map[domain.TransportType]Factory
	transports map[domain.TransportType]domain.Transport
	statuses   map[domain.TransportType]*domain.TransportStatus
	priority   []domain.TransportType
	inbound    InboundHandler

	events domain.EventPublisher
	clock  clock.Clock

	closed       bool
	inflight     sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewRegistry creates an empty registry using the default priority order.
func NewRegistry(events domain.EventPublisher, clk clock.Clock) *Registry {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		factories:  make(map[domain.TransportType]Factory),
		transports: make(map[domain.TransportType]domain.Transport),
		statuses:   make(map[domain.TransportType]*domain.TransportStatus),
		priority:   domain.DefaultPriority(),
		events:     events,
		clock:      clk,
	}
}

// Register adds a factory for a transport type, replacing any previous one.
func (r *Registry) Register(t domain.TransportType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
	if _, ok := r.statuses[t]; !ok {
		r.statuses[t] = &domain.TransportStatus{Type: t, State: domain.TransportInactive, UpdatedAt: r.clock.Now()}
	}
}

// OnInbound sets the handler that receives payloads from every transport
// implementing Receiver. It must be set before Initialize.
func (r *Registry) OnInbound(h InboundHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = h
}

// SetPriority replaces the selection order. Unknown entries are kept; they
// simply never match.
func (r *Registry) SetPriority(order []domain.TransportType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priority = slices.Clone(order)
}

// Priority returns the configured selection order.
func (r *Registry) Priority() []domain.TransportType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.priority)
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Initialize starts every requested transport concurrently and waits for all
// of them. A failing transport is recorded as error; it never fails the call.
// Types that are already active are left running.
func (r *Registry) Initialize(ctx context.Context, types []domain.TransportType, cfg map[domain.TransportType]map[string]any) InitResult {
	var g errgroup.Group
	seen := make(map[domain.TransportType]bool, len(types))
	for _, typ := range types {
		if seen[typ] {
			continue
		}
		seen[typ] = true
		g.Go(func() error {
			r.initOne(ctx, typ, cfg[typ])
			return nil
		})
	}
	_ = g.Wait()

	res := InitResult{Transports: make(map[domain.TransportType]domain.TransportStatus, len(seen))}
	r.mu.RLock()
	for typ := range seen {
		st := *r.statuses[typ]
		res.Transports[typ] = st
		if st.State == domain.TransportActive {
			res.Initialized = true
		}
	}
	r.mu.RUnlock()
	log.Printf("[transport] initialized %d/%d transports", countActive(res.Transports), len(seen))
	return res
}

func (r *Registry) initOne(ctx context.Context, typ domain.TransportType, cfg map[string]any) {
	r.mu.Lock()
	if r.closed {
		r.setStatusLocked(typ, domain.TransportError, domain.ErrRegistryClosed.Error())
		r.mu.Unlock()
		return
	}
	if st := r.statuses[typ]; st != nil && st.State == domain.TransportActive {
		r.mu.Unlock()
		return
	}
	factory := r.factories[typ]
	inbound := r.inbound
	stale := r.transports[typ]
	delete(r.transports, typ)
	r.setStatusLocked(typ, domain.TransportConnecting, "")
	r.statuses[typ].Config = redact(cfg)
	r.mu.Unlock()

	// An inactive instance from an earlier Initialize is replaced.
	if stale != nil {
		if err := stale.Shutdown(ctx); err != nil {
			log.Printf("[transport] shut down previous %s: %v", typ, err)
		}
	}

	if factory == nil {
		r.fail(typ, &domain.TransportInitError{Transport: typ, Err: fmt.Errorf("no implementation registered")})
		return
	}

	t := factory()
	if rc, ok := t.(Receiver); ok && inbound != nil {
		rc.OnReceive(func(ctx context.Context, p domain.Payload) { inbound(ctx, typ, p) })
	}
	if err := t.Initialize(ctx, cfg); err != nil {
		r.fail(typ, &domain.TransportInitError{Transport: typ, Err: err})
		return
	}

	health := t.Status()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Shutdown(ctx)
		r.fail(typ, domain.ErrRegistryClosed)
		return
	}
	r.transports[typ] = t
	r.setStatusLocked(typ, domain.TransportActive, "")
	r.statuses[typ].Connections = health.Connections
	r.statuses[typ].Metrics = health.Metrics
	r.mu.Unlock()

	log.Printf("[transport] %s active", typ)
	r.events.Publish(domain.TransportStatusEvent{Transport: typ, State: domain.TransportActive})
}

func (r *Registry) fail(typ domain.TransportType, err error) {
	r.mu.Lock()
	r.setStatusLocked(typ, domain.TransportError, err.Error())
	r.mu.Unlock()

	log.Printf("[transport] %v", err)
	r.events.Publish(domain.TransportStatusEvent{Transport: typ, State: domain.TransportError, Error: err.Error()})
}

// setStatusLocked must be called with r.mu held for writing.
func (r *Registry) setStatusLocked(typ domain.TransportType, state domain.TransportState, errMsg string) {
	st, ok := r.statuses[typ]
	if !ok {
		st = &domain.TransportStatus{Type: typ}
		r.statuses[typ] = st
	}
	st.State = state
	st.Error = errMsg
	st.UpdatedAt = r.clock.Now()
	metrics.SetTransportState(string(typ), string(state))
}

// Shutdown stops every transport once. New sends fail with ErrRegistryClosed
// immediately; in-flight sends are waited for until ctx expires. Teardown
// failures are logged and kept for LastShutdownError; Shutdown itself
// always returns nil.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		transports := make(map[domain.TransportType]domain.Transport, len(r.transports))
		for typ, t := range r.transports {
			transports[typ] = t
		}
		r.mu.Unlock()

		done := make(chan struct{})
		go func() {
			r.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Printf("[transport] shutdown: gave up waiting for in-flight sends: %v", ctx.Err())
		}

		var errs error
		for _, typ := range sortedTypes(transports) {
			if err := transports[typ].Shutdown(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", typ, err))
			}
			r.mu.Lock()
			r.setStatusLocked(typ, domain.TransportInactive, "")
			delete(r.transports, typ)
			r.mu.Unlock()
			r.events.Publish(domain.TransportStatusEvent{Transport: typ, State: domain.TransportInactive})
		}
		if errs != nil {
			log.Printf("[transport] shutdown errors: %v", errs)
		}
		r.mu.Lock()
		r.shutdownErr = errs
		r.mu.Unlock()
		log.Printf("[transport] shut down %d transports", len(transports))
	})
	return nil
}

// LastShutdownError returns the combined teardown errors of Shutdown.
func (r *Registry) LastShutdownError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shutdownErr
}

// Closed reports whether Shutdown has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Get returns the live transport for t, or nil.
func (r *Registry) Get(t domain.TransportType) domain.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transports[t]
}

// IsActive reports whether t is initialized and usable.
func (r *Registry) IsActive(t domain.TransportType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isActiveLocked(t)
}

func (r *Registry) isActiveLocked(t domain.TransportType) bool {
	st := r.statuses[t]
	return !r.closed && st != nil && st.State == domain.TransportActive && r.transports[t] != nil
}

// Active returns active transports in selection order.
func (r *Registry) Active() []domain.TransportType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.TransportType
	for _, t := range r.orderLocked() {
		if r.isActiveLocked(t) {
			out = append(out, t)
		}
	}
	return out
}

// SelectForPeer returns the first transport in selection order that the peer
// is addressable on and that is active.
func (r *Registry) SelectForPeer(p *domain.Peer) (domain.TransportType, bool) {
	if p == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.orderLocked() {
		if p.HasTransport(t) && r.isActiveLocked(t) {
			return t, true
		}
	}
	return "", false
}

// orderLocked is the priority list followed by any other known types
// alphabetically.
func (r *Registry) orderLocked() []domain.TransportType {
	order := slices.Clone(r.priority)
	var rest []domain.TransportType
	for t := range r.statuses {
		if !slices.Contains(order, t) {
			rest = append(rest, t)
		}
	}
	slices.Sort(rest)
	return append(order, rest...)
}

// Statuses returns a snapshot of every known transport in selection order.
func (r *Registry) Statuses() []domain.TransportStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TransportStatus, 0, len(r.statuses))
	for _, t := range r.orderLocked() {
		if st, ok := r.statuses[t]; ok {
			out = append(out, *st)
		}
	}
	return out
}

// Status returns the record for one transport.
func (r *Registry) Status(t domain.TransportType) (domain.TransportStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[t]
	if !ok {
		return domain.TransportStatus{}, false
	}
	return *st, true
}

// Refresh pulls the transport's self-reported health into its record.
// An active transport that reports not ready becomes inactive and vice versa;
// error records stay put until the transport is initialized again.
func (r *Registry) Refresh(t domain.TransportType) (domain.TransportStatus, error) {
	r.mu.RLock()
	tr := r.transports[t]
	_, known := r.statuses[t]
	r.mu.RUnlock()
	if !known {
		return domain.TransportStatus{}, fmt.Errorf("%w: %s", domain.ErrUnknownTransport, t)
	}
	if tr == nil {
		st, _ := r.Status(t)
		return st, nil
	}

	health := tr.Status()

	r.mu.Lock()
	st := r.statuses[t]
	prev := st.State
	switch {
	case st.State == domain.TransportActive && !health.Ready:
		r.setStatusLocked(t, domain.TransportInactive, "")
	case st.State == domain.TransportInactive && health.Ready && !r.closed:
		r.setStatusLocked(t, domain.TransportActive, "")
	default:
		st.UpdatedAt = r.clock.Now()
	}
	st.Connections = health.Connections
	st.Metrics = health.Metrics
	snapshot := *st
	r.mu.Unlock()

	if snapshot.State != prev {
		log.Printf("[transport] %s: %s -> %s", t, prev, snapshot.State)
	}
	r.events.Publish(domain.TransportStatusEvent{Transport: t, State: snapshot.State, Error: snapshot.Error})
	return snapshot, nil
}

// RefreshAll refreshes every transport that has a live instance.
func (r *Registry) RefreshAll() {
	r.mu.RLock()
	types := sortedTypes(r.transports)
	r.mu.RUnlock()
	for _, t := range types {
		_, _ = r.Refresh(t)
	}
}

// ─── Operations ─────────────────────────────────────────────────────────────

// acquire returns the active transport for t and registers an in-flight
// operation that the caller must release.
func (r *Registry) acquire(t domain.TransportType) (domain.Transport, func(), error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, nil, domain.ErrRegistryClosed
	}
	if !r.isActiveLocked(t) {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrTransportUnavailable, t)
	}
	r.inflight.Add(1)
	return r.transports[t], r.inflight.Done, nil
}

// Send hands a payload to one transport's send primitive.
func (r *Registry) Send(ctx context.Context, t domain.TransportType, p domain.Payload) (domain.SendReceipt, error) {
	tr, release, err := r.acquire(t)
	if err != nil {
		metrics.TransportSends.WithLabelValues(string(t), "unavailable").Inc()
		return domain.SendReceipt{}, err
	}
	defer release()

	start := r.clock.Now()
	receipt, err := tr.Send(ctx, p)
	metrics.TransportSendLatency.WithLabelValues(string(t)).Observe(r.clock.Since(start).Seconds())
	if err != nil {
		metrics.TransportSends.WithLabelValues(string(t), "failed").Inc()
		return domain.SendReceipt{}, &domain.DeliveryError{Transport: t, Err: err}
	}
	metrics.TransportSends.WithLabelValues(string(t), "ok").Inc()
	if receipt.At.IsZero() {
		receipt.At = r.clock.Now()
	}
	return receipt, nil
}

// Connect asks one transport to open a session with a peer.
func (r *Registry) Connect(ctx context.Context, t domain.TransportType, peerID, address string) error {
	tr, release, err := r.acquire(t)
	if err != nil {
		return err
	}
	defer release()
	if err := tr.Connect(ctx, peerID, address); err != nil {
		return fmt.Errorf("%s connect: %w", t, err)
	}
	return nil
}

// Disconnect closes a peer session on one transport.
func (r *Registry) Disconnect(ctx context.Context, t domain.TransportType, peerID string) error {
	tr, release, err := r.acquire(t)
	if err != nil {
		return err
	}
	defer release()
	if err := tr.Disconnect(ctx, peerID); err != nil {
		return fmt.Errorf("%s disconnect: %w", t, err)
	}
	return nil
}

// Discover runs one transport's discovery primitive.
func (r *Registry) Discover(ctx context.Context, t domain.TransportType, q domain.DiscoverQuery) ([]domain.Peer, error) {
	tr, release, err := r.acquire(t)
	if err != nil {
		return nil, err
	}
	defer release()
	peers, err := tr.DiscoverPeers(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%s discover: %w", t, err)
	}
	return peers, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func countActive(m map[domain.TransportType]domain.TransportStatus) int {
	n := 0
	for _, st := range m {
		if st.State == domain.TransportActive {
			n++
		}
	}
	return n
}

func sortedTypes[V any](m map[domain.TransportType]V) []domain.TransportType {
	out := make([]domain.TransportType, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

var secretKeys = []string{"token", "secret", "password", "key"}

// redact copies cfg with credential-looking values masked.
func redact(cfg map[string]any) map[string]any {
	if len(cfg) == 0 {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		lk := strings.ToLower(k)
		masked := false
		for _, s := range secretKeys {
			if strings.Contains(lk, s) {
				masked = true
				break
			}
		}
		if masked {
			out[k] = "***"
		} else {
			out[k] = v
		}
	}
	return out
}

// timeout returns a context bounded by d unless ctx already has an earlier deadline.
func timeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
