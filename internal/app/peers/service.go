// Package peers is the peer directory: identity, trust, availability and
// the connect/transfer operations that move bytes to one peer.
package peers

import (
	"context"
	"fmt"
	"log"
	"maps"
	"slices"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/infra/metrics"
)

// Transports is the part of the transport registry the directory uses.
type Transports interface {
	Active() []domain.TransportType
	IsActive(t domain.TransportType) bool
	SelectForPeer(p *domain.Peer) (domain.TransportType, bool)
	Send(ctx context.Context, t domain.TransportType, p domain.Payload) (domain.SendReceipt, error)
	Connect(ctx context.Context, t domain.TransportType, peerID, address string) error
	Disconnect(ctx context.Context, t domain.TransportType, peerID string) error
	Discover(ctx context.Context, t domain.TransportType, q domain.DiscoverQuery) ([]domain.Peer, error)
}

// Store is the persistence the directory needs.
type Store interface {
	domain.PeerStore
	domain.TransferStore
}

// Config tunes the directory.
type Config struct {
	CacheSize           int // peers kept in the lookup cache
	DefaultTransferPage int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{CacheSize: 512, DefaultTransferPage: 50}
}

// Service is safe for concurrent use.
type Service struct {
	store      Store
	transports Transports
	events     domain.EventPublisher
	clock      clock.Clock
	cache      *lru.Cache[string, domain.Peer]
	cfg        Config
}

// NewService creates the peer directory.
func NewService(store Store, transports Transports, events domain.EventPublisher, clk clock.Clock, cfg Config) *Service {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.DefaultTransferPage <= 0 {
		cfg.DefaultTransferPage = DefaultConfig().DefaultTransferPage
	}
	cache, _ := lru.New[string, domain.Peer](cfg.CacheSize) // only fails for size <= 0
	return &Service{
		store:      store,
		transports: transports,
		events:     events,
		clock:      clk,
		cache:      cache,
		cfg:        cfg,
	}
}

// ─── Lookup ─────────────────────────────────────────────────────────────────

// GetPeer returns the peer, or nil, nil when it is unknown.
func (s *Service) GetPeer(ctx context.Context, id string) (*domain.Peer, error) {
	if p, ok := s.cache.Get(id); ok {
		return clonePeer(p), nil
	}
	p, err := s.store.GetPeer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get peer %s: %w", id, err)
	}
	if p == nil {
		return nil, nil
	}
	s.cache.Add(id, *clonePeer(*p))
	return p, nil
}

// mustPeer is GetPeer that turns a miss into ErrPeerNotFound.
func (s *Service) mustPeer(ctx context.Context, id string) (*domain.Peer, error) {
	p, err := s.GetPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
	}
	return p, nil
}

// ListPeers returns stored peers.
func (s *Service) ListPeers(ctx context.Context, f domain.PeerFilter) ([]domain.Peer, error) {
	peers, err := s.store.ListPeers(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

// ─── Writes ─────────────────────────────────────────────────────────────────

// StorePeer creates or merges a peer record. Calling it twice with the same
// input leaves the same record.
func (s *Service) StorePeer(ctx context.Context, p domain.Peer) (*domain.Peer, error) {
	if p.ID == "" {
		return nil, domain.ErrInvalidPeer
	}
	if p.TrustLevel != "" && !p.TrustLevel.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTrustLevel, p.TrustLevel)
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidPeerStatus, p.Status)
	}

	existing, err := s.GetPeer(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	rec := p
	if existing != nil {
		rec = *existing
		rec.Merge(p)
	}
	rec.Normalize(s.clock.Now())

	if err := s.store.UpsertPeer(ctx, rec); err != nil {
		return nil, fmt.Errorf("store peer %s: %w", p.ID, err)
	}
	s.cache.Remove(p.ID)
	return s.GetPeer(ctx, p.ID)
}

// UpdateTrustLevel moves a peer to any trust level.
func (s *Service) UpdateTrustLevel(ctx context.Context, id string, level domain.TrustLevel) (*domain.Peer, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTrustLevel, level)
	}
	if err := s.store.UpdatePeerTrust(ctx, id, level); err != nil {
		return nil, fmt.Errorf("update trust of %s: %w", id, err)
	}
	s.cache.Remove(id)
	return s.GetPeer(ctx, id)
}

// SetBlocked flags or unflags a peer. Blocked peers are kept but hidden from
// discovery and their inbound traffic is dropped.
func (s *Service) SetBlocked(ctx context.Context, id string, blocked bool) error {
	defer s.cache.Remove(id)
	if err := s.store.SetPeerBlocked(ctx, id, blocked); err != nil {
		return fmt.Errorf("block %s: %w", id, err)
	}
	log.Printf("[peers] %s blocked=%v", id, blocked)
	return nil
}

// UpdatePeerStatus records an observed status and emits peer:status.
func (s *Service) UpdatePeerStatus(ctx context.Context, id string, status domain.PeerStatus) error {
	return s.setStatus(ctx, id, status, "")
}

func (s *Service) setStatus(ctx context.Context, id string, status domain.PeerStatus, via domain.TransportType) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidPeerStatus, status)
	}
	defer s.cache.Remove(id)
	if err := s.store.UpdatePeerStatus(ctx, id, status, s.clock.Now()); err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	s.events.Publish(domain.PeerStatusEvent{PeerID: id, Status: status, Transport: via})
	return nil
}

// ─── Discovery ──────────────────────────────────────────────────────────────

// DiscoverPeers asks every selected active transport for peers, merges the
// answers by peer id, persists the new ones and filters the rest.
// A transport whose discovery fails is logged and skipped.
func (s *Service) DiscoverPeers(ctx context.Context, f DiscoverFilter) (*DiscoverResult, error) {
	types := s.transports.Active()
	if len(f.Transports) > 0 {
		types = slices.DeleteFunc(types, func(t domain.TransportType) bool {
			return !slices.Contains(f.Transports, t)
		})
	}
	res := &DiscoverResult{Peers: []domain.Peer{}}
	if len(types) == 0 {
		return res, nil
	}

	// Query concurrently, merge in selection order so later transports win
	// on conflicting fields deterministically.
	found := make([][]domain.Peer, len(types))
	var g errgroup.Group
	for i, t := range types {
		g.Go(func() error {
			peers, err := s.transports.Discover(ctx, t, domain.DiscoverQuery{Query: f.Query, OnlineOnly: f.OnlineOnly})
			if err != nil {
				log.Printf("[peers] discovery via %s skipped: %v", t, err)
				return nil
			}
			found[i] = peers
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]*domain.Peer)
	var order []string
	for i, peers := range found {
		for _, p := range peers {
			if p.ID == "" || p.ID == domain.SelfPeerID {
				continue
			}
			// Trust and blocking are local.
			p.TrustLevel = ""
			p.Blocked = false
			if m, ok := merged[p.ID]; ok {
				m.Merge(p)
				continue
			}
			cp := clonePeer(p)
			if len(cp.Identifiers) == 0 {
				cp.Identifiers = map[domain.TransportType]string{types[i]: p.ID}
			}
			merged[p.ID] = cp
			order = append(order, p.ID)
		}
	}

	for _, id := range order {
		rec, isNew, err := s.persistDiscovered(ctx, *merged[id])
		if err != nil {
			return nil, err
		}
		if isNew {
			res.Discovered++
		}
		if rec.Blocked || !rec.Matches(f.Query) {
			continue
		}
		if f.OnlineOnly && !rec.IsReachable() {
			continue
		}
		if f.VerifiedOnly && !rec.IsVerified() {
			continue
		}
		res.Peers = append(res.Peers, *rec)
	}
	res.Total = len(res.Peers)
	log.Printf("[peers] discovery over %d transports: %d peers, %d new", len(types), res.Total, res.Discovered)
	return res, nil
}

func (s *Service) persistDiscovered(ctx context.Context, p domain.Peer) (*domain.Peer, bool, error) {
	existing, err := s.GetPeer(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	now := s.clock.Now()
	rec := p
	if existing != nil {
		rec = *existing
		rec.Merge(p)
	}
	if rec.Status == "" {
		rec.Status = domain.PeerOnline
	}
	if rec.LastSeen.Before(now) {
		rec.LastSeen = now
	}
	rec.Normalize(now)

	if err := s.store.UpsertPeer(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("store discovered peer %s: %w", p.ID, err)
	}
	s.cache.Remove(p.ID)

	if existing == nil {
		metrics.PeersDiscovered.Inc()
		s.events.Publish(domain.PeerDiscoveredEvent{PeerID: rec.ID, Transports: rec.AvailableTransports()})
	}
	return &rec, existing == nil, nil
}

// ResolveSender maps an inbound transport address to a known peer, creating
// a minimal record for first contact. Blocked senders yield ErrPeerBlocked.
func (s *Service) ResolveSender(ctx context.Context, t domain.TransportType, address string) (*domain.Peer, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: inbound %s payload has no sender", domain.ErrInvalidPeer, t)
	}
	candidates, err := s.store.ListPeers(ctx, domain.PeerFilter{Query: address, IncludeBlocked: true})
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	for i := range candidates {
		if candidates[i].Identifiers[t] == address {
			p := &candidates[i]
			if p.Blocked {
				return nil, fmt.Errorf("%w: %s", domain.ErrPeerBlocked, p.ID)
			}
			return p, nil
		}
	}

	id := address
	if existing, err := s.GetPeer(ctx, id); err != nil {
		return nil, err
	} else if existing != nil {
		// Address collides with an unrelated peer id; namespace it.
		id = string(t) + ":" + address
	}
	rec, _, err := s.persistDiscovered(ctx, domain.Peer{
		ID:          id,
		Identifiers: map[domain.TransportType]string{t: address},
		Status:      domain.PeerOnline,
	})
	return rec, err
}

// ─── Sessions ───────────────────────────────────────────────────────────────

// ConnectToPeer walks the fallback chain (Transport first, then each fallback
// in the caller's order) until one transport connects. An auto entry stands
// for the best active transport not already in the chain. It never returns
// an error; failures are reported per attempt.
func (s *Service) ConnectToPeer(ctx context.Context, id string, opts ConnectOptions) ConnectResult {
	peer, err := s.mustPeer(ctx, id)
	if err != nil {
		return ConnectResult{Errors: []AttemptError{{Error: err.Error()}}}
	}

	var chain []domain.TransportType
	add := func(t domain.TransportType) {
		if t.IsAuto() {
			var ok bool
			if t, ok = s.selectExcluding(peer, chain); !ok {
				return
			}
		}
		if !slices.Contains(chain, t) {
			chain = append(chain, t)
		}
	}
	add(opts.Transport)
	for _, t := range opts.FallbackTransports {
		add(t)
	}

	var res ConnectResult
	if len(chain) == 0 {
		res.Errors = append(res.Errors, AttemptError{Error: fmt.Sprintf("%v: no active transport reaches %s", domain.ErrTransportUnavailable, id)})
		return res
	}

	for _, t := range chain {
		err := s.connectVia(ctx, peer, t)
		if err != nil {
			metrics.ConnectAttempts.WithLabelValues(string(t), "failed").Inc()
			res.Errors = append(res.Errors, AttemptError{Transport: t, Error: err.Error()})
			continue
		}
		metrics.ConnectAttempts.WithLabelValues(string(t), "ok").Inc()
		if err := s.setStatus(ctx, id, domain.PeerOnline, t); err != nil {
			log.Printf("[peers] connected to %s via %s but could not record status: %v", id, t, err)
		}
		log.Printf("[peers] connected to %s via %s", id, t)
		res.Success = true
		res.Transport = t
		return res
	}
	log.Printf("[peers] connect to %s failed on %d transports", id, len(chain))
	return res
}

// selectExcluding picks the best active transport for peer outside skip.
func (s *Service) selectExcluding(peer *domain.Peer, skip []domain.TransportType) (domain.TransportType, bool) {
	cp := clonePeer(*peer)
	for _, t := range skip {
		delete(cp.Identifiers, t)
	}
	return s.transports.SelectForPeer(cp)
}

func (s *Service) connectVia(ctx context.Context, peer *domain.Peer, t domain.TransportType) error {
	if !s.transports.IsActive(t) {
		return fmt.Errorf("%w: %s", domain.ErrTransportUnavailable, t)
	}
	addr := peer.Identifiers[t]
	if addr == "" {
		return fmt.Errorf("%w: %s has no %s address", domain.ErrTransportUnavailable, peer.ID, t)
	}
	return s.transports.Connect(ctx, t, peer.ID, addr)
}

// DisconnectFromPeer closes the peer's session on every active transport it
// is reachable through. The record is kept; its status becomes offline.
func (s *Service) DisconnectFromPeer(ctx context.Context, id string) error {
	peer, err := s.mustPeer(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range peer.AvailableTransports() {
		if !s.transports.IsActive(t) {
			continue
		}
		if err := s.transports.Disconnect(ctx, t, id); err != nil {
			log.Printf("[peers] disconnect %s via %s: %v", id, t, err)
		}
	}
	return s.setStatus(ctx, id, domain.PeerOffline, "")
}

// ─── Transfers ──────────────────────────────────────────────────────────────

// SendTransferToPeer forwards an opaque transfer payload and records a
// reference to it. An empty TransferID gets a fresh one.
func (s *Service) SendTransferToPeer(ctx context.Context, id string, req TransferRequest) (*TransferAck, error) {
	peer, err := s.mustPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	if peer.Blocked {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerBlocked, id)
	}

	t := req.Transport
	if t.IsAuto() {
		var ok bool
		if t, ok = s.transports.SelectForPeer(peer); !ok {
			return nil, fmt.Errorf("%w: no active transport reaches %s", domain.ErrTransportUnavailable, id)
		}
	}
	addr := peer.Identifiers[t]
	if addr == "" {
		return nil, fmt.Errorf("%w: %s has no %s address", domain.ErrTransportUnavailable, id, t)
	}

	transferID := req.TransferID
	if transferID == "" {
		transferID = uuid.NewString()
	}
	meta := map[string]string{"type": req.Type}
	if req.DocumentID != "" {
		meta["document_id"] = req.DocumentID
	}
	receipt, err := s.transports.Send(ctx, t, domain.Payload{
		Kind:    domain.PayloadTransfer,
		ID:      transferID,
		From:    domain.SelfPeerID,
		To:      id,
		Address: addr,
		Body:    req.Payload,
		Meta:    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("send transfer %s to %s: %w", transferID, id, err)
	}

	ack := &TransferAck{TransferID: transferID, DocumentID: req.DocumentID, Status: domain.TransferSent, Transport: t, SentAt: receipt.At}
	if receipt.Delivered {
		at := receipt.At
		ack.Status = domain.TransferDelivered
		ack.DeliveredAt = &at
	}

	ref := domain.TransferRef{
		ID:          transferID,
		PeerID:      id,
		DocumentID:  req.DocumentID,
		Direction:   domain.TransferOutbound,
		Type:        req.Type,
		Status:      ack.Status,
		Transport:   t,
		SizeBytes:   int64(len(req.Payload)),
		CreatedAt:   receipt.At,
		DeliveredAt: ack.DeliveredAt,
	}
	if err := s.store.InsertTransfer(ctx, ref); err != nil {
		log.Printf("[peers] transfer %s sent but not recorded: %v", transferID, err)
	}
	s.cache.Remove(id)
	return ack, nil
}

// SendDocumentsToPeer forwards each document as its own transfer and stops
// at the first failure, returning the acks gathered so far. Every call mints
// new transfer ids, so the same documents can go to many peers.
func (s *Service) SendDocumentsToPeer(ctx context.Context, id string, docs []DocumentRef, t domain.TransportType) ([]TransferAck, error) {
	acks := make([]TransferAck, 0, len(docs))
	for _, d := range docs {
		ack, err := s.SendTransferToPeer(ctx, id, TransferRequest{DocumentID: d.ID, Transport: t, Type: d.Type, Payload: d.Payload})
		if err != nil {
			return acks, err
		}
		acks = append(acks, *ack)
	}
	return acks, nil
}

// ReceiveTransfer records an inbound transfer from a resolved sender.
func (s *Service) ReceiveTransfer(ctx context.Context, from string, t domain.TransportType, p domain.Payload) error {
	now := s.clock.Now()
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	ref := domain.TransferRef{
		ID:          id,
		PeerID:      from,
		DocumentID:  p.Meta["document_id"],
		Direction:   domain.TransferInbound,
		Type:        p.Meta["type"],
		Status:      domain.TransferDelivered,
		Transport:   t,
		SizeBytes:   int64(len(p.Body)),
		CreatedAt:   now,
		DeliveredAt: &now,
	}
	defer s.cache.Remove(from)
	if err := s.store.InsertTransfer(ctx, ref); err != nil {
		return fmt.Errorf("record inbound transfer %s: %w", id, err)
	}
	return nil
}

// GetTransfersWithPeer lists transfers exchanged with a peer, newest first.
func (s *Service) GetTransfersWithPeer(ctx context.Context, id string, f domain.TransferFilter) ([]domain.TransferRef, error) {
	if _, err := s.mustPeer(ctx, id); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = s.cfg.DefaultTransferPage
	}
	refs, err := s.store.ListTransfers(ctx, id, f)
	if err != nil {
		return nil, fmt.Errorf("list transfers with %s: %w", id, err)
	}
	if refs == nil {
		refs = []domain.TransferRef{}
	}
	return refs, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func clonePeer(p domain.Peer) *domain.Peer {
	cp := p
	cp.Identifiers = maps.Clone(p.Identifiers)
	if p.Transfers.LastTransferAt != nil {
		at := *p.Transfers.LastTransferAt
		cp.Transfers.LastTransferAt = &at
	}
	return &cp
}
