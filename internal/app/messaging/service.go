// Package messaging handles direct messages between two peers: sending over
// a transport, delivery and read tracking, paginated history and unread counts.
package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/infra/metrics"
)

// Transports is the part of the transport registry messaging uses.
type Transports interface {
	SelectForPeer(p *domain.Peer) (domain.TransportType, bool)
	Send(ctx context.Context, t domain.TransportType, p domain.Payload) (domain.SendReceipt, error)
}

// Peers looks up recipients. It returns nil, nil for unknown ids.
type Peers interface {
	GetPeer(ctx context.Context, id string) (*domain.Peer, error)
}

// Config tunes history paging.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{DefaultPageSize: 50, MaxPageSize: 200}
}

// SendOptions carries the content and the requested transport (empty or
// "auto" selects one).
type SendOptions struct {
	Content   string               `json:"content"`
	Transport domain.TransportType `json:"transport,omitempty"`
}

// HistoryOptions pages through a conversation. Before is a Unix microsecond
// timestamp as returned by Message.Timestamp; zero means from the newest
// message.
type HistoryOptions struct {
	Limit  int   `json:"limit,omitempty"`
	Before int64 `json:"before,omitempty"`
}

// Inbound is a message handed up by a transport.
type Inbound struct {
	ID        string
	From      string
	Transport domain.TransportType
	Content   string
}

// Service is safe for concurrent use.
type Service struct {
	store      domain.MessageStore
	peers      Peers
	transports Transports
	events     domain.EventPublisher
	clock      clock.Clock
	cfg        Config
}

// NewService creates the messaging service.
func NewService(store domain.MessageStore, peers Peers, transports Transports, events domain.EventPublisher, clk clock.Clock, cfg Config) *Service {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultConfig()
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}
	return &Service{
		store:      store,
		peers:      peers,
		transports: transports,
		events:     events,
		clock:      clk,
		cfg:        cfg,
	}
}

// ─── Sending ────────────────────────────────────────────────────────────────

// SendMessage stores a pending message and hands it to a transport. On a
// send failure the message stays pending with Error set; it is returned
// together with the error so callers can show what was kept. No retries.
func (s *Service) SendMessage(ctx context.Context, from, to string, opts SendOptions) (*domain.Message, error) {
	if strings.TrimSpace(opts.Content) == "" {
		return nil, domain.ErrEmptyMessage
	}
	peer, err := s.peers.GetPeer(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("look up recipient %s: %w", to, err)
	}
	if peer == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, to)
	}
	if peer.Blocked {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerBlocked, to)
	}

	msg := domain.Message{
		ID:         uuid.NewString(),
		FromPeerID: from,
		ToPeerID:   to,
		Content:    opts.Content,
		Transport:  opts.Transport,
		Status:     domain.MessagePending,
		CreatedAt:  s.clock.Now(),
	}
	if msg.Transport == "" {
		msg.Transport = domain.TransportAuto
	}
	if err := s.store.InsertMessage(ctx, &msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	metrics.Messages.WithLabelValues(string(domain.MessagePending)).Inc()

	receipt, err := s.deliver(ctx, &msg, peer)
	if err != nil {
		msg.Error = err.Error()
		if uerr := s.store.UpdateMessage(ctx, msg); uerr != nil {
			log.Printf("[messaging] record failure of %s: %v", msg.ID, uerr)
		}
		metrics.Messages.WithLabelValues("failed").Inc()
		log.Printf("[messaging] send %s to %s failed: %v", msg.ID, to, err)
		return &msg, err
	}

	now := s.clock.Now()
	msg.Advance(domain.MessageSent, now)
	delivered := receipt.Delivered && msg.Advance(domain.MessageDelivered, now)
	if err := s.store.UpdateMessage(ctx, msg); err != nil {
		return &msg, fmt.Errorf("update message %s: %w", msg.ID, err)
	}

	metrics.Messages.WithLabelValues(string(domain.MessageSent)).Inc()
	s.events.Publish(domain.MessageSentEvent{MessageID: msg.ID, FromPeerID: from, ToPeerID: to, Transport: msg.Transport})
	if delivered {
		metrics.Messages.WithLabelValues(string(domain.MessageDelivered)).Inc()
		s.events.Publish(domain.MessageDeliveredEvent{MessageID: msg.ID, FromPeerID: from, ToPeerID: to})
	}
	return &msg, nil
}

// deliver resolves the transport and sends. msg.Transport is set to the
// transport actually used.
func (s *Service) deliver(ctx context.Context, msg *domain.Message, peer *domain.Peer) (domain.SendReceipt, error) {
	t := msg.Transport
	if t.IsAuto() {
		var ok bool
		if t, ok = s.transports.SelectForPeer(peer); !ok {
			return domain.SendReceipt{}, fmt.Errorf("%w: no active transport reaches %s", domain.ErrTransportUnavailable, peer.ID)
		}
	}
	msg.Transport = t
	addr := peer.Identifiers[t]
	if addr == "" {
		return domain.SendReceipt{}, fmt.Errorf("%w: %s has no %s address", domain.ErrTransportUnavailable, peer.ID, t)
	}
	return s.transports.Send(ctx, t, domain.Payload{
		Kind:    domain.PayloadMessage,
		ID:      msg.ID,
		From:    msg.FromPeerID,
		To:      msg.ToPeerID,
		Address: addr,
		Body:    []byte(msg.Content),
	})
}

// ─── Delivery State ─────────────────────────────────────────────────────────

// MarkDelivered advances an outbound message to delivered when a transport
// confirms it. Messages already delivered or read are left alone.
func (s *Service) MarkDelivered(ctx context.Context, id string) error {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("get message %s: %w", id, err)
	}
	if msg == nil {
		return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, id)
	}
	if !msg.Advance(domain.MessageDelivered, s.clock.Now()) {
		return nil
	}
	if err := s.store.UpdateMessage(ctx, *msg); err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	metrics.Messages.WithLabelValues(string(domain.MessageDelivered)).Inc()
	s.events.Publish(domain.MessageDeliveredEvent{MessageID: id, FromPeerID: msg.FromPeerID, ToPeerID: msg.ToPeerID})
	return nil
}

// ReceiveMessage stores an inbound message addressed to self as delivered.
// A message id seen before returns the stored copy unchanged.
func (s *Service) ReceiveMessage(ctx context.Context, in Inbound) (*domain.Message, error) {
	if in.From == "" {
		return nil, domain.ErrInvalidPeer
	}
	if in.ID != "" {
		existing, err := s.store.GetMessage(ctx, in.ID)
		if err != nil {
			return nil, fmt.Errorf("get message %s: %w", in.ID, err)
		}
		if existing != nil {
			return existing, nil
		}
	} else {
		in.ID = uuid.NewString()
	}

	now := s.clock.Now()
	msg := domain.Message{
		ID:         in.ID,
		FromPeerID: in.From,
		ToPeerID:   domain.SelfPeerID,
		Content:    in.Content,
		Transport:  in.Transport,
		Status:     domain.MessagePending,
		CreatedAt:  now,
	}
	msg.Advance(domain.MessageDelivered, now)
	if err := s.store.InsertMessage(ctx, &msg); err != nil {
		return nil, fmt.Errorf("store inbound message: %w", err)
	}
	metrics.Messages.WithLabelValues(string(domain.MessageDelivered)).Inc()
	s.events.Publish(domain.MessageDeliveredEvent{MessageID: msg.ID, FromPeerID: msg.FromPeerID, ToPeerID: msg.ToPeerID})
	log.Printf("[messaging] received %s from %s via %s", msg.ID, in.From, in.Transport)
	return &msg, nil
}

// MarkMessagesAsRead marks the given messages read for reader. Ids that are
// unknown, already read or addressed to someone else are skipped. It returns
// how many messages moved to read.
func (s *Service) MarkMessagesAsRead(ctx context.Context, reader string, ids []string) (int, error) {
	now := s.clock.Now()
	n := 0
	for _, id := range ids {
		msg, err := s.store.GetMessage(ctx, id)
		if err != nil {
			return n, fmt.Errorf("get message %s: %w", id, err)
		}
		if msg == nil || msg.ToPeerID != reader {
			continue
		}
		if !msg.Advance(domain.MessageRead, now) {
			continue
		}
		if err := s.store.UpdateMessage(ctx, *msg); err != nil {
			return n, fmt.Errorf("update message %s: %w", id, err)
		}
		n++
		metrics.Messages.WithLabelValues(string(domain.MessageRead)).Inc()
		s.events.Publish(domain.MessageReadEvent{MessageID: id, ReaderID: reader})
	}
	return n, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// GetMessage returns a message, or nil, nil when it is unknown.
func (s *Service) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// GetMessageHistory returns the conversation between a and b, newest first.
// Passing the timestamp of the last message minus one as Before yields the
// next, disjoint page.
func (s *Service) GetMessageHistory(ctx context.Context, a, b string, opts HistoryOptions) ([]domain.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	var before time.Time
	if opts.Before > 0 {
		before = time.UnixMicro(opts.Before)
	}
	msgs, err := s.store.Conversation(ctx, a, b, before, limit)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", a, b, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// GetUnreadCount counts messages to peerID not yet read.
func (s *Service) GetUnreadCount(ctx context.Context, peerID string) (int, error) {
	n, err := s.store.CountUnread(ctx, peerID)
	if err != nil {
		return 0, fmt.Errorf("unread count for %s: %w", peerID, err)
	}
	return n, nil
}
