// Package groups manages named sets of peers and fans a message or document
// send out to every member.
package groups

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/peerlink-network/peerlink/internal/app/messaging"
	"github.com/peerlink-network/peerlink/internal/app/peers"
	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/infra/metrics"
)

// Messenger sends one direct message.
type Messenger interface {
	SendMessage(ctx context.Context, from, to string, opts messaging.SendOptions) (*domain.Message, error)
}

// Transfers forwards documents to one peer.
type Transfers interface {
	SendDocumentsToPeer(ctx context.Context, id string, docs []peers.DocumentRef, t domain.TransportType) ([]peers.TransferAck, error)
}

// Config tunes fan-out.
type Config struct {
	FanoutConcurrency int // recipients dispatched at once
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{FanoutConcurrency: 8}
}

// Service is safe for concurrent use.
type Service struct {
	store     domain.GroupStore
	messages  Messenger
	transfers Transfers
	events    domain.EventPublisher
	clock     clock.Clock
	cfg       Config
}

// NewService creates the group service.
func NewService(store domain.GroupStore, messages Messenger, transfers Transfers, events domain.EventPublisher, clk clock.Clock, cfg Config) *Service {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = DefaultConfig().FanoutConcurrency
	}
	return &Service{
		store:     store,
		messages:  messages,
		transfers: transfers,
		events:    events,
		clock:     clk,
		cfg:       cfg,
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// CreateGroup creates a group owned by owner. The owner is always a member
// with the admin role, whether or not it was listed.
func (s *Service) CreateGroup(ctx context.Context, owner string, req CreateGroupRequest) (*CreateGroupResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidGroup
	}
	if owner == "" {
		owner = domain.SelfPeerID
	}

	now := s.clock.Now()
	g := domain.Group{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  req.Description,
		Owner:        owner,
		Settings:     req.Settings,
		CreatedAt:    now,
		LastActivity: now,
	}
	if g.Settings.DefaultTransport == "" {
		g.Settings.DefaultTransport = domain.TransportAuto
	}

	members := []domain.GroupMember{{GroupID: g.ID, PeerID: owner, Role: domain.RoleAdmin, JoinedAt: now}}
	seen := map[string]bool{owner: true}
	for _, m := range req.Members {
		if m.PeerID == "" || seen[m.PeerID] {
			continue
		}
		role := m.Role
		if role == "" {
			role = domain.RoleMember
		}
		if !role.Valid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidRole, role)
		}
		seen[m.PeerID] = true
		members = append(members, domain.GroupMember{GroupID: g.ID, PeerID: m.PeerID, Role: role, JoinedAt: now})
	}

	if err := s.store.CreateGroup(ctx, g, members); err != nil {
		return nil, fmt.Errorf("create group %q: %w", name, err)
	}
	for _, m := range members {
		s.events.Publish(domain.GroupMemberAddedEvent{GroupID: g.ID, PeerID: m.PeerID, Role: m.Role})
	}
	log.Printf("[groups] created %s (%q) with %d members", g.ID, name, len(members))
	return &CreateGroupResult{GroupID: g.ID, Name: name, Members: len(members)}, nil
}

// GetGroup returns a group, or nil, nil when it is unknown.
func (s *Service) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", id, err)
	}
	return g, nil
}

func (s *Service) mustGroup(ctx context.Context, id string) (*domain.Group, error) {
	g, err := s.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrGroupNotFound, id)
	}
	return g, nil
}

// ListGroupsForPeer returns the groups peerID belongs to, most active first.
func (s *Service) ListGroupsForPeer(ctx context.Context, peerID string) ([]domain.Group, error) {
	gs, err := s.store.ListGroupsForPeer(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("list groups for %s: %w", peerID, err)
	}
	if gs == nil {
		gs = []domain.Group{}
	}
	return gs, nil
}

// DeleteGroup removes the group and all of its memberships.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	ok, err := s.store.DeleteGroup(ctx, id)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrGroupNotFound, id)
	}
	log.Printf("[groups] deleted %s", id)
	return nil
}

// ─── Membership ─────────────────────────────────────────────────────────────

// GetGroupMembers lists members in join order.
func (s *Service) GetGroupMembers(ctx context.Context, id string) ([]domain.GroupMember, error) {
	ms, err := s.store.GetGroupMembers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", id, err)
	}
	if ms == nil {
		ms = []domain.GroupMember{}
	}
	return ms, nil
}

// AddMember adds peerID to the group. Adding an existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, groupID, peerID string, role domain.GroupRole) error {
	if peerID == "" {
		return domain.ErrInvalidPeer
	}
	if role == "" {
		role = domain.RoleMember
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidRole, role)
	}
	if _, err := s.mustGroup(ctx, groupID); err != nil {
		return err
	}
	added, err := s.store.AddGroupMember(ctx, domain.GroupMember{
		GroupID:  groupID,
		PeerID:   peerID,
		Role:     role,
		JoinedAt: s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("add %s to %s: %w", peerID, groupID, err)
	}
	if added {
		s.events.Publish(domain.GroupMemberAddedEvent{GroupID: groupID, PeerID: peerID, Role: role})
	}
	return nil
}

// RemoveMember drops peerID from the group. Removing a non-member is a
// no-op. The owner cannot be removed, so a group never becomes empty.
func (s *Service) RemoveMember(ctx context.Context, groupID, peerID string) error {
	g, err := s.mustGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if peerID == g.Owner {
		return fmt.Errorf("%w: %s owns %s", domain.ErrOwnerRemoval, peerID, groupID)
	}
	removed, err := s.store.RemoveGroupMember(ctx, groupID, peerID)
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", peerID, groupID, err)
	}
	if removed {
		s.events.Publish(domain.GroupMemberRemovedEvent{GroupID: groupID, PeerID: peerID})
	}
	return nil
}

// ─── Fan-out ────────────────────────────────────────────────────────────────

// SendToGroup sends to every member except the sender and the excluded ones.
// Recipients are dispatched concurrently; a failing recipient never stops the
// others and every outcome is returned in membership order. Only request
// errors are returned as an error.
func (s *Service) SendToGroup(ctx context.Context, groupID, sender string, req GroupSend) (*GroupSendResult, error) {
	switch req.Type {
	case SendMessage:
		if strings.TrimSpace(req.Message) == "" {
			return nil, domain.ErrEmptyMessage
		}
	case SendDocument:
		if len(req.Documents) == 0 {
			return nil, fmt.Errorf("%w: no documents given", domain.ErrInvalidSendType)
		}
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidSendType, req.Type)
	}
	if sender == "" {
		sender = domain.SelfPeerID
	}

	g, err := s.mustGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.GetGroupMembers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", groupID, err)
	}
	t := req.Transport
	if t.IsAuto() && !g.Settings.DefaultTransport.IsAuto() {
		t = g.Settings.DefaultTransport
	}

	var recipients []string
	for _, m := range members {
		if m.PeerID == sender || slices.Contains(req.ExcludeMembers, m.PeerID) {
			continue
		}
		recipients = append(recipients, m.PeerID)
	}

	res := &GroupSendResult{Recipients: make([]RecipientResult, len(recipients))}
	var eg errgroup.Group
	eg.SetLimit(s.cfg.FanoutConcurrency)
	for i, peerID := range recipients {
		eg.Go(func() error {
			res.Recipients[i] = s.sendOne(ctx, sender, peerID, t, req)
			return nil
		})
	}
	_ = eg.Wait()

	for _, rr := range res.Recipients {
		if rr.Status != RecipientFailed {
			res.Sent = true
		}
		metrics.FanoutRecipients.WithLabelValues(string(req.Type), string(rr.Status)).Inc()
	}

	if err := s.store.TouchGroup(ctx, groupID, s.clock.Now()); err != nil {
		log.Printf("[groups] touch %s: %v", groupID, err)
	}
	if err := res.Err(); err != nil {
		log.Printf("[groups] send to %s: %v", groupID, err)
	}
	return res, nil
}

func (s *Service) sendOne(ctx context.Context, sender, peerID string, t domain.TransportType, req GroupSend) RecipientResult {
	rr := RecipientResult{PeerID: peerID}
	switch req.Type {
	case SendMessage:
		msg, err := s.messages.SendMessage(ctx, sender, peerID, messaging.SendOptions{Content: req.Message, Transport: t})
		if msg != nil {
			rr.MessageID = msg.ID
			rr.Transport = msg.Transport
		}
		if err != nil {
			rr.Status = RecipientFailed
			rr.Error = err.Error()
			return rr
		}
		rr.Status = RecipientSent
		if msg.Status == domain.MessageDelivered {
			rr.Status = RecipientDelivered
		}
	case SendDocument:
		acks, err := s.transfers.SendDocumentsToPeer(ctx, peerID, req.Documents, t)
		delivered := len(acks) > 0
		for _, a := range acks {
			rr.TransferIDs = append(rr.TransferIDs, a.TransferID)
			rr.Transport = a.Transport
			delivered = delivered && a.Status == domain.TransferDelivered
		}
		if err != nil {
			rr.Status = RecipientFailed
			rr.Error = err.Error()
			return rr
		}
		rr.Status = RecipientSent
		if delivered {
			rr.Status = RecipientDelivered
		}
	}
	return rr
}
