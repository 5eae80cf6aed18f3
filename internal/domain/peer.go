// Package domain holds the peer, message, group and transport types.
// A Peer is a remote (or the local) identity reachable over one or more transports.
package domain

import (
	"slices"
	"strings"
	"time"
)

// SelfPeerID is the reserved peer representing the local node.
// It is the implicit sender of 1:1 and group sends.
const SelfPeerID = "self"

// TrustLevel is a coarse verification tier. Any level may move to any other.
type TrustLevel string

const (
	TrustUnverified       TrustLevel = "unverified"
	TrustEmailVerified    TrustLevel = "email_verified"
	TrustIdentityVerified TrustLevel = "identity_verified"
	TrustTrusted          TrustLevel = "trusted"
)

// Valid reports whether t is one of the known trust levels.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustUnverified, TrustEmailVerified, TrustIdentityVerified, TrustTrusted:
		return true
	}
	return false
}

// PeerStatus tracks reachability as last observed.
type PeerStatus string

const (
	PeerOnline  PeerStatus = "online"
	PeerPartial PeerStatus = "partial"
	PeerOffline PeerStatus = "offline"
)

// Valid reports whether s is a known peer status.
func (s PeerStatus) Valid() bool {
	return s == PeerOnline || s == PeerPartial || s == PeerOffline
}

// TransferStats aggregates transfers exchanged with a peer.
type TransferStats struct {
	Sent           int        `json:"sent"`
	Received       int        `json:"received"`
	LastTransferAt *time.Time `json:"last_transfer_at,omitempty"`
}

// Peer is an identity known to this node.
type Peer struct {
	ID          string                   `json:"peer_id"`
	DisplayName string                   `json:"display_name"`
	Avatar      string                   `json:"avatar,omitempty"`
	Identifiers map[TransportType]string `json:"identifiers"`
	TrustLevel  TrustLevel               `json:"trust_level"`
	Status      PeerStatus               `json:"status"`
	Blocked     bool                     `json:"blocked"`
	Transfers   TransferStats            `json:"transfer_history"`
	CreatedAt   time.Time                `json:"created_at"`
	LastSeen    time.Time                `json:"last_seen"`
}

// AvailableTransports returns the transports this peer has an identifier for,
// in default priority order followed by any others alphabetically.
func (p *Peer) AvailableTransports() []TransportType {
	out := make([]TransportType, 0, len(p.Identifiers))
	for _, t := range DefaultPriority() {
		if p.HasTransport(t) {
			out = append(out, t)
		}
	}
	var rest []TransportType
	for t, addr := range p.Identifiers {
		if addr != "" && !slices.Contains(out, t) {
			rest = append(rest, t)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

// HasTransport reports whether the peer is addressable on t.
func (p *Peer) HasTransport(t TransportType) bool {
	return p.Identifiers[t] != ""
}

// IsVerified returns true for any trust level above unverified.
func (p *Peer) IsVerified() bool {
	return p.TrustLevel != "" && p.TrustLevel != TrustUnverified
}

// IsReachable returns true if the peer is at least partially online.
func (p *Peer) IsReachable() bool {
	return p.Status == PeerOnline || p.Status == PeerPartial
}

// Matches does a case-insensitive substring match on name, id and identifiers.
func (p *Peer) Matches(query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(p.ID), q) || strings.Contains(strings.ToLower(p.DisplayName), q) {
		return true
	}
	for _, addr := range p.Identifiers {
		if strings.Contains(strings.ToLower(addr), q) {
			return true
		}
	}
	return false
}

// Merge folds other into p key by key. Non-zero fields of other win;
// identifiers are unioned with other's addresses overwriting on conflict.
func (p *Peer) Merge(other Peer) {
	if other.DisplayName != "" {
		p.DisplayName = other.DisplayName
	}
	if other.Avatar != "" {
		p.Avatar = other.Avatar
	}
	if other.TrustLevel != "" {
		p.TrustLevel = other.TrustLevel
	}
	if other.Status != "" {
		p.Status = other.Status
	}
	if !other.LastSeen.IsZero() && other.LastSeen.After(p.LastSeen) {
		p.LastSeen = other.LastSeen
	}
	if len(other.Identifiers) > 0 && p.Identifiers == nil {
		p.Identifiers = make(map[TransportType]string, len(other.Identifiers))
	}
	for t, addr := range other.Identifiers {
		if addr != "" {
			p.Identifiers[t] = addr
		}
	}
}

// Normalize fills defaults for a freshly created peer record.
func (p *Peer) Normalize(now time.Time) {
	if p.TrustLevel == "" {
		p.TrustLevel = TrustUnverified
	}
	if p.Status == "" {
		p.Status = PeerOffline
	}
	if p.Identifiers == nil {
		p.Identifiers = map[TransportType]string{}
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}
}

// PeerFilter narrows ListPeers.
type PeerFilter struct {
	Query          string
	Status         PeerStatus
	VerifiedOnly   bool
	IncludeBlocked bool
	Limit          int
}
