package domain

import (
	"context"
	"time"
)

// ─── Persistence Interfaces ─────────────────────────────────────────────────
// Infrastructure implements these; the app layer depends on them.
// Lookups return (nil, nil) when the record does not exist.

// PeerStore persists peer identity, trust and availability.
type PeerStore interface {
	UpsertPeer(ctx context.Context, p Peer) error
	GetPeer(ctx context.Context, id string) (*Peer, error)
	ListPeers(ctx context.Context, f PeerFilter) ([]Peer, error)
	UpdatePeerTrust(ctx context.Context, id string, level TrustLevel) error
	UpdatePeerStatus(ctx context.Context, id string, status PeerStatus, seen time.Time) error
	SetPeerBlocked(ctx context.Context, id string, blocked bool) error
}

// TransferStore keeps references to transfers exchanged with peers.
type TransferStore interface {
	InsertTransfer(ctx context.Context, t TransferRef) error
	ListTransfers(ctx context.Context, peerID string, f TransferFilter) ([]TransferRef, error)
}

// MessageStore persists direct messages.
type MessageStore interface {
	// InsertMessage stores m and sets m.CreatedAt to the stored timestamp,
	// which is unique and later than every stored message.
	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, m Message) error

	// Conversation returns messages between a and b in either direction,
	// newest first, strictly older than before when before is non-zero.
	Conversation(ctx context.Context, a, b string, before time.Time, limit int) ([]Message, error)

	// CountUnread counts messages to peerID whose status is before read.
	CountUnread(ctx context.Context, peerID string) (int, error)
}

// GroupStore persists groups and their membership rows.
type GroupStore interface {
	// CreateGroup inserts the group and its initial members atomically.
	CreateGroup(ctx context.Context, g Group, members []GroupMember) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroupsForPeer(ctx context.Context, peerID string) ([]Group, error)
	TouchGroup(ctx context.Context, id string, at time.Time) error
	DeleteGroup(ctx context.Context, id string) (bool, error)

	// AddGroupMember is idempotent; it reports whether a row was inserted.
	AddGroupMember(ctx context.Context, m GroupMember) (bool, error)
	RemoveGroupMember(ctx context.Context, groupID, peerID string) (bool, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error)
}
