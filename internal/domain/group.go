package domain

import "time"

// GroupRole is a member's role within a group.
type GroupRole string

const (
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// Valid reports whether r is a known role.
func (r GroupRole) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// GroupSettings are per-group policy knobs.
type GroupSettings struct {
	AllowMemberInvites bool          `json:"allow_member_invites"`
	RequireEncryption  bool          `json:"require_encryption"`
	DefaultTransport   TransportType `json:"default_transport"`
}

// Group is a named set of peers.
type Group struct {
	ID           string        `json:"group_id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Owner        string        `json:"owner"`
	Settings     GroupSettings `json:"settings"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// GroupMember is one (group, peer) membership row.
type GroupMember struct {
	GroupID  string    `json:"group_id"`
	PeerID   string    `json:"peer_id"`
	Role     GroupRole `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}
