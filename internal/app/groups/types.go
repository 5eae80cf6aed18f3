package groups

import (
	"fmt"

	"github.com/peerlink-network/peerlink/internal/app/peers"
	"github.com/peerlink-network/peerlink/internal/domain"
)

// MemberSpec is one requested membership in CreateGroup.
type MemberSpec struct {
	PeerID string           `json:"peer_id"`
	Role   domain.GroupRole `json:"role,omitempty"`
}

// CreateGroupRequest describes a new group.
type CreateGroupRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Members     []MemberSpec         `json:"members,omitempty"`
	Settings    domain.GroupSettings `json:"settings"`
}

// CreateGroupResult summarizes a created group. Members counts the owner.
type CreateGroupResult struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// SendType selects what SendToGroup fans out.
type SendType string

const (
	SendMessage  SendType = "message"
	SendDocument SendType = "document"
)

// GroupSend is a fan-out request.
type GroupSend struct {
	Type           SendType             `json:"type"`
	Message        string               `json:"message,omitempty"`
	Documents      []peers.DocumentRef  `json:"documents,omitempty"`
	Transport      domain.TransportType `json:"transport,omitempty"`
	ExcludeMembers []string             `json:"exclude_members,omitempty"`
}

// RecipientStatus is the per-member outcome of a fan-out.
type RecipientStatus string

const (
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientFailed    RecipientStatus = "failed"
)

// RecipientResult is one member's outcome.
type RecipientResult struct {
	PeerID      string               `json:"peer_id"`
	Status      RecipientStatus      `json:"status"`
	Transport   domain.TransportType `json:"transport,omitempty"`
	MessageID   string               `json:"message_id,omitempty"`
	TransferIDs []string             `json:"transfer_ids,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// GroupSendResult collects every recipient's outcome in membership order.
type GroupSendResult struct {
	Sent       bool              `json:"sent"`
	Recipients []RecipientResult `json:"recipients"`
}

// Failed returns how many recipients failed.
func (r GroupSendResult) Failed() int {
	n := 0
	for _, rr := range r.Recipients {
		if rr.Status == RecipientFailed {
			n++
		}
	}
	return n
}

// Partial reports whether some, but not all, recipients failed.
func (r GroupSendResult) Partial() bool {
	n := r.Failed()
	return n > 0 && n < len(r.Recipients)
}

// Err returns ErrPartialFailure when any recipient failed.
func (r GroupSendResult) Err() error {
	if n := r.Failed(); n > 0 {
		return fmt.Errorf("%w: %d of %d recipients", domain.ErrPartialFailure, n, len(r.Recipients))
	}
	return nil
}
