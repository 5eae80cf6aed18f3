package domain

import "time"

// MessageStatus is the forward-only delivery lifecycle.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessagePending:
		return 0
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	}
	return -1
}

// Before reports whether s comes strictly earlier in the lifecycle than o.
func (s MessageStatus) Before(o MessageStatus) bool {
	return s.rank() < o.rank()
}

// Message is one direct communication unit.
type Message struct {
	ID          string        `json:"message_id"`
	FromPeerID  string        `json:"from_peer_id"`
	ToPeerID    string        `json:"to_peer_id"`
	Content     string        `json:"content"`
	Transport   TransportType `json:"transport"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Timestamp is the pagination key, in Unix microseconds. Stored messages
// have distinct keys at least two apart, so Timestamp()-1 is never a key.
func (m *Message) Timestamp() int64 {
	return m.CreatedAt.UnixMicro()
}

// Advance moves the message forward to status, stamping every timestamp the
// move implies (read implies delivered implies sent). It returns false and
// leaves the message untouched if status is not strictly ahead.
func (m *Message) Advance(status MessageStatus, at time.Time) bool {
	if status.rank() < 0 || !m.Status.Before(status) {
		return false
	}
	if status.rank() >= MessageSent.rank() && m.SentAt == nil {
		m.SentAt = &at
	}
	if status.rank() >= MessageDelivered.rank() && m.DeliveredAt == nil {
		m.DeliveredAt = &at
	}
	if status == MessageRead && m.ReadAt == nil {
		m.ReadAt = &at
	}
	m.Status = status
	m.Error = ""
	return true
}
