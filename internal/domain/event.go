package domain

import "time"

// EventType is the closed set of events the core emits.
type EventType string

const (
	EventPeerStatus         EventType = "peer:status"
	EventPeerDiscovered     EventType = "peer:discovered"
	EventTransportStatus    EventType = "transport:status"
	EventMessageSent        EventType = "message:sent"
	EventMessageDelivered   EventType = "message:delivered"
	EventMessageRead        EventType = "message:read"
	EventGroupMemberAdded   EventType = "group:member:added"
	EventGroupMemberRemoved EventType = "group:member:removed"
)

// AllEventTypes lists every event type in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventPeerStatus, EventPeerDiscovered, EventTransportStatus,
		EventMessageSent, EventMessageDelivered, EventMessageRead,
		EventGroupMemberAdded, EventGroupMemberRemoved,
	}
}

// EventPayload is implemented only by the payload structs in this file.
type EventPayload interface {
	EventType() EventType
	sealed()
}

// Event is an envelope stamped by the publisher.
type Event struct {
	Type    EventType    `json:"type"`
	At      time.Time    `json:"at"`
	Payload EventPayload `json:"payload"`
}

// EventPublisher is what services emit through.
type EventPublisher interface {
	Publish(p EventPayload)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(EventPayload) {}

// ─── Payloads ───────────────────────────────────────────────────────────────

type PeerStatusEvent struct {
	PeerID    string        `json:"peer_id"`
	Status    PeerStatus    `json:"status"`
	Transport TransportType `json:"transport,omitempty"`
}

type PeerDiscoveredEvent struct {
	PeerID     string          `json:"peer_id"`
	Transports []TransportType `json:"transports"`
}

type TransportStatusEvent struct {
	Transport TransportType  `json:"transport"`
	State     TransportState `json:"status"`
	Error     string         `json:"error,omitempty"`
}

type MessageSentEvent struct {
	MessageID  string        `json:"message_id"`
	FromPeerID string        `json:"from_peer_id"`
	ToPeerID   string        `json:"to_peer_id"`
	Transport  TransportType `json:"transport"`
}

type MessageDeliveredEvent struct {
	MessageID  string `json:"message_id"`
	FromPeerID string `json:"from_peer_id"`
	ToPeerID   string `json:"to_peer_id"`
}

type MessageReadEvent struct {
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
}

type GroupMemberAddedEvent struct {
	GroupID string    `json:"group_id"`
	PeerID  string    `json:"peer_id"`
	Role    GroupRole `json:"role"`
}

type GroupMemberRemovedEvent struct {
	GroupID string `json:"group_id"`
	PeerID  string `json:"peer_id"`
}

func (PeerStatusEvent) EventType() EventType         { return EventPeerStatus }
func (PeerDiscoveredEvent) EventType() EventType     { return EventPeerDiscovered }
func (TransportStatusEvent) EventType() EventType    { return EventTransportStatus }
func (MessageSentEvent) EventType() EventType        { return EventMessageSent }
func (MessageDeliveredEvent) EventType() EventType   { return EventMessageDelivered }
func (MessageReadEvent) EventType() EventType        { return EventMessageRead }
func (GroupMemberAddedEvent) EventType() EventType   { return EventGroupMemberAdded }
func (GroupMemberRemovedEvent) EventType() EventType { return EventGroupMemberRemoved }

func (PeerStatusEvent) sealed()         {}
func (PeerDiscoveredEvent) sealed()     {}
func (TransportStatusEvent) sealed()    {}
func (MessageSentEvent) sealed()        {}
func (MessageDeliveredEvent) sealed()   {}
func (MessageReadEvent) sealed()        {}
func (GroupMemberAddedEvent) sealed()   {}
func (GroupMemberRemovedEvent) sealed() {}
