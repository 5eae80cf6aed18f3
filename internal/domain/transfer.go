package domain

import "time"

// TransferDirection is relative to the local node.
type TransferDirection string

const (
	TransferOutbound TransferDirection = "sent"
	TransferInbound  TransferDirection = "received"
)

// TransferStatus of a forwarded transfer.
type TransferStatus string

const (
	TransferSent      TransferStatus = "sent"
	TransferDelivered TransferStatus = "delivered"
	TransferFailed    TransferStatus = "failed"
)

// TransferRef is a read-only reference to a transfer exchanged with a peer.
// The transfer contents live in the document store, not here. One document
// sent to several peers yields one transfer per peer sharing a DocumentID.
type TransferRef struct {
	ID          string            `json:"transfer_id"`
	PeerID      string            `json:"peer_id"`
	DocumentID  string            `json:"document_id,omitempty"`
	Direction   TransferDirection `json:"direction"`
	Type        string            `json:"type"`
	Status      TransferStatus    `json:"status"`
	Transport   TransportType     `json:"transport"`
	SizeBytes   int64             `json:"size_bytes"`
	CreatedAt   time.Time         `json:"created_at"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
}

// TransferFilter narrows GetTransfersWithPeer.
type TransferFilter struct {
	Type   string
	Status TransferStatus
	Limit  int
	Offset int
}
