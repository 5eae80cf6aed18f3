package peers

import (
	"time"

	"github.com/peerlink-network/peerlink/internal/domain"
)

// DiscoverFilter narrows DiscoverPeers. Empty Transports means every active one.
type DiscoverFilter struct {
	Transports   []domain.TransportType `json:"transports,omitempty"`
	Query        string                 `json:"query,omitempty"`
	OnlineOnly   bool                   `json:"online_only,omitempty"`
	VerifiedOnly bool                   `json:"verified_only,omitempty"`
}

// DiscoverResult is what DiscoverPeers found after merging and filtering.
type DiscoverResult struct {
	Peers      []domain.Peer `json:"peers"`
	Total      int           `json:"total"`
	Discovered int           `json:"discovered"` // peers seen for the first time
}

// ConnectOptions is the ordered fallback chain for ConnectToPeer.
type ConnectOptions struct {
	Transport          domain.TransportType   `json:"transport,omitempty"`
	FallbackTransports []domain.TransportType `json:"fallback_transports,omitempty"`
}

// AttemptError is one failed link of a connect chain.
type AttemptError struct {
	Transport domain.TransportType `json:"transport"`
	Error     string               `json:"error"`
}

// ConnectResult reports which transport connected, or why none did.
type ConnectResult struct {
	Success   bool                 `json:"success"`
	Transport domain.TransportType `json:"transport,omitempty"`
	Errors    []AttemptError       `json:"errors,omitempty"`
}

// TransferRequest forwards an opaque, already-signed transfer to a peer.
type TransferRequest struct {
	TransferID string               `json:"transfer_id,omitempty"`
	DocumentID string               `json:"document_id,omitempty"`
	Transport  domain.TransportType `json:"transport,omitempty"`
	Type       string               `json:"type,omitempty"`
	Payload    []byte               `json:"payload"`
}

// TransferAck is the outcome of a forwarded transfer.
type TransferAck struct {
	TransferID  string                `json:"transfer_id"`
	DocumentID  string                `json:"document_id,omitempty"`
	Status      domain.TransferStatus `json:"status"`
	Transport   domain.TransportType  `json:"transport"`
	SentAt      time.Time             `json:"sent_at"`
	DeliveredAt *time.Time            `json:"delivered_at,omitempty"`
}

// DocumentRef is one document handed to SendDocumentsToPeer.
type DocumentRef struct {
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"`
	Payload []byte `json:"payload"`
}
