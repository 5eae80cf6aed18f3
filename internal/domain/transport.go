package domain

import (
	"context"
	"fmt"
	"time"
)

// ─── Transport Variants ─────────────────────────────────────────────────────

// TransportType names a communication channel. The set is closed.
type TransportType string

const (
	TransportP2P      TransportType = "p2p"
	TransportEmail    TransportType = "email"
	TransportDiscord  TransportType = "discord"
	TransportTelegram TransportType = "telegram"
	TransportWeb      TransportType = "web"
	TransportMemory   TransportType = "memory" // in-process loopback, used in tests

	// TransportAuto asks the registry to pick the best active transport.
	TransportAuto TransportType = "auto"
)

// DefaultPriority is the fixed selection order, highest first.
func DefaultPriority() []TransportType {
	return []TransportType{
		TransportP2P,
		TransportEmail,
		TransportDiscord,
		TransportTelegram,
		TransportWeb,
	}
}

// ParseTransportType validates a transport name from config or the API.
func ParseTransportType(s string) (TransportType, error) {
	t := TransportType(s)
	switch t {
	case TransportP2P, TransportEmail, TransportDiscord, TransportTelegram,
		TransportWeb, TransportMemory, TransportAuto:
		return t, nil
	case "":
		return TransportAuto, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
}

// IsAuto reports whether t requests automatic selection.
func (t TransportType) IsAuto() bool {
	return t == "" || t == TransportAuto
}

// ─── Status ─────────────────────────────────────────────────────────────────

// TransportState is the registry's view of a transport.
type TransportState string

const (
	TransportActive     TransportState = "active"
	TransportInactive   TransportState = "inactive"
	TransportError      TransportState = "error"
	TransportConnecting TransportState = "connecting"
)

// TransportMetrics has the same shape for every transport.
type TransportMetrics struct {
	LatencyMS    float64 `json:"latency_ms"`
	BandwidthBPS int64   `json:"bandwidth_bps"`
	QueueIn      int     `json:"queue_in"`
	QueueOut     int     `json:"queue_out"`
}

// TransportHealth is what a transport reports about itself.
type TransportHealth struct {
	Ready       bool             `json:"ready"`
	Connections int              `json:"connections"`
	Metrics     TransportMetrics `json:"metrics"`
}

// TransportStatus is the registry record kept per registered transport.
type TransportStatus struct {
	Type        TransportType    `json:"type"`
	State       TransportState   `json:"status"`
	Connections int              `json:"connections"`
	Config      map[string]any   `json:"config,omitempty"`
	Metrics     TransportMetrics `json:"metrics"`
	Error       string           `json:"error,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ─── Capability Interface ───────────────────────────────────────────────────

// PayloadKind distinguishes what a transport is carrying.
type PayloadKind string

const (
	PayloadMessage  PayloadKind = "message"
	PayloadTransfer PayloadKind = "transfer"
)

// Payload is an opaque unit handed to a transport's send primitive.
type Payload struct {
	Kind    PayloadKind       `json:"kind"`
	ID      string            `json:"id"`
	From    string            `json:"from"`
	To      string            `json:"to"`
	Address string            `json:"address"` // recipient's identifier on this transport
	Body    []byte            `json:"body"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// SendReceipt is returned by a successful send.
type SendReceipt struct {
	Delivered bool      `json:"delivered"`
	At        time.Time `json:"at"`
	RemoteID  string    `json:"remote_id,omitempty"`
}

// DiscoverQuery is passed down to a transport's discovery primitive.
type DiscoverQuery struct {
	Query      string
	OnlineOnly bool
}

// Transport is the narrow capability every channel module implements.
// Protocol internals live behind it.
type Transport interface {
	Type() TransportType
	Initialize(ctx context.Context, cfg map[string]any) error
	Status() TransportHealth
	Send(ctx context.Context, p Payload) (SendReceipt, error)
	DiscoverPeers(ctx context.Context, q DiscoverQuery) ([]Peer, error)
	Connect(ctx context.Context, peerID, address string) error
	Disconnect(ctx context.Context, peerID string) error
	Shutdown(ctx context.Context) error
}
