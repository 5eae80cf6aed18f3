package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Lookup errors
	ErrNotFound        = errors.New("not found")
	ErrPeerNotFound    = fmt.Errorf("peer %w", ErrNotFound)
	ErrGroupNotFound   = fmt.Errorf("group %w", ErrNotFound)
	ErrMessageNotFound = fmt.Errorf("message %w", ErrNotFound)

	// Transport errors
	ErrTransportInit        = errors.New("transport failed to initialize")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrDeliveryFailure      = errors.New("delivery failed")
	ErrUnknownTransport     = errors.New("unknown transport type")
	ErrRegistryClosed       = errors.New("transport registry is shut down")

	// Group fan-out: the call succeeded but some recipients failed
	ErrPartialFailure = errors.New("partial failure")

	// Validation errors
	ErrInvalidTrustLevel = errors.New("invalid trust level")
	ErrInvalidPeerStatus = errors.New("invalid peer status")
	ErrInvalidPeer       = errors.New("peer id is required")
	ErrPeerBlocked       = errors.New("peer is blocked")
	ErrEmptyMessage      = errors.New("message content is empty")
	ErrInvalidGroup      = errors.New("group name is required")
	ErrInvalidRole       = errors.New("invalid group role")
	ErrInvalidSendType   = errors.New("send type must be message or document")
	ErrOwnerRemoval      = errors.New("group owner cannot be removed")
)

// ─── Typed Errors ───────────────────────────────────────────────────────────

// TransportInitError records why one transport failed to start.
// It is stored in the status map, never returned from Initialize.
type TransportInitError struct {
	Transport TransportType
	Err       error
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransportInit, e.Transport, e.Err)
}

func (e *TransportInitError) Unwrap() []error { return []error{ErrTransportInit, e.Err} }

// DeliveryError carries the underlying transport's send failure.
type DeliveryError struct {
	Transport TransportType
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s via %s: %v", ErrDeliveryFailure, e.Transport, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDeliveryFailure, e.Err} }

// IsRetryable reports whether the API layer should present err as retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransportUnavailable) || errors.Is(err, ErrDeliveryFailure)
}
