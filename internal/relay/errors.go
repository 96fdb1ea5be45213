package relay

import "errors"

// Allocation failure reasons. They are surfaced verbatim to callers of the
// border controller.
const (
	ReasonRelayDisabled  = "Media relay disabled"
	ReasonPortsExhausted = "No relay ports available"
)

var (
	ErrSessionNotFound = errors.New("relay session not found")
	ErrForwarderClosed = errors.New("forwarder closed")
)
