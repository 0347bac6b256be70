package hub

import "errors"

// Failure classes. Every failure is scoped to a single session or a single
// event; nothing here is fatal to the process.
var (
	// ErrConnectionRejected: identity missing or invalid at handshake. The
	// connection is closed before any session state exists.
	ErrConnectionRejected = errors.New("connection rejected")

	// ErrMalformedMessage: an inbound payload that cannot be parsed or fails
	// schema validation. Answered with an ERROR message; the session stays
	// open.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownSubscriptionType: SUBSCRIBE for an unsupported event type.
	// Answered with an ERROR message; no subscription is created.
	ErrUnknownSubscriptionType = errors.New("unknown subscription type")

	// ErrTransportError: send or receive I/O failure. The session is marked
	// for closure, cascading subscription cleanup and offline queueing.
	ErrTransportError = errors.New("transport error")

	// ErrHeartbeatTimeout is handled identically to ErrTransportError.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Wire error codes carried in ERROR payloads.
const (
	codeMalformedMessage        = "MALFORMED_MESSAGE"
	codeUnknownSubscriptionType = "UNKNOWN_SUBSCRIPTION_TYPE"
	codeUnknownMessageType      = "UNKNOWN_MESSAGE_TYPE"
	codeSubscriptionNotFound    = "SUBSCRIPTION_NOT_FOUND"
	codeInternalError           = "INTERNAL_ERROR"
)
