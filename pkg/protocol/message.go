// Package protocol defines the websocket wire format shared by the hub and
// the broadcast dispatcher.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a wire message.
type MessageType string

// Inbound message types (client to server).
const (
	TypeHeartbeat        MessageType = "HEARTBEAT"
	TypeSubscribe        MessageType = "SUBSCRIBE"
	TypeUnsubscribe      MessageType = "UNSUBSCRIBE"
	TypeGetSubscriptions MessageType = "GET_SUBSCRIPTIONS"
)

// Outbound message types (server to client).
const (
	TypeConnectionEstablished   MessageType = "CONNECTION_ESTABLISHED"
	TypeHeartbeatResponse       MessageType = "HEARTBEAT_RESPONSE"
	TypeSubscriptionConfirmed   MessageType = "SUBSCRIPTION_CONFIRMED"
	TypeUnsubscriptionConfirmed MessageType = "UNSUBSCRIPTION_CONFIRMED"
	TypeSubscriptionsList       MessageType = "SUBSCRIPTIONS_LIST"
	TypeError                   MessageType = "ERROR"
	TypeEvent                   MessageType = "EVENT"
)

// IsInbound reports whether clients are allowed to send this message type.
func (t MessageType) IsInbound() bool {
	switch t {
	case TypeHeartbeat, TypeSubscribe, TypeUnsubscribe, TypeGetSubscriptions:
		return true
	default:
		return false
	}
}

// Envelope is the wire-level frame wrapping every message in both
// directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubscribeRequest is the payload of a SUBSCRIBE message.
type SubscribeRequest struct {
	EventType string                 `json:"eventType"`
	Filter    map[string]interface{} `json:"filter,omitempty"`
}

// UnsubscribeRequest is the payload of an UNSUBSCRIBE message.
type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

// ConnectionEstablished is the welcome payload sent once per connection.
type ConnectionEstablished struct {
	SessionID    string    `json:"sessionId"`
	ServerTime   time.Time `json:"serverTime"`
	Capabilities []string  `json:"capabilities"`
}

// HeartbeatResponse acknowledges a client heartbeat.
type HeartbeatResponse struct {
	ServerTime time.Time `json:"serverTime"`
}

// SubscriptionConfirmed acknowledges a successful SUBSCRIBE.
type SubscriptionConfirmed struct {
	SubscriptionID string `json:"subscriptionId"`
	EventType      string `json:"eventType"`
}

// UnsubscriptionConfirmed acknowledges a successful UNSUBSCRIBE.
type UnsubscriptionConfirmed struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscriptionSummary describes one active subscription in a
// SUBSCRIPTIONS_LIST payload.
type SubscriptionSummary struct {
	SubscriptionID string                 `json:"subscriptionId"`
	EventType      string                 `json:"eventType"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// SubscriptionsList is the payload answering GET_SUBSCRIPTIONS.
type SubscriptionsList struct {
	Subscriptions []SubscriptionSummary `json:"subscriptions"`
}

// ErrorPayload carries a machine-readable code plus a human-readable
// description.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps the payload in an envelope of the given type and returns the
// serialized frame.
func Encode(msgType MessageType, payload interface{}) ([]byte, error) {
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		env.Data = data
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", msgType, err)
	}
	return frame, nil
}

// Decode parses a raw inbound frame into an envelope. It does not check the
// message type; unknown types are the caller's concern.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unparseable message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message is missing a type")
	}
	return &env, nil
}
