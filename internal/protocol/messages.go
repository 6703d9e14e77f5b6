// Package protocol defines the WebSocket message vocabulary for the clinic
// realtime layer: the chat channel's client/server messages and the admin
// broadcast channel's domain events. All messages are serialized as JSON and
// carry a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Chat channel message types
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinChat    = "join_chat"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeReceiveMessage = "receive_message"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinChatMsg is sent by a client to enter the room for one appointment.
// The room key is the appointment id; joining is idempotent.
type JoinChatMsg struct {
	Type          string `json:"type"`
	AppointmentID string `json:"appointmentId"`
}

// SendMessageMsg is a chat message sent by a patient or doctor within an
// appointment conversation. Sender and receiver identifiers are supplied by
// the client; the server validates their presence and role pairing before
// persisting.
type SendMessageMsg struct {
	Type          string `json:"type"`
	AppointmentID string `json:"appointmentId"`
	SenderID      string `json:"senderId"`
	SenderRole    string `json:"senderRole"`
	ReceiverID    string `json:"receiverId"`
	ReceiverRole  string `json:"receiverRole"`
	Body          string `json:"body"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is
// established, carrying the transport-assigned session id.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ReceiveMessageMsg is the broadcast echo of a persisted chat message,
// delivered to every connection in the appointment's room including the
// sender. The id and createdAt fields are server-assigned at persistence
// time; the sender treats this echo as its delivery acknowledgment.
type ReceiveMessageMsg struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	AppointmentID string `json:"appointmentId"`
	SenderID      string `json:"senderId"`
	SenderRole    string `json:"senderRole"`
	ReceiverID    string `json:"receiverId"`
	ReceiverRole  string `json:"receiverRole"`
	Body          string `json:"body"`
	IsRead        bool   `json:"isRead"`
	CreatedAt     int64  `json:"createdAt"` // unix milliseconds
}

// ErrorMsg is sent by the server to the offending connection only; errors
// are never broadcast to other sessions.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key so that the
// struct's own Type field does not need to be pre-filled by callers.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
