// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCreateRoom   = "create_room"
	TypeJoinRoom     = "join_room"
	TypeSendMessage  = "send_message"
	TypeTyping       = "typing"
	TypeLeaveRoom    = "leave_room"
	TypeMarkRead     = "mark_read"
	TypeFetchHistory = "fetch_history"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeConnected        = "connected"
	TypeRoomCreated      = "room_created"
	TypeJoinedRoom       = "joined_room"
	TypeNewMessage       = "new_message"
	TypeMessageDelivered = "message_delivered"
	TypeMessageFailed    = "message_failed"
	TypeUserTyping       = "user_typing"
	TypeMessagesRead     = "messages_read"
	TypeUserOnline       = "user_online"
	TypeUserOffline      = "user_offline"
	TypeHistory          = "history"
	TypePong             = "pong"
	TypeError            = "error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
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

// WireParticipant names one room member and their role.
type WireParticipant struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"` // "owner", "finder", "admin"
}

// CreateRoomMsg opens a conversation about a found item. The sender must be
// listed among the participants. Creating a room that already exists for
// the same subject and participant set returns the existing room.
type CreateRoomMsg struct {
	Type         string            `json:"type"`
	SubjectID    string            `json:"subject_id"`
	Participants []WireParticipant `json:"participants"`
}

// JoinRoomMsg is sent by the client to subscribe to a room it participates in.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg carries a chat message. ClientMessageID is the sender-chosen
// idempotency key; retransmitting with the same key must not duplicate the
// message.
type SendMessageMsg struct {
	Type            string `json:"type"`
	ClientMessageID string `json:"client_message_id"`
	RoomID          string `json:"room_id"`
	Content         string `json:"content"`
	ContentType     string `json:"content_type"` // "text", "image", "system"
}

// TypingMsg indicates whether the client is currently typing in a room.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// LeaveRoomMsg drops the connection's room subscription. The participant
// record stays intact and the room can be rejoined later.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// MarkReadMsg reports that the client has read the listed messages. All
// messages must belong to the named room.
type MarkReadMsg struct {
	Type       string   `json:"type"`
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids"`
}

// FetchHistoryMsg requests the most recent messages of a room. Closed and
// archived rooms remain readable.
type FetchHistoryMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Limit  int    `json:"limit"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg confirms a successfully authenticated connection.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// RoomCreatedMsg returns the created (or pre-existing) room to the
// requester.
type RoomCreatedMsg struct {
	Type         string            `json:"type"`
	RoomID       string            `json:"room_id"`
	SubjectID    string            `json:"subject_id"`
	Status       string            `json:"status"`
	Participants []WireParticipant `json:"participants"`
}

// JoinedRoomMsg confirms a room subscription.
type JoinedRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// WireMessage is a persisted chat message as seen on the wire.
type WireMessage struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMessageMsg delivers a persisted message to room participants.
type NewMessageMsg struct {
	Type    string      `json:"type"`
	Message WireMessage `json:"message"`
}

// MessageDeliveredMsg acknowledges a send to its originator, mapping the
// client idempotency key to the server-assigned message id.
type MessageDeliveredMsg struct {
	Type            string `json:"type"`
	ClientMessageID string `json:"client_message_id"`
	ServerMessageID string `json:"server_message_id"`
}

// MessageFailedMsg reports a rejected or failed send. It always echoes the
// client key so the client can reconcile its optimistic state.
type MessageFailedMsg struct {
	Type            string `json:"type"`
	ClientMessageID string `json:"client_message_id"`
	Reason          string `json:"reason"`
	Detail          string `json:"detail,omitempty"`
	RetryAfter      int    `json:"retry_after,omitempty"`
}

// UserTypingMsg relays a participant's typing indicator.
type UserTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// MessagesReadMsg notifies senders that a participant read their messages.
type MessagesReadMsg struct {
	Type       string   `json:"type"`
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids"`
	UserID     string   `json:"user_id"`
}

// UserOnlineMsg announces that a room participant came online.
type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// UserOfflineMsg announces that a room participant went offline.
type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// HistoryMsg returns recent room messages, oldest first.
type HistoryMsg struct {
	Type     string        `json:"type"`
	RoomID   string        `json:"room_id"`
	Messages []WireMessage `json:"messages"`
}

// PongMsg is the server's response to a client ping. The timestamp is echoed
// back so the client can measure round-trip time.
type PongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
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
	case TypeCreateRoom:
		var m CreateRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFetchHistory:
		var m FetchHistoryMsg
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
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
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
