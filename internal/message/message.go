// Package message owns the chat message model, its durable store, and the
// per-message delivery state machine. Messages are created only through the
// pipeline and never mutated afterwards except for delivery status, read
// receipts, and retry bookkeeping.
package message

import "time"

// Delivery status values. Transitions only move forward:
// sent -> delivered -> read, or sent -> failed (terminal).
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Content types.
const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeSystem = "system"
)

// DefaultTTL is how long a message is retained before the sweep hard-deletes
// it.
const DefaultTTL = 90 * 24 * time.Hour

// Message is a persisted chat message. The (SenderID, RoomID,
// ClientMessageID) tuple is unique: a retransmission with the same client key
// maps onto the already-persisted row.
type Message struct {
	ID              string
	RoomID          string
	SenderID        string
	Content         string
	ContentType     string
	ClientMessageID string
	DeliveryStatus  string
	RetryCount      int
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// ReadReceipt records that one reader has read one message.
type ReadReceipt struct {
	MessageID string
	UserID    string
	ReadAt    time.Time
}

// ValidContentType reports whether t is one of the known content types.
func ValidContentType(t string) bool {
	return t == TypeText || t == TypeImage || t == TypeSystem
}
