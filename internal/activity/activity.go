// Package activity provides the asynchronous audit trail consumed by
// moderation tooling. Records are published fire-and-forget over NATS and
// persisted by the auditor service; nothing in the chat pipeline ever waits
// on or fails because of this package.
package activity

import "time"

// SubjectRecord is the NATS subject audit records are published to.
const SubjectRecord = "activity.record"

// Well-known actions.
const (
	ActionRoomCreated   = "room_created"
	ActionRoomJoined    = "room_joined"
	ActionRoomLeft      = "room_left"
	ActionMessageSent   = "message_sent"
	ActionMessageDenied = "message_denied"
	ActionMessagesRead  = "messages_read"
	ActionDisconnected  = "disconnected"
)

// Record is one append-only audit entry. Retention is time-bounded; the
// sweeper deletes entries older than the configured window.
type Record struct {
	UserID       string            `json:"user_id"`
	Action       string            `json:"action"`
	RoomID       string            `json:"room_id,omitempty"`
	TargetUserID string            `json:"target_user_id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
