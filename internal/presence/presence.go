// Package presence fans out ephemeral state to room subscribers: typing
// indicators and online/offline transitions. Nothing here is persisted and
// delivery is best effort; a dropped frame only delays the next indicator.
package presence

import (
	"log"

	"github.com/campusfind/chat-service/internal/protocol"
	"github.com/campusfind/chat-service/internal/room"
)

// Broadcaster delivers an encoded frame to every live connection of a user.
type Broadcaster interface {
	SendToUser(userID string, data []byte) int
}

// Tracker derives presence events from the room manager's live
// subscriptions and pushes them through the broadcaster.
type Tracker struct {
	rooms       *room.Manager
	broadcaster Broadcaster
}

// NewTracker creates a Tracker.
func NewTracker(rooms *room.Manager, broadcaster Broadcaster) *Tracker {
	return &Tracker{rooms: rooms, broadcaster: broadcaster}
}

// HandleTyping relays a typing indicator to the other users subscribed to
// the room. Indicators from users without a live subscription in the room
// are ignored.
func (t *Tracker) HandleTyping(userID string, req protocol.TypingMsg) {
	subs := t.rooms.Subscribers(req.RoomID)
	if !hasUser(subs, userID) {
		return
	}

	frame, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		RoomID:   req.RoomID,
		UserID:   userID,
		IsTyping: req.IsTyping,
	})
	if err != nil {
		log.Printf("presence: encode user_typing: %v", err)
		return
	}
	for _, other := range otherUsers(subs, userID) {
		t.broadcaster.SendToUser(other, frame)
	}
}

// UserJoined announces user_online to the room when the user's first
// connection subscribes. Call it after the subscription is registered.
func (t *Tracker) UserJoined(roomID, userID string) {
	subs := t.rooms.Subscribers(roomID)
	if countUser(subs, userID) != 1 {
		return
	}
	t.announce(roomID, userID, protocol.TypeUserOnline)
}

// UserLeft announces user_offline to the room when the user's last
// connection unsubscribes. Call it after the subscription is removed.
func (t *Tracker) UserLeft(roomID, userID string) {
	subs := t.rooms.Subscribers(roomID)
	if countUser(subs, userID) != 0 {
		return
	}
	t.announce(roomID, userID, protocol.TypeUserOffline)
}

func (t *Tracker) announce(roomID, userID, event string) {
	var payload interface{}
	switch event {
	case protocol.TypeUserOnline:
		payload = protocol.UserOnlineMsg{UserID: userID}
	case protocol.TypeUserOffline:
		payload = protocol.UserOfflineMsg{UserID: userID}
	default:
		return
	}

	frame, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("presence: encode %s: %v", event, err)
		return
	}
	for _, other := range otherUsers(t.rooms.Subscribers(roomID), userID) {
		t.broadcaster.SendToUser(other, frame)
	}
}

func hasUser(subs map[string]string, userID string) bool {
	return countUser(subs, userID) > 0
}

func countUser(subs map[string]string, userID string) int {
	n := 0
	for _, uid := range subs {
		if uid == userID {
			n++
		}
	}
	return n
}

// otherUsers returns the distinct user ids in subs other than userID.
func otherUsers(subs map[string]string, userID string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, uid := range subs {
		if uid == userID {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}
