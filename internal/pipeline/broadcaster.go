package pipeline

import "github.com/campusfind/chat-service/internal/activity"

// Broadcaster delivers an encoded frame to every live connection of one
// user. The WebSocket server implements it; tests substitute an in-memory
// recorder.
type Broadcaster interface {
	// SendToUser writes data to each of userID's open connections and
	// returns how many of them accepted the frame. Zero means the user has
	// no live connection or every write failed.
	SendToUser(userID string, data []byte) int
}

// ActivitySink receives audit records. Recording must never block the
// caller.
type ActivitySink interface {
	Record(rec activity.Record)
}
