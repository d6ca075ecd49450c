// Package room manages chat rooms: creation bound to an external item,
// participant enrollment, participant-only access, and per-connection room
// subscriptions. Room closure and archival are driven by the portal's
// moderation tooling; this package only enforces the observed status.
package room

import (
	"fmt"
	"sort"
	"time"
)

// Room status values. Transitions active -> closed -> archived happen
// externally; non-active rooms are read-only here.
const (
	StatusActive   = "active"
	StatusClosed   = "closed"
	StatusArchived = "archived"
)

// Participant roles.
const (
	RoleOwner  = "owner"
	RoleFinder = "finder"
	RoleAdmin  = "admin"
)

// Participant is a user enrolled in a room. The participant list is fixed at
// creation; adding participants is an external admin operation.
type Participant struct {
	UserID   string
	Role     string
	JoinedAt time.Time
}

// Room is a chat channel scoped to one external subject (a reported item)
// and a fixed set of participants.
type Room struct {
	ID                 string
	SubjectID          string
	Status             string
	LastMessageSummary string
	CreatedAt          time.Time
	Participants       []Participant
}

// IsParticipant reports whether userID is enrolled in the room.
func (r *Room) IsParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns the sorted user ids of all participants.
func (r *Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	sort.Strings(ids)
	return ids
}

// Counterparts returns all participant ids except userID.
func (r *Room) Counterparts(userID string) []string {
	others := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.UserID != userID {
			others = append(others, p.UserID)
		}
	}
	return others
}

// validRoles is the closed set of participant roles.
var validRoles = map[string]bool{
	RoleOwner:  true,
	RoleFinder: true,
	RoleAdmin:  true,
}

// validateParticipants enforces the room invariants: at least two
// participants, unique user ids, known roles.
func validateParticipants(participants []Participant) error {
	if len(participants) < 2 {
		return fmt.Errorf("room: at least 2 participants required, got %d", len(participants))
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p.UserID == "" {
			return fmt.Errorf("room: participant with empty user id")
		}
		if seen[p.UserID] {
			return fmt.Errorf("room: duplicate participant %s", p.UserID)
		}
		seen[p.UserID] = true
		if !validRoles[p.Role] {
			return fmt.Errorf("room: invalid role %q for participant %s", p.Role, p.UserID)
		}
	}
	return nil
}

// sameParticipantSet reports whether the room's participant set equals ids
// (order-insensitive). Used for idempotent room creation.
func (r *Room) sameParticipantSet(ids []string) bool {
	if len(r.Participants) != len(ids) {
		return false
	}
	mine := r.ParticipantIDs()
	theirs := append([]string(nil), ids...)
	sort.Strings(theirs)
	for i := range mine {
		if mine[i] != theirs[i] {
			return false
		}
	}
	return true
}
