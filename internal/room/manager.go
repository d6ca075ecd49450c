package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusfind/chat-service/internal/moderation"
	"github.com/campusfind/chat-service/internal/ratelimit"
	apperr "github.com/campusfind/chat-service/pkg/errors"
)

// cacheTTL bounds how stale an externally-closed room can look to the hot
// path. Access checks read the cache; the authoritative status lives in the
// store.
const cacheTTL = 30 * time.Second

// Manager owns room lifecycle enforcement and per-connection room
// subscriptions. It is injected into the pipeline and the dispatcher, never
// a package-level singleton.
type Manager struct {
	store    Store
	gate     *moderation.Gate
	limiter  ratelimit.Limiter
	roomRule ratelimit.Rule

	// createMu serializes room creation per subject so concurrent requests
	// for the same subject+participants cannot race past the idempotency
	// lookup.
	createMu keyedMutex

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry

	subMu      sync.RWMutex
	roomSubs   map[string]map[string]string // roomID -> connID -> userID
	connRooms  map[string]map[string]bool   // connID -> roomID set
}

type cacheEntry struct {
	room    *Room
	expires time.Time
}

// NewManager creates a Manager over the given store, moderation gate, and
// rate limiter.
func NewManager(store Store, gate *moderation.Gate, limiter ratelimit.Limiter, roomRule ratelimit.Rule) *Manager {
	return &Manager{
		store:     store,
		gate:      gate,
		limiter:   limiter,
		roomRule:  roomRule,
		cache:     make(map[string]cacheEntry),
		roomSubs:  make(map[string]map[string]string),
		connRooms: make(map[string]map[string]bool),
	}
}

// CreateRoom creates a room bound to subjectID with a fixed participant set,
// or returns the existing active room for the same subject and participant
// set. The requester must be one of the participants. Creation is denied if
// any participant pair is blocked, if the requester's account is not in good
// standing, or if the requester exceeded the room-creation rate limit.
func (m *Manager) CreateRoom(ctx context.Context, requesterID, subjectID string, participants []Participant) (*Room, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("room: empty subject id")
	}
	if err := validateParticipants(participants); err != nil {
		return nil, apperr.Wrap(apperr.CodeAccessDenied, "invalid participant set", err)
	}

	requesterEnrolled := false
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
		if p.UserID == requesterID {
			requesterEnrolled = true
		}
	}
	if !requesterEnrolled {
		return nil, apperr.AccessDenied("requester is not a participant")
	}

	if err := m.gate.CheckStanding(ctx, requesterID); err != nil {
		return nil, err
	}
	// Every participant pair must be free of blocks, in either direction.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := m.gate.CheckInteraction(ctx, ids[i], ids[j]); err != nil {
				return nil, err
			}
		}
	}

	unlock := m.createMu.lock(subjectID)
	defer unlock()

	// Idempotency: an existing active room for the same subject and
	// participant set is returned as-is, without consuming rate budget.
	existing, err := m.store.FindActiveBySubject(ctx, subjectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceFailure, "room lookup failed", err)
	}
	for _, r := range existing {
		if r.sameParticipantSet(ids) {
			return r, nil
		}
	}

	decision, err := m.limiter.Allow(ctx, requesterID, m.roomRule)
	if err == nil && !decision.Allowed {
		return nil, apperr.RateLimited(int(decision.RetryAfter.Seconds()) + 1)
	}

	now := time.Now().UTC()
	room := &Room{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		Status:    StatusActive,
		CreatedAt: now,
	}
	for _, p := range participants {
		p.JoinedAt = now
		room.Participants = append(room.Participants, p)
	}

	if err := m.store.Create(ctx, room); err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceFailure, "room creation failed", err)
	}

	m.cachePut(room)
	return room, nil
}

// JoinExisting subscribes a connection to a room. Only enrolled participants
// may join, and only while the room is active.
func (m *Manager) JoinExisting(ctx context.Context, roomID, userID, connID string) error {
	room, err := m.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil || !room.IsParticipant(userID) {
		return apperr.AccessDenied("not a room participant")
	}
	if room.Status != StatusActive {
		return apperr.AccessDenied("room is " + room.Status)
	}

	m.subMu.Lock()
	subs, ok := m.roomSubs[roomID]
	if !ok {
		subs = make(map[string]string)
		m.roomSubs[roomID] = subs
	}
	subs[connID] = userID

	rooms, ok := m.connRooms[connID]
	if !ok {
		rooms = make(map[string]bool)
		m.connRooms[connID] = rooms
	}
	rooms[roomID] = true
	m.subMu.Unlock()

	return nil
}

// Leave removes the connection's room subscription only. The participant
// record stays; the room can be rejoined later. Idempotent. It reports
// whether a subscription was actually removed so callers do not announce
// presence changes for connections that were never subscribed.
func (m *Manager) Leave(roomID, connID string) bool {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	removed := false
	if subs, ok := m.roomSubs[roomID]; ok {
		if _, had := subs[connID]; had {
			removed = true
			delete(subs, connID)
			if len(subs) == 0 {
				delete(m.roomSubs, roomID)
			}
		}
	}
	if rooms, ok := m.connRooms[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(m.connRooms, connID)
		}
	}
	return removed
}

// DropConn removes every subscription held by a connection and returns the
// room ids it was subscribed to. Called on disconnect; idempotent.
func (m *Manager) DropConn(connID string) []string {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	rooms := m.connRooms[connID]
	if len(rooms) == 0 {
		delete(m.connRooms, connID)
		return nil
	}

	ids := make([]string, 0, len(rooms))
	for roomID := range rooms {
		ids = append(ids, roomID)
		if subs, ok := m.roomSubs[roomID]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(m.roomSubs, roomID)
			}
		}
	}
	delete(m.connRooms, connID)
	return ids
}

// Subscribers returns the connID -> userID map of a room's current
// subscribers.
func (m *Manager) Subscribers(roomID string) map[string]string {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	subs := m.roomSubs[roomID]
	out := make(map[string]string, len(subs))
	for connID, userID := range subs {
		out[connID] = userID
	}
	return out
}

// SubscribedRoomCount returns the number of rooms with at least one live
// subscriber.
func (m *Manager) SubscribedRoomCount() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.roomSubs)
}

// AuthorizeSend returns the room if senderID may post to it: the room must
// exist, be active, and have senderID enrolled.
func (m *Manager) AuthorizeSend(ctx context.Context, roomID, senderID string) (*Room, error) {
	room, err := m.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil || !room.IsParticipant(senderID) {
		return nil, apperr.AccessDenied("not a room participant")
	}
	if room.Status != StatusActive {
		return nil, apperr.AccessDenied("room is " + room.Status)
	}
	return room, nil
}

// AuthorizeRead returns the room if userID may read it. Closed and archived
// rooms remain readable to their participants.
func (m *Manager) AuthorizeRead(ctx context.Context, roomID, userID string) (*Room, error) {
	room, err := m.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil || !room.IsParticipant(userID) {
		return nil, apperr.AccessDenied("not a room participant")
	}
	return room, nil
}

// RecordLastMessage updates the room's preview summary, truncating long
// content.
func (m *Manager) RecordLastMessage(ctx context.Context, roomID, content string) error {
	// Truncation counts runes, not bytes, so a multi-byte character is never
	// split into invalid UTF-8.
	const maxSummary = 80
	summary := content
	if runes := []rune(summary); len(runes) > maxSummary {
		summary = string(runes[:maxSummary])
	}
	if err := m.store.UpdateLastMessageSummary(ctx, roomID, summary); err != nil {
		return err
	}
	m.cacheInvalidate(roomID)
	return nil
}

func (m *Manager) getRoom(ctx context.Context, roomID string) (*Room, error) {
	m.cacheMu.RLock()
	entry, ok := m.cache[roomID]
	m.cacheMu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.room, nil
	}

	room, err := m.store.Get(ctx, roomID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceFailure, "room lookup failed", err)
	}
	if room != nil {
		m.cachePut(room)
	}
	return room, nil
}

func (m *Manager) cachePut(room *Room) {
	m.cacheMu.Lock()
	m.cache[room.ID] = cacheEntry{room: room, expires: time.Now().Add(cacheTTL)}
	m.cacheMu.Unlock()
}

func (m *Manager) cacheInvalidate(roomID string) {
	m.cacheMu.Lock()
	delete(m.cache, roomID)
	m.cacheMu.Unlock()
}

// keyedMutex provides one mutex per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
