package room

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/campusfind/chat-service/internal/moderation"
	"github.com/campusfind/chat-service/internal/ratelimit"
	apperr "github.com/campusfind/chat-service/pkg/errors"
)

// memoryStore is an in-memory Store for manager tests.
type memoryStore struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rooms: make(map[string]*Room)}
}

func (s *memoryStore) Create(_ context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return nil
}

func (s *memoryStore) Get(_ context.Context, roomID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID], nil
}

func (s *memoryStore) FindActiveBySubject(_ context.Context, subjectID string) ([]*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Room
	for _, r := range s.rooms {
		if r.SubjectID == subjectID && r.Status == StatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateLastMessageSummary(_ context.Context, roomID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.LastMessageSummary = summary
	}
	return nil
}

// blockedPairs implements moderation.BlockReader.
type blockedPairs map[[2]string]bool

func (b blockedPairs) IsBlocked(_ context.Context, blockerID, blockedID string) (bool, error) {
	return b[[2]string{blockerID, blockedID}], nil
}

// allActive implements moderation.StandingReader.
type allActive map[string]string

func (a allActive) Standing(_ context.Context, userID string) (string, error) {
	if s, ok := a[userID]; ok {
		return s, nil
	}
	return moderation.StandingActive, nil
}

func testManager(t *testing.T, blocks blockedPairs, standings allActive) (*Manager, *memoryStore) {
	t.Helper()
	if blocks == nil {
		blocks = blockedPairs{}
	}
	if standings == nil {
		standings = allActive{}
	}
	gate := moderation.NewGate(blocks, standings, moderation.NewFilter(nil, 1000))
	store := newMemoryStore()
	rule := ratelimit.Rule{Key: "rl:room:", Limit: 5, Window: 15 * time.Minute}
	return NewManager(store, gate, ratelimit.NewMemoryLimiter(), rule), store
}

func ownerFinder(owner, finder string) []Participant {
	return []Participant{
		{UserID: owner, Role: RoleOwner},
		{UserID: finder, Role: RoleFinder},
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a room enrolls the participants
// ---------------------------------------------------------------------------

func TestManager_CreateRoom(t *testing.T) {
	m, _ := testManager(t, nil, nil)

	room, err := m.CreateRoom(context.Background(), "alice", "item-1", ownerFinder("alice", "bob"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.SubjectID != "item-1" {
		t.Errorf("expected subject item-1, got %q", room.SubjectID)
	}
	if room.Status != StatusActive {
		t.Errorf("expected active room, got %q", room.Status)
	}
	if !room.IsParticipant("alice") || !room.IsParticipant("bob") {
		t.Error("expected both users enrolled")
	}
}

// ---------------------------------------------------------------------------
// Test: Creation is idempotent per subject and participant set
// ---------------------------------------------------------------------------

func TestManager_CreateRoomIdempotent(t *testing.T) {
	m, _ := testManager(t, nil, nil)
	ctx := context.Background()

	first, err := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "bob"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "bob"))
	if err != nil {
		t.Fatalf("unexpected error on repeat: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the existing room back, got %s and %s", first.ID, second.ID)
	}

	// A different counterpart for the same subject is a new room.
	third, err := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "carol"))
	if err != nil {
		t.Fatalf("unexpected error for new pair: %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("expected a distinct room for a different participant set")
	}
}

// ---------------------------------------------------------------------------
// Test: Invalid participant sets are rejected
// ---------------------------------------------------------------------------

func TestManager_CreateRoomValidation(t *testing.T) {
	m, _ := testManager(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name         string
		requester    string
		participants []Participant
	}{
		{"single participant", "alice", []Participant{{UserID: "alice", Role: RoleOwner}}},
		{"duplicate user", "alice", []Participant{
			{UserID: "alice", Role: RoleOwner},
			{UserID: "alice", Role: RoleFinder},
		}},
		{"bad role", "alice", []Participant{
			{UserID: "alice", Role: RoleOwner},
			{UserID: "bob", Role: "janitor"},
		}},
		{"requester not enrolled", "mallory", ownerFinder("alice", "bob")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.CreateRoom(ctx, tt.requester, "item-1", tt.participants); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: A block in either direction prevents room creation
// ---------------------------------------------------------------------------

func TestManager_CreateRoomBlockedPair(t *testing.T) {
	m, _ := testManager(t, blockedPairs{{"bob", "alice"}: true}, nil)

	_, err := m.CreateRoom(context.Background(), "alice", "item-1", ownerFinder("alice", "bob"))
	if apperr.CodeOf(err) != apperr.CodeBlocked {
		t.Fatalf("expected BLOCKED, got %v", err)
	}
}

func TestManager_CreateRoomSuspendedRequester(t *testing.T) {
	m, _ := testManager(t, nil, allActive{"alice": moderation.StandingSuspended})

	_, err := m.CreateRoom(context.Background(), "alice", "item-1", ownerFinder("alice", "bob"))
	if apperr.CodeOf(err) != apperr.CodeSuspended {
		t.Fatalf("expected ACCOUNT_SUSPENDED, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Room creation rate limit, not consumed by idempotent hits
// ---------------------------------------------------------------------------

func TestManager_CreateRoomRateLimit(t *testing.T) {
	m, _ := testManager(t, nil, nil)
	ctx := context.Background()

	counterparts := []string{"b1", "b2", "b3", "b4", "b5"}
	for i, c := range counterparts {
		if _, err := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", c)); err != nil {
			t.Fatalf("room %d: unexpected error: %v", i+1, err)
		}
	}

	// Recreating an existing room does not consume budget.
	if _, err := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "b1")); err != nil {
		t.Fatalf("idempotent hit should not be limited: %v", err)
	}

	_, err := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "b6"))
	app := apperr.AsApp(err)
	if app.Code != apperr.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if app.RetryAfter <= 0 {
		t.Errorf("expected a retry hint, got %d", app.RetryAfter)
	}
}

// ---------------------------------------------------------------------------
// Test: Join requires enrollment and an active room
// ---------------------------------------------------------------------------

func TestManager_JoinExisting(t *testing.T) {
	m, store := testManager(t, nil, nil)
	ctx := context.Background()

	room, err := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "bob"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.JoinExisting(ctx, room.ID, "bob", "conn-1"); err != nil {
		t.Fatalf("participant join failed: %v", err)
	}

	err = m.JoinExisting(ctx, room.ID, "mallory", "conn-2")
	if apperr.CodeOf(err) != apperr.CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED for outsider, got %v", err)
	}

	// A closed room rejects new subscriptions. Invalidate the manager's
	// cache so the updated status is observed.
	store.rooms[room.ID].Status = StatusClosed
	m.cacheInvalidate(room.ID)

	err = m.JoinExisting(ctx, room.ID, "alice", "conn-3")
	if apperr.CodeOf(err) != apperr.CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED for closed room, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Subscription bookkeeping across leave and disconnect
// ---------------------------------------------------------------------------

func TestManager_SubscriptionLifecycle(t *testing.T) {
	m, _ := testManager(t, nil, nil)
	ctx := context.Background()

	r1, _ := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "bob"))
	r2, _ := m.CreateRoom(ctx, "alice", "item-2", ownerFinder("alice", "bob"))

	if err := m.JoinExisting(ctx, r1.ID, "alice", "conn-a"); err != nil {
		t.Fatalf("join r1: %v", err)
	}
	if err := m.JoinExisting(ctx, r2.ID, "alice", "conn-a"); err != nil {
		t.Fatalf("join r2: %v", err)
	}
	if err := m.JoinExisting(ctx, r1.ID, "bob", "conn-b"); err != nil {
		t.Fatalf("join r1 bob: %v", err)
	}

	subs := m.Subscribers(r1.ID)
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers in r1, got %d", len(subs))
	}
	if subs["conn-a"] != "alice" || subs["conn-b"] != "bob" {
		t.Errorf("unexpected subscriber map: %v", subs)
	}
	if got := m.SubscribedRoomCount(); got != 2 {
		t.Errorf("expected 2 subscribed rooms, got %d", got)
	}

	// Leave is idempotent and scoped to one room. Only the first call
	// removes a subscription; repeats and leaves of never-joined rooms
	// report nothing removed so callers skip presence announcements.
	if !m.Leave(r1.ID, "conn-a") {
		t.Fatal("expected the first leave to remove the subscription")
	}
	if m.Leave(r1.ID, "conn-a") {
		t.Fatal("repeat leave must report nothing removed")
	}
	if m.Leave(r2.ID, "conn-b") {
		t.Fatal("leaving a room the connection never joined must report nothing removed")
	}
	if subs := m.Subscribers(r1.ID); len(subs) != 1 {
		t.Fatalf("expected 1 subscriber after leave, got %d", len(subs))
	}
	if subs := m.Subscribers(r2.ID); len(subs) != 1 {
		t.Fatalf("leave must not touch other rooms, got %d subscribers", len(subs))
	}

	// Disconnect drops everything the connection held.
	dropped := m.DropConn("conn-a")
	if len(dropped) != 1 || dropped[0] != r2.ID {
		t.Fatalf("expected conn-a to be dropped from r2 only, got %v", dropped)
	}
	if m.DropConn("conn-a") != nil {
		t.Error("repeat drop should return nothing")
	}
}

// ---------------------------------------------------------------------------
// Test: Send requires an active room, reads allow closed rooms
// ---------------------------------------------------------------------------

func TestManager_AuthorizeSendAndRead(t *testing.T) {
	m, store := testManager(t, nil, nil)
	ctx := context.Background()

	room, _ := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "bob"))

	if _, err := m.AuthorizeSend(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("send on active room failed: %v", err)
	}
	if _, err := m.AuthorizeSend(ctx, room.ID, "mallory"); apperr.CodeOf(err) != apperr.CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED for outsider, got %v", err)
	}

	store.rooms[room.ID].Status = StatusArchived
	m.cacheInvalidate(room.ID)

	if _, err := m.AuthorizeSend(ctx, room.ID, "alice"); apperr.CodeOf(err) != apperr.CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED for archived room send, got %v", err)
	}
	// History stays readable after archival.
	if _, err := m.AuthorizeRead(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("read on archived room failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: lastMessageSummary is truncated
// ---------------------------------------------------------------------------

func TestManager_RecordLastMessage(t *testing.T) {
	m, store := testManager(t, nil, nil)
	ctx := context.Background()

	room, _ := m.CreateRoom(ctx, "alice", "item-1", ownerFinder("alice", "bob"))

	long := make([]byte, 0, 200)
	for i := 0; i < 200; i++ {
		long = append(long, 'x')
	}
	if err := m.RecordLastMessage(ctx, room.ID, string(long)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.rooms[room.ID].LastMessageSummary
	if utf8.RuneCountInString(got) > 80 {
		t.Fatalf("expected summary capped at 80 runes, got %d", utf8.RuneCountInString(got))
	}

	// Multi-byte content truncates on a rune boundary, never mid-character.
	if err := m.RecordLastMessage(ctx, room.ID, strings.Repeat("落とし物", 40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got = store.rooms[room.ID].LastMessageSummary
	if !utf8.ValidString(got) {
		t.Fatalf("summary is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 80 {
		t.Fatalf("expected 80 runes, got %d", n)
	}
}
