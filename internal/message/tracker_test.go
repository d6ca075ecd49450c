package message

import (
	"context"
	"testing"
	"time"

	apperr "github.com/campusfind/chat-service/pkg/errors"
)

func testMessage(id, clientID string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:              id,
		RoomID:          "room-1",
		SenderID:        "alice",
		Content:         "hello",
		ContentType:     TypeText,
		ClientMessageID: clientID,
		DeliveryStatus:  StatusSent,
		CreatedAt:       now,
		ExpiresAt:       now.Add(DefaultTTL),
	}
}

func testTracker(store Store) *Tracker {
	t := NewTracker(store)
	t.backoff = time.Millisecond
	return t
}

// ---------------------------------------------------------------------------
// Test: Persist stores the message with status sent
// ---------------------------------------------------------------------------

func TestTracker_Persist(t *testing.T) {
	store := newMemoryStore()
	tr := testTracker(store)

	stored, existed, err := tr.Persist(context.Background(), testMessage("m1", "c1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if existed {
		t.Fatal("fresh message should not report existed")
	}
	if stored.DeliveryStatus != StatusSent {
		t.Errorf("expected status sent, got %q", stored.DeliveryStatus)
	}
}

// ---------------------------------------------------------------------------
// Test: Retransmission with the same client key returns the original
// ---------------------------------------------------------------------------

func TestTracker_PersistIdempotent(t *testing.T) {
	store := newMemoryStore()
	tr := testTracker(store)
	ctx := context.Background()

	first, _, err := tr.Persist(ctx, testMessage("m1", "c1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same tuple, different server-side id: the original wins.
	second, existed, err := tr.Persist(ctx, testMessage("m2", "c1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !existed {
		t.Fatal("expected existed for the retransmission")
	}
	if second.ID != first.ID {
		t.Fatalf("expected original id %s, got %s", first.ID, second.ID)
	}
	if len(store.byID) != 1 {
		t.Fatalf("expected a single stored message, got %d", len(store.byID))
	}
}

// ---------------------------------------------------------------------------
// Test: Transient store failures are retried with backoff
// ---------------------------------------------------------------------------

func TestTracker_PersistRetriesTransientFailure(t *testing.T) {
	store := newMemoryStore()
	store.failInserts = 2 // fail twice, succeed on the third attempt
	tr := testTracker(store)

	stored, _, err := tr.Persist(context.Background(), testMessage("m1", "c1"))
	if err != nil {
		t.Fatalf("expected success within the attempt budget, got %v", err)
	}
	if stored == nil {
		t.Fatal("expected a stored message")
	}
}

func TestTracker_PersistExhaustsAttempts(t *testing.T) {
	store := newMemoryStore()
	store.failInserts = MaxAttempts
	tr := testTracker(store)

	_, _, err := tr.Persist(context.Background(), testMessage("m1", "c1"))
	if apperr.CodeOf(err) != apperr.CodePersistenceFailure {
		t.Fatalf("expected PERSISTENCE_FAILURE, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Delivery state machine never regresses
// ---------------------------------------------------------------------------

func TestTracker_StateMachineMonotonic(t *testing.T) {
	store := newMemoryStore()
	tr := testTracker(store)
	ctx := context.Background()

	stored, _, _ := tr.Persist(ctx, testMessage("m1", "c1"))

	if err := tr.MarkDelivered(ctx, stored.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if got := store.byID[stored.ID].DeliveryStatus; got != StatusDelivered {
		t.Fatalf("expected delivered, got %q", got)
	}

	// Repeat confirmations are no-ops, not errors.
	if err := tr.MarkDelivered(ctx, stored.ID); err != nil {
		t.Fatalf("repeat mark delivered: %v", err)
	}

	first, err := tr.MarkRead(ctx, "room-1", stored.ID, "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !first {
		t.Fatal("expected first receipt for bob")
	}
	if got := store.byID[stored.ID].DeliveryStatus; got != StatusRead {
		t.Fatalf("expected read, got %q", got)
	}

	// A read message cannot fail.
	if err := tr.MarkFailed(ctx, stored.ID); err != nil {
		t.Fatalf("mark failed on read message: %v", err)
	}
	if got := store.byID[stored.ID].DeliveryStatus; got != StatusRead {
		t.Fatalf("read must be terminal against failure, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Read receipts are scoped to the message's room
// ---------------------------------------------------------------------------

func TestTracker_MarkReadWrongRoom(t *testing.T) {
	store := newMemoryStore()
	tr := testTracker(store)
	ctx := context.Background()

	stored, _, _ := tr.Persist(ctx, testMessage("m1", "c1"))

	first, err := tr.MarkRead(ctx, "room-2", stored.ID, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first {
		t.Fatal("a message id outside the room must not produce a receipt")
	}
	if got := store.byID[stored.ID].DeliveryStatus; got != StatusSent {
		t.Fatalf("wrong-room read must not advance the status, got %q", got)
	}

	if first, _ := tr.MarkRead(ctx, "room-1", stored.ID, "bob"); !first {
		t.Fatal("expected first receipt in the correct room")
	}
}

// ---------------------------------------------------------------------------
// Test: Read receipts accumulate per reader, once each
// ---------------------------------------------------------------------------

func TestTracker_ReadReceiptsAccumulate(t *testing.T) {
	store := newMemoryStore()
	tr := testTracker(store)
	ctx := context.Background()

	stored, _, _ := tr.Persist(ctx, testMessage("m1", "c1"))

	if first, _ := tr.MarkRead(ctx, "room-1", stored.ID, "bob"); !first {
		t.Fatal("expected first receipt for bob")
	}
	if first, _ := tr.MarkRead(ctx, "room-1", stored.ID, "bob"); first {
		t.Fatal("repeat receipt for bob must not count as first")
	}
	if first, _ := tr.MarkRead(ctx, "room-1", stored.ID, "carol"); !first {
		t.Fatal("expected first receipt for carol")
	}

	receipts, err := tr.ReadReceipts(ctx, stored.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
}

// ---------------------------------------------------------------------------
// Test: Retry budget ends in terminal failure
// ---------------------------------------------------------------------------

func TestTracker_RetryBudget(t *testing.T) {
	store := newMemoryStore()
	tr := testTracker(store)
	ctx := context.Background()

	stored, _, _ := tr.Persist(ctx, testMessage("m1", "c1"))

	// The first MaxAttempts-1 retries are granted.
	for i := 1; i < MaxAttempts; i++ {
		if !tr.Retry(ctx, stored.ID) {
			t.Fatalf("retry %d should be granted", i)
		}
	}

	// The attempt that reaches the budget is denied and fails the message.
	if tr.Retry(ctx, stored.ID) {
		t.Fatal("retry past the budget should be denied")
	}
	if got := store.byID[stored.ID].DeliveryStatus; got != StatusFailed {
		t.Fatalf("expected terminal failed, got %q", got)
	}
}
