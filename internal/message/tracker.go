package message

import (
	"context"
	"fmt"
	"log"
	"time"

	apperr "github.com/campusfind/chat-service/pkg/errors"
)

const (
	// MaxAttempts bounds persistence and delivery attempts per message.
	// After the budget is exhausted the message is terminally failed.
	MaxAttempts = 3

	// DefaultBackoff is the fixed delay between attempts.
	DefaultBackoff = 100 * time.Millisecond
)

// Tracker owns the per-message delivery state machine and retry bookkeeping.
// All transitions are monotonic; attempts to move a message backwards are
// rejected by the store's guarded updates, so the tracker can be called
// concurrently and out of order (a read receipt may arrive before the
// delivery confirmation).
type Tracker struct {
	store   Store
	backoff time.Duration
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, backoff: DefaultBackoff}
}

// Persist writes msg with status sent, retrying transient store failures up
// to MaxAttempts with a fixed backoff. If the idempotency tuple already
// exists the original message is returned with existed=true and nothing is
// written. Exhausting the budget yields a PERSISTENCE_FAILURE.
func (t *Tracker) Persist(ctx context.Context, msg *Message) (stored *Message, existed bool, err error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		stored, existed, lastErr = t.store.Insert(ctx, msg)
		if lastErr == nil {
			return stored, existed, nil
		}

		log.Printf("[tracker] persist attempt %d/%d failed message=%s: %v",
			attempt, MaxAttempts, msg.ID, lastErr)

		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, false, apperr.Wrap(apperr.CodePersistenceFailure, "persist cancelled", ctx.Err())
			case <-time.After(t.backoff):
			}
		}
	}
	return nil, false, apperr.Wrap(apperr.CodePersistenceFailure,
		fmt.Sprintf("persist failed after %d attempts", MaxAttempts), lastErr)
}

// MarkDelivered advances the message to delivered. It fires when at least
// one recipient connection has accepted the frame; later confirmations are
// no-ops.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID string) error {
	if _, err := t.store.MarkDelivered(ctx, messageID); err != nil {
		return err
	}
	return nil
}

// MarkRead records a read receipt for readerID. The message must belong to
// roomID or nothing is recorded. Idempotent per (messageID, readerID); the
// first receipt returns true so the caller knows to notify the sender.
func (t *Tracker) MarkRead(ctx context.Context, roomID, messageID, readerID string) (bool, error) {
	return t.store.MarkRead(ctx, roomID, messageID, readerID, time.Now().UTC())
}

// MarkFailed terminally fails a message that never left sent state.
func (t *Tracker) MarkFailed(ctx context.Context, messageID string) error {
	if _, err := t.store.MarkFailed(ctx, messageID); err != nil {
		return err
	}
	return nil
}

// Retry consumes one delivery attempt for the message. It returns true if
// another attempt may be made. When the budget is exhausted the message is
// terminally failed and false is returned; recovering from that requires an
// explicit client resend, which creates a new message.
func (t *Tracker) Retry(ctx context.Context, messageID string) bool {
	count, err := t.store.IncrementRetry(ctx, messageID)
	if err != nil {
		log.Printf("[tracker] retry bookkeeping failed message=%s: %v", messageID, err)
		return false
	}
	if count >= MaxAttempts {
		if err := t.MarkFailed(ctx, messageID); err != nil {
			log.Printf("[tracker] mark failed message=%s: %v", messageID, err)
		}
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(t.backoff):
	}
	return true
}

// ReadReceipts returns the accumulated read receipts of a message.
func (t *Tracker) ReadReceipts(ctx context.Context, messageID string) ([]ReadReceipt, error) {
	return t.store.Readers(ctx, messageID)
}

// Recent returns a room's most recent messages, oldest first.
func (t *Tracker) Recent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	return t.store.ListRecent(ctx, roomID, limit)
}
