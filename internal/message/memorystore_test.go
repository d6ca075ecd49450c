package message

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore implements Store in memory with the same idempotency and
// monotonic transition rules as the Postgres implementation.
type memoryStore struct {
	mu       sync.Mutex
	byID     map[string]*Message
	byTuple  map[string]*Message // senderID|roomID|clientMessageID
	receipts map[string]map[string]time.Time

	// failInserts makes the next N Insert calls fail, for retry tests.
	failInserts int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		byID:     make(map[string]*Message),
		byTuple:  make(map[string]*Message),
		receipts: make(map[string]map[string]time.Time),
	}
}

func tupleKey(msg *Message) string {
	return msg.SenderID + "|" + msg.RoomID + "|" + msg.ClientMessageID
}

func (s *memoryStore) Insert(_ context.Context, msg *Message) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failInserts > 0 {
		s.failInserts--
		return nil, false, fmt.Errorf("simulated insert failure")
	}

	if existing, ok := s.byTuple[tupleKey(msg)]; ok {
		return existing, true, nil
	}

	stored := *msg
	s.byID[stored.ID] = &stored
	s.byTuple[tupleKey(&stored)] = &stored
	return &stored, false, nil
}

func (s *memoryStore) Get(_ context.Context, messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[messageID], nil
}

func (s *memoryStore) MarkDelivered(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok || msg.DeliveryStatus != StatusSent {
		return false, nil
	}
	msg.DeliveryStatus = StatusDelivered
	return true, nil
}

func (s *memoryStore) MarkRead(_ context.Context, roomID, messageID, readerID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return false, fmt.Errorf("message %s not found", messageID)
	}
	if msg.RoomID != roomID {
		return false, nil
	}

	readers, ok := s.receipts[messageID]
	if !ok {
		readers = make(map[string]time.Time)
		s.receipts[messageID] = readers
	}
	if _, seen := readers[readerID]; seen {
		return false, nil
	}
	readers[readerID] = at

	if msg.DeliveryStatus == StatusSent || msg.DeliveryStatus == StatusDelivered {
		msg.DeliveryStatus = StatusRead
	}
	return true, nil
}

func (s *memoryStore) MarkFailed(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok || msg.DeliveryStatus != StatusSent {
		return false, nil
	}
	msg.DeliveryStatus = StatusFailed
	return true, nil
}

func (s *memoryStore) IncrementRetry(_ context.Context, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return 0, fmt.Errorf("message %s not found", messageID)
	}
	msg.RetryCount++
	return msg.RetryCount, nil
}

func (s *memoryStore) ListRecent(_ context.Context, roomID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []*Message
	for _, m := range s.byID {
		if m.RoomID == roomID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *memoryStore) Readers(_ context.Context, messageID string) ([]ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ReadReceipt
	for uid, at := range s.receipts[messageID] {
		out = append(out, ReadReceipt{MessageID: messageID, UserID: uid, ReadAt: at})
	}
	return out, nil
}
