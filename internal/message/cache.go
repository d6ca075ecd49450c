package message

import "sync"

// DefaultCacheSize is the number of recent messages retained per room.
const DefaultCacheSize = 50

// RecentCache keeps the last N persisted messages per room in memory so
// history fetches for busy rooms avoid a store round trip. It is
// goroutine-safe and uses a ring buffer per room.
type RecentCache struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // roomID -> ring buffer
}

type ringBuffer struct {
	items []*Message
	pos   int
	count int
}

// NewRecentCache creates a RecentCache retaining size messages per room.
func NewRecentCache(size int) *RecentCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &RecentCache{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (c *RecentCache) Add(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rb, ok := c.buffers[msg.RoomID]
	if !ok {
		rb = &ringBuffer{items: make([]*Message, c.size)}
		c.buffers[msg.RoomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % c.size
	if rb.count < c.size {
		rb.count++
	}
}

// Recent returns up to limit of the room's newest cached messages in
// chronological order (oldest first). ok is false when the cache holds fewer
// messages than requested, in which case the caller should fall back to the
// store.
func (c *RecentCache) Recent(roomID string, limit int) ([]*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rb, ok := c.buffers[roomID]
	if !ok || rb.count < limit {
		return nil, false
	}

	start := (rb.pos - rb.count + c.size) % c.size
	skip := rb.count - limit
	result := make([]*Message, 0, limit)
	for i := skip; i < rb.count; i++ {
		result = append(result, rb.items[(start+i)%c.size])
	}
	return result, true
}

// Drop deletes the buffer for a room.
func (c *RecentCache) Drop(roomID string) {
	c.mu.Lock()
	delete(c.buffers, roomID)
	c.mu.Unlock()
}
