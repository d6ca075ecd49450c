package ws

import (
	"net"
	"sync"
)

// Registry is a thread-safe index of live connections with O(1) lookups by
// connection id, file descriptor, and user id. The per-user index is what
// lets the broadcaster reach every device of a participant.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	byUser map[string]map[string]*Connection // user id -> conn id -> Connection
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection in all three indexes. It reports whether this
// is the user's first live connection.
func (r *Registry) Add(conn *Connection) (firstForUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[conn.ID] = conn
	r.byFd[conn.Fd] = conn

	userConns, ok := r.byUser[conn.Identity.UserID]
	if !ok {
		userConns = make(map[string]*Connection)
		r.byUser[conn.Identity.UserID] = userConns
	}
	userConns[conn.ID] = conn
	return len(userConns) == 1
}

// Remove unregisters a connection by id and closes it. It returns the
// removed connection and whether it was the user's last one; a nil
// connection means it was already gone.
func (r *Registry) Remove(id string) (conn *Connection, lastForUser bool) {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byFd, conn.Fd)
		userConns := r.byUser[conn.Identity.UserID]
		delete(userConns, id)
		if len(userConns) == 0 {
			delete(r.byUser, conn.Identity.UserID)
			lastForUser = true
		}
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	conn.Close()
	return conn, lastForUser
}

// Get returns the connection for the given id, or nil if not found.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	conn := r.byID[id]
	r.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (r *Registry) GetByFd(fd int) *Connection {
	r.mu.RLock()
	conn := r.byFd[fd]
	r.mu.RUnlock()
	return conn
}

// GetByConn resolves a net.Conn to its Connection via the file descriptor.
func (r *Registry) GetByConn(c net.Conn) *Connection {
	return r.GetByFd(socketFD(c))
}

// ForUser returns a snapshot of the user's live connections.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// Count returns the current number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}
