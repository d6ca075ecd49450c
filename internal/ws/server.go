// Package ws owns the WebSocket edge of the chat service: authenticating
// upgrades, tracking live connections per user, multiplexing reads through
// epoll, and fanning frames out to a user's devices.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/campusfind/chat-service/internal/auth"
	"github.com/campusfind/chat-service/internal/metrics"
	"github.com/campusfind/chat-service/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr       string        // address to listen on, e.g. ":8080"
	WorkerPoolSize   int           // max concurrent read-worker goroutines
	MaxConnections   int           // hard cap on total connections
	ReadTimeout      time.Duration // timeout for WebSocket read operations
	WriteTimeout     time.Duration // timeout for WebSocket write operations
	HandshakeTimeout time.Duration // bound on the pre-upgrade HTTP exchange
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:       ":8080",
		WorkerPoolSize:   256,
		MaxConnections:   100000,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket after verifying the bearer
// token, registers them with epoll for readiness notifications, and hands
// ready connections to a bounded worker pool for frame reading. It also
// implements the broadcaster used by the message pipeline: SendToUser
// reaches every live device of a user.
type Server struct {
	config       ServerConfig
	verifier     *auth.Verifier
	epoll        *Epoll
	conns        *Registry
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection, firstForUser bool)
	onDisconnect func(conn *Connection, lastForUser bool)
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage callback runs on a worker
// goroutine for every complete text frame received from a client.
func NewServer(config ServerConfig, verifier *auth.Verifier, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		verifier:   verifier,
		conns:      NewRegistry(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is accepted
// and registered. firstForUser is true when it is the user's only live
// connection.
func (s *Server) SetOnConnect(fn func(conn *Connection, firstForUser bool)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// for any reason. lastForUser is true when the user has no remaining live
// connection.
func (s *Server) SetOnDisconnect(fn func(conn *Connection, lastForUser bool)) {
	s.onDisconnect = fn
}

// Start initializes epoll, begins the event loop and heartbeat, and blocks
// serving HTTP upgrades until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = s.upgradeServer(mux)

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// upgradeServer builds the HTTP server that accepts upgrade requests. The
// handshake timeout bounds both header and request reads so a client cannot
// hold a pre-auth socket open by trickling bytes; once the connection is
// hijacked for WebSocket these deadlines no longer apply.
func (s *Server) upgradeServer(handler http.Handler) *http.Server {
	handshake := s.config.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultServerConfig().HandshakeTimeout
	}
	return &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: handshake,
		ReadTimeout:       handshake,
	}
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection. The token is verified before the handshake completes so an
// unauthenticated client never holds a socket.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		metrics.AuthFailures.Inc()
		log.Printf("ws: rejected upgrade from %s: %v", r.RemoteAddr, err)
		http.Error(w, "invalid or expired credentials", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", identity.UserID, err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Identity:  identity,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	firstForUser := s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ActiveConnections.Inc()

	connected, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		UserID: identity.UserID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected frame conn=%s: %v", c.ID, err)
	} else if err := c.WriteMessage(connected); err != nil {
		log.Printf("ws: failed to send connected frame conn=%s: %v", c.ID, err)
	}

	if s.onConnect != nil {
		s.onConnect(c, firstForUser)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)",
		c.ID, identity.UserID, c.Fd, s.conns.Count())
}

// bearerToken extracts the access token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.URL.Query().Get("token")
}

// handleHealth reports liveness plus connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, dispatching each ready connection
// to a worker goroutine bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive. Read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch). The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection evicts a connection from epoll and the registry, closes
// it, and fires the disconnect callback. Safe to call concurrently; only the
// first caller proceeds past the registry removal.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	removed, lastForUser := s.conns.Remove(c.ID)
	if removed == nil {
		return
	}
	metrics.ActiveConnections.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(removed, lastForUser)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)",
		c.ID, c.Identity.UserID, s.conns.Count())
}

// SendToUser writes data to every live connection of userID and returns the
// number of connections that accepted the frame. Failed connections are left
// for the epoll loop and heartbeat to clean up.
func (s *Server) SendToUser(userID string, data []byte) int {
	accepted := 0
	for _, c := range s.conns.ForUser(userID) {
		if s.config.WriteTimeout > 0 {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		err := c.WriteMessage(data)
		_ = c.Conn.SetWriteDeadline(time.Time{})
		if err == nil {
			accepted++
		}
	}
	return accepted
}

// SendMessage writes a frame to one specific connection.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections exposes the registry for the heartbeat monitor.
func (s *Server) Connections() *Registry {
	return s.conns
}

// Shutdown stops the listener, the event loop, and closes every live
// connection.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR reports whether err is an interrupted syscall, which is expected
// during signal handling and should be retried.
func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
