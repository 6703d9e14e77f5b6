// Package ws is the WebSocket transport for the clinic realtime layer. It
// upgrades HTTP connections on two paths — /ws for the patient/doctor chat
// channel and /ws/admin for the authenticated admin broadcast channel —
// registers them with a Linux epoll instance for I/O readiness, and
// dispatches ready connections to a bounded worker pool for frame reading.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/medibook/realtime-app/internal/metrics"
	"github.com/medibook/realtime-app/internal/protocol"
	"github.com/medibook/realtime-app/internal/ratelimit"
	"github.com/medibook/realtime-app/internal/session"
)

// AdminVerifier authenticates an admin handshake token and returns the
// authenticated subject. It is called before the HTTP upgrade; an error means
// the request is rejected with 401 and no WebSocket is established.
type AdminVerifier func(token string) (subject string, err error)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. The chat
// path accepts anonymous upgrades; the admin path requires a valid admin
// token in the handshake query string.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	presence     *session.Store                      // Redis presence records, nil to disable
	limiter      *ratelimit.Limiter                  // per-IP connect throttle, nil to disable
	verifyAdmin  AdminVerifier                       // required for the admin path
	onMessage    func(conn *Connection, data []byte) // frame handler callback
	onConnect    func(conn *Connection)              // called after a connection is registered
	onDisconnect func(connID string)                 // called when a connection is removed
	apiHandler   http.Handler                        // REST surface mounted under /api/
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, presence store,
// and frame callback. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame arrives.
func NewServer(config ServerConfig, presence *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		presence:  presence,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// SetAdminVerifier installs the handshake authenticator for /ws/admin. If no
// verifier is installed, every admin upgrade is rejected.
func (s *Server) SetAdminVerifier(fn AdminVerifier) {
	s.verifyAdmin = fn
}

// SetConnectLimiter installs a per-IP connect rate limiter applied to both
// upgrade paths.
func (s *Server) SetConnectLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetOnConnect registers a callback invoked after a connection is fully
// registered, before any frames are read. The admin wiring uses this to place
// admin connections into the shared admin room.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). It is called before
// the presence record is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAPIHandler mounts an HTTP handler under /api/ on the same listener.
func (s *Server) SetAPIHandler(h http.Handler) {
	s.apiHandler = h
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting connections. It starts the epoll event loop and heartbeat
// monitor in background goroutines and blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleChatUpgrade)
	mux.HandleFunc("/ws/admin", s.handleAdminUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	if s.apiHandler != nil {
		mux.Handle("/api/", s.apiHandler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleChatUpgrade upgrades a chat-channel connection. No authentication is
// performed here; conversation access control lives in the REST layer.
func (s *Server) handleChatUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.admitUpgrade(w, r) {
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: chat upgrade failed: %v", err)
		return
	}

	s.register(conn, session.ChannelChat, "", "")
}

// handleAdminUpgrade authenticates the handshake token and, only on success,
// upgrades the connection onto the admin channel. Rejections happen at the
// HTTP layer — a failed handshake never produces a WebSocket.
func (s *Server) handleAdminUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.admitUpgrade(w, r) {
		return
	}

	if s.verifyAdmin == nil {
		http.Error(w, "admin channel disabled", http.StatusUnauthorized)
		return
	}

	subject, err := s.verifyAdmin(r.URL.Query().Get("token"))
	if err != nil {
		log.Printf("ws: admin handshake rejected from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: admin upgrade failed: %v", err)
		return
	}

	s.register(conn, session.ChannelAdmin, "admin", subject)
}

// admitUpgrade applies the connection cap and the per-IP connect throttle.
func (s *Server) admitUpgrade(w http.ResponseWriter, r *http.Request) bool {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return false
	}

	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		allowed, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return false
		}
	}

	return true
}

// register creates the Connection, adds it to the manager and epoll, records
// presence, and sends session_created to the client.
func (s *Server) register(conn net.Conn, channel, role, subject string) {
	fd := socketFD(conn)
	sessionID := uuid.New().String()

	c := &Connection{
		ID:        sessionID,
		Channel:   channel,
		Subject:   subject,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
	}
	c.TouchPing()

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}

	metrics.Connections.WithLabelValues(channel).Inc()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Create(ctx, sessionID, channel, role, subject); err != nil {
			log.Printf("ws: failed to create presence record for %s: %v", sessionID, err)
		}
	}

	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for session %s: %v", sessionID, err)
	} else if err := c.WriteMessage(sessionMsg); err != nil {
		log.Printf("ws: failed to send session_created for session %s: %v", sessionID, err)
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection session=%s channel=%s fd=%d (total=%d)",
		sessionID, channel, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// per-channel connection counts and uptime. Used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status     string `json:"status"`
		ChatConns  int    `json:"chat_connections"`
		AdminConns int    `json:"admin_connections"`
		Uptime     string `json:"uptime"`
	}{
		Status:     "ok",
		ChatConns:  s.conns.CountByChannel(session.ChannelChat),
		AdminConns: s.conns.CountByChannel(session.ChannelAdmin),
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each batch of ready connections is
// dispatched to worker goroutines bounded by a semaphore.
func (s *Server) startEventLoop() {
	workerPool := make(chan struct{}, s.config.WorkerPoolSize)

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

			workerPool <- struct{}{}
			go func() {
				defer func() { <-workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive. A failed read removes the connection.
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
		// A read timeout means no data was available (stale epoll dispatch);
		// the heartbeat monitor handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.TouchPing()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
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

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. Exported so the
// heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager; this
	// prevents double cleanup when goroutines race to remove the same
	// connection (read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.Connections.WithLabelValues(c.Channel).Dec()

	// Notify the application layer before deleting presence, so the handler
	// can still inspect the session state.
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete presence record for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed session=%s channel=%s (total=%d)",
		c.ID, c.Channel, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. Goroutine-safe through the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the deadline so it does not affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to connection
// state (heartbeat, presence layer).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, signals
// the event loop to exit, closes all active connections, and cleans up the
// epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		if s.presence != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.presence.Delete(delCtx, c.ID)
			delCancel()
		}
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is an interrupted syscall (EINTR), which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
