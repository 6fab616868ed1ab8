// Package bridge implements the WebSocket control surface: one JSON message
// per text frame, commands correlated by client-chosen ids, device events
// fanned out through per-client queues.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/metric"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
)

const (
	// DefaultListenAddr binds loopback only; the bridge carries no
	// authentication and must not be exposed.
	DefaultListenAddr = "127.0.0.1:9000"
	// DefaultPath is the WebSocket endpoint path.
	DefaultPath = "/ws"

	// maxFrameBytes caps a single inbound frame.
	maxFrameBytes = 10 << 20

	writeTimeout = 10 * time.Second
	pingPeriod   = 30 * time.Second
	pongTimeout  = 90 * time.Second
)

// ServerConfig configures the bridge server.
type ServerConfig struct {
	ListenAddr     string        `json:"listen_addr"`
	Path           string        `json:"path"`
	CommandTimeout time.Duration `json:"-"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     DefaultListenAddr,
		Path:           DefaultPath,
		CommandTimeout: DefaultCommandTimeout,
	}
}

// Server is the WebSocket bridge server. Create with NewServer, then
// Initialize, Start, and finally Stop.
type Server struct {
	cfg      ServerConfig
	registry *device.Registry
	fanout   *Fanout
	dispatch *Dispatcher
	queries  *QueryHandler
	metrics  *metric.Metrics
	log      *slog.Logger

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*client

	httpServer *http.Server
	listener   net.Listener

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	baseCtx  context.Context
	baseStop context.CancelFunc
}

type client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time

	writeMu      sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
	lastActivity atomic.Int64 // epoch ms
}

// NewServer creates a bridge server over the given registry. reg is required;
// mon and metrics may be nil.
func NewServer(cfg ServerConfig, reg *device.Registry, mon *perf.Monitor,
	metrics *metric.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}

	log = log.With("component", "server")
	s := &Server{
		cfg:      cfg,
		registry: reg,
		fanout:   NewFanout(log, metrics),
		dispatch: NewDispatcher(reg, log, WithCommandTimeout(cfg.CommandTimeout)),
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only server; clients are local desktop apps
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	s.queries = NewQueryHandler(reg, mon, s.Connections)
	return s
}

// Sink returns the event sink devices publish into.
func (s *Server) Sink() device.EventSink {
	return s.fanout
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Initialize validates configuration without touching the network.
func (s *Server) Initialize() error {
	if s.registry == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize", "nil registry")
	}
	if _, _, err := net.SplitHostPort(s.cfg.ListenAddr); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: listen_addr %q: %v", errors.ErrInvalidConfig, s.cfg.ListenAddr, err),
			"Server", "Initialize", "address check")
	}
	if s.cfg.Path == "" || s.cfg.Path[0] != '/' {
		return errors.WrapInvalid(
			fmt.Errorf("%w: path %q", errors.ErrInvalidConfig, s.cfg.Path),
			"Server", "Initialize", "path check")
	}
	return nil
}

// Start binds the listener and begins accepting clients. The bind happens
// synchronously so address conflicts surface here, not in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "state check")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Server", "Start", "context check")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err), "Server", "Start", "bind "+s.cfg.ListenAddr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}
	s.shutdown = make(chan struct{})
	s.baseCtx, s.baseStop = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(2)
	go s.serve(ln)
	go s.maintainClients()

	s.log.Info("bridge listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Stop closes all clients and shuts the server down within timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.shutdown)

	deadline, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(deadline); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	s.closeAllClients()
	s.fanout.CloseAll()
	s.baseStop()

	if err := s.dispatch.Shutdown(deadline); err != nil {
		s.log.Warn("dispatcher drain", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline.Done():
		s.log.Warn("server goroutines did not exit before deadline")
	}

	s.httpServer = nil
	s.listener = nil
	s.log.Info("bridge stopped")
	return nil
}

// Connections returns a snapshot of connected clients.
func (s *Server) Connections() []ConnectionInfo {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	out := make([]ConnectionInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ConnectionInfo{
			ID:           c.id,
			RemoteAddr:   c.remoteAddr,
			ConnectedAt:  c.connectedAt.UnixMilli(),
			LastActivity: c.lastActivity.Load(),
		})
	}
	return out
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.log.Error("http server failed", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now(),
	}
	c.lastActivity.Store(time.Now().UnixMilli())
	conn.SetReadLimit(maxFrameBytes)
	conn.SetPongHandler(func(string) error {
		c.lastActivity.Store(time.Now().UnixMilli())
		return nil
	})

	s.clientsMu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(count))
	}
	s.log.Info("client connected", "client", c.id, "remote", c.remoteAddr, "clients", count)

	s.fanout.AddClient(c.id, func(msg Outbound) error {
		return s.writeToClient(c, msg)
	})

	s.wg.Add(1)
	go s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c, "read loop exit")

	send := func(msg Outbound) {
		if err := s.writeToClient(c, msg); err != nil {
			s.log.Debug("reply dropped", "client", c.id, "error", err)
		}
	}

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.lastActivity.Store(time.Now().UnixMilli())

		if kind != websocket.TextMessage {
			send(NewErrorMessage("", "", "binary frames are not supported", errors.CodeProtocolError))
			continue
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed JSON earns an error response, not a disconnect
			send(NewErrorMessage("", "", "malformed JSON frame", errors.CodeProtocolError))
			continue
		}
		if err := msg.Validate(); err != nil {
			send(NewError(msg.Device, msg.ID, err))
			continue
		}

		s.route(c, msg, send)
	}
}

func (s *Server) route(c *client, msg Inbound, send func(Outbound)) {
	switch msg.Type {
	case TypeCommand:
		s.dispatch.Dispatch(s.baseCtx, c.id, msg, send)
	case TypeQuery:
		send(s.queries.Handle(msg))
	case TypeSubscribe:
		s.fanout.Subscribe(c.id, msg.Device, msg.Events)
		send(NewAck(msg.Device, msg.ID, map[string]bool{"subscribed": true}))
	case TypeUnsubscribe:
		s.fanout.Unsubscribe(c.id, msg.Device, msg.Events)
		send(NewAck(msg.Device, msg.ID, map[string]bool{"subscribed": false}))
	}
}

func (s *Server) writeToClient(c *client, msg Outbound) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrNotConnected, "Server", "write", "client closed")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "Server", "write", "marshal")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCommunication, err), "Server", "write", "frame")
	}
	return nil
}

func (s *Server) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, c.id)
		count := len(s.clients)
		s.clientsMu.Unlock()

		s.fanout.RemoveClient(c.id)
		s.dispatch.DropClient(c.id)
		_ = c.conn.Close()

		if s.metrics != nil {
			s.metrics.ConnectedClients.Set(float64(count))
		}
		s.log.Info("client disconnected", "client", c.id, "reason", reason, "clients", count)
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down")
	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		s.removeClient(c, "shutdown")
	}
}

// maintainClients pings clients and drops the ones that stopped answering.
func (s *Server) maintainClients() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-pongTimeout).UnixMilli()

			s.clientsMu.RLock()
			clients := make([]*client, 0, len(s.clients))
			for _, c := range s.clients {
				clients = append(clients, c)
			}
			s.clientsMu.RUnlock()

			for _, c := range clients {
				if c.lastActivity.Load() < cutoff {
					s.removeClient(c, "ping timeout")
					continue
				}
				c.writeMu.Lock()
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					s.removeClient(c, "ping failed")
				}
			}
		}
	}
}
