// Package relay implements the federation relay: nodes hold long-lived
// uplinks here, clients send relay_request frames, and the relay forwards
// between them without exposing node endpoints. It is pure transport: it
// never interprets prompt content and never contacts the registry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/pkg/wire"
)

// Config holds the relay server settings.
type Config struct {
	Host string
	Port int
	// RelayToken, when set, is required on relay_hello and relay_request.
	RelayToken string
	// PendingTTL bounds how long a forwarded task may stay unanswered
	// before the waiting client gets a synthetic timeout response.
	PendingTTL time.Duration
}

// DefaultConfig returns the stock relay configuration.
func DefaultConfig() Config {
	return Config{
		Host:       "0.0.0.0",
		Port:       19001,
		PendingTTL: 120 * time.Second,
	}
}

// wsConn serializes writes to one WebSocket connection. Reads stay on the
// connection's own handler goroutine; forwarded frames arrive from others.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// pendingEntry tracks one forwarded request awaiting its relay_result.
type pendingEntry struct {
	client          *wsConn
	clientRequestID string
	created         time.Time
}

// Server is the relay. One mutex guards the node map and pending table.
type Server struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	nodes   map[string]*wsConn
	pending map[string]*pendingEntry
	conns   map[*wsConn]struct{}
	closing bool

	httpSrv  *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(cfg Config, log *zap.Logger) *Server {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 120 * time.Second
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		nodes:   make(map[string]*wsConn),
		pending: make(map[string]*pendingEntry),
		conns:   make(map[*wsConn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/ws", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: router}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay listener stopped", zap.Error(err))
		}
	}()
	s.log.Info("relay listening", zap.String("url", s.URL()))
	return nil
}

// Stop closes the listener and tears down existing connections.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Close()
	}
	// http.Server.Close skips hijacked connections; live WebSocket sessions
	// must be torn down explicitly.
	s.mu.Lock()
	s.closing = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
	s.wg.Wait()
	_ = ctx
	return err
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the WebSocket endpoint URL.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

func (s *Server) checkToken(provided string) bool {
	return s.cfg.RelayToken == "" || provided == s.cfg.RelayToken
}

var relayUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleUpgrade(c *gin.Context) {
	conn, err := relayUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	s.serveConn(&wsConn{conn: conn})
}

// serveConn runs one connection, which may act as a node uplink (after
// relay_hello), a client, or both.
func (s *Server) serveConn(c *wsConn) {
	if !s.track(c) {
		c.conn.Close()
		return
	}
	defer s.wg.Done()
	defer c.conn.Close()

	var nodeID string
	defer func() { s.teardown(c, nodeID) }()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.sweepPending()

		env, err := wire.Decode(raw)
		if err != nil {
			_ = c.send(wire.Error(nil, "bad json: "+err.Error()))
			continue
		}

		switch env.Type {
		case "ping":
			_ = c.send(wire.Reply(env, "pong", nil))
		case "relay_hello":
			if id, ok := s.handleHello(c, env); ok {
				nodeID = id
			}
		case "relay_request":
			s.handleRequest(c, env)
		case "relay_result":
			s.handleResult(env)
		default:
			_ = c.send(wire.Error(env, fmt.Sprintf("unknown type: %s", env.Type)))
		}
	}
}

func (s *Server) handleHello(c *wsConn, env *wire.Envelope) (string, bool) {
	if !s.checkToken(env.Str("relayToken")) {
		_ = c.send(wire.Error(env, "invalid relay token"))
		return "", false
	}
	nodeID := env.Str("nodeId")
	if nodeID == "" {
		_ = c.send(wire.Error(env, "missing nodeId"))
		return "", false
	}
	s.mu.Lock()
	s.nodes[nodeID] = c
	s.mu.Unlock()
	s.log.Info("node uplink established", zap.String("nodeId", nodeID))
	_ = c.send(wire.Reply(env, "relay_hello_ok", map[string]any{"nodeId": nodeID}))
	return nodeID, true
}

// handleRequest forwards a client request to its target node under a fresh
// internal id, remembering the original id for the response path.
func (s *Server) handleRequest(c *wsConn, env *wire.Envelope) {
	if !s.checkToken(env.Str("relayToken")) {
		_ = c.send(wire.Error(env, "invalid relay token"))
		return
	}
	target := env.Str("nodeId")
	if target == "" {
		_ = c.send(wire.Error(env, "missing nodeId"))
		return
	}

	s.mu.Lock()
	nodeConn, ok := s.nodes[target]
	s.mu.Unlock()
	if !ok {
		_ = c.send(wire.Error(env, "node offline"))
		return
	}

	internalID := uuid.NewString()
	s.mu.Lock()
	s.pending[internalID] = &pendingEntry{
		client:          c,
		clientRequestID: env.ID,
		created:         time.Now(),
	}
	s.mu.Unlock()

	forward := wire.New("relay_task", map[string]any{
		"nodeId":       target,
		"kind":         env.Str("kind"),
		"prompt":       env.Str("prompt"),
		"serviceToken": env.Str("serviceToken"),
		"clientId":     env.Str("clientId"),
	})
	forward.ID = internalID
	if err := nodeConn.send(forward); err != nil {
		s.mu.Lock()
		delete(s.pending, internalID)
		s.mu.Unlock()
		_ = c.send(wire.Error(env, "node offline"))
	}
}

// handleResult routes a node's relay_result back to the waiting client.
// Results for unknown internal ids (already timed out or cancelled) are
// dropped.
func (s *Server) handleResult(env *wire.Envelope) {
	s.mu.Lock()
	entry, ok := s.pending[env.ID]
	delete(s.pending, env.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	resp := wire.New("relay_response", env.Payload)
	resp.ID = entry.clientRequestID
	if err := entry.client.send(resp); err != nil {
		s.log.Debug("client write failed", zap.Error(err))
	}
}

// sweepPending times out stale pending entries, answering each waiting
// client with a synthetic failure. Called opportunistically on every frame.
func (s *Server) sweepPending() {
	cutoff := time.Now().Add(-s.cfg.PendingTTL)

	s.mu.Lock()
	var expired []*pendingEntry
	for id, entry := range s.pending {
		if entry.created.Before(cutoff) {
			expired = append(expired, entry)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, entry := range expired {
		resp := wire.New("relay_response", map[string]any{"ok": false, "message": "timeout"})
		resp.ID = entry.clientRequestID
		_ = entry.client.send(resp)
	}
}

// track registers a live connection so Stop can tear it down. Refused once
// shutdown has begun; the caller must close the connection itself then.
func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

// teardown runs when a connection closes. A node mapping is removed only if
// it still points at this connection; the node's in-flight tasks are left to
// the pending sweep so clients receive timeouts instead of hanging. Pending
// entries waiting on this connection as a client are dropped outright.
func (s *Server) teardown(c *wsConn, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	if nodeID != "" && s.nodes[nodeID] == c {
		delete(s.nodes, nodeID)
		s.log.Info("node uplink closed", zap.String("nodeId", nodeID))
	}
	for id, entry := range s.pending {
		if entry.client == c {
			delete(s.pending, id)
		}
	}
}
