// Package node implements the provider side of the fabric: the direct task
// service, registry registration with heartbeats, capability advertisement,
// and knowledge pack auto-publishing.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/ratelimit"
	"github.com/agentfabric/fabric/internal/task"
	"github.com/agentfabric/fabric/pkg/wire"
)

// ServerConfig holds the direct task service settings.
type ServerConfig struct {
	Host string
	Port int
	// ServiceToken, when set, is required on every task_run.
	ServiceToken string

	RateLimitPerMin       int
	RateLimitBurst        int
	RateLimitPerMinByNode int
	RateLimitBurstByNode  int
}

// DefaultServerConfig returns the stock node service configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:                  "0.0.0.0",
		Port:                  18998,
		RateLimitPerMin:       60,
		RateLimitBurst:        60,
		RateLimitPerMinByNode: 60,
		RateLimitBurstByNode:  60,
	}
}

// Server is the direct task execution endpoint. It accepts exactly ping and
// task_run frames.
type Server struct {
	cfg  ServerConfig
	exec task.Executor
	log  *zap.Logger

	limiter     *ratelimit.Limiter
	nodeLimiter *ratelimit.Limiter

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool

	httpSrv  *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a node service around exec.
func NewServer(cfg ServerConfig, exec task.Executor, log *zap.Logger) *Server {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 60
	}
	if cfg.RateLimitPerMinByNode <= 0 {
		cfg.RateLimitPerMinByNode = 60
	}
	return &Server{
		cfg:         cfg,
		exec:        exec,
		log:         log,
		limiter:     ratelimit.New(cfg.RateLimitPerMin, cfg.RateLimitBurst, 5*time.Minute),
		nodeLimiter: ratelimit.New(cfg.RateLimitPerMinByNode, cfg.RateLimitBurstByNode, 5*time.Minute),
		conns:       make(map[*websocket.Conn]struct{}),
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
			s.log.Error("node listener stopped", zap.Error(err))
		}
	}()
	s.log.Info("node service listening", zap.String("url", s.URL()))
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
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
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

var nodeUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleUpgrade(c *gin.Context) {
	conn, err := nodeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	s.serveConn(conn, c.ClientIP())
}

func (s *Server) send(conn *websocket.Conn, env *wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.log.Error("encode reply", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("write failed", zap.Error(err))
	}
}

// track registers a live connection so Stop can tear it down. Refused once
// shutdown has begun; the caller must close the connection itself then.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) release(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serveConn(conn *websocket.Conn, remoteIP string) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.wg.Done()
	defer conn.Close()
	defer s.release(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(raw)
		if err != nil {
			s.send(conn, wire.Error(nil, "bad json: "+err.Error()))
			continue
		}
		if !s.allow(remoteIP, env) {
			s.send(conn, wire.Error(env, "rate limited"))
			continue
		}
		switch env.Type {
		case "ping":
			s.send(conn, wire.Reply(env, "pong", nil))
		case "task_run":
			s.handleTask(conn, env, remoteIP)
		default:
			s.send(conn, wire.Error(env, "expected task_run"))
		}
	}
}

func (s *Server) allow(remoteIP string, env *wire.Envelope) bool {
	if !s.limiter.Allow(remoteIP) {
		return false
	}
	if clientID := env.Str("clientId"); clientID != "" {
		return s.nodeLimiter.Allow(clientID)
	}
	return true
}

func (s *Server) handleTask(conn *websocket.Conn, env *wire.Envelope, remoteIP string) {
	if s.cfg.ServiceToken != "" && env.Str("serviceToken") != s.cfg.ServiceToken {
		s.send(conn, wire.Error(env, "invalid service token"))
		return
	}
	kind := env.Str("kind")
	if !task.Supported(kind) {
		s.send(conn, wire.Error(env, fmt.Sprintf("unsupported kind: %s", kind)))
		return
	}
	prompt := env.Str("prompt")
	if prompt == "" {
		s.send(conn, wire.Error(env, "missing prompt"))
		return
	}

	s.log.Info("task received",
		zap.String("kind", kind),
		zap.String("clientId", env.Str("clientId")),
		zap.String("from", remoteIP))

	result, err := s.exec.Run(context.Background(), kind, prompt)
	if err != nil {
		s.send(conn, wire.Reply(env, "task_error", map[string]any{"message": err.Error()}))
		return
	}
	s.send(conn, wire.Reply(env, "task_result", map[string]any{"content": result}))
}
