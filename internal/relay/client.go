package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/ratelimit"
	"github.com/agentfabric/fabric/internal/task"
	"github.com/agentfabric/fabric/pkg/wire"
)

// NodeClientConfig holds the settings for a node's relay uplink.
type NodeClientConfig struct {
	RelayURL   string
	NodeID     string
	RelayToken string
	// ServiceToken, when set, is required on every relay_task.
	ServiceToken string

	RateLimitPerMin       int
	RateLimitBurst        int
	RateLimitPerMinByNode int
	RateLimitBurstByNode  int
}

// DefaultNodeClientConfig returns the stock uplink configuration.
func DefaultNodeClientConfig() NodeClientConfig {
	return NodeClientConfig{
		RateLimitPerMin:       60,
		RateLimitBurst:        60,
		RateLimitPerMinByNode: 60,
		RateLimitBurstByNode:  60,
	}
}

// NodeClient holds a persistent outbound WebSocket to the relay, executing
// relay_task frames through the same executor as the direct node service.
type NodeClient struct {
	cfg  NodeClientConfig
	exec task.Executor
	log  *zap.Logger

	limiter     *ratelimit.Limiter
	nodeLimiter *ratelimit.Limiter
}

// NewNodeClient creates an uplink client.
func NewNodeClient(cfg NodeClientConfig, exec task.Executor, log *zap.Logger) *NodeClient {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 60
	}
	if cfg.RateLimitPerMinByNode <= 0 {
		cfg.RateLimitPerMinByNode = 60
	}
	return &NodeClient{
		cfg:         cfg,
		exec:        exec,
		log:         log,
		limiter:     ratelimit.New(cfg.RateLimitPerMin, cfg.RateLimitBurst, 5*time.Minute),
		nodeLimiter: ratelimit.New(cfg.RateLimitPerMinByNode, cfg.RateLimitBurstByNode, 5*time.Minute),
	}
}

// Run keeps the uplink alive until ctx is cancelled, reconnecting with
// capped exponential backoff. An in-flight task is never retried across a
// reconnect; the relay times it out and answers the client.
func (c *NodeClient) Run(ctx context.Context) error {
	if c.cfg.RelayURL == "" {
		return fmt.Errorf("relay url required")
	}
	backoff := time.Second
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("relay uplink lost",
			zap.Error(err),
			zap.Duration("retryIn", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *NodeClient) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.hello(conn); err != nil {
		return err
	}
	c.log.Info("relay uplink established", zap.String("relay", c.cfg.RelayURL))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := wire.Decode(raw)
		if err != nil {
			c.send(conn, wire.Error(nil, "bad json: "+err.Error()))
			continue
		}
		switch env.Type {
		case "ping":
			c.send(conn, wire.Reply(env, "pong", nil))
		case "relay_task":
			c.handleTask(ctx, conn, env)
		default:
			c.send(conn, wire.Error(env, "expected relay_task"))
		}
	}
}

func (c *NodeClient) hello(conn *websocket.Conn) error {
	req := wire.New("relay_hello", map[string]any{
		"nodeId":     c.cfg.NodeID,
		"relayToken": c.cfg.RelayToken,
	})
	data, err := req.Encode()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("hello reply: %w", err)
	}
	resp, err := wire.Decode(raw)
	if err != nil {
		return err
	}
	if resp.Type == "error" {
		return fmt.Errorf("relay hello failed: %s", resp.Str("message"))
	}
	if resp.Type != "relay_hello_ok" {
		return fmt.Errorf("relay hello rejected")
	}
	return nil
}

func (c *NodeClient) handleTask(ctx context.Context, conn *websocket.Conn, env *wire.Envelope) {
	if !c.allow(env) {
		c.sendResult(conn, env, false, "", "rate limited")
		return
	}
	if c.cfg.ServiceToken != "" && env.Str("serviceToken") != c.cfg.ServiceToken {
		c.sendResult(conn, env, false, "", "invalid service token")
		return
	}
	kind := env.Str("kind")
	if !task.Supported(kind) {
		c.sendResult(conn, env, false, "", fmt.Sprintf("unsupported kind: %s", kind))
		return
	}
	prompt := env.Str("prompt")
	if prompt == "" {
		c.sendResult(conn, env, false, "", "missing prompt")
		return
	}

	result, err := c.exec.Run(ctx, kind, prompt)
	if err != nil {
		c.sendResult(conn, env, false, "", err.Error())
		return
	}
	c.sendResult(conn, env, true, result, "")
}

// allow applies the source limiter first, then the per-clientId limiter when
// a clientId is present.
func (c *NodeClient) allow(env *wire.Envelope) bool {
	if !c.limiter.Allow("relay") {
		return false
	}
	if clientID := env.Str("clientId"); clientID != "" {
		return c.nodeLimiter.Allow(clientID)
	}
	return true
}

func (c *NodeClient) sendResult(conn *websocket.Conn, env *wire.Envelope, ok bool, content, message string) {
	payload := map[string]any{"nodeId": c.cfg.NodeID, "ok": ok}
	if ok {
		payload["content"] = content
	} else {
		payload["message"] = message
	}
	c.send(conn, wire.Reply(env, "relay_result", payload))
}

func (c *NodeClient) send(conn *websocket.Conn, env *wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.log.Error("encode frame", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("relay write failed", zap.Error(err))
	}
}
