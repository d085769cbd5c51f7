package delegate

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/pkg/wire"
)

// Config holds the delegation settings.
type Config struct {
	RegistryURL   string
	RegistryToken string
	// ClientID is this caller's node id; it is the payer on every
	// reservation and award.
	ClientID string

	RelayURL   string
	RelayToken string
	// RelayOnly forbids falling back to a direct endpoint when the relay
	// path fails.
	RelayOnly bool

	// ServiceToken is forwarded to the provider node with every task.
	ServiceToken string

	// PreauthEnabled reserves the provider's price before calling; it
	// needs both RegistryToken and ClientID. PreauthRequired aborts the
	// delegation when the reservation cannot be made.
	PreauthEnabled  bool
	PreauthRequired bool

	// MaxPricePoints drops candidates above this price; zero means no cap.
	MaxPricePoints int

	// Timeout bounds every protocol round trip; zero means the default.
	Timeout time.Duration
}

// Node is one candidate from a registry list.
type Node struct {
	NodeID       string
	NodeName     string
	EndpointURL  string
	Capabilities map[string]bool
	PricePoints  int
	Online       bool
	SuccessCount int
	FailCount    int
	AvgLatencyMs int
}

// Result is a completed delegation.
type Result struct {
	Node    Node
	Content string
	Latency time.Duration
}

// Client delegates tasks to fabric nodes.
type Client struct {
	cfg Config
	log *zap.Logger
}

// New creates a delegation client.
func New(cfg Config, log *zap.Logger) *Client {
	return &Client{cfg: cfg, log: log}
}

// List queries the registry for online nodes with every required
// capability.
func (c *Client) List(ctx context.Context, requireCaps []string) ([]Node, error) {
	session, err := Dial(ctx, c.cfg.RegistryURL, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return c.list(session, requireCaps)
}

func (c *Client) list(session *Conn, requireCaps []string) ([]Node, error) {
	if requireCaps == nil {
		requireCaps = []string{}
	}
	reply, err := session.Request(wire.New("list", map[string]any{
		"onlineOnly":          true,
		"requireCapabilities": requireCaps,
		"registryToken":       c.cfg.RegistryToken,
	}))
	if err != nil {
		return nil, err
	}
	if err := replyError(reply); err != nil {
		return nil, err
	}
	raw, _ := reply.Payload["nodes"].([]any)
	nodes := make([]Node, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		nodes = append(nodes, nodeFromWire(obj))
	}
	return nodes, nil
}

func nodeFromWire(obj map[string]any) Node {
	n := Node{
		Capabilities: map[string]bool{},
		PricePoints:  1,
	}
	if s, ok := obj["nodeId"].(string); ok {
		n.NodeID = s
	}
	if s, ok := obj["nodeName"].(string); ok {
		n.NodeName = s
	}
	if s, ok := obj["endpointUrl"].(string); ok {
		n.EndpointURL = s
	}
	if caps, ok := obj["capabilities"].(map[string]any); ok {
		for k, v := range caps {
			if b, ok := v.(bool); ok {
				n.Capabilities[k] = b
			}
		}
	}
	if v, ok := obj["pricePoints"].(float64); ok && int(v) >= 1 {
		n.PricePoints = int(v)
	}
	if v, ok := obj["online"].(bool); ok {
		n.Online = v
	}
	if v, ok := obj["successCount"].(float64); ok {
		n.SuccessCount = int(v)
	}
	if v, ok := obj["failCount"].(float64); ok {
		n.FailCount = int(v)
	}
	if v, ok := obj["avgLatencyMs"].(float64); ok {
		n.AvgLatencyMs = int(v)
	}
	return n
}

// Score rates a candidate; higher is better. Success rate uses Laplace
// smoothing so new nodes start near 0.5 rather than at an extreme.
func Score(n Node) float64 {
	successRate := float64(n.SuccessCount+1) / float64(n.SuccessCount+n.FailCount+2)
	return successRate*100 - float64(n.AvgLatencyMs)/1000*10 - float64(n.PricePoints)*2
}

// tieBucket is the score margin within which candidates are considered
// equal and picked at random.
const tieBucket = 0.5

// Pick chooses the candidate to call. A pinned target short-circuits
// scoring; otherwise the best-scored node wins, with ties near the top
// broken uniformly at random.
func (c *Client) Pick(nodes []Node, pinned string) (*Node, error) {
	if pinned != "" {
		for i := range nodes {
			if nodes[i].NodeID == pinned {
				return &nodes[i], nil
			}
		}
		return nil, fmt.Errorf("node not found/online: %s", pinned)
	}

	var candidates []Node
	for _, n := range nodes {
		if c.cfg.MaxPricePoints > 0 && n.PricePoints > c.cfg.MaxPricePoints {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no eligible nodes found")
	}

	best := Score(candidates[0])
	for _, n := range candidates[1:] {
		if s := Score(n); s > best {
			best = s
		}
	}
	var top []Node
	for _, n := range candidates {
		if best-Score(n) <= tieBucket {
			top = append(top, n)
		}
	}
	pick := top[rand.Intn(len(top))]
	return &pick, nil
}

// Delegate runs the full flow: list, pick, reserve, call, reconcile.
// requireCap defaults to kind; pinned forces a specific target.
func (c *Client) Delegate(ctx context.Context, kind, prompt, requireCap, pinned string) (*Result, error) {
	if requireCap == "" {
		requireCap = kind
	}

	session, err := Dial(ctx, c.cfg.RegistryURL, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	nodes, err := c.list(session, []string{requireCap})
	if err != nil {
		return nil, err
	}
	target, err := c.Pick(nodes, pinned)
	if err != nil {
		return nil, err
	}

	reservationID, err := c.reserve(session, target)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	content, callErr := c.call(ctx, session, target, kind, prompt)
	latency := time.Since(start)

	// Reconciliation is best-effort: it never masks the call outcome.
	if callErr != nil {
		if reservationID != "" {
			c.cancel(session, reservationID)
		}
		c.report(session, target.NodeID, false, latency)
		return nil, callErr
	}
	c.settle(session, target, reservationID)
	c.report(session, target.NodeID, true, latency)

	return &Result{Node: *target, Content: content, Latency: latency}, nil
}

// reserve preauthorizes the provider's price. It returns an empty id when
// preauth is disabled or not possible; it fails only when preauth is
// required and cannot be satisfied.
func (c *Client) reserve(session *Conn, target *Node) (string, error) {
	if !c.cfg.PreauthEnabled {
		return "", nil
	}
	if c.cfg.RegistryToken == "" || c.cfg.ClientID == "" {
		if c.cfg.PreauthRequired {
			return "", fmt.Errorf("preauth required but registryToken or clientId is missing")
		}
		return "", nil
	}
	reply, err := session.Request(wire.New("reserve", map[string]any{
		"nodeId":        target.NodeID,
		"payerNode":     c.cfg.ClientID,
		"points":        target.PricePoints,
		"registryToken": c.cfg.RegistryToken,
	}))
	if err == nil {
		err = replyError(reply)
	}
	if err != nil {
		if c.cfg.PreauthRequired {
			return "", fmt.Errorf("preauth failed: %w", err)
		}
		c.log.Warn("preauth failed; continuing unreserved", zap.Error(err))
		return "", nil
	}
	return reply.Str("reservationId"), nil
}

// call tries the relay first when one is configured, then the direct
// endpoint unless relayOnly forbids it.
func (c *Client) call(ctx context.Context, session *Conn, target *Node, kind, prompt string) (string, error) {
	var relayErr error
	if c.cfg.RelayURL != "" {
		content, err := c.callRelay(ctx, target.NodeID, kind, prompt)
		if err == nil {
			return content, nil
		}
		relayErr = err
		if c.cfg.RelayOnly {
			return "", relayErr
		}
		c.log.Warn("relay call failed; trying direct endpoint",
			zap.String("nodeId", target.NodeID),
			zap.Error(err))
	} else if c.cfg.RelayOnly {
		return "", fmt.Errorf("relayOnly set but no relay url configured")
	}
	return c.callDirect(ctx, session, target, kind, prompt)
}

func (c *Client) callRelay(ctx context.Context, nodeID, kind, prompt string) (string, error) {
	conn, err := Dial(ctx, c.cfg.RelayURL, c.cfg.Timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := wire.New("relay_request", map[string]any{
		"nodeId":       nodeID,
		"kind":         kind,
		"prompt":       prompt,
		"serviceToken": c.cfg.ServiceToken,
		"clientId":     c.cfg.ClientID,
		"relayToken":   c.cfg.RelayToken,
	})
	reply, err := conn.Request(req)
	if err != nil {
		return "", err
	}
	for reply.ID != req.ID {
		if reply, err = conn.Read(); err != nil {
			return "", err
		}
	}
	if err := replyError(reply); err != nil {
		return "", err
	}
	if reply.Type != "relay_response" {
		return "", fmt.Errorf("unexpected reply: %s", reply.Type)
	}
	if !reply.Bool("ok", false) {
		msg := reply.Str("message")
		if msg == "" {
			msg = "task failed"
		}
		return "", fmt.Errorf("%s", msg)
	}
	return reply.Str("content"), nil
}

func (c *Client) callDirect(ctx context.Context, session *Conn, target *Node, kind, prompt string) (string, error) {
	endpoint := target.EndpointURL
	if endpoint == "" {
		// The list snapshot may predate the node publishing an endpoint.
		reply, err := session.Request(wire.New("resolve", map[string]any{
			"nodeId":        target.NodeID,
			"registryToken": c.cfg.RegistryToken,
		}))
		if err != nil {
			return "", err
		}
		if err := replyError(reply); err != nil {
			return "", err
		}
		endpoint = reply.Str("endpointUrl")
	}
	if endpoint == "" {
		return "", fmt.Errorf("node has no direct endpoint: %s", target.NodeID)
	}

	conn, err := Dial(ctx, endpoint, c.cfg.Timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := wire.New("task_run", map[string]any{
		"kind":         kind,
		"prompt":       prompt,
		"serviceToken": c.cfg.ServiceToken,
		"clientId":     c.cfg.ClientID,
	})
	reply, err := conn.Request(req)
	if err != nil {
		return "", err
	}
	for reply.ID != req.ID {
		if reply, err = conn.Read(); err != nil {
			return "", err
		}
	}
	switch reply.Type {
	case "task_result":
		return reply.Str("content"), nil
	case "task_error", "error":
		msg := reply.Str("message")
		if msg == "" {
			msg = "task failed"
		}
		return "", fmt.Errorf("%s", msg)
	default:
		return "", fmt.Errorf("unexpected reply: %s", reply.Type)
	}
}

// settle commits the reservation, or falls back to the legacy award path
// when the call ran unreserved.
func (c *Client) settle(session *Conn, target *Node, reservationID string) {
	if reservationID != "" {
		reply, err := session.Request(wire.New("commit", map[string]any{
			"reservationId": reservationID,
			"registryToken": c.cfg.RegistryToken,
		}))
		if err == nil {
			err = replyError(reply)
		}
		if err != nil {
			c.log.Warn("commit failed", zap.String("reservationId", reservationID), zap.Error(err))
		}
		return
	}
	if c.cfg.ClientID == "" {
		return
	}
	reply, err := session.Request(wire.New("award", map[string]any{
		"nodeId":        target.NodeID,
		"payerNode":     c.cfg.ClientID,
		"points":        target.PricePoints,
		"registryToken": c.cfg.RegistryToken,
	}))
	if err == nil {
		err = replyError(reply)
	}
	if err != nil {
		c.log.Warn("award failed", zap.String("nodeId", target.NodeID), zap.Error(err))
	}
}

func (c *Client) cancel(session *Conn, reservationID string) {
	reply, err := session.Request(wire.New("cancel", map[string]any{
		"reservationId": reservationID,
		"registryToken": c.cfg.RegistryToken,
	}))
	if err == nil {
		err = replyError(reply)
	}
	if err != nil {
		c.log.Warn("cancel failed", zap.String("reservationId", reservationID), zap.Error(err))
	}
}

func (c *Client) report(session *Conn, nodeID string, ok bool, latency time.Duration) {
	reply, err := session.Request(wire.New("report", map[string]any{
		"nodeId":        nodeID,
		"ok":            ok,
		"latencyMs":     latency.Milliseconds(),
		"registryToken": c.cfg.RegistryToken,
	}))
	if err == nil {
		err = replyError(reply)
	}
	if err != nil {
		c.log.Warn("report failed", zap.String("nodeId", nodeID), zap.Error(err))
	}
}
