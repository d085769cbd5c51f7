package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/ratelimit"
	"github.com/agentfabric/fabric/pkg/wire"
)

// Config holds the registry server settings. Zero values fall back to the
// defaults set by DefaultConfig.
type Config struct {
	Host string
	Port int

	HelloTimeout time.Duration
	// RegistryToken, when set, is required for register/update and every
	// ledger operation. An empty token disables auth.
	RegistryToken     string
	ListRequiresToken bool

	// StateFile enables snapshot persistence when non-empty.
	StateFile    string
	SaveInterval time.Duration

	TTL        time.Duration
	PreauthTTL time.Duration

	InitialPoints     int
	KnowledgeMaxBytes int
	// AllowMint permits award frames without a payerNode to create points
	// out of thin air. Off by default; a closed economy only moves points.
	AllowMint bool

	RateLimitPerMin int
	RateLimitBurst  int

	// MetricsAddr enables the plain-HTTP health/metrics listener when set,
	// e.g. "127.0.0.1:9090".
	MetricsAddr string
}

// DefaultConfig returns the stock registry configuration.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              18999,
		HelloTimeout:      10 * time.Second,
		SaveInterval:      10 * time.Second,
		TTL:               120 * time.Second,
		PreauthTTL:        300 * time.Second,
		InitialPoints:     10,
		KnowledgeMaxBytes: 50000,
		RateLimitPerMin:   120,
		RateLimitBurst:    120,
	}
}

// Server fronts a State over WebSocket and runs its background sweeps.
type Server struct {
	cfg   Config
	state *State
	log   *zap.Logger

	limiter     *ratelimit.Limiter
	rateLimited atomic.Int64
	startTime   time.Time

	upgrader websocket.Upgrader

	mu       sync.Mutex
	boundMap map[*websocket.Conn]string
	conns    map[*websocket.Conn]struct{}
	closing  bool

	httpSrv    *http.Server
	metricsSrv *http.Server
	metricsLn  net.Listener
	listener   net.Listener

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a registry server around state. The state is not loaded
// until Start.
func NewServer(state *State, cfg Config, log *zap.Logger) *Server {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		state:    state,
		log:      log,
		limiter:  ratelimit.New(cfg.RateLimitPerMin, cfg.RateLimitBurst, 5*time.Minute),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		boundMap: make(map[*websocket.Conn]string),
		conns:    make(map[*websocket.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start loads the snapshot, binds the listener, and launches the background
// sweeps. It returns once the server is accepting connections.
func (s *Server) Start() error {
	if s.cfg.StateFile != "" {
		if err := s.state.Load(s.cfg.StateFile); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.startTime = time.Now()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/ws", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: router}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("registry listener stopped", zap.Error(err))
		}
	}()
	s.log.Info("registry listening", zap.String("url", s.URL()))

	if s.cfg.StateFile != "" {
		s.loop(s.cfg.SaveInterval, func() { s.save() })
	}
	if s.cfg.TTL > 0 {
		s.loop(sweepInterval(s.cfg.TTL), func() {
			if flipped := s.state.ApplyTTL(s.cfg.TTL); flipped > 0 {
				s.log.Info("ttl sweep", zap.Int("offlined", flipped))
			}
		})
	}
	if s.cfg.PreauthTTL > 0 {
		s.loop(sweepInterval(s.cfg.PreauthTTL), func() {
			if expired := s.state.ExpireReservations(s.cfg.PreauthTTL); expired > 0 {
				s.log.Info("reservation sweep", zap.Int("expired", expired))
				s.save()
			}
		})
	}
	if s.cfg.MetricsAddr != "" {
		if err := s.startMetrics(); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears the server down: sweeps are cancelled, a final snapshot is
// written, and the listeners close.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)
	if s.cfg.StateFile != "" {
		s.save()
	}
	var firstErr error
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
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
	return firstErr
}

// Addr returns the bound listener address, useful with Port 0.
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

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}

func (s *Server) loop(interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// save writes the snapshot when persistence is enabled. A failed write is
// logged and never fatal: the in-memory state stays authoritative.
func (s *Server) save() {
	if s.cfg.StateFile == "" {
		return
	}
	if err := s.state.Save(s.cfg.StateFile); err != nil {
		s.log.Error("snapshot save failed", zap.Error(err))
	}
}

func (s *Server) checkToken(provided string) bool {
	return s.cfg.RegistryToken == "" || provided == s.cfg.RegistryToken
}

func (s *Server) allow(remoteIP string) bool {
	if s.limiter.Allow(remoteIP) {
		return true
	}
	s.rateLimited.Add(1)
	return false
}

func (s *Server) handleUpgrade(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
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

// serveConn runs one connection: a deadline-bounded first frame that must be
// register or list, then a frame loop handling every request type.
func (s *Server) serveConn(conn *websocket.Conn, remoteIP string) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.wg.Done()
	defer conn.Close()
	defer s.releaseConn(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return
		}
		s.send(conn, wire.Error(nil, "hello timeout"))
		return
	}
	env, err := wire.Decode(raw)
	if err != nil {
		s.send(conn, wire.Error(nil, "bad json: "+err.Error()))
		return
	}
	if !s.allow(remoteIP) {
		s.send(conn, wire.Error(env, "rate limited"))
		return
	}
	switch env.Type {
	case "register":
		s.handleRegister(conn, env)
	case "list":
		s.handleList(conn, env)
	default:
		s.send(conn, wire.Error(env, "expected register or list"))
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
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
		s.dispatch(conn, env, remoteIP)
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

// releaseConn flips the bound node offline when its register connection
// goes away, so a crashed node disappears from onlineOnly lists immediately.
func (s *Server) releaseConn(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	nodeID, bound := s.boundMap[conn]
	delete(s.boundMap, conn)
	s.mu.Unlock()
	if !bound {
		return
	}
	s.state.SetOffline(nodeID)
	s.save()
	s.log.Info("node disconnected", zap.String("nodeId", nodeID))
}

func (s *Server) boundNode(conn *websocket.Conn) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundMap[conn]
}

func (s *Server) dispatch(conn *websocket.Conn, env *wire.Envelope, remoteIP string) {
	if !s.allow(remoteIP) {
		s.send(conn, wire.Error(env, "rate limited"))
		return
	}

	switch env.Type {
	case "ping":
		s.send(conn, wire.Reply(env, "pong", nil))
	case "register":
		s.handleRegister(conn, env)
	case "update":
		s.handleUpdate(conn, env)
	case "list":
		s.handleList(conn, env)
	case "resolve":
		s.handleResolve(conn, env)
	case "reserve":
		s.handleReserve(conn, env)
	case "commit":
		s.handleCommit(conn, env)
	case "cancel":
		s.handleCancel(conn, env)
	case "award":
		s.handleAward(conn, env)
	case "report":
		s.handleReport(conn, env)
	case "sync":
		s.handleSync(conn, env)
	case "leaderboard":
		s.handleLeaderboard(conn, env)
	case "knowledge_publish":
		s.handleKnowledgePublish(conn, env)
	case "knowledge_list":
		s.handleKnowledgeList(conn, env)
	case "knowledge_get":
		s.handleKnowledgeGet(conn, env)
	default:
		s.send(conn, wire.Error(env, fmt.Sprintf("unknown type: %s", env.Type)))
	}
}

func (s *Server) handleRegister(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	nodeID := env.Str("nodeId")
	if nodeID == "" {
		nodeID = env.FromNode
	}
	if nodeID == "" {
		s.send(conn, wire.Error(env, "missing nodeId"))
		return
	}

	n := NodeFromPayload(env.Payload)
	n.NodeID = nodeID
	isNew := s.state.Upsert(n, s.cfg.InitialPoints)

	s.mu.Lock()
	s.boundMap[conn] = nodeID
	s.mu.Unlock()

	s.save()
	s.log.Info("node registered",
		zap.String("nodeId", nodeID),
		zap.Bool("new", isNew))
	s.send(conn, wire.Reply(env, "register_ok", map[string]any{"nodeId": nodeID}))
}

func (s *Server) handleUpdate(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	nodeID := env.Str("nodeId")
	if nodeID == "" {
		nodeID = env.FromNode
	}
	if nodeID == "" {
		s.send(conn, wire.Error(env, "missing nodeId"))
		return
	}
	if s.boundNode(conn) != nodeID {
		s.send(conn, wire.Error(env, "unauthorized update"))
		return
	}

	n := NodeFromPayload(env.Payload)
	n.NodeID = nodeID
	s.state.Upsert(n, 0)
	s.save()
	s.send(conn, wire.Reply(env, "update_ok", map[string]any{"nodeId": nodeID}))
}

func (s *Server) handleList(conn *websocket.Conn, env *wire.Envelope) {
	if s.cfg.ListRequiresToken && !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	required := env.StrSlice("requireCapabilities")
	onlineOnly := env.Bool("onlineOnly", true)
	// Clamped the same way State.List clamps, so the reply echoes the
	// paging that was actually served.
	page := env.Int("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := env.Int("pageSize", 50)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 200 {
		pageSize = 200
	}

	// Stale entries must not show as online even between sweep ticks.
	if s.cfg.TTL > 0 {
		s.state.ApplyTTL(s.cfg.TTL)
	}
	nodes, total := s.state.List(required, onlineOnly, page, pageSize)

	items := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, nodeWire(n))
	}
	s.send(conn, wire.Reply(env, "list_result", map[string]any{
		"page":     page,
		"pageSize": pageSize,
		"total":    total,
		"nodes":    items,
	}))
}

func (s *Server) handleResolve(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	nodeID := env.Str("nodeId")
	if nodeID == "" {
		s.send(conn, wire.Error(env, "missing nodeId"))
		return
	}
	n, err := s.state.Resolve(nodeID)
	if err != nil {
		s.send(conn, wire.Error(env, err.Error()))
		return
	}
	s.send(conn, wire.Reply(env, "resolve_ok", map[string]any{
		"nodeId":      n.NodeID,
		"endpointUrl": n.EndpointURL,
		"online":      n.Online,
		"lastSeenTs":  n.LastSeenTs,
	}))
}

func (s *Server) handleReserve(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	nodeID := env.Str("nodeId")
	payerNode := env.Str("payerNode")
	points := env.Int("points", 0)
	if nodeID == "" || payerNode == "" || points <= 0 {
		s.send(conn, wire.Error(env, "missing nodeId/payerNode/points"))
		return
	}
	rid, err := s.state.Reserve(payerNode, nodeID, points)
	if err != nil {
		s.send(conn, wire.Error(env, "insufficient balance or node missing"))
		return
	}
	s.save()
	s.send(conn, wire.Reply(env, "reserve_ok", map[string]any{"reservationId": rid}))
}

func (s *Server) handleCommit(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	rid := env.Str("reservationId")
	if rid == "" {
		s.send(conn, wire.Error(env, "missing reservationId"))
		return
	}
	if err := s.state.Commit(rid); err != nil {
		s.send(conn, wire.Error(env, err.Error()))
		return
	}
	s.save()
	s.send(conn, wire.Reply(env, "commit_ok", nil))
}

func (s *Server) handleCancel(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	rid := env.Str("reservationId")
	if rid == "" {
		s.send(conn, wire.Error(env, "missing reservationId"))
		return
	}
	if err := s.state.Cancel(rid); err != nil {
		s.send(conn, wire.Error(env, err.Error()))
		return
	}
	s.save()
	s.send(conn, wire.Reply(env, "cancel_ok", nil))
}

func (s *Server) handleAward(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	nodeID := env.Str("nodeId")
	points := env.Int("points", 0)
	if nodeID == "" || points <= 0 {
		s.send(conn, wire.Error(env, "missing nodeId/points"))
		return
	}
	err := s.state.Award(nodeID, points, env.Str("payerNode"), s.cfg.AllowMint)
	switch {
	case errors.Is(err, ErrMintDisabled):
		s.send(conn, wire.Error(env, err.Error()))
		return
	case err != nil:
		s.send(conn, wire.Error(env, "insufficient balance or node missing"))
		return
	}
	s.save()
	s.send(conn, wire.Reply(env, "award_ok", nil))
}

func (s *Server) handleReport(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	nodeID := env.Str("nodeId")
	if nodeID == "" {
		s.send(conn, wire.Error(env, "missing nodeId"))
		return
	}
	if err := s.state.Report(nodeID, env.Bool("ok", false), env.Int("latencyMs", 0)); err != nil {
		s.send(conn, wire.Error(env, err.Error()))
		return
	}
	s.save()
	s.send(conn, wire.Reply(env, "report_ok", nil))
}

func (s *Server) handleSync(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	raw, _ := env.Payload["nodes"].([]any)
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		n := NodeFromPayload(obj)
		if n.NodeID == "" {
			continue
		}
		s.state.SyncUpsert(n)
	}
	s.save()
	s.send(conn, wire.Reply(env, "sync_ok", nil))
}

func (s *Server) handleLeaderboard(conn *websocket.Conn, env *wire.Envelope) {
	sortBy := env.Str("sortBy")
	if sortBy == "" {
		sortBy = "earnedPoints"
	}
	limit := env.Int("limit", 20)
	nodes := s.state.Leaderboard(sortBy, limit)
	items := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, map[string]any{
			"nodeId":         n.NodeID,
			"nodeName":       n.NodeName,
			"balance":        n.Balance,
			"earnedPoints":   n.EarnedPoints,
			"spentPoints":    n.SpentPoints,
			"completedTasks": n.CompletedTasks,
			"online":         n.Online,
			"lastSeenTs":     n.LastSeenTs,
		})
	}
	s.send(conn, wire.Reply(env, "leaderboard_result", map[string]any{
		"sortBy": sortBy,
		"limit":  limit,
		"nodes":  items,
	}))
}

func (s *Server) handleKnowledgePublish(conn *websocket.Conn, env *wire.Envelope) {
	if !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	name := strings.TrimSpace(env.Str("name"))
	kind := strings.TrimSpace(env.Str("kind"))
	content := env.Str("content")
	if name == "" || kind == "" || content == "" {
		s.send(conn, wire.Error(env, "missing name/kind/content"))
		return
	}
	owner := strings.TrimSpace(env.Str("ownerNode"))
	if owner == "" {
		owner = strings.TrimSpace(env.Str("nodeId"))
	}
	if owner == "" {
		owner = strings.TrimSpace(env.FromNode)
	}
	if owner == "" {
		s.send(conn, wire.Error(env, "missing ownerNode"))
		return
	}
	sizeBytes := len(content)
	if s.cfg.KnowledgeMaxBytes > 0 && sizeBytes > s.cfg.KnowledgeMaxBytes {
		s.send(conn, wire.Error(env, fmt.Sprintf("content too large (>%d bytes)", s.cfg.KnowledgeMaxBytes)))
		return
	}

	packID := strings.TrimSpace(env.Str("id"))
	if packID == "" {
		packID = uuid.NewString()
	}
	existing, err := s.state.GetKnowledge(packID)
	if err == nil {
		if existing.OwnerNode != owner {
			s.send(conn, wire.Error(env, ErrOwnerMismatch.Error()))
			return
		}
		if !env.Bool("allowUpdate", false) {
			s.send(conn, wire.Error(env, ErrPackExists.Error()))
			return
		}
	}

	tags := make([]string, 0, 20)
	for _, t := range env.StrSlice("tags") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > 32 {
			t = t[:32]
		}
		tags = append(tags, t)
		if len(tags) == 20 {
			break
		}
	}

	version := strings.TrimSpace(env.Str("version"))
	if version == "" {
		version = "1.0"
	}
	sum := sha256.Sum256([]byte(content))
	now := nowTs()
	createdTs := now
	if existing != nil {
		createdTs = existing.CreatedTs
	}

	pack := &KnowledgePack{
		PackID:      packID,
		Name:        truncate(name, 120),
		Kind:        truncate(kind, 60),
		Summary:     truncate(strings.TrimSpace(env.Str("summary")), 500),
		Content:     content,
		Tags:        tags,
		Version:     truncate(version, 50),
		OwnerNode:   owner,
		CreatedTs:   createdTs,
		UpdatedTs:   now,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   sizeBytes,
	}
	s.state.UpsertKnowledge(pack)
	s.save()
	s.send(conn, wire.Reply(env, "knowledge_publish_ok", map[string]any{
		"id":          packID,
		"sizeBytes":   sizeBytes,
		"contentHash": pack.ContentHash,
		"updatedTs":   now,
	}))
}

func (s *Server) handleKnowledgeList(conn *websocket.Conn, env *wire.Envelope) {
	if s.cfg.RegistryToken != "" && !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	packs := s.state.ListKnowledge(env.Str("kind"), env.Str("tag"), env.Str("ownerNode"), env.Int("limit", 50))
	items := make([]map[string]any, 0, len(packs))
	for _, p := range packs {
		items = append(items, p.Meta())
	}
	s.send(conn, wire.Reply(env, "knowledge_list_result", map[string]any{"packs": items}))
}

func (s *Server) handleKnowledgeGet(conn *websocket.Conn, env *wire.Envelope) {
	if s.cfg.RegistryToken != "" && !s.checkToken(env.Str("registryToken")) {
		s.send(conn, wire.Error(env, "invalid registry token"))
		return
	}
	packID := env.Str("id")
	if packID == "" {
		s.send(conn, wire.Error(env, "missing id"))
		return
	}
	pack, err := s.state.GetKnowledge(packID)
	if err != nil {
		s.send(conn, wire.Error(env, err.Error()))
		return
	}
	payload := pack.Meta()
	payload["content"] = pack.Content
	s.send(conn, wire.Reply(env, "knowledge_get_result", payload))
}

// nodeWire is the list_result representation of one node.
func nodeWire(n *Node) map[string]any {
	return map[string]any{
		"nodeId":         n.NodeID,
		"nodeName":       n.NodeName,
		"capabilities":   n.Capabilities,
		"capabilityCard": n.CapabilityCard,
		"pricePoints":    n.PricePoints,
		"online":         n.Online,
		"completedTasks": n.CompletedTasks,
		"earnedPoints":   n.EarnedPoints,
		"balance":        n.Balance,
		"spentPoints":    n.SpentPoints,
		"heldPoints":     n.HeldPoints,
		"successCount":   n.SuccessCount,
		"failCount":      n.FailCount,
		"avgLatencyMs":   n.AvgLatencyMs(),
		"lastSeenTs":     n.LastSeenTs,
	}
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
