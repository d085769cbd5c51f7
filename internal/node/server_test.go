package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/node"
	"github.com/agentfabric/fabric/internal/task"
	"github.com/agentfabric/fabric/pkg/wire"
)

func startNode(t *testing.T, cfg node.ServerConfig) *node.Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	exec := task.NewLocalExecutor(task.DefaultConfig(), nil, nil, zap.NewNop())
	srv := node.NewServer(cfg, exec, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func roundTrip(t *testing.T, conn *websocket.Conn, env *wire.Envelope) *wire.Envelope {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	reply, err := wire.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return reply
}

func dialNode(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTaskRun_echo(t *testing.T) {
	srv := startNode(t, node.DefaultServerConfig())
	conn := dialNode(t, srv.URL())

	req := wire.New("task_run", map[string]any{"kind": "echo", "prompt": "hi"})
	reply := roundTrip(t, conn, req)
	if reply.Type != "task_result" {
		t.Fatalf("got %s %q", reply.Type, reply.Str("message"))
	}
	if reply.ID != req.ID {
		t.Errorf("id: got %s, want %s", reply.ID, req.ID)
	}
	if reply.Str("content") != "hi" {
		t.Errorf("content: got %q", reply.Str("content"))
	}
}

func TestTaskRun_validation(t *testing.T) {
	srv := startNode(t, node.DefaultServerConfig())
	conn := dialNode(t, srv.URL())

	reply := roundTrip(t, conn, wire.New("task_run", map[string]any{"kind": "shell", "prompt": "x"}))
	if reply.Type != "error" || reply.Str("message") != "unsupported kind: shell" {
		t.Errorf("kind: got %s %q", reply.Type, reply.Str("message"))
	}

	reply = roundTrip(t, conn, wire.New("task_run", map[string]any{"kind": "echo"}))
	if reply.Type != "error" || reply.Str("message") != "missing prompt" {
		t.Errorf("prompt: got %s %q", reply.Type, reply.Str("message"))
	}

	reply = roundTrip(t, conn, wire.New("reserve", nil))
	if reply.Type != "error" || reply.Str("message") != "expected task_run" {
		t.Errorf("type: got %s %q", reply.Type, reply.Str("message"))
	}
}

func TestTaskRun_executorFailureBecomesTaskError(t *testing.T) {
	srv := startNode(t, node.DefaultServerConfig())
	conn := dialNode(t, srv.URL())

	// No provider is configured, so llm.chat fails inside the executor.
	req := wire.New("task_run", map[string]any{"kind": "llm.chat", "prompt": "hi"})
	reply := roundTrip(t, conn, req)
	if reply.Type != "task_error" {
		t.Fatalf("got %s", reply.Type)
	}
	if reply.Str("message") == "" {
		t.Error("task_error missing message")
	}
}

func TestTaskRun_serviceToken(t *testing.T) {
	cfg := node.DefaultServerConfig()
	cfg.ServiceToken = "svc"
	srv := startNode(t, cfg)
	conn := dialNode(t, srv.URL())

	reply := roundTrip(t, conn, wire.New("task_run", map[string]any{"kind": "echo", "prompt": "x"}))
	if reply.Type != "error" || reply.Str("message") != "invalid service token" {
		t.Errorf("got %s %q", reply.Type, reply.Str("message"))
	}

	reply = roundTrip(t, conn, wire.New("task_run", map[string]any{
		"kind": "echo", "prompt": "x", "serviceToken": "svc",
	}))
	if reply.Type != "task_result" {
		t.Errorf("with token: got %s", reply.Type)
	}
}

func TestPerClientRateLimit(t *testing.T) {
	cfg := node.DefaultServerConfig()
	cfg.RateLimitPerMinByNode = 1
	cfg.RateLimitBurstByNode = 1
	srv := startNode(t, cfg)
	conn := dialNode(t, srv.URL())

	frame := func(clientID string) *wire.Envelope {
		return wire.New("task_run", map[string]any{"kind": "echo", "prompt": "x", "clientId": clientID})
	}
	if reply := roundTrip(t, conn, frame("c1")); reply.Type != "task_result" {
		t.Fatalf("first: got %s", reply.Type)
	}
	if reply := roundTrip(t, conn, frame("c1")); reply.Type != "error" || reply.Str("message") != "rate limited" {
		t.Errorf("second: got %s %q", reply.Type, reply.Str("message"))
	}
	// Another clientId has its own bucket.
	if reply := roundTrip(t, conn, frame("c2")); reply.Type != "task_result" {
		t.Errorf("other client: got %s", reply.Type)
	}
}

func TestStopClosesLiveConnections(t *testing.T) {
	cfg := node.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	exec := task.NewLocalExecutor(task.DefaultConfig(), nil, nil, zap.NewNop())
	srv := node.NewServer(cfg, exec, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	conn := dialNode(t, srv.URL())
	roundTrip(t, conn, wire.New("ping", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	// The established session must be gone, not merely idle.
	data, _ := wire.New("ping", nil).Encode()
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection still serving after Stop: got reply %s", raw)
	}
}

func TestBuildCapabilities(t *testing.T) {
	cfg := node.AdvertiseConfig{}
	caps := node.BuildCapabilities(cfg)
	if !caps["llm.chat"] {
		t.Error("default capabilities should include llm.chat")
	}
	if caps["agent"] {
		t.Error("agent must be off by default")
	}

	cfg = node.AdvertiseConfig{
		AllowAgentTasks:  true,
		AgentToolAllow:   []string{"web_search", "shell"},
		KnowledgePublish: true,
	}
	caps = node.BuildCapabilities(cfg)
	if !caps["agent"] || !caps["web_search"] || !caps["knowledge.pack"] {
		t.Errorf("caps: %v", caps)
	}
	if caps["shell"] {
		t.Error("shell must never be advertised")
	}
}

func TestBuildCapabilityCard(t *testing.T) {
	card := node.BuildCapabilityCard(node.AdvertiseConfig{
		NodeName:    "alpha",
		PricePoints: 3,
		MaxTokens:   512,
	})
	if card["summary"] != "alpha" {
		t.Errorf("summary: got %v", card["summary"])
	}
	pricing, _ := card["pricing"].(map[string]any)
	if pricing["perRequest"] != 3 {
		t.Errorf("perRequest: got %v", pricing["perRequest"])
	}
	limits, _ := card["limits"].(map[string]any)
	if limits["maxTokens"] != 512 {
		t.Errorf("maxTokens: got %v", limits["maxTokens"])
	}
	skills, _ := card["skills"].([]string)
	if len(skills) == 0 {
		t.Error("skills should default to capability keys")
	}
}

func TestResolveAdvertiseURL(t *testing.T) {
	ctx := context.Background()
	got := node.ResolveAdvertiseURL(ctx, node.AdvertiseConfig{AdvertiseURL: "ws://x:1/ws"}, "127.0.0.1:9")
	if got != "ws://x:1/ws" {
		t.Errorf("explicit: got %s", got)
	}
	got = node.ResolveAdvertiseURL(ctx, node.AdvertiseConfig{AdvertiseHost: "example.com"}, "127.0.0.1:1234")
	if got != "ws://example.com:1234/ws" {
		t.Errorf("host: got %s", got)
	}
	got = node.ResolveAdvertiseURL(ctx, node.AdvertiseConfig{}, "127.0.0.1:1234")
	if got != "ws://127.0.0.1:1234/ws" {
		t.Errorf("fallback: got %s", got)
	}
}
