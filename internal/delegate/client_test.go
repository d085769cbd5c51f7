package delegate_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/delegate"
	"github.com/agentfabric/fabric/internal/node"
	"github.com/agentfabric/fabric/internal/registry"
	"github.com/agentfabric/fabric/internal/relay"
	"github.com/agentfabric/fabric/internal/task"
)

func startRegistry(t *testing.T, cfg registry.Config) (*registry.Server, *registry.State) {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	state := registry.NewState()
	srv := registry.NewServer(state, cfg, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, state
}

func startEchoNode(t *testing.T) *node.Server {
	t.Helper()
	cfg := node.DefaultServerConfig()
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

// seed inserts a node directly into registry state. initialPoints applies
// only on first insert.
func seed(state *registry.State, id, endpoint string, price, initialPoints int, caps ...string) {
	n := &registry.Node{
		NodeID:       id,
		NodeName:     id,
		EndpointURL:  endpoint,
		Capabilities: map[string]bool{},
		PricePoints:  price,
	}
	for _, c := range caps {
		n.Capabilities[c] = true
	}
	state.Upsert(n, initialPoints)
}

func TestScore(t *testing.T) {
	// A fresh node starts at the smoothed midpoint.
	fresh := delegate.Node{PricePoints: 1}
	if got := delegate.Score(fresh); got != 48 {
		t.Errorf("fresh: got %v, want 48", got)
	}

	// 9 successes, 500ms average, price 2: 90.909… − 5 − 4.
	proven := delegate.Node{SuccessCount: 9, AvgLatencyMs: 500, PricePoints: 2}
	got := delegate.Score(proven)
	want := float64(10)/11*100 - 5 - 4
	if got != want {
		t.Errorf("proven: got %v, want %v", got, want)
	}

	// Failures pull the rate down.
	flaky := delegate.Node{SuccessCount: 1, FailCount: 9, PricePoints: 1}
	if delegate.Score(flaky) >= delegate.Score(fresh) {
		t.Error("flaky node should score below a fresh one")
	}
}

func TestPick_pinned(t *testing.T) {
	c := delegate.New(delegate.Config{}, zap.NewNop())
	nodes := []delegate.Node{{NodeID: "a"}, {NodeID: "b"}}

	got, err := c.Pick(nodes, "b")
	if err != nil || got.NodeID != "b" {
		t.Fatalf("pinned: got %v, %v", got, err)
	}

	if _, err := c.Pick(nodes, "zz"); err == nil || !strings.Contains(err.Error(), "zz") {
		t.Errorf("missing pin: got %v", err)
	}
}

func TestPick_bestScoreWins(t *testing.T) {
	c := delegate.New(delegate.Config{}, zap.NewNop())
	nodes := []delegate.Node{
		{NodeID: "slow", AvgLatencyMs: 5000, PricePoints: 1},
		{NodeID: "fast", PricePoints: 1},
	}
	for i := 0; i < 20; i++ {
		got, err := c.Pick(nodes, "")
		if err != nil {
			t.Fatal(err)
		}
		if got.NodeID != "fast" {
			t.Fatalf("round %d: picked %s", i, got.NodeID)
		}
	}
}

func TestPick_tieBrokenRandomly(t *testing.T) {
	c := delegate.New(delegate.Config{}, zap.NewNop())
	nodes := []delegate.Node{
		{NodeID: "a", PricePoints: 1},
		{NodeID: "b", PricePoints: 1},
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got, err := c.Pick(nodes, "")
		if err != nil {
			t.Fatal(err)
		}
		seen[got.NodeID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("tied nodes never alternated: %v", seen)
	}
}

func TestPick_priceFilter(t *testing.T) {
	c := delegate.New(delegate.Config{MaxPricePoints: 2}, zap.NewNop())
	nodes := []delegate.Node{
		{NodeID: "cheap", PricePoints: 2},
		{NodeID: "pricey", PricePoints: 5},
	}
	got, err := c.Pick(nodes, "")
	if err != nil || got.NodeID != "cheap" {
		t.Fatalf("got %v, %v", got, err)
	}

	c = delegate.New(delegate.Config{MaxPricePoints: 1}, zap.NewNop())
	if _, err := c.Pick(nodes, ""); err == nil || err.Error() != "no eligible nodes found" {
		t.Errorf("all filtered: got %v", err)
	}
}

func TestDelegate_directWithPreauth(t *testing.T) {
	srv, state := startRegistry(t, registry.DefaultConfig())
	nodeSrv := startEchoNode(t)

	seed(state, "c1", "", 1, 10)
	seed(state, "n1", nodeSrv.URL(), 2, 0, "echo")

	c := delegate.New(delegate.Config{
		RegistryURL:    srv.URL(),
		ClientID:       "c1",
		RegistryToken:  "anything",
		PreauthEnabled: true,
	}, zap.NewNop())

	res, err := c.Delegate(context.Background(), "echo", "hello fabric", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello fabric" {
		t.Errorf("content: got %q", res.Content)
	}
	if res.Node.NodeID != "n1" {
		t.Errorf("node: got %s", res.Node.NodeID)
	}

	payer, _ := state.Resolve("c1")
	if payer.Balance != 8 || payer.SpentPoints != 2 || payer.HeldPoints != 0 {
		t.Errorf("payer ledger: balance=%d spent=%d held=%d",
			payer.Balance, payer.SpentPoints, payer.HeldPoints)
	}
	provider, _ := state.Resolve("n1")
	if provider.Balance != 2 || provider.EarnedPoints != 2 || provider.CompletedTasks != 1 {
		t.Errorf("provider ledger: balance=%d earned=%d completed=%d",
			provider.Balance, provider.EarnedPoints, provider.CompletedTasks)
	}
	if provider.SuccessCount != 1 {
		t.Errorf("successCount: got %d", provider.SuccessCount)
	}
}

func TestDelegate_awardFallbackWithoutPreauth(t *testing.T) {
	srv, state := startRegistry(t, registry.DefaultConfig())
	nodeSrv := startEchoNode(t)

	seed(state, "c1", "", 1, 10)
	seed(state, "n1", nodeSrv.URL(), 2, 0, "echo")

	c := delegate.New(delegate.Config{
		RegistryURL: srv.URL(),
		ClientID:    "c1",
	}, zap.NewNop())

	if _, err := c.Delegate(context.Background(), "echo", "hi", "", ""); err != nil {
		t.Fatal(err)
	}
	payer, _ := state.Resolve("c1")
	if payer.Balance != 8 || payer.SpentPoints != 2 {
		t.Errorf("payer ledger: balance=%d spent=%d", payer.Balance, payer.SpentPoints)
	}
	provider, _ := state.Resolve("n1")
	if provider.EarnedPoints != 2 || provider.CompletedTasks != 1 {
		t.Errorf("provider ledger: earned=%d completed=%d",
			provider.EarnedPoints, provider.CompletedTasks)
	}
}

func TestDelegate_failureCancelsReservation(t *testing.T) {
	srv, state := startRegistry(t, registry.DefaultConfig())
	nodeSrv := startEchoNode(t)

	seed(state, "c1", "", 1, 10)
	// The node advertises llm.chat but has no provider wired, so the task
	// fails on the provider side.
	seed(state, "n1", nodeSrv.URL(), 2, 0, "llm.chat")

	c := delegate.New(delegate.Config{
		RegistryURL:    srv.URL(),
		ClientID:       "c1",
		RegistryToken:  "anything",
		PreauthEnabled: true,
	}, zap.NewNop())

	_, err := c.Delegate(context.Background(), "llm.chat", "hi", "", "")
	if err == nil {
		t.Fatal("expected task failure")
	}

	payer, _ := state.Resolve("c1")
	if payer.Balance != 10 || payer.HeldPoints != 0 || payer.SpentPoints != 0 {
		t.Errorf("payer ledger after cancel: balance=%d held=%d spent=%d",
			payer.Balance, payer.HeldPoints, payer.SpentPoints)
	}
	provider, _ := state.Resolve("n1")
	if provider.EarnedPoints != 0 || provider.CompletedTasks != 0 {
		t.Errorf("provider must not be paid: earned=%d completed=%d",
			provider.EarnedPoints, provider.CompletedTasks)
	}
	if provider.FailCount != 1 {
		t.Errorf("failCount: got %d, want 1", provider.FailCount)
	}
}

func TestDelegate_preauthRequiredAborts(t *testing.T) {
	srv, state := startRegistry(t, registry.DefaultConfig())
	nodeSrv := startEchoNode(t)
	seed(state, "n1", nodeSrv.URL(), 1, 0, "echo")

	c := delegate.New(delegate.Config{
		RegistryURL:     srv.URL(),
		PreauthEnabled:  true,
		PreauthRequired: true,
	}, zap.NewNop())

	_, err := c.Delegate(context.Background(), "echo", "hi", "", "")
	if err == nil || !strings.Contains(err.Error(), "preauth") {
		t.Fatalf("got %v", err)
	}
}

func TestDelegate_relayPath(t *testing.T) {
	srv, state := startRegistry(t, registry.DefaultConfig())

	relayCfg := relay.DefaultConfig()
	relayCfg.Host = "127.0.0.1"
	relayCfg.Port = 0
	relaySrv := relay.NewServer(relayCfg, zap.NewNop())
	if err := relaySrv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = relaySrv.Stop(ctx)
	})

	uplinkCfg := relay.DefaultNodeClientConfig()
	uplinkCfg.RelayURL = relaySrv.URL()
	uplinkCfg.NodeID = "n1"
	exec := task.NewLocalExecutor(task.DefaultConfig(), nil, nil, zap.NewNop())
	uplink := relay.NewNodeClient(uplinkCfg, exec, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = uplink.Run(ctx) }()

	// No direct endpoint: the relay is the only route.
	seed(state, "c1", "", 1, 10)
	seed(state, "n1", "", 1, 0, "echo")

	c := delegate.New(delegate.Config{
		RegistryURL: srv.URL(),
		RelayURL:    relaySrv.URL(),
		ClientID:    "c1",
		RelayOnly:   true,
	}, zap.NewNop())

	// The uplink handshake races the first call; retry until it lands.
	deadline := time.Now().Add(3 * time.Second)
	for {
		res, err := c.Delegate(context.Background(), "echo", "via relay", "", "")
		if err == nil {
			if res.Content != "via relay" {
				t.Fatalf("content: got %q", res.Content)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay delegation never succeeded: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestDelegate_relayFailureFallsBackToDirect(t *testing.T) {
	srv, state := startRegistry(t, registry.DefaultConfig())
	nodeSrv := startEchoNode(t)

	// A relay with no node uplink answers every request with node offline.
	relayCfg := relay.DefaultConfig()
	relayCfg.Host = "127.0.0.1"
	relayCfg.Port = 0
	relaySrv := relay.NewServer(relayCfg, zap.NewNop())
	if err := relaySrv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = relaySrv.Stop(ctx)
	})

	seed(state, "c1", "", 1, 10)
	seed(state, "n1", nodeSrv.URL(), 1, 0, "echo")

	c := delegate.New(delegate.Config{
		RegistryURL: srv.URL(),
		RelayURL:    relaySrv.URL(),
		ClientID:    "c1",
	}, zap.NewNop())

	res, err := c.Delegate(context.Background(), "echo", "fallback", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "fallback" {
		t.Errorf("content: got %q", res.Content)
	}
}

func TestDelegate_relayOnlyNeverFallsBack(t *testing.T) {
	srv, state := startRegistry(t, registry.DefaultConfig())
	nodeSrv := startEchoNode(t)

	relayCfg := relay.DefaultConfig()
	relayCfg.Host = "127.0.0.1"
	relayCfg.Port = 0
	relaySrv := relay.NewServer(relayCfg, zap.NewNop())
	if err := relaySrv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = relaySrv.Stop(ctx)
	})

	seed(state, "c1", "", 1, 10)
	seed(state, "n1", nodeSrv.URL(), 1, 0, "echo")

	c := delegate.New(delegate.Config{
		RegistryURL: srv.URL(),
		RelayURL:    relaySrv.URL(),
		ClientID:    "c1",
		RelayOnly:   true,
	}, zap.NewNop())

	_, err := c.Delegate(context.Background(), "echo", "hi", "", "")
	if err == nil || !strings.Contains(err.Error(), "node offline") {
		t.Fatalf("got %v", err)
	}
}

func TestList_returnsOnlineNodesWithCaps(t *testing.T) {
	srv, state := startRegistry(t, registry.DefaultConfig())
	seed(state, "n1", "ws://x/1", 3, 0, "echo", "llm.chat")
	seed(state, "n2", "ws://x/2", 1, 0, "echo")
	state.SetOffline("n2")

	c := delegate.New(delegate.Config{RegistryURL: srv.URL()}, zap.NewNop())
	nodes, err := c.List(context.Background(), []string{"echo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].NodeID != "n1" {
		t.Fatalf("nodes: %+v", nodes)
	}
	if nodes[0].PricePoints != 3 || !nodes[0].Capabilities["llm.chat"] {
		t.Errorf("entry: %+v", nodes[0])
	}
}
