// Package bridge mirrors node directories between registries. Each round it
// pulls the online node list from every registry and pushes the other
// registries' entries to each one via sync. Ledger and telemetry counters
// never cross registries; the receiving side zeroes them for new entries.
package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/delegate"
	"github.com/agentfabric/fabric/pkg/wire"
)

// Registry is one bridged registry endpoint.
type Registry struct {
	URL   string
	Token string
}

// Config holds the bridge settings.
type Config struct {
	Registries []Registry
	Interval   time.Duration
	PageSize   int
}

// DefaultConfig returns the stock bridge configuration.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, PageSize: 200}
}

// Bridge runs the periodic mirror loop.
type Bridge struct {
	cfg Config
	log *zap.Logger
}

// New creates a bridge over the configured registries.
func New(cfg Config, log *zap.Logger) *Bridge {
	if cfg.Interval < time.Second {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PageSize < 1 || cfg.PageSize > 200 {
		cfg.PageSize = 200
	}
	return &Bridge{cfg: cfg, log: log}
}

// Run syncs once immediately, then on every interval tick until ctx is
// cancelled. Per-round failures are logged and retried next round.
func (b *Bridge) Run(ctx context.Context) error {
	if len(b.cfg.Registries) < 2 {
		return fmt.Errorf("bridge needs at least two registries")
	}
	if err := b.SyncOnce(ctx); err != nil {
		b.log.Warn("sync round failed", zap.Error(err))
	}
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.SyncOnce(ctx); err != nil {
				b.log.Warn("sync round failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce performs one full mirror round. A registry that cannot be
// reached is skipped on both the pull and the push side; the others still
// exchange entries. Returns the first error encountered.
func (b *Bridge) SyncOnce(ctx context.Context) error {
	type snapshot struct {
		session *delegate.Conn
		nodes   []map[string]any
		ids     map[string]bool
	}

	snapshots := make([]*snapshot, len(b.cfg.Registries))
	var firstErr error
	for i, reg := range b.cfg.Registries {
		session, nodes, err := b.pull(ctx, reg)
		if err != nil {
			b.log.Warn("pull failed", zap.String("registry", reg.URL), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ids := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			if id, _ := n["nodeId"].(string); id != "" {
				ids[id] = true
			}
		}
		snapshots[i] = &snapshot{session: session, nodes: nodes, ids: ids}
		defer session.Close()
	}

	for i, target := range snapshots {
		if target == nil {
			continue
		}
		// Entries the target already has natively are left alone so a
		// mirror push never clobbers a live registration.
		var merged []map[string]any
		for j, source := range snapshots {
			if j == i || source == nil {
				continue
			}
			for _, n := range source.nodes {
				id, _ := n["nodeId"].(string)
				if id == "" || target.ids[id] {
					continue
				}
				merged = append(merged, n)
			}
		}
		if len(merged) == 0 {
			continue
		}
		if err := b.push(target.session, b.cfg.Registries[i], merged); err != nil {
			b.log.Warn("push failed",
				zap.String("registry", b.cfg.Registries[i].URL),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.log.Info("mirrored nodes",
			zap.String("registry", b.cfg.Registries[i].URL),
			zap.Int("count", len(merged)))
	}
	return firstErr
}

// pull opens a session and fetches the registry's online nodes. The list
// doubles as the session opener; sync frames are only valid afterwards.
func (b *Bridge) pull(ctx context.Context, reg Registry) (*delegate.Conn, []map[string]any, error) {
	session, err := delegate.Dial(ctx, reg.URL, 15*time.Second)
	if err != nil {
		return nil, nil, err
	}
	reply, err := session.Request(wire.New("list", map[string]any{
		"onlineOnly":    true,
		"page":          1,
		"pageSize":      b.cfg.PageSize,
		"registryToken": reg.Token,
	}))
	if err != nil {
		session.Close()
		return nil, nil, err
	}
	if reply.Type == "error" {
		session.Close()
		return nil, nil, fmt.Errorf("list: %s", reply.Str("message"))
	}
	raw, _ := reply.Payload["nodes"].([]any)
	nodes := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]any); ok {
			nodes = append(nodes, obj)
		}
	}
	return session, nodes, nil
}

func (b *Bridge) push(session *delegate.Conn, reg Registry, nodes []map[string]any) error {
	reply, err := session.Request(wire.New("sync", map[string]any{
		"nodes":         nodes,
		"registryToken": reg.Token,
	}))
	if err != nil {
		return err
	}
	if reply.Type == "error" {
		return fmt.Errorf("sync: %s", reply.Str("message"))
	}
	return nil
}
