package node

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/pkg/wire"
)

// heartbeatInterval is how often a registered node refreshes its entry. It
// must stay well under the registry's offline TTL.
const heartbeatInterval = 30 * time.Second

// Registrar keeps a node registered: it holds a connection to the registry,
// sends register once, then update heartbeats. The registry flips the node
// offline the moment this connection drops, so the loop reconnects with
// capped exponential backoff.
type Registrar struct {
	registryURL   string
	registryToken string
	ad            Advertisement
	log           *zap.Logger

	heartbeat time.Duration
}

// NewRegistrar creates a registration loop for ad.
func NewRegistrar(registryURL, registryToken string, ad Advertisement, log *zap.Logger) *Registrar {
	return &Registrar{
		registryURL:   registryURL,
		registryToken: registryToken,
		ad:            ad,
		log:           log,
		heartbeat:     heartbeatInterval,
	}
}

// Run registers and heartbeats until ctx is cancelled.
func (r *Registrar) Run(ctx context.Context) error {
	if r.registryURL == "" {
		return fmt.Errorf("registry url required")
	}
	backoff := time.Second
	for {
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("registry connection lost",
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

func (r *Registrar) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.registryURL, nil)
	if err != nil {
		return fmt.Errorf("dial registry: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reg := wire.New("register", r.ad.payload(r.registryToken))
	reg.FromNode = r.ad.NodeID
	if err := r.roundTrip(conn, reg, "register_ok"); err != nil {
		return err
	}
	r.log.Info("registered",
		zap.String("registry", r.registryURL),
		zap.String("nodeId", r.ad.NodeID))

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		upd := wire.New("update", r.ad.payload(r.registryToken))
		upd.FromNode = r.ad.NodeID
		if err := r.roundTrip(conn, upd, "update_ok"); err != nil {
			return err
		}
	}
}

func (r *Registrar) roundTrip(conn *websocket.Conn, env *wire.Envelope, wantType string) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%s reply: %w", env.Type, err)
	}
	resp, err := wire.Decode(raw)
	if err != nil {
		return err
	}
	if resp.Type != wantType {
		return fmt.Errorf("%s failed: %s", env.Type, resp.Str("message"))
	}
	return nil
}
