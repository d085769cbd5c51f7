package node

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/delegate"
	"github.com/agentfabric/fabric/internal/relay"
	"github.com/agentfabric/fabric/internal/task"
	"github.com/agentfabric/fabric/pkg/wire"
)

// ServiceConfig assembles a full provider node: the direct service, the
// registry registration loop, an optional relay uplink, and an optional
// knowledge publisher.
type ServiceConfig struct {
	Advertise AdvertiseConfig
	Server    ServerConfig

	RegistryURL   string
	RegistryToken string

	RelayURL   string
	RelayToken string
	// RelayOnly skips the direct listener entirely; the node is reachable
	// only through the relay and advertises an empty endpoint.
	RelayOnly bool

	// SelfCheck pings the advertised endpoint once at startup to catch NAT
	// and firewall problems early.
	SelfCheck bool

	KnowledgeDir      string
	KnowledgeInterval time.Duration
}

// Service runs one provider node.
type Service struct {
	cfg  ServiceConfig
	exec task.Executor
	log  *zap.Logger

	server *Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a node service. exec handles every accepted task on
// both the direct and relay paths.
func NewService(cfg ServiceConfig, exec task.Executor, log *zap.Logger) *Service {
	return &Service{cfg: cfg, exec: exec, log: log}
}

// Start brings the node up. It returns once the direct listener (if any) is
// accepting; the registration and uplink loops run until Stop.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Advertise.NodeID == "" {
		return fmt.Errorf("node id required")
	}
	relayOnly := s.cfg.RelayOnly
	if relayOnly && s.cfg.RelayURL == "" {
		s.log.Warn("relayOnly set without a relay url; falling back to direct mode")
		relayOnly = false
	}

	ctx, s.cancel = context.WithCancel(ctx)

	endpointURL := ""
	if !relayOnly {
		s.server = NewServer(s.cfg.Server, s.exec, s.log)
		if err := s.server.Start(); err != nil {
			return err
		}
		endpointURL = ResolveAdvertiseURL(ctx, s.cfg.Advertise, s.server.Addr())
		if strings.HasPrefix(endpointURL, "ws://127.0.0.1") {
			s.log.Warn("advertised endpoint is localhost; other machines cannot reach this node",
				zap.String("endpointUrl", endpointURL))
		}
		if s.cfg.SelfCheck && !s.selfCheck(ctx, endpointURL) {
			s.log.Warn("self-check failed; NAT or firewall may block the endpoint",
				zap.String("endpointUrl", endpointURL))
		}
	}

	ad := Advertisement{
		NodeID:         s.cfg.Advertise.NodeID,
		NodeName:       s.cfg.Advertise.NodeName,
		EndpointURL:    endpointURL,
		Capabilities:   BuildCapabilities(s.cfg.Advertise),
		CapabilityCard: BuildCapabilityCard(s.cfg.Advertise),
		PricePoints:    orDefault(s.cfg.Advertise.PricePoints, 1),
	}

	if s.cfg.RegistryURL != "" {
		registrar := NewRegistrar(s.cfg.RegistryURL, s.cfg.RegistryToken, ad, s.log)
		s.spawn(func() { _ = registrar.Run(ctx) })
	}

	if s.cfg.RelayURL != "" {
		uplinkCfg := relay.DefaultNodeClientConfig()
		uplinkCfg.RelayURL = s.cfg.RelayURL
		uplinkCfg.NodeID = ad.NodeID
		uplinkCfg.RelayToken = s.cfg.RelayToken
		uplinkCfg.ServiceToken = s.cfg.Server.ServiceToken
		uplinkCfg.RateLimitPerMin = s.cfg.Server.RateLimitPerMin
		uplinkCfg.RateLimitBurst = s.cfg.Server.RateLimitBurst
		uplinkCfg.RateLimitPerMinByNode = s.cfg.Server.RateLimitPerMinByNode
		uplinkCfg.RateLimitBurstByNode = s.cfg.Server.RateLimitBurstByNode
		uplink := relay.NewNodeClient(uplinkCfg, s.exec, s.log)
		s.spawn(func() { _ = uplink.Run(ctx) })
	}

	if s.cfg.KnowledgeDir != "" && s.cfg.RegistryURL != "" {
		publisher := NewPublisher(
			s.cfg.RegistryURL, s.cfg.RegistryToken,
			ad.NodeID, s.cfg.KnowledgeDir, s.cfg.KnowledgeInterval, s.log)
		s.spawn(func() { _ = publisher.Run(ctx) })
	}
	return nil
}

// Stop cancels the loops and closes the direct listener.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.server != nil {
		return s.server.Stop(ctx)
	}
	return nil
}

// EndpointAddr returns the direct listener address, empty in relay-only
// mode.
func (s *Service) EndpointAddr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr()
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) selfCheck(ctx context.Context, endpointURL string) bool {
	conn, err := delegate.Dial(ctx, endpointURL, 3*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()
	reply, err := conn.Request(wire.New("ping", nil))
	return err == nil && reply.Type == "pong"
}
