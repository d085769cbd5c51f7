package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/bridge"
	"github.com/agentfabric/fabric/internal/delegate"
	"github.com/agentfabric/fabric/internal/knowledge"
	"github.com/agentfabric/fabric/internal/node"
	"github.com/agentfabric/fabric/internal/registry"
	"github.com/agentfabric/fabric/internal/relay"
	"github.com/agentfabric/fabric/internal/task"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fabric",
	Short: "Agent fabric: registry, relay, node service, and delegation client",
	Long: `fabric runs the pieces of an agent federation: the directory/ledger
registry, the NAT-traversal relay, the provider node service, and the
registry bridge. It also ships a one-shot delegation client for calling
remote nodes from the command line.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("fabric")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("configs")
			viper.AddConfigPath(".")
		}
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.SetEnvPrefix("FABRIC")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./fabric.yaml or configs/fabric.yaml)")

	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	return logger
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// ── registry ─────────────────────────────────────────────────────────────────

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Run the registry: node directory, points ledger, knowledge board",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		def := registry.DefaultConfig()
		viper.SetDefault("registry.host", def.Host)
		viper.SetDefault("registry.port", def.Port)
		viper.SetDefault("registry.token", "")
		viper.SetDefault("registry.list_requires_token", false)
		viper.SetDefault("registry.state_file", "registry_state.json")
		viper.SetDefault("registry.hello_timeout", def.HelloTimeout)
		viper.SetDefault("registry.save_interval", def.SaveInterval)
		viper.SetDefault("registry.ttl", def.TTL)
		viper.SetDefault("registry.preauth_ttl", def.PreauthTTL)
		viper.SetDefault("registry.initial_points", def.InitialPoints)
		viper.SetDefault("registry.knowledge_max_bytes", def.KnowledgeMaxBytes)
		viper.SetDefault("registry.allow_mint", false)
		viper.SetDefault("registry.rate_limit_per_min", def.RateLimitPerMin)
		viper.SetDefault("registry.rate_limit_burst", def.RateLimitBurst)
		viper.SetDefault("registry.metrics_addr", "")

		cfg := registry.Config{
			Host:              viper.GetString("registry.host"),
			Port:              viper.GetInt("registry.port"),
			RegistryToken:     viper.GetString("registry.token"),
			ListRequiresToken: viper.GetBool("registry.list_requires_token"),
			StateFile:         viper.GetString("registry.state_file"),
			HelloTimeout:      viper.GetDuration("registry.hello_timeout"),
			SaveInterval:      viper.GetDuration("registry.save_interval"),
			TTL:               viper.GetDuration("registry.ttl"),
			PreauthTTL:        viper.GetDuration("registry.preauth_ttl"),
			InitialPoints:     viper.GetInt("registry.initial_points"),
			KnowledgeMaxBytes: viper.GetInt("registry.knowledge_max_bytes"),
			AllowMint:         viper.GetBool("registry.allow_mint"),
			RateLimitPerMin:   viper.GetInt("registry.rate_limit_per_min"),
			RateLimitBurst:    viper.GetInt("registry.rate_limit_burst"),
			MetricsAddr:       viper.GetString("registry.metrics_addr"),
		}

		srv := registry.NewServer(registry.NewState(), cfg, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		waitForSignal()
		logger.Info("shutting down registry...")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	},
}

// ── relay ────────────────────────────────────────────────────────────────────

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay: forwards tasks to nodes behind NAT",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		def := relay.DefaultConfig()
		viper.SetDefault("relay.host", def.Host)
		viper.SetDefault("relay.port", def.Port)
		viper.SetDefault("relay.token", "")
		viper.SetDefault("relay.pending_ttl", def.PendingTTL)

		cfg := relay.Config{
			Host:       viper.GetString("relay.host"),
			Port:       viper.GetInt("relay.port"),
			RelayToken: viper.GetString("relay.token"),
			PendingTTL: viper.GetDuration("relay.pending_ttl"),
		}

		srv := relay.NewServer(cfg, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		waitForSignal()
		logger.Info("shutting down relay...")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	},
}

// ── node ─────────────────────────────────────────────────────────────────────

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a provider node: direct service, registration, relay uplink",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		defServer := node.DefaultServerConfig()
		viper.SetDefault("node.id", "")
		viper.SetDefault("node.name", "")
		viper.SetDefault("node.host", defServer.Host)
		viper.SetDefault("node.port", defServer.Port)
		viper.SetDefault("node.service_token", "")
		viper.SetDefault("node.price_points", 1)
		viper.SetDefault("node.max_tokens", 1024)
		viper.SetDefault("node.allow_agent_tasks", false)
		viper.SetDefault("node.agent_tools", []string{"web_search", "web_fetch"})
		viper.SetDefault("node.agent_max_iterations", 8)
		viper.SetDefault("node.search_api_key", "")
		viper.SetDefault("node.rate_limit_per_min", defServer.RateLimitPerMin)
		viper.SetDefault("node.rate_limit_burst", defServer.RateLimitBurst)
		viper.SetDefault("node.rate_limit_per_min_by_node", defServer.RateLimitPerMinByNode)
		viper.SetDefault("node.rate_limit_burst_by_node", defServer.RateLimitBurstByNode)
		viper.SetDefault("node.registry_url", "")
		viper.SetDefault("node.registry_token", "")
		viper.SetDefault("node.relay_url", "")
		viper.SetDefault("node.relay_token", "")
		viper.SetDefault("node.relay_only", false)
		viper.SetDefault("node.self_check", true)
		viper.SetDefault("node.advertise_url", "")
		viper.SetDefault("node.advertise_host", "")
		viper.SetDefault("node.advertise_port", 0)
		viper.SetDefault("node.detect_public_ip", false)
		viper.SetDefault("node.knowledge_dir", "")
		viper.SetDefault("node.knowledge_interval", time.Minute)
		viper.SetDefault("node.summary", "")
		viper.SetDefault("node.region", "")
		viper.SetDefault("node.languages", []string{})
		viper.SetDefault("node.skills", []string{})

		serverCfg := node.ServerConfig{
			Host:                  viper.GetString("node.host"),
			Port:                  viper.GetInt("node.port"),
			ServiceToken:          viper.GetString("node.service_token"),
			RateLimitPerMin:       viper.GetInt("node.rate_limit_per_min"),
			RateLimitBurst:        viper.GetInt("node.rate_limit_burst"),
			RateLimitPerMinByNode: viper.GetInt("node.rate_limit_per_min_by_node"),
			RateLimitBurstByNode:  viper.GetInt("node.rate_limit_burst_by_node"),
		}
		cfg := node.ServiceConfig{
			Advertise: node.AdvertiseConfig{
				NodeID:           viper.GetString("node.id"),
				NodeName:         viper.GetString("node.name"),
				AllowAgentTasks:  viper.GetBool("node.allow_agent_tasks"),
				AgentToolAllow:   viper.GetStringSlice("node.agent_tools"),
				KnowledgePublish: viper.GetString("node.knowledge_dir") != "",
				PricePoints:      viper.GetInt("node.price_points"),
				MaxTokens:        viper.GetInt("node.max_tokens"),
				RateLimits:       serverCfg,
				AdvertiseURL:     viper.GetString("node.advertise_url"),
				AdvertiseHost:    viper.GetString("node.advertise_host"),
				AdvertisePort:    viper.GetInt("node.advertise_port"),
				DetectPublicIP:   viper.GetBool("node.detect_public_ip"),
				Languages:        viper.GetStringSlice("node.languages"),
				Skills:           viper.GetStringSlice("node.skills"),
				Summary:          viper.GetString("node.summary"),
				Region:           viper.GetString("node.region"),
			},
			Server:            serverCfg,
			RegistryURL:       viper.GetString("node.registry_url"),
			RegistryToken:     viper.GetString("node.registry_token"),
			RelayURL:          viper.GetString("node.relay_url"),
			RelayToken:        viper.GetString("node.relay_token"),
			RelayOnly:         viper.GetBool("node.relay_only"),
			SelfCheck:         viper.GetBool("node.self_check"),
			KnowledgeDir:      viper.GetString("node.knowledge_dir"),
			KnowledgeInterval: viper.GetDuration("node.knowledge_interval"),
		}
		if cfg.Advertise.NodeID == "" {
			return errors.New("node.id is required (set it in config or FABRIC_NODE_ID)")
		}

		taskCfg := task.Config{
			AllowAgentTasks:    viper.GetBool("node.allow_agent_tasks"),
			MaxTokens:          viper.GetInt("node.max_tokens"),
			AgentMaxIterations: viper.GetInt("node.agent_max_iterations"),
		}
		tools := task.AllowedTools(
			viper.GetStringSlice("node.agent_tools"),
			viper.GetString("node.search_api_key"),
		)
		// No chat provider is wired here; llm.chat and agent tasks report a
		// configuration error until one is injected.
		exec := task.NewLocalExecutor(taskCfg, nil, tools, logger)

		svc := node.NewService(cfg, exec, logger)
		ctx := context.Background()
		if err := svc.Start(ctx); err != nil {
			return err
		}
		waitForSignal()
		logger.Info("shutting down node...")

		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return svc.Stop(stopCtx)
	},
}

// ── bridge ───────────────────────────────────────────────────────────────────

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Mirror node directories between two or more registries",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		def := bridge.DefaultConfig()
		viper.SetDefault("bridge.registries", []string{})
		viper.SetDefault("bridge.registry_token", "")
		viper.SetDefault("bridge.interval", def.Interval)
		viper.SetDefault("bridge.page_size", def.PageSize)

		urls := viper.GetStringSlice("bridge.registries")
		token := viper.GetString("bridge.registry_token")
		cfg := bridge.Config{
			Interval: viper.GetDuration("bridge.interval"),
			PageSize: viper.GetInt("bridge.page_size"),
		}
		for _, u := range urls {
			cfg.Registries = append(cfg.Registries, bridge.Registry{URL: u, Token: token})
		}

		b := bridge.New(cfg, logger)
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- b.Run(ctx) }()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			logger.Info("shutting down bridge...")
			cancel()
			<-errCh
			return nil
		case err := <-errCh:
			cancel()
			return err
		}
	},
}

// ── call ─────────────────────────────────────────────────────────────────────

var (
	callRegistryURL string
	callRegistryTok string
	callRelayURL    string
	callRelayTok    string
	callServiceTok  string
	callClientID    string
	callKind        string
	callTarget      string
	callCapability  string
	callMaxPrice    int
	callPreauth     bool
	callMustPreauth bool
	callRelayOnly   bool
	callTimeout     time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <prompt>",
	Short: "Delegate one task to a fabric node and print the result",
	Long: `call discovers nodes on the registry, picks the best candidate by
score (success rate, latency, price), optionally preauthorizes the price,
executes the task through the relay or directly, and settles the points.

  fabric call --registry ws://localhost:18999/ws --client-id mynode "hello"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		if callRegistryURL == "" {
			callRegistryURL = viper.GetString("node.registry_url")
		}
		if callRegistryURL == "" {
			return errors.New("--registry is required")
		}

		c := delegate.New(delegate.Config{
			RegistryURL:     callRegistryURL,
			RegistryToken:   callRegistryTok,
			ClientID:        callClientID,
			RelayURL:        callRelayURL,
			RelayToken:      callRelayTok,
			ServiceToken:    callServiceTok,
			RelayOnly:       callRelayOnly,
			PreauthEnabled:  callPreauth,
			PreauthRequired: callMustPreauth,
			MaxPricePoints:  callMaxPrice,
			Timeout:         callTimeout,
		}, logger)

		res, err := c.Delegate(context.Background(), callKind, args[0], callCapability, callTarget)
		if err != nil {
			return err
		}
		fmt.Printf("[fabric:%s] %s\n", res.Node.NodeID, res.Content)
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callRegistryURL, "registry", "", "Registry WebSocket URL (e.g. ws://localhost:18999/ws)")
	callCmd.Flags().StringVar(&callRegistryTok, "registry-token", "", "Registry auth token")
	callCmd.Flags().StringVar(&callRelayURL, "relay", "", "Relay WebSocket URL; tried before the direct endpoint")
	callCmd.Flags().StringVar(&callRelayTok, "relay-token", "", "Relay auth token")
	callCmd.Flags().StringVar(&callServiceTok, "service-token", "", "Service token forwarded to the provider node")
	callCmd.Flags().StringVar(&callClientID, "client-id", "", "This caller's node id; the payer for the task")
	callCmd.Flags().StringVar(&callKind, "kind", "echo", "Task kind: echo, llm.chat, or agent")
	callCmd.Flags().StringVar(&callTarget, "node", "", "Pin a specific target node id instead of scoring")
	callCmd.Flags().StringVar(&callCapability, "capability", "", "Required capability (defaults to the task kind)")
	callCmd.Flags().IntVar(&callMaxPrice, "max-price", 0, "Skip nodes charging more than this many points; 0 = no cap")
	callCmd.Flags().BoolVar(&callPreauth, "preauth", true, "Reserve the price before calling")
	callCmd.Flags().BoolVar(&callMustPreauth, "require-preauth", false, "Abort when the reservation cannot be made")
	callCmd.Flags().BoolVar(&callRelayOnly, "relay-only", false, "Never fall back to the direct endpoint")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "Per-request timeout (default 15s)")
}

// ── knowledge ────────────────────────────────────────────────────────────────

var (
	fetchRegistryURL string
	fetchRegistryTok string
	fetchDir         string
	fetchKind        string
	fetchTag         string
	fetchOwner       string
	fetchLimit       int
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Work with registry knowledge packs",
}

var knowledgeFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download matching knowledge packs into the local inbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		if fetchRegistryURL == "" {
			return errors.New("--registry is required")
		}
		store, err := knowledge.Open(fetchDir)
		if err != nil {
			return err
		}
		saved, err := knowledge.Fetch(context.Background(), store, fetchRegistryURL, fetchRegistryTok,
			knowledge.Query{Kind: fetchKind, Tag: fetchTag, OwnerNode: fetchOwner, Limit: fetchLimit}, logger)
		if err != nil {
			return err
		}
		fmt.Printf("fetched %d pack(s) into %s (%d total)\n", saved, fetchDir, len(store.Manifest()))
		return nil
	},
}

func init() {
	knowledgeFetchCmd.Flags().StringVar(&fetchRegistryURL, "registry", "", "Registry WebSocket URL")
	knowledgeFetchCmd.Flags().StringVar(&fetchRegistryTok, "registry-token", "", "Registry auth token")
	knowledgeFetchCmd.Flags().StringVar(&fetchDir, "dir", "knowledge_inbox", "Local inbox directory")
	knowledgeFetchCmd.Flags().StringVar(&fetchKind, "kind", "", "Filter by pack kind")
	knowledgeFetchCmd.Flags().StringVar(&fetchTag, "tag", "", "Filter by tag")
	knowledgeFetchCmd.Flags().StringVar(&fetchOwner, "owner", "", "Filter by owner node id")
	knowledgeFetchCmd.Flags().IntVar(&fetchLimit, "limit", 50, "Maximum packs to list")

	knowledgeCmd.AddCommand(knowledgeFetchCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fabric version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fabric %s\n", version)
	},
}
