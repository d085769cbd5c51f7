package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Advertisement is everything a node tells the registry about itself.
type Advertisement struct {
	NodeID         string
	NodeName       string
	EndpointURL    string
	Capabilities   map[string]bool
	CapabilityCard map[string]any
	PricePoints    int
}

// payload renders the advertisement as a register/update payload.
func (a *Advertisement) payload(registryToken string) map[string]any {
	caps := make(map[string]any, len(a.Capabilities))
	for k, v := range a.Capabilities {
		caps[k] = v
	}
	card := a.CapabilityCard
	if card == nil {
		card = map[string]any{}
	}
	return map[string]any{
		"nodeId":         a.NodeID,
		"nodeName":       a.NodeName,
		"endpointUrl":    a.EndpointURL,
		"capabilities":   caps,
		"capabilityCard": card,
		"pricePoints":    a.PricePoints,
		"registryToken":  registryToken,
	}
}

// AdvertiseConfig controls what the node advertises.
type AdvertiseConfig struct {
	NodeID   string
	NodeName string

	// Capabilities the operator wants to advertise; llm.chat by default.
	Capabilities map[string]bool

	AllowAgentTasks  bool
	AgentToolAllow   []string
	KnowledgePublish bool

	PricePoints int
	MaxTokens   int
	RateLimits  ServerConfig

	// AdvertiseURL overrides endpoint resolution entirely. AdvertiseHost
	// and AdvertisePort override the host/port parts. DetectPublicIP asks
	// DetectIPService for the externally visible address.
	AdvertiseURL    string
	AdvertiseHost   string
	AdvertisePort   int
	DetectPublicIP  bool
	DetectIPService string

	Languages []string
	Skills    []string
	Summary   string
	Region    string
}

// BuildCapabilities derives the advertised capability flags. Agent tasks and
// the individual web tools appear only when the operator enabled them.
func BuildCapabilities(cfg AdvertiseConfig) map[string]bool {
	caps := map[string]bool{}
	for k, v := range cfg.Capabilities {
		caps[k] = v
	}
	if len(caps) == 0 {
		caps["llm.chat"] = true
	}
	if cfg.KnowledgePublish {
		caps["knowledge.pack"] = true
	}
	if cfg.AllowAgentTasks {
		caps["agent"] = true
		for _, tool := range cfg.AgentToolAllow {
			if tool == "web_search" || tool == "web_fetch" {
				caps[tool] = true
			}
		}
	} else {
		delete(caps, "agent")
	}
	return caps
}

// BuildCapabilityCard assembles the informational card sent alongside the
// capability flags. The registry sanitizes it; unknown keys are dropped
// there, so only card-schema fields are worth setting.
func BuildCapabilityCard(cfg AdvertiseConfig) map[string]any {
	caps := BuildCapabilities(cfg)
	skills := cfg.Skills
	if len(skills) == 0 {
		for k := range caps {
			skills = append(skills, k)
		}
	}
	summary := cfg.Summary
	if summary == "" {
		summary = cfg.NodeName
	}
	if summary == "" {
		summary = "fabric node"
	}

	card := map[string]any{
		"schemaVersion": "1.0",
		"summary":       summary,
		"skills":        skills,
		"pricing": map[string]any{
			"unit":       "point",
			"perRequest": max(cfg.PricePoints, 1),
		},
		"limits": map[string]any{
			"maxTokens":             orDefault(cfg.MaxTokens, 1024),
			"rateLimitPerMin":       orDefault(cfg.RateLimits.RateLimitPerMin, 60),
			"rateLimitPerMinByNode": orDefault(cfg.RateLimits.RateLimitPerMinByNode, 60),
		},
	}
	if len(cfg.Languages) > 0 {
		card["languages"] = cfg.Languages
	}
	if cfg.Region != "" {
		card["region"] = cfg.Region
	}
	return card
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ResolveAdvertiseURL decides the endpoint URL other nodes should dial.
// Explicit configuration wins; public IP detection is a best-effort
// fallback; localhost is the last resort and only useful on one machine.
func ResolveAdvertiseURL(ctx context.Context, cfg AdvertiseConfig, boundAddr string) string {
	if cfg.AdvertiseURL != "" {
		return cfg.AdvertiseURL
	}
	port := cfg.AdvertisePort
	if port <= 0 {
		if i := strings.LastIndex(boundAddr, ":"); i >= 0 {
			fmt.Sscanf(boundAddr[i+1:], "%d", &port)
		}
	}
	if cfg.AdvertiseHost != "" {
		return fmt.Sprintf("ws://%s:%d/ws", cfg.AdvertiseHost, port)
	}
	if cfg.DetectPublicIP {
		if ip := detectPublicIP(ctx, cfg.DetectIPService); ip != "" {
			return fmt.Sprintf("ws://%s:%d/ws", ip, port)
		}
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
}

func detectPublicIP(ctx context.Context, service string) string {
	if service == "" {
		service = "https://api.ipify.org"
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, service, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}
