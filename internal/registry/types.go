package registry

import "github.com/agentfabric/fabric/pkg/card"

// Node is a directory entry for one agent node. All timestamps are Unix
// seconds, matching the wire payloads and the snapshot file.
type Node struct {
	NodeID         string          `json:"nodeId"`
	NodeName       string          `json:"nodeName"`
	EndpointURL    string          `json:"endpointUrl"`
	Capabilities   map[string]bool `json:"capabilities"`
	CapabilityCard map[string]any  `json:"capabilityCard"`
	PricePoints    int             `json:"pricePoints"`

	Online     bool    `json:"online"`
	LastSeenTs float64 `json:"lastSeenTs"`

	Balance      int `json:"balance"`
	HeldPoints   int `json:"heldPoints"`
	SpentPoints  int `json:"spentPoints"`
	EarnedPoints int `json:"earnedPoints"`

	CompletedTasks int   `json:"completedTasks"`
	SuccessCount   int   `json:"successCount"`
	FailCount      int   `json:"failCount"`
	TotalLatencyMs int64 `json:"totalLatencyMs"`
}

// AvgLatencyMs returns the mean reported latency across all reports.
func (n *Node) AvgLatencyMs() int {
	total := n.SuccessCount + n.FailCount
	if total < 1 {
		total = 1
	}
	return int(n.TotalLatencyMs / int64(total))
}

// clone returns a copy safe to hand out after the state mutex is released.
func (n *Node) clone() *Node {
	out := *n
	out.Capabilities = make(map[string]bool, len(n.Capabilities))
	for k, v := range n.Capabilities {
		out.Capabilities[k] = v
	}
	// Cards are sanitized on the way in and treated as read-only after.
	return &out
}

// Reservation is a preauthorized, not-yet-committed debit held against a
// payer on behalf of a provider. The points are already subtracted from the
// payer's balance and counted in its held total.
type Reservation struct {
	ID           string  `json:"id"`
	PayerNode    string  `json:"payerNode"`
	ProviderNode string  `json:"providerNode"`
	Points       int     `json:"points"`
	CreatedTs    float64 `json:"createdTs"`
}

// KnowledgePack is a size-capped UTF-8 text artifact stored on the registry
// for free discovery and retrieval.
type KnowledgePack struct {
	PackID      string   `json:"packId"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Summary     string   `json:"summary"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
	Version     string   `json:"version"`
	OwnerNode   string   `json:"ownerNode"`
	CreatedTs   float64  `json:"createdTs"`
	UpdatedTs   float64  `json:"updatedTs"`
	ContentHash string   `json:"contentHash"`
	SizeBytes   int      `json:"sizeBytes"`
}

// Meta returns the pack's wire representation without content.
func (p *KnowledgePack) Meta() map[string]any {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":          p.PackID,
		"name":        p.Name,
		"kind":        p.Kind,
		"summary":     p.Summary,
		"tags":        tags,
		"version":     p.Version,
		"ownerNode":   p.OwnerNode,
		"createdTs":   p.CreatedTs,
		"updatedTs":   p.UpdatedTs,
		"contentHash": p.ContentHash,
		"sizeBytes":   p.SizeBytes,
	}
}

// NodeFromPayload builds a Node from a register/update/sync payload object.
// Capability values are truthy flags on the wire (bools, numbers, strings);
// only truthy entries survive. The capability card is sanitized.
func NodeFromPayload(payload map[string]any) *Node {
	n := &Node{
		Capabilities:   map[string]bool{},
		CapabilityCard: map[string]any{},
		PricePoints:    1,
	}
	if s, ok := payload["nodeId"].(string); ok {
		n.NodeID = s
	}
	if s, ok := payload["nodeName"].(string); ok {
		n.NodeName = s
	}
	if s, ok := payload["endpointUrl"].(string); ok {
		n.EndpointURL = s
	}
	if caps, ok := payload["capabilities"].(map[string]any); ok {
		for key, v := range caps {
			n.Capabilities[key] = truthy(v)
		}
	}
	if rawCard, ok := payload["capabilityCard"].(map[string]any); ok {
		n.CapabilityCard = card.Sanitize(rawCard)
	}
	if p, ok := payload["pricePoints"].(float64); ok && int(p) >= 1 {
		n.PricePoints = int(p)
	}
	if online, ok := payload["online"].(bool); ok {
		n.Online = online
	}
	if ts, ok := payload["lastSeenTs"].(float64); ok {
		n.LastSeenTs = ts
	}
	return n
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	default:
		return true
	}
}
