package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/delegate"
	"github.com/agentfabric/fabric/pkg/wire"
)

// Query filters a registry fetch. Zero values mean no filter; Limit zero
// means the registry default.
type Query struct {
	Kind      string
	Tag       string
	OwnerNode string
	Limit     int
}

// Fetch pulls matching packs from a registry into the store, downloading
// content only for revisions the store does not already hold. Returns the
// number of packs saved.
func Fetch(ctx context.Context, store *Store, registryURL, registryToken string, q Query, log *zap.Logger) (int, error) {
	session, err := delegate.Dial(ctx, registryURL, 15*time.Second)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	// Registry sessions must open with register or list.
	if _, err := session.Request(wire.New("list", map[string]any{
		"pageSize":      1,
		"registryToken": registryToken,
	})); err != nil {
		return 0, err
	}

	reply, err := session.Request(wire.New("knowledge_list", map[string]any{
		"kind":          q.Kind,
		"tag":           q.Tag,
		"ownerNode":     q.OwnerNode,
		"limit":         q.Limit,
		"registryToken": registryToken,
	}))
	if err != nil {
		return 0, err
	}
	if reply.Type == "error" {
		return 0, fmt.Errorf("knowledge_list: %s", reply.Str("message"))
	}

	saved := 0
	raw, _ := reply.Payload["packs"].([]any)
	for _, item := range raw {
		meta, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := meta["id"].(string)
		hash, _ := meta["contentHash"].(string)
		if id == "" || store.Has(id, hash) {
			continue
		}

		got, err := session.Request(wire.New("knowledge_get", map[string]any{
			"id":            id,
			"registryToken": registryToken,
		}))
		if err != nil {
			return saved, err
		}
		if got.Type == "error" {
			log.Warn("knowledge fetch skipped",
				zap.String("id", id),
				zap.String("message", got.Str("message")))
			continue
		}
		wrote, err := store.Save(packFromWire(got))
		if err != nil {
			return saved, err
		}
		if wrote {
			saved++
		}
	}
	return saved, nil
}

func packFromWire(env *wire.Envelope) *Pack {
	p := &Pack{
		ID:          env.Str("id"),
		Name:        env.Str("name"),
		Kind:        env.Str("kind"),
		Summary:     env.Str("summary"),
		Content:     env.Str("content"),
		Tags:        env.StrSlice("tags"),
		Version:     env.Str("version"),
		OwnerNode:   env.Str("ownerNode"),
		ContentHash: env.Str("contentHash"),
	}
	p.SizeBytes = env.Int("sizeBytes", len(p.Content))
	return p
}
