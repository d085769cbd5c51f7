package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/delegate"
	"github.com/agentfabric/fabric/pkg/wire"
)

// packFile is the on-disk shape of a publishable knowledge pack.
type packFile struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Summary string   `json:"summary"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
	Version string   `json:"version"`
}

// Publisher periodically scans a directory of pack files and publishes new
// or changed ones to the registry. Unchanged packs (same id and content
// hash) are skipped, so the loop is idempotent.
type Publisher struct {
	registryURL   string
	registryToken string
	ownerNode     string
	dir           string
	interval      time.Duration
	log           *zap.Logger

	published map[string]string // packId -> contentHash
}

// NewPublisher creates an auto-publish loop over dir.
func NewPublisher(registryURL, registryToken, ownerNode, dir string, interval time.Duration, log *zap.Logger) *Publisher {
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	return &Publisher{
		registryURL:   registryURL,
		registryToken: registryToken,
		ownerNode:     ownerNode,
		dir:           dir,
		interval:      interval,
		log:           log,
		published:     make(map[string]string),
	}
}

// Run publishes on a timer until ctx is cancelled. Failures are logged and
// retried on the next tick; they never stop the loop.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.PublishOnce(ctx); err != nil {
			p.log.Warn("knowledge auto publish failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PublishOnce scans the directory and publishes every new or changed pack.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	packs, err := p.scan()
	if err != nil {
		return err
	}
	if len(packs) == 0 {
		return nil
	}

	conn, err := delegate.Dial(ctx, p.registryURL, 0)
	if err != nil {
		return err
	}
	defer conn.Close()
	// Registry sessions must open with register or list.
	if _, err := conn.Request(wire.New("list", map[string]any{"pageSize": 1})); err != nil {
		return err
	}

	for _, pack := range packs {
		hash := contentHash(pack.Content)
		if p.published[pack.ID] == hash {
			continue
		}
		reply, err := conn.Request(wire.New("knowledge_publish", map[string]any{
			"id":            pack.ID,
			"name":          pack.Name,
			"kind":          pack.Kind,
			"summary":       pack.Summary,
			"content":       pack.Content,
			"tags":          pack.Tags,
			"version":       pack.Version,
			"ownerNode":     p.ownerNode,
			"allowUpdate":   true,
			"registryToken": p.registryToken,
		}))
		if err != nil {
			return err
		}
		if reply.Type != "knowledge_publish_ok" {
			return fmt.Errorf("publish %s: %s", pack.Name, reply.Str("message"))
		}
		p.published[pack.ID] = hash
		p.log.Info("knowledge pack published",
			zap.String("id", pack.ID),
			zap.String("name", pack.Name))
	}
	return nil
}

func (p *Publisher) scan() ([]*packFile, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", p.dir, err)
	}

	var packs []*packFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		pack, err := loadPackFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			p.log.Warn("skipping pack file",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		packs = append(packs, pack)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].ID < packs[j].ID })
	return packs, nil
}

func loadPackFile(path string) (*packFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pack packFile
	if err := json.Unmarshal(data, &pack); err != nil {
		return nil, err
	}
	pack.Name = strings.TrimSpace(pack.Name)
	pack.Kind = strings.TrimSpace(pack.Kind)
	if pack.Name == "" || pack.Kind == "" || pack.Content == "" {
		return nil, fmt.Errorf("missing name/kind/content")
	}
	if pack.Version == "" {
		pack.Version = "1.0"
	}
	if strings.TrimSpace(pack.ID) == "" {
		// A stable id derived from the pack identity keeps republishing
		// idempotent across restarts.
		sum := sha256.Sum256([]byte(pack.Name + "\n" + pack.Kind + "\n" + pack.Content))
		pack.ID = hex.EncodeToString(sum[:])
	}
	return &pack, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
