package knowledge_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/knowledge"
	"github.com/agentfabric/fabric/internal/registry"
)

func pack(id, content string) *knowledge.Pack {
	return &knowledge.Pack{
		ID:          id,
		Name:        "pack " + id,
		Kind:        "skill",
		Content:     content,
		ContentHash: "hash-" + content,
		SizeBytes:   len(content),
	}
}

func TestSave_isIdempotentOnHash(t *testing.T) {
	store, err := knowledge.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	wrote, err := store.Save(pack("p1", "v1"))
	if err != nil || !wrote {
		t.Fatalf("first save: wrote=%v err=%v", wrote, err)
	}
	wrote, err = store.Save(pack("p1", "v1"))
	if err != nil || wrote {
		t.Fatalf("unchanged save: wrote=%v err=%v", wrote, err)
	}
	// A new revision overwrites the same entry.
	wrote, err = store.Save(pack("p1", "v2"))
	if err != nil || !wrote {
		t.Fatalf("changed save: wrote=%v err=%v", wrote, err)
	}

	entries := store.Manifest()
	if len(entries) != 1 {
		t.Fatalf("manifest entries: got %d, want 1", len(entries))
	}
	if entries[0].ContentHash != "hash-v2" {
		t.Errorf("contentHash: got %s", entries[0].ContentHash)
	}

	got, err := store.Get("p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "v2" {
		t.Errorf("content: got %q", got.Content)
	}
}

func TestManifest_survivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := knowledge.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(pack("a", "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(pack("b", "y")); err != nil {
		t.Fatal(err)
	}

	reopened, err := knowledge.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	entries := reopened.Manifest()
	if len(entries) != 2 || entries[0].ID != "a" || entries[1].ID != "b" {
		t.Fatalf("entries: %+v", entries)
	}
	if !reopened.Has("a", "hash-x") {
		t.Error("reopened store lost revision knowledge")
	}

	// The manifest on disk mirrors the in-memory view.
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m struct {
		Packs []knowledge.ManifestEntry `json:"packs"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Packs) != 2 {
		t.Errorf("manifest file packs: got %d", len(m.Packs))
	}
}

func TestOpen_corruptManifestStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := knowledge.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(store.Manifest()) != 0 {
		t.Error("corrupt manifest should start empty")
	}
}

func TestFetch_pullsNewRevisionsOnly(t *testing.T) {
	cfg := registry.DefaultConfig()
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

	state.UpsertKnowledge(&registry.KnowledgePack{
		PackID:      "k1",
		Name:        "tips",
		Kind:        "skill",
		Content:     "alpha",
		ContentHash: "h1",
		OwnerNode:   "n1",
	})

	store, err := knowledge.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	saved, err := knowledge.Fetch(ctx, store, srv.URL(), "", knowledge.Query{Kind: "skill"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if saved != 1 {
		t.Fatalf("first fetch: saved %d, want 1", saved)
	}
	got, err := store.Get("k1")
	if err != nil || got.Content != "alpha" {
		t.Fatalf("stored pack: %+v, %v", got, err)
	}

	// A second fetch with nothing changed downloads nothing.
	saved, err = knowledge.Fetch(ctx, store, srv.URL(), "", knowledge.Query{Kind: "skill"}, zap.NewNop())
	if err != nil || saved != 0 {
		t.Fatalf("second fetch: saved=%d err=%v", saved, err)
	}

	// A changed revision is pulled again under the same id.
	state.UpsertKnowledge(&registry.KnowledgePack{
		PackID:      "k1",
		Name:        "tips",
		Kind:        "skill",
		Content:     "beta",
		ContentHash: "h2",
		OwnerNode:   "n1",
	})
	saved, err = knowledge.Fetch(ctx, store, srv.URL(), "", knowledge.Query{Kind: "skill"}, zap.NewNop())
	if err != nil || saved != 1 {
		t.Fatalf("third fetch: saved=%d err=%v", saved, err)
	}
	got, _ = store.Get("k1")
	if got.Content != "beta" {
		t.Errorf("updated content: got %q", got.Content)
	}
}
