// Package knowledge implements the local inbox for knowledge packs fetched
// from a registry: one JSON file per pack plus a manifest, idempotent on
// (id, contentHash).
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const manifestFile = "manifest.json"

// Pack is a stored knowledge pack, content included.
type Pack struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Summary     string   `json:"summary,omitempty"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
	Version     string   `json:"version,omitempty"`
	OwnerNode   string   `json:"ownerNode,omitempty"`
	ContentHash string   `json:"contentHash"`
	SizeBytes   int      `json:"sizeBytes"`
}

// ManifestEntry records one saved pack.
type ManifestEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Version     string `json:"version,omitempty"`
	ContentHash string `json:"contentHash"`
	SavedAt     string `json:"savedAt"`
	File        string `json:"file"`
}

type manifest struct {
	Packs []ManifestEntry `json:"packs"`
}

// Store is a directory-backed pack inbox. It is not safe for concurrent use.
type Store struct {
	dir     string
	entries map[string]ManifestEntry
}

// Open creates the inbox directory if needed and loads its manifest. A
// missing or corrupt manifest starts empty.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	s := &Store{dir: dir, entries: map[string]ManifestEntry{}}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return s, nil
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return s, nil
	}
	for _, e := range m.Packs {
		s.entries[e.ID] = e
	}
	return s, nil
}

// Has reports whether this exact pack revision is already stored.
func (s *Store) Has(id, contentHash string) bool {
	e, ok := s.entries[id]
	return ok && e.ContentHash == contentHash
}

// Manifest returns the stored entries sorted by pack id.
func (s *Store) Manifest() []ManifestEntry {
	out := make([]ManifestEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Save writes the pack to its own JSON file and updates the manifest.
// Saving an unchanged revision is a no-op; a changed revision overwrites
// the same file. Returns true when anything was written.
func (s *Store) Save(p *Pack) (bool, error) {
	if p.ID == "" {
		return false, fmt.Errorf("pack id required")
	}
	if s.Has(p.ID, p.ContentHash) {
		return false, nil
	}

	file := packFileName(p.ID)
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(filepath.Join(s.dir, file), data, 0o644); err != nil {
		return false, fmt.Errorf("write pack: %w", err)
	}

	s.entries[p.ID] = ManifestEntry{
		ID:          p.ID,
		Name:        p.Name,
		Kind:        p.Kind,
		Version:     p.Version,
		ContentHash: p.ContentHash,
		SavedAt:     time.Now().UTC().Format(time.RFC3339),
		File:        file,
	}
	if err := s.writeManifest(); err != nil {
		return false, err
	}
	return true, nil
}

// Get loads a stored pack from disk.
func (s *Store) Get(id string) (*Pack, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("pack not stored: %s", id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, e.File))
	if err != nil {
		return nil, err
	}
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("read pack %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) writeManifest() error {
	data, err := json.MarshalIndent(manifest{Packs: s.Manifest()}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, manifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// packFileName keeps filenames filesystem-safe regardless of the id shape.
func packFileName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String() + ".json"
}
