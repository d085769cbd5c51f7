// Package registry implements the authoritative directory of agent nodes:
// capability index, points ledger with reservations, knowledge pack store,
// snapshot persistence, and the WebSocket server that fronts it all.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced as short error envelopes by the server.
var (
	ErrNodeNotFound        = errors.New("node not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPackNotFound        = errors.New("pack not found")
	ErrOwnerMismatch       = errors.New("owner mismatch")
	ErrPackExists          = errors.New("pack exists (set allowUpdate)")
	ErrMintDisabled        = errors.New("award requires payerNode")
)

// State is the in-memory authoritative store. One mutex serializes every
// read and write: the working set is small and every ledger mutation
// touches multiple fields that must move together.
type State struct {
	mu           sync.Mutex
	nodes        map[string]*Node
	capIndex     map[string]map[string]struct{} // capKey -> set of nodeIds
	reservations map[string]*Reservation
	packs        map[string]*KnowledgePack
	lastSavedTs  float64
}

// NewState creates an empty State.
func NewState() *State {
	return &State{
		nodes:        make(map[string]*Node),
		capIndex:     make(map[string]map[string]struct{}),
		reservations: make(map[string]*Reservation),
		packs:        make(map[string]*KnowledgePack),
	}
}

func nowTs() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Upsert inserts or replaces a node entry, preserving ledger and telemetry
// counters from any prior entry with the same id. On first insert the node
// is granted initialPoints. The entry comes online with a fresh lastSeenTs.
// Returns true when the node was new.
func (s *State) Upsert(n *Node, initialPoints int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.nodes[n.NodeID]
	if exists {
		n.Balance = old.Balance
		n.HeldPoints = old.HeldPoints
		n.SpentPoints = old.SpentPoints
		n.EarnedPoints = old.EarnedPoints
		n.CompletedTasks = old.CompletedTasks
		n.SuccessCount = old.SuccessCount
		n.FailCount = old.FailCount
		n.TotalLatencyMs = old.TotalLatencyMs
	} else {
		n.Balance = initialPoints
	}
	n.Online = true
	n.LastSeenTs = nowTs()
	s.nodes[n.NodeID] = n
	s.reindexLocked(n)
	return !exists
}

// SyncUpsert merges a node pulled from a peer registry. Only presentational
// fields, online, and lastSeen are taken; ledger and telemetry counters are
// never merged across registries. Unknown nodes are created with a zeroed
// ledger.
func (s *State) SyncUpsert(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.nodes[n.NodeID]
	if exists {
		old.NodeName = n.NodeName
		old.EndpointURL = n.EndpointURL
		old.Capabilities = n.Capabilities
		old.CapabilityCard = n.CapabilityCard
		old.PricePoints = n.PricePoints
		old.Online = n.Online
		if n.Online {
			old.LastSeenTs = nowTs()
		} else if n.LastSeenTs > 0 {
			old.LastSeenTs = n.LastSeenTs
		}
		s.reindexLocked(old)
		return
	}
	n.Balance, n.HeldPoints, n.SpentPoints, n.EarnedPoints = 0, 0, 0, 0
	n.CompletedTasks, n.SuccessCount, n.FailCount, n.TotalLatencyMs = 0, 0, 0, 0
	if n.Online {
		n.LastSeenTs = nowTs()
	}
	s.nodes[n.NodeID] = n
	s.reindexLocked(n)
}

// SetOffline marks a node offline, leaving every counter untouched.
func (s *State) SetOffline(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.Online = false
		n.LastSeenTs = nowTs()
	}
}

// Touch refreshes a node's lastSeenTs and marks it online. Used by update
// heartbeats.
func (s *State) Touch(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.Online = true
		n.LastSeenTs = nowTs()
	}
}

// reindexLocked rebuilds the capability index rows for one node. A node is
// indexed under a capability iff its flag is truthy.
func (s *State) reindexLocked(n *Node) {
	for capKey, ids := range s.capIndex {
		delete(ids, n.NodeID)
		if len(ids) == 0 {
			delete(s.capIndex, capKey)
		}
	}
	for capKey, enabled := range n.Capabilities {
		if !enabled {
			continue
		}
		ids, ok := s.capIndex[capKey]
		if !ok {
			ids = make(map[string]struct{})
			s.capIndex[capKey] = ids
		}
		ids[n.NodeID] = struct{}{}
	}
}

// List returns a page of nodes matching every required capability,
// optionally restricted to online entries. Results are sorted by nodeId so
// paging is deterministic. page and pageSize are clamped to [1,200].
func (s *State) List(requireCaps []string, onlineOnly bool, page, pageSize int) ([]*Node, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 200 {
		pageSize = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Node
	if len(requireCaps) == 0 {
		candidates = make([]*Node, 0, len(s.nodes))
		for _, n := range s.nodes {
			candidates = append(candidates, n)
		}
	} else {
		ids := s.intersectCapsLocked(requireCaps)
		candidates = make([]*Node, 0, len(ids))
		for id := range ids {
			candidates = append(candidates, s.nodes[id])
		}
	}

	filtered := candidates[:0]
	for _, n := range candidates {
		if onlineOnly && !n.Online {
			continue
		}
		filtered = append(filtered, n)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].NodeID < filtered[j].NodeID })

	total := len(filtered)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := make([]*Node, 0, end-start)
	for _, n := range filtered[start:end] {
		out = append(out, n.clone())
	}
	return out, total
}

func (s *State) intersectCapsLocked(requireCaps []string) map[string]struct{} {
	result := make(map[string]struct{})
	for i, capKey := range requireCaps {
		ids := s.capIndex[capKey]
		if len(ids) == 0 {
			return map[string]struct{}{}
		}
		if i == 0 {
			for id := range ids {
				result[id] = struct{}{}
			}
			continue
		}
		for id := range result {
			if _, ok := ids[id]; !ok {
				delete(result, id)
			}
		}
		if len(result) == 0 {
			return result
		}
	}
	return result
}

// Resolve returns a copy of one node entry.
func (s *State) Resolve(nodeID string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return n.clone(), nil
}

// Reserve atomically debits points from payer and holds them for provider.
func (s *State) Reserve(payerNode, providerNode string, points int) (string, error) {
	if points <= 0 {
		return "", fmt.Errorf("points must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payer, ok := s.nodes[payerNode]
	if !ok {
		return "", ErrNodeNotFound
	}
	if _, ok := s.nodes[providerNode]; !ok {
		return "", ErrNodeNotFound
	}
	if payer.Balance < points {
		return "", ErrInsufficientBalance
	}

	payer.Balance -= points
	payer.HeldPoints += points
	r := &Reservation{
		ID:           uuid.NewString(),
		PayerNode:    payerNode,
		ProviderNode: providerNode,
		Points:       points,
		CreatedTs:    nowTs(),
	}
	s.reservations[r.ID] = r
	return r.ID, nil
}

// Commit transfers a reservation's points to the provider and removes it.
// The provider's completedTasks is incremented exactly once here.
func (s *State) Commit(reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	s.commitLocked(r)
	return nil
}

func (s *State) commitLocked(r *Reservation) {
	if payer, ok := s.nodes[r.PayerNode]; ok {
		payer.HeldPoints -= r.Points
		payer.SpentPoints += r.Points
	}
	if provider, ok := s.nodes[r.ProviderNode]; ok {
		provider.Balance += r.Points
		provider.EarnedPoints += r.Points
		provider.CompletedTasks++
	}
	delete(s.reservations, r.ID)
}

// Cancel returns a reservation's points to the payer and removes it.
func (s *State) Cancel(reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	s.cancelLocked(r)
	return nil
}

func (s *State) cancelLocked(r *Reservation) {
	if payer, ok := s.nodes[r.PayerNode]; ok {
		payer.HeldPoints -= r.Points
		payer.Balance += r.Points
	}
	delete(s.reservations, r.ID)
}

// Award is the legacy single-call payment: reserve+commit in one step. With
// a payer it debits the payer; without one it mints points into the
// provider, which is rejected unless allowMint is set.
func (s *State) Award(providerNode string, points int, payerNode string, allowMint bool) error {
	if points <= 0 {
		return fmt.Errorf("points must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	provider, ok := s.nodes[providerNode]
	if !ok {
		return ErrNodeNotFound
	}
	if payerNode == "" {
		if !allowMint {
			return ErrMintDisabled
		}
	} else {
		payer, ok := s.nodes[payerNode]
		if !ok {
			return ErrNodeNotFound
		}
		if payer.Balance < points {
			return ErrInsufficientBalance
		}
		payer.Balance -= points
		payer.SpentPoints += points
	}
	provider.Balance += points
	provider.EarnedPoints += points
	provider.CompletedTasks++
	provider.LastSeenTs = nowTs()
	return nil
}

// Report records a task outcome against a provider node.
func (s *State) Report(nodeID string, ok bool, latencyMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, found := s.nodes[nodeID]
	if !found {
		return ErrNodeNotFound
	}
	if ok {
		n.SuccessCount++
	} else {
		n.FailCount++
	}
	if latencyMs > 0 {
		n.TotalLatencyMs += int64(latencyMs)
	}
	return nil
}

// Leaderboard returns nodes sorted descending by one of earnedPoints,
// balance, or completedTasks. limit is clamped to [1,200].
func (s *State) Leaderboard(sortBy string, limit int) []*Node {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	less := func(a, b *Node) bool { return a.EarnedPoints > b.EarnedPoints }
	switch sortBy {
	case "balance":
		less = func(a, b *Node) bool { return a.Balance > b.Balance }
	case "completedTasks":
		less = func(a, b *Node) bool { return a.CompletedTasks > b.CompletedTasks }
	}
	sort.Slice(nodes, func(i, j int) bool {
		if less(nodes[i], nodes[j]) != less(nodes[j], nodes[i]) {
			return less(nodes[i], nodes[j])
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.clone())
	}
	return out
}

// ApplyTTL flips every node online=true with lastSeenTs older than ttl to
// offline, leaving counters untouched. Returns the number of flips.
func (s *State) ApplyTTL(ttl time.Duration) int {
	cutoff := nowTs() - ttl.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	for _, n := range s.nodes {
		if n.Online && n.LastSeenTs < cutoff {
			n.Online = false
			flipped++
		}
	}
	return flipped
}

// ExpireReservations cancels every reservation older than ttl, returning
// the held points to their payers. Returns the number of expirations.
func (s *State) ExpireReservations(ttl time.Duration) int {
	cutoff := nowTs() - ttl.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, r := range s.reservations {
		if r.CreatedTs < cutoff {
			s.cancelLocked(r)
			expired++
		}
	}
	return expired
}

// UpsertKnowledge stores a pack, replacing any prior version.
func (s *State) UpsertKnowledge(p *KnowledgePack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs[p.PackID] = p
}

// GetKnowledge returns one pack including content.
func (s *State) GetKnowledge(packID string) (*KnowledgePack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[packID]
	if !ok {
		return nil, ErrPackNotFound
	}
	out := *p
	return &out, nil
}

// ListKnowledge filters packs by kind, tag, and owner, ordered by updatedTs
// descending. limit is clamped to [1,200].
func (s *State) ListKnowledge(kind, tag, owner string, limit int) []*KnowledgePack {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var packs []*KnowledgePack
	for _, p := range s.packs {
		if kind != "" && p.Kind != kind {
			continue
		}
		if owner != "" && p.OwnerNode != owner {
			continue
		}
		if tag != "" && !containsTag(p.Tags, tag) {
			continue
		}
		out := *p
		packs = append(packs, &out)
	}
	sort.Slice(packs, func(i, j int) bool {
		if packs[i].UpdatedTs != packs[j].UpdatedTs {
			return packs[i].UpdatedTs > packs[j].UpdatedTs
		}
		return packs[i].PackID < packs[j].PackID
	})
	if len(packs) > limit {
		packs = packs[:limit]
	}
	return packs
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Counts returns total and online node counts for health and metrics.
func (s *State) Counts() (total, online int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.nodes)
	for _, n := range s.nodes {
		if n.Online {
			online++
		}
	}
	return total, online
}

// LastSavedTs returns the Unix timestamp of the last successful snapshot.
func (s *State) LastSavedTs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSavedTs
}

// snapshot is the persistence document.
type snapshot struct {
	Nodes          []*Node          `json:"nodes"`
	Reservations   []*Reservation   `json:"reservations"`
	KnowledgePacks []*KnowledgePack `json:"knowledgePacks"`
}

// Save writes the state snapshot atomically: a sibling .tmp file is written
// and renamed over the target, so a crash mid-save never corrupts the
// previous snapshot.
func (s *State) Save(path string) error {
	s.mu.Lock()
	doc := snapshot{
		Nodes:          make([]*Node, 0, len(s.nodes)),
		Reservations:   make([]*Reservation, 0, len(s.reservations)),
		KnowledgePacks: make([]*KnowledgePack, 0, len(s.packs)),
	}
	for _, n := range s.nodes {
		doc.Nodes = append(doc.Nodes, n.clone())
	}
	for _, r := range s.reservations {
		out := *r
		doc.Reservations = append(doc.Reservations, &out)
	}
	for _, p := range s.packs {
		out := *p
		doc.KnowledgePacks = append(doc.KnowledgePacks, &out)
	}
	s.mu.Unlock()

	sort.Slice(doc.Nodes, func(i, j int) bool { return doc.Nodes[i].NodeID < doc.Nodes[j].NodeID })
	sort.Slice(doc.Reservations, func(i, j int) bool { return doc.Reservations[i].ID < doc.Reservations[j].ID })
	sort.Slice(doc.KnowledgePacks, func(i, j int) bool { return doc.KnowledgePacks[i].PackID < doc.KnowledgePacks[j].PackID })

	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	s.mu.Lock()
	s.lastSavedTs = nowTs()
	s.mu.Unlock()
	return nil
}

// Load replaces the state with a snapshot from disk. A missing or corrupt
// file leaves the state empty and returns nil: the registry must come up
// even when its snapshot is damaged.
func (s *State) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var doc snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		// Corrupt snapshot: start empty rather than refusing to boot.
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*Node, len(doc.Nodes))
	s.capIndex = make(map[string]map[string]struct{})
	s.reservations = make(map[string]*Reservation, len(doc.Reservations))
	s.packs = make(map[string]*KnowledgePack, len(doc.KnowledgePacks))
	for _, n := range doc.Nodes {
		if n.NodeID == "" {
			continue
		}
		if n.Capabilities == nil {
			n.Capabilities = map[string]bool{}
		}
		if n.CapabilityCard == nil {
			n.CapabilityCard = map[string]any{}
		}
		s.nodes[n.NodeID] = n
		s.reindexLocked(n)
	}
	for _, r := range doc.Reservations {
		if r.ID != "" {
			s.reservations[r.ID] = r
		}
	}
	for _, p := range doc.KnowledgePacks {
		if p.PackID != "" {
			s.packs[p.PackID] = p
		}
	}
	return nil
}
