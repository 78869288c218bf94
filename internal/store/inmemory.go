package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is an in-process Store for local/dev use and tests.
type InMemoryStore struct {
	mu sync.RWMutex

	memories map[string]*Memory
	vectors  map[string][]float32
	links    []MemoryLink
	runs     map[string]*ConsolidationRun
	runOrder []string

	consolidated map[string]map[string]ConsolidatedConversation // agent -> file -> marker
	indexEntries map[string]map[string]ConversationIndexEntry   // agent -> file -> entry

	messages    map[string]Message
	searchIndex map[string]string // message id -> indexed content (secondary index)
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		memories:     make(map[string]*Memory),
		vectors:      make(map[string][]float32),
		runs:         make(map[string]*ConsolidationRun),
		consolidated: make(map[string]map[string]ConsolidatedConversation),
		indexEntries: make(map[string]map[string]ConversationIndexEntry),
		messages:     make(map[string]Message),
		searchIndex:  make(map[string]string),
	}
}

func (s *InMemoryStore) CreateMemory(_ context.Context, mem Memory, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[mem.ID]; ok {
		return fmt.Errorf("memory %s: %w", mem.ID, ErrAlreadyExists)
	}
	m := mem
	m.SourceConversations = append([]string(nil), mem.SourceConversations...)
	s.memories[mem.ID] = &m
	if len(vector) > 0 {
		s.vectors[mem.ID] = append([]float32(nil), vector...)
	}
	return nil
}

func (s *InMemoryStore) GetMemory(_ context.Context, agentID, memoryID string) (Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[memoryID]
	if !ok || m.AgentID != agentID {
		return Memory{}, ErrNotFound
	}
	return cloneMemory(m), nil
}

func (s *InMemoryStore) Reinforce(_ context.Context, memoryID, extraContext, sourceConversation string, now time.Time) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok {
		return Memory{}, ErrNotFound
	}
	m.ReinforcementCount++
	m.LastReinforcedAt = now
	if extraContext != "" && extraContext != m.Context {
		if m.Context == "" {
			m.Context = extraContext
		} else {
			m.Context = m.Context + " | " + extraContext
		}
	}
	if sourceConversation != "" && !containsString(m.SourceConversations, sourceConversation) {
		m.SourceConversations = append(m.SourceConversations, sourceConversation)
	}
	return cloneMemory(m), nil
}

func (s *InMemoryStore) ListPromotable(_ context.Context, agentID string, minReinforcements int, cutoff time.Time) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Memory
	for _, m := range s.memories {
		if m.AgentID != agentID || m.Tier != TierWarm {
			continue
		}
		if m.ReinforcementCount < minReinforcements {
			continue
		}
		if m.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, cloneMemory(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) PromoteMemory(_ context.Context, memoryID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok {
		return ErrNotFound
	}
	if m.Tier == TierLong {
		return nil
	}
	m.Tier = TierLong
	promoted := now
	m.PromotedAt = &promoted
	return nil
}

func (s *InMemoryStore) DeleteMemory(_ context.Context, agentID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok || m.AgentID != agentID {
		return ErrNotFound
	}
	delete(s.memories, memoryID)
	delete(s.vectors, memoryID)
	kept := s.links[:0]
	for _, l := range s.links {
		if l.FromID == memoryID || l.ToID == memoryID {
			continue
		}
		kept = append(kept, l)
	}
	s.links = kept
	return nil
}

func (s *InMemoryStore) TouchAccess(_ context.Context, memoryIDs []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range memoryIDs {
		if m, ok := s.memories[id]; ok {
			m.AccessCount++
			at := now
			m.LastAccessedAt = &at
		}
	}
	return nil
}

func (s *InMemoryStore) SearchSimilar(_ context.Context, q SearchQuery) ([]SearchResult, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("search: empty query vector")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SearchResult
	for id, m := range s.memories {
		if m.AgentID != q.AgentID {
			continue
		}
		if q.Category != "" && m.Category != q.Category {
			continue
		}
		if q.Tier != "" && m.Tier != q.Tier {
			continue
		}
		if m.Confidence < q.MinConfidence {
			continue
		}
		vec, ok := s.vectors[id]
		if !ok {
			continue
		}
		dist, err := cosineDistance(q.Vector, vec)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{Memory: cloneMemory(m), Distance: dist})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (s *InMemoryStore) AddLink(_ context.Context, link MemoryLink) error {
	if link.FromID == link.ToID {
		return fmt.Errorf("add link: self-loop on %s", link.FromID)
	}
	if !ValidRelationship(link.Relationship) {
		return fmt.Errorf("add link: unknown relationship %q", link.Relationship)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[link.FromID]; !ok {
		return fmt.Errorf("add link from %s: %w", link.FromID, ErrNotFound)
	}
	if _, ok := s.memories[link.ToID]; !ok {
		return fmt.Errorf("add link to %s: %w", link.ToID, ErrNotFound)
	}
	for _, l := range s.links {
		if l.FromID == link.FromID && l.ToID == link.ToID && l.Relationship == link.Relationship {
			return fmt.Errorf("link %s->%s %s: %w", l.FromID, l.ToID, l.Relationship, ErrAlreadyExists)
		}
	}
	s.links = append(s.links, link)
	return nil
}

func (s *InMemoryStore) Related(_ context.Context, memoryID string, maxDepth, limit int) ([]RelatedMemory, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type frontier struct {
		id           string
		relationship Relationship
		depth        int
	}
	visited := map[string]bool{memoryID: true}
	queue := []frontier{}
	for _, l := range s.links {
		if l.FromID == memoryID {
			queue = append(queue, frontier{l.ToID, l.Relationship, 1})
		}
	}

	var out []RelatedMemory
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		m, ok := s.memories[cur.id]
		if !ok {
			continue
		}
		out = append(out, RelatedMemory{Memory: cloneMemory(m), Relationship: cur.relationship, Depth: cur.depth})
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
		if cur.depth >= maxDepth {
			continue
		}
		for _, l := range s.links {
			if l.FromID == cur.id && !visited[l.ToID] {
				queue = append(queue, frontier{l.ToID, l.Relationship, cur.depth + 1})
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateRun(_ context.Context, run ConsolidationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	r := run
	s.runs[run.ID] = &r
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *InMemoryStore) UpdateRunProgress(_ context.Context, runID string, progress RunProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.ConversationsProcessed = progress.ConversationsProcessed
	r.MemoriesCreated = progress.MemoriesCreated
	r.MemoriesReinforced = progress.MemoriesReinforced
	r.MemoriesLinked = progress.MemoriesLinked
	return nil
}

func (s *InMemoryStore) FinalizeRun(_ context.Context, runID string, status RunStatus, runErrors []string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != RunStatusRunning {
		return fmt.Errorf("run %s already finalized as %s", runID, r.Status)
	}
	r.Status = status
	r.Errors = append([]string(nil), runErrors...)
	done := completedAt
	r.CompletedAt = &done
	return nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, agentID string, limit int) ([]ConsolidationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConsolidationRun
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		r := s.runs[s.runOrder[i]]
		if r.AgentID != agentID {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkConsolidated(_ context.Context, marker ConsolidatedConversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byFile := s.consolidated[marker.AgentID]
	if byFile == nil {
		byFile = make(map[string]ConsolidatedConversation)
		s.consolidated[marker.AgentID] = byFile
	}
	if _, ok := byFile[marker.ConversationFile]; ok {
		return fmt.Errorf("conversation %s: %w", marker.ConversationFile, ErrAlreadyExists)
	}
	byFile[marker.ConversationFile] = marker
	return nil
}

func (s *InMemoryStore) UnconsolidatedFiles(_ context.Context, agentID string, files []string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byFile := s.consolidated[agentID]
	var out []string
	for _, f := range files {
		if _, done := byFile[f]; done {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpsertIndexEntry(_ context.Context, entry ConversationIndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byFile := s.indexEntries[entry.AgentID]
	if byFile == nil {
		byFile = make(map[string]ConversationIndexEntry)
		s.indexEntries[entry.AgentID] = byFile
	}
	byFile[entry.ConversationFile] = entry
	return nil
}

func (s *InMemoryStore) GetIndexEntry(_ context.Context, agentID, conversationFile string) (ConversationIndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.indexEntries[agentID][conversationFile]
	if !ok {
		return ConversationIndexEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *InMemoryStore) ListIndexEntries(_ context.Context, agentID string) ([]ConversationIndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConversationIndexEntry
	for _, e := range s.indexEntries[agentID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationFile < out[j].ConversationFile })
	return out, nil
}

func (s *InMemoryStore) InsertMessages(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m
		s.searchIndex[m.ID] = strings.ToLower(m.Content)
	}
	return nil
}

func (s *InMemoryStore) CountPrunable(_ context.Context, agentID string, olderThan time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages {
		if s.prunable(m, agentID, olderThan) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) PruneMessages(_ context.Context, agentID string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, m := range s.messages {
		if s.prunable(m, agentID, olderThan) {
			delete(s.messages, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *InMemoryStore) CleanupOrphans(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id := range s.searchIndex {
		if _, ok := s.messages[id]; !ok {
			delete(s.searchIndex, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error { return nil }

// prunable requires the transcript to be marked consolidated: raw messages
// that have not been distilled into memories are never reclaimed.
func (s *InMemoryStore) prunable(m Message, agentID string, olderThan time.Time) bool {
	if m.AgentID != agentID || !m.CreatedAt.Before(olderThan) {
		return false
	}
	_, consolidated := s.consolidated[agentID][m.ConversationFile]
	return consolidated
}

// MessageCount reports how many short-term messages an agent has stored.
func (s *InMemoryStore) MessageCount(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages {
		if m.AgentID == agentID {
			count++
		}
	}
	return count
}

// MemoryCount reports how many memories an agent owns.
func (s *InMemoryStore) MemoryCount(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.memories {
		if m.AgentID == agentID {
			count++
		}
	}
	return count
}

func cloneMemory(m *Memory) Memory {
	c := *m
	c.SourceConversations = append([]string(nil), m.SourceConversations...)
	if m.LastAccessedAt != nil {
		at := *m.LastAccessedAt
		c.LastAccessedAt = &at
	}
	if m.PromotedAt != nil {
		at := *m.PromotedAt
		c.PromotedAt = &at
	}
	return c
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// cosineDistance computes 1 - cosine similarity for two vectors.
func cosineDistance(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine distance: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine distance: dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine distance: zero vector norm")
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return 1 - sim, nil
}
