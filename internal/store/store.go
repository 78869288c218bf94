package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound signals a missing memory, run, or index entry.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is the normalized form of every duplicate/conflict
	// signal the backing engine can produce. Idempotent creation paths
	// treat it as "already done, continue".
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotInitialized signals that the schema has not been created yet.
	// Callers treat it as a benign, retryable no-op.
	ErrNotInitialized = errors.New("store not initialized")
)

// Store is the durable home for memories, their vectors, links between
// them, consolidation bookkeeping, and the short-term message index.
//
// Implementations must keep per-memory counters safe under concurrent
// writers. Cross-relation invariants (memory row before its vector) are
// maintained by write ordering, not by multi-relation transactions.
type Store interface {
	// Memories.
	CreateMemory(ctx context.Context, mem Memory, vector []float32) error
	GetMemory(ctx context.Context, agentID, memoryID string) (Memory, error)
	// Reinforce increments the reinforcement counter, refreshes
	// last_reinforced_at, appends extraContext when it differs from the
	// stored context, and records the source conversation. Returns the
	// updated memory.
	Reinforce(ctx context.Context, memoryID, extraContext, sourceConversation string, now time.Time) (Memory, error)
	// ListPromotable returns warm memories with at least minReinforcements
	// that were created at or before cutoff.
	ListPromotable(ctx context.Context, agentID string, minReinforcements int, cutoff time.Time) ([]Memory, error)
	// PromoteMemory moves a warm memory to the long tier. Promoting an
	// already-long memory is a no-op.
	PromoteMemory(ctx context.Context, memoryID string, now time.Time) error
	// DeleteMemory removes the memory, its vector, and every incident link.
	// Administrator-invoked only; normal operation never deletes memories.
	DeleteMemory(ctx context.Context, agentID, memoryID string) error
	// TouchAccess bumps access counters for retrieved memories.
	TouchAccess(ctx context.Context, memoryIDs []string, now time.Time) error

	// Vector search and graph traversal.
	SearchSimilar(ctx context.Context, q SearchQuery) ([]SearchResult, error)
	AddLink(ctx context.Context, link MemoryLink) error
	Related(ctx context.Context, memoryID string, maxDepth, limit int) ([]RelatedMemory, error)

	// Consolidation runs.
	CreateRun(ctx context.Context, run ConsolidationRun) error
	UpdateRunProgress(ctx context.Context, runID string, progress RunProgress) error
	FinalizeRun(ctx context.Context, runID string, status RunStatus, runErrors []string, completedAt time.Time) error
	ListRuns(ctx context.Context, agentID string, limit int) ([]ConsolidationRun, error)

	// Consolidated-conversation markers.
	MarkConsolidated(ctx context.Context, marker ConsolidatedConversation) error
	// UnconsolidatedFiles filters candidate transcript files down to those
	// without a marker, preserving order, up to limit (0 = no limit).
	UnconsolidatedFiles(ctx context.Context, agentID string, files []string, limit int) ([]string, error)

	// Conversation index entries.
	UpsertIndexEntry(ctx context.Context, entry ConversationIndexEntry) error
	GetIndexEntry(ctx context.Context, agentID, conversationFile string) (ConversationIndexEntry, error)
	ListIndexEntries(ctx context.Context, agentID string) ([]ConversationIndexEntry, error)

	// Short-term message index.
	InsertMessages(ctx context.Context, msgs []Message) error
	// CountPrunable reports how many messages Prune would delete.
	CountPrunable(ctx context.Context, agentID string, olderThan time.Time) (int, error)
	// PruneMessages deletes messages older than olderThan whose transcript
	// is marked consolidated. Unconsolidated transcripts are never touched.
	PruneMessages(ctx context.Context, agentID string, olderThan time.Time) (int, error)
	// CleanupOrphans removes secondary index rows referencing deleted
	// messages. Best effort: failures degrade storage size only.
	CleanupOrphans(ctx context.Context) (int, error)

	Close() error
}
