package store

import "time"

// Tier describes where a memory lives in its lifecycle. Warm memories are
// recent consolidation output and candidates for promotion; long memories
// are permanent. A memory only ever moves warm -> long.
type Tier string

const (
	TierWarm Tier = "warm"
	TierLong Tier = "long"
)

// Category classifies the kind of knowledge a memory carries.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryDecision   Category = "decision"
	CategoryPreference Category = "preference"
	CategoryPattern    Category = "pattern"
	CategoryInsight    Category = "insight"
	CategoryReasoning  Category = "reasoning"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryFact,
	CategoryDecision,
	CategoryPreference,
	CategoryPattern,
	CategoryInsight,
	CategoryReasoning,
}

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// SystemForCategory maps a category to its memory system: 1 for knowledge
// categories, 2 for reasoning-type categories.
func SystemForCategory(c Category) int {
	switch c {
	case CategoryPattern, CategoryInsight, CategoryReasoning:
		return 2
	default:
		return 1
	}
}

// Relationship is a typed directed edge between two memories.
type Relationship string

const (
	RelationshipLeadsTo     Relationship = "leads_to"
	RelationshipContradicts Relationship = "contradicts"
	RelationshipSupports    Relationship = "supports"
	RelationshipSupersedes  Relationship = "supersedes"
)

// ValidRelationship reports whether r is a known relationship kind.
func ValidRelationship(r Relationship) bool {
	switch r {
	case RelationshipLeadsTo, RelationshipContradicts, RelationshipSupports, RelationshipSupersedes:
		return true
	default:
		return false
	}
}

// Memory is one distilled unit of knowledge owned by a single agent.
type Memory struct {
	ID                  string     `json:"memory_id"`
	AgentID             string     `json:"agent_id"`
	Tier                Tier       `json:"tier"`
	System              int        `json:"system"`
	Category            Category   `json:"category"`
	Content             string     `json:"content"`
	Context             string     `json:"context,omitempty"`
	SourceConversations []string   `json:"source_conversations,omitempty"`
	Confidence          float64    `json:"confidence"`
	CreatedAt           time.Time  `json:"created_at"`
	LastReinforcedAt    time.Time  `json:"last_reinforced_at"`
	ReinforcementCount  int        `json:"reinforcement_count"`
	AccessCount         int        `json:"access_count"`
	LastAccessedAt      *time.Time `json:"last_accessed_at,omitempty"`
	PromotedAt          *time.Time `json:"promoted_at,omitempty"`
}

// MemoryLink is a directed, typed edge between two memories.
type MemoryLink struct {
	FromID       string       `json:"from_memory_id"`
	ToID         string       `json:"to_memory_id"`
	Relationship Relationship `json:"relationship"`
	CreatedAt    time.Time    `json:"created_at"`
}

// RelatedMemory is one result of a bounded graph traversal.
type RelatedMemory struct {
	Memory       Memory       `json:"memory"`
	Relationship Relationship `json:"relationship"`
	Depth        int          `json:"depth"`
}

// SearchQuery filters a vector similarity search over memory embeddings.
// Zero-value Category and Tier match everything.
type SearchQuery struct {
	AgentID       string
	Vector        []float32
	Category      Category
	Tier          Tier
	MinConfidence float64
	Limit         int
}

// SearchResult pairs a memory with its cosine distance to the query vector.
// Results are ordered by ascending distance.
type SearchResult struct {
	Memory   Memory  `json:"memory"`
	Distance float64 `json:"distance"`
}

// RunStatus tracks a consolidation run's lifecycle.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ConsolidationRun records one consolidation invocation.
type ConsolidationRun struct {
	ID                     string     `json:"run_id"`
	AgentID                string     `json:"agent_id"`
	StartedAt              time.Time  `json:"started_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	Status                 RunStatus  `json:"status"`
	ConversationsProcessed int        `json:"conversations_processed"`
	MemoriesCreated        int        `json:"memories_created"`
	MemoriesReinforced     int        `json:"memories_reinforced"`
	MemoriesLinked         int        `json:"memories_linked"`
	Provider               string     `json:"llm_provider"`
	Errors                 []string   `json:"errors,omitempty"`
}

// RunProgress carries incremental counters for a running consolidation.
type RunProgress struct {
	ConversationsProcessed int
	MemoriesCreated        int
	MemoriesReinforced     int
	MemoriesLinked         int
}

// ConsolidatedConversation marks a transcript file as processed exactly once.
// Its presence is the sole idempotency guard against re-extraction.
type ConsolidatedConversation struct {
	ConversationFile  string    `json:"conversation_file"`
	AgentID           string    `json:"agent_id"`
	RunID             string    `json:"run_id"`
	ConsolidatedAt    time.Time `json:"consolidated_at"`
	MessageCount      int       `json:"message_count"`
	MemoriesExtracted int       `json:"memories_extracted"`
}

// ConversationIndexEntry tracks per-transcript indexing progress for the
// short-term message index.
type ConversationIndexEntry struct {
	AgentID                 string    `json:"agent_id"`
	ConversationFile        string    `json:"conversation_file"`
	Project                 string    `json:"project"`
	SessionID               string    `json:"session_id"`
	WorkingDir              string    `json:"working_dir,omitempty"`
	FirstUserMessage        string    `json:"first_user_message,omitempty"`
	LastIndexedAt           time.Time `json:"last_indexed_at"`
	LastIndexedMessageCount int       `json:"last_indexed_message_count"`
}

// Message is one raw transcript turn in the short-term index. Vector is
// optional; messages ingested without an embedder available carry none.
type Message struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	ConversationFile string    `json:"conversation_file"`
	Line             int       `json:"line"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"created_at"`
	Vector           []float32 `json:"-"`
}
