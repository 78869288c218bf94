// Package consolidate turns unconsolidated transcripts into tiered
// memories exactly once each, with embedding-based deduplication.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/marcofalcone/engram/internal/indexer"
	"github.com/marcofalcone/engram/internal/observability"
	"github.com/marcofalcone/engram/internal/provider"
	"github.com/marcofalcone/engram/internal/store"
)

const (
	defaultMaxConversations = 50
	defaultMaxMemories      = 10
	minTranscriptChars      = 100
	perTurnCharCap          = 2000
	progressEvery           = 5
	dedupPoolSize           = 5
	dedupMinConfidence      = 0.5
	linkNeighborLimit       = 10
	defaultDedupThreshold   = 0.85
)

// Options bounds one consolidation run.
type Options struct {
	DryRun           bool
	MaxConversations int
	MinConfidence    float64
	MaxMemories      int
	Categories       []store.Category
	Provider         string
}

// Result is the structured outcome of a run.
type Result struct {
	RunID                  string          `json:"run_id"`
	Status                 store.RunStatus `json:"status"`
	DryRun                 bool            `json:"dry_run,omitempty"`
	ConversationsProcessed int             `json:"conversations_processed"`
	MemoriesCreated        int             `json:"memories_created"`
	MemoriesReinforced     int             `json:"memories_reinforced"`
	MemoriesLinked         int             `json:"memories_linked"`
	DurationMs             int64           `json:"duration_ms"`
	Errors                 []string        `json:"errors,omitempty"`
	ProviderUsed           string          `json:"provider_used"`
}

// Engine runs consolidation against a store, an embedder, and an
// extraction provider resolved per run.
type Engine struct {
	store       store.Store
	embedder    provider.Embedder
	providerCfg provider.Config
	preference  string
	threshold   float64
	metrics     *observability.Metrics
	log         *slog.Logger

	// Extractor, when set, bypasses provider selection. Tests use it.
	Extractor provider.Extractor
}

// New builds an engine. metrics may be nil; runs are then uninstrumented.
func New(st store.Store, embedder provider.Embedder, providerCfg provider.Config, preference string, threshold float64, metrics *observability.Metrics, log *slog.Logger) *Engine {
	if threshold <= 0 || threshold >= 1 {
		threshold = defaultDedupThreshold
	}
	return &Engine{
		store:       st,
		embedder:    embedder,
		providerCfg: providerCfg,
		preference:  preference,
		threshold:   threshold,
		metrics:     metrics,
		log:         log,
	}
}

// Consolidate processes up to MaxConversations unconsolidated transcripts
// for the agent. A transcript is marked consolidated only after all its
// candidates were handled, so a crash mid-run leaves it eligible for retry.
func (e *Engine) Consolidate(ctx context.Context, agentID string, opts Options) (Result, error) {
	start := time.Now()
	result := Result{
		RunID:  uuid.NewString(),
		DryRun: opts.DryRun,
		Status: store.RunStatusRunning,
	}
	defer func() { e.recordMetrics(result, opts.DryRun, start) }()

	extractor, err := e.selectExtractor(ctx, opts.Provider)
	if err != nil {
		e.providerError("none", "select")
		result.Status = store.RunStatusFailed
		result.Errors = append(result.Errors, err.Error())
		result.DurationMs = time.Since(start).Milliseconds()
		if !opts.DryRun {
			e.recordFailedRun(ctx, agentID, result, start)
		}
		return result, nil
	}
	result.ProviderUsed = extractor.Name()

	files, err := e.pendingFiles(ctx, agentID, opts)
	if err != nil {
		if errors.Is(err, store.ErrNotInitialized) {
			e.log.Info("store not initialized, skipping consolidation", "agent", agentID)
			result.Status = store.RunStatusCompleted
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		}
		result.Status = store.RunStatusFailed
		result.Errors = append(result.Errors, err.Error())
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	if !opts.DryRun {
		run := store.ConsolidationRun{
			ID:        result.RunID,
			AgentID:   agentID,
			StartedAt: start.UTC(),
			Status:    store.RunStatusRunning,
			Provider:  extractor.Name(),
		}
		if err := e.store.CreateRun(ctx, run); err != nil {
			result.Status = store.RunStatusFailed
			result.Errors = append(result.Errors, err.Error())
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		}
	}

	for _, file := range files {
		if err := e.consolidateFile(ctx, agentID, file, extractor, opts, &result); err != nil {
			e.log.Warn("transcript consolidation failed", "agent", agentID, "file", file, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", file, err))
			continue
		}
		result.ConversationsProcessed++
		if !opts.DryRun && result.ConversationsProcessed%progressEvery == 0 {
			e.updateProgress(ctx, result)
		}
	}

	if len(result.Errors) > 0 && result.ConversationsProcessed == 0 {
		result.Status = store.RunStatusFailed
	} else {
		result.Status = store.RunStatusCompleted
	}
	result.DurationMs = time.Since(start).Milliseconds()

	if !opts.DryRun {
		e.updateProgress(ctx, result)
		if err := e.store.FinalizeRun(ctx, result.RunID, result.Status, result.Errors, time.Now().UTC()); err != nil {
			e.log.Warn("finalize run failed", "agent", agentID, "run", result.RunID, "error", err)
		}
	}
	return result, nil
}

func (e *Engine) selectExtractor(ctx context.Context, preference string) (provider.Extractor, error) {
	if e.Extractor != nil {
		return e.Extractor, nil
	}
	if preference == "" {
		preference = e.preference
	}
	return provider.Select(ctx, e.providerCfg, preference)
}

// pendingFiles lists indexed transcripts not yet marked consolidated.
func (e *Engine) pendingFiles(ctx context.Context, agentID string, opts Options) ([]string, error) {
	entries, err := e.store.ListIndexEntries(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list index entries: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		files = append(files, entry.ConversationFile)
	}
	max := opts.MaxConversations
	if max <= 0 {
		max = defaultMaxConversations
	}
	pending, err := e.store.UnconsolidatedFiles(ctx, agentID, files, max)
	if err != nil {
		return nil, fmt.Errorf("list unconsolidated: %w", err)
	}
	return pending, nil
}

func (e *Engine) consolidateFile(ctx context.Context, agentID, file string, extractor provider.Extractor, opts Options, result *Result) error {
	turns, err := indexer.ReadTurns(file, 0)
	if err != nil {
		return err
	}
	text := formatTranscript(turns)
	if len(text) < minTranscriptChars {
		e.log.Debug("transcript too short, skipping", "agent", agentID, "file", file, "chars", len(text))
		return nil
	}

	maxMemories := opts.MaxMemories
	if maxMemories <= 0 {
		maxMemories = defaultMaxMemories
	}
	candidates, err := extractor.ExtractMemories(ctx, text, provider.ExtractOptions{MaxMemories: maxMemories})
	if err != nil {
		e.providerError(extractor.Name(), "extract")
		return fmt.Errorf("extract: %w", err)
	}
	candidates = filterCandidates(candidates, opts)

	// A bad candidate must not pin its transcript to the pending set
	// forever. Failures are recorded on the run and the rest of the batch
	// proceeds; only a batch where every candidate failed leaves the
	// transcript unmarked for retry.
	extracted := 0
	failed := 0
	for _, cand := range candidates {
		if err := e.handleCandidate(ctx, agentID, file, cand, extractor, opts.DryRun, result); err != nil {
			e.log.Warn("candidate failed", "agent", agentID, "file", file, "content", firstWords(cand.Content), "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: candidate %q: %v", file, firstWords(cand.Content), err))
			failed++
			continue
		}
		extracted++
	}
	if failed > 0 && extracted == 0 {
		return fmt.Errorf("all %d candidates failed", failed)
	}

	if opts.DryRun {
		return nil
	}
	marker := store.ConsolidatedConversation{
		AgentID:           agentID,
		ConversationFile:  file,
		RunID:             result.RunID,
		ConsolidatedAt:    time.Now().UTC(),
		MessageCount:      len(turns),
		MemoriesExtracted: extracted,
	}
	if err := e.store.MarkConsolidated(ctx, marker); err != nil {
		return fmt.Errorf("mark consolidated: %w", err)
	}
	return nil
}

// handleCandidate embeds one candidate and either reinforces its duplicate
// or creates a new warm memory with best-effort links.
func (e *Engine) handleCandidate(ctx context.Context, agentID, file string, cand provider.Candidate, extractor provider.Extractor, dryRun bool, result *Result) error {
	vectors, err := e.embedder.Embed(ctx, []string{cand.Content})
	if err != nil {
		e.providerError("embedder", "embed")
		return fmt.Errorf("embed: %w", err)
	}
	vec := vectors[0]

	similar, err := e.store.SearchSimilar(ctx, store.SearchQuery{
		AgentID:       agentID,
		Vector:        vec,
		Category:      cand.Category,
		MinConfidence: dedupMinConfidence,
		Limit:         dedupPoolSize,
	})
	if err != nil {
		return fmt.Errorf("dedup search: %w", err)
	}

	if len(similar) > 0 && similar[0].Distance < 1-e.threshold {
		if dryRun {
			e.log.Info("would reinforce", "agent", agentID, "memory", similar[0].Memory.ID, "distance", similar[0].Distance)
			result.MemoriesReinforced++
			return nil
		}
		if _, err := e.store.Reinforce(ctx, similar[0].Memory.ID, cand.Context, file, time.Now().UTC()); err != nil {
			return fmt.Errorf("reinforce: %w", err)
		}
		result.MemoriesReinforced++
		return nil
	}

	if dryRun {
		e.log.Info("would create", "agent", agentID, "category", cand.Category, "content", firstWords(cand.Content))
		result.MemoriesCreated++
		return nil
	}

	// Neighbors are fetched before the insert so the new memory cannot
	// match itself.
	neighbors, err := e.store.SearchSimilar(ctx, store.SearchQuery{
		AgentID: agentID,
		Vector:  vec,
		Limit:   linkNeighborLimit,
	})
	if err != nil {
		e.log.Warn("neighbor search failed", "agent", agentID, "error", err)
		neighbors = nil
	}

	now := time.Now().UTC()
	mem := store.Memory{
		ID:                  uuid.NewString(),
		AgentID:             agentID,
		Tier:                store.TierWarm,
		System:              store.SystemForCategory(cand.Category),
		Category:            cand.Category,
		Content:             cand.Content,
		Context:             cand.Context,
		SourceConversations: []string{file},
		Confidence:          cand.Confidence,
		CreatedAt:           now,
		LastReinforcedAt:    now,
		ReinforcementCount:  1,
	}
	if err := e.store.CreateMemory(ctx, mem, vec); err != nil {
		return fmt.Errorf("create memory: %w", err)
	}
	result.MemoriesCreated++

	e.linkNeighbors(ctx, mem, neighbors, cand, extractor, result)
	return nil
}

// linkNeighbors asks the provider to classify relationships to nearby
// memories. All failures are logged and swallowed; linking never fails a
// candidate.
func (e *Engine) linkNeighbors(ctx context.Context, mem store.Memory, neighbors []store.SearchResult, cand provider.Candidate, extractor provider.Extractor, result *Result) {
	if len(neighbors) == 0 {
		return
	}
	memories := make([]store.Memory, 0, len(neighbors))
	for _, n := range neighbors {
		memories = append(memories, n.Memory)
	}
	relations, err := extractor.FindRelationships(ctx, cand, memories)
	if err != nil {
		e.providerError(extractor.Name(), "relationships")
		e.log.Warn("relationship classification failed", "memory", mem.ID, "error", err)
		return
	}
	for _, rel := range relations {
		link := store.MemoryLink{
			FromID:       mem.ID,
			ToID:         rel.MemoryID,
			Relationship: rel.Relationship,
			CreatedAt:    time.Now().UTC(),
		}
		if err := e.store.AddLink(ctx, link); err != nil {
			e.log.Warn("link persist failed", "from", mem.ID, "to", rel.MemoryID, "error", err)
			continue
		}
		result.MemoriesLinked++
	}
}

// recordMetrics counts one finished non-dry run. Scheduled and
// API-triggered runs both end up here.
func (e *Engine) recordMetrics(result Result, dryRun bool, start time.Time) {
	if e.metrics == nil || dryRun {
		return
	}
	e.metrics.ConsolidationRuns.WithLabelValues(string(result.Status)).Inc()
	e.metrics.MemoriesCreated.Add(float64(result.MemoriesCreated))
	e.metrics.MemoriesReinforced.Add(float64(result.MemoriesReinforced))
	e.metrics.MemoriesLinked.Add(float64(result.MemoriesLinked))
	e.metrics.ObserveRun("consolidate", time.Since(start))
}

func (e *Engine) providerError(name, operation string) {
	if e.metrics != nil {
		e.metrics.ProviderErrors.WithLabelValues(name, operation).Inc()
	}
}

func (e *Engine) updateProgress(ctx context.Context, result Result) {
	err := e.store.UpdateRunProgress(ctx, result.RunID, store.RunProgress{
		ConversationsProcessed: result.ConversationsProcessed,
		MemoriesCreated:        result.MemoriesCreated,
		MemoriesReinforced:     result.MemoriesReinforced,
		MemoriesLinked:         result.MemoriesLinked,
	})
	if err != nil {
		e.log.Warn("run progress update failed", "run", result.RunID, "error", err)
	}
}

func (e *Engine) recordFailedRun(ctx context.Context, agentID string, result Result, start time.Time) {
	run := store.ConsolidationRun{
		ID:        result.RunID,
		AgentID:   agentID,
		StartedAt: start.UTC(),
		Status:    store.RunStatusRunning,
		Provider:  result.ProviderUsed,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		e.log.Warn("record failed run", "agent", agentID, "error", err)
		return
	}
	if err := e.store.FinalizeRun(ctx, result.RunID, store.RunStatusFailed, result.Errors, time.Now().UTC()); err != nil {
		e.log.Warn("finalize failed run", "agent", agentID, "error", err)
	}
}

func filterCandidates(candidates []provider.Candidate, opts Options) []provider.Candidate {
	allowed := make(map[store.Category]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		allowed[c] = true
	}
	var out []provider.Candidate
	for _, cand := range candidates {
		if cand.Confidence < opts.MinConfidence {
			continue
		}
		if len(allowed) > 0 && !allowed[cand.Category] {
			continue
		}
		out = append(out, cand)
	}
	return out
}

// formatTranscript renders turns as role-tagged blocks, each capped to
// bound prompt size.
func formatTranscript(turns []indexer.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&b, "%s: %s\n\n", turn.Role, truncateBytes(turn.Content, perTurnCharCap))
	}
	return strings.TrimSpace(b.String())
}

// truncateBytes cuts s to at most max bytes without splitting a rune.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func firstWords(s string) string {
	if len(s) <= 60 {
		return s
	}
	return truncateBytes(s, 60) + "..."
}
