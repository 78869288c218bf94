package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/marcofalcone/engram/internal/observability"
	"github.com/marcofalcone/engram/internal/provider"
	"github.com/marcofalcone/engram/internal/store"
)

const defaultBatchSize = 100

// Indexer keeps the short-term message index current with on-disk
// transcripts, ingesting only appended lines.
type Indexer struct {
	store     store.Store
	embedder  provider.Embedder
	catalog   *Catalog
	sizes     *SizeCache
	gate      *Gate
	metrics   *observability.Metrics
	log       *slog.Logger
	root      string
	batchSize int
}

type PendingFile struct {
	Entry        store.ConversationIndexEntry
	CurrentLines int
	Delta        int
	FileSize     int64
}

// New builds an indexer. embedder may be nil; messages are then stored
// without vectors. metrics may be nil; runs are then uninstrumented.
func New(st store.Store, embedder provider.Embedder, catalog *Catalog, sizes *SizeCache, gate *Gate, root string, batchSize int, metrics *observability.Metrics, log *slog.Logger) *Indexer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Indexer{
		store:     st,
		embedder:  embedder,
		catalog:   catalog,
		sizes:     sizes,
		gate:      gate,
		metrics:   metrics,
		log:       log,
		root:      root,
		batchSize: batchSize,
	}
}

// Discover records index entries for transcripts the agent has not seen
// yet. Only a bounded header read touches each new file. In dry-run mode
// nothing is recorded; the count of would-be discoveries is still returned.
func (ix *Indexer) Discover(ctx context.Context, agent Agent, dryRun bool) (int, error) {
	candidates, err := ix.newCandidates(ctx, agent)
	if err != nil {
		return 0, err
	}

	discovered := 0
	for _, candidate := range candidates {
		header := Header{SessionID: candidate.SessionID, WorkingDir: candidate.WorkingDir}
		if header.SessionID == "" {
			h, err := PeekHeader(candidate.Path)
			if err != nil {
				ix.log.Warn("header peek failed", "agent", agent.ID, "file", candidate.Path, "error", err)
				continue
			}
			header = h
		}
		discovered++
		if dryRun {
			continue
		}
		entry := store.ConversationIndexEntry{
			AgentID:                 agent.ID,
			ConversationFile:        candidate.Path,
			Project:                 candidate.Project,
			SessionID:               header.SessionID,
			WorkingDir:              header.WorkingDir,
			FirstUserMessage:        header.FirstUserMessage,
			LastIndexedAt:           time.Now().UTC(),
			LastIndexedMessageCount: 0,
		}
		if err := ix.store.UpsertIndexEntry(ctx, entry); err != nil {
			return discovered, fmt.Errorf("discover: record %s: %w", candidate.Path, err)
		}
	}
	return discovered, nil
}

// newCandidates filters the agent's candidate transcripts down to files
// with no index entry yet.
func (ix *Indexer) newCandidates(ctx context.Context, agent Agent) ([]CatalogEntry, error) {
	entries, err := ix.store.ListIndexEntries(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.ConversationFile] = true
	}
	var out []CatalogEntry
	for _, candidate := range ix.candidateFiles(agent) {
		if !known[candidate.Path] {
			out = append(out, candidate)
		}
	}
	return out, nil
}

// candidateFiles lists transcripts that may belong to the agent. With
// explicit project directories, each is globbed directly; otherwise the
// host-wide catalog is filtered by session id or working-dir membership.
func (ix *Indexer) candidateFiles(agent Agent) []CatalogEntry {
	if len(agent.Projects) > 0 {
		var out []CatalogEntry
		for _, project := range agent.Projects {
			dir := filepath.Join(ix.root, project)
			matches, err := doublestar.Glob(os.DirFS(dir), "*.jsonl")
			if err != nil {
				ix.log.Warn("project scan failed", "agent", agent.ID, "dir", dir, "error", err)
				continue
			}
			for _, name := range matches {
				out = append(out, CatalogEntry{Path: filepath.Join(dir, name), Project: project})
			}
		}
		return out
	}

	var out []CatalogEntry
	for _, entry := range ix.catalog.Entries() {
		if entry.SessionID != "" && entry.SessionID == agent.ID {
			out = append(out, entry)
			continue
		}
		if agent.Workspace != "" && entry.WorkingDir != "" && withinDir(entry.WorkingDir, agent.Workspace) {
			out = append(out, entry)
		}
	}
	return out
}

// SelectPending finds index entries whose transcript grew since the last
// run. An unchanged file size short-circuits without any read.
func (ix *Indexer) SelectPending(ctx context.Context, agent Agent) ([]PendingFile, error) {
	entries, err := ix.store.ListIndexEntries(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var out []PendingFile
	for _, entry := range entries {
		info, err := os.Stat(entry.ConversationFile)
		if err != nil {
			ix.log.Warn("transcript vanished", "agent", agent.ID, "file", entry.ConversationFile, "error", err)
			continue
		}
		size := info.Size()
		if cached, ok := ix.sizes.Get(entry.ConversationFile); ok && cached == size && entry.LastIndexedMessageCount > 0 {
			continue
		}
		lines, err := CountLines(entry.ConversationFile)
		if err != nil {
			ix.log.Warn("line count failed", "agent", agent.ID, "file", entry.ConversationFile, "error", err)
			continue
		}
		delta := lines - entry.LastIndexedMessageCount
		if delta <= 0 {
			// Fully indexed; remember the size so the next pass skips the count.
			ix.sizes.Set(entry.ConversationFile, size)
			continue
		}
		out = append(out, PendingFile{Entry: entry, CurrentLines: lines, Delta: delta, FileSize: size})
	}
	return out, nil
}

// RunDelta runs discovery, selection, and ingestion for one agent under the
// global admission gate. A store without its schema yet is a benign no-op.
// Scheduled and API-triggered runs both pass through here, so run counters,
// durations, and gate gauges are recorded at this level.
func (ix *Indexer) RunDelta(ctx context.Context, agent Agent, opts RunOptions) (result IndexDeltaResult, err error) {
	start := time.Now()
	result = IndexDeltaResult{DryRun: opts.DryRun}
	defer func() { ix.recordRun(result, opts.DryRun, err, start) }()

	if ix.metrics != nil {
		ix.metrics.IndexQueueDepth.Inc()
	}
	gateErr := ix.gate.Acquire(ctx)
	if ix.metrics != nil {
		ix.metrics.IndexQueueDepth.Dec()
	}
	if gateErr != nil {
		return result, fmt.Errorf("run delta: %w", gateErr)
	}
	defer ix.gate.Release()
	if ix.metrics != nil {
		ix.metrics.IndexInFlight.Inc()
		defer ix.metrics.IndexInFlight.Dec()
	}

	discovered, err := ix.Discover(ctx, agent, opts.DryRun)
	if err != nil {
		if errors.Is(err, store.ErrNotInitialized) {
			ix.log.Info("store not initialized, skipping index run", "agent", agent.ID)
			result.Success = true
			result.TotalDurationMs = time.Since(start).Milliseconds()
			return result, nil
		}
		return result, err
	}
	result.NewConversationsDiscovered = discovered

	pending, err := ix.SelectPending(ctx, agent)
	if err != nil {
		if errors.Is(err, store.ErrNotInitialized) {
			ix.log.Info("store not initialized, skipping index run", "agent", agent.ID)
			result.Success = true
			result.TotalDurationMs = time.Since(start).Milliseconds()
			return result, nil
		}
		return result, err
	}
	result.ConversationsNeedingIndex = len(pending)

	if opts.DryRun {
		for _, p := range pending {
			result.Report = append(result.Report, PendingReport{
				File:           p.Entry.ConversationFile,
				AlreadyIndexed: p.Entry.LastIndexedMessageCount,
				CurrentLines:   p.CurrentLines,
				DeltaToIndex:   p.Delta,
			})
		}
		// Undiscovered transcripts have no index entry yet; report their
		// full line count as the pending delta.
		candidates, err := ix.newCandidates(ctx, agent)
		if err == nil {
			for _, c := range candidates {
				lines, err := CountLines(c.Path)
				if err != nil {
					continue
				}
				result.Report = append(result.Report, PendingReport{
					File:         c.Path,
					CurrentLines: lines,
					DeltaToIndex: lines,
				})
			}
		}
		result.Success = true
		result.TotalDurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = ix.batchSize
	}
	for _, p := range pending {
		fr := FileResult{
			File:           p.Entry.ConversationFile,
			AlreadyIndexed: p.Entry.LastIndexedMessageCount,
			CurrentLines:   p.CurrentLines,
			Delta:          p.Delta,
		}
		indexed, err := ix.ingest(ctx, agent, p, batchSize)
		if err != nil {
			ix.log.Warn("transcript ingest failed", "agent", agent.ID, "file", p.Entry.ConversationFile, "error", err)
			fr.Error = err.Error()
			result.Results = append(result.Results, fr)
			continue
		}
		fr.MessagesIndexed = indexed
		result.Results = append(result.Results, fr)
		result.ConversationsIndexed++
		result.TotalMessagesProcessed += indexed
	}

	result.Success = true
	result.TotalDurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// recordRun counts one finished non-dry run. Dry runs touch nothing.
func (ix *Indexer) recordRun(result IndexDeltaResult, dryRun bool, err error, start time.Time) {
	if ix.metrics == nil || dryRun {
		return
	}
	outcome := "completed"
	if err != nil || !result.Success {
		outcome = "failed"
	}
	ix.metrics.IndexRuns.WithLabelValues(outcome).Inc()
	ix.metrics.MessagesIndexed.Add(float64(result.TotalMessagesProcessed))
	ix.metrics.ObserveRun("index", time.Since(start))
}

func (ix *Indexer) ingest(ctx context.Context, agent Agent, p PendingFile, batchSize int) (int, error) {
	turns, err := ReadTurns(p.Entry.ConversationFile, p.Entry.LastIndexedMessageCount)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	msgs := make([]store.Message, 0, len(turns))
	for _, turn := range turns {
		createdAt := turn.Timestamp
		if createdAt.IsZero() {
			createdAt = now
		}
		msgs = append(msgs, store.Message{
			ID:               uuid.NewString(),
			AgentID:          agent.ID,
			ConversationFile: p.Entry.ConversationFile,
			Line:             turn.Line,
			Role:             turn.Role,
			Content:          turn.Content,
			CreatedAt:        createdAt,
		})
	}

	if ix.embedder != nil && len(msgs) > 0 {
		texts := make([]string, len(msgs))
		for i, m := range msgs {
			texts[i] = m.Content
		}
		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			if ix.metrics != nil {
				ix.metrics.ProviderErrors.WithLabelValues("embedder", "embed").Inc()
			}
			ix.log.Warn("message embedding failed, storing without vectors",
				"agent", agent.ID, "file", p.Entry.ConversationFile, "error", err)
		} else {
			for i := range msgs {
				msgs[i].Vector = vectors[i]
			}
		}
	}

	for start := 0; start < len(msgs); start += batchSize {
		end := start + batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := ix.store.InsertMessages(ctx, msgs[start:end]); err != nil {
			return 0, err
		}
	}

	entry := p.Entry
	entry.LastIndexedMessageCount = p.CurrentLines
	entry.LastIndexedAt = now
	if err := ix.store.UpsertIndexEntry(ctx, entry); err != nil {
		return 0, err
	}
	ix.sizes.Set(p.Entry.ConversationFile, p.FileSize)
	return len(msgs), nil
}

// withinDir reports whether path is dir or contained in dir.
func withinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
