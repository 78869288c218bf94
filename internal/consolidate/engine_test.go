package consolidate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/marcofalcone/engram/internal/indexer"
	"github.com/marcofalcone/engram/internal/observability"
	"github.com/marcofalcone/engram/internal/provider"
	"github.com/marcofalcone/engram/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTranscript writes enough role-tagged content to clear the minimum
// transcript length.
func writeTranscript(t *testing.T, dir, name string, turns int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var data string
	for i := 0; i < turns; i++ {
		turnType := "user"
		if i%2 == 1 {
			turnType = "assistant"
		}
		data += fmt.Sprintf(
			`{"type":%q,"sessionId":"s1","cwd":"/w","message":{"role":%q,"content":[{"type":"text","text":"this is a reasonably long transcript turn number %d about the build system"}]}}`,
			turnType, turnType, i,
		) + "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func registerTranscript(t *testing.T, st *store.InMemoryStore, agentID, file string) {
	t.Helper()
	err := st.UpsertIndexEntry(context.Background(), store.ConversationIndexEntry{
		AgentID:          agentID,
		ConversationFile: file,
		LastIndexedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("register transcript: %v", err)
	}
}

func newTestEngine(st *store.InMemoryStore, extractor provider.Extractor) *Engine {
	e := New(st, provider.NewMockEmbedder(32), provider.Config{}, "mock", 0.85, nil, discardLogger())
	e.Extractor = extractor
	return e
}

func TestConsolidateCreatesAndMarks(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	file := writeTranscript(t, dir, "conv-1.jsonl", 6)
	registerTranscript(t, st, "agent-a", file)

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "the build uses make with a vendored toolchain", Category: store.CategoryFact, Confidence: 0.9},
		{Content: "prefer squash merges on this repo", Category: store.CategoryPreference, Confidence: 0.8},
	}
	engine := newTestEngine(st, extractor)

	result, err := engine.Consolidate(context.Background(), "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Status != store.RunStatusCompleted {
		t.Fatalf("status = %q, want completed (errors: %v)", result.Status, result.Errors)
	}
	if result.ConversationsProcessed != 1 {
		t.Fatalf("processed = %d, want 1", result.ConversationsProcessed)
	}
	if result.MemoriesCreated != 2 {
		t.Fatalf("created = %d, want 2", result.MemoriesCreated)
	}
	if st.MemoryCount("agent-a") != 2 {
		t.Fatalf("stored memories = %d, want 2", st.MemoryCount("agent-a"))
	}

	runs, err := st.ListRuns(context.Background(), "agent-a", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.RunStatusCompleted {
		t.Fatalf("runs = %+v, want one completed run", runs)
	}
	if runs[0].MemoriesCreated != 2 {
		t.Fatalf("run created counter = %d, want 2", runs[0].MemoriesCreated)
	}
}

func TestConsolidateIdempotentPerTranscript(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	file := writeTranscript(t, dir, "conv-1.jsonl", 6)
	registerTranscript(t, st, "agent-a", file)

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "uses postgres for storage", Category: store.CategoryFact, Confidence: 0.9},
	}
	engine := newTestEngine(st, extractor)
	ctx := context.Background()

	if _, err := engine.Consolidate(ctx, "agent-a", Options{}); err != nil {
		t.Fatalf("first Consolidate: %v", err)
	}
	if extractor.ExtractCalls != 1 {
		t.Fatalf("extract calls = %d, want 1", extractor.ExtractCalls)
	}

	result, err := engine.Consolidate(ctx, "agent-a", Options{})
	if err != nil {
		t.Fatalf("second Consolidate: %v", err)
	}
	if extractor.ExtractCalls != 1 {
		t.Fatalf("extract calls after rerun = %d, want still 1", extractor.ExtractCalls)
	}
	if result.ConversationsProcessed != 0 {
		t.Fatalf("second run processed = %d, want 0", result.ConversationsProcessed)
	}
}

func TestConsolidateDedupReinforces(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	fileA := writeTranscript(t, dir, "conv-1.jsonl", 6)
	fileB := writeTranscript(t, dir, "conv-2.jsonl", 6)
	registerTranscript(t, st, "agent-a", fileA)
	registerTranscript(t, st, "agent-a", fileB)

	// Both transcripts yield the same fact; the mock embedder maps equal
	// content to identical vectors, so the second hit must reinforce.
	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "uses PostgreSQL for storage", Category: store.CategoryFact, Context: "while wiring the db", Confidence: 0.9},
	}
	engine := newTestEngine(st, extractor)

	result, err := engine.Consolidate(context.Background(), "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.MemoriesCreated != 1 || result.MemoriesReinforced != 1 {
		t.Fatalf("created/reinforced = %d/%d, want 1/1", result.MemoriesCreated, result.MemoriesReinforced)
	}
	if st.MemoryCount("agent-a") != 1 {
		t.Fatalf("stored memories = %d, want 1", st.MemoryCount("agent-a"))
	}

	results, err := st.SearchSimilar(context.Background(), store.SearchQuery{
		AgentID: "agent-a",
		Vector:  mustEmbed(t, "uses PostgreSQL for storage"),
		Limit:   1,
	})
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	mem := results[0].Memory
	if mem.ReinforcementCount != 2 {
		t.Fatalf("reinforcement count = %d, want 2", mem.ReinforcementCount)
	}
	if len(mem.SourceConversations) != 2 {
		t.Fatalf("sources = %v, want both transcripts", mem.SourceConversations)
	}
}

func TestConsolidateDedupBoundaryCreatesBoth(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	fileA := writeTranscript(t, dir, "conv-1.jsonl", 6)
	fileB := writeTranscript(t, dir, "conv-2.jsonl", 6)
	registerTranscript(t, st, "agent-a", fileA)
	registerTranscript(t, st, "agent-a", fileB)

	// Disjoint token sets embed orthogonally, far beyond the threshold.
	extractor := &alternatingExtractor{candidates: [][]provider.Candidate{
		{{Content: "alpha bravo charlie", Category: store.CategoryFact, Confidence: 0.9}},
		{{Content: "delta echo foxtrot", Category: store.CategoryFact, Confidence: 0.9}},
	}}
	engine := newTestEngine(st, extractor)

	result, err := engine.Consolidate(context.Background(), "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.MemoriesCreated != 2 || result.MemoriesReinforced != 0 {
		t.Fatalf("created/reinforced = %d/%d, want 2/0", result.MemoriesCreated, result.MemoriesReinforced)
	}
}

func TestConsolidateDryRunIsPure(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	file := writeTranscript(t, dir, "conv-1.jsonl", 6)
	registerTranscript(t, st, "agent-a", file)

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "a durable fact", Category: store.CategoryFact, Confidence: 0.9},
	}
	engine := newTestEngine(st, extractor)
	ctx := context.Background()

	dry, err := engine.Consolidate(ctx, "agent-a", Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry Consolidate: %v", err)
	}
	if dry.MemoriesCreated != 1 {
		t.Fatalf("dry created = %d, want 1 planned", dry.MemoriesCreated)
	}
	if st.MemoryCount("agent-a") != 0 {
		t.Fatal("dry run stored a memory")
	}
	runs, _ := st.ListRuns(ctx, "agent-a", 10)
	if len(runs) != 0 {
		t.Fatal("dry run persisted a run record")
	}
	pending, err := st.UnconsolidatedFiles(ctx, "agent-a", []string{file}, 0)
	if err != nil {
		t.Fatalf("UnconsolidatedFiles: %v", err)
	}
	if len(pending) != 1 {
		t.Fatal("dry run marked the transcript consolidated")
	}

	// Real run afterwards executes the same plan.
	real, err := engine.Consolidate(ctx, "agent-a", Options{})
	if err != nil {
		t.Fatalf("real Consolidate: %v", err)
	}
	if real.MemoriesCreated != dry.MemoriesCreated {
		t.Fatalf("real created = %d, dry planned = %d", real.MemoriesCreated, dry.MemoriesCreated)
	}
}

func TestConsolidateSkipsShortTranscripts(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	path := filepath.Join(dir, "tiny.jsonl")
	line := `{"type":"user","sessionId":"s1","cwd":"/w","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}` + "\n"
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	registerTranscript(t, st, "agent-a", path)

	extractor := provider.NewMockExtractor()
	engine := newTestEngine(st, extractor)

	result, err := engine.Consolidate(context.Background(), "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if extractor.ExtractCalls != 0 {
		t.Fatalf("extract calls = %d, want 0 for short transcript", extractor.ExtractCalls)
	}
	if result.Status != store.RunStatusCompleted {
		t.Fatalf("status = %q, want completed", result.Status)
	}
}

func TestConsolidateLinksNeighbors(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	ctx := context.Background()

	existing := store.Memory{
		ID:               "m-existing",
		AgentID:          "agent-a",
		Tier:             store.TierWarm,
		System:           1,
		Category:         store.CategoryDecision,
		Content:          "alpha bravo charlie delta",
		Confidence:       0.9,
		CreatedAt:        time.Now().UTC(),
		LastReinforcedAt: time.Now().UTC(),
	}
	if err := st.CreateMemory(ctx, existing, mustEmbed(t, existing.Content)); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	file := writeTranscript(t, dir, "conv-1.jsonl", 6)
	registerTranscript(t, st, "agent-a", file)

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "echo foxtrot golf hotel", Category: store.CategoryFact, Confidence: 0.9},
	}
	extractor.Relations = []provider.Relation{
		{MemoryID: "m-existing", Relationship: store.RelationshipSupports},
	}
	engine := newTestEngine(st, extractor)

	result, err := engine.Consolidate(ctx, "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.MemoriesLinked != 1 {
		t.Fatalf("linked = %d, want 1", result.MemoriesLinked)
	}
}

func TestConsolidateFailedOnlyWithZeroProgress(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	good := writeTranscript(t, dir, "good.jsonl", 6)
	registerTranscript(t, st, "agent-a", good)
	registerTranscript(t, st, "agent-a", filepath.Join(dir, "vanished.jsonl"))

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "one good fact", Category: store.CategoryFact, Confidence: 0.9},
	}
	engine := newTestEngine(st, extractor)

	result, err := engine.Consolidate(context.Background(), "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Status != store.RunStatusCompleted {
		t.Fatalf("status = %q, want completed despite one error", result.Status)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly the vanished file", result.Errors)
	}
	if result.ConversationsProcessed != 1 {
		t.Fatalf("processed = %d, want 1", result.ConversationsProcessed)
	}
}

func TestConsolidateNoProviderFailsRun(t *testing.T) {
	st := store.NewInMemoryStore()
	engine := New(st, provider.NewMockEmbedder(32), provider.Config{OllamaBaseURL: "http://127.0.0.1:1"}, "auto", 0.85, nil, discardLogger())

	result, err := engine.Consolidate(context.Background(), "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Status != store.RunStatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.ConversationsProcessed != 0 {
		t.Fatalf("processed = %d, want 0", result.ConversationsProcessed)
	}

	runs, _ := st.ListRuns(context.Background(), "agent-a", 10)
	if len(runs) != 1 || runs[0].Status != store.RunStatusFailed {
		t.Fatalf("runs = %+v, want one failed run recorded", runs)
	}
}

// alternatingExtractor returns a different candidate set per call.
type alternatingExtractor struct {
	candidates [][]provider.Candidate
	calls      int
}

func (e *alternatingExtractor) Name() string { return "mock" }

func (e *alternatingExtractor) Available(context.Context) bool { return true }

func (e *alternatingExtractor) ExtractMemories(context.Context, string, provider.ExtractOptions) ([]provider.Candidate, error) {
	set := e.candidates[e.calls%len(e.candidates)]
	e.calls++
	return set, nil
}

func (e *alternatingExtractor) FindRelationships(context.Context, provider.Candidate, []store.Memory) ([]provider.Relation, error) {
	return nil, nil
}

func mustEmbed(t *testing.T, text string) []float32 {
	t.Helper()
	vectors, err := provider.NewMockEmbedder(32).Embed(context.Background(), []string{text})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	return vectors[0]
}

// failingEmbedder errors for one exact text and delegates the rest.
type failingEmbedder struct {
	inner  provider.Embedder
	failOn string
}

func (e *failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, text := range texts {
		if text == e.failOn {
			return nil, fmt.Errorf("embedding backend unavailable")
		}
	}
	return e.inner.Embed(ctx, texts)
}

func (e *failingEmbedder) Dimensions() int { return e.inner.Dimensions() }

func TestConsolidateContinuesPastFailingCandidate(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	file := writeTranscript(t, dir, "conv-1.jsonl", 6)
	registerTranscript(t, st, "agent-a", file)

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "this candidate cannot be embedded", Category: store.CategoryFact, Confidence: 0.9},
		{Content: "the deploy pipeline gates on integration tests", Category: store.CategoryFact, Confidence: 0.9},
	}
	embedder := &failingEmbedder{inner: provider.NewMockEmbedder(32), failOn: "this candidate cannot be embedded"}
	engine := New(st, embedder, provider.Config{}, "mock", 0.85, nil, discardLogger())
	engine.Extractor = extractor
	ctx := context.Background()

	result, err := engine.Consolidate(ctx, "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Status != store.RunStatusCompleted {
		t.Fatalf("status = %q, want completed (errors: %v)", result.Status, result.Errors)
	}
	if result.MemoriesCreated != 1 {
		t.Fatalf("created = %d, want 1", result.MemoriesCreated)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one candidate error", result.Errors)
	}

	// The transcript is consolidated despite the bad candidate; a second
	// run must not re-extract it.
	if _, err := engine.Consolidate(ctx, "agent-a", Options{}); err != nil {
		t.Fatalf("second Consolidate: %v", err)
	}
	if extractor.ExtractCalls != 1 {
		t.Fatalf("extract calls = %d, want 1", extractor.ExtractCalls)
	}
}

func TestConsolidateRetriesWhenAllCandidatesFail(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	file := writeTranscript(t, dir, "conv-1.jsonl", 6)
	registerTranscript(t, st, "agent-a", file)

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "this candidate cannot be embedded", Category: store.CategoryFact, Confidence: 0.9},
	}
	embedder := &failingEmbedder{inner: provider.NewMockEmbedder(32), failOn: "this candidate cannot be embedded"}
	engine := New(st, embedder, provider.Config{}, "mock", 0.85, nil, discardLogger())
	engine.Extractor = extractor
	ctx := context.Background()

	result, err := engine.Consolidate(ctx, "agent-a", Options{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Status != store.RunStatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.MemoriesCreated != 0 {
		t.Fatalf("created = %d, want 0", result.MemoriesCreated)
	}

	// Nothing succeeded, so the transcript stays pending and is offered
	// to the extractor again.
	if _, err := engine.Consolidate(ctx, "agent-a", Options{}); err != nil {
		t.Fatalf("second Consolidate: %v", err)
	}
	if extractor.ExtractCalls != 2 {
		t.Fatalf("extract calls = %d, want 2", extractor.ExtractCalls)
	}
}

func TestConsolidateRecordsMetrics(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	file := writeTranscript(t, dir, "conv-1.jsonl", 6)
	registerTranscript(t, st, "agent-a", file)

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "the formatter runs as a pre-commit hook", Category: store.CategoryFact, Confidence: 0.9},
		{Content: "releases are cut from the main branch", Category: store.CategoryDecision, Confidence: 0.8},
	}
	metrics := observability.NewMetrics("consolidate_run_metrics_test")
	engine := New(st, provider.NewMockEmbedder(32), provider.Config{}, "mock", 0.85, metrics, discardLogger())
	engine.Extractor = extractor

	if _, err := engine.Consolidate(context.Background(), "agent-a", Options{}); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	if got := testutil.ToFloat64(metrics.ConsolidationRuns.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed runs counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.MemoriesCreated); got != 2 {
		t.Fatalf("created counter = %v, want 2", got)
	}
}

func TestConsolidateCountsProviderErrors(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	file := writeTranscript(t, dir, "conv-1.jsonl", 6)
	registerTranscript(t, st, "agent-a", file)

	extractor := provider.NewMockExtractor()
	extractor.Candidates = []provider.Candidate{
		{Content: "this candidate cannot be embedded", Category: store.CategoryFact, Confidence: 0.9},
	}
	embedder := &failingEmbedder{inner: provider.NewMockEmbedder(32), failOn: "this candidate cannot be embedded"}
	metrics := observability.NewMetrics("consolidate_provider_errors_test")
	engine := New(st, embedder, provider.Config{}, "mock", 0.85, metrics, discardLogger())
	engine.Extractor = extractor

	if _, err := engine.Consolidate(context.Background(), "agent-a", Options{}); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	if got := testutil.ToFloat64(metrics.ProviderErrors.WithLabelValues("embedder", "embed")); got != 1 {
		t.Fatalf("embed error counter = %v, want 1", got)
	}
}

func TestFormatTranscriptKeepsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("界", perTurnCharCap/3+40)
	if utf8.ValidString(long[:perTurnCharCap]) {
		t.Fatal("byte cut unexpectedly lands on a rune boundary")
	}

	got := formatTranscript([]indexer.Turn{{Role: "user", Content: long}})
	if !utf8.ValidString(got) {
		t.Fatal("formatted transcript contains invalid UTF-8")
	}
	body := strings.TrimPrefix(got, "user: ")
	if len(body) > perTurnCharCap {
		t.Fatalf("turn body = %d bytes, want at most %d", len(body), perTurnCharCap)
	}
}
