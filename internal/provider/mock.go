package provider

import (
	"context"
	"strings"

	"github.com/marcofalcone/engram/internal/store"
)

// MockExtractor is a deterministic extraction backend for tests and dev
// runs without any LLM at hand. It emits one candidate per non-empty
// transcript line that carries a category prefix like "decision: ...";
// unprefixed lines become facts.
type MockExtractor struct {
	// Candidates, when set, is returned verbatim instead of parsing.
	Candidates []Candidate
	// Relations, when set, is returned from FindRelationships after
	// filtering to known neighbors.
	Relations []Relation

	ExtractCalls int
}

func NewMockExtractor() *MockExtractor { return &MockExtractor{} }

func (e *MockExtractor) Name() string { return "mock" }

func (e *MockExtractor) Available(context.Context) bool { return true }

func (e *MockExtractor) ExtractMemories(_ context.Context, transcript string, opts ExtractOptions) ([]Candidate, error) {
	e.ExtractCalls++
	if e.Candidates != nil {
		return e.Candidates, nil
	}

	max := opts.MaxMemories
	if max <= 0 {
		max = 10
	}
	var out []Candidate
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		category := store.CategoryFact
		content := line
		if idx := strings.Index(line, ":"); idx > 0 {
			if c := store.Category(strings.TrimSpace(line[:idx])); store.ValidCategory(c) {
				category = c
				content = strings.TrimSpace(line[idx+1:])
			}
		}
		if content == "" {
			continue
		}
		out = append(out, Candidate{Content: content, Category: category, Confidence: 0.8})
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (e *MockExtractor) FindRelationships(_ context.Context, _ Candidate, neighbors []store.Memory) ([]Relation, error) {
	if e.Relations == nil {
		return nil, nil
	}
	known := make(map[string]bool, len(neighbors))
	for _, n := range neighbors {
		known[n.ID] = true
	}
	var out []Relation
	for _, r := range e.Relations {
		if known[r.MemoryID] {
			out = append(out, r)
		}
	}
	return out, nil
}
