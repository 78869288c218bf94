package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcofalcone/engram/internal/store"
)

const extractionPrompt = `You are a memory distillation engine for a coding agent. Extract durable, reusable knowledge from the conversation below.

Rules:
1. Extract only knowledge worth keeping across sessions: facts about the codebase or environment, decisions and their rationale, user preferences, recurring patterns, insights, and reasoning strategies that worked.
2. Skip transient chatter, one-off command output, and anything tied only to this session.
3. Each memory must be concise and self-contained.
4. category must be one of: fact, decision, preference, pattern, insight, reasoning.
5. confidence must be in [0.0, 1.0].
6. Extract at most %d memories.

Return a strict JSON object:
{"memories":[{"content":"...","category":"fact","context":"...","confidence":0.8}]}

Conversation:
%s`

const relationshipPrompt = `You relate a new memory to existing ones. For each existing memory that is meaningfully connected to the new memory, emit one relationship.

relationship must be one of: leads_to, contradicts, supports, supersedes. Direction is from the new memory to the existing one. Emit nothing for weak or incidental connections.

Return a strict JSON object:
{"relationships":[{"memory_id":"...","relationship":"supports"}]}

New memory:
%s

Existing memories:
%s`

type extractionResult struct {
	Memories []Candidate `json:"memories"`
}

type relationshipResult struct {
	Relationships []Relation `json:"relationships"`
}

// parseCandidates decodes an extraction response, dropping malformed
// entries rather than failing the whole batch.
func parseCandidates(raw string, max int) ([]Candidate, error) {
	var decoded extractionResult
	if err := json.Unmarshal([]byte(stripFences(raw)), &decoded); err != nil {
		return nil, fmt.Errorf("parse extraction result: %w", err)
	}
	var out []Candidate
	for _, c := range decoded.Memories {
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" || !store.ValidCategory(c.Category) {
			continue
		}
		if c.Confidence < 0 {
			c.Confidence = 0
		} else if c.Confidence > 1 {
			c.Confidence = 1
		}
		out = append(out, c)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

func parseRelations(raw string, neighbors []store.Memory) ([]Relation, error) {
	var decoded relationshipResult
	if err := json.Unmarshal([]byte(stripFences(raw)), &decoded); err != nil {
		return nil, fmt.Errorf("parse relationship result: %w", err)
	}
	known := make(map[string]bool, len(neighbors))
	for _, n := range neighbors {
		known[n.ID] = true
	}
	var out []Relation
	for _, r := range decoded.Relationships {
		if !known[r.MemoryID] || !store.ValidRelationship(r.Relationship) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func formatNeighbors(neighbors []store.Memory) string {
	var b strings.Builder
	for _, n := range neighbors {
		fmt.Fprintf(&b, "- id=%s category=%s: %s\n", n.ID, n.Category, n.Content)
	}
	return b.String()
}

// stripFences removes a surrounding markdown code fence some models wrap
// JSON responses in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
