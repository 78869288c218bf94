package provider

import (
	"testing"

	"github.com/marcofalcone/engram/internal/store"
)

func TestParseCandidatesDropsMalformedEntries(t *testing.T) {
	raw := "```json\n" + `{"memories":[
		{"content":"uses pnpm not npm","category":"preference","confidence":0.9},
		{"content":"","category":"fact","confidence":0.5},
		{"content":"something","category":"banana","confidence":0.5},
		{"content":"confidence gets clamped","category":"fact","confidence":1.7}
	]}` + "\n```"

	got, err := parseCandidates(raw, 10)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].Category != store.CategoryPreference {
		t.Fatalf("category = %q, want preference", got[0].Category)
	}
	if got[1].Confidence != 1 {
		t.Fatalf("confidence = %v, want clamped to 1", got[1].Confidence)
	}
}

func TestParseCandidatesHonorsMax(t *testing.T) {
	raw := `{"memories":[
		{"content":"a","category":"fact","confidence":0.5},
		{"content":"b","category":"fact","confidence":0.5},
		{"content":"c","category":"fact","confidence":0.5}
	]}`
	got, err := parseCandidates(raw, 2)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
}

func TestParseCandidatesRejectsNonJSON(t *testing.T) {
	if _, err := parseCandidates("I could not find any memories.", 10); err == nil {
		t.Fatal("prose response accepted")
	}
}

func TestParseRelationsFiltersUnknownTargets(t *testing.T) {
	neighbors := []store.Memory{{ID: "m1"}, {ID: "m2"}}
	raw := `{"relationships":[
		{"memory_id":"m1","relationship":"supports"},
		{"memory_id":"ghost","relationship":"supports"},
		{"memory_id":"m2","relationship":"not_a_relationship"}
	]}`
	got, err := parseRelations(raw, neighbors)
	if err != nil {
		t.Fatalf("parseRelations: %v", err)
	}
	if len(got) != 1 || got[0].MemoryID != "m1" {
		t.Fatalf("relations = %v, want only m1", got)
	}
}
