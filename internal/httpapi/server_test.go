package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcofalcone/engram/internal/config"
	"github.com/marcofalcone/engram/internal/consolidate"
	"github.com/marcofalcone/engram/internal/indexer"
	"github.com/marcofalcone/engram/internal/provider"
	"github.com/marcofalcone/engram/internal/store"
	"github.com/marcofalcone/engram/internal/tier"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.InMemoryStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewInMemoryStore()
	embedder := provider.NewMockEmbedder(32)
	root := t.TempDir()

	ix := indexer.New(st, embedder, indexer.NewCatalog(root, log), indexer.NewSizeCache(), indexer.NewGate(1), root, 100, nil, log)
	engine := consolidate.New(st, embedder, provider.Config{}, "mock", 0.85, nil, log)
	engine.Extractor = provider.NewMockExtractor()
	tiers := tier.New(st, log)

	cfg := config.Config{
		Agents:              []indexer.Agent{{ID: "agent-a", Workspace: root}},
		PromotionMinReinf:   3,
		PromotionMinAgeDays: 7,
	}
	srv := New(cfg, st, embedder, ix, engine, tiers, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, res.StatusCode, wantStatus)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func postJSON(t *testing.T, url string, body any, wantStatus int) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	res, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != wantStatus {
		t.Fatalf("POST %s status = %d, want %d", url, res.StatusCode, wantStatus)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t)

	health := getJSON(t, ts.URL+"/healthz", http.StatusOK)
	if health["status"] != "ok" {
		t.Fatalf("healthz status = %v, want ok", health["status"])
	}
	ready := getJSON(t, ts.URL+"/readyz", http.StatusOK)
	if ready["status"] != "ready" {
		t.Fatalf("readyz status = %v, want ready", ready["status"])
	}
	if ready["scheduler"] != "disabled" {
		t.Fatalf("scheduler = %v, want disabled", ready["scheduler"])
	}
}

func TestIndexDeltaUnknownAgent(t *testing.T) {
	ts, _ := newTestServer(t)
	payload := postJSON(t, ts.URL+"/v1/agents/nobody/index/delta", nil, http.StatusNotFound)
	if payload["code"] != "agent_not_found" {
		t.Fatalf("code = %v, want agent_not_found", payload["code"])
	}
}

func TestIndexDeltaEmptyWorkspace(t *testing.T) {
	ts, _ := newTestServer(t)
	payload := postJSON(t, ts.URL+"/v1/agents/agent-a/index/delta", nil, http.StatusOK)
	if payload["success"] != true {
		t.Fatalf("success = %v, want true", payload["success"])
	}
}

func TestConsolidateEndpointNoWork(t *testing.T) {
	ts, _ := newTestServer(t)
	payload := postJSON(t, ts.URL+"/v1/agents/agent-a/memory/consolidate", nil, http.StatusOK)
	if payload["status"] != "completed" {
		t.Fatalf("status = %v, want completed", payload["status"])
	}
	if payload["conversations_processed"] != float64(0) {
		t.Fatalf("processed = %v, want 0", payload["conversations_processed"])
	}
}

func TestConsolidateRejectsBadCategory(t *testing.T) {
	ts, _ := newTestServer(t)
	body := map[string]any{"categories": []string{"nonsense"}}
	payload := postJSON(t, ts.URL+"/v1/agents/agent-a/memory/consolidate", body, http.StatusBadRequest)
	if payload["code"] != "invalid_category" {
		t.Fatalf("code = %v, want invalid_category", payload["code"])
	}
}

func seedMemory(t *testing.T, st *store.InMemoryStore, id, content string) {
	t.Helper()
	vecs, err := provider.NewMockEmbedder(32).Embed(context.Background(), []string{content})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	now := time.Now().UTC()
	mem := store.Memory{
		ID:                 id,
		AgentID:            "agent-a",
		Tier:               store.TierWarm,
		System:             1,
		Category:           store.CategoryFact,
		Content:            content,
		Confidence:         0.9,
		CreatedAt:          now,
		LastReinforcedAt:   now,
		ReinforcementCount: 1,
	}
	if err := st.CreateMemory(context.Background(), mem, vecs[0]); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
}

func TestSearchReturnsAndTouches(t *testing.T) {
	ts, st := newTestServer(t)
	seedMemory(t, st, "m1", "the deploy pipeline uses blue green rollout")

	payload := getJSON(t, ts.URL+"/v1/agents/agent-a/memory/search?q=deploy+pipeline+rollout", http.StatusOK)
	results, ok := payload["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("results = %v, want one hit", payload["results"])
	}

	mem, err := st.GetMemory(context.Background(), "agent-a", "m1")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if mem.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1", mem.AccessCount)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	ts, _ := newTestServer(t)
	payload := getJSON(t, ts.URL+"/v1/agents/agent-a/memory/search", http.StatusBadRequest)
	if payload["code"] != "missing_query" {
		t.Fatalf("code = %v, want missing_query", payload["code"])
	}
}

func TestRelatedTraversal(t *testing.T) {
	ts, st := newTestServer(t)
	seedMemory(t, st, "m1", "alpha bravo")
	seedMemory(t, st, "m2", "charlie delta")
	err := st.AddLink(context.Background(), store.MemoryLink{
		FromID:       "m1",
		ToID:         "m2",
		Relationship: store.RelationshipSupports,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	payload := getJSON(t, ts.URL+"/v1/memory/m1/related?depth=2", http.StatusOK)
	related, ok := payload["related"].([]any)
	if !ok || len(related) != 1 {
		t.Fatalf("related = %v, want one entry", payload["related"])
	}

	missing := getJSON(t, ts.URL+"/v1/memory/ghost/related", http.StatusNotFound)
	if missing["code"] != "memory_not_found" {
		t.Fatalf("code = %v, want memory_not_found", missing["code"])
	}
}

func TestDeleteMemory(t *testing.T) {
	ts, st := newTestServer(t)
	seedMemory(t, st, "m1", "disposable fact")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/agents/agent-a/memory/m1", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if _, err := st.GetMemory(context.Background(), "agent-a", "m1"); err == nil {
		t.Fatal("memory still present after delete")
	}
}

func TestPromoteAndPruneEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	promote := postJSON(t, ts.URL+"/v1/agents/agent-a/memory/promote?dry_run=true", nil, http.StatusOK)
	if promote["eligible"] != float64(0) {
		t.Fatalf("eligible = %v, want 0", promote["eligible"])
	}

	prune := postJSON(t, ts.URL+"/v1/agents/agent-a/memory/prune", nil, http.StatusOK)
	if prune["disabled"] != true {
		t.Fatalf("prune with zero retention = %v, want disabled", prune)
	}
}

func TestListRuns(t *testing.T) {
	ts, st := newTestServer(t)
	err := st.CreateRun(context.Background(), store.ConsolidationRun{
		ID:        "run-1",
		AgentID:   "agent-a",
		StartedAt: time.Now().UTC(),
		Status:    store.RunStatusRunning,
		Provider:  "mock",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	payload := getJSON(t, ts.URL+"/v1/agents/agent-a/runs", http.StatusOK)
	runs, ok := payload["runs"].([]any)
	if !ok || len(runs) != 1 {
		t.Fatalf("runs = %v, want one", payload["runs"])
	}
}
