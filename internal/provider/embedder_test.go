package provider

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPEmbedderHappyPath(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q, want /v1/embeddings", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{"data": []map[string]any{
			{"index": 1, "embedding": []float32{0, 2, 0}},
			{"index": 0, "embedding": []float32{3, 0, 0}},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(srv.URL, "test-key", "embed-model", 3)
	if err != nil {
		t.Fatalf("NewHTTPEmbedder: %v", err)
	}
	vectors, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q, want bearer token", gotAuth)
	}
	if len(vectors) != 2 {
		t.Fatalf("vectors = %d, want 2", len(vectors))
	}
	// Out-of-order indices are reassembled and vectors normalized.
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Fatalf("vectors = %v, want unit vectors on axis 0 and 1", vectors)
	}
}

func TestHTTPEmbedderRetriesRetryableStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"index": 0, "embedding": []float32{1, 0}},
		}})
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(srv.URL, "", "embed-model", 2)
	if err != nil {
		t.Fatalf("NewHTTPEmbedder: %v", err)
	}
	vectors, err := e.Embed(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("Embed after retry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if len(vectors) != 1 {
		t.Fatalf("vectors = %d, want 1", len(vectors))
	}
}

func TestHTTPEmbedderNoRetryOnClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(srv.URL, "bad-key", "embed-model", 2)
	if err != nil {
		t.Fatalf("NewHTTPEmbedder: %v", err)
	}
	if _, err := e.Embed(context.Background(), []string{"alpha"}); err == nil {
		t.Fatal("Embed succeeded on 401")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestHTTPEmbedderRejectsDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"index": 0, "embedding": []float32{1, 0, 0}},
		}})
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(srv.URL, "", "embed-model", 2)
	if err != nil {
		t.Fatalf("NewHTTPEmbedder: %v", err)
	}
	if _, err := e.Embed(context.Background(), []string{"alpha"}); err == nil {
		t.Fatal("Embed accepted wrong dimension")
	}
}

func TestMockEmbedderDeterministicUnitVectors(t *testing.T) {
	e := NewMockEmbedder(16)
	ctx := context.Background()

	a, err := e.Embed(ctx, []string{"fix the race in the watcher"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := e.Embed(ctx, []string{"fix the race in the watcher"})
	if err != nil {
		t.Fatalf("Embed repeat: %v", err)
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
	}

	var norm float64
	for _, x := range a[0] {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("norm^2 = %v, want 1", norm)
	}
}
