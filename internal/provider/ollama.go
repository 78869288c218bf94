package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcofalcone/engram/internal/store"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	defaultOllamaModel   = "qwen2.5:7b"

	ollamaProbeTimeout   = 2 * time.Second
	ollamaRequestTimeout = 120 * time.Second
)

// OllamaExtractor runs extraction against a local Ollama daemon through its
// OpenAI-compatible chat completion endpoint.
type OllamaExtractor struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func NewOllamaExtractor(baseURL, model string) *OllamaExtractor {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOllamaModel
	}
	return &OllamaExtractor{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: ollamaRequestTimeout},
	}
}

func (e *OllamaExtractor) Name() string { return "ollama" }

// Available probes the daemon root with a short deadline so auto selection
// does not hang when nothing is listening.
func (e *OllamaExtractor) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, ollamaProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func (e *OllamaExtractor) ExtractMemories(ctx context.Context, transcript string, opts ExtractOptions) ([]Candidate, error) {
	max := opts.MaxMemories
	if max <= 0 {
		max = 10
	}
	raw, err := e.complete(ctx, fmt.Sprintf(extractionPrompt, max, transcript))
	if err != nil {
		return nil, fmt.Errorf("ollama extract: %w", err)
	}
	candidates, err := parseCandidates(raw, max)
	if err != nil {
		return nil, fmt.Errorf("ollama extract: %w", err)
	}
	return candidates, nil
}

func (e *OllamaExtractor) FindRelationships(ctx context.Context, candidate Candidate, neighbors []store.Memory) ([]Relation, error) {
	if len(neighbors) == 0 {
		return nil, nil
	}
	raw, err := e.complete(ctx, fmt.Sprintf(relationshipPrompt, candidate.Content, formatNeighbors(neighbors)))
	if err != nil {
		return nil, fmt.Errorf("ollama relationships: %w", err)
	}
	relations, err := parseRelations(raw, neighbors)
	if err != nil {
		return nil, fmt.Errorf("ollama relationships: %w", err)
	}
	return relations, nil
}

func (e *OllamaExtractor) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    e.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty chat response")
	}
	return decoded.Choices[0].Message.Content, nil
}
