package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/marcofalcone/engram/internal/reliability"
)

const (
	defaultEmbedBatchSize  = 64
	defaultEmbedTimeout    = 30 * time.Second
	embedRetryAttempts     = 3
	embedRetryBackoffBase  = 250 * time.Millisecond
	embedRetryBackoffLimit = 4 * time.Second
)

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type HTTPEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	httpClient *http.Client
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewHTTPEmbedder(baseURL, apiKey, model string, dimensions int) (*HTTPEmbedder, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("embedder: missing base url")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("embedder: missing model")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedder: invalid dimensions %d", dimensions)
	}
	return &HTTPEmbedder{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		dimensions: dimensions,
		batchSize:  defaultEmbedBatchSize,
		httpClient: &http.Client{Timeout: defaultEmbedTimeout},
	}, nil
}

func (e *HTTPEmbedder) Dimensions() int { return e.dimensions }

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed: empty input")
	}
	normalized := make([]string, len(texts))
	for i, t := range texts {
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return nil, fmt.Errorf("embed: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	out := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += e.batchSize {
		end := start + e.batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		vectors, err := e.requestWithRetry(ctx, normalized[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *HTTPEmbedder) requestWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < embedRetryAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, embedRetryBackoffBase, embedRetryBackoffLimit)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		vectors, retryable, err := e.request(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *HTTPEmbedder) request(ctx context.Context, batch []string) (vectors [][]float32, retryable bool, err error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: batch})
	if err != nil {
		return nil, false, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, reliability.IsRetryableHTTPStatus(resp.StatusCode),
			fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, false, fmt.Errorf("response count mismatch: got %d want %d", len(decoded.Data), len(batch))
	}

	out := make([][]float32, len(batch))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(batch) {
			return nil, false, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if out[item.Index] != nil {
			return nil, false, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) != e.dimensions {
			return nil, false, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), e.dimensions)
		}
		out[item.Index] = l2Normalize(item.Embedding)
	}
	for i, v := range out {
		if v == nil {
			return nil, false, fmt.Errorf("missing embedding at index %d", i)
		}
	}
	return out, false, nil
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
