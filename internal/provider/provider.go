package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marcofalcone/engram/internal/store"
)

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Candidate is one memory proposed by an extraction provider before dedup.
type Candidate struct {
	Content    string         `json:"content"`
	Category   store.Category `json:"category"`
	Context    string         `json:"context,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Relation is a typed edge proposed between a candidate and an existing memory.
type Relation struct {
	MemoryID     string             `json:"memory_id"`
	Relationship store.Relationship `json:"relationship"`
}

// ExtractOptions bounds a single extraction call.
type ExtractOptions struct {
	MaxMemories int
}

// Extractor is an LLM backend that distills transcripts into memory candidates.
type Extractor interface {
	Name() string
	Available(ctx context.Context) bool
	ExtractMemories(ctx context.Context, transcript string, opts ExtractOptions) ([]Candidate, error)
	FindRelationships(ctx context.Context, candidate Candidate, neighbors []store.Memory) ([]Relation, error)
}

// ErrNoProvider means no extraction backend could be reached.
var ErrNoProvider = errors.New("no extraction provider available")

// Config carries the backend endpoints Select can construct extractors from.
type Config struct {
	OllamaBaseURL string
	OllamaModel   string
	GatewayURL    string
	GatewayToken  string
	GatewayModel  string
}

// Select resolves the extraction backend. An explicit preference is honored
// without probing; auto prefers the local backend and falls back to the
// hosted gateway, erroring only when neither answers.
func Select(ctx context.Context, cfg Config, preference string) (Extractor, error) {
	pref := strings.ToLower(strings.TrimSpace(preference))
	if pref == "" {
		pref = "auto"
	}

	switch pref {
	case "ollama":
		return NewOllamaExtractor(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	case "gateway":
		if strings.TrimSpace(cfg.GatewayToken) == "" {
			return nil, errors.New("gateway extraction requires a token")
		}
		return NewGatewayExtractor(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayModel)
	case "mock":
		return NewMockExtractor(), nil
	case "auto":
		local := NewOllamaExtractor(cfg.OllamaBaseURL, cfg.OllamaModel)
		if local.Available(ctx) {
			return local, nil
		}
		if strings.TrimSpace(cfg.GatewayToken) != "" {
			gw, err := NewGatewayExtractor(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayModel)
			if err == nil && gw.Available(ctx) {
				return gw, nil
			}
		}
		return nil, ErrNoProvider
	default:
		return nil, fmt.Errorf("unsupported extraction provider %q", preference)
	}
}
