package provider

import (
	"context"
	"hash/fnv"
	"strings"
)

// MockEmbedder produces deterministic unit vectors from a bag-of-tokens
// hash. Identical texts embed identically and texts sharing tokens land
// close together, which is enough for dedup and search behavior in tests.
type MockEmbedder struct {
	dimensions int
}

func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 32
	}
	return &MockEmbedder{dimensions: dimensions}
}

func (m *MockEmbedder) Dimensions() int { return m.dimensions }

func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, m.dimensions)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New64a()
			h.Write([]byte(token))
			vec[h.Sum64()%uint64(m.dimensions)]++
		}
		out[i] = l2Normalize(vec)
	}
	return out, nil
}
