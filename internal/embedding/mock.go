package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockEngine is a deterministic embedding engine for tests and offline runs.
// The vector for a text is derived from hashes of the text's tokens, so
// texts sharing words land near each other while unrelated texts do not.
type MockEngine struct {
	Dim int
	// Fixed, when set, overrides the derived vector per exact text.
	Fixed map[string][]float32
}

// NewMockEngine creates a mock engine with the given dimensionality.
func NewMockEngine(dim int) *MockEngine {
	if dim <= 0 {
		dim = 384
	}
	return &MockEngine{Dim: dim}
}

// Embed derives a deterministic vector from the text.
func (m *MockEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := m.Fixed[text]; ok {
		return v, nil
	}

	vec := make([]float32, m.Dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		seed := h.Sum32()
		for i := 0; i < 4; i++ {
			idx := int(seed>>uint(i*8)) % m.Dim
			if idx < 0 {
				idx = -idx
			}
			vec[idx] += 1.0
		}
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (m *MockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (m *MockEngine) Dimensions() int { return m.Dim }

// Name returns the engine name.
func (m *MockEngine) Name() string { return "mock" }

func tokenize(text string) []string {
	var tokens []string
	start := -1
	for i := 0; i < len(text); i++ {
		b := text[i]
		isWord := b == '_' ||
			(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
		if isWord {
			if start < 0 {
				start = i
			}
		} else if start >= 0 {
			tokens = append(tokens, lower(text[start:i]))
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, lower(text[start:]))
	}
	return tokens
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
