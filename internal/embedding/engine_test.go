package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	corpus := [][]float32{
		{0, 1, 0},       // orthogonal
		{1, 0, 0},       // identical
		{0.9, 0.1, 0},   // close
		{-1, 0, 0},      // opposite
		{1, 2},          // wrong dims, skipped
	}

	results, err := FindTopK(query, corpus, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestMockEngineDeterministic(t *testing.T) {
	eng := NewMockEngine(64)
	ctx := context.Background()

	a1, err := eng.Embed(ctx, "the capital of France is Paris")
	require.NoError(t, err)
	a2, err := eng.Embed(ctx, "the capital of France is Paris")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	b, err := eng.Embed(ctx, "sqlite journal mode pragma tuning")
	require.NoError(t, err)

	same, err := CosineSimilarity(a1, a2)
	require.NoError(t, err)
	diff, err := CosineSimilarity(a1, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same, 1e-6)
	assert.Less(t, diff, same)
}

func TestNewEngineUnknownProvider(t *testing.T) {
	_, err := NewEngine(Config{Provider: "vertex"})
	assert.Error(t, err)
}
