// Package chunk implements the hierarchical chunk engine: each ingested turn
// becomes a rooted tree of turn, paragraph, and sentence nodes with
// deterministic IDs, token counts, and one embedding per node.
package chunk

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"hmlr/internal/embedding"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// Engine splits turns into chunk trees and embeds every node.
type Engine struct {
	store    EmbeddingStore
	embedder embedding.EmbeddingEngine
}

// EmbeddingStore is the slice of the storage layer the engine writes to.
type EmbeddingStore interface {
	StoreEmbedding(chunkID string, vec []float32) error
}

// New creates a chunk engine.
func New(store EmbeddingStore, embedder embedding.EmbeddingEngine) *Engine {
	return &Engine{store: store, embedder: embedder}
}

// Split builds the chunk tree for a turn without touching storage. The tree
// is deterministic: same inputs, same IDs, same order.
//
// IDs: the turn node is the turn ID itself; children append _p<NN> and _s<NN>
// with zero-padded ordinals.
func Split(turnID, userText, aiText string) []types.Chunk {
	full := strings.TrimSpace(userText)
	if ai := strings.TrimSpace(aiText); ai != "" {
		full = full + "\n\n" + ai
	}

	chunks := []types.Chunk{{
		ChunkID:    turnID,
		Level:      types.LevelTurn,
		Text:       summaryPlaceholder(full),
		TokenCount: CountTokens(full),
	}}

	for pi, para := range splitParagraphs(full) {
		paraID := fmt.Sprintf("%s_p%02d", turnID, pi+1)
		chunks = append(chunks, types.Chunk{
			ChunkID:    paraID,
			ParentID:   turnID,
			Level:      types.LevelParagraph,
			Text:       para,
			TokenCount: CountTokens(para),
		})

		for si, sentence := range SplitSentences(para) {
			chunks = append(chunks, types.Chunk{
				ChunkID:    fmt.Sprintf("%s_s%02d", paraID, si+1),
				ParentID:   paraID,
				Level:      types.LevelSentence,
				Text:       sentence,
				TokenCount: CountTokens(sentence),
			})
		}
	}
	return chunks
}

// Process splits a turn and embeds every node, storing vectors keyed by
// chunk_id. Embedding failures are retried once, then surfaced.
func (e *Engine) Process(ctx context.Context, turnID, userText, aiText string) ([]types.Chunk, error) {
	timer := logging.StartTimer(logging.CategoryChunk, "Process")
	defer timer.Stop()

	chunks := Split(turnID, userText, aiText)
	logging.Chunk("Split turn %s into %d chunks", turnID, len(chunks))

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		logging.Get(logging.CategoryChunk).Warn("Embedding batch failed, retrying once: %v", err)
		vectors, err = e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding failed after retry: %w", err)
		}
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(vectors), len(chunks))
	}

	for i, c := range chunks {
		if err := e.store.StoreEmbedding(c.ChunkID, vectors[i]); err != nil {
			return nil, fmt.Errorf("failed to store embedding for %s: %w", c.ChunkID, err)
		}
	}

	return chunks, nil
}

// Sentences filters a chunk tree down to its sentence-level nodes, the unit
// the Fact Scrubber consumes.
func Sentences(chunks []types.Chunk) []types.Chunk {
	var out []types.Chunk
	for _, c := range chunks {
		if c.Level == types.LevelSentence {
			out = append(out, c)
		}
	}
	return out
}

// summaryPlaceholder is the turn node's text: the first sentence, truncated.
// The rolling block summary supersedes it at hydration time.
func summaryPlaceholder(text string) string {
	const maxLen = 200
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxLen {
		return text[:maxLen] + "..."
	}
	return text
}

func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// SplitSentences performs simple sentence-boundary detection: terminal
// punctuation followed by whitespace. Abbreviation handling is deliberately
// minimal; a wrongly split sentence only costs one extra scrubber call.
func SplitSentences(text string) []string {
	var sentences []string
	var b strings.Builder

	runes := []rune(strings.TrimSpace(text))
	for i := 0; i < len(runes); i++ {
		b.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			// Boundary only if followed by whitespace or end of text.
			if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(b.String()); s != "" {
					sentences = append(sentences, s)
				}
				b.Reset()
			}
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// CountTokens estimates token count as whitespace-delimited words scaled for
// subword splitting. Close enough for budget trimming.
func CountTokens(text string) int {
	words := len(strings.Fields(text))
	return words + words/3
}
