// Package scrubber implements the Fact Scrubber: LLM-driven extraction of
// durable key/value facts from sentence-level chunks. Facts are inserted with
// source_block_id null; the engine links them once the Governor has routed
// the turn.
package scrubber

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hmlr/internal/llm"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// maxConcurrentExtractions caps parallel LLM calls per turn.
const maxConcurrentExtractions = 4

// FactStore is the slice of the storage layer the scrubber writes to.
type FactStore interface {
	InsertFact(fact *types.Fact) error
}

// Scrubber extracts facts from sentence chunks.
type Scrubber struct {
	store  FactStore
	client llm.LLMClient
}

// New creates a fact scrubber.
func New(store FactStore, client llm.LLMClient) *Scrubber {
	return &Scrubber{store: store, client: client}
}

var factSchema = &llm.ResponseSchema{
	Name: "ExtractedFacts",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"facts": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key":   map[string]interface{}{"type": "string"},
						"value": map[string]interface{}{"type": "string"},
					},
					"required":             []string{"key", "value"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"facts"},
		"additionalProperties": false,
	},
}

const extractionSystemPrompt = `You extract durable facts from single sentences of a conversation.

A durable fact is something worth remembering across sessions: credentials, identifiers, names, versions, addresses, definitions, explicit decisions. Transient chit-chat, questions, and opinions are not facts.

Return JSON: {"facts": [{"key": "...", "value": "..."}]}. Keys are lowercase snake_case. Return {"facts": []} when the sentence contains nothing durable.`

type factsResponse struct {
	Facts []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"facts"`
}

// Scrub extracts facts from every sentence chunk and inserts them with
// source_block_id null. Per-sentence failures degrade to zero facts for that
// sentence; the turn's conversation is never blocked on extraction.
func (s *Scrubber) Scrub(ctx context.Context, sentences []types.Chunk) ([]types.Fact, error) {
	if len(sentences) == 0 {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryScrubber, "Scrub")
	defer timer.Stop()

	results := make([][]types.Fact, len(sentences))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentExtractions)

	for i, sentence := range sentences {
		g.Go(func() error {
			facts, err := s.extractOne(gctx, sentence)
			if err != nil {
				logging.Get(logging.CategoryScrubber).Warn("Extraction failed for chunk %s: %v", sentence.ChunkID, err)
				return nil
			}
			results[i] = facts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []types.Fact
	for _, facts := range results {
		for _, f := range facts {
			if err := s.store.InsertFact(&f); err != nil {
				return all, fmt.Errorf("failed to persist extracted fact: %w", err)
			}
			all = append(all, f)
		}
	}

	logging.Scrubber("Extracted %d facts from %d sentences", len(all), len(sentences))
	return all, nil
}

// extractOne issues one structured LLM call for a sentence. Parse failures
// get one retry, then degrade to zero facts.
func (s *Scrubber) extractOne(ctx context.Context, sentence types.Chunk) ([]types.Fact, error) {
	prompt := fmt.Sprintf("Sentence: %q", sentence.Text)

	var parsed factsResponse
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		response, err := s.client.CompleteStructured(ctx, extractionSystemPrompt, prompt, factSchema)
		if err != nil {
			lastErr = err
			continue
		}
		if err := llm.ExtractJSON(response, &parsed); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return nil, lastErr
	}

	now := time.Now()
	var facts []types.Fact
	for _, pair := range parsed.Facts {
		key := strings.TrimSpace(pair.Key)
		value := strings.TrimSpace(pair.Value)
		if key == "" || value == "" {
			continue
		}
		facts = append(facts, types.Fact{
			FactID:        types.NewFactID(),
			Key:           key,
			Value:         value,
			SourceChunkID: sentence.ChunkID,
			CreatedAt:     types.Timestamp(now),
		})
		logging.ScrubberDebug("Fact from %s: %s=%s", sentence.ChunkID, key, value)
	}
	return facts, nil
}
