package governor

import (
	"context"
	"encoding/json"
	"fmt"

	"hmlr/internal/llm"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// =============================================================================
// CANDIDATE FILTERING
// =============================================================================

var filterSchema = &llm.ResponseSchema{
	Name: "RelevanceFilter",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"relevant_chunk_ids": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required":             []string{"relevant_chunk_ids"},
		"additionalProperties": false,
	},
}

type filterResponse struct {
	RelevantChunkIDs []string `json:"relevant_chunk_ids"`
}

const filterSystemPrompt = `You judge the relevance of retrieved memories to the current query. Vector search has already done recall; you do precision.

Keep a memory only if it would materially help answer the query. Pay attention to the global tags on each memory: a deprecation or global_rule tag can make an otherwise-matching memory stale or, conversely, essential. When in doubt about a rule or constraint, keep it.

Return the chunk_ids of the memories to keep.`

// filterCandidate is the compact per-hit view shown to the filter call.
type filterCandidate struct {
	ChunkID    string            `json:"chunk_id"`
	Text       string            `json:"text"`
	SourceDate string            `json:"source_date,omitempty"`
	GlobalTags []types.GlobalTag `json:"global_tags,omitempty"`
}

// FilterCandidates prunes the crawler's raw memory hits to those the LLM
// judges relevant to the query. A failed call degrades to the unfiltered
// vector results rather than dropping retrieval entirely.
func (g *Governor) FilterCandidates(ctx context.Context, query string, hits []types.MemoryHit) []types.MemoryHit {
	if len(hits) == 0 {
		return hits
	}

	timer := logging.StartTimer(logging.CategoryGovernor, "FilterCandidates")
	defer timer.Stop()

	candidates := make([]filterCandidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, filterCandidate{
			ChunkID:    h.ChunkID,
			Text:       h.Text,
			SourceDate: h.SourceDate,
			GlobalTags: h.GlobalTags,
		})
	}
	candidatesJSON, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return hits
	}

	prompt := fmt.Sprintf("QUERY:\n%s\n\nRETRIEVED MEMORIES:\n%s", query, candidatesJSON)

	response, err := g.client.CompleteStructured(ctx, filterSystemPrompt, prompt, filterSchema)
	if err != nil {
		logging.Get(logging.CategoryGovernor).Warn("Candidate filter call failed, keeping all %d hits: %v", len(hits), err)
		return hits
	}

	var parsed filterResponse
	if err := llm.ExtractJSON(response, &parsed); err != nil {
		logging.Get(logging.CategoryGovernor).Warn("Candidate filter parse failed, keeping all %d hits: %v", len(hits), err)
		return hits
	}

	keep := make(map[string]bool, len(parsed.RelevantChunkIDs))
	for _, id := range parsed.RelevantChunkIDs {
		keep[id] = true
	}

	var filtered []types.MemoryHit
	for _, h := range hits {
		if keep[h.ChunkID] {
			filtered = append(filtered, h)
		}
	}

	logging.Governor("Candidate filter kept %d of %d memory hits", len(filtered), len(hits))
	return filtered
}
