// Package gardener implements the offline consumption pipeline: it converts
// an aged bridge block into sticky block metadata, long-term gardened chunks,
// and dossier facts, then deletes the block from the short-term ledger.
// Deletion is the commit boundary; any earlier failure leaves the block
// intact for retry.
package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"hmlr/internal/chunk"
	"hmlr/internal/embedding"
	"hmlr/internal/llm"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// Store is the slice of the storage layer the gardener consumes through.
type Store interface {
	GetBlock(blockID string) (*types.BridgeBlock, error)
	GetFactsForBlock(blockID string) ([]types.Fact, error)
	UpsertBlockMetadata(meta *types.BlockMetadata) error
	GetEmbedding(chunkID string) ([]float32, error)
	StoreEmbedding(chunkID string, vec []float32) error
	PromoteChunk(c types.Chunk, sourceBlockID string, turnOrdinal int, sourceDate string) error
	DeleteBlock(blockID string) error
}

// FactRouter routes fact packets to dossiers. The dossier governor satisfies
// this.
type FactRouter interface {
	ProcessFactPacket(ctx context.Context, packet types.FactPacket) (string, error)
}

// Gardener consumes bridge blocks.
type Gardener struct {
	store    Store
	client   llm.LLMClient
	embedder embedding.EmbeddingEngine
	router   FactRouter

	// locks holds the block IDs currently being gardened. The governor
	// consults Locked so a resumption cannot race consumption.
	locks sync.Map
}

// New creates a gardener.
func New(store Store, client llm.LLMClient, embedder embedding.EmbeddingEngine, router FactRouter) *Gardener {
	return &Gardener{store: store, client: client, embedder: embedder, router: router}
}

// Locked reports whether blockID is currently being gardened.
func (g *Gardener) Locked(blockID string) bool {
	_, ok := g.locks.Load(blockID)
	return ok
}

// Result summarizes one gardening run.
type Result struct {
	BlockID        string `json:"block_id"`
	TopicLabel     string `json:"topic_label"`
	FactsProcessed int    `json:"facts_processed"`
	TagsApplied    int    `json:"tags_applied"`
	ChunksPromoted int    `json:"chunks_promoted"`
	DossiersRouted int    `json:"dossiers_routed"`
	Message        string `json:"message,omitempty"`
}

// Process gardens one bridge block: classify its facts into sticky tags,
// persist block metadata, promote the block's chunks to long-term memory,
// route the narrative facts to dossiers, and finally delete the block.
func (g *Gardener) Process(ctx context.Context, blockID string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryGardener, "Process")
	defer timer.Stop()

	if _, loaded := g.locks.LoadOrStore(blockID, struct{}{}); loaded {
		return nil, fmt.Errorf("block %s is already being gardened", blockID)
	}
	defer g.locks.Delete(blockID)

	block, err := g.store.GetBlock(blockID)
	if err != nil {
		return nil, err
	}
	logging.Gardener("Gardening block %s (%q, %d turns)", blockID, block.TopicLabel, len(block.Turns))

	facts, err := g.store.GetFactsForBlock(blockID)
	if err != nil {
		return nil, err
	}

	result := &Result{BlockID: blockID, TopicLabel: block.TopicLabel, FactsProcessed: len(facts)}

	if len(facts) == 0 {
		// Nothing to classify or route; the block is consumed as-is.
		if err := g.store.DeleteBlock(blockID); err != nil {
			return nil, err
		}
		result.Message = "no facts to process"
		logging.Gardener("Block %s had no facts, deleted", blockID)
		return result, nil
	}

	classification := g.classify(ctx, facts)
	if len(classification.GlobalTags) > 0 || len(classification.SectionRules) > 0 {
		err := g.store.UpsertBlockMetadata(&types.BlockMetadata{
			BlockID:      blockID,
			GlobalTags:   classification.GlobalTags,
			SectionRules: classification.SectionRules,
		})
		if err != nil {
			return nil, err
		}
		result.TagsApplied = len(classification.GlobalTags) + len(classification.SectionRules)
		logging.Gardener("Applied %d global tags, %d section rules to %s",
			len(classification.GlobalTags), len(classification.SectionRules), blockID)
	}

	promoted, err := g.promoteChunks(ctx, block)
	if err != nil {
		return nil, err
	}
	result.ChunksPromoted = promoted

	if len(classification.DossierFacts) > 0 {
		groups := g.groupFacts(ctx, classification.DossierFacts)
		for _, grp := range groups {
			packet := types.FactPacket{
				ClusterLabel:  grp.Label,
				Facts:         grp.Facts,
				SourceBlockID: blockID,
				Timestamp:     types.Now(),
			}
			dossierID, err := g.router.ProcessFactPacket(ctx, packet)
			if err != nil {
				return nil, fmt.Errorf("dossier routing of %q failed: %w", grp.Label, err)
			}
			logging.GardenerDebug("Packet %q routed to dossier %s", grp.Label, dossierID)
			result.DossiersRouted++
		}
	}

	// Commit boundary. Everything durable is written; the short-term block
	// can go.
	if err := g.store.DeleteBlock(blockID); err != nil {
		return nil, err
	}

	logging.Gardener("Block %s gardened: %d facts, %d tags, %d chunks, %d dossiers",
		blockID, result.FactsProcessed, result.TagsApplied, result.ChunksPromoted, result.DossiersRouted)
	return result, nil
}

// =============================================================================
// CHUNK PROMOTION
// =============================================================================

// promoteChunks re-derives each turn's deterministic chunk tree and moves it
// into gardened memory. Chunks embedded at ingest reuse their vectors; any
// missing vector is embedded now so the no-orphan invariant holds.
func (g *Gardener) promoteChunks(ctx context.Context, block *types.BridgeBlock) (int, error) {
	promoted := 0
	for _, turn := range block.Turns {
		for _, c := range chunk.Split(turn.TurnID, turn.UserText, turn.AIText) {
			if _, err := g.store.GetEmbedding(c.ChunkID); err != nil {
				vec, err := g.embedder.Embed(ctx, c.Text)
				if err != nil {
					return promoted, fmt.Errorf("failed to embed chunk %s: %w", c.ChunkID, err)
				}
				if err := g.store.StoreEmbedding(c.ChunkID, vec); err != nil {
					return promoted, err
				}
			}
			if err := g.store.PromoteChunk(c, block.BlockID, turn.Ordinal, turn.CreatedAt); err != nil {
				return promoted, err
			}
			promoted++
		}
	}
	return promoted, nil
}

// =============================================================================
// CLASSIFICATION PASS
// =============================================================================

var classifySchema = &llm.ResponseSchema{
	Name: "FactClassification",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"global_tags": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"type":  map[string]interface{}{"type": "string", "enum": []string{"global_rule", "deprecation", "constraint", "decision", "fact", "alias", "status", "env"}},
						"value": map[string]interface{}{"type": "string"},
					},
					"required":             []string{"type", "value"},
					"additionalProperties": false,
				},
			},
			"section_rules": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"start_turn": map[string]interface{}{"type": "integer"},
						"end_turn":   map[string]interface{}{"type": "integer"},
						"rule":       map[string]interface{}{"type": "string"},
					},
					"required":             []string{"start_turn", "end_turn", "rule"},
					"additionalProperties": false,
				},
			},
			"dossier_facts": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required":             []string{"global_tags", "section_rules", "dossier_facts"},
		"additionalProperties": false,
	},
}

type classification struct {
	GlobalTags   []types.GlobalTag   `json:"global_tags"`
	SectionRules []types.SectionRule `json:"section_rules"`
	DossierFacts []string            `json:"dossier_facts"`
}

const classifySystemPrompt = `Analyze facts extracted from a conversation and classify each using THREE heuristics:

1. ENVIRONMENT TEST: global settings, versions, languages, OS?
   Examples: "Using Python 3.9" -> {type: "env", value: "python-3.9"}
   -> global tag (applies to the entire conversation)

2. CONSTRAINT TEST: rules that FORBID or MANDATE something?
   Examples: "Never use eval()" -> {type: "constraint", value: "no-eval"}
   -> global tag, or a section rule when scoped to part of the conversation

3. DEFINITION TEST: temporary aliases, renamings, status markers?
   Examples: "Call the server Box A" -> section rule "server=Box A" with a turn range
             "Old API is deprecated" -> {type: "deprecation", value: "..."}
   -> section rule with start_turn/end_turn, or a global deprecation tag

Facts matching none of these are narrative facts (preferences, history,
context): put their full text into dossier_facts.`

// classify runs the three-heuristic pass. One retry, then every fact is
// treated as narrative so gardening can proceed untagged.
func (g *Gardener) classify(ctx context.Context, facts []types.Fact) classification {
	type factView struct {
		Text      string `json:"text"`
		Timestamp string `json:"timestamp"`
	}
	views := make([]factView, 0, len(facts))
	for _, f := range facts {
		views = append(views, factView{Text: f.Value, Timestamp: f.CreatedAt})
	}
	viewsJSON, _ := json.MarshalIndent(views, "", "  ")
	prompt := fmt.Sprintf("Facts:\n%s", viewsJSON)

	var parsed classification
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		response, err := g.client.CompleteStructured(ctx, classifySystemPrompt, prompt, classifySchema)
		if err != nil {
			lastErr = err
			continue
		}
		if err := llm.ExtractJSON(response, &parsed); err != nil {
			lastErr = err
			continue
		}
		return parsed
	}

	logging.Get(logging.CategoryGardener).Warn("Classification failed, routing all facts as narrative: %v", lastErr)
	fallback := classification{}
	for _, f := range facts {
		fallback.DossierFacts = append(fallback.DossierFacts, f.Value)
	}
	return fallback
}

// =============================================================================
// SEMANTIC GROUPING
// =============================================================================

var groupSchema = &llm.ResponseSchema{
	Name: "FactGroups",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"groups": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"label": map[string]interface{}{"type": "string"},
						"facts": map[string]interface{}{
							"type":  "array",
							"items": map[string]interface{}{"type": "string"},
						},
					},
					"required":             []string{"label", "facts"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"groups"},
		"additionalProperties": false,
	},
}

type factGroup struct {
	Label string   `json:"label"`
	Facts []string `json:"facts"`
}

type groupResponse struct {
	Groups []factGroup `json:"groups"`
}

const groupSystemPrompt = `Group related facts by semantic theme. For each group provide a concise label (2-5 words) describing the theme and the facts that belong to it. Every input fact must appear in exactly one group.`

// groupFacts clusters the narrative facts. One retry, then everything lands
// in a single catch-all group.
func (g *Gardener) groupFacts(ctx context.Context, facts []string) []factGroup {
	factsJSON, _ := json.MarshalIndent(facts, "", "  ")
	prompt := fmt.Sprintf("Facts:\n%s", factsJSON)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		response, err := g.client.CompleteStructured(ctx, groupSystemPrompt, prompt, groupSchema)
		if err != nil {
			lastErr = err
			continue
		}
		var parsed groupResponse
		if err := llm.ExtractJSON(response, &parsed); err != nil {
			lastErr = err
			continue
		}
		groups := parsed.Groups[:0]
		for _, grp := range parsed.Groups {
			if len(grp.Facts) > 0 {
				groups = append(groups, grp)
			}
		}
		if len(groups) > 0 {
			logging.GardenerDebug("Grouped %d facts into %d clusters", len(facts), len(groups))
			return groups
		}
		lastErr = fmt.Errorf("grouping returned no groups")
	}

	logging.Get(logging.CategoryGardener).Warn("Semantic grouping failed, using single group: %v", lastErr)
	return []factGroup{{Label: "General Facts", Facts: facts}}
}
