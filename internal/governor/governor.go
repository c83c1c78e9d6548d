// Package governor implements the router: it classifies each query into one
// of four routing scenarios, chooses or creates the active bridge block,
// prunes the crawler's candidates with an LLM relevance pass, and maintains
// the chosen block's accumulating fields after every routed turn.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hmlr/internal/llm"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// LedgerStore is the slice of the storage layer the governor routes against.
type LedgerStore interface {
	GetLedgerSnapshot() ([]types.LedgerEntry, error)
	ActiveBlockIDs() ([]string, error)
	CreateBlock(block *types.BridgeBlock) error
	GetBlock(blockID string) (*types.BridgeBlock, error)
	SetBlockStatus(blockID string, status types.BlockStatus) error
	UpdateBlockFields(blockID, topicLabel, summary string, keywords, openLoops, decisions []string) error
}

// Governor routes queries to bridge blocks.
type Governor struct {
	store  LedgerStore
	client llm.LLMClient

	// isLocked reports whether a block is being gardened. Locked blocks are
	// presented to the router as CLOSED so a resumption cannot race the
	// gardener; nil means nothing is ever locked.
	isLocked func(blockID string) bool
}

// New creates a governor over the given ledger store.
func New(store LedgerStore, client llm.LLMClient) *Governor {
	return &Governor{store: store, client: client}
}

// SetLockCheck installs the gardener's block-lock probe.
func (g *Governor) SetLockCheck(fn func(blockID string) bool) {
	g.isLocked = fn
}

// Decision is the outcome of one routing pass.
type Decision struct {
	Scenario types.RoutingScenario
	BlockID  string
	// Created is true when the decision minted a fresh block.
	Created bool
}

// =============================================================================
// ROUTING
// =============================================================================

var routingSchema = &llm.ResponseSchema{
	Name: "RoutingDecision",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"scenario":        map[string]interface{}{"type": "integer"},
			"target_block_id": map[string]interface{}{"type": "string"},
			"topic_label":     map[string]interface{}{"type": "string"},
			"keywords": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required":             []string{"scenario", "target_block_id", "topic_label", "keywords"},
		"additionalProperties": false,
	},
}

type routingResponse struct {
	Scenario      int      `json:"scenario"`
	TargetBlockID string   `json:"target_block_id"`
	TopicLabel    string   `json:"topic_label"`
	Keywords      []string `json:"keywords"`
}

const routingSystemPrompt = `You are a conversation router. Given the current query and a ledger of conversation blocks, decide which block the query belongs to.

DECISION RULES:
1. Scenario 1 (continuation): the query continues the topic of the ACTIVE block. Gradual drift within the same domain is still a continuation.
2. Scenario 2 (resumption): the query returns to the topic of a PAUSED block, possibly after an interruption. Set target_block_id to that block.
3. Scenario 3 (new topic): no block matches and no block is ACTIVE.
4. Scenario 4 (topic shift): the query starts a distinct new topic while a block is ACTIVE. Abrupt cross-domain jumps are shifts.

Tie-breaks favor semantic continuity over recency: a vague follow-up like "Why?" belongs to the semantically nearest block even if it is not the newest. Never route to a CLOSED block.

For scenarios 1 and 2 set target_block_id to the chosen block. For scenarios 3 and 4 leave target_block_id empty and propose a specific topic_label for the new block. Always extract 2-6 keywords from the query.`

// Route classifies the query against the ledger and applies the resulting
// state transitions. Post-condition: exactly one ACTIVE block, and it is the
// returned one.
func (g *Governor) Route(ctx context.Context, query string) (*Decision, error) {
	timer := logging.StartTimer(logging.CategoryGovernor, "Route")
	defer timer.Stop()

	activeID, err := g.repairActiveSingleton()
	if err != nil {
		return nil, err
	}

	snapshot, err := g.store.GetLedgerSnapshot()
	if err != nil {
		return nil, err
	}
	snapshot = g.maskLocked(snapshot)

	// An empty ledger needs no LLM call.
	if len(routable(snapshot)) == 0 {
		return g.createNewBlock(query, "", nil, types.ScenarioNewTopic)
	}

	parsed, err := g.routeLLM(ctx, query, snapshot)
	if err != nil {
		logging.Get(logging.CategoryGovernor).Warn("Routing call failed, falling back: %v", err)
		return g.fallback(query, activeID)
	}

	return g.apply(query, parsed, activeID, snapshot)
}

// repairActiveSingleton enforces the one-ACTIVE invariant at entry: when more
// than one ACTIVE block exists, every older one is force-paused. Returns the
// surviving ACTIVE block ID, or empty.
func (g *Governor) repairActiveSingleton() (string, error) {
	ids, err := g.store.ActiveBlockIDs()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	for _, id := range ids[:len(ids)-1] {
		logging.Get(logging.CategoryGovernor).Warn("Multiple ACTIVE blocks observed, force-pausing older block %s", id)
		if err := g.store.SetBlockStatus(id, types.BlockPaused); err != nil {
			return "", err
		}
	}
	return ids[len(ids)-1], nil
}

// maskLocked presents blocks held by the gardener as CLOSED.
func (g *Governor) maskLocked(snapshot []types.LedgerEntry) []types.LedgerEntry {
	if g.isLocked == nil {
		return snapshot
	}
	for i := range snapshot {
		if g.isLocked(snapshot[i].BlockID) {
			snapshot[i].Status = types.BlockClosed
		}
	}
	return snapshot
}

func routable(snapshot []types.LedgerEntry) []types.LedgerEntry {
	var out []types.LedgerEntry
	for _, e := range snapshot {
		if e.Status != types.BlockClosed {
			out = append(out, e)
		}
	}
	return out
}

func (g *Governor) routeLLM(ctx context.Context, query string, snapshot []types.LedgerEntry) (*routingResponse, error) {
	ledgerJSON, err := json.MarshalIndent(routable(snapshot), "", "  ")
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("QUERY:\n%s\n\nLEDGER:\n%s", query, ledgerJSON)

	response, err := g.client.CompleteStructured(ctx, routingSystemPrompt, prompt, routingSchema)
	if err != nil {
		return nil, err
	}

	var parsed routingResponse
	if err := llm.ExtractJSON(response, &parsed); err != nil {
		return nil, err
	}
	if parsed.Scenario < 1 || parsed.Scenario > 4 {
		return nil, fmt.Errorf("routing returned invalid scenario %d", parsed.Scenario)
	}
	return &parsed, nil
}

// fallback routes a parse or transport failure: continuation if an ACTIVE
// block exists, otherwise a fresh block.
func (g *Governor) fallback(query, activeID string) (*Decision, error) {
	if activeID != "" {
		logging.Governor("Fallback: continuing ACTIVE block %s", activeID)
		return &Decision{Scenario: types.ScenarioContinuation, BlockID: activeID}, nil
	}
	return g.createNewBlock(query, "", nil, types.ScenarioNewTopic)
}

// apply turns the LLM's answer into ledger state transitions.
func (g *Governor) apply(query string, parsed *routingResponse, activeID string, snapshot []types.LedgerEntry) (*Decision, error) {
	scenario := types.RoutingScenario(parsed.Scenario)

	switch scenario {
	case types.ScenarioContinuation:
		if activeID == "" {
			// Nothing to continue; the router was wrong.
			return g.createNewBlock(query, parsed.TopicLabel, parsed.Keywords, types.ScenarioNewTopic)
		}
		logging.Governor("Scenario 1 (continuation): block %s", activeID)
		return &Decision{Scenario: scenario, BlockID: activeID}, nil

	case types.ScenarioResumption:
		target := findEntry(snapshot, parsed.TargetBlockID)
		if target == nil || target.Status != types.BlockPaused {
			// The named block is gone, locked, or not resumable. Treat as a
			// fresh topic instead of guessing.
			logging.Get(logging.CategoryGovernor).Warn("Resumption target %q not resumable, creating new block", parsed.TargetBlockID)
			return g.shiftOrNew(query, parsed, activeID)
		}
		if activeID != "" {
			if err := g.store.SetBlockStatus(activeID, types.BlockPaused); err != nil {
				return nil, err
			}
		}
		if err := g.store.SetBlockStatus(target.BlockID, types.BlockActive); err != nil {
			return nil, err
		}
		logging.Governor("Scenario 2 (resumption): block %s re-activated, %s paused", target.BlockID, activeID)
		return &Decision{Scenario: scenario, BlockID: target.BlockID}, nil

	case types.ScenarioNewTopic, types.ScenarioTopicShift:
		return g.shiftOrNew(query, parsed, activeID)
	}
	return nil, fmt.Errorf("unreachable scenario %d", parsed.Scenario)
}

// shiftOrNew pauses the ACTIVE block if there is one and mints a new block.
func (g *Governor) shiftOrNew(query string, parsed *routingResponse, activeID string) (*Decision, error) {
	scenario := types.ScenarioNewTopic
	if activeID != "" {
		if err := g.store.SetBlockStatus(activeID, types.BlockPaused); err != nil {
			return nil, err
		}
		scenario = types.ScenarioTopicShift
	}
	return g.createNewBlock(query, parsed.TopicLabel, parsed.Keywords, scenario)
}

func (g *Governor) createNewBlock(query, topicLabel string, keywords []string, scenario types.RoutingScenario) (*Decision, error) {
	if strings.TrimSpace(topicLabel) == "" {
		topicLabel = deriveLabel(query)
	}
	now := types.Now()
	block := &types.BridgeBlock{
		BlockID:    types.NewBlockID(time.Now()),
		Status:     types.BlockActive,
		TopicLabel: topicLabel,
		Keywords:   keywords,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.store.CreateBlock(block); err != nil {
		return nil, err
	}
	logging.Governor("Scenario %d (%s): created block %s label=%q", scenario, scenario, block.BlockID, topicLabel)
	return &Decision{Scenario: scenario, BlockID: block.BlockID, Created: true}, nil
}

// deriveLabel is the no-LLM label for fallback-created blocks: the first few
// words of the query.
func deriveLabel(query string) string {
	words := strings.Fields(query)
	if len(words) > 6 {
		words = words[:6]
	}
	if len(words) == 0 {
		return "untitled topic"
	}
	return strings.Join(words, " ")
}

func findEntry(snapshot []types.LedgerEntry, blockID string) *types.LedgerEntry {
	for i := range snapshot {
		if snapshot[i].BlockID == blockID {
			return &snapshot[i]
		}
	}
	return nil
}
