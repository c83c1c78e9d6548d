package governor

import (
	"context"
	"fmt"
	"strings"

	"hmlr/internal/llm"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// =============================================================================
// BLOCK FIELD ACCUMULATION
// =============================================================================

var accumulateSchema = &llm.ResponseSchema{
	Name: "BlockUpdate",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"summary":     map[string]interface{}{"type": "string"},
			"topic_label": map[string]interface{}{"type": "string"},
			"keywords": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
			"open_loops": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
			"decisions": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required":             []string{"summary", "topic_label", "keywords", "open_loops", "decisions"},
		"additionalProperties": false,
	},
}

type accumulateResponse struct {
	Summary    string   `json:"summary"`
	TopicLabel string   `json:"topic_label"`
	Keywords   []string `json:"keywords"`
	OpenLoops  []string `json:"open_loops"`
	Decisions  []string `json:"decisions"`
}

const accumulateSystemPrompt = `You maintain the rolling state of a conversation block. Given the block's turns, produce:

- summary: a 2-4 sentence rolling summary of the whole block so far.
- topic_label: a specific label for the block's topic. Only propose one more specific than the current label; never a generic placeholder.
- keywords: 2-8 keywords for the latest turn.
- open_loops: questions raised but not yet answered.
- decisions: decisions explicitly made in the conversation.`

// recentTurnWindow bounds how many turns feed the summary call.
const recentTurnWindow = 8

// UpdateBlockAfterTurn regenerates the chosen block's accumulating fields
// from its updated turn list: the rolling summary, the unioned keyword set,
// open loops, and decisions. The topic label is only replaced by a more
// specific one; it never reverts to a generic default. A failed LLM call
// leaves the block untouched.
func (g *Governor) UpdateBlockAfterTurn(ctx context.Context, blockID string) error {
	timer := logging.StartTimer(logging.CategoryGovernor, "UpdateBlockAfterTurn")
	defer timer.Stop()

	block, err := g.store.GetBlock(blockID)
	if err != nil {
		return err
	}

	prompt := buildAccumulatePrompt(block)

	response, err := g.client.CompleteStructured(ctx, accumulateSystemPrompt, prompt, accumulateSchema)
	if err != nil {
		logging.Get(logging.CategoryGovernor).Warn("Block update call failed for %s, keeping prior fields: %v", blockID, err)
		return nil
	}

	var parsed accumulateResponse
	if err := llm.ExtractJSON(response, &parsed); err != nil {
		logging.Get(logging.CategoryGovernor).Warn("Block update parse failed for %s, keeping prior fields: %v", blockID, err)
		return nil
	}

	summary := strings.TrimSpace(parsed.Summary)
	if summary == "" {
		summary = block.Summary
	}

	label := block.TopicLabel
	if proposed := strings.TrimSpace(parsed.TopicLabel); proposed != "" && !genericLabel(proposed) {
		label = proposed
	}

	keywords := unionKeywords(block.Keywords, parsed.Keywords)
	openLoops := unionKeywords(block.OpenLoops, parsed.OpenLoops)
	decisions := unionKeywords(block.Decisions, parsed.Decisions)

	if err := g.store.UpdateBlockFields(blockID, label, summary, keywords, openLoops, decisions); err != nil {
		return err
	}

	logging.GovernorDebug("Block %s updated: label=%q keywords=%d open_loops=%d decisions=%d",
		blockID, label, len(keywords), len(openLoops), len(decisions))
	return nil
}

func buildAccumulatePrompt(block *types.BridgeBlock) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CURRENT LABEL: %s\n", block.TopicLabel)
	if block.Summary != "" {
		fmt.Fprintf(&b, "CURRENT SUMMARY: %s\n", block.Summary)
	}
	b.WriteString("\nTURNS:\n")

	turns := block.Turns
	if len(turns) > recentTurnWindow {
		turns = turns[len(turns)-recentTurnWindow:]
	}
	for _, t := range turns {
		fmt.Fprintf(&b, "[%d] User: %s\n", t.Ordinal, t.UserText)
		if t.AIText != "" {
			fmt.Fprintf(&b, "[%d] Assistant: %s\n", t.Ordinal, t.AIText)
		}
	}
	return b.String()
}

// genericLabel rejects placeholder labels that would erase a specific one.
func genericLabel(label string) bool {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "general", "untitled", "untitled topic", "new topic", "conversation", "misc", "miscellaneous", "chat":
		return true
	}
	return false
}

// unionKeywords appends new entries preserving order, case-insensitively
// deduplicated.
func unionKeywords(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, k := range existing {
		seen[strings.ToLower(k)] = true
	}
	out := existing
	for _, k := range incoming {
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		out = append(out, k)
		seen[strings.ToLower(k)] = true
	}
	return out
}
