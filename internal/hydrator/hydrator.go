// Package hydrator assembles the final prompt: user profile, block-scoped
// facts, retrieved dossiers, retrieved memories grouped by source block,
// turn history, and the current query, in that fixed order.
//
// Grouping by block is the token saver: sticky tags live once in
// block_metadata and are emitted once per block header, never repeated on
// each chunk.
package hydrator

import (
	"fmt"
	"strings"

	"hmlr/internal/dossier"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// Store is the slice of the storage layer the hydrator reads.
type Store interface {
	GetFactsForBlock(blockID string) ([]types.Fact, error)
	GetBlockMetadata(blockID string) (*types.BlockMetadata, error)
	GetBlock(blockID string) (*types.BridgeBlock, error)
}

// Hydrator builds prompts.
type Hydrator struct {
	store Store
	// tokenBudget bounds the retrieved-context sections (dossiers and
	// memories); profile, facts, and turn history are always included.
	tokenBudget int
	// dossierBudget caps the dossier section on its own so a fat dossier
	// cannot crowd the memory chunks out of the shared budget.
	dossierBudget int
}

// New creates a hydrator with the given retrieval token budget.
func New(store Store, tokenBudget int) *Hydrator {
	if tokenBudget <= 0 {
		tokenBudget = 4000
	}
	return &Hydrator{store: store, tokenBudget: tokenBudget, dossierBudget: 3000}
}

// SetDossierBudget overrides the dossier-section token cap.
func (h *Hydrator) SetDossierBudget(n int) {
	if n > 0 {
		h.dossierBudget = n
	}
}

// Input is everything one hydration needs.
type Input struct {
	Query    string
	BlockID  string
	Profile  *types.UserProfile
	Memories []types.MemoryHit
	Dossiers []dossier.Retrieved
}

// Hydrate assembles the prompt for one query.
func (h *Hydrator) Hydrate(in Input) (string, error) {
	timer := logging.StartTimer(logging.CategoryHydrator, "Hydrate")
	defer timer.Stop()

	var sections []string

	if s := renderProfile(in.Profile); s != "" {
		sections = append(sections, s)
	}

	facts, err := h.store.GetFactsForBlock(in.BlockID)
	if err != nil {
		return "", err
	}
	if s := renderFacts(facts); s != "" {
		sections = append(sections, s)
	}

	// Retrieved context is the only part subject to the token budget.
	var retrieved []string
	if s := renderDossiers(in.Dossiers); s != "" {
		retrieved = append(retrieved, trimToBudget(s, h.dossierBudget))
	}
	if s := h.renderMemories(in.Memories); s != "" {
		retrieved = append(retrieved, s)
	}
	if len(retrieved) > 0 {
		sections = append(sections, trimToBudget(strings.Join(retrieved, "\n\n"), h.tokenBudget))
	}

	if s, err := h.renderHistory(in.BlockID); err != nil {
		return "", err
	} else if s != "" {
		sections = append(sections, s)
	}

	sections = append(sections, "## Current Query\n"+in.Query)

	prompt := strings.Join(sections, "\n\n")
	logging.HydratorDebug("Hydrated prompt: %d sections, ~%d tokens", len(sections), estimateTokens(prompt))
	return prompt, nil
}

// =============================================================================
// SECTIONS
// =============================================================================

// renderProfile emits the cross-topic profile card. Constraints carry their
// full semantic content, not just key/value.
func renderProfile(p *types.UserProfile) string {
	if p == nil {
		return ""
	}
	g := p.Glossary
	if len(g.Constraints) == 0 && len(g.Preferences) == 0 && len(g.Identities) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## User Profile")
	if len(g.Constraints) > 0 {
		b.WriteString("\nConstraints:")
		for _, c := range g.Constraints {
			fmt.Fprintf(&b, "\n- [%s] %s (%s): %s", c.Severity, c.Key, c.Type, c.Description)
		}
	}
	if len(g.Preferences) > 0 {
		b.WriteString("\nPreferences:")
		for _, p := range g.Preferences {
			fmt.Fprintf(&b, "\n- %s", p)
		}
	}
	if len(g.Identities) > 0 {
		b.WriteString("\nIdentities:")
		for _, id := range g.Identities {
			fmt.Fprintf(&b, "\n- %s", id)
		}
	}
	return b.String()
}

// renderFacts emits the current block's facts, newest first, so a rotated
// value appears before the value it replaced.
func renderFacts(facts []types.Fact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Known Facts (current topic, newest first)")
	for _, f := range facts {
		fmt.Fprintf(&b, "\n- %s: %s", f.Key, f.Value)
	}
	return b.String()
}

func renderDossiers(dossiers []dossier.Retrieved) string {
	if len(dossiers) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("=== FACT DOSSIERS ===")
	for _, d := range dossiers {
		fmt.Fprintf(&b, "\n\n### Dossier: %s", d.Dossier.Title)
		fmt.Fprintf(&b, "\nSummary: %s", d.Dossier.Summary)
		if len(d.Facts) > 0 {
			b.WriteString("\nFacts:")
			for _, f := range d.Facts {
				fmt.Fprintf(&b, "\n- %s", f.Text)
			}
		}
		if d.Dossier.LastUpdated != "" {
			fmt.Fprintf(&b, "\nLast Updated: %s", d.Dossier.LastUpdated)
		}
	}
	return b.String()
}

// renderMemories groups hits by source block: one header with the block's
// active rules, then the chunks. Section rules are applied per chunk by turn
// ordinal range.
func (h *Hydrator) renderMemories(hits []types.MemoryHit) string {
	if len(hits) == 0 {
		return ""
	}

	// Group preserving first-seen block order.
	var order []string
	grouped := make(map[string][]types.MemoryHit)
	for _, hit := range hits {
		id := hit.SourceBlockID
		if _, ok := grouped[id]; !ok {
			order = append(order, id)
		}
		grouped[id] = append(grouped[id], hit)
	}

	var b strings.Builder
	for i, blockID := range order {
		if i > 0 {
			b.WriteString("\n")
		}

		meta := h.metadataFor(blockID, grouped[blockID])
		fmt.Fprintf(&b, "### Context Block: %s", blockID)
		if len(meta.GlobalTags) > 0 {
			tags := make([]string, 0, len(meta.GlobalTags))
			for _, t := range meta.GlobalTags {
				tags = append(tags, fmt.Sprintf("[%s: %s]", t.Type, t.Value))
			}
			fmt.Fprintf(&b, "\nActive Rules: %s", strings.Join(tags, ", "))
		}
		b.WriteString("\n")

		for _, hit := range grouped[blockID] {
			if rule := sectionRuleFor(hit.TurnOrdinal, meta.SectionRules); rule != "" {
				fmt.Fprintf(&b, "\n  [%s] %s", rule, hit.Text)
			} else {
				fmt.Fprintf(&b, "\n  %s", hit.Text)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// metadataFor loads block metadata once per block. A block without metadata
// falls back to whatever tags the search already joined onto the hits.
func (h *Hydrator) metadataFor(blockID string, hits []types.MemoryHit) types.BlockMetadata {
	meta, err := h.store.GetBlockMetadata(blockID)
	if err == nil {
		return *meta
	}
	fallback := types.BlockMetadata{BlockID: blockID}
	if len(hits) > 0 {
		fallback.GlobalTags = hits[0].GlobalTags
	}
	return fallback
}

// sectionRuleFor returns the first rule whose turn range covers the ordinal.
func sectionRuleFor(ordinal int, rules []types.SectionRule) string {
	for _, r := range rules {
		if ordinal >= r.StartTurn && ordinal <= r.EndTurn {
			return r.Rule
		}
	}
	return ""
}

func (h *Hydrator) renderHistory(blockID string) (string, error) {
	block, err := h.store.GetBlock(blockID)
	if err != nil {
		return "", err
	}
	if len(block.Turns) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Conversation So Far")
	for _, t := range block.Turns {
		fmt.Fprintf(&b, "\nUser: %s", t.UserText)
		if t.AIText != "" {
			fmt.Fprintf(&b, "\nAssistant: %s", t.AIText)
		}
	}
	return b.String(), nil
}

// =============================================================================
// TOKEN BUDGET
// =============================================================================

// estimateTokens is the cheap 4-chars-per-token heuristic.
func estimateTokens(s string) int {
	return len(s) / 4
}

func trimToBudget(s string, budget int) string {
	if estimateTokens(s) <= budget {
		return s
	}
	logging.Get(logging.CategoryHydrator).Warn("Retrieved context over budget (~%d > %d tokens), truncating", estimateTokens(s), budget)
	return s[:budget*4] + "\n\n[Context truncated due to token limit]"
}
