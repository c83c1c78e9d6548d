// Package dossier implements the write-side fact router and the read-side
// retriever for fact dossiers: long-lived, named aggregations of facts on a
// single theme. Routing uses Multi-Vector Voting, where every incoming fact
// searches independently and dossiers with the most hits bubble up as
// candidates.
package dossier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"hmlr/internal/embedding"
	"hmlr/internal/llm"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// Voting parameters. Each fact casts a wide net; the tally narrows it.
const (
	votingTopK      = 10
	votingThreshold = 0.4
	maxCandidates   = 5
)

// GovernorStore is the slice of the storage layer the dossier governor
// writes through.
type GovernorStore interface {
	CreateDossier(d *types.Dossier) error
	GetDossier(dossierID string) (*types.Dossier, error)
	GetDossierFacts(dossierID string) ([]types.DossierFact, error)
	InsertDossierFact(fact *types.DossierFact, vec []float32) error
	UpdateDossierSummary(dossierID, summary string) error
	AddProvenance(entry *types.ProvenanceEntry) error
}

// Searcher performs vector search over dossier fact embeddings. The crawler
// satisfies this.
type Searcher interface {
	SearchDossiers(ctx context.Context, text string, topK int, threshold float64) ([]types.DossierHit, error)
}

// Governor routes fact packets to dossiers.
type Governor struct {
	store    GovernorStore
	search   Searcher
	embedder embedding.EmbeddingEngine
	client   llm.LLMClient
}

// NewGovernor creates a dossier governor.
func NewGovernor(store GovernorStore, search Searcher, embedder embedding.EmbeddingEngine, client llm.LLMClient) *Governor {
	return &Governor{store: store, search: search, embedder: embedder, client: client}
}

// candidate is one ranked voting result, enriched with the dossier's current
// content for the routing call.
type candidate struct {
	DossierID     string   `json:"dossier_id"`
	Title         string   `json:"title"`
	Summary       string   `json:"summary"`
	ExistingFacts []string `json:"existing_facts"`
	VoteHits      int      `json:"vote_hits"`
	VoteScore     float64  `json:"vote_score"`
}

// ProcessFactPacket routes one semantically clustered fact packet: append to
// the dossier the vote and the LLM agree on, or create a new one. Returns the
// dossier ID the facts landed in.
func (g *Governor) ProcessFactPacket(ctx context.Context, packet types.FactPacket) (string, error) {
	timer := logging.StartTimer(logging.CategoryDossier, "ProcessFactPacket")
	defer timer.Stop()

	if len(packet.Facts) == 0 {
		return "", fmt.Errorf("fact packet %q is empty", packet.ClusterLabel)
	}

	logging.Dossier("Processing fact packet %q (%d facts)", packet.ClusterLabel, len(packet.Facts))

	candidates, err := g.findCandidates(ctx, packet.Facts)
	if err != nil {
		return "", err
	}

	if len(candidates) > 0 {
		decision := g.decideRouting(ctx, packet.Facts, candidates)
		if decision.Action == "append" && findCandidate(candidates, decision.TargetDossierID) != nil {
			logging.Dossier("Routing decision: APPEND to %s", decision.TargetDossierID)
			if err := g.appendToDossier(ctx, decision.TargetDossierID, packet); err != nil {
				return "", err
			}
			return decision.TargetDossierID, nil
		}
		logging.Dossier("Routing decision: CREATE new dossier")
	} else {
		logging.Dossier("No candidate dossiers, creating new")
	}

	return g.createDossier(ctx, packet)
}

// =============================================================================
// MULTI-VECTOR VOTING
// =============================================================================

// findCandidates searches with every fact in the packet and tallies which
// dossiers get the most hits. Specific facts outvote vague ones: a vague
// fact scatters single hits across many dossiers, while the correct dossier
// collects a hit from each related fact and bubbles up.
func (g *Governor) findCandidates(ctx context.Context, facts []string) ([]candidate, error) {
	type tally struct {
		hits     int
		scoreSum float64
	}
	votes := make(map[string]*tally)

	for _, fact := range facts {
		hits, err := g.search.SearchDossiers(ctx, fact, votingTopK, votingThreshold)
		if err != nil {
			return nil, fmt.Errorf("voting search failed: %w", err)
		}
		for _, h := range hits {
			t := votes[h.DossierID]
			if t == nil {
				t = &tally{}
				votes[h.DossierID] = t
			}
			t.hits++
			t.scoreSum += h.Similarity
		}
	}
	if len(votes) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	// Hit count first, score sum as tiebreaker, ID for determinism.
	sort.Slice(ids, func(i, j int) bool {
		a, b := votes[ids[i]], votes[ids[j]]
		if a.hits != b.hits {
			return a.hits > b.hits
		}
		if a.scoreSum != b.scoreSum {
			return a.scoreSum > b.scoreSum
		}
		return ids[i] < ids[j]
	})
	if len(ids) > maxCandidates {
		ids = ids[:maxCandidates]
	}

	var candidates []candidate
	for _, id := range ids {
		d, err := g.store.GetDossier(id)
		if err != nil {
			logging.Get(logging.CategoryDossier).Warn("Voted dossier %s not loadable: %v", id, err)
			continue
		}
		facts, err := g.store.GetDossierFacts(id)
		if err != nil {
			return nil, err
		}
		texts := make([]string, 0, len(facts))
		for _, f := range facts {
			texts = append(texts, f.Text)
		}
		candidates = append(candidates, candidate{
			DossierID:     id,
			Title:         d.Title,
			Summary:       d.Summary,
			ExistingFacts: texts,
			VoteHits:      votes[id].hits,
			VoteScore:     votes[id].scoreSum,
		})
		logging.DossierDebug("  Candidate %s: %d hits, score %.2f", id, votes[id].hits, votes[id].scoreSum)
	}
	return candidates, nil
}

func findCandidate(candidates []candidate, dossierID string) *candidate {
	for i := range candidates {
		if candidates[i].DossierID == dossierID {
			return &candidates[i]
		}
	}
	return nil
}

// =============================================================================
// ROUTING DECISION
// =============================================================================

var routingSchema = &llm.ResponseSchema{
	Name: "DossierRouting",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action":            map[string]interface{}{"type": "string", "enum": []string{"append", "create"}},
			"target_dossier_id": map[string]interface{}{"type": "string"},
		},
		"required":             []string{"action", "target_dossier_id"},
		"additionalProperties": false,
	},
}

type routingDecision struct {
	Action          string `json:"action"`
	TargetDossierID string `json:"target_dossier_id"`
}

// candidateView is what the routing call sees per candidate: summary-level
// content plus vote metadata, existing facts capped at five.
type candidateView struct {
	DossierID     string   `json:"dossier_id"`
	Title         string   `json:"title"`
	Summary       string   `json:"summary"`
	VoteHits      int      `json:"vote_hits"`
	ExistingFacts []string `json:"existing_facts"`
}

// decideRouting asks the LLM to choose append or create. Any failure
// defaults to create; a wrong create costs a duplicate dossier, a wrong
// append pollutes an existing one.
func (g *Governor) decideRouting(ctx context.Context, facts []string, candidates []candidate) routingDecision {
	views := make([]candidateView, 0, len(candidates))
	for _, c := range candidates {
		existing := c.ExistingFacts
		if len(existing) > 5 {
			existing = existing[:5]
		}
		views = append(views, candidateView{
			DossierID:     c.DossierID,
			Title:         c.Title,
			Summary:       c.Summary,
			VoteHits:      c.VoteHits,
			ExistingFacts: existing,
		})
	}

	factsJSON, _ := json.MarshalIndent(facts, "", "  ")
	candidatesJSON, _ := json.MarshalIndent(views, "", "  ")

	prompt := fmt.Sprintf(`You are a fact routing system. Decide whether new facts should be appended to an existing dossier or create a new dossier.

NEW FACTS TO ROUTE:
%s

CANDIDATE DOSSIERS (ranked by Multi-Vector Voting):
%s

DECISION RULES:
1. If new facts semantically belong to an existing dossier (same topic, related concepts), APPEND
2. If new facts form a distinct topic that doesn't fit existing dossiers, CREATE
3. Consider the vote_hits: higher hits mean stronger semantic relationship
4. Facts don't need to be identical - look for conceptual relationships

Return JSON:
- To append: {"action": "append", "target_dossier_id": "dos_xxx"}
- To create new: {"action": "create"}`, factsJSON, candidatesJSON)

	response, err := g.client.CompleteStructured(ctx, "", prompt, routingSchema)
	if err != nil {
		logging.Get(logging.CategoryDossier).Warn("Routing call failed, defaulting to CREATE: %v", err)
		return routingDecision{Action: "create"}
	}

	var decision routingDecision
	if err := llm.ExtractJSON(response, &decision); err != nil {
		logging.Get(logging.CategoryDossier).Warn("Routing parse failed, defaulting to CREATE: %v", err)
		return routingDecision{Action: "create"}
	}
	return decision
}

// =============================================================================
// APPEND / CREATE
// =============================================================================

func (g *Governor) appendToDossier(ctx context.Context, dossierID string, packet types.FactPacket) error {
	if err := g.insertFacts(ctx, dossierID, packet); err != nil {
		return err
	}
	g.updateSummary(ctx, dossierID, packet)
	logging.Dossier("Appended %d facts to dossier %s", len(packet.Facts), dossierID)
	return nil
}

func (g *Governor) createDossier(ctx context.Context, packet types.FactPacket) (string, error) {
	dossierID := types.NewDossierID(time.Now())
	summary := g.generateSummary(ctx, packet.ClusterLabel, packet.Facts)
	now := types.Now()

	err := g.store.CreateDossier(&types.Dossier{
		DossierID:   dossierID,
		Title:       packet.ClusterLabel,
		Summary:     summary,
		Status:      "active",
		CreatedAt:   now,
		LastUpdated: now,
	})
	if err != nil {
		return "", err
	}

	details, _ := json.Marshal(map[string]interface{}{
		"num_facts": len(packet.Facts),
		"title":     packet.ClusterLabel,
	})
	if err := g.store.AddProvenance(&types.ProvenanceEntry{
		ProvenanceID:  types.NewProvenanceID(),
		DossierID:     dossierID,
		Operation:     "created",
		SourceBlockID: packet.SourceBlockID,
		Details:       string(details),
		Timestamp:     types.Now(),
	}); err != nil {
		return "", err
	}

	if err := g.insertFacts(ctx, dossierID, packet); err != nil {
		return "", err
	}

	logging.Dossier("Created dossier %s (%q) with %d facts", dossierID, packet.ClusterLabel, len(packet.Facts))
	return dossierID, nil
}

// insertFacts stores and embeds every packet fact, with one provenance row
// each.
func (g *Governor) insertFacts(ctx context.Context, dossierID string, packet types.FactPacket) error {
	for _, text := range packet.Facts {
		vec, err := g.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("failed to embed fact for dossier %s: %w", dossierID, err)
		}

		factID := types.NewFactID()
		fact := &types.DossierFact{
			FactID:        factID,
			DossierID:     dossierID,
			Text:          text,
			SourceBlockID: packet.SourceBlockID,
			Confidence:    1.0,
			AddedAt:       types.Now(),
		}
		if err := g.store.InsertDossierFact(fact, vec); err != nil {
			return err
		}

		details, _ := json.Marshal(map[string]string{
			"fact_id":   factID,
			"fact_text": truncate(text, 100),
		})
		if err := g.store.AddProvenance(&types.ProvenanceEntry{
			ProvenanceID:  types.NewProvenanceID(),
			DossierID:     dossierID,
			Operation:     "fact_added",
			SourceBlockID: packet.SourceBlockID,
			Details:       string(details),
			Timestamp:     types.Now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SUMMARIES
// =============================================================================

// updateSummary rewrites the dossier summary from the old summary plus the
// new facts. Failure keeps the old summary; the facts are already stored.
func (g *Governor) updateSummary(ctx context.Context, dossierID string, packet types.FactPacket) {
	d, err := g.store.GetDossier(dossierID)
	if err != nil {
		logging.Get(logging.CategoryDossier).Warn("Summary update skipped, dossier %s not loadable: %v", dossierID, err)
		return
	}

	factsJSON, _ := json.MarshalIndent(packet.Facts, "", "  ")
	prompt := fmt.Sprintf(`Update this dossier summary with new facts. Build causal chains where possible.

OLD SUMMARY:
%s

NEW FACTS BEING ADDED:
%s

INSTRUCTIONS:
1. Integrate new facts into the existing narrative
2. Build causal chains where facts relate (e.g., "Because X, therefore Y")
3. Do NOT create duplicates of existing information
4. Keep summary concise but comprehensive (2-4 sentences)

UPDATED SUMMARY:`, d.Summary, factsJSON)

	response, err := g.client.Complete(ctx, prompt)
	if err != nil {
		logging.Get(logging.CategoryDossier).Warn("Summary update failed for %s, keeping old summary: %v", dossierID, err)
		return
	}

	summary := strings.TrimSpace(response)
	summary = strings.TrimSpace(strings.TrimPrefix(summary, "UPDATED SUMMARY:"))
	if summary == "" {
		return
	}

	if err := g.store.UpdateDossierSummary(dossierID, summary); err != nil {
		logging.Get(logging.CategoryDossier).Warn("Summary write failed for %s: %v", dossierID, err)
		return
	}

	details, _ := json.Marshal(map[string]int{"num_new_facts": len(packet.Facts)})
	if err := g.store.AddProvenance(&types.ProvenanceEntry{
		ProvenanceID:  types.NewProvenanceID(),
		DossierID:     dossierID,
		Operation:     "summary_updated",
		SourceBlockID: packet.SourceBlockID,
		Details:       string(details),
		Timestamp:     types.Now(),
	}); err != nil {
		logging.Get(logging.CategoryDossier).Warn("Summary provenance write failed for %s: %v", dossierID, err)
	}
}

// generateSummary produces the initial summary of a new dossier. Failure
// falls back to concatenating the leading facts.
func (g *Governor) generateSummary(ctx context.Context, title string, facts []string) string {
	factsJSON, _ := json.MarshalIndent(facts, "", "  ")
	prompt := fmt.Sprintf(`Generate a concise summary for a new fact dossier.

TITLE: %s

FACTS:
%s

Generate a 2-3 sentence summary that:
1. Captures the essence of these facts
2. Identifies any causal relationships
3. Sets context for future facts

SUMMARY:`, title, factsJSON)

	response, err := g.client.Complete(ctx, prompt)
	if err != nil {
		logging.Get(logging.CategoryDossier).Warn("Initial summary failed for %q, using fallback: %v", title, err)
		head := facts
		if len(head) > 3 {
			head = head[:3]
		}
		return title + ": " + strings.Join(head, "; ")
	}

	summary := strings.TrimSpace(response)
	return strings.TrimSpace(strings.TrimPrefix(summary, "SUMMARY:"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
