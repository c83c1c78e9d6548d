package hydrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr/internal/dossier"
	"hmlr/internal/store"
	"hmlr/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedActiveBlock(t *testing.T, s *store.Store, id string) {
	t.Helper()
	now := types.Now()
	require.NoError(t, s.CreateBlock(&types.BridgeBlock{
		BlockID: id, Status: types.BlockActive, TopicLabel: "current topic",
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestHydrateSectionOrder(t *testing.T) {
	s := newTestStore(t)
	seedActiveBlock(t, s, "bb_now")
	require.NoError(t, s.AppendTurn(&types.Turn{
		TurnID: "turn_1", BlockID: "bb_now",
		UserText: "first question", AIText: "first answer", CreatedAt: types.Now(),
	}))
	require.NoError(t, s.InsertFact(&types.Fact{
		FactID: "f1", Key: "api_key", Value: "XYZ789",
		SourceBlockID: "bb_now", CreatedAt: types.Now(),
	}))

	h := New(s, 4000)
	prompt, err := h.Hydrate(Input{
		Query:   "what is my api key?",
		BlockID: "bb_now",
		Profile: &types.UserProfile{Glossary: types.Glossary{
			Constraints: []types.Constraint{{Key: "diet_vegetarian", Type: "diet", Description: "Strictly vegetarian", Severity: "high"}},
		}},
		Memories: []types.MemoryHit{{ChunkID: "c1", Text: "old context", SourceBlockID: "bb_old", TurnOrdinal: 1}},
		Dossiers: []dossier.Retrieved{{
			Dossier: types.Dossier{DossierID: "dos_1", Title: "Diet", Summary: "Vegetarian.", LastUpdated: "2026-01-01"},
			Facts:   []types.DossierFact{{FactID: "df1", Text: "User is vegetarian"}},
		}},
	})
	require.NoError(t, err)

	// Fixed order: profile, facts, dossiers, memories, history, query.
	idx := func(marker string) int {
		i := strings.Index(prompt, marker)
		require.GreaterOrEqual(t, i, 0, "missing section %q", marker)
		return i
	}
	profile := idx("## User Profile")
	facts := idx("## Known Facts")
	dossiers := idx("=== FACT DOSSIERS ===")
	memories := idx("### Context Block: bb_old")
	history := idx("## Conversation So Far")
	query := idx("## Current Query")
	assert.True(t, profile < facts && facts < dossiers && dossiers < memories && memories < history && history < query)

	// Constraints carry full semantic content.
	assert.Contains(t, prompt, "- [high] diet_vegetarian (diet): Strictly vegetarian")
	assert.Contains(t, prompt, "- api_key: XYZ789")
	assert.Contains(t, prompt, "### Dossier: Diet")
	assert.Contains(t, prompt, "- User is vegetarian")
	assert.Contains(t, prompt, "User: first question")
	assert.Contains(t, prompt, "what is my api key?")
}

func TestHydrateFactsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	seedActiveBlock(t, s, "bb_now")
	require.NoError(t, s.InsertFact(&types.Fact{
		FactID: "f1", Key: "api_key", Value: "ABC123",
		SourceBlockID: "bb_now", CreatedAt: "2026-01-01T00:00:00.000Z",
	}))
	require.NoError(t, s.InsertFact(&types.Fact{
		FactID: "f2", Key: "api_key", Value: "XYZ789",
		SourceBlockID: "bb_now", CreatedAt: "2026-01-02T00:00:00.000Z",
	}))

	prompt, err := New(s, 4000).Hydrate(Input{Query: "q", BlockID: "bb_now"})
	require.NoError(t, err)

	newIdx := strings.Index(prompt, "api_key: XYZ789")
	oldIdx := strings.Index(prompt, "api_key: ABC123")
	require.GreaterOrEqual(t, newIdx, 0)
	require.GreaterOrEqual(t, oldIdx, 0)
	assert.Less(t, newIdx, oldIdx)
}

func TestHydrateGroupsMemoriesByBlock(t *testing.T) {
	s := newTestStore(t)
	seedActiveBlock(t, s, "bb_now")
	require.NoError(t, s.UpsertBlockMetadata(&types.BlockMetadata{
		BlockID: "bb_55",
		GlobalTags: []types.GlobalTag{
			{Type: "env", Value: "python-3.9"},
			{Type: "env", Value: "windows"},
		},
		SectionRules: []types.SectionRule{{StartTurn: 10, EndTurn: 15, Rule: "DEPRECATED"}},
	}))

	hits := []types.MemoryHit{
		{ChunkID: "c1", Text: "Run the command", SourceBlockID: "bb_55", TurnOrdinal: 8},
		{ChunkID: "c2", Text: "Old API call", SourceBlockID: "bb_55", TurnOrdinal: 12},
		{ChunkID: "c3", Text: "Different block chunk", SourceBlockID: "bb_66", TurnOrdinal: 20},
	}

	prompt, err := New(s, 4000).Hydrate(Input{Query: "q", BlockID: "bb_now", Memories: hits})
	require.NoError(t, err)

	// One header per block, tags emitted once.
	assert.Equal(t, 1, strings.Count(prompt, "### Context Block: bb_55"))
	assert.Equal(t, 1, strings.Count(prompt, "[env: python-3.9]"))
	assert.Contains(t, prompt, "Active Rules: [env: python-3.9], [env: windows]")

	// Section rule applied only inside its turn range.
	assert.Contains(t, prompt, "[DEPRECATED] Old API call")
	assert.NotContains(t, prompt, "[DEPRECATED] Run the command")

	// Block without metadata still gets a header.
	assert.Contains(t, prompt, "### Context Block: bb_66")
}

func TestHydrateTruncatesRetrievedContext(t *testing.T) {
	s := newTestStore(t)
	seedActiveBlock(t, s, "bb_now")

	long := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	hits := []types.MemoryHit{{ChunkID: "c1", Text: long, SourceBlockID: "bb_old"}}

	prompt, err := New(s, 50).Hydrate(Input{Query: "the question", BlockID: "bb_now", Memories: hits})
	require.NoError(t, err)
	assert.Contains(t, prompt, "[Context truncated due to token limit]")
	// The query survives truncation.
	assert.Contains(t, prompt, "## Current Query\nthe question")
}

func TestHydrateMinimalInput(t *testing.T) {
	s := newTestStore(t)
	seedActiveBlock(t, s, "bb_now")

	prompt, err := New(s, 4000).Hydrate(Input{Query: "hello", BlockID: "bb_now"})
	require.NoError(t, err)
	assert.NotContains(t, prompt, "## User Profile")
	assert.NotContains(t, prompt, "## Known Facts")
	assert.NotContains(t, prompt, "=== FACT DOSSIERS ===")
	assert.Contains(t, prompt, "## Current Query\nhello")
}
