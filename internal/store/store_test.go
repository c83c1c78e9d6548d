package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBlock(t *testing.T, s *Store, label string, status types.BlockStatus) *types.BridgeBlock {
	t.Helper()
	now := time.Now()
	block := &types.BridgeBlock{
		BlockID:    types.NewBlockID(now),
		Status:     status,
		TopicLabel: label,
		Keywords:   []string{label},
		CreatedAt:  types.Timestamp(now),
		UpdatedAt:  types.Timestamp(now),
	}
	require.NoError(t, s.CreateBlock(block))
	return block
}

func TestBlockLifecycle(t *testing.T) {
	s := newTestStore(t)

	block := newTestBlock(t, s, "weather api", types.BlockActive)

	loaded, err := s.GetBlock(block.BlockID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockActive, loaded.Status)
	assert.Equal(t, "weather api", loaded.TopicLabel)
	assert.Equal(t, []string{"weather api"}, loaded.Keywords)

	require.NoError(t, s.SetBlockStatus(block.BlockID, types.BlockPaused))
	loaded, err = s.GetBlock(block.BlockID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockPaused, loaded.Status)

	_, err = s.GetBlock("bb_missing")
	assert.Error(t, err)
	assert.Error(t, s.SetBlockStatus("bb_missing", types.BlockActive))
}

func TestTurnOrdinalsAreStrict(t *testing.T) {
	s := newTestStore(t)
	block := newTestBlock(t, s, "hiking", types.BlockActive)

	for i := 0; i < 3; i++ {
		turn := &types.Turn{
			TurnID:    types.NewTurnID(time.Now().Add(time.Duration(i) * time.Millisecond)),
			BlockID:   block.BlockID,
			UserText:  "u",
			AIText:    "a",
			CreatedAt: types.Now(),
		}
		require.NoError(t, s.AppendTurn(turn))
		assert.Equal(t, i+1, turn.Ordinal)
	}

	turns, err := s.GetTurns(block.BlockID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Ordinal)
	}
}

func TestAppendTurnToMissingBlock(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendTurn(&types.Turn{TurnID: "turn_x", BlockID: "bb_missing", CreatedAt: types.Now()})
	assert.Error(t, err)
}

func TestFactsNewestWins(t *testing.T) {
	s := newTestStore(t)
	block := newTestBlock(t, s, "keys", types.BlockActive)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	old := &types.Fact{
		FactID:        types.NewFactID(),
		Key:           "weather_api_key",
		Value:         "ABC123XYZ",
		SourceBlockID: block.BlockID,
		CreatedAt:     types.Timestamp(base),
	}
	rotated := &types.Fact{
		FactID:        types.NewFactID(),
		Key:           "weather_api_key",
		Value:         "XYZ789",
		SourceBlockID: block.BlockID,
		CreatedAt:     types.Timestamp(base.Add(time.Minute)),
	}
	require.NoError(t, s.InsertFact(old))
	require.NoError(t, s.InsertFact(rotated))

	facts, err := s.GetFactsForBlock(block.BlockID)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	// Newest first: the rotation wins by ordering, both rows survive.
	assert.Equal(t, "XYZ789", facts[0].Value)
	assert.Equal(t, "ABC123XYZ", facts[1].Value)
	assert.True(t, facts[0].CreatedAt > facts[1].CreatedAt)
}

func TestFactTiesBreakByInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	block := newTestBlock(t, s, "ties", types.BlockActive)

	ts := types.Now()
	for _, v := range []string{"first", "second"} {
		require.NoError(t, s.InsertFact(&types.Fact{
			FactID:        types.NewFactID(),
			Key:           "k",
			Value:         v,
			SourceBlockID: block.BlockID,
			CreatedAt:     ts,
		}))
	}

	facts, err := s.GetFactsForBlock(block.BlockID)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "second", facts[0].Value)
}

func TestLinkFactsToBlock(t *testing.T) {
	s := newTestStore(t)
	block := newTestBlock(t, s, "link", types.BlockActive)

	turnID := types.NewTurnID(time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC))
	stamp := types.TurnTimestampPart(turnID)

	require.NoError(t, s.InsertFact(&types.Fact{
		FactID:        types.NewFactID(),
		Key:           "db_host",
		Value:         "10.0.0.5",
		SourceChunkID: turnID + "_p01_s01",
		CreatedAt:     types.Now(),
	}))
	// A fact from another turn must not be linked.
	require.NoError(t, s.InsertFact(&types.Fact{
		FactID:        types.NewFactID(),
		Key:           "other",
		Value:         "x",
		SourceChunkID: "turn_20260101T000000.000Z_p01_s01",
		CreatedAt:     types.Now(),
	}))

	n, err := s.LinkFactsToBlock(stamp, block.BlockID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	facts, err := s.GetFactsForBlock(block.BlockID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "db_host", facts[0].Key)
}

func TestBlockIsolation(t *testing.T) {
	s := newTestStore(t)
	a := newTestBlock(t, s, "a", types.BlockActive)
	b := newTestBlock(t, s, "b", types.BlockPaused)

	require.NoError(t, s.InsertFact(&types.Fact{
		FactID: types.NewFactID(), Key: "ka", Value: "va",
		SourceBlockID: a.BlockID, CreatedAt: types.Now(),
	}))
	require.NoError(t, s.InsertFact(&types.Fact{
		FactID: types.NewFactID(), Key: "kb", Value: "vb",
		SourceBlockID: b.BlockID, CreatedAt: types.Now(),
	}))

	factsA, err := s.GetFactsForBlock(a.BlockID)
	require.NoError(t, err)
	factsB, err := s.GetFactsForBlock(b.BlockID)
	require.NoError(t, err)
	require.Len(t, factsA, 1)
	require.Len(t, factsB, 1)
	assert.NotEqual(t, factsA[0].FactID, factsB[0].FactID)
}

func TestGardenedMemorySearchJoinsTags(t *testing.T) {
	s := newTestStore(t)
	block := newTestBlock(t, s, "platform", types.BlockPaused)

	chunk := types.Chunk{
		ChunkID: "turn_20260701T000000.000Z_p01_s01",
		Level:   types.LevelSentence,
		Text:    "Titan is deprecated, use Olympus for new projects",
	}
	require.NoError(t, s.StoreEmbedding(chunk.ChunkID, []float32{1, 0, 0}))
	require.NoError(t, s.PromoteChunk(chunk, block.BlockID, 1, "2026-07-01"))

	require.NoError(t, s.UpsertBlockMetadata(&types.BlockMetadata{
		BlockID: block.BlockID,
		GlobalTags: []types.GlobalTag{
			{Type: "deprecation", Value: "Titan deprecated"},
			{Type: "constraint", Value: "new projects use Olympus"},
		},
	}))

	hits, err := s.SearchGardenedMemory([]float32{0.9, 0.1, 0}, 5, 0.4)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunk.ChunkID, hits[0].ChunkID)
	assert.GreaterOrEqual(t, hits[0].Similarity, 0.4)
	require.Len(t, hits[0].GlobalTags, 2)
	assert.Equal(t, "deprecation", hits[0].GlobalTags[0].Type)
}

func TestGardenedMemoryThresholdFilters(t *testing.T) {
	s := newTestStore(t)
	block := newTestBlock(t, s, "misc", types.BlockPaused)

	chunk := types.Chunk{ChunkID: "c_orthogonal", Level: types.LevelSentence, Text: "x"}
	require.NoError(t, s.StoreEmbedding(chunk.ChunkID, []float32{0, 1, 0}))
	require.NoError(t, s.PromoteChunk(chunk, block.BlockID, 1, "2026-07-01"))

	hits, err := s.SearchGardenedMemory([]float32{1, 0, 0}, 5, 0.4)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestPromoteChunkRequiresEmbedding(t *testing.T) {
	s := newTestStore(t)
	block := newTestBlock(t, s, "x", types.BlockPaused)

	err := s.PromoteChunk(types.Chunk{ChunkID: "no_vec", Level: types.LevelSentence, Text: "t"},
		block.BlockID, 1, "2026-07-01")
	assert.Error(t, err)
}

func TestDossierFactAndProvenance(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	d := &types.Dossier{
		DossierID:   types.NewDossierID(now),
		Title:       "Vegetarian Diet",
		Summary:     "User follows a vegetarian diet.",
		Status:      "active",
		CreatedAt:   types.Timestamp(now),
		LastUpdated: types.Timestamp(now),
	}
	require.NoError(t, s.CreateDossier(d))
	require.NoError(t, s.AddProvenance(&types.ProvenanceEntry{
		ProvenanceID: types.NewProvenanceID(),
		DossierID:    d.DossierID,
		Operation:    "created",
		Timestamp:    types.Timestamp(now),
	}))

	fact := &types.DossierFact{
		FactID:     types.NewFactID(),
		DossierID:  d.DossierID,
		Text:       "avoids eggs and dairy",
		Confidence: 1.0,
		AddedAt:    types.Timestamp(now.Add(time.Second)),
	}
	require.NoError(t, s.InsertDossierFact(fact, []float32{0.5, 0.5}))
	require.NoError(t, s.AddProvenance(&types.ProvenanceEntry{
		ProvenanceID: types.NewProvenanceID(),
		DossierID:    d.DossierID,
		Operation:    "fact_added",
		Timestamp:    types.Timestamp(now.Add(time.Second)),
	}))

	// Embedding-less inserts violate the one-embedding-per-fact invariant.
	assert.Error(t, s.InsertDossierFact(&types.DossierFact{
		FactID: types.NewFactID(), DossierID: d.DossierID, Text: "x", AddedAt: types.Now(),
	}, nil))

	facts, err := s.GetDossierFacts(d.DossierID)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	prov, err := s.GetProvenance(d.DossierID)
	require.NoError(t, err)
	require.Len(t, prov, 2)
	assert.Equal(t, "created", prov[0].Operation)
	assert.Equal(t, "fact_added", prov[1].Operation)

	hits, err := s.SearchDossierFacts([]float32{0.5, 0.5}, 10, 0.4)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, d.DossierID, hits[0].DossierID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
}

func TestLedgerSnapshotAndActiveIDs(t *testing.T) {
	s := newTestStore(t)
	a := newTestBlock(t, s, "a", types.BlockActive)
	newTestBlock(t, s, "b", types.BlockPaused)

	snapshot, err := s.GetLedgerSnapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)

	active, err := s.ActiveBlockIDs()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.BlockID, active[0])
}

func TestDeleteBlockRemovesTurns(t *testing.T) {
	s := newTestStore(t)
	block := newTestBlock(t, s, "gone", types.BlockPaused)
	require.NoError(t, s.AppendTurn(&types.Turn{
		TurnID: types.NewTurnID(time.Now()), BlockID: block.BlockID, CreatedAt: types.Now(),
	}))

	require.NoError(t, s.DeleteBlock(block.BlockID))

	_, err := s.GetBlock(block.BlockID)
	assert.Error(t, err)
	turns, err := s.GetTurns(block.BlockID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	newTestBlock(t, s, "one", types.BlockActive)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["daily_ledger"])
	assert.Equal(t, int64(0), stats["dossiers"])
}

func TestEncodeDecodeVector(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75}
	decoded, err := DecodeVector(EncodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
