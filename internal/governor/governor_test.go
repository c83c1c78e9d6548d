package governor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr/internal/llm"
	"hmlr/internal/store"
	"hmlr/internal/types"
)

// scriptedClient answers by matching substrings of the system prompt.
type scriptedClient struct {
	responses map[string]string // system prompt marker -> response
	err       error
	calls     int
	lastUser  string
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteStructured(ctx, "", prompt, nil)
}

func (c *scriptedClient) CompleteStructured(_ context.Context, system, user string, _ *llm.ResponseSchema) (string, error) {
	c.calls++
	c.lastUser = user
	if c.err != nil {
		return "", c.err
	}
	for marker, response := range c.responses {
		if strings.Contains(system, marker) {
			return response, nil
		}
	}
	return "", errors.New("no scripted response for prompt")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBlock(t *testing.T, s *store.Store, id, label string, status types.BlockStatus, keywords ...string) {
	t.Helper()
	now := types.Now()
	require.NoError(t, s.CreateBlock(&types.BridgeBlock{
		BlockID: id, Status: status, TopicLabel: label,
		Keywords: keywords, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestRouteEmptyLedgerCreatesBlockWithoutLLM(t *testing.T) {
	s := newTestStore(t)
	client := &scriptedClient{}
	g := New(s, client)

	d, err := g.Route(context.Background(), "Help me plan a trip to Japan")
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioNewTopic, d.Scenario)
	assert.True(t, d.Created)
	assert.Zero(t, client.calls)

	active, err := s.ActiveBlockIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{d.BlockID}, active)
}

func TestRouteContinuation(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockActive, "japan", "travel")
	client := &scriptedClient{responses: map[string]string{
		"DECISION RULES": `{"scenario": 1, "target_block_id": "bb_trip", "topic_label": "", "keywords": ["flights"]}`,
	}}

	d, err := New(s, client).Route(context.Background(), "What about flights?")
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioContinuation, d.Scenario)
	assert.Equal(t, "bb_trip", d.BlockID)
	assert.False(t, d.Created)
}

func TestRouteTopicShiftPausesActive(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockActive)
	client := &scriptedClient{responses: map[string]string{
		"DECISION RULES": `{"scenario": 4, "target_block_id": "", "topic_label": "Database migration", "keywords": ["postgres"]}`,
	}}

	d, err := New(s, client).Route(context.Background(), "Switching gears: how do I migrate to Postgres?")
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioTopicShift, d.Scenario)
	assert.True(t, d.Created)

	old, err := s.GetBlock("bb_trip")
	require.NoError(t, err)
	assert.Equal(t, types.BlockPaused, old.Status)

	created, err := s.GetBlock(d.BlockID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockActive, created.Status)
	assert.Equal(t, "Database migration", created.TopicLabel)
}

func TestRouteResumption(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockPaused)
	seedBlock(t, s, "bb_db", "Database migration", types.BlockActive)
	client := &scriptedClient{responses: map[string]string{
		"DECISION RULES": `{"scenario": 2, "target_block_id": "bb_trip", "topic_label": "", "keywords": []}`,
	}}

	d, err := New(s, client).Route(context.Background(), "Back to the trip: which cities?")
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioResumption, d.Scenario)
	assert.Equal(t, "bb_trip", d.BlockID)

	trip, _ := s.GetBlock("bb_trip")
	db, _ := s.GetBlock("bb_db")
	assert.Equal(t, types.BlockActive, trip.Status)
	assert.Equal(t, types.BlockPaused, db.Status)
}

func TestRouteFallbackContinuesActive(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockActive)
	client := &scriptedClient{responses: map[string]string{
		"DECISION RULES": "this is not json at all",
	}}

	d, err := New(s, client).Route(context.Background(), "Why?")
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioContinuation, d.Scenario)
	assert.Equal(t, "bb_trip", d.BlockID)
}

func TestRouteFallbackCreatesWhenNothingActive(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockPaused)
	client := &scriptedClient{err: errors.New("llm down")}

	d, err := New(s, client).Route(context.Background(), "Tell me about Rust lifetimes")
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioNewTopic, d.Scenario)
	assert.True(t, d.Created)
}

func TestRouteRepairsDoubleActive(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_old", "Older topic", types.BlockActive)
	seedBlock(t, s, "bb_new", "Newer topic", types.BlockActive)
	client := &scriptedClient{responses: map[string]string{
		"DECISION RULES": `{"scenario": 1, "target_block_id": "bb_new", "topic_label": "", "keywords": []}`,
	}}

	d, err := New(s, client).Route(context.Background(), "continue")
	require.NoError(t, err)
	assert.Equal(t, "bb_new", d.BlockID)

	old, _ := s.GetBlock("bb_old")
	assert.Equal(t, types.BlockPaused, old.Status)
}

func TestRouteLockedBlockTreatedAsClosed(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockPaused)
	client := &scriptedClient{responses: map[string]string{
		"DECISION RULES": `{"scenario": 2, "target_block_id": "bb_trip", "topic_label": "Japan trip", "keywords": []}`,
	}}

	g := New(s, client)
	g.SetLockCheck(func(blockID string) bool { return blockID == "bb_trip" })

	d, err := g.Route(context.Background(), "Back to the trip")
	require.NoError(t, err)
	assert.NotEqual(t, "bb_trip", d.BlockID)
	assert.True(t, d.Created)

	// The gardened block keeps its real status on disk.
	trip, _ := s.GetBlock("bb_trip")
	assert.Equal(t, types.BlockPaused, trip.Status)
}

func TestFilterCandidatesPrunes(t *testing.T) {
	s := newTestStore(t)
	client := &scriptedClient{responses: map[string]string{
		"relevance": `{"relevant_chunk_ids": ["c2"]}`,
	}}
	hits := []types.MemoryHit{
		{ChunkID: "c1", Text: "weather in Lisbon"},
		{ChunkID: "c2", Text: "API key is XYZ789", GlobalTags: []types.GlobalTag{{Type: "deprecation", Value: "old key ABC123 rotated"}}},
	}

	filtered := New(s, client).FilterCandidates(context.Background(), "what is my api key?", hits)
	require.Len(t, filtered, 1)
	assert.Equal(t, "c2", filtered[0].ChunkID)
}

func TestFilterCandidatesDegradesToVectorResults(t *testing.T) {
	s := newTestStore(t)
	client := &scriptedClient{err: errors.New("llm down")}
	hits := []types.MemoryHit{{ChunkID: "c1"}, {ChunkID: "c2"}}

	filtered := New(s, client).FilterCandidates(context.Background(), "q", hits)
	assert.Len(t, filtered, 2)
}

func TestFilterCandidatesEmptyInputSkipsLLM(t *testing.T) {
	s := newTestStore(t)
	client := &scriptedClient{}
	assert.Empty(t, New(s, client).FilterCandidates(context.Background(), "q", nil))
	assert.Zero(t, client.calls)
}

func TestUpdateBlockAfterTurnAccumulates(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockActive, "japan")
	require.NoError(t, s.AppendTurn(&types.Turn{
		TurnID: "turn_1", BlockID: "bb_trip",
		UserText: "What about flights to Tokyo?", AIText: "Direct flights run daily.",
		CreatedAt: types.Now(),
	}))

	client := &scriptedClient{responses: map[string]string{
		"rolling state": `{
			"summary": "Planning a Japan trip; currently comparing flights to Tokyo.",
			"topic_label": "Japan trip: flights",
			"keywords": ["flights", "tokyo", "JAPAN"],
			"open_loops": ["pick departure dates"],
			"decisions": []
		}`,
	}}

	require.NoError(t, New(s, client).UpdateBlockAfterTurn(context.Background(), "bb_trip"))

	block, err := s.GetBlock("bb_trip")
	require.NoError(t, err)
	assert.Equal(t, "Japan trip: flights", block.TopicLabel)
	assert.Contains(t, block.Summary, "flights to Tokyo")
	// Union is case-insensitive: "JAPAN" does not duplicate "japan".
	assert.Equal(t, []string{"japan", "flights", "tokyo"}, block.Keywords)
	assert.Equal(t, []string{"pick departure dates"}, block.OpenLoops)
}

func TestUpdateBlockAfterTurnRejectsGenericLabel(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockActive)
	client := &scriptedClient{responses: map[string]string{
		"rolling state": `{"summary": "s", "topic_label": "General", "keywords": [], "open_loops": [], "decisions": []}`,
	}}

	require.NoError(t, New(s, client).UpdateBlockAfterTurn(context.Background(), "bb_trip"))

	block, _ := s.GetBlock("bb_trip")
	assert.Equal(t, "Japan trip planning", block.TopicLabel)
}

func TestUpdateBlockAfterTurnSurvivesLLMFailure(t *testing.T) {
	s := newTestStore(t)
	seedBlock(t, s, "bb_trip", "Japan trip planning", types.BlockActive, "japan")
	client := &scriptedClient{err: errors.New("llm down")}

	require.NoError(t, New(s, client).UpdateBlockAfterTurn(context.Background(), "bb_trip"))

	block, _ := s.GetBlock("bb_trip")
	assert.Equal(t, []string{"japan"}, block.Keywords)
}
