package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hmlr/internal/config"
	"hmlr/internal/embedding"
	"hmlr/internal/llm"
	"hmlr/internal/profile"
	"hmlr/internal/store"
	"hmlr/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pipelineClient scripts every LLM surface of the pipeline by prompt marker.
// Responses per marker are consumed FIFO; the last one is reused when the
// queue runs dry. Markers with no script return an error, which every
// consumer degrades from by design.
type pipelineClient struct {
	mu     sync.Mutex
	queues map[string][]string
}

func newPipelineClient() *pipelineClient {
	return &pipelineClient{queues: map[string][]string{}}
}

func (c *pipelineClient) push(marker string, responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[marker] = append(c.queues[marker], responses...)
}

func (c *pipelineClient) pop(marker string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[marker]
	if len(q) == 0 {
		return "", errors.New("no scripted response for " + marker)
	}
	head := q[0]
	if len(q) > 1 {
		c.queues[marker] = q[1:]
	}
	return head, nil
}

func (c *pipelineClient) Complete(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "Generate a concise summary"):
		return "SUMMARY: scripted initial summary", nil
	case strings.Contains(prompt, "Update this dossier summary"):
		return "UPDATED SUMMARY: scripted updated summary", nil
	}
	return c.pop("complete")
}

func (c *pipelineClient) CompleteStructured(_ context.Context, system, user string, _ *llm.ResponseSchema) (string, error) {
	switch {
	case strings.Contains(system, "conversation router"):
		return c.pop("route")
	case strings.Contains(system, "durable facts"):
		return c.pop("scrub:" + sentenceOf(user))
	case strings.Contains(system, "user profile"):
		return `{"constraints": [], "preferences": [], "identities": []}`, nil
	case strings.Contains(system, "rolling state"):
		return c.pop("accumulate")
	case strings.Contains(system, "relevance"):
		return c.pop("filter")
	case strings.Contains(system, "THREE heuristics"):
		return c.pop("classify")
	case strings.Contains(system, "semantic theme"):
		return c.pop("group")
	case system == "" && strings.Contains(user, "DECISION RULES"):
		return c.pop("dossier-route")
	}
	return "", errors.New("unrecognized prompt")
}

// pop variant for scrubber: unscripted sentences yield no facts rather than
// an error, matching a quiet extraction.
func (c *pipelineClient) popScrub(key string) string {
	if resp, err := c.pop(key); err == nil {
		return resp
	}
	return `{"facts": []}`
}

func sentenceOf(user string) string {
	// The scrubber prompt is `Sentence: "..."`.
	i := strings.Index(user, `"`)
	j := strings.LastIndex(user, `"`)
	if i < 0 || j <= i {
		return user
	}
	return user[i+1 : j]
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	answer  string
	err     error
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.prompts = append(g.prompts, prompt)
	return g.answer, nil
}

func (g *fakeGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

func newTestEngine(t *testing.T, client llm.LLMClient, embedder embedding.EmbeddingEngine) (*Engine, *fakeGenerator) {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	prof, err := profile.NewStore(filepath.Join(t.TempDir(), "user_profile.json"))
	require.NoError(t, err)

	gen := &fakeGenerator{answer: "scripted answer"}
	e := NewWithBackends(config.DefaultConfig(), st, prof, client, embedder, gen)
	t.Cleanup(func() { e.Close() })
	return e, gen
}

const continueRoute = `{"scenario": 1, "target_block_id": "", "topic_label": "", "keywords": []}`
const plainAccumulate = `{"summary": "rolling summary", "topic_label": "", "keywords": [], "open_loops": [], "decisions": []}`

func scrubResponse(key, value string) string {
	return `{"facts": [{"key": "` + key + `", "value": "` + value + `"}]}`
}

func TestAPIKeyRotation(t *testing.T) {
	client := newPipelineClient()
	client.push("route", continueRoute)
	client.push("accumulate", plainAccumulate)
	client.push("scrub:My weather API key is ABC123XYZ.", scrubResponse("weather_api_key", "ABC123XYZ"))
	client.push("scrub:The new key is XYZ789.", scrubResponse("weather_api_key", "XYZ789"))
	e, gen := newTestEngine(t, scrubberTolerant{client}, embedding.NewMockEngine(16))

	ctx := context.Background()
	r1, err := e.ProcessUserMessage(ctx, "My weather API key is ABC123XYZ.")
	require.NoError(t, err)
	r2, err := e.ProcessUserMessage(ctx, "I rotated keys. The new key is XYZ789.")
	require.NoError(t, err)
	assert.Equal(t, r1.BlockID, r2.BlockID)

	_, err = e.ProcessUserMessage(ctx, "What is my API key?")
	require.NoError(t, err)

	// Both rows persist, newest first, and the prompt shows the rotation in
	// newest-wins order.
	facts, err := e.Store().GetFactsForBlock(r1.BlockID)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "XYZ789", facts[0].Value)
	assert.Equal(t, "ABC123XYZ", facts[1].Value)

	prompt := gen.lastPrompt()
	newIdx := strings.Index(prompt, "XYZ789")
	oldIdx := strings.Index(prompt, "ABC123XYZ")
	require.GreaterOrEqual(t, newIdx, 0)
	require.GreaterOrEqual(t, oldIdx, 0)
	assert.Less(t, newIdx, oldIdx)
}

// scrubberTolerant turns missing scrub scripts into empty extractions.
type scrubberTolerant struct{ *pipelineClient }

func (c scrubberTolerant) CompleteStructured(ctx context.Context, system, user string, schema *llm.ResponseSchema) (string, error) {
	if strings.Contains(system, "durable facts") {
		return c.popScrub("scrub:" + sentenceOf(user)), nil
	}
	return c.pipelineClient.CompleteStructured(ctx, system, user, schema)
}

func TestVagueRetrievalViaBlockFacts(t *testing.T) {
	client := newPipelineClient()
	client.push("route", continueRoute)
	client.push("accumulate", plainAccumulate)
	client.push("scrub:My weather API key is ABC123XYZ.", scrubResponse("weather_api_key", "ABC123XYZ"))
	e, gen := newTestEngine(t, scrubberTolerant{client}, embedding.NewMockEngine(16))

	ctx := context.Background()
	_, err := e.ProcessUserMessage(ctx, "My weather API key is ABC123XYZ.")
	require.NoError(t, err)
	for _, msg := range []string{
		"What's the forecast format?", "Does it support hourly data?",
		"And metric units?", "What about alerts?",
	} {
		_, err := e.ProcessUserMessage(ctx, msg)
		require.NoError(t, err)
	}

	// The vague question retrieves via block facts, not keyword match.
	_, err = e.ProcessUserMessage(ctx, "Remind me what credential I need for the weather service?")
	require.NoError(t, err)
	assert.Contains(t, gen.lastPrompt(), "ABC123XYZ")
	assert.Contains(t, gen.lastPrompt(), "## Known Facts")
}

func TestGradualDriftStaysInOneBlock(t *testing.T) {
	client := newPipelineClient()
	client.push("route", continueRoute)
	client.push("accumulate", plainAccumulate)
	e, _ := newTestEngine(t, scrubberTolerant{client}, embedding.NewMockEngine(16))

	ctx := context.Background()
	_, err := e.ProcessUserMessage(ctx, "I'm planning a hiking trip in the Dolomites.")
	require.NoError(t, err)
	_, err = e.ProcessUserMessage(ctx, "What camera should I bring for landscape photography?")
	require.NoError(t, err)

	snapshot, err := e.Store().GetLedgerSnapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)
}

func TestAbruptShiftCreatesSecondBlock(t *testing.T) {
	client := newPipelineClient()
	client.push("route",
		`{"scenario": 4, "target_block_id": "", "topic_label": "Python debugging", "keywords": ["python", "traceback"]}`)
	client.push("accumulate",
		`{"summary": "s", "topic_label": "", "keywords": ["hiking", "dolomites"], "open_loops": [], "decisions": []}`,
		`{"summary": "s", "topic_label": "", "keywords": ["python", "traceback"], "open_loops": [], "decisions": []}`)
	e, _ := newTestEngine(t, scrubberTolerant{client}, embedding.NewMockEngine(16))

	ctx := context.Background()
	r1, err := e.ProcessUserMessage(ctx, "I'm planning a hiking trip in the Dolomites.")
	require.NoError(t, err)
	r2, err := e.ProcessUserMessage(ctx, "Anyway, help me debug this Python error.")
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioTopicShift, r2.Scenario)
	assert.NotEqual(t, r1.BlockID, r2.BlockID)

	snapshot, err := e.Store().GetLedgerSnapshot()
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	// Exactly one ACTIVE, and distinct keyword sets.
	active, err := e.Store().ActiveBlockIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{r2.BlockID}, active)

	b1, _ := e.Store().GetBlock(r1.BlockID)
	b2, _ := e.Store().GetBlock(r2.BlockID)
	assert.NotElementsMatch(t, b1.Keywords, b2.Keywords)
	assert.Contains(t, b1.Keywords, "hiking")
	assert.Contains(t, b2.Keywords, "python")
}

func TestActiveSingletonAfterEveryMessage(t *testing.T) {
	client := newPipelineClient()
	client.push("route",
		continueRoute,
		`{"scenario": 4, "target_block_id": "", "topic_label": "Second topic", "keywords": []}`,
		continueRoute)
	client.push("accumulate", plainAccumulate)
	e, _ := newTestEngine(t, scrubberTolerant{client}, embedding.NewMockEngine(16))

	ctx := context.Background()
	for _, msg := range []string{"first", "still first", "second topic now", "continue second"} {
		_, err := e.ProcessUserMessage(ctx, msg)
		require.NoError(t, err)

		active, err := e.Store().ActiveBlockIDs()
		require.NoError(t, err)
		assert.Len(t, active, 1, "after %q", msg)
	}
}

func TestGeneratorFailureDoesNotCommitTurn(t *testing.T) {
	client := newPipelineClient()
	client.push("accumulate", plainAccumulate)
	e, gen := newTestEngine(t, scrubberTolerant{client}, embedding.NewMockEngine(16))
	gen.err = errors.New("model overloaded")

	_, err := e.ProcessUserMessage(context.Background(), "hello there")
	require.Error(t, err)

	// The block exists (routing committed) but holds no turn.
	snapshot, err := e.Store().GetLedgerSnapshot()
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	turns, err := e.Store().GetTurns(snapshot[0].BlockID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestResetSessionPausesActive(t *testing.T) {
	client := newPipelineClient()
	client.push("accumulate", plainAccumulate)
	e, _ := newTestEngine(t, scrubberTolerant{client}, embedding.NewMockEngine(16))

	_, err := e.ProcessUserMessage(context.Background(), "hello")
	require.NoError(t, err)
	require.NoError(t, e.ResetSession())

	active, err := e.Store().ActiveBlockIDs()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDossierIncrementalBuild(t *testing.T) {
	// Pin both diet facts to the same vector so the second gardening's vote
	// finds the first dossier.
	vec := make([]float32, 16)
	vec[0] = 1
	embedder := &embedding.MockEngine{Dim: 16, Fixed: map[string][]float32{
		"User is strictly vegetarian": vec,
		"User avoids eggs and dairy":  vec,
	}}

	client := newPipelineClient()
	client.push("classify",
		`{"global_tags": [], "section_rules": [], "dossier_facts": ["User is strictly vegetarian"]}`,
		`{"global_tags": [], "section_rules": [], "dossier_facts": ["User avoids eggs and dairy"]}`)
	client.push("group",
		`{"groups": [{"label": "Vegetarian Diet", "facts": ["User is strictly vegetarian"]}]}`,
		`{"groups": [{"label": "Vegetarian Diet", "facts": ["User avoids eggs and dairy"]}]}`)
	e, _ := newTestEngine(t, scrubberTolerant{client}, embedder)

	st := e.Store()
	ctx := context.Background()
	for i, fact := range []string{"User is strictly vegetarian", "User avoids eggs and dairy"} {
		blockID := []string{"bb_one", "bb_two"}[i]
		now := types.Now()
		require.NoError(t, st.CreateBlock(&types.BridgeBlock{
			BlockID: blockID, Status: types.BlockPaused, TopicLabel: "diet chat",
			CreatedAt: now, UpdatedAt: now,
		}))
		require.NoError(t, st.InsertFact(&types.Fact{
			FactID: types.NewFactID(), Key: "diet", Value: fact,
			SourceBlockID: blockID, CreatedAt: now,
		}))
	}

	res1, err := e.Garden(ctx, "bb_one")
	require.NoError(t, err)
	require.Equal(t, 1, res1.DossiersRouted)

	dossiers, err := st.ListDossiers()
	require.NoError(t, err)
	require.Len(t, dossiers, 1)
	// The routing script can now name the real dossier.
	client.push("dossier-route",
		`{"action": "append", "target_dossier_id": "`+dossiers[0].DossierID+`"}`)

	_, err = e.Garden(ctx, "bb_two")
	require.NoError(t, err)

	// Still a single dossier, with both facts and full provenance.
	dossiers, err = st.ListDossiers()
	require.NoError(t, err)
	require.Len(t, dossiers, 1)

	facts, err := st.GetDossierFacts(dossiers[0].DossierID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(facts), 2)

	prov, err := st.GetProvenance(dossiers[0].DossierID)
	require.NoError(t, err)
	require.NotEmpty(t, prov)
	assert.Equal(t, "created", prov[0].Operation)
	added := 0
	for _, p := range prov {
		if p.Operation == "fact_added" {
			added++
		}
	}
	assert.GreaterOrEqual(t, added, 2)
}
