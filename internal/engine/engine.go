// Package engine wires the full memory pipeline and orchestrates the
// per-query fan-out: chunking, then Scribe (fire-and-forget), Fact Scrubber
// and Crawler and Governor concurrently, then filtering, fact linking,
// hydration, generation, and the post-turn block update.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hmlr/internal/chunk"
	"hmlr/internal/config"
	"hmlr/internal/crawler"
	"hmlr/internal/dossier"
	"hmlr/internal/embedding"
	"hmlr/internal/gardener"
	"hmlr/internal/governor"
	"hmlr/internal/hydrator"
	"hmlr/internal/llm"
	"hmlr/internal/logging"
	"hmlr/internal/profile"
	"hmlr/internal/scrubber"
	"hmlr/internal/store"
	"hmlr/internal/types"
)

// Engine is the memory core. One instance serves one user's conversation.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	profile  *profile.Store
	chunks   *chunk.Engine
	scribe   *profile.Scribe
	scrubber *scrubber.Scrubber
	crawler  *crawler.Crawler
	governor *governor.Governor
	hydrator *hydrator.Hydrator

	retriever  *dossier.Retriever
	dossierGov *dossier.Governor
	gardener   *gardener.Gardener

	generator types.Generator

	// scribeWG tracks fire-and-forget scribe runs so Close can drain them.
	scribeWG sync.WaitGroup
}

// New builds an engine with real backends from configuration.
func New(cfg *config.Config, generator types.Generator) (*Engine, error) {
	client, err := llm.NewClient(llm.Config{
		Provider:   cfg.LLM.Provider,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		BaseURL:    cfg.LLM.BaseURL,
		Timeout:    cfg.GetLLMTimeout(),
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	prof, err := profile.NewStore(cfg.ProfilePath())
	if err != nil {
		st.Close()
		return nil, err
	}

	return NewWithBackends(cfg, st, prof, client, embedder, generator), nil
}

// NewWithBackends builds an engine around explicit backends. Tests inject
// scripted clients and mock embedders here.
func NewWithBackends(cfg *config.Config, st *store.Store, prof *profile.Store,
	client llm.LLMClient, embedder embedding.EmbeddingEngine, generator types.Generator) *Engine {

	crawl := crawler.New(st, embedder,
		cfg.Retrieval.MemoryTopK, cfg.Retrieval.DossierTopK, cfg.Retrieval.SimilarityThreshold)

	gov := governor.New(st, client)
	dossierGov := dossier.NewGovernor(st, crawl, embedder, client)
	garden := gardener.New(st, client, embedder, dossierGov)
	gov.SetLockCheck(garden.Locked)

	hyd := hydrator.New(st, cfg.Retrieval.ContextTokenBudget)
	hyd.SetDossierBudget(cfg.Retrieval.DossierTokenBudget)

	e := &Engine{
		cfg:        cfg,
		store:      st,
		profile:    prof,
		chunks:     chunk.New(st, embedder),
		scribe:     profile.NewScribe(prof, client),
		scrubber:   scrubber.New(st, client),
		crawler:    crawl,
		governor:   gov,
		hydrator:   hyd,
		retriever:  dossier.NewRetriever(st),
		dossierGov: dossierGov,
		gardener:   garden,
		generator:  generator,
	}
	logging.Engine("Engine ready (db=%s, embedder=%s)", st.Path(), embedder.Name())
	return e
}

// Response is the outcome of one processed message.
type Response struct {
	Answer      string
	BlockID     string
	Scenario    types.RoutingScenario
	TurnID      string
	FactsLinked int64
}

// ProcessUserMessage runs the full per-query pipeline and returns the
// generated answer.
func (e *Engine) ProcessUserMessage(ctx context.Context, userText string) (*Response, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "ProcessUserMessage")
	defer timer.Stop()

	turnTime := time.Now()
	turnID := types.NewTurnID(turnTime)

	chunks, err := e.chunks.Process(ctx, turnID, userText, "")
	if err != nil {
		return nil, fmt.Errorf("chunking failed: %w", err)
	}

	// Scribe is fire-and-forget: never awaited, detached from the query's
	// cancellation.
	e.scribeWG.Add(1)
	go func() {
		defer e.scribeWG.Done()
		if err := e.scribe.Process(context.Background(), userText); err != nil {
			logging.Get(logging.CategoryScribe).Warn("Scribe dropped update: %v", err)
		}
	}()

	var (
		crawlRes *crawler.Result
		decision *governor.Decision
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Scrubber failures never block the conversation.
		if _, err := e.scrubber.Scrub(gctx, chunk.Sentences(chunks)); err != nil {
			logging.Get(logging.CategoryScrubber).Warn("Scrub failed, no facts this turn: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		res, err := e.crawler.Crawl(gctx, crawler.Request{Query: userText})
		if err != nil {
			logging.Get(logging.CategoryCrawler).Warn("Crawl failed, proceeding with empty retrieval: %v", err)
			res = &crawler.Result{}
		}
		crawlRes = res
		return nil
	})
	g.Go(func() error {
		d, err := e.governor.Route(gctx, userText)
		if err != nil {
			return fmt.Errorf("routing failed: %w", err)
		}
		decision = d
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	filtered := e.governor.FilterCandidates(ctx, userText, crawlRes.Memories)

	dossiers, err := e.retriever.Fetch(crawlRes.Dossiers)
	if err != nil {
		logging.Get(logging.CategoryDossier).Warn("Dossier fetch failed, omitting dossiers: %v", err)
		dossiers = nil
	}

	// Link this turn's scrubbed facts to the routed block before hydration,
	// so the prompt sees them.
	linked, err := e.store.LinkFactsToBlock(types.TurnTimestampPart(turnID), decision.BlockID)
	if err != nil {
		return nil, fmt.Errorf("fact linking failed: %w", err)
	}

	prof, err := e.profile.Get()
	if err != nil {
		logging.Get(logging.CategoryProfile).Warn("Profile unavailable: %v", err)
		prof = nil
	}

	prompt, err := e.hydrator.Hydrate(hydrator.Input{
		Query:    userText,
		BlockID:  decision.BlockID,
		Profile:  prof,
		Memories: filtered,
		Dossiers: dossiers,
	})
	if err != nil {
		return nil, fmt.Errorf("hydration failed: %w", err)
	}

	answer, err := e.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	if err := e.store.AppendTurn(&types.Turn{
		TurnID:    turnID,
		BlockID:   decision.BlockID,
		UserText:  userText,
		AIText:    answer,
		CreatedAt: types.Timestamp(turnTime),
	}); err != nil {
		return nil, err
	}

	if err := e.governor.UpdateBlockAfterTurn(ctx, decision.BlockID); err != nil {
		logging.Get(logging.CategoryGovernor).Warn("Post-turn block update failed: %v", err)
	}

	logging.Engine("Turn %s -> block %s (%s), %d memories, %d dossiers, %d facts linked",
		turnID, decision.BlockID, decision.Scenario, len(filtered), len(dossiers), linked)

	return &Response{
		Answer:      answer,
		BlockID:     decision.BlockID,
		Scenario:    decision.Scenario,
		TurnID:      turnID,
		FactsLinked: linked,
	}, nil
}

// ResetSession pauses any ACTIVE block so the next query routes fresh.
// Paused blocks stay resumable.
func (e *Engine) ResetSession() error {
	ids, err := e.store.ActiveBlockIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.store.SetBlockStatus(id, types.BlockPaused); err != nil {
			return err
		}
	}
	logging.Engine("Session reset, %d blocks paused", len(ids))
	return nil
}

// Garden consumes one bridge block into long-term memory.
func (e *Engine) Garden(ctx context.Context, blockID string) (*gardener.Result, error) {
	return e.gardener.Process(ctx, blockID)
}

// Stats returns row counts for every table.
func (e *Engine) Stats() (map[string]int64, error) {
	return e.store.GetStats()
}

// Store exposes the underlying store for inspection commands.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Close drains outstanding scribe work and releases the backends.
func (e *Engine) Close() error {
	e.scribeWG.Wait()
	if err := e.profile.Close(); err != nil {
		logging.Get(logging.CategoryEngine).Warn("Profile close: %v", err)
	}
	return e.store.Close()
}

// =============================================================================
// DEFAULT GENERATOR
// =============================================================================

// llmGenerator answers with a single completion over the hydrated prompt.
type llmGenerator struct {
	client llm.LLMClient
}

// NewLLMGenerator wraps an LLM client as the downstream generator.
func NewLLMGenerator(client llm.LLMClient) types.Generator {
	return &llmGenerator{client: client}
}

func (g *llmGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.client.Complete(ctx, prompt)
}
