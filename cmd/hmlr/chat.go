package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"hmlr/internal/config"
	"hmlr/internal/engine"
	"hmlr/internal/llm"
	"hmlr/internal/types"
)

// newGenerator builds the downstream generator from the same LLM backend the
// pipeline uses.
func newGenerator(cfg *config.Config) (types.Generator, error) {
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
	return engine.NewLLMGenerator(client), nil
}

// runChat is the interactive loop. Slash commands operate on the memory
// core; everything else is a conversation turn.
func runChat(ctx context.Context) error {
	e, cfg, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("HMLR chat (model=%s, db=%s)\n", cfg.LLM.Model, cfg.DatabasePath())
	fmt.Println("Commands: /reset /stats /garden <block_id> /blocks /quit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := handleCommand(ctx, e, line); done {
				break
			}
			continue
		}

		resp, err := e.ProcessUserMessage(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("turn failed", zap.Error(err))
			fmt.Println("Sorry, something went wrong handling that. Please try again.")
			continue
		}
		fmt.Printf("\n%s\n", resp.Answer)
		if verbose {
			fmt.Printf("[block=%s scenario=%s facts_linked=%d]\n",
				resp.BlockID, resp.Scenario, resp.FactsLinked)
		}
	}
	return scanner.Err()
}

// handleCommand runs one slash command; returns true to exit the loop.
func handleCommand(ctx context.Context, e *engine.Engine, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/reset":
		if err := e.ResetSession(); err != nil {
			fmt.Println("Reset failed:", err)
		} else {
			fmt.Println("Session reset. The next message starts fresh routing.")
		}

	case "/stats":
		printStats(e)

	case "/blocks":
		snapshot, err := e.Store().GetLedgerSnapshot()
		if err != nil {
			fmt.Println("Failed to load ledger:", err)
			break
		}
		if len(snapshot) == 0 {
			fmt.Println("No bridge blocks.")
			break
		}
		for _, b := range snapshot {
			fmt.Printf("  %-8s %s  %q  keywords=%v\n", b.Status, b.BlockID, b.TopicLabel, b.Keywords)
		}

	case "/garden":
		if len(fields) < 2 {
			fmt.Println("Usage: /garden <block_id>")
			break
		}
		res, err := e.Garden(ctx, fields[1])
		if err != nil {
			fmt.Println("Gardening failed:", err)
			break
		}
		fmt.Printf("Gardened %s: %d facts, %d tags, %d chunks promoted, %d dossiers touched\n",
			res.BlockID, res.FactsProcessed, res.TagsApplied, res.ChunksPromoted, res.DossiersRouted)
		if res.Message != "" {
			fmt.Println(" ", res.Message)
		}

	default:
		fmt.Println("Unknown command:", fields[0])
	}
	return false
}
