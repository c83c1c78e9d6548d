package profile

import (
	"context"
	"fmt"
	"strings"

	"hmlr/internal/llm"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// Scribe extracts profile updates from user messages. It runs fire-and-forget:
// the engine launches it per message and never awaits it, so failures are
// logged and dropped.
type Scribe struct {
	profile *Store
	client  llm.LLMClient
}

// NewScribe creates a scribe writing to the given profile store.
func NewScribe(profile *Store, client llm.LLMClient) *Scribe {
	return &Scribe{profile: profile, client: client}
}

var scribeSchema = &llm.ResponseSchema{
	Name: "ProfileUpdates",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"constraints": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key":         map[string]interface{}{"type": "string"},
						"type":        map[string]interface{}{"type": "string"},
						"description": map[string]interface{}{"type": "string"},
						"severity":    map[string]interface{}{"type": "string", "enum": []string{"low", "medium", "high", "critical"}},
					},
					"required":             []string{"key", "type", "description", "severity"},
					"additionalProperties": false,
				},
			},
			"preferences": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
			"identities": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required":             []string{"constraints", "preferences", "identities"},
		"additionalProperties": false,
	},
}

const scribeSystemPrompt = `You maintain a user profile from conversation. Classify any lasting statements the user makes about themselves into:

- constraints: hard rules that must always be respected (diet, allergies, accessibility needs, policies). Each has a snake_case key (e.g. diet_vegetarian), a type (diet, allergy, rule, ...), a full description, and a severity.
- preferences: soft likes and dislikes.
- identities: roles and affiliations (e.g. "backend engineer", "based in Berlin").

Only extract statements about the user themselves. Return empty arrays when the message contains none.`

type scribeResponse struct {
	Constraints []types.Constraint `json:"constraints"`
	Preferences []string           `json:"preferences"`
	Identities  []string           `json:"identities"`
}

// Process extracts profile updates from one user message and merges them into
// the profile document.
func (sc *Scribe) Process(ctx context.Context, userText string) error {
	timer := logging.StartTimer(logging.CategoryScribe, "Process")
	defer timer.Stop()

	prompt := fmt.Sprintf("User message: %q", userText)

	var parsed scribeResponse
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		response, err := sc.client.CompleteStructured(ctx, scribeSystemPrompt, prompt, scribeSchema)
		if err != nil {
			lastErr = err
			continue
		}
		if err := llm.ExtractJSON(response, &parsed); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("scribe extraction failed: %w", lastErr)
	}

	if len(parsed.Constraints) == 0 && len(parsed.Preferences) == 0 && len(parsed.Identities) == 0 {
		return nil
	}

	err := sc.profile.Update(func(p *types.UserProfile) {
		for _, c := range parsed.Constraints {
			mergeConstraint(p, c)
		}
		p.Glossary.Preferences = mergeStrings(p.Glossary.Preferences, parsed.Preferences)
		p.Glossary.Identities = mergeStrings(p.Glossary.Identities, parsed.Identities)
	})
	if err != nil {
		return fmt.Errorf("scribe profile write failed: %w", err)
	}

	logging.Scribe("Profile updated: +%d constraints, +%d preferences, +%d identities",
		len(parsed.Constraints), len(parsed.Preferences), len(parsed.Identities))
	return nil
}

// mergeConstraint replaces an existing constraint with the same key, else
// appends.
func mergeConstraint(p *types.UserProfile, c types.Constraint) {
	if strings.TrimSpace(c.Key) == "" {
		return
	}
	for i, existing := range p.Glossary.Constraints {
		if existing.Key == c.Key {
			p.Glossary.Constraints[i] = c
			return
		}
	}
	p.Glossary.Constraints = append(p.Glossary.Constraints, c)
}

func mergeStrings(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range incoming {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		existing = append(existing, s)
		seen[strings.ToLower(s)] = true
	}
	return existing
}
