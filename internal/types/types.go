// Package types defines the shared domain types for the hierarchical memory
// system: bridge blocks, turns, chunks, facts, tags, dossiers, and the
// interfaces the pipeline components communicate through.
package types

import (
	"context"
	"time"
)

// =============================================================================
// BLOCK LIFECYCLE
// =============================================================================

// BlockStatus is the lifecycle state of a bridge block.
type BlockStatus string

const (
	BlockActive BlockStatus = "ACTIVE"
	BlockPaused BlockStatus = "PAUSED"
	BlockClosed BlockStatus = "CLOSED"
)

// RoutingScenario is the Governor's routing outcome for a query.
type RoutingScenario int

const (
	// ScenarioContinuation routes the query to the sole ACTIVE block.
	ScenarioContinuation RoutingScenario = 1
	// ScenarioResumption re-activates a PAUSED block and pauses the current one.
	ScenarioResumption RoutingScenario = 2
	// ScenarioNewTopic creates a fresh ACTIVE block when nothing matches.
	ScenarioNewTopic RoutingScenario = 3
	// ScenarioTopicShift pauses the ACTIVE block and creates a new one.
	ScenarioTopicShift RoutingScenario = 4
)

// String returns a short human-readable name for the scenario.
func (s RoutingScenario) String() string {
	switch s {
	case ScenarioContinuation:
		return "continuation"
	case ScenarioResumption:
		return "resumption"
	case ScenarioNewTopic:
		return "new_topic"
	case ScenarioTopicShift:
		return "topic_shift"
	default:
		return "unknown"
	}
}

// =============================================================================
// SHORT-TERM LEDGER
// =============================================================================

// Turn is one user/assistant exchange, appended to exactly one block.
// Immutable after append.
type Turn struct {
	TurnID   string `json:"turn_id"`
	BlockID  string `json:"block_id"`
	Ordinal  int    `json:"ordinal"`
	UserText string `json:"user_text"`
	AIText   string `json:"ai_text"`
	// CreatedAt is ISO-8601 UTC, assigned at ingest.
	CreatedAt string `json:"created_at"`
}

// BridgeBlock is the short-term, mutable container for one conversational
// topic. Created by the Governor, mutated on every routed turn, consumed and
// deleted by the Gardener.
type BridgeBlock struct {
	BlockID    string      `json:"block_id"`
	Status     BlockStatus `json:"status"`
	TopicLabel string      `json:"topic_label"`
	// Keywords accumulates across turns; the Governor unions new keywords in.
	Keywords []string `json:"keywords"`
	// Summary is the rolling summary, regenerated after each routed turn.
	Summary   string   `json:"summary"`
	Turns     []Turn   `json:"turns"`
	OpenLoops []string `json:"open_loops,omitempty"`
	Decisions []string `json:"decisions,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// LedgerEntry is the compact per-block view the Governor routes against.
// It deliberately omits the full turn list.
type LedgerEntry struct {
	BlockID    string      `json:"block_id"`
	Status     BlockStatus `json:"status"`
	TopicLabel string      `json:"topic_label"`
	Keywords   []string    `json:"keywords"`
	Summary    string      `json:"summary"`
}

// =============================================================================
// CHUNKS
// =============================================================================

// ChunkLevel identifies a node's depth in the chunk tree.
type ChunkLevel string

const (
	LevelTurn      ChunkLevel = "turn"
	LevelParagraph ChunkLevel = "paragraph"
	LevelSentence  ChunkLevel = "sentence"
)

// Chunk is one node of the hierarchical chunk tree. IDs are deterministic:
// the turn node carries the ingest timestamp, child IDs append _p<NN> and
// _s<NN> with zero-padded ordinals.
type Chunk struct {
	ChunkID    string     `json:"chunk_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Level      ChunkLevel `json:"level"`
	Text       string     `json:"text"`
	TokenCount int        `json:"token_count"`
}

// =============================================================================
// FACTS
// =============================================================================

// Fact is one key/value row in fact_store. Facts are append-only: rotations
// insert new rows and newest-wins ordering resolves conflicts.
type Fact struct {
	FactID string `json:"fact_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
	// SourceBlockID is empty until the Governor commits a routing decision
	// and the scrubbed facts are linked to the chosen block.
	SourceBlockID string `json:"source_block_id,omitempty"`
	SourceChunkID string `json:"source_chunk_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// =============================================================================
// LONG-TERM MEMORY
// =============================================================================

// GlobalTag governs the interpretation of every chunk in a gardened block.
type GlobalTag struct {
	Type  string `json:"type"` // global_rule, deprecation, constraint, decision, fact, alias, status, env
	Value string `json:"value"`
}

// SectionRule scopes a rule to a turn-ordinal range within a block.
type SectionRule struct {
	StartTurn int    `json:"start_turn"`
	EndTurn   int    `json:"end_turn"`
	Rule      string `json:"rule"`
}

// BlockMetadata holds the sticky meta tags for one gardened block. Tags are
// stored once here and joined at read time, never duplicated onto chunks.
type BlockMetadata struct {
	BlockID      string        `json:"block_id"`
	GlobalTags   []GlobalTag   `json:"global_tags"`
	SectionRules []SectionRule `json:"section_rules"`
}

// MemoryHit is one crawler result from gardened memory.
type MemoryHit struct {
	ChunkID       string      `json:"chunk_id"`
	Text          string      `json:"text"`
	SourceBlockID string      `json:"source_block_id"`
	TurnOrdinal   int         `json:"turn_ordinal"`
	GlobalTags    []GlobalTag `json:"global_tags,omitempty"`
	Similarity    float64     `json:"similarity"`
	SourceDate    string      `json:"source_date"`
}

// =============================================================================
// DOSSIERS
// =============================================================================

// Dossier is a long-lived, named aggregation of facts on a single theme.
type Dossier struct {
	DossierID   string `json:"dossier_id"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Status      string `json:"status"`
	Permissions string `json:"permissions,omitempty"`
	CreatedAt   string `json:"created_at"`
	LastUpdated string `json:"last_updated"`
}

// DossierFact is one append-only fact row belonging to a dossier.
type DossierFact struct {
	FactID        string  `json:"fact_id"`
	DossierID     string  `json:"dossier_id"`
	Text          string  `json:"text"`
	Type          string  `json:"type,omitempty"`
	SourceBlockID string  `json:"source_block_id,omitempty"`
	SourceTurnID  string  `json:"source_turn_id,omitempty"`
	Confidence    float64 `json:"confidence"`
	AddedAt       string  `json:"added_at"`
}

// ProvenanceEntry is one row of a dossier's append-only audit log.
type ProvenanceEntry struct {
	ProvenanceID  string `json:"provenance_id"`
	DossierID     string `json:"dossier_id"`
	Operation     string `json:"operation"` // created, fact_added, fact_removed, summary_updated
	SourceBlockID string `json:"source_block_id,omitempty"`
	Details       string `json:"details,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// FactPacket is a semantically clustered group of narrative facts handed from
// the Gardener to the Dossier Governor.
type FactPacket struct {
	ClusterLabel  string   `json:"cluster_label"`
	Facts         []string `json:"facts"`
	SourceBlockID string   `json:"source_block_id"`
	Timestamp     string   `json:"timestamp"`
}

// DossierHit is one crawler result from dossier fact embeddings.
type DossierHit struct {
	FactID     string  `json:"fact_id"`
	DossierID  string  `json:"dossier_id"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// =============================================================================
// USER PROFILE
// =============================================================================

// Constraint is one user-profile constraint (diet, allergy, rule).
type Constraint struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// UserProfile is the cross-topic profile card. It is always hydrated into the
// prompt, independent of routing.
type UserProfile struct {
	Glossary Glossary `json:"glossary"`
}

// Glossary groups the profile entries by category.
type Glossary struct {
	Constraints []Constraint `json:"constraints"`
	Preferences []string     `json:"preferences"`
	Identities  []string     `json:"identities"`
}

// =============================================================================
// TIMESTAMPS
// =============================================================================

// TimestampLayout is the ISO-8601 UTC layout used for all persisted
// timestamps. Millisecond precision keeps per-process ordering strict.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp formats t as ISO-8601 UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Now returns the current ISO-8601 UTC timestamp.
func Now() string {
	return Timestamp(time.Now())
}

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Generator composes the final reply from the hydrated prompt. The memory
// core treats it as an opaque downstream collaborator.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
