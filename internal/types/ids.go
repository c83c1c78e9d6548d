package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID prefixes. All IDs embed an ISO-8601-ish compact UTC timestamp so that
// lexical order tracks creation order within a process.
const (
	idTimeLayout = "20060102T150405.000Z"
)

// NewBlockID mints a bridge block ID of the form bb_<UTC>_<hex>.
func NewBlockID(t time.Time) string {
	return "bb_" + t.UTC().Format(idTimeLayout) + "_" + shortHex()
}

// NewTurnID mints a turn ID of the form turn_<UTC>. The embedded timestamp is
// the substring the Fact Scrubber's block-linking update matches on.
func NewTurnID(t time.Time) string {
	return "turn_" + t.UTC().Format(idTimeLayout)
}

// NewFactID mints a fact ID.
func NewFactID() string {
	return "fact_" + uuid.New().String()
}

// NewDossierID mints a dossier ID of the form dos_<UTC>.
func NewDossierID(t time.Time) string {
	return "dos_" + t.UTC().Format(idTimeLayout) + "_" + shortHex()
}

// NewProvenanceID mints a provenance ID.
func NewProvenanceID() string {
	return "prov_" + uuid.New().String()
}

// TurnTimestampPart extracts the timestamp substring from a turn ID.
// Chunk IDs are derived from turn IDs, so matching on this substring links
// every chunk (and fact) of a turn back to it.
func TurnTimestampPart(turnID string) string {
	return strings.TrimPrefix(turnID, "turn_")
}

func shortHex() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id, "-", "")[:8]
}
