package dossier

import (
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// RetrieverStore is the slice of the storage layer the retriever reads.
type RetrieverStore interface {
	GetDossier(dossierID string) (*types.Dossier, error)
	GetDossierFacts(dossierID string) ([]types.DossierFact, error)
}

// Retrieved is one dossier with its facts, ready for hydration.
type Retrieved struct {
	Dossier types.Dossier
	Facts   []types.DossierFact
}

// Retriever is the read side: it expands raw fact-level hits into full
// dossiers.
type Retriever struct {
	store RetrieverStore
}

// NewRetriever creates a dossier retriever.
func NewRetriever(store RetrieverStore) *Retriever {
	return &Retriever{store: store}
}

// Fetch dedupes the hits by dossier, preserving hit order (best match
// first), and loads each dossier with its full fact list.
func (r *Retriever) Fetch(hits []types.DossierHit) ([]Retrieved, error) {
	seen := make(map[string]bool, len(hits))
	var out []Retrieved
	for _, h := range hits {
		if seen[h.DossierID] {
			continue
		}
		seen[h.DossierID] = true

		d, err := r.store.GetDossier(h.DossierID)
		if err != nil {
			logging.Get(logging.CategoryDossier).Warn("Hit references missing dossier %s: %v", h.DossierID, err)
			continue
		}
		facts, err := r.store.GetDossierFacts(h.DossierID)
		if err != nil {
			return nil, err
		}
		out = append(out, Retrieved{Dossier: *d, Facts: facts})
	}

	logging.DossierDebug("Retrieved %d dossiers from %d fact hits", len(out), len(hits))
	return out, nil
}
