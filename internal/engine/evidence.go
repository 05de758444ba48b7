package engine

import "sort"

// evidencePool accumulates retrieved passages across reasoning steps,
// deduplicated by document identifier. A document already present is not
// re-added; its entry is refreshed when a later retrieval improves its score.
type evidencePool struct {
	byDoc map[string]RetrievedPassage
	order []string // document ids in first-seen order
}

func newEvidencePool() *evidencePool {
	return &evidencePool{byDoc: make(map[string]RetrievedPassage)}
}

// Add merges one retrieval batch into the pool and reports how many documents
// were new.
func (e *evidencePool) Add(passages []RetrievedPassage) int {
	added := 0
	for _, p := range passages {
		cur, ok := e.byDoc[p.DocumentID]
		if !ok {
			e.byDoc[p.DocumentID] = p
			e.order = append(e.order, p.DocumentID)
			added++
			continue
		}
		if p.Score > cur.Score {
			e.byDoc[p.DocumentID] = p
		}
	}
	return added
}

func (e *evidencePool) Len() int { return len(e.byDoc) }

// Best returns the highest score in the pool, or 0 when empty.
func (e *evidencePool) Best() float64 {
	best := 0.0
	for _, p := range e.byDoc {
		if p.Score > best {
			best = p.Score
		}
	}
	return best
}

// Passages returns the pool ordered by descending score, equal scores by
// ascending document id. Ranks are rewritten to match the merged order.
func (e *evidencePool) Passages() []RetrievedPassage {
	out := make([]RetrievedPassage, 0, len(e.byDoc))
	for _, id := range e.order {
		out = append(out, e.byDoc[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Get looks up a pool entry by document id.
func (e *evidencePool) Get(documentID string) (RetrievedPassage, bool) {
	p, ok := e.byDoc[documentID]
	return p, ok
}
