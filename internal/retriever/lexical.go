package retriever

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/ragline/ragline/internal/store"
)

// LexicalIndex is an in-memory bleve index over ingested passages, used to
// blend keyword relevance into vector search results.
type LexicalIndex struct {
	index bleve.Index
	mu    sync.RWMutex
}

type lexicalDoc struct {
	Content    string `json:"content"`
	DocumentID string `json:"document_id"`
}

// NewLexicalIndex creates an empty in-memory index.
func NewLexicalIndex() (*LexicalIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve index: %w", err)
	}
	return &LexicalIndex{index: index}, nil
}

// Add indexes one passage keyed by its passage id.
func (l *LexicalIndex) Add(p store.PassageSearchResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index.Index(p.PassageID, lexicalDoc{Content: p.Content, DocumentID: p.DocumentID})
}

// AddAll indexes a batch of passages.
func (l *LexicalIndex) AddAll(passages []store.PassageSearchResult) error {
	for _, p := range passages {
		if err := l.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops one passage from the index.
func (l *LexicalIndex) Remove(passageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index.Delete(passageID)
}

// Scores runs a keyword match and returns scores per passage id, normalized
// to [0,1] by the best hit so they can be blended with vector similarity.
func (l *LexicalIndex) Scores(query string, limit int) (map[string]float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	searchReq := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)
	res, err := l.index.Search(searchReq)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(res.Hits))
	if len(res.Hits) == 0 {
		return out, nil
	}
	best := res.Hits[0].Score
	if best <= 0 {
		return out, nil
	}
	for _, hit := range res.Hits {
		out[hit.ID] = hit.Score / best
	}
	return out, nil
}
