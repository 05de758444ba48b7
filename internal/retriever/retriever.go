package retriever

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/ragline/ragline/config"
	"github.com/ragline/ragline/internal/engine"
	"github.com/ragline/ragline/internal/store"
)

// vectorIndex is the slice of the store the retriever needs.
type vectorIndex interface {
	SearchPassages(ctx context.Context, vector []float32, topK int, documentIDs []string) ([]store.PassageSearchResult, error)
}

// embedder is the slice of the LLM provider the retriever needs.
type embedder interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// Retriever embeds the query and searches the passage index. Scores are
// similarities (1 - cosine distance), optionally blended with normalized
// keyword scores from the lexical index. Results are deterministic for
// identical inputs against an unchanged index.
type Retriever struct {
	index    vectorIndex
	embedder embedder
	lexical  *LexicalIndex
	cfg      config.RetrievalConfig
	model    string
	logger   *log.Logger
}

// New creates a retriever. lexical may be nil; hybrid blending then stays off
// regardless of configuration.
func New(cfg *config.Config, emb embedder, index vectorIndex, lexical *LexicalIndex) *Retriever {
	model := cfg.LLM.Routing.Embedding
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &Retriever{
		index:    index,
		embedder: emb,
		lexical:  lexical,
		cfg:      cfg.Retrieval,
		model:    model,
		logger:   log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags),
	}
}

// Retrieve returns up to k passages ranked by relevance. Embedding or index
// outages surface as engine.ErrRetrievalUnavailable so the reasoning loop can
// retry once and then degrade.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, opts engine.RetrieveOptions) ([]engine.RetrievedPassage, error) {
	if k <= 0 {
		k = r.cfg.TopK
	}

	vecs, err := r.embedder.Embed(ctx, r.model, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", engine.ErrRetrievalUnavailable, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embed returned %d vectors", engine.ErrRetrievalUnavailable, len(vecs))
	}

	hits, err := r.index.SearchPassages(ctx, vecs[0], k, opts.DocumentIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", engine.ErrRetrievalUnavailable, err)
	}

	passages := make([]engine.RetrievedPassage, 0, len(hits))
	for _, h := range hits {
		passages = append(passages, engine.RetrievedPassage{
			ID:         h.PassageID,
			DocumentID: h.DocumentID,
			Document:   h.DocumentName,
			Text:       h.Content,
			Page:       h.Page,
			Score:      1 - h.Distance,
		})
	}

	if r.cfg.HybridEnabled && r.lexical != nil && len(passages) > 0 {
		passages = r.blendLexical(query, passages)
	}

	// Re-rank after blending; equal scores order by ascending document id.
	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].DocumentID < passages[j].DocumentID
	})
	if len(passages) > k {
		passages = passages[:k]
	}
	for i := range passages {
		passages[i].Rank = i + 1
	}
	return passages, nil
}

// blendLexical mixes normalized keyword scores into the vector similarities.
// A lexical failure leaves the vector ranking untouched.
func (r *Retriever) blendLexical(query string, passages []engine.RetrievedPassage) []engine.RetrievedPassage {
	scores, err := r.lexical.Scores(query, len(passages)*3)
	if err != nil {
		r.logger.Printf("lexical scoring failed, vector ranking only: %v", err)
		return passages
	}
	w := r.cfg.HybridWeight
	for i := range passages {
		passages[i].Score = (1-w)*passages[i].Score + w*scores[passages[i].ID]
	}
	return passages
}
