package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/ragline/ragline/config"
	"github.com/ragline/ragline/internal/engine"
	"github.com/ragline/ragline/internal/store"
)

type stubEmbedder struct {
	err error
}

func (s stubEmbedder) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type stubIndex struct {
	hits []store.PassageSearchResult
	err  error
}

func (s stubIndex) SearchPassages(ctx context.Context, vector []float32, topK int, documentIDs []string) ([]store.PassageSearchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.hits) > topK {
		return s.hits[:topK], nil
	}
	return s.hits, nil
}

func retrievalConfig() *config.Config {
	return &config.Config{
		LLM:       config.LLMConfig{Routing: config.LLMRoutingConfig{Embedding: "text-embedding-3-small"}},
		Retrieval: config.RetrievalConfig{TopK: 4, ScoreThreshold: 0.78},
	}
}

func TestRetrieveConvertsDistanceToSimilarity(t *testing.T) {
	index := stubIndex{hits: []store.PassageSearchResult{
		{PassageID: "p1", DocumentID: "doc-a", DocumentName: "a.md", Content: "alpha", Distance: 0.1},
		{PassageID: "p2", DocumentID: "doc-b", DocumentName: "b.md", Content: "beta", Distance: 0.4},
	}}

	r := New(retrievalConfig(), stubEmbedder{}, index, nil)
	got, err := r.Retrieve(context.Background(), "q", 4, engine.RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 passages, got %d", len(got))
	}
	if got[0].Score != 0.9 || got[1].Score != 0.6 {
		t.Fatalf("similarity conversion wrong: %f, %f", got[0].Score, got[1].Score)
	}
	if got[0].Rank != 1 || got[1].Rank != 2 {
		t.Fatalf("ranks wrong: %d, %d", got[0].Rank, got[1].Rank)
	}
}

func TestRetrieveTieBreaksOnDocumentID(t *testing.T) {
	index := stubIndex{hits: []store.PassageSearchResult{
		{PassageID: "p1", DocumentID: "doc-b", Content: "tie", Distance: 0.2},
		{PassageID: "p2", DocumentID: "doc-a", Content: "tie", Distance: 0.2},
	}}

	r := New(retrievalConfig(), stubEmbedder{}, index, nil)
	got, err := r.Retrieve(context.Background(), "q", 4, engine.RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got[0].DocumentID != "doc-a" || got[1].DocumentID != "doc-b" {
		t.Fatalf("tie-break violated: %s then %s", got[0].DocumentID, got[1].DocumentID)
	}
}

func TestRetrieveMapsFailuresToUnavailable(t *testing.T) {
	r := New(retrievalConfig(), stubEmbedder{err: errors.New("timeout")}, stubIndex{}, nil)
	if _, err := r.Retrieve(context.Background(), "q", 4, engine.RetrieveOptions{}); !errors.Is(err, engine.ErrRetrievalUnavailable) {
		t.Fatalf("embed failure should map to ErrRetrievalUnavailable, got %v", err)
	}

	r = New(retrievalConfig(), stubEmbedder{}, stubIndex{err: errors.New("connection refused")}, nil)
	if _, err := r.Retrieve(context.Background(), "q", 4, engine.RetrieveOptions{}); !errors.Is(err, engine.ErrRetrievalUnavailable) {
		t.Fatalf("index failure should map to ErrRetrievalUnavailable, got %v", err)
	}
}

func TestRetrieveHybridBlendIsDeterministic(t *testing.T) {
	lexical, err := NewLexicalIndex()
	if err != nil {
		t.Fatalf("NewLexicalIndex: %v", err)
	}
	passages := []store.PassageSearchResult{
		{PassageID: "p1", DocumentID: "doc-a", Content: "refund policy for purchases"},
		{PassageID: "p2", DocumentID: "doc-b", Content: "shipping and delivery times"},
	}
	if err := lexical.AddAll(passages); err != nil {
		t.Fatalf("AddAll: %v", err)
	}

	// Vector ranking alone prefers p2; keyword relevance pulls p1 ahead.
	index := stubIndex{hits: []store.PassageSearchResult{
		{PassageID: "p2", DocumentID: "doc-b", Content: "shipping and delivery times", Distance: 0.30},
		{PassageID: "p1", DocumentID: "doc-a", Content: "refund policy for purchases", Distance: 0.35},
	}}

	cfg := retrievalConfig()
	cfg.Retrieval.HybridEnabled = true
	cfg.Retrieval.HybridWeight = 0.5

	r := New(cfg, stubEmbedder{}, index, lexical)
	first, err := r.Retrieve(context.Background(), "refund policy", 4, engine.RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if first[0].ID != "p1" {
		t.Fatalf("keyword match should rank first after blending, got %s", first[0].ID)
	}

	for i := 0; i < 3; i++ {
		again, err := r.Retrieve(context.Background(), "refund policy", 4, engine.RetrieveOptions{})
		if err != nil {
			t.Fatalf("Retrieve repeat: %v", err)
		}
		for j := range first {
			if again[j].ID != first[j].ID || again[j].Score != first[j].Score {
				t.Fatalf("hybrid ranking not deterministic at %d", j)
			}
		}
	}
}

func TestLexicalScoresNormalized(t *testing.T) {
	lexical, err := NewLexicalIndex()
	if err != nil {
		t.Fatalf("NewLexicalIndex: %v", err)
	}
	err = lexical.AddAll([]store.PassageSearchResult{
		{PassageID: "p1", DocumentID: "doc-a", Content: "refund refund refund"},
		{PassageID: "p2", DocumentID: "doc-b", Content: "one refund mention here"},
	})
	if err != nil {
		t.Fatalf("AddAll: %v", err)
	}

	scores, err := lexical.Scores("refund", 10)
	if err != nil {
		t.Fatalf("Scores: %v", err)
	}
	if len(scores) == 0 {
		t.Fatalf("expected hits for matching query")
	}
	best := 0.0
	for _, s := range scores {
		if s < 0 || s > 1 {
			t.Fatalf("score out of range: %f", s)
		}
		if s > best {
			best = s
		}
	}
	if best != 1 {
		t.Fatalf("best hit should normalize to 1, got %f", best)
	}

	empty, err := lexical.Scores("zzzzunmatched", 10)
	if err != nil {
		t.Fatalf("Scores empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no hits, got %d", len(empty))
	}
}
