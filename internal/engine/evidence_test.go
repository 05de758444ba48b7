package engine

import "testing"

func TestEvidencePoolDeduplicatesByDocument(t *testing.T) {
	pool := newEvidencePool()

	added := pool.Add([]RetrievedPassage{
		{ID: "p1", DocumentID: "doc-a", Text: "first", Score: 0.5},
		{ID: "p2", DocumentID: "doc-b", Text: "second", Score: 0.6},
	})
	if added != 2 {
		t.Fatalf("expected 2 new documents, got %d", added)
	}

	// Same document again: lower score must not replace, higher must.
	added = pool.Add([]RetrievedPassage{
		{ID: "p3", DocumentID: "doc-a", Text: "worse", Score: 0.3},
		{ID: "p4", DocumentID: "doc-b", Text: "better", Score: 0.9},
	})
	if added != 0 {
		t.Fatalf("expected 0 new documents, got %d", added)
	}
	if pool.Len() != 2 {
		t.Fatalf("expected pool size 2, got %d", pool.Len())
	}

	a, _ := pool.Get("doc-a")
	if a.Score != 0.5 || a.ID != "p1" {
		t.Fatalf("doc-a should keep the original entry, got %+v", a)
	}
	b, _ := pool.Get("doc-b")
	if b.Score != 0.9 || b.ID != "p4" {
		t.Fatalf("doc-b should keep the improved entry, got %+v", b)
	}
}

func TestEvidencePoolOrdersByScoreThenDocumentID(t *testing.T) {
	pool := newEvidencePool()
	pool.Add([]RetrievedPassage{
		{ID: "p1", DocumentID: "doc-c", Score: 0.7},
		{ID: "p2", DocumentID: "doc-a", Score: 0.9},
		{ID: "p3", DocumentID: "doc-d", Score: 0.7},
		{ID: "p4", DocumentID: "doc-b", Score: 0.7},
	})

	got := pool.Passages()
	wantOrder := []string{"doc-a", "doc-b", "doc-c", "doc-d"}
	for i, want := range wantOrder {
		if got[i].DocumentID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i].DocumentID)
		}
		if got[i].Rank != i+1 {
			t.Fatalf("position %d: expected rank %d, got %d", i, i+1, got[i].Rank)
		}
	}
}

func TestEvidencePoolBest(t *testing.T) {
	pool := newEvidencePool()
	if pool.Best() != 0 {
		t.Fatalf("empty pool should report best 0, got %f", pool.Best())
	}
	pool.Add([]RetrievedPassage{
		{ID: "p1", DocumentID: "doc-a", Score: 0.4},
		{ID: "p2", DocumentID: "doc-b", Score: 0.8},
	})
	if pool.Best() != 0.8 {
		t.Fatalf("expected best 0.8, got %f", pool.Best())
	}
}
