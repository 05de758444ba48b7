package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ragline/ragline/internal/store"
)

type fakeDocStore struct {
	docs     []store.Document
	inserted []store.PassageRecord
	deleted  []string
	missing  bool
}

func (f *fakeDocStore) CreateDocument(ctx context.Context, name string, metadata map[string]interface{}) (string, error) {
	f.docs = append(f.docs, store.Document{ID: "doc-1", Name: name, Metadata: metadata})
	return "doc-1", nil
}

func (f *fakeDocStore) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return f.docs, nil
}

func (f *fakeDocStore) DeleteDocument(ctx context.Context, documentID string) error {
	if f.missing {
		return sql.ErrNoRows
	}
	f.deleted = append(f.deleted, documentID)
	return nil
}

func (f *fakeDocStore) PassageIDsByDocument(ctx context.Context, documentID string) ([]string, error) {
	var ids []string
	for _, p := range f.inserted {
		if p.DocumentID == documentID {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func (f *fakeDocStore) InsertPassages(ctx context.Context, passages []store.PassageRecord) error {
	f.inserted = append(f.inserted, passages...)
	return nil
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{float32(i), 1, 0}
	}
	return out, nil
}

func docsHandler(st *fakeDocStore) *DocumentsHandler {
	return &DocumentsHandler{
		Store:    st,
		Embedder: fixedEmbedder{},
		Model:    "text-embedding-3-small",
		Logger:   log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

func TestIngestEmbedsAndStoresPassages(t *testing.T) {
	e := echo.New()
	st := &fakeDocStore{}
	h := docsHandler(st)

	body := `{"name":"policy.md","passages":[{"content":"returns within 30 days","page":1},{"content":"refunds in 5 business days","page":2}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.ingest(ctx); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if len(st.inserted) != 2 {
		t.Fatalf("expected 2 passages inserted, got %d", len(st.inserted))
	}
	for i, p := range st.inserted {
		if p.DocumentID != "doc-1" || len(p.Embedding) != 3 || p.ID == "" {
			t.Fatalf("passage %d malformed: %+v", i, p)
		}
	}
	if st.inserted[0].Page != 1 || st.inserted[1].Page != 2 {
		t.Fatalf("pages lost: %d %d", st.inserted[0].Page, st.inserted[1].Page)
	}

	var resp DocumentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "doc-1" || resp.Passages != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestIngestRejectsEmptyInput(t *testing.T) {
	e := echo.New()
	h := docsHandler(&fakeDocStore{})

	for _, body := range []string{
		`{"passages":[{"content":"x"}]}`,
		`{"name":"doc.md","passages":[]}`,
		`{"name":"doc.md","passages":[{"content":"  "}]}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		ctx := e.NewContext(req, rec)

		err := h.ingest(ctx)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %v", body, err)
		}
	}
}

func TestDeleteMissingDocumentReturns404(t *testing.T) {
	e := echo.New()
	h := docsHandler(&fakeDocStore{missing: true})

	req := httptest.NewRequest(http.MethodDelete, "/api/documents/ghost", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("ghost")

	err := h.remove(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	e := echo.New()
	st := &fakeDocStore{}
	h := docsHandler(st)

	req := httptest.NewRequest(http.MethodDelete, "/api/documents/doc-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("doc-1")

	if err := h.remove(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "doc-1" {
		t.Fatalf("delete not forwarded: %v", st.deleted)
	}
}
