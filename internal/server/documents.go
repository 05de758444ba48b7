package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ragline/ragline/internal/retriever"
	"github.com/ragline/ragline/internal/store"
)

// embedder is the slice of the LLM provider the ingestion path needs.
type embedder interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// documentStore is the slice of the store the document endpoints need.
type documentStore interface {
	CreateDocument(ctx context.Context, name string, metadata map[string]interface{}) (string, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	PassageIDsByDocument(ctx context.Context, documentID string) ([]string, error)
	InsertPassages(ctx context.Context, passages []store.PassageRecord) error
}

type IngestPassage struct {
	Content string `json:"content"`
	Page    int    `json:"page,omitempty"`
}

type IngestRequest struct {
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Passages []IngestPassage        `json:"passages"`
}

type DocumentResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Passages int    `json:"passages"`
}

// DocumentsHandler ingests pre-chunked passages and manages the document
// catalogue. Chunking happens upstream; this endpoint embeds and indexes.
type DocumentsHandler struct {
	Store    documentStore
	Embedder embedder
	Lexical  *retriever.LexicalIndex
	Model    string
	Logger   *log.Logger
}

func (h *DocumentsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("", h.list)
	g.POST("", h.ingest)
	g.DELETE("/:id", h.remove)
}

func (h *DocumentsHandler) list(c echo.Context) error {
	docs, err := h.Store.ListDocuments(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]DocumentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, DocumentResponse{ID: d.ID, Name: d.Name, Passages: d.Passages})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *DocumentsHandler) ingest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if len(req.Passages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "passages must not be empty")
	}
	contents := make([]string, len(req.Passages))
	for i, p := range req.Passages {
		if strings.TrimSpace(p.Content) == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "passage content must not be empty")
		}
		contents[i] = p.Content
	}

	ctx := c.Request().Context()
	vectors, err := h.Embedder.Embed(ctx, h.Model, contents)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "embedding failed: "+err.Error())
	}
	if len(vectors) != len(contents) {
		return echo.NewHTTPError(http.StatusBadGateway, "embedding returned wrong vector count")
	}

	docID, err := h.Store.CreateDocument(ctx, req.Name, req.Metadata)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	records := make([]store.PassageRecord, len(req.Passages))
	for i, p := range req.Passages {
		records[i] = store.PassageRecord{
			ID:         uuid.NewString(),
			DocumentID: docID,
			Page:       p.Page,
			Content:    p.Content,
			Embedding:  vectors[i],
		}
	}
	if err := h.Store.InsertPassages(ctx, records); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if h.Lexical != nil {
		for _, r := range records {
			hit := store.PassageSearchResult{PassageID: r.ID, DocumentID: r.DocumentID, DocumentName: req.Name, Content: r.Content, Page: r.Page}
			if err := h.Lexical.Add(hit); err != nil {
				h.Logger.Printf("lexical indexing failed for passage %s: %v", r.ID, err)
			}
		}
	}
	return c.JSON(http.StatusCreated, DocumentResponse{ID: docID, Name: req.Name, Passages: len(records)})
}

func (h *DocumentsHandler) remove(c echo.Context) error {
	docID := c.Param("id")
	ctx := c.Request().Context()

	passageIDs, err := h.Store.PassageIDsByDocument(ctx, docID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Store.DeleteDocument(ctx, docID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Lexical != nil {
		for _, id := range passageIDs {
			if err := h.Lexical.Remove(id); err != nil {
				h.Logger.Printf("lexical removal failed for passage %s: %v", id, err)
			}
		}
	}
	return c.NoContent(http.StatusNoContent)
}
