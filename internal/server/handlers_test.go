package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ragline/ragline/internal/engine"
)

type stubProcessor struct {
	result engine.TurnResult
	err    error
	gotSID string
	gotQ   string
}

func (s *stubProcessor) ProcessTurn(ctx context.Context, sessionID, query string) (engine.TurnResult, error) {
	s.gotSID = sessionID
	s.gotQ = query
	return s.result, s.err
}

type stubLoader struct {
	turns []engine.Turn
	err   error
}

func (s *stubLoader) Load(ctx context.Context, sessionID string, window int) ([]engine.Turn, error) {
	return s.turns, s.err
}

func TestAskReturnsAnswerWithCitations(t *testing.T) {
	e := echo.New()
	proc := &stubProcessor{result: engine.TurnResult{
		Turn:      engine.Turn{ID: "t1", Trace: []engine.ReasoningStep{{Index: 0, Conclusion: "found it"}}},
		Answer:    "Returns are accepted within 30 days.",
		Citations: []engine.Citation{{DocumentID: "doc-a", PassageID: "p1", Snippet: "30 days"}},
	}}
	h := &AskHandler{Orch: proc}

	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"session_id":"s1","question":"What is the return policy?"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.ask(ctx); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if proc.gotSID != "s1" || proc.gotQ != "What is the return policy?" {
		t.Fatalf("processor called with %q %q", proc.gotSID, proc.gotQ)
	}

	var resp AskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TurnID != "t1" || resp.Answer != "Returns are accepted within 30 days." {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Citations) != 1 || len(resp.Trace) != 1 {
		t.Fatalf("citations/trace missing: %+v", resp)
	}
}

func TestAskRejectsMissingFields(t *testing.T) {
	e := echo.New()
	h := &AskHandler{Orch: &stubProcessor{}}

	for _, body := range []string{
		`{"question":"hello"}`,
		`{"session_id":"s1"}`,
		`{"session_id":"  ","question":"hello"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		ctx := e.NewContext(req, rec)

		err := h.ask(ctx)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %v", body, err)
		}
	}
}

func TestAskMapsMemoryWriteFailure(t *testing.T) {
	e := echo.New()
	h := &AskHandler{Orch: &stubProcessor{err: engine.ErrMemoryWriteFailed}}

	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"session_id":"s1","question":"q"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.ask(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}

func TestHistoryUnknownSessionIsEmpty(t *testing.T) {
	e := echo.New()
	h := &HistoryHandler{Memory: &stubLoader{err: engine.ErrSessionNotFound}, DefaultWindow: 5}

	req := httptest.NewRequest(http.MethodGet, "/api/history?session_id=ghost", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.history(ctx); err != nil {
		t.Fatalf("history: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Turns []engine.Turn `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Turns) != 0 {
		t.Fatalf("expected empty history, got %d turns", len(resp.Turns))
	}
}

func TestHistoryRejectsBadWindow(t *testing.T) {
	e := echo.New()
	h := &HistoryHandler{Memory: &stubLoader{}, DefaultWindow: 5}

	req := httptest.NewRequest(http.MethodGet, "/api/history?session_id=s1&window=-2", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.history(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHistoryReturnsTurnsInOrder(t *testing.T) {
	e := echo.New()
	h := &HistoryHandler{Memory: &stubLoader{turns: []engine.Turn{
		{ID: "t1", Query: "first"},
		{ID: "t2", Query: "second"},
	}}, DefaultWindow: 5}

	req := httptest.NewRequest(http.MethodGet, "/api/history?session_id=s1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.history(ctx); err != nil {
		t.Fatalf("history: %v", err)
	}
	var resp struct {
		SessionID string        `json:"session_id"`
		Turns     []engine.Turn `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "s1" || len(resp.Turns) != 2 || resp.Turns[0].ID != "t1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHistoryMapsLoadFailure(t *testing.T) {
	e := echo.New()
	h := &HistoryHandler{Memory: &stubLoader{err: errors.New("db down")}, DefaultWindow: 5}

	req := httptest.NewRequest(http.MethodGet, "/api/history?session_id=s1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.history(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}
