package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ragline/ragline/internal/engine"
)

// turnProcessor is the slice of the orchestrator the ask endpoint needs.
type turnProcessor interface {
	ProcessTurn(ctx context.Context, sessionID, query string) (engine.TurnResult, error)
}

// historyLoader is the slice of conversation memory the history endpoint needs.
type historyLoader interface {
	Load(ctx context.Context, sessionID string, window int) ([]engine.Turn, error)
}

type AskRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

type AskResponse struct {
	SessionID   string                 `json:"session_id"`
	TurnID      string                 `json:"turn_id"`
	Answer      string                 `json:"answer"`
	Reasoning   string                 `json:"reasoning,omitempty"`
	Citations   []engine.Citation      `json:"citations,omitempty"`
	Suggestions []string               `json:"suggestions,omitempty"`
	Trace       []engine.ReasoningStep `json:"trace"`
	Truncated   bool                   `json:"truncated"`
	Fallback    bool                   `json:"fallback"`
}

type AskHandler struct {
	Orch turnProcessor
}

func (h *AskHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("/ask", h.ask)
}

func (h *AskHandler) ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Question = strings.TrimSpace(req.Question)
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	result, err := h.Orch.ProcessTurn(c.Request().Context(), req.SessionID, req.Question)
	if err != nil {
		if errors.Is(err, engine.ErrMemoryWriteFailed) {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to record turn")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, AskResponse{
		SessionID:   req.SessionID,
		TurnID:      result.Turn.ID,
		Answer:      result.Answer,
		Reasoning:   result.Reasoning,
		Citations:   result.Citations,
		Suggestions: result.Suggestions,
		Trace:       result.Turn.Trace,
		Truncated:   result.Truncated,
		Fallback:    result.Fallback,
	})
}

type HistoryHandler struct {
	Memory        historyLoader
	DefaultWindow int
}

func (h *HistoryHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("/history", h.history)
}

func (h *HistoryHandler) history(c echo.Context) error {
	sessionID := strings.TrimSpace(c.QueryParam("session_id"))
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	window := h.DefaultWindow
	if raw := c.QueryParam("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "window must be a positive integer")
		}
		window = n
	}

	turns, err := h.Memory.Load(c.Request().Context(), sessionID, window)
	if err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			// A session nobody has written to is just empty history.
			return c.JSON(http.StatusOK, map[string]interface{}{"session_id": sessionID, "turns": []engine.Turn{}})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if turns == nil {
		turns = []engine.Turn{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"session_id": sessionID, "turns": turns})
}
