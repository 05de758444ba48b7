package engine

import (
	"context"
	"time"
)

// RetrievedPassage is one passage returned by the context retriever.
// Rank is 1-based within a single retrieval call; equal scores are ordered by
// ascending document identifier so repeated calls against an unchanged index
// return identical sequences.
type RetrievedPassage struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Document   string  `json:"document,omitempty"` // human-readable name, e.g. filename
	Text       string  `json:"text"`
	Page       int     `json:"page,omitempty"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
}

// ReasoningStep records one pass of the reasoning loop. Steps are append-only
// and sealed once synthesis starts.
type ReasoningStep struct {
	Index             int       `json:"index"`
	SubQuestion       string    `json:"sub_question,omitempty"`
	PassageIDs        []string  `json:"passage_ids,omitempty"` // passages consulted at this step
	Conclusion        string    `json:"conclusion,omitempty"`
	NeedsMoreEvidence bool      `json:"needs_more_evidence"`
	RetrievalFailed   bool      `json:"retrieval_failed,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// Citation points the answer back at a passage that a reasoning step consulted.
type Citation struct {
	DocumentID string  `json:"document_id"`
	Document   string  `json:"document,omitempty"`
	PassageID  string  `json:"passage_id"`
	Page       int     `json:"page,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score"`
}

// Turn is the full processing record for one user question within a session.
// It is created once per question and never mutated after synthesis completes.
type Turn struct {
	ID             string             `json:"id"`
	SessionID      string             `json:"session_id"`
	Query          string             `json:"query"`
	QueryEmbedding []float32          `json:"-"`
	Passages       []RetrievedPassage `json:"passages,omitempty"` // deduplicated evidence pool
	Trace          []ReasoningStep    `json:"trace"`
	Answer         string             `json:"answer"`
	Reasoning      string             `json:"reasoning,omitempty"`
	Citations      []Citation         `json:"citations,omitempty"`
	Suggestions    []string           `json:"suggestions,omitempty"`
	Truncated      bool               `json:"truncated"` // step bound or deadline stopped the loop
	Fallback       bool               `json:"fallback"`  // synthesis failed, degraded answer returned
	TokensUsed     int64              `json:"tokens_used,omitempty"`
	CostEstimate   float64            `json:"cost_estimate,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	ReasonedAt     time.Time          `json:"reasoned_at,omitempty"`
	SynthesizedAt  time.Time          `json:"synthesized_at,omitempty"`
	CompletedAt    time.Time          `json:"completed_at,omitempty"`
}

// Session is a durable, ordered conversation history identified by an opaque key.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// RetrieveOptions narrows a retrieval call.
type RetrieveOptions struct {
	DocumentIDs []string // restrict the search to these documents when non-empty
}

// Retriever returns the top-K most relevant stored passages for a query.
// Implementations must be deterministic for identical inputs against an
// unchanged index and report backend outages as ErrRetrievalUnavailable.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, opts RetrieveOptions) ([]RetrievedPassage, error)
}

// ConversationMemory is the append-only log of prior turns keyed by session.
// Append is atomic: a turn becomes visible to Load only once Append returns.
// Load returns the most recent window turns in original append order, or
// ErrSessionNotFound when the session has never been written.
type ConversationMemory interface {
	Append(ctx context.Context, sessionID string, turn Turn) error
	Load(ctx context.Context, sessionID string, window int) ([]Turn, error)
}

// LLMProvider interface defines the contract for LLM providers
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// Embed generates vector embeddings for the provided inputs.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	MaxTokens       int     `json:"max_tokens"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
}

// TurnResult is what the orchestrator hands back to the caller.
type TurnResult struct {
	Turn        Turn
	Answer      string
	Reasoning   string
	Citations   []Citation
	Suggestions []string
	Fallback    bool
	Truncated   bool
}
