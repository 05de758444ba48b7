package engine

import "errors"

// Sentinel errors for adapter boundaries. Callers branch with errors.Is; the
// reasoning loop absorbs retrieval failures, the orchestrator absorbs
// synthesis failures, and only memory write failures reach the caller.
var (
	// ErrRetrievalUnavailable means the embedding service or vector index
	// could not be reached. Retryable once per reasoning step.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrSynthesisUnavailable means the LLM call during synthesis failed.
	// Triggers the fallback answer path.
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")

	// ErrSessionNotFound means no turn was ever appended for the session.
	// The orchestrator maps it to empty history.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMemoryWriteFailed means the turn could not be persisted. This is
	// the only error surfaced to the caller of ProcessTurn.
	ErrMemoryWriteFailed = errors.New("memory write failed")
)
