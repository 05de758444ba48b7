package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ragline/ragline/config"
	"github.com/ragline/ragline/internal/telemetry"
)

var orchestratorTracer trace.Tracer = otel.Tracer("ragline/internal/engine/orchestrator")

// Orchestrator is the top-level entry point for one turn: load memory, run
// the reasoning loop, synthesize, persist. Turns for different sessions run
// concurrently; turns within one session serialize on a session-scoped lock
// so memory append order matches request order.
type Orchestrator struct {
	config      *config.Config
	logger      *log.Logger
	telemetry   *telemetry.Telemetry
	llmProvider LLMProvider
	reasoner    *Reasoner
	synthesizer *Synthesizer
	memory      ConversationMemory

	sessionLocks map[string]*sync.Mutex
	mu           sync.Mutex
}

// NewOrchestrator wires the reasoning pipeline from configuration.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, retriever Retriever, memory ConversationMemory) (*Orchestrator, error) {
	llmProvider, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}

	return &Orchestrator{
		config:       cfg,
		logger:       logger,
		telemetry:    tel,
		llmProvider:  llmProvider,
		reasoner:     NewReasoner(cfg, llmProvider, retriever, tel),
		synthesizer:  NewSynthesizer(cfg, llmProvider),
		memory:       memory,
		sessionLocks: make(map[string]*sync.Mutex),
	}, nil
}

// NewOrchestratorWithProvider wires the pipeline around an existing provider.
// Used by tests and by callers that share one provider across components.
func NewOrchestratorWithProvider(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, llm LLMProvider, retriever Retriever, memory ConversationMemory) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		config:       cfg,
		logger:       logger,
		telemetry:    tel,
		llmProvider:  llm,
		reasoner:     NewReasoner(cfg, llm, retriever, tel),
		synthesizer:  NewSynthesizer(cfg, llm),
		memory:       memory,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.sessionLocks[sessionID] = l
	}
	return l
}

// ProcessTurn answers one user question within a session. The only error it
// returns is a memory write failure; every other failure mode degrades into
// a valid, recorded answer. The per-turn deadline starts after the session
// lock is acquired so a queued turn is not charged for its predecessor.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID, query string) (TurnResult, error) {
	turnID := uuid.New().String()
	ctx, span := orchestratorTracer.Start(ctx, "engine.process_turn",
		trace.WithAttributes(
			attribute.String("turn.id", turnID),
			attribute.String("session.id", sessionID),
		))
	defer span.End()

	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.config.General.TurnDeadline)
	defer cancel()

	history, err := o.loadHistory(ctx, sessionID)
	if err != nil {
		// History is an enhancement, not a prerequisite. Log and answer
		// from the question alone.
		o.logger.Printf("history load failed for session %s: %v", sessionID, err)
		history = nil
	}

	turn := Turn{
		ID:        turnID,
		SessionID: sessionID,
		Query:     query,
		CreatedAt: startTime,
	}

	reasoned := o.reasoner.Reason(ctx, query, history)
	turn.Trace = reasoned.Trace
	turn.Passages = reasoned.Pool
	turn.Truncated = reasoned.Truncated
	turn.ReasonedAt = time.Now()
	span.SetAttributes(
		attribute.Int("turn.steps", len(reasoned.Trace)),
		attribute.Int("turn.evidence", len(reasoned.Pool)),
		attribute.Bool("turn.truncated", reasoned.Truncated),
	)

	synth, err := o.synthesizer.Synthesize(ctx, query, history, reasoned.Pool, reasoned.Trace)
	if err != nil {
		if !errors.Is(err, ErrSynthesisUnavailable) {
			o.logger.Printf("unexpected synthesis error, treating as unavailable: %v", err)
		}
		o.logger.Printf("synthesis unavailable for turn %s, serving fallback: %v", turnID, err)
		synth = SynthesisResult{Answer: FallbackAnswer(reasoned.Trace)}
		turn.Fallback = true
	}
	turn.Answer = synth.Answer
	turn.Reasoning = synth.Reasoning
	turn.Citations = synth.Citations
	turn.Suggestions = synth.Suggestions
	turn.TokensUsed = synth.TokensUsed
	turn.CostEstimate = synth.Cost
	turn.SynthesizedAt = time.Now()

	// Persist with a fresh timeout: the turn deadline may already be spent
	// and an answered turn must not be dropped for that reason alone.
	appendCtx, appendCancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.General.CallTimeout)
	defer appendCancel()
	if err := o.memory.Append(appendCtx, sessionID, turn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "memory append failed")
		o.recordTurn(ctx, turn, startTime, false)
		return TurnResult{}, fmt.Errorf("%w: %v", ErrMemoryWriteFailed, err)
	}
	turn.CompletedAt = time.Now()

	o.recordTurn(ctx, turn, startTime, true)
	return TurnResult{
		Turn:        turn,
		Answer:      turn.Answer,
		Reasoning:   turn.Reasoning,
		Citations:   turn.Citations,
		Suggestions: turn.Suggestions,
		Fallback:    turn.Fallback,
		Truncated:   turn.Truncated,
	}, nil
}

// History returns the trailing conversation window for a session. A session
// that has never been written reads as empty, not as an error.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]Turn, error) {
	history, err := o.loadHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, sessionID string) ([]Turn, error) {
	cctx, cancel := context.WithTimeout(ctx, o.config.General.CallTimeout)
	defer cancel()

	history, err := o.memory.Load(cctx, sessionID, o.config.Memory.HistoryWindow)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return history, err
}

func (o *Orchestrator) recordTurn(ctx context.Context, turn Turn, startTime time.Time, success bool) {
	if o.telemetry == nil {
		return
	}
	var models []string
	if turn.TokensUsed > 0 {
		model := o.config.LLM.Routing.Synthesis
		if model == "" {
			model = o.config.LLM.Routing.Fallback
		}
		models = append(models, model)
	}
	o.telemetry.RecordTurnEvent(ctx, telemetry.TurnEvent{
		TurnID:     turn.ID,
		SessionID:  turn.SessionID,
		StartTime:  startTime,
		EndTime:    time.Now(),
		Duration:   time.Since(startTime),
		Success:    success,
		Truncated:  turn.Truncated,
		Fallback:   turn.Fallback,
		Steps:      len(turn.Trace),
		Cost:       turn.CostEstimate,
		TokensUsed: turn.TokensUsed,
		ModelsUsed: models,
	})
}
