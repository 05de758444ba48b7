package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/ragline/ragline/config"
	"github.com/ragline/ragline/internal/telemetry"
)

// Reasoning loop states. The loop is strictly bounded: Planning, Retrieving
// and Evaluating repeat at most MaxSteps times, then Finalizing is forced.
type reasonState int

const (
	stateStart reasonState = iota
	statePlanning
	stateRetrieving
	stateEvaluating
	stateFinalizing
	stateDone
)

// Reasoner runs the bounded iterative loop over one turn: propose a
// sub-question, retrieve, evaluate sufficiency, repeat or finalize. It owns
// the evidence pool and trace exclusively while a turn is in flight.
type Reasoner struct {
	llm       LLMProvider
	retriever Retriever
	routing   config.LLMRoutingConfig
	reasoning config.ReasoningConfig
	retrieval config.RetrievalConfig
	callTO    time.Duration
	logger    *log.Logger
	telemetry *telemetry.Telemetry
}

// ReasonResult carries the sealed trace and evidence pool out of the loop.
type ReasonResult struct {
	Trace     []ReasoningStep
	Pool      []RetrievedPassage
	Truncated bool
}

// NewReasoner creates a reasoner bound to an LLM provider and a retriever.
// tel may be nil; retrieval calls then go unrecorded.
func NewReasoner(cfg *config.Config, llm LLMProvider, retriever Retriever, tel *telemetry.Telemetry) *Reasoner {
	return &Reasoner{
		llm:       llm,
		retriever: retriever,
		routing:   cfg.LLM.Routing,
		reasoning: cfg.Reasoning,
		retrieval: cfg.Retrieval,
		callTO:    cfg.General.CallTimeout,
		logger:    log.New(log.Writer(), "[REASON] ", log.LstdFlags),
		telemetry: tel,
	}
}

type planDecision struct {
	SubQuestion string `json:"sub_question"`
	Retrieve    bool   `json:"retrieve"`
}

type evalDecision struct {
	Conclusion string `json:"conclusion"`
	Sufficient bool   `json:"sufficient"`
}

// Reason drives the state machine for one query. It never returns an error:
// retrieval failures degrade the step, model failures degrade the decision,
// and deadline expiry seals the trace early with Truncated set. The trace
// always holds at least one fully recorded step.
func (r *Reasoner) Reason(ctx context.Context, query string, history []Turn) ReasonResult {
	pool := newEvidencePool()
	var trace []ReasoningStep
	truncated := false

	state := stateStart
	for state != stateDone {
		switch state {
		case stateStart:
			state = statePlanning

		case statePlanning:
			if len(trace) >= r.reasoning.MaxSteps {
				// Step bound hit without sufficiency.
				truncated = true
				state = stateFinalizing
				continue
			}
			if ctx.Err() != nil && len(trace) > 0 {
				truncated = true
				state = stateFinalizing
				continue
			}

			step := ReasoningStep{Index: len(trace) + 1, StartedAt: time.Now()}
			plan := r.plan(ctx, query, history, pool, trace)
			step.SubQuestion = plan.SubQuestion

			state = stateRetrieving
			if plan.Retrieve {
				passages, failed := r.retrieve(ctx, plan.SubQuestion)
				step.RetrievalFailed = failed
				if !failed {
					pool.Add(passages)
					for _, p := range passages {
						step.PassageIDs = append(step.PassageIDs, p.ID)
					}
				}
			}

			state = stateEvaluating
			eval, deadlineHit := r.evaluate(ctx, query, pool, trace)
			step.Conclusion = eval.Conclusion
			step.NeedsMoreEvidence = !eval.Sufficient
			step.CompletedAt = time.Now()
			trace = append(trace, step)

			if deadlineHit {
				truncated = true
				state = stateFinalizing
			} else if eval.Sufficient {
				state = stateFinalizing
			} else {
				state = statePlanning
			}

		case stateFinalizing:
			state = stateDone
		}
	}

	if truncated {
		r.logger.Printf("reasoning truncated after %d step(s), evidence pool %d", len(trace), pool.Len())
	}
	return ReasonResult{Trace: trace, Pool: pool.Passages(), Truncated: truncated}
}

// plan asks the model for the next sub-question. A failed or unparseable
// planning call degrades to retrieving on the original query so the turn
// still gathers evidence.
func (r *Reasoner) plan(ctx context.Context, query string, history []Turn, pool *evidencePool, trace []ReasoningStep) planDecision {
	model := r.routing.Planning
	if model == "" {
		model = r.routing.Fallback
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTO)
	defer cancel()

	prompt := buildPlanningPrompt(query, history, pool.Passages(), trace)
	out, err := r.llm.Generate(cctx, prompt, model, map[string]interface{}{"temperature": 0.2, "max_tokens": 400})
	if err != nil {
		r.logger.Printf("planning call failed, retrieving on the original query: %v", err)
		return planDecision{SubQuestion: query, Retrieve: true}
	}

	var plan planDecision
	if err := json.Unmarshal([]byte(extractFirstJSON(out)), &plan); err != nil {
		r.logger.Printf("planning response unparseable, retrieving on the original query")
		return planDecision{SubQuestion: query, Retrieve: true}
	}
	if plan.Retrieve && plan.SubQuestion == "" {
		plan.SubQuestion = query
	}
	return plan
}

// retrieve calls the retriever with one retry on outage, then reports the
// step as degraded so the loop continues on existing evidence.
func (r *Reasoner) retrieve(ctx context.Context, subQuestion string) ([]RetrievedPassage, bool) {
	attempts := 1 + r.reasoning.RetrievalRetry
	start := time.Now()
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, r.callTO)
		passages, err := r.retriever.Retrieve(cctx, subQuestion, r.retrieval.TopK, RetrieveOptions{})
		cancel()
		if err == nil {
			r.recordRetrieval(ctx, subQuestion, start, true, len(passages))
			return passages, false
		}
		if !errors.Is(err, ErrRetrievalUnavailable) || attempt == attempts || ctx.Err() != nil {
			r.logger.Printf("retrieval failed (attempt %d/%d): %v", attempt, attempts, err)
			r.recordRetrieval(ctx, subQuestion, start, false, 0)
			return nil, true
		}
		r.logger.Printf("retrieval unavailable, retrying: %v", err)
	}
	r.recordRetrieval(ctx, subQuestion, start, false, 0)
	return nil, true
}

func (r *Reasoner) recordRetrieval(ctx context.Context, subQuestion string, start time.Time, success bool, results int) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.RecordRetrievalEvent(ctx, telemetry.RetrievalEvent{
		SubQuestion: subQuestion,
		Duration:    time.Since(start),
		Success:     success,
		Results:     results,
	})
}

// evaluate decides sufficiency. A passage scoring at or above the configured
// threshold is sufficient on its own; otherwise the model judges. The second
// return value reports that the turn deadline expired during evaluation.
func (r *Reasoner) evaluate(ctx context.Context, query string, pool *evidencePool, trace []ReasoningStep) (evalDecision, bool) {
	if r.retrieval.ScoreThreshold > 0 && pool.Best() >= r.retrieval.ScoreThreshold {
		best := pool.Passages()
		return evalDecision{
			Conclusion: "High-relevance passage found: " + snippet(best[0].Text, 150),
			Sufficient: true,
		}, ctx.Err() != nil
	}

	model := r.routing.Evaluating
	if model == "" {
		model = r.routing.Fallback
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTO)
	defer cancel()

	prompt := buildEvaluatingPrompt(query, pool.Passages(), trace)
	out, err := r.llm.Generate(cctx, prompt, model, map[string]interface{}{"temperature": 0.1, "max_tokens": 400})
	if err != nil {
		if ctx.Err() != nil {
			return evalDecision{Sufficient: false}, true
		}
		r.logger.Printf("evaluating call failed, continuing: %v", err)
		return evalDecision{Sufficient: false}, false
	}

	var eval evalDecision
	if err := json.Unmarshal([]byte(extractFirstJSON(out)), &eval); err != nil {
		r.logger.Printf("evaluating response unparseable, continuing")
		return evalDecision{Sufficient: false}, false
	}
	return eval, ctx.Err() != nil
}
