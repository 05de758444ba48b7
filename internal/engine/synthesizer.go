package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/ragline/ragline/config"
)

// Synthesizer turns the sealed trace and evidence pool into the final answer.
// Citations reference only passages some reasoning step actually consulted.
type Synthesizer struct {
	llm     LLMProvider
	routing config.LLMRoutingConfig
	callTO  time.Duration
	logger  *log.Logger
}

// SynthesisResult is the user-facing output of one turn.
type SynthesisResult struct {
	Answer      string
	Reasoning   string
	Citations   []Citation
	Suggestions []string
	TokensUsed  int64
	Cost        float64
}

// NewSynthesizer creates a synthesizer bound to an LLM provider.
func NewSynthesizer(cfg *config.Config, llm LLMProvider) *Synthesizer {
	return &Synthesizer{
		llm:     llm,
		routing: cfg.LLM.Routing,
		callTO:  cfg.General.CallTimeout,
		logger:  log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

// Synthesize produces the answer, citations and follow-up suggestions.
// Returns ErrSynthesisUnavailable when the model call fails; the orchestrator
// then builds the fallback answer instead.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, history []Turn, pool []RetrievedPassage, trace []ReasoningStep) (SynthesisResult, error) {
	model := s.routing.Synthesis
	if model == "" {
		model = s.routing.Fallback
	}

	cctx, cancel := context.WithTimeout(ctx, s.callTO)
	defer cancel()

	prompt := buildSynthesisPrompt(query, history, pool, trace)
	out, inTok, outTok, err := s.llm.GenerateWithTokens(cctx, prompt, model, map[string]interface{}{"temperature": 0.3, "max_tokens": 1200})
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
	}

	var parsed struct {
		Answer      string   `json:"answer"`
		Reasoning   string   `json:"reasoning"`
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); err != nil || parsed.Answer == "" {
		// The model answered but not in the contract shape. Use the raw
		// text rather than discarding a served completion.
		s.logger.Printf("synthesis response unparseable, using raw text")
		parsed.Answer = out
	}
	if len(parsed.Suggestions) > 3 {
		parsed.Suggestions = parsed.Suggestions[:3]
	}

	return SynthesisResult{
		Answer:      parsed.Answer,
		Reasoning:   parsed.Reasoning,
		Citations:   buildCitations(pool, trace),
		Suggestions: parsed.Suggestions,
		TokensUsed:  inTok + outTok,
		Cost:        s.llm.CalculateCost(inTok, outTok, model),
	}, nil
}

// FallbackAnswer builds the degraded answer from the last non-empty step
// conclusion when synthesis is unavailable.
func FallbackAnswer(trace []ReasoningStep) string {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].Conclusion != "" {
			return trace[i].Conclusion
		}
	}
	return "I could not produce an answer for this question right now. Please try again."
}

// buildCitations maps evidence back to the steps that consulted it. Passages
// retrieved but never surfaced to a reasoning step are not cited.
func buildCitations(pool []RetrievedPassage, trace []ReasoningStep) []Citation {
	consulted := make(map[string]bool)
	for _, step := range trace {
		for _, id := range step.PassageIDs {
			consulted[id] = true
		}
	}

	var citations []Citation
	for _, p := range pool {
		if !consulted[p.ID] {
			continue
		}
		citations = append(citations, Citation{
			DocumentID: p.DocumentID,
			Document:   p.Document,
			PassageID:  p.ID,
			Page:       p.Page,
			Snippet:    snippet(p.Text, 150),
			Score:      math.Round(p.Score*1000) / 1000,
		})
	}
	return citations
}
