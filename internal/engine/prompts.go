package engine

import (
	"bytes"
	"fmt"
	"strings"
)

// Prompt builders for the reasoning loop. Every prompt demands strict JSON so
// responses parse without heuristics; extractFirstJSON strips any prose the
// model wraps around the object.

func formatHistory(history []Turn) string {
	if len(history) == 0 {
		return "(no prior conversation)"
	}
	buf := &bytes.Buffer{}
	for _, t := range history {
		fmt.Fprintf(buf, "User: %s\nAssistant: %s\n", t.Query, t.Answer)
	}
	return buf.String()
}

func formatEvidence(pool []RetrievedPassage) string {
	if len(pool) == 0 {
		return "(no evidence gathered yet)"
	}
	buf := &bytes.Buffer{}
	for _, p := range pool {
		name := p.Document
		if name == "" {
			name = p.DocumentID
		}
		fmt.Fprintf(buf, "[%s | score %.2f] %s\n", name, p.Score, p.Text)
	}
	return buf.String()
}

func formatConclusions(trace []ReasoningStep) string {
	buf := &bytes.Buffer{}
	for _, s := range trace {
		if s.Conclusion == "" {
			continue
		}
		fmt.Fprintf(buf, "Step %d: %s\n", s.Index, s.Conclusion)
	}
	if buf.Len() == 0 {
		return "(none)"
	}
	return buf.String()
}

func buildPlanningPrompt(query string, history []Turn, pool []RetrievedPassage, trace []ReasoningStep) string {
	return fmt.Sprintf(`You are planning the next step of answering a user question from a document collection.
CONVERSATION SO FAR:
%s
QUESTION: %s
EVIDENCE GATHERED SO FAR:
%s
EARLIER STEP CONCLUSIONS:
%s
Decide the single most useful sub-question to search the documents for next.
If the gathered evidence already covers the question, set retrieve to false.
Respond ONLY with valid JSON:
{"sub_question": string, "retrieve": boolean}`,
		formatHistory(history), query, formatEvidence(pool), formatConclusions(trace))
}

func buildEvaluatingPrompt(query string, pool []RetrievedPassage, trace []ReasoningStep) string {
	return fmt.Sprintf(`You are judging whether gathered evidence suffices to answer a question.
QUESTION: %s
EVIDENCE:
%s
EARLIER STEP CONCLUSIONS:
%s
State what the evidence establishes so far, then judge sufficiency.
Respond ONLY with valid JSON:
{"conclusion": string, "sufficient": boolean}`,
		query, formatEvidence(pool), formatConclusions(trace))
}

func buildSynthesisPrompt(query string, history []Turn, pool []RetrievedPassage, trace []ReasoningStep) string {
	return fmt.Sprintf(`You are answering a user question strictly from the evidence below.
CONVERSATION SO FAR:
%s
QUESTION: %s
EVIDENCE:
%s
REASONING NOTES:
%s
Answer from the evidence only. If the evidence does not cover the question, say so plainly.
Respond ONLY with valid JSON:
{"answer": string, "reasoning": string, "suggestions": [string, string, string]}`,
		formatHistory(history), query, formatEvidence(pool), formatConclusions(trace))
}

// extractFirstJSON attempts to find the first top-level JSON object in a string
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}

// snippet shortens passage text for citations, cutting at a word boundary.
func snippet(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
