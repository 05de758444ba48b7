package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ragline/ragline/config"
)

// Telemetry tracks turn outcomes, latencies and LLM spend. Counters are
// exported to prometheus; aggregates are kept in-process for the periodic
// log reports.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	TotalTurns      int64
	TruncatedTurns  int64
	FallbackTurns   int64
	FailedTurns     int64
	AverageTurnTime time.Duration

	TotalSteps        int64
	RetrievalFailures int64

	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64
}

// CostTracker tracks LLM spend per model
type CostTracker struct {
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// TurnEvent represents one fully processed user turn
type TurnEvent struct {
	TurnID     string
	SessionID  string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Truncated  bool
	Fallback   bool
	Steps      int
	Cost       float64
	TokensUsed int64
	ModelsUsed []string
}

// RetrievalEvent represents one retrieval call inside a reasoning step
type RetrievalEvent struct {
	SubQuestion string
	Duration    time.Duration
	Success     bool
	Results     int
}

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragline_turns_total",
		Help: "Processed turns by outcome.",
	}, []string{"outcome"})
	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragline_turn_duration_seconds",
		Help:    "Wall-clock duration of one turn.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	reasoningSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragline_reasoning_steps_total",
		Help: "Reasoning steps executed across all turns.",
	})
	retrievalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragline_retrieval_failures_total",
		Help: "Retrieval calls that exhausted their retry.",
	})
	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragline_llm_tokens_total",
		Help: "LLM tokens consumed per model.",
	}, []string{"model"})
)

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			LLMRequests:   make(map[string]int64),
			LLMTokensUsed: make(map[string]int64),
		},
		costTracker: &CostTracker{
			ModelCosts: make(map[string]float64),
		},
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsReporting()
	}

	return t
}

// RecordTurnEvent records a complete turn
func (t *Telemetry) RecordTurnEvent(ctx context.Context, event TurnEvent) {
	if !t.config.Enabled {
		return
	}

	outcome := "ok"
	switch {
	case !event.Success:
		outcome = "failed"
	case event.Fallback:
		outcome = "fallback"
	case event.Truncated:
		outcome = "truncated"
	}
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.Observe(event.Duration.Seconds())
	reasoningSteps.Add(float64(event.Steps))

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalTurns++
	if !event.Success {
		t.metrics.FailedTurns++
	}
	if event.Truncated {
		t.metrics.TruncatedTurns++
	}
	if event.Fallback {
		t.metrics.FallbackTurns++
	}
	t.metrics.TotalSteps += int64(event.Steps)

	if t.metrics.TotalTurns == 1 {
		t.metrics.AverageTurnTime = event.Duration
	} else {
		total := t.metrics.AverageTurnTime * time.Duration(t.metrics.TotalTurns-1)
		t.metrics.AverageTurnTime = (total + event.Duration) / time.Duration(t.metrics.TotalTurns)
	}

	for _, model := range event.ModelsUsed {
		t.metrics.LLMRequests[model]++
		t.metrics.LLMTokensUsed[model] += event.TokensUsed
		llmTokens.WithLabelValues(model).Add(float64(event.TokensUsed))
	}

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
		for _, model := range event.ModelsUsed {
			t.costTracker.ModelCosts[model] += event.Cost
		}
	}

	t.logger.Printf("Turn Event: ID=%s, Session=%s, Success=%t, Truncated=%t, Fallback=%t, Steps=%d, Duration=%v, Cost=$%.4f, Tokens=%d",
		event.TurnID, event.SessionID, event.Success, event.Truncated, event.Fallback,
		event.Steps, event.Duration, event.Cost, event.TokensUsed)
}

// RecordRetrievalEvent records a retrieval call
func (t *Telemetry) RecordRetrievalEvent(ctx context.Context, event RetrievalEvent) {
	if !t.config.Enabled {
		return
	}

	if !event.Success {
		retrievalFailures.Inc()
	}

	t.mu.Lock()
	if !event.Success {
		t.metrics.RetrievalFailures++
	}
	t.mu.Unlock()

	t.logger.Printf("Retrieval Event: SubQuestion=%q, Success=%t, Duration=%v, Results=%d",
		event.SubQuestion, event.Success, event.Duration, event.Results)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.LLMRequests = make(map[string]int64)
	metrics.LLMTokensUsed = make(map[string]int64)
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}
	return metrics
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	ModelCosts  map[string]float64
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  make(map[string]float64),
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	return summary
}

// startMetricsReporting starts periodic metrics reporting
func (t *Telemetry) startMetricsReporting() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Turns=%d (truncated=%d, fallback=%d, failed=%d), AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.TotalTurns, metrics.TruncatedTurns, metrics.FallbackTurns, metrics.FailedTurns,
			metrics.AverageTurnTime, costs.TotalCost, costs.TotalTokens)
	}
}

// Shutdown gracefully shuts down the telemetry system
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Turns: %d", metrics.TotalTurns)
	t.logger.Printf("  Truncated: %d, Fallback: %d, Failed: %d", metrics.TruncatedTurns, metrics.FallbackTurns, metrics.FailedTurns)
	t.logger.Printf("  Average Turn Time: %v", metrics.AverageTurnTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}
