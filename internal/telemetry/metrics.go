// Package telemetry holds the Prometheus metrics surface. One registry is
// created at boot and threaded through the components; tests build their
// own against a throwaway registerer.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue label values for depth gauges.
const (
	QueueWAL      = "wal"
	QueueReview   = "review"
	QueueOutbound = "outbound"
	QueueBuffers  = "buffers"
)

// Pipeline step names.
const (
	StepWAL       = "wal"
	StepPersist   = "persist"
	StepGenerate  = "llm1"
	StepRefine    = "llm2"
	StepSafety    = "safety"
	StepEnqueue   = "review_enqueue"
	StepPacedSend = "paced_send"
	StepRecovery  = "recovery"
)

// Step results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Metrics is the registry of all collectors.
type Metrics struct {
	// Batching
	BatchFlushes *prometheus.CounterVec
	BatchSize    prometheus.Histogram
	BatchSavings prometheus.Histogram

	// Pipeline
	StepDuration *prometheus.HistogramVec
	Interactions *prometheus.CounterVec

	// LLM usage
	LLMTokens  *prometheus.CounterVec
	LLMCostUSD *prometheus.CounterVec
	LLMLatency *prometheus.HistogramVec
	LLMErrors  *prometheus.CounterVec

	// Queues
	QueueDepth *prometheus.GaugeVec

	// Review
	ReviewDecisions *prometheus.CounterVec
	ReviewLatency   prometheus.Histogram

	// Delivery
	SendDuration prometheus.Histogram
	BubblesSent  prometheus.Counter
	SendFailures *prometheus.CounterVec

	// Recovery
	Recovered *prometheus.CounterVec
}

// New creates and registers all collectors. A nil registerer uses the
// process-default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		BatchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nadia_batch_flushes_total",
				Help: "Batches released by the adaptive window, by flush reason",
			},
			[]string{"reason"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nadia_batch_size",
				Help:    "Messages coalesced per batch",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
		),
		BatchSavings: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nadia_batch_savings_ratio",
				Help:    "Estimated LLM call savings per flush, (n-1)/n",
				Buckets: []float64{0, 0.25, 0.34, 0.5, 0.67, 0.75, 0.8, 1},
			},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nadia_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"step", "result"},
		),
		Interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nadia_interactions_total",
				Help: "Interactions by terminal pipeline outcome",
			},
			[]string{"outcome"},
		),
		LLMTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nadia_llm_tokens_total",
				Help: "Tokens consumed by generation stage and direction",
			},
			[]string{"stage", "provider", "kind"},
		),
		LLMCostUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nadia_llm_cost_usd_total",
				Help: "Accumulated LLM spend in USD",
			},
			[]string{"stage", "provider"},
		),
		LLMLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nadia_llm_latency_seconds",
				Help:    "LLM call latency by stage and provider",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
			},
			[]string{"stage", "provider"},
		),
		LLMErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nadia_llm_errors_total",
				Help: "LLM failures by provider and error kind",
			},
			[]string{"provider", "kind"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nadia_queue_depth",
				Help: "Current depth of the durable queues",
			},
			[]string{"queue"},
		),
		ReviewDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nadia_review_decisions_total",
				Help: "Reviewer decisions by kind",
			},
			[]string{"decision"},
		),
		ReviewLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nadia_review_latency_seconds",
				Help:    "Time from enqueue to reviewer decision",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 900, 3600},
			},
		),
		SendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nadia_send_duration_seconds",
				Help:    "Wall time of one paced interaction delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40, 80},
			},
		),
		BubblesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nadia_bubbles_sent_total",
				Help: "Individual message bubbles delivered",
			},
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nadia_send_failures_total",
				Help: "Delivery failures by cause",
			},
			[]string{"cause"},
		),
		Recovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nadia_recovered_items_total",
				Help: "Stranded items re-driven by the recovery sweep, by source",
			},
			[]string{"source"},
		),
	}

	reg.MustRegister(
		m.BatchFlushes,
		m.BatchSize,
		m.BatchSavings,
		m.StepDuration,
		m.Interactions,
		m.LLMTokens,
		m.LLMCostUSD,
		m.LLMLatency,
		m.LLMErrors,
		m.QueueDepth,
		m.ReviewDecisions,
		m.ReviewLatency,
		m.SendDuration,
		m.BubblesSent,
		m.SendFailures,
		m.Recovered,
	)

	return m
}

// NewNop creates a registry wired to a discard registerer, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordFlush records one batch release.
func (m *Metrics) RecordFlush(reason string, size int) {
	m.BatchFlushes.WithLabelValues(reason).Inc()
	m.BatchSize.Observe(float64(size))
	if size > 0 {
		m.BatchSavings.Observe(float64(size-1) / float64(size))
	}
}

// RecordLLMUsage records tokens and spend for one completed call.
func (m *Metrics) RecordLLMUsage(stage, provider string, promptTokens, completionTokens int, costUSD float64, latency time.Duration) {
	m.LLMTokens.WithLabelValues(stage, provider, "prompt").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues(stage, provider, "completion").Add(float64(completionTokens))
	m.LLMCostUSD.WithLabelValues(stage, provider).Add(costUSD)
	m.LLMLatency.WithLabelValues(stage, provider).Observe(latency.Seconds())
}

// RecordLLMError records a provider failure.
func (m *Metrics) RecordLLMError(provider, kind string) {
	m.LLMErrors.WithLabelValues(provider, kind).Inc()
}

// SetQueueDepth updates a queue depth gauge.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDecision counts a reviewer decision and its latency from enqueue.
func (m *Metrics) RecordDecision(decision string, sinceEnqueue time.Duration) {
	m.ReviewDecisions.WithLabelValues(decision).Inc()
	if sinceEnqueue > 0 {
		m.ReviewLatency.Observe(sinceEnqueue.Seconds())
	}
}

// StepTimer times one pipeline step.
type StepTimer struct {
	metrics *Metrics
	step    string
	start   time.Time
}

// StartStep begins timing a pipeline step.
func (m *Metrics) StartStep(step string) *StepTimer {
	return &StepTimer{metrics: m, step: step, start: time.Now()}
}

// Stop completes the timing and records the observation.
func (st *StepTimer) Stop(result string) {
	st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(time.Since(st.start).Seconds())
}
