// Package metrics collects Prometheus counters for the orchestrator.
// The assistant has no HTTP surface of its own, so the collector
// registers on a caller-supplied registry; the embedding application
// decides whether and where to expose it. All methods are nil-safe so
// components can run without metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds the orchestrator's metric instruments.
type Collector struct {
	turnsTotal     *prometheus.CounterVec
	modelCalls     prometheus.Counter
	toolExecutions *prometheus.CounterVec
	rateDenials    prometheus.Counter
	quotaBlocks    prometheus.Counter
	droppedBlocks  prometheus.Counter
	iterations     prometheus.Histogram
}

// New creates a collector and registers its instruments on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_turns_total",
				Help: "Completed user turns grouped by terminal state",
			},
			[]string{"state"},
		),
		modelCalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_model_calls_total",
				Help: "Model gateway invocations",
			},
		),
		toolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_tool_executions_total",
				Help: "Domain action executions grouped by outcome",
			},
			[]string{"tool", "outcome"},
		),
		rateDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_rate_denials_total",
				Help: "Requests denied by the local sliding-window rate limiter",
			},
		),
		quotaBlocks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_quota_blocks_total",
				Help: "Turns blocked by an exhausted plan quota",
			},
		),
		droppedBlocks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_sanitizer_dropped_blocks_total",
				Help: "Unparseable chart blocks dropped by the output sanitizer",
			},
		),
		iterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "assistant_tool_iterations",
				Help:    "Model/tool round-trips per turn",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
		),
	}
	reg.MustRegister(
		c.turnsTotal, c.modelCalls, c.toolExecutions,
		c.rateDenials, c.quotaBlocks, c.droppedBlocks, c.iterations,
	)
	return c
}

// TurnCompleted records a finished turn with its terminal state.
func (c *Collector) TurnCompleted(state string, iterations int) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(state).Inc()
	c.iterations.Observe(float64(iterations))
}

// ModelCall records one gateway invocation.
func (c *Collector) ModelCall() {
	if c == nil {
		return
	}
	c.modelCalls.Inc()
}

// ToolExecuted records one domain action execution.
func (c *Collector) ToolExecuted(tool string, ok bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.toolExecutions.WithLabelValues(tool, outcome).Inc()
}

// RateDenied records a local rate-limit denial.
func (c *Collector) RateDenied() {
	if c == nil {
		return
	}
	c.rateDenials.Inc()
}

// QuotaBlocked records a quota-gated turn.
func (c *Collector) QuotaBlocked() {
	if c == nil {
		return
	}
	c.quotaBlocks.Inc()
}

// BlockDropped records a chart block dropped by the sanitizer.
func (c *Collector) BlockDropped() {
	if c == nil {
		return
	}
	c.droppedBlocks.Inc()
}
