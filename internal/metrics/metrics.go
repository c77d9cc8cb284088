// Package metrics exposes the core's own run-time quantities as Prometheus
// collectors, grounded on the teacher's internal/observability/metrics.go
// (CounterVec/HistogramVec fields built with promauto, one constructor
// bundling them, small Record* helper methods). Unlike the teacher's global
// promauto.With(prometheus.DefaultRegisterer) registration, this package
// registers against a registry supplied at construction time so a host
// embedding the core chooses where the collectors land — the teacher's own
// channel/session/webhook metrics have no analogue here, so only the
// quantities spec.md §9's "(domain) Metrics" note names are kept: tool calls
// dispatched, tool call latency, restarts, protocol errors, and
// budget-exhaustion count.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the Tool Server Manager and the Planner
// update during a run.
type Metrics struct {
	ToolCallsTotal       *prometheus.CounterVec
	ToolCallDuration     *prometheus.HistogramVec
	ServerRestartsTotal  *prometheus.CounterVec
	ProtocolErrorsTotal  *prometheus.CounterVec
	BudgetExhaustedTotal *prometheus.CounterVec
}

// New builds the collector set and registers it against reg. Passing nil
// uses prometheus.NewRegistry() (a private registry, never the global
// default), so embedding a core instance never fights another component for
// DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promautoFactory{reg}

	return &Metrics{
		ToolCallsTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "agentcore_tool_calls_total",
			Help: "Total number of tool calls dispatched, by server, tool, and outcome.",
		}, []string{"server", "tool", "outcome"}),

		ToolCallDuration: factory.histogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_tool_call_duration_seconds",
			Help:    "Wall-clock duration of a tool call as observed by the manager.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"server", "tool"}),

		ServerRestartsTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "agentcore_server_restarts_total",
			Help: "Total number of tool-server restart attempts, by server and reason.",
		}, []string{"server", "reason"}),

		ProtocolErrorsTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "agentcore_protocol_errors_total",
			Help: "Total number of malformed lines observed from a tool server.",
		}, []string{"server"}),

		BudgetExhaustedTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "agentcore_budget_exhausted_total",
			Help: "Total number of planner runs that ended via budget exhaustion, by budget kind.",
		}, []string{"budget"}),
	}
}

// RecordToolCall records one completed tool call's outcome and duration.
func (m *Metrics) RecordToolCall(server, tool, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(server, tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(server, tool).Observe(durationSeconds)
}

// RecordRestart records one restart attempt for a tool server.
func (m *Metrics) RecordRestart(server, reason string) {
	if m == nil {
		return
	}
	m.ServerRestartsTotal.WithLabelValues(server, reason).Inc()
}

// RecordProtocolError records one malformed line observed from a server.
func (m *Metrics) RecordProtocolError(server string) {
	if m == nil {
		return
	}
	m.ProtocolErrorsTotal.WithLabelValues(server).Inc()
}

// RecordBudgetExhausted records a run ending because the named budget
// (iterations|tool_calls|wall_clock) was exceeded.
func (m *Metrics) RecordBudgetExhausted(budget string) {
	if m == nil {
		return
	}
	m.BudgetExhaustedTotal.WithLabelValues(budget).Inc()
}

// promautoFactory mirrors promauto's registration-on-construction
// convenience without depending on the global DefaultRegisterer, so New can
// target an arbitrary prometheus.Registerer the way the teacher's NewMetrics
// targets the implicit default one.
type promautoFactory struct {
	reg prometheus.Registerer
}

func (f promautoFactory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(v)
	return v
}

func (f promautoFactory) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(v)
	return v
}
