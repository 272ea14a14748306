package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meridian"

var (
	latencyBuckets  = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}
	overheadBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250}
)

// Metrics is the gateway's Prometheus instrumentation. Every Record method
// is a no-op on a nil *Metrics, so components can be built without it.
type Metrics struct {
	RequestTotal       *prometheus.CounterVec
	RequestDurationMs  *prometheus.HistogramVec
	GatewayOverheadMs  *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	FilterActionTotal  *prometheus.CounterVec
	HookRunTotal       *prometheus.CounterVec
	HookErrorTotal     *prometheus.CounterVec
	CompactionTotal    *prometheus.CounterVec
	TokensSavedTotal   *prometheus.CounterVec
	RateLimitHitTotal  *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
}

// NewMetrics registers the gateway metrics with reg, or with the default
// registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	return &Metrics{
		RequestTotal: counter("", "request_total",
			"Requests handled, by route, model, provider and status.",
			"route", "model", "provider", "status"),
		RequestDurationMs: histogram("request_duration_ms",
			"End-to-end request duration in milliseconds, provider latency included.",
			latencyBuckets, "model", "provider"),
		GatewayOverheadMs: histogram("gateway_overhead_ms",
			"Time spent in the gateway before the upstream call, in milliseconds.",
			overheadBuckets, "route"),
		TokensTotal: counter("", "tokens_total",
			"Tokens reported by upstream providers.",
			"model", "direction"),
		FilterActionTotal: counter("filter", "action_total",
			"Non-pass filter outcomes.",
			"filter", "action"),
		HookRunTotal: counter("hook", "run_total",
			"Hook engine invocations by event and decision.",
			"event", "decision"),
		HookErrorTotal: counter("hook", "error_total",
			"Hooks that failed to run and were ignored.",
			"event"),
		CompactionTotal: counter("compaction", "total",
			"Compaction attempts by outcome.",
			"outcome"),
		TokensSavedTotal: counter("compaction", "tokens_saved_total",
			"Estimated tokens removed by compaction.",
			"model"),
		RateLimitHitTotal: counter("ratelimit", "hit_total",
			"Requests refused by the RPM limiter or the daily token budget.",
			"key_id", "limit"),
		UpstreamErrors: counter("upstream", "error_total",
			"Upstream failures by provider and kind.",
			"provider", "kind"),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "circuit", Name: "state",
			Help: "Provider circuit state: 0 closed, 1 open, 2 half-open.",
		}, []string{"provider"}),
		CircuitTransitions: counter("circuit", "transition_total",
			"Provider circuit state changes.",
			"provider", "to"),
	}
}

// RequestLabels describes one completed request.
type RequestLabels struct {
	Route            string
	Model            string
	Provider         string
	Status           string
	DurationMs       float64
	OverheadMs       float64
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

func (m *Metrics) RecordRequest(l RequestLabels) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(l.Route, l.Model, l.Provider, l.Status).Inc()
	m.RequestDurationMs.WithLabelValues(l.Model, l.Provider).Observe(l.DurationMs)
	m.GatewayOverheadMs.WithLabelValues(l.Route).Observe(l.OverheadMs)

	for direction, n := range map[string]int{
		"prompt":     l.PromptTokens,
		"completion": l.CompletionTokens,
		"cached":     l.CachedTokens,
	} {
		if n > 0 {
			m.TokensTotal.WithLabelValues(l.Model, direction).Add(float64(n))
		}
	}
}

func (m *Metrics) RecordFilterAction(filter, action string) {
	if m != nil {
		m.FilterActionTotal.WithLabelValues(filter, action).Inc()
	}
}

// RecordHookRun counts one engine invocation; failed is the number of hooks
// that errored and were skipped.
func (m *Metrics) RecordHookRun(event string, allowed bool, failed int) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.HookRunTotal.WithLabelValues(event, decision).Inc()
	if failed > 0 {
		m.HookErrorTotal.WithLabelValues(event).Add(float64(failed))
	}
}

// RecordCompaction counts a compaction attempt. outcome is one of
// compacted, skipped, blocked or no_reduction.
func (m *Metrics) RecordCompaction(model, outcome string, tokensSaved int) {
	if m == nil {
		return
	}
	m.CompactionTotal.WithLabelValues(outcome).Inc()
	if tokensSaved > 0 {
		m.TokensSavedTotal.WithLabelValues(model).Add(float64(tokensSaved))
	}
}

func (m *Metrics) RecordRateLimitHit(keyID, limit string) {
	if m != nil {
		m.RateLimitHitTotal.WithLabelValues(keyID, limit).Inc()
	}
}

func (m *Metrics) RecordUpstreamError(provider, kind string) {
	if m != nil {
		m.UpstreamErrors.WithLabelValues(provider, kind).Inc()
	}
}

// RecordCircuit records a provider breaker moving to state, where state is
// the breaker's numeric state and name its label.
func (m *Metrics) RecordCircuit(provider string, state int, name string) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(provider).Set(float64(state))
	m.CircuitTransitions.WithLabelValues(provider, name).Inc()
}
