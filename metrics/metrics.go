// Package metrics exports orchestration metrics in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes recorded for collaborator calls.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Recorder owns a private registry. A nil *Recorder ignores every call.
type Recorder struct {
	registry *prometheus.Registry

	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	collaborators *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	layerFailures *prometheus.CounterVec
}

// New registers the orchestration collectors plus the Go runtime collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	buckets := []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

	r := &Recorder{
		registry: registry,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcha",
			Name:      "turns_total",
			Help:      "Chat turns handled, by status and route.",
		}, []string{"status", "route"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orcha",
			Name:      "turn_duration_seconds",
			Help:      "End-to-end chat turn latency.",
			Buckets:   buckets,
		}, []string{"route"}),
		collaborators: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orcha",
			Name:      "collaborator_duration_seconds",
			Help:      "Latency of calls to the language model, OCR and retrieval services.",
			Buckets:   buckets,
		}, []string{"collaborator", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcha",
			Name:      "tokens_total",
			Help:      "Tokens reported by the language model.",
		}, []string{"model"}),
		layerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcha",
			Name:      "context_layer_failures_total",
			Help:      "Context layers skipped because loading them failed.",
		}, []string{"layer"}),
	}

	registry.MustRegister(
		r.turns,
		r.turnDuration,
		r.collaborators,
		r.tokens,
		r.layerFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveTurn(status, route string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(status, route).Inc()
	r.turnDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveCollaborator(name, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.collaborators.WithLabelValues(name, outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) AddTokens(model string, tokens int64) {
	if r == nil || tokens <= 0 {
		return
	}
	if model == "" {
		model = "default"
	}
	r.tokens.WithLabelValues(model).Add(float64(tokens))
}

func (r *Recorder) LayerFailed(layer string) {
	if r == nil {
		return
	}
	r.layerFailures.WithLabelValues(layer).Inc()
}

// Outcome classifies a collaborator error for ObserveCollaborator.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
