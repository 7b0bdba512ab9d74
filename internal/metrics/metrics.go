// Package metrics provides Prometheus metrics for the Serene chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "serene"

var (
	// LLMRequests counts language-model gateway calls by outcome.
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of language-model gateway calls",
		},
		[]string{"model", "outcome"},
	)

	// LLMLatency tracks language-model call latency in seconds.
	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Language-model call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)

	// RiskAlerts counts risk alerts emitted by the turn processor.
	RiskAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_alerts_total",
			Help:      "Total number of high-risk alerts emitted",
		},
	)

	// TurnFallbacks counts turns answered with a fallback response.
	TurnFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_fallbacks_total",
			Help:      "Total number of turn steps that fell back to a safe default",
		},
		[]string{"step"},
	)
)
