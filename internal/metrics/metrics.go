// Package metrics provides Prometheus metrics for SoilPipe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestionsTotal tracks sensor uploads by outcome
	IngestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soilpipe",
			Subsystem: "ingest",
			Name:      "readings_total",
			Help:      "Total number of soil reading uploads by outcome",
		},
		[]string{"outcome"},
	)

	// WeatherFallbacksTotal tracks weather lookups answered with the fallback summary
	WeatherFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "soilpipe",
			Subsystem: "weather",
			Name:      "fallbacks_total",
			Help:      "Total number of weather lookups that fell back to default values",
		},
	)

	// GenAIRequestsTotal tracks generation backend calls by outcome
	GenAIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soilpipe",
			Subsystem: "genai",
			Name:      "requests_total",
			Help:      "Total number of generation requests by outcome",
		},
		[]string{"outcome"},
	)

	// GenAIRetriesTotal tracks rate-limited generation attempts that were retried
	GenAIRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "soilpipe",
			Subsystem: "genai",
			Name:      "retries_total",
			Help:      "Total number of rate-limited generation attempts that were retried",
		},
	)

	// GenAIRequestDuration tracks generation latency including retries
	GenAIRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "soilpipe",
			Subsystem: "genai",
			Name:      "request_duration_seconds",
			Help:      "Duration of generation calls in seconds, including backoff",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	// SMSSegmentsTotal tracks SMS segments by direction and status
	SMSSegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soilpipe",
			Subsystem: "sms",
			Name:      "segments_total",
			Help:      "Total number of SMS segments by direction and status",
		},
		[]string{"direction", "status"},
	)

	// SessionTransitionsTotal tracks conversation state changes
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soilpipe",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Total number of conversation transitions by source state and action",
		},
		[]string{"from", "action"},
	)
)
