package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_generations_total",
		Help: "Completed generation sessions by outcome.",
	}, []string{"model", "status"})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "platform_generation_duration_seconds",
		Help:    "Wall time of generation sessions.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"model"})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_tool_calls_total",
		Help: "Tool invocations by tool and outcome.",
	}, []string{"tool", "status"})

	toolRoundsPerSession = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "platform_tool_rounds_per_session",
		Help:    "Tool resolution rounds per generation session.",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
	})

	creditsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_credits_settled_total",
		Help: "Credits deducted at settlement, by model.",
	}, []string{"model"})

	streamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_stream_events_total",
		Help: "Provider stream events received, by type.",
	}, []string{"type"})
)
