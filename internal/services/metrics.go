package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mr_auth_requests_total",
		Help: "Total authorization and settlement requests, labeled by outcome",
	}, []string{"endpoint", "outcome"})

	authLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mr_auth_latency_seconds",
		Help:    "Latency distribution of authorization and settlement requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"endpoint"})

	sweepSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mr_sweep_settled_sessions_total",
		Help: "Sessions auto-settled by the expiry sweep",
	})
)
