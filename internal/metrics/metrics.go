// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "tokens_issued_total",
		Help:      "Session tokens issued, including the first token of each session.",
	})

	Rotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "token_rotations_total",
		Help:      "Token rotations performed.",
	})

	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "marks_total",
		Help:      "Attendance mark attempts by outcome.",
	}, []string{"outcome"})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qrattend",
		Name:      "store_op_seconds",
		Help:      "Latency of store calls made while marking attendance.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	PresenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "presence_events_total",
		Help:      "Queue events consumed by the presence tracker by result.",
	}, []string{"result"})
)
