package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultHit    = "hit"
	resultMiss   = "miss"
	resultResume = "resume"
	resultError  = "error"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapproxy",
		Name:      "requests_total",
		Help:      "Proxy requests by outcome (hit, miss, resume, error).",
	}, []string{"result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snapproxy",
		Name:      "request_duration_seconds",
		Help:      "Time from request validation until the response body is written.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
	}, []string{"result"})

	upstreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snapproxy",
		Name:      "upstream_bytes_total",
		Help:      "Bytes received from upstream and written to the cache.",
	})

	finalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snapproxy",
		Name:      "finalized_total",
		Help:      "Downloads promoted from .part to their final name.",
	})

	abandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snapproxy",
		Name:      "abandoned_partials_total",
		Help:      "Transfers that ended short and left a .part file for a later resume.",
	})
)
