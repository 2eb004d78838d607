package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "imageguard_dispatch_duration_sec",
	Help:    "Duration of provider dispatch calls, by mode",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"mode"})

var dispatchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "imageguard_dispatch_count",
	Help: "Number of provider dispatch calls, by mode and final reason code",
}, []string{"mode", "code"})

var attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "imageguard_attempt_duration_sec",
	Help: "Duration of single provider attempts, by provider",
}, []string{"provider"})

var attemptCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "imageguard_attempt_count",
	Help: "Number of provider attempts, by provider and status",
}, []string{"provider", "status"})

var inflightShared = promauto.NewCounter(prometheus.CounterOpts{
	Name: "imageguard_inflight_shared_count",
	Help: "Number of dispatch calls answered by an already running identical call",
})
