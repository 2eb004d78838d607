package imageguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var classifyCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "imageguard_classify_count",
	Help: "number of classifications, by the stage that answered",
}, []string{"source"})

var classifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "imageguard_classify_duration_sec",
	Help:    "duration of classifications, by the stage that answered",
	Buckets: prometheus.ExponentialBuckets(0.001, 3, 10),
}, []string{"source"})

var downloadCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "imageguard_download_count",
	Help: "number of image downloads for URL classification",
}, []string{"status"})
