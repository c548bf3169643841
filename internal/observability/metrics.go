package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConfigPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ncshot",
		Name:      "config_pushes_total",
		Help:      "Configuration pushes to the recognition service by outcome",
	}, []string{"outcome"})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ncshot",
		Name:      "submissions_total",
		Help:      "Image submissions by outcome",
	}, []string{"outcome"})

	Releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ncshot",
		Name:      "token_releases_total",
		Help:      "Session token releases by outcome",
	}, []string{"outcome"})

	PlateFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ncshot",
		Name:      "plate_fetches_total",
		Help:      "Plate sub-image fetches by outcome",
	}, []string{"outcome"})

	RemoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ncshot",
		Name:      "remote_request_duration_seconds",
		Help:      "Duration of requests against the recognition service",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"operation"})

	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ncshot",
		Name:      "batches_total",
		Help:      "Batch runs by final state",
	}, []string{"state"})

	BatchImages = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ncshot",
		Name:      "batch_images",
		Help:      "Number of images per batch",
		Buckets:   prometheus.LinearBuckets(1, 5, 10),
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ncshot",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
