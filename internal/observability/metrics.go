package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "offers_created_total", Help: "Total offers created"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "offers_accepted_total", Help: "Total offers accepted"})
	OffersRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "offers_rejected_total", Help: "Total offers rejected"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "offers_expired_total", Help: "Total offers expired by the sweeper"})
	JobsExhausted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "jobs_exhausted_total", Help: "Jobs returned to unassigned after running out of candidates"})
	WorkersOnShift = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "field_dispatch", Name: "workers_on_shift", Help: "Number of on-shift workers seen by the location pipeline"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "field_dispatch",
		Name:      "sweep_duration_seconds",
		Help:      "Expiration sweep duration",
		Buckets:   prometheus.DefBuckets,
	})
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "sweep_errors_total", Help: "Per-offer errors during expiration sweeps"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "field_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "field_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
