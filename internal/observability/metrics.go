package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "decisions_total", Help: "Allocation decisions committed"},
		[]string{"decision", "reason"},
	)
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ridepool", Name: "match_latency_seconds", Help: "Time spent deciding one request, lock wait included"})
	LockWait      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ridepool", Name: "pool_lock_wait_seconds", Help: "Time spent waiting for a pool allocation lock", Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10)})
	WaitlistDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridepool", Name: "waitlist_depth", Help: "Requests currently waitlisted across all pools"})

	LogAppendErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "log_append_errors_total", Help: "Allocation log appends that failed"})
	PoolsOpen       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridepool", Name: "pools_open", Help: "Pools not cancelled"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "events_published_total", Help: "Allocation events handed to the event bus"},
		[]string{"result"},
	)
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "notifications_total", Help: "Rider notifications attempted"},
		[]string{"channel", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridepool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
