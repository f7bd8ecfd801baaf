package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "rides_requested_total", Help: "Total ride requests accepted"})
	RidesCompleted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "rides_completed_total", Help: "Total rides completed"})
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "matches_total", Help: "Total successful driver assignments"})
	MatchesExhausted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "matches_exhausted_total", Help: "Matching rounds that ran out of candidates"})
	OffersSent       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "offers_sent_total", Help: "Match offers dispatched to drivers"})
	OffersExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "offers_expired_total", Help: "Match offers that timed out"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ridehail", Name: "match_latency_seconds", Help: "Time from ride request to driver assignment"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridehail", Name: "drivers_online", Help: "Number of connected driver sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridehail", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridehail",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
