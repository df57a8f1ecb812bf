package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_open", Help: "Open websocket connections"})
	InboundEvents   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "inbound_events_total", Help: "Inbound websocket events by type"},
		[]string{"type"},
	)
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "decode_errors_total", Help: "Inbound messages that could not be decoded"})

	OffersSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Ride offers pushed to drivers"})
	OfferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_outcomes_total", Help: "Resolved ride offers by outcome"},
		[]string{"outcome"},
	)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Finished dispatch cycles by outcome"},
		[]string{"outcome"},
	)
	PendingDispatches = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pending_dispatches", Help: "Dispatch cycles currently searching for a driver"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Time from dispatch start to driver acceptance",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120},
	})

	ActiveRides     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_rides", Help: "Rides accepted and not yet finished"})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions"},
		[]string{"status"},
	)
	RepositoryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "repository_errors_total", Help: "Failed repository calls by operation"},
		[]string{"op"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
