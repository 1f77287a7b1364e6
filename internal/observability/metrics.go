package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Total rides created"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Driver selection latency seconds"})
	NoDriver       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_driver_available_total", Help: "Ride requests with no eligible driver"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Successful ride status transitions"},
		[]string{"to"},
	)
	RideConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_conflicts_total", Help: "Transitions rejected because the precondition did not hold"},
		[]string{"transition"},
	)

	DriversConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_connected", Help: "Drivers with an open event channel"})
	LocationUpdates  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location pushes"})

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_published_total", Help: "Events published to the notification bus"},
		[]string{"kind"},
	)
	StreamFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "stream_publish_failures_total", Help: "Kafka stream messages dropped or not written"},
		[]string{"stream", "reason"},
	)
	NotifySubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "notify_subscribers", Help: "Channels currently subscribed to any topic"})

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
