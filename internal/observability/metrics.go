package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cycles_total", Help: "Dispatch cycles by trigger and outcome"},
		[]string{"trigger", "outcome"},
	)
	CycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "cycle_latency_seconds", Help: "Dispatch cycle latency seconds"})
	OffersTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Total number of offers made"})
	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Accept attempts by result"},
		[]string{"result"},
	)
	RidesCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total number of rides requested"})
	SweepProcessed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_rides_total", Help: "Rides re-processed by the sweeper"})
	SweepDuration  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Sweep pass duration seconds"})
	JobsTotal      = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "jobs_total", Help: "Dispatch jobs handled by queue and result"},
		[]string{"queue", "result"},
	)
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location updates applied"})
	NotifyFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Offer notices that could not be delivered"})

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
