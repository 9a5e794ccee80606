// Package metrics registers the server's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomweb_requests_total",
		Help: "HTTP requests by method and status code.",
	}, []string{"method", "code"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_cache_hits_total",
		Help: "Response cache hits.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_cache_misses_total",
		Help: "Response cache misses.",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_cache_evictions_total",
		Help: "Response cache evictions.",
	})

	EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicomweb_event_queue_depth",
		Help: "Current depth of the UPS event queue.",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_events_delivered_total",
		Help: "UPS events delivered to subscribers.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_events_dropped_total",
		Help: "UPS events dropped on queue overflow.",
	})

	StowStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_stow_instances_stored_total",
		Help: "Instances stored through STOW-RS.",
	})

	StowFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_stow_instances_failed_total",
		Help: "Instances rejected by STOW-RS validation.",
	})
)
