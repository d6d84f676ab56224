// Package metrics exposes the agent's Prometheus counters and gauges for
// its core components: the registry, the update engine, and the monitor
// loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_containers_monitored",
		Help: "Number of containers currently tracked in the registry.",
	})
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_updates_total",
		Help: "Total number of update apply procedures by outcome.",
	}, []string{"outcome"})
	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_update_duration_seconds",
		Help:    "Duration of the update apply procedure.",
		Buckets: prometheus.DefBuckets,
	})
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_scan_duration_seconds",
		Help:    "Duration of one monitor loop reconciliation tick.",
		Buckets: prometheus.DefBuckets,
	})
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_scans_total",
		Help: "Total number of monitor loop ticks performed.",
	})
	PendingUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_pending_updates",
		Help: "Number of containers currently in update_available state.",
	})
	UpdatingNow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_updating_now",
		Help: "Number of apply procedures currently in flight.",
	})
	ImageCleanups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_image_cleanups_total",
		Help: "Total number of best-effort image removals after a successful update.",
	})
	RuntimeUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_runtime_unavailable_total",
		Help: "Total number of monitor ticks that observed the runtime as unavailable.",
	})
	EventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_events_emitted_total",
		Help: "Total number of events emitted on the event bus, by kind.",
	}, []string{"kind"})
	SubscriberGapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_subscriber_gaps_total",
		Help: "Total number of gap markers sent to slow event bus subscribers.",
	})
)
