package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomcast"

type Metrics struct {
	FramesSent       prometheus.Counter
	FramesDropped    prometheus.Counter
	SinksForceClosed prometheus.Counter
	SessionsActive   prometheus.Gauge

	BusPublished     prometheus.Counter
	BusPublishFailed prometheus.Counter
	BusReconnects    prometheus.Counter

	TurnsStarted   prometheus.Counter
	TurnsCompleted prometheus.Counter
	TurnsCancelled prometheus.Counter
	TurnsFailed    prometheus.Counter

	ReconcileEnqueued  prometheus.Counter
	ReconcileProcessed prometheus.Counter
	ReconcileFailed    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			FramesSent:       counter("session", "frames_sent_total", "Frames written to client sessions"),
			FramesDropped:    counter("session", "slow_consumer_drops_total", "Frames dropped from full sink queues"),
			SinksForceClosed: counter("session", "force_detached_total", "Sinks force-detached as slow consumers"),
			SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Client sessions attached to this process",
			}),
			BusPublished:       counter("bus", "published_total", "Payloads handed to the bus transport"),
			BusPublishFailed:   counter("bus", "publish_failed_total", "Payloads dropped after exhausting publish retries"),
			BusReconnects:      counter("bus", "reconnects_total", "Bus subscription reconnect attempts"),
			TurnsStarted:       counter("turn", "started_total", "Assistant turns started"),
			TurnsCompleted:     counter("turn", "completed_total", "Assistant turns finished normally"),
			TurnsCancelled:     counter("turn", "cancelled_total", "Assistant turns cancelled"),
			TurnsFailed:        counter("turn", "failed_total", "Assistant turns that failed"),
			ReconcileEnqueued:  counter("presence", "reconcile_enqueued_total", "Presence reconciliation jobs enqueued"),
			ReconcileProcessed: counter("presence", "reconcile_processed_total", "Presence reconciliation jobs applied"),
			ReconcileFailed:    counter("presence", "reconcile_failed_total", "Presence reconciliation jobs that failed"),
		}
		prometheus.MustRegister(
			global.FramesSent, global.FramesDropped, global.SinksForceClosed, global.SessionsActive,
			global.BusPublished, global.BusPublishFailed, global.BusReconnects,
			global.TurnsStarted, global.TurnsCompleted, global.TurnsCancelled, global.TurnsFailed,
			global.ReconcileEnqueued, global.ReconcileProcessed, global.ReconcileFailed,
		)
	})
	return global
}
