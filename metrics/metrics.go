// Package metrics exposes the bridge's Prometheus counters and gauges.
// Replaces the project's earlier hand-rolled, mutex-guarded counter maps
// with github.com/prometheus/client_golang, following the same
// promauto+GetMetrics()-singleton pattern used for observability
// elsewhere in the retrieved pack: metrics are declared once, served over
// HTTP via promhttp, and call sites just reach for the package-level
// Global instance instead of threading a *Metrics through every function.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the bridge registers.
type Metrics struct {
	FramesReceived   *prometheus.CounterVec // by transport
	FramesForwarded  *prometheus.CounterVec // by transport (destination)
	FramesDropped    *prometheus.CounterVec // by transport, reason
	FramesMalformed  *prometheus.CounterVec // by transport
	DedupeHits       prometheus.Counter
	QueueFullDrops   *prometheus.CounterVec // by transport
	OutQueueDepth    *prometheus.GaugeVec   // by transport

	MQTTPublished       *prometheus.CounterVec // by topic class
	MQTTPublishDropped  prometheus.Counter
	MQTTCommandsAcked   *prometheus.CounterVec // by status
	PendingCommands     prometheus.Gauge

	MissionsStarted   *prometheus.CounterVec // by direction
	MissionsCompleted *prometheus.CounterVec // by direction, outcome

	TransportReconnects *prometheus.CounterVec // by transport
	V1FallbackDecodes   prometheus.Counter
}

var (
	global      *Metrics
	globalOnce  sync.Once
)

// Global returns the process-wide Metrics singleton, creating and
// registering it with the default Prometheus registry on first use.
func Global() *Metrics {
	globalOnce.Do(func() {
		global = newMetrics()
	})
	return global
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "transport", Name: "frames_received_total",
		Help: "MAVLink frames received per transport.",
	}, []string{"transport"})

	m.FramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "router", Name: "frames_forwarded_total",
		Help: "MAVLink frames forwarded per destination transport.",
	}, []string{"transport"})

	m.FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "transport", Name: "frames_dropped_total",
		Help: "Frames dropped per transport, by reason.",
	}, []string{"transport", "reason"})

	m.FramesMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "transport", Name: "frames_malformed_total",
		Help: "Frames that failed to parse per transport.",
	}, []string{"transport"})

	m.DedupeHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "router", Name: "dedupe_hits_total",
		Help: "Frames suppressed by the global or per-target content-dedupe windows.",
	})

	m.QueueFullDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "transport", Name: "queue_full_drops_total",
		Help: "Outbound packets dropped because a transport's out_queue was full.",
	}, []string{"transport"})

	m.OutQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "houston", Subsystem: "transport", Name: "out_queue_depth",
		Help: "Current depth of each transport's outbound queue.",
	}, []string{"transport"})

	m.MQTTPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "mqtt", Name: "published_total",
		Help: "Messages published to the broker, by topic class.",
	}, []string{"topic_class"})

	m.MQTTPublishDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "mqtt", Name: "publish_dropped_total",
		Help: "Telemetry publishes shed because the publish queue overflowed.",
	})

	m.MQTTCommandsAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "mqtt", Name: "command_acks_total",
		Help: "Command acks published, by status.",
	}, []string{"status"})

	m.PendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "houston", Subsystem: "mqtt", Name: "pending_commands",
		Help: "Commands currently queued waiting for their target sysid to appear.",
	})

	m.MissionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "mission", Name: "started_total",
		Help: "Mission FSMs started, by direction.",
	}, []string{"direction"})

	m.MissionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "mission", Name: "completed_total",
		Help: "Mission FSMs completed, by direction and outcome.",
	}, []string{"direction", "outcome"})

	m.TransportReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "transport", Name: "reconnects_total",
		Help: "Reconnect attempts per transport.",
	}, []string{"transport"})

	m.V1FallbackDecodes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "houston", Subsystem: "transport", Name: "v1_fallback_decodes_total",
		Help: "HEARTBEAT frames decoded via the manual v1 fallback.",
	})

	return m
}

// Handler returns the HTTP handler to mount for scraping, matching the
// listen address in config.MetricsConfig.
func Handler() http.Handler {
	return promhttp.Handler()
}
