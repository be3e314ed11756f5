package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the SSE gateway. Scraped from GET /metrics.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sse_connections_total",
		Help: "Total number of SSE subscriptions accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sse_connections_active",
		Help: "Current number of registered SSE connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sse_connections_rejected_total",
		Help: "Subscriptions rejected before registration, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sse_disconnects_total",
		Help: "Connection terminations by reason",
	}, []string{"reason"})

	// Dispatch metrics
	eventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sse_events_dispatched_total",
		Help: "Events accepted from sources, by delivery mode",
	}, []string{"mode"}) // channel | broadcast

	eventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sse_events_delivered_total",
		Help: "Successful per-connection enqueues across all dispatches",
	})

	dispatchDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sse_dispatch_dropped_total",
		Help: "Per-connection enqueues that failed (connection dropped)",
	})

	// Replay metrics
	replayServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sse_replay_events_total",
		Help: "Events served from the replay store on reconnect",
	})

	replayCursorRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sse_replay_cursor_rejected_total",
		Help: "Last-Event-ID cursors that failed to parse",
	})

	storeWritesDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sse_store_writes_dropped_total",
		Help: "Replay store writes dropped on backpressure or flush failure",
	})

	// Heartbeat metrics
	heartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sse_heartbeats_total",
		Help: "Heartbeat ticks published to subscribers",
	})

	// System metrics (fed by SystemMonitor)
	processCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sse_process_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	processMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sse_process_memory_bytes",
		Help: "Process resident memory in bytes",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		disconnectsTotal,
		eventsDispatched,
		eventsDelivered,
		dispatchDropped,
		replayServed,
		replayCursorRejected,
		storeWritesDropped,
		heartbeatsSent,
		processCPUPercent,
		processMemoryBytes,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordConnection records an accepted subscription.
func RecordConnection() { connectionsTotal.Inc() }

// SetActiveConnections updates the active-connection gauge.
func SetActiveConnections(n int) { connectionsActive.Set(float64(n)) }

// RecordRejectedConnection records a subscription denied before
// registration (auth, rate limit, bad request).
func RecordRejectedConnection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordDisconnect records a terminated connection by reason.
func RecordDisconnect(reason string) { disconnectsTotal.WithLabelValues(reason).Inc() }

// RecordDispatch records one dispatched event and its delivery tally.
func RecordDispatch(mode string, delivered int) {
	eventsDispatched.WithLabelValues(mode).Inc()
	eventsDelivered.Add(float64(delivered))
}

// RecordDispatchDrop records a failed per-connection enqueue.
func RecordDispatchDrop() { dispatchDropped.Inc() }

// RecordReplay records events served from the replay store.
func RecordReplay(count int) { replayServed.Add(float64(count)) }

// RecordBadReplayCursor records an unparseable Last-Event-ID.
func RecordBadReplayCursor() { replayCursorRejected.Inc() }

// SetStoreWritesDropped mirrors the store's dropped-write counters.
func SetStoreWritesDropped(n int64) { storeWritesDropped.Set(float64(n)) }

// RecordHeartbeat records one published heartbeat tick.
func RecordHeartbeat() { heartbeatsSent.Inc() }
