package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the sync engine and its consumers.
type Metrics struct {
	syncCycles      *prometheus.CounterVec
	syncErrors      *prometheus.CounterVec
	eventsMerged    prometheus.Counter
	eventsEvicted   prometheus.Counter
	eventsSkipped   prometheus.Counter
	notifications   prometheus.Counter
	reruns          prometheus.Counter
	alertsSent      prometheus.Counter
	alertsDropped   prometheus.Counter
	cacheSize       prometheus.Gauge
	lastSyncedBlock prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			syncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dex_history_sync_cycles_total",
				Help: "Synchronization cycles by outcome",
			}, []string{"outcome"}),
			syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dex_history_sync_errors_total",
				Help: "Synchronization errors by kind",
			}, []string{"kind"}),
			eventsMerged: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dex_history_events_merged_total",
				Help: "Events inserted into the cache",
			}),
			eventsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dex_history_events_evicted_total",
				Help: "Events removed by the retention policy",
			}),
			eventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dex_history_events_skipped_total",
				Help: "Raw events dropped because they could not be normalized",
			}),
			notifications: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dex_history_notifications_total",
				Help: "Push notifications received from the ledger",
			}),
			reruns: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dex_history_sync_reruns_total",
				Help: "Deferred reruns scheduled after a busy cycle",
			}),
			alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dex_history_alerts_sent_total",
				Help: "Total number of alerts sent to sinks",
			}),
			alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dex_history_alerts_dropped_total",
				Help: "Alerts suppressed by a rule rate limit",
			}),
			cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dex_history_cache_events",
				Help: "Events currently held in the cache",
			}),
			lastSyncedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dex_history_last_synced_block",
				Help: "Last block covered by a successful synchronization",
			}),
		}
		prometheus.MustRegister(
			metrics.syncCycles,
			metrics.syncErrors,
			metrics.eventsMerged,
			metrics.eventsEvicted,
			metrics.eventsSkipped,
			metrics.notifications,
			metrics.reruns,
			metrics.alertsSent,
			metrics.alertsDropped,
			metrics.cacheSize,
			metrics.lastSyncedBlock,
		)
	})
	return metrics
}

// SyncCycle counts a finished cycle: "synced", "noop", "failed" or "skipped".
func (m *Metrics) SyncCycle(outcome string) {
	if m != nil {
		m.syncCycles.WithLabelValues(outcome).Inc()
	}
}

// SyncError counts an error recorded in the sync status.
func (m *Metrics) SyncError(kind string) {
	if m != nil {
		m.syncErrors.WithLabelValues(kind).Inc()
	}
}

// EventsMerged adds n inserted events.
func (m *Metrics) EventsMerged(n int) {
	if m != nil {
		m.eventsMerged.Add(float64(n))
	}
}

// EventsEvicted adds n evicted events.
func (m *Metrics) EventsEvicted(n int) {
	if m != nil {
		m.eventsEvicted.Add(float64(n))
	}
}

// EventsSkipped adds n events dropped during normalization.
func (m *Metrics) EventsSkipped(n int) {
	if m != nil {
		m.eventsSkipped.Add(float64(n))
	}
}

// Notification increments the push notification counter.
func (m *Metrics) Notification() {
	if m != nil {
		m.notifications.Inc()
	}
}

// Rerun increments the deferred rerun counter.
func (m *Metrics) Rerun() {
	if m != nil {
		m.reruns.Inc()
	}
}

// AlertsSent increments the alerts sent counter.
func (m *Metrics) AlertsSent() {
	if m != nil {
		m.alertsSent.Inc()
	}
}

// AlertsDropped increments the alerts dropped counter.
func (m *Metrics) AlertsDropped() {
	if m != nil {
		m.alertsDropped.Inc()
	}
}

// CacheState records the cache size and sync checkpoint.
func (m *Metrics) CacheState(size int, lastBlock uint64) {
	if m != nil {
		m.cacheSize.Set(float64(size))
		m.lastSyncedBlock.Set(float64(lastBlock))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
