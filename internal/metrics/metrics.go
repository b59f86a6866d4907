// Package metrics provides Prometheus metrics for the session server.
// Labels never carry session or user ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pocket_sessions_active",
		Help: "Current number of live sessions.",
	})

	SessionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pocket_sessions_created_total",
		Help: "Total number of sessions created, by profile.",
	}, []string{"profile"})

	SessionCreateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pocket_session_create_failures_total",
		Help: "Total number of failed session creations, by error code.",
	}, []string{"code"})

	SessionsTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pocket_sessions_terminated_total",
		Help: "Total number of completed session teardowns, by reason.",
	}, []string{"reason"})

	TeardownFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pocket_teardown_failures_total",
		Help: "Total number of failed sandbox teardown attempts.",
	})

	RelayBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pocket_relay_bytes_total",
		Help: "Total terminal bytes relayed, by direction (in = client to sandbox).",
	}, []string{"direction"})

	OrphansRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pocket_orphans_removed_total",
		Help: "Total number of orphaned sandboxes reclaimed.",
	})

	ReaperTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pocket_reaper_ticks_total",
		Help: "Total number of reaper scans.",
	})
)

// SetActive records the number of live sessions.
func SetActive(n int) {
	SessionsActive.Set(float64(n))
}

// RecordCreated counts a successful session creation.
func RecordCreated(profile string) {
	SessionsCreatedTotal.WithLabelValues(profile).Inc()
}

// RecordCreateFailure counts a failed creation by error code.
func RecordCreateFailure(code string) {
	SessionCreateFailuresTotal.WithLabelValues(code).Inc()
}

// RecordTerminated counts a completed teardown.
func RecordTerminated(reason string) {
	SessionsTerminatedTotal.WithLabelValues(reason).Inc()
}

// RecordTeardownFailure counts a failed teardown attempt.
func RecordTeardownFailure() {
	TeardownFailuresTotal.Inc()
}

// RecordRelayBytes adds n bytes in the given direction.
func RecordRelayBytes(direction string, n int) {
	RelayBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordOrphansRemoved counts reclaimed orphans.
func RecordOrphansRemoved(n int) {
	OrphansRemovedTotal.Add(float64(n))
}

// RecordReaperTick counts one reaper scan.
func RecordReaperTick() {
	ReaperTicksTotal.Inc()
}
