// Package metrics holds the Prometheus collectors for the rewards ledger.
//
// Collectors are registered on a caller-supplied registry so tests can build
// as many instances as they like. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rewards"

// Metrics bundles every collector used by the service and the client queue.
type Metrics struct {
	LedgerOperations  *prometheus.CounterVec
	LedgerRetries     *prometheus.CounterVec
	LedgerPoints      *prometheus.CounterVec
	StreakTransitions *prometheus.CounterVec
	AchievementUnlock *prometheus.CounterVec
	ProjectorEntries  prometheus.Counter
	ProjectorCursor   prometheus.Gauge
	QueueActions      *prometheus.GaugeVec
	QueueAttempts     *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// ─── Ledger ────────────────────────────────────────────────────────
		LedgerOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Award and redeem calls by outcome.",
		}, []string{"op", "outcome"}),
		LedgerRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tx_retries_total",
			Help:      "Transactions retried after a write conflict or in-flight key.",
		}, []string{"op"}),
		LedgerPoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_total",
			Help:      "Points moved by committed entries.",
		}, []string{"kind"}),

		// ─── Derived state ─────────────────────────────────────────────────
		StreakTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streak",
			Name:      "transitions_total",
			Help:      "Streak state transitions by type.",
		}, []string{"transition"}),
		AchievementUnlock: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "achievement",
			Name:      "unlocks_total",
			Help:      "Achievements unlocked by definition.",
		}, []string{"definition"}),
		ProjectorEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projector",
			Name:      "entries_processed_total",
			Help:      "Ledger entries folded into derived state.",
		}),
		ProjectorCursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "projector",
			Name:      "cursor_seq",
			Help:      "Last entry sequence folded into derived state.",
		}),

		// ─── Offline queue (client) ────────────────────────────────────────
		QueueActions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "actions",
			Help:      "Queued actions by status.",
		}, []string{"status"}),
		QueueAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "attempts_total",
			Help:      "Replay attempts by outcome.",
		}, []string{"outcome"}),

		// ─── HTTP ──────────────────────────────────────────────────────────
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Operation records the outcome of an Award or Redeem call.
func (m *Metrics) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOperations.WithLabelValues(op, outcome).Inc()
}

// Retry records one transaction retry.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.LedgerRetries.WithLabelValues(op).Inc()
}

// Points records points moved by a committed entry.
func (m *Metrics) Points(kind string, amount int64) {
	if m == nil {
		return
	}
	m.LedgerPoints.WithLabelValues(kind).Add(float64(amount))
}

// Streak records a streak transition.
func (m *Metrics) Streak(transition string) {
	if m == nil {
		return
	}
	m.StreakTransitions.WithLabelValues(transition).Inc()
}

// Unlock records an achievement unlock.
func (m *Metrics) Unlock(definitionID string) {
	if m == nil {
		return
	}
	m.AchievementUnlock.WithLabelValues(definitionID).Inc()
}

// Projected records an entry folded by the projector.
func (m *Metrics) Projected(seq int64) {
	if m == nil {
		return
	}
	m.ProjectorEntries.Inc()
	m.ProjectorCursor.Set(float64(seq))
}

// QueueDepth publishes the number of queued actions per status.
func (m *Metrics) QueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	m.QueueActions.Reset()
	for status, n := range counts {
		m.QueueActions.WithLabelValues(status).Set(float64(n))
	}
}

// QueueAttempt records one replay attempt.
func (m *Metrics) QueueAttempt(outcome string) {
	if m == nil {
		return
	}
	m.QueueAttempts.WithLabelValues(outcome).Inc()
}

// HTTP records one served request.
func (m *Metrics) HTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	}
	return "2xx"
}
