// Package metrics holds the prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contest_live"

type Metrics struct {
	submissions     *prometheus.CounterVec
	gradingDuration *prometheus.HistogramVec
	rankingUpdates  *prometheus.CounterVec
	subscribers     prometheus.Gauge
	pruned          prometheus.Counter
	dropped         *prometheus.CounterVec
	persistErrors   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Graded submissions by kind and verdict.",
		}, []string{"kind", "correct"}),
		gradingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grading_duration_seconds",
			Help:      "Time spent grading one submission.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind"}),
		rankingUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranking_updates_total",
			Help:      "Ranking upserts by outcome (applied, ignored, rejected).",
		}, []string{"outcome"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscribers",
			Help:      "Open live feed subscriptions.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_pruned_total",
			Help:      "Subscribers dropped after a failed delivery.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_dropped_total",
			Help:      "Events discarded because a queue was full.",
		}, []string{"queue"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_persist_errors_total",
			Help:      "Failed asynchronous snapshot writes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.submissions,
			m.gradingDuration,
			m.rankingUpdates,
			m.subscribers,
			m.pruned,
			m.dropped,
			m.persistErrors,
		)
	}
	return m
}

func (m *Metrics) ObserveGrading(kind string, correct bool, d time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, strconv.FormatBool(correct)).Inc()
	m.gradingDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RankingUpdate(outcome string) {
	if m == nil {
		return
	}
	m.rankingUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved(pruned bool) {
	if m == nil {
		return
	}
	m.subscribers.Dec()
	if pruned {
		m.pruned.Inc()
	}
}

func (m *Metrics) EventDropped(queue string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(queue).Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}
