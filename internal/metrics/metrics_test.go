package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveGrading("quiz", true, time.Millisecond)
	m.RankingUpdate("applied")
	m.SubscriberAdded()
	m.SubscriberRemoved(true)
	m.EventDropped("topic")
	m.PersistFailed()
}

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveGrading("contest", false, 10*time.Millisecond)
	m.ObserveGrading("contest", false, 20*time.Millisecond)
	m.RankingUpdate("ignored")
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved(true)

	require.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("contest", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rankingUpdates.WithLabelValues("ignored")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.subscribers))
	require.Equal(t, 1.0, testutil.ToFloat64(m.pruned))
}
