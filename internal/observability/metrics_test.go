package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	m := NewMetrics()

	m.RecordFallbackAttempt("local-fast", "failure")
	m.RecordFallbackAttempt("local-fast", "failure")
	m.RecordCooldownOpened("local-fast")
	m.RecordBudgetSkip("cloud-premium")
	m.RecordSpend("cloud-fast", 0.25)
	m.RecordSpend("local", 0)
	m.RecordCloudEscape("cloud-fast")
	m.RecordBreakerTrip("cost ceiling exceeded")
	m.RecordContractTransition("merged")
	m.RecordRPC("/taskplane.v1.ControlPlane/Route", time.Millisecond, "")
	m.RecordRPC("/taskplane.v1.ControlPlane/Execute", time.Millisecond, "resource_exhausted")
	m.RecordWatcherRescan()

	require.InDelta(t, 2, testutil.ToFloat64(m.FallbackAttempts.WithLabelValues("local-fast", "failure")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.CooldownOpenings.WithLabelValues("local-fast")), 0)
	require.InDelta(t, 0.25, testutil.ToFloat64(m.SpendUSD.WithLabelValues("cloud-fast")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(m.SpendUSD))
	require.InDelta(t, 1, testutil.ToFloat64(m.RPCErrors.WithLabelValues("/taskplane.v1.ControlPlane/Execute", "resource_exhausted")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.WatcherRescans), 0)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordFallbackAttempt("a", "b")
		m.RecordCooldownOpened("a")
		m.RecordBudgetSkip("a")
		m.RecordSpend("cloud-fast", 1)
		m.RecordCloudEscape("a")
		m.RecordBreakerTrip("a")
		m.RecordContractTransition("a")
		m.RecordRPC("a", time.Second, "internal")
		m.RecordWatcherRescan()
	})
}
