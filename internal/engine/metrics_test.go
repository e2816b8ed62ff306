package engine

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["engine_execution_duration_seconds"])
	require.True(t, names["engine_fuel_consumed"])
	require.True(t, names["engine_executions_total"])
}

func TestNewMetrics_NilRegistererSkipsRegistration(t *testing.T) {
	require.NotPanics(t, func() {
		newMetrics(nil)
	})
}

func TestStatsTracker_RecordAccumulatesAverages(t *testing.T) {
	st := newStatsTracker()
	st.record("run_operator", 10*time.Millisecond, 100, false)
	st.record("run_operator", 20*time.Millisecond, 300, false)
	st.record("run_operator", 5*time.Millisecond, 50, true)

	snap := st.Snapshot()
	s, ok := snap["run_operator"]
	require.True(t, ok)
	require.Equal(t, uint64(3), s.Count)
	require.Equal(t, uint64(1), s.Failures)
	require.InDelta(t, 150.0, s.AvgFuelUsed, 0.001)
	require.Equal(t, int64(50), s.LastFuelUsed)
}

func TestStatsTracker_Snapshot_SeparatesEntryPoints(t *testing.T) {
	st := newStatsTracker()
	st.record("run_operator", time.Millisecond, 10, false)
	st.record("run_aggregator", time.Millisecond, 20, false)

	snap := st.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, uint64(1), snap["run_operator"].Count)
	require.Equal(t, uint64(1), snap["run_aggregator"].Count)
}
