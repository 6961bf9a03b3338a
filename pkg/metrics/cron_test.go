package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCronJobMetricsTrackResultsAndLastSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	m.ObserveDuration("reconcile", 250*time.Millisecond)
	m.IncSuccess("reconcile")
	m.IncSuccess("reconcile")
	m.IncFailure("reconcile")
	m.IncSkipped("escrow-release")
	m.IncFailure("")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	cases := []struct {
		labels map[string]string
		want   float64
	}{
		{map[string]string{"job": "reconcile", "result": JobSucceeded}, 2},
		{map[string]string{"job": "reconcile", "result": JobFailed}, 1},
		{map[string]string{"job": "escrow-release", "result": JobSkipped}, 1},
		{map[string]string{"job": "unknown", "result": JobFailed}, 1},
	}
	for _, tc := range cases {
		got, err := fetchCounter(mfs, "settlement_cron_job_runs_total", tc.labels)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "%v", tc.labels)
	}

	last, err := fetchGauge(mfs, "settlement_cron_job_last_success_timestamp_seconds", map[string]string{"job": "reconcile"})
	require.NoError(t, err)
	require.Equal(t, float64(fixed.Unix()), last)
	_, err = fetchGauge(mfs, "settlement_cron_job_last_success_timestamp_seconds", map[string]string{"job": "escrow-release"})
	require.Error(t, err, "a skipped job has no success timestamp")

	sum, err := fetchHistogramSum(mfs, "settlement_cron_job_duration_seconds", "job", "reconcile")
	require.NoError(t, err)
	require.InDelta(t, 0.25, sum, 1e-9)
}

func TestNilCronMetricsAreNoops(t *testing.T) {
	var m *CronJobMetrics
	m.ObserveDuration("job", time.Second)
	m.IncSuccess("job")
	m.IncFailure("job")
	m.IncSkipped("job")

	unregistered := NewCronJobMetrics(nil)
	unregistered.IncSuccess("job")
	unregistered.IncSkipped("job")
}
