package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	d := timer.Duration()
	assert.GreaterOrEqual(t, d, 20*time.Millisecond)
	assert.Less(t, d, 5*time.Second)
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_refresh_seconds",
		Buckets: prometheus.DefBuckets,
	})
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(h))

	NewTimer().ObserveDuration(h)
	NewTimer().ObserveDuration(h)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, uint64(2), families[0].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestTimerObserveDurationVec(t *testing.T) {
	before := testutil.CollectAndCount(StageDuration)

	NewTimer().ObserveDurationVec(StageDuration, "timer-test-stage")

	assert.Equal(t, before+1, testutil.CollectAndCount(StageDuration))
}

func TestCollectorsRegistered(t *testing.T) {
	tests := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"refresh duration", RefreshDuration},
		{"stages", StagesTotal},
		{"movements", MovementsTotal},
		{"dropped movements", MovementsDroppedTotal},
		{"auto scaling", AutoScalingTotal},
		{"api requests", APIRequestsTotal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := prometheus.Register(tt.collector)
			var already prometheus.AlreadyRegisteredError
			assert.ErrorAs(t, err, &already, "registered in init")
		})
	}
}
