package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticStats struct {
	stats ModelStats
}

func (s staticStats) ModelStats() ModelStats {
	return s.stats
}

func TestCollectorCollect(t *testing.T) {
	healthChecker = newHealthChecker()

	c := NewCollector(staticStats{stats: ModelStats{
		NodesUp:        4,
		NodesDown:      1,
		Services:       3,
		FailoverUnits:  12,
		Domains:        2,
		PendingFUs:     5,
		RefreshHealthy: true,
	}}, time.Minute)
	c.Collect()

	assert.Equal(t, 4.0, testutil.ToFloat64(NodesTotal.WithLabelValues("up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NodesTotal.WithLabelValues("down")))
	assert.Equal(t, 3.0, testutil.ToFloat64(ServicesTotal))
	assert.Equal(t, 12.0, testutil.ToFloat64(FailoverUnitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(DomainsTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(PendingUpdates.WithLabelValues("failover_unit")))

	health := GetHealth()
	assert.Equal(t, "healthy", health.Components[ComponentRefresh])
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(staticStats{stats: ModelStats{Services: 7}}, 10*time.Millisecond)
	c.Start()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(ServicesTotal) == 7
	}, time.Second, 5*time.Millisecond)
	c.Stop()
}
