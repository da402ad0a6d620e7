package load

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/plb/pkg/types"
)

func TestStatsUpdate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		decay   Decay
		reports []uint32
		step    time.Duration
		want    uint32
	}{
		{
			name:    "default until reported",
			decay:   Decay{},
			reports: nil,
			want:    10,
		},
		{
			name:    "without decay the latest report wins",
			decay:   Decay{},
			reports: []uint32{50, 100, 20},
			step:    time.Minute,
			want:    20,
		},
		{
			name:    "first report replaces the default",
			decay:   Decay{Factor: 0.5, Interval: time.Minute},
			reports: []uint32{40},
			step:    time.Minute,
			want:    40,
		},
		{
			name:    "decayed average",
			decay:   Decay{Factor: 0.5, Interval: time.Minute},
			reports: []uint32{100, 40},
			step:    time.Minute,
			// (100*0.5 + 40) / (1*0.5 + 1) = 60
			want: 60,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStats(10, start)
			now := start
			for _, v := range tt.reports {
				now = now.Add(tt.step)
				s.Update(v, now, tt.decay)
			}
			assert.Equal(t, tt.want, s.Value())
			assert.Equal(t, len(tt.reports) > 0, s.IsReported())
		})
	}
}

func TestStatsIgnoresOutOfOrderReports(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	decay := Decay{Factor: 0.5, Interval: time.Minute}

	s := NewStats(0, start)
	s.Update(100, start.Add(time.Minute), decay)
	s.Update(0, start, decay)

	assert.Equal(t, uint32(100), s.Value())
}

func TestEntryApply(t *testing.T) {
	now := time.Now()
	metrics := []types.ServiceMetric{
		{Name: "CPU", PrimaryDefaultLoad: 10, SecondaryDefaultLoad: 5},
		{Name: "Memory", PrimaryDefaultLoad: 100, SecondaryDefaultLoad: 50},
	}
	e := NewEntry(metrics, now)

	unknown := e.Apply(types.LoadOrMoveCostDescription{
		PrimaryEntries:   []types.LoadMetric{{Name: "CPU", Value: 30}, {Name: "Disk", Value: 1}},
		SecondaryEntries: []types.LoadMetric{{Name: "Memory", Value: 70}},
		NodeEntries: map[string][]types.LoadMetric{
			"n2": {{Name: "CPU", Value: 8}},
		},
	}, metrics, now, Decay{}, true)

	assert.Equal(t, 1, unknown)
	assert.Equal(t, uint32(30), e.Load("CPU", types.ReplicaRolePrimary, "n1"))
	assert.Equal(t, uint32(5), e.Load("CPU", types.ReplicaRoleSecondary, "n1"))
	assert.Equal(t, uint32(8), e.Load("CPU", types.ReplicaRoleSecondary, "n2"))
	assert.Equal(t, uint32(70), e.Load("Memory", types.ReplicaRoleSecondary, "n2"))

	e.ForgetNode("n2")
	assert.Equal(t, uint32(5), e.SecondaryLoad("CPU", "n2"))

	e.Apply(types.LoadOrMoveCostDescription{IsReset: true}, metrics, now, Decay{}, true)
	assert.Equal(t, uint32(10), e.PrimaryLoad("CPU"))
	assert.Equal(t, uint32(50), e.SecondaryLoad("Memory", "n1"))
}

func TestEntryRebaseKeepsReportedLoads(t *testing.T) {
	now := time.Now()
	before := []types.ServiceMetric{
		{Name: "CPU", PrimaryDefaultLoad: 10},
		{Name: "Memory", PrimaryDefaultLoad: 100},
	}
	e := NewEntry(before, now)
	e.Apply(types.LoadOrMoveCostDescription{
		PrimaryEntries: []types.LoadMetric{{Name: "CPU", Value: 44}, {Name: "Memory", Value: 99}},
	}, before, now, Decay{}, true)

	after := []types.ServiceMetric{
		{Name: "CPU", PrimaryDefaultLoad: 1},
		{Name: "Disk", PrimaryDefaultLoad: 7},
	}
	next := e.Rebase(after, now)

	require.Len(t, next.Metrics, 2)
	assert.Equal(t, uint32(44), next.PrimaryLoad("CPU"))
	assert.Equal(t, uint32(7), next.PrimaryLoad("Disk"))
	assert.Equal(t, uint32(0), next.PrimaryLoad("Memory"))
}

func TestServiceMetrics(t *testing.T) {
	t.Run("built-in metrics for stateful service", func(t *testing.T) {
		metrics := ServiceMetrics(types.ServiceDescription{IsStateful: true, TargetReplicaSetSize: 3})
		require.Len(t, metrics, 2)
		assert.Equal(t, types.MetricCount, metrics[0].Name)
		assert.Equal(t, types.MetricPrimaryCount, metrics[1].Name)
		assert.Equal(t, uint32(0), metrics[1].SecondaryDefaultLoad)
		assert.True(t, metrics[1].IsBuiltIn)
	})

	t.Run("built-in metrics for stateless service", func(t *testing.T) {
		metrics := ServiceMetrics(types.ServiceDescription{TargetReplicaSetSize: 3})
		require.Len(t, metrics, 1)
		assert.Equal(t, types.MetricCount, metrics[0].Name)
	})

	t.Run("stateful singleton aligns secondary default", func(t *testing.T) {
		svc := types.ServiceDescription{
			IsStateful:           true,
			TargetReplicaSetSize: 1,
			Metrics:              []types.ServiceMetric{{Name: "CPU", PrimaryDefaultLoad: 20, SecondaryDefaultLoad: 2}},
		}
		metrics := ServiceMetrics(svc)
		assert.Equal(t, uint32(20), metrics[0].SecondaryDefaultLoad)
		assert.Equal(t, uint32(2), svc.Metrics[0].SecondaryDefaultLoad, "input is not modified")
	})
}
