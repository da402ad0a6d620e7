package domain

import (
	"testing"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/load"
	"github.com/cuemby/plb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func desc(name string, metrics ...string) types.ServiceDescription {
	d := types.ServiceDescription{Name: name, IsStateful: false, TargetReplicaSetSize: 1}
	for _, m := range metrics {
		d.Metrics = append(d.Metrics, types.ServiceMetric{Name: m, Weight: 1, PrimaryDefaultLoad: 1})
	}
	return d
}

func add(t *testing.T, tbl *Table, d types.ServiceDescription) *Domain {
	t.Helper()
	require.NoError(t, tbl.CheckAffinity(d))
	return tbl.AddService(now, NewService(d, nil, ""))
}

func domainOf(t *testing.T, tbl *Table, service string) string {
	t.Helper()
	_, d, ok := tbl.Service(service)
	require.True(t, ok, "service %s is known", service)
	return d.ID
}

func addUnit(t *testing.T, tbl *Table, service, id string) {
	t.Helper()
	s, _, ok := tbl.Service(service)
	require.True(t, ok)
	_, err := tbl.AddFailoverUnit(&FailoverUnit{
		Desc:  types.FailoverUnitDescription{ID: id, ServiceName: service, TargetReplicaSetSize: 1},
		Loads: load.NewEntry(s.Metrics, now),
	})
	require.NoError(t, err)
}

func TestSharedMetricSharesDomain(t *testing.T) {
	tbl := NewTable(config.Default())
	a := add(t, tbl, desc("a", "M1"))
	b := add(t, tbl, desc("b", "M1"))
	c := add(t, tbl, desc("c", "M3"))

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 2, tbl.Len())
	assert.NoError(t, tbl.Check())
}

func TestUnconnectedMetricDoesNotMerge(t *testing.T) {
	tbl := NewTable(config.Default())
	add(t, tbl, desc("a", "M1"))
	add(t, tbl, desc("b", "M1"))
	add(t, tbl, desc("c", "M3"))
	before := domainOf(t, tbl, "c")

	_, _, ok := tbl.RemoveService("a")
	require.True(t, ok)
	add(t, tbl, desc("a", "M1", "M2"))

	assert.Equal(t, domainOf(t, tbl, "a"), domainOf(t, tbl, "b"))
	assert.Equal(t, before, domainOf(t, tbl, "c"))
	m2, ok := tbl.MetricDomain("M2")
	require.True(t, ok)
	assert.Equal(t, domainOf(t, tbl, "a"), m2)
	assert.NoError(t, tbl.Check())
}

func TestConnectingServiceMergesDomains(t *testing.T) {
	tbl := NewTable(config.Default())
	add(t, tbl, desc("a", "M1"))
	add(t, tbl, desc("c", "M3"))
	addUnit(t, tbl, "a", "fa")
	addUnit(t, tbl, "c", "fc")
	require.Equal(t, 2, tbl.Len())

	d := add(t, tbl, desc("bridge", "M1", "M3"))

	assert.Equal(t, 1, tbl.Len())
	assert.Len(t, d.Services, 3)
	assert.Len(t, d.FailoverUnits, 2, "failover units follow their services")
	for _, m := range []string{"M1", "M3"} {
		id, _ := tbl.MetricDomain(m)
		assert.Equal(t, d.ID, id)
	}
	assert.NoError(t, tbl.Check())
}

func TestDeletingLastServiceRemovesDomain(t *testing.T) {
	tbl := NewTable(config.Default())
	add(t, tbl, desc("a", "M1", "M2"))
	addUnit(t, tbl, "a", "f1")

	s, fus, ok := tbl.RemoveService("a")
	require.True(t, ok)
	assert.Equal(t, "a", s.Desc.Name)
	require.Len(t, fus, 1)
	assert.Equal(t, "f1", fus[0].Desc.ID)

	assert.Zero(t, tbl.Len())
	for _, m := range []string{"M1", "M2"} {
		_, ok := tbl.MetricDomain(m)
		assert.False(t, ok, "metric %s leaves the metric table", m)
	}
	assert.False(t, tbl.Graph().Has("M1"))
}

func TestAffinityJoinsDomains(t *testing.T) {
	tbl := NewTable(config.Default())
	add(t, tbl, desc("parent", "M1"))
	child := desc("child", "M2")
	child.AffinitizedService = "parent"
	add(t, tbl, child)

	assert.Equal(t, domainOf(t, tbl, "parent"), domainOf(t, tbl, "child"))
	assert.Equal(t, []string{"child"}, tbl.Children("parent"))

	grandchild := desc("grandchild", "M3")
	grandchild.AffinitizedService = "child"
	assert.ErrorIs(t, tbl.CheckAffinity(grandchild), types.ErrServiceAffinityChainNotSupported)

	upgraded := desc("parent", "M1")
	upgraded.AffinitizedService = "other"
	assert.ErrorIs(t, tbl.CheckAffinity(upgraded), types.ErrServiceAffinityChainNotSupported)
}

func TestChildBeforeParent(t *testing.T) {
	tbl := NewTable(config.Default())
	child := desc("child", "M2")
	child.AffinitizedService = "parent"
	add(t, tbl, child)
	add(t, tbl, desc("parent", "M1"))

	assert.Equal(t, domainOf(t, tbl, "parent"), domainOf(t, tbl, "child"))
	assert.NoError(t, tbl.Check())
}

func TestConstrainingApplicationJoinsDomains(t *testing.T) {
	tbl := NewTable(config.Default())
	a := desc("a", "M1")
	a.ApplicationName = "app"
	b := desc("b", "M2")
	b.ApplicationName = "app"
	tbl.AddService(now, NewService(a, nil, "app"))
	d := tbl.AddService(now, NewService(b, nil, "app"))

	assert.Equal(t, 1, tbl.Len())
	id, ok := tbl.ApplicationDomain("app")
	require.True(t, ok)
	assert.Equal(t, d.ID, id)
	assert.Equal(t, 2, d.Applications["app"])
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		split   bool
		domains int
	}{
		{"split enabled separates", true, 2},
		{"split disabled stays merged", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.SplitDomainEnabled = tt.split
			tbl := NewTable(cfg)
			add(t, tbl, desc("a", "M1"))
			add(t, tbl, desc("b", "M2"))
			add(t, tbl, desc("bridge", "M1", "M2"))
			addUnit(t, tbl, "a", "fa")
			addUnit(t, tbl, "b", "fb")
			require.Equal(t, 1, tbl.Len())

			tbl.RemoveService("bridge")
			created := tbl.ProcessSplits(now)

			assert.Equal(t, tt.domains, tbl.Len())
			assert.Empty(t, tbl.PendingSplits())
			if tt.split {
				assert.Len(t, created, 2)
				assert.NotEqual(t, domainOf(t, tbl, "a"), domainOf(t, tbl, "b"))
			}
			fu, d, ok := tbl.FailoverUnit("b", "fb")
			require.True(t, ok)
			assert.Equal(t, domainOf(t, tbl, "b"), d.ID)
			assert.Equal(t, "fb", fu.Desc.ID)
			assert.NoError(t, tbl.Check())
		})
	}
}

func TestSplitSkipsReconnectedDomain(t *testing.T) {
	cfg := config.Default()
	cfg.SplitDomainEnabled = true
	tbl := NewTable(cfg)
	add(t, tbl, desc("a", "M1"))
	add(t, tbl, desc("b", "M2"))
	add(t, tbl, desc("bridge", "M1", "M2"))

	tbl.RemoveService("bridge")
	require.Len(t, tbl.PendingSplits(), 1)
	add(t, tbl, desc("bridge", "M1", "M2"))

	assert.Empty(t, tbl.ProcessSplits(now))
	assert.Equal(t, 1, tbl.Len())
}

func TestFailoverUnits(t *testing.T) {
	tbl := NewTable(config.Default())
	_, err := tbl.AddFailoverUnit(&FailoverUnit{Desc: types.FailoverUnitDescription{ID: "f", ServiceName: "missing"}})
	assert.ErrorIs(t, err, types.ErrServiceNotFound)

	add(t, tbl, desc("a", "M1"))
	addUnit(t, tbl, "a", "f1")
	_, d, ok := tbl.FailoverUnit("a", "f1")
	require.True(t, ok)
	assert.True(t, d.HasNewReplicas(), "a unit without replicas needs placement")

	fu, ok := tbl.RemoveFailoverUnit("a", "f1")
	require.True(t, ok)
	assert.Equal(t, "f1", fu.Desc.ID)
	assert.False(t, d.HasNewReplicas())
	_, ok = tbl.RemoveFailoverUnit("a", "f1")
	assert.False(t, ok)
}

func TestBuiltInMetricsConnect(t *testing.T) {
	tbl := NewTable(config.Default())
	a := add(t, tbl, desc("a"))
	b := add(t, tbl, desc("b"))
	assert.Equal(t, a.ID, b.ID, "services without metrics share the built-in count metric")
}

func TestMetricGraph(t *testing.T) {
	g := NewMetricGraph()
	g.AddEdge(Edge{A: "M1", B: "M2"})
	g.AddEdge(Edge{A: "M1", B: "M2"})
	g.AddEdge(Edge{A: "M2", B: "M3"})

	assert.True(t, g.AreMetricsConnected([]string{"M1", "M3"}))
	assert.Equal(t, []string{"M1", "M2", "M3"}, g.Component("M3"))

	g.RemoveEdge(Edge{A: "M1", B: "M2"})
	assert.True(t, g.AreMetricsConnected([]string{"M1", "M2"}), "edges are reference counted")
	g.RemoveEdge(Edge{A: "M2", B: "M1"})
	assert.False(t, g.AreMetricsConnected([]string{"M1", "M2"}))
	assert.True(t, g.AreMetricsConnected([]string{"M2"}))

	assert.False(t, IsMetricVertex(serviceVertex("svc")))
	assert.True(t, IsMetricVertex("CPU"))
}
