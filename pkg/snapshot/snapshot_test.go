package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/load"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func node(id string, cpu int64) types.NodeDescription {
	return types.NodeDescription{
		NodeID:        id,
		IsUp:          true,
		FaultDomain:   []string{"fd" + id},
		UpgradeDomain: "ud" + id,
		Capacities:    map[string]int64{"CPU": cpu, "Memory": 1000},
	}
}

func replica(nodeID string, role types.ReplicaRole) types.ReplicaDescription {
	return types.ReplicaDescription{NodeID: nodeID, Role: role, IsUp: true}
}

func fixture(t *testing.T) *Snapshot {
	t.Helper()
	cfg := config.Default()
	nodes := []types.NodeDescription{node("a", 100), node("b", 100), node("c", 100)}
	desc := types.ServiceDescription{
		Name:                 "svc",
		ApplicationName:      "app",
		IsStateful:           true,
		TargetReplicaSetSize: 2,
		Metrics:              []types.ServiceMetric{{Name: "CPU", Weight: 1, PrimaryDefaultLoad: 30, SecondaryDefaultLoad: 10}},
	}
	metrics := load.ServiceMetrics(desc)
	app := types.ApplicationDescription{
		Name:         "app",
		MaximumNodes: 3,
		Capacities:   map[string]types.ApplicationCapacity{"CPU": {TotalCapacity: 200}},
	}

	in := placement.Input{
		DomainID:     "CPU-1",
		Applications: []types.ApplicationDescription{app},
		Services:     []placement.ServiceInput{{Desc: desc, Metrics: metrics}},
		Partitions: []placement.PartitionInput{{
			Desc: types.FailoverUnitDescription{
				ID: "p1", ServiceName: "svc", Version: 1, TargetReplicaSetSize: 2,
				Replicas: []types.ReplicaDescription{replica("a", types.ReplicaRolePrimary), replica("b", types.ReplicaRoleSecondary)},
			},
			Loads:   load.NewEntry(metrics, now),
			Movable: true,
		}},
	}
	for _, n := range nodes {
		in.Nodes = append(in.Nodes, placement.NodeInput{Desc: n})
	}
	p := placement.Build(in, cfg)
	return New(now, cfg, nodes, []types.ApplicationDescription{app}, []*Domain{NewDomain(types.ActionNoActionNeeded, p, nil)})
}

func TestTotalCapacity(t *testing.T) {
	down := node("d", 50)
	down.IsUp = false
	missing := types.NodeDescription{NodeID: "e", IsUp: true}

	tests := []struct {
		name  string
		nodes []types.NodeDescription
		want  int64
	}{
		{"no nodes", nil, 0},
		{"sum of up nodes", []types.NodeDescription{node("a", 100), node("b", 50)}, 150},
		{"down nodes do not count", []types.NodeDescription{node("a", 100), down}, 100},
		{"missing capacity is unbounded", []types.NodeDescription{node("a", 100), missing}, placement.Unbounded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TotalCapacity(tt.nodes, "CPU"))
		})
	}
}

func TestClusterLoad(t *testing.T) {
	s := fixture(t)
	cl := s.ClusterLoad()
	require.Len(t, cl.Metrics, 2)

	cpu := cl.Metrics[0]
	assert.Equal(t, "CPU", cpu.Name)
	assert.Equal(t, "CPU-1", cpu.DomainID)
	assert.Equal(t, int64(40), cpu.Load)
	assert.Equal(t, int64(300), cpu.Capacity)
	assert.Equal(t, int64(260), cpu.RemainingCapacity)
	assert.Equal(t, "a", cpu.MaxNodeID)
	assert.Equal(t, int64(30), cpu.MaxNodeLoad)
	assert.Equal(t, "c", cpu.MinNodeID)
	assert.Zero(t, cpu.MinNodeLoad)

	memory := cl.Metrics[1]
	assert.Equal(t, "Memory", memory.Name, "capacity only metrics are reported")
	assert.Empty(t, memory.DomainID)
	assert.Zero(t, memory.Load)
	assert.Equal(t, int64(3000), memory.RemainingCapacity)
	assert.True(t, memory.IsBalancedBefore)
}

func TestNodeLoad(t *testing.T) {
	s := fixture(t)

	nl, err := s.NodeLoad("a")
	require.NoError(t, err)
	require.Len(t, nl.Metrics, 2)
	assert.Equal(t, NodeMetricLoad{Name: "CPU", Load: 30, Capacity: 100, RemainingCapacity: 70, BufferedCapacity: 100, RemainingBufferedCapacity: 70}, nl.Metrics[0])

	_, err = s.NodeLoad("zz")
	assert.True(t, errors.Is(err, types.ErrNodeNotFound))
}

func TestApplicationLoad(t *testing.T) {
	s := fixture(t)

	al, err := s.ApplicationLoad("app")
	require.NoError(t, err)
	assert.Equal(t, 2, al.NodeCount)
	require.Len(t, al.Metrics, 1)
	assert.Equal(t, int64(40), al.Metrics[0].Load)
	assert.Equal(t, int64(200), al.Metrics[0].TotalCapacity)

	_, err = s.ApplicationLoad("other")
	assert.True(t, errors.Is(err, types.ErrApplicationNotFound))
}

func TestChecker(t *testing.T) {
	s := fixture(t)
	cache, err := constraint.NewValidationCache(8)
	require.NoError(t, err)

	_, err = s.Checker("missing", cache)
	assert.True(t, errors.Is(err, types.ErrFailoverUnitNotFound))

	c, err := s.Checker("p1", cache)
	require.NoError(t, err)

	primary, ok := c.Primary("p1")
	require.True(t, ok)
	assert.Equal(t, "a", primary)

	role, err := c.Replica("p1", "b")
	require.NoError(t, err)
	assert.Equal(t, types.ReplicaRoleSecondary, role)

	tests := []struct {
		name    string
		check   func() error
		wantErr error
	}{
		{"move secondary to free node", func() error { return c.CheckMove("p1", "b", "c", false) }, nil},
		{"move onto a node holding a replica", func() error { return c.CheckMove("p1", "b", "a", false) }, types.ErrAlreadySecondaryReplica},
		{"move a missing replica", func() error { return c.CheckMove("p1", "c", "b", false) }, types.ErrReplicaDoesNotExist},
		{"move to an unknown node", func() error { return c.CheckMove("p1", "b", "zz", false) }, types.ErrNodeNotFound},
		{"promote secondary", func() error { return c.CheckPromote("p1", "b", false) }, nil},
		{"promote primary", func() error { return c.CheckPromote("p1", "a", false) }, types.ErrAlreadyPrimaryReplica},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	targets, err := c.Targets("p1", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, targets)
}

func TestPartitionVersionAndNodes(t *testing.T) {
	s := fixture(t)

	v, ok := s.PartitionVersion("p1")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	_, ok = s.PartitionVersion("missing")
	assert.False(t, ok)

	cache, err := constraint.NewValidationCache(8)
	require.NoError(t, err)
	c, err := s.Checker("p1", cache)
	require.NoError(t, err)

	nodes, err := c.Nodes("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, nodes)

	_, err = c.Nodes("missing")
	assert.True(t, errors.Is(err, types.ErrFailoverUnitNotFound))
}
