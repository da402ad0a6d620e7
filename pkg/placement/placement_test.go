package placement

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

func nodes(ids ...string) []NodeInput {
	out := make([]NodeInput, 0, len(ids))
	for i, id := range ids {
		out = append(out, NodeInput{Desc: types.NodeDescription{
			NodeID:        id,
			IsUp:          true,
			FaultDomain:   []string{"dc", id},
			UpgradeDomain: string(rune('A' + i)),
			Capacities:    map[string]int64{"CPU": 100},
		}})
	}
	return out
}

func cpuService(name string, stateful bool, target int) ServiceInput {
	desc := types.ServiceDescription{
		Name:                 name,
		IsStateful:           stateful,
		TargetReplicaSetSize: target,
		Metrics: []types.ServiceMetric{
			{Name: "CPU", Weight: 1, PrimaryDefaultLoad: 20, SecondaryDefaultLoad: 10},
		},
	}
	return ServiceInput{Desc: desc, Metrics: load.ServiceMetrics(desc)}
}

func partition(id, service string, diff int, replicas ...types.ReplicaDescription) PartitionInput {
	return PartitionInput{
		Desc: types.FailoverUnitDescription{
			ID:          id,
			ServiceName: service,
			Version:     1,
			Replicas:    replicas,
		},
		ReplicaDifference: diff,
		Movable:           true,
	}
}

func primaryOn(node string) types.ReplicaDescription {
	return types.ReplicaDescription{NodeID: node, Role: types.ReplicaRolePrimary, IsUp: true}
}

func secondaryOn(node string) types.ReplicaDescription {
	return types.ReplicaDescription{NodeID: node, Role: types.ReplicaRoleSecondary, IsUp: true}
}

func withLoads(in PartitionInput, svc ServiceInput) PartitionInput {
	in.Loads = load.NewEntry(svc.Metrics, now)
	return in
}

func TestBuild(t *testing.T) {
	svc := cpuService("svc", true, 3)
	p := Build(Input{
		DomainID: "d1",
		Nodes:    nodes("n3", "n1", "n2"),
		Services: []ServiceInput{svc},
		Partitions: []PartitionInput{
			withLoads(partition("p1", "svc", 2, primaryOn("n1")), svc),
			withLoads(partition("p2", "svc", 1, secondaryOn("n1"), secondaryOn("n2")), svc),
			withLoads(partition("p3", "svc", -1, primaryOn("n1"), secondaryOn("n2"), secondaryOn("n3")), svc),
		},
	}, config.Default())

	require.Len(t, p.Nodes, 3)
	assert.Equal(t, "n1", p.Nodes[0].ID, "nodes are indexed in id order")
	assert.Equal(t, []int{0, 1, 2}, p.Eligible)
	assert.True(t, p.Metrics[0].Normalized)
	assert.Equal(t, 6, p.ExistingReplicas)
	assert.Len(t, p.NewReplicas, 3)

	p1 := p.Partitions[0]
	assert.False(t, p1.NeedsPromotion)
	for _, r := range p.NewReplicas[:2] {
		assert.Equal(t, types.ReplicaRoleSecondary, p.Replicas[r].Role)
	}

	p2 := p.Partitions[1]
	assert.True(t, p2.NeedsPromotion, "secondaries without a primary are promoted")
	assert.Equal(t, 1, p.Partitions[2].DropCount)

	ni, ok := p.NodeIndex("n2")
	require.True(t, ok)
	assert.Equal(t, "n2", p.Nodes[ni].Properties["NodeName"])
	assert.Equal(t, "dc/n2", p.Nodes[ni].Properties["FaultDomain"])
}

func TestBuildFirstNewReplicaIsPrimary(t *testing.T) {
	svc := cpuService("svc", true, 3)
	p := Build(Input{
		Nodes:      nodes("n1", "n2", "n3"),
		Services:   []ServiceInput{svc},
		Partitions: []PartitionInput{withLoads(partition("p1", "svc", 3), svc)},
	}, config.Default())

	require.Len(t, p.NewReplicas, 3)
	assert.Equal(t, types.ReplicaRolePrimary, p.Replicas[p.NewReplicas[0]].Role)
	assert.Equal(t, types.ReplicaRoleSecondary, p.Replicas[p.NewReplicas[1]].Role)
}

func TestBuildUnboundedCapacity(t *testing.T) {
	svc := cpuService("svc", false, 1)
	in := nodes("n1", "n2")
	in[1].Desc.Capacities = nil

	p := Build(Input{Nodes: in, Services: []ServiceInput{svc}}, config.Default())
	assert.Equal(t, Unbounded, p.Nodes[1].Capacity[0])
	assert.False(t, p.Metrics[0].Normalized)
}

func TestBuildNodeBuffer(t *testing.T) {
	cfg := config.Default()
	cfg.NodeBufferPercentage["CPU"] = 0.1
	p := Build(Input{Nodes: nodes("n1"), Services: []ServiceInput{cpuService("svc", false, 1)}}, cfg)
	assert.Equal(t, int64(100), p.Nodes[0].Capacity[0])
	assert.Equal(t, int64(90), p.Nodes[0].Buffered[0])
}

func TestSolutionLoadsAndMovements(t *testing.T) {
	svc := cpuService("svc", true, 2)
	p := Build(Input{
		Nodes:    nodes("n1", "n2", "n3"),
		Services: []ServiceInput{svc},
		Partitions: []PartitionInput{
			withLoads(partition("p1", "svc", 0, primaryOn("n1"), secondaryOn("n2")), svc),
			withLoads(partition("p2", "svc", 1, primaryOn("n1")), svc),
		},
	}, config.Default())
	s := NewSolution(p)

	assert.Equal(t, int64(40), s.NodeLoad(0, 0))
	assert.Equal(t, int64(10), s.NodeLoad(1, 0))
	assert.Empty(t, s.Movements())

	tests := []struct {
		name  string
		apply func()
		want  Movement
	}{
		{
			name:  "move",
			apply: func() { s.Move(1, 2) },
			want:  Movement{Kind: MovementMove, Partition: 0, Replica: 1, Source: 1, Target: 2, Role: types.ReplicaRoleSecondary},
		},
		{
			name:  "swap",
			apply: func() { s.Swap(0, 1) },
			want:  Movement{Kind: MovementSwap, Partition: 0, Replica: 1, Source: 0, Target: 1, Role: types.ReplicaRolePrimary},
		},
		{
			name:  "drop",
			apply: func() { s.Drop(1) },
			want:  Movement{Kind: MovementDrop, Partition: 0, Replica: 1, Source: 1, Target: -1, Role: types.ReplicaRoleSecondary},
		},
		{
			name:  "add",
			apply: func() { s.Move(p.NewReplicas[0], 2) },
			want:  Movement{Kind: MovementAdd, Partition: 1, Replica: p.NewReplicas[0], Source: -1, Target: 2, Role: types.ReplicaRoleSecondary},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := s.Snapshot()
			defer s.Restore(snap)

			tt.apply()
			moves := s.Movements()
			require.Len(t, moves, 1)
			assert.Equal(t, tt.want, moves[0])
			assert.Equal(t, 1, s.MovementCount())
		})
	}

	assert.Empty(t, s.Movements(), "restore returns to the original state")
	assert.Equal(t, int64(40), s.NodeLoad(0, 0))
	assert.Equal(t, 0, s.MovementCount())
}

func TestSolutionSwapMovesLoad(t *testing.T) {
	svc := cpuService("svc", true, 2)
	p := Build(Input{
		Nodes:      nodes("n1", "n2"),
		Services:   []ServiceInput{svc},
		Partitions: []PartitionInput{withLoads(partition("p1", "svc", 0, primaryOn("n1"), secondaryOn("n2")), svc)},
	}, config.Default())
	s := NewSolution(p)

	s.Swap(0, 1)
	assert.Equal(t, int64(10), s.NodeLoad(0, 0))
	assert.Equal(t, int64(20), s.NodeLoad(1, 0))
	r, ok := s.Primary(0)
	require.True(t, ok)
	assert.Equal(t, 1, r)
}

func TestPromoteMovement(t *testing.T) {
	svc := cpuService("svc", true, 2)
	p := Build(Input{
		Nodes:      nodes("n1", "n2"),
		Services:   []ServiceInput{svc},
		Partitions: []PartitionInput{withLoads(partition("p1", "svc", 0, secondaryOn("n1"), secondaryOn("n2")), svc)},
	}, config.Default())
	s := NewSolution(p)

	s.Promote(1)
	moves := s.Movements()
	require.Len(t, moves, 1)
	assert.Equal(t, MovementPromote, moves[0].Kind)
	assert.Equal(t, 1, moves[0].Target)
}

func TestVoidMovement(t *testing.T) {
	svc := cpuService("svc", false, 1)
	p := Build(Input{
		Nodes:      nodes("n1"),
		Services:   []ServiceInput{svc},
		Partitions: []PartitionInput{withLoads(partition("p1", "svc", 1), svc)},
	}, config.Default())
	s := NewSolution(p)

	assert.Equal(t, p.NewReplicas, s.UnplacedNewReplicas())
	s.MarkVoid(0)
	moves := s.Movements()
	require.Len(t, moves, 1)
	assert.Equal(t, MovementVoid, moves[0].Kind)
}

func TestScoreAndBalance(t *testing.T) {
	svc := cpuService("svc", false, 1)
	p := Build(Input{
		Nodes:    nodes("n1", "n2"),
		Services: []ServiceInput{svc},
		Partitions: []PartitionInput{
			withLoads(partition("p1", "svc", 0, types.ReplicaDescription{NodeID: "n1", Role: types.ReplicaRoleNone, IsUp: true}), svc),
			withLoads(partition("p2", "svc", 0, types.ReplicaDescription{NodeID: "n1", Role: types.ReplicaRoleNone, IsUp: true}), svc),
		},
	}, config.Default())
	s := NewSolution(p)

	before := s.Score()
	assert.False(t, s.IsBalanced())
	assert.InDelta(t, 0.2, s.Deviation(0), 1e-9)

	s.Move(1, 1)
	after := s.Score()
	assert.True(t, s.IsBalanced())
	assert.InDelta(t, 0, after.Deviation, 1e-9)
	assert.Greater(t, after.MoveCost, 0.0)
	assert.Less(t, after.Total(), before.Total())
}

func TestActivityThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.MetricActivityThresholds["CPU"] = 50
	svc := cpuService("svc", false, 1)
	p := Build(Input{
		Nodes:      nodes("n1", "n2"),
		Services:   []ServiceInput{svc},
		Partitions: []PartitionInput{withLoads(partition("p1", "svc", 0, types.ReplicaDescription{NodeID: "n1", Role: types.ReplicaRoleNone, IsUp: true}), svc)},
	}, cfg)

	assert.True(t, NewSolution(p).IsBalanced(), "load under activity threshold never triggers balancing")
}
