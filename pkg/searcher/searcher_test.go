package searcher

import (
	"math/rand"
	"testing"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/load"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	in  placement.Input
	cfg *config.Config
}

func newFixture(nodeCount int) *fixture {
	f := &fixture{cfg: config.Default(), in: placement.Input{DomainID: "d"}}
	for i := 0; i < nodeCount; i++ {
		id := string(rune('a' + i))
		f.in.Nodes = append(f.in.Nodes, placement.NodeInput{Desc: types.NodeDescription{
			NodeID:        id,
			IsUp:          true,
			FaultDomain:   []string{"fd" + id},
			UpgradeDomain: "ud" + id,
			Capacities:    map[string]int64{"CPU": 100},
			Properties:    map[string]string{"Color": "blue"},
		}})
	}
	return f
}

func (f *fixture) service(name string, stateful bool, target int, cpu uint32) {
	desc := types.ServiceDescription{
		Name:                 name,
		IsStateful:           stateful,
		TargetReplicaSetSize: target,
		Metrics:              []types.ServiceMetric{{Name: "CPU", Weight: 1, PrimaryDefaultLoad: cpu, SecondaryDefaultLoad: cpu}},
	}
	f.in.Services = append(f.in.Services, placement.ServiceInput{Desc: desc, Metrics: load.ServiceMetrics(desc)})
}

func (f *fixture) partition(id, service string, diff int, replicas ...types.ReplicaDescription) *placement.PartitionInput {
	var metrics []types.ServiceMetric
	for _, s := range f.in.Services {
		if s.Desc.Name == service {
			metrics = s.Metrics
		}
	}
	f.in.Partitions = append(f.in.Partitions, placement.PartitionInput{
		Desc:              types.FailoverUnitDescription{ID: id, ServiceName: service, Version: 1, Replicas: replicas},
		Loads:             load.NewEntry(metrics, now),
		ReplicaDifference: diff,
		Movable:           true,
	})
	return &f.in.Partitions[len(f.in.Partitions)-1]
}

func (f *fixture) search(t *testing.T, token *Token, opts Options) (*placement.Placement, Result) {
	t.Helper()
	cache, err := constraint.NewValidationCache(16)
	require.NoError(t, err)
	if token == nil {
		token = NewToken()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(7))
	}
	if opts.MaxMovements == 0 {
		opts.MaxMovements = Unlimited
	}
	p := placement.Build(f.in, f.cfg)
	return p, New(f.cfg, cache, token).Search(p, opts)
}

func on(node string, role types.ReplicaRole) types.ReplicaDescription {
	return types.ReplicaDescription{NodeID: node, Role: role, IsUp: true}
}

func kinds(moves []placement.Movement) []placement.MovementKind {
	out := make([]placement.MovementKind, 0, len(moves))
	for _, m := range moves {
		out = append(out, m.Kind)
	}
	return out
}

func TestPlacementPlacesNewReplicas(t *testing.T) {
	f := newFixture(3)
	f.service("svc", true, 3, 10)
	f.partition("p1", "svc", 3)

	p, res := f.search(t, nil, Options{Action: types.ActionNewReplicaPlacement})

	require.Len(t, res.Movements, 3)
	nodes := make(map[int]bool)
	primaries := 0
	for _, m := range res.Movements {
		assert.Equal(t, placement.MovementAdd, m.Kind)
		nodes[m.Target] = true
		if m.Role == types.ReplicaRolePrimary {
			primaries++
		}
	}
	assert.Len(t, nodes, 3, "replicas of one partition land on distinct nodes")
	assert.Equal(t, 1, primaries)
	assert.Empty(t, res.Unplaced)
	assert.Empty(t, res.Solution.UnplacedNewReplicas())
	assert.Equal(t, 3, p.ExistingReplicas+len(p.NewReplicas))
}

func TestPlacementUnplacedEliminations(t *testing.T) {
	f := newFixture(2)
	f.service("svc", false, 1, 10)
	f.in.Services[0].Desc.PlacementConstraints = "Color == red"
	f.partition("p1", "svc", 1)

	_, res := f.search(t, nil, Options{Action: types.ActionNewReplicaPlacement})

	assert.Empty(t, res.Movements)
	require.Len(t, res.Unplaced, 1)
	var found bool
	for _, e := range res.Unplaced[0].Eliminated {
		if e.Kind == constraint.PlacementConstraint {
			found = true
			assert.Len(t, e.Nodes, 2)
		}
	}
	assert.True(t, found, "diagnostics name the eliminating constraint")
}

func TestPlacementVoidWithoutPartialPlacement(t *testing.T) {
	tests := []struct {
		name    string
		partial bool
		want    []placement.MovementKind
	}{
		{"partial placement keeps placed replicas", true, []placement.MovementKind{placement.MovementAdd, placement.MovementAdd}},
		{"all or nothing voids the partition", false, []placement.MovementKind{placement.MovementVoid}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(2)
			f.cfg.PartiallyPlaceServices = tt.partial
			f.service("svc", true, 3, 10)
			f.partition("p1", "svc", 3)

			_, res := f.search(t, nil, Options{Action: types.ActionNewReplicaPlacement})
			assert.Equal(t, tt.want, kinds(res.Movements))
		})
	}
}

func TestPlacementBatches(t *testing.T) {
	f := newFixture(3)
	f.cfg.UseBatchPlacement = true
	f.cfg.PlacementReplicaCountPerBatch = 1
	f.service("svc", false, 1, 10)
	f.partition("p1", "svc", 1)
	f.partition("p2", "svc", 1)
	f.partition("p3", "svc", 1)

	var batches [][]placement.Movement
	_, res := f.search(t, nil, Options{
		Action:  types.ActionNewReplicaPlacement,
		OnBatch: func(b []placement.Movement) { batches = append(batches, b) },
	})

	assert.Len(t, batches, 3)
	assert.Empty(t, res.Movements, "batched movements are not repeated in the result")
}

func TestPlacementBudget(t *testing.T) {
	f := newFixture(3)
	f.service("svc", false, 1, 10)
	f.partition("p1", "svc", 1)
	f.partition("p2", "svc", 1)
	f.partition("p3", "svc", 1)

	_, res := f.search(t, nil, Options{Action: types.ActionNewReplicaPlacement, MaxMovements: 2})

	assert.Len(t, res.Movements, 2)
	assert.True(t, res.Throttled)
}

func TestPlacementPromotesAndDrops(t *testing.T) {
	f := newFixture(3)
	f.service("svc", true, 2, 10)
	f.partition("p1", "svc", 0, on("a", types.ReplicaRoleSecondary), on("b", types.ReplicaRoleSecondary))
	f.partition("p2", "svc", -1,
		on("a", types.ReplicaRolePrimary), on("b", types.ReplicaRoleSecondary), on("c", types.ReplicaRoleSecondary))

	_, res := f.search(t, nil, Options{Action: types.ActionNewReplicaPlacement})

	byPartition := make(map[int][]placement.MovementKind)
	for _, m := range res.Movements {
		byPartition[m.Partition] = append(byPartition[m.Partition], m.Kind)
	}
	assert.Equal(t, []placement.MovementKind{placement.MovementPromote}, byPartition[0])
	require.Equal(t, []placement.MovementKind{placement.MovementDrop}, byPartition[1])
	for _, m := range res.Movements {
		if m.Kind == placement.MovementDrop {
			assert.Equal(t, types.ReplicaRoleSecondary, m.Role, "secondaries are dropped before the primary")
		}
	}
}

func TestConstraintCheckFixesCapacity(t *testing.T) {
	f := newFixture(2)
	f.service("svc", false, 1, 40)
	f.partition("p1", "svc", 0, on("a", types.ReplicaRoleNone))
	f.partition("p2", "svc", 0, on("a", types.ReplicaRoleNone))
	f.partition("p3", "svc", 0, on("a", types.ReplicaRoleNone))

	p, res := f.search(t, nil, Options{Action: types.ActionConstraintCheck})

	require.NotEmpty(t, res.Movements)
	b, _ := p.NodeIndex("b")
	for _, m := range res.Movements {
		assert.Equal(t, placement.MovementMove, m.Kind)
		assert.Equal(t, b, m.Target)
	}
	a, _ := p.NodeIndex("a")
	metric, _ := p.MetricIndex("CPU")
	assert.LessOrEqual(t, res.Solution.NodeLoad(a, metric), int64(100))
	assert.Empty(t, res.Unfixed)
}

func TestConstraintCheckSwapsUpgradePrimary(t *testing.T) {
	f := newFixture(3)
	f.in.Nodes[0].Desc.Deactivation = types.DeactivationRestart
	f.service("svc", true, 3, 10)
	pin := f.partition("p1", "svc", 0,
		on("a", types.ReplicaRolePrimary), on("b", types.ReplicaRoleSecondary), on("c", types.ReplicaRoleSecondary))
	pin.Desc.IsInUpgrade = true

	p, res := f.search(t, nil, Options{Action: types.ActionConstraintCheck})

	require.Len(t, res.Movements, 1)
	m := res.Movements[0]
	a, _ := p.NodeIndex("a")
	assert.Equal(t, placement.MovementSwap, m.Kind)
	assert.Equal(t, a, m.Source)
	assert.Equal(t, types.ActionUpgrade, res.Actions[0])
	assert.Empty(t, res.UnswappedUpgrade)
}

func skewed(nodes, parts int) *fixture {
	f := newFixture(nodes)
	f.service("svc", false, 1, 10)
	for i := 0; i < parts; i++ {
		f.partition(string(rune('A'+i)), "svc", 0, on("a", types.ReplicaRoleNone))
	}
	return f
}

func TestQuickBalancingImproves(t *testing.T) {
	f := skewed(4, 8)

	_, res := f.search(t, nil, Options{Action: types.ActionQuickLoadBalancing, Timeout: 5 * time.Second})

	require.NotEmpty(t, res.Movements)
	assert.Less(t, res.After.Total(), res.Before.Total())
	for _, m := range res.Movements {
		assert.Equal(t, placement.MovementMove, m.Kind)
	}
	assert.False(t, res.Interrupted)
}

func TestSlowBalancingImproves(t *testing.T) {
	f := skewed(4, 8)
	f.cfg.MaxSimulatedAnnealingIterations = 3000
	f.cfg.SimulatedAnnealingIterationsPerRound = 300

	_, res := f.search(t, nil, Options{Action: types.ActionLoadBalancing, Timeout: 5 * time.Second})

	require.NotEmpty(t, res.Movements)
	assert.Less(t, res.After.Total(), res.Before.Total())
}

func TestBalancingRespectsBudget(t *testing.T) {
	f := skewed(4, 8)

	_, res := f.search(t, nil, Options{Action: types.ActionQuickLoadBalancing, MaxMovements: 2})

	assert.LessOrEqual(t, len(res.Movements), 2)
	assert.LessOrEqual(t, res.Solution.MovementCount(), 2)
}

func TestInterruptedBalancingIsDiscarded(t *testing.T) {
	f := skewed(4, 8)
	token := NewToken()
	token.Stop()

	_, res := f.search(t, token, Options{Action: types.ActionQuickLoadBalancing})

	assert.True(t, res.Interrupted)
	assert.Empty(t, res.Movements)
	assert.Zero(t, res.Solution.MovementCount())
	assert.InDelta(t, res.Before.Total(), res.After.Total(), 1e-12)
}

func TestBalancedDomainHasNoMovements(t *testing.T) {
	f := newFixture(2)
	f.service("svc", false, 1, 10)
	f.partition("p1", "svc", 0, on("a", types.ReplicaRoleNone))
	f.partition("p2", "svc", 0, on("b", types.ReplicaRoleNone))

	_, res := f.search(t, nil, Options{Action: types.ActionQuickLoadBalancing})
	assert.Empty(t, res.Movements)
}

func TestSameSeedSameMovements(t *testing.T) {
	run := func() []placement.Movement {
		f := skewed(4, 8)
		f.cfg.MaxSimulatedAnnealingIterations = 500
		_, res := f.search(t, nil, Options{Action: types.ActionLoadBalancing, Rand: rand.New(rand.NewSource(42))})
		return res.Movements
	}
	assert.Equal(t, run(), run())
}

func TestToken(t *testing.T) {
	tok := NewToken()
	assert.False(t, tok.Stopped())
	tok.Stop()
	assert.True(t, tok.Stopped())
	tok.Reset()
	assert.False(t, tok.Stopped())
}
