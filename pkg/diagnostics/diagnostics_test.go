package diagnostics

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/types"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	batches [][]types.HealthReport
	reject  bool
}

func (f *fakeSubmitter) Submit(reports []types.HealthReport) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.batches = append(f.batches, reports)
	return true
}

func (f *fakeSubmitter) all() []types.HealthReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.HealthReport
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.VerboseHealthReportLimit = 3
	cfg.DetailedVerboseHealthReportLimit = 6
	cfg.ConstraintViolationHealthReportLimit = 2
	cfg.DetailedConstraintViolationHealthReportLimit = 4
	cfg.ConsecutiveDroppedMovementsHealthReportLimit = 2
	cfg.DetailedNodeListLimit = 2
	return cfg
}

func failure() PlacementFailure {
	return PlacementFailure{
		Service:     "svc",
		PartitionID: "p1",
		Role:        types.ReplicaRoleSecondary,
		Eliminated: []Elimination{
			{Constraint: "PlacementConstraint", Nodes: []string{"a", "b", "c"}},
		},
	}
}

func TestPlacementReportThresholds(t *testing.T) {
	sink := &fakeSubmitter{}
	d := New(testConfig(), sink)
	now := time.Unix(1000, 0)

	tests := []struct {
		attempt  int
		reported bool
		detailed bool
	}{
		{1, false, false},
		{2, false, false},
		{3, true, false},
		{4, true, false},
		{5, true, false},
		{6, true, true},
		{7, true, true},
	}
	for _, tt := range tests {
		before := len(sink.all())
		d.TrackPlacement(now, []PlacementFailure{failure()})
		d.Flush()
		all := sink.all()
		if !tt.reported {
			assert.Len(t, all, before, "attempt %d", tt.attempt)
			continue
		}
		require.Len(t, all, before+1, "attempt %d", tt.attempt)
		r := all[len(all)-1]
		assert.Equal(t, types.HealthStateWarning, r.State)
		assert.Equal(t, types.HealthEntityService, r.Kind)
		assert.Equal(t, "svc", r.EntityID)
		assert.Equal(t, types.HealthSourceID, r.SourceID)
		assert.Equal(t, d.config().PLBHealthEventTTL, r.TTL)
		assert.Contains(t, r.Description, "after "+strconv.Itoa(tt.attempt)+" attempts")
		assert.Equal(t, tt.detailed, strings.Contains(r.Description, "(a, b)"), "attempt %d", tt.attempt)
		assert.NotContains(t, r.Description, "c)")
	}
	assert.Len(t, sink.all(), 5)
}

func TestPlacementCountsOncePerRefresh(t *testing.T) {
	sink := &fakeSubmitter{}
	d := New(testConfig(), sink)
	now := time.Unix(1000, 0)

	primary := failure()
	primary.Role = types.ReplicaRolePrimary
	batch := []PlacementFailure{failure(), failure(), failure(), primary}

	for i := 1; i < testConfig().VerboseHealthReportLimit; i++ {
		d.TrackPlacement(now, batch)
		assert.Zero(t, d.Flush(), "refresh %d", i)
	}
	got := d.UnplacedReplicas("svc")
	require.Len(t, got, 2)
	for _, u := range got {
		assert.Equal(t, testConfig().VerboseHealthReportLimit-1, u.Attempts, "role %s", u.Role)
	}

	d.TrackPlacement(now, batch)
	assert.Equal(t, 2, d.Flush(), "one warning per partition and role")
}

func TestMarkPlacedClearsReportedFailure(t *testing.T) {
	sink := &fakeSubmitter{}
	d := New(testConfig(), sink)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		d.TrackPlacement(now, []PlacementFailure{failure()})
	}
	require.Len(t, d.UnplacedReplicas("svc"), 1)
	assert.Equal(t, 3, d.UnplacedReplicas("")[0].Attempts)

	d.MarkPlaced("svc", "p1", types.ReplicaRoleSecondary)
	d.Cleanup(now)
	d.Flush()

	assert.Empty(t, d.UnplacedReplicas("svc"))
	all := sink.all()
	require.Len(t, all, 2)
	assert.Equal(t, types.HealthStateWarning, all[0].State)
	assert.Equal(t, types.HealthStateOk, all[1].State)
}

func TestDeletedServiceForgetsFailuresSilently(t *testing.T) {
	sink := &fakeSubmitter{}
	d := New(testConfig(), sink)
	now := time.Unix(1000, 0)

	d.TrackPlacement(now, []PlacementFailure{failure()})
	d.MovementDropped(now, "svc", "p1")
	d.ServiceDeleted("svc")
	d.Cleanup(now)

	assert.Empty(t, d.UnplacedReplicas(""))
	assert.Zero(t, d.DroppedCount("p1"))
	assert.Zero(t, d.Flush())
}

func TestViolationsResetWhenFixed(t *testing.T) {
	sink := &fakeSubmitter{}
	d := New(testConfig(), sink)
	now := time.Unix(1000, 0)
	v := Violation{Service: "svc", PartitionID: "p1", Constraint: "NodeCapacity", Node: "a"}

	d.TrackViolations(now, "dom", []Violation{v})
	d.TrackViolations(now, "dom", nil)
	d.TrackViolations(now, "dom", []Violation{v})
	assert.Zero(t, d.Pending(), "counter restarts after a clean refresh")

	d.TrackViolations(now, "dom", []Violation{v})
	require.Equal(t, 1, d.Pending())
	d.TrackViolations(now, "dom", []Violation{v})
	d.TrackViolations(now, "dom", []Violation{v})
	d.Flush()

	all := sink.all()
	require.Len(t, all, 3)
	assert.Equal(t, types.HealthEntityPartition, all[0].Kind)
	assert.NotContains(t, all[0].Description, "node a")
	assert.NotContains(t, all[1].Description, "node a")
	assert.Contains(t, all[2].Description, "replica on node a")
}

func TestUpgradeSwapReport(t *testing.T) {
	sink := &fakeSubmitter{}
	d := New(testConfig(), sink)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		d.TrackUpgradeSwaps(now, "dom", map[string]string{"p1": "svc"})
	}
	d.Flush()
	all := sink.all()
	require.Len(t, all, 1)
	assert.Equal(t, PropertyUpgradeSwap, all[0].Property)
}

func TestDroppedMovementsReportOnce(t *testing.T) {
	sink := &fakeSubmitter{}
	d := New(testConfig(), sink)
	now := time.Unix(1000, 0)

	for i := 0; i < 6; i++ {
		d.MovementDropped(now, "svc", "p1")
	}
	assert.Equal(t, 6, d.DroppedCount("p1"))
	d.Flush()
	all := sink.all()
	require.Len(t, all, 1)
	assert.Equal(t, types.HealthStateWarning, all[0].State)
	assert.Contains(t, all[0].Description, "3 consecutive")

	d.MovementExecuted(now, "p1")
	assert.Zero(t, d.DroppedCount("p1"))
	d.Flush()
	all = sink.all()
	require.Len(t, all, 2)
	assert.Equal(t, types.HealthStateOk, all[1].State)

	d.MovementExecuted(now, "p1")
	assert.Zero(t, d.Flush())
}

func TestFlushRejectedBatch(t *testing.T) {
	sink := &fakeSubmitter{reject: true}
	d := New(testConfig(), sink)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		d.MovementDropped(now, "svc", "p1")
	}
	assert.Equal(t, 1, d.Flush())
	assert.Zero(t, d.Pending())
	assert.Empty(t, sink.all())
}
