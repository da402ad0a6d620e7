package throttle

import (
	"testing"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/types"
	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestThreshold(t *testing.T) {
	tests := []struct {
		name     string
		existing int
		absolute int
		pct      float64
		want     int
	}{
		{"both disabled", 100, 0, 0, Unlimited},
		{"absolute only", 100, 10, 0, 10},
		{"percentage only", 100, 0, 0.25, 25},
		{"percentage stricter", 100, 50, 0.25, 25},
		{"absolute stricter", 100, 5, 0.25, 5},
		{"percentage rounds up", 7, 0, 0.5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Threshold(tt.existing, tt.absolute, tt.pct))
		})
	}
}

func TestWindowSlides(t *testing.T) {
	w := NewWindow(time.Minute)
	w.Add(now, 3)
	w.Add(now.Add(30*time.Second), 2)

	assert.Equal(t, 5, w.Count(now.Add(30*time.Second)))
	assert.Equal(t, 2, w.Count(now.Add(70*time.Second)), "events older than the interval expire")
	assert.Equal(t, 0, w.Count(now.Add(2*time.Minute)))
}

func TestAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.GlobalMovementThrottleThreshold = 10
	cfg.GlobalMovementThrottleThresholdForBalancing = 4
	c := NewCounters(cfg)

	assert.Equal(t, 4, c.Allowed(now, types.ActionLoadBalancing, 100, cfg))
	assert.Equal(t, 10, c.Allowed(now, types.ActionNewReplicaPlacement, 100, cfg))

	c.Record(now, types.ActionLoadBalancing, "p1", 3)
	c.Record(now, types.ActionNewReplicaPlacement, "p2", 5)

	assert.Equal(t, 1, c.Allowed(now, types.ActionLoadBalancing, 100, cfg))
	assert.Equal(t, 2, c.Allowed(now, types.ActionNewReplicaPlacement, 100, cfg))
	assert.Equal(t, 2, c.Allowed(now, types.ActionConstraintCheck, 100, cfg))

	c.Record(now, types.ActionConstraintCheck, "p3", 4)
	assert.Equal(t, 0, c.Allowed(now, types.ActionNewReplicaPlacement, 100, cfg), "budget never goes negative")

	later := now.Add(cfg.GlobalMovementThrottleCountingInterval + time.Second)
	assert.Equal(t, 4, c.Allowed(later, types.ActionLoadBalancing, 100, cfg))
}

func TestAllowedDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.GlobalMovementThrottleThreshold = 0
	c := NewCounters(cfg)
	c.Record(now, types.ActionLoadBalancing, "p1", 1000)
	assert.Equal(t, Unlimited, c.Allowed(now, types.ActionLoadBalancing, 10, cfg))
}

func TestPerRunLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxPercentageToMove = 0.3
	cfg.MaxPercentageToMoveForPlacement = 0.1

	assert.Equal(t, 3, PerRunLimit(types.ActionLoadBalancing, 10, cfg))
	assert.Equal(t, 1, PerRunLimit(types.ActionNewReplicaPlacementWithMove, 3, cfg))
	assert.Equal(t, Unlimited, PerRunLimit(types.ActionNewReplicaPlacement, 10, cfg))
	assert.Equal(t, Unlimited, PerRunLimit(types.ActionLoadBalancing, 0, cfg))
}

func TestPartitionThrottled(t *testing.T) {
	cfg := config.Default()
	cfg.MovementPerPartitionThrottleThreshold = 2
	c := NewCounters(cfg)

	c.Record(now, types.ActionLoadBalancing, "p1", 1)
	assert.False(t, c.PartitionThrottled(now, "p1", cfg))
	c.Record(now, types.ActionConstraintCheck, "p1", 1)
	assert.True(t, c.PartitionThrottled(now, "p1", cfg))
	assert.False(t, c.PartitionThrottled(now, "p2", cfg))

	c.Prune(now.Add(cfg.MovementPerPartitionThrottleCountingInterval + time.Second))
	assert.False(t, c.PartitionThrottled(now, "p1", cfg))

	c.Record(now, types.ActionLoadBalancing, "p3", 5)
	c.Forget("p3")
	assert.False(t, c.PartitionThrottled(now, "p3", cfg))
}

func TestDomainsShareBudget(t *testing.T) {
	cfg := config.Default()
	cfg.GlobalMovementThrottleThreshold = 3
	c := NewCounters(cfg)

	// The first domain of a cycle may consume the whole budget
	first := c.Allowed(now, types.ActionLoadBalancing, 50, cfg)
	c.Record(now, types.ActionLoadBalancing, "d1-p", first)
	second := c.Allowed(now, types.ActionLoadBalancing, 50, cfg)

	assert.Equal(t, 3, first)
	assert.Equal(t, 0, second)
}
