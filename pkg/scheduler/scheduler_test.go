package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/types"
	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRefresh(t *testing.T) {
	tests := []struct {
		name  string
		state State
		setup func(s *Scheduler)
		want  types.SchedulerActionType
	}{
		{
			name:  "empty domain",
			state: State{},
			want:  types.ActionNoActionNeeded,
		},
		{
			name:  "balanced and valid",
			state: State{HasPartitions: true, IsBalanced: true},
			want:  types.ActionNoActionNeeded,
		},
		{
			name:  "new replicas",
			state: State{HasPartitions: true, HasNewReplicas: true, HasViolations: true},
			want:  types.ActionNewReplicaPlacement,
		},
		{
			name:  "violations",
			state: State{HasPartitions: true, HasViolations: true},
			want:  types.ActionConstraintCheck,
		},
		{
			name:  "imbalanced",
			state: State{HasPartitions: true},
			want:  types.ActionQuickLoadBalancing,
		},
		{
			name:  "constraint check disabled",
			state: State{HasPartitions: true, HasViolations: true, IsBalanced: true},
			setup: func(s *Scheduler) { s.SetMovementEnabled(false, true) },
			want:  types.ActionNoActionNeeded,
		},
		{
			name:  "balancing disabled",
			state: State{HasPartitions: true},
			setup: func(s *Scheduler) { s.SetMovementEnabled(true, false) },
			want:  types.ActionNoActionNeeded,
		},
		{
			name:  "balancing waits after node down",
			state: State{HasPartitions: true},
			setup: func(s *Scheduler) { s.OnNodeDown(start.Add(-time.Second)) },
			want:  types.ActionSkip,
		},
		{
			name:  "balancing waits after new node",
			state: State{HasPartitions: true},
			setup: func(s *Scheduler) { s.OnNewNode(start.Add(-time.Second)) },
			want:  types.ActionSkip,
		},
		{
			name:  "no balancing during upgrade",
			state: State{HasPartitions: true, Upgrading: true},
			setup: func(s *Scheduler) {
				cfg := config.Default()
				cfg.AllowBalancingDuringApplicationUpgrade = false
				s.SetConfig(cfg)
			},
			want: types.ActionNoActionNeeded,
		},
		{
			name:  "placement interval not reached",
			state: State{HasPartitions: true, HasNewReplicas: true, IsBalanced: true},
			setup: func(s *Scheduler) {
				s.Complete(start.Add(-100*time.Millisecond), types.ActionNewReplicaPlacement, Outcome{})
			},
			want: types.ActionSkip,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(config.Default(), start)
			if tt.setup != nil {
				tt.setup(s)
			}
			assert.Equal(t, tt.want, s.Refresh(start, tt.state))
			assert.Equal(t, tt.want, s.Action())
		})
	}
}

func TestPlacementEscalatesToMove(t *testing.T) {
	cfg := config.Default()
	cfg.MoveExistingReplicaForPlacement = true
	s := New(cfg, start)
	st := State{HasPartitions: true, HasNewReplicas: true}

	assert.Equal(t, types.ActionNewReplicaPlacement, s.Refresh(start, st))
	s.Complete(start, types.ActionNewReplicaPlacement, Outcome{Unplaced: 2})

	next := start.Add(cfg.MinPlacementInterval)
	assert.Equal(t, types.ActionNewReplicaPlacementWithMove, s.Refresh(next, st))
	s.Complete(next, types.ActionNewReplicaPlacementWithMove, Outcome{Unplaced: 2})

	next = next.Add(cfg.MinPlacementInterval)
	assert.Equal(t, types.ActionNewReplicaPlacement, s.Refresh(next, st))
}

func TestQuickBalancingEscalatesToSlow(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, start)
	st := State{HasPartitions: true}

	assert.Equal(t, types.ActionQuickLoadBalancing, s.Refresh(start, st))
	s.Complete(start, types.ActionQuickLoadBalancing, Outcome{})

	assert.Equal(t, types.ActionSkip, s.Refresh(start.Add(time.Second), st), "min balancing interval")

	next := start.Add(cfg.MinLoadBalancingInterval)
	assert.Equal(t, types.ActionLoadBalancing, s.Refresh(next, st))
	assert.Equal(t, StageBalancing, s.Stage())
	s.Complete(next, types.ActionLoadBalancing, Outcome{Movements: 3})

	next = next.Add(cfg.MinLoadBalancingInterval)
	assert.Equal(t, types.ActionQuickLoadBalancing, s.Refresh(next, st))
}

func TestInterruptedBalancingDoesNotCount(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, start)
	st := State{HasPartitions: true}

	s.Refresh(start, st)
	s.Complete(start, types.ActionQuickLoadBalancing, Outcome{Interrupted: true})
	assert.Equal(t, types.ActionQuickLoadBalancing, s.Refresh(start.Add(time.Millisecond), st))
}

func TestDeviationThrottle(t *testing.T) {
	cfg := config.Default()
	cfg.AvgStdDevDeltaThrottleThreshold = 0.05
	s := New(cfg, start)
	st := State{HasPartitions: true}

	s.Refresh(start, st)
	s.Complete(start, types.ActionQuickLoadBalancing, Outcome{Movements: 1, DeviationDelta: 0.01})

	next := start.Add(cfg.MinLoadBalancingInterval)
	assert.Equal(t, types.ActionNoActionNeeded, s.Refresh(next, st))

	s.OnModelChanged()
	assert.Equal(t, types.ActionQuickLoadBalancing, s.Refresh(next, st))
}

func TestRewindPreventsStarvation(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, start)
	busy := State{HasPartitions: true, HasNewReplicas: true}

	now := start
	for i := 0; i < 3; i++ {
		assert.Equal(t, types.ActionNewReplicaPlacement, s.Refresh(now, busy))
		s.Complete(now, types.ActionNewReplicaPlacement, Outcome{})
		now = now.Add(cfg.MinPlacementInterval)
	}

	late := start.Add(cfg.PLBRewindInterval)
	assert.Equal(t, types.ActionQuickLoadBalancing, s.Refresh(late, busy), "balancing runs once it waited a rewind interval")
	s.Complete(late, types.ActionQuickLoadBalancing, Outcome{Movements: 1})

	assert.Equal(t, types.ActionNewReplicaPlacement, s.Refresh(late.Add(cfg.MinPlacementInterval), busy))

	withViolations := State{HasPartitions: true, HasNewReplicas: true, HasViolations: true}
	later := late.Add(cfg.PLBRewindInterval)
	assert.Equal(t, types.ActionConstraintCheck, s.Refresh(later, withViolations))
}

func TestPersistentViolationsDoNotStarveBalancing(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{"unfixable violations", State{HasPartitions: true, HasViolations: true}},
		{"unfixable violations and unplaceable replicas", State{HasPartitions: true, HasViolations: true, HasNewReplicas: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			s := New(cfg, start)
			step := 2 * time.Second
			refreshes := int(3 * cfg.PLBRewindInterval / step)

			balancing := 0
			for i := 0; i < refreshes; i++ {
				now := start.Add(time.Duration(i) * step)
				action := s.Refresh(now, tt.state)
				if action.IsBalancing() {
					balancing++
				}
				s.Complete(now, action, Outcome{Unplaced: 1})
			}
			assert.GreaterOrEqual(t, balancing, 2, "balancing escalates every rewind interval")
			assert.LessOrEqual(t, balancing, 3)
		})
	}
}

func TestSchedulerConcurrency(t *testing.T) {
	s := New(config.Default(), start)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := start.Add(time.Duration(i) * time.Second)
			action := s.Refresh(now, State{HasPartitions: true, HasNewReplicas: i%2 == 0})
			s.Complete(now, action, Outcome{})
			s.SetMovementEnabled(true, i%3 != 0)
		}(i)
	}
	wg.Wait()
	assert.NotEqual(t, types.ActionNone, s.Action())
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "placement", StagePlacement.String())
	assert.Equal(t, "constraint-check", StageConstraintCheck.String())
	assert.Equal(t, "balancing", StageBalancing.String())
}
