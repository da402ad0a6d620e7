package scheduler

import (
	"sync"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/types"
)

// Stage is the scheduler phase a domain is in
type Stage int

const (
	StagePlacement Stage = iota
	StageConstraintCheck
	StageBalancing
)

func (s Stage) String() string {
	switch s {
	case StagePlacement:
		return "placement"
	case StageConstraintCheck:
		return "constraint-check"
	case StageBalancing:
		return "balancing"
	default:
		return "unknown"
	}
}

// State is what a domain needs at the start of a refresh
type State struct {
	HasPartitions  bool
	HasNewReplicas bool
	HasViolations  bool
	IsBalanced     bool
	// Upgrading reports any application of the domain is upgrading
	Upgrading bool
}

// Outcome is what a search for the selected action produced
type Outcome struct {
	Movements int
	Unplaced  int
	// DeviationDelta is the drop in average deviation a balancing run achieved
	DeviationDelta float64
	Interrupted    bool
}

// Scheduler selects the next action of one service domain
type Scheduler struct {
	mu  sync.Mutex
	cfg *config.Config

	stage  Stage
	action types.SchedulerActionType

	lastPlacement       time.Time
	lastConstraintCheck time.Time
	lastBalancing       time.Time
	lastNodeDown        time.Time
	lastNewNode         time.Time
	created             time.Time

	constraintCheckEnabled bool
	balancingEnabled       bool

	withMove           bool
	slowBalancing      bool
	balancingThrottled bool
}

// New creates a scheduler for a domain created at now
func New(cfg *config.Config, now time.Time) *Scheduler {
	return &Scheduler{
		cfg:                    cfg,
		action:                 types.ActionNone,
		created:                now,
		constraintCheckEnabled: true,
		balancingEnabled:       true,
	}
}

// SetConfig swaps the tunables used by later refreshes
func (s *Scheduler) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// SetMovementEnabled turns constraint check and balancing on or off
func (s *Scheduler) SetMovementEnabled(constraintCheck, balancing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constraintCheckEnabled = constraintCheck
	s.balancingEnabled = balancing
}

// MovementEnabled reports the constraint check and balancing switches
func (s *Scheduler) MovementEnabled() (constraintCheck, balancing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraintCheckEnabled, s.balancingEnabled
}

// OnNodeDown delays balancing after a node is lost
func (s *Scheduler) OnNodeDown(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastNodeDown = now
	s.balancingThrottled = false
}

// OnNewNode delays balancing after a node joins
func (s *Scheduler) OnNewNode(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastNewNode = now
	s.balancingThrottled = false
}

// OnModelChanged lifts the deviation throttle once the domain changed
func (s *Scheduler) OnModelChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balancingThrottled = false
}

// Action returns the last selected action
func (s *Scheduler) Action() types.SchedulerActionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.action
}

// Stage returns the stage of the last selected action
func (s *Scheduler) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Refresh selects the action for this refresh. Skip means work is pending
// but a minimum interval has not passed; NoActionNeeded means the domain is
// placed, valid and balanced. Constraint check and balancing preempt
// placement once they have waited longer than the rewind interval.
func (s *Scheduler) Refresh(now time.Time, st State) types.SchedulerActionType {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !st.HasPartitions {
		return s.set(StagePlacement, types.ActionNoActionNeeded)
	}

	placementDue := st.HasNewReplicas && elapsed(now, s.lastPlacement, s.cfg.MinPlacementInterval)
	checkWanted := s.constraintCheckEnabled && s.cfg.ConstraintCheckEnabled && st.HasViolations
	checkDue := checkWanted && elapsed(now, s.lastConstraintCheck, s.cfg.MinConstraintCheckInterval)
	balanceWanted := s.balancingWanted(st)
	balanceDue := balanceWanted && s.balancingDue(now)

	switch {
	case checkDue && s.starved(now, s.lastConstraintCheck):
		return s.set(StageConstraintCheck, types.ActionConstraintCheck)
	case balanceDue && s.starved(now, s.lastBalancing):
		return s.set(StageBalancing, s.balancingAction())
	case placementDue:
		if s.withMove && s.cfg.MoveExistingReplicaForPlacement {
			return s.set(StagePlacement, types.ActionNewReplicaPlacementWithMove)
		}
		return s.set(StagePlacement, types.ActionNewReplicaPlacement)
	case checkDue:
		return s.set(StageConstraintCheck, types.ActionConstraintCheck)
	case balanceDue && !st.HasNewReplicas && !checkWanted:
		return s.set(StageBalancing, s.balancingAction())
	case st.HasNewReplicas || checkWanted || balanceWanted:
		return s.set(s.stage, types.ActionSkip)
	default:
		return s.set(StagePlacement, types.ActionNoActionNeeded)
	}
}

// Complete records the outcome of the action selected by Refresh
func (s *Scheduler) Complete(now time.Time, action types.SchedulerActionType, out Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case action.IsPlacement():
		s.lastPlacement = now
		// Escalate to moving existing replicas only after a plain pass left
		// replicas unplaced; fall back once a pass with moves did not help.
		s.withMove = out.Unplaced > 0 && action == types.ActionNewReplicaPlacement
	case action == types.ActionConstraintCheck:
		s.lastConstraintCheck = now
	case action.IsBalancing():
		if out.Interrupted {
			return
		}
		s.lastBalancing = now
		s.slowBalancing = action == types.ActionQuickLoadBalancing && out.Movements == 0
		if t := s.cfg.AvgStdDevDeltaThrottleThreshold; t >= 0 && out.DeviationDelta < t {
			s.balancingThrottled = true
		}
	}
}

func (s *Scheduler) set(stage Stage, action types.SchedulerActionType) types.SchedulerActionType {
	s.stage, s.action = stage, action
	return action
}

func (s *Scheduler) balancingWanted(st State) bool {
	if !s.balancingEnabled || !s.cfg.LoadBalancingEnabled || st.IsBalanced || s.balancingThrottled {
		return false
	}
	return !st.Upgrading || s.cfg.AllowBalancingDuringApplicationUpgrade
}

func (s *Scheduler) balancingDue(now time.Time) bool {
	if !elapsed(now, s.lastBalancing, s.cfg.MinLoadBalancingInterval) {
		return false
	}
	if !s.lastNodeDown.IsZero() && now.Sub(s.lastNodeDown) < s.cfg.BalancingDelayAfterNodeDown {
		return false
	}
	return s.lastNewNode.IsZero() || now.Sub(s.lastNewNode) >= s.cfg.BalancingDelayAfterNewNode
}

func (s *Scheduler) balancingAction() types.SchedulerActionType {
	if s.slowBalancing {
		return types.ActionLoadBalancing
	}
	return types.ActionQuickLoadBalancing
}

// starved reports whether a stage last ran longer ago than the rewind interval
func (s *Scheduler) starved(now, last time.Time) bool {
	if s.cfg.PLBRewindInterval <= 0 {
		return false
	}
	if last.IsZero() {
		last = s.created
	}
	return now.Sub(last) >= s.cfg.PLBRewindInterval
}

func elapsed(now, last time.Time, min time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= min
}
