package simulator

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/plb/pkg/types"
)

// Engine is the part of the balancer the failover manager reports back to
type Engine interface {
	UpdateFailoverUnit(desc types.FailoverUnitDescription)
	OnDroppedPLBMovement(partitionID, reason string, decisionID uuid.UUID)
	OnExecutePLBMovement(partitionID string)
}

// FailoverManager executes movements in process. Every executed movement
// comes back to the engine as a failover unit update with the next
// version; a share of movements set by the drop rate is rejected instead.
type FailoverManager struct {
	mu       sync.Mutex
	engine   Engine
	units    map[string]*types.FailoverUnitDescription
	labels   map[string]string
	rng      *rand.Rand
	dropRate float64

	executed int
	dropped  int
	actions  []string
	safe     map[string]bool

	logger zerolog.Logger
}

// NewFailoverManager creates a failover manager. Attach must be called
// before movements arrive.
func NewFailoverManager(seed int64, dropRate float64, logger zerolog.Logger) *FailoverManager {
	return &FailoverManager{
		units:    make(map[string]*types.FailoverUnitDescription),
		labels:   make(map[string]string),
		rng:      rand.New(rand.NewSource(seed)),
		dropRate: dropRate,
		safe:     make(map[string]bool),
		logger:   logger,
	}
}

// Attach sets the engine that receives updates
func (f *FailoverManager) Attach(e Engine) {
	f.mu.Lock()
	f.engine = e
	f.mu.Unlock()
}

// Add registers a failover unit and reports it to the engine. label names
// the unit in action descriptions.
func (f *FailoverManager) Add(desc types.FailoverUnitDescription, label string) {
	f.mu.Lock()
	d := desc
	f.units[desc.ID] = &d
	f.labels[desc.ID] = label
	e := f.engine
	f.mu.Unlock()
	e.UpdateFailoverUnit(clone(d))
}

// NodeDown marks the replicas on a node down, as a failover manager does
// when it loses a node, and reports the changed units.
func (f *FailoverManager) NodeDown(nodeID string) {
	f.mu.Lock()
	var changed []types.FailoverUnitDescription
	for _, id := range f.sortedIDs() {
		fu := f.units[id]
		kept := fu.Replicas[:0]
		removed := false
		for _, r := range fu.Replicas {
			if r.NodeID == nodeID {
				removed = true
				continue
			}
			kept = append(kept, r)
		}
		if !removed {
			continue
		}
		fu.Replicas = kept
		promoteIfHeadless(fu)
		fu.Version++
		changed = append(changed, clone(*fu))
	}
	e := f.engine
	f.mu.Unlock()

	for _, fu := range changed {
		e.UpdateFailoverUnit(fu)
	}
}

// ProcessFailoverUnitMovements executes or drops each movement
func (f *FailoverManager) ProcessFailoverUnitMovements(table types.FailoverUnitMovementTable, token types.DecisionToken) {
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	type outcome struct {
		id      string
		reason  string
		updated *types.FailoverUnitDescription
	}
	var outcomes []outcome

	f.mu.Lock()
	for _, id := range ids {
		m := table[id]
		fu, ok := f.units[id]
		switch {
		case !ok:
			outcomes = append(outcomes, outcome{id: id, reason: "unknown failover unit"})
		case m.Version != fu.Version:
			outcomes = append(outcomes, outcome{id: id, reason: fmt.Sprintf("stale version %d, current %d", m.Version, fu.Version)})
		case f.dropRate > 0 && f.rng.Float64() < f.dropRate:
			outcomes = append(outcomes, outcome{id: id, reason: "rejected"})
		default:
			for _, a := range m.Actions {
				apply(fu, a)
				f.actions = append(f.actions, Describe(f.labels[id], a))
			}
			fu.Version++
			d := clone(*fu)
			outcomes = append(outcomes, outcome{id: id, updated: &d})
		}
	}
	for _, o := range outcomes {
		if o.updated != nil {
			f.executed++
		} else {
			f.dropped++
		}
	}
	e := f.engine
	f.mu.Unlock()

	for _, o := range outcomes {
		if o.updated == nil {
			f.logger.Debug().Str("partition_id", o.id).Str("reason", o.reason).Msg("Movement dropped")
			e.OnDroppedPLBMovement(o.id, o.reason, token.DecisionID)
			continue
		}
		e.UpdateFailoverUnit(*o.updated)
		e.OnExecutePLBMovement(o.id)
	}
}

// UpdateFailoverUnitTargetReplicaCount changes the target of a unit
func (f *FailoverManager) UpdateFailoverUnitTargetReplicaCount(partitionID string, target int) {
	f.mu.Lock()
	fu, ok := f.units[partitionID]
	if !ok {
		f.mu.Unlock()
		return
	}
	fu.TargetReplicaSetSize = target
	fu.Version++
	d := clone(*fu)
	e := f.engine
	f.mu.Unlock()
	e.UpdateFailoverUnit(d)
}

// UpdateAppUpgradePLBSafetyCheckStatus records an application reported safe
func (f *FailoverManager) UpdateAppUpgradePLBSafetyCheckStatus(application string) {
	f.mu.Lock()
	f.safe[application] = true
	f.mu.Unlock()
}

// Stats returns the executed and dropped movement counts
func (f *FailoverManager) Stats() (executed, dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executed, f.dropped
}

// Actions returns the descriptions of every executed action in order
func (f *FailoverManager) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

// Unit returns a copy of the current state of a failover unit
func (f *FailoverManager) Unit(id string) (types.FailoverUnitDescription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fu, ok := f.units[id]
	if !ok {
		return types.FailoverUnitDescription{}, false
	}
	return clone(*fu), true
}

func (f *FailoverManager) sortedIDs() []string {
	ids := make([]string, 0, len(f.units))
	for id := range f.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// apply executes one action on a unit
func apply(fu *types.FailoverUnitDescription, a types.PLBAction) {
	idx := func(node string) int {
		for i, r := range fu.Replicas {
			if r.NodeID == node {
				return i
			}
		}
		return -1
	}
	add := func(role types.ReplicaRole) {
		fu.Replicas = append(fu.Replicas, types.ReplicaDescription{NodeID: a.TargetNode, Role: role, IsUp: true})
	}

	switch a.Action {
	case types.MovementAddPrimary:
		add(types.ReplicaRolePrimary)
	case types.MovementAddSecondary:
		add(types.ReplicaRoleSecondary)
	case types.MovementAddInstance:
		add(types.ReplicaRoleNone)
	case types.MovementMovePrimary, types.MovementMoveSecondary, types.MovementMoveInstance:
		if i := idx(a.SourceNode); i >= 0 && idx(a.TargetNode) < 0 {
			fu.Replicas[i].NodeID = a.TargetNode
		}
	case types.MovementSwapPrimarySecondary:
		i, j := idx(a.SourceNode), idx(a.TargetNode)
		if i >= 0 && j >= 0 {
			fu.Replicas[i].Role, fu.Replicas[j].Role = fu.Replicas[j].Role, fu.Replicas[i].Role
		}
	case types.MovementPromoteSecondary:
		if i := idx(a.TargetNode); i >= 0 {
			for k := range fu.Replicas {
				if fu.Replicas[k].Role == types.ReplicaRolePrimary {
					fu.Replicas[k].Role = types.ReplicaRoleSecondary
				}
			}
			fu.Replicas[i].Role = types.ReplicaRolePrimary
		}
	case types.MovementDropPrimary, types.MovementDropSecondary, types.MovementDropInstance:
		if i := idx(a.SourceNode); i >= 0 {
			fu.Replicas = append(fu.Replicas[:i], fu.Replicas[i+1:]...)
		}
	}
}

// promoteIfHeadless makes the first secondary primary when a stateful unit
// lost its primary.
func promoteIfHeadless(fu *types.FailoverUnitDescription) {
	hasSecondary := false
	for _, r := range fu.Replicas {
		switch r.Role {
		case types.ReplicaRolePrimary:
			return
		case types.ReplicaRoleSecondary:
			hasSecondary = true
		}
	}
	if !hasSecondary {
		return
	}
	for i := range fu.Replicas {
		if fu.Replicas[i].Role == types.ReplicaRoleSecondary {
			fu.Replicas[i].Role = types.ReplicaRolePrimary
			return
		}
	}
}

func clone(fu types.FailoverUnitDescription) types.FailoverUnitDescription {
	fu.Replicas = append([]types.ReplicaDescription(nil), fu.Replicas...)
	return fu
}

// Describe renders an action the way operators read movement traces, e.g.
// "web/0 move secondary n1=>n2".
func Describe(unit string, a types.PLBAction) string {
	var what string
	switch a.Action {
	case types.MovementMoveInstance:
		what = fmt.Sprintf("move instance %s=>%s", a.SourceNode, a.TargetNode)
	case types.MovementMoveSecondary:
		what = fmt.Sprintf("move secondary %s=>%s", a.SourceNode, a.TargetNode)
	case types.MovementMovePrimary:
		what = fmt.Sprintf("move primary %s=>%s", a.SourceNode, a.TargetNode)
	case types.MovementSwapPrimarySecondary:
		what = fmt.Sprintf("swap primary %s<=>%s", a.SourceNode, a.TargetNode)
	case types.MovementAddPrimary:
		what = "add primary " + a.TargetNode
	case types.MovementAddSecondary:
		what = "add secondary " + a.TargetNode
	case types.MovementAddInstance:
		what = "add instance " + a.TargetNode
	case types.MovementPromoteSecondary:
		what = "promote secondary " + a.TargetNode
	case types.MovementRequestedPlacementNotPossible:
		what = "void movement on " + a.SourceNode
	case types.MovementDropPrimary:
		what = "drop primary " + a.SourceNode
	case types.MovementDropSecondary:
		what = "drop secondary " + a.SourceNode
	case types.MovementDropInstance:
		what = "drop instance " + a.SourceNode
	default:
		what = string(a.Action)
	}
	return unit + " " + what
}
