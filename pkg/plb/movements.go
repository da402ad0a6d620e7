package plb

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/plb/pkg/events"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

// translate maps a search movement to the action sent to the failover
// manager.
func translate(p *placement.Placement, m placement.Movement, action types.SchedulerActionType) types.PLBAction {
	node := func(n int) string {
		if n < 0 {
			return ""
		}
		return p.Nodes[n].ID
	}
	out := types.PLBAction{SourceNode: node(m.Source), TargetNode: node(m.Target), SchedulerAction: action}

	switch m.Kind {
	case placement.MovementSwap:
		out.Action = types.MovementSwapPrimarySecondary
	case placement.MovementPromote:
		out.Action = types.MovementPromoteSecondary
	case placement.MovementVoid:
		out.Action = types.MovementRequestedPlacementNotPossible
	case placement.MovementAdd:
		out.Action = byRole(m.Role, types.MovementAddPrimary, types.MovementAddSecondary, types.MovementAddInstance)
	case placement.MovementMove:
		out.Action = byRole(m.Role, types.MovementMovePrimary, types.MovementMoveSecondary, types.MovementMoveInstance)
	case placement.MovementDrop:
		out.Action = byRole(m.Role, types.MovementDropPrimary, types.MovementDropSecondary, types.MovementDropInstance)
	}
	return out
}

func byRole(role types.ReplicaRole, primary, secondary, instance types.FailoverUnitMovementType) types.FailoverUnitMovementType {
	switch role {
	case types.ReplicaRolePrimary:
		return primary
	case types.ReplicaRoleNone:
		return instance
	default:
		return secondary
	}
}

// commitLocked turns the movements of one search batch into a movement
// table. Movements of failover units that changed or disappeared since the
// placement was built are discarded.
func (e *Engine) commitLocked(now time.Time, job *domainJob, moves []placement.Movement,
	overrides map[int]types.SchedulerActionType, decision types.DecisionToken) types.FailoverUnitMovementTable {
	table := make(types.FailoverUnitMovementTable)
	if len(moves) == 0 {
		return table
	}

	byPartition := make(map[int][]placement.Movement)
	var order []int
	for _, m := range moves {
		if _, ok := byPartition[m.Partition]; !ok {
			order = append(order, m.Partition)
		}
		byPartition[m.Partition] = append(byPartition[m.Partition], m)
	}
	sort.Ints(order)

	p := job.placement
	for _, pi := range order {
		part := &p.Partitions[pi]
		svc := &p.Services[part.Service]
		pm := byPartition[pi]

		action := job.action
		if a, ok := overrides[pi]; ok {
			action = a
		}

		fu, _, ok := e.table.FailoverUnit(svc.Name, part.ID)
		if !ok || fu.Desc.Version != part.Version {
			metrics.MovementsDiscardedTotal.Add(float64(len(pm)))
			e.publish(&events.Event{
				Type:           events.EventOperationDiscarded,
				Timestamp:      now,
				DecisionID:     decision.DecisionID.String(),
				DomainID:       job.id,
				FailoverUnitID: part.ID,
				ServiceName:    svc.Name,
				Action:         action,
				Message:        "failover unit changed during search",
			})
			continue
		}

		fm := types.FailoverUnitMovement{
			FailoverUnitID: part.ID,
			ServiceName:    svc.Name,
			IsStateful:     svc.IsStateful,
			Version:        part.Version,
			IsInTransition: fu.Desc.IsInTransition,
		}
		for _, m := range pm {
			a := translate(p, m, action)
			fm.Actions = append(fm.Actions, a)
			metrics.MovementsTotal.WithLabelValues(string(a.Action)).Inc()
			if m.Kind == placement.MovementAdd {
				e.diag.MarkPlaced(svc.Name, part.ID, m.Role)
			}
		}
		table[part.ID] = fm
		fu.MovedAt = now
		e.counters.Record(now, action, part.ID, len(fm.Actions))

		e.publish(&events.Event{
			Type:           events.EventOperationEmitted,
			Timestamp:      now,
			DecisionID:     decision.DecisionID.String(),
			DomainID:       job.id,
			FailoverUnitID: part.ID,
			ServiceName:    svc.Name,
			Action:         action,
			Actions:        fm.Actions,
		})
	}
	return table
}

// passMovements hands a movement table to the failover manager. It must be
// called without the model lock.
func (e *Engine) passMovements(table types.FailoverUnitMovementTable, decision types.DecisionToken) {
	if len(table) == 0 {
		return
	}
	e.logger.Debug().
		Str("decision_id", decision.DecisionID.String()).
		Int("failover_units", len(table)).
		Int("movements", table.ActionCount()).
		Msg("Passing movements to failover manager")
	e.fm.ProcessFailoverUnitMovements(table, decision)
}

// OnDroppedPLBMovement records a movement the failover manager would not
// execute. Consecutive drops of one partition raise a health warning.
func (e *Engine) OnDroppedPLBMovement(partitionID, reason string, decisionID uuid.UUID) {
	if e.closed.Load() {
		return
	}
	e.mu.RLock()
	service := e.partitions[partitionID]
	e.mu.RUnlock()
	e.dropped(e.now(), service, partitionID, reason, decisionID)
}

// OnDroppedPLBMovements records every movement of a rejected table
func (e *Engine) OnDroppedPLBMovements(dropped types.FailoverUnitMovementTable, reason string, decisionID uuid.UUID) {
	if e.closed.Load() {
		return
	}
	now := e.now()
	ids := make([]string, 0, len(dropped))
	for id := range dropped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e.dropped(now, dropped[id].ServiceName, id, reason, decisionID)
	}
}

func (e *Engine) dropped(now time.Time, service, partitionID, reason string, decisionID uuid.UUID) {
	metrics.MovementsDroppedTotal.Inc()
	e.diag.MovementDropped(now, service, partitionID)
	e.publish(&events.Event{
		Type:           events.EventMovementDropped,
		Timestamp:      now,
		DecisionID:     decisionID.String(),
		FailoverUnitID: partitionID,
		ServiceName:    service,
		Message:        reason,
		Metadata:       map[string]string{"consecutive": strconv.Itoa(e.diag.DroppedCount(partitionID))},
	})
}

// OnExecutePLBMovement records that the failover manager executed a
// movement of a partition, clearing its consecutive drop count.
func (e *Engine) OnExecutePLBMovement(partitionID string) {
	if e.closed.Load() {
		return
	}
	now := e.now()
	e.diag.MovementExecuted(now, partitionID)
	e.publish(&events.Event{
		Type:           events.EventMovementExecuted,
		Timestamp:      now,
		FailoverUnitID: partitionID,
	})
}
