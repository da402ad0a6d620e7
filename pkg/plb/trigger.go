package plb

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/cuemby/plb/pkg/events"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/snapshot"
	"github.com/cuemby/plb/pkg/types"
)

// TriggerPromoteToPrimary makes the replica on newPrimary the primary of a
// partition. An empty newPrimary picks a random secondary that may become
// primary. force skips constraint validation.
func (e *Engine) TriggerPromoteToPrimary(service, partitionID, newPrimary string, force bool) error {
	return e.trigger(service, partitionID, types.ActionClientAPIPromoteToPrimary,
		func(c *snapshot.Checker, stateful bool) (types.PLBAction, error) {
			if !stateful {
				return types.PLBAction{}, fmt.Errorf("partition %s is stateless: %w", partitionID, types.ErrInvalidReplicaOperation)
			}
			target, err := chooseTarget(newPrimary, func(n string) error { return c.CheckPromote(partitionID, n, force) },
				func() ([]string, error) { return secondaries(c, partitionID) })
			if err != nil {
				return types.PLBAction{}, err
			}
			if primary, ok := c.Primary(partitionID); ok {
				return types.PLBAction{SourceNode: primary, TargetNode: target, Action: types.MovementSwapPrimarySecondary}, nil
			}
			return types.PLBAction{TargetNode: target, Action: types.MovementPromoteSecondary}, nil
		})
}

// TriggerSwapPrimary moves the primary on currentPrimary to newPrimary. A
// secondary on newPrimary swaps roles with the primary, otherwise the
// primary moves. An empty newPrimary picks a random valid node.
func (e *Engine) TriggerSwapPrimary(service, partitionID, currentPrimary, newPrimary string, force bool) error {
	return e.trigger(service, partitionID, types.ActionClientAPIMovePrimary,
		func(c *snapshot.Checker, stateful bool) (types.PLBAction, error) {
			role, err := c.Replica(partitionID, currentPrimary)
			if err != nil {
				return types.PLBAction{}, err
			}
			if !stateful || role != types.ReplicaRolePrimary {
				return types.PLBAction{}, fmt.Errorf("partition %s has no primary on %s: %w",
					partitionID, currentPrimary, types.ErrInvalidReplicaOperation)
			}

			swap := func(n string) bool {
				r, err := c.Replica(partitionID, n)
				return err == nil && r == types.ReplicaRoleSecondary
			}
			target, err := chooseTarget(newPrimary,
				func(n string) error {
					if swap(n) {
						return c.CheckPromote(partitionID, n, force)
					}
					return c.CheckMove(partitionID, currentPrimary, n, force)
				},
				func() ([]string, error) {
					out, err := secondaries(c, partitionID)
					if err != nil {
						return nil, err
					}
					targets, err := c.Targets(partitionID, currentPrimary)
					return append(out, targets...), err
				})
			if err != nil {
				return types.PLBAction{}, err
			}
			action := types.MovementMovePrimary
			if swap(target) {
				action = types.MovementSwapPrimarySecondary
			}
			return types.PLBAction{SourceNode: currentPrimary, TargetNode: target, Action: action}, nil
		})
}

// TriggerMoveSecondary moves the secondary or instance on current to
// newSecondary. An empty newSecondary picks a random valid node.
func (e *Engine) TriggerMoveSecondary(service, partitionID, current, newSecondary string, force bool) error {
	return e.trigger(service, partitionID, types.ActionClientAPIMoveSecondary,
		func(c *snapshot.Checker, stateful bool) (types.PLBAction, error) {
			role, err := c.Replica(partitionID, current)
			if err != nil {
				return types.PLBAction{}, err
			}
			action := types.MovementMoveSecondary
			switch {
			case !stateful:
				action = types.MovementMoveInstance
			case role != types.ReplicaRoleSecondary:
				return types.PLBAction{}, fmt.Errorf("partition %s has no secondary on %s: %w",
					partitionID, current, types.ErrInvalidReplicaOperation)
			}
			target, err := chooseTarget(newSecondary,
				func(n string) error { return c.CheckMove(partitionID, current, n, force) },
				func() ([]string, error) { return c.Targets(partitionID, current) })
			if err != nil {
				return types.PLBAction{}, err
			}
			return types.PLBAction{SourceNode: current, TargetNode: target, Action: action}, nil
		})
}

// chooseTarget validates a requested node, or picks a random node among
// the candidates that pass validation when none was requested.
func chooseTarget(requested string, check func(string) error, candidates func() ([]string, error)) (string, error) {
	if requested != "" {
		return requested, check(requested)
	}
	nodes, err := candidates()
	if err != nil {
		return "", err
	}
	valid := nodes[:0]
	for _, n := range nodes {
		if check(n) == nil {
			valid = append(valid, n)
		}
	}
	if len(valid) == 0 {
		return "", types.ErrConstraintNotSatisfied
	}
	return valid[rand.IntN(len(valid))], nil
}

// secondaries lists the nodes holding a secondary of a partition
func secondaries(c *snapshot.Checker, partitionID string) ([]string, error) {
	nodes, err := c.Nodes(partitionID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range nodes {
		if r, err := c.Replica(partitionID, n); err == nil && r == types.ReplicaRoleSecondary {
			out = append(out, n)
		}
	}
	return out, nil
}

// trigger validates a client requested movement against the latest
// snapshot and hands it to the failover manager.
func (e *Engine) trigger(service, partitionID string, schedulerAction types.SchedulerActionType,
	build func(c *snapshot.Checker, stateful bool) (types.PLBAction, error)) error {
	if e.closed.Load() {
		return types.ErrObjectClosed
	}

	e.mu.RLock()
	fu, _, ok := e.table.FailoverUnit(service, partitionID)
	var (
		version      int64
		inTransition bool
		stateful     bool
	)
	if ok {
		version, inTransition = fu.Desc.Version, fu.Desc.IsInTransition
		if svc, _, found := e.table.Service(service); found {
			stateful = svc.Desc.IsStateful
		}
	}
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("partition %s of service %s: %w", partitionID, service, types.ErrFailoverUnitNotFound)
	}
	if inTransition {
		return fmt.Errorf("partition %s is in transition: %w", partitionID, types.ErrPLBNotReady)
	}

	snap := e.Snapshot()
	checker, err := snap.Checker(partitionID, e.cache)
	if errors.Is(err, types.ErrFailoverUnitNotFound) {
		return fmt.Errorf("partition %s is not refreshed yet: %w", partitionID, types.ErrPLBNotReady)
	}
	if err != nil {
		return err
	}
	if v, ok := snap.PartitionVersion(partitionID); !ok || v != version {
		return fmt.Errorf("partition %s changed since the last refresh: %w", partitionID, types.ErrPLBNotReady)
	}

	action, err := build(checker, stateful)
	if err != nil {
		return err
	}
	action.SchedulerAction = schedulerAction

	now := e.now()
	e.mu.Lock()
	fu, _, ok = e.table.FailoverUnit(service, partitionID)
	if !ok || fu.Desc.Version != version {
		e.mu.Unlock()
		return fmt.Errorf("partition %s changed during validation: %w", partitionID, types.ErrPLBNotReady)
	}
	fu.MovedAt = now
	movement := types.FailoverUnitMovement{
		FailoverUnitID: partitionID,
		ServiceName:    service,
		IsStateful:     stateful,
		Version:        version,
		IsInTransition: fu.Desc.IsInTransition,
		Actions:        []types.PLBAction{action},
	}
	e.mu.Unlock()

	e.StopSearcher()
	decision := types.NewDecisionToken()
	metrics.MovementsTotal.WithLabelValues(string(action.Action)).Inc()
	e.publish(&events.Event{
		Type:           events.EventOperationEmitted,
		Timestamp:      now,
		DecisionID:     decision.DecisionID.String(),
		FailoverUnitID: partitionID,
		ServiceName:    service,
		Action:         schedulerAction,
		Actions:        movement.Actions,
	})
	e.logger.Info().
		Str("partition_id", partitionID).
		Str("action", string(action.Action)).
		Str("source", action.SourceNode).
		Str("target", action.TargetNode).
		Msg("Client requested movement")
	e.fm.ProcessFailoverUnitMovements(types.FailoverUnitMovementTable{partitionID: movement}, decision)
	return nil
}
