package plb

import (
	"context"

	"github.com/cuemby/plb/pkg/types"
)

// FailoverManager is the orchestrator that executes movements. Calls are
// made without the model lock held, so implementations may call back into
// the engine.
type FailoverManager interface {
	ProcessFailoverUnitMovements(movements types.FailoverUnitMovementTable, token types.DecisionToken)
	UpdateFailoverUnitTargetReplicaCount(partitionID string, target int)
	UpdateAppUpgradePLBSafetyCheckStatus(application string)
}

// ServiceManagementClient changes service descriptions on behalf of auto
// scaling. UpdateService may block; the engine calls it from its own
// goroutine with a deadline.
type ServiceManagementClient interface {
	UpdateService(ctx context.Context, service string, partitionCount int) error
}

type nopFailoverManager struct{}

func (nopFailoverManager) ProcessFailoverUnitMovements(types.FailoverUnitMovementTable, types.DecisionToken) {
}
func (nopFailoverManager) UpdateFailoverUnitTargetReplicaCount(string, int) {}
func (nopFailoverManager) UpdateAppUpgradePLBSafetyCheckStatus(string)       {}
