package types

import "errors"

// Errors returned synchronously by the balancer's direct-apply and trigger APIs
var (
	ErrObjectClosed                     = errors.New("object closed")
	ErrServiceNotFound                  = errors.New("service not found")
	ErrApplicationNotFound              = errors.New("application not found")
	ErrApplicationDeleted               = errors.New("application was deleted")
	ErrInsufficientClusterCapacity      = errors.New("insufficient cluster capacity")
	ErrServiceAffinityChainNotSupported = errors.New("service affinity chain not supported")
	ErrConstraintKeyUndefined           = errors.New("placement constraint key undefined")
	ErrInvalidServiceScalingPolicy      = errors.New("invalid service scaling policy")
	ErrFailoverUnitNotFound             = errors.New("failover unit not found")
	ErrPLBNotReady                      = errors.New("balancer is not ready")
	ErrNodeNotFound                     = errors.New("node not found")
	ErrReplicaDoesNotExist              = errors.New("replica does not exist")
	ErrAlreadyPrimaryReplica            = errors.New("replica is already primary")
	ErrAlreadySecondaryReplica          = errors.New("replica already exists on target node")
	ErrConstraintNotSatisfied           = errors.New("constraint not satisfied")
	ErrInvalidReplicaOperation          = errors.New("invalid replica operation")
)
