package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeDescription describes a cluster machine as reported by the failover manager
type NodeDescription struct {
	NodeID        string
	IsUp          bool
	Deactivation  DeactivationIntent
	FaultDomain   []string // Hierarchical path, e.g. ["dc1", "rack2"]
	UpgradeDomain string
	Capacities    map[string]int64 // Per-metric capacity, absent means unbounded
	Properties    map[string]string
}

// DeactivationIntent describes why a node is being taken out of rotation
type DeactivationIntent string

const (
	DeactivationNone       DeactivationIntent = ""
	DeactivationPause      DeactivationIntent = "pause"
	DeactivationRestart    DeactivationIntent = "restart"
	DeactivationRemoveData DeactivationIntent = "remove-data"
	DeactivationRemoveNode DeactivationIntent = "remove-node"
)

// IsUpAndActivated reports whether the node can host new replicas
func (n NodeDescription) IsUpAndActivated() bool {
	return n.IsUp && n.Deactivation == DeactivationNone
}

// FaultDomainID returns the fault domain path joined into a single key
func (n NodeDescription) FaultDomainID() string {
	return strings.Join(n.FaultDomain, "/")
}

// NodeImages lists the container/code images already present on a node
type NodeImages struct {
	NodeID string
	Images []string
}

// ServiceDescription describes a replica set and its scheduling requirements
type ServiceDescription struct {
	Name                 string
	ApplicationName      string
	ServiceTypeName      string
	IsStateful           bool
	TargetReplicaSetSize int
	PartitionCount       int
	Metrics              []ServiceMetric
	PlacementConstraints string
	AffinitizedService   string
	AlignedAffinity      bool
	OnEveryNode          bool
	ImageName            string
	DefaultMoveCost      int
	ScalingPolicy        *ScalingPolicy
}

// HasAffinity reports whether the service is affinitized to a parent service
func (s ServiceDescription) HasAffinity() bool {
	return s.AffinitizedService != ""
}

// MetricNames returns the names of the service metrics in declaration order
func (s ServiceDescription) MetricNames() []string {
	names := make([]string, 0, len(s.Metrics))
	for _, m := range s.Metrics {
		names = append(names, m.Name)
	}
	return names
}

// ServiceMetric is a load metric reported by a service
type ServiceMetric struct {
	Name                 string
	Weight               float64
	PrimaryDefaultLoad   uint32
	SecondaryDefaultLoad uint32
	IsBuiltIn            bool
}

// Built-in metrics attached to services that declare none
const (
	MetricPrimaryCount = "PrimaryCount"
	MetricReplicaCount = "ReplicaCount"
	MetricCount        = "Count"
)

// ScalingPolicy defines how a service is scaled automatically
type ScalingPolicy struct {
	Kind           ScalingKind
	MetricName     string
	LowerThreshold float64
	UpperThreshold float64
	ScaleIncrement int
	MinCount       int
	MaxCount       int // -1 means no upper bound
	ScaleInterval  time.Duration
}

// ScalingKind selects the scaling mechanism
type ScalingKind string

const (
	// ScalingPartitionInstanceCount changes the target replica count of each partition
	ScalingPartitionInstanceCount ScalingKind = "partition-instance-count"
	// ScalingAddRemovePartitions repartitions the service through the service management client
	ScalingAddRemovePartitions ScalingKind = "add-remove-partitions"
)

// IsPartitionScaled reports whether the policy scales each partition independently
func (p *ScalingPolicy) IsPartitionScaled() bool {
	return p != nil && p.Kind == ScalingPartitionInstanceCount
}

// ServiceTypeDescription carries per service type node block lists
type ServiceTypeDescription struct {
	Name         string
	BlockedNodes []string
}

// ApplicationDescription groups services under shared capacity rules
type ApplicationDescription struct {
	Name         string
	MinimumNodes int
	MaximumNodes int // Scaleout count, 0 means unlimited
	Capacities   map[string]ApplicationCapacity
	IsUpgrading  bool
}

// HasScaleoutOrCapacity reports whether the application constrains placement
func (a ApplicationDescription) HasScaleoutOrCapacity() bool {
	return a.MaximumNodes > 0 || len(a.Capacities) > 0
}

// ApplicationCapacity limits the load an application may consume for one metric
type ApplicationCapacity struct {
	TotalCapacity       int64
	MaxInstanceCapacity int64 // Per node limit, 0 means unlimited
	ReservationCapacity int64 // Per node reservation
}

// ReplicaRole is the role of a replica within its partition
type ReplicaRole string

const (
	ReplicaRoleNone      ReplicaRole = "none"
	ReplicaRolePrimary   ReplicaRole = "primary"
	ReplicaRoleSecondary ReplicaRole = "secondary"
	ReplicaRoleStandBy   ReplicaRole = "standby"
	ReplicaRoleDropped   ReplicaRole = "dropped"
)

// ReplicaDescription is one replica of a failover unit
type ReplicaDescription struct {
	NodeID       string
	Role         ReplicaRole
	IsUp         bool
	IsInBuild    bool
	ToBeDropped  bool
	ToBePromoted bool
}

// IsLive reports whether the replica counts toward the partition size.
// Stateless instances carry ReplicaRoleNone.
func (r ReplicaDescription) IsLive() bool {
	return r.IsUp && !r.ToBeDropped &&
		r.Role != ReplicaRoleDropped && r.Role != ReplicaRoleStandBy
}

// FailoverUnitDescription is the failover manager's view of one partition
type FailoverUnitDescription struct {
	ID                   string
	ServiceName          string
	Version              int64
	Replicas             []ReplicaDescription
	TargetReplicaSetSize int
	IsDeleted            bool
	IsInTransition       bool
	IsInUpgrade          bool
}

// LiveReplicaCount counts replicas that are up and not being dropped
func (f FailoverUnitDescription) LiveReplicaCount() int {
	count := 0
	for _, r := range f.Replicas {
		if r.IsLive() {
			count++
		}
	}
	return count
}

// PrimaryNode returns the node hosting the primary, or "" when there is none
func (f FailoverUnitDescription) PrimaryNode() string {
	for _, r := range f.Replicas {
		if r.Role == ReplicaRolePrimary && r.IsUp {
			return r.NodeID
		}
	}
	return ""
}

// LoadMetric is one reported metric value
type LoadMetric struct {
	Name  string
	Value uint32
}

// LoadOrMoveCostDescription carries reported loads for one partition
type LoadOrMoveCostDescription struct {
	FailoverUnitID   string
	ServiceName      string
	IsStateful       bool
	PrimaryEntries   []LoadMetric
	SecondaryEntries []LoadMetric            // Applies to every secondary without a node specific report
	NodeEntries      map[string][]LoadMetric // Per secondary node reports
	IsReset          bool
}

// SchedulerActionType identifies the scheduler phase that produced a movement
type SchedulerActionType string

const (
	ActionNone                        SchedulerActionType = "none"
	ActionNoActionNeeded              SchedulerActionType = "no-action-needed"
	ActionSkip                        SchedulerActionType = "skip"
	ActionNewReplicaPlacement         SchedulerActionType = "new-replica-placement"
	ActionNewReplicaPlacementWithMove SchedulerActionType = "new-replica-placement-with-move"
	ActionConstraintCheck             SchedulerActionType = "constraint-check"
	ActionQuickLoadBalancing          SchedulerActionType = "quick-load-balancing"
	ActionLoadBalancing               SchedulerActionType = "load-balancing"
	ActionUpgrade                     SchedulerActionType = "upgrade"
	ActionClientAPIPromoteToPrimary   SchedulerActionType = "client-api-promote-to-primary"
	ActionClientAPIMovePrimary        SchedulerActionType = "client-api-move-primary"
	ActionClientAPIMoveSecondary      SchedulerActionType = "client-api-move-secondary"
)

// IsBalancing reports whether the action is one of the balancing passes
func (a SchedulerActionType) IsBalancing() bool {
	return a == ActionQuickLoadBalancing || a == ActionLoadBalancing
}

// IsPlacement reports whether the action is one of the placement passes
func (a SchedulerActionType) IsPlacement() bool {
	return a == ActionNewReplicaPlacement || a == ActionNewReplicaPlacementWithMove
}

// NeedsSearch reports whether the action requires running the searcher
func (a SchedulerActionType) NeedsSearch() bool {
	return a.IsPlacement() || a.IsBalancing() || a == ActionConstraintCheck
}

// FailoverUnitMovementType is the movement kind sent to the failover manager
type FailoverUnitMovementType string

const (
	MovementMovePrimary                   FailoverUnitMovementType = "move-primary"
	MovementMoveSecondary                 FailoverUnitMovementType = "move-secondary"
	MovementMoveInstance                  FailoverUnitMovementType = "move-instance"
	MovementSwapPrimarySecondary          FailoverUnitMovementType = "swap-primary-secondary"
	MovementAddPrimary                    FailoverUnitMovementType = "add-primary"
	MovementAddSecondary                  FailoverUnitMovementType = "add-secondary"
	MovementAddInstance                   FailoverUnitMovementType = "add-instance"
	MovementPromoteSecondary              FailoverUnitMovementType = "promote-secondary"
	MovementRequestedPlacementNotPossible FailoverUnitMovementType = "requested-placement-not-possible"
	MovementDropPrimary                   FailoverUnitMovementType = "drop-primary"
	MovementDropSecondary                 FailoverUnitMovementType = "drop-secondary"
	MovementDropInstance                  FailoverUnitMovementType = "drop-instance"
)

// PLBAction is one step of a failover unit movement
type PLBAction struct {
	SourceNode      string
	TargetNode      string
	Action          FailoverUnitMovementType
	SchedulerAction SchedulerActionType
}

// FailoverUnitMovement groups the actions generated for one partition
type FailoverUnitMovement struct {
	FailoverUnitID string
	ServiceName    string
	IsStateful     bool
	Version        int64
	IsInTransition bool
	Actions        []PLBAction
}

// FailoverUnitMovementTable maps partition id to its movement
type FailoverUnitMovementTable map[string]FailoverUnitMovement

// ActionCount returns the total number of actions in the table
func (t FailoverUnitMovementTable) ActionCount() int {
	count := 0
	for _, m := range t {
		count += len(m.Actions)
	}
	return count
}

// DecisionToken correlates a movement batch with the decision that produced it
type DecisionToken struct {
	DecisionID uuid.UUID
	Version    int
}

// NewDecisionToken creates a token with a fresh decision id
func NewDecisionToken() DecisionToken {
	return DecisionToken{DecisionID: uuid.New(), Version: 1}
}

// HealthState is the severity of a health report
type HealthState string

const (
	HealthStateOk      HealthState = "ok"
	HealthStateWarning HealthState = "warning"
	HealthStateError   HealthState = "error"
)

// HealthEntityKind identifies the entity a health report is about
type HealthEntityKind string

const (
	HealthEntityCluster   HealthEntityKind = "cluster"
	HealthEntityNode      HealthEntityKind = "node"
	HealthEntityService   HealthEntityKind = "service"
	HealthEntityPartition HealthEntityKind = "partition"
)

// HealthReport is a system health report produced by the balancer
type HealthReport struct {
	Kind              HealthEntityKind
	EntityID          string
	SourceID          string
	Property          string
	State             HealthState
	Description       string
	TTL               time.Duration
	RemoveWhenExpired bool
	CreatedAt         time.Time
}

// HealthSourceID is the source id used for every balancer health report
const HealthSourceID = "System.PLB"
