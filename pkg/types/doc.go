/*
Package types defines the data model shared by every part of the placement and
load balancing engine.

The types in this package are plain structs and string-typed enums. They carry
no behaviour beyond small derived accessors, so they can be copied freely
between the update feeds, the in-memory model and the movement tables handed
to the failover manager.

# Update Feeds

The failover manager and the management surface describe the cluster through
four kinds of descriptions:

  - NodeDescription: a machine, its fault/upgrade domain, capacities and
    properties used in placement constraint expressions
  - ServiceDescription: a replica set, its metrics with default loads,
    placement constraint, affinity, application and scaling policy
  - FailoverUnitDescription: one partition with its replicas and version
  - LoadOrMoveCostDescription: reported loads for a partition

ApplicationDescription and ServiceTypeDescription complete the model with
application capacity/scaleout rules and per service type node block lists.

# Movements

The engine's output is a FailoverUnitMovementTable: for each partition, the
list of PLBAction steps (add, move, swap, promote, drop, or "requested
placement not possible") tagged with the SchedulerActionType that produced
them. Each table is passed along with a DecisionToken so traces and dropped
movement notifications can be correlated with the decision.

	┌──────────────┐   updates    ┌──────────────┐  movements   ┌──────────────┐
	│   Failover   │ ───────────▶ │   Balancer   │ ───────────▶ │   Failover   │
	│   Manager    │              │    engine    │  + token     │   Manager    │
	└──────────────┘              └──────┬───────┘              └──────────────┘
	                                     │ health reports
	                                     ▼
	                              ┌──────────────┐
	                              │    Health    │
	                              │   reporter   │
	                              └──────────────┘

# Errors

Direct-apply and trigger APIs return the sentinel errors defined in errors.go,
wrapped with context. Callers match them with errors.Is:

	if err := engine.UpdateService(desc, false); errors.Is(err, types.ErrInsufficientClusterCapacity) {
		// reject the create request
	}

# Health Reports

HealthReport mirrors the shape of a system health report: entity kind and id,
property, state, description and TTL. Reports are always sourced from
HealthSourceID.
*/
package types
