/*
Package constraint decides which nodes a replica may occupy.

Every constraint is a Kind with a pure filter function in a dispatch table.
A filter receives a candidate (a replica and the role it would have), the
evaluation Context (placement, solution, validation cache) and a node set,
and returns the nodes it eliminates:

	ReplicaExclusionStatic   down or deactivated nodes, blocked nodes of the service type
	ReplicaExclusionDynamic  nodes already hosting a replica of the partition
	PlacementConstraint      nodes whose properties fail the service expression
	NodeCapacity             nodes the replica's load would push over capacity
	Affinity                 nodes without a replica of the parent service
	FaultDomain              fault domains already holding their share of replicas
	UpgradeDomain            upgrade domains already holding their share of replicas
	PreferredLocation        nodes other than where a lost replica used to live
	ScaleoutCount            nodes outside an application's scaleout set
	ApplicationCapacity      nodes breaking an application's total or per node capacity
	Throttling               nodes with too many replicas in build

The Checker orders enabled constraints by configured priority. Priority 0 is
hard, positive priorities are soft and only narrow the candidate set while
it stays non-empty, negative priorities disable a constraint.

Placement constraint expressions support ==, !=, <, <=, >, >=, &&, || and !
over node properties plus the implicit NodeName, FaultDomain and
UpgradeDomain. Comparisons are numeric when both sides are numbers.
*/
package constraint
