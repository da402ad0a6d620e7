/*
Package plb is the placement and load balancing engine.

The engine keeps a model of the cluster: nodes, applications, services
grouped into service domains, and failover units with their reported
loads. It decides where new replicas go, moves replicas off nodes that
break their constraints, and evens out metric load across nodes. The
failover manager executes the resulting movements.

# Updates

Node, image, failover unit and load updates are buffered and return at
once. They reach the model when ProcessPendingUpdates or Refresh drains the
buffers, in node, image, failover unit, load order. Service, application
and service type changes are applied directly and return an error when
rejected; a rejected change leaves the model untouched.

# Refresh

Refresh is one scheduling cycle:

	drain      pending updates, domain splits, finished repartitions
	scale      auto scaling policies whose interval elapsed
	select     one action per domain from its scheduler
	search     each domain that needs work, in random order
	emit       movements to the failover manager, outside the model lock
	publish    diagnostics, the snapshot, upgrade safety status

The search runs without the model lock. Updates arriving meanwhile are
buffered, and a change that invalidates the search stops it through the
searcher token. Interrupted balancing results are discarded; placement and
constraint check keep the work they completed. Movements of failover
units whose version changed during the search are discarded at commit.

A movement budget derived from the global throttles is shared by every
domain searched in the same refresh.

# Queries and triggers

ClusterLoad, NodeLoad and ApplicationLoad read the snapshot published by
the last refresh and never take the model lock. The Trigger methods
validate a client requested movement against the same snapshot and pass it
to the failover manager on success.

# Lifecycle

Start runs a ticker every ProcessPendingUpdatesInterval. Dispose stops the
ticker and in-flight work; afterwards updates are ignored and calls that
return errors return types.ErrObjectClosed.
*/
package plb
