/*
Package simulator replays a YAML scenario against the engine.

A scenario names nodes, applications and services with their partition
counts, then runs a fixed number of refreshes on a simulated clock that
advances by Step between refreshes. Events change the cluster before a
given refresh: a node goes down or comes back, or partitions report new
loads.

	seed: 7
	refreshes: 6
	nodes:
	  - {id: n1, faultDomain: /dc1/r1, capacities: {CPU: 100}}
	  - {id: n2, faultDomain: /dc1/r2, capacities: {CPU: 100}}
	services:
	  - name: web
	    replicas: 2
	    metrics: [{name: CPU, primaryLoad: 10}]
	events:
	  - at: 3
	    nodeDown: n2

Movements go to an in-process FailoverManager. It applies each action to
its copy of the failover unit, bumps the version and reports the unit back
to the engine, the way the real failover manager acknowledges work. A
movement whose version is stale is dropped, and DropRate rejects a random
share of the rest, so drop accounting can be exercised too.

The Report lists every executed action in the trace format

	web/0 add instance n1
	db/0 move secondary n1=>n3
	db/0 swap primary n1<=>n2

followed by the final metric loads and replica sets.
*/
package simulator
