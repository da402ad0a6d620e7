/*
Package scheduler selects the action each service domain takes on a refresh.

A domain moves through three stages in priority order:

	placement         new replicas are waiting for a node
	constraint-check  existing replicas break hard or soft constraints
	balancing         metric load deviates across nodes beyond its threshold

Each stage has a minimum interval between runs. When a stage is needed but
its interval has not passed the scheduler returns Skip; when nothing is
needed it returns NoActionNeeded.

Balancing waits BalancingDelayAfterNodeDown after a node goes down and
BalancingDelayAfterNewNode after a node joins. A quick greedy pass runs
first; when it finds nothing the next balancing run is the slow annealing
pass. A balancing run that lowered the average deviation by less than
AvgStdDevDeltaThrottleThreshold throttles balancing until the domain
changes.

Placement preempts the later stages, but a stage that has not run for
PLBRewindInterval takes precedence so a constant stream of new replicas
cannot starve constraint checks or balancing.
*/
package scheduler
