/*
Package events carries balancer trace events off the refresh path.

Every movement batch the engine hands to the failover manager is also traced:
which decision produced it, which domain and stage, and the individual
actions. Tracing must never slow down scheduling, so Publish only enqueues into
a bounded channel and a single worker goroutine delivers events to sinks and
subscribers.

	refresh loop ──Publish──▶ [ bounded queue ] ──worker──▶ sinks (trace store)
	     │                          │                   └──▶ subscribers
	     └── never blocks           └── full: drop + plb_trace_events_dropped_total

Event types:

  - operation.emitted: a movement was passed to the failover manager
  - operation.discarded: a movement was dropped because the failover unit changed
  - movement.dropped: the failover manager reported a movement as dropped
  - movement.executed: the failover manager executed a movement
  - refresh.completed: one refresh finished, with stage and movement counts

Sink errors are logged and never retried. Stop drains the queue before the
worker exits.
*/
package events
