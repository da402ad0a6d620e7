/*
Package health delivers balancer health reports to the cluster's health
subsystem.

The engine never waits for the health subsystem. Diagnostics hand each
refresh's reports to an AsyncReporter, which queues the batch and returns.
A single worker drains the queue, paces sends with a token bucket limiter and
retries each batch a bounded number of times with exponential backoff. A batch
that still fails is logged and forgotten; the next refresh produces fresh
reports anyway, since every report carries a TTL.

	diagnostics ──Submit──▶ [queue] ──worker──▶ rate limit ──▶ retry ──▶ Reporter
	                          │                                         │
	                          └─ full: drop                             ├─ HTTPReporter
	                                                                    └─ LogReporter

Delivery health is tracked in Status and mirrored into the component health
registry as "health_reporter".
*/
package health
