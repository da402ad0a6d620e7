/*
Package log provides structured logging for the balancer using zerolog.

A single package-level Logger is configured once with Init and shared by every
package. Components derive child loggers with WithComponent. Records about
one service domain carry a domain_id field, from WithDomainID or an explicit
Str, so the refresh traces of one domain can be filtered out of a busy log.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	logger := log.WithComponent("plb")
	logger.Info().
		Str("domain_id", id).
		Str("action", string(types.ActionQuickLoadBalancing)).
		Int("movements", n).
		Msg("Balancing pass finished")

JSON output:

	{"level":"info","component":"plb","domain_id":"4f0c_CPU","action":"quick-load-balancing","movements":3,"time":"2026-01-12T10:30:00Z","message":"Balancing pass finished"}

Console output:

	2026-01-12T10:30:00Z INF Balancing pass finished action=quick-load-balancing component=plb domain_id=4f0c_CPU movements=3

# Assertions

Internal inconsistencies (a replica placed twice on a node, a movement for a
partition that no longer exists) are reported with Assert. In production the
condition is logged at error level and the refresh goes on; when test mode is
enabled with SetTestMode the call panics so tests fail at the point of the
inconsistency.

	log.Assert(fu.ActualReplicaDifference >= -len(fu.Replicas), "replica difference %d out of range", diff)

# Levels

  - debug: per-stage decisions, searcher iterations, throttling details
  - info: stage results, domain merges and splits, configuration changes
  - warn: dropped traces, rejected updates, health report retries
  - error: failed health reports, assertion failures
*/
package log
