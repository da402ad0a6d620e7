/*
Package diagnostics turns persistent balancer failures into health reports.

Four tables are tracked, each behind its own lock:

	placement   consecutive failed placements per (service, partition, role)
	violations  constraint violations the constraint check could not fix
	upgrade     upgrading partitions whose primary could not be swapped away
	dropped     consecutive movements the failover manager rejected

The placement, violation and upgrade tables warn on every refresh once
their counter reaches the configured limit, adding node details from the
detailed limit on. Dropped movements warn once per crossing. Reports queue per property and leave in one batch per refresh
through Flush. Placements that succeed and services or partitions that are
deleted are queued with MarkPlaced, ServiceDeleted and PartitionDeleted and
removed by Cleanup.
*/
package diagnostics
