/*
Package storage persists balancer traces in BoltDB.

The cluster model itself is never stored: it lives in memory and is rebuilt
from the failover manager's update feeds. What is stored here is the decision
history, so an operator can answer "why did this partition move at 03:12?"
after the fact.

# Layout

	plb-traces.db
	├── movements   operation.emitted / discarded, movement.dropped / executed
	└── refreshes   refresh.completed summaries

Keys are an 8 byte big endian Unix nanosecond timestamp followed by the record
id, values are JSON encoded TraceRecord. Time ordered keys make both range
queries (ListOptions.Since) and retention (Prune) a single cursor walk.

# Usage

BoltTraceStore implements events.Sink, so it is usually registered on the
trace broker rather than called directly:

	store, err := storage.NewBoltTraceStore("/var/lib/plb")
	if err != nil {
		return err
	}
	broker.AddSink(store)

	// periodically
	store.Prune(time.Now().Add(-24 * time.Hour))
*/
package storage
