package load

import (
	"time"

	"github.com/cuemby/plb/pkg/types"
)

// Entry holds the loads of one failover unit: per metric primary and
// secondary stats plus secondary overrides for individual nodes.
type Entry struct {
	Metrics   []string
	Primary   []Stats
	Secondary []Stats
	PerNode   map[string][]Stats
}

// NewEntry builds an entry seeded with the service default loads
func NewEntry(metrics []types.ServiceMetric, now time.Time) *Entry {
	e := &Entry{
		Metrics:   make([]string, len(metrics)),
		Primary:   make([]Stats, len(metrics)),
		Secondary: make([]Stats, len(metrics)),
		PerNode:   make(map[string][]Stats),
	}
	for i, m := range metrics {
		e.Metrics[i] = m.Name
		e.Primary[i] = NewStats(m.PrimaryDefaultLoad, now)
		e.Secondary[i] = NewStats(m.SecondaryDefaultLoad, now)
	}
	return e
}

// Rebase builds an entry for a new metric list, keeping reported values of
// metrics present in both lists.
func (e *Entry) Rebase(metrics []types.ServiceMetric, now time.Time) *Entry {
	next := NewEntry(metrics, now)
	if e == nil {
		return next
	}
	for i, name := range next.Metrics {
		j := e.index(name)
		if j < 0 {
			continue
		}
		if e.Primary[j].IsReported() {
			next.Primary[i] = e.Primary[j]
		}
		if e.Secondary[j].IsReported() {
			next.Secondary[i] = e.Secondary[j]
		}
	}
	for node, stats := range e.PerNode {
		perNode := append([]Stats(nil), next.Secondary...)
		for i, name := range next.Metrics {
			if j := e.index(name); j >= 0 && stats[j].IsReported() {
				perNode[i] = stats[j]
			}
		}
		next.PerNode[node] = perNode
	}
	return next
}

func (e *Entry) index(metric string) int {
	for i, name := range e.Metrics {
		if name == metric {
			return i
		}
	}
	return -1
}

// Apply records a load report. Unknown metric names are ignored and counted
// in the returned value.
func (e *Entry) Apply(desc types.LoadOrMoveCostDescription, defaults []types.ServiceMetric, now time.Time, decay Decay, separateSecondary bool) int {
	if desc.IsReset {
		reset := NewEntry(defaults, now)
		*e = *reset
		return 0
	}

	unknown := 0
	for _, lm := range desc.PrimaryEntries {
		if i := e.index(lm.Name); i >= 0 {
			e.Primary[i].Update(lm.Value, now, decay)
		} else {
			unknown++
		}
	}
	for _, lm := range desc.SecondaryEntries {
		if i := e.index(lm.Name); i >= 0 {
			e.Secondary[i].Update(lm.Value, now, decay)
		} else {
			unknown++
		}
	}
	if !separateSecondary {
		return unknown
	}
	for node, entries := range desc.NodeEntries {
		stats, ok := e.PerNode[node]
		if !ok {
			stats = append([]Stats(nil), e.Secondary...)
			e.PerNode[node] = stats
		}
		for _, lm := range entries {
			if i := e.index(lm.Name); i >= 0 {
				stats[i].Update(lm.Value, now, decay)
			} else {
				unknown++
			}
		}
	}
	return unknown
}

// PrimaryLoad returns the primary load of a metric
func (e *Entry) PrimaryLoad(metric string) uint32 {
	if i := e.index(metric); i >= 0 {
		return e.Primary[i].Value()
	}
	return 0
}

// SecondaryLoad returns the secondary load of a metric on a node, using the
// node specific report when one exists.
func (e *Entry) SecondaryLoad(metric, node string) uint32 {
	i := e.index(metric)
	if i < 0 {
		return 0
	}
	if stats, ok := e.PerNode[node]; ok {
		return stats[i].Value()
	}
	return e.Secondary[i].Value()
}

// Load returns the load of a metric for a replica in the given role
func (e *Entry) Load(metric string, role types.ReplicaRole, node string) uint32 {
	if role == types.ReplicaRolePrimary {
		return e.PrimaryLoad(metric)
	}
	return e.SecondaryLoad(metric, node)
}

// ForgetNode drops the node specific secondary load, e.g. after the replica
// moved away.
func (e *Entry) ForgetNode(node string) {
	delete(e.PerNode, node)
}
