package snapshot

import (
	"sort"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

// Domain is the frozen view of one service domain after a refresh. Before
// is the reported state the search started from, After the state the
// emitted movements lead to.
type Domain struct {
	ID        string
	Action    types.SchedulerActionType
	Placement *placement.Placement
	Before    *placement.Solution
	After     *placement.Solution
}

// NewDomain freezes a placement. A nil after means no movement was emitted.
func NewDomain(action types.SchedulerActionType, p *placement.Placement, after *placement.Solution) *Domain {
	before := placement.NewSolution(p)
	if after == nil {
		after = before
	}
	return &Domain{ID: p.DomainID, Action: action, Placement: p, Before: before, After: after}
}

// Snapshot is an immutable view of the cluster. It is read by queries and
// trigger validation without holding the model lock.
type Snapshot struct {
	CreatedAt time.Time

	cfg          *config.Config
	nodes        []types.NodeDescription
	nodeIndex    map[string]int
	applications map[string]types.ApplicationDescription
	domains      map[string]*Domain

	metricDomain    map[string]string
	serviceDomain   map[string]string
	partitionDomain map[string]string
}

// New builds a snapshot. Ownership of the domains passes to the snapshot.
func New(now time.Time, cfg *config.Config, nodes []types.NodeDescription, apps []types.ApplicationDescription, domains []*Domain) *Snapshot {
	s := &Snapshot{
		CreatedAt:       now,
		cfg:             cfg,
		nodes:           append([]types.NodeDescription(nil), nodes...),
		nodeIndex:       make(map[string]int, len(nodes)),
		applications:    make(map[string]types.ApplicationDescription, len(apps)),
		domains:         make(map[string]*Domain, len(domains)),
		metricDomain:    make(map[string]string),
		serviceDomain:   make(map[string]string),
		partitionDomain: make(map[string]string),
	}
	sort.Slice(s.nodes, func(i, j int) bool { return s.nodes[i].NodeID < s.nodes[j].NodeID })
	for i, n := range s.nodes {
		s.nodeIndex[n.NodeID] = i
	}
	for _, a := range apps {
		s.applications[a.Name] = a
	}
	for _, d := range domains {
		s.domains[d.ID] = d
		for _, m := range d.Placement.Metrics {
			s.metricDomain[m.Name] = d.ID
		}
		for _, svc := range d.Placement.Services {
			s.serviceDomain[svc.Name] = d.ID
		}
		for _, part := range d.Placement.Partitions {
			s.partitionDomain[part.ID] = d.ID
		}
	}
	return s
}

// Empty returns a snapshot with no nodes or domains
func Empty(now time.Time, cfg *config.Config) *Snapshot {
	return New(now, cfg, nil, nil, nil)
}

// Domain returns a frozen domain by id
func (s *Snapshot) Domain(id string) (*Domain, bool) {
	d, ok := s.domains[id]
	return d, ok
}

// DomainIDs returns the ids of every frozen domain, sorted
func (s *Snapshot) DomainIDs() []string {
	out := make([]string, 0, len(s.domains))
	for id := range s.domains {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PartitionDomain returns the domain holding a partition
func (s *Snapshot) PartitionDomain(partitionID string) (*Domain, bool) {
	id, ok := s.partitionDomain[partitionID]
	if !ok {
		return nil, false
	}
	return s.Domain(id)
}

// PartitionVersion returns the failover unit version a partition was
// frozen at
func (s *Snapshot) PartitionVersion(partitionID string) (int64, bool) {
	d, ok := s.PartitionDomain(partitionID)
	if !ok {
		return 0, false
	}
	i, ok := d.Placement.PartitionIndex(partitionID)
	if !ok {
		return 0, false
	}
	return d.Placement.Partitions[i].Version, true
}

// ServiceDomain returns the domain holding a service
func (s *Snapshot) ServiceDomain(service string) (*Domain, bool) {
	id, ok := s.serviceDomain[service]
	if !ok {
		return nil, false
	}
	return s.Domain(id)
}

// Node returns a node description by id
func (s *Snapshot) Node(id string) (types.NodeDescription, bool) {
	i, ok := s.nodeIndex[id]
	if !ok {
		return types.NodeDescription{}, false
	}
	return s.nodes[i], true
}

// TotalCapacity returns the capacity of a metric summed over up and
// activated nodes. It is 0 without nodes and Unbounded when one of those
// nodes declares no capacity for the metric.
func TotalCapacity(nodes []types.NodeDescription, metric string) int64 {
	if len(nodes) == 0 {
		return 0
	}
	var total int64
	for _, n := range nodes {
		if !n.IsUpAndActivated() {
			continue
		}
		c, ok := n.Capacities[metric]
		if !ok {
			return placement.Unbounded
		}
		total += c
	}
	return total
}

// TotalCapacity returns the cluster capacity of a metric
func (s *Snapshot) TotalCapacity(metric string) int64 {
	return TotalCapacity(s.nodes, metric)
}
