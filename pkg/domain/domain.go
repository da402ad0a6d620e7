package domain

import (
	"sort"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/load"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/scheduler"
	"github.com/cuemby/plb/pkg/types"
)

// Service is a service as the engine models it
type Service struct {
	Desc types.ServiceDescription
	// Metrics are the effective metrics, built-in ones included
	Metrics      []types.ServiceMetric
	BlockedNodes []string
	// Application is set when the application limits scaleout or capacity
	Application string

	FailoverUnits map[string]struct{}
	// LastScaled is when auto scaling last changed the service
	LastScaled time.Time

	vertices []string
	edges    []Edge
}

// NewService creates a service with its effective metrics
func NewService(desc types.ServiceDescription, blocked []string, constrainingApp string) *Service {
	return &Service{
		Desc:          desc,
		Metrics:       load.ServiceMetrics(desc),
		BlockedNodes:  blocked,
		Application:   constrainingApp,
		FailoverUnits: make(map[string]struct{}),
	}
}

// MetricNames returns the names of the effective metrics
func (s *Service) MetricNames() []string {
	names := make([]string, 0, len(s.Metrics))
	for _, m := range s.Metrics {
		names = append(names, m.Name)
	}
	return names
}

// FailoverUnit is one partition with its load and target
type FailoverUnit struct {
	Desc  types.FailoverUnitDescription
	Loads *load.Entry
	// MovedAt is when the engine last emitted a movement for the unit
	MovedAt time.Time
}

// ReplicaDifference returns how many replicas the unit is missing, negative
// when it has too many.
func (f *FailoverUnit) ReplicaDifference() int {
	return f.Desc.TargetReplicaSetSize - f.Desc.LiveReplicaCount()
}

// Domain is a connected group of services scheduled together
type Domain struct {
	ID            string
	Services      map[string]*Service
	FailoverUnits map[string]*FailoverUnit
	// Metrics counts the services referencing each metric
	Metrics map[string]int
	// Applications counts the services of each application
	Applications map[string]int
	Scheduler    *scheduler.Scheduler
}

func newDomain(id string, cfg *config.Config, now time.Time) *Domain {
	return &Domain{
		ID:            id,
		Services:      make(map[string]*Service),
		FailoverUnits: make(map[string]*FailoverUnit),
		Metrics:       make(map[string]int),
		Applications:  make(map[string]int),
		Scheduler:     scheduler.New(cfg, now),
	}
}

// MetricNames returns the metrics of the domain, sorted
func (d *Domain) MetricNames() []string {
	out := make([]string, 0, len(d.Metrics))
	for m := range d.Metrics {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ServiceNames returns the services of the domain, sorted
func (d *Domain) ServiceNames() []string {
	out := make([]string, 0, len(d.Services))
	for s := range d.Services {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// NeedsPlacement reports whether the unit has replicas to add, drop or
// promote. Units in transition are left to the failover manager.
func (f *FailoverUnit) NeedsPlacement(stateful bool) bool {
	if f.Desc.IsInTransition {
		return false
	}
	if f.ReplicaDifference() != 0 {
		return true
	}
	return stateful && f.Desc.PrimaryNode() == "" && f.Desc.LiveReplicaCount() > 0
}

// HasNewReplicas reports whether any failover unit needs placement work
func (d *Domain) HasNewReplicas() bool {
	for _, fu := range d.FailoverUnits {
		if svc, ok := d.Services[fu.Desc.ServiceName]; ok && fu.NeedsPlacement(svc.Desc.IsStateful) {
			return true
		}
	}
	return false
}

// ExistingReplicaCount counts live replicas across the domain
func (d *Domain) ExistingReplicaCount() int {
	n := 0
	for _, fu := range d.FailoverUnits {
		n += fu.Desc.LiveReplicaCount()
	}
	return n
}

func (d *Domain) addService(s *Service) {
	d.Services[s.Desc.Name] = s
	for _, m := range s.Metrics {
		d.Metrics[m.Name]++
	}
	if app := s.Desc.ApplicationName; app != "" {
		d.Applications[app]++
	}
}

// removeService detaches a service and returns the metrics it left unused
func (d *Domain) removeService(s *Service) (unused []string) {
	delete(d.Services, s.Desc.Name)
	for _, m := range s.Metrics {
		d.Metrics[m.Name]--
		if d.Metrics[m.Name] <= 0 {
			delete(d.Metrics, m.Name)
			unused = append(unused, m.Name)
		}
	}
	if app := s.Desc.ApplicationName; app != "" {
		d.Applications[app]--
		if d.Applications[app] <= 0 {
			delete(d.Applications, app)
		}
	}
	for id := range s.FailoverUnits {
		delete(d.FailoverUnits, id)
	}
	return unused
}

// absorb moves every service and failover unit of other into d
func (d *Domain) absorb(other *Domain) {
	for _, s := range other.Services {
		d.Services[s.Desc.Name] = s
	}
	for id, fu := range other.FailoverUnits {
		d.FailoverUnits[id] = fu
	}
	for m, n := range other.Metrics {
		d.Metrics[m] += n
	}
	for a, n := range other.Applications {
		d.Applications[a] += n
	}
}

// Nodes carries the node view a placement is built from
type Nodes struct {
	Descriptions []types.NodeDescription
	Images       map[string][]string
}

// PlacementInput assembles the search input of the domain. movable reports
// whether a failover unit may be moved, applications resolves application
// descriptions by name.
func (d *Domain) PlacementInput(nodes Nodes, applications func(string) (types.ApplicationDescription, bool), movable func(*FailoverUnit) bool) placement.Input {
	in := placement.Input{DomainID: d.ID}
	for _, n := range nodes.Descriptions {
		in.Nodes = append(in.Nodes, placement.NodeInput{Desc: n, Images: nodes.Images[n.NodeID]})
	}

	apps := make([]string, 0, len(d.Applications))
	for a := range d.Applications {
		apps = append(apps, a)
	}
	sort.Strings(apps)
	for _, name := range apps {
		if app, ok := applications(name); ok {
			in.Applications = append(in.Applications, app)
		}
	}

	for _, name := range d.ServiceNames() {
		s := d.Services[name]
		in.Services = append(in.Services, placement.ServiceInput{Desc: s.Desc, Metrics: s.Metrics, BlockedNodes: s.BlockedNodes})
	}

	ids := make([]string, 0, len(d.FailoverUnits))
	for id := range d.FailoverUnits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fu := d.FailoverUnits[id]
		diff := fu.ReplicaDifference()
		if fu.Desc.IsInTransition {
			diff = 0
		}
		in.Partitions = append(in.Partitions, placement.PartitionInput{
			Desc:              fu.Desc,
			Loads:             fu.Loads,
			ReplicaDifference: diff,
			Movable:           movable(fu),
		})
	}
	return in
}
