package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/types"
)

// Table partitions services into domains and tracks which domain owns each
// metric, service and constraining application.
type Table struct {
	cfg    *config.Config
	graph  *MetricGraph
	logger zerolog.Logger

	domains       map[string]*Domain
	metricDomain  map[string]string
	serviceDomain map[string]string
	appDomain     map[string]string
	// children maps a parent service to the services affinitized to it
	children map[string]map[string]struct{}

	pendingSplits map[string]struct{}
}

// NewTable creates an empty domain table
func NewTable(cfg *config.Config) *Table {
	return &Table{
		cfg:           cfg,
		graph:         NewMetricGraph(),
		logger:        log.WithComponent("domain"),
		domains:       make(map[string]*Domain),
		metricDomain:  make(map[string]string),
		serviceDomain: make(map[string]string),
		appDomain:     make(map[string]string),
		children:      make(map[string]map[string]struct{}),
		pendingSplits: make(map[string]struct{}),
	}
}

// SetConfig swaps the configuration of the table and its schedulers
func (t *Table) SetConfig(cfg *config.Config) {
	t.cfg = cfg
	for _, d := range t.domains {
		d.Scheduler.SetConfig(cfg)
	}
}

// Graph returns the metric connection graph
func (t *Table) Graph() *MetricGraph {
	return t.graph
}

// Len returns the number of domains
func (t *Table) Len() int {
	return len(t.domains)
}

// Domain returns a domain by id
func (t *Table) Domain(id string) (*Domain, bool) {
	d, ok := t.domains[id]
	return d, ok
}

// Domains returns every domain sorted by id
func (t *Table) Domains() []*Domain {
	out := make([]*Domain, 0, len(t.domains))
	for _, d := range t.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MetricDomain returns the domain owning a metric
func (t *Table) MetricDomain(metric string) (string, bool) {
	id, ok := t.metricDomain[metric]
	return id, ok
}

// ApplicationDomain returns the domain owning a constraining application
func (t *Table) ApplicationDomain(app string) (string, bool) {
	id, ok := t.appDomain[app]
	return id, ok
}

// Service returns a service and its domain
func (t *Table) Service(name string) (*Service, *Domain, bool) {
	id, ok := t.serviceDomain[name]
	if !ok {
		return nil, nil, false
	}
	d := t.domains[id]
	return d.Services[name], d, true
}

// Children returns the services affinitized to a parent, sorted
func (t *Table) Children(parent string) []string {
	out := make([]string, 0, len(t.children[parent]))
	for c := range t.children[parent] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// CheckAffinity rejects affinity chains: a child's parent may not itself be
// a child, and a service with children may not get a parent.
func (t *Table) CheckAffinity(desc types.ServiceDescription) error {
	parent := desc.AffinitizedService
	if parent == "" || parent == desc.Name {
		return nil
	}
	if p, _, ok := t.Service(parent); ok && p.Desc.HasAffinity() && p.Desc.AffinitizedService != parent {
		return fmt.Errorf("service %s: parent %s is affinitized to %s: %w",
			desc.Name, parent, p.Desc.AffinitizedService, types.ErrServiceAffinityChainNotSupported)
	}
	for c := range t.children[desc.Name] {
		if c != desc.Name {
			return fmt.Errorf("service %s has child %s and cannot have a parent: %w",
				desc.Name, c, types.ErrServiceAffinityChainNotSupported)
		}
	}
	return nil
}

// AddService places a service into the domain its metrics, affinity and
// application connect it to, merging domains it joins. It returns the
// owning domain.
func (t *Table) AddService(now time.Time, s *Service) *Domain {
	return t.addService(now, s, true)
}

func (t *Table) addService(now time.Time, s *Service, updateGraph bool) *Domain {
	name := s.Desc.Name
	parent := s.Desc.AffinitizedService
	if parent == name {
		parent = ""
	}

	if updateGraph {
		s.vertices, s.edges = ServiceEdges(name, s.MetricNames(), parent, s.Application)
		for _, v := range s.vertices {
			t.graph.AddVertex(v)
		}
		for _, e := range s.edges {
			t.graph.AddEdge(e)
		}
	}
	if parent != "" {
		if t.children[parent] == nil {
			t.children[parent] = make(map[string]struct{})
		}
		t.children[parent][name] = struct{}{}
	}

	joined := make(map[string]struct{})
	for _, m := range s.Metrics {
		if id, ok := t.metricDomain[m.Name]; ok {
			joined[id] = struct{}{}
		}
	}
	if parent != "" {
		if id, ok := t.serviceDomain[parent]; ok {
			joined[id] = struct{}{}
		}
	}
	for child := range t.children[name] {
		if id, ok := t.serviceDomain[child]; ok {
			joined[id] = struct{}{}
		}
	}
	if s.Application != "" {
		if id, ok := t.appDomain[s.Application]; ok {
			joined[id] = struct{}{}
		}
	}

	var d *Domain
	switch len(joined) {
	case 0:
		d = newDomain(t.newDomainID(s), t.cfg, now)
		t.domains[d.ID] = d
		t.logger.Debug().Str("domain_id", d.ID).Str("service", name).Msg("Domain created")
	case 1:
		for id := range joined {
			d = t.domains[id]
		}
	default:
		ids := make([]string, 0, len(joined))
		for id := range joined {
			ids = append(ids, id)
		}
		d = t.merge(ids)
	}

	d.addService(s)
	t.serviceDomain[name] = d.ID
	for _, m := range s.Metrics {
		t.metricDomain[m.Name] = d.ID
	}
	if s.Application != "" {
		t.appDomain[s.Application] = d.ID
	}
	return d
}

func (t *Table) newDomainID(s *Service) string {
	names := s.MetricNames()
	sort.Strings(names)
	return fmt.Sprintf("%s-%s", names[0], uuid.NewString()[:8])
}

// merge folds the listed domains into the one with the most services
func (t *Table) merge(ids []string) *Domain {
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.domains[ids[i]], t.domains[ids[j]]
		if len(a.Services) != len(b.Services) {
			return len(a.Services) > len(b.Services)
		}
		return a.ID < b.ID
	})
	into := t.domains[ids[0]]
	for _, id := range ids[1:] {
		from := t.domains[id]
		into.absorb(from)
		for name := range from.Services {
			t.serviceDomain[name] = into.ID
		}
		for m := range from.Metrics {
			t.metricDomain[m] = into.ID
		}
		for app, owner := range t.appDomain {
			if owner == id {
				t.appDomain[app] = into.ID
			}
		}
		delete(t.domains, id)
		delete(t.pendingSplits, id)
		t.logger.Info().Str("domain_id", into.ID).Str("merged", id).Msg("Domains merged")
	}
	into.Scheduler.OnModelChanged()
	return into
}

// RemoveService takes a service and its failover units out of its domain.
// A domain left without services is deleted. When splitting is enabled and
// the remaining metrics are no longer connected, a split is queued.
func (t *Table) RemoveService(name string) (*Service, []*FailoverUnit, bool) {
	s, d, ok := t.Service(name)
	if !ok {
		return nil, nil, false
	}
	fus := make([]*FailoverUnit, 0, len(s.FailoverUnits))
	for id := range s.FailoverUnits {
		if fu, ok := d.FailoverUnits[id]; ok {
			fus = append(fus, fu)
		}
	}
	sort.Slice(fus, func(i, j int) bool { return fus[i].Desc.ID < fus[j].Desc.ID })

	t.detach(s, d, true)
	if len(d.Services) == 0 {
		t.deleteDomain(d.ID)
	} else if t.cfg.SplitDomainEnabled && !t.graph.AreMetricsConnected(d.MetricNames()) {
		t.pendingSplits[d.ID] = struct{}{}
	}
	return s, fus, true
}

func (t *Table) detach(s *Service, d *Domain, updateGraph bool) {
	name := s.Desc.Name
	for _, m := range d.removeService(s) {
		if t.metricDomain[m] == d.ID {
			delete(t.metricDomain, m)
		}
	}
	delete(t.serviceDomain, name)
	if parent := s.Desc.AffinitizedService; parent != "" && parent != name {
		delete(t.children[parent], name)
		if len(t.children[parent]) == 0 {
			delete(t.children, parent)
		}
	}
	if app := s.Application; app != "" && t.appDomain[app] == d.ID {
		still := false
		for _, other := range d.Services {
			if other.Application == app {
				still = true
				break
			}
		}
		if !still {
			delete(t.appDomain, app)
		}
	}
	if updateGraph {
		for _, e := range s.edges {
			t.graph.RemoveEdge(e)
		}
		for _, v := range s.vertices {
			t.graph.RemoveVertex(v)
		}
	}
}

func (t *Table) deleteDomain(id string) {
	d, ok := t.domains[id]
	if !ok {
		return
	}
	for m := range d.Metrics {
		if t.metricDomain[m] == id {
			delete(t.metricDomain, m)
		}
	}
	delete(t.domains, id)
	delete(t.pendingSplits, id)
	t.logger.Debug().Str("domain_id", id).Msg("Domain deleted")
}

// AddFailoverUnit attaches a failover unit to the domain of its service
func (t *Table) AddFailoverUnit(fu *FailoverUnit) (*Domain, error) {
	s, d, ok := t.Service(fu.Desc.ServiceName)
	if !ok {
		return nil, fmt.Errorf("failover unit %s: %w", fu.Desc.ID, types.ErrServiceNotFound)
	}
	s.FailoverUnits[fu.Desc.ID] = struct{}{}
	d.FailoverUnits[fu.Desc.ID] = fu
	return d, nil
}

// RemoveFailoverUnit detaches a failover unit
func (t *Table) RemoveFailoverUnit(service, id string) (*FailoverUnit, bool) {
	s, d, ok := t.Service(service)
	if !ok {
		return nil, false
	}
	fu, ok := d.FailoverUnits[id]
	if !ok {
		return nil, false
	}
	delete(d.FailoverUnits, id)
	delete(s.FailoverUnits, id)
	return fu, true
}

// FailoverUnit looks a failover unit up through its service
func (t *Table) FailoverUnit(service, id string) (*FailoverUnit, *Domain, bool) {
	_, d, ok := t.Service(service)
	if !ok {
		return nil, nil, false
	}
	fu, ok := d.FailoverUnits[id]
	return fu, d, ok
}

// PendingSplits returns the domains queued for splitting, sorted
func (t *Table) PendingSplits() []string {
	out := make([]string, 0, len(t.pendingSplits))
	for id := range t.pendingSplits {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ProcessSplits executes queued splits of domains that are still
// disconnected and returns the ids of the domains they produced.
func (t *Table) ProcessSplits(now time.Time) []string {
	var created []string
	for _, id := range t.PendingSplits() {
		delete(t.pendingSplits, id)
		d, ok := t.domains[id]
		if !ok || t.graph.AreMetricsConnected(d.MetricNames()) {
			continue
		}
		created = append(created, t.Split(now, id)...)
	}
	return created
}

// Split tears a domain down and re-inserts every service with its failover
// units, letting the metric graph redistribute them. The graph is left
// untouched. Every resulting domain is internally connected.
func (t *Table) Split(now time.Time, id string) []string {
	d, ok := t.domains[id]
	if !ok {
		return nil
	}
	type entry struct {
		s   *Service
		fus []*FailoverUnit
	}
	var entries []entry
	for _, name := range d.ServiceNames() {
		s := d.Services[name]
		e := entry{s: s}
		for fid := range s.FailoverUnits {
			if fu, ok := d.FailoverUnits[fid]; ok {
				e.fus = append(e.fus, fu)
			}
		}
		entries = append(entries, e)
	}
	for _, e := range entries {
		t.detach(e.s, d, false)
	}
	t.deleteDomain(id)

	result := make(map[string]struct{})
	for _, e := range entries {
		nd := t.addService(now, e.s, false)
		for _, fu := range e.fus {
			nd.FailoverUnits[fu.Desc.ID] = fu
		}
		result[nd.ID] = struct{}{}
	}

	out := make([]string, 0, len(result))
	for rid := range result {
		out = append(out, rid)
	}
	sort.Strings(out)
	t.logger.Info().Str("domain_id", id).Strs("domains", out).Msg("Domain split")
	return out
}

// Check verifies the table invariants: every metric of a service maps to
// the service's domain, and with splitting enabled every domain's metrics
// are connected.
func (t *Table) Check() error {
	var err error
	for _, d := range t.domains {
		if len(d.Services) == 0 {
			err = multierr.Append(err, fmt.Errorf("domain %s has no services", d.ID))
		}
		for name, s := range d.Services {
			if t.serviceDomain[name] != d.ID {
				err = multierr.Append(err, fmt.Errorf("service %s maps to %s, lives in %s", name, t.serviceDomain[name], d.ID))
			}
			for _, m := range s.Metrics {
				if t.metricDomain[m.Name] != d.ID {
					err = multierr.Append(err, fmt.Errorf("metric %s of service %s maps to %q, not %s", m.Name, name, t.metricDomain[m.Name], d.ID))
				}
			}
		}
		if t.cfg.SplitDomainEnabled && len(t.pendingSplits) == 0 && !t.graph.AreMetricsConnected(d.MetricNames()) {
			err = multierr.Append(err, fmt.Errorf("domain %s metrics are not connected", d.ID))
		}
	}
	for m, id := range t.metricDomain {
		if d, ok := t.domains[id]; !ok || d.Metrics[m] == 0 {
			err = multierr.Append(err, fmt.Errorf("metric %s maps to stale domain %s", m, id))
		}
	}
	return err
}
