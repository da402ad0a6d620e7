package simulator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/plb/pkg/types"
)

// Scenario describes a cluster and the refresh cycles to run on it
type Scenario struct {
	Name      string        `yaml:"name"`
	Seed      int64         `yaml:"seed"`
	Refreshes int           `yaml:"refreshes"`
	Step      time.Duration `yaml:"step"`
	// DropRate is the probability that the failover manager rejects a
	// movement, between 0 and 1
	DropRate float64 `yaml:"dropRate"`

	Nodes        []NodeSpec        `yaml:"nodes"`
	Applications []ApplicationSpec `yaml:"applications,omitempty"`
	Services     []ServiceSpec     `yaml:"services"`
	Events       []EventSpec       `yaml:"events,omitempty"`
}

// NodeSpec is one node. FaultDomain is a path such as "/dc1/rack2".
type NodeSpec struct {
	ID            string            `yaml:"id"`
	FaultDomain   string            `yaml:"faultDomain,omitempty"`
	UpgradeDomain string            `yaml:"upgradeDomain,omitempty"`
	Capacities    map[string]int64  `yaml:"capacities,omitempty"`
	Properties    map[string]string `yaml:"properties,omitempty"`
	Down          bool              `yaml:"down,omitempty"`
}

// ApplicationSpec limits the nodes and capacity an application may use
type ApplicationSpec struct {
	Name         string                        `yaml:"name"`
	MinimumNodes int                           `yaml:"minimumNodes,omitempty"`
	MaximumNodes int                           `yaml:"maximumNodes,omitempty"`
	Capacities   map[string]ApplicationCapSpec `yaml:"capacities,omitempty"`
}

// ApplicationCapSpec is the capacity of one application metric
type ApplicationCapSpec struct {
	Total       int64 `yaml:"total"`
	PerNode     int64 `yaml:"perNode,omitempty"`
	Reservation int64 `yaml:"reservation,omitempty"`
}

// MetricSpec is one service metric with its default loads
type MetricSpec struct {
	Name          string  `yaml:"name"`
	Weight        float64 `yaml:"weight,omitempty"`
	PrimaryLoad   uint32  `yaml:"primaryLoad,omitempty"`
	SecondaryLoad uint32  `yaml:"secondaryLoad,omitempty"`
}

// ServiceSpec is a service and the partitions created for it
type ServiceSpec struct {
	Name        string       `yaml:"name"`
	Application string       `yaml:"application,omitempty"`
	Stateful    bool         `yaml:"stateful,omitempty"`
	Replicas    int          `yaml:"replicas"`
	Partitions  int          `yaml:"partitions,omitempty"`
	Metrics     []MetricSpec `yaml:"metrics,omitempty"`
	Constraints string       `yaml:"constraints,omitempty"`
	Affinity    string       `yaml:"affinity,omitempty"`
	OnEveryNode bool         `yaml:"onEveryNode,omitempty"`
}

// LoadSpec is a load report for one partition of a service
type LoadSpec struct {
	Service   string `yaml:"service"`
	Partition int    `yaml:"partition"`
	Metric    string `yaml:"metric"`
	Primary   uint32 `yaml:"primary"`
	Secondary uint32 `yaml:"secondary"`
}

// EventSpec changes the cluster before the refresh with index At
type EventSpec struct {
	At       int        `yaml:"at"`
	NodeDown string     `yaml:"nodeDown,omitempty"`
	NodeUp   string     `yaml:"nodeUp,omitempty"`
	Loads    []LoadSpec `yaml:"loads,omitempty"`
}

// LoadScenario reads a YAML scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario, filling defaults
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) applyDefaults() {
	if sc.Refreshes == 0 {
		sc.Refreshes = 10
	}
	if sc.Step == 0 {
		sc.Step = 5 * time.Second
	}
	for i := range sc.Services {
		if sc.Services[i].Partitions == 0 {
			sc.Services[i].Partitions = 1
		}
	}
}

// Validate reports every problem of the scenario at once
func (sc *Scenario) Validate() error {
	var err error
	if sc.Refreshes < 0 {
		err = multierr.Append(err, fmt.Errorf("refreshes must not be negative"))
	}
	if sc.Step < 0 {
		err = multierr.Append(err, fmt.Errorf("step must not be negative"))
	}
	if sc.DropRate < 0 || sc.DropRate > 1 {
		err = multierr.Append(err, fmt.Errorf("dropRate %v is outside [0, 1]", sc.DropRate))
	}

	nodes := make(map[string]bool, len(sc.Nodes))
	for _, n := range sc.Nodes {
		if n.ID == "" {
			err = multierr.Append(err, fmt.Errorf("node without id"))
			continue
		}
		if nodes[n.ID] {
			err = multierr.Append(err, fmt.Errorf("duplicate node %s", n.ID))
		}
		nodes[n.ID] = true
	}

	services := make(map[string]ServiceSpec, len(sc.Services))
	for _, s := range sc.Services {
		switch {
		case s.Name == "":
			err = multierr.Append(err, fmt.Errorf("service without name"))
			continue
		case s.Replicas <= 0 && !s.OnEveryNode:
			err = multierr.Append(err, fmt.Errorf("service %s: replicas must be positive", s.Name))
		case s.Partitions < 0:
			err = multierr.Append(err, fmt.Errorf("service %s: partitions must not be negative", s.Name))
		}
		if _, dup := services[s.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("duplicate service %s", s.Name))
		}
		services[s.Name] = s
	}

	for _, ev := range sc.Events {
		if ev.At < 0 || ev.At >= sc.Refreshes {
			err = multierr.Append(err, fmt.Errorf("event at %d is outside the %d refreshes", ev.At, sc.Refreshes))
		}
		for _, id := range []string{ev.NodeDown, ev.NodeUp} {
			if id != "" && !nodes[id] {
				err = multierr.Append(err, fmt.Errorf("event at %d: unknown node %s", ev.At, id))
			}
		}
		for _, l := range ev.Loads {
			s, ok := services[l.Service]
			if !ok {
				err = multierr.Append(err, fmt.Errorf("event at %d: unknown service %s", ev.At, l.Service))
				continue
			}
			if l.Partition < 0 || l.Partition >= s.Partitions {
				err = multierr.Append(err, fmt.Errorf("event at %d: service %s has no partition %d", ev.At, l.Service, l.Partition))
			}
		}
	}
	return err
}

func (n NodeSpec) description() types.NodeDescription {
	var fd []string
	for _, part := range strings.Split(strings.Trim(n.FaultDomain, "/"), "/") {
		if part != "" {
			fd = append(fd, part)
		}
	}
	return types.NodeDescription{
		NodeID:        n.ID,
		IsUp:          !n.Down,
		FaultDomain:   fd,
		UpgradeDomain: n.UpgradeDomain,
		Capacities:    n.Capacities,
		Properties:    n.Properties,
	}
}

func (a ApplicationSpec) description() types.ApplicationDescription {
	desc := types.ApplicationDescription{
		Name:         a.Name,
		MinimumNodes: a.MinimumNodes,
		MaximumNodes: a.MaximumNodes,
	}
	if len(a.Capacities) > 0 {
		desc.Capacities = make(map[string]types.ApplicationCapacity, len(a.Capacities))
		for metric, c := range a.Capacities {
			desc.Capacities[metric] = types.ApplicationCapacity{
				TotalCapacity:       c.Total,
				MaxInstanceCapacity: c.PerNode,
				ReservationCapacity: c.Reservation,
			}
		}
	}
	return desc
}

func (s ServiceSpec) description() types.ServiceDescription {
	desc := types.ServiceDescription{
		Name:                 s.Name,
		ApplicationName:      s.Application,
		IsStateful:           s.Stateful,
		TargetReplicaSetSize: s.Replicas,
		PartitionCount:       s.Partitions,
		PlacementConstraints: s.Constraints,
		AffinitizedService:   s.Affinity,
		OnEveryNode:          s.OnEveryNode,
	}
	for _, m := range s.Metrics {
		weight := m.Weight
		if weight == 0 {
			weight = 1
		}
		desc.Metrics = append(desc.Metrics, types.ServiceMetric{
			Name:                 m.Name,
			Weight:               weight,
			PrimaryDefaultLoad:   m.PrimaryLoad,
			SecondaryDefaultLoad: m.SecondaryLoad,
		})
	}
	return desc
}
