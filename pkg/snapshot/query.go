package snapshot

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

// MetricLoad is the cluster wide state of one metric
type MetricLoad struct {
	Name                      string                    `json:"name"`
	DomainID                  string                    `json:"domainId,omitempty"`
	Action                    types.SchedulerActionType `json:"action,omitempty"`
	Load                      int64                     `json:"load"`
	Capacity                  int64                     `json:"capacity"`
	RemainingCapacity         int64                     `json:"remainingCapacity"`
	BufferedCapacity          int64                     `json:"bufferedCapacity"`
	RemainingBufferedCapacity int64                     `json:"remainingBufferedCapacity"`
	NodeBufferPercentage      float64                   `json:"nodeBufferPercentage"`
	BalancingThreshold        float64                   `json:"balancingThreshold"`
	ActivityThreshold         float64                   `json:"activityThreshold"`
	DeviationBefore           float64                   `json:"deviationBefore"`
	DeviationAfter            float64                   `json:"deviationAfter"`
	IsBalancedBefore          bool                      `json:"isBalancedBefore"`
	IsBalancedAfter           bool                      `json:"isBalancedAfter"`
	MinNodeLoad               int64                     `json:"minNodeLoad"`
	MinNodeID                 string                    `json:"minNodeId,omitempty"`
	MaxNodeLoad               int64                     `json:"maxNodeLoad"`
	MaxNodeID                 string                    `json:"maxNodeId,omitempty"`
}

// ClusterLoad answers the cluster load query
type ClusterLoad struct {
	CreatedAt string       `json:"createdAt"`
	Metrics   []MetricLoad `json:"metrics"`
}

// NodeMetricLoad is one metric on one node
type NodeMetricLoad struct {
	Name                      string `json:"name"`
	Load                      int64  `json:"load"`
	Capacity                  int64  `json:"capacity"`
	RemainingCapacity         int64  `json:"remainingCapacity"`
	BufferedCapacity          int64  `json:"bufferedCapacity"`
	RemainingBufferedCapacity int64  `json:"remainingBufferedCapacity"`
	IsCapacityViolated        bool   `json:"isCapacityViolated"`
}

// NodeLoad answers the node load query
type NodeLoad struct {
	NodeID  string           `json:"nodeId"`
	IsUp    bool             `json:"isUp"`
	Metrics []NodeMetricLoad `json:"metrics"`
}

// ApplicationMetricLoad is the usage of one metric by an application
type ApplicationMetricLoad struct {
	Name                string `json:"name"`
	Load                int64  `json:"load"`
	TotalCapacity       int64  `json:"totalCapacity"`
	MaxInstanceCapacity int64  `json:"maxInstanceCapacity"`
	ReservationCapacity int64  `json:"reservationCapacity"`
}

// ApplicationLoad answers the application load query
type ApplicationLoad struct {
	Name         string                  `json:"name"`
	MinimumNodes int                     `json:"minimumNodes"`
	MaximumNodes int                     `json:"maximumNodes"`
	NodeCount    int                     `json:"nodeCount"`
	Metrics      []ApplicationMetricLoad `json:"metrics"`
}

// ClusterLoad reports every metric known to a domain, plus metrics that
// only appear as node capacities, which report zero load.
func (s *Snapshot) ClusterLoad() ClusterLoad {
	names := make(map[string]struct{})
	for m := range s.metricDomain {
		names[m] = struct{}{}
	}
	for _, n := range s.nodes {
		for m := range n.Capacities {
			names[m] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(names))
	for m := range names {
		sorted = append(sorted, m)
	}
	sort.Strings(sorted)

	out := ClusterLoad{CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339)}
	for _, name := range sorted {
		out.Metrics = append(out.Metrics, s.metricLoad(name))
	}
	return out
}

func (s *Snapshot) metricLoad(name string) MetricLoad {
	buffer := s.cfg.BufferPercentage(name)
	ml := MetricLoad{
		Name:                 name,
		Capacity:             s.TotalCapacity(name),
		NodeBufferPercentage: buffer,
		BalancingThreshold:   s.cfg.BalancingThreshold(name),
		ActivityThreshold:    s.cfg.ActivityThreshold(name),
		IsBalancedBefore:     true,
		IsBalancedAfter:      true,
	}
	ml.BufferedCapacity = ml.Capacity
	if ml.Capacity != placement.Unbounded {
		ml.BufferedCapacity = int64(float64(ml.Capacity) * (1 - buffer))
	}

	d, ok := s.domains[s.metricDomain[name]]
	if !ok {
		ml.RemainingCapacity = ml.Capacity
		ml.RemainingBufferedCapacity = ml.BufferedCapacity
		return ml
	}
	mi, _ := d.Placement.MetricIndex(name)
	ml.DomainID = d.ID
	ml.Action = d.Action
	ml.DeviationBefore = d.Before.Deviation(mi)
	ml.DeviationAfter = d.After.Deviation(mi)
	ml.IsBalancedBefore = d.Before.IsMetricBalanced(mi)
	ml.IsBalancedAfter = d.After.IsMetricBalanced(mi)

	ml.MinNodeLoad = math.MaxInt64
	for ni, n := range d.Placement.Nodes {
		v := d.Before.NodeLoad(ni, mi)
		ml.Load += v
		if !n.Eligible {
			continue
		}
		if v < ml.MinNodeLoad {
			ml.MinNodeLoad, ml.MinNodeID = v, n.ID
		}
		if v > ml.MaxNodeLoad || ml.MaxNodeID == "" {
			ml.MaxNodeLoad, ml.MaxNodeID = v, n.ID
		}
	}
	if ml.MinNodeID == "" {
		ml.MinNodeLoad = 0
	}
	ml.RemainingCapacity = remaining(ml.Capacity, ml.Load)
	ml.RemainingBufferedCapacity = remaining(ml.BufferedCapacity, ml.Load)
	return ml
}

func remaining(capacity, load int64) int64 {
	if capacity == placement.Unbounded {
		return placement.Unbounded
	}
	if load > capacity {
		return 0
	}
	return capacity - load
}

// NodeLoad reports the load of every metric on a node
func (s *Snapshot) NodeLoad(nodeID string) (NodeLoad, error) {
	desc, ok := s.Node(nodeID)
	if !ok {
		return NodeLoad{}, fmt.Errorf("node %s: %w", nodeID, types.ErrNodeNotFound)
	}
	out := NodeLoad{NodeID: nodeID, IsUp: desc.IsUp}

	loads := make(map[string]int64)
	for _, id := range s.DomainIDs() {
		d := s.domains[id]
		ni, ok := d.Placement.NodeIndex(nodeID)
		if !ok {
			continue
		}
		for mi, m := range d.Placement.Metrics {
			loads[m.Name] += d.Before.NodeLoad(ni, mi)
		}
	}
	for m := range desc.Capacities {
		if _, ok := loads[m]; !ok {
			loads[m] = 0
		}
	}

	names := make([]string, 0, len(loads))
	for m := range loads {
		names = append(names, m)
	}
	sort.Strings(names)
	for _, name := range names {
		nl := NodeMetricLoad{Name: name, Load: loads[name], Capacity: placement.Unbounded, BufferedCapacity: placement.Unbounded}
		if c, ok := desc.Capacities[name]; ok {
			nl.Capacity = c
			nl.BufferedCapacity = int64(float64(c) * (1 - s.cfg.BufferPercentage(name)))
			nl.IsCapacityViolated = nl.Load > c
		}
		nl.RemainingCapacity = remaining(nl.Capacity, nl.Load)
		nl.RemainingBufferedCapacity = remaining(nl.BufferedCapacity, nl.Load)
		out.Metrics = append(out.Metrics, nl)
	}
	return out, nil
}

// ApplicationLoad reports the node count and metric usage of an application
func (s *Snapshot) ApplicationLoad(name string) (ApplicationLoad, error) {
	desc, ok := s.applications[name]
	if !ok {
		return ApplicationLoad{}, fmt.Errorf("application %s: %w", name, types.ErrApplicationNotFound)
	}
	out := ApplicationLoad{Name: name, MinimumNodes: desc.MinimumNodes, MaximumNodes: desc.MaximumNodes}

	loads := make(map[string]int64)
	for _, id := range s.DomainIDs() {
		d := s.domains[id]
		for ai, app := range d.Placement.Applications {
			if app.Name != name {
				continue
			}
			out.NodeCount += d.Before.ApplicationNodeCount(ai)
			for mi, m := range d.Placement.Metrics {
				if v := d.Before.ApplicationLoad(ai, mi); v > 0 {
					loads[m.Name] += v
				}
			}
		}
	}
	for m := range desc.Capacities {
		if _, ok := loads[m]; !ok {
			loads[m] = 0
		}
	}

	names := make([]string, 0, len(loads))
	for m := range loads {
		names = append(names, m)
	}
	sort.Strings(names)
	for _, m := range names {
		c := desc.Capacities[m]
		out.Metrics = append(out.Metrics, ApplicationMetricLoad{
			Name:                m,
			Load:                loads[m],
			TotalCapacity:       c.TotalCapacity,
			MaxInstanceCapacity: c.MaxInstanceCapacity,
			ReservationCapacity: c.ReservationCapacity,
		})
	}
	return out, nil
}
