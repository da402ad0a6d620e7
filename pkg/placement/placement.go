package placement

import (
	"sort"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/load"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/types"
)

// Unbounded marks a node capacity that was not declared
const Unbounded int64 = -1

// Node is a node as seen by one search
type Node struct {
	Index         int
	ID            string
	IsUp          bool
	Eligible      bool
	Deactivation  types.DeactivationIntent
	FaultDomain   int
	UpgradeDomain int
	Properties    map[string]string
	Images        map[string]struct{}
	InBuild       int

	// Per placement metric, Unbounded when absent
	Capacity []int64
	Buffered []int64
}

// HasImage reports whether an image is already present on the node
func (n *Node) HasImage(image string) bool {
	_, ok := n.Images[image]
	return ok
}

// Metric is a load metric of the domain
type Metric struct {
	Index              int
	Name               string
	Weight             float64
	BalancingThreshold float64
	ActivityThreshold  float64
	BufferPercentage   float64
	// Normalized is set when every eligible node declares a capacity so
	// loads are compared as utilization.
	Normalized         bool
}

// Service is a service of the domain
type Service struct {
	Index       int
	Name        string
	Application int
	IsStateful  bool
	Target      int
	Metrics     []int
	Constraint  string
	Parent      int
	Aligned     bool
	OnEveryNode bool
	Image       string
	Blocked     map[int]struct{}
	Partitions  []int
	MoveCost    int
	Children    []int
}

// Partition is one failover unit
type Partition struct {
	Index          int
	ID             string
	Service        int
	Version        int64
	Target         int
	Replicas       []int
	InTransition   bool
	InUpgrade      bool
	Movable        bool
	NeedsPromotion bool
	DropCount      int
	PreferredNodes []int

	primary   []uint32
	secondary []uint32
	perNode   map[int][]uint32
}

// Replica is an existing or a to-be-created replica
type Replica struct {
	Index     int
	Partition int
	Node      int
	Role      types.ReplicaRole
	IsNew     bool
	InBuild   bool
	Movable   bool
}

// Application groups services under scaleout and capacity limits
type Application struct {
	Index      int
	Name       string
	Scaleout   int
	Capacities map[int]types.ApplicationCapacity
	Services   []int
}

// Placement is the immutable input of one search over a domain
type Placement struct {
	DomainID     string
	Nodes        []Node
	Metrics      []Metric
	Services     []Service
	Partitions   []Partition
	Replicas     []Replica
	Applications []Application

	NewReplicas    []int
	Eligible       []int
	FaultDomains   []string
	UpgradeDomains []string

	SwapCost          float64
	QuorumFaultDomain bool
	QuorumUpgrade     bool
	ExistingReplicas  int

	nodeIndex      map[string]int
	metricIndex    map[string]int
	serviceIndex   map[string]int
	partitionIndex map[string]int
}

// NodeInput is a node with the images it already holds
type NodeInput struct {
	Desc   types.NodeDescription
	Images []string
}

// ServiceInput is a service with its effective metric list
type ServiceInput struct {
	Desc         types.ServiceDescription
	Metrics      []types.ServiceMetric
	BlockedNodes []string
}

// PartitionInput is a failover unit with its loads. ReplicaDifference is the
// number of replicas to add, or to drop when negative.
type PartitionInput struct {
	Desc              types.FailoverUnitDescription
	Loads             *load.Entry
	ReplicaDifference int
	Movable           bool
}

// Input collects everything a placement is built from
type Input struct {
	DomainID     string
	Nodes        []NodeInput
	Applications []types.ApplicationDescription
	Services     []ServiceInput
	Partitions   []PartitionInput
}

// Build creates the placement of one domain
func Build(in Input, cfg *config.Config) *Placement {
	p := &Placement{
		DomainID:          in.DomainID,
		SwapCost:          cfg.SwapCost,
		QuorumFaultDomain: cfg.QuorumBasedReplicaDistributionPerFaultDomains,
		QuorumUpgrade:     cfg.QuorumBasedReplicaDistributionPerUpgradeDomains,
		nodeIndex:         make(map[string]int),
		metricIndex:       make(map[string]int),
		serviceIndex:      make(map[string]int),
		partitionIndex:    make(map[string]int),
	}

	p.buildMetrics(in.Services, cfg)
	p.buildNodes(in.Nodes, cfg)
	p.buildApplications(in.Applications)
	p.buildServices(in.Services)
	for _, part := range in.Partitions {
		p.addPartition(part, cfg)
	}
	return p
}

func (p *Placement) buildMetrics(services []ServiceInput, cfg *config.Config) {
	weights := make(map[string][]float64)
	var names []string
	for _, svc := range services {
		for _, m := range svc.Metrics {
			if _, ok := weights[m.Name]; !ok {
				names = append(names, m.Name)
			}
			weights[m.Name] = append(weights[m.Name], m.Weight)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sum := 0.0
		for _, w := range weights[name] {
			sum += w
		}
		avg := sum / float64(len(weights[name]))
		p.metricIndex[name] = len(p.Metrics)
		p.Metrics = append(p.Metrics, Metric{
			Index:              len(p.Metrics),
			Name:               name,
			Weight:             cfg.MetricWeight(name) * avg,
			BalancingThreshold: cfg.BalancingThreshold(name),
			ActivityThreshold:  cfg.ActivityThreshold(name),
			BufferPercentage:   cfg.BufferPercentage(name),
		})
	}
}

func (p *Placement) buildNodes(nodes []NodeInput, cfg *config.Config) {
	sorted := append([]NodeInput(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Desc.NodeID < sorted[j].Desc.NodeID })

	fdIndex := make(map[string]int)
	udIndex := make(map[string]int)
	for _, in := range sorted {
		desc := in.Desc
		fd := desc.FaultDomainID()
		if _, ok := fdIndex[fd]; !ok {
			fdIndex[fd] = len(p.FaultDomains)
			p.FaultDomains = append(p.FaultDomains, fd)
		}
		if _, ok := udIndex[desc.UpgradeDomain]; !ok {
			udIndex[desc.UpgradeDomain] = len(p.UpgradeDomains)
			p.UpgradeDomains = append(p.UpgradeDomains, desc.UpgradeDomain)
		}

		props := make(map[string]string, len(desc.Properties)+3)
		for k, v := range desc.Properties {
			props[k] = v
		}
		props["NodeName"] = desc.NodeID
		props["FaultDomain"] = fd
		props["UpgradeDomain"] = desc.UpgradeDomain

		images := make(map[string]struct{}, len(in.Images))
		for _, img := range in.Images {
			images[img] = struct{}{}
		}

		n := Node{
			Index:         len(p.Nodes),
			ID:            desc.NodeID,
			IsUp:          desc.IsUp,
			Eligible:      desc.IsUpAndActivated(),
			Deactivation:  desc.Deactivation,
			FaultDomain:   fdIndex[fd],
			UpgradeDomain: udIndex[desc.UpgradeDomain],
			Properties:    props,
			Images:        images,
			Capacity:      make([]int64, len(p.Metrics)),
			Buffered:      make([]int64, len(p.Metrics)),
		}
		for i, m := range p.Metrics {
			c, ok := desc.Capacities[m.Name]
			if !ok {
				n.Capacity[i] = Unbounded
				n.Buffered[i] = Unbounded
				continue
			}
			n.Capacity[i] = c
			n.Buffered[i] = int64(float64(c) * (1 - cfg.BufferPercentage(m.Name)))
		}

		p.nodeIndex[n.ID] = n.Index
		if n.Eligible {
			p.Eligible = append(p.Eligible, n.Index)
		}
		p.Nodes = append(p.Nodes, n)
	}

	for i := range p.Metrics {
		normalized := len(p.Eligible) > 0
		for _, ni := range p.Eligible {
			if p.Nodes[ni].Capacity[i] <= 0 {
				normalized = false
				break
			}
		}
		p.Metrics[i].Normalized = normalized
	}
}

func (p *Placement) buildApplications(apps []types.ApplicationDescription) {
	for _, desc := range apps {
		app := Application{
			Index:      len(p.Applications),
			Name:       desc.Name,
			Scaleout:   desc.MaximumNodes,
			Capacities: make(map[int]types.ApplicationCapacity),
		}
		for name, c := range desc.Capacities {
			if mi, ok := p.metricIndex[name]; ok {
				app.Capacities[mi] = c
			}
		}
		p.Applications = append(p.Applications, app)
	}
}

func (p *Placement) buildServices(services []ServiceInput) {
	appIndex := make(map[string]int, len(p.Applications))
	for _, a := range p.Applications {
		appIndex[a.Name] = a.Index
	}

	for _, in := range services {
		desc := in.Desc
		svc := Service{
			Index:       len(p.Services),
			Name:        desc.Name,
			Application: -1,
			IsStateful:  desc.IsStateful,
			Target:      desc.TargetReplicaSetSize,
			Metrics:     make([]int, len(in.Metrics)),
			Constraint:  desc.PlacementConstraints,
			Parent:      -1,
			Aligned:     desc.AlignedAffinity,
			OnEveryNode: desc.OnEveryNode,
			Image:       desc.ImageName,
			Blocked:     make(map[int]struct{}),
			MoveCost:    desc.DefaultMoveCost,
		}
		for i, m := range in.Metrics {
			svc.Metrics[i] = p.metricIndex[m.Name]
		}
		if ai, ok := appIndex[desc.ApplicationName]; ok {
			svc.Application = ai
			p.Applications[ai].Services = append(p.Applications[ai].Services, svc.Index)
		}
		for _, id := range in.BlockedNodes {
			if ni, ok := p.nodeIndex[id]; ok {
				svc.Blocked[ni] = struct{}{}
			}
		}
		p.serviceIndex[svc.Name] = svc.Index
		p.Services = append(p.Services, svc)
	}

	for i, in := range services {
		if !in.Desc.HasAffinity() {
			continue
		}
		if parent, ok := p.serviceIndex[in.Desc.AffinitizedService]; ok {
			p.Services[i].Parent = parent
			p.Services[parent].Children = append(p.Services[parent].Children, i)
		}
	}
}

func (p *Placement) addPartition(in PartitionInput, cfg *config.Config) {
	desc := in.Desc
	si, ok := p.serviceIndex[desc.ServiceName]
	if !ok {
		log.Assert(false, "partition %s references service %s outside domain %s", desc.ID, desc.ServiceName, p.DomainID)
		return
	}
	svc := &p.Services[si]

	part := Partition{
		Index:        len(p.Partitions),
		ID:           desc.ID,
		Service:      si,
		Version:      desc.Version,
		Target:       desc.TargetReplicaSetSize,
		InTransition: desc.IsInTransition,
		InUpgrade:    desc.IsInUpgrade,
		Movable:      in.Movable && !desc.IsInTransition,
		primary:      make([]uint32, len(svc.Metrics)),
		secondary:    make([]uint32, len(svc.Metrics)),
		perNode:      make(map[int][]uint32),
	}
	if in.Loads != nil {
		for pos, mi := range svc.Metrics {
			name := p.Metrics[mi].Name
			part.primary[pos] = in.Loads.PrimaryLoad(name)
			part.secondary[pos] = in.Loads.SecondaryLoad(name, "")
		}
		for nodeID := range in.Loads.PerNode {
			ni, ok := p.nodeIndex[nodeID]
			if !ok {
				continue
			}
			loads := make([]uint32, len(svc.Metrics))
			for pos, mi := range svc.Metrics {
				loads[pos] = in.Loads.SecondaryLoad(p.Metrics[mi].Name, nodeID)
			}
			part.perNode[ni] = loads
		}
	}
	p.partitionIndex[part.ID] = part.Index
	p.Partitions = append(p.Partitions, part)
	pp := &p.Partitions[part.Index]
	svc.Partitions = append(svc.Partitions, part.Index)

	hasPrimary, hasSecondary := false, false
	for _, rd := range desc.Replicas {
		ni, known := p.nodeIndex[rd.NodeID]
		if !known || rd.ToBeDropped || rd.Role == types.ReplicaRoleDropped || rd.Role == types.ReplicaRoleStandBy {
			continue
		}
		if !rd.IsUp {
			if cfg.PreferExistingReplicaLocations {
				pp.PreferredNodes = append(pp.PreferredNodes, ni)
			}
			continue
		}
		role := rd.Role
		if !svc.IsStateful {
			role = types.ReplicaRoleNone
		}
		hasPrimary = hasPrimary || role == types.ReplicaRolePrimary
		hasSecondary = hasSecondary || role == types.ReplicaRoleSecondary
		if rd.IsInBuild {
			p.Nodes[ni].InBuild++
		}
		p.addReplica(pp, Replica{
			Node:    ni,
			Role:    role,
			InBuild: rd.IsInBuild,
			Movable: pp.Movable && !rd.IsInBuild && p.Nodes[ni].IsUp,
		})
		p.ExistingReplicas++
	}

	switch {
	case in.ReplicaDifference > 0:
		add := in.ReplicaDifference
		if svc.IsStateful && !hasPrimary && hasSecondary && !desc.IsInTransition {
			pp.NeedsPromotion = true
		}
		for i := 0; i < add; i++ {
			role := types.ReplicaRoleNone
			if svc.IsStateful {
				role = types.ReplicaRoleSecondary
				if i == 0 && !hasPrimary && !hasSecondary {
					role = types.ReplicaRolePrimary
				}
			}
			r := p.addReplica(pp, Replica{Node: -1, Role: role, IsNew: true, Movable: true})
			p.NewReplicas = append(p.NewReplicas, r)
		}
	case in.ReplicaDifference < 0:
		pp.DropCount = -in.ReplicaDifference
	default:
		if svc.IsStateful && !hasPrimary && hasSecondary && !desc.IsInTransition {
			pp.NeedsPromotion = true
		}
	}
}

func (p *Placement) addReplica(part *Partition, r Replica) int {
	r.Index = len(p.Replicas)
	r.Partition = part.Index
	p.Replicas = append(p.Replicas, r)
	part.Replicas = append(part.Replicas, r.Index)
	return r.Index
}

// NodeIndex returns the handle of a node id
func (p *Placement) NodeIndex(id string) (int, bool) {
	i, ok := p.nodeIndex[id]
	return i, ok
}

// MetricIndex returns the handle of a metric name
func (p *Placement) MetricIndex(name string) (int, bool) {
	i, ok := p.metricIndex[name]
	return i, ok
}

// ServiceIndex returns the handle of a service name
func (p *Placement) ServiceIndex(name string) (int, bool) {
	i, ok := p.serviceIndex[name]
	return i, ok
}

// PartitionIndex returns the handle of a partition id
func (p *Placement) PartitionIndex(id string) (int, bool) {
	i, ok := p.partitionIndex[id]
	return i, ok
}

// ServiceOf returns the service owning a replica
func (p *Placement) ServiceOf(r int) *Service {
	return &p.Services[p.Partitions[p.Replicas[r].Partition].Service]
}

// ReplicaLoad returns the load a replica of a partition puts on a node in a
// role, for one position of the service metric list. Stateless instances
// carry the primary load.
func (p *Placement) ReplicaLoad(partition int, role types.ReplicaRole, node int, pos int) int64 {
	part := &p.Partitions[partition]
	switch role {
	case types.ReplicaRolePrimary, types.ReplicaRoleNone:
		return int64(part.primary[pos])
	default:
		if loads, ok := part.perNode[node]; ok {
			return int64(loads[pos])
		}
		return int64(part.secondary[pos])
	}
}

// HasWork reports whether the placement has replicas to create, promote or drop
func (p *Placement) HasWork() bool {
	if len(p.NewReplicas) > 0 {
		return true
	}
	for i := range p.Partitions {
		if p.Partitions[i].NeedsPromotion || p.Partitions[i].DropCount > 0 {
			return true
		}
	}
	return false
}
