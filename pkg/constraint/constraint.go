package constraint

import (
	"sort"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

// Kind identifies a constraint
type Kind int

const (
	ReplicaExclusionStatic Kind = iota
	ReplicaExclusionDynamic
	PlacementConstraint
	NodeCapacity
	Affinity
	FaultDomain
	UpgradeDomain
	PreferredLocation
	ScaleoutCount
	ApplicationCapacity
	Throttling
)

// Kinds lists every constraint in evaluation order for equal priorities
var Kinds = []Kind{
	ReplicaExclusionStatic,
	ReplicaExclusionDynamic,
	PlacementConstraint,
	NodeCapacity,
	Affinity,
	FaultDomain,
	UpgradeDomain,
	PreferredLocation,
	ScaleoutCount,
	ApplicationCapacity,
	Throttling,
}

func (k Kind) String() string {
	switch k {
	case ReplicaExclusionStatic:
		return "ReplicaExclusionStatic"
	case ReplicaExclusionDynamic:
		return "ReplicaExclusionDynamic"
	case PlacementConstraint:
		return "PlacementConstraint"
	case NodeCapacity:
		return "NodeCapacity"
	case Affinity:
		return "Affinity"
	case FaultDomain:
		return "FaultDomain"
	case UpgradeDomain:
		return "UpgradeDomain"
	case PreferredLocation:
		return "PreferredLocation"
	case ScaleoutCount:
		return "ScaleoutCount"
	case ApplicationCapacity:
		return "ApplicationCapacity"
	case Throttling:
		return "Throttling"
	default:
		return "Unknown"
	}
}

// Priority returns the configured priority of a constraint. Zero is hard,
// positive values are soft with lower values applied first, negative values
// disable the constraint.
func Priority(k Kind, cfg *config.Config) int {
	switch k {
	case PlacementConstraint:
		return cfg.PlacementConstraintPriority
	case NodeCapacity:
		return cfg.CapacityConstraintPriority
	case Affinity:
		return cfg.AffinityConstraintPriority
	case FaultDomain:
		return cfg.FaultDomainConstraintPriority
	case UpgradeDomain:
		return cfg.UpgradeDomainConstraintPriority
	case PreferredLocation:
		return cfg.PreferredLocationConstraintPriority
	case ScaleoutCount:
		return cfg.ScaleoutCountConstraintPriority
	case ApplicationCapacity:
		return cfg.ApplicationCapacityConstraintPriority
	case Throttling:
		return cfg.ThrottlingConstraintPriority
	default:
		return 0
	}
}

// NodeSet is a sorted set of node handles
type NodeSet []int

// AllNodes returns the set of every node of a placement
func AllNodes(p *placement.Placement) NodeSet {
	out := make(NodeSet, len(p.Nodes))
	for i := range out {
		out[i] = i
	}
	return out
}

// Has reports whether a node is in the set
func (s NodeSet) Has(node int) bool {
	i := sort.SearchInts(s, node)
	return i < len(s) && s[i] == node
}

// Without returns the nodes of s missing from other
func (s NodeSet) Without(other NodeSet) NodeSet {
	if len(other) == 0 {
		return s
	}
	out := make(NodeSet, 0, len(s))
	j := 0
	for _, n := range s {
		for j < len(other) && other[j] < n {
			j++
		}
		if j < len(other) && other[j] == n {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Intersect returns the nodes present in both sets
func (s NodeSet) Intersect(other NodeSet) NodeSet {
	out := make(NodeSet, 0)
	j := 0
	for _, n := range s {
		for j < len(other) && other[j] < n {
			j++
		}
		if j < len(other) && other[j] == n {
			out = append(out, n)
		}
	}
	return out
}

// Candidate is a replica considered for a node in a role
type Candidate struct {
	Replica int
	Role    types.ReplicaRole
}

// Settings tunes how filters read the model
type Settings struct {
	UseBuffered             bool
	InBuildThrottling       bool
	InBuildLimit            int
	PlaceChildWithoutParent bool
}

// Context is what filters evaluate against
type Context struct {
	P        *placement.Placement
	S        *placement.Solution
	Cache    *ValidationCache
	Settings Settings
}

// FilterFunc returns the nodes of a set on which the candidate may not be
// placed. It considers the candidate as if it were removed from its current
// node, so it answers both "can it go there" and "may it stay".
type FilterFunc func(c Candidate, ctx *Context, nodes NodeSet) NodeSet

var filters = map[Kind]FilterFunc{
	ReplicaExclusionStatic:  filterStaticExclusion,
	ReplicaExclusionDynamic: filterDynamicExclusion,
	PlacementConstraint:     filterPlacementConstraint,
	NodeCapacity:            filterNodeCapacity,
	Affinity:                filterAffinity,
	FaultDomain:             filterFaultDomain,
	UpgradeDomain:           filterUpgradeDomain,
	PreferredLocation:       filterPreferredLocation,
	ScaleoutCount:           filterScaleout,
	ApplicationCapacity:     filterApplicationCapacity,
	Throttling:              filterThrottling,
}

// Filter returns the filter of a constraint
func Filter(k Kind) FilterFunc {
	return filters[k]
}
