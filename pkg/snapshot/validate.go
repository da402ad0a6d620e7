package snapshot

import (
	"fmt"
	"sort"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

// Checker validates client requested movements against a frozen domain
type Checker struct {
	d     *Domain
	cfg   *config.Config
	cache *constraint.ValidationCache
}

// Checker returns a validator for the domain holding a partition
func (s *Snapshot) Checker(partitionID string, cache *constraint.ValidationCache) (*Checker, error) {
	d, ok := s.PartitionDomain(partitionID)
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", partitionID, types.ErrFailoverUnitNotFound)
	}
	return &Checker{d: d, cfg: s.cfg, cache: cache}, nil
}

func (c *Checker) checker(sol *placement.Solution) *constraint.Checker {
	return constraint.NewChecker(&constraint.Context{
		P:     c.d.Placement,
		S:     sol,
		Cache: c.cache,
		Settings: constraint.Settings{
			PlaceChildWithoutParent: c.cfg.PlaceChildWithoutParent,
		},
	}, c.cfg)
}

func (c *Checker) locate(partitionID, nodeID string) (part, node int, err error) {
	p := c.d.Placement
	part, ok := p.PartitionIndex(partitionID)
	if !ok {
		return 0, 0, fmt.Errorf("partition %s: %w", partitionID, types.ErrFailoverUnitNotFound)
	}
	node, ok = p.NodeIndex(nodeID)
	if !ok {
		return 0, 0, fmt.Errorf("node %s: %w", nodeID, types.ErrNodeNotFound)
	}
	return part, node, nil
}

// Replica returns the role of the replica a partition has on a node
func (c *Checker) Replica(partitionID, nodeID string) (types.ReplicaRole, error) {
	part, node, err := c.locate(partitionID, nodeID)
	if err != nil {
		return "", err
	}
	r, ok := c.d.Before.ReplicaOn(part, node)
	if !ok {
		return "", fmt.Errorf("partition %s on node %s: %w", partitionID, nodeID, types.ErrReplicaDoesNotExist)
	}
	return c.d.Before.Role(r), nil
}

// CheckMove validates moving the replica on source to target. Without
// force the target must satisfy every hard constraint.
func (c *Checker) CheckMove(partitionID, source, target string, force bool) error {
	part, from, err := c.locate(partitionID, source)
	if err != nil {
		return err
	}
	_, to, err := c.locate(partitionID, target)
	if err != nil {
		return err
	}
	r, ok := c.d.Before.ReplicaOn(part, from)
	if !ok {
		return fmt.Errorf("partition %s on node %s: %w", partitionID, source, types.ErrReplicaDoesNotExist)
	}
	if _, taken := c.d.Before.ReplicaOn(part, to); taken {
		return fmt.Errorf("partition %s on node %s: %w", partitionID, target, types.ErrAlreadySecondaryReplica)
	}
	if force {
		return nil
	}
	sol := c.d.Before.Clone()
	cand := constraint.Candidate{Replica: r, Role: sol.Role(r)}
	if !c.checker(sol).CanPlace(cand, to) {
		return fmt.Errorf("move partition %s to %s: %w", partitionID, target, types.ErrConstraintNotSatisfied)
	}
	return nil
}

// CheckPromote validates making the replica on target the primary. The
// current primary, if any, becomes a secondary.
func (c *Checker) CheckPromote(partitionID, target string, force bool) error {
	part, to, err := c.locate(partitionID, target)
	if err != nil {
		return err
	}
	before := c.d.Before
	r, ok := before.ReplicaOn(part, to)
	if !ok {
		return fmt.Errorf("partition %s on node %s: %w", partitionID, target, types.ErrReplicaDoesNotExist)
	}
	if !c.d.Placement.Services[c.d.Placement.Partitions[part].Service].IsStateful {
		return fmt.Errorf("partition %s is stateless: %w", partitionID, types.ErrInvalidReplicaOperation)
	}
	if before.Role(r) == types.ReplicaRolePrimary {
		return fmt.Errorf("partition %s on node %s: %w", partitionID, target, types.ErrAlreadyPrimaryReplica)
	}
	if force {
		return nil
	}
	sol := before.Clone()
	if primary, ok := sol.Primary(part); ok {
		sol.Swap(primary, r)
	} else {
		sol.Promote(r)
	}
	if !c.checker(sol).CanPlace(constraint.Candidate{Replica: r, Role: types.ReplicaRolePrimary}, to) {
		return fmt.Errorf("promote partition %s on %s: %w", partitionID, target, types.ErrConstraintNotSatisfied)
	}
	return nil
}

// Nodes returns the nodes hosting replicas of a partition, sorted
func (c *Checker) Nodes(partitionID string) ([]string, error) {
	part, ok := c.d.Placement.PartitionIndex(partitionID)
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", partitionID, types.ErrFailoverUnitNotFound)
	}
	idx := c.d.Before.PartitionNodes(part)
	sort.Ints(idx)
	out := make([]string, 0, len(idx))
	for _, n := range idx {
		out = append(out, c.d.Placement.Nodes[n].ID)
	}
	return out, nil
}

// Primary returns the node of the current primary of a partition
func (c *Checker) Primary(partitionID string) (string, bool) {
	part, ok := c.d.Placement.PartitionIndex(partitionID)
	if !ok {
		return "", false
	}
	r, ok := c.d.Before.Primary(part)
	if !ok {
		return "", false
	}
	return c.d.Placement.Nodes[c.d.Before.Node(r)].ID, true
}

// Targets returns the nodes a replica could move to without breaking
// a hard constraint, in node order.
func (c *Checker) Targets(partitionID, source string) ([]string, error) {
	part, from, err := c.locate(partitionID, source)
	if err != nil {
		return nil, err
	}
	r, ok := c.d.Before.ReplicaOn(part, from)
	if !ok {
		return nil, fmt.Errorf("partition %s on node %s: %w", partitionID, source, types.ErrReplicaDoesNotExist)
	}
	sol := c.d.Before.Clone()
	res := c.checker(sol).Candidates(constraint.Candidate{Replica: r, Role: sol.Role(r)}, constraint.Hard, false)
	var out []string
	for _, n := range res.Nodes {
		if n == from {
			continue
		}
		if _, taken := sol.ReplicaOn(part, n); taken {
			continue
		}
		out = append(out, c.d.Placement.Nodes[n].ID)
	}
	return out, nil
}
