package placement

import (
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/types"
)

// MovementKind is the kind of one scheduling decision
type MovementKind int

const (
	MovementAdd MovementKind = iota
	MovementMove
	MovementSwap
	MovementPromote
	MovementDrop
	MovementVoid
)

func (k MovementKind) String() string {
	switch k {
	case MovementAdd:
		return "add"
	case MovementMove:
		return "move"
	case MovementSwap:
		return "swap"
	case MovementPromote:
		return "promote"
	case MovementDrop:
		return "drop"
	case MovementVoid:
		return "void"
	default:
		return "unknown"
	}
}

// Movement is one decision for one replica. Source and Target are node
// handles, -1 when not applicable. A swap's Source is the current primary.
type Movement struct {
	Kind      MovementKind
	Partition int
	Replica   int
	Source    int
	Target    int
	Role      types.ReplicaRole
}

// Movements compares the solution with the placement it started from and
// returns the movements that lead to it, at most one per replica.
func (s *Solution) Movements() []Movement {
	var out []Movement
	for pi := range s.p.Partitions {
		out = append(out, s.PartitionMovements(pi)...)
	}
	return out
}

// PartitionMovements returns the movements of one partition
func (s *Solution) PartitionMovements(pi int) []Movement {
	part := &s.p.Partitions[pi]
	var out []Movement
	handled := make(map[int]bool)

	var demoted, raised []int
	for _, r := range part.Replicas {
		rep := &s.p.Replicas[r]
		st := s.state[r]
		if rep.IsNew || st.Dropped || st.Node != rep.Node || st.Role == rep.Role {
			continue
		}
		switch {
		case rep.Role == types.ReplicaRolePrimary:
			demoted = append(demoted, r)
		case st.Role == types.ReplicaRolePrimary:
			raised = append(raised, r)
		}
	}

	switch {
	case len(demoted) == 1 && len(raised) == 1:
		old, next := demoted[0], raised[0]
		out = append(out, Movement{
			Kind:      MovementSwap,
			Partition: pi,
			Replica:   next,
			Source:    s.state[old].Node,
			Target:    s.state[next].Node,
			Role:      types.ReplicaRolePrimary,
		})
		handled[old], handled[next] = true, true
	case len(demoted) == 0 && len(raised) == 1:
		r := raised[0]
		out = append(out, Movement{
			Kind:      MovementPromote,
			Partition: pi,
			Replica:   r,
			Source:    -1,
			Target:    s.state[r].Node,
			Role:      types.ReplicaRolePrimary,
		})
		handled[r] = true
	default:
		log.Assert(len(demoted) == 0 && len(raised) == 0,
			"partition %s has %d demoted and %d raised replicas", part.ID, len(demoted), len(raised))
	}

	for _, r := range part.Replicas {
		if handled[r] {
			continue
		}
		rep := &s.p.Replicas[r]
		st := s.state[r]
		switch {
		case rep.IsNew:
			if st.Node >= 0 && !st.Dropped {
				out = append(out, Movement{Kind: MovementAdd, Partition: pi, Replica: r, Source: -1, Target: st.Node, Role: st.Role})
			}
		case st.Dropped:
			out = append(out, Movement{Kind: MovementDrop, Partition: pi, Replica: r, Source: rep.Node, Target: -1, Role: rep.Role})
		case st.Node != rep.Node:
			out = append(out, Movement{Kind: MovementMove, Partition: pi, Replica: r, Source: rep.Node, Target: st.Node, Role: rep.Role})
		}
	}

	if s.voided[pi] {
		out = append(out, Movement{Kind: MovementVoid, Partition: pi, Replica: -1, Source: -1, Target: -1})
	}
	return out
}

// UnplacedNewReplicas returns new replicas that are still without a node
func (s *Solution) UnplacedNewReplicas() []int {
	var out []int
	for _, r := range s.p.NewReplicas {
		if s.state[r].Node < 0 && !s.state[r].Dropped {
			out = append(out, r)
		}
	}
	return out
}
