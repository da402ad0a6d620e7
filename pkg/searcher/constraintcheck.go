package searcher

import (
	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/types"
)

// fixViolations moves replicas off nodes that break their constraints and
// swaps primaries away from nodes being deactivated during upgrades. Work
// completed before an interruption is kept.
func (r *run) fixViolations() {
	r.swapUpgradePrimaries()

	maxPriority := r.checker.MaxPriority()
	violations := r.checker.Violations(maxPriority)
	r.rng.Shuffle(len(violations), func(i, j int) { violations[i], violations[j] = violations[j], violations[i] })

	for _, v := range violations {
		if r.stopped() {
			break
		}
		if r.budgetExhausted() {
			r.result.Unfixed = append(r.result.Unfixed, v)
			continue
		}
		r.result.Iterations++
		if _, still := r.checker.Violated(v.Replica, maxPriority); !still {
			continue
		}
		if !r.p.Replicas[v.Replica].Movable || !r.fixReplica(v.Replica, maxPriority) {
			r.result.Unfixed = append(r.result.Unfixed, v)
		}
	}

	r.emit(r.sol.Movements())
}

// fixReplica moves a violating replica to the best valid node, falling back
// to swapping roles with another replica of the partition.
func (r *run) fixReplica(rep, maxPriority int) bool {
	before := r.checker.ViolationCount(maxPriority)
	prev := r.sol.State(rep)
	cand := constraint.Candidate{Replica: rep, Role: prev.Role}

	targets := r.checker.Candidates(cand, maxPriority, false).Nodes.Without(constraint.NodeSet{prev.Node})
	if len(targets) > 0 {
		r.sol.Move(rep, r.bestNode(rep, targets))
		if r.withinBudget() && r.checker.ViolationCount(maxPriority) < before {
			return true
		}
		r.sol.SetState(rep, prev)
	}

	if prev.Role != types.ReplicaRolePrimary {
		return false
	}
	part := &r.p.Partitions[r.p.Replicas[rep].Partition]
	for _, other := range part.Replicas {
		if other == rep || !r.sol.IsActive(other) || r.sol.Role(other) != types.ReplicaRoleSecondary {
			continue
		}
		otherPrev := r.sol.State(other)
		r.sol.Swap(rep, other)
		if r.withinBudget() && r.checker.ViolationCount(maxPriority) < before {
			return true
		}
		r.sol.SetState(rep, prev)
		r.sol.SetState(other, otherPrev)
	}
	return false
}

// swapUpgradePrimaries moves the primary of upgrading partitions off nodes
// that are being deactivated. Partitions without a suitable secondary are
// reported.
func (r *run) swapUpgradePrimaries() {
	for pi := range r.p.Partitions {
		part := &r.p.Partitions[pi]
		if !part.InUpgrade || !part.Movable {
			continue
		}
		primary, ok := r.sol.Primary(pi)
		if !ok || r.p.Nodes[r.sol.Node(primary)].Eligible {
			continue
		}
		if r.budgetExhausted() {
			r.result.UnswappedUpgrade = append(r.result.UnswappedUpgrade, pi)
			continue
		}

		swapped := false
		for _, other := range part.Replicas {
			if other == primary || !r.sol.IsActive(other) || !r.p.Nodes[r.sol.Node(other)].Eligible {
				continue
			}
			prevP, prevO := r.sol.State(primary), r.sol.State(other)
			r.sol.Swap(primary, other)
			if r.checker.CanPlace(constraint.Candidate{Replica: other, Role: types.ReplicaRolePrimary}, r.sol.Node(other)) {
				swapped = true
				r.result.Actions[pi] = types.ActionUpgrade
				break
			}
			r.sol.SetState(primary, prevP)
			r.sol.SetState(other, prevO)
		}
		if !swapped {
			r.result.UnswappedUpgrade = append(r.result.UnswappedUpgrade, pi)
		}
	}
}
