package searcher

import (
	"sort"

	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

// maxMoveAttempts bounds how many existing replicas are tried when making
// room for one new replica.
const maxMoveAttempts = 8

// placeNewReplicas places new replicas, promotes secondaries of partitions
// without a primary and drops replicas above target. Work completed before
// an interruption is kept.
func (r *run) placeNewReplicas(withMove bool) {
	r.promote()
	r.drop()

	byPartition := make(map[int][]int)
	var order []int
	for _, rep := range r.p.NewReplicas {
		pi := r.p.Replicas[rep].Partition
		if _, ok := byPartition[pi]; !ok {
			order = append(order, pi)
		}
		byPartition[pi] = append(byPartition[pi], rep)
	}
	r.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	// Parents first so affinitized children find them
	sort.SliceStable(order, func(i, j int) bool {
		return r.p.Services[r.p.Partitions[order[i]].Service].Parent < 0 &&
			r.p.Services[r.p.Partitions[order[j]].Service].Parent >= 0
	})

	batchSize := r.s.cfg.PlacementReplicaCountPerBatch
	if !r.s.cfg.UseBatchPlacement || batchSize <= 0 {
		batchSize = len(r.p.NewReplicas)
	}

	var batch []int
	inBatch := 0
	flushed := make(map[int]bool)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var moves []placement.Movement
		for _, pi := range batch {
			moves = append(moves, r.sol.PartitionMovements(pi)...)
			flushed[pi] = true
		}
		if r.opts.OnBatch != nil {
			r.opts.OnBatch(moves)
		} else {
			r.emit(moves)
		}
		batch, inBatch = nil, 0
	}

	for _, pi := range order {
		if r.stopped() || r.budgetExhausted() {
			break
		}
		r.result.Iterations++
		r.placePartition(pi, byPartition[pi], withMove)
		batch = append(batch, pi)
		inBatch += len(byPartition[pi])
		if inBatch >= batchSize {
			flush()
		}
	}

	// promotions and drops of partitions not flushed with a batch
	pending := make(map[int]bool, len(batch))
	for _, pi := range batch {
		pending[pi] = true
	}
	for pi := range r.p.Partitions {
		if flushed[pi] || pending[pi] {
			continue
		}
		if moves := r.sol.PartitionMovements(pi); len(moves) > 0 {
			batch = append(batch, pi)
		}
	}
	flush()
}

// placePartition places the new replicas of one partition. When the
// partition cannot be fully placed and partial placement is disabled, its
// replicas are withdrawn and a void movement is recorded.
func (r *run) placePartition(pi int, replicas []int, withMove bool) {
	sort.SliceStable(replicas, func(i, j int) bool {
		return r.p.Replicas[replicas[i]].Role == types.ReplicaRolePrimary &&
			r.p.Replicas[replicas[j]].Role != types.ReplicaRolePrimary
	})

	complete := true
	for _, rep := range replicas {
		if r.budgetExhausted() {
			complete = false
			break
		}
		if !r.placeReplica(rep, withMove) {
			complete = false
		}
	}

	if complete || r.s.cfg.PartiallyPlaceServices {
		return
	}
	for _, rep := range replicas {
		st := r.sol.State(rep)
		st.Node = -1
		r.sol.SetState(rep, st)
	}
	r.sol.MarkVoid(pi)
}

func (r *run) placeReplica(rep int, withMove bool) bool {
	cand := constraint.Candidate{Replica: rep, Role: r.p.Replicas[rep].Role}
	res := r.checker.Candidates(cand, r.checker.MaxPriority(), true)
	if len(res.Nodes) > 0 {
		r.sol.Move(rep, r.bestNode(rep, res.Nodes))
		if r.withinBudget() {
			return true
		}
		r.sol.Move(rep, -1)
		r.result.Throttled = true
		return false
	}

	if withMove && r.s.cfg.MoveExistingReplicaForPlacement && r.makeRoom(cand, res) {
		return true
	}

	r.result.Unplaced = append(r.result.Unplaced, Unplaced{
		Replica:    rep,
		Partition:  r.p.Replicas[rep].Partition,
		Eliminated: res.Eliminated,
	})
	return false
}

// makeRoom tries to place a replica on a node that only capacity rules out
// by moving one existing replica away from it.
func (r *run) makeRoom(cand constraint.Candidate, res constraint.Result) bool {
	capacityOnly := r.capacityBlockedNodes(cand, res)
	attempts := 0
	for _, n := range capacityOnly {
		for _, other := range r.p.Replicas {
			if attempts >= maxMoveAttempts || r.stopped() {
				return false
			}
			if other.IsNew || !other.Movable || !r.sol.IsActive(other.Index) || r.sol.Node(other.Index) != n {
				continue
			}
			if other.Partition == r.p.Replicas[cand.Replica].Partition {
				continue
			}
			attempts++

			snap := r.sol.State(other.Index)
			moved := false
			otherCand := constraint.Candidate{Replica: other.Index, Role: snap.Role}
			targets := r.checker.Candidates(otherCand, constraint.Hard, false).Nodes.Without(constraint.NodeSet{n})
			if len(targets) == 0 {
				continue
			}
			r.sol.Move(other.Index, r.bestNode(other.Index, targets))
			if r.checker.CanPlace(cand, n) {
				r.sol.Move(cand.Replica, n)
				moved = r.withinBudget()
				if !moved {
					r.sol.Move(cand.Replica, -1)
				}
			}
			if moved {
				return true
			}
			r.sol.SetState(other.Index, snap)
		}
	}
	return false
}

// capacityBlockedNodes returns the nodes eliminated only by node capacity
func (r *run) capacityBlockedNodes(cand constraint.Candidate, res constraint.Result) constraint.NodeSet {
	var blocked constraint.NodeSet
	for _, e := range res.Eliminated {
		if e.Kind == constraint.NodeCapacity {
			blocked = e.Nodes
		}
	}
	var out constraint.NodeSet
	for _, n := range blocked {
		others := r.checker.Filter(cand, constraint.NodeSet{n}, constraint.Hard, true)
		onlyCapacity := true
		for _, e := range others.Eliminated {
			if e.Kind != constraint.NodeCapacity {
				onlyCapacity = false
			}
		}
		if onlyCapacity {
			out = append(out, n)
		}
	}
	return out
}

// promote raises a secondary in every partition that lost its primary
func (r *run) promote() {
	for pi := range r.p.Partitions {
		part := &r.p.Partitions[pi]
		if !part.NeedsPromotion {
			continue
		}
		best, bestLoad := -1, int64(0)
		for _, rep := range part.Replicas {
			if r.p.Replicas[rep].IsNew || !r.sol.IsActive(rep) {
				continue
			}
			node := r.sol.Node(rep)
			if !r.p.Nodes[node].Eligible {
				continue
			}
			if !r.checker.CanPlace(constraint.Candidate{Replica: rep, Role: types.ReplicaRolePrimary}, node) {
				continue
			}
			l := r.nodeLoad(node)
			if best < 0 || l < bestLoad {
				best, bestLoad = rep, l
			}
		}
		if best >= 0 {
			r.sol.Promote(best)
		}
	}
}

// drop removes replicas above target, preferring replicas breaking
// constraints, then secondaries on the most loaded nodes.
func (r *run) drop() {
	for pi := range r.p.Partitions {
		part := &r.p.Partitions[pi]
		if part.DropCount == 0 {
			continue
		}
		var candidates []int
		for _, rep := range part.Replicas {
			if !r.p.Replicas[rep].IsNew && r.sol.IsActive(rep) {
				candidates = append(candidates, rep)
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			ap := r.sol.Role(a) == types.ReplicaRolePrimary
			bp := r.sol.Role(b) == types.ReplicaRolePrimary
			if ap != bp {
				return bp
			}
			_, av := r.checker.Violated(a, constraint.Hard)
			_, bv := r.checker.Violated(b, constraint.Hard)
			if av != bv {
				return av
			}
			return r.nodeLoad(r.sol.Node(a)) > r.nodeLoad(r.sol.Node(b))
		})

		dropped := 0
		for _, rep := range candidates {
			if dropped >= part.DropCount || len(candidates)-dropped <= 1 {
				break
			}
			r.sol.Drop(rep)
			dropped++
		}
	}
}

// nodeLoad sums the loads of a node over every metric
func (r *run) nodeLoad(node int) int64 {
	var total int64
	for mi := range r.p.Metrics {
		total += r.sol.NodeLoad(node, mi)
	}
	return total
}
