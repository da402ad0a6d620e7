package searcher

import (
	"math"
	"sort"

	"github.com/cuemby/plb/pkg/types"
)

const (
	// greedyReplicaSample and greedyTargetSample bound one greedy step
	greedyReplicaSample = 16
	greedyTargetSample  = 8

	initialTemperatureFactor = 0.1
	// unboundedRounds caps annealing that has neither a limit nor a timeout
	unboundedRounds = 100
)

// balance reduces load deviation. Quick balancing takes the best greedy step
// until none improves and then anneals for one fast-cooling round, slow
// balancing anneals until its iteration limit or timeout. The best solution
// seen is kept and an interrupted pass is discarded.
func (r *run) balance(slow bool) {
	start := r.sol.Snapshot()
	startScore := r.sol.Score().Total()

	perRound := r.s.cfg.SimulatedAnnealingIterationsPerRound
	if perRound <= 0 {
		perRound = 1000
	}
	if slow {
		r.anneal(r.s.cfg.SlowBalancingTemperatureDecayRate, perRound, r.s.cfg.MaxSimulatedAnnealingIterations)
	} else {
		r.greedy()
		if !r.result.Interrupted && !r.result.TimedOut {
			r.anneal(r.s.cfg.FastBalancingTemperatureDecayRate, perRound, perRound)
		}
	}

	if r.result.Interrupted {
		r.sol.Restore(start)
		return
	}
	improvement := startScore - r.sol.Score().Total()
	if improvement <= 0 || improvement < r.s.cfg.ScoreImprovementThreshold {
		r.sol.Restore(start)
		return
	}
	r.emit(r.sol.Movements())
}

// movable returns the existing replicas the search may relocate
func (r *run) movable() []int {
	var out []int
	for _, rep := range r.p.Replicas {
		if !rep.IsNew && rep.Movable && r.sol.IsActive(rep.Index) {
			out = append(out, rep.Index)
		}
	}
	return out
}

// worstMetric returns the weighted metric with the highest deviation
func (r *run) worstMetric() int {
	worst, worstDev := -1, 0.0
	for mi, m := range r.p.Metrics {
		if m.Weight <= 0 {
			continue
		}
		if d := m.Weight * r.sol.Deviation(mi); worst < 0 || d > worstDev {
			worst, worstDev = mi, d
		}
	}
	return worst
}

func (r *run) greedy() {
	replicas := r.movable()
	if len(replicas) == 0 || len(r.p.Eligible) < 2 {
		return
	}

	for !r.stopped() && !r.budgetExhausted() {
		r.result.Iterations++
		metric := r.worstMetric()
		if metric < 0 || r.sol.IsBalanced() {
			return
		}

		eligible := append([]int(nil), r.p.Eligible...)
		sort.Slice(eligible, func(i, j int) bool {
			return r.sol.NodeLoad(eligible[i], metric) > r.sol.NodeLoad(eligible[j], metric)
		})
		heavy := make(map[int]bool)
		for _, n := range eligible[:(len(eligible)+1)/2] {
			heavy[n] = true
		}
		light := eligible[len(eligible)/2:]
		if len(light) > greedyTargetSample {
			light = light[len(light)-greedyTargetSample:]
		}

		var sample []int
		for _, rep := range replicas {
			if r.sol.IsActive(rep) && heavy[r.sol.Node(rep)] {
				sample = append(sample, rep)
			}
		}
		r.rng.Shuffle(len(sample), func(i, j int) { sample[i], sample[j] = sample[j], sample[i] })
		if len(sample) > greedyReplicaSample {
			sample = sample[:greedyReplicaSample]
		}

		current := r.sol.Score().Total()
		bestScore := current
		var bestApply func()

		for _, rep := range sample {
			prev := r.sol.State(rep)
			for _, n := range light {
				if n == prev.Node || !r.allows(rep, prev.Role, n) {
					continue
				}
				r.sol.Move(rep, n)
				if r.withinBudget() {
					if sc := r.sol.Score().Total(); sc < bestScore {
						rep, n := rep, n
						bestScore, bestApply = sc, func() { r.sol.Move(rep, n) }
					}
				}
				r.sol.SetState(rep, prev)
			}
			if other, ok := r.swapPartner(rep); ok {
				if apply, sc, valid := r.trySwap(rep, other); valid && sc < bestScore {
					bestScore, bestApply = sc, apply
				}
			}
		}

		if bestApply == nil || current-bestScore <= 1e-12 {
			return
		}
		bestApply()
	}
}

// swapPartner picks the replica a primary or secondary would swap roles with
func (r *run) swapPartner(rep int) (int, bool) {
	role := r.sol.Role(rep)
	if role != types.ReplicaRolePrimary && role != types.ReplicaRoleSecondary {
		return -1, false
	}
	part := &r.p.Partitions[r.p.Replicas[rep].Partition]
	var partners []int
	for _, other := range part.Replicas {
		if other == rep || !r.sol.IsActive(other) || r.p.Replicas[other].IsNew || !r.p.Replicas[other].Movable {
			continue
		}
		if (role == types.ReplicaRolePrimary) != (r.sol.Role(other) == types.ReplicaRolePrimary) {
			partners = append(partners, other)
		}
	}
	if len(partners) == 0 {
		return -1, false
	}
	return partners[r.rng.Intn(len(partners))], true
}

// trySwap evaluates a role swap and leaves the solution unchanged
func (r *run) trySwap(a, b int) (apply func(), score float64, valid bool) {
	pa, pb := r.sol.State(a), r.sol.State(b)
	r.sol.Swap(a, b)
	valid = r.withinBudget() && r.allows(a, r.sol.Role(a), r.sol.Node(a)) && r.allows(b, r.sol.Role(b), r.sol.Node(b))
	score = r.sol.Score().Total()
	r.sol.SetState(a, pa)
	r.sol.SetState(b, pb)
	return func() { r.sol.Swap(a, b) }, score, valid
}

// anneal runs simulated annealing over random moves and swaps. A negative
// limit runs until the search stops.
func (r *run) anneal(decay float64, perRound, limit int) {
	replicas := r.movable()
	if len(replicas) == 0 || len(r.p.Eligible) < 2 {
		return
	}

	best := r.sol.Snapshot()
	current := r.sol.Score().Total()
	bestScore := current
	temperature := math.Max(current*initialTemperatureFactor, 1e-9)

	if limit < 0 && r.deadline.IsZero() {
		limit = unboundedRounds * perRound
	}

	for iter := 0; limit < 0 || iter < limit; iter++ {
		if r.stopped() {
			break
		}
		r.result.Iterations++
		if iter > 0 && iter%perRound == 0 {
			temperature *= decay
		}

		undo, ok := r.randomStep(replicas)
		if !ok {
			continue
		}
		next := r.sol.Score().Total()
		delta := next - current
		if delta <= 0 || r.rng.Float64() < math.Exp(-delta/temperature) {
			current = next
			if current < bestScore {
				bestScore = current
				best = r.sol.Snapshot()
			}
			continue
		}
		undo()
	}

	r.sol.Restore(best)
}

// randomStep applies one random valid move or swap and returns its undo
func (r *run) randomStep(replicas []int) (func(), bool) {
	rep := replicas[r.rng.Intn(len(replicas))]
	prev := r.sol.State(rep)

	if r.rng.Float64() < r.s.cfg.SwapPrimaryProbability {
		if other, ok := r.swapPartner(rep); ok {
			otherPrev := r.sol.State(other)
			r.sol.Swap(rep, other)
			if r.withinBudget() && r.allows(rep, r.sol.Role(rep), r.sol.Node(rep)) && r.allows(other, r.sol.Role(other), r.sol.Node(other)) {
				return func() {
					r.sol.SetState(rep, prev)
					r.sol.SetState(other, otherPrev)
				}, true
			}
			r.sol.SetState(rep, prev)
			r.sol.SetState(other, otherPrev)
			return nil, false
		}
	}

	target := r.p.Eligible[r.rng.Intn(len(r.p.Eligible))]
	if target == prev.Node || !r.allows(rep, prev.Role, target) {
		return nil, false
	}
	r.sol.Move(rep, target)
	if !r.withinBudget() {
		r.sol.SetState(rep, prev)
		return nil, false
	}
	return func() { r.sol.SetState(rep, prev) }, true
}
