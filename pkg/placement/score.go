package placement

import "math"

// moveCostWeight scales the movement penalty so it only separates solutions
// with equal deviation.
const moveCostWeight = 0.001

// Score rates a solution, lower is better
type Score struct {
	Deviation float64
	MoveCost  float64
}

// Total returns the combined score
func (s Score) Total() float64 {
	return s.Deviation + s.MoveCost
}

// Deviation returns the load deviation of one metric across eligible nodes.
// Capacity bounded metrics use the standard deviation of utilization, the
// others the coefficient of variation of raw loads.
func (s *Solution) Deviation(metric int) float64 {
	n := float64(len(s.p.Eligible))
	if n == 0 {
		return 0
	}
	st := s.stats[metric]
	mean := st.sum / n
	variance := st.sumSq/n - mean*mean
	if variance <= 0 {
		return 0
	}
	dev := math.Sqrt(variance)
	if s.p.Metrics[metric].Normalized {
		return dev
	}
	if mean <= 0 {
		return 0
	}
	return dev / mean
}

// AverageDeviation returns the weighted deviation over every metric
func (s *Solution) AverageDeviation() float64 {
	total, weights := 0.0, 0.0
	for i, m := range s.p.Metrics {
		if m.Weight <= 0 {
			continue
		}
		total += m.Weight * s.Deviation(i)
		weights += m.Weight
	}
	if weights == 0 {
		return 0
	}
	return total / weights
}

// Score rates the solution
func (s *Solution) Score() Score {
	existing := s.p.ExistingReplicas
	if existing == 0 {
		existing = 1
	}
	cost := float64(s.counts.moved+s.counts.dropped) + s.p.SwapCost*float64(s.counts.roleMoves)
	return Score{
		Deviation: s.AverageDeviation(),
		MoveCost:  moveCostWeight * cost / float64(existing),
	}
}

// IsMetricBalanced reports whether the ratio between the most and least
// loaded eligible nodes is within the metric balancing threshold. A metric
// whose heaviest node is under the activity threshold is always balanced.
func (s *Solution) IsMetricBalanced(metric int) bool {
	if len(s.p.Eligible) < 2 {
		return true
	}
	m := s.p.Metrics[metric]
	minV, maxV := math.Inf(1), math.Inf(-1)
	var maxRaw int64
	for _, ni := range s.p.Eligible {
		v := s.normalize(ni, metric, s.load[ni][metric])
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
		if s.load[ni][metric] > maxRaw {
			maxRaw = s.load[ni][metric]
		}
	}
	if float64(maxRaw) < m.ActivityThreshold || maxV <= 0 {
		return true
	}
	if minV <= 0 {
		return false
	}
	return maxV/minV <= m.BalancingThreshold
}

// IsBalanced reports whether every weighted metric is balanced
func (s *Solution) IsBalanced() bool {
	for i, m := range s.p.Metrics {
		if m.Weight > 0 && !s.IsMetricBalanced(i) {
			return false
		}
	}
	return true
}
