package searcher

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

// Unlimited disables the movement budget
const Unlimited = -1

// Options configures one search
type Options struct {
	Action       types.SchedulerActionType
	Timeout      time.Duration
	MaxMovements int
	Rand         *rand.Rand

	// OnBatch receives the movements of each completed placement batch.
	// When set, those movements are not repeated in Result.Movements.
	OnBatch func(batch []placement.Movement)
}

// Unplaced is a new replica no node could take, with the constraints that
// eliminated the candidates.
type Unplaced struct {
	Replica    int
	Partition  int
	Eliminated []constraint.Elimination
}

// Result is the outcome of a search
type Result struct {
	Solution    *placement.Solution
	Movements   []placement.Movement
	Interrupted bool
	TimedOut    bool
	Throttled   bool
	Iterations  int
	Before      placement.Score
	After       placement.Score

	Unplaced         []Unplaced
	Unfixed          []constraint.Violation
	UnswappedUpgrade []int

	// Actions overrides the stage action for the movements of a partition
	Actions map[int]types.SchedulerActionType
}

// Searcher runs bounded local search over placements
type Searcher struct {
	cfg    *config.Config
	cache  *constraint.ValidationCache
	token  *Token
	logger zerolog.Logger
}

// New creates a searcher
func New(cfg *config.Config, cache *constraint.ValidationCache, token *Token) *Searcher {
	return &Searcher{
		cfg:    cfg,
		cache:  cache,
		token:  token,
		logger: log.WithComponent("searcher"),
	}
}

// SetConfig replaces the configuration used by later searches
func (s *Searcher) SetConfig(cfg *config.Config) {
	s.cfg = cfg
}

// Checker builds the constraint checker used for an action
func (s *Searcher) Checker(sol *placement.Solution, action types.SchedulerActionType) *constraint.Checker {
	ctx := &constraint.Context{
		P:     sol.Placement(),
		S:     sol,
		Cache: s.cache,
		Settings: constraint.Settings{
			UseBuffered:             action != types.ActionConstraintCheck,
			InBuildThrottling:       s.cfg.InBuildThrottlingEnabled,
			InBuildLimit:            s.cfg.InBuildThrottlingGlobalMaxValue,
			PlaceChildWithoutParent: s.cfg.PlaceChildWithoutParent,
		},
	}
	return constraint.NewChecker(ctx, s.cfg)
}

type run struct {
	s        *Searcher
	p        *placement.Placement
	sol      *placement.Solution
	checker  *constraint.Checker
	opts     Options
	rng      *rand.Rand
	deadline time.Time
	result   *Result
}

// Search runs the stage selected by opts.Action over a placement
func (s *Searcher) Search(p *placement.Placement, opts Options) Result {
	timer := metrics.NewTimer()
	sol := placement.NewSolution(p)
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	r := &run{
		s:       s,
		p:       p,
		sol:     sol,
		checker: s.Checker(sol, opts.Action),
		opts:    opts,
		rng:     rng,
		result:  &Result{Solution: sol, Actions: make(map[int]types.SchedulerActionType)},
	}
	if opts.Timeout > 0 {
		r.deadline = time.Now().Add(opts.Timeout)
	}
	r.result.Before = sol.Score()

	switch opts.Action {
	case types.ActionNewReplicaPlacement:
		r.placeNewReplicas(false)
	case types.ActionNewReplicaPlacementWithMove:
		r.placeNewReplicas(true)
	case types.ActionConstraintCheck:
		r.fixViolations()
	case types.ActionQuickLoadBalancing:
		r.balance(false)
	case types.ActionLoadBalancing:
		r.balance(true)
	default:
		log.Assert(false, "search requested for action %s", opts.Action)
	}

	r.result.After = sol.Score()
	if r.result.Interrupted {
		metrics.SearchInterruptedTotal.Inc()
	}
	timer.ObserveDurationVec(metrics.StageDuration, string(opts.Action))

	s.logger.Debug().
		Str("domain_id", p.DomainID).
		Str("action", string(opts.Action)).
		Int("movements", len(r.result.Movements)).
		Int("iterations", r.result.Iterations).
		Bool("interrupted", r.result.Interrupted).
		Float64("score_before", r.result.Before.Total()).
		Float64("score_after", r.result.After.Total()).
		Msg("Search finished")

	return *r.result
}

// stopped reports whether the search must end now
func (r *run) stopped() bool {
	if r.s.token.Stopped() {
		r.result.Interrupted = true
		return true
	}
	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		r.result.TimedOut = true
		return true
	}
	return false
}

// withinBudget reports whether the solution respects the movement budget
func (r *run) withinBudget() bool {
	if r.opts.MaxMovements == Unlimited {
		return true
	}
	return r.sol.MovementCount() <= r.opts.MaxMovements
}

// budgetExhausted reports whether no further movement fits
func (r *run) budgetExhausted() bool {
	if r.opts.MaxMovements == Unlimited {
		return false
	}
	if r.sol.MovementCount() >= r.opts.MaxMovements {
		r.result.Throttled = true
		return true
	}
	return false
}

// allows reports whether a replica may sit on a node in a role under every
// enabled constraint, soft ones included.
func (r *run) allows(replica int, role types.ReplicaRole, node int) bool {
	cand := constraint.Candidate{Replica: replica, Role: role}
	return len(r.checker.Filter(cand, constraint.NodeSet{node}, constraint.Hard, false).Nodes) == 1 &&
		!r.softViolation(cand, node)
}

func (r *run) softViolation(cand constraint.Candidate, node int) bool {
	for _, k := range constraint.Kinds {
		prio := constraint.Priority(k, r.s.cfg)
		if prio <= constraint.Hard {
			continue
		}
		if len(constraint.Filter(k)(cand, r.checker.Context(), constraint.NodeSet{node})) > 0 {
			return true
		}
	}
	return false
}

// bestNode returns the candidate node giving the lowest score for a replica,
// preferring nodes holding the service image and breaking ties randomly.
func (r *run) bestNode(replica int, nodes constraint.NodeSet) int {
	svc := r.p.ServiceOf(replica)
	prev := r.sol.State(replica)

	best, bestScore, ties := -1, 0.0, 0
	bestImage := false
	for _, n := range nodes {
		if n == prev.Node {
			continue
		}
		r.sol.Move(replica, n)
		score := r.sol.Score().Deviation
		r.sol.SetState(replica, prev)

		image := svc.Image != "" && r.p.Nodes[n].HasImage(svc.Image)
		switch {
		case best < 0 || (image && !bestImage) || (image == bestImage && score < bestScore-1e-12):
			best, bestScore, bestImage, ties = n, score, image, 1
		case image == bestImage && score <= bestScore+1e-12:
			ties++
			if r.rng.Intn(ties) == 0 {
				best = n
			}
		}
	}
	return best
}

func (r *run) emit(moves []placement.Movement) {
	r.result.Movements = append(r.result.Movements, moves...)
}
