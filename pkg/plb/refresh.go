package plb

import (
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/diagnostics"
	"github.com/cuemby/plb/pkg/domain"
	"github.com/cuemby/plb/pkg/events"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/scheduler"
	"github.com/cuemby/plb/pkg/searcher"
	"github.com/cuemby/plb/pkg/snapshot"
	"github.com/cuemby/plb/pkg/throttle"
	"github.com/cuemby/plb/pkg/types"
)

// domainJob is the work selected for one domain in a refresh
type domainJob struct {
	id            string
	action        types.SchedulerActionType
	placement     *placement.Placement
	hasViolations bool

	result  *searcher.Result
	emitted int
}

// Refresh runs one scheduling cycle: it drains pending updates, selects an
// action per domain, searches the domains that need work in random order
// and hands the resulting movements to the failover manager.
func (e *Engine) Refresh(now time.Time) {
	if e.closed.Load() {
		return
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	timer := metrics.NewTimer()
	e.token.Reset()

	e.mu.Lock()
	cfg := e.cfg
	e.drainLocked(now)
	e.applyRepartitionsLocked(now)
	if created := e.table.ProcessSplits(now); len(created) > 0 {
		e.logger.Debug().Strs("domains", created).Msg("Pending domain splits processed")
	}
	calls := e.autoScaleLocked(now)
	srch := searcher.New(cfg, e.cache, e.token)
	jobs, nodes, apps, existing := e.prepareLocked(now, cfg, srch)
	e.mu.Unlock()

	e.runScaling(calls)

	e.rng.Shuffle(len(jobs), func(i, j int) { jobs[i], jobs[j] = jobs[j], jobs[i] })
	decision := types.NewDecisionToken()
	emitted := 0
	for _, job := range jobs {
		if !job.action.NeedsSearch() || e.closed.Load() {
			continue
		}
		if job.placement == nil {
			log.Assert(false, "domain %s selected %s without a placement", job.id, job.action)
			continue
		}
		e.search(now, cfg, srch, job, existing, decision)
		emitted += job.emitted
	}

	e.counters.Prune(now)
	e.trackDiagnostics(now, jobs)
	e.diag.Cleanup(now)
	e.diag.Flush()
	e.publishSnapshot(now, cfg, nodes, apps, jobs)
	e.checkUpgradeSafety(jobs)

	e.nextRefresh.Store(now.Add(cfg.PLBRefreshGap).UnixNano())
	e.refreshes++
	timer.ObserveDuration(metrics.RefreshDuration)
	metrics.UpdateComponent(metrics.ComponentRefresh, true, "")

	e.publish(&events.Event{
		Type:       events.EventRefreshCompleted,
		Timestamp:  now,
		DecisionID: decision.DecisionID.String(),
		Metadata: map[string]string{
			"domains":   strconv.Itoa(len(jobs)),
			"movements": strconv.Itoa(emitted),
			"refresh":   strconv.FormatUint(e.refreshes, 10),
		},
	})
	e.logger.Debug().
		Int("domains", len(jobs)).
		Int("movements", emitted).
		Dur("duration", timer.Duration()).
		Msg("Refresh completed")
}

// prepareLocked builds a placement for every domain and asks its scheduler
// for the action of this refresh.
func (e *Engine) prepareLocked(now time.Time, cfg *config.Config, srch *searcher.Searcher) (
	jobs []*domainJob, nodes []types.NodeDescription, apps []types.ApplicationDescription, existing int) {
	nodes = e.nodeListLocked()
	for _, name := range slices.Sorted(maps.Keys(e.applications)) {
		apps = append(apps, e.applications[name])
	}
	view := domain.Nodes{Descriptions: nodes, Images: e.images}
	movable := func(fu *domain.FailoverUnit) bool {
		return !e.counters.PartitionThrottled(now, fu.Desc.ID, cfg)
	}

	for _, d := range e.table.Domains() {
		d.Scheduler.SetMovementEnabled(e.constraintCheckEnabled, e.balancingEnabled)
		e.refreshOnEveryNodeLocked(d)
		existing += d.ExistingReplicaCount()

		p := placement.Build(d.PlacementInput(view, e.applicationLocked, movable), cfg)
		sol := placement.NewSolution(p)
		checker := srch.Checker(sol, types.ActionConstraintCheck)
		job := &domainJob{
			id:            d.ID,
			placement:     p,
			hasViolations: checker.ViolationCount(checker.MaxPriority()) > 0 || upgradeSwapPending(sol),
		}
		job.action = d.Scheduler.Refresh(now, scheduler.State{
			HasPartitions:  len(d.FailoverUnits) > 0,
			HasNewReplicas: p.HasWork(),
			HasViolations:  job.hasViolations,
			IsBalanced:     sol.IsBalanced(),
			Upgrading:      e.domainUpgradingLocked(d),
		})
		metrics.StagesTotal.WithLabelValues(string(job.action)).Inc()
		jobs = append(jobs, job)
	}
	return jobs, nodes, apps, existing
}

// refreshOnEveryNodeLocked follows the node count for services placed on
// every node.
func (e *Engine) refreshOnEveryNodeLocked(d *domain.Domain) {
	for _, svc := range d.Services {
		if !svc.Desc.OnEveryNode {
			continue
		}
		target := e.onEveryNodeTarget(svc)
		svc.Desc.TargetReplicaSetSize = target
		for id := range svc.FailoverUnits {
			if fu, ok := d.FailoverUnits[id]; ok {
				fu.Desc.TargetReplicaSetSize = target
			}
		}
	}
}

func (e *Engine) domainUpgradingLocked(d *domain.Domain) bool {
	for app := range d.Applications {
		if a, ok := e.applications[app]; ok && a.IsUpgrading {
			return true
		}
	}
	return false
}

// upgradeSwapPending reports whether an upgrading partition still has its
// primary on a node being deactivated.
func upgradeSwapPending(sol *placement.Solution) bool {
	p := sol.Placement()
	for pi := range p.Partitions {
		if !p.Partitions[pi].InUpgrade {
			continue
		}
		if r, ok := sol.Primary(pi); ok && !p.Nodes[sol.Node(r)].Eligible {
			return true
		}
	}
	return false
}

func searchTimeout(action types.SchedulerActionType, cfg *config.Config) time.Duration {
	switch {
	case action.IsPlacement():
		return cfg.PlacementSearchTimeout
	case action == types.ActionConstraintCheck:
		return cfg.ConstraintCheckSearchTimeout
	case action == types.ActionQuickLoadBalancing:
		return cfg.FastBalancingSearchTimeout
	default:
		return cfg.SlowBalancingSearchTimeout
	}
}

// search runs the selected action of one domain outside the model lock.
// Placement batches are committed and passed on as they complete; other
// stages commit once at the end.
func (e *Engine) search(now time.Time, cfg *config.Config, srch *searcher.Searcher, job *domainJob,
	existing int, decision types.DecisionToken) {
	p := job.placement
	budget := throttle.Stricter(
		e.counters.Allowed(now, job.action, existing, cfg),
		throttle.PerRunLimit(job.action, p.ExistingReplicas, cfg))

	opts := searcher.Options{
		Action:       job.action,
		Timeout:      searchTimeout(job.action, cfg),
		MaxMovements: budget,
		Rand:         e.rng,
	}
	if job.action.IsPlacement() && cfg.UseBatchPlacement {
		opts.OnBatch = func(batch []placement.Movement) {
			e.mu.Lock()
			table := e.commitLocked(now, job, batch, nil, decision)
			e.mu.Unlock()
			job.emitted += table.ActionCount()
			e.passMovements(table, decision)
		}
	}

	res := srch.Search(p, opts)
	job.result = &res

	e.mu.Lock()
	moves := res.Movements
	if e.phaseDisabledLocked(job.action) {
		moves = nil
	}
	table := e.commitLocked(now, job, moves, res.Actions, decision)
	job.emitted += table.ActionCount()
	if d, ok := e.table.Domain(job.id); ok {
		d.Scheduler.Complete(now, job.action, scheduler.Outcome{
			Movements:      job.emitted,
			Unplaced:       len(res.Unplaced),
			DeviationDelta: res.Before.Deviation - res.After.Deviation,
			Interrupted:    res.Interrupted,
		})
	}
	e.mu.Unlock()

	if res.Throttled {
		metrics.MovementsThrottledTotal.WithLabelValues(string(job.action)).Inc()
	}
	e.passMovements(table, decision)
}

// phaseDisabledLocked reports whether the phase was turned off while its
// search ran.
func (e *Engine) phaseDisabledLocked(action types.SchedulerActionType) bool {
	switch {
	case action == types.ActionConstraintCheck:
		return !e.constraintCheckEnabled || !e.cfg.ConstraintCheckEnabled
	case action.IsBalancing():
		return !e.balancingEnabled || !e.cfg.LoadBalancingEnabled
	}
	return false
}

// trackDiagnostics feeds the search outcomes into the health diagnostics
func (e *Engine) trackDiagnostics(now time.Time, jobs []*domainJob) {
	for _, job := range jobs {
		p := job.placement
		res := job.result
		if res == nil {
			if !job.hasViolations {
				e.diag.TrackViolations(now, job.id, nil)
				e.diag.TrackUpgradeSwaps(now, job.id, nil)
			}
			continue
		}

		if len(res.Unplaced) > 0 {
			failures := make([]diagnostics.PlacementFailure, 0, len(res.Unplaced))
			for _, u := range res.Unplaced {
				part := &p.Partitions[u.Partition]
				failures = append(failures, diagnostics.PlacementFailure{
					Service:     p.Services[part.Service].Name,
					PartitionID: part.ID,
					Role:        p.Replicas[u.Replica].Role,
					Eliminated:  eliminations(p, u.Eliminated),
				})
			}
			e.diag.TrackPlacement(now, failures)
		}

		if job.action != types.ActionConstraintCheck {
			continue
		}
		violations := make([]diagnostics.Violation, 0, len(res.Unfixed))
		for _, v := range res.Unfixed {
			part := &p.Partitions[v.Partition]
			node := ""
			if v.Node >= 0 {
				node = p.Nodes[v.Node].ID
			}
			violations = append(violations, diagnostics.Violation{
				Service:     p.Services[part.Service].Name,
				PartitionID: part.ID,
				Constraint:  v.Kind.String(),
				Node:        node,
			})
		}
		e.diag.TrackViolations(now, job.id, violations)

		swaps := make(map[string]string, len(res.UnswappedUpgrade))
		for _, pi := range res.UnswappedUpgrade {
			part := &p.Partitions[pi]
			swaps[part.ID] = p.Services[part.Service].Name
		}
		e.diag.TrackUpgradeSwaps(now, job.id, swaps)
	}
}

func eliminations(p *placement.Placement, in []constraint.Elimination) []diagnostics.Elimination {
	out := make([]diagnostics.Elimination, 0, len(in))
	for _, el := range in {
		nodes := make([]string, 0, len(el.Nodes))
		for _, n := range el.Nodes {
			nodes = append(nodes, p.Nodes[n].ID)
		}
		out = append(out, diagnostics.Elimination{Constraint: el.Kind.String(), Nodes: nodes})
	}
	return out
}

// publishSnapshot freezes the refreshed domains for queries and triggers
func (e *Engine) publishSnapshot(now time.Time, cfg *config.Config, nodes []types.NodeDescription,
	apps []types.ApplicationDescription, jobs []*domainJob) {
	domains := make([]*snapshot.Domain, 0, len(jobs))
	for _, job := range jobs {
		var after *placement.Solution
		if job.result != nil && job.emitted > 0 {
			after = job.result.Solution
		}
		domains = append(domains, snapshot.NewDomain(job.action, job.placement, after))
	}
	snap := snapshot.New(now, cfg, nodes, apps, domains)

	e.snapshotMu.Lock()
	e.snapshot = snap
	e.snapshotMu.Unlock()
}

// checkUpgradeSafety tells the failover manager which upgrading
// applications have no replica left to place or primary left to swap.
func (e *Engine) checkUpgradeSafety(jobs []*domainJob) {
	blocked := make(map[string]bool)
	for _, job := range jobs {
		if job.result == nil {
			continue
		}
		for _, pi := range job.result.UnswappedUpgrade {
			blocked[job.placement.Partitions[pi].ID] = true
		}
	}

	var safe []string
	e.mu.RLock()
	for _, name := range slices.Sorted(maps.Keys(e.applications)) {
		if !e.applications[name].IsUpgrading {
			continue
		}
		if e.applicationUpgradeSafeLocked(name, blocked) {
			safe = append(safe, name)
		}
	}
	e.mu.RUnlock()

	for _, name := range safe {
		e.fm.UpdateAppUpgradePLBSafetyCheckStatus(name)
	}
}

func (e *Engine) applicationUpgradeSafeLocked(app string, blocked map[string]bool) bool {
	for _, svc := range e.applicationServicesLocked(app) {
		_, d, ok := e.table.Service(svc)
		if !ok {
			continue
		}
		s := d.Services[svc]
		for id := range s.FailoverUnits {
			fu, ok := d.FailoverUnits[id]
			if !ok || !fu.Desc.IsInUpgrade {
				continue
			}
			if blocked[id] || fu.NeedsPlacement(s.Desc.IsStateful) {
				return false
			}
		}
	}
	return true
}
