package constraint

import (
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/types"
)

func partitionOf(ctx *Context, c Candidate) *placement.Partition {
	return &ctx.P.Partitions[ctx.P.Replicas[c.Replica].Partition]
}

// currentNode returns the node the candidate occupies in the solution, -1
// when it is unplaced or dropped.
func currentNode(ctx *Context, c Candidate) int {
	if !ctx.S.IsActive(c.Replica) {
		return -1
	}
	return ctx.S.Node(c.Replica)
}

// ownLoad is what the candidate currently contributes on a node
func ownLoad(ctx *Context, c Candidate, node, pos int) int64 {
	if currentNode(ctx, c) != node {
		return 0
	}
	return ctx.P.ReplicaLoad(ctx.P.Replicas[c.Replica].Partition, ctx.S.Role(c.Replica), node, pos)
}

// staysThroughDeactivation reports whether existing replicas may remain on
// a node with the given deactivation intent.
func staysThroughDeactivation(intent types.DeactivationIntent) bool {
	return intent == types.DeactivationPause || intent == types.DeactivationRestart
}

func filterStaticExclusion(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	svc := ctx.P.ServiceOf(c.Replica)
	current := currentNode(ctx, c)

	var out NodeSet
	for _, n := range nodes {
		node := &ctx.P.Nodes[n]
		if _, blocked := svc.Blocked[n]; blocked {
			out = append(out, n)
			continue
		}
		if node.Eligible {
			continue
		}
		if n == current && node.IsUp && staysThroughDeactivation(node.Deactivation) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func filterDynamicExclusion(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	pi := ctx.P.Replicas[c.Replica].Partition
	var out NodeSet
	for _, n := range nodes {
		if r, ok := ctx.S.ReplicaOn(pi, n); ok && r != c.Replica {
			out = append(out, n)
		}
	}
	return out
}

func filterPlacementConstraint(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	svc := ctx.P.ServiceOf(c.Replica)
	if svc.Constraint == "" {
		return nil
	}
	expr, err := ctx.Cache.Expression(svc.Constraint)
	if err != nil {
		log.Assert(false, "service %s has invalid placement constraint: %v", svc.Name, err)
		return nodes
	}

	var out NodeSet
	for _, n := range nodes {
		if !ctx.Cache.Eval(expr, &ctx.P.Nodes[n]) {
			out = append(out, n)
		}
	}
	return out
}

func filterNodeCapacity(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	svc := ctx.P.ServiceOf(c.Replica)
	pi := ctx.P.Replicas[c.Replica].Partition

	var out NodeSet
	for _, n := range nodes {
		node := &ctx.P.Nodes[n]
		for pos, mi := range svc.Metrics {
			limit := node.Capacity[mi]
			if ctx.Settings.UseBuffered {
				limit = node.Buffered[mi]
			}
			if limit == placement.Unbounded {
				continue
			}
			l := ctx.P.ReplicaLoad(pi, c.Role, n, pos)
			if l == 0 {
				continue
			}
			if ctx.S.NodeLoad(n, mi)-ownLoad(ctx, c, n, pos)+l > limit {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func filterAffinity(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	svc := ctx.P.ServiceOf(c.Replica)
	if svc.Parent < 0 {
		return nil
	}
	parent := &ctx.P.Services[svc.Parent]
	alignPrimary := svc.Aligned && c.Role == types.ReplicaRolePrimary

	hosts := make(map[int]bool)
	for _, pi := range parent.Partitions {
		for _, r := range ctx.P.Partitions[pi].Replicas {
			if !ctx.S.IsActive(r) {
				continue
			}
			if alignPrimary && ctx.S.Role(r) != types.ReplicaRolePrimary {
				continue
			}
			hosts[ctx.S.Node(r)] = true
		}
	}
	if len(hosts) == 0 && ctx.Settings.PlaceChildWithoutParent {
		return nil
	}

	var out NodeSet
	for _, n := range nodes {
		if !hosts[n] {
			out = append(out, n)
		}
	}
	return out
}

// domainsWithNodes counts the fault or upgrade domains that have an
// eligible node.
func domainsWithNodes(ctx *Context, domainOf func(n int) int) int {
	seen := make(map[int]struct{})
	for _, n := range ctx.P.Eligible {
		seen[domainOf(n)] = struct{}{}
	}
	return len(seen)
}

func maxPerDomain(replicas, domains int, quorum bool) int {
	if domains <= 0 {
		return replicas
	}
	limit := (replicas + domains - 1) / domains
	if quorum {
		if q := replicas / 2; q > limit {
			limit = q
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func filterDomainSpread(c Candidate, ctx *Context, nodes NodeSet, domainOf func(n int) int, quorum bool) NodeSet {
	part := partitionOf(ctx, c)
	counts := make(map[int]int)
	active := 0
	for _, r := range part.Replicas {
		if r == c.Replica || !ctx.S.IsActive(r) {
			continue
		}
		counts[domainOf(ctx.S.Node(r))]++
		active++
	}

	replicas := part.Target
	if active+1 > replicas {
		replicas = active + 1
	}
	limit := maxPerDomain(replicas, domainsWithNodes(ctx, domainOf), quorum)

	var out NodeSet
	for _, n := range nodes {
		if counts[domainOf(n)]+1 > limit {
			out = append(out, n)
		}
	}
	return out
}

func filterFaultDomain(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	return filterDomainSpread(c, ctx, nodes, func(n int) int { return ctx.P.Nodes[n].FaultDomain }, ctx.P.QuorumFaultDomain)
}

func filterUpgradeDomain(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	return filterDomainSpread(c, ctx, nodes, func(n int) int { return ctx.P.Nodes[n].UpgradeDomain }, ctx.P.QuorumUpgrade)
}

func filterPreferredLocation(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	part := partitionOf(ctx, c)
	if len(part.PreferredNodes) == 0 || !ctx.P.Replicas[c.Replica].IsNew {
		return nil
	}
	preferred := make(map[int]bool, len(part.PreferredNodes))
	for _, n := range part.PreferredNodes {
		preferred[n] = true
	}

	var out NodeSet
	for _, n := range nodes {
		if !preferred[n] {
			out = append(out, n)
		}
	}
	return out
}

func filterScaleout(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	app := ctx.P.ServiceOf(c.Replica).Application
	if app < 0 || ctx.P.Applications[app].Scaleout <= 0 {
		return nil
	}
	current := currentNode(ctx, c)
	hosts := func(n int) bool {
		count := ctx.S.ApplicationReplicasOn(app, n)
		if n == current {
			count--
		}
		return count > 0
	}

	spanned := ctx.S.ApplicationNodeCount(app)
	if current >= 0 && !hosts(current) {
		spanned--
	}
	if spanned < ctx.P.Applications[app].Scaleout {
		return nil
	}

	var out NodeSet
	for _, n := range nodes {
		if !hosts(n) {
			out = append(out, n)
		}
	}
	return out
}

func filterApplicationCapacity(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	svc := ctx.P.ServiceOf(c.Replica)
	if svc.Application < 0 {
		return nil
	}
	app := &ctx.P.Applications[svc.Application]
	if len(app.Capacities) == 0 {
		return nil
	}
	pi := ctx.P.Replicas[c.Replica].Partition
	current := currentNode(ctx, c)

	var out NodeSet
	for _, n := range nodes {
		for pos, mi := range svc.Metrics {
			capd, ok := app.Capacities[mi]
			if !ok {
				continue
			}
			l := ctx.P.ReplicaLoad(pi, c.Role, n, pos)
			if l == 0 {
				continue
			}
			var ownTotal int64
			if current >= 0 {
				ownTotal = ownLoad(ctx, c, current, pos)
			}
			if capd.TotalCapacity > 0 && ctx.S.ApplicationLoad(app.Index, mi)-ownTotal+l > capd.TotalCapacity {
				out = append(out, n)
				break
			}
			if capd.MaxInstanceCapacity > 0 &&
				ctx.S.ApplicationNodeLoad(app.Index, n, mi)-ownLoad(ctx, c, n, pos)+l > capd.MaxInstanceCapacity {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func filterThrottling(c Candidate, ctx *Context, nodes NodeSet) NodeSet {
	if !ctx.Settings.InBuildThrottling || ctx.Settings.InBuildLimit <= 0 {
		return nil
	}
	current := currentNode(ctx, c)
	original := ctx.P.Replicas[c.Replica].Node

	var out NodeSet
	for _, n := range nodes {
		if n == original {
			continue
		}
		inBuild := ctx.P.Nodes[n].InBuild + ctx.S.Incoming(n)
		if n == current {
			inBuild--
		}
		if inBuild >= ctx.Settings.InBuildLimit {
			out = append(out, n)
		}
	}
	return out
}
